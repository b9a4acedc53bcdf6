package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openpreprint/blobcache/internal/adapter"
	"github.com/openpreprint/blobcache/internal/config"
	"github.com/openpreprint/blobcache/pkg/utils"
)

const usage = `usage: blobcached [flags] [command]

commands:
  serve                   run the cache daemon (default)
  fetch <did> <cid>       fetch one blob through the cache and write it to -o
  url <did> <cid>         print the URL a client should use for a blob
  purge <cid>             drop a blob from both cache tiers
  init-config <path>      write the default configuration to path

flags:
`

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "blobcached: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("blobcached", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}

	configPath := fs.String("config", "", "path to YAML configuration")
	logLevel := fs.String("log-level", "", "override log level (DEBUG, INFO, WARN, ERROR)")
	bucket := fs.String("bucket", "", "override durable cache bucket")
	output := fs.String("o", "-", "output file for fetch, - for stdout")
	direct := fs.Bool("direct", false, "url: prefer the origin URL over the cache URL")

	if err := fs.Parse(args); err != nil {
		return err
	}

	command, rest := "serve", fs.Args()
	if len(rest) > 0 {
		command, rest = rest[0], rest[1:]
	}

	cfg := config.NewDefault()
	if command == "init-config" {
		if len(rest) != 1 {
			return fmt.Errorf("init-config takes one path")
		}
		return cfg.SaveToFile(rest[0])
	}

	if *configPath != "" {
		if err := cfg.LoadFromFile(*configPath); err != nil {
			return err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}
	if *logLevel != "" {
		cfg.Global.Logging.Level = *logLevel
	}
	if *bucket != "" {
		cfg.DurableCache.Bucket = *bucket
	}

	logger, logCloser, err := utils.NewLogger(cfg.Global.Logging, stderr)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if command != "serve" {
		// One-shot commands do not expose metrics.
		cfg.Metrics.Enabled = false
	}

	a, err := adapter.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Global.ShutdownTimeout)
		defer cancel()
		if err := a.Stop(shutdownCtx); err != nil {
			logger.Error("shutdown incomplete", "error", err)
		}
	}()

	switch command {
	case "serve":
		return serve(ctx, a, logger)
	case "fetch":
		if len(rest) != 2 {
			return fmt.Errorf("fetch takes <did> <cid>")
		}
		return fetch(ctx, a, logger, rest[0], rest[1], *output, stdout)
	case "url":
		if len(rest) != 2 {
			return fmt.Errorf("url takes <did> <cid>")
		}
		desc, err := a.Service().GetBlobURL(ctx, rest[0], rest[1], *direct, false)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(desc)
	case "purge":
		if len(rest) != 1 {
			return fmt.Errorf("purge takes <cid>")
		}
		return a.Service().PurgeCachedBlob(ctx, rest[0])
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func serve(ctx context.Context, a *adapter.Adapter, logger *slog.Logger) error {
	if err := a.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")
	return nil
}

func fetch(ctx context.Context, a *adapter.Adapter, logger *slog.Logger, did, cid, output string, stdout io.Writer) error {
	start := time.Now()
	res, err := a.Service().GetBlob(ctx, did, cid, "")
	if err != nil {
		return err
	}

	w := stdout
	if output != "-" {
		f, err := os.Create(output)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	if _, err := w.Write(res.Data); err != nil {
		return err
	}

	logger.Debug("fetched", "cid", cid, "tier", res.Tier, "size", utils.FormatBytes(res.Size), "duration", time.Since(start))
	return nil
}
