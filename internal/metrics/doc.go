/*
Package metrics exports blob delivery metrics to Prometheus.

# Overview

The Collector owns a private Prometheus registry and serves it over HTTP
together with a JSON health endpoint that runs registered dependency checks.

	┌─────────────┐
	│  Collector  │
	└──────┬──────┘
	       │
	   ┌───┴────────────────────────────┐
	   │                                │
	┌──▼───────────┐         ┌─────────▼──────┐
	│  Prometheus  │         │ HTTP Endpoints │
	│   Registry   │         │  /metrics      │
	│              │         │  /health       │
	└──────────────┘         └────────────────┘

# Series

	requests_total{tier}                   requests by serving tier (fast, durable, origin)
	fetch_duration_seconds{tier}           GetBlob latency by serving tier
	origin_fetches_total{outcome}          origin round trips
	integrity_failures_total               digest mismatches on origin bodies
	coalesced_waiters_total                callers that joined an in-flight fetch
	background_refreshes_total{outcome}    early-expiry refreshes
	cache_tier_errors_total{tier,op}       tier failures absorbed as misses
	breaker_state{origin}                  0 closed, 1 half-open, 2 open

All series carry the configured namespace (default "blobcache") and any
constant labels from Config.Labels.

# Usage

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      9090,
		Path:      "/metrics",
		Namespace: "blobcache",
	}, logger)
	if err != nil {
		return err
	}
	collector.AddHealthCheck("durable", durable.HealthCheck)

	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer collector.Stop(context.Background())

A nil or disabled Collector accepts every Record call as a no-op, so
components can hold one unconditionally.
*/
package metrics
