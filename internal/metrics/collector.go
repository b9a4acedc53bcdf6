package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Tier labels.
const (
	TierFast    = "fast"
	TierDurable = "durable"
	TierOrigin  = "origin"
)

// Outcome labels for origin fetches and background refreshes.
const (
	OutcomeSuccess     = "success"
	OutcomeNotFound    = "not_found"
	OutcomeUnavailable = "unavailable"
	OutcomeIntegrity   = "integrity_mismatch"
	OutcomeTooLarge    = "too_large"
	OutcomeError       = "error"
	OutcomeDropped     = "dropped"
)

// Collector exports the cache's Prometheus metrics and serves them alongside
// a health endpoint.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry
	logger   *slog.Logger

	requests          *prometheus.CounterVec
	originFetches     *prometheus.CounterVec
	integrityFailures prometheus.Counter
	coalescedWaiters  prometheus.Counter
	refreshes         *prometheus.CounterVec
	tierErrors        *prometheus.CounterVec
	fetchDuration     *prometheus.HistogramVec
	breakerState      *prometheus.GaugeVec

	healthChecks map[string]HealthCheck
	lastReset    time.Time

	server *http.Server
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Port      int               `yaml:"port"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config, logger *slog.Logger) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Port:      9090,
			Path:      "/metrics",
			Namespace: "blobcache",
			Labels:    make(map[string]string),
		}
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}
	if logger == nil {
		logger = slog.Default()
	}

	collector := &Collector{
		config:       config,
		logger:       logger.With("component", "metrics"),
		healthChecks: make(map[string]HealthCheck),
		lastReset:    time.Now(),
	}
	if !config.Enabled {
		return collector, nil
	}

	collector.registry = prometheus.NewRegistry()
	collector.initMetrics()

	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return collector, nil
}

// AddHealthCheck registers a named dependency check for /health.
func (c *Collector) AddHealthCheck(name string, check HealthCheck) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.healthChecks[name] = check
}

// Handler returns the HTTP handler serving metrics and health.
func (c *Collector) Handler() http.Handler {
	mux := http.NewServeMux()
	if c.enabled() {
		mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}))
	}
	mux.HandleFunc("/health", c.healthHandler)
	return mux
}

// Start serves Handler on the configured port until Stop.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", c.config.Port))
	if err != nil {
		return fmt.Errorf("failed to listen for metrics: %w", err)
	}

	c.server = &http.Server{
		Handler:           c.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		if err := c.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			c.logger.Error("metrics server error", "error", err)
		}
	}()

	c.logger.Info("metrics server started", "addr", listener.Addr().String(), "path", c.config.Path)
	return nil
}

// Stop stops the metrics collection server
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// Registry exposes the underlying registry, nil when disabled.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// RecordRequest records a request served from tier.
func (c *Collector) RecordRequest(tier string, duration time.Duration) {
	if !c.enabled() {
		return
	}
	c.requests.WithLabelValues(tier).Inc()
	c.fetchDuration.WithLabelValues(tier).Observe(duration.Seconds())
}

// RecordOriginFetch records the outcome of an origin round trip.
func (c *Collector) RecordOriginFetch(outcome string) {
	if !c.enabled() {
		return
	}
	c.originFetches.WithLabelValues(outcome).Inc()
	if outcome == OutcomeIntegrity {
		c.integrityFailures.Inc()
	}
}

// RecordCoalescedWaiter counts a caller that joined an in-flight computation.
func (c *Collector) RecordCoalescedWaiter() {
	if !c.enabled() {
		return
	}
	c.coalescedWaiters.Inc()
}

// RecordRefresh records the outcome of a background refresh.
func (c *Collector) RecordRefresh(outcome string) {
	if !c.enabled() {
		return
	}
	c.refreshes.WithLabelValues(outcome).Inc()
}

// RecordTierError records a failed cache tier operation.
func (c *Collector) RecordTierError(tier, op string) {
	if !c.enabled() {
		return
	}
	c.tierErrors.WithLabelValues(tier, op).Inc()
}

// SetBreakerState publishes the breaker state of an origin: 0 closed,
// 1 half-open, 2 open.
func (c *Collector) SetBreakerState(origin string, state float64) {
	if !c.enabled() {
		return
	}
	c.breakerState.WithLabelValues(origin).Set(state)
}

// ResetMetrics clears all series.
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastReset = time.Now()
	if c.registry == nil {
		return
	}
	c.requests.Reset()
	c.originFetches.Reset()
	c.refreshes.Reset()
	c.tierErrors.Reset()
	c.fetchDuration.Reset()
	c.breakerState.Reset()
}

func (c *Collector) enabled() bool {
	return c != nil && c.config.Enabled && c.registry != nil
}

func (c *Collector) initMetrics() {
	opts := func(name, help string) prometheus.Opts {
		return prometheus.Opts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: c.config.Labels,
		}
	}

	c.requests = prometheus.NewCounterVec(
		prometheus.CounterOpts(opts("requests_total", "Blob requests by the tier that served them")),
		[]string{"tier"},
	)
	c.originFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts(opts("origin_fetches_total", "Origin round trips by outcome")),
		[]string{"outcome"},
	)
	c.integrityFailures = prometheus.NewCounter(
		prometheus.CounterOpts(opts("integrity_failures_total", "Origin bodies whose digest did not match their CID")),
	)
	c.coalescedWaiters = prometheus.NewCounter(
		prometheus.CounterOpts(opts("coalesced_waiters_total", "Callers served by another caller's in-flight computation")),
	)
	c.refreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts(opts("background_refreshes_total", "Background refreshes by outcome")),
		[]string{"outcome"},
	)
	c.tierErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts(opts("cache_tier_errors_total", "Failed cache tier operations")),
		[]string{"tier", "op"},
	)

	c.fetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "fetch_duration_seconds",
			Help:        "GetBlob latency by serving tier",
			ConstLabels: c.config.Labels,
			Buckets:     prometheus.ExponentialBuckets(0.0005, 2, 16), // 0.5ms to ~16s
		},
		[]string{"tier"},
	)

	c.breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts(opts("breaker_state", "Circuit breaker state per origin (0 closed, 1 half-open, 2 open)")),
		[]string{"origin"},
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.requests,
		c.originFetches,
		c.integrityFailures,
		c.coalescedWaiters,
		c.refreshes,
		c.tierErrors,
		c.fetchDuration,
		c.breakerState,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}

	return nil
}

type healthResponse struct {
	Status  string            `json:"status"`
	Service string            `json:"service"`
	Uptime  string            `json:"uptime"`
	Checks  map[string]string `json:"checks,omitempty"`
}

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	checks := make(map[string]HealthCheck, len(c.healthChecks))
	for name, check := range c.healthChecks {
		checks[name] = check
	}
	lastReset := c.lastReset
	c.mu.RUnlock()

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:  "healthy",
		Service: "blobcache",
		Uptime:  time.Since(lastReset).Round(time.Second).String(),
		Checks:  make(map[string]string, len(checks)),
	}
	status := http.StatusOK
	for name, check := range checks {
		if err := check(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp) // Ignore write error for health check
}
