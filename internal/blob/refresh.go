package blob

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openpreprint/blobcache/internal/metrics"
	"github.com/openpreprint/blobcache/pkg/errors"
)

// RefreshConfig sizes the background refresh pool.
type RefreshConfig struct {
	Workers   int           `yaml:"workers"`    // Concurrent refreshes
	QueueSize int           `yaml:"queue_size"` // Refreshes waiting for a worker
	Timeout   time.Duration `yaml:"timeout"`    // Bound on a single refresh
}

// DefaultRefreshConfig returns the pool sizing used by the daemon.
func DefaultRefreshConfig() RefreshConfig {
	return RefreshConfig{
		Workers:   4,
		QueueSize: 64,
		Timeout:   2 * time.Minute,
	}
}

// RefreshStats tracks refresh pool activity.
type RefreshStats struct {
	Submitted    int64 `json:"submitted"`
	Deduplicated int64 `json:"deduplicated"`
	Dropped      int64 `json:"dropped"`
	Completed    int64 `json:"completed"`
	Failed       int64 `json:"failed"`
	Running      int64 `json:"running"`
	Queued       int   `json:"queued"`
}

// RefreshTask re-populates the cache for one key.
type RefreshTask func(ctx context.Context) error

type refreshJob struct {
	key  string
	task RefreshTask
}

// RefreshPool runs cache refreshes on a fixed set of workers. Submissions
// never block: a full queue drops the refresh, and a key already queued or
// running is not queued again. Failures only reach the logger.
type RefreshPool struct {
	config  RefreshConfig
	logger  *slog.Logger
	metrics *metrics.Collector

	mu      sync.Mutex
	pending map[string]struct{}
	closed  bool

	queue   chan refreshJob
	errs    chan error
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logDone chan struct{}

	submitted    atomic.Int64
	deduplicated atomic.Int64
	dropped      atomic.Int64
	completed    atomic.Int64
	failed       atomic.Int64
	running      atomic.Int64
}

// NewRefreshPool starts the workers.
func NewRefreshPool(config RefreshConfig, logger *slog.Logger, collector *metrics.Collector) *RefreshPool {
	defaults := DefaultRefreshConfig()
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.QueueSize < 0 {
		config.QueueSize = 0
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &RefreshPool{
		config:  config,
		logger:  logger.With("component", "refresh-pool"),
		metrics: collector,
		pending: make(map[string]struct{}),
		queue:   make(chan refreshJob, config.QueueSize),
		errs:    make(chan error, config.Workers),
		ctx:     ctx,
		cancel:  cancel,
		logDone: make(chan struct{}),
	}

	for i := 0; i < config.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	go p.logErrors()

	return p
}

// Submit queues task for key. It reports whether the task was accepted.
func (p *RefreshPool) Submit(key string, task RefreshTask) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false
	}
	if _, ok := p.pending[key]; ok {
		p.deduplicated.Add(1)
		return false
	}

	select {
	case p.queue <- refreshJob{key: key, task: task}:
		p.pending[key] = struct{}{}
		p.submitted.Add(1)
		return true
	default:
		p.dropped.Add(1)
		p.metrics.RecordRefresh(metrics.OutcomeDropped)
		p.logger.Warn("refresh queue full, dropping refresh", "key", key, "queue_size", p.config.QueueSize)
		return false
	}
}

// Stats returns a snapshot of pool counters.
func (p *RefreshPool) Stats() RefreshStats {
	return RefreshStats{
		Submitted:    p.submitted.Load(),
		Deduplicated: p.deduplicated.Load(),
		Dropped:      p.dropped.Load(),
		Completed:    p.completed.Load(),
		Failed:       p.failed.Load(),
		Running:      p.running.Load(),
		Queued:       len(p.queue),
	}
}

// Close stops accepting work and waits for queued refreshes to finish. If ctx
// ends first, running refreshes are cancelled and ctx.Err() is returned.
func (p *RefreshPool) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
		go func() {
			p.wg.Wait()
			close(p.errs)
		}()
	}
	p.mu.Unlock()

	select {
	case <-p.logDone:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return ctx.Err()
	}
}

func (p *RefreshPool) worker() {
	defer p.wg.Done()

	for job := range p.queue {
		p.run(job)
	}
}

func (p *RefreshPool) run(job refreshJob) {
	p.running.Add(1)
	defer p.running.Add(-1)

	ctx, cancel := context.WithTimeout(p.ctx, p.config.Timeout)
	err := safeRun(ctx, job.task)
	cancel()

	p.mu.Lock()
	delete(p.pending, job.key)
	p.mu.Unlock()

	if err != nil {
		p.failed.Add(1)
		p.metrics.RecordRefresh(metrics.OutcomeError)
		p.errs <- fmt.Errorf("refresh %s: %w", job.key, err)
		return
	}
	p.completed.Add(1)
	p.metrics.RecordRefresh(metrics.OutcomeSuccess)
}

func (p *RefreshPool) logErrors() {
	defer close(p.logDone)
	for err := range p.errs {
		p.logger.Warn("background refresh failed", "error", err)
	}
}

func safeRun(ctx context.Context, task RefreshTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf(errors.ErrCodeInternalError, "refresh panicked: %v", r)
		}
	}()
	return task(ctx)
}
