// Package workerpool provides a bounded worker pool for background jobs.
// Sized for a handful of concurrent extraction calls rather than raw
// throughput: each job holds an expensive upstream request open.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Job is a unit of background work. Run receives the pool's base context;
// jobs carrying their own deadline should derive from it.
type Job struct {
	ID  string
	Run func(ctx context.Context)
}

// Config holds pool sizing.
type Config struct {
	// Workers is the number of concurrent workers.
	Workers int
	// QueueSize bounds the backlog; Submit fails once it is full.
	QueueSize int
	// ShutdownTimeout bounds how long Stop waits for in-flight jobs.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns defaults for extraction-style workloads.
func DefaultConfig() Config {
	return Config{
		Workers:         8,
		QueueSize:       64,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Pool runs submitted jobs on a fixed set of workers.
type Pool struct {
	config Config
	logger *zap.Logger

	jobs chan *Job
	wg   sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	submitted int64
	completed int64
	active    int64
}

// New creates a pool; call Start before submitting.
func New(cfg Config, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		config: cfg,
		logger: logger,
		jobs:   make(chan *Job, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the workers.
func (p *Pool) Start() {
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.config.Workers),
		zap.Int("queue_size", p.config.QueueSize))
}

// Submit enqueues a job. It fails when the pool is stopping or the backlog
// is full; callers surface that to the user rather than blocking.
func (p *Pool) Submit(job *Job) error {
	select {
	case <-p.ctx.Done():
		return fmt.Errorf("pool is shutting down")
	default:
	}

	select {
	case p.jobs <- job:
		atomic.AddInt64(&p.submitted, 1)
		return nil
	default:
		return fmt.Errorf("job queue is full")
	}
}

// Stop cancels the base context, drains queued jobs and waits for in-flight
// ones up to ShutdownTimeout.
func (p *Pool) Stop() {
	p.cancel()
	close(p.jobs)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped")
	case <-time.After(p.config.ShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out")
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for job := range p.jobs {
		atomic.AddInt64(&p.active, 1)
		p.logger.Debug("job started",
			zap.Int("worker_id", id),
			zap.String("job_id", job.ID))

		job.Run(p.ctx)

		atomic.AddInt64(&p.active, -1)
		atomic.AddInt64(&p.completed, 1)
	}
}

// Stats reports pool counters.
type Stats struct {
	Submitted int64
	Completed int64
	Active    int64
	Queued    int
	Workers   int
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: atomic.LoadInt64(&p.submitted),
		Completed: atomic.LoadInt64(&p.completed),
		Active:    atomic.LoadInt64(&p.active),
		Queued:    len(p.jobs),
		Workers:   p.config.Workers,
	}
}
