package delivery

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"fleetrelay/internal/types"
)

// PoolConfig sizes the worker pool and its background loops. A zero
// RequeueInterval or DepthInterval disables that loop, and so does a
// non-positive StuckAfter: requeueing live claims would hand a job to a
// second worker. StuckAfter must exceed the time a whole batch can take.
type PoolConfig struct {
	Workers          int
	BatchSize        int
	BatchConcurrency int
	PollInterval     time.Duration
	ErrorBackoff     time.Duration
	StuckAfter       time.Duration
	RequeueInterval  time.Duration
	DepthInterval    time.Duration
}

// Pool runs a fixed number of fetch loops against one queue.
type Pool struct {
	queue      Queue
	dispatcher *Dispatcher
	metrics    Metrics
	cfg        PoolConfig
	logger     types.Logger
}

// NewPool creates a Pool. Non-positive sizes are raised to one.
func NewPool(q Queue, d *Dispatcher, m Metrics, cfg PoolConfig, logger types.Logger) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 1
	}
	if cfg.BatchConcurrency < 1 {
		cfg.BatchConcurrency = 1
	}
	if m == nil {
		m = NopMetrics{}
	}
	if logger == nil {
		logger = types.NopLogger{}
	}
	return &Pool{queue: q, dispatcher: d, metrics: m, cfg: cfg, logger: logger}
}

// Run blocks until ctx is cancelled and every in-flight job has settled.
// Cancelling ctx stops new fetches only; jobs already claimed run to
// completion under their own timeouts.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool starting",
		"queue", p.queue.Name(),
		"workers", p.cfg.Workers,
		"batch_size", p.cfg.BatchSize,
		"batch_concurrency", p.cfg.BatchConcurrency,
	)

	var g errgroup.Group
	for i := 0; i < p.cfg.Workers; i++ {
		logger := p.logger.With("worker", i)
		g.Go(func() error {
			p.work(ctx, logger)
			return nil
		})
	}
	if r, ok := p.queue.(StuckRecoverer); ok && p.cfg.RequeueInterval > 0 {
		if p.cfg.StuckAfter > 0 {
			g.Go(func() error {
				p.requeueLoop(ctx, r)
				return nil
			})
		} else {
			p.logger.Warn("stuck-job requeue disabled", "stuck_after", p.cfg.StuckAfter.String())
		}
	}
	if dr, ok := p.queue.(DepthReporter); ok && p.cfg.DepthInterval > 0 {
		g.Go(func() error {
			p.depthLoop(ctx, dr)
			return nil
		})
	}

	err := g.Wait()
	p.logger.Info("worker pool stopped", "queue", p.queue.Name())
	return err
}

func (p *Pool) work(ctx context.Context, logger types.Logger) {
	for ctx.Err() == nil {
		jobs, err := p.queue.Fetch(ctx, p.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to fetch jobs", "error", err.Error())
			if !sleepCtx(ctx, p.cfg.ErrorBackoff) {
				return
			}
			continue
		}
		if len(jobs) == 0 {
			if !sleepCtx(ctx, p.cfg.PollInterval) {
				return
			}
			continue
		}
		p.processBatch(ctx, jobs)
	}
}

// processBatch dispatches jobs concurrently, at most BatchConcurrency at a
// time, and returns when all have settled.
func (p *Pool) processBatch(ctx context.Context, jobs []*types.DeliveryJob) {
	inflight := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(p.cfg.BatchConcurrency)
	for _, job := range jobs {
		g.Go(func() error {
			p.dispatcher.Process(inflight, job)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Pool) requeueLoop(ctx context.Context, r StuckRecoverer) {
	ticker := time.NewTicker(p.cfg.RequeueInterval)
	defer ticker.Stop()

	for {
		n, err := r.RequeueStuck(ctx, p.cfg.StuckAfter)
		switch {
		case err != nil && ctx.Err() == nil:
			p.logger.Error("failed to requeue stuck jobs", "error", err.Error())
		case n > 0:
			p.logger.Warn("requeued stuck jobs", "count", n, "stuck_after", p.cfg.StuckAfter.String())
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Pool) depthLoop(ctx context.Context, dr DepthReporter) {
	ticker := time.NewTicker(p.cfg.DepthInterval)
	defer ticker.Stop()

	for {
		n, err := dr.CountPending(ctx)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Warn("failed to sample queue depth", "error", err.Error())
			}
		} else {
			p.metrics.RecordQueueDepth(ctx, p.queue.Name(), n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// sleepCtx waits for d or until ctx is done. It reports false when ctx ended
// the wait.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
