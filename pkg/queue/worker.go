package queue

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/dsa110/contimg/pkg/registry"
)

// WorkerPool claims and executes jobs with a fixed number of concurrent
// workers, reclaims stale leases on a ticker, and stages discovered
// artifacts into the product registry. It satisfies the daemon's Component
// interface structurally (Name/Start/Stop) without importing it.
type WorkerPool struct {
	store         *Store
	runner        *Runner
	reg           *registry.Store
	concurrency   int
	leaseDuration time.Duration
	staleAfter    time.Duration
	sweepInterval time.Duration
	log           arbor.ILogger

	stopCh chan struct{}
	doneWg sync.WaitGroup
}

// NewWorkerPool constructs a WorkerPool.
func NewWorkerPool(store *Store, runner *Runner, reg *registry.Store, concurrency int,
	leaseDuration, staleAfter, sweepInterval time.Duration, log arbor.ILogger) *WorkerPool {
	return &WorkerPool{
		store:         store,
		runner:        runner,
		reg:           reg,
		concurrency:   concurrency,
		leaseDuration: leaseDuration,
		staleAfter:    staleAfter,
		sweepInterval: sweepInterval,
		log:           log,
		stopCh:        make(chan struct{}),
	}
}

// Name implements service.Component.
func (p *WorkerPool) Name() string { return "job-runner" }

// Start implements service.Component.
func (p *WorkerPool) Start(ctx context.Context) error {
	for i := 0; i < p.concurrency; i++ {
		workerID := "worker-" + time.Now().UTC().Format("150405") + "-" + strconv.Itoa(i)
		p.doneWg.Add(1)
		go p.claimLoop(ctx, workerID)
	}
	p.doneWg.Add(1)
	go p.sweepLoop(ctx)
	return nil
}

// Stop implements service.Component.
func (p *WorkerPool) Stop(ctx context.Context) error {
	close(p.stopCh)
	done := make(chan struct{})
	go func() {
		p.doneWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return nil
}

func (p *WorkerPool) claimLoop(ctx context.Context, workerID string) {
	defer p.doneWg.Done()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.claimAndRun(ctx, workerID)
		}
	}
}

func (p *WorkerPool) claimAndRun(ctx context.Context, workerID string) {
	lease, ok, err := p.store.Claim(ctx, workerID, p.leaseDuration)
	if err != nil {
		p.log.Warn().Err(err).Msg("job claim failed")
		return
	}
	if !ok {
		return
	}

	outcome := p.runner.Execute(ctx, lease.Job)
	if outcome.Succeeded {
		if err := p.store.Complete(ctx, lease); err != nil {
			p.log.Warn().Err(err).Str("job_id", lease.Job.ID).Msg("failed to mark job complete")
		}
		for _, path := range outcome.Artifacts {
			if _, err := p.reg.Stage(ctx, string(lease.Job.Type), path, lease.Job.ID); err != nil {
				p.log.Warn().Err(err).Str("job_id", lease.Job.ID).Str("path", path).Msg("failed to stage artifact")
			}
		}
		return
	}

	if outcome.Cancelled {
		if err := p.store.Cancel(ctx, lease, outcome.Err); err != nil {
			p.log.Warn().Err(err).Str("job_id", lease.Job.ID).Msg("failed to record job cancellation")
		}
		return
	}

	if err := p.store.Fail(ctx, lease, outcome.Err, outcome.Retriable); err != nil {
		p.log.Warn().Err(err).Str("job_id", lease.Job.ID).Msg("failed to record job failure")
	}
}

func (p *WorkerPool) sweepLoop(ctx context.Context) {
	defer p.doneWg.Done()
	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.store.ReclaimStale(ctx, p.staleAfter)
			if err != nil {
				p.log.Warn().Err(err).Msg("stale job sweep failed")
				continue
			}
			if n > 0 {
				p.log.Info().Int("count", n).Msg("reclaimed stale jobs")
			}
		}
	}
}
