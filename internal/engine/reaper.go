package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/flowmonkey/engine/pkg/log"
	"github.com/flowmonkey/engine/pkg/store"
)

// Reaper returns stalled jobs to the pending pool. A running job whose
// heartbeat has gone quiet for three intervals is presumed abandoned;
// if attempts remain it is reset, otherwise the give-up is logged and
// the job stays failed
type Reaper struct {
	engine   *Engine
	jobs     store.JobStore
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  sync.Once
	stopped  sync.Once
}

// NewReaper creates a reaper scanning at the given interval
func NewReaper(e *Engine, interval time.Duration) *Reaper {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reaper{
		engine:   e,
		jobs:     e.deps.Jobs,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the scan loop
func (r *Reaper) Start() {
	r.started.Do(func() {
		r.wg.Go(func() {
			ticker := time.NewTicker(r.interval)
			defer ticker.Stop()
			for {
				select {
				case <-r.ctx.Done():
					return
				case <-ticker.C:
					r.Sweep(r.ctx)
				}
			}
		})
	})
}

// Stop halts the scan loop
func (r *Reaper) Stop() {
	r.stopped.Do(func() {
		r.cancel()
		r.wg.Wait()
	})
}

// Sweep runs one stall scan synchronously. Exposed for tests
func (r *Reaper) Sweep(ctx context.Context) {
	stalled, err := r.jobs.FindStalled(
		ctx, r.engine.clock.Now(), r.engine.config.SweepBatch,
	)
	if err != nil {
		slog.Error("Stall scan failed", log.Error(err))
		return
	}
	for _, job := range stalled {
		if ctx.Err() != nil {
			return
		}
		reset, err := r.jobs.ResetStalled(ctx, job.ID)
		if err != nil {
			slog.Error("Stall reset failed",
				log.JobID(job.ID), log.Error(err))
			continue
		}
		if reset {
			slog.Info("Stalled job reset",
				log.JobID(job.ID),
				log.ExecutionID(job.ExecutionID),
				slog.Int("attempts", job.Attempts))
		} else {
			slog.Warn("Stalled job abandoned",
				log.JobID(job.ID),
				log.ExecutionID(job.ExecutionID),
				slog.Int("attempts", job.Attempts))
		}
	}
}
