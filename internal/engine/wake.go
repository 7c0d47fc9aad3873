package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/flowmonkey/engine/pkg/log"
)

// runWakeSweeper periodically ticks waiting executions whose wake time
// has elapsed. Lock contention with a concurrent caller is harmless;
// the loser simply skips the execution this round
func (e *Engine) runWakeSweeper(ctx context.Context) {
	ticker := time.NewTicker(e.config.WakeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepWakes(ctx)
		}
	}
}

func (e *Engine) sweepWakes(ctx context.Context) {
	due, err := e.deps.Executions.ListWakeReady(
		ctx, e.clock.Now(), e.config.SweepBatch,
	)
	if err != nil {
		slog.Error("Wake sweep failed", log.Error(err))
		return
	}
	for _, exec := range due {
		if ctx.Err() != nil {
			return
		}
		if _, err := e.Tick(ctx, exec.ID); err != nil {
			slog.Warn("Wake tick failed",
				log.ExecutionID(exec.ID), log.Error(err))
		}
	}
}

// SweepWakesOnce runs a single wake pass. Exposed for tests and for
// deployments that drive sweeping from an external scheduler
func (e *Engine) SweepWakesOnce(ctx context.Context) {
	e.sweepWakes(ctx)
}
