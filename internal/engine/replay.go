package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/flowmonkey/engine/pkg/log"
)

// maxReplayAttempts bounds how often a WAL entry is retried before the
// replayer leaves it for operator attention
const maxReplayAttempts = 10

// runWALReplayer periodically retries pipe inserts that failed at step
// time, acking entries whose insert finally lands and compacting the log
func (e *Engine) runWALReplayer(ctx context.Context) {
	ticker := time.NewTicker(e.config.ReplayInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.replayWAL(ctx)
		}
	}
}

func (e *Engine) replayWAL(ctx context.Context) {
	if e.deps.WAL == nil || e.deps.Tables == nil {
		return
	}
	pending, err := e.deps.WAL.ReadPending(ctx, e.config.ReplayBatch)
	if err != nil {
		slog.Error("WAL read failed", log.Error(err))
		return
	}

	acked := 0
	for _, entry := range pending {
		if ctx.Err() != nil {
			return
		}
		if entry.Attempts >= maxReplayAttempts {
			continue
		}
		_, err := e.deps.Tables.Insert(ctx, entry.TableID, entry.Data)
		if err != nil {
			if incErr := e.deps.WAL.IncrementAttempts(
				ctx, entry.ID,
			); incErr != nil {
				slog.Error("WAL attempt bump failed",
					slog.String("wal_entry_id", entry.ID),
					log.Error(incErr))
			}
			continue
		}
		if err := e.deps.WAL.Ack(ctx, entry.ID); err != nil {
			slog.Error("WAL ack failed",
				slog.String("wal_entry_id", entry.ID), log.Error(err))
			continue
		}
		acked++
	}

	if acked > 0 {
		if _, err := e.deps.WAL.Compact(ctx); err != nil {
			slog.Warn("WAL compaction failed", log.Error(err))
		}
	}
}

// ReplayWALOnce runs a single replay pass. Exposed for tests and
// externally scheduled deployments
func (e *Engine) ReplayWALOnce(ctx context.Context) {
	e.replayWAL(ctx)
}
