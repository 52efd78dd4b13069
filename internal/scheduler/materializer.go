package scheduler

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// JobMaterializer is the execution-log job name for the horizon refresh.
const JobMaterializer = "horizon_refresh"

// MaterializerStore is the slice of the durable store the horizon
// refresh needs.
type MaterializerStore interface {
	ListActiveCommandIDs(ctx context.Context) ([]string, error)
	MaterializeScheduledEvents(ctx context.Context, commandID string) ([]string, error)
}

// Materializer rolls the dose_scheduled horizon forward. Commands are
// materialized once at creation for a bounded window; without this job
// an open-ended daily or weekly command would run out of occurrences
// and go silent after that window. Materialization skips instants that
// already hold a scheduled event, so re-running is duplicate-free.
type Materializer struct {
	store  MaterializerStore
	logger *zap.Logger
}

// NewMaterializer creates a Materializer.
func NewMaterializer(store MaterializerStore, logger *zap.Logger) *Materializer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Materializer{store: store, logger: logger}
}

// Tick re-materializes every active command. One command's failure
// never blocks the rest.
func (m *Materializer) Tick(ctx context.Context, res *TickResult) {
	ids, err := m.store.ListActiveCommandIDs(ctx)
	if err != nil {
		res.Err = fmt.Errorf("list active commands: %w", err)
		res.Errors++
		return
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			res.Err = ctx.Err()
			return
		}

		created, err := m.store.MaterializeScheduledEvents(ctx, id)
		if err != nil {
			res.Errors++
			m.logger.Error("horizon refresh failed",
				zap.String("command_id", id),
				zap.Error(err))
			continue
		}
		res.Processed++
		if len(created) == 0 {
			res.Skipped++
			continue
		}
		res.Sent += len(created)
	}
}
