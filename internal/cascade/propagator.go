// Package cascade propagates command deletion to every derived artifact.
// Deletion of the command record is terminal; the propagator then sweeps
// every unified and legacy collection so no orphan survives.
package cascade

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/carecircle/medsync/internal/clock"
	"github.com/carecircle/medsync/internal/store"
)

// Store is the slice of the durable store the propagator needs.
type Store interface {
	DeleteCommandRecord(ctx context.Context, id string) error
	DeleteBatchByCommand(ctx context.Context, collection, commandID string, limit int) (int64, error)
	CountByCommand(ctx context.Context, collection, commandID string) (int64, error)
	InsertMigrationRecord(ctx context.Context, rec *store.MigrationRecord) error
	InsertSystemAlert(ctx context.Context, alert *store.SystemAlert) error
}

// Result reports one cascade run. Deleted and Failed are per-collection;
// Complete is true only when every collection verified zero remaining rows.
type Result struct {
	CommandID string           `json:"command_id"`
	Deleted   map[string]int64 `json:"deleted"`
	Failed    map[string]int64 `json:"failed"`
	Remaining map[string]int64 `json:"remaining"`
	Complete  bool             `json:"complete"`
}

// Propagator performs cascade deletion across collections.
type Propagator struct {
	store     Store
	logger    *zap.Logger
	clock     clock.Clock
	targets   []string
	batchSize int
}

// New creates a Propagator over the default cascade targets.
func New(s Store, logger *zap.Logger, clk clock.Clock) *Propagator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Propagator{
		store:     s,
		logger:    logger,
		clock:     clk,
		targets:   store.CascadeTargets,
		batchSize: store.MaxBatchSize,
	}
}

// DeleteCommand removes the command record and then propagates. It
// returns only after propagation has been attempted across every target
// collection. Partial failure is not fatal to the delete itself: the
// result reports it, an alert is raised, and orphan cleanup reconciles
// out of band.
func (p *Propagator) DeleteCommand(ctx context.Context, commandID string) (*Result, error) {
	ctx, span := otel.Tracer("cascade").Start(ctx, "cascade_delete",
		trace.WithAttributes(attribute.String("command_id", commandID)))
	defer span.End()

	if err := p.store.DeleteCommandRecord(ctx, commandID); err != nil {
		span.RecordError(err)
		return nil, err
	}

	res := p.Propagate(ctx, commandID)
	span.SetAttributes(attribute.Bool("complete", res.Complete))
	return res, nil
}

// Propagate sweeps every target collection for rows tied to the command.
// A failure in one collection's batches never blocks the others.
func (p *Propagator) Propagate(ctx context.Context, commandID string) *Result {
	res := &Result{
		CommandID: commandID,
		Deleted:   make(map[string]int64),
		Failed:    make(map[string]int64),
		Remaining: make(map[string]int64),
		Complete:  true,
	}

	for _, collection := range p.targets {
		deleted, err := p.drainCollection(ctx, collection, commandID)
		res.Deleted[collection] = deleted
		if err != nil {
			res.Failed[collection]++
			res.Complete = false
			p.logger.Error("cascade batch delete failed",
				zap.String("collection", collection),
				zap.String("command_id", commandID),
				zap.Error(err))
			continue
		}

		// Verification read-after-delete.
		remaining, err := p.store.CountByCommand(ctx, collection, commandID)
		if err != nil {
			res.Failed[collection]++
			res.Complete = false
			continue
		}
		res.Remaining[collection] = remaining
		if remaining > 0 {
			res.Complete = false
		}
	}

	p.record(ctx, res)
	return res
}

// drainCollection deletes in bounded batches until none remain.
func (p *Propagator) drainCollection(ctx context.Context, collection, commandID string) (int64, error) {
	var total int64
	for {
		n, err := p.store.DeleteBatchByCommand(ctx, collection, commandID, p.batchSize)
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
	}
}

// record writes the audit counters and, on partial failure, the alert
// the orphan cleanup tool reconciles from.
func (p *Propagator) record(ctx context.Context, res *Result) {
	rec := &store.MigrationRecord{
		Operation: "cascade_delete",
		CommandID: res.CommandID,
		Counters:  res.Deleted,
		Failures:  res.Failed,
		Complete:  res.Complete,
		CreatedAt: p.clock.Now(),
	}
	if err := p.store.InsertMigrationRecord(ctx, rec); err != nil {
		p.logger.Error("migration record write failed", zap.Error(err))
	}

	if res.Complete {
		p.logger.Info("cascade delete complete",
			zap.String("command_id", res.CommandID),
			zap.Any("deleted", res.Deleted))
		return
	}

	details := map[string]interface{}{
		"command_id": res.CommandID,
		"deleted":    res.Deleted,
		"failed":     res.Failed,
		"remaining":  res.Remaining,
	}
	alert := &store.SystemAlert{
		Kind:      store.AlertCascadeIncomplete,
		Severity:  "high",
		Message:   fmt.Sprintf("cascade delete incomplete for command %s", res.CommandID),
		Details:   details,
		CreatedAt: p.clock.Now(),
	}
	if err := p.store.InsertSystemAlert(ctx, alert); err != nil {
		p.logger.Error("system alert write failed", zap.Error(err))
	}
}
