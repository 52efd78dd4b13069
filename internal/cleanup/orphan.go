// Package cleanup implements the operator-invoked orphan cleanup pass:
// legacy mirror rows whose source command no longer exists are reported,
// snapshotted, and (only on explicit request) deleted.
package cleanup

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/carecircle/medsync/internal/clock"
	"github.com/carecircle/medsync/internal/store"
)

// Mode selects how destructive a cleanup run is. Dry-run is the default.
type Mode string

const (
	ModeDryRun     Mode = "dry-run"
	ModeBackupOnly Mode = "backup-only"
	ModeExecute    Mode = "execute"
)

// CleanupStore is the slice of the durable store the tool needs.
type CleanupStore interface {
	ListCommandIDs(ctx context.Context) (map[string]struct{}, error)
	ScanCommandRefs(ctx context.Context, collection, afterID string, limit int) ([]store.CommandRef, error)
	FetchRowsByIDs(ctx context.Context, collection string, ids []string) ([]*store.MirrorRow, error)
	DeleteByIDs(ctx context.Context, collection string, ids []string) (int64, error)
	InsertMigrationRecord(ctx context.Context, rec *store.MigrationRecord) error
}

// Snapshotter persists candidate rows before deletion.
type Snapshotter interface {
	Snapshot(ctx context.Context, collection string, rows []*store.MirrorRow) (location string, err error)
}

// CollectionReport is the per-collection outcome of one run.
type CollectionReport struct {
	Collection     string `json:"collection"`
	Scanned        int64  `json:"scanned"`
	Orphaned       int64  `json:"orphaned"`
	Deleted        int64  `json:"deleted"`
	BackupLocation string `json:"backup_location,omitempty"`
}

// Report is the structured audit output of one run.
type Report struct {
	Mode        Mode               `json:"mode"`
	StartedAt   time.Time          `json:"started_at"`
	Duration    time.Duration      `json:"duration"`
	ValidIDs    int                `json:"valid_command_ids"`
	Collections []CollectionReport `json:"collections"`
}

// TotalOrphaned sums orphan counts across collections.
func (r *Report) TotalOrphaned() int64 {
	var n int64
	for _, c := range r.Collections {
		n += c.Orphaned
	}
	return n
}

// Tool runs the cleanup pass. Offline, never on the hot path.
type Tool struct {
	store       CleanupStore
	snapshotter Snapshotter
	logger      *zap.Logger
	clock       clock.Clock
	collections []string
	pageSize    int
}

// New creates a Tool over the legacy mirror collections.
func New(s CleanupStore, snap Snapshotter, logger *zap.Logger, clk clock.Clock) *Tool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Tool{
		store:       s,
		snapshotter: snap,
		logger:      logger,
		clock:       clk,
		collections: store.MirrorCollections,
		pageSize:    store.MaxBatchSize,
	}
}

// Run executes one pass in the given mode. A scan failure is
// unrecoverable and returned; orphan counts of any size are a normal,
// successful outcome.
func (t *Tool) Run(ctx context.Context, mode Mode) (*Report, error) {
	start := time.Now()
	report := &Report{Mode: mode, StartedAt: t.clock.Now()}

	validIDs, err := t.store.ListCommandIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("build valid command id set: %w", err)
	}
	report.ValidIDs = len(validIDs)

	for _, collection := range t.collections {
		cr, err := t.sweepCollection(ctx, collection, validIDs, mode)
		if err != nil {
			return nil, fmt.Errorf("sweep %s: %w", collection, err)
		}
		report.Collections = append(report.Collections, *cr)
	}

	report.Duration = time.Since(start)
	t.record(ctx, report)
	return report, nil
}

// sweepCollection scans one mirror collection and handles its orphans
// according to the mode.
func (t *Tool) sweepCollection(ctx context.Context, collection string, validIDs map[string]struct{}, mode Mode) (*CollectionReport, error) {
	cr := &CollectionReport{Collection: collection}

	var orphanIDs []string
	afterID := ""
	for {
		refs, err := t.store.ScanCommandRefs(ctx, collection, afterID, t.pageSize)
		if err != nil {
			return nil, err
		}
		if len(refs) == 0 {
			break
		}
		for _, ref := range refs {
			cr.Scanned++
			if _, ok := validIDs[ref.CommandID]; !ok {
				orphanIDs = append(orphanIDs, ref.RowID)
			}
		}
		afterID = refs[len(refs)-1].RowID
		if len(refs) < t.pageSize {
			break
		}
	}
	cr.Orphaned = int64(len(orphanIDs))

	if mode == ModeDryRun || len(orphanIDs) == 0 {
		return cr, nil
	}

	// backup-only and execute both snapshot first
	rows, err := t.store.FetchRowsByIDs(ctx, collection, orphanIDs)
	if err != nil {
		return nil, fmt.Errorf("fetch orphan rows: %w", err)
	}
	if t.snapshotter != nil {
		location, err := t.snapshotter.Snapshot(ctx, collection, rows)
		if err != nil {
			return nil, fmt.Errorf("snapshot orphans: %w", err)
		}
		cr.BackupLocation = location
	}

	if mode != ModeExecute {
		return cr, nil
	}

	deleted, err := t.store.DeleteByIDs(ctx, collection, orphanIDs)
	cr.Deleted = deleted
	if err != nil {
		return nil, fmt.Errorf("delete orphans: %w", err)
	}

	t.logger.Info("orphans removed",
		zap.String("collection", collection),
		zap.Int64("deleted", deleted))
	return cr, nil
}

func (t *Tool) record(ctx context.Context, report *Report) {
	counters := make(map[string]int64)
	for _, c := range report.Collections {
		counters[c.Collection+"_scanned"] = c.Scanned
		counters[c.Collection+"_orphaned"] = c.Orphaned
		counters[c.Collection+"_deleted"] = c.Deleted
	}
	rec := &store.MigrationRecord{
		Operation: "orphan_cleanup_" + string(report.Mode),
		Counters:  counters,
		Complete:  true,
		CreatedAt: t.clock.Now(),
	}
	if err := t.store.InsertMigrationRecord(ctx, rec); err != nil {
		t.logger.Error("cleanup audit record write failed", zap.Error(err))
	}
}
