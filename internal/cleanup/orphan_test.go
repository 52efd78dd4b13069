package cleanup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/carecircle/medsync/internal/clock"
	"github.com/carecircle/medsync/internal/store"
)

type fakeCleanupStore struct {
	validIDs map[string]struct{}
	rows     map[string][]*store.MirrorRow // collection -> rows, sorted by ID
	scanErr  error
	records  []*store.MigrationRecord
}

func newFakeCleanupStore() *fakeCleanupStore {
	f := &fakeCleanupStore{
		validIDs: make(map[string]struct{}),
		rows:     make(map[string][]*store.MirrorRow),
	}
	return f
}

func (f *fakeCleanupStore) seed(collection, rowID, commandID string) {
	f.rows[collection] = append(f.rows[collection], &store.MirrorRow{ID: rowID, CommandID: commandID})
	sort.Slice(f.rows[collection], func(i, j int) bool {
		return f.rows[collection][i].ID < f.rows[collection][j].ID
	})
}

func (f *fakeCleanupStore) ListCommandIDs(ctx context.Context) (map[string]struct{}, error) {
	return f.validIDs, nil
}

func (f *fakeCleanupStore) ScanCommandRefs(ctx context.Context, collection, afterID string, limit int) ([]store.CommandRef, error) {
	if f.scanErr != nil {
		return nil, f.scanErr
	}
	var refs []store.CommandRef
	for _, row := range f.rows[collection] {
		if row.ID <= afterID {
			continue
		}
		refs = append(refs, store.CommandRef{RowID: row.ID, CommandID: row.CommandID})
		if len(refs) == limit {
			break
		}
	}
	return refs, nil
}

func (f *fakeCleanupStore) FetchRowsByIDs(ctx context.Context, collection string, ids []string) ([]*store.MirrorRow, error) {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	var out []*store.MirrorRow
	for _, row := range f.rows[collection] {
		if _, ok := want[row.ID]; ok {
			out = append(out, row)
		}
	}
	return out, nil
}

func (f *fakeCleanupStore) DeleteByIDs(ctx context.Context, collection string, ids []string) (int64, error) {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	var kept []*store.MirrorRow
	var deleted int64
	for _, row := range f.rows[collection] {
		if _, ok := want[row.ID]; ok {
			deleted++
			continue
		}
		kept = append(kept, row)
	}
	f.rows[collection] = kept
	return deleted, nil
}

func (f *fakeCleanupStore) InsertMigrationRecord(ctx context.Context, rec *store.MigrationRecord) error {
	f.records = append(f.records, rec)
	return nil
}

// fakeSnapshotter records what it was asked to persist.
type fakeSnapshotter struct {
	snapshots map[string]int // collection -> row count
	err       error
}

func newFakeSnapshotter() *fakeSnapshotter {
	return &fakeSnapshotter{snapshots: make(map[string]int)}
}

func (s *fakeSnapshotter) Snapshot(ctx context.Context, collection string, rows []*store.MirrorRow) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.snapshots[collection] = len(rows)
	return "backups/" + collection + ".json", nil
}

func seedMixed(f *fakeCleanupStore) {
	f.validIDs["cmd-live"] = struct{}{}
	for _, c := range store.MirrorCollections {
		f.seed(c, "row-1", "cmd-live")
		f.seed(c, "row-2", "cmd-gone")
		f.seed(c, "row-3", "cmd-gone")
	}
}

func TestDryRunCountsWithoutDeleting(t *testing.T) {
	f := newFakeCleanupStore()
	seedMixed(f)
	snap := newFakeSnapshotter()
	tool := New(f, snap, nil, clock.NewMock(time.Date(2025, 6, 10, 3, 0, 0, 0, time.UTC)))

	report, err := tool.Run(context.Background(), ModeDryRun)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if got := report.TotalOrphaned(); got != int64(2*len(store.MirrorCollections)) {
		t.Errorf("total orphaned = %d", got)
	}
	for _, cr := range report.Collections {
		if cr.Scanned != 3 || cr.Orphaned != 2 || cr.Deleted != 0 {
			t.Errorf("%s report = %+v", cr.Collection, cr)
		}
		if cr.BackupLocation != "" {
			t.Errorf("%s snapshotted in dry-run", cr.Collection)
		}
	}
	for _, c := range store.MirrorCollections {
		if len(f.rows[c]) != 3 {
			t.Errorf("%s rows deleted in dry-run", c)
		}
	}
	if len(snap.snapshots) != 0 {
		t.Errorf("snapshots taken in dry-run: %v", snap.snapshots)
	}
	if len(f.records) != 1 || f.records[0].Operation != "orphan_cleanup_dry-run" {
		t.Errorf("audit records = %+v", f.records)
	}
}

func TestBackupOnlySnapshotsWithoutDeleting(t *testing.T) {
	f := newFakeCleanupStore()
	seedMixed(f)
	snap := newFakeSnapshotter()
	tool := New(f, snap, nil, nil)

	report, err := tool.Run(context.Background(), ModeBackupOnly)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	for _, cr := range report.Collections {
		if cr.BackupLocation == "" {
			t.Errorf("%s missing backup location", cr.Collection)
		}
		if cr.Deleted != 0 {
			t.Errorf("%s deleted rows in backup-only", cr.Collection)
		}
	}
	for _, c := range store.MirrorCollections {
		if snap.snapshots[c] != 2 {
			t.Errorf("%s snapshot rows = %d, want 2", c, snap.snapshots[c])
		}
		if len(f.rows[c]) != 3 {
			t.Errorf("%s rows deleted in backup-only", c)
		}
	}
}

func TestExecuteSnapshotsThenDeletes(t *testing.T) {
	f := newFakeCleanupStore()
	seedMixed(f)
	snap := newFakeSnapshotter()
	tool := New(f, snap, nil, nil)

	report, err := tool.Run(context.Background(), ModeExecute)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	for _, cr := range report.Collections {
		if cr.Deleted != 2 {
			t.Errorf("%s deleted = %d, want 2", cr.Collection, cr.Deleted)
		}
		if cr.BackupLocation == "" {
			t.Errorf("%s deleted without a backup", cr.Collection)
		}
	}
	for _, c := range store.MirrorCollections {
		if len(f.rows[c]) != 1 || f.rows[c][0].CommandID != "cmd-live" {
			t.Errorf("%s rows after execute = %+v", c, f.rows[c])
		}
	}
}

// A snapshot failure must abort before any delete.
func TestExecuteAbortsOnSnapshotFailure(t *testing.T) {
	f := newFakeCleanupStore()
	seedMixed(f)
	snap := newFakeSnapshotter()
	snap.err = errors.New("bucket unreachable")
	tool := New(f, snap, nil, nil)

	if _, err := tool.Run(context.Background(), ModeExecute); err == nil {
		t.Fatal("expected snapshot failure to abort the run")
	}
	for _, c := range store.MirrorCollections {
		if len(f.rows[c]) != 3 {
			t.Errorf("%s rows deleted despite snapshot failure", c)
		}
	}
}

func TestScanFailureAborts(t *testing.T) {
	f := newFakeCleanupStore()
	seedMixed(f)
	f.scanErr = errors.New("query timeout")
	tool := New(f, newFakeSnapshotter(), nil, nil)

	if _, err := tool.Run(context.Background(), ModeExecute); err == nil {
		t.Fatal("expected scan failure to surface")
	}
}

func TestSweepPagesThroughLargeCollections(t *testing.T) {
	f := newFakeCleanupStore()
	f.validIDs["cmd-live"] = struct{}{}
	c := store.MirrorCollections[0]
	total := store.MaxBatchSize + 50
	for i := 0; i < total; i++ {
		cmd := "cmd-gone"
		if i%2 == 0 {
			cmd = "cmd-live"
		}
		f.seed(c, fmt.Sprintf("row-%06d", i), cmd)
	}
	tool := New(f, nil, nil, nil)
	tool.collections = []string{c}

	report, err := tool.Run(context.Background(), ModeDryRun)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	cr := report.Collections[0]
	if cr.Scanned != int64(total) {
		t.Errorf("scanned = %d, want %d", cr.Scanned, total)
	}
	if cr.Orphaned != int64(total/2) {
		t.Errorf("orphaned = %d, want %d", cr.Orphaned, total/2)
	}
}
