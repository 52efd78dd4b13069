package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/carecircle/medsync/internal/clock"
	"github.com/carecircle/medsync/internal/domain/medication"
	"github.com/carecircle/medsync/internal/store"
)

type fakeMirrorStore struct {
	rows   map[string]map[string]*store.MirrorRow // collection -> source event id
	failOn string
}

func newFakeMirrorStore() *fakeMirrorStore {
	f := &fakeMirrorStore{rows: make(map[string]map[string]*store.MirrorRow)}
	for _, c := range store.MirrorCollections {
		f.rows[c] = make(map[string]*store.MirrorRow)
	}
	return f
}

func (f *fakeMirrorStore) UpsertMirrorRow(ctx context.Context, collection string, row *store.MirrorRow) error {
	if collection == f.failOn {
		return errors.New("collection unavailable")
	}
	f.rows[collection][row.SourceEventID] = row
	return nil
}

func unifiedEvent(id string, typ medication.EventType, scheduledFor time.Time) *medication.Event {
	return &medication.Event{
		ID:        id,
		CommandID: "cmd-1",
		PatientID: "patient-1",
		Type:      typ,
		Timing:    medication.Timing{ScheduledFor: scheduledFor},
		Context:   medication.EventContext{MedicationName: "Lisinopril"},
	}
}

func TestApplyProjectsIntoEveryMirror(t *testing.T) {
	f := newFakeMirrorStore()
	now := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	p := NewProjector(f, nil, clock.NewMock(now))

	ev := unifiedEvent("ev-1", medication.EventDoseTaken, now.Add(-10*time.Minute))
	if err := p.Apply(context.Background(), ev); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	for _, c := range store.MirrorCollections {
		row, ok := f.rows[c]["ev-1"]
		if !ok {
			t.Fatalf("no row projected into %s", c)
		}
		if row.Status != "completed" {
			t.Errorf("%s status = %s, want completed", c, row.Status)
		}
		if row.CommandID != "cmd-1" || row.PatientID != "patient-1" {
			t.Errorf("%s row = %+v", c, row)
		}
		if !row.SyncedFromUnified {
			t.Errorf("%s row not marked as synced", c)
		}
		if !row.SyncedAt.Equal(now) {
			t.Errorf("%s synced_at = %v", c, row.SyncedAt)
		}
	}
}

func TestApplyRedeliveryConverges(t *testing.T) {
	f := newFakeMirrorStore()
	p := NewProjector(f, nil, nil)

	ev := unifiedEvent("ev-1", medication.EventDoseScheduled, time.Now().UTC())
	for i := 0; i < 3; i++ {
		if err := p.Apply(context.Background(), ev); err != nil {
			t.Fatalf("apply %d failed: %v", i, err)
		}
	}
	for _, c := range store.MirrorCollections {
		if len(f.rows[c]) != 1 {
			t.Errorf("%s has %d rows after redelivery, want 1", c, len(f.rows[c]))
		}
	}
}

func TestApplyPropagatesUpsertFailure(t *testing.T) {
	f := newFakeMirrorStore()
	f.failOn = store.MirrorCollections[0]
	p := NewProjector(f, nil, nil)

	ev := unifiedEvent("ev-1", medication.EventDoseMissed, time.Now().UTC())
	if err := p.Apply(context.Background(), ev); err == nil {
		t.Fatal("expected upsert failure to surface for redelivery")
	}
}

func TestHandleMessageDecodes(t *testing.T) {
	f := newFakeMirrorStore()
	p := NewProjector(f, nil, nil)

	payload, err := json.Marshal(unifiedEvent("ev-9", medication.EventDoseSkipped, time.Now().UTC()))
	if err != nil {
		t.Fatal(err)
	}
	if err := p.HandleMessage(context.Background(), payload); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if row := f.rows[store.CollectionSchedules]["ev-9"]; row == nil || row.Status != "skipped" {
		t.Fatalf("row = %+v", row)
	}
}

func TestHandleMessageRejectsGarbage(t *testing.T) {
	p := NewProjector(newFakeMirrorStore(), nil, nil)

	if err := p.HandleMessage(context.Background(), []byte("{not json")); err == nil {
		t.Error("malformed payload accepted")
	}

	payload, _ := json.Marshal(map[string]string{"id": "ev-1", "event_type": "dose_teleported"})
	if err := p.HandleMessage(context.Background(), payload); err == nil {
		t.Error("unknown event type accepted")
	}
}

func TestLegacyStatusMapping(t *testing.T) {
	cases := map[medication.EventType]string{
		medication.EventDoseScheduled: "scheduled",
		medication.EventDoseTaken:     "completed",
		medication.EventDoseMissed:    "missed",
		medication.EventDoseSkipped:   "skipped",
		medication.EventDoseSnoozed:   "snoozed",
	}
	for typ, want := range cases {
		if got := legacyStatus(typ); got != want {
			t.Errorf("legacyStatus(%s) = %s, want %s", typ, got, want)
		}
	}
}
