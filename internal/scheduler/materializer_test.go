package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// fakeMaterializerStore is an in-memory MaterializerStore. Each command
// yields its pending occurrence IDs once; later calls return nothing,
// mirroring the duplicate-free store behavior.
type fakeMaterializerStore struct {
	active   []string
	pending  map[string][]string
	failFor  map[string]error
	listErr  error
	matCalls []string
}

func newFakeMaterializerStore() *fakeMaterializerStore {
	return &fakeMaterializerStore{
		pending: make(map[string][]string),
		failFor: make(map[string]error),
	}
}

func (f *fakeMaterializerStore) ListActiveCommandIDs(ctx context.Context) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.active, nil
}

func (f *fakeMaterializerStore) MaterializeScheduledEvents(ctx context.Context, commandID string) ([]string, error) {
	f.matCalls = append(f.matCalls, commandID)
	if err := f.failFor[commandID]; err != nil {
		return nil, err
	}
	ids := f.pending[commandID]
	f.pending[commandID] = nil
	return ids, nil
}

func TestMaterializerRollsHorizonForward(t *testing.T) {
	st := newFakeMaterializerStore()
	st.active = []string{"cmd-1", "cmd-2"}
	st.pending["cmd-1"] = []string{"ev-1", "ev-2", "ev-3"}
	st.pending["cmd-2"] = []string{"ev-4"}

	m := NewMaterializer(st, nil)

	res := &TickResult{Job: JobMaterializer}
	m.Tick(context.Background(), res)

	if res.Err != nil {
		t.Fatalf("Tick error: %v", res.Err)
	}
	if res.Processed != 2 {
		t.Errorf("Processed = %d, want 2", res.Processed)
	}
	if res.Sent != 4 {
		t.Errorf("Sent = %d, want 4", res.Sent)
	}
	if res.Skipped != 0 {
		t.Errorf("Skipped = %d, want 0", res.Skipped)
	}
}

func TestMaterializerSecondTickCreatesNothing(t *testing.T) {
	st := newFakeMaterializerStore()
	st.active = []string{"cmd-1"}
	st.pending["cmd-1"] = []string{"ev-1", "ev-2"}

	m := NewMaterializer(st, nil)

	first := &TickResult{Job: JobMaterializer}
	m.Tick(context.Background(), first)
	if first.Sent != 2 {
		t.Fatalf("first tick Sent = %d, want 2", first.Sent)
	}

	second := &TickResult{Job: JobMaterializer}
	m.Tick(context.Background(), second)
	if second.Sent != 0 {
		t.Errorf("second tick Sent = %d, want 0", second.Sent)
	}
	if second.Skipped != 1 {
		t.Errorf("second tick Skipped = %d, want 1", second.Skipped)
	}
}

func TestMaterializerCommandFailureIsolated(t *testing.T) {
	st := newFakeMaterializerStore()
	st.active = []string{"cmd-bad", "cmd-ok"}
	st.failFor["cmd-bad"] = errors.New("invalid schedule")
	st.pending["cmd-ok"] = []string{"ev-1"}

	m := NewMaterializer(st, nil)

	res := &TickResult{Job: JobMaterializer}
	m.Tick(context.Background(), res)

	if res.Errors != 1 {
		t.Errorf("Errors = %d, want 1", res.Errors)
	}
	if res.Processed != 1 {
		t.Errorf("Processed = %d, want 1", res.Processed)
	}
	if res.Sent != 1 {
		t.Errorf("Sent = %d, want 1", res.Sent)
	}
	if len(st.matCalls) != 2 {
		t.Errorf("materialize calls = %d, want 2", len(st.matCalls))
	}
}

func TestMaterializerListFailure(t *testing.T) {
	st := newFakeMaterializerStore()
	st.listErr = fmt.Errorf("connection refused")

	m := NewMaterializer(st, nil)

	res := &TickResult{Job: JobMaterializer}
	m.Tick(context.Background(), res)

	if res.Err == nil {
		t.Fatal("expected Err after list failure")
	}
	if res.Errors != 1 {
		t.Errorf("Errors = %d, want 1", res.Errors)
	}
}
