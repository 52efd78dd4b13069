package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/carecircle/medsync/internal/clock"
	"github.com/carecircle/medsync/internal/domain/medication"
	"github.com/carecircle/medsync/internal/notify"
	"github.com/carecircle/medsync/internal/store"
)

// fakeReminderStore is an in-memory ReminderStore.
type fakeReminderStore struct {
	mu       sync.Mutex
	events   []*medication.Event
	commands map[string]*medication.Command
	markers  map[string]*store.ReminderSentRecord
	queryErr error
}

func newFakeReminderStore() *fakeReminderStore {
	return &fakeReminderStore{
		commands: make(map[string]*medication.Command),
		markers:  make(map[string]*store.ReminderSentRecord),
	}
}

func (f *fakeReminderStore) QueryEvents(ctx context.Context, filter store.EventFilter) ([]*medication.Event, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*medication.Event
	for _, ev := range f.events {
		if filter.ScheduledFrom != nil && ev.Timing.ScheduledFor.Before(*filter.ScheduledFrom) {
			continue
		}
		if filter.ScheduledTo != nil && ev.Timing.ScheduledFor.After(*filter.ScheduledTo) {
			continue
		}
		if len(filter.Types) > 0 {
			match := false
			for _, t := range filter.Types {
				if ev.Type == t {
					match = true
				}
			}
			if !match {
				continue
			}
		}
		out = append(out, ev)
	}
	return out, nil
}

func (f *fakeReminderStore) CompletionExists(ctx context.Context, commandID string, windowStart, windowEnd time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range f.events {
		if ev.CommandID == commandID && ev.Type.Terminal() &&
			!ev.Timing.ScheduledFor.Before(windowStart) && !ev.Timing.ScheduledFor.After(windowEnd) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeReminderStore) GetCommand(ctx context.Context, id string) (*medication.Command, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd, ok := f.commands[id]
	if !ok {
		return nil, store.ErrCommandNotFound
	}
	return cmd, nil
}

func (f *fakeReminderStore) ReminderMarkerExists(ctx context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.markers[key]
	return ok, nil
}

func (f *fakeReminderStore) CreateReminderMarker(ctx context.Context, rec *store.ReminderSentRecord) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.markers[rec.Key]; ok {
		return false, nil
	}
	f.markers[rec.Key] = rec
	return true, nil
}

// fakeNotifier counts dispatched notifications.
type fakeNotifier struct {
	mu   sync.Mutex
	sent []*notify.Notification
	err  error
}

func (f *fakeNotifier) Send(ctx context.Context, n *notify.Notification) (*notify.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, n)
	return &notify.Result{TotalSent: 1, PerRecipient: []notify.RecipientResult{{Delivered: true}}}, nil
}

func activeCommand(id string) *medication.Command {
	return &medication.Command{
		ID:        id,
		PatientID: "patient-1",
		Status:    medication.StatusActive,
		Medication: medication.Descriptor{
			Name:           "Lisinopril",
			Frequency:      medication.FrequencyDaily,
			ScheduledTimes: []string{"08:00"},
		},
		Reminders: medication.ReminderSettings{Enabled: true},
	}
}

func scheduledEvent(id, commandID string, at time.Time) *medication.Event {
	return &medication.Event{
		ID:        id,
		CommandID: commandID,
		PatientID: "patient-1",
		Type:      medication.EventDoseScheduled,
		Timing:    medication.Timing{ScheduledFor: at},
		Context:   medication.EventContext{MedicationName: "Lisinopril"},
	}
}

func newReminderUnderTest(st *fakeReminderStore, n *fakeNotifier, clk clock.Clock) *ReminderScheduler {
	return NewReminderScheduler(st, n, nil, clk, DefaultReminderConfig())
}

// Overlapping ticks across the 15-minute approach send exactly one
// reminder; the 5-minute approach later sends a second one.
func TestReminderApproachSendsOnce(t *testing.T) {
	due := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	st := newFakeReminderStore()
	st.commands["cmd-1"] = activeCommand("cmd-1")
	st.events = append(st.events, scheduledEvent("ev-1", "cmd-1", due))
	notifier := &fakeNotifier{}
	clk := clock.NewMock(due.Add(-16 * time.Minute))
	job := newReminderUnderTest(st, notifier, clk)

	for _, offsetMin := range []int{16, 15, 14} {
		clk.Set(due.Add(-time.Duration(offsetMin) * time.Minute))
		res := &TickResult{}
		job.Tick(context.Background(), res)
		if res.Err != nil {
			t.Fatalf("tick failed: %v", res.Err)
		}
	}
	if len(notifier.sent) != 1 {
		t.Fatalf("15-minute approach sent %d reminders, want 1", len(notifier.sent))
	}

	clk.Set(due.Add(-5 * time.Minute))
	res := &TickResult{}
	job.Tick(context.Background(), res)
	if res.Err != nil {
		t.Fatalf("tick failed: %v", res.Err)
	}
	if len(notifier.sent) != 2 {
		t.Fatalf("5-minute approach: total sent = %d, want 2", len(notifier.sent))
	}
	if len(st.markers) != 2 {
		t.Errorf("marker count = %d, want 2", len(st.markers))
	}
}

func TestReminderSkipsCompletedOccurrence(t *testing.T) {
	due := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	st := newFakeReminderStore()
	st.commands["cmd-1"] = activeCommand("cmd-1")
	st.events = append(st.events,
		scheduledEvent("ev-1", "cmd-1", due),
		&medication.Event{
			ID:        "ev-taken",
			CommandID: "cmd-1",
			PatientID: "patient-1",
			Type:      medication.EventDoseTaken,
			Timing:    medication.Timing{ScheduledFor: due},
		},
	)
	notifier := &fakeNotifier{}
	job := newReminderUnderTest(st, notifier, clock.NewMock(due.Add(-15*time.Minute)))

	res := &TickResult{}
	job.Tick(context.Background(), res)
	if len(notifier.sent) != 0 {
		t.Errorf("reminder sent for completed occurrence")
	}
	if res.Skipped == 0 {
		t.Errorf("completed occurrence not counted as skipped: %+v", res)
	}
}

func TestReminderSkipsDisabledAndInactive(t *testing.T) {
	due := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)

	for name, mutate := range map[string]func(*medication.Command){
		"reminders disabled": func(c *medication.Command) { c.Reminders.Enabled = false },
		"command paused":     func(c *medication.Command) { c.Status = medication.StatusPaused },
	} {
		st := newFakeReminderStore()
		cmd := activeCommand("cmd-1")
		mutate(cmd)
		st.commands["cmd-1"] = cmd
		st.events = append(st.events, scheduledEvent("ev-1", "cmd-1", due))
		notifier := &fakeNotifier{}
		job := newReminderUnderTest(st, notifier, clock.NewMock(due.Add(-15*time.Minute)))

		res := &TickResult{}
		job.Tick(context.Background(), res)
		if len(notifier.sent) != 0 {
			t.Errorf("%s: reminder sent", name)
		}
	}
}

func TestReminderSkipsVanishedCommand(t *testing.T) {
	due := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	st := newFakeReminderStore()
	st.events = append(st.events, scheduledEvent("ev-1", "cmd-gone", due))
	notifier := &fakeNotifier{}
	job := newReminderUnderTest(st, notifier, clock.NewMock(due.Add(-15*time.Minute)))

	res := &TickResult{}
	job.Tick(context.Background(), res)
	if res.Errors != 0 {
		t.Errorf("vanished command treated as error: %+v", res)
	}
	if len(notifier.sent) != 0 {
		t.Error("reminder sent for vanished command")
	}
}

func TestReminderMalformedEventSkipped(t *testing.T) {
	st := newFakeReminderStore()
	st.events = append(st.events, &medication.Event{
		ID:        "ev-bad",
		CommandID: "cmd-1",
		Type:      medication.EventDoseScheduled,
	})
	notifier := &fakeNotifier{}
	job := newReminderUnderTest(st, notifier, clock.NewMock(time.Now()))

	res := &TickResult{}
	job.Tick(context.Background(), res)
	if res.Err != nil || res.Errors != 0 {
		t.Errorf("malformed event was fatal: %+v", res)
	}
}

func TestReminderQueryFailureIsFatal(t *testing.T) {
	st := newFakeReminderStore()
	st.queryErr = errors.New("connection refused")
	job := newReminderUnderTest(st, &fakeNotifier{}, clock.NewMock(time.Now()))

	res := &TickResult{}
	job.Tick(context.Background(), res)
	if res.Err == nil {
		t.Error("query failure did not abort the tick")
	}
}

func TestReminderDispatchFailureCounted(t *testing.T) {
	due := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	st := newFakeReminderStore()
	st.commands["cmd-1"] = activeCommand("cmd-1")
	st.events = append(st.events, scheduledEvent("ev-1", "cmd-1", due))
	notifier := &fakeNotifier{err: errors.New("broker down")}
	job := newReminderUnderTest(st, notifier, clock.NewMock(due.Add(-15*time.Minute)))

	res := &TickResult{}
	job.Tick(context.Background(), res)
	if res.Err != nil {
		t.Fatalf("per-item failure escalated to tick failure: %v", res.Err)
	}
	if res.Errors != 1 {
		t.Errorf("errors = %d, want 1", res.Errors)
	}
	// No marker means the next tick retries the send.
	if len(st.markers) != 0 {
		t.Error("marker written despite failed dispatch")
	}
}

func TestReminderConfigValidate(t *testing.T) {
	cfg := DefaultReminderConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	cfg.ToleranceMinutes = 3
	if err := cfg.Validate(); err == nil {
		t.Error("tolerance over half the bucket width accepted")
	}
}

func TestReminderUrgencyEscalates(t *testing.T) {
	due := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	st := newFakeReminderStore()
	st.commands["cmd-1"] = activeCommand("cmd-1")
	st.events = append(st.events, scheduledEvent("ev-1", "cmd-1", due))
	notifier := &fakeNotifier{}
	job := newReminderUnderTest(st, notifier, clock.NewMock(due.Add(-5*time.Minute)))

	res := &TickResult{}
	job.Tick(context.Background(), res)
	if len(notifier.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(notifier.sent))
	}
	if notifier.sent[0].Urgency != notify.UrgencyHigh {
		t.Errorf("urgency = %s, want high", notifier.sent[0].Urgency)
	}
}
