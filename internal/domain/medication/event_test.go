package medication

import (
	"testing"
	"time"
)

func TestEventTypeTerminal(t *testing.T) {
	terminal := map[EventType]bool{
		EventDoseTaken:     true,
		EventDoseMissed:    true,
		EventDoseSkipped:   true,
		EventDoseScheduled: false,
		EventDoseSnoozed:   false,
	}
	for et, want := range terminal {
		if got := et.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", et, got, want)
		}
	}
	if EventType("bogus").Valid() {
		t.Error("unknown type reported valid")
	}
}

func TestNewScheduledEventGrace(t *testing.T) {
	cmd := &Command{
		ID:          "cmd-1",
		PatientID:   "patient-1",
		Medication:  Descriptor{Name: "Metformin", DosageAmount: "500mg"},
		GracePeriod: GracePeriod{DefaultMinutes: 45},
	}
	scheduled := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	now := scheduled.Add(-2 * time.Hour)

	ev := NewScheduledEvent(cmd, scheduled, now)
	if ev.Type != EventDoseScheduled {
		t.Fatalf("type = %s", ev.Type)
	}
	if ev.Timing.GracePeriodEnd == nil {
		t.Fatal("grace period end not precomputed")
	}
	want := scheduled.Add(45 * time.Minute)
	if !ev.Timing.GracePeriodEnd.Equal(want) {
		t.Errorf("grace end = %v, want %v", ev.Timing.GracePeriodEnd, want)
	}
	if ev.Context.MedicationName != "Metformin" || ev.Context.DosageAmount != "500mg" {
		t.Errorf("context not carried: %+v", ev.Context)
	}
}

func TestGracePeriodEndFallback(t *testing.T) {
	scheduled := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	ev := &Event{Timing: Timing{ScheduledFor: scheduled}}

	got := ev.GracePeriodEnd(30)
	want := scheduled.Add(30 * time.Minute)
	if !got.Equal(want) {
		t.Errorf("fallback grace end = %v, want %v", got, want)
	}

	explicit := scheduled.Add(time.Hour)
	ev.Timing.GracePeriodEnd = &explicit
	if got := ev.GracePeriodEnd(30); !got.Equal(explicit) {
		t.Errorf("explicit grace end = %v, want %v", got, explicit)
	}
}

func TestNewCompletionEventCarriesContext(t *testing.T) {
	src := &Event{
		ID:        "ev-1",
		CommandID: "cmd-1",
		PatientID: "patient-1",
		Type:      EventDoseScheduled,
		Timing:    Timing{ScheduledFor: time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)},
		Context:   EventContext{MedicationName: "Metformin"},
	}
	now := src.Timing.ScheduledFor.Add(10 * time.Minute)

	ev := NewCompletionEvent(src, EventDoseTaken, now)
	if ev.ID == src.ID {
		t.Error("completion event reused source id")
	}
	if !ev.Timing.ScheduledFor.Equal(src.Timing.ScheduledFor) {
		t.Error("completion event lost occurrence time")
	}
	if !ev.Timing.EventTimestamp.Equal(now) {
		t.Error("completion event timestamp wrong")
	}
	if ev.Context.MedicationName != "Metformin" {
		t.Error("completion event lost context")
	}
}

func TestComputeDailySummary(t *testing.T) {
	mk := func(typ EventType) *Event {
		return &Event{Type: typ}
	}
	events := []*Event{
		mk(EventDoseScheduled), mk(EventDoseScheduled), mk(EventDoseScheduled),
		mk(EventDoseTaken), mk(EventDoseTaken),
		mk(EventDoseMissed),
		mk(EventDoseSkipped),
		mk(EventDoseSnoozed), // snoozes do not count toward any bucket
	}
	at := time.Date(2025, 5, 2, 0, 10, 0, 0, time.UTC)

	s := ComputeDailySummary("patient-1", "2025-05-01", events, at)
	if s.ScheduledCount != 3 || s.TakenCount != 2 || s.MissedCount != 1 || s.SkippedCount != 1 {
		t.Errorf("summary counts = %+v", s)
	}

	// Recomputation over the same set yields identical counts.
	again := ComputeDailySummary("patient-1", "2025-05-01", events, at.Add(time.Hour))
	if again.ScheduledCount != s.ScheduledCount || again.TakenCount != s.TakenCount ||
		again.MissedCount != s.MissedCount || again.SkippedCount != s.SkippedCount {
		t.Errorf("recomputation diverged: %+v vs %+v", again, s)
	}
}

func TestCommandValidate(t *testing.T) {
	cmd := &Command{
		PatientID: "patient-1",
		Medication: Descriptor{
			Name:           "Lisinopril",
			Frequency:      FrequencyDaily,
			ScheduledTimes: []string{"08:00"},
		},
	}
	if err := cmd.Validate(); err != nil {
		t.Fatalf("valid command rejected: %v", err)
	}

	bad := *cmd
	bad.PatientID = ""
	if err := bad.Validate(); err == nil {
		t.Error("missing patient id accepted")
	}

	bad = *cmd
	bad.Medication.ScheduledTimes = nil
	if err := bad.Validate(); err == nil {
		t.Error("missing scheduled times accepted")
	}
}

func TestReminderAndGraceDefaults(t *testing.T) {
	cmd := &Command{}
	offsets := cmd.ReminderOffsets()
	if len(offsets) != 2 || offsets[0] != 15 || offsets[1] != 5 {
		t.Errorf("default offsets = %v", offsets)
	}
	if cmd.GraceMinutes() != DefaultGraceMinutes {
		t.Errorf("default grace = %d", cmd.GraceMinutes())
	}

	cmd.Reminders.MinutesBefore = []int{30}
	cmd.GracePeriod.DefaultMinutes = 10
	if got := cmd.ReminderOffsets(); len(got) != 1 || got[0] != 30 {
		t.Errorf("explicit offsets = %v", got)
	}
	if cmd.GraceMinutes() != 10 {
		t.Errorf("explicit grace = %d", cmd.GraceMinutes())
	}
}
