package medication

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of a dose occurrence event
type EventType string

const (
	EventDoseScheduled EventType = "dose_scheduled"
	EventDoseTaken     EventType = "dose_taken"
	EventDoseMissed    EventType = "dose_missed"
	EventDoseSkipped   EventType = "dose_skipped"
	EventDoseSnoozed   EventType = "dose_snoozed"
)

// CompletionTypes are the event types that make an occurrence terminal:
// once one exists in the occurrence window, no reminder fires and the
// missed-dose detector must not act.
var CompletionTypes = []EventType{EventDoseTaken, EventDoseMissed, EventDoseSkipped}

// Terminal reports whether this event type completes an occurrence.
func (t EventType) Terminal() bool {
	switch t {
	case EventDoseTaken, EventDoseMissed, EventDoseSkipped:
		return true
	}
	return false
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventDoseScheduled, EventDoseTaken, EventDoseMissed, EventDoseSkipped, EventDoseSnoozed:
		return true
	}
	return false
}

// Timing holds the time coordinates of an event
type Timing struct {
	ScheduledFor   time.Time  `json:"scheduled_for"`
	EventTimestamp time.Time  `json:"event_timestamp"`
	GracePeriodEnd *time.Time `json:"grace_period_end,omitempty"`
}

// EventContext carries denormalized medication details so consumers
// never need to join back to the command.
type EventContext struct {
	MedicationName string     `json:"medication_name"`
	DosageAmount   string     `json:"dosage_amount,omitempty"`
	SnoozedUntil   *time.Time `json:"snoozed_until,omitempty"`
	RecordedBy     string     `json:"recorded_by,omitempty"`
}

// Event is one concrete dose occurrence or a state transition on it.
// Append-only: completion events reference the occurrence by proximity
// to ScheduledFor, not by foreign key.
type Event struct {
	ID         string       `json:"id"`
	CommandID  string       `json:"command_id"`
	PatientID  string       `json:"patient_id"`
	Type       EventType    `json:"event_type"`
	Timing     Timing       `json:"timing"`
	Context    EventContext `json:"context"`
	Archived   bool         `json:"archived"`
	ArchivedAt *time.Time   `json:"archived_at,omitempty"`
}

// NewScheduledEvent builds a dose_scheduled event for one planned occurrence.
func NewScheduledEvent(cmd *Command, scheduledFor, now time.Time) *Event {
	graceEnd := scheduledFor.Add(time.Duration(cmd.GraceMinutes()) * time.Minute)
	return &Event{
		ID:        uuid.New().String(),
		CommandID: cmd.ID,
		PatientID: cmd.PatientID,
		Type:      EventDoseScheduled,
		Timing: Timing{
			ScheduledFor:   scheduledFor,
			EventTimestamp: now,
			GracePeriodEnd: &graceEnd,
		},
		Context: EventContext{
			MedicationName: cmd.Medication.Name,
			DosageAmount:   cmd.Medication.DosageAmount,
		},
	}
}

// NewCompletionEvent builds a terminal event for the occurrence around
// scheduledFor, carrying the original scheduling context.
func NewCompletionEvent(src *Event, t EventType, now time.Time) *Event {
	return &Event{
		ID:        uuid.New().String(),
		CommandID: src.CommandID,
		PatientID: src.PatientID,
		Type:      t,
		Timing: Timing{
			ScheduledFor:   src.Timing.ScheduledFor,
			EventTimestamp: now,
		},
		Context: src.Context,
	}
}

// GracePeriodEnd returns the precomputed grace end, or derives it from
// ScheduledFor and the given default when absent.
func (e *Event) GracePeriodEnd(defaultMinutes int) time.Time {
	if e.Timing.GracePeriodEnd != nil {
		return *e.Timing.GracePeriodEnd
	}
	return e.Timing.ScheduledFor.Add(time.Duration(defaultMinutes) * time.Minute)
}

// DailySummary is the immutable per-patient per-local-day adherence
// rollup. Upserted, never appended: recomputation over the same archived
// event set yields an identical summary.
type DailySummary struct {
	PatientID      string    `json:"patient_id"`
	Date           string    `json:"date"` // local calendar date, YYYY-MM-DD
	ScheduledCount int       `json:"scheduled_count"`
	TakenCount     int       `json:"taken_count"`
	MissedCount    int       `json:"missed_count"`
	SkippedCount   int       `json:"skipped_count"`
	ComputedAt     time.Time `json:"computed_at"`
}

// ComputeDailySummary derives the summary for one patient and local date
// from the archived event set of that date. Pure function of its inputs
// except for computedAt, so re-runs over an unchanged set converge.
func ComputeDailySummary(patientID, date string, events []*Event, computedAt time.Time) *DailySummary {
	s := &DailySummary{PatientID: patientID, Date: date, ComputedAt: computedAt}
	for _, e := range events {
		switch e.Type {
		case EventDoseScheduled:
			s.ScheduledCount++
		case EventDoseTaken:
			s.TakenCount++
		case EventDoseMissed:
			s.MissedCount++
		case EventDoseSkipped:
			s.SkippedCount++
		}
	}
	return s
}
