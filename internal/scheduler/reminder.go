package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/carecircle/medsync/internal/clock"
	"github.com/carecircle/medsync/internal/domain/medication"
	"github.com/carecircle/medsync/internal/notify"
	"github.com/carecircle/medsync/internal/store"
	"github.com/carecircle/medsync/pkg/dedup"
)

// JobReminder is the execution-log job name for the reminder scheduler.
const JobReminder = "reminder_scheduler"

// ReminderStore is the slice of the durable store the reminder tick needs.
type ReminderStore interface {
	QueryEvents(ctx context.Context, f store.EventFilter) ([]*medication.Event, error)
	CompletionExists(ctx context.Context, commandID string, windowStart, windowEnd time.Time) (bool, error)
	GetCommand(ctx context.Context, id string) (*medication.Command, error)
	ReminderMarkerExists(ctx context.Context, key string) (bool, error)
	CreateReminderMarker(ctx context.Context, rec *store.ReminderSentRecord) (bool, error)
}

// Notifier dispatches a notification to resolved recipients.
type Notifier interface {
	Send(ctx context.Context, n *notify.Notification) (*notify.Result, error)
}

// ReminderConfig tunes the reminder tick.
type ReminderConfig struct {
	// LookAhead is how far forward the tick scans for due-soon doses.
	LookAhead time.Duration
	// Limit caps candidates per tick.
	Limit int
	// ToleranceMinutes is the ± band around an offset that fires it,
	// compensating for tick jitter.
	ToleranceMinutes int
	// BucketMinutes is the dedup slot width. Must exceed twice the
	// tolerance or a boundary-adjacent dose could double-fire.
	BucketMinutes int
	// CompletionLookback / CompletionLookahead bound the window around
	// scheduledFor searched for terminal events.
	CompletionLookback  time.Duration
	CompletionLookahead time.Duration
	// HighUrgencyMinutes is the countdown at or under which reminders
	// escalate to high urgency.
	HighUrgencyMinutes int
}

// DefaultReminderConfig returns the production defaults.
func DefaultReminderConfig() ReminderConfig {
	return ReminderConfig{
		LookAhead:           60 * time.Minute,
		Limit:               DefaultTickLimit,
		ToleranceMinutes:    2,
		BucketMinutes:       dedup.DefaultBucketMinutes,
		CompletionLookback:  60 * time.Minute,
		CompletionLookahead: 24 * time.Hour,
		HighUrgencyMinutes:  5,
	}
}

// Validate enforces the tolerance/bucket coupling.
func (c ReminderConfig) Validate() error {
	if c.ToleranceMinutes*2 >= c.BucketMinutes {
		return fmt.Errorf("reminder tolerance (±%dm) must be under half the dedup bucket width (%dm)",
			c.ToleranceMinutes, c.BucketMinutes)
	}
	return nil
}

// ReminderScheduler finds due-soon scheduled doses, dedups per 5-minute
// bucket, and dispatches reminders to the patient and permitted family.
type ReminderScheduler struct {
	store    ReminderStore
	notifier Notifier
	logger   *zap.Logger
	clock    clock.Clock
	config   ReminderConfig
}

// NewReminderScheduler creates the reminder job.
func NewReminderScheduler(s ReminderStore, notifier Notifier, logger *zap.Logger, clk clock.Clock, cfg ReminderConfig) *ReminderScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.System()
	}
	return &ReminderScheduler{store: s, notifier: notifier, logger: logger, clock: clk, config: cfg}
}

// Tick runs one reminder pass. A query failure aborts the tick; any
// per-item error is counted and the tick continues.
func (r *ReminderScheduler) Tick(ctx context.Context, res *TickResult) {
	now := r.clock.Now()
	to := now.Add(r.config.LookAhead)

	events, err := r.store.QueryEvents(ctx, store.EventFilter{
		Types:           []medication.EventType{medication.EventDoseScheduled},
		ScheduledFrom:   &now,
		ScheduledTo:     &to,
		ExcludeArchived: true,
		OrderBy:         store.OrderByScheduledFor,
		Limit:           r.config.Limit,
	})
	if err != nil {
		res.Err = fmt.Errorf("query due-soon events: %w", err)
		return
	}

	for _, ev := range events {
		res.Processed++
		sent, skipped, err := r.processCandidate(ctx, ev)
		if err != nil {
			res.Errors++
			r.logger.Warn("reminder candidate failed",
				zap.String("event_id", ev.ID),
				zap.Error(err))
			continue
		}
		if sent {
			res.Sent++
		}
		if skipped {
			res.Skipped++
		}
	}
}

// processCandidate decides and, if warranted, dispatches one reminder.
func (r *ReminderScheduler) processCandidate(ctx context.Context, ev *medication.Event) (sent, skipped bool, err error) {
	if ev.Timing.ScheduledFor.IsZero() {
		return false, true, nil // malformed: no scheduled time, skip and count
	}

	// Re-check terminal state now, not against an earlier snapshot: a
	// completion may have landed concurrently with this tick.
	windowStart := ev.Timing.ScheduledFor.Add(-r.config.CompletionLookback)
	windowEnd := ev.Timing.ScheduledFor.Add(r.config.CompletionLookahead)
	done, err := r.store.CompletionExists(ctx, ev.CommandID, windowStart, windowEnd)
	if err != nil {
		return false, false, err
	}
	if done {
		return false, true, nil
	}

	cmd, err := r.store.GetCommand(ctx, ev.CommandID)
	if err != nil {
		if errors.Is(err, store.ErrCommandNotFound) {
			return false, true, nil // command gone under us; cascade owns the event
		}
		return false, false, err
	}
	if !cmd.Reminders.Enabled || cmd.Status != medication.StatusActive {
		return false, true, nil
	}

	now := r.clock.Now()
	minutesUntilDue := int(ev.Timing.ScheduledFor.Sub(now).Minutes())

	offset, fires := r.matchOffset(cmd.ReminderOffsets(), minutesUntilDue)
	if !fires {
		return false, false, nil
	}

	// Key the marker by the matched offset's bucket, not the raw
	// countdown: every tick inside the tolerance band then derives the
	// same key, so jittered ticks converge on one send per approach.
	bucket := dedup.Bucket(offset, r.config.BucketMinutes)
	key := dedup.Key(ev.ID, bucket)
	exists, err := r.store.ReminderMarkerExists(ctx, key)
	if err != nil {
		return false, false, err
	}
	if exists {
		return false, true, nil
	}

	n := r.buildNotification(ev, minutesUntilDue)
	result, err := r.notifier.Send(ctx, n)
	if err != nil {
		return false, false, fmt.Errorf("dispatch reminder: %w", err)
	}

	marker := &store.ReminderSentRecord{
		Key:        key,
		EventID:    ev.ID,
		CommandID:  ev.CommandID,
		PatientID:  ev.PatientID,
		Bucket:     bucket,
		Offset:     offset,
		Recipients: len(result.PerRecipient),
		Sent:       result.TotalSent,
		Failed:     result.TotalFailed,
		SentAt:     now,
	}
	created, err := r.store.CreateReminderMarker(ctx, marker)
	if err != nil {
		return true, false, fmt.Errorf("write reminder marker: %w", err)
	}
	if !created {
		// An overlapping tick raced us between the exists check and the
		// send; the marker stands and the duplicate is bounded to one.
		r.logger.Warn("reminder marker already present after send",
			zap.String("event_id", ev.ID),
			zap.Int("bucket", bucket))
	}
	return true, false, nil
}

// matchOffset reports the first configured offset within the tolerance
// band of the countdown.
func (r *ReminderScheduler) matchOffset(offsets []int, minutesUntilDue int) (int, bool) {
	for _, m := range offsets {
		if int(math.Abs(float64(minutesUntilDue-m))) <= r.config.ToleranceMinutes {
			return m, true
		}
	}
	return 0, false
}

func (r *ReminderScheduler) buildNotification(ev *medication.Event, minutesUntilDue int) *notify.Notification {
	urgency := notify.UrgencyMedium
	if minutesUntilDue <= r.config.HighUrgencyMinutes {
		urgency = notify.UrgencyHigh
	}
	return &notify.Notification{
		PatientID:      ev.PatientID,
		CommandID:      ev.CommandID,
		EventID:        ev.ID,
		MedicationName: ev.Context.MedicationName,
		Type:           notify.TypeDoseReminder,
		Urgency:        urgency,
		Title:          "Medication reminder",
		Message:        fmt.Sprintf("%s is due in %d minutes", ev.Context.MedicationName, minutesUntilDue),
		Context: map[string]string{
			"scheduled_for": ev.Timing.ScheduledFor.Format(time.RFC3339),
			"dosage":        ev.Context.DosageAmount,
		},
	}
}
