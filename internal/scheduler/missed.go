package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/carecircle/medsync/internal/clock"
	"github.com/carecircle/medsync/internal/domain/medication"
	"github.com/carecircle/medsync/internal/store"
)

// JobMissed is the execution-log job name for the missed-dose detector.
const JobMissed = "missed_dose_detector"

// MissedStore is the slice of the durable store the detector needs.
type MissedStore interface {
	QueryEvents(ctx context.Context, f store.EventFilter) ([]*medication.Event, error)
	CompletionExists(ctx context.Context, commandID string, windowStart, windowEnd time.Time) (bool, error)
	AppendEvent(ctx context.Context, ev *medication.Event) error
}

// MissedConfig tunes the detector tick.
type MissedConfig struct {
	Limit               int
	CompletionLookback  time.Duration
	CompletionLookahead time.Duration
	DefaultGraceMinutes int
}

// DefaultMissedConfig returns the production defaults.
func DefaultMissedConfig() MissedConfig {
	return MissedConfig{
		Limit:               DefaultTickLimit,
		CompletionLookback:  60 * time.Minute,
		CompletionLookahead: 24 * time.Hour,
		DefaultGraceMinutes: medication.DefaultGraceMinutes,
	}
}

// MissedDetector finds scheduled doses whose grace period elapsed with
// no completion and appends dose_missed events. Idempotent against
// overlapping runs: the prior run's dose_missed is itself a completion,
// so the re-check before append suppresses duplicates.
type MissedDetector struct {
	store  MissedStore
	logger *zap.Logger
	clock  clock.Clock
	config MissedConfig
}

// NewMissedDetector creates the detector job.
func NewMissedDetector(s MissedStore, logger *zap.Logger, clk clock.Clock, cfg MissedConfig) *MissedDetector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.System()
	}
	return &MissedDetector{store: s, logger: logger, clock: clk, config: cfg}
}

// Tick runs one detection pass.
func (d *MissedDetector) Tick(ctx context.Context, res *TickResult) {
	now := d.clock.Now()

	events, err := d.store.QueryEvents(ctx, store.EventFilter{
		Types:           []medication.EventType{medication.EventDoseScheduled},
		GraceEndBefore:  &now,
		ExcludeArchived: true,
		OrderBy:         store.OrderByScheduledFor,
		Limit:           d.config.Limit,
	})
	if err != nil {
		res.Err = fmt.Errorf("query grace-elapsed events: %w", err)
		return
	}

	for _, ev := range events {
		res.Processed++
		emitted, err := d.processCandidate(ctx, ev)
		if err != nil {
			res.Errors++
			d.logger.Warn("missed-dose candidate failed",
				zap.String("event_id", ev.ID),
				zap.Error(err))
			continue
		}
		if emitted {
			res.Sent++
		} else {
			res.Skipped++
		}
	}
}

func (d *MissedDetector) processCandidate(ctx context.Context, ev *medication.Event) (bool, error) {
	if ev.Timing.ScheduledFor.IsZero() {
		return false, nil // malformed: skip, not fatal
	}

	graceEnd := ev.GracePeriodEnd(d.config.DefaultGraceMinutes)
	if d.clock.Now().Before(graceEnd) {
		return false, nil
	}

	// Re-check immediately before appending: a completion (including a
	// dose_missed from an overlapping run) may have landed since the
	// query snapshot.
	windowStart := ev.Timing.ScheduledFor.Add(-d.config.CompletionLookback)
	windowEnd := ev.Timing.ScheduledFor.Add(d.config.CompletionLookahead)
	done, err := d.store.CompletionExists(ctx, ev.CommandID, windowStart, windowEnd)
	if err != nil {
		return false, err
	}
	if done {
		return false, nil
	}

	missed := medication.NewCompletionEvent(ev, medication.EventDoseMissed, d.clock.Now())
	if err := d.store.AppendEvent(ctx, missed); err != nil {
		return false, fmt.Errorf("append dose_missed: %w", err)
	}

	d.logger.Info("dose marked missed",
		zap.String("event_id", ev.ID),
		zap.String("command_id", ev.CommandID),
		zap.Time("scheduled_for", ev.Timing.ScheduledFor))
	return true, nil
}
