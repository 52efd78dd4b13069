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

// JobArchiver is the execution-log job name for the daily archiver.
const JobArchiver = "daily_archiver"

// ArchiveStore is the slice of the durable store the archiver needs.
type ArchiveStore interface {
	ListActivePatientIDs(ctx context.Context) ([]string, error)
	GetPatientProfile(ctx context.Context, patientID string) (*medication.PatientProfile, error)
	GetArchiveWatermark(ctx context.Context, patientID string) (time.Time, bool, error)
	SetArchiveWatermark(ctx context.Context, patientID string, t time.Time) error
	QueryEvents(ctx context.Context, f store.EventFilter) ([]*medication.Event, error)
	ArchiveEvents(ctx context.Context, ids []string, archivedAt time.Time) error
	UpsertDailySummary(ctx context.Context, sum *medication.DailySummary) error
	InsertSystemAlert(ctx context.Context, alert *store.SystemAlert) error
}

// ArchiverConfig tunes the daily archiver.
type ArchiverConfig struct {
	// DefaultTimezone is the fallback IANA zone for patients without a
	// stored one; using it flags the patient for data-quality follow-up.
	DefaultTimezone string
	BatchLimit      int
}

// DefaultArchiverConfig returns the archiver defaults.
func DefaultArchiverConfig() ArchiverConfig {
	return ArchiverConfig{
		DefaultTimezone: "UTC",
		BatchLimit:      DefaultTickLimit,
	}
}

// Archiver rolls each patient's elapsed-day events into the archive and
// upserts the immutable daily adherence summaries. Per-patient work is
// gated on the local-midnight crossing tracked by a durable watermark,
// so the frequent tick cadence does no redundant work.
type Archiver struct {
	store      ArchiveStore
	logger     *zap.Logger
	clock      clock.Clock
	config     ArchiverConfig
	defaultLoc *time.Location
}

// NewArchiver creates the archiver job.
func NewArchiver(s ArchiveStore, logger *zap.Logger, clk clock.Clock, cfg ArchiverConfig) (*Archiver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.System()
	}
	loc, err := time.LoadLocation(cfg.DefaultTimezone)
	if err != nil {
		return nil, fmt.Errorf("load default timezone %q: %w", cfg.DefaultTimezone, err)
	}
	return &Archiver{store: s, logger: logger, clock: clk, config: cfg, defaultLoc: loc}, nil
}

// Tick runs one archive pass across patients. A patient-level failure is
// counted and the tick continues; the patient's watermark stays put so
// the next tick retries.
func (a *Archiver) Tick(ctx context.Context, res *TickResult) {
	patients, err := a.store.ListActivePatientIDs(ctx)
	if err != nil {
		res.Err = fmt.Errorf("list patients: %w", err)
		return
	}

	for _, patientID := range patients {
		archived, err := a.archivePatient(ctx, patientID)
		if err != nil {
			res.Errors++
			a.logger.Warn("patient archive pass failed",
				zap.String("patient_id", patientID),
				zap.Error(err))
			continue
		}
		if archived > 0 {
			res.Processed += archived
			res.Sent++ // patients rolled over this tick
		} else {
			res.Skipped++
		}
	}
}

// archivePatient archives every elapsed-day event for one patient when
// their local day has rolled over since the last successful run.
func (a *Archiver) archivePatient(ctx context.Context, patientID string) (int, error) {
	loc := a.resolveLocation(ctx, patientID)
	now := a.clock.Now()
	midnight := medication.LocalMidnight(now, loc)

	lastRun, ok, err := a.store.GetArchiveWatermark(ctx, patientID)
	if err != nil {
		return 0, err
	}
	if ok && !lastRun.Before(midnight) {
		return 0, nil // local day has not rolled over since the last run
	}

	touchedDates := make(map[string]struct{})
	archivedCount := 0

	for {
		events, err := a.store.QueryEvents(ctx, store.EventFilter{
			PatientID:       patientID,
			Before:          &midnight,
			ExcludeArchived: true,
			OrderBy:         store.OrderByScheduledFor,
			Limit:           a.config.BatchLimit,
		})
		if err != nil {
			return archivedCount, err
		}
		if len(events) == 0 {
			break
		}

		ids := make([]string, len(events))
		for i, ev := range events {
			ids[i] = ev.ID
			touchedDates[medication.LocalDate(ev.Timing.ScheduledFor, loc)] = struct{}{}
		}
		if err := a.store.ArchiveEvents(ctx, ids, now); err != nil {
			return archivedCount, err
		}
		archivedCount += len(ids)

		if len(events) < a.config.BatchLimit {
			break
		}
	}

	for date := range touchedDates {
		if err := a.summarizeDate(ctx, patientID, date, loc); err != nil {
			return archivedCount, err
		}
	}

	if err := a.store.SetArchiveWatermark(ctx, patientID, now); err != nil {
		return archivedCount, err
	}
	return archivedCount, nil
}

// summarizeDate recomputes the daily summary for one completed local
// date from the full archived event set of that date. Stable under
// re-run while the set is unchanged.
func (a *Archiver) summarizeDate(ctx context.Context, patientID, date string, loc *time.Location) error {
	day, err := time.ParseInLocation("2006-01-02", date, loc)
	if err != nil {
		return fmt.Errorf("parse summary date %q: %w", date, err)
	}
	dayStart := day.UTC()
	dayEnd := day.AddDate(0, 0, 1).UTC()

	var all []*medication.Event
	cursor := dayStart
	for {
		events, err := a.store.QueryEvents(ctx, store.EventFilter{
			PatientID:     patientID,
			ScheduledFrom: &cursor,
			Before:        &dayEnd,
			OrderBy:       store.OrderByScheduledFor,
			Limit:         a.config.BatchLimit,
		})
		if err != nil {
			return err
		}
		all = append(all, events...)
		if len(events) < a.config.BatchLimit {
			break
		}
		cursor = events[len(events)-1].Timing.ScheduledFor.Add(time.Nanosecond)
	}

	sum := medication.ComputeDailySummary(patientID, date, all, a.clock.Now())
	if err := a.store.UpsertDailySummary(ctx, sum); err != nil {
		return err
	}
	a.logger.Info("daily summary upserted",
		zap.String("patient_id", patientID),
		zap.String("date", date),
		zap.Int("scheduled", sum.ScheduledCount),
		zap.Int("taken", sum.TakenCount),
		zap.Int("missed", sum.MissedCount),
		zap.Int("skipped", sum.SkippedCount))
	return nil
}

// resolveLocation loads the patient's stored IANA timezone, falling back
// to the configured default and raising a data-quality alert. A missing
// timezone is not an error.
func (a *Archiver) resolveLocation(ctx context.Context, patientID string) *time.Location {
	profile, err := a.store.GetPatientProfile(ctx, patientID)
	if err == nil && profile.Timezone != "" {
		if loc, err := time.LoadLocation(profile.Timezone); err == nil {
			return loc
		}
	}

	alert := &store.SystemAlert{
		Kind:     store.AlertMissingTimezone,
		Severity: "low",
		Message:  fmt.Sprintf("patient %s has no usable timezone; archiving with %s", patientID, a.config.DefaultTimezone),
		Details:  map[string]interface{}{"patient_id": patientID},
	}
	if err := a.store.InsertSystemAlert(ctx, alert); err != nil {
		a.logger.Warn("timezone data-quality alert write failed", zap.Error(err))
	}
	return a.defaultLoc
}
