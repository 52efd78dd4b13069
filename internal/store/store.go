// Package store provides the durable event store and every derived
// collection over PostgreSQL. It is the single source of truth; all
// cross-tick coordination state (dedup markers, watermarks, archived
// flags) lives here, never in process memory.
package store

import (
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/carecircle/medsync/internal/clock"
	"github.com/carecircle/medsync/internal/domain/medication"
)

// Logical collection names. Cascade deletion and orphan cleanup iterate
// these; every table listed in CascadeTargets carries a command_id column.
const (
	CollectionCommands       = "medication_commands"
	CollectionEvents         = "medication_events"
	CollectionEventsArchive  = "medication_events_archive"
	CollectionReminderSent   = "medication_reminder_sent_log"
	CollectionDailySummaries = "medication_daily_summaries"
	CollectionCalendarEvents = "medication_calendar_events"
	CollectionSchedules      = "medication_schedules"
	CollectionReminders      = "medication_reminders"
	CollectionReminderLogs   = "medication_reminder_logs"
	CollectionSystemAlerts   = "system_alerts"
	CollectionMigrations     = "migration_tracking"
	CollectionOutbox         = "outbox"
)

// CascadeTargets are the collections swept when a command is deleted.
// The outbox is included so unpublished projections of a deleted
// command never reach the stream.
var CascadeTargets = []string{
	CollectionEvents,
	CollectionEventsArchive,
	CollectionReminderSent,
	CollectionCalendarEvents,
	CollectionSchedules,
	CollectionReminders,
	CollectionOutbox,
}

// MirrorCollections are the legacy read-model projections.
var MirrorCollections = []string{
	CollectionCalendarEvents,
	CollectionSchedules,
	CollectionReminders,
}

// MaxBatchSize caps every batched write or delete group.
const MaxBatchSize = 500

var (
	ErrCommandNotFound = errors.New("command not found")
	ErrProfileNotFound = errors.New("patient profile not found")
	ErrUnknownTable    = errors.New("unknown collection")
)

// OrderBy values accepted by EventFilter.
const (
	OrderByScheduledFor   = "scheduled_for"
	OrderByEventTimestamp = "event_timestamp"
)

// EventFilter selects events for range scans. Every periodic job bounds
// its own work per tick through Limit.
type EventFilter struct {
	Types           []medication.EventType
	CommandID       string
	PatientID       string
	ScheduledFrom   *time.Time
	ScheduledTo     *time.Time
	GraceEndBefore  *time.Time
	Before          *time.Time // scheduled_for strictly before; archiver day cut
	ExcludeArchived bool
	OrderBy         string
	Limit           int
}

// Store is the pgx-backed implementation of every collection contract.
type Store struct {
	pool       *pgxpool.Pool
	logger     *zap.Logger
	clock      clock.Clock
	defaultLoc *time.Location
	horizon    time.Duration // materialization look-ahead
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(c clock.Clock) Option { return func(s *Store) { s.clock = c } }

// WithDefaultLocation sets the fallback timezone for patients without one.
func WithDefaultLocation(loc *time.Location) Option {
	return func(s *Store) { s.defaultLoc = loc }
}

// WithMaterializationHorizon sets how far ahead scheduled events are derived.
func WithMaterializationHorizon(d time.Duration) Option {
	return func(s *Store) { s.horizon = d }
}

// New creates a Store.
func New(pool *pgxpool.Pool, logger *zap.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		pool:       pool,
		logger:     logger,
		clock:      clock.System(),
		defaultLoc: time.UTC,
		horizon:    7 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// validTable guards dynamically-named queries against anything outside
// the known collection set.
func validTable(name string) bool {
	switch name {
	case CollectionCommands, CollectionEvents, CollectionEventsArchive,
		CollectionReminderSent, CollectionDailySummaries,
		CollectionCalendarEvents, CollectionSchedules, CollectionReminders,
		CollectionReminderLogs, CollectionSystemAlerts, CollectionMigrations,
		CollectionOutbox:
		return true
	}
	return false
}
