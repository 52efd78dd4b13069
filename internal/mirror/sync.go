// Package mirror projects unified medication events into the legacy
// read-model collections for consumers not yet migrated. Projections are
// derived and disposable; the unified event log stays authoritative.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/carecircle/medsync/internal/clock"
	"github.com/carecircle/medsync/internal/domain/medication"
	"github.com/carecircle/medsync/internal/store"
)

// MirrorStore is the slice of the durable store the projector writes.
type MirrorStore interface {
	UpsertMirrorRow(ctx context.Context, collection string, row *store.MirrorRow) error
}

// Projector applies unified events to every legacy mirror collection.
// Idempotent: the upsert is keyed by the source event id, so repeated
// deliveries converge rather than duplicate.
type Projector struct {
	store  MirrorStore
	logger *zap.Logger
	clock  clock.Clock
}

// NewProjector creates a Projector.
func NewProjector(s MirrorStore, logger *zap.Logger, clk clock.Clock) *Projector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Projector{store: s, logger: logger, clock: clk}
}

// HandleMessage decodes one streamed unified event and applies it.
func (p *Projector) HandleMessage(ctx context.Context, payload []byte) error {
	var ev medication.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("decode unified event: %w", err)
	}
	if !ev.Type.Valid() {
		return fmt.Errorf("unknown event type %q for event %s", ev.Type, ev.ID)
	}
	return p.Apply(ctx, &ev)
}

// Apply upserts the event's projection into each mirror collection.
func (p *Projector) Apply(ctx context.Context, ev *medication.Event) error {
	status := legacyStatus(ev.Type)
	now := p.clock.Now()

	for _, collection := range store.MirrorCollections {
		row := &store.MirrorRow{
			ID:                uuid.New().String(),
			SourceEventID:     ev.ID,
			CommandID:         ev.CommandID,
			PatientID:         ev.PatientID,
			MedicationName:    ev.Context.MedicationName,
			Status:            status,
			ScheduledFor:      ev.Timing.ScheduledFor,
			SyncedFromUnified: true,
			SyncedAt:          now,
		}
		if err := p.store.UpsertMirrorRow(ctx, collection, row); err != nil {
			return fmt.Errorf("project into %s: %w", collection, err)
		}
	}

	p.logger.Debug("event mirrored",
		zap.String("event_id", ev.ID),
		zap.String("status", status))
	return nil
}

// legacyStatus maps the unified event type onto the status vocabulary
// the legacy readers expect.
func legacyStatus(t medication.EventType) string {
	switch t {
	case medication.EventDoseScheduled:
		return "scheduled"
	case medication.EventDoseTaken:
		return "completed"
	case medication.EventDoseMissed:
		return "missed"
	case medication.EventDoseSkipped:
		return "skipped"
	case medication.EventDoseSnoozed:
		return "snoozed"
	default:
		return string(t)
	}
}
