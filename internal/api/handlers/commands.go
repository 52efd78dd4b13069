// Package handlers provides HTTP handlers for the command API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/carecircle/medsync/internal/api/middleware"
	"github.com/carecircle/medsync/internal/cascade"
	"github.com/carecircle/medsync/internal/clock"
	"github.com/carecircle/medsync/internal/domain/medication"
	"github.com/carecircle/medsync/internal/store"
)

// CommandHandler handles medication command endpoints.
type CommandHandler struct {
	store      *store.Store
	propagator *cascade.Propagator
	clock      clock.Clock
	logger     *zap.Logger
}

// NewCommandHandler creates a new handler.
func NewCommandHandler(s *store.Store, p *cascade.Propagator, clk clock.Clock, logger *zap.Logger) *CommandHandler {
	if clk == nil {
		clk = clock.System()
	}
	return &CommandHandler{store: s, propagator: p, clock: clk, logger: logger}
}

// Routes returns the handler routes.
func (h *CommandHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/{id}", h.Get)
	r.Delete("/{id}", h.Delete)
	r.Post("/{id}/pause", h.Pause)
	r.Post("/{id}/resume", h.Resume)
	r.Post("/{id}/doses", h.RecordDose)
	return r
}

// PatientRoutes returns the patient-scoped read endpoints.
func (h *CommandHandler) PatientRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{patientID}/today", h.Today)
	r.Get("/{patientID}/history", h.History)
	return r
}

// CreateRequest is the request body for recording a new command.
type CreateRequest struct {
	PatientID   string                      `json:"patient_id"`
	Medication  medication.Descriptor       `json:"medication"`
	Reminders   medication.ReminderSettings `json:"reminders"`
	GracePeriod medication.GracePeriod      `json:"grace_period"`
}

// CreateResponse is the response for recording a new command.
type CreateResponse struct {
	ID              string    `json:"id"`
	Status          string    `json:"status"`
	EventsScheduled int       `json:"events_scheduled"`
	CreatedAt       time.Time `json:"created_at"`
}

// Create handles POST /commands. Appending the command and
// materializing its scheduled events happen in sequence; a
// materialization failure still leaves the command recorded.
func (h *CommandHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("command-handler")
	ctx, span := tracer.Start(ctx, "create_command")
	defer span.End()

	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	cmd := &medication.Command{
		PatientID:   req.PatientID,
		Type:        medication.CommandCreate,
		Medication:  req.Medication,
		Reminders:   req.Reminders,
		GracePeriod: req.GracePeriod,
		Status:      medication.StatusActive,
	}

	id, err := h.store.AppendCommand(ctx, cmd)
	if err != nil {
		if errors.Is(err, medication.ErrInvalidCommand) {
			h.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("append command failed", zap.Error(err))
		h.jsonError(w, "failed to record command", http.StatusInternalServerError)
		return
	}
	span.SetAttributes(attribute.String("command_id", id))

	eventIDs, err := h.store.MaterializeScheduledEvents(ctx, id)
	if err != nil {
		h.logger.Error("materialization failed",
			zap.String("command_id", id),
			zap.Error(err))
	}

	h.logger.Info("command recorded",
		zap.String("id", id),
		zap.String("patient_id", req.PatientID),
		zap.Int("events_scheduled", len(eventIDs)),
		zap.String("request_id", middleware.GetRequestID(ctx)),
	)

	h.writeJSON(w, http.StatusCreated, CreateResponse{
		ID:              id,
		Status:          string(medication.StatusActive),
		EventsScheduled: len(eventIDs),
		CreatedAt:       h.clock.Now(),
	})
}

// Get handles GET /commands/{id}.
func (h *CommandHandler) Get(w http.ResponseWriter, r *http.Request) {
	cmd, err := h.store.GetCommand(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrCommandNotFound) {
			h.jsonError(w, "command not found", http.StatusNotFound)
			return
		}
		h.jsonError(w, "failed to load command", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, cmd)
}

// Delete handles DELETE /commands/{id}. The cascade runs before the
// response is written; partial propagation failure is reported in the
// body, not as an error status.
func (h *CommandHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if _, err := h.store.GetCommand(ctx, id); err != nil {
		if errors.Is(err, store.ErrCommandNotFound) {
			h.jsonError(w, "command not found", http.StatusNotFound)
			return
		}
		h.jsonError(w, "failed to load command", http.StatusInternalServerError)
		return
	}

	result, err := h.propagator.DeleteCommand(ctx, id)
	if err != nil {
		h.logger.Error("delete failed", zap.String("command_id", id), zap.Error(err))
		h.jsonError(w, "failed to delete command", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

// Pause handles POST /commands/{id}/pause.
func (h *CommandHandler) Pause(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, medication.StatusPaused)
}

// Resume handles POST /commands/{id}/resume.
func (h *CommandHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.setStatus(w, r, medication.StatusActive)
}

func (h *CommandHandler) setStatus(w http.ResponseWriter, r *http.Request, status medication.CommandStatus) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	cmd, err := h.store.GetCommand(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrCommandNotFound) {
			h.jsonError(w, "command not found", http.StatusNotFound)
			return
		}
		h.jsonError(w, "failed to load command", http.StatusInternalServerError)
		return
	}
	if cmd.Status == medication.StatusDeleted {
		h.jsonError(w, "command is deleted", http.StatusConflict)
		return
	}

	if err := h.store.UpdateCommandStatus(ctx, id, status); err != nil {
		h.jsonError(w, "failed to update status", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(status)})
}

// DoseRequest records a patient or caregiver action on a scheduled dose.
type DoseRequest struct {
	Action       string     `json:"action"` // taken, skipped, snoozed
	ScheduledFor time.Time  `json:"scheduled_for"`
	SnoozedUntil *time.Time `json:"snoozed_until,omitempty"`
}

var doseActions = map[string]medication.EventType{
	"taken":   medication.EventDoseTaken,
	"skipped": medication.EventDoseSkipped,
	"snoozed": medication.EventDoseSnoozed,
}

// RecordDose handles POST /commands/{id}/doses. The action is appended
// as a new event against the occurrence nearest the given scheduled
// time; the scheduled event itself is never mutated.
func (h *CommandHandler) RecordDose(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var req DoseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	eventType, ok := doseActions[req.Action]
	if !ok {
		h.jsonError(w, "action must be taken, skipped, or snoozed", http.StatusBadRequest)
		return
	}
	if req.ScheduledFor.IsZero() {
		h.jsonError(w, "scheduled_for is required", http.StatusBadRequest)
		return
	}

	src, err := h.findOccurrence(ctx, id, req.ScheduledFor)
	if err != nil {
		h.jsonError(w, "failed to load scheduled dose", http.StatusInternalServerError)
		return
	}
	if src == nil {
		h.jsonError(w, "no scheduled dose near that time", http.StatusNotFound)
		return
	}

	ev := medication.NewCompletionEvent(src, eventType, h.clock.Now())
	ev.Context.RecordedBy = middleware.GetCaller(ctx)
	if eventType == medication.EventDoseSnoozed {
		ev.Context.SnoozedUntil = req.SnoozedUntil
	}

	if err := h.store.AppendEvent(ctx, ev); err != nil {
		h.logger.Error("append event failed",
			zap.String("command_id", id),
			zap.String("event_type", string(eventType)),
			zap.Error(err))
		h.jsonError(w, "failed to record dose action", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusCreated, ev)
}

// findOccurrence locates the dose_scheduled event closest to t within
// a one-hour window either side.
func (h *CommandHandler) findOccurrence(ctx context.Context, commandID string, t time.Time) (*medication.Event, error) {
	from := t.Add(-time.Hour)
	to := t.Add(time.Hour)
	events, err := h.store.QueryEvents(ctx, store.EventFilter{
		Types:         []medication.EventType{medication.EventDoseScheduled},
		CommandID:     commandID,
		ScheduledFrom: &from,
		ScheduledTo:   &to,
		OrderBy:       store.OrderByScheduledFor,
		Limit:         store.MaxBatchSize,
	})
	if err != nil {
		return nil, err
	}

	var best *medication.Event
	var bestDiff time.Duration
	for _, ev := range events {
		diff := ev.Timing.ScheduledFor.Sub(t)
		if diff < 0 {
			diff = -diff
		}
		if best == nil || diff < bestDiff {
			best, bestDiff = ev, diff
		}
	}
	return best, nil
}

// Today handles GET /patients/{patientID}/today: the active (unarchived)
// events for the patient's current local day.
func (h *CommandHandler) Today(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	patientID := chi.URLParam(r, "patientID")

	loc := time.UTC
	if profile, err := h.store.GetPatientProfile(ctx, patientID); err == nil && profile.Timezone != "" {
		if l, lerr := time.LoadLocation(profile.Timezone); lerr == nil {
			loc = l
		}
	}

	now := h.clock.Now()
	dayStart := medication.LocalMidnight(now, loc)
	dayEnd := dayStart.Add(24 * time.Hour)

	events, err := h.store.QueryEvents(ctx, store.EventFilter{
		PatientID:       patientID,
		ScheduledFrom:   &dayStart,
		ScheduledTo:     &dayEnd,
		ExcludeArchived: true,
		OrderBy:         store.OrderByScheduledFor,
		Limit:           store.MaxBatchSize,
	})
	if err != nil {
		h.jsonError(w, "failed to load events", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"patient_id": patientID,
		"date":       medication.LocalDate(now, loc),
		"events":     events,
	})
}

// History handles GET /patients/{patientID}/history?start=&end= over
// the archived daily summaries. Dates are YYYY-MM-DD.
func (h *CommandHandler) History(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	patientID := chi.URLParam(r, "patientID")

	start := r.URL.Query().Get("start")
	end := r.URL.Query().Get("end")
	if start == "" || end == "" {
		h.jsonError(w, "start and end query parameters are required", http.StatusBadRequest)
		return
	}
	for _, d := range []string{start, end} {
		if _, err := time.Parse("2006-01-02", d); err != nil {
			h.jsonError(w, "dates must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
	}

	summaries, err := h.store.GetDailySummaries(ctx, patientID, start, end)
	if err != nil {
		h.jsonError(w, "failed to load summaries", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"patient_id": patientID,
		"summaries":  summaries,
	})
}

// TickLogs handles GET /admin/ticks/{job}: recent execution records for
// one periodic job.
func (h *CommandHandler) TickLogs(w http.ResponseWriter, r *http.Request) {
	job := chi.URLParam(r, "job")
	logs, err := h.store.ListTickLogs(r.Context(), job, 50)
	if err != nil {
		h.jsonError(w, "failed to load tick logs", http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, logs)
}

func (h *CommandHandler) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (h *CommandHandler) jsonError(w http.ResponseWriter, message string, code int) {
	h.writeJSON(w, code, map[string]string{"error": message})
}
