// Package scheduler hosts the periodic jobs: reminder dispatch,
// missed-dose detection, and daily archival. Each tick is stateless;
// all coordination state lives in the durable store, so overlapping or
// killed ticks leave the system safely resumable.
package scheduler

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/carecircle/medsync/internal/clock"
	"github.com/carecircle/medsync/internal/observability/metrics"
	"github.com/carecircle/medsync/internal/store"
)

// Default tick cadences and bounds.
const (
	DefaultReminderInterval = 5 * time.Minute
	DefaultMissedInterval   = 15 * time.Minute
	DefaultArchiveInterval  = 15 * time.Minute
	DefaultTickTimeout      = 300 * time.Second
	DefaultTickLimit        = 500

	// perfAlertFraction of the tick budget that triggers a performance
	// alert instead of silent truncation.
	perfAlertFraction = 0.8
)

// TickResult is the structured outcome every tick returns, success or
// failure. Component errors never raise past the tick boundary uncaught.
type TickResult struct {
	Job       string
	Success   bool
	Processed int
	Sent      int
	Skipped   int
	Errors    int
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}

// TickFunc runs one tick's work against the bounded context.
type TickFunc func(ctx context.Context, res *TickResult)

// ObservabilitySink persists execution logs and alerts for ticks.
type ObservabilitySink interface {
	InsertTickLog(ctx context.Context, log *store.TickLog) error
	InsertSystemAlert(ctx context.Context, alert *store.SystemAlert) error
}

// Runner wraps ticks with timeout enforcement, tracing, metrics, and
// execution-log persistence.
type Runner struct {
	sink    ObservabilitySink
	logger  *zap.Logger
	clock   clock.Clock
	metrics *metrics.Metrics
	timeout time.Duration
}

// NewRunner creates a tick runner.
func NewRunner(sink ObservabilitySink, logger *zap.Logger, clk clock.Clock, m *metrics.Metrics) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Runner{
		sink:    sink,
		logger:  logger,
		clock:   clk,
		metrics: m,
		timeout: DefaultTickTimeout,
	}
}

// SetTimeout overrides the per-tick budget.
func (r *Runner) SetTimeout(d time.Duration) {
	if d > 0 {
		r.timeout = d
	}
}

// Run executes one tick under the budget and reports it. Never panics
// outward, never returns an error: failures are carried in the result.
func (r *Runner) Run(ctx context.Context, job string, fn TickFunc) *TickResult {
	ctx, span := otel.Tracer("scheduler").Start(ctx, job+"_tick",
		trace.WithAttributes(attribute.String("job", job)))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res := &TickResult{Job: job, Success: true, StartedAt: r.clock.Now()}
	start := time.Now()

	func() {
		defer func() {
			if rec := recover(); rec != nil {
				res.Success = false
				res.Errors++
				r.logger.Error("tick panicked", zap.String("job", job), zap.Any("panic", rec))
			}
		}()
		fn(ctx, res)
	}()

	res.Duration = time.Since(start)
	if res.Err != nil {
		res.Success = false
	}

	span.SetAttributes(
		attribute.Bool("success", res.Success),
		attribute.Int("processed", res.Processed),
		attribute.Int("sent", res.Sent),
		attribute.Int("skipped", res.Skipped),
		attribute.Int("errors", res.Errors),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
	}

	r.report(ctx, res)
	return res
}

// Loop runs the job on a fixed interval until ctx is done. Ticks are
// idempotent and safely skippable, so a missed interval is not made up.
func (r *Runner) Loop(ctx context.Context, job string, interval time.Duration, fn TickFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("job loop started",
		zap.String("job", job),
		zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("job loop stopped", zap.String("job", job))
			return
		case <-ticker.C:
			r.Run(ctx, job, fn)
		}
	}
}

// report persists the execution log, emits metrics, and raises the
// performance alert when the tick approached its budget.
func (r *Runner) report(ctx context.Context, res *TickResult) {
	// The tick context may already be past its deadline; reporting gets
	// its own brief budget so observability survives a timed-out tick.
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if r.metrics != nil {
		r.metrics.ObserveTick(res.Job, res.Success, res.Processed, res.Sent, res.Errors, res.Duration)
	}

	tickLog := &store.TickLog{
		Job:       res.Job,
		Success:   res.Success,
		Processed: res.Processed,
		Sent:      res.Sent,
		Skipped:   res.Skipped,
		Errors:    res.Errors,
		StartedAt: res.StartedAt,
		Duration:  res.Duration,
	}
	if res.Err != nil {
		tickLog.Error = res.Err.Error()
	}
	if err := r.sink.InsertTickLog(logCtx, tickLog); err != nil {
		r.logger.Error("tick log write failed", zap.String("job", res.Job), zap.Error(err))
	}

	if res.Duration > time.Duration(float64(r.timeout)*perfAlertFraction) {
		alert := &store.SystemAlert{
			Kind:     store.AlertTickSlow,
			Severity: "medium",
			Message:  res.Job + " tick approached its timeout budget",
			Details: map[string]interface{}{
				"job":         res.Job,
				"duration_ms": res.Duration.Milliseconds(),
				"budget_ms":   r.timeout.Milliseconds(),
			},
		}
		if err := r.sink.InsertSystemAlert(logCtx, alert); err != nil {
			r.logger.Error("perf alert write failed", zap.Error(err))
		}
	}

	if !res.Success {
		r.logger.Error("tick failed",
			zap.String("job", res.Job),
			zap.Int("errors", res.Errors),
			zap.Error(res.Err))
		return
	}
	r.logger.Info("tick complete",
		zap.String("job", res.Job),
		zap.Int("processed", res.Processed),
		zap.Int("sent", res.Sent),
		zap.Int("skipped", res.Skipped),
		zap.Int("errors", res.Errors),
		zap.Duration("duration", res.Duration))
}
