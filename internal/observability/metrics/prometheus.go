// Package metrics provides Prometheus metrics for the medication
// scheduling subsystem.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics.
type Metrics struct {
	TicksTotal        *prometheus.CounterVec
	TickFailures      *prometheus.CounterVec
	TickItemsTotal    *prometheus.CounterVec
	TickErrorsTotal   *prometheus.CounterVec
	RemindersSent     prometheus.Counter
	DosesMarkedMissed prometheus.Counter
	EventsArchived    prometheus.Counter
	CascadeDeletes    prometheus.Counter
	CascadeIncomplete prometheus.Counter
	TickDuration      *prometheus.HistogramVec
	OutboxPending     prometheus.Gauge
}

// New creates and registers all metrics.
func New() *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medsync_ticks_total",
			Help: "Total periodic job ticks",
		}, []string{"job"}),
		TickFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medsync_tick_failures_total",
			Help: "Total ticks that reported failure",
		}, []string{"job"}),
		TickItemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medsync_tick_items_total",
			Help: "Total items processed across ticks",
		}, []string{"job"}),
		TickErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medsync_tick_item_errors_total",
			Help: "Total per-item errors across ticks",
		}, []string{"job"}),
		RemindersSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medsync_reminders_sent_total",
			Help: "Total dose reminders dispatched",
		}),
		DosesMarkedMissed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medsync_doses_missed_total",
			Help: "Total dose_missed events emitted",
		}),
		EventsArchived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medsync_events_archived_total",
			Help: "Total events rolled into the archive",
		}),
		CascadeDeletes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medsync_cascade_deletes_total",
			Help: "Total cascade delete runs",
		}),
		CascadeIncomplete: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medsync_cascade_incomplete_total",
			Help: "Cascade delete runs that left remaining rows",
		}),
		TickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "medsync_tick_duration_seconds",
			Help:    "Tick execution duration",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 240},
		}, []string{"job"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "medsync_outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
	}

	prometheus.MustRegister(
		m.TicksTotal,
		m.TickFailures,
		m.TickItemsTotal,
		m.TickErrorsTotal,
		m.RemindersSent,
		m.DosesMarkedMissed,
		m.EventsArchived,
		m.CascadeDeletes,
		m.CascadeIncomplete,
		m.TickDuration,
		m.OutboxPending,
	)
	return m
}

// ObserveTick records one tick's aggregate counters.
func (m *Metrics) ObserveTick(job string, success bool, processed, sent, errors int, duration time.Duration) {
	m.TicksTotal.WithLabelValues(job).Inc()
	if !success {
		m.TickFailures.WithLabelValues(job).Inc()
	}
	m.TickItemsTotal.WithLabelValues(job).Add(float64(processed))
	m.TickErrorsTotal.WithLabelValues(job).Add(float64(errors))
	m.TickDuration.WithLabelValues(job).Observe(duration.Seconds())

	switch job {
	case "reminder_scheduler":
		m.RemindersSent.Add(float64(sent))
	case "missed_dose_detector":
		m.DosesMarkedMissed.Add(float64(sent))
	case "daily_archiver":
		m.EventsArchived.Add(float64(processed))
	}
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
