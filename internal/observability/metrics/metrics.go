// Package metrics turns pipeline events into Prometheus collectors.
package metrics

import (
	"context"

	"stockwatch/internal/dispatch"
	"stockwatch/internal/eventbus"
	"stockwatch/internal/model"
	"stockwatch/internal/task/engine"
	"stockwatch/internal/task/scheduler"
	"stockwatch/internal/watcher"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "stockwatch"

// Metrics holds all collectors exported on /metrics.
type Metrics struct {
	Checks        *prometheus.CounterVec
	CheckDuration *prometheus.HistogramVec
	Alerts        *prometheus.CounterVec
	Deliveries    *prometheus.CounterVec
	AlertsDropped prometheus.Counter
	TasksDropped  *prometheus.CounterVec
	Passes        prometheus.Counter
	LastPass      prometheus.Gauge
}

// New creates the collectors and registers them with reg when non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checks_total",
			Help:      "Item checks by source, observed status and outcome.",
		}, []string{"source", "status", "outcome"}),
		CheckDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "check_duration_seconds",
			Help:      "Wall time of one item check including store access.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"source"}),
		Alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_fired_total",
			Help:      "Transitions into stock that produced an alert.",
		}, []string{"source"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_deliveries_total",
			Help:      "Alert deliveries by sink and result.",
		}, []string{"sink", "result"}),
		AlertsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_dropped_total",
			Help:      "Alerts rejected because the dispatch queue was full.",
		}),
		TasksDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checks_dropped_total",
			Help:      "Scheduled checks that never ran, by reason.",
		}, []string{"reason"}),
		Passes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "passes_total",
			Help:      "Completed one-shot passes.",
		}),
		LastPass: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_pass_timestamp_seconds",
			Help:      "Unix time of the last completed pass.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Checks, m.CheckDuration, m.Alerts, m.Deliveries, m.AlertsDropped, m.TasksDropped, m.Passes, m.LastPass)
	}
	return m
}

// Observe updates collectors for one bus event. Unknown events are ignored.
func (m *Metrics) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.CheckCompleted, eventbus.CheckFailed, eventbus.CheckAbandoned:
		ce, ok := e.Data.(watcher.CheckEvent)
		if !ok {
			return
		}
		m.Checks.WithLabelValues(ce.Source, string(ce.Status), string(ce.State)).Inc()
		if ce.State != model.OutcomeAbandoned {
			m.CheckDuration.WithLabelValues(ce.Source).Observe(ce.Duration.Seconds())
		}
	case eventbus.AlertFired:
		if ev, ok := e.Data.(model.AlertEvent); ok {
			m.Alerts.WithLabelValues(ev.Source).Inc()
		}
	case eventbus.AlertDelivered:
		if de, ok := e.Data.(dispatch.DeliveryEvent); ok {
			m.Deliveries.WithLabelValues(de.Sink, "ok").Inc()
		}
	case eventbus.AlertFailed:
		if de, ok := e.Data.(dispatch.DeliveryEvent); ok {
			m.Deliveries.WithLabelValues(de.Sink, "failed").Inc()
		}
	case eventbus.AlertDropped:
		m.AlertsDropped.Inc()
	case eventbus.TaskDropped, eventbus.TaskSkipped:
		if te, ok := e.Data.(engine.TaskEvent); ok {
			m.TasksDropped.WithLabelValues(te.Error).Inc()
		}
	case eventbus.PassCompleted:
		if _, ok := e.Data.(scheduler.PassSummary); ok {
			m.Passes.Inc()
			m.LastPass.Set(float64(e.Time.Unix()))
		}
	}
}

// Run feeds bus events into m until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(512)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}

