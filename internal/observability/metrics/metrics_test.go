package metrics

import (
	"testing"
	"time"

	"stockwatch/internal/dispatch"
	"stockwatch/internal/eventbus"
	"stockwatch/internal/model"
	"stockwatch/internal/task/engine"
	"stockwatch/internal/task/scheduler"
	"stockwatch/internal/watcher"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserve(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := New(reg)

	id := model.NewIdentity("bestbuy", "1")
	events := []eventbus.Event{
		{Type: eventbus.CheckCompleted, Data: watcher.CheckEvent{Identity: id, Source: "bestbuy", Status: model.StatusInStock, State: model.OutcomeChecked, Duration: time.Second}},
		{Type: eventbus.CheckCompleted, Data: watcher.CheckEvent{Identity: id, Source: "bestbuy", Status: model.StatusInStock, State: model.OutcomeChecked}},
		{Type: eventbus.CheckFailed, Data: watcher.CheckEvent{Identity: id, Source: "bestbuy", Status: model.StatusError, State: model.OutcomeProviderError}},
		{Type: eventbus.CheckAbandoned, Data: watcher.CheckEvent{Identity: id, Source: "bestbuy", Status: model.StatusError, State: model.OutcomeAbandoned}},
		{Type: eventbus.AlertFired, Data: model.AlertEvent{Identity: id, Source: "bestbuy"}},
		{Type: eventbus.AlertDelivered, Data: dispatch.DeliveryEvent{Sink: "discord"}},
		{Type: eventbus.AlertFailed, Data: dispatch.DeliveryEvent{Sink: "webhook"}},
		{Type: eventbus.AlertDropped, Data: dispatch.DeliveryEvent{}},
		{Type: eventbus.TaskDropped, Data: engine.TaskEvent{Error: "shutdown"}},
		{Type: eventbus.PassCompleted, Time: time.Unix(1700000000, 0), Data: scheduler.PassSummary{Items: 1}},
		{Type: "unrelated", Data: 42},
	}
	for _, e := range events {
		m.Observe(e)
	}

	tests := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"in stock checks", m.Checks.WithLabelValues("bestbuy", "in_stock", "checked"), 2},
		{"provider errors", m.Checks.WithLabelValues("bestbuy", "error", "provider_error"), 1},
		{"abandoned", m.Checks.WithLabelValues("bestbuy", "error", "abandoned"), 1},
		{"alerts", m.Alerts.WithLabelValues("bestbuy"), 1},
		{"delivered", m.Deliveries.WithLabelValues("discord", "ok"), 1},
		{"failed", m.Deliveries.WithLabelValues("webhook", "failed"), 1},
		{"dropped alerts", m.AlertsDropped, 1},
		{"dropped tasks", m.TasksDropped.WithLabelValues("shutdown"), 1},
		{"passes", m.Passes, 1},
		{"last pass", m.LastPass, 1700000000},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(tt.c); got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
		}
	}

	// Abandoned checks carry no meaningful duration.
	if got := testutil.CollectAndCount(m.CheckDuration); got != 1 {
		t.Fatalf("duration series = %d, want 1", got)
	}
}

func TestNewRegistersCollectors(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Passes.Inc()
	n, err := testutil.GatherAndCount(reg, "stockwatch_passes_total")
	if err != nil {
		t.Fatalf("GatherAndCount: %v", err)
	}
	if n != 1 {
		t.Fatalf("series = %d, want 1", n)
	}
}
