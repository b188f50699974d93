package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "watcher"))
	log.Warn("check failed", String("item", "bestbuy:1"), Err(errors.New("boom")), Int("attempt", 2))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal log line: %v (%q)", err, buf.String())
	}
	checks := map[string]any{
		"level":   "warn",
		"message": "check failed",
		"comp":    "watcher",
		"item":    "bestbuy:1",
		"err":     "boom",
		"attempt": float64(2),
	}
	for k, want := range checks {
		if m[k] != want {
			t.Fatalf("%s = %v, want %v", k, m[k], want)
		}
	}
	if _, ok := m["caller"]; !ok {
		t.Fatal("expected caller field")
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info logged at warn level: %q", buf.String())
	}
	if !log.Enabled(LevelError) || log.Enabled(LevelDebug) {
		t.Fatal("Enabled does not match configured level")
	}
}

func TestZeroAndNop(t *testing.T) {
	var zero Logger
	if !zero.IsZero() {
		t.Fatal("zero Logger should report IsZero")
	}
	zero.Info("no panic")
	if Nop().IsZero() {
		t.Fatal("Nop should not be zero")
	}
}
