// Package status writes a JSON snapshot of every tracked item's stored state
// for operators and external tooling.
package status

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"stockwatch/internal/eventbus"
	"stockwatch/internal/model"
	"stockwatch/internal/store"
	logx "stockwatch/pkg/logx"
)

// Entry is one line of the snapshot.
type Entry struct {
	Identity          model.Identity `json:"identity"`
	Source            string         `json:"source"`
	Label             string         `json:"label,omitempty"`
	Status            model.Status   `json:"status"`
	LastCheckedAt     time.Time      `json:"last_checked_at"`
	LastAlertedAt     *time.Time     `json:"last_alerted_at,omitempty"`
	ConsecutiveErrors int            `json:"consecutive_errors,omitempty"`
	LastError         string         `json:"last_error,omitempty"`
}

type Writer struct {
	path string
	log  logx.Logger

	mu     sync.Mutex
	labels map[model.Identity]string
}

func New(path string, items []model.TrackedItem, log logx.Logger) *Writer {
	if log.IsZero() {
		log = logx.Nop()
	}
	w := &Writer{path: path, log: log}
	w.SetItems(items)
	return w
}

// SetItems replaces the labels used for entries; called on config reload.
func (w *Writer) SetItems(items []model.TrackedItem) {
	labels := make(map[model.Identity]string, len(items))
	for _, it := range items {
		labels[it.Identity()] = it.DisplayName()
	}
	w.mu.Lock()
	w.labels = labels
	w.mu.Unlock()
}

// Write dumps every stored record, sorted by identity, through a temp file
// and rename so readers never see a partial file.
func (w *Writer) Write(ctx context.Context, st store.Store) error {
	recs, err := st.List(ctx)
	if err != nil {
		return err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Identity < recs[j].Identity })

	w.mu.Lock()
	out := make([]Entry, 0, len(recs))
	for _, r := range recs {
		out = append(out, Entry{
			Identity:          r.Identity,
			Source:            r.Identity.Source(),
			Label:             w.labels[r.Identity],
			Status:            r.Status,
			LastCheckedAt:     r.LastCheckedAt,
			LastAlertedAt:     r.LastAlertedAt,
			ConsecutiveErrors: r.ConsecutiveErrors,
			LastError:         r.LastError,
		})
	}
	w.mu.Unlock()

	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(w.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, append(b, '\n'), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, w.path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	w.log.Debug("status written", logx.String("path", w.path), logx.Int("items", len(out)))
	return nil
}

// Run rewrites the snapshot after checks complete, at most once per every.
// It writes a final snapshot when ctx is done.
func (w *Writer) Run(ctx context.Context, bus eventbus.Bus, st store.Store, every time.Duration) error {
	if every <= 0 {
		every = 5 * time.Second
	}
	ch, unsub := bus.Subscribe(256)
	defer unsub()

	t := time.NewTicker(every)
	defer t.Stop()

	dirty := false
	flush := func(c context.Context) {
		if !dirty {
			return
		}
		if err := w.Write(c, st); err != nil {
			w.log.Warn("status write failed", logx.String("path", w.path), logx.Err(err))
			return
		}
		dirty = false
	}

	for {
		select {
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			flush(fctx)
			cancel()
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			if e.Type == eventbus.CheckCompleted || e.Type == eventbus.CheckFailed {
				dirty = true
			}
		case <-t.C:
			flush(ctx)
		}
	}
}
