package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"time"

	logx "stockwatch/pkg/logx"

	"github.com/fsnotify/fsnotify"
)

const (
	reloadDebounce  = 250 * time.Millisecond
	watchRetryMin   = 250 * time.Millisecond
	watchRetryLimit = 5 * time.Second
)

const fileOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove

// Watch reloads the file after it settles for reloadDebounce. The parent
// directory is watched so editors that replace the file are seen. It
// returns nil once ctx is done.
func (m *Manager) Watch(ctx context.Context) error {
	dir, name := filepath.Dir(m.path), filepath.Base(m.path)
	retry := watchRetryMin
	for {
		w, err := openWatcher(dir)
		if err == nil {
			retry = watchRetryMin
			m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", name))
			err = m.follow(ctx, w, name)
			_ = w.Close()
		}
		if ctx.Err() != nil {
			return nil
		}
		wait := retry + rand.N(retry/2+1)
		m.log.Warn("config watcher failed; retrying", logx.String("dir", dir), logx.Duration("backoff", wait), logx.Err(err))
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		retry = min(retry*2, watchRetryLimit)
	}
}

func openWatcher(dir string) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}
	return w, nil
}

var errWatcherClosed = errors.New("watcher closed")

// follow runs until ctx is done or the watcher breaks. Reloads happen on
// this goroutine, so two never overlap.
func (m *Manager) follow(ctx context.Context, w *fsnotify.Watcher, name string) error {
	settle := time.NewTimer(time.Hour)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-settle.C:
			m.reload(ctx)
		case ev, ok := <-w.Events:
			if !ok {
				return errWatcherClosed
			}
			if ev.Op&fileOps != 0 && strings.EqualFold(filepath.Base(ev.Name), name) {
				settle.Reset(reloadDebounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errWatcherClosed
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				m.log.Warn("config watch overflow; forcing reload", logx.Err(err))
				settle.Reset(reloadDebounce)
				continue
			}
			if err != nil {
				m.log.Warn("config watch error", logx.Err(err))
			}
		}
	}
}
