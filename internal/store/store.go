// Package store persists the last-known state of every tracked identity.
//
// Drivers:
//   - "sqlite": SQLite database file (default)
//   - "file":   JSON Lines journal + compacted snapshot
//   - "redis":  one JSON value per identity under a key prefix
//   - "memory": process-local map, for tests and dry runs
//
// Every Put is a single atomic write for its identity.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"stockwatch/internal/model"
	logx "stockwatch/pkg/logx"
)

var ErrClosed = errors.New("store closed")

// Store is the persistence API used by the watcher.
type Store interface {
	Get(ctx context.Context, id model.Identity) (model.StateRecord, bool, error)
	Put(ctx context.Context, rec model.StateRecord) error
	List(ctx context.Context) ([]model.StateRecord, error)
	Close() error
}

// Config configures the state store.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string

	// CompactEvery is the file driver's journal compaction threshold.
	CompactEvery int
}

// Error is returned by every driver for failed reads and writes.
type Error struct {
	Op       string
	Identity model.Identity
	Err      error
}

func (e *Error) Error() string {
	if e.Identity != "" {
		return fmt.Sprintf("store %s %s: %v", e.Op, e.Identity, e.Err)
	}
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrap(op string, id model.Identity, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Op: op, Identity: id, Err: err}
}

// Open initializes the configured store. An empty driver means sqlite.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "store"), logx.String("driver", driver))

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "file":
		return openFile(cfg, log)
	case "redis":
		return openRedis(cfg, log)
	case "memory", "mem":
		return NewMemory(), nil
	default:
		return nil, &Error{Op: "open", Err: errors.New("unknown store driver: " + driver)}
	}
}
