package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"stockwatch/internal/model"
	logx "stockwatch/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, &Error{Op: "open", Err: errors.New("sqlite path is required")}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, wrap("open", "", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, wrap("open", "", err)
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := newSQLite(db, log)
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, wrap("migrate", "", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func newSQLite(db *sql.DB, log logx.Logger) *sqliteStore {
	return &sqliteStore{db: db, log: log}
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Get(ctx context.Context, id model.Identity) (model.StateRecord, bool, error) {
	if s == nil || s.db == nil {
		return model.StateRecord{}, false, wrap("get", id, ErrClosed)
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT identity, status, last_checked_at, last_alerted_at, consecutive_errors, last_error
		 FROM state WHERE identity = ?`, string(id))
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.StateRecord{}, false, nil
	}
	if err != nil {
		return model.StateRecord{}, false, wrap("get", id, err)
	}
	return rec, true, nil
}

func (s *sqliteStore) Put(ctx context.Context, rec model.StateRecord) error {
	if s == nil || s.db == nil {
		return wrap("put", rec.Identity, ErrClosed)
	}
	var alerted any
	if rec.LastAlertedAt != nil {
		alerted = rec.LastAlertedAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO state(identity, status, last_checked_at, last_alerted_at, consecutive_errors, last_error)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(identity) DO UPDATE SET
		   status=excluded.status,
		   last_checked_at=excluded.last_checked_at,
		   last_alerted_at=excluded.last_alerted_at,
		   consecutive_errors=excluded.consecutive_errors,
		   last_error=excluded.last_error`,
		string(rec.Identity), string(rec.Status), rec.LastCheckedAt.UTC().Format(time.RFC3339Nano),
		alerted, rec.ConsecutiveErrors, nullStr(rec.LastError),
	)
	return wrap("put", rec.Identity, err)
}

func (s *sqliteStore) List(ctx context.Context) ([]model.StateRecord, error) {
	if s == nil || s.db == nil {
		return nil, wrap("list", "", ErrClosed)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT identity, status, last_checked_at, last_alerted_at, consecutive_errors, last_error
		 FROM state ORDER BY identity`)
	if err != nil {
		return nil, wrap("list", "", err)
	}
	defer rows.Close()

	var out []model.StateRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, wrap("list", "", err)
		}
		out = append(out, rec)
	}
	return out, wrap("list", "", rows.Err())
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (model.StateRecord, error) {
	var (
		id, status, checked string
		alerted, lastErr    sql.NullString
		errs                int
	)
	if err := sc.Scan(&id, &status, &checked, &alerted, &errs, &lastErr); err != nil {
		return model.StateRecord{}, err
	}
	st, err := model.ParseStatus(status)
	if err != nil {
		return model.StateRecord{}, err
	}
	rec := model.StateRecord{
		Identity:          model.Identity(id),
		Status:            st,
		ConsecutiveErrors: errs,
		LastError:         lastErr.String,
	}
	if rec.LastCheckedAt, err = time.Parse(time.RFC3339Nano, checked); err != nil {
		return model.StateRecord{}, fmt.Errorf("last_checked_at: %w", err)
	}
	if alerted.Valid && alerted.String != "" {
		t, err := time.Parse(time.RFC3339Nano, alerted.String)
		if err != nil {
			return model.StateRecord{}, fmt.Errorf("last_alerted_at: %w", err)
		}
		rec.LastAlertedAt = &t
	}
	return rec, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
