package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"stockwatch/internal/model"
	logx "stockwatch/pkg/logx"
)

// fileStore keeps records in memory and makes each Put durable with one
// fsynced journal line.
//
// Files:
//   - <prefix>.snapshot.json (periodic snapshot)
//   - <prefix>.journal.jsonl (append-only journal)
//
// The journal is compacted into the snapshot every CompactEvery writes and
// on Close.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	journal      *os.File
	records      map[model.Identity]model.StateRecord

	writes       int
	compactEvery int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, &Error{Op: "open", Err: errors.New("store.path is required for file driver")}
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, wrap("open", "", err)
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	records := map[model.Identity]model.StateRecord{}
	if err := loadSnapshot(snapPath, records); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, wrap("open", "", err)
	}
	n, err := replayJournal(journalPath, records)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, wrap("open", "", err)
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, wrap("open", "", err)
	}

	every := cfg.CompactEvery
	if every <= 0 {
		every = 1000
	}
	log.Debug("file store opened", logx.String("path", prefix), logx.Int("records", len(records)), logx.Int("replayed", n))
	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		journal:      jf,
		records:      records,
		compactEvery: every,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return wrap("close", "", err)
}

func (s *fileStore) Get(ctx context.Context, id model.Identity) (model.StateRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.StateRecord{}, false, wrap("get", id, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return model.StateRecord{}, false, wrap("get", id, ErrClosed)
	}
	rec, ok := s.records[id]
	return rec, ok, nil
}

func (s *fileStore) Put(ctx context.Context, rec model.StateRecord) error {
	if err := ctx.Err(); err != nil {
		return wrap("put", rec.Identity, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return wrap("put", rec.Identity, ErrClosed)
	}

	b, err := json.Marshal(rec)
	if err != nil {
		return wrap("put", rec.Identity, err)
	}
	if _, err := s.journal.Write(append(b, '\n')); err != nil {
		return wrap("put", rec.Identity, err)
	}
	if err := s.journal.Sync(); err != nil {
		return wrap("put", rec.Identity, err)
	}
	s.records[rec.Identity] = rec

	s.writes++
	if s.writes%s.compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) List(ctx context.Context) ([]model.StateRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrap("list", "", err)
	}
	s.mu.Lock()
	out := make([]model.StateRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out, nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.records); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out map[model.Identity]model.StateRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[model.Identity]model.StateRecord
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

// replayJournal applies journal lines in order. A torn final line from a
// crash mid-write is skipped.
func replayJournal(path string, out map[model.Identity]model.StateRecord) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var rec model.StateRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		if rec.Identity == "" {
			continue
		}
		out[rec.Identity] = rec
		n++
	}
	return n, sc.Err()
}
