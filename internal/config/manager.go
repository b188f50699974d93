package config

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"os"
	"sync"
	"time"

	logx "stockwatch/pkg/logx"
)

// validateTimeout bounds the extra validator run on reload.
const validateTimeout = 5 * time.Second

// Manager holds the committed config and hands reloads to subscribers.
type Manager struct {
	path string
	log  logx.Logger

	mu        sync.RWMutex
	cfg       *Config
	settings  *Settings
	digest    uint64
	validator func(ctx context.Context, cfg *Config) error

	// Sends and closes both happen under subsMu.
	subsMu sync.Mutex
	subs   map[chan *Config]struct{}
}

func NewManager(path string) *Manager {
	return &Manager{path: path, log: logx.Nop(), subs: make(map[chan *Config]struct{})}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) {
	if log.IsZero() {
		log = logx.Nop()
	}
	m.log = log
}

// SetValidator adds a check that a reloaded config must pass after Resolve.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.mu.Lock()
	m.validator = fn
	m.mu.Unlock()
}

// Parse decodes the file without resolving or committing it.
func (m *Manager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, &Error{Msg: err.Error(), Err: err}
	}
	return Decode(m.path, b)
}

// Load parses, resolves and commits the file.
func (m *Manager) Load() (*Config, *Settings, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, nil, err
	}
	s, err := Resolve(cfg)
	if err != nil {
		return nil, nil, err
	}
	m.Commit(cfg, s)
	return cfg, s, nil
}

func (m *Manager) Commit(cfg *Config, s *Settings) {
	d := digest(cfg)
	m.mu.Lock()
	m.cfg, m.settings, m.digest = cfg, s, d
	m.mu.Unlock()
}

func (m *Manager) Get() (*Config, *Settings) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg, m.settings
}

// Subscribe returns a channel that receives every committed reload. When
// the subscriber lags, older pending configs are replaced by the newest.
func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if _, ok := m.subs[ch]; ok {
		delete(m.subs, ch)
		close(ch)
	}
}

func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for ch := range m.subs {
		for !trySend(ch, cfg) {
			select {
			case <-ch:
			default:
			}
		}
	}
}

func trySend(ch chan *Config, cfg *Config) bool {
	select {
	case ch <- cfg:
		return true
	default:
		return false
	}
}

// reload commits and publishes the file when its decoded content differs
// from the committed config and passes validation.
func (m *Manager) reload(ctx context.Context) {
	cfg, err := m.Parse()
	if err != nil {
		m.log.Warn("config parse failed", logx.String("path", m.path), logx.Err(err))
		return
	}
	d := digest(cfg)
	m.mu.RLock()
	same := d != 0 && d == m.digest
	validate := m.validator
	m.mu.RUnlock()
	if same {
		m.log.Debug("config content unchanged", logx.String("path", m.path))
		return
	}

	s, err := Resolve(cfg)
	if err == nil && validate != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err = validate(vctx, cfg)
		cancel()
	}
	if err != nil {
		m.log.Warn("config rejected; keeping previous", logx.String("path", m.path), logx.Err(err))
		return
	}

	m.Commit(cfg, s)
	m.publish(cfg)
	m.log.Info("config reloaded", logx.String("path", m.path), logx.Uint64("digest", d))
}

func digest(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
