package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Config selects level and sinks.
type Config struct {
	Level   string
	Console bool
	// JSON writes raw JSON lines to the console (for journald or shippers).
	JSON bool
	File FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

const defaultLogFile = "stockwatch.log"

// Service owns the sinks and swaps them on Apply.
type Service struct {
	mu   sync.Mutex
	file *os.File

	root atomic.Pointer[zerolog.Logger]
}

// New applies cfg and returns the service with a root Logger that follows
// later Apply calls.
func New(cfg Config) (*Service, Logger) {
	setGlobals()
	s := &Service{}
	s.Apply(cfg)
	return s, s.Logger()
}

func (s *Service) Logger() Logger {
	return Logger{src: func() zerolog.Logger { return *s.root.Load() }}
}

// Apply rebuilds the sinks. Safe for concurrent use with logging.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, consoleSink(cfg.JSON))
	}

	var file *os.File
	if cfg.File.Enabled {
		f, err := openLogFile(cfg.File.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "logx: %v\n", err)
		} else {
			file = f
			writers = append(writers, zerolog.SyncWriter(f))
		}
	}
	if len(writers) == 0 {
		writers = append(writers, consoleSink(cfg.JSON))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(cfg.Level, zerolog.InfoLevel)).
		With().Timestamp().Logger()
	s.root.Store(&zl)

	if s.file != nil {
		_ = s.file.Close()
	}
	s.file = file
}

// Close releases the log file, if any.
func (s *Service) Close() error {
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	return f.Close()
}

func consoleSink(json bool) io.Writer {
	if json {
		return os.Stdout
	}
	return zerolog.ConsoleWriter{
		Out:          os.Stdout,
		TimeFormat:   timeFormat,
		FormatCaller: func(i any) string { s, _ := i.(string); return s },
	}
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultLogFile
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("log dir for %q: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return f, nil
}
