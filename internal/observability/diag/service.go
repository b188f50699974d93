// Package diag serves /metrics and /healthz, plus /debug/pprof when asked.
package diag

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"stockwatch/internal/config"
	rtsup "stockwatch/internal/runtime/supervisor"
	logx "stockwatch/pkg/logx"

	"github.com/prometheus/client_golang/prometheus"
)

const shutdownWait = 2 * time.Second

// Config controls the diagnostics listener. A non-loopback Addr needs a
// Token unless AllowInsecure is set.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func FromConfig(c config.DiagnosticsConfig) Config {
	return Config{
		Enabled:       c.Enabled,
		Addr:          c.Addr,
		Token:         c.Token,
		AllowInsecure: c.AllowInsecure,
		Pprof:         c.Pprof,
		ReadTimeout:   10 * time.Second,
		// pprof profiles stream for up to 30s by default.
		WriteTimeout: 40 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// HealthFunc maps component names to their health; nil means healthy.
type HealthFunc func() map[string]error

var errInsecureBind = errors.New("diagnostics refused to start: non-loopback addr needs token or allow_insecure")

type Service struct {
	cfg      Config
	log      logx.Logger
	gatherer prometheus.Gatherer
	health   HealthFunc

	mu  sync.Mutex
	sup *rtsup.Supervisor
	srv *http.Server
	ln  net.Listener
}

func New(cfg Config, gatherer prometheus.Gatherer, health HealthFunc, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Service{cfg: cfg, gatherer: gatherer, health: health, log: log}
}

// Addr is the bound address, or "" when not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Start serves in the background until ctx is done or Stop is called. A
// failing listener is retried; diagnostics never stop the app.
func (s *Service) Start(ctx context.Context) {
	if !s.cfg.Enabled {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.sup.GoRestart("http.serve", s.serveOnce,
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
}

// Stop shuts the server down and waits for the serve loop until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup, srv := s.sup, s.srv
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	sup.Cancel()
	if srv != nil {
		_ = srv.Shutdown(ctx)
	}
	if err := sup.Wait(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		s.log.Debug("diagnostics serve loop ended with error", logx.Err(err))
	}
	s.log.Info("diagnostics stopped")
}

func (s *Service) listenAddr() (string, error) {
	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		addr = config.DefaultDiagAddr
	}
	if s.cfg.Token == "" && !s.cfg.AllowInsecure && !isLoopbackAddr(addr) {
		return addr, errInsecureBind
	}
	return addr, nil
}

// serveOnce runs one listener until ctx is cancelled.
func (s *Service) serveOnce(ctx context.Context) error {
	addr, err := s.listenAddr()
	if err != nil {
		s.log.Error("diagnostics not started", logx.String("addr", addr), logx.Err(err))
		return err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	s.mu.Lock()
	s.ln, s.srv = ln, srv
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.srv == srv {
			s.ln, s.srv = nil, nil
		}
		s.mu.Unlock()
	}()

	stopped := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownWait)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	defer stopped()

	s.log.Info("diagnostics listening", logx.String("addr", ln.Addr().String()), logx.Bool("pprof", s.cfg.Pprof), logx.Bool("token_set", s.cfg.Token != ""))
	err = srv.Serve(ln)
	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("diagnostics server closed unexpectedly")
	}
	return err
}
