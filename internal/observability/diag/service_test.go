package diag

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	logx "stockwatch/pkg/logx"

	"github.com/prometheus/client_golang/prometheus"
)

func newHandler(cfg Config, health HealthFunc) http.Handler {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "stockwatch_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()
	return New(cfg, reg, health, logx.Nop()).Handler()
}

func TestAuth(t *testing.T) {
	t.Parallel()
	h := newHandler(Config{Token: "s3cret"}, nil)

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{name: "no token", path: "/metrics", want: http.StatusUnauthorized},
		{name: "wrong bearer", path: "/metrics", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "bearer", path: "/metrics", header: "Bearer s3cret", want: http.StatusOK},
		{name: "query", path: "/healthz?token=s3cret", want: http.StatusOK},
		{name: "wrong query", path: "/healthz?token=x", header: "Bearer s3cret", want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("code = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()
	rec := httptest.NewRecorder()
	newHandler(Config{}, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "stockwatch_test_total 1") {
		t.Fatalf("body missing counter:\n%s", rec.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		health HealthFunc
		want   int
	}{
		{name: "no checks", want: http.StatusOK},
		{name: "healthy", health: func() map[string]error { return map[string]error{"store": nil} }, want: http.StatusOK},
		{name: "store down", health: func() map[string]error {
			return map[string]error{"store": errors.New("locked"), "dispatch": nil}
		}, want: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := httptest.NewRecorder()
			newHandler(Config{}, tt.health).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			if rec.Code != tt.want {
				t.Fatalf("code = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestPprofOnlyWhenEnabled(t *testing.T) {
	t.Parallel()
	for _, enabled := range []bool{false, true} {
		rec := httptest.NewRecorder()
		newHandler(Config{Pprof: enabled}, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil))
		if got := rec.Code == http.StatusOK; got != enabled {
			t.Fatalf("pprof=%v: code = %d", enabled, rec.Code)
		}
	}
}

func TestRefusesInsecureBind(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, prometheus.NewRegistry(), nil, logx.Nop())
	if err := s.serveOnce(context.Background()); err == nil {
		t.Fatal("serveOnce on public addr without token: want error")
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, prometheus.NewRegistry(), nil, logx.Nop())
	s.Start(context.Background())
	s.Stop(context.Background())
	if got := s.Addr(); got != "" {
		t.Fatalf("Addr after Stop = %q, want empty", got)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:9090", true},
		{"localhost:9090", true},
		{"[::1]:9090", true},
		{":9090", false},
		{"0.0.0.0:9090", false},
		{"10.0.0.5:9090", false},
		{"nonsense", false},
	}
	for _, tt := range tests {
		if got := isLoopbackAddr(tt.addr); got != tt.want {
			t.Errorf("isLoopbackAddr(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}
