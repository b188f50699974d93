package diag

import (
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"

	"stockwatch/internal/config"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler returns the diagnostics routes, all behind the token check when
// a token is configured.
func (s *Service) Handler() http.Handler {
	routes := map[string]http.Handler{
		"/metrics": promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}),
		"/healthz": http.HandlerFunc(s.healthz),
	}
	if s.cfg.Pprof {
		routes["/debug/pprof/"] = http.HandlerFunc(hpprof.Index)
		routes["/debug/pprof/cmdline"] = http.HandlerFunc(hpprof.Cmdline)
		routes["/debug/pprof/profile"] = http.HandlerFunc(hpprof.Profile)
		routes["/debug/pprof/symbol"] = http.HandlerFunc(hpprof.Symbol)
		routes["/debug/pprof/trace"] = http.HandlerFunc(hpprof.Trace)
	}
	token := strings.TrimSpace(s.cfg.Token)
	mux := http.NewServeMux()
	for path, h := range routes {
		if token != "" {
			h = requireToken(token, h)
		}
		mux.Handle(path, h)
	}
	return mux
}

type healthReport struct {
	OK         bool              `json:"ok"`
	Components map[string]string `json:"components"`
}

func (s *Service) healthz(w http.ResponseWriter, _ *http.Request) {
	rep := healthReport{OK: true, Components: map[string]string{}}
	if s.health != nil {
		for name, err := range s.health() {
			if err != nil {
				rep.OK = false
				rep.Components[name] = err.Error()
			} else {
				rep.Components[name] = "ok"
			}
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if !rep.OK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(rep)
}

// requireToken accepts ?token=<t> or "Authorization: Bearer <t>". A query
// token, when present, is the only one considered.
func requireToken(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			got, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			got = strings.TrimSpace(got)
		}
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	return err == nil && config.IsLoopbackHost(host)
}
