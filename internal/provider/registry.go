package provider

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"stockwatch/internal/config"
	"stockwatch/internal/model"
)

// Registry maps source names to providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: map[string]Provider{}}
}

// Register adds p under its Name. A later registration replaces an earlier one.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	r.providers[strings.ToLower(p.Name())] = p
	r.mu.Unlock()
}

func (r *Registry) Lookup(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[strings.ToLower(strings.TrimSpace(name))]
	return p, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.providers))
	for n := range r.providers {
		out = append(out, n)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Resolve checks that every item names a registered source. It returns a
// *config.Error listing the unknown sources, before any provider is called.
func (r *Registry) Resolve(items []model.TrackedItem) error {
	var unknown []string
	seen := map[string]bool{}
	for i, it := range items {
		if _, ok := r.Lookup(it.Source); ok || seen[it.Source] {
			continue
		}
		seen[it.Source] = true
		unknown = append(unknown, fmt.Sprintf("watchlist[%d] %q", i, it.Source))
	}
	if len(unknown) == 0 {
		return nil
	}
	return &config.Error{
		Path: "watchlist",
		Msg:  "unknown source(s) " + strings.Join(unknown, ", ") + "; registered: " + strings.Join(r.Names(), ", "),
	}
}
