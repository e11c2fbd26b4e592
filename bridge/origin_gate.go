package bridge

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/webpilot/webpilot/api"
)

// OriginGate is an in-memory permission gate keyed by web origin. The
// zero default denies; hosts grant origins explicitly or construct the
// gate permissive.
type OriginGate struct {
	mu           sync.RWMutex
	decisions    map[string]bool
	defaultAllow bool
}

var _ api.PermissionGate = (*OriginGate)(nil)

// NewOriginGate builds a gate with the given default decision for
// origins nobody has ruled on.
func NewOriginGate(defaultAllow bool) *OriginGate {
	return &OriginGate{
		decisions:    make(map[string]bool),
		defaultAllow: defaultAllow,
	}
}

// Allowed reports whether automation may touch origin.
func (g *OriginGate) Allowed(_ context.Context, origin string) bool {
	key := normalizeOrigin(origin)
	g.mu.RLock()
	defer g.mu.RUnlock()
	if decision, ok := g.decisions[key]; ok {
		return decision
	}
	return g.defaultAllow
}

// Set records an explicit decision for origin.
func (g *OriginGate) Set(origin string, allowed bool) {
	key := normalizeOrigin(origin)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.decisions[key] = allowed
}

// Revoke drops the explicit decision for origin, returning it to the
// default.
func (g *OriginGate) Revoke(origin string) {
	key := normalizeOrigin(origin)
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.decisions, key)
}

// Decisions returns the explicitly ruled origins in sorted order.
func (g *OriginGate) Decisions() map[string]bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]bool, len(g.decisions))
	for origin, decision := range g.decisions {
		out[origin] = decision
	}
	return out
}

// Origins returns the explicitly ruled origins, sorted.
func (g *OriginGate) Origins() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.decisions))
	for origin := range g.decisions {
		out = append(out, origin)
	}
	sort.Strings(out)
	return out
}

// normalizeOrigin lowercases the scheme and host so lookups do not
// depend on caller casing. Full URLs reduce to their origin.
func normalizeOrigin(origin string) string {
	u, err := url.Parse(strings.TrimSpace(origin))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return strings.ToLower(strings.TrimSpace(origin))
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}
