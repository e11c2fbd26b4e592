package provider

import (
	"sync"
	"time"
)

// memoryWindow is how long a targeted selector stays attached to
// screenshots.
const memoryWindow = 60 * time.Second

type selectorHit struct {
	selector string
	at       time.Time
}

// selectorMemory remembers which selectors the deterministic provider
// targeted recently.
type selectorMemory struct {
	mu   sync.Mutex
	hits []selectorHit
	now  func() time.Time
}

func newSelectorMemory() *selectorMemory {
	return &selectorMemory{now: time.Now}
}

func (m *selectorMemory) record(selectors ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, s := range selectors {
		if s == "" {
			continue
		}
		m.hits = append(m.hits, selectorHit{selector: s, at: now})
	}
	m.prune(now)
}

// recent returns the still-live selectors, newest first, deduplicated.
func (m *selectorMemory) recent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune(m.now())
	seen := make(map[string]struct{}, len(m.hits))
	var out []string
	for i := len(m.hits) - 1; i >= 0; i-- {
		s := m.hits[i].selector
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// prune drops hits older than the window. Callers hold the lock.
func (m *selectorMemory) prune(now time.Time) {
	cutoff := now.Add(-memoryWindow)
	keep := m.hits[:0]
	for _, h := range m.hits {
		if h.at.After(cutoff) {
			keep = append(keep, h)
		}
	}
	m.hits = keep
}
