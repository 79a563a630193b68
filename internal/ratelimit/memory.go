package ratelimit

import (
	"context"
	"sync"
	"time"

	"astroguard/internal/ports"
)

type windowKey struct {
	service    string
	identifier string
}

// MemoryStore keeps windows in process memory. Quotas are per process instance.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[windowKey]ports.Window
}

var _ ports.WindowStore = &MemoryStore{}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[windowKey]ports.Window)}
}

func (m *MemoryStore) Hit(_ context.Context, service, identifier string, max int, window time.Duration, now time.Time) (ports.Window, bool, error) {
	k := windowKey{service, identifier}
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[k]
	if !ok || w.Expired(now) {
		w = ports.Window{Count: 1, ResetAt: now.Add(window)}
		m.windows[k] = w
		return w, true, nil
	}
	if w.Count >= max {
		return w, false, nil
	}
	w.Count++
	m.windows[k] = w
	return w, true, nil
}

func (m *MemoryStore) Release(_ context.Context, service, identifier string, now time.Time) error {
	k := windowKey{service, identifier}
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[k]
	if !ok || w.Expired(now) || w.Count == 0 {
		return nil
	}
	w.Count--
	m.windows[k] = w
	return nil
}

func (m *MemoryStore) List(_ context.Context, service string) (map[string]ports.Window, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]ports.Window)
	for k, w := range m.windows {
		if k.service == service {
			out[k.identifier] = w
		}
	}
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, service, identifier string) error {
	m.mu.Lock()
	delete(m.windows, windowKey{service, identifier})
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k, w := range m.windows {
		if w.Expired(now) {
			delete(m.windows, k)
			removed++
		}
	}
	return removed, nil
}

func (m *MemoryStore) ClearAll(_ context.Context) error {
	m.mu.Lock()
	m.windows = make(map[windowKey]ports.Window)
	m.mu.Unlock()
	return nil
}
