// Package debounce suppresses repeated pipeline triggers for the same
// lesson within a short window.
package debounce

import (
	"context"
	"sync"
	"time"
)

// Debouncer decides whether a trigger for key may proceed.
type Debouncer interface {
	// Allow reports true for the first call per key in each window.
	Allow(ctx context.Context, key string) (bool, error)
}

// Noop allows everything.
type Noop struct{}

func (Noop) Allow(context.Context, string) (bool, error) { return true, nil }

// pruneThreshold is the map size at which expired keys are swept.
const pruneThreshold = 1024

// Memory is a single-process debouncer.
type Memory struct {
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

// NewMemory creates an in-memory debouncer.
func NewMemory(window time.Duration) *Memory {
	return &Memory{
		window: window,
		now:    time.Now,
		last:   make(map[string]time.Time),
	}
}

func (m *Memory) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if t, ok := m.last[key]; ok && now.Sub(t) < m.window {
		return false, nil
	}
	m.last[key] = now

	if len(m.last) >= pruneThreshold {
		for k, t := range m.last {
			if now.Sub(t) >= m.window {
				delete(m.last, k)
			}
		}
	}
	return true, nil
}
