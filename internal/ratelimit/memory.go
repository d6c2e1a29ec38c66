package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

type window struct {
	count   int
	resetAt time.Time
}

// Memory is a process-local fixed-window limiter.
type Memory struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
	log     *zap.Logger
}

// MemoryOption customizes a Memory limiter.
type MemoryOption func(*Memory)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// WithLogger attaches a logger used by the sweep loop.
func WithLogger(log *zap.Logger) MemoryOption {
	return func(m *Memory) {
		if log != nil {
			m.log = log
		}
	}
}

// NewMemory creates an empty in-memory limiter.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		windows: make(map[string]*window),
		now:     time.Now,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Check implements Limiter. It never returns an error.
func (m *Memory) Check(_ context.Context, key string, max int, win time.Duration) (Result, error) {
	if max <= 0 {
		max = 1
	}
	if win <= 0 {
		win = time.Second
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	w, ok := m.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(win)}
		m.windows[key] = w
	}
	w.count++

	return Result{
		Allowed:   w.count <= max,
		Remaining: remaining(max, w.count),
		Limit:     max,
		ResetAt:   w.resetAt,
	}, nil
}

// Reset forgets the window for key.
func (m *Memory) Reset(key string) {
	m.mu.Lock()
	delete(m.windows, key)
	m.mu.Unlock()
}

// Sweep evicts every key whose window has expired and returns how many were
// removed.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	removed := 0
	for key, w := range m.windows {
		if !now.Before(w.resetAt) {
			delete(m.windows, key)
			removed++
		}
	}
	return removed
}

// Len reports the number of tracked keys.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}

// Run sweeps expired keys every interval until ctx is cancelled.
func (m *Memory) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				m.log.Debug("rate limit sweep", zap.Int("evicted", n), zap.Int("tracked", m.Len()))
			}
		}
	}
}
