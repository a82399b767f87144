package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Limiter. Each window has its own lock so traffic
// to one provider never waits on another.
type Memory struct {
	limits map[Key]Limit

	mu      sync.RWMutex
	windows map[Key]window

	now func() time.Time
}

type window interface {
	tryAcquire(now time.Time) bool
	headroom(now time.Time) float64
	exhaust(now time.Time, d time.Duration)
	retryAfter(now time.Time) time.Duration
}

// NewMemory builds a limiter for the given budgets.
func NewMemory(limits map[Key]Limit) (*Memory, error) {
	copied := make(map[Key]Limit, len(limits))
	for k, l := range limits {
		if err := l.Validate(); err != nil {
			return nil, err
		}
		if l.Kind == "" {
			l.Kind = Fixed
		}
		copied[k] = l
	}
	return &Memory{
		limits:  copied,
		windows: make(map[Key]window),
		now:     time.Now,
	}, nil
}

func (m *Memory) TryAcquire(_ context.Context, k Key) bool {
	w := m.window(k)
	if w == nil {
		return true
	}
	return w.tryAcquire(m.now())
}

func (m *Memory) Headroom(_ context.Context, k Key) float64 {
	w := m.window(k)
	if w == nil {
		return 1
	}
	return w.headroom(m.now())
}

func (m *Memory) Exhaust(_ context.Context, k Key, d time.Duration) {
	if w := m.window(k); w != nil {
		w.exhaust(m.now(), d)
	}
}

func (m *Memory) RetryAfter(_ context.Context, k Key) time.Duration {
	w := m.window(k)
	if w == nil {
		return 0
	}
	return w.retryAfter(m.now())
}

// window returns the counter for k, creating it on first use. nil means unlimited.
func (m *Memory) window(k Key) window {
	m.mu.RLock()
	w, ok := m.windows[k]
	m.mu.RUnlock()
	if ok {
		return w
	}

	l, limited := m.limits[k]
	if !limited {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok = m.windows[k]; ok {
		return w
	}
	switch l.Kind {
	case Sliding:
		w = &slidingWindow{limit: l.Requests, size: l.Window}
	default:
		w = &fixedWindow{limit: l.Requests, size: l.Window}
	}
	m.windows[k] = w
	return w
}

// fixedWindow counts calls in windows aligned to multiples of size.
type fixedWindow struct {
	mu           sync.Mutex
	limit        int
	size         time.Duration
	start        time.Time
	count        int
	blockedUntil time.Time
}

func (w *fixedWindow) rollLocked(now time.Time) {
	if now.Sub(w.start) >= w.size || now.Before(w.start) {
		w.start = now.Truncate(w.size)
		w.count = 0
	}
}

func (w *fixedWindow) tryAcquire(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rollLocked(now)
	if now.Before(w.blockedUntil) || w.count >= w.limit {
		return false
	}
	w.count++
	return true
}

func (w *fixedWindow) headroom(now time.Time) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rollLocked(now)
	if now.Before(w.blockedUntil) {
		return 0
	}
	return float64(w.limit-w.count) / float64(w.limit)
}

func (w *fixedWindow) exhaust(now time.Time, d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rollLocked(now)
	w.count = w.limit
	if until := now.Add(d); until.After(w.blockedUntil) {
		w.blockedUntil = until
	}
}

func (w *fixedWindow) retryAfter(now time.Time) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rollLocked(now)
	wait := time.Duration(0)
	if w.count >= w.limit {
		wait = w.start.Add(w.size).Sub(now)
	}
	if blocked := w.blockedUntil.Sub(now); blocked > wait {
		wait = blocked
	}
	return wait
}

// slidingWindow keeps the timestamps of admitted calls within the last size.
type slidingWindow struct {
	mu           sync.Mutex
	limit        int
	size         time.Duration
	hits         []time.Time
	blockedUntil time.Time
}

func (w *slidingWindow) pruneLocked(now time.Time) {
	cutoff := now.Add(-w.size)
	i := 0
	for i < len(w.hits) && !w.hits[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.hits = append(w.hits[:0], w.hits[i:]...)
	}
}

func (w *slidingWindow) tryAcquire(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(now)
	if now.Before(w.blockedUntil) || len(w.hits) >= w.limit {
		return false
	}
	w.hits = append(w.hits, now)
	return true
}

func (w *slidingWindow) headroom(now time.Time) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(now)
	if now.Before(w.blockedUntil) {
		return 0
	}
	return float64(w.limit-len(w.hits)) / float64(w.limit)
}

func (w *slidingWindow) exhaust(now time.Time, d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	until := now.Add(w.size)
	if d > w.size {
		until = now.Add(d)
	}
	if until.After(w.blockedUntil) {
		w.blockedUntil = until
	}
}

func (w *slidingWindow) retryAfter(now time.Time) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pruneLocked(now)
	wait := time.Duration(0)
	if len(w.hits) >= w.limit {
		wait = w.hits[0].Add(w.size).Sub(now)
	}
	if blocked := w.blockedUntil.Sub(now); blocked > wait {
		wait = blocked
	}
	return wait
}
