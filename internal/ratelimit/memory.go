package ratelimit

import (
	"context"
	"sync"
	"time"
)

// DefaultMaxKeys is the tracked-key ceiling that triggers a sweep.
const DefaultMaxKeys = 10_000

type bucket struct {
	stamps   []time.Time
	interval time.Duration
}

// Memory is the single-process limiter. State is lost on restart and is not
// shared between instances; use Redis for that.
type Memory struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
	maxKeys int
}

type MemoryOption func(*Memory)

func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

func WithMaxKeys(n int) MemoryOption {
	return func(m *Memory) {
		if n > 0 {
			m.maxKeys = n
		}
	}
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		buckets: make(map[string]*bucket),
		now:     time.Now,
		maxKeys: DefaultMaxKeys,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Check(_ context.Context, key string, rule Rule) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{}
		m.buckets[key] = b
	}
	b.interval = rule.Interval
	b.stamps = prune(b.stamps, now.Add(-rule.Interval))

	if len(b.stamps) >= rule.Limit {
		var reset time.Time
		if len(b.stamps) > 0 {
			reset = b.stamps[0].Add(rule.Interval)
		} else {
			reset = now.Add(rule.Interval)
		}
		return Result{Success: false, Limit: rule.Limit, Remaining: 0, Reset: reset}, nil
	}

	b.stamps = append(b.stamps, now)
	result := Result{
		Success:   true,
		Limit:     rule.Limit,
		Remaining: rule.Limit - len(b.stamps),
		Reset:     b.stamps[0].Add(rule.Interval),
	}

	if len(m.buckets) > m.maxKeys {
		m.sweep(now)
	}
	return result, nil
}

// Len is the number of tracked keys.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}

// sweep drops keys with nothing left inside their window. Caller holds mu.
func (m *Memory) sweep(now time.Time) {
	for key, b := range m.buckets {
		b.stamps = prune(b.stamps, now.Add(-b.interval))
		if len(b.stamps) == 0 {
			delete(m.buckets, key)
		}
	}
}

// prune drops timestamps before cutoff. stamps is in ascending order.
func prune(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && stamps[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return stamps
	}
	return append(stamps[:0], stamps[i:]...)
}
