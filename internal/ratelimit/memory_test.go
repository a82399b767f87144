package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"trading-router/pkg/exchanges/common"
)

var orderKey = Key{Provider: "p1", Category: common.CategoryOrder}

func TestConcurrentTryAcquireExactLimit(t *testing.T) {
	for _, kind := range []WindowKind{Fixed, Sliding} {
		t.Run(string(kind), func(t *testing.T) {
			m, err := NewMemory(map[Key]Limit{orderKey: {Requests: 10, Window: time.Hour, Kind: kind}})
			require.NoError(t, err)
			frozen := time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC)
			m.now = func() time.Time { return frozen }

			var (
				wg      sync.WaitGroup
				start   = make(chan struct{})
				granted atomic.Int32
			)
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					if m.TryAcquire(context.Background(), orderKey) {
						granted.Add(1)
					}
				}()
			}
			close(start)
			wg.Wait()

			assert.Equal(t, int32(10), granted.Load())
			assert.Equal(t, 0.0, m.Headroom(context.Background(), orderKey))
		})
	}
}

func TestUnknownKeyIsUnlimited(t *testing.T) {
	m, err := NewMemory(nil)
	require.NoError(t, err)
	for i := 0; i < 1000; i++ {
		require.True(t, m.TryAcquire(context.Background(), orderKey))
	}
	assert.Equal(t, 1.0, m.Headroom(context.Background(), orderKey))
	assert.Zero(t, m.RetryAfter(context.Background(), orderKey))
}

func TestFixedWindowResetsAtBoundary(t *testing.T) {
	m, err := NewMemory(map[Key]Limit{orderKey: {Requests: 2, Window: time.Second, Kind: Fixed}})
	require.NoError(t, err)
	now := time.Date(2026, 1, 1, 0, 0, 0, 100*int(time.Millisecond), time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	assert.True(t, m.TryAcquire(ctx, orderKey))
	assert.InDelta(t, 0.5, m.Headroom(ctx, orderKey), 1e-9)
	assert.True(t, m.TryAcquire(ctx, orderKey))
	assert.False(t, m.TryAcquire(ctx, orderKey))
	assert.Equal(t, 900*time.Millisecond, m.RetryAfter(ctx, orderKey))

	now = now.Add(900 * time.Millisecond)
	assert.True(t, m.TryAcquire(ctx, orderKey))
}

func TestSlidingWindowAdmitsAsHitsAge(t *testing.T) {
	m, err := NewMemory(map[Key]Limit{orderKey: {Requests: 2, Window: time.Second, Kind: Sliding}})
	require.NoError(t, err)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	m.now = func() time.Time { return now }
	ctx := context.Background()

	assert.True(t, m.TryAcquire(ctx, orderKey))
	now = base.Add(600 * time.Millisecond)
	assert.True(t, m.TryAcquire(ctx, orderKey))
	assert.False(t, m.TryAcquire(ctx, orderKey))

	now = base.Add(time.Second)
	assert.True(t, m.TryAcquire(ctx, orderKey), "first hit aged out")
	assert.False(t, m.TryAcquire(ctx, orderKey))
}

func TestExhaustBlocksUntilBackoff(t *testing.T) {
	for _, kind := range []WindowKind{Fixed, Sliding} {
		t.Run(string(kind), func(t *testing.T) {
			m, err := NewMemory(map[Key]Limit{orderKey: {Requests: 5, Window: time.Second, Kind: kind}})
			require.NoError(t, err)
			now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			m.now = func() time.Time { return now }
			ctx := context.Background()

			m.Exhaust(ctx, orderKey, 3*time.Second)
			assert.False(t, m.TryAcquire(ctx, orderKey))
			assert.Zero(t, m.Headroom(ctx, orderKey))
			assert.Equal(t, 3*time.Second, m.RetryAfter(ctx, orderKey))

			now = now.Add(3 * time.Second)
			assert.True(t, m.TryAcquire(ctx, orderKey))
		})
	}
}

func TestInvalidLimits(t *testing.T) {
	_, err := NewMemory(map[Key]Limit{orderKey: {Requests: 0, Window: time.Second}})
	assert.Error(t, err)
	_, err = NewMemory(map[Key]Limit{orderKey: {Requests: 1, Window: time.Second, Kind: "leaky"}})
	assert.Error(t, err)
}

// Within any window of the configured size no more than limit calls are admitted.
func TestSlidingWindowNeverOveradmits(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		limit := rapid.IntRange(1, 8).Draw(t, "limit")
		size := time.Duration(rapid.IntRange(10, 500).Draw(t, "sizeMs")) * time.Millisecond
		gaps := rapid.SliceOfN(rapid.IntRange(0, 200), 1, 80).Draw(t, "gapsMs")

		m, err := NewMemory(map[Key]Limit{orderKey: {Requests: limit, Window: size, Kind: Sliding}})
		if err != nil {
			t.Fatalf("NewMemory: %v", err)
		}
		now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		m.now = func() time.Time { return now }

		var admitted []time.Time
		for _, g := range gaps {
			now = now.Add(time.Duration(g) * time.Millisecond)
			if !m.TryAcquire(context.Background(), orderKey) {
				continue
			}
			admitted = append(admitted, now)
			inWindow := 0
			for _, a := range admitted {
				if a.After(now.Add(-size)) {
					inWindow++
				}
			}
			if inWindow > limit {
				t.Fatalf("%d calls admitted within %s, limit %d", inWindow, size, limit)
			}
		}
	})
}
