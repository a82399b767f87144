package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockRedis(t *testing.T, l Limit) (*Redis, redismock.ClientMock, time.Time) {
	t.Helper()
	client, mock := redismock.NewClientMock()
	r, err := NewRedis(client, "rl", map[Key]Limit{orderKey: l})
	require.NoError(t, err)
	now := time.UnixMilli(10_500).UTC()
	r.now = func() time.Time { return now }
	return r, mock, now
}

func TestRedisTryAcquire(t *testing.T) {
	r, mock, _ := newMockRedis(t, Limit{Requests: 2, Window: time.Second})
	ctx := context.Background()
	key := "rl:p1:order:10"

	mock.ExpectExists("rl:block:p1:order").SetVal(0)
	mock.ExpectIncr(key).SetVal(1)
	mock.ExpectPExpire(key, time.Second).SetVal(true)
	assert.True(t, r.TryAcquire(ctx, orderKey))

	mock.ExpectExists("rl:block:p1:order").SetVal(0)
	mock.ExpectIncr(key).SetVal(3)
	assert.False(t, r.TryAcquire(ctx, orderKey))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisFailsClosed(t *testing.T) {
	r, mock, _ := newMockRedis(t, Limit{Requests: 2, Window: time.Second})
	mock.ExpectExists("rl:block:p1:order").SetErr(errors.New("connection refused"))
	assert.False(t, r.TryAcquire(context.Background(), orderKey))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisBlockedKey(t *testing.T) {
	r, mock, _ := newMockRedis(t, Limit{Requests: 2, Window: time.Second})
	ctx := context.Background()

	mock.ExpectSet("rl:block:p1:order", "1", 5*time.Second).SetVal("OK")
	r.Exhaust(ctx, orderKey, 5*time.Second)

	mock.ExpectExists("rl:block:p1:order").SetVal(1)
	assert.False(t, r.TryAcquire(ctx, orderKey))

	mock.ExpectPTTL("rl:block:p1:order").SetVal(4 * time.Second)
	assert.Equal(t, 4*time.Second, r.RetryAfter(ctx, orderKey))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisHeadroom(t *testing.T) {
	r, mock, _ := newMockRedis(t, Limit{Requests: 4, Window: time.Second})
	ctx := context.Background()

	mock.ExpectExists("rl:block:p1:order").SetVal(0)
	mock.ExpectGet("rl:p1:order:10").SetVal("1")
	assert.InDelta(t, 0.75, r.Headroom(ctx, orderKey), 1e-9)

	mock.ExpectExists("rl:block:p1:order").SetVal(0)
	mock.ExpectGet("rl:p1:order:10").RedisNil()
	assert.Equal(t, 1.0, r.Headroom(ctx, orderKey))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisUnknownKeyUnlimited(t *testing.T) {
	r, mock, _ := newMockRedis(t, Limit{Requests: 1, Window: time.Second})
	other := Key{Provider: "p2", Category: orderKey.Category}
	assert.True(t, r.TryAcquire(context.Background(), other))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewRedisRejectsSubMillisecondWindow(t *testing.T) {
	client, _ := redismock.NewClientMock()
	_, err := NewRedis(client, "rl", map[Key]Limit{orderKey: {Requests: 5, Window: 500 * time.Microsecond}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 1ms")

	r, err := NewRedis(client, "rl", map[Key]Limit{orderKey: {Requests: 5, Window: time.Millisecond}})
	require.NoError(t, err)
	assert.NotNil(t, r)
}
