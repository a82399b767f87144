package common

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// TimeSync tracks the clock offset to a venue so signed requests carry a
// timestamp the venue accepts.
type TimeSync struct {
	getServerTime func(ctx context.Context) (int64, error)
	offset        int64 // ms, server - local
	lastSync      time.Time
	syncInterval  time.Duration
	mu            sync.RWMutex
}

// NewTimeSync creates a synchronizer around a server-time fetcher.
func NewTimeSync(getServerTime func(ctx context.Context) (int64, error)) *TimeSync {
	return &TimeSync{
		getServerTime: getServerTime,
		syncInterval:  30 * time.Minute,
	}
}

// Stale reports whether a sync is due.
func (ts *TimeSync) Stale() bool {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.lastSync.IsZero() || time.Since(ts.lastSync) >= ts.syncInterval
}

// Sync measures the offset assuming symmetric network latency.
func (ts *TimeSync) Sync(ctx context.Context) error {
	before := time.Now().UnixMilli()
	serverTime, err := ts.getServerTime(ctx)
	if err != nil {
		return err
	}
	after := time.Now().UnixMilli()
	local := before + (after-before)/2

	ts.mu.Lock()
	ts.offset = serverTime - local
	ts.lastSync = time.Now()
	offset := ts.offset
	ts.mu.Unlock()

	log.Debug().Int64("offset_ms", offset).Msg("time sync")
	return nil
}

// Now returns the current time in ms adjusted for the server offset.
func (ts *TimeSync) Now() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return time.Now().UnixMilli() + ts.offset
}

// Offset returns the current offset in milliseconds.
func (ts *TimeSync) Offset() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.offset
}
