// Package persistence holds write paths shared by several stores.
package persistence

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// WriteOp is one buffered statement.
type WriteOp struct {
	Query string
	Args  []any
}

// BatchWriter buffers low-value writes (health history, for one) and commits
// them in a single transaction per flush. Callers must not route records
// whose loss matters through it: a failed batch is logged and dropped.
type BatchWriter struct {
	db       *sql.DB
	mu       sync.Mutex
	buffer   []WriteOp
	maxSize  int
	interval time.Duration
	done     chan struct{}
	closed   atomic.Bool
	wg       sync.WaitGroup

	totalWrites  atomic.Uint64
	totalBatches atomic.Uint64
	totalErrors  atomic.Uint64
	lastBatch    atomic.Int64
	lastFlush    atomic.Int64 // unix nanos
}

// BatchWriterMetrics is a point-in-time snapshot of writer activity.
type BatchWriterMetrics struct {
	TotalWrites   uint64    `json:"total_writes"`
	TotalBatches  uint64    `json:"total_batches"`
	TotalErrors   uint64    `json:"total_errors"`
	LastBatchSize int       `json:"last_batch_size"`
	LastFlushTime time.Time `json:"last_flush_time"`
}

// NewBatchWriter starts a writer that flushes every interval or whenever
// maxSize statements are pending.
func NewBatchWriter(db *sql.DB, maxSize int, interval time.Duration) *BatchWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	bw := &BatchWriter{
		db:       db,
		buffer:   make([]WriteOp, 0, maxSize),
		maxSize:  maxSize,
		interval: interval,
		done:     make(chan struct{}),
	}

	bw.wg.Add(1)
	go bw.backgroundFlush()

	return bw
}

// Write queues one statement. Writes after Close are ignored.
func (bw *BatchWriter) Write(query string, args ...any) {
	if bw.closed.Load() {
		return
	}
	bw.mu.Lock()
	bw.buffer = append(bw.buffer, WriteOp{Query: query, Args: args})
	full := len(bw.buffer) >= bw.maxSize
	bw.mu.Unlock()

	if full {
		_ = bw.Flush(context.Background())
	}
}

// Flush commits everything pending.
func (bw *BatchWriter) Flush(ctx context.Context) error {
	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return nil
	}
	ops := bw.buffer
	bw.buffer = make([]WriteOp, 0, bw.maxSize)
	bw.mu.Unlock()

	return bw.commit(ctx, ops)
}

func (bw *BatchWriter) commit(ctx context.Context, ops []WriteOp) error {
	bw.totalWrites.Add(uint64(len(ops)))
	bw.totalBatches.Add(1)
	bw.lastBatch.Store(int64(len(ops)))
	bw.lastFlush.Store(time.Now().UnixNano())

	tx, err := bw.db.BeginTx(ctx, nil)
	if err != nil {
		bw.totalErrors.Add(1)
		log.Error().Err(err).Int("ops", len(ops)).Msg("batch writer: begin")
		return err
	}

	for _, op := range ops {
		if _, err := tx.ExecContext(ctx, op.Query, op.Args...); err != nil {
			_ = tx.Rollback()
			bw.totalErrors.Add(1)
			log.Error().Err(err).Int("ops", len(ops)).Msg("batch writer: exec, batch dropped")
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		bw.totalErrors.Add(1)
		log.Error().Err(err).Int("ops", len(ops)).Msg("batch writer: commit")
		return err
	}

	log.Debug().Int("ops", len(ops)).Msg("batch writer: flushed")
	return nil
}

func (bw *BatchWriter) backgroundFlush() {
	defer bw.wg.Done()
	ticker := time.NewTicker(bw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = bw.Flush(context.Background())
		case <-bw.done:
			_ = bw.Flush(context.Background())
			return
		}
	}
}

// Pending returns the number of buffered statements.
func (bw *BatchWriter) Pending() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// Metrics returns writer counters.
func (bw *BatchWriter) Metrics() BatchWriterMetrics {
	m := BatchWriterMetrics{
		TotalWrites:   bw.totalWrites.Load(),
		TotalBatches:  bw.totalBatches.Load(),
		TotalErrors:   bw.totalErrors.Load(),
		LastBatchSize: int(bw.lastBatch.Load()),
	}
	if ns := bw.lastFlush.Load(); ns > 0 {
		m.LastFlushTime = time.Unix(0, ns)
	}
	return m
}

// Close stops the background loop after a final flush. It is safe to call
// more than once.
func (bw *BatchWriter) Close() error {
	if bw.closed.Swap(true) {
		return nil
	}
	close(bw.done)
	bw.wg.Wait()
	return nil
}
