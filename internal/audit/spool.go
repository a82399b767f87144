package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	spoolPending   = "PENDING"
	spoolCommitted = "COMMITTED"
	spoolFileName  = "audit_spool.wal"
)

// Spool is a write-ahead file for records the store refused. Every pending
// record is fsynced before Append returns so it survives a crash.
type Spool struct {
	path    string
	file    *os.File
	mu      sync.Mutex
	pending map[string]Record
	metrics SpoolMetrics
	closed  bool
}

// SpoolMetrics tracks spool activity.
type SpoolMetrics struct {
	Written   uint64
	Recovered uint64
	Committed uint64
	Failed    uint64
}

type spoolEntry struct {
	Action    string    `json:"action"`
	Record    Record    `json:"record"`
	Timestamp time.Time `json:"timestamp"`
}

// OpenSpool opens (or creates) the spool in dir and loads pending records.
func OpenSpool(dir string) (*Spool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool directory: %w", err)
	}
	s := &Spool{
		path:    filepath.Join(dir, spoolFileName),
		pending: make(map[string]Record),
	}
	if err := s.recover(); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open spool file: %w", err)
	}
	s.file = file
	return s, nil
}

func (s *Spool) recover() error {
	file, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open spool for recovery: %w", err)
	}
	defer file.Close()

	committed := 0
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry spoolEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			// A torn final line from a crash mid-write.
			log.Warn().Err(err).Str("path", s.path).Msg("skipping unreadable spool line")
			continue
		}
		switch entry.Action {
		case spoolPending:
			s.pending[entry.Record.ID] = entry.Record
		case spoolCommitted:
			delete(s.pending, entry.Record.ID)
			committed++
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan spool: %w", err)
	}

	atomic.AddUint64(&s.metrics.Recovered, uint64(len(s.pending)))
	if len(s.pending) > 0 {
		log.Warn().Int("records", len(s.pending)).Msg("recovered pending audit records from spool")
	}
	if committed > 0 {
		if err := s.compact(); err != nil {
			log.Warn().Err(err).Msg("audit spool compaction failed")
		}
	}
	return nil
}

// compact rewrites the file with only pending records. Called before the
// append handle is opened, or with s.mu held and the handle closed.
func (s *Spool) compact() error {
	tmp := s.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, r := range s.sortedPending() {
		if err := enc.Encode(spoolEntry{Action: spoolPending, Record: r, Timestamp: r.Timestamp}); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	f.Close()
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	log.Info().Int("kept", len(s.pending)).Msg("audit spool compacted")
	return nil
}

// Append durably records r as pending.
func (s *Spool) Append(r Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if err := s.write(spoolEntry{Action: spoolPending, Record: r, Timestamp: time.Now()}, true); err != nil {
		atomic.AddUint64(&s.metrics.Failed, 1)
		return err
	}
	s.pending[r.ID] = r
	atomic.AddUint64(&s.metrics.Written, 1)
	return nil
}

// MarkCommitted notes that the store now holds the record.
func (s *Spool) MarkCommitted(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[id]; !ok || s.closed {
		return
	}
	// Not synced: a lost COMMITTED line only causes a replay the store
	// recognizes as a duplicate.
	if err := s.write(spoolEntry{Action: spoolCommitted, Record: Record{ID: id}, Timestamp: time.Now()}, false); err != nil {
		log.Warn().Err(err).Str("record", id).Msg("audit spool commit mark failed")
	}
	delete(s.pending, id)
	atomic.AddUint64(&s.metrics.Committed, 1)

	if len(s.pending) == 0 {
		s.file.Close()
		if err := s.compact(); err != nil {
			log.Warn().Err(err).Msg("audit spool compaction failed")
		}
		f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			log.Error().Err(err).Msg("reopen audit spool")
			s.closed = true
			return
		}
		s.file = f
	}
}

func (s *Spool) write(e spoolEntry, sync bool) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal spool entry: %w", err)
	}
	if _, err := s.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write spool: %w", err)
	}
	if sync {
		if err := s.file.Sync(); err != nil {
			return fmt.Errorf("sync spool: %w", err)
		}
	}
	return nil
}

// Pending returns spooled records in sequence order.
func (s *Spool) Pending() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedPending()
}

func (s *Spool) sortedPending() []Record {
	out := make([]Record, 0, len(s.pending))
	for _, r := range s.pending {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (s *Spool) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

func (s *Spool) Metrics() SpoolMetrics {
	return SpoolMetrics{
		Written:   atomic.LoadUint64(&s.metrics.Written),
		Recovered: atomic.LoadUint64(&s.metrics.Recovered),
		Committed: atomic.LoadUint64(&s.metrics.Committed),
		Failed:    atomic.LoadUint64(&s.metrics.Failed),
	}
}

func (s *Spool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.file == nil {
		return nil
	}
	s.file.Sync()
	return s.file.Close()
}
