// Package gateway holds the provider records the router chooses from and the
// health monitor that keeps their status current.
package gateway

import (
	"fmt"
	"io"
	"sort"

	"trading-router/pkg/exchanges/common"
)

// Registry is the fixed set of provider records. Records are created at
// startup and never removed, so lookups take no lock.
type Registry struct {
	byID    map[string]*Record
	ordered []*Record // by id
}

// NewRegistry indexes records. Duplicate ids are rejected.
func NewRegistry(records ...*Record) (*Registry, error) {
	reg := &Registry{byID: make(map[string]*Record, len(records))}
	for _, r := range records {
		if _, dup := reg.byID[r.ID()]; dup {
			return nil, fmt.Errorf("duplicate provider id %q", r.ID())
		}
		reg.byID[r.ID()] = r
		reg.ordered = append(reg.ordered, r)
	}
	sort.Slice(reg.ordered, func(i, j int) bool { return reg.ordered[i].ID() < reg.ordered[j].ID() })
	return reg, nil
}

// Get returns the record for id.
func (r *Registry) Get(id string) (*Record, bool) {
	rec, ok := r.byID[id]
	return rec, ok
}

// All returns every record ordered by id.
func (r *Registry) All() []*Record {
	return append([]*Record(nil), r.ordered...)
}

// Len returns the number of providers.
func (r *Registry) Len() int { return len(r.ordered) }

// Supporting returns the records whose capability set contains op,
// regardless of health.
func (r *Registry) Supporting(op common.Operation) []*Record {
	var out []*Record
	for _, rec := range r.ordered {
		if rec.Supports(op) {
			out = append(out, rec)
		}
	}
	return out
}

// Snapshots copies every record for display.
func (r *Registry) Snapshots() []RecordSnapshot {
	out := make([]RecordSnapshot, 0, len(r.ordered))
	for _, rec := range r.ordered {
		out = append(out, rec.Snapshot())
	}
	return out
}

// Close releases adapters that hold connections.
func (r *Registry) Close() {
	for _, rec := range r.ordered {
		if c, ok := rec.provider.(io.Closer); ok {
			_ = c.Close()
		}
	}
}
