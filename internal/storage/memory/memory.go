// internal/storage/memory/memory.go
package memory

import (
	"github.com/eaglewings/powerwatch/internal/queue"
	"github.com/eaglewings/powerwatch/pkg/core"
)

// DefaultCapacity bounds each history kept by the backend.
const DefaultCapacity = 1024

// Backend keeps recent history in memory. Oldest entries are evicted first.
type Backend struct {
	samples  *queue.Queue[core.BatterySample]
	changes  *queue.Queue[core.TierChange]
	searches *queue.Queue[core.SearchReport]
}

// New creates a new memory backend
func New(capacity int) *Backend {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Backend{
		samples:  queue.New[core.BatterySample](capacity),
		changes:  queue.New[core.TierChange](capacity),
		searches: queue.New[core.SearchReport](capacity),
	}
}

// Init initializes the backend
func (b *Backend) Init() error {
	return nil
}

// Close cleans up resources
func (b *Backend) Close() error {
	return nil
}

// RecordBatterySample stores a copy of s.
func (b *Backend) RecordBatterySample(s *core.BatterySample) error {
	b.samples.Push(*s)
	return nil
}

// RecordTierChange stores a copy of c.
func (b *Backend) RecordTierChange(c *core.TierChange) error {
	b.changes.Push(*c)
	return nil
}

// RecordSearch stores a copy of r.
func (b *Backend) RecordSearch(r *core.SearchReport) error {
	cp := *r
	if r.Marker != nil {
		m := *r.Marker
		cp.Marker = &m
	}
	b.searches.Push(cp)
	return nil
}

// Searches returns up to limit reports, newest first.
func (b *Backend) Searches(limit int) ([]core.SearchReport, error) {
	return b.searches.Newest(limit), nil
}

// Samples returns up to limit battery samples, newest first.
func (b *Backend) Samples(limit int) []core.BatterySample {
	return b.samples.Newest(limit)
}

// TierChanges returns up to limit tier changes, newest first.
func (b *Backend) TierChanges(limit int) ([]core.TierChange, error) {
	return b.changes.Newest(limit), nil
}
