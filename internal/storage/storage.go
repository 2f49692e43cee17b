// internal/storage/storage.go
package storage

import (
	"errors"
	"fmt"

	"github.com/eaglewings/powerwatch/pkg/core"
)

// Backend is the interface all storage implementations must satisfy
type Backend interface {
	// Lifecycle
	Init() error
	Close() error

	// Battery history
	RecordBatterySample(s *core.BatterySample) error
	RecordTierChange(c *core.TierChange) error

	// Search history
	RecordSearch(r *core.SearchReport) error
}

// Querier is an optional interface for backends that can read history back.
type Querier interface {
	// Searches returns up to limit reports, newest first. limit <= 0 means all.
	Searches(limit int) ([]core.SearchReport, error)
	// TierChanges returns up to limit tier transitions, newest first.
	TierChanges(limit int) ([]core.TierChange, error)
}

// Fanout writes to several backends. The first backend that implements
// Querier answers history queries.
type Fanout struct {
	backends []Backend
}

// NewFanout combines backends in order.
func NewFanout(backends ...Backend) *Fanout {
	return &Fanout{backends: backends}
}

// Len returns the number of wrapped backends.
func (f *Fanout) Len() int {
	return len(f.backends)
}

func (f *Fanout) each(op string, fn func(Backend) error) error {
	var errs []error
	for _, b := range f.backends {
		if err := fn(b); err != nil {
			errs = append(errs, fmt.Errorf("%s %T: %w", op, b, err))
		}
	}
	return errors.Join(errs...)
}

// Init initializes every backend.
func (f *Fanout) Init() error {
	return f.each("init", Backend.Init)
}

// Close closes every backend.
func (f *Fanout) Close() error {
	return f.each("close", Backend.Close)
}

// RecordBatterySample writes the sample to every backend.
func (f *Fanout) RecordBatterySample(s *core.BatterySample) error {
	return f.each("battery sample", func(b Backend) error { return b.RecordBatterySample(s) })
}

// RecordTierChange writes the change to every backend.
func (f *Fanout) RecordTierChange(c *core.TierChange) error {
	return f.each("tier change", func(b Backend) error { return b.RecordTierChange(c) })
}

// RecordSearch writes the report to every backend.
func (f *Fanout) RecordSearch(r *core.SearchReport) error {
	return f.each("search", func(b Backend) error { return b.RecordSearch(r) })
}

// Searches delegates to the first Querier.
func (f *Fanout) Searches(limit int) ([]core.SearchReport, error) {
	if q := f.querier(); q != nil {
		return q.Searches(limit)
	}
	return nil, ErrNoHistory
}

// TierChanges delegates to the first Querier.
func (f *Fanout) TierChanges(limit int) ([]core.TierChange, error) {
	if q := f.querier(); q != nil {
		return q.TierChanges(limit)
	}
	return nil, ErrNoHistory
}

func (f *Fanout) querier() Querier {
	for _, b := range f.backends {
		if q, ok := b.(Querier); ok {
			return q
		}
	}
	return nil
}

// ErrNoHistory is returned when no configured backend keeps readable history.
var ErrNoHistory = errors.New("no backend keeps readable history")
