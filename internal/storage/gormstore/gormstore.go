// Package gormstore implements storage.Backend on a GORM database
// (Postgres or SQLite). Battery samples are queued and written in batches;
// tier changes and search reports are written immediately.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"gorm.io/gorm"

	"github.com/eaglewings/powerwatch/internal/model"
	"github.com/eaglewings/powerwatch/internal/model/convert"
	"github.com/eaglewings/powerwatch/internal/queue"
	"github.com/eaglewings/powerwatch/pkg/core"
)

const (
	instrumentationName  = "github.com/eaglewings/powerwatch/internal/storage/gormstore"
	defaultFlushInterval = 5 * time.Second
	sampleQueueCapacity  = 10000
	batchSize            = 500
)

// Dependencies holds all dependencies for the GORM backend
type Dependencies struct {
	DB            *gorm.DB
	VehicleName   string
	FlushInterval time.Duration
	Logger        *slog.Logger
}

// Backend persists battery history through GORM.
type Backend struct {
	deps    Dependencies
	samples *queue.Queue[model.BatterySample]

	mu        sync.Mutex
	stopChan  chan struct{}
	done      chan struct{}
	lastWrite time.Duration
	gauges    metric.Registration
}

// New creates a GORM backend. Call Init to start the batch writer.
func New(deps Dependencies) *Backend {
	if deps.FlushInterval <= 0 {
		deps.FlushInterval = defaultFlushInterval
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Backend{
		deps:    deps,
		samples: queue.New[model.BatterySample](sampleQueueCapacity),
	}
}

// Init starts the batch writer.
func (b *Backend) Init() error {
	if b.deps.DB == nil {
		return errors.New("gorm backend requires a database")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopChan != nil {
		return nil
	}
	reg, err := b.registerGauges()
	if err != nil {
		return err
	}
	b.gauges = reg
	b.stopChan = make(chan struct{})
	b.done = make(chan struct{})
	go b.writeLoop(b.stopChan, b.done)
	return nil
}

// registerGauges exports the sample backlog and the last batch duration.
func (b *Backend) registerGauges() (metric.Registration, error) {
	m := otel.Meter(instrumentationName)

	pending, err := m.Int64ObservableGauge("storage.samples.pending",
		metric.WithDescription("Battery samples waiting for the next batch"))
	if err != nil {
		return nil, fmt.Errorf("creating pending gauge: %w", err)
	}
	lastWrite, err := m.Float64ObservableGauge("storage.samples.write_duration",
		metric.WithDescription("Duration of the last successful sample batch"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("creating write duration gauge: %w", err)
	}

	reg, err := m.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(pending, int64(b.Pending()))
		o.ObserveFloat64(lastWrite, float64(b.LastWriteDuration().Microseconds())/1000)
		return nil
	}, pending, lastWrite)
	if err != nil {
		return nil, fmt.Errorf("registering storage gauges: %w", err)
	}
	return reg, nil
}

// Close stops the writer and flushes what is left.
func (b *Backend) Close() error {
	b.mu.Lock()
	stop, done, reg := b.stopChan, b.done, b.gauges
	b.stopChan, b.gauges = nil, nil
	b.mu.Unlock()

	if reg != nil {
		if err := reg.Unregister(); err != nil {
			b.deps.Logger.Warn("Failed to unregister storage gauges", "error", err)
		}
	}
	if stop != nil {
		close(stop)
		<-done
	}
	return b.Flush()
}

func (b *Backend) writeLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(b.deps.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := b.Flush(); err != nil {
				b.deps.Logger.Error("Failed to write battery samples", "error", err)
			}
		}
	}
}

// Flush writes every queued battery sample. Samples are requeued when the
// write fails.
func (b *Backend) Flush() error {
	if b.samples.Empty() || b.deps.DB == nil {
		return nil
	}
	batch := b.samples.GetAndEmpty()

	start := time.Now()
	if err := b.deps.DB.CreateInBatches(batch, batchSize).Error; err != nil {
		if dropped := b.samples.Push(batch...); dropped > 0 {
			b.deps.Logger.Warn("Battery sample queue full, dropped oldest", "dropped", dropped)
		}
		return fmt.Errorf("writing %d battery samples: %w", len(batch), err)
	}

	b.mu.Lock()
	b.lastWrite = time.Since(start)
	b.mu.Unlock()
	b.deps.Logger.Debug("Wrote battery samples", "count", len(batch), "duration", time.Since(start))
	return nil
}

// LastWriteDuration returns how long the last successful batch took.
func (b *Backend) LastWriteDuration() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastWrite
}

// Pending returns how many samples wait for the next batch.
func (b *Backend) Pending() int {
	return b.samples.Len()
}

// RecordBatterySample queues a sample for the next batch.
func (b *Backend) RecordBatterySample(s *core.BatterySample) error {
	b.samples.Push(convert.CoreToBatterySample(*s, b.deps.VehicleName))
	return nil
}

// RecordTierChange writes the change immediately.
func (b *Backend) RecordTierChange(c *core.TierChange) error {
	row := convert.CoreToTierChange(*c, b.deps.VehicleName)
	if err := b.deps.DB.Create(&row).Error; err != nil {
		return fmt.Errorf("writing tier change: %w", err)
	}
	return nil
}

// RecordSearch writes the report immediately.
func (b *Backend) RecordSearch(r *core.SearchReport) error {
	row := convert.CoreToSearchReport(*r, b.deps.VehicleName)
	if err := b.deps.DB.Create(&row).Error; err != nil {
		return fmt.Errorf("writing search report %s: %w", r.ID, err)
	}
	return nil
}

// Searches returns up to limit reports for this vehicle, newest first.
// limit <= 0 returns all.
func (b *Backend) Searches(limit int) ([]core.SearchReport, error) {
	var rows []model.SearchReport
	q := b.deps.DB.Where("vehicle_name = ?", b.deps.VehicleName).Order("started DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("reading search reports: %w", err)
	}

	out := make([]core.SearchReport, 0, len(rows))
	for _, row := range rows {
		r, err := convert.SearchReportToCore(row)
		if err != nil {
			b.deps.Logger.Warn("Search report has a malformed marker", "error", err)
		}
		out = append(out, r)
	}
	return out, nil
}

// TierChanges returns up to limit tier changes for this vehicle, newest first.
func (b *Backend) TierChanges(limit int) ([]core.TierChange, error) {
	var rows []model.TierChange
	q := b.deps.DB.Where("vehicle_name = ?", b.deps.VehicleName).Order("time DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("reading tier changes: %w", err)
	}
	out := make([]core.TierChange, len(rows))
	for i, row := range rows {
		out[i] = convert.TierChangeToCore(row)
	}
	return out, nil
}
