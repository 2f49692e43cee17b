// Package monitor polls the vehicle battery, classifies it and runs the
// action attached to each tier transition.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/eaglewings/powerwatch/internal/battery"
	"github.com/eaglewings/powerwatch/internal/config"
	"github.com/eaglewings/powerwatch/internal/locator"
	"github.com/eaglewings/powerwatch/internal/notify"
	"github.com/eaglewings/powerwatch/internal/status"
	"github.com/eaglewings/powerwatch/internal/storage"
	"github.com/eaglewings/powerwatch/pkg/core"
)

const (
	instrumentationName = "github.com/eaglewings/powerwatch/internal/monitor"
	landTimeout         = 30 * time.Second
	landAttempts        = 3
	landRetryDelay      = 100 * time.Millisecond
)

var (
	// ErrInvalidReading is logged for battery values outside 0..100.
	ErrInvalidReading = errors.New("invalid battery reading")
	// ErrStillStopping is returned by Start while the previous loop is
	// finishing its last check.
	ErrStillStopping = errors.New("battery loop from the previous run is still finishing")
)

// Telemetry is the part of the vehicle the monitor needs.
type Telemetry interface {
	ReadBatteryPercent(ctx context.Context) (int, error)
	Land(ctx context.Context) error
}

// Searcher starts and preempts charging spot searches.
type Searcher interface {
	Run(ctx context.Context, trigger core.SearchTrigger) (locator.Result, error)
	Abort() bool
}

// Notifier receives tier-change notifications.
type Notifier interface {
	Notify(ctx context.Context, n notify.Notification)
	Clear(ctx context.Context, n notify.Notification)
}

// Dependencies holds all dependencies for the monitor service
type Dependencies struct {
	Vehicle  Telemetry
	Store    *status.Store
	Searcher Searcher        // optional
	Notifier Notifier        // optional
	Storage  storage.Backend // optional
	Logger   *slog.Logger
	Now      func() time.Time // defaults to time.Now
}

// Service runs the battery polling loop
type Service struct {
	deps      Dependencies
	isRunning bool
	mu        sync.RWMutex
	stopChan  chan struct{}
	done      chan struct{}
	cancel    context.CancelFunc

	searches sync.WaitGroup

	// set on the Emergency edge, cleared by a successful landing or by
	// leaving Emergency
	landPending atomic.Bool

	readings    metric.Int64Counter
	transitions metric.Int64Counter
	failures    metric.Int64Counter
}

// NewService creates a new monitor service
func NewService(deps Dependencies) (*Service, error) {
	if deps.Store == nil || deps.Vehicle == nil {
		return nil, errors.New("monitor requires a vehicle and a status store")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	s := &Service{deps: deps}
	if err := s.initMetrics(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) initMetrics() error {
	m := otel.Meter(instrumentationName)
	var err error

	s.readings, err = m.Int64Counter("battery.readings",
		metric.WithDescription("Accepted battery readings"))
	if err != nil {
		return fmt.Errorf("creating readings counter: %w", err)
	}
	s.transitions, err = m.Int64Counter("battery.tier_transitions",
		metric.WithDescription("Battery tier transitions"))
	if err != nil {
		return fmt.Errorf("creating transitions counter: %w", err)
	}
	s.failures, err = m.Int64Counter("battery.telemetry_failures",
		metric.WithDescription("Failed or invalid battery reads"))
	if err != nil {
		return fmt.Errorf("creating failures counter: %w", err)
	}

	store := s.deps.Store
	_, err = m.Int64ObservableGauge("battery.level",
		metric.WithDescription("Last battery level"),
		metric.WithUnit("%"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			if st := store.Monitor(); st.HasReading {
				o.Observe(int64(st.LastLevel), metric.WithAttributes(attribute.String("tier", st.LastTier.String())))
			}
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("creating level gauge: %w", err)
	}
	return nil
}

// IsRunning returns whether the battery loop is running
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Status returns the monitor state without waiting on the loop.
func (s *Service) Status() status.MonitorState {
	return s.deps.Store.Monitor()
}

// UpdateConfig validates and applies a settings patch. The next loop
// iteration picks up the new interval and thresholds.
func (s *Service) UpdateConfig(p config.Patch) (config.Settings, error) {
	next, err := s.deps.Store.UpdateSettings(p)
	if err != nil {
		s.deps.Logger.Warn("Rejected configuration update", "error", err)
		return next, err
	}
	s.deps.Logger.Info("Configuration updated",
		"warning", next.Thresholds.Warning,
		"critical", next.Thresholds.Critical,
		"charging", next.Thresholds.Charging,
		"checkInterval", next.CheckInterval)
	return next, nil
}

// Start starts the battery loop. Calling it while running is a no-op.
// It fails with ErrStillStopping when a stopped loop has not exited yet.
func (s *Service) Start() error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	if s.done != nil {
		select {
		case <-s.done:
		default:
			s.mu.Unlock()
			return ErrStillStopping
		}
	}
	s.isRunning = true
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	stop, done := s.stopChan, s.done
	s.mu.Unlock()

	s.deps.Store.SetActive(true)
	s.deps.Logger.Info("Battery monitoring started", "checkInterval", s.deps.Store.Settings().CheckInterval)

	go s.loop(ctx, stop, done)
	return nil
}

// Stop stops the battery loop. A check in flight finishes with its context
// intact; Stop waits for it at most one check interval and cancels it after
// that. A search already in flight keeps running.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopChan)
	done, cancel := s.done, s.cancel
	s.mu.Unlock()

	s.deps.Store.SetActive(false)

	timer := time.NewTimer(s.deps.Store.Settings().CheckInterval)
	defer timer.Stop()
	select {
	case <-done:
		s.deps.Logger.Info("Battery monitoring stopped")
	case <-timer.C:
		s.deps.Logger.Warn("Battery loop still busy after stop, cancelling the running check")
	}
	cancel()
}

// WaitSearches blocks until every search started by the loop has returned.
func (s *Service) WaitSearches() {
	s.searches.Wait()
}

func (s *Service) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	logger := s.deps.Logger
	logger.Debug("Starting battery loop goroutine")

	for {
		s.safeTick(ctx)

		timer := time.NewTimer(s.deps.Store.Settings().CheckInterval)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (s *Service) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.deps.Logger.Error("Battery check panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	s.tick(ctx)
}

func (s *Service) tick(ctx context.Context) {
	logger := s.deps.Logger
	store := s.deps.Store
	at := s.deps.Now()

	level, err := s.deps.Vehicle.ReadBatteryPercent(ctx)
	if err == nil && (level < 0 || level > 100) {
		err = fmt.Errorf("%w: %d%% is outside 0..100", ErrInvalidReading, level)
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		store.RecordFailure()
		s.failures.Add(ctx, 1)
		logger.Warn("Telemetry unavailable", "error", err)
		return
	}

	settings := store.Settings()
	tier := battery.Classify(level, settings.Thresholds)
	tr, ok := store.RecordReading(level, tier, at)
	if !ok {
		logger.Debug("Ignoring stale battery reading", "level", level, "at", at)
		return
	}
	s.readings.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier.String())))
	logger.Debug("Battery reading", "level", level, "tier", tier.String())

	// landing goes before any persistence or notification
	landed := false
	if tier == battery.Emergency {
		if tr.Changed {
			s.landPending.Store(true)
			if s.deps.Searcher != nil && s.deps.Searcher.Abort() {
				logger.Warn("Preempted charging spot search for emergency landing")
			}
		}
		if s.landPending.Load() {
			landed = s.emergencyLand(ctx)
		}
	} else if s.landPending.Swap(false) {
		logger.Info("Left emergency tier before landing succeeded", "level", level)
	}

	if s.deps.Storage != nil {
		sample := &core.BatterySample{Time: at, Level: level, Tier: tier.String()}
		if err := s.deps.Storage.RecordBatterySample(sample); err != nil {
			logger.Error("Failed to persist battery sample", "error", err)
		}
	}

	if !tr.Changed {
		return
	}

	s.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", tr.From.String()),
		attribute.String("to", tr.To.String()),
	))
	logger.Info("Battery tier changed", "from", tr.From.String(), "to", tr.To.String(), "level", level)

	if s.deps.Storage != nil {
		change := &core.TierChange{Time: at, Level: level, From: tr.From.String(), To: tr.To.String()}
		if err := s.deps.Storage.RecordTierChange(change); err != nil {
			logger.Error("Failed to persist tier change", "error", err)
		}
	}

	s.transition(ctx, tr, level, at, landed)
}

func (s *Service) transition(ctx context.Context, tr status.Transition, level int, at time.Time, landed bool) {
	n := notify.Notification{
		Kind:         notify.KindTierChange,
		Tier:         tr.To,
		PreviousTier: tr.From,
		Level:        level,
		Time:         at,
	}

	switch tr.To {
	case battery.Normal:
		n.Message = fmt.Sprintf("Battery back to normal at %d%%", level)
		s.deps.Notifier.Clear(ctx, n)

	case battery.Warning:
		n.Message = fmt.Sprintf("Battery low: %d%% remaining", level)
		s.deps.Notifier.Notify(ctx, n)

	case battery.Critical:
		n.Kind = notify.KindChargingProtocol
		n.Message = fmt.Sprintf("Battery critical at %d%%, starting charging protocol", level)
		s.deps.Notifier.Notify(ctx, n)
		// coming back up from Emergency is not an edge into Critical
		if tr.From < battery.Critical {
			s.startSearch(level)
		}

	case battery.Emergency:
		n.Kind = notify.KindEmergencyLanding
		if landed {
			n.Message = fmt.Sprintf("Battery at %d%%, landed immediately", level)
		} else {
			n.Message = fmt.Sprintf("Battery at %d%%, emergency landing failed, retrying every check", level)
		}
		s.deps.Notifier.Notify(ctx, n)
	}
}

func (s *Service) startSearch(level int) {
	logger := s.deps.Logger
	if s.deps.Searcher == nil {
		logger.Warn("No charging spot locator configured, skipping search")
		return
	}

	s.searches.Add(1)
	go func() {
		defer s.searches.Done()
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Charging spot search panicked", "panic", r, "stack", string(debug.Stack()))
			}
		}()

		ctx := context.Background()
		res, err := s.deps.Searcher.Run(ctx, core.TriggerAuto)
		if errors.Is(err, locator.ErrAlreadySearching) {
			logger.Info("Charging spot search already running")
			return
		}

		n := notify.Notification{
			Kind:    notify.KindSearchOutcome,
			Tier:    battery.Critical,
			Level:   level,
			Outcome: string(res.Outcome),
		}
		if err != nil {
			n.Message = "Charging spot search failed: " + err.Error()
		} else {
			n.Message = fmt.Sprintf("Landed on charging spot after %s", res.Elapsed.Round(time.Millisecond))
		}
		s.deps.Notifier.Notify(ctx, n)
	}()
}

// emergencyLand tries a few times in a row and reports whether the vehicle
// is down. A failure leaves landPending set for the next check.
func (s *Service) emergencyLand(ctx context.Context) bool {
	logger := s.deps.Logger
	ctx = context.WithoutCancel(ctx)

	var err error
	for attempt := 1; attempt <= landAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(landRetryDelay)
		}
		landCtx, cancel := context.WithTimeout(ctx, landTimeout)
		err = s.deps.Vehicle.Land(landCtx)
		cancel()
		if err == nil {
			s.landPending.Store(false)
			logger.Warn("Emergency landing complete", "attempt", attempt)
			return true
		}
		logger.Error("Emergency landing failed", "attempt", attempt, "error", err)
	}
	logger.Error("Emergency landing still pending, retrying on next check", "error", err)
	return false
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, notify.Notification) {}
func (nopNotifier) Clear(context.Context, notify.Notification) {}
