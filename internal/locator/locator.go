// Package locator searches for a charging pad marker and lands the vehicle on it.
//
// A search rotates in place until the detector reports a marker, then moves
// toward it in bounded steps, re-detecting after every move, and lands once
// within the approach distance. Searches are bounded by the configured
// timeout and never run concurrently.
package locator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/eaglewings/powerwatch/internal/config"
	"github.com/eaglewings/powerwatch/internal/marker"
	"github.com/eaglewings/powerwatch/internal/status"
	"github.com/eaglewings/powerwatch/internal/storage"
	"github.com/eaglewings/powerwatch/internal/vehicle"
	"github.com/eaglewings/powerwatch/pkg/core"
)

const (
	instrumentationName = "github.com/eaglewings/powerwatch/internal/locator"
	haltTimeout         = 2 * time.Second
)

var (
	// ErrAlreadySearching is returned immediately when a search is in flight.
	ErrAlreadySearching = errors.New("search already in progress")
	// ErrSearchTimedOut is returned when no landing happened before the deadline.
	ErrSearchTimedOut = errors.New("charging spot search timed out")
	// ErrPreempted is returned when the search was aborted, e.g. for an emergency landing.
	ErrPreempted = errors.New("charging spot search preempted")
	// ErrMarkerNotFound is returned when the sweep budget ran out without a sighting.
	ErrMarkerNotFound = errors.New("charging spot marker not found")
)

// Dependencies holds the collaborators of a Locator.
type Dependencies struct {
	Vehicle  vehicle.Vehicle
	Detector marker.Detector
	Store    *status.Store
	Storage  storage.Backend // optional
	Logger   *slog.Logger
	Tuning   config.LocatorTuning
}

// Result describes a finished search.
type Result struct {
	ID      uuid.UUID
	Outcome core.SearchOutcome
	Landed  bool
	Elapsed time.Duration
	Marker  *marker.Position
}

// Locator runs at most one search at a time.
type Locator struct {
	deps Dependencies

	busy   atomic.Bool
	mu     sync.Mutex
	cancel context.CancelCauseFunc

	searches metric.Int64Counter
}

// New creates a Locator. Zero tuning values fall back to defaults.
func New(deps Dependencies) (*Locator, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Tuning.SweepStep <= 0 {
		deps.Tuning.SweepStep = 30
	}
	if deps.Tuning.ApproachStep <= 0 {
		deps.Tuning.ApproachStep = 0.5
	}
	if deps.Tuning.MaxLostFrames <= 0 {
		deps.Tuning.MaxLostFrames = 3
	}
	if deps.Tuning.CameraFOV <= 0 {
		deps.Tuning.CameraFOV = marker.DefaultFOV
	}

	counter, err := otel.Meter(instrumentationName).Int64Counter(
		"locator.searches",
		metric.WithDescription("Charging spot searches by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating searches counter: %w", err)
	}

	return &Locator{deps: deps, searches: counter}, nil
}

// FindAndApproach runs an operator-requested search on the caller's goroutine.
func (l *Locator) FindAndApproach(ctx context.Context) (Result, error) {
	return l.Run(ctx, core.TriggerManual)
}

// Run performs one search. It returns ErrAlreadySearching without waiting
// when another search holds the guard.
func (l *Locator) Run(ctx context.Context, trigger core.SearchTrigger) (Result, error) {
	if !l.busy.CompareAndSwap(false, true) {
		l.count(core.OutcomeBusy)
		return Result{Outcome: core.OutcomeBusy}, ErrAlreadySearching
	}
	defer l.busy.Store(false)

	settings := l.deps.Store.Settings()
	start := time.Now()
	id := uuid.New()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	ctx, stop := context.WithDeadlineCause(ctx, start.Add(settings.SearchTimeout), ErrSearchTimedOut)
	defer stop()

	l.mu.Lock()
	l.cancel = cancel
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.cancel = nil
		l.mu.Unlock()
	}()

	logger := l.deps.Logger.With("search", id.String(), "trigger", string(trigger))
	logger.Info("Charging spot search started", "timeout", settings.SearchTimeout)
	l.deps.Store.BeginSearch(id, trigger, start)

	s := &search{
		id:       id,
		deps:     l.deps,
		settings: settings,
		logger:   logger,
	}
	err := s.run(ctx)

	outcome, phase := classify(err)
	if outcome == core.OutcomeTimedOut || outcome == core.OutcomeMarkerNotFound {
		s.halt(ctx)
	}

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	final := l.deps.Store.FinishSearch(id, phase, outcome, errMsg, time.Now())

	res := Result{
		ID:      id,
		Outcome: outcome,
		Landed:  outcome == core.OutcomeLanded,
		Elapsed: final.Elapsed,
		Marker:  s.last,
	}

	l.record(s, trigger, start, res, phase, errMsg, logger)
	l.count(outcome)

	if err != nil {
		logger.Warn("Charging spot search failed", "outcome", string(outcome), "elapsed", res.Elapsed, "error", err)
		return res, err
	}
	logger.Info("Landed on charging spot", "elapsed", res.Elapsed, "marker", s.last.String())
	return res, nil
}

// Abort cancels the in-flight search with ErrPreempted. It reports whether a
// search was running.
func (l *Locator) Abort() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel == nil {
		return false
	}
	l.cancel(ErrPreempted)
	return true
}

func classify(err error) (core.SearchOutcome, core.SearchPhase) {
	switch {
	case err == nil:
		return core.OutcomeLanded, core.PhaseLanded
	case errors.Is(err, ErrSearchTimedOut):
		return core.OutcomeTimedOut, core.PhaseFailed
	case errors.Is(err, ErrPreempted):
		return core.OutcomePreempted, core.PhaseFailed
	case errors.Is(err, ErrMarkerNotFound):
		return core.OutcomeMarkerNotFound, core.PhaseFailed
	case errors.Is(err, vehicle.ErrDeviceUnavailable):
		return core.OutcomeDeviceUnavailable, core.PhaseFailed
	default:
		return core.OutcomeCancelled, core.PhaseFailed
	}
}

func (l *Locator) record(s *search, trigger core.SearchTrigger, start time.Time, res Result, phase core.SearchPhase, errMsg string, logger *slog.Logger) {
	if l.deps.Storage == nil {
		return
	}
	report := &core.SearchReport{
		ID:        res.ID,
		Trigger:   trigger,
		Started:   start,
		Elapsed:   res.Elapsed,
		Outcome:   res.Outcome,
		Phase:     phase,
		Rotations: s.rotations,
		Moves:     s.moves,
		Error:     errMsg,
	}
	if s.last != nil {
		report.Marker = &core.MarkerFix{
			MarkerID: s.lastID,
			X:        s.last.X,
			Y:        s.last.Y,
			Distance: s.last.Distance,
			Bearing:  s.last.Bearing,
		}
	}
	if err := l.deps.Storage.RecordSearch(report); err != nil {
		logger.Error("Failed to record search", "error", err)
	}
}

func (l *Locator) count(outcome core.SearchOutcome) {
	l.searches.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))
}

// search is the state of one FindAndApproach call.
type search struct {
	id       uuid.UUID
	deps     Dependencies
	settings config.Settings
	logger   *slog.Logger

	last      *marker.Position
	lastID    int
	rotations int
	moves     int
}

func (s *search) run(ctx context.Context) error {
	step := s.deps.Tuning.SweepStep
	budget := 360 * float64(s.deps.Tuning.MaxSweeps)
	swept := 0.0

	for {
		pos, found, err := s.look(ctx, core.PhaseDetecting)
		if err != nil {
			return err
		}
		if found {
			landed, err := s.approach(ctx, pos)
			if err != nil || landed {
				return err
			}
			s.logger.Info("Marker lost, resuming sweep")
			swept = 0
			continue
		}

		if budget > 0 && swept >= budget {
			return fmt.Errorf("%w after %.0f degrees", ErrMarkerNotFound, swept)
		}

		s.deps.Store.SetPhase(s.id, core.PhaseRotating)
		if err := s.deps.Vehicle.Rotate(ctx, step); err != nil {
			return s.portErr(ctx, "rotate", err)
		}
		s.rotations++
		swept += step
		if err := s.settle(ctx); err != nil {
			return err
		}
	}
}

// look reads one frame and returns the nearest marker, if any. Detector
// failures count as no sighting.
func (s *search) look(ctx context.Context, phase core.SearchPhase) (marker.Position, bool, error) {
	s.deps.Store.SetPhase(s.id, phase)

	frame, err := s.deps.Vehicle.ReadFrame(ctx)
	if err != nil {
		return marker.Position{}, false, s.portErr(ctx, "read frame", err)
	}

	obs, err := s.deps.Detector.Detect(ctx, frame)
	if err != nil {
		if ctx.Err() != nil {
			return marker.Position{}, false, context.Cause(ctx)
		}
		s.logger.Debug("Detector failed, treating as no marker", "frame", frame.Seq, "error", err)
		return marker.Position{}, false, nil
	}

	best, ok := marker.Largest(obs)
	if !ok {
		return marker.Position{}, false, nil
	}
	pos, err := marker.Estimate(best, frame.Width, s.deps.Tuning.CameraFOV, s.settings.MarkerSize)
	if err != nil {
		s.logger.Debug("Unusable marker geometry", "marker", best.ID, "error", err)
		return marker.Position{}, false, nil
	}

	s.last = &pos
	s.lastID = best.ID
	s.deps.Store.SetMarker(s.id, best.ID, pos)
	return pos, true, nil
}

// approach closes in on pos. It returns false without error when the marker
// was lost for too many consecutive frames.
func (s *search) approach(ctx context.Context, pos marker.Position) (bool, error) {
	s.deps.Store.SetPhase(s.id, core.PhaseApproaching)
	s.logger.Info("Marker acquired, approaching", "position", pos.String())

	limit := s.deps.Tuning.ApproachStep
	for {
		if pos.Distance <= s.settings.ApproachDistance {
			if err := s.deps.Vehicle.Land(ctx); err != nil {
				return false, s.portErr(ctx, "land", err)
			}
			return true, nil
		}

		move := vehicle.Vector{
			Forward: clamp(pos.Y-s.settings.ApproachDistance/2, 0, limit),
			Right:   clamp(pos.X, -limit, limit),
		}
		if err := s.deps.Vehicle.Move(ctx, move); err != nil {
			return false, s.portErr(ctx, "move", err)
		}
		s.moves++
		if err := s.settle(ctx); err != nil {
			return false, err
		}

		found := false
		for misses := 0; !found; {
			var err error
			pos, found, err = s.look(ctx, core.PhaseApproaching)
			if err != nil {
				return false, err
			}
			if !found {
				misses++
				if misses >= s.deps.Tuning.MaxLostFrames {
					return false, nil
				}
			}
		}
	}
}

func (s *search) settle(ctx context.Context) error {
	d := s.deps.Tuning.SettleDelay
	if d <= 0 {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}

// portErr attributes a vehicle error: a finished context wins, everything
// else is reported as the device being unavailable.
func (s *search) portErr(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	if errors.Is(err, vehicle.ErrDeviceUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, vehicle.ErrDeviceUnavailable, err)
}

func (s *search) halt(ctx context.Context) {
	h, ok := s.deps.Vehicle.(vehicle.Halter)
	if !ok {
		return
	}
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), haltTimeout)
	defer cancel()
	if err := h.Halt(hctx); err != nil {
		s.logger.Warn("Failed to halt vehicle", "error", err)
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
