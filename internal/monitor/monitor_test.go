package monitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eaglewings/powerwatch/internal/battery"
	"github.com/eaglewings/powerwatch/internal/config"
	"github.com/eaglewings/powerwatch/internal/locator"
	"github.com/eaglewings/powerwatch/internal/notify"
	"github.com/eaglewings/powerwatch/internal/status"
	"github.com/eaglewings/powerwatch/internal/storage/memory"
	"github.com/eaglewings/powerwatch/pkg/core"
)

type fakeVehicle struct {
	mu      sync.Mutex
	level   int
	err     error
	panics  bool
	landed  int
	landErr error
	// when set, reads signal entered and wait for release
	entered chan struct{}
	release chan struct{}
}

func (v *fakeVehicle) ReadBatteryPercent(context.Context) (int, error) {
	v.mu.Lock()
	entered, release := v.entered, v.release
	v.mu.Unlock()
	if release != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.panics {
		panic("telemetry decoder blew up")
	}
	return v.level, v.err
}

func (v *fakeVehicle) Land(context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.landed++
	return v.landErr
}

func (v *fakeVehicle) setLandErr(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.landErr = err
}

func (v *fakeVehicle) set(level int, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.level, v.err = level, err
}

func (v *fakeVehicle) landings() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.landed
}

type fakeSearcher struct {
	runs    atomic.Int32
	aborts  atomic.Int32
	err     error
	release chan struct{}
}

func (s *fakeSearcher) Run(ctx context.Context, trigger core.SearchTrigger) (locator.Result, error) {
	s.runs.Add(1)
	if s.release != nil {
		<-s.release
	}
	if s.err != nil {
		return locator.Result{Outcome: core.OutcomeTimedOut}, s.err
	}
	return locator.Result{Outcome: core.OutcomeLanded, Landed: true}, nil
}

func (s *fakeSearcher) Abort() bool {
	s.aborts.Add(1)
	return true
}

type fakeNotifier struct {
	mu      sync.Mutex
	notes   []notify.Notification
	cleared []notify.Notification
	// called before the notification is recorded
	hook func(ctx context.Context, note notify.Notification)
}

func (n *fakeNotifier) Notify(ctx context.Context, note notify.Notification) {
	n.mu.Lock()
	hook := n.hook
	n.mu.Unlock()
	if hook != nil {
		hook(ctx, note)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
}

func (n *fakeNotifier) Clear(_ context.Context, note notify.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cleared = append(n.cleared, note)
}

func (n *fakeNotifier) kinds() []notify.Kind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notify.Kind, 0, len(n.notes))
	for _, note := range n.notes {
		out = append(out, note.Kind)
	}
	return out
}

type fixture struct {
	svc      *Service
	vehicle  *fakeVehicle
	searcher *fakeSearcher
	notifier *fakeNotifier
	store    *status.Store
	mem      *memory.Backend
}

func newFixture(t *testing.T, interval time.Duration) *fixture {
	t.Helper()

	settings := config.DefaultSettings()
	settings.CheckInterval = interval
	store, err := status.New(settings)
	require.NoError(t, err)

	f := &fixture{
		vehicle:  &fakeVehicle{level: 100},
		searcher: &fakeSearcher{},
		notifier: &fakeNotifier{},
		store:    store,
		mem:      memory.New(0),
	}

	var clock atomic.Int64
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	f.svc, err = NewService(Dependencies{
		Vehicle:  f.vehicle,
		Store:    store,
		Searcher: f.searcher,
		Notifier: f.notifier,
		Storage:  f.mem,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now: func() time.Time {
			return base.Add(time.Duration(clock.Add(1)) * time.Second)
		},
	})
	require.NoError(t, err)
	return f
}

// feed runs one check per level, waiting for any search the check started.
func (f *fixture) feed(levels ...int) {
	for _, level := range levels {
		f.vehicle.set(level, nil)
		f.svc.tick(context.Background())
		f.svc.WaitSearches()
	}
}

func TestNewService_RequiresStoreAndVehicle(t *testing.T) {
	_, err := NewService(Dependencies{})
	assert.Error(t, err)
}

func TestTick_RecordsReadingAndSample(t *testing.T) {
	f := newFixture(t, time.Second)
	f.feed(45)

	st := f.svc.Status()
	assert.True(t, st.HasReading)
	assert.Equal(t, 45, st.LastLevel)
	assert.Equal(t, battery.Normal, st.LastTier)
	assert.EqualValues(t, 1, st.Readings)

	samples := f.mem.Samples(0)
	require.Len(t, samples, 1)
	assert.Equal(t, 45, samples[0].Level)
	assert.Equal(t, "normal", samples[0].Tier)
	changes, err := f.mem.TierChanges(0)
	require.NoError(t, err)
	assert.Empty(t, changes, "first normal reading is not a transition")
}

func TestTick_OneSearchPerCriticalEdge(t *testing.T) {
	f := newFixture(t, time.Second)

	f.feed(45, 15, 8, 7, 6)
	assert.EqualValues(t, 1, f.searcher.runs.Load(), "staying critical triggers nothing")

	f.feed(15, 8)
	assert.EqualValues(t, 2, f.searcher.runs.Load(), "re-entry after warning triggers again")

	assert.Equal(t, []notify.Kind{
		notify.KindTierChange,       // warning
		notify.KindChargingProtocol, // critical
		notify.KindSearchOutcome,
		notify.KindTierChange,
		notify.KindChargingProtocol,
		notify.KindSearchOutcome,
	}, f.notifier.kinds())

	changes, err := f.mem.TierChanges(0)
	require.NoError(t, err)
	require.Len(t, changes, 4)
	assert.Equal(t, "warning", changes[0].From, "newest first")
	assert.Equal(t, "critical", changes[0].To)
}

func TestTick_SearchFailureIsNotified(t *testing.T) {
	f := newFixture(t, time.Second)
	f.searcher.err = locator.ErrSearchTimedOut

	f.feed(8)

	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	require.Len(t, f.notifier.notes, 2)
	last := f.notifier.notes[1]
	assert.Equal(t, notify.KindSearchOutcome, last.Kind)
	assert.Equal(t, string(core.OutcomeTimedOut), last.Outcome)
	assert.Contains(t, last.Message, "timed out")
}

func TestTick_BusySearchIsIgnored(t *testing.T) {
	f := newFixture(t, time.Second)
	f.searcher.err = locator.ErrAlreadySearching

	f.feed(8)
	assert.Equal(t, []notify.Kind{notify.KindChargingProtocol}, f.notifier.kinds())
}

func TestTick_LoopDoesNotWaitForSearch(t *testing.T) {
	f := newFixture(t, time.Second)
	f.searcher.release = make(chan struct{})

	f.vehicle.set(8, nil)
	done := make(chan struct{})
	go func() {
		f.svc.tick(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tick blocked on the search")
	}
	require.Eventually(t, func() bool { return f.searcher.runs.Load() == 1 }, time.Second, time.Millisecond)
	close(f.searcher.release)
	f.svc.WaitSearches()
}

func TestTick_EmergencyPreemptsAndLands(t *testing.T) {
	f := newFixture(t, time.Second)

	f.feed(8, 3)
	assert.EqualValues(t, 1, f.searcher.aborts.Load())
	assert.Equal(t, 1, f.vehicle.landings())
	assert.Equal(t, battery.Emergency, f.svc.Status().LastTier)

	// climbing back out of Emergency is not a new edge into Critical
	f.feed(8)
	assert.EqualValues(t, 1, f.searcher.runs.Load())
}

func TestTick_EmergencyLandsBeforeNotifying(t *testing.T) {
	f := newFixture(t, time.Second)

	var landingsAtNotify []int
	f.notifier.hook = func(_ context.Context, note notify.Notification) {
		if note.Kind == notify.KindEmergencyLanding {
			landingsAtNotify = append(landingsAtNotify, f.vehicle.landings())
		}
	}

	f.feed(3)
	assert.Equal(t, []int{1}, landingsAtNotify, "vehicle is down before operators hear about it")

	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	require.Len(t, f.notifier.notes, 1)
	assert.Contains(t, f.notifier.notes[0].Message, "landed immediately")
}

func TestTick_FailedEmergencyLandingIsRetried(t *testing.T) {
	f := newFixture(t, time.Second)
	f.vehicle.setLandErr(errors.New("motors offline"))

	assert.NotPanics(t, func() { f.feed(2) })
	assert.Equal(t, landAttempts, f.vehicle.landings(), "bounded immediate retry")
	assert.True(t, f.svc.landPending.Load())

	f.notifier.mu.Lock()
	require.Len(t, f.notifier.notes, 1)
	assert.Contains(t, f.notifier.notes[0].Message, "failed")
	f.notifier.mu.Unlock()

	// still Emergency, not a tier change, but the landing is retried
	f.vehicle.setLandErr(nil)
	f.feed(2)
	assert.Equal(t, landAttempts+1, f.vehicle.landings())
	assert.False(t, f.svc.landPending.Load())

	f.feed(2, 1, 1)
	assert.Equal(t, landAttempts+1, f.vehicle.landings(), "no landings once down")
}

func TestTick_LeavingEmergencyDropsPendingLanding(t *testing.T) {
	f := newFixture(t, time.Second)
	f.vehicle.setLandErr(errors.New("motors offline"))

	f.feed(4)
	require.True(t, f.svc.landPending.Load())

	f.vehicle.setLandErr(nil)
	f.feed(8, 8)
	assert.Equal(t, landAttempts, f.vehicle.landings())
	assert.False(t, f.svc.landPending.Load())
}

func TestTick_NormalClearsAlert(t *testing.T) {
	f := newFixture(t, time.Second)

	f.feed(15, 60)

	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	require.Len(t, f.notifier.cleared, 1)
	assert.Equal(t, battery.Normal, f.notifier.cleared[0].Tier)
	assert.Equal(t, battery.Warning, f.notifier.cleared[0].PreviousTier)
}

func TestTick_TelemetryFailureIsRecoverable(t *testing.T) {
	f := newFixture(t, time.Second)

	f.vehicle.set(0, errors.New("link lost"))
	f.svc.tick(context.Background())

	st := f.svc.Status()
	assert.EqualValues(t, 1, st.TelemetryFailures)
	assert.False(t, st.HasReading)

	f.feed(50)
	st = f.svc.Status()
	assert.True(t, st.HasReading)
	assert.Equal(t, 50, st.LastLevel)
}

func TestTick_OutOfRangeIsRejected(t *testing.T) {
	f := newFixture(t, time.Second)
	f.feed(50)

	for _, level := range []int{-1, 101, 250} {
		f.vehicle.set(level, nil)
		f.svc.tick(context.Background())
	}

	st := f.svc.Status()
	assert.EqualValues(t, 3, st.TelemetryFailures)
	assert.Equal(t, 50, st.LastLevel)
	assert.EqualValues(t, 1, st.Readings)
}

func TestSafeTick_RecoversPanic(t *testing.T) {
	f := newFixture(t, time.Second)
	f.vehicle.panics = true

	assert.NotPanics(t, func() { f.svc.safeTick(context.Background()) })
}

func TestUpdateConfig(t *testing.T) {
	f := newFixture(t, time.Second)

	warning := 50
	next, err := f.svc.UpdateConfig(config.Patch{WarningThreshold: &warning})
	require.NoError(t, err)
	assert.Equal(t, 50, next.Thresholds.Warning)

	f.feed(45)
	assert.Equal(t, battery.Warning, f.svc.Status().LastTier, "new thresholds apply on the next check")

	critical := 60
	_, err = f.svc.UpdateConfig(config.Patch{CriticalThreshold: &critical})
	require.ErrorIs(t, err, config.ErrInvalidConfig)
	var verr *config.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "critical_threshold", verr.Field)
	assert.Equal(t, 10, f.store.Settings().Thresholds.Critical, "rejected patch leaves settings unchanged")
}

func TestStartStop(t *testing.T) {
	const interval = 40 * time.Millisecond
	f := newFixture(t, interval)
	f.vehicle.set(80, nil)

	require.NoError(t, f.svc.Start())
	require.NoError(t, f.svc.Start(), "second start is a no-op")
	assert.True(t, f.svc.IsRunning())
	assert.True(t, f.svc.Status().Active)

	require.Eventually(t, func() bool { return f.svc.Status().Readings >= 2 }, time.Second, time.Millisecond)

	start := time.Now()
	f.svc.Stop()
	assert.Less(t, time.Since(start), interval+20*time.Millisecond, "stop returns within one interval")
	assert.False(t, f.svc.IsRunning())
	assert.False(t, f.svc.Status().Active)

	f.svc.Stop()

	readings := f.svc.Status().Readings
	time.Sleep(3 * interval)
	assert.Equal(t, readings, f.svc.Status().Readings, "no checks after stop")
}

func TestStartStop_Restart(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond)

	require.NoError(t, f.svc.Start())
	f.svc.Stop()
	require.NoError(t, f.svc.Start())
	assert.True(t, f.svc.Status().Active)
	f.svc.Stop()
	assert.False(t, f.svc.Status().Active)
}

func TestStop_InFlightCheckKeepsItsContext(t *testing.T) {
	f := newFixture(t, 300*time.Millisecond)
	f.vehicle.set(15, nil)

	notifying := make(chan struct{})
	ctxErr := make(chan error, 1)
	f.notifier.hook = func(ctx context.Context, _ notify.Notification) {
		close(notifying)
		time.Sleep(50 * time.Millisecond)
		ctxErr <- ctx.Err()
	}

	require.NoError(t, f.svc.Start())
	<-notifying
	f.svc.Stop()

	assert.NoError(t, <-ctxErr, "warning delivered with a live context")
	assert.Equal(t, []notify.Kind{notify.KindTierChange}, f.notifier.kinds())
}

func TestStart_RefusesWhileOldLoopIsRunning(t *testing.T) {
	const interval = 30 * time.Millisecond
	f := newFixture(t, interval)
	f.vehicle.set(80, nil)

	f.vehicle.mu.Lock()
	f.vehicle.entered = make(chan struct{}, 1)
	f.vehicle.release = make(chan struct{})
	entered, release := f.vehicle.entered, f.vehicle.release
	f.vehicle.mu.Unlock()

	require.NoError(t, f.svc.Start())
	<-entered

	// times out after one interval with the check still stuck
	f.svc.Stop()
	assert.False(t, f.svc.IsRunning())
	assert.ErrorIs(t, f.svc.Start(), ErrStillStopping)

	f.vehicle.mu.Lock()
	f.vehicle.release = nil
	f.vehicle.mu.Unlock()
	close(release)

	require.Eventually(t, func() bool { return f.svc.Start() == nil }, time.Second, time.Millisecond)
	assert.True(t, f.svc.IsRunning())
	f.svc.Stop()
}
