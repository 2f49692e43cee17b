// Package status holds the process-wide monitor, search and settings state
// shared by the monitor loop, the locator and the command surface.
package status

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/eaglewings/powerwatch/internal/battery"
	"github.com/eaglewings/powerwatch/internal/config"
	"github.com/eaglewings/powerwatch/internal/marker"
	"github.com/eaglewings/powerwatch/pkg/core"
)

// ErrSearchActive is returned when charging-spot status is reset mid-search.
var ErrSearchActive = errors.New("search in progress")

// MonitorState is written only by the monitor loop.
type MonitorState struct {
	Active            bool
	HasReading        bool
	LastLevel         int
	LastTier          battery.Tier
	LastCheck         time.Time
	Readings          uint64
	TelemetryFailures uint64
}

// SearchState describes the current or most recent search. It is reset when
// a search begins and frozen once the phase is terminal.
type SearchState struct {
	ID             uuid.UUID
	Trigger        core.SearchTrigger
	Phase          core.SearchPhase
	Started        time.Time
	Elapsed        time.Duration
	MarkerFound    bool
	MarkerID       int
	MarkerPosition *marker.Position
	Outcome        core.SearchOutcome
	Error          string
}

// Transition is the result of recording a reading.
type Transition struct {
	From    battery.Tier
	To      battery.Tier
	Changed bool
}

// Snapshot is a consistent copy of the whole store.
type Snapshot struct {
	Monitor  MonitorState
	Search   SearchState
	Settings config.Settings
}

// Store is safe for concurrent use. Monitor and search state share one lock;
// settings are swapped atomically so readers never block on a patch.
type Store struct {
	mu      sync.RWMutex
	monitor MonitorState
	search  SearchState

	settings atomic.Pointer[config.Settings]
	patchMu  sync.Mutex

	subMu sync.RWMutex
	subs  []func(Snapshot)
}

// New creates a store with validated initial settings.
func New(settings config.Settings) (*Store, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	s := &Store{
		monitor: MonitorState{LastTier: battery.Normal},
		search:  SearchState{Phase: core.PhaseIdle},
	}
	s.settings.Store(&settings)
	return s, nil
}

// OnChange registers fn to receive a snapshot after every mutation.
// fn runs on the mutating goroutine, outside the store lock.
func (s *Store) OnChange(fn func(Snapshot)) {
	s.subMu.Lock()
	s.subs = append(s.subs, fn)
	s.subMu.Unlock()
}

func (s *Store) changed() {
	s.subMu.RLock()
	subs := s.subs
	s.subMu.RUnlock()
	if len(subs) == 0 {
		return
	}
	snap := s.Snapshot()
	for _, fn := range subs {
		fn(snap)
	}
}

// Settings returns the current configuration.
func (s *Store) Settings() config.Settings {
	return *s.settings.Load()
}

// UpdateSettings merges p into the current settings, validates and swaps.
// On error the settings are unchanged.
func (s *Store) UpdateSettings(p config.Patch) (config.Settings, error) {
	s.patchMu.Lock()
	next := s.Settings().Apply(p)
	if err := next.Validate(); err != nil {
		s.patchMu.Unlock()
		return s.Settings(), err
	}
	s.settings.Store(&next)
	s.patchMu.Unlock()

	s.changed()
	return next, nil
}

// Monitor returns a copy of the monitor state.
func (s *Store) Monitor() MonitorState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.monitor
}

// Search returns a copy of the search state.
func (s *Store) Search() SearchState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.searchCopy()
}

func (s *Store) searchCopy() SearchState {
	c := s.search
	if c.MarkerPosition != nil {
		p := *c.MarkerPosition
		c.MarkerPosition = &p
	}
	return c
}

// Snapshot returns monitor, search and settings together.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	snap := Snapshot{Monitor: s.monitor, Search: s.searchCopy()}
	s.mu.RUnlock()
	snap.Settings = s.Settings()
	return snap
}

// SetActive flips the monitor's running flag.
func (s *Store) SetActive(active bool) {
	s.mu.Lock()
	s.monitor.Active = active
	s.mu.Unlock()
	s.changed()
}

// RecordReading stores a classified reading. Readings taken before the last
// recorded one are ignored and reported as not accepted.
func (s *Store) RecordReading(level int, tier battery.Tier, at time.Time) (Transition, bool) {
	s.mu.Lock()
	if s.monitor.HasReading && !at.After(s.monitor.LastCheck) {
		s.mu.Unlock()
		return Transition{}, false
	}
	tr := Transition{From: s.monitor.LastTier, To: tier, Changed: s.monitor.LastTier != tier}
	s.monitor.HasReading = true
	s.monitor.LastLevel = level
	s.monitor.LastTier = tier
	s.monitor.LastCheck = at
	s.monitor.Readings++
	s.mu.Unlock()

	s.changed()
	return tr, true
}

// RecordFailure counts a failed telemetry read.
func (s *Store) RecordFailure() {
	s.mu.Lock()
	s.monitor.TelemetryFailures++
	s.mu.Unlock()
}

// BeginSearch resets the search state for a new search.
func (s *Store) BeginSearch(id uuid.UUID, trigger core.SearchTrigger, at time.Time) {
	s.mu.Lock()
	s.search = SearchState{
		ID:      id,
		Trigger: trigger,
		Phase:   core.PhaseRotating,
		Started: at,
	}
	s.mu.Unlock()
	s.changed()
}

// SetPhase moves an active search to phase. Terminal searches are left alone.
func (s *Store) SetPhase(id uuid.UUID, phase core.SearchPhase) {
	s.mu.Lock()
	if s.search.ID != id || s.search.Phase.Terminal() || phase.Terminal() {
		s.mu.Unlock()
		return
	}
	if s.search.Phase == phase {
		s.mu.Unlock()
		return
	}
	s.search.Phase = phase
	s.mu.Unlock()
	s.changed()
}

// SetMarker records the latest marker fix of an active search.
func (s *Store) SetMarker(id uuid.UUID, markerID int, pos marker.Position) {
	s.mu.Lock()
	if s.search.ID != id || s.search.Phase.Terminal() {
		s.mu.Unlock()
		return
	}
	s.search.MarkerFound = true
	s.search.MarkerID = markerID
	s.search.MarkerPosition = &pos
	s.mu.Unlock()
	s.changed()
}

// FinishSearch freezes the search with a terminal phase and outcome.
func (s *Store) FinishSearch(id uuid.UUID, phase core.SearchPhase, outcome core.SearchOutcome, errMsg string, at time.Time) SearchState {
	s.mu.Lock()
	if s.search.ID != id || s.search.Phase.Terminal() {
		c := s.searchCopy()
		s.mu.Unlock()
		return c
	}
	s.search.Phase = phase
	s.search.Outcome = outcome
	s.search.Error = errMsg
	s.search.Elapsed = at.Sub(s.search.Started)
	c := s.searchCopy()
	s.mu.Unlock()

	s.changed()
	return c
}

// ResetChargingSpot forgets the last charging spot, typically after take-off.
func (s *Store) ResetChargingSpot() error {
	s.mu.Lock()
	if s.search.Phase.Active() {
		s.mu.Unlock()
		return ErrSearchActive
	}
	s.search = SearchState{Phase: core.PhaseIdle}
	s.mu.Unlock()
	s.changed()
	return nil
}
