// pkg/core/search.go
package core

import (
	"time"

	"github.com/google/uuid"
)

// SearchPhase is the locator's progress through a single search.
type SearchPhase string

const (
	PhaseIdle        SearchPhase = "idle"
	PhaseRotating    SearchPhase = "rotating"
	PhaseDetecting   SearchPhase = "detecting"
	PhaseApproaching SearchPhase = "approaching"
	PhaseLanded      SearchPhase = "landed"
	PhaseFailed      SearchPhase = "failed"
)

// Terminal reports whether no further transitions happen from p.
func (p SearchPhase) Terminal() bool {
	return p == PhaseLanded || p == PhaseFailed
}

// Active reports whether a search is in flight.
func (p SearchPhase) Active() bool {
	return p == PhaseRotating || p == PhaseDetecting || p == PhaseApproaching
}

// SearchOutcome is how a search ended.
type SearchOutcome string

const (
	OutcomeNone              SearchOutcome = ""
	OutcomeLanded            SearchOutcome = "landed"
	OutcomeTimedOut          SearchOutcome = "timed_out"
	OutcomeDeviceUnavailable SearchOutcome = "device_unavailable"
	OutcomePreempted         SearchOutcome = "preempted"
	OutcomeMarkerNotFound    SearchOutcome = "marker_not_found"
	OutcomeCancelled         SearchOutcome = "cancelled"
	OutcomeBusy              SearchOutcome = "busy"
)

// SearchTrigger names who started a search.
type SearchTrigger string

const (
	TriggerAuto   SearchTrigger = "auto"
	TriggerManual SearchTrigger = "manual"
)

// MarkerFix is the last marker position seen during a search, camera-relative metres.
type MarkerFix struct {
	MarkerID int     `json:"marker_id"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Distance float64 `json:"distance"`
	Bearing  float64 `json:"bearing"`
}

// SearchReport summarizes one finished search.
type SearchReport struct {
	ID        uuid.UUID
	Trigger   SearchTrigger
	Started   time.Time
	Elapsed   time.Duration
	Outcome   SearchOutcome
	Phase     SearchPhase
	Marker    *MarkerFix
	Rotations int
	Moves     int
	Error     string
}
