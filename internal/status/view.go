package status

import (
	"time"

	"github.com/google/uuid"

	"github.com/eaglewings/powerwatch/internal/config"
	"github.com/eaglewings/powerwatch/internal/marker"
)

// View is the JSON shape of a snapshot as reported to operators.
type View struct {
	Monitoring           bool             `json:"is_monitoring"`
	BatteryLevel         *int             `json:"battery_level"`
	Tier                 string           `json:"tier"`
	LastCheck            *time.Time       `json:"last_check,omitempty"`
	ChargingSpotFound    bool             `json:"charging_spot_found"`
	ChargingSpotPosition *marker.Position `json:"charging_spot_position"`
	Configuration        config.Settings  `json:"configuration"`
	Search               SearchView       `json:"search"`
}

// SearchView is the JSON shape of SearchState.
type SearchView struct {
	ID             string  `json:"id,omitempty"`
	Trigger        string  `json:"trigger,omitempty"`
	Phase          string  `json:"phase"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	MarkerID       *int    `json:"marker_id,omitempty"`
	Outcome        string  `json:"outcome,omitempty"`
	Error          string  `json:"error,omitempty"`
}

// View converts the snapshot. Battery level and check time are null until
// the first accepted reading.
func (s Snapshot) View() View {
	v := View{
		Monitoring:        s.Monitor.Active,
		Tier:              s.Monitor.LastTier.String(),
		ChargingSpotFound: s.Search.MarkerFound,
		Configuration:     s.Settings,
		Search:            s.Search.View(),
	}
	if s.Monitor.HasReading {
		level, at := s.Monitor.LastLevel, s.Monitor.LastCheck
		v.BatteryLevel = &level
		v.LastCheck = &at
	}
	if s.Search.MarkerPosition != nil {
		p := *s.Search.MarkerPosition
		v.ChargingSpotPosition = &p
	}
	return v
}

// View converts the search state.
func (s SearchState) View() SearchView {
	v := SearchView{
		Trigger:        string(s.Trigger),
		Phase:          string(s.Phase),
		ElapsedSeconds: s.Elapsed.Seconds(),
		Outcome:        string(s.Outcome),
		Error:          s.Error,
	}
	if s.ID != uuid.Nil {
		v.ID = s.ID.String()
	}
	if s.MarkerFound {
		id := s.MarkerID
		v.MarkerID = &id
	}
	return v
}
