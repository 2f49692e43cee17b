package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/eaglewings/powerwatch/internal/battery"
)

// ErrInvalidConfig is returned when settings break a threshold ordering or positivity rule.
var ErrInvalidConfig = errors.New("invalid config")

// ValidationError names the field whose constraint was violated.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config: %s %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrInvalidConfig.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidConfig
}

// MarkerDictionaries are the fiducial dictionaries the detector understands.
var MarkerDictionaries = []string{
	"DICT_4X4_50", "DICT_4X4_100", "DICT_4X4_250", "DICT_4X4_1000",
	"DICT_5X5_50", "DICT_5X5_100", "DICT_5X5_250", "DICT_5X5_1000",
	"DICT_6X6_50", "DICT_6X6_100", "DICT_6X6_250", "DICT_6X6_1000",
	"DICT_7X7_50", "DICT_7X7_100", "DICT_7X7_250", "DICT_7X7_1000",
	"DICT_ARUCO_ORIGINAL",
	"DICT_APRILTAG_16h5", "DICT_APRILTAG_25h9", "DICT_APRILTAG_36h10", "DICT_APRILTAG_36h11",
}

// Settings is the runtime configuration shared by the monitor and the locator.
// Values are never mutated in place; updates produce a new Settings.
type Settings struct {
	Thresholds       battery.Thresholds
	CheckInterval    time.Duration
	SearchTimeout    time.Duration
	ApproachDistance float64 // metres
	MarkerSize       float64 // metres, edge length
	MarkerDictionary string
}

// DefaultSettings mirrors the factory defaults of the flight controller integration.
func DefaultSettings() Settings {
	return Settings{
		Thresholds:       battery.Thresholds{Warning: 20, Critical: 10, Charging: 5},
		CheckInterval:    5 * time.Second,
		SearchTimeout:    30 * time.Second,
		ApproachDistance: 0.30,
		MarkerSize:       0.05,
		MarkerDictionary: "DICT_4X4_50",
	}
}

// Validate checks the ordering and positivity rules.
func (s Settings) Validate() error {
	t := s.Thresholds
	switch {
	case t.Charging <= 0:
		return &ValidationError{Field: "charging_threshold", Reason: "must be greater than 0"}
	case t.Charging >= t.Critical:
		return &ValidationError{Field: "charging_threshold", Reason: fmt.Sprintf("must be below critical_threshold (%d)", t.Critical)}
	case t.Critical >= t.Warning:
		return &ValidationError{Field: "critical_threshold", Reason: fmt.Sprintf("must be below warning_threshold (%d)", t.Warning)}
	case t.Warning > 100:
		return &ValidationError{Field: "warning_threshold", Reason: "must not exceed 100"}
	case s.CheckInterval <= 0:
		return &ValidationError{Field: "check_interval", Reason: "must be greater than 0"}
	case s.SearchTimeout <= 0:
		return &ValidationError{Field: "search_timeout", Reason: "must be greater than 0"}
	case !(s.ApproachDistance > 0):
		return &ValidationError{Field: "approach_distance", Reason: "must be greater than 0"}
	case !(s.MarkerSize > 0):
		return &ValidationError{Field: "marker_size", Reason: "must be greater than 0"}
	case !slices.Contains(MarkerDictionaries, s.MarkerDictionary):
		return &ValidationError{Field: "marker_dictionary", Reason: fmt.Sprintf("unknown dictionary %q", s.MarkerDictionary)}
	}
	return nil
}

// Patch is a partial settings update. Nil fields keep their current value.
// Durations are expressed in seconds.
type Patch struct {
	WarningThreshold  *int     `json:"warning_threshold,omitempty"`
	CriticalThreshold *int     `json:"critical_threshold,omitempty"`
	ChargingThreshold *int     `json:"charging_threshold,omitempty"`
	CheckInterval     *float64 `json:"check_interval,omitempty"`
	SearchTimeout     *float64 `json:"search_timeout,omitempty"`
	ApproachDistance  *float64 `json:"approach_distance,omitempty"`
	MarkerSize        *float64 `json:"marker_size,omitempty"`
	MarkerDictionary  *string  `json:"marker_dictionary,omitempty"`
}

// ParsePatch decodes a JSON patch. Unknown fields are rejected.
func ParsePatch(data []byte) (Patch, error) {
	var p Patch
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return Patch{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return p, nil
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p == Patch{}
}

// Apply returns a copy of s with the patch fields merged in. It does not validate.
func (s Settings) Apply(p Patch) Settings {
	if p.WarningThreshold != nil {
		s.Thresholds.Warning = *p.WarningThreshold
	}
	if p.CriticalThreshold != nil {
		s.Thresholds.Critical = *p.CriticalThreshold
	}
	if p.ChargingThreshold != nil {
		s.Thresholds.Charging = *p.ChargingThreshold
	}
	if p.CheckInterval != nil {
		s.CheckInterval = seconds(*p.CheckInterval)
	}
	if p.SearchTimeout != nil {
		s.SearchTimeout = seconds(*p.SearchTimeout)
	}
	if p.ApproachDistance != nil {
		s.ApproachDistance = *p.ApproachDistance
	}
	if p.MarkerSize != nil {
		s.MarkerSize = *p.MarkerSize
	}
	if p.MarkerDictionary != nil {
		s.MarkerDictionary = *p.MarkerDictionary
	}
	return s
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

type settingsJSON struct {
	WarningThreshold  int     `json:"warning_threshold"`
	CriticalThreshold int     `json:"critical_threshold"`
	ChargingThreshold int     `json:"charging_threshold"`
	CheckInterval     float64 `json:"check_interval"`
	SearchTimeout     float64 `json:"search_timeout"`
	ApproachDistance  float64 `json:"approach_distance"`
	MarkerSize        float64 `json:"marker_size"`
	MarkerDictionary  string  `json:"marker_dictionary"`
}

// MarshalJSON uses the same field names and units as Patch.
func (s Settings) MarshalJSON() ([]byte, error) {
	return json.Marshal(settingsJSON{
		WarningThreshold:  s.Thresholds.Warning,
		CriticalThreshold: s.Thresholds.Critical,
		ChargingThreshold: s.Thresholds.Charging,
		CheckInterval:     s.CheckInterval.Seconds(),
		SearchTimeout:     s.SearchTimeout.Seconds(),
		ApproachDistance:  s.ApproachDistance,
		MarkerSize:        s.MarkerSize,
		MarkerDictionary:  s.MarkerDictionary,
	})
}
