// Package battery classifies battery charge into severity tiers.
package battery

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Tier is a battery severity level. Higher values are more severe.
type Tier int

const (
	Normal Tier = iota
	Warning
	Critical
	Emergency
)

// Tiers lists every tier in severity order.
var Tiers = []Tier{Normal, Warning, Critical, Emergency}

func (t Tier) String() string {
	switch t {
	case Normal:
		return "normal"
	case Warning:
		return "warning"
	case Critical:
		return "critical"
	case Emergency:
		return "emergency"
	default:
		return fmt.Sprintf("Tier(%d)", int(t))
	}
}

// ParseTier converts a tier name into a Tier.
func ParseTier(value string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "normal":
		return Normal, nil
	case "warning":
		return Warning, nil
	case "critical":
		return Critical, nil
	case "emergency":
		return Emergency, nil
	default:
		return Normal, fmt.Errorf("unknown tier %q", value)
	}
}

// AtLeast reports whether t is as severe as other or more.
func (t Tier) AtLeast(other Tier) bool {
	return t >= other
}

// MarshalJSON encodes the tier as its lower-case name.
func (t Tier) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON accepts the lower-case tier name.
func (t *Tier) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	parsed, err := ParseTier(raw)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Thresholds are the percentage boundaries between tiers.
//
// A valid set satisfies 0 < Charging < Critical < Warning <= 100.
type Thresholds struct {
	Warning  int `json:"warning_threshold"`
	Critical int `json:"critical_threshold"`
	Charging int `json:"charging_threshold"`
}

// Classify maps a battery percentage to its tier.
func Classify(level int, t Thresholds) Tier {
	switch {
	case level > t.Warning:
		return Normal
	case level > t.Critical:
		return Warning
	case level > t.Charging:
		return Critical
	default:
		return Emergency
	}
}
