// Package convert provides functions to convert between GORM models and core models
package convert

import (
	"encoding/json"

	"gorm.io/datatypes"

	"github.com/eaglewings/powerwatch/internal/model"
	"github.com/eaglewings/powerwatch/pkg/core"
)

// CoreToBatterySample converts a core.BatterySample to a GORM model.BatterySample.
func CoreToBatterySample(s core.BatterySample, vehicleName string) model.BatterySample {
	return model.BatterySample{
		Time:        s.Time,
		VehicleName: vehicleName,
		Level:       s.Level,
		Tier:        s.Tier,
	}
}

// CoreToTierChange converts a core.TierChange to a GORM model.TierChange.
func CoreToTierChange(c core.TierChange, vehicleName string) model.TierChange {
	return model.TierChange{
		Time:        c.Time,
		VehicleName: vehicleName,
		Level:       c.Level,
		FromTier:    c.From,
		ToTier:      c.To,
	}
}

// markerToJSON stores the marker fix as a JSON object, or JSON null when absent.
func markerToJSON(m *core.MarkerFix) datatypes.JSON {
	if m == nil {
		return datatypes.JSON("null")
	}
	data, err := json.Marshal(m)
	if err != nil {
		return datatypes.JSON("null")
	}
	return datatypes.JSON(data)
}

// CoreToSearchReport converts a core.SearchReport to a GORM model.SearchReport.
// Elapsed is stored with millisecond precision.
func CoreToSearchReport(r core.SearchReport, vehicleName string) model.SearchReport {
	return model.SearchReport{
		ID:          r.ID,
		VehicleName: vehicleName,
		Trigger:     string(r.Trigger),
		Started:     r.Started,
		ElapsedMs:   r.Elapsed.Milliseconds(),
		Outcome:     string(r.Outcome),
		Phase:       string(r.Phase),
		Marker:      markerToJSON(r.Marker),
		Rotations:   r.Rotations,
		Moves:       r.Moves,
		Error:       r.Error,
	}
}
