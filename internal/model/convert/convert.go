package convert

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/eaglewings/powerwatch/internal/model"
	"github.com/eaglewings/powerwatch/pkg/core"
)

// BatterySampleToCore converts a GORM BatterySample to a core.BatterySample.
func BatterySampleToCore(s model.BatterySample) core.BatterySample {
	return core.BatterySample{
		Time:  s.Time,
		Level: s.Level,
		Tier:  s.Tier,
	}
}

// TierChangeToCore converts a GORM TierChange to a core.TierChange.
func TierChangeToCore(c model.TierChange) core.TierChange {
	return core.TierChange{
		Time:  c.Time,
		Level: c.Level,
		From:  c.FromTier,
		To:    c.ToTier,
	}
}

// SearchReportToCore converts a GORM SearchReport to a core.SearchReport.
// A malformed marker column is reported, the rest of the report is still returned.
func SearchReportToCore(r model.SearchReport) (core.SearchReport, error) {
	out := core.SearchReport{
		ID:        r.ID,
		Trigger:   core.SearchTrigger(r.Trigger),
		Started:   r.Started,
		Elapsed:   time.Duration(r.ElapsedMs) * time.Millisecond,
		Outcome:   core.SearchOutcome(r.Outcome),
		Phase:     core.SearchPhase(r.Phase),
		Rotations: r.Rotations,
		Moves:     r.Moves,
		Error:     r.Error,
	}

	if len(r.Marker) == 0 || string(r.Marker) == "null" {
		return out, nil
	}
	var fix core.MarkerFix
	if err := json.Unmarshal(r.Marker, &fix); err != nil {
		return out, fmt.Errorf("search %s: decoding marker: %w", r.ID, err)
	}
	out.Marker = &fix
	return out, nil
}
