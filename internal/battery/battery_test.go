package battery

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var defaultThresholds = Thresholds{Warning: 20, Critical: 10, Charging: 5}

func TestClassify_Examples(t *testing.T) {
	tests := []struct {
		level int
		want  Tier
	}{
		{100, Normal},
		{45, Normal},
		{21, Normal},
		{20, Warning},
		{15, Warning},
		{11, Warning},
		{10, Critical},
		{7, Critical},
		{6, Critical},
		{5, Emergency},
		{3, Emergency},
		{0, Emergency},
	}

	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.level, defaultThresholds), "level %d", tt.level)
		})
	}
}

func TestClassify_Monotonic(t *testing.T) {
	sets := []Thresholds{
		defaultThresholds,
		{Warning: 100, Critical: 50, Charging: 1},
		{Warning: 3, Critical: 2, Charging: 1},
		{Warning: 60, Critical: 30, Charging: 15},
	}

	for _, th := range sets {
		prev := Classify(0, th)
		for level := 0; level <= 100; level++ {
			got := Classify(level, th)
			assert.Equal(t, got, Classify(level, th), "classify must be deterministic")
			assert.LessOrEqual(t, got, prev, "severity rose from %d%% to %d%% with %+v", level-1, level, th)
			prev = got
		}
	}
}

func TestClassify_Total(t *testing.T) {
	for level := 0; level <= 100; level++ {
		got := Classify(level, defaultThresholds)
		assert.Contains(t, Tiers, got)
	}
}

func TestTier_String(t *testing.T) {
	assert.Equal(t, "normal", Normal.String())
	assert.Equal(t, "warning", Warning.String())
	assert.Equal(t, "critical", Critical.String())
	assert.Equal(t, "emergency", Emergency.String())
	assert.Equal(t, "Tier(9)", Tier(9).String())
}

func TestParseTier(t *testing.T) {
	for _, tier := range Tiers {
		got, err := ParseTier(" " + tier.String() + " ")
		require.NoError(t, err)
		assert.Equal(t, tier, got)
	}

	_, err := ParseTier("charging")
	assert.Error(t, err)
}

func TestTier_JSON(t *testing.T) {
	data, err := json.Marshal(map[string]Tier{"tier": Critical})
	require.NoError(t, err)
	assert.JSONEq(t, `{"tier":"critical"}`, string(data))

	var decoded struct {
		Tier Tier `json:"tier"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"tier":"EMERGENCY"}`), &decoded))
	assert.Equal(t, Emergency, decoded.Tier)

	assert.Error(t, json.Unmarshal([]byte(`{"tier":"unknown"}`), &decoded))
}

func TestTier_AtLeast(t *testing.T) {
	assert.True(t, Critical.AtLeast(Warning))
	assert.True(t, Warning.AtLeast(Warning))
	assert.False(t, Normal.AtLeast(Warning))
}
