package influx

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/eaglewings/powerwatch/internal/config"
	"github.com/eaglewings/powerwatch/internal/storage"
	"github.com/eaglewings/powerwatch/pkg/core"
)

var _ storage.Backend = (*Manager)(nil)

var at = time.Unix(1700000000, 0)

func line(p *influxdb2_write.Point) string {
	return strings.TrimSpace(influxdb2_write.PointToLineProtocol(p, time.Nanosecond))
}

func TestBatteryPoint(t *testing.T) {
	p := BatteryPoint(core.BatterySample{Time: at, Level: 42, Tier: "normal"}, "drone-1")
	assert.Equal(t, "battery_level,tier=normal,vehicle=drone-1 level=42i 1700000000000000000", line(p))
}

func TestTierChangePoint(t *testing.T) {
	p := TierChangePoint(core.TierChange{Time: at, Level: 9, From: "warning", To: "critical"}, "drone-1")
	assert.Equal(t, "tier_change,from=warning,to=critical,vehicle=drone-1 level=9i 1700000000000000000", line(p))
}

func TestSearchPoint(t *testing.T) {
	id := uuid.MustParse("5f0c3a3e-7a59-4c1f-9d3e-3c8f3b6c2a10")
	r := core.SearchReport{
		ID:        id,
		Trigger:   core.TriggerAuto,
		Started:   at,
		Elapsed:   2500 * time.Millisecond,
		Outcome:   core.OutcomeLanded,
		Marker:    &core.MarkerFix{MarkerID: 4, Distance: 0.25},
		Rotations: 3,
		Moves:     2,
	}

	got := line(SearchPoint(r, "drone-1"))
	assert.True(t, strings.HasPrefix(got, "charging_search,outcome=landed,trigger=auto,vehicle=drone-1 "))
	assert.Contains(t, got, "elapsed_ms=2500i")
	assert.Contains(t, got, "marker_id=4i")
	assert.Contains(t, got, `search_id="`+id.String()+`"`)

	r.Marker = nil
	assert.NotContains(t, line(SearchPoint(r, "drone-1")), "marker_id")
}

func TestWritePoint_Backup(t *testing.T) {
	var buf bytes.Buffer
	m := NewManager(zerolog.Nop(), config.InfluxConfig{}, "drone-1")
	m.BackupWriter = gzip.NewWriter(&buf)

	require.NoError(t, m.RecordBatterySample(&core.BatterySample{Time: at, Level: 80, Tier: "normal"}))
	require.NoError(t, m.RecordTierChange(&core.TierChange{Time: at, Level: 19, From: "normal", To: "warning"}))
	require.NoError(t, m.Close())

	r, err := gzip.NewReader(&buf)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "battery_level,"))
	assert.True(t, strings.HasPrefix(lines[1], "tier_change,"))
}

func TestWritePoint_NoWriter(t *testing.T) {
	m := NewManager(zerolog.Nop(), config.InfluxConfig{}, "drone-1")
	assert.Error(t, m.RecordSearch(&core.SearchReport{ID: uuid.New()}))
}

func TestConnect_Disabled(t *testing.T) {
	m := NewManager(zerolog.Nop(), config.InfluxConfig{Enabled: false}, "drone-1")
	assert.Error(t, m.Connect(context.Background()))
}

func TestConnect_UnreachableFallsBackToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backup.lp.gz")
	m := NewManager(zerolog.Nop(), config.InfluxConfig{
		Enabled:    true,
		URL:        "http://127.0.0.1:1",
		BackupPath: path,
	}, "drone-1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Connect(ctx))
	assert.False(t, m.IsValid)

	require.NoError(t, m.RecordBatterySample(&core.BatterySample{Time: at, Level: 60, Tier: "normal"}))
	require.NoError(t, m.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	r, err := gzip.NewReader(f)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Contains(t, string(data), "battery_level,tier=normal,vehicle=drone-1 level=60i")
}
