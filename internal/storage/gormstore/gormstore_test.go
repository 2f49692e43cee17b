package gormstore

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eaglewings/powerwatch/internal/config"
	"github.com/eaglewings/powerwatch/internal/database"
	"github.com/eaglewings/powerwatch/internal/model"
	"github.com/eaglewings/powerwatch/internal/storage"
	"github.com/eaglewings/powerwatch/pkg/core"
)

// Compile-time interface checks
var (
	_ storage.Backend = (*Backend)(nil)
	_ storage.Querier = (*Backend)(nil)
)

func newTestBackend(t *testing.T, vehicle string) (*Backend, *database.Manager) {
	t.Helper()
	m := database.NewManager(zerolog.Nop(), config.StorageConfig{Type: "sqlite", SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "test.db")}})
	require.NoError(t, m.Open())
	require.NoError(t, m.Setup(vehicle))
	t.Cleanup(func() { _ = m.Close() })

	b := New(Dependencies{
		DB:            m.DB,
		VehicleName:   vehicle,
		FlushInterval: time.Hour,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, b.Init())
	return b, m
}

func TestInit_RequiresDB(t *testing.T) {
	b := New(Dependencies{})
	assert.Error(t, b.Init())
	assert.NoError(t, b.Close())
}

func TestRecordBatterySample_QueuesUntilFlush(t *testing.T) {
	b, m := newTestBackend(t, "drone-1")

	for i := 0; i < 3; i++ {
		require.NoError(t, b.RecordBatterySample(&core.BatterySample{Time: time.Now(), Level: 90 - i, Tier: "normal"}))
	}
	assert.Equal(t, 3, b.Pending())

	var count int64
	require.NoError(t, m.DB.Model(&model.BatterySample{}).Count(&count).Error)
	assert.EqualValues(t, 0, count)

	require.NoError(t, b.Flush())
	assert.Equal(t, 0, b.Pending())
	assert.Positive(t, b.LastWriteDuration())
	require.NoError(t, m.DB.Model(&model.BatterySample{}).Count(&count).Error)
	assert.EqualValues(t, 3, count)
}

func TestClose_FlushesPendingSamples(t *testing.T) {
	b, m := newTestBackend(t, "drone-1")
	require.NoError(t, b.RecordBatterySample(&core.BatterySample{Time: time.Now(), Level: 50, Tier: "normal"}))

	require.NoError(t, b.Close())

	var rows []model.BatterySample
	require.NoError(t, m.DB.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, "drone-1", rows[0].VehicleName)
	assert.Equal(t, 50, rows[0].Level)
}

func TestWriteLoop_FlushesOnInterval(t *testing.T) {
	m := database.NewManager(zerolog.Nop(), config.StorageConfig{Type: "sqlite", SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "loop.db")}})
	require.NoError(t, m.Open())
	require.NoError(t, m.Setup("drone-1"))
	t.Cleanup(func() { _ = m.Close() })

	b := New(Dependencies{DB: m.DB, VehicleName: "drone-1", FlushInterval: 10 * time.Millisecond})
	require.NoError(t, b.Init())
	t.Cleanup(func() { _ = b.Close() })

	require.NoError(t, b.RecordBatterySample(&core.BatterySample{Time: time.Now(), Level: 70, Tier: "normal"}))
	require.Eventually(t, func() bool {
		var count int64
		m.DB.Model(&model.BatterySample{}).Count(&count)
		return count == 1
	}, time.Second, 5*time.Millisecond)
}

func TestRecordTierChange(t *testing.T) {
	b, _ := newTestBackend(t, "drone-1")
	at := time.Now()

	require.NoError(t, b.RecordTierChange(&core.TierChange{Time: at.Add(-time.Minute), Level: 19, From: "normal", To: "warning"}))
	require.NoError(t, b.RecordTierChange(&core.TierChange{Time: at, Level: 9, From: "warning", To: "critical"}))

	changes, err := b.TierChanges(0)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, "critical", changes[0].To, "newest first")
	assert.Equal(t, 9, changes[0].Level)
}

func TestRecordSearch_AndQuery(t *testing.T) {
	b, _ := newTestBackend(t, "drone-1")
	other, _ := newTestBackend(t, "drone-2")
	start := time.Now().Add(-time.Hour)

	landed := core.SearchReport{
		ID:      uuid.New(),
		Trigger: core.TriggerAuto,
		Started: start.Add(10 * time.Minute),
		Elapsed: 4 * time.Second,
		Outcome: core.OutcomeLanded,
		Phase:   core.PhaseLanded,
		Marker:  &core.MarkerFix{MarkerID: 3, Y: 0.25, Distance: 0.25},
	}
	timedOut := core.SearchReport{
		ID:      uuid.New(),
		Trigger: core.TriggerManual,
		Started: start,
		Elapsed: 30 * time.Second,
		Outcome: core.OutcomeTimedOut,
		Phase:   core.PhaseFailed,
		Error:   "charging spot search timed out",
	}
	require.NoError(t, b.RecordSearch(&timedOut))
	require.NoError(t, b.RecordSearch(&landed))
	require.NoError(t, other.RecordSearch(&core.SearchReport{ID: uuid.New(), Started: start}))

	reports, err := b.Searches(0)
	require.NoError(t, err)
	require.Len(t, reports, 2, "only this vehicle's reports")
	assert.Equal(t, landed.ID, reports[0].ID)
	require.NotNil(t, reports[0].Marker)
	assert.Equal(t, 3, reports[0].Marker.MarkerID)
	assert.Equal(t, 4*time.Second, reports[0].Elapsed)
	assert.Nil(t, reports[1].Marker)
	assert.Equal(t, "charging spot search timed out", reports[1].Error)

	limited, err := b.Searches(1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestRecordSearch_DuplicateID(t *testing.T) {
	b, _ := newTestBackend(t, "drone-1")
	r := core.SearchReport{ID: uuid.New(), Started: time.Now()}

	require.NoError(t, b.RecordSearch(&r))
	assert.Error(t, b.RecordSearch(&r))
}
