package database

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eaglewings/powerwatch/internal/config"
	"github.com/eaglewings/powerwatch/internal/model"
)

func sqliteConfig(t *testing.T) config.StorageConfig {
	return config.StorageConfig{
		Type:   "sqlite",
		SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "powerwatch.db")},
	}
}

func TestOpenSQLiteAndSetup(t *testing.T) {
	m := NewManager(zerolog.Nop(), sqliteConfig(t))

	require.NoError(t, m.Open())
	t.Cleanup(func() { _ = m.Close() })
	assert.True(t, m.Local())

	require.NoError(t, m.Setup("drone-1"))
	for _, table := range model.DatabaseModels {
		assert.True(t, m.DB.Migrator().HasTable(table))
	}

	// setup is repeatable and keeps one info row per vehicle
	require.NoError(t, m.Setup("drone-1"))
	var count int64
	require.NoError(t, m.DB.Model(&model.PowerwatchInfo{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestOpen_PostgresFallsBackToSQLite(t *testing.T) {
	cfg := sqliteConfig(t)
	cfg.Type = "postgres"
	cfg.Postgres = config.PostgresConfig{
		Host: "127.0.0.1", Port: "1", Username: "u", Password: "p", Database: "powerwatch",
	}
	m := NewManager(zerolog.Nop(), cfg)

	require.NoError(t, m.Open())
	t.Cleanup(func() { _ = m.Close() })
	assert.True(t, m.Local())
	assert.NoError(t, m.Setup("drone-1"))
}

func TestOpen_UnknownType(t *testing.T) {
	m := NewManager(zerolog.Nop(), config.StorageConfig{Type: "memory"})
	assert.Error(t, m.Open())
	assert.Nil(t, m.DB)
}

func TestSetup_NotConnected(t *testing.T) {
	m := NewManager(zerolog.Nop(), config.StorageConfig{})
	assert.Error(t, m.Setup("drone-1"))
	assert.NoError(t, m.Close())
}

func TestPostgresDSN(t *testing.T) {
	dsn := postgresDSN(config.PostgresConfig{
		Host: "db", Port: "5433", Username: "pw", Password: "secret", Database: "history",
	})
	assert.Equal(t, "host=db port=5433 user=pw password=secret dbname=history sslmode=disable", dsn)

	dsn = postgresDSN(config.PostgresConfig{Host: "db", SSLMode: "require"})
	assert.Contains(t, dsn, "sslmode=require")
}
