// Package database opens the gorm connection used by the sqlite and
// postgres history backends.
package database

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/eaglewings/powerwatch/internal/config"
	"github.com/eaglewings/powerwatch/internal/model"
)

const (
	memoryDSN    = "file::memory:?cache=shared"
	maxOpenConns = 10
)

// sqlitePragmas tune the local file for a single writer with short bursts.
var sqlitePragmas = []string{
	"PRAGMA journal_mode = WAL;",
	"PRAGMA synchronous = NORMAL;",
	"PRAGMA busy_timeout = 5000;",
	"PRAGMA temp_store = MEMORY;",
}

// Manager owns the connection pool.
type Manager struct {
	DB *gorm.DB

	cfg    config.StorageConfig
	sqlDB  *sql.DB
	local  bool
	logger zerolog.Logger
}

// NewManager prepares a manager for cfg. Nothing is opened until Open.
func NewManager(log zerolog.Logger, cfg config.StorageConfig) *Manager {
	return &Manager{cfg: cfg, logger: log}
}

// Open connects the configured database. When postgres cannot be reached the
// manager falls back to the sqlite file so history is still kept.
func (m *Manager) Open() error {
	switch m.cfg.Type {
	case "postgres":
		err := m.openPostgres()
		if err == nil {
			return nil
		}
		m.logger.Error().Err(err).Msg("Postgres unreachable, falling back to local SQLite")
		fallthrough
	case "sqlite":
		return m.openSQLite()
	default:
		return fmt.Errorf("storage type %q has no database", m.cfg.Type)
	}
}

// Local reports whether history lives in the sqlite file.
func (m *Manager) Local() bool {
	return m.local
}

func (m *Manager) openPostgres() error {
	pg := m.cfg.Postgres
	m.logger.Debug().Str("host", pg.Host).Str("database", pg.Database).Msg("Connecting to Postgres")

	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN:                  postgresDSN(pg),
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		SkipDefaultTransaction: true,
		CreateBatchSize:        1000,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}
	if err := m.attach(db); err != nil {
		return err
	}
	m.sqlDB.SetMaxOpenConns(maxOpenConns)
	m.logger.Info().Str("host", pg.Host).Msg("Connected to Postgres")
	return nil
}

func (m *Manager) openSQLite() error {
	path := m.cfg.SQLite.Path
	dsn := path
	if dsn == "" {
		dsn = memoryDSN
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		PrepareStmt:            true,
		SkipDefaultTransaction: true,
		CreateBatchSize:        500,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return fmt.Errorf("opening sqlite %q: %w", dsn, err)
	}
	pragmas := append([]string{fmt.Sprintf("PRAGMA user_version = %d;", model.SchemaVersion)}, sqlitePragmas...)
	for _, pragma := range pragmas {
		if err := db.Exec(pragma).Error; err != nil {
			return fmt.Errorf("setting %q: %w", pragma, err)
		}
	}
	if err := m.attach(db); err != nil {
		return err
	}

	m.local = true
	m.logger.Info().Str("path", path).Bool("inMemory", path == "").Msg("Using local SQLite")
	return nil
}

func (m *Manager) attach(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("sql interface: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return fmt.Errorf("ping: %w", err)
	}
	m.DB, m.sqlDB = db, sqlDB
	return nil
}

// Setup migrates the history tables and records which vehicle owns the
// database. It is safe to run on every start.
func (m *Manager) Setup(vehicleName string) error {
	if m.DB == nil {
		return errors.New("database not connected")
	}

	if err := m.DB.AutoMigrate(model.DatabaseModels...); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	var info model.PowerwatchInfo
	err := m.DB.Where(model.PowerwatchInfo{VehicleName: vehicleName}).
		Attrs(model.PowerwatchInfo{SchemaVersion: model.SchemaVersion}).
		FirstOrCreate(&info).Error
	if err != nil {
		return fmt.Errorf("failed to create powerwatch_info entry: %w", err)
	}

	m.logger.Info().Str("vehicle", vehicleName).Int("schema", info.SchemaVersion).Msg("Database ready")
	return nil
}

// Close releases the pool.
func (m *Manager) Close() error {
	if m.sqlDB == nil {
		return nil
	}
	err := m.sqlDB.Close()
	m.sqlDB, m.DB = nil, nil
	return err
}

func postgresDSN(pg config.PostgresConfig) string {
	sslMode := pg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		pg.Host, pg.Port, pg.Username, pg.Password, pg.Database, sslMode)
}
