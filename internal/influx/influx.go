// Package influx writes battery telemetry and search outcomes to InfluxDB as
// a storage backend. When the server is unreachable, points are appended
// to a gzip line-protocol backup file instead.
package influx

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxdb2_api "github.com/influxdata/influxdb-client-go/v2/api"
	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/influxdata/influxdb-client-go/v2/domain"
	"github.com/rs/zerolog"

	"github.com/eaglewings/powerwatch/internal/config"
	"github.com/eaglewings/powerwatch/pkg/core"
)

const (
	BucketBattery  = "battery"
	BucketSearches = "searches"

	connectTimeout = 5 * time.Second
	retentionDays  = 90
)

// DefaultBucketNames are the buckets created on connect.
var DefaultBucketNames = []string{BucketBattery, BucketSearches}

// Manager handles InfluxDB connections and writes.
type Manager struct {
	Client       influxdb2.Client
	Writers      map[string]influxdb2_api.WriteAPI
	BackupWriter *gzip.Writer
	IsValid      bool
	BucketNames  []string
	Logger       zerolog.Logger

	cfg         config.InfluxConfig
	vehicleName string
	backupFile  io.Closer
	mu          sync.Mutex
}

// NewManager creates a new InfluxDB manager.
func NewManager(log zerolog.Logger, cfg config.InfluxConfig, vehicleName string) *Manager {
	return &Manager{
		Writers:     make(map[string]influxdb2_api.WriteAPI),
		BucketNames: DefaultBucketNames,
		Logger:      log,
		cfg:         cfg,
		vehicleName: vehicleName,
	}
}

// Init connects to InfluxDB.
func (m *Manager) Init() error {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	return m.Connect(ctx)
}

// Connect establishes a connection to InfluxDB, or opens the backup file
// when the server does not answer.
func (m *Manager) Connect(ctx context.Context) error {
	if !m.cfg.Enabled {
		return errors.New("influx.enabled is false")
	}

	m.Client = influxdb2.NewClientWithOptions(
		m.cfg.URL,
		m.cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(500).
			SetFlushInterval(1000),
	)

	// validate client connection health
	running, err := m.Client.Ping(ctx)
	if err != nil || !running {
		m.IsValid = false
		if m.BackupWriter == nil {
			m.Logger.Info().Str("backupPath", m.cfg.BackupPath).
				Msg("Failed to initialize InfluxDB client, writing to backup file")

			file, err := os.OpenFile(m.cfg.BackupPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
			if err != nil {
				return fmt.Errorf("error creating backup file: %w", err)
			}
			m.backupFile = file
			m.BackupWriter = gzip.NewWriter(file)
		}
		m.Logger.Warn().Msg("InfluxDB client failed to initialize, using backup writer")
		return nil
	}

	m.IsValid = true
	if err := m.setupOrganizationAndBuckets(ctx); err != nil {
		return err
	}
	m.CreateWriters()
	m.Logger.Info().Str("url", m.cfg.URL).Msg("InfluxDB client initialized")
	return nil
}

func (m *Manager) setupOrganizationAndBuckets(ctx context.Context) error {
	orgName := m.cfg.Org

	// ensure org exists
	influxOrg, err := m.Client.OrganizationsAPI().FindOrganizationByName(ctx, orgName)
	if err != nil {
		m.Logger.Info().Str("org", orgName).Msg("Organization not found, creating")
		influxOrg, err = m.Client.OrganizationsAPI().CreateOrganizationWithName(ctx, orgName)
		if err != nil {
			m.Logger.Error().Err(err).Str("org", orgName).Msg("Error creating organization")
			return err
		}
	}

	for _, bucket := range m.BucketNames {
		if _, err := m.Client.BucketsAPI().FindBucketByName(ctx, bucket); err == nil {
			continue
		}
		m.Logger.Info().Str("bucket", bucket).Msg("Bucket not found, creating")

		rule := domain.RetentionRuleTypeExpire
		_, err = m.Client.BucketsAPI().CreateBucketWithName(ctx, influxOrg, bucket, domain.RetentionRule{
			Type:         &rule,
			EverySeconds: 60 * 60 * 24 * retentionDays,
		})
		if err != nil {
			m.Logger.Error().Err(err).Str("bucket", bucket).Msg("Error creating bucket")
			return err
		}
	}

	return nil
}

// CreateWriters creates write APIs for all configured buckets.
func (m *Manager) CreateWriters() {
	for _, bucket := range m.BucketNames {
		m.Writers[bucket] = m.Client.WriteAPI(m.cfg.Org, bucket)

		errorsCh := m.Writers[bucket].Errors()
		go func(bucketName string, errorsCh <-chan error) {
			for writeErr := range errorsCh {
				m.Logger.Error().Err(writeErr).Str("bucket", bucketName).
					Msg("Error sending data to InfluxDB")
			}
		}(bucket, errorsCh)
	}

	m.Logger.Debug().Msg("InfluxDB writers initialized")
}

// WritePoint writes a point to InfluxDB or backup file.
func (m *Manager) WritePoint(bucket string, point *influxdb2_write.Point) error {
	if m.IsValid {
		w, ok := m.Writers[bucket]
		if !ok {
			return fmt.Errorf("influxDB bucket '%s' not registered", bucket)
		}
		w.WritePoint(point)
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.BackupWriter == nil {
		return fmt.Errorf("influxDB client not initialized and backup writer not available")
	}

	lineProtocol := influxdb2_write.PointToLineProtocol(point, time.Nanosecond)
	lineProtocol = strings.TrimSuffix(lineProtocol, "\n") + "\n"
	if _, err := m.BackupWriter.Write([]byte(lineProtocol)); err != nil {
		return fmt.Errorf("error writing to InfluxDB backup file: %w", err)
	}
	return nil
}

// Close flushes pending writes and closes the client or backup file.
func (m *Manager) Close() error {
	for _, w := range m.Writers {
		w.Flush()
	}
	if m.Client != nil {
		m.Client.Close()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	if m.BackupWriter != nil {
		errs = append(errs, m.BackupWriter.Close())
		m.BackupWriter = nil
	}
	if m.backupFile != nil {
		errs = append(errs, m.backupFile.Close())
		m.backupFile = nil
	}
	return errors.Join(errs...)
}

// RecordBatterySample implements storage.Backend.
func (m *Manager) RecordBatterySample(s *core.BatterySample) error {
	return m.WritePoint(BucketBattery, BatteryPoint(*s, m.vehicleName))
}

// RecordTierChange implements storage.Backend.
func (m *Manager) RecordTierChange(c *core.TierChange) error {
	return m.WritePoint(BucketBattery, TierChangePoint(*c, m.vehicleName))
}

// RecordSearch implements storage.Backend.
func (m *Manager) RecordSearch(r *core.SearchReport) error {
	return m.WritePoint(BucketSearches, SearchPoint(*r, m.vehicleName))
}

// BatteryPoint builds the battery_level measurement.
func BatteryPoint(s core.BatterySample, vehicle string) *influxdb2_write.Point {
	return influxdb2.NewPoint("battery_level",
		map[string]string{"vehicle": vehicle, "tier": s.Tier},
		map[string]any{"level": s.Level},
		s.Time,
	)
}

// TierChangePoint builds the tier_change measurement.
func TierChangePoint(c core.TierChange, vehicle string) *influxdb2_write.Point {
	return influxdb2.NewPoint("tier_change",
		map[string]string{"vehicle": vehicle, "from": c.From, "to": c.To},
		map[string]any{"level": c.Level},
		c.Time,
	)
}

// SearchPoint builds the charging_search measurement.
func SearchPoint(r core.SearchReport, vehicle string) *influxdb2_write.Point {
	p := influxdb2.NewPoint("charging_search",
		map[string]string{
			"vehicle": vehicle,
			"trigger": string(r.Trigger),
			"outcome": string(r.Outcome),
		},
		map[string]any{
			"elapsed_ms": r.Elapsed.Milliseconds(),
			"rotations":  r.Rotations,
			"moves":      r.Moves,
			"search_id":  r.ID.String(),
		},
		r.Started,
	)
	if r.Marker != nil {
		p.AddField("marker_id", r.Marker.MarkerID)
		p.AddField("marker_distance", r.Marker.Distance)
	}
	return p
}
