package config

import (
	"fmt"
	"time"

	"github.com/eaglewings/powerwatch/internal/battery"
	"github.com/spf13/viper"
)

// FileName is the config file looked up in the config directory.
const FileName = "powerwatch.cfg.json"

// LocatorTuning holds search parameters that are not part of the live Settings.
type LocatorTuning struct {
	SweepStep     float64       // degrees rotated per search increment
	ApproachStep  float64       // metres, largest single move while approaching
	MaxLostFrames int           // consecutive misses before falling back to rotating
	MaxSweeps     int           // full revolutions without a marker before giving up, 0 = until timeout
	CameraFOV     float64       // horizontal field of view in degrees
	SettleDelay   time.Duration // pause after each motion command
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Type     string // memory, sqlite or postgres
	SQLite   SQLiteConfig
	Postgres PostgresConfig
}

// SQLiteConfig holds sqlite backend settings.
type SQLiteConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// PostgresConfig holds the postgres connection settings.
type PostgresConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	Database string
	SSLMode  string
}

// OTelConfig holds OpenTelemetry settings.
type OTelConfig struct {
	Enabled      bool
	ServiceName  string
	BatchTimeout time.Duration
	Endpoint     string
	Insecure     bool
}

// InfluxConfig holds InfluxDB settings.
type InfluxConfig struct {
	Enabled    bool
	URL        string
	Token      string
	Org        string
	BackupPath string
}

// NotifyConfig holds the notification sink settings.
type NotifyConfig struct {
	MQTT  MQTTConfig
	NATS  NATSConfig
	Kafka KafkaConfig
}

// MQTTConfig configures the MQTT notification sink.
type MQTTConfig struct {
	Enabled  bool
	Broker   string
	ClientID string
	Topic    string
}

// NATSConfig configures the NATS notification sink.
type NATSConfig struct {
	Enabled bool
	URL     string
	Subject string
}

// KafkaConfig configures the Kafka notification sink.
type KafkaConfig struct {
	Enabled bool
	Brokers []string
	Topic   string
}

// VehicleConfig selects the vehicle adapter.
type VehicleConfig struct {
	Type    string // sim or mavlink
	MAVLink MAVLinkConfig
	Camera  CameraConfig
	Sim     SimConfig
}

// MAVLinkConfig configures the MAVLink vehicle adapter.
type MAVLinkConfig struct {
	Address          string
	SystemID         int
	ComponentID      int
	HeartbeatTimeout time.Duration
}

// CameraConfig configures the snapshot camera used with MAVLink vehicles.
type CameraConfig struct {
	URL     string
	Timeout time.Duration
}

// SimConfig configures the simulated vehicle.
type SimConfig struct {
	StartLevel     int
	DrainPerRead   float64
	MarkerBearing  float64
	MarkerDistance float64
	Latency        time.Duration
	// Drift is a crosswind push to the right, in metres per move.
	Drift float64
}

// DetectorConfig selects the marker detector.
type DetectorConfig struct {
	Type    string // sim or remote
	URL     string
	Secret  string
	Timeout time.Duration
}

// RedisConfig configures the status mirror.
type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	Key      string
	TTL      time.Duration
}

// GraylogConfig configures the GELF log sink.
type GraylogConfig struct {
	Enabled bool
	Address string
}

// Load reads configuration from JSON file and sets default values.
// configDir is the directory containing the config file.
func Load(configDir string) error {
	setDefaults()

	viper.SetConfigName(FileName)
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	err := viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}

	return nil
}

func setDefaults() {
	def := DefaultSettings()

	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "./logs")
	viper.SetDefault("vehicleName", "eaglewings")

	viper.SetDefault("battery.warningThreshold", def.Thresholds.Warning)
	viper.SetDefault("battery.criticalThreshold", def.Thresholds.Critical)
	viper.SetDefault("battery.chargingThreshold", def.Thresholds.Charging)
	viper.SetDefault("battery.checkInterval", def.CheckInterval.String())

	viper.SetDefault("locator.searchTimeout", def.SearchTimeout.String())
	viper.SetDefault("locator.approachDistance", def.ApproachDistance)
	viper.SetDefault("locator.markerSize", def.MarkerSize)
	viper.SetDefault("locator.markerDictionary", def.MarkerDictionary)
	viper.SetDefault("locator.sweepStep", 30.0)
	viper.SetDefault("locator.approachStep", 0.5)
	viper.SetDefault("locator.maxLostFrames", 3)
	viper.SetDefault("locator.maxSweeps", 0)
	viper.SetDefault("locator.cameraFov", 82.6)
	viper.SetDefault("locator.settleDelay", "0s")

	viper.SetDefault("vehicle.type", "sim")
	viper.SetDefault("vehicle.mavlink.address", "0.0.0.0:14550")
	viper.SetDefault("vehicle.mavlink.systemId", 1)
	viper.SetDefault("vehicle.mavlink.componentId", 1)
	viper.SetDefault("vehicle.mavlink.heartbeatTimeout", "3s")
	viper.SetDefault("vehicle.camera.url", "")
	viper.SetDefault("vehicle.camera.timeout", "2s")
	viper.SetDefault("vehicle.sim.startLevel", 100)
	viper.SetDefault("vehicle.sim.drainPerRead", 1.0)
	viper.SetDefault("vehicle.sim.markerBearing", 120.0)
	viper.SetDefault("vehicle.sim.markerDistance", 2.0)
	viper.SetDefault("vehicle.sim.latency", "100ms")
	viper.SetDefault("vehicle.sim.drift", 0.0)

	viper.SetDefault("detector.type", "sim")
	viper.SetDefault("detector.url", "ws://localhost:8765/detect")
	viper.SetDefault("detector.secret", "")
	viper.SetDefault("detector.timeout", "2s")

	viper.SetDefault("storage.type", "memory")
	viper.SetDefault("storage.sqlite.path", "./powerwatch.db")

	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", "5432")
	viper.SetDefault("db.username", "postgres")
	viper.SetDefault("db.password", "postgres")
	viper.SetDefault("db.database", "powerwatch")
	viper.SetDefault("db.sslMode", "disable")

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.url", "http://localhost:8086")
	viper.SetDefault("influx.token", "")
	viper.SetDefault("influx.org", "eaglewings")
	viper.SetDefault("influx.backupPath", "./influx_backup.lp.gz")

	viper.SetDefault("notify.mqtt.enabled", false)
	viper.SetDefault("notify.mqtt.broker", "tcp://localhost:1883")
	viper.SetDefault("notify.mqtt.clientId", "powerwatch")
	viper.SetDefault("notify.mqtt.topic", "eaglewings/battery")
	viper.SetDefault("notify.nats.enabled", false)
	viper.SetDefault("notify.nats.url", "nats://localhost:4222")
	viper.SetDefault("notify.nats.subject", "eaglewings.battery")
	viper.SetDefault("notify.kafka.enabled", false)
	viper.SetDefault("notify.kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("notify.kafka.topic", "eaglewings.battery")

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.address", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.key", "powerwatch:status")
	viper.SetDefault("redis.ttl", "1m")

	viper.SetDefault("graylog.enabled", false)
	viper.SetDefault("graylog.address", "localhost:12201")

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.serviceName", "powerwatch")
	viper.SetDefault("otel.batchTimeout", "5s")
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.insecure", true)
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt returns an int config value.
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	return viper.GetBool(key)
}

// GetSettings builds the initial runtime settings. The result is not validated.
func GetSettings() Settings {
	return Settings{
		Thresholds: battery.Thresholds{
			Warning:  viper.GetInt("battery.warningThreshold"),
			Critical: viper.GetInt("battery.criticalThreshold"),
			Charging: viper.GetInt("battery.chargingThreshold"),
		},
		CheckInterval:    viper.GetDuration("battery.checkInterval"),
		SearchTimeout:    viper.GetDuration("locator.searchTimeout"),
		ApproachDistance: viper.GetFloat64("locator.approachDistance"),
		MarkerSize:       viper.GetFloat64("locator.markerSize"),
		MarkerDictionary: viper.GetString("locator.markerDictionary"),
	}
}

// GetLocatorTuning returns the search tuning parameters.
func GetLocatorTuning() LocatorTuning {
	return LocatorTuning{
		SweepStep:     viper.GetFloat64("locator.sweepStep"),
		ApproachStep:  viper.GetFloat64("locator.approachStep"),
		MaxLostFrames: viper.GetInt("locator.maxLostFrames"),
		MaxSweeps:     viper.GetInt("locator.maxSweeps"),
		CameraFOV:     viper.GetFloat64("locator.cameraFov"),
		SettleDelay:   viper.GetDuration("locator.settleDelay"),
	}
}

// GetStorageConfig returns the storage backend configuration.
func GetStorageConfig() StorageConfig {
	return StorageConfig{
		Type: viper.GetString("storage.type"),
		SQLite: SQLiteConfig{
			Path: viper.GetString("storage.sqlite.path"),
		},
		Postgres: PostgresConfig{
			Host:     viper.GetString("db.host"),
			Port:     viper.GetString("db.port"),
			Username: viper.GetString("db.username"),
			Password: viper.GetString("db.password"),
			Database: viper.GetString("db.database"),
			SSLMode:  viper.GetString("db.sslMode"),
		},
	}
}

// GetOTelConfig returns the OpenTelemetry configuration.
func GetOTelConfig() OTelConfig {
	return OTelConfig{
		Enabled:      viper.GetBool("otel.enabled"),
		ServiceName:  viper.GetString("otel.serviceName"),
		BatchTimeout: viper.GetDuration("otel.batchTimeout"),
		Endpoint:     viper.GetString("otel.endpoint"),
		Insecure:     viper.GetBool("otel.insecure"),
	}
}

// GetInfluxConfig returns the InfluxDB configuration.
func GetInfluxConfig() InfluxConfig {
	return InfluxConfig{
		Enabled:    viper.GetBool("influx.enabled"),
		URL:        viper.GetString("influx.url"),
		Token:      viper.GetString("influx.token"),
		Org:        viper.GetString("influx.org"),
		BackupPath: viper.GetString("influx.backupPath"),
	}
}

// GetNotifyConfig returns the notification sink configuration.
func GetNotifyConfig() NotifyConfig {
	return NotifyConfig{
		MQTT: MQTTConfig{
			Enabled:  viper.GetBool("notify.mqtt.enabled"),
			Broker:   viper.GetString("notify.mqtt.broker"),
			ClientID: viper.GetString("notify.mqtt.clientId"),
			Topic:    viper.GetString("notify.mqtt.topic"),
		},
		NATS: NATSConfig{
			Enabled: viper.GetBool("notify.nats.enabled"),
			URL:     viper.GetString("notify.nats.url"),
			Subject: viper.GetString("notify.nats.subject"),
		},
		Kafka: KafkaConfig{
			Enabled: viper.GetBool("notify.kafka.enabled"),
			Brokers: viper.GetStringSlice("notify.kafka.brokers"),
			Topic:   viper.GetString("notify.kafka.topic"),
		},
	}
}

// GetVehicleConfig returns the vehicle adapter configuration.
func GetVehicleConfig() VehicleConfig {
	return VehicleConfig{
		Type: viper.GetString("vehicle.type"),
		MAVLink: MAVLinkConfig{
			Address:          viper.GetString("vehicle.mavlink.address"),
			SystemID:         viper.GetInt("vehicle.mavlink.systemId"),
			ComponentID:      viper.GetInt("vehicle.mavlink.componentId"),
			HeartbeatTimeout: viper.GetDuration("vehicle.mavlink.heartbeatTimeout"),
		},
		Camera: CameraConfig{
			URL:     viper.GetString("vehicle.camera.url"),
			Timeout: viper.GetDuration("vehicle.camera.timeout"),
		},
		Sim: SimConfig{
			StartLevel:     viper.GetInt("vehicle.sim.startLevel"),
			DrainPerRead:   viper.GetFloat64("vehicle.sim.drainPerRead"),
			MarkerBearing:  viper.GetFloat64("vehicle.sim.markerBearing"),
			MarkerDistance: viper.GetFloat64("vehicle.sim.markerDistance"),
			Latency:        viper.GetDuration("vehicle.sim.latency"),
			Drift:          viper.GetFloat64("vehicle.sim.drift"),
		},
	}
}

// GetDetectorConfig returns the marker detector configuration.
func GetDetectorConfig() DetectorConfig {
	return DetectorConfig{
		Type:    viper.GetString("detector.type"),
		URL:     viper.GetString("detector.url"),
		Secret:  viper.GetString("detector.secret"),
		Timeout: viper.GetDuration("detector.timeout"),
	}
}

// GetRedisConfig returns the status mirror configuration.
func GetRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:  viper.GetBool("redis.enabled"),
		Address:  viper.GetString("redis.address"),
		Password: viper.GetString("redis.password"),
		DB:       viper.GetInt("redis.db"),
		Key:      viper.GetString("redis.key"),
		TTL:      viper.GetDuration("redis.ttl"),
	}
}

// GetGraylogConfig returns the GELF sink configuration.
func GetGraylogConfig() GraylogConfig {
	return GraylogConfig{
		Enabled: viper.GetBool("graylog.enabled"),
		Address: viper.GetString("graylog.address"),
	}
}
