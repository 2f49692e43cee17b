package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/eaglewings/powerwatch/internal/config"
	"github.com/eaglewings/powerwatch/internal/database"
	"github.com/eaglewings/powerwatch/internal/dispatcher"
	"github.com/eaglewings/powerwatch/internal/handlers"
	"github.com/eaglewings/powerwatch/internal/locator"
	"github.com/eaglewings/powerwatch/internal/logging"
	"github.com/eaglewings/powerwatch/internal/marker"
	"github.com/eaglewings/powerwatch/internal/marker/remote"
	"github.com/eaglewings/powerwatch/internal/mirror"
	"github.com/eaglewings/powerwatch/internal/monitor"
	"github.com/eaglewings/powerwatch/internal/notify"
	intOtel "github.com/eaglewings/powerwatch/internal/otel"
	"github.com/eaglewings/powerwatch/internal/status"
	"github.com/eaglewings/powerwatch/internal/storage"
	"github.com/eaglewings/powerwatch/internal/vehicle"
	"github.com/eaglewings/powerwatch/internal/vehicle/camera"
	"github.com/eaglewings/powerwatch/internal/vehicle/mavlink"
	"github.com/eaglewings/powerwatch/internal/vehicle/sim"

	"github.com/spf13/viper"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

const shutdownTimeout = 10 * time.Second

// app owns every long-lived component of the process.
type app struct {
	sessionStart time.Time
	vehicleName  string
	logLevel     string

	slogManager *logging.SlogManager
	logger      *slog.Logger
	logFile     *os.File
	gelf        io.Closer
	otel        *intOtel.Provider

	store    atomic.Pointer[status.Store]
	vehicle  vehicle.Vehicle
	detector marker.Detector
	storage  *storage.Fanout
	database *database.Manager
	hub      *notify.Hub
	mirror   *mirror.Mirror

	locator    *locator.Locator
	monitor    *monitor.Service
	handlers   *handlers.Service
	dispatcher *dispatcher.Dispatcher
}

// initLogging loads config and sets up the session log, Graylog and OTel.
// Logging goes to stdout until the log file is open.
func initLogging(configDir string) *app {
	a := &app{sessionStart: time.Now(), slogManager: logging.NewSlogManager()}

	a.slogManager.Setup(nil, viper.GetString("logLevel"), nil)
	a.logger = a.slogManager.Logger()

	if err := config.Load(configDir); err != nil {
		a.logger.Warn("Failed to load config, using defaults!", "error", err)
	} else {
		a.logger.Info("Loaded config", "dir", configDir)
	}
	a.logLevel = viper.GetString("logLevel")
	a.vehicleName = viper.GetString("vehicleName")

	logsDir := viper.GetString("logsDir")
	f, err := logging.OpenLogFile(logsDir, appName, a.sessionStart)
	if err != nil {
		a.logger.Error("Failed to create/open log file!", "error", err)
	} else {
		a.logFile = f
		a.logger.Info("Begin logging in logs directory",
			"path", logging.LogFilePath(logsDir, appName, a.sessionStart))
	}

	otelCfg := config.GetOTelConfig()
	if otelCfg.Enabled {
		var w io.Writer
		if a.logFile != nil {
			w = a.logFile
		}
		a.otel, err = intOtel.New(intOtel.Config{
			Enabled:        true,
			ServiceName:    otelCfg.ServiceName,
			ServiceVersion: version,
			VehicleName:    a.vehicleName,
			BatchTimeout:   otelCfg.BatchTimeout,
			LogWriter:      w,
			Endpoint:       otelCfg.Endpoint,
			Insecure:       otelCfg.Insecure,
		})
		if err != nil {
			a.logger.Error("Failed to initialize OTel provider", "error", err)
			a.otel = nil
		} else {
			a.logger.Info("OTel provider initialized", "endpoint", otelCfg.Endpoint)
		}
	}

	var extra []slog.Handler
	if gl := config.GetGraylogConfig(); gl.Enabled {
		h, w, err := logging.NewGELFHandler(gl.Address, appName, a.logLevel)
		if err != nil {
			a.logger.Error("Failed to initialize Graylog handler", "error", err)
		} else {
			extra = append(extra, h)
			a.gelf = w
		}
	}

	var provider *sdklog.LoggerProvider
	if a.otel != nil {
		provider = a.otel.LoggerProvider()
	}
	a.slogManager.SetContextProvider(a.batteryAttrs)

	var file io.Writer
	if a.logFile != nil {
		file = a.logFile
	}
	a.slogManager.Setup(file, a.logLevel, provider, extra...)
	a.logger = a.slogManager.Logger()
	intOtel.RouteErrors(a.logger)

	a.logger.Info("Starting powerwatch", "version", version, "build", buildDate, "vehicle", a.vehicleName)
	return a
}

// batteryAttrs tags every log record with the last known battery state.
func (a *app) batteryAttrs() []slog.Attr {
	store := a.store.Load()
	if store == nil {
		return nil
	}
	m := store.Monitor()
	if !m.HasReading {
		return nil
	}
	return []slog.Attr{slog.String("tier", m.LastTier.String()), slog.Int("battery", m.LastLevel)}
}

// logOutput is where the zerolog-based components write.
func (a *app) logOutput() io.Writer {
	if a.logFile != nil {
		return a.logFile
	}
	return os.Stdout
}

// wire builds the store, the adapters and the services.
func (a *app) wire(ctx context.Context) error {
	settings := config.GetSettings()
	store, err := status.New(settings)
	if err != nil {
		return fmt.Errorf("invalid battery settings: %w", err)
	}
	a.store.Store(store)

	if err := a.initVehicle(settings); err != nil {
		return err
	}
	if err := a.initStorage(); err != nil {
		return err
	}
	a.initNotify()

	if redisCfg := config.GetRedisConfig(); redisCfg.Enabled {
		m, err := mirror.New(ctx, redisCfg, a.logger.With("component", "mirror"))
		if err != nil {
			a.logger.Error("Failed to connect status mirror", "error", err)
		} else {
			m.Attach(store)
			a.mirror = m
			a.logger.Info("Status mirror attached", "address", redisCfg.Address, "key", redisCfg.Key)
		}
	}

	a.locator, err = locator.New(locator.Dependencies{
		Vehicle:  a.vehicle,
		Detector: a.detector,
		Store:    store,
		Storage:  a.storage,
		Logger:   a.logger.With("component", "locator"),
		Tuning:   config.GetLocatorTuning(),
	})
	if err != nil {
		return err
	}

	a.monitor, err = monitor.NewService(monitor.Dependencies{
		Vehicle:  a.vehicle,
		Store:    store,
		Searcher: a.locator,
		Notifier: a.hub,
		Storage:  a.storage,
		Logger:   a.logger.With("component", "monitor"),
	})
	if err != nil {
		return err
	}

	a.handlers, err = handlers.NewService(handlers.Dependencies{
		Monitor: a.monitor,
		Locator: a.locator,
		Store:   store,
		Battery: a.vehicle,
		Hub:     a.hub,
		History: a.storage,
		Logger:  a.logger.With("component", "handlers"),
	})
	if err != nil {
		return err
	}

	zl := logging.NewZerolog(a.logOutput(), a.logLevel, "dispatcher")
	a.dispatcher, err = dispatcher.New(logging.NewDispatcherLogger(zl))
	if err != nil {
		return err
	}
	a.handlers.RegisterHandlers(a.dispatcher)
	a.logger.Info("Command handlers registered", "commands", a.dispatcher.Commands())
	return nil
}

func (a *app) initVehicle(settings config.Settings) error {
	vehicleCfg := config.GetVehicleConfig()
	detectorCfg := config.GetDetectorConfig()
	tuning := config.GetLocatorTuning()

	var simVehicle *sim.Vehicle
	switch vehicleCfg.Type {
	case "", "sim":
		simCfg := sim.DefaultConfig()
		simCfg.StartLevel = vehicleCfg.Sim.StartLevel
		simCfg.DrainPerRead = vehicleCfg.Sim.DrainPerRead
		simCfg.MarkerBearing = vehicleCfg.Sim.MarkerBearing
		simCfg.MarkerDistance = vehicleCfg.Sim.MarkerDistance
		simCfg.Latency = vehicleCfg.Sim.Latency
		simCfg.Drift = vehicleCfg.Sim.Drift
		simCfg.MarkerSize = settings.MarkerSize
		if tuning.CameraFOV > 0 {
			simCfg.FOV = tuning.CameraFOV
		}
		simVehicle = sim.New(simCfg)
		a.vehicle = simVehicle
		a.logger.Info("Simulated vehicle ready", "startLevel", simCfg.StartLevel)

	case "mavlink":
		cam := camera.New(vehicleCfg.Camera.URL, vehicleCfg.Camera.Timeout)
		v, err := mavlink.New(mavlink.Config{
			Address:          vehicleCfg.MAVLink.Address,
			SystemID:         vehicleCfg.MAVLink.SystemID,
			ComponentID:      vehicleCfg.MAVLink.ComponentID,
			HeartbeatTimeout: vehicleCfg.MAVLink.HeartbeatTimeout,
		}, cam, a.logger.With("component", "mavlink"))
		if err != nil {
			return fmt.Errorf("failed to open MAVLink endpoint: %w", err)
		}
		a.vehicle = v
		a.logger.Info("MAVLink vehicle ready", "address", vehicleCfg.MAVLink.Address)

	default:
		return fmt.Errorf("unknown vehicle type: %s", vehicleCfg.Type)
	}

	switch detectorCfg.Type {
	case "", "sim":
		if simVehicle == nil {
			return errors.New("the sim detector needs the sim vehicle")
		}
		a.detector = simVehicle.Detector()

	case "remote":
		if simVehicle != nil {
			return errors.New("the remote detector needs camera frames, the sim vehicle only produces synthetic ones")
		}
		d, err := remote.New(remote.Config{
			URL:        detectorCfg.URL,
			Secret:     detectorCfg.Secret,
			Timeout:    detectorCfg.Timeout,
			Dictionary: settings.MarkerDictionary,
			MarkerSize: settings.MarkerSize,
		}, a.logger.With("component", "detector"))
		if err != nil {
			return fmt.Errorf("failed to connect marker detector: %w", err)
		}
		a.detector = d
		a.logger.Info("Remote marker detector connected", "url", detectorCfg.URL)

	default:
		return fmt.Errorf("unknown detector type: %s", detectorCfg.Type)
	}
	return nil
}

// initNotify attaches the log sink and every enabled broker sink. A broker
// that cannot be reached is logged and skipped.
func (a *app) initNotify() {
	a.hub = notify.NewHub(a.logger.With("component", "notify"),
		notify.LogSink{Logger: a.logger.With("component", "alerts")})

	cfg := config.GetNotifyConfig()
	if cfg.MQTT.Enabled {
		s, err := notify.NewMQTTSink(notify.MQTTConfig{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Topic:    cfg.MQTT.Topic,
		}, a.logger)
		a.addSink(s, err)
	}
	if cfg.NATS.Enabled {
		s, err := notify.NewNATSSink(cfg.NATS.URL, cfg.NATS.Subject, a.logger)
		a.addSink(s, err)
	}
	if cfg.Kafka.Enabled {
		s, err := notify.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		a.addSink(s, err)
	}
}

func (a *app) addSink(s notify.Sink, err error) {
	if err != nil {
		a.logger.Error("Failed to initialize notification sink", "error", err)
		return
	}
	a.hub.AddSink(s)
	a.logger.Info("Notification sink attached", "sink", s.Name())
}

// shutdown stops the services and releases connections in reverse order.
func (a *app) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if a.monitor != nil {
		a.monitor.Stop()
		if a.locator.Abort() {
			a.logger.Info("Aborted running charging spot search")
		}
		a.monitor.WaitSearches()
	}
	if a.dispatcher != nil {
		a.dispatcher.Close()
	}
	if a.hub != nil {
		a.closeLogged("notifications", a.hub)
	}
	if a.mirror != nil {
		a.closeLogged("status mirror", a.mirror)
	}
	if a.storage != nil {
		a.closeLogged("storage", a.storage)
	}
	if a.database != nil {
		a.closeLogged("database", a.database)
	}
	if c, ok := a.detector.(io.Closer); ok {
		a.closeLogged("detector", c)
	}
	if c, ok := a.vehicle.(vehicle.Closer); ok {
		a.closeLogged("vehicle", c)
	}

	a.logger.Info("Shutdown complete")
	if err := a.slogManager.Flush(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "flushing logs: %v\n", err)
	}
	if a.otel != nil {
		if err := a.otel.Shutdown(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "stopping OTel: %v\n", err)
		}
	}
	if a.gelf != nil {
		a.gelf.Close()
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
}

func (a *app) closeLogged(what string, c io.Closer) {
	if err := c.Close(); err != nil {
		a.logger.Warn("Failed to close "+what, "error", err)
	}
}
