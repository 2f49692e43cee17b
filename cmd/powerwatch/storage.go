package main

import (
	"fmt"

	"github.com/eaglewings/powerwatch/internal/config"
	"github.com/eaglewings/powerwatch/internal/database"
	"github.com/eaglewings/powerwatch/internal/influx"
	"github.com/eaglewings/powerwatch/internal/logging"
	"github.com/eaglewings/powerwatch/internal/storage"
	"github.com/eaglewings/powerwatch/internal/storage/gormstore"
	"github.com/eaglewings/powerwatch/internal/storage/memory"
)

// initStorage builds the configured history backend plus the optional
// InfluxDB mirror and combines them into one fan-out.
func (a *app) initStorage() error {
	storageCfg := config.GetStorageConfig()

	primary, err := a.createStorageBackend(storageCfg)
	if err != nil {
		return err
	}
	backends := []storage.Backend{primary}

	if influxCfg := config.GetInfluxConfig(); influxCfg.Enabled {
		zl := logging.NewZerolog(a.logOutput(), a.logLevel, "influx")
		backends = append(backends, influx.NewManager(zl, influxCfg, a.vehicleName))
		a.logger.Info("InfluxDB storage mirror enabled", "url", influxCfg.URL)
	}

	fanout := storage.NewFanout(backends...)
	if err := fanout.Init(); err != nil {
		fanout.Close()
		return fmt.Errorf("failed to initialize storage backend: %w", err)
	}
	a.storage = fanout
	return nil
}

func (a *app) createStorageBackend(storageCfg config.StorageConfig) (storage.Backend, error) {
	switch storageCfg.Type {
	case "postgres", "sqlite":
		zl := logging.NewZerolog(a.logOutput(), a.logLevel, "database")
		db := database.NewManager(zl, storageCfg)
		if err := db.Open(); err != nil {
			return nil, fmt.Errorf("failed to connect %s storage: %w", storageCfg.Type, err)
		}
		if err := db.Setup(a.vehicleName); err != nil {
			db.Close()
			return nil, err
		}
		a.database = db

		a.logger.Info("Database storage backend initialized",
			"type", storageCfg.Type, "local", db.Local())
		return gormstore.New(gormstore.Dependencies{
			DB:          db.DB,
			VehicleName: a.vehicleName,
			Logger:      a.logger.With("component", "gormstore"),
		}), nil

	case "", "memory":
		a.logger.Info("Memory storage backend initialized")
		return memory.New(0), nil

	default:
		return nil, fmt.Errorf("unknown storage type: %s", storageCfg.Type)
	}
}
