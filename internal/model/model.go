package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

////////////////////////
// DATABASE STRUCTURES //
////////////////////////

// DatabaseModels is a list of all the structs exported here which represent tables in the database schema
var DatabaseModels = []any{
	&PowerwatchInfo{},
	&BatterySample{},
	&TierChange{},
	&SearchReport{},
}

// SchemaVersion is stored in PowerwatchInfo and bumped on incompatible changes.
const SchemaVersion = 1

////////////////////////
// SYSTEM MODELS
////////////////////////

// PowerwatchInfo identifies the vehicle a database belongs to
type PowerwatchInfo struct {
	gorm.Model
	VehicleName   string `json:"vehicleName" gorm:"size:127"`
	SchemaVersion int    `json:"schemaVersion"`
}

func (*PowerwatchInfo) TableName() string {
	return "powerwatch_infos"
}

////////////////////////
// TELEMETRY
////////////////////////

// BatterySample is one accepted battery reading
type BatterySample struct {
	ID          uint      `json:"id" gorm:"primarykey;autoIncrement"`
	Time        time.Time `json:"time" gorm:"index:idx_battery_sample_time"`
	VehicleName string    `json:"vehicleName" gorm:"size:127;index:idx_battery_sample_vehicle"`
	Level       int       `json:"level"`
	Tier        string    `json:"tier" gorm:"size:16"`
}

func (*BatterySample) TableName() string {
	return "battery_samples"
}

// TierChange is a crossing between battery tiers
type TierChange struct {
	ID          uint      `json:"id" gorm:"primarykey;autoIncrement"`
	Time        time.Time `json:"time" gorm:"index:idx_tier_change_time"`
	VehicleName string    `json:"vehicleName" gorm:"size:127"`
	Level       int       `json:"level"`
	FromTier    string    `json:"fromTier" gorm:"size:16"`
	ToTier      string    `json:"toTier" gorm:"size:16"`
}

func (*TierChange) TableName() string {
	return "tier_changes"
}

////////////////////////
// SEARCHES
////////////////////////

// SearchReport summarizes one charging spot search
type SearchReport struct {
	ID          uuid.UUID      `json:"id" gorm:"size:36;primaryKey"`
	VehicleName string         `json:"vehicleName" gorm:"size:127"`
	Trigger     string         `json:"trigger" gorm:"size:16"`
	Started     time.Time      `json:"started" gorm:"index:idx_search_report_started"`
	ElapsedMs   int64          `json:"elapsedMs"`
	Outcome     string         `json:"outcome" gorm:"size:32;index:idx_search_report_outcome"`
	Phase       string         `json:"phase" gorm:"size:16"`
	Marker      datatypes.JSON `json:"marker"`
	Rotations   int            `json:"rotations"`
	Moves       int            `json:"moves"`
	Error       string         `json:"error" gorm:"size:512"`
}

func (*SearchReport) TableName() string {
	return "search_reports"
}
