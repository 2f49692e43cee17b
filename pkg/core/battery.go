// pkg/core/battery.go
package core

import "time"

// BatterySample is one accepted battery reading.
type BatterySample struct {
	Time  time.Time
	Level int
	Tier  string
}

// TierChange records the monitor crossing from one severity tier into another.
type TierChange struct {
	Time  time.Time
	Level int
	From  string
	To    string
}
