// Package vehicle defines the telemetry and motion port of the aircraft.
package vehicle

import (
	"context"
	"errors"
	"time"
)

// ErrDeviceUnavailable is wrapped by every adapter when the vehicle or its camera cannot be reached.
var ErrDeviceUnavailable = errors.New("device unavailable")

// Frame is a single camera image. Only dimensions are required by consumers;
// Data carries the encoded image for detectors that need it.
type Frame struct {
	Seq       uint64
	Width     int
	Height    int
	Format    string // e.g. "jpeg"
	Data      []byte
	Timestamp time.Time
}

// Vector is a body-frame displacement in metres. Forward is along the camera
// axis, Right is to the vehicle's right, Up is positive upward.
type Vector struct {
	Forward float64
	Right   float64
	Up      float64
}

// Vehicle is the port the monitor and locator drive.
type Vehicle interface {
	ReadBatteryPercent(ctx context.Context) (int, error)
	ReadFrame(ctx context.Context) (Frame, error)
	// Rotate turns the vehicle in place, positive is clockwise seen from above.
	Rotate(ctx context.Context, degrees float64) error
	Move(ctx context.Context, v Vector) error
	Land(ctx context.Context) error
}

// Halter is implemented by vehicles that can cancel in-flight motion.
type Halter interface {
	Halt(ctx context.Context) error
}

// Camera supplies frames to adapters whose flight controller has no imaging path.
type Camera interface {
	Capture(ctx context.Context) (Frame, error)
}

// Closer is implemented by adapters holding connections.
type Closer interface {
	Close() error
}
