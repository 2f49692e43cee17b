// Package sim provides an in-process vehicle with a synthetic camera and
// marker detector. It backs the simulation mode and the package tests.
package sim

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/eaglewings/powerwatch/internal/marker"
	"github.com/eaglewings/powerwatch/internal/vehicle"
)

// Config describes the simulated world.
type Config struct {
	StartLevel   int
	DrainPerRead float64 // percent lost per battery read
	// MarkerBearing and MarkerDistance place the charging pad relative to the
	// start pose, bearing in degrees clockwise from the initial heading.
	MarkerBearing  float64
	MarkerDistance float64
	MarkerSize     float64
	MarkerID       int
	NoMarker       bool
	FrameWidth     int
	FrameHeight    int
	FOV            float64
	Latency        time.Duration // applied to every port call
	// Drift pushes the vehicle to the right of its heading by this many
	// metres on every move, like a steady crosswind.
	Drift float64
}

// DefaultConfig returns a world with the pad 2 m away behind the right shoulder.
func DefaultConfig() Config {
	return Config{
		StartLevel:     100,
		DrainPerRead:   1,
		MarkerBearing:  120,
		MarkerDistance: 2,
		MarkerSize:     0.05,
		FrameWidth:     640,
		FrameHeight:    480,
		FOV:            marker.DefaultFOV,
	}
}

type pose struct {
	x, y    float64 // metres, +Y is the initial heading
	heading float64 // degrees clockwise from +Y
}

// Vehicle is a simulated aircraft. It is safe for concurrent use.
type Vehicle struct {
	cfg Config

	mu      sync.Mutex
	level   float64
	pose    pose
	markerX float64
	markerY float64
	seq     uint64
	frames  map[uint64]pose
	landed  bool

	batteryOffline bool
	cameraOffline  bool
	motionOffline  bool

	rotations int
	moves     int
	landings  int
	halts     int
}

// New creates a simulated vehicle.
func New(cfg Config) *Vehicle {
	def := DefaultConfig()
	if cfg.FrameWidth <= 0 {
		cfg.FrameWidth = def.FrameWidth
	}
	if cfg.FrameHeight <= 0 {
		cfg.FrameHeight = def.FrameHeight
	}
	if cfg.FOV <= 0 {
		cfg.FOV = def.FOV
	}
	if cfg.MarkerSize <= 0 {
		cfg.MarkerSize = def.MarkerSize
	}

	b := cfg.MarkerBearing * math.Pi / 180
	return &Vehicle{
		cfg:     cfg,
		level:   float64(cfg.StartLevel),
		markerX: cfg.MarkerDistance * math.Sin(b),
		markerY: cfg.MarkerDistance * math.Cos(b),
		frames:  make(map[uint64]pose),
	}
}

func (v *Vehicle) wait(ctx context.Context) error {
	if v.cfg.Latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(v.cfg.Latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func offline(what string) error {
	return fmt.Errorf("sim %s: %w", what, vehicle.ErrDeviceUnavailable)
}

// ReadBatteryPercent returns the current charge and drains the battery.
func (v *Vehicle) ReadBatteryPercent(ctx context.Context) (int, error) {
	if err := v.wait(ctx); err != nil {
		return 0, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.batteryOffline {
		return 0, offline("battery")
	}
	level := int(math.Round(v.level))
	v.level = math.Max(0, v.level-v.cfg.DrainPerRead)
	return level, nil
}

// ReadFrame captures a synthetic frame and remembers the pose it was taken from.
func (v *Vehicle) ReadFrame(ctx context.Context) (vehicle.Frame, error) {
	if err := v.wait(ctx); err != nil {
		return vehicle.Frame{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.cameraOffline {
		return vehicle.Frame{}, offline("camera")
	}
	v.seq++
	v.frames[v.seq] = v.pose
	return vehicle.Frame{
		Seq:       v.seq,
		Width:     v.cfg.FrameWidth,
		Height:    v.cfg.FrameHeight,
		Format:    "synthetic",
		Timestamp: time.Now(),
	}, nil
}

// Rotate turns in place, positive is clockwise.
func (v *Vehicle) Rotate(ctx context.Context, degrees float64) error {
	if err := v.wait(ctx); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.motionOffline {
		return offline("motion")
	}
	v.pose.heading = math.Mod(v.pose.heading+degrees+360, 360)
	v.rotations++
	return nil
}

// Move translates by a body-frame vector.
func (v *Vehicle) Move(ctx context.Context, d vehicle.Vector) error {
	if err := v.wait(ctx); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.motionOffline {
		return offline("motion")
	}
	h := v.pose.heading * math.Pi / 180
	right := d.Right + v.cfg.Drift
	v.pose.x += d.Forward*math.Sin(h) + right*math.Cos(h)
	v.pose.y += d.Forward*math.Cos(h) - right*math.Sin(h)
	v.moves++
	return nil
}

// Land touches down at the current pose.
func (v *Vehicle) Land(ctx context.Context) error {
	if err := v.wait(ctx); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.motionOffline {
		return offline("motion")
	}
	v.landed = true
	v.landings++
	return nil
}

// Halt stops any motion. The simulator has no in-flight motion so this only counts.
func (v *Vehicle) Halt(context.Context) error {
	v.mu.Lock()
	v.halts++
	v.mu.Unlock()
	return nil
}

// SetBattery overrides the charge. Values outside 0..100 are returned as-is.
func (v *Vehicle) SetBattery(level int) {
	v.mu.Lock()
	v.level = float64(level)
	v.mu.Unlock()
}

// SetBatteryOffline makes battery reads fail with ErrDeviceUnavailable.
func (v *Vehicle) SetBatteryOffline(off bool) {
	v.mu.Lock()
	v.batteryOffline = off
	v.mu.Unlock()
}

// SetCameraOffline makes frame reads fail with ErrDeviceUnavailable.
func (v *Vehicle) SetCameraOffline(off bool) {
	v.mu.Lock()
	v.cameraOffline = off
	v.mu.Unlock()
}

// SetMotionOffline makes motion commands fail with ErrDeviceUnavailable.
func (v *Vehicle) SetMotionOffline(off bool) {
	v.mu.Lock()
	v.motionOffline = off
	v.mu.Unlock()
}

// TakeOff clears the landed flag.
func (v *Vehicle) TakeOff() {
	v.mu.Lock()
	v.landed = false
	v.mu.Unlock()
}

// Stats is a snapshot of the simulator counters.
type Stats struct {
	Rotations int
	Moves     int
	Landings  int
	Halts     int
	Landed    bool
	// MarkerRange is the true distance between the vehicle and the pad.
	MarkerRange float64
	Heading     float64
}

// Stats returns the current counters.
func (v *Vehicle) Stats() Stats {
	v.mu.Lock()
	defer v.mu.Unlock()
	return Stats{
		Rotations:   v.rotations,
		Moves:       v.moves,
		Landings:    v.landings,
		Halts:       v.halts,
		Landed:      v.landed,
		MarkerRange: math.Hypot(v.markerX-v.pose.x, v.markerY-v.pose.y),
		Heading:     v.pose.heading,
	}
}

// Detector returns a detector that projects the pad into frames taken by v.
func (v *Vehicle) Detector() *Detector {
	return &Detector{v: v}
}

// Detector is the synthetic marker detector paired with a simulated vehicle.
type Detector struct {
	v *Vehicle
}

// Detect projects the pad into the frame using the pose recorded at capture time.
func (d *Detector) Detect(ctx context.Context, frame vehicle.Frame) ([]marker.Observation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v := d.v
	v.mu.Lock()
	p, ok := v.frames[frame.Seq]
	delete(v.frames, frame.Seq)
	mx, my := v.markerX, v.markerY
	v.mu.Unlock()

	if !ok || frame.Width <= 0 {
		return nil, fmt.Errorf("%w: unknown frame %d", marker.ErrDetector, frame.Seq)
	}
	if v.cfg.NoMarker {
		return []marker.Observation{}, nil
	}

	dx, dy := mx-p.x, my-p.y
	r := math.Hypot(dx, dy)
	if r < 1e-6 {
		return []marker.Observation{}, nil
	}
	rel := math.Atan2(dx, dy)*180/math.Pi - p.heading
	rel = math.Mod(rel+540, 360) - 180
	if math.Abs(rel) > v.cfg.FOV/2 {
		return []marker.Observation{}, nil
	}

	f := marker.FocalLength(frame.Width, v.cfg.FOV)
	cx := float64(frame.Width)/2 + f*math.Tan(rel*math.Pi/180)
	side := v.cfg.MarkerSize * f / r
	obs := marker.Square(v.cfg.MarkerID, marker.Point{X: cx, Y: float64(frame.Height) / 2}, side)
	return []marker.Observation{obs}, nil
}
