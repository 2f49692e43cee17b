// Package mavlink drives a MAVLink flight controller (ArduPilot, PX4) as a vehicle.
package mavlink

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/bluenviron/gomavlib/v3"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"
	"github.com/eaglewings/powerwatch/internal/vehicle"
)

const (
	ownSystemID  = 250
	ackTimeout   = 3 * time.Second
	yawRateDegS  = 30
	moveTypeMask = common.POSITION_TARGET_TYPEMASK_VX_IGNORE |
		common.POSITION_TARGET_TYPEMASK_VY_IGNORE |
		common.POSITION_TARGET_TYPEMASK_VZ_IGNORE |
		common.POSITION_TARGET_TYPEMASK_AX_IGNORE |
		common.POSITION_TARGET_TYPEMASK_AY_IGNORE |
		common.POSITION_TARGET_TYPEMASK_AZ_IGNORE |
		common.POSITION_TARGET_TYPEMASK_YAW_IGNORE |
		common.POSITION_TARGET_TYPEMASK_YAW_RATE_IGNORE
)

// Config configures the link.
type Config struct {
	Address          string // UDP listen address, e.g. 0.0.0.0:14550
	SystemID         int    // target system
	ComponentID      int    // target component
	HeartbeatTimeout time.Duration
}

// Vehicle talks to the autopilot over a gomavlib node. Frames come from a
// separate camera since MAVLink carries no imagery here.
type Vehicle struct {
	send   func(message.Message)
	camera vehicle.Camera
	cfg    Config
	logger *slog.Logger
	node   *gomavlib.Node
	done   chan struct{}

	mu            sync.Mutex
	battery       int
	batteryKnown  bool
	lastHeartbeat time.Time
	pending       map[common.MAV_CMD]chan common.MAV_RESULT
}

// New opens a UDP endpoint and starts reading telemetry.
func New(cfg Config, camera vehicle.Camera, logger *slog.Logger) (*Vehicle, error) {
	node, err := gomavlib.NewNode(gomavlib.NodeConf{
		Endpoints: []gomavlib.EndpointConf{
			gomavlib.EndpointUDPServer{Address: cfg.Address},
		},
		Dialect:     common.Dialect,
		OutVersion:  gomavlib.V2,
		OutSystemID: ownSystemID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open mavlink endpoint %s: %w", cfg.Address, err)
	}

	v := newVehicle(cfg, camera, logger, func(m message.Message) {
		node.WriteMessageAll(m)
	})
	v.node = node
	go v.run()
	return v, nil
}

func newVehicle(cfg Config, camera vehicle.Camera, logger *slog.Logger, send func(message.Message)) *Vehicle {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 3 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Vehicle{
		send:    send,
		camera:  camera,
		cfg:     cfg,
		logger:  logger,
		done:    make(chan struct{}),
		pending: make(map[common.MAV_CMD]chan common.MAV_RESULT),
	}
}

func (v *Vehicle) run() {
	defer close(v.done)
	for evt := range v.node.Events() {
		switch e := evt.(type) {
		case *gomavlib.EventChannelOpen:
			v.logger.Info("MAVLink channel open", "channel", e.Channel)
		case *gomavlib.EventChannelClose:
			v.logger.Warn("MAVLink channel closed", "channel", e.Channel)
		case *gomavlib.EventFrame:
			v.handle(int(e.SystemID()), e.Message())
		}
	}
}

func (v *Vehicle) handle(systemID int, msg message.Message) {
	if v.cfg.SystemID != 0 && systemID != v.cfg.SystemID {
		return
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	switch m := msg.(type) {
	case *common.MessageHeartbeat:
		v.lastHeartbeat = time.Now()
	case *common.MessageSysStatus:
		// -1 means the autopilot does not know
		if m.BatteryRemaining >= 0 {
			v.battery = int(m.BatteryRemaining)
			v.batteryKnown = true
		}
	case *common.MessageBatteryStatus:
		if m.BatteryRemaining >= 0 {
			v.battery = int(m.BatteryRemaining)
			v.batteryKnown = true
		}
	case *common.MessageCommandAck:
		if ch, ok := v.pending[m.Command]; ok {
			delete(v.pending, m.Command)
			ch <- m.Result
		}
	}
}

func (v *Vehicle) online() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.lastHeartbeat.IsZero() || time.Since(v.lastHeartbeat) > v.cfg.HeartbeatTimeout {
		return fmt.Errorf("no heartbeat from system %d: %w", v.cfg.SystemID, vehicle.ErrDeviceUnavailable)
	}
	return nil
}

// ReadBatteryPercent returns the last reported remaining charge.
func (v *Vehicle) ReadBatteryPercent(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := v.online(); err != nil {
		return 0, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.batteryKnown {
		return 0, fmt.Errorf("battery not reported yet: %w", vehicle.ErrDeviceUnavailable)
	}
	return v.battery, nil
}

// ReadFrame captures from the attached camera.
func (v *Vehicle) ReadFrame(ctx context.Context) (vehicle.Frame, error) {
	if v.camera == nil {
		return vehicle.Frame{}, fmt.Errorf("no camera attached: %w", vehicle.ErrDeviceUnavailable)
	}
	return v.camera.Capture(ctx)
}

// Rotate yaws relative to the current heading and waits for the autopilot to accept.
func (v *Vehicle) Rotate(ctx context.Context, degrees float64) error {
	direction := float32(1)
	if degrees < 0 {
		direction = -1
	}
	return v.command(ctx, &common.MessageCommandLong{
		TargetSystem:    uint8(v.cfg.SystemID),
		TargetComponent: uint8(v.cfg.ComponentID),
		Command:         common.MAV_CMD_CONDITION_YAW,
		Param1:          float32(math.Abs(degrees)),
		Param2:          yawRateDegS,
		Param3:          direction,
		Param4:          1, // relative
	})
}

// Move sends a body-frame position offset. The autopilot does not acknowledge
// position targets, so this returns once the message is queued.
func (v *Vehicle) Move(ctx context.Context, d vehicle.Vector) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := v.online(); err != nil {
		return err
	}
	v.send(&common.MessageSetPositionTargetLocalNed{
		TargetSystem:    uint8(v.cfg.SystemID),
		TargetComponent: uint8(v.cfg.ComponentID),
		CoordinateFrame: common.MAV_FRAME_BODY_OFFSET_NED,
		TypeMask:        moveTypeMask,
		X:               float32(d.Forward),
		Y:               float32(d.Right),
		Z:               float32(-d.Up),
	})
	return nil
}

// Halt holds position by commanding a zero offset.
func (v *Vehicle) Halt(ctx context.Context) error {
	return v.Move(ctx, vehicle.Vector{})
}

// Land commands a landing at the current position.
func (v *Vehicle) Land(ctx context.Context) error {
	return v.command(ctx, &common.MessageCommandLong{
		TargetSystem:    uint8(v.cfg.SystemID),
		TargetComponent: uint8(v.cfg.ComponentID),
		Command:         common.MAV_CMD_NAV_LAND,
		Param4:          float32(math.NaN()), // keep current yaw
	})
}

func (v *Vehicle) command(ctx context.Context, cmd *common.MessageCommandLong) error {
	if err := v.online(); err != nil {
		return err
	}

	ack := make(chan common.MAV_RESULT, 1)
	v.mu.Lock()
	v.pending[cmd.Command] = ack
	v.mu.Unlock()
	defer func() {
		v.mu.Lock()
		if v.pending[cmd.Command] == ack {
			delete(v.pending, cmd.Command)
		}
		v.mu.Unlock()
	}()

	v.send(cmd)

	timer := time.NewTimer(ackTimeout)
	defer timer.Stop()

	select {
	case res := <-ack:
		if res != common.MAV_RESULT_ACCEPTED && res != common.MAV_RESULT_IN_PROGRESS {
			return fmt.Errorf("command %v rejected with %v: %w", cmd.Command, res, vehicle.ErrDeviceUnavailable)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("command %v not acknowledged: %w", cmd.Command, vehicle.ErrDeviceUnavailable)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close shuts the node down.
func (v *Vehicle) Close() error {
	if v.node == nil {
		return nil
	}
	v.node.Close()
	<-v.done
	return nil
}
