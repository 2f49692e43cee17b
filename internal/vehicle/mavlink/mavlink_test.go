package mavlink

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
	"github.com/bluenviron/gomavlib/v3/pkg/message"
	"github.com/eaglewings/powerwatch/internal/vehicle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ vehicle.Vehicle = (*Vehicle)(nil)
var _ vehicle.Halter = (*Vehicle)(nil)

type recorder struct {
	mu   sync.Mutex
	sent []message.Message
	// ack, when set, is called for every command and its result fed back
	ack func(*common.MessageCommandLong) (common.MAV_RESULT, bool)
	v   *Vehicle
}

func (r *recorder) send(m message.Message) {
	r.mu.Lock()
	r.sent = append(r.sent, m)
	ack := r.ack
	r.mu.Unlock()

	if cmd, ok := m.(*common.MessageCommandLong); ok && ack != nil {
		if res, reply := ack(cmd); reply {
			go r.v.handle(1, &common.MessageCommandAck{Command: cmd.Command, Result: res})
		}
	}
}

func (r *recorder) messages() []message.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]message.Message(nil), r.sent...)
}

func newTestVehicle(t *testing.T) (*Vehicle, *recorder) {
	t.Helper()
	rec := &recorder{}
	v := newVehicle(Config{SystemID: 1, ComponentID: 1, HeartbeatTimeout: time.Minute}, nil, nil, rec.send)
	rec.v = v
	return v, rec
}

func TestReadBatteryPercent(t *testing.T) {
	v, _ := newTestVehicle(t)
	ctx := context.Background()

	_, err := v.ReadBatteryPercent(ctx)
	assert.ErrorIs(t, err, vehicle.ErrDeviceUnavailable, "no heartbeat yet")

	v.handle(1, &common.MessageHeartbeat{})
	_, err = v.ReadBatteryPercent(ctx)
	assert.ErrorIs(t, err, vehicle.ErrDeviceUnavailable, "battery not reported yet")

	v.handle(1, &common.MessageSysStatus{BatteryRemaining: 42})
	level, err := v.ReadBatteryPercent(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42, level)

	// unknown reading keeps the last value
	v.handle(1, &common.MessageSysStatus{BatteryRemaining: -1})
	level, err = v.ReadBatteryPercent(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42, level)

	// other systems are ignored
	v.handle(7, &common.MessageSysStatus{BatteryRemaining: 3})
	level, err = v.ReadBatteryPercent(ctx)
	require.NoError(t, err)
	assert.Equal(t, 42, level)
}

func TestHeartbeatTimeout(t *testing.T) {
	rec := &recorder{}
	v := newVehicle(Config{SystemID: 1, HeartbeatTimeout: 10 * time.Millisecond}, nil, nil, rec.send)
	v.handle(1, &common.MessageHeartbeat{})
	v.handle(1, &common.MessageSysStatus{BatteryRemaining: 50})

	time.Sleep(30 * time.Millisecond)
	_, err := v.ReadBatteryPercent(context.Background())
	assert.ErrorIs(t, err, vehicle.ErrDeviceUnavailable)
}

func TestMove_SendsBodyOffset(t *testing.T) {
	v, rec := newTestVehicle(t)
	v.handle(1, &common.MessageHeartbeat{})

	require.NoError(t, v.Move(context.Background(), vehicle.Vector{Forward: 0.5, Right: -0.2, Up: 1}))

	msgs := rec.messages()
	require.Len(t, msgs, 1)
	target, ok := msgs[0].(*common.MessageSetPositionTargetLocalNed)
	require.True(t, ok)
	assert.Equal(t, common.MAV_FRAME_BODY_OFFSET_NED, target.CoordinateFrame)
	assert.Equal(t, float32(0.5), target.X)
	assert.Equal(t, float32(-0.2), target.Y)
	assert.Equal(t, float32(-1), target.Z)
	assert.Equal(t, moveTypeMask, target.TypeMask)
}

func TestRotate_WaitsForAck(t *testing.T) {
	v, rec := newTestVehicle(t)
	v.handle(1, &common.MessageHeartbeat{})
	rec.ack = func(*common.MessageCommandLong) (common.MAV_RESULT, bool) {
		return common.MAV_RESULT_ACCEPTED, true
	}

	require.NoError(t, v.Rotate(context.Background(), -30))

	msgs := rec.messages()
	require.Len(t, msgs, 1)
	cmd := msgs[0].(*common.MessageCommandLong)
	assert.Equal(t, common.MAV_CMD_CONDITION_YAW, cmd.Command)
	assert.Equal(t, float32(30), cmd.Param1)
	assert.Equal(t, float32(-1), cmd.Param3)
	assert.Equal(t, float32(1), cmd.Param4)
}

func TestLand_Rejected(t *testing.T) {
	v, rec := newTestVehicle(t)
	v.handle(1, &common.MessageHeartbeat{})
	rec.ack = func(*common.MessageCommandLong) (common.MAV_RESULT, bool) {
		return common.MAV_RESULT_DENIED, true
	}

	err := v.Land(context.Background())
	assert.ErrorIs(t, err, vehicle.ErrDeviceUnavailable)
}

func TestCommand_ContextCancelled(t *testing.T) {
	v, _ := newTestVehicle(t)
	v.handle(1, &common.MessageHeartbeat{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := v.Land(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReadFrame_NoCamera(t *testing.T) {
	v, _ := newTestVehicle(t)
	_, err := v.ReadFrame(context.Background())
	assert.ErrorIs(t, err, vehicle.ErrDeviceUnavailable)
}
