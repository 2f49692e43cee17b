package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eaglewings/powerwatch/internal/battery"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type recordingSink struct {
	mu       sync.Mutex
	name     string
	fail     bool
	received []Notification
	payloads [][]byte
	closed   bool
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Publish(_ context.Context, n Notification, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("broker down")
	}
	s.received = append(s.received, n)
	s.payloads = append(s.payloads, payload)
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) setFail(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = v
}

func (s *recordingSink) got() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Notification(nil), s.received...)
}

func TestHub_NotifyStampsAndDelivers(t *testing.T) {
	a := &recordingSink{name: "a"}
	b := &recordingSink{name: "b"}
	hub := NewHub(quiet, a, b)

	hub.Notify(context.Background(), Notification{Kind: KindTierChange, Tier: battery.Warning, Level: 15, Message: "battery low"})

	active, ok := hub.Active()
	require.True(t, ok, "active alert is set before delivery")
	assert.Equal(t, battery.Warning, active.Tier)

	require.NoError(t, hub.Close())
	for _, s := range []*recordingSink{a, b} {
		got := s.got()
		require.Len(t, got, 1, s.name)
		assert.NotEqual(t, uuid.Nil, got[0].ID)
		assert.False(t, got[0].Time.IsZero())
	}

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(a.payloads[0], &decoded))
	assert.Equal(t, "tier_change", decoded["kind"])
	assert.Equal(t, "warning", decoded["tier"])
	assert.EqualValues(t, 15, decoded["level"])
}

func TestHub_ClearDropsActiveAlert(t *testing.T) {
	sink := &recordingSink{name: "a"}
	hub := NewHub(quiet, sink)

	hub.Notify(context.Background(), Notification{Kind: KindTierChange, Tier: battery.Warning})
	hub.Clear(context.Background(), Notification{Tier: battery.Normal, PreviousTier: battery.Warning})

	_, ok := hub.Active()
	assert.False(t, ok)

	require.NoError(t, hub.Close())
	got := sink.got()
	require.Len(t, got, 2)
	assert.Equal(t, KindCleared, got[1].Kind)
}

type stalledSink struct {
	release chan struct{}
	calls   chan struct{}
}

func (s *stalledSink) Name() string { return "stalled" }

func (s *stalledSink) Publish(ctx context.Context, _ Notification, _ []byte) error {
	s.calls <- struct{}{}
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *stalledSink) Close() error { return nil }

func TestHub_NotifyDoesNotWaitForSinks(t *testing.T) {
	sink := &stalledSink{release: make(chan struct{}), calls: make(chan struct{}, outboxCapacity*2)}
	hub := NewHub(quiet, sink)

	start := time.Now()
	for i := 0; i < outboxCapacity+10; i++ {
		hub.Notify(context.Background(), Notification{Kind: KindEmergencyLanding, Level: i})
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond, "callers never block on a stalled broker")
	assert.Len(t, hub.Recent(0), outboxCapacity+10)

	close(sink.release)
	require.NoError(t, hub.Close())
	assert.Zero(t, hub.Pending(), "overflow is delivered through the retry queue")
}

func TestHub_FailedDeliveriesAreRetried(t *testing.T) {
	sink := &recordingSink{name: "flaky", fail: true}
	hub := NewHub(quiet, sink)
	ctx := context.Background()

	hub.Notify(ctx, Notification{Kind: KindTierChange, Tier: battery.Warning, Message: "first"})
	hub.Notify(ctx, Notification{Kind: KindChargingProtocol, Tier: battery.Critical, Message: "second"})
	require.Eventually(t, func() bool { return hub.Pending() == 2 }, time.Second, time.Millisecond)
	assert.Empty(t, sink.got())

	sink.setFail(false)
	hub.Notify(ctx, Notification{Kind: KindTierChange, Tier: battery.Normal, Message: "third"})
	require.Eventually(t, func() bool { return len(sink.got()) == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, 0, hub.Pending())

	got := sink.got()
	assert.Equal(t, "first", got[0].Message, "queued deliveries go out first, in order")
	assert.Equal(t, "second", got[1].Message)
	assert.Equal(t, "third", got[2].Message)
	require.NoError(t, hub.Close())
}

func TestHub_RetryQueueIsBounded(t *testing.T) {
	sink := &recordingSink{name: "down", fail: true}
	hub := NewHub(quiet, sink)

	for i := 0; i < pendingCapacity+10; i++ {
		hub.Notify(context.Background(), Notification{Kind: KindTierChange, Level: i})
	}
	require.NoError(t, hub.Close())
	assert.Equal(t, pendingCapacity, hub.Pending())
}

func TestHub_RecentAndClose(t *testing.T) {
	sink := &recordingSink{name: "a"}
	hub := NewHub(quiet, sink)
	for i := 1; i <= 3; i++ {
		hub.Notify(context.Background(), Notification{Kind: KindTierChange, Level: i})
	}

	recent := hub.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, 3, recent[0].Level)
	assert.Equal(t, 2, recent[1].Level)

	require.NoError(t, hub.Close())
	require.NoError(t, hub.Close())
	assert.True(t, sink.closed)
	assert.Len(t, sink.got(), 3, "close drains the outbox")

	hub.Notify(context.Background(), Notification{Kind: KindTierChange, Level: 4})
	assert.Len(t, sink.got(), 3)
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaSink_Publish(t *testing.T) {
	w := &fakeWriter{}
	sink := &KafkaSink{writer: w, topic: "eaglewings.battery"}
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	err := sink.Publish(context.Background(), Notification{Kind: KindEmergencyLanding, Time: at}, []byte(`{}`))
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "eaglewings.battery", w.msgs[0].Topic)
	assert.Equal(t, []byte("emergency_landing"), w.msgs[0].Key)
	assert.Equal(t, at, w.msgs[0].Time)

	w.err = errors.New("leader not available")
	err = sink.Publish(context.Background(), Notification{Kind: KindCleared}, nil)
	assert.ErrorContains(t, err, "kafka write eaglewings.battery")
}

func TestNewKafkaSink_RequiresBrokers(t *testing.T) {
	_, err := NewKafkaSink(nil, "t")
	assert.Error(t, err)
}

type fakeNATS struct {
	subjects []string
	closed   bool
}

func (c *fakeNATS) Publish(subject string, _ []byte) error {
	c.subjects = append(c.subjects, subject)
	return nil
}

func (c *fakeNATS) Close() { c.closed = true }

func TestNATSSink_SubjectPerKind(t *testing.T) {
	conn := &fakeNATS{}
	sink := &NATSSink{conn: conn, subject: "eaglewings.battery"}

	require.NoError(t, sink.Publish(context.Background(), Notification{Kind: KindSearchOutcome}, nil))
	require.NoError(t, sink.Close())
	assert.Equal(t, []string{"eaglewings.battery.search_outcome"}, conn.subjects)
	assert.True(t, conn.closed)
}

func TestMQTTTopicAndQoS(t *testing.T) {
	assert.Equal(t, "eaglewings/battery/cleared", mqttTopic("eaglewings/battery", KindCleared))
	assert.Equal(t, byte(1), mqttQoS(KindEmergencyLanding))
	assert.Equal(t, byte(1), mqttQoS(KindChargingProtocol))
	assert.Equal(t, byte(0), mqttQoS(KindSearchOutcome))
}
