// Package notify fans battery and charging notifications out to operator
// channels (log, MQTT, NATS, Kafka).
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eaglewings/powerwatch/internal/battery"
	"github.com/eaglewings/powerwatch/internal/queue"
)

const (
	pendingCapacity = 256
	historyCapacity = 128
	outboxCapacity  = 64
	closeTimeout    = 5 * time.Second
)

// Kind classifies a notification.
type Kind string

const (
	KindTierChange       Kind = "tier_change"
	KindCleared          Kind = "cleared"
	KindChargingProtocol Kind = "charging_protocol"
	KindEmergencyLanding Kind = "emergency_landing"
	KindSearchOutcome    Kind = "search_outcome"
)

// Notification is what operators receive.
type Notification struct {
	ID           uuid.UUID    `json:"id"`
	Kind         Kind         `json:"kind"`
	Tier         battery.Tier `json:"tier"`
	PreviousTier battery.Tier `json:"previous_tier"`
	Level        int          `json:"level"`
	Message      string       `json:"message"`
	Outcome      string       `json:"outcome,omitempty"`
	Time         time.Time    `json:"time"`
}

// Sink delivers encoded notifications to one channel.
type Sink interface {
	Name() string
	Publish(ctx context.Context, n Notification, payload []byte) error
	Close() error
}

type delivery struct {
	sink    Sink
	n       Notification
	payload []byte
}

// Hub publishes to every sink from its own worker goroutine, so Notify
// never waits on a broker. Failed deliveries are kept in a bounded queue
// and retried before the next notification goes out.
type Hub struct {
	sinks   []Sink
	logger  *slog.Logger
	pending *queue.Queue[delivery]
	history *queue.Queue[Notification]

	outbox chan Notification
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	active *Notification
	closed bool
}

// NewHub creates a hub over sinks and starts its delivery worker.
func NewHub(logger *slog.Logger, sinks ...Sink) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		sinks:   sinks,
		logger:  logger,
		pending: queue.New[delivery](pendingCapacity),
		history: queue.New[Notification](historyCapacity),
		outbox:  make(chan Notification, outboxCapacity),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	go h.run()
	return h
}

// AddSink attaches another sink. Call it before the first Notify.
func (h *Hub) AddSink(s Sink) {
	h.sinks = append(h.sinks, s)
}

// Notify makes n the outstanding alert and queues it for delivery. It does
// not wait for any sink; delivery is bounded by the hub's own lifetime, not ctx.
func (h *Hub) Notify(_ context.Context, n Notification) {
	n = stamp(n)
	h.mu.Lock()
	h.active = &n
	h.mu.Unlock()
	h.enqueue(n)
}

// Clear queues n as a cleared notification and drops the outstanding alert.
func (h *Hub) Clear(_ context.Context, n Notification) {
	n.Kind = KindCleared
	n = stamp(n)
	h.mu.Lock()
	h.active = nil
	h.mu.Unlock()
	h.enqueue(n)
}

// Active returns the outstanding alert, if any.
func (h *Hub) Active() (Notification, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active == nil {
		return Notification{}, false
	}
	return *h.active, true
}

// Recent returns up to n notifications, newest first.
func (h *Hub) Recent(n int) []Notification {
	return h.history.Newest(n)
}

// Pending returns the number of deliveries waiting for a retry.
func (h *Hub) Pending() int {
	return h.pending.Len()
}

func stamp(n Notification) Notification {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.Time.IsZero() {
		n.Time = time.Now()
	}
	return n
}

func (h *Hub) enqueue(n Notification) {
	h.history.Push(n)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		h.logger.Warn("Notification after shutdown, not delivered", "kind", n.Kind, "id", n.ID.String())
		return
	}
	select {
	case h.outbox <- n:
	default:
		// worker is stuck on a slow sink; park it with the retries
		h.logger.Warn("Notification outbox full, queued for retry", "kind", n.Kind)
		for _, d := range h.deliveries(n) {
			h.park(d)
		}
	}
}

func (h *Hub) run() {
	defer close(h.done)
	for n := range h.outbox {
		h.retry(h.ctx)
		for _, d := range h.deliveries(n) {
			h.deliver(h.ctx, d)
		}
	}
	h.retry(h.ctx)
}

func (h *Hub) deliveries(n Notification) []delivery {
	payload, err := json.Marshal(n)
	if err != nil {
		h.logger.Error("Failed to encode notification", "kind", n.Kind, "error", err)
		return nil
	}
	out := make([]delivery, 0, len(h.sinks))
	for _, s := range h.sinks {
		out = append(out, delivery{sink: s, n: n, payload: payload})
	}
	return out
}

func (h *Hub) deliver(ctx context.Context, d delivery) {
	if ctx.Err() != nil {
		h.park(d)
		return
	}
	if err := d.sink.Publish(ctx, d.n, d.payload); err != nil {
		h.logger.Warn("Notification delivery failed, queued for retry",
			"sink", d.sink.Name(), "kind", d.n.Kind, "error", err)
		h.park(d)
	}
}

func (h *Hub) park(d delivery) {
	if dropped := h.pending.Push(d); dropped > 0 {
		h.logger.Warn("Notification retry queue full, dropped oldest", "dropped", dropped)
	}
}

// retry attempts every queued delivery once, oldest first.
func (h *Hub) retry(ctx context.Context) {
	for _, d := range h.pending.GetAndEmpty() {
		h.deliver(ctx, d)
	}
}

// Close stops accepting notifications, gives the worker closeTimeout to
// drain the outbox and the retry queue, then closes every sink.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	close(h.outbox)
	h.mu.Unlock()

	timer := time.NewTimer(closeTimeout)
	defer timer.Stop()
	select {
	case <-h.done:
	case <-timer.C:
		h.cancel()
		<-h.done
	}
	h.cancel()
	if n := h.pending.Len(); n > 0 {
		h.logger.Warn("Notifications undelivered at shutdown", "count", n)
	}

	var first error
	for _, s := range h.sinks {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// LogSink writes notifications to a slog logger.
type LogSink struct {
	Logger *slog.Logger
}

// Name implements Sink.
func (LogSink) Name() string { return "log" }

// Publish implements Sink.
func (s LogSink) Publish(_ context.Context, n Notification, _ []byte) error {
	level := slog.LevelInfo
	switch {
	case n.Kind == KindCleared:
	case n.Tier >= battery.Critical:
		level = slog.LevelError
	case n.Tier == battery.Warning:
		level = slog.LevelWarn
	}
	s.Logger.Log(context.Background(), level, n.Message,
		"kind", string(n.Kind), "tier", n.Tier.String(), "level", n.Level, "id", n.ID.String())
	return nil
}

// Close implements Sink.
func (LogSink) Close() error { return nil }
