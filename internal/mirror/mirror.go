// Package mirror copies status snapshots to Redis so that an external API
// process can serve them without reaching into this one.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eaglewings/powerwatch/internal/config"
	"github.com/eaglewings/powerwatch/internal/status"
)

const writeTimeout = 2 * time.Second

type redisClient interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Close() error
}

// Mirror writes the latest snapshot to <key> with a TTL and publishes it on
// <key>:events. Changes made while Redis is slow are coalesced: the writer
// always sends the store's current state, so the last change is never lost.
type Mirror struct {
	client redisClient
	key    string
	ttl    time.Duration
	logger *slog.Logger

	wake  chan struct{}
	stop  chan struct{}
	done  chan struct{}
	dirty atomic.Bool

	mu     sync.Mutex
	source func() status.Snapshot
	closed bool
}

// New connects to Redis and starts the writer.
func New(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (*Mirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Address, err)
	}
	logger.Info("Redis status mirror connected", "address", cfg.Address, "key", cfg.Key)
	return newMirror(client, cfg.Key, cfg.TTL, logger), nil
}

func newMirror(client redisClient, key string, ttl time.Duration, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Mirror{
		client: client,
		key:    key,
		ttl:    ttl,
		logger: logger,
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go m.run()
	return m
}

// Attach mirrors store: every change marks the mirror dirty and the writer
// sends the current state once it is free. The current state is written
// right away.
func (m *Mirror) Attach(store *status.Store) {
	m.mu.Lock()
	m.source = store.Snapshot
	m.mu.Unlock()

	store.OnChange(func(status.Snapshot) { m.touch() })
	m.touch()
}

// touch never blocks.
func (m *Mirror) touch() {
	m.dirty.Store(true)
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Mirror) run() {
	defer close(m.done)
	for {
		select {
		case <-m.wake:
			m.sync()
		case <-m.stop:
			m.sync()
			return
		}
	}
}

// sync writes the current state if anything changed since the last write.
func (m *Mirror) sync() {
	if !m.dirty.Swap(false) {
		return
	}
	m.mu.Lock()
	source := m.source
	m.mu.Unlock()
	if source == nil {
		return
	}
	if err := m.write(source()); err != nil {
		m.logger.Warn("Failed to mirror status to Redis", "error", err)
	}
}

func (m *Mirror) write(snap status.Snapshot) error {
	data, err := json.Marshal(snap.View())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := m.client.Set(ctx, m.key, data, m.ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", m.key, err)
	}
	if err := m.client.Publish(ctx, m.key+":events", data).Err(); err != nil {
		return fmt.Errorf("publish %s:events: %w", m.key, err)
	}
	return nil
}

// Close writes the final state if it is pending and closes the connection.
func (m *Mirror) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.stop)
	<-m.done
	return m.client.Close()
}
