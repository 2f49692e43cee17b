package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

type natsConn interface {
	Publish(subject string, data []byte) error
	Close()
}

// NATSSink publishes to <subject>.<kind>.
type NATSSink struct {
	conn    natsConn
	subject string
}

// NewNATSSink connects with unlimited reconnects.
func NewNATSSink(url, subject string, logger *slog.Logger) (*NATSSink, error) {
	opts := []nats.Option{
		nats.Name("powerwatch"),
		nats.Timeout(5 * time.Second),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	logger.Info("NATS connected", "url", url, "subject", subject)
	return &NATSSink{conn: conn, subject: subject}, nil
}

// Name implements Sink.
func (s *NATSSink) Name() string { return "nats" }

// Publish implements Sink.
func (s *NATSSink) Publish(_ context.Context, n Notification, payload []byte) error {
	subject := s.subject + "." + string(n.Kind)
	if err := s.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Close implements Sink.
func (s *NATSSink) Close() error {
	s.conn.Close()
	return nil
}
