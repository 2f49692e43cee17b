package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	mqttConnectTimeout = 5 * time.Second
	mqttPublishTimeout = 2 * time.Second
)

// MQTTConfig configures an MQTTSink.
type MQTTConfig struct {
	Broker   string // tcp://host:1883
	ClientID string
	Topic    string // base topic, the notification kind is appended
}

// MQTTSink publishes to <topic>/<kind>. Alerts use QoS 1, cleared and
// outcome notifications QoS 0.
type MQTTSink struct {
	client mqtt.Client
	topic  string
}

// NewMQTTSink connects to the broker with automatic reconnects.
func NewMQTTSink(cfg MQTTConfig, logger *slog.Logger) (*MQTTSink, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		logger.Info("MQTT connection established", "broker", cfg.Broker, "clientId", cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Warn("MQTT connection lost, will auto-reconnect", "broker", cfg.Broker, "error", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connection timeout: %s", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}

	return &MQTTSink{client: client, topic: strings.TrimRight(cfg.Topic, "/")}, nil
}

// Name implements Sink.
func (s *MQTTSink) Name() string { return "mqtt" }

// Publish implements Sink.
func (s *MQTTSink) Publish(_ context.Context, n Notification, payload []byte) error {
	if !s.client.IsConnected() {
		return fmt.Errorf("mqtt not connected")
	}
	token := s.client.Publish(mqttTopic(s.topic, n.Kind), mqttQoS(n.Kind), false, payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return fmt.Errorf("mqtt publish timeout")
	}
	return token.Error()
}

// Close implements Sink.
func (s *MQTTSink) Close() error {
	s.client.Disconnect(250)
	return nil
}

func mqttTopic(base string, kind Kind) string {
	return base + "/" + string(kind)
}

func mqttQoS(kind Kind) byte {
	switch kind {
	case KindTierChange, KindChargingProtocol, KindEmergencyLanding:
		return 1
	default:
		return 0
	}
}
