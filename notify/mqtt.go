package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const publishTimeout = 5 * time.Second

// Publisher is the subset of mqtt.Client used for notifications
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTOptions configures the broker connection
type MQTTOptions struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

// Connect dials the broker with automatic reconnects enabled
func Connect(opts MQTTOptions, logger *zap.Logger) (mqtt.Client, error) {
	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("mqtt connection lost", zap.Error(err))
		}).
		SetOnConnectHandler(func(mqtt.Client) {
			logger.Info("mqtt connected", zap.String("broker", opts.Broker))
		})
	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username).SetPassword(opts.Password)
	}

	client := mqtt.NewClient(clientOpts)
	token := client.Connect()
	if !token.WaitTimeout(15 * time.Second) {
		return nil, fmt.Errorf("timed out connecting to mqtt broker %s", opts.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to mqtt broker %s: %w", opts.Broker, err)
	}
	return client, nil
}

// MQTTNotifier publishes notifications as JSON to {prefix}/notifications
type MQTTNotifier struct {
	publisher Publisher
	topic     string
	qos       byte
	logger    *zap.Logger
}

// NewMQTTNotifier creates a notifier publishing under topicPrefix
func NewMQTTNotifier(publisher Publisher, topicPrefix string, qos byte, logger *zap.Logger) *MQTTNotifier {
	return &MQTTNotifier{
		publisher: publisher,
		topic:     topicPrefix + "/notifications",
		qos:       qos,
		logger:    logger,
	}
}

// Topic returns the topic notifications are published to
func (m *MQTTNotifier) Topic() string {
	return m.topic
}

// Notify publishes n and waits for the broker acknowledgement or ctx
func (m *MQTTNotifier) Notify(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	token := m.publisher.Publish(m.topic, m.qos, false, payload)
	timer := time.NewTimer(publishTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("timed out publishing to %s", m.topic)
	}

	if err := token.Error(); err != nil {
		m.logger.Warn("failed to publish notification", zap.String("topic", m.topic), zap.Error(err))
		return fmt.Errorf("failed to publish to %s: %w", m.topic, err)
	}
	return nil
}
