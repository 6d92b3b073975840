package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wudi/ppvctl/internal/config"
)

// MQTTPublisher publishes each sample as JSON to "<topic>/<switch>".
type MQTTPublisher struct {
	client paho.Client
	topic  string
	qos    byte
}

// mqttPayload is the JSON body of a published sample.
type mqttPayload struct {
	Switch    string  `json:"switch"`
	Timestamp float64 `json:"timestamp"`
	Value     int64   `json:"new_reg"`
}

// NewMQTTPublisher connects to the broker. The client id carries a random
// suffix so several controllers can share a broker.
func NewMQTTPublisher(cfg config.MQTTPublishConfig, logger *zap.Logger) (*MQTTPublisher, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt: broker URL is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("ppvctl-" + uuid.NewString()[:8]).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetKeepAlive(60 * time.Second).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			logger.Warn("MQTT connection lost", zap.String("broker", cfg.Broker), zap.Error(err))
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt %s: connection timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt %s: %w", cfg.Broker, err)
	}
	return &MQTTPublisher{client: client, topic: strings.TrimSuffix(cfg.Topic, "/"), qos: cfg.QoS}, nil
}

func (p *MQTTPublisher) Name() string { return "mqtt" }

// Publish sends the sample and waits for the broker acknowledgement, bounded
// by ctx.
func (p *MQTTPublisher) Publish(ctx context.Context, s Sample) error {
	if !p.client.IsConnected() {
		return errors.New("mqtt: not connected")
	}
	topic, body, err := mqttMessage(p.topic, s)
	if err != nil {
		return err
	}
	token := p.client.Publish(topic, p.qos, false, body)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return fmt.Errorf("mqtt publish: %w", ctx.Err())
	}
}

// mqttMessage returns the topic and JSON body for one sample.
func mqttMessage(base string, s Sample) (string, []byte, error) {
	body, err := json.Marshal(mqttPayload{Switch: s.Switch, Timestamp: s.Epoch(), Value: s.Value})
	if err != nil {
		return "", nil, err
	}
	return strings.TrimSuffix(base, "/") + "/" + s.Switch, body, nil
}

func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(250)
	return nil
}
