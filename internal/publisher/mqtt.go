package publisher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTTPublisher wraps a Paho MQTT client.
type MQTTPublisher struct {
	client mqtt.Client
	qos    byte
}

// MQTTOptions configures the MQTT publisher.
type MQTTOptions struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte

	// StatusTopic, when set, receives a retained "offline" will message
	// if the connection to the broker is lost uncleanly.
	StatusTopic string

	Logger *slog.Logger
}

// NewMQTTPublisher creates and connects an MQTT publisher.
func NewMQTTPublisher(opts MQTTOptions) (*MQTTPublisher, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.Broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(60 * time.Second).
		SetOnConnectHandler(func(mqtt.Client) {
			log.Info("MQTT connected", "broker", opts.Broker)
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn("MQTT connection lost", "broker", opts.Broker, "err", err)
		})
	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username).SetPassword(opts.Password)
	}
	if opts.StatusTopic != "" {
		clientOpts.SetWill(opts.StatusTopic, "offline", opts.QoS, true)
	}

	client := mqtt.NewClient(clientOpts)
	token := client.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to MQTT broker %s: %w", opts.Broker, err)
	}

	return &MQTTPublisher{
		client: client,
		qos:    opts.QoS,
	}, nil
}

func (p *MQTTPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	return p.publish(ctx, topic, payload, false)
}

func (p *MQTTPublisher) PublishRetained(ctx context.Context, topic string, payload []byte) error {
	return p.publish(ctx, topic, payload, true)
}

func (p *MQTTPublisher) publish(ctx context.Context, topic string, payload []byte, retained bool) error {
	token := p.client.Publish(topic, p.qos, retained, payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return fmt.Errorf("publishing %s: %w", topic, ctx.Err())
	}
}

func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(1000)
	return nil
}
