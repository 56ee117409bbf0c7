// Package mqttpub publishes register updates to an MQTT broker. It is a
// plain Update Bus subscriber: a publish failure never blocks or fails the
// poll loop that produced the value.
package mqttpub

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/modbridge/modbridge/internal/bus"
	"github.com/modbridge/modbridge/internal/config"
	"github.com/modbridge/modbridge/internal/metrics"
)

// Publisher owns one paho client and republishes every Update Bus message
// under "{prefix}/{device_id}/{register_name}".
type Publisher struct {
	client      mqtt.Client
	topicPrefix string
	qos         byte
	log         *zap.Logger
}

// New connects to the configured broker and returns a Publisher. Connection
// failures here are fatal to bridge startup; ongoing reconnects after that
// are handled by paho's AutoReconnect and the handlers registered below.
func New(cfg config.MQTTConfig) (*Publisher, error) {
	log := zap.L().Named("mqtt")

	qos := cfg.QoS
	if qos > 2 {
		log.Warn("invalid QoS level, using 1", zap.Int("configured_qos", int(qos)))
		qos = 1
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Host, cfg.Port)).
		SetClientID(cfg.ClientID).
		SetKeepAlive(30 * time.Second).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetOnConnectHandler(func(mqtt.Client) {
		metrics.SetMQTTConnected(true)
		log.Info("connected to MQTT broker", zap.String("host", cfg.Host))
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		metrics.SetMQTTConnected(false)
		log.Warn("lost connection to MQTT broker", zap.Error(err))
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect: timed out")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	return &Publisher{
		client:      client,
		topicPrefix: cfg.TopicPrefix,
		qos:         qos,
		log:         log,
	}, nil
}

type payload struct {
	Value     float64  `json:"value"`
	Raw       []uint16 `json:"raw"`
	Unit      string   `json:"unit,omitempty"`
	Timestamp string   `json:"timestamp"`
}

// Run subscribes to the bus and publishes every update until the
// subscription is closed or the channel is drained on shutdown.
func (p *Publisher) Run(sub *bus.Subscription) {
	for update := range sub.Updates {
		p.publish(update)
	}
}

func (p *Publisher) publish(u bus.Update) {
	topic := fmt.Sprintf("%s/%s/%s", p.topicPrefix, u.DeviceID, u.RegisterName)

	body, err := json.Marshal(payload{Value: u.Value, Raw: u.Raw, Unit: u.Unit, Timestamp: u.Timestamp})
	if err != nil {
		p.log.Error("failed to marshal payload", zap.Error(err))
		return
	}

	token := p.client.Publish(topic, p.qos, false, body)
	if !token.WaitTimeout(5 * time.Second) {
		metrics.IncMQTTPublish(u.DeviceID, u.RegisterName, "timeout")
		p.log.Warn("publish timed out", zap.String("topic", topic))
		return
	}
	if err := token.Error(); err != nil {
		metrics.IncMQTTPublish(u.DeviceID, u.RegisterName, "error")
		p.log.Warn("publish failed", zap.String("topic", topic), zap.Error(err))
		return
	}
	metrics.IncMQTTPublish(u.DeviceID, u.RegisterName, "ok")
}

// PublishStatus publishes a retained online/offline marker for a device.
func (p *Publisher) PublishStatus(deviceID string, online bool) {
	topic := fmt.Sprintf("%s/%s/status", p.topicPrefix, deviceID)
	state := "offline"
	if online {
		state = "online"
	}
	token := p.client.Publish(topic, p.qos, true, []byte(state))
	token.WaitTimeout(5 * time.Second)
}

// Close disconnects the MQTT client cleanly.
func (p *Publisher) Close() {
	p.client.Disconnect(250)
}
