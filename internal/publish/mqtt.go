// Package publish forwards persisted history records to an MQTT broker.
package publish

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/jpalmerr/devicepoll/device"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second

	// disconnectQuiesce is how long Disconnect waits for queued work, in ms.
	disconnectQuiesce = 250
)

// ErrNotConnected is returned by [Dial] when the broker did not accept the
// connection in time.
var ErrNotConnected = errors.New("mqtt broker not connected")

// Client is the part of mqtt.Client the publisher uses.
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Publisher sends every record to "<prefix>/<device_id>" as history JSON.
//
// Publishing is fire-and-forget at QoS 0: Publish never blocks on the
// broker, and delivery failures are logged and counted.
type Publisher struct {
	client Client
	prefix string
	logger *slog.Logger

	published atomic.Uint64
	failed    atomic.Uint64
}

// NewPublisher wraps a connected client.
func NewPublisher(client Client, topicPrefix string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		client: client,
		prefix: strings.TrimRight(topicPrefix, "/"),
		logger: logger,
	}
}

// Dial connects to broker (e.g. "tcp://localhost:1883") and returns a
// [Publisher] on it. The client reconnects on its own after a lost
// connection.
func Dial(broker, clientID, topicPrefix string, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("mqtt connected", "broker", broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "broker", broker, "error", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("connect to %s: %w", broker, ErrNotConnected)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", broker, err)
	}
	return NewPublisher(client, topicPrefix, logger), nil
}

// Topic returns the topic records of deviceID are published to.
func (p *Publisher) Topic(deviceID int64) string {
	return fmt.Sprintf("%s/%d", p.prefix, deviceID)
}

// Publish sends rec without waiting for the broker. Only encoding errors
// are returned.
func (p *Publisher) Publish(rec device.HistoryRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %d: %w", rec.ID, err)
	}

	topic := p.Topic(rec.DeviceID)
	token := p.client.Publish(topic, 0, false, payload)
	go p.watch(token, topic)
	return nil
}

func (p *Publisher) watch(token mqtt.Token, topic string) {
	if !token.WaitTimeout(publishTimeout) {
		p.failed.Add(1)
		p.logger.Warn("mqtt publish timed out", "topic", topic)
		return
	}
	if err := token.Error(); err != nil {
		p.failed.Add(1)
		p.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
		return
	}
	p.published.Add(1)
}

// Published returns the number of records the client reported as sent.
func (p *Publisher) Published() uint64 { return p.published.Load() }

// Failed returns the number of records that failed or timed out.
func (p *Publisher) Failed() uint64 { return p.failed.Load() }

// Close disconnects from the broker.
func (p *Publisher) Close() {
	p.client.Disconnect(disconnectQuiesce)
}
