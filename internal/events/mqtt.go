// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/Thermoquad/rpsplc/pkg/mq"
)

// Publisher sends a payload to a broker topic
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// MQTTConfig defines the broker connection
type MQTTConfig struct {
	Broker   string
	Port     int
	ClientID string
	Topic    string
}

// mqttPublisher wraps a paho client
type mqttPublisher struct {
	client mqtt.Client
}

// DialMQTT connects to the broker. The client keeps reconnecting in the
// background after the first successful connect.
func DialMQTT(cfg MQTTConfig) (Publisher, func(), error) {
	broker := fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port)
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		client.Disconnect(0)
		return nil, nil, fmt.Errorf("mqtt connect: timed out")
	}
	if err := token.Error(); err != nil {
		return nil, nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return &mqttPublisher{client: client}, func() { client.Disconnect(250) }, nil
}

func (p *mqttPublisher) Publish(topic string, payload []byte) error {
	if !p.client.IsConnected() {
		return fmt.Errorf("mqtt not connected")
	}
	token := p.client.Publish(topic, 1, false, payload)
	token.Wait()
	return token.Error()
}

// wireEvent is the JSON form published to the broker
type wireEvent struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// MQTTSink forwards bus events to a broker.
//
// The bus callback only enqueues and a separate Run loop does the
// publishing, so a stalled broker never backs up the bus. Events are
// dropped when the queue is full.
type MQTTSink struct {
	pub   Publisher
	topic string
	queue *mq.Queue[Event]
	log   *slog.Logger
}

// NewMQTTSink creates a sink publishing under topic/<event type>
func NewMQTTSink(pub Publisher, topic string, log *slog.Logger) *MQTTSink {
	return &MQTTSink{
		pub:   pub,
		topic: topic,
		queue: mq.New[Event]("mqtt-events", 256),
		log:   log.With("component", "mqtt"),
	}
}

// Attach subscribes the sink to every event on bus
func (s *MQTTSink) Attach(bus *EventBus) SubscriberID {
	return bus.Subscribe(func(evt Event) {
		s.queue.TryPush(evt)
	})
}

// Dropped returns the number of events lost to a full queue
func (s *MQTTSink) Dropped() uint64 {
	return s.queue.Dropped()
}

// Run publishes queued events until ctx is done, then flushes what is left
func (s *MQTTSink) Run(ctx context.Context) error {
	for {
		evt, err := s.queue.Receive(ctx, 0)
		if err != nil {
			for _, evt := range s.queue.Drain() {
				s.publish(evt)
			}
			return nil
		}
		s.publish(evt)
	}
}

func (s *MQTTSink) publish(evt Event) {
	data, err := json.Marshal(wireEvent{
		ID:        evt.ID,
		Type:      evt.Type.String(),
		Timestamp: evt.Timestamp,
		Payload:   evt.Payload,
	})
	if err != nil {
		s.log.Error("encode event", "type", evt.Type.String(), "error", err)
		return
	}

	topic := s.topic + "/" + evt.Type.String()
	if err := s.pub.Publish(topic, data); err != nil {
		s.log.Warn("publish event", "topic", topic, "error", err)
	}
}
