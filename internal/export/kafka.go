// Package export mirrors device telemetry to a Kafka topic for downstream analytics.
package export

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"camera-gateway-go/internal/registry"
)

// MessageWriter is the subset of *kafka.Writer the sink uses
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Envelope is the record written for every telemetry message
type Envelope struct {
	DeviceID   string            `json:"deviceId"`
	Timestamp  time.Time         `json:"timestamp"`
	Properties map[string]string `json:"properties,omitempty"`
	Payload    json.RawMessage   `json:"payload"`
}

// KafkaSink writes telemetry envelopes keyed by device id
type KafkaSink struct {
	w   MessageWriter
	now func() time.Time
	log zerolog.Logger
}

// NewKafkaSink creates an asynchronous writer for topic. Telemetry delivery to the
// registry never waits on Kafka.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return NewSink(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 500 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				log.Warn().Err(err).Int("messages", len(msgs)).Msg("Failed to export telemetry batch")
			}
		},
	})
}

// NewSink wraps an existing writer
func NewSink(w MessageWriter) *KafkaSink {
	return &KafkaSink{w: w, now: time.Now, log: log.Logger}
}

// Write exports one telemetry message
func (s *KafkaSink) Write(ctx context.Context, deviceID string, payload []byte, properties map[string]string) error {
	value, err := json.Marshal(Envelope{
		DeviceID:   deviceID,
		Timestamp:  s.now().UTC(),
		Properties: properties,
		Payload:    payload,
	})
	if err != nil {
		return err
	}
	return s.w.WriteMessages(ctx, kafka.Message{Key: []byte(deviceID), Value: value})
}

// Close flushes pending messages
func (s *KafkaSink) Close() error {
	return s.w.Close()
}

// Wrap returns a connection that mirrors every telemetry message sent through conn
func (s *KafkaSink) Wrap(conn registry.Connection) registry.Connection {
	return &mirroredConnection{Connection: conn, sink: s}
}

type mirroredConnection struct {
	registry.Connection
	sink *KafkaSink
}

func (m *mirroredConnection) SendTelemetry(ctx context.Context, payload any, properties map[string]string) error {
	if err := m.Connection.SendTelemetry(ctx, payload, properties); err != nil {
		return err
	}

	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case json.RawMessage:
		data = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			m.sink.log.Warn().Err(err).Str("device_id", m.DeviceID()).Msg("Failed to encode telemetry for export")
			return nil
		}
		data = b
	}

	if err := m.sink.Write(ctx, m.DeviceID(), data, properties); err != nil {
		m.sink.log.Warn().Err(err).Str("device_id", m.DeviceID()).Msg("Failed to export telemetry")
	}
	return nil
}
