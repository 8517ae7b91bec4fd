// Package kafka mirrors sync events to a durable Kafka topic, grounded on
// the teacher's platform/messaging/kafka.EventPublisher: an async producer
// with a drained error channel, best-effort and non-blocking so Kafka
// outages never stall a unit worker.
package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/datatrac/datatrac-sync/internal/sync/domain/model"
)

// Config holds Kafka configuration for the event mirror.
type Config struct {
	Brokers []string
	Topic   string
}

// EventMirror publishes sync events to Kafka as a durable side channel for
// out-of-process consumers, alongside the in-process event bus that serves
// live WebSocket subscribers (spec.md §4.6).
type EventMirror struct {
	producer sarama.AsyncProducer
	topic    string
}

type mirroredEvent struct {
	TaskID    string          `json:"taskId"`
	Kind      model.EventKind `json:"kind"`
	Payload   interface{}     `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEventMirror creates a Kafka-backed EventMirror.
func NewEventMirror(cfg *Config) (*EventMirror, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.RequiredAcks = sarama.WaitForLocal
	saramaConfig.Producer.Retry.Max = 5
	saramaConfig.Producer.Return.Successes = false
	saramaConfig.Producer.Return.Errors = true
	saramaConfig.Producer.Compression = sarama.CompressionSnappy
	saramaConfig.Version = sarama.V3_3_1_0

	producer, err := sarama.NewAsyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	mirror := &EventMirror{producer: producer, topic: cfg.Topic}
	go mirror.drainErrors()
	return mirror, nil
}

// Mirror best-effort publishes one event. A full producer input buffer or
// marshal failure is dropped rather than blocking the caller; the event bus
// remains the system of record for live subscribers.
func (m *EventMirror) Mirror(taskID string, kind model.EventKind, payload interface{}) {
	data, err := json.Marshal(mirroredEvent{TaskID: taskID, Kind: kind, Payload: payload, Timestamp: time.Now()})
	if err != nil {
		return
	}
	msg := &sarama.ProducerMessage{
		Topic: m.topic,
		Key:   sarama.StringEncoder(taskID),
		Value: sarama.ByteEncoder(data),
	}
	select {
	case m.producer.Input() <- msg:
	default:
	}
}

func (m *EventMirror) drainErrors() {
	for range m.producer.Errors() {
	}
}

// Close shuts down the underlying producer.
func (m *EventMirror) Close() error {
	return m.producer.Close()
}
