package service

import (
	"github.com/datatrac/datatrac-sync/internal/sync/adapters/eventbus"
	"github.com/datatrac/datatrac-sync/internal/sync/adapters/messaging/kafka"
	"github.com/datatrac/datatrac-sync/internal/sync/domain/model"
	domainservice "github.com/datatrac/datatrac-sync/internal/sync/domain/service"
)

// EventBusPublisher is the domain Publisher surface, aliased here so
// internal/sync/server can assemble a Controller without importing
// domain/service directly.
type EventBusPublisher = domainservice.Publisher

// fanOutPublisher mirrors every publish to Kafka in addition to the
// in-process event bus, so out-of-process consumers see the same event
// stream as live WebSocket subscribers (spec.md §4.6).
type fanOutPublisher struct {
	bus    *eventbus.Bus
	mirror *kafka.EventMirror
}

// FanOut wraps bus with a durable Kafka side channel via mirror.
func FanOut(bus *eventbus.Bus, mirror *kafka.EventMirror) EventBusPublisher {
	return &fanOutPublisher{bus: bus, mirror: mirror}
}

func (f *fanOutPublisher) Publish(taskID string, kind model.EventKind, payload interface{}) {
	f.bus.Publish(taskID, kind, payload)
	f.mirror.Mirror(taskID, kind, payload)
}

func (f *fanOutPublisher) HasSubscribers(taskID string) bool {
	return f.bus.HasSubscribers(taskID)
}
