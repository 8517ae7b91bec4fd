// Package eventbus implements the Event Bus (spec.md §4.6): per-task
// multi-subscriber fan-out of progress, log, and error events with
// non-blocking, best-effort delivery. Grounded on the teacher's
// gateway/realtime EventBroadcaster, generalized from channel/workspace
// subscription keys to per-task keys.
package eventbus

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/datatrac/datatrac-sync/internal/sync/domain/model"
)

// Event is the envelope pushed to every subscriber of a task.
type Event struct {
	ID        string          `json:"id"`
	Kind      model.EventKind `json:"kind"`
	TaskID    string          `json:"taskId"`
	Payload   interface{}     `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// subscriberCapacity bounds each sink; beyond this, events are dropped for
// that sink only (spec.md §4.6 — a current-state feed, not a log).
const subscriberCapacity = 64

// Bus is the per-process Event Bus. It satisfies the Publisher interface
// consumed by the Unit Pipeline and Task Controller (domain/service).
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan *Event]struct{}
}

// New constructs an empty Bus.
func New() *Bus {
	return &Bus{subscribers: make(map[string]map[chan *Event]struct{})}
}

// Subscribe registers a new sink for taskId. The caller MUST call the
// returned cancel function on disconnect, which closes the channel.
func (b *Bus) Subscribe(taskID string) (<-chan *Event, func()) {
	ch := make(chan *Event, subscriberCapacity)

	b.mu.Lock()
	set, ok := b.subscribers[taskID]
	if !ok {
		set = make(map[chan *Event]struct{})
		b.subscribers[taskID] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.subscribers[taskID]; ok {
			if _, present := set[ch]; present {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(b.subscribers, taskID)
			}
		}
	}
	return ch, cancel
}

// Publish delivers event to every current subscriber of taskId. It never
// blocks: a full sink drops the event for itself only.
func (b *Bus) Publish(taskID string, kind model.EventKind, payload interface{}) {
	b.mu.RLock()
	set := b.subscribers[taskID]
	subs := make([]chan *Event, 0, len(set))
	for ch := range set {
		subs = append(subs, ch)
	}
	b.mu.RUnlock()

	if len(subs) == 0 {
		return
	}

	event := &Event{
		ID:        uuid.New().String(),
		Kind:      kind,
		TaskID:    taskID,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	for _, ch := range subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// HasSubscribers reports whether taskId currently has any live sink, used
// by the periodic snapshot pusher to skip work with nobody listening.
func (b *Bus) HasSubscribers(taskID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[taskID]) > 0
}
