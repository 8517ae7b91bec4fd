package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datatrac/datatrac-sync/internal/sync/domain/model"
)

func TestBus_PublishDeliversToSubscriber(t *testing.T) {
	bus := New()
	events, cancel := bus.Subscribe("t1")
	defer cancel()

	require.True(t, bus.HasSubscribers("t1"))
	bus.Publish("t1", model.EventLog, "hello")

	evt := <-events
	assert.Equal(t, model.EventLog, evt.Kind)
	assert.Equal(t, "hello", evt.Payload)
}

func TestBus_PublishWithNoSubscribersIsNoop(t *testing.T) {
	bus := New()
	assert.False(t, bus.HasSubscribers("ghost"))
	assert.NotPanics(t, func() { bus.Publish("ghost", model.EventLog, "x") })
}

func TestBus_CancelRemovesSubscriber(t *testing.T) {
	bus := New()
	_, cancel := bus.Subscribe("t1")
	require.True(t, bus.HasSubscribers("t1"))
	cancel()
	assert.False(t, bus.HasSubscribers("t1"))
}

func TestBus_PublishDropsOnFullSubscriberChannel(t *testing.T) {
	bus := New()
	_, cancel := bus.Subscribe("t1")
	defer cancel()

	for i := 0; i < subscriberCapacity+10; i++ {
		bus.Publish("t1", model.EventLog, i)
	}
	// None of the extra publishes should block or panic; the channel caps
	// at subscriberCapacity and drops the rest.
}

func TestBus_MultipleSubscribersEachGetEvent(t *testing.T) {
	bus := New()
	a, cancelA := bus.Subscribe("t1")
	b, cancelB := bus.Subscribe("t1")
	defer cancelA()
	defer cancelB()

	bus.Publish("t1", model.EventProgress, 42)

	evtA := <-a
	evtB := <-b
	assert.Equal(t, 42, evtA.Payload)
	assert.Equal(t, 42, evtB.Payload)
}
