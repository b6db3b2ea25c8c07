package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvWithTimeout(t *testing.T, c <-chan Event, d time.Duration) (Event, bool) {
	t.Helper()
	select {
	case e := <-c:
		return e, true
	case <-time.After(d):
		return Event{}, false
	}
}

func TestPublish_DeliversToSubscriber(t *testing.T) {
	bus := New(8)
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	bus.Publish(KindTaskQueued, "t1", TaskQueued{TaskID: "t1"})

	evt, ok := recvWithTimeout(t, sub.C, time.Second)
	require.True(t, ok)
	assert.Equal(t, KindTaskQueued, evt.Kind)
}

func TestPublish_CoalescesTaskUpdated(t *testing.T) {
	bus := New(8)
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	// Publish many updates before anything is read; only the latest
	// for the task should survive coalescing.
	for i := int64(0); i < 20; i++ {
		bus.Publish(KindTaskUpdated, "t1", TaskUpdated{TaskID: "t1", BytesDone: i})
	}

	evt, ok := recvWithTimeout(t, sub.C, time.Second)
	require.True(t, ok)
	tu, ok := evt.Payload.(TaskUpdated)
	require.True(t, ok)
	assert.Equal(t, int64(19), tu.BytesDone)

	_, ok = recvWithTimeout(t, sub.C, 100*time.Millisecond)
	assert.False(t, ok, "expected only one coalesced update, got more")
}

func TestPublish_LifecycleEventsNeverCoalesced(t *testing.T) {
	bus := New(8)
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	bus.Publish(KindTaskStarted, "t1", TaskStarted{TaskID: "t1"})
	bus.Publish(KindTaskCompleted, "t1", TaskCompleted{TaskID: "t1"})

	first, ok := recvWithTimeout(t, sub.C, time.Second)
	require.True(t, ok)
	assert.Equal(t, KindTaskStarted, first.Kind)

	second, ok := recvWithTimeout(t, sub.C, time.Second)
	require.True(t, ok)
	assert.Equal(t, KindTaskCompleted, second.Kind)
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	bus := New(8)
	sub := bus.Subscribe()
	bus.Unsubscribe(sub)

	bus.Publish(KindTaskQueued, "t1", TaskQueued{TaskID: "t1"})
	_, ok := recvWithTimeout(t, sub.C, 200*time.Millisecond)
	assert.False(t, ok)
}
