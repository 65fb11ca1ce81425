package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusPublishDeliversToSubscriber(t *testing.T) {
	bus := NewBus(8)
	defer bus.Close()

	sub := bus.Subscribe(context.Background())
	defer sub.Unsubscribe()

	bus.Publish(Event{Type: TypeExecutionQueued, ExecutionID: "exec_1"})

	select {
	case ev := <-sub.C:
		assert.Equal(t, TypeExecutionQueued, ev.Type)
		assert.Equal(t, "exec_1", ev.ExecutionID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBusFanOutToMultipleSubscribers(t *testing.T) {
	bus := NewBus(8)
	defer bus.Close()

	subA := bus.Subscribe(context.Background())
	defer subA.Unsubscribe()
	subB := bus.Subscribe(context.Background())
	defer subB.Unsubscribe()

	bus.Publish(Event{Type: TypeRunnerRegistered})

	for _, sub := range []*Subscription{subA, subB} {
		select {
		case ev := <-sub.C:
			assert.Equal(t, TypeRunnerRegistered, ev.Type)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestBusOverflowDeliversLagged(t *testing.T) {
	bus := NewBus(2)
	defer bus.Close()

	sub := bus.Subscribe(context.Background())
	defer sub.Unsubscribe()

	// Without draining C, the internal queue (2), C's buffer (2) and the
	// one event held by the dispatcher take at most 5 events, so 10
	// publishes are certain to force the overflow/Lagged path.
	for i := 0; i < 10; i++ {
		bus.Publish(Event{Type: TypeQueueDepthSampled})
	}

	var sawLagged bool
	deadline := time.After(2 * time.Second)
	for !sawLagged {
		select {
		case ev := <-sub.C:
			if ev.Type == TypeLagged {
				sawLagged = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for a Lagged event")
		}
	}
}

func TestSubscriptionUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(4)
	defer bus.Close()

	sub := bus.Subscribe(context.Background())
	sub.Unsubscribe()

	select {
	case _, ok := <-sub.C:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel did not close after Unsubscribe")
	}
}

func TestBusPublishAfterCloseDoesNotPanic(t *testing.T) {
	bus := NewBus(4)
	sub := bus.Subscribe(context.Background())
	bus.Close()

	require.NotPanics(t, func() {
		bus.Publish(Event{Type: TypeExecutionCompleted})
	})

	select {
	case _, ok := <-sub.C:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel did not close after Close")
	}
}
