package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBroker_Subscribe(t *testing.T) {
	broker := NewBroker()
	defer broker.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := broker.Subscribe(ctx)

	broker.Publish(TaskCreated, TaskPayload{TaskID: "t1", State: "Pending"})

	select {
	case ev := <-ch:
		require.Equal(t, TaskCreated, ev.Tag)
		require.False(t, ev.At.IsZero())
		payload, ok := ev.Payload.(TaskPayload)
		require.True(t, ok, "payload should be a TaskPayload")
		require.Equal(t, "t1", payload.TaskID)
	case <-time.After(100 * time.Millisecond):
		require.Fail(t, "timeout waiting for event")
	}
}

func TestBroker_MultipleSubscribers(t *testing.T) {
	broker := NewBroker()
	defer broker.Close()

	ctx := context.Background()

	ch1 := broker.Subscribe(ctx)
	ch2 := broker.Subscribe(ctx)
	ch3 := broker.Subscribe(ctx)

	require.Equal(t, 3, broker.SubscriberCount())

	broker.Publish(Cycle, CyclePayload{Cycle: 42})

	for i, ch := range []<-chan Event{ch1, ch2, ch3} {
		select {
		case ev := <-ch:
			require.Equal(t, Cycle, ev.Tag, "subscriber %d", i)
			require.Equal(t, CyclePayload{Cycle: 42}, ev.Payload, "subscriber %d", i)
		case <-time.After(100 * time.Millisecond):
			require.Fail(t, "timeout waiting for event", "subscriber %d", i)
		}
	}
}

func TestBroker_ContextCancellation(t *testing.T) {
	broker := NewBroker()
	defer broker.Close()

	ctx, cancel := context.WithCancel(context.Background())

	ch := broker.Subscribe(ctx)
	require.Equal(t, 1, broker.SubscriberCount())

	cancel()
	time.Sleep(20 * time.Millisecond) // Wait for cleanup goroutine

	require.Equal(t, 0, broker.SubscriberCount())

	_, ok := <-ch
	require.False(t, ok, "channel should be closed")
}

func TestBroker_NonBlocking(t *testing.T) {
	broker := NewBrokerWithBuffer(1)
	defer broker.Close()

	ch := broker.Subscribe(context.Background())

	// Fill the single-slot buffer, then publish more; none may block.
	broker.Publish(Cycle, CyclePayload{Cycle: 1})

	done := make(chan struct{})
	go func() {
		broker.Publish(Cycle, CyclePayload{Cycle: 2})
		broker.Publish(Cycle, CyclePayload{Cycle: 3})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(200 * time.Millisecond):
		require.Fail(t, "publish blocked on a full subscriber")
	}

	ev := <-ch
	require.Equal(t, CyclePayload{Cycle: 1}, ev.Payload, "only the buffered event survives")
}

func TestBroker_Close(t *testing.T) {
	broker := NewBroker()

	ch := broker.Subscribe(context.Background())
	broker.Close()

	_, ok := <-ch
	require.False(t, ok, "channel should be closed after broker close")

	// Publishing and re-closing after close must be harmless no-ops.
	broker.Publish(ManagerStop, StopPayload{Reason: "shutdown"})
	broker.Close()

	require.Equal(t, 0, broker.SubscriberCount())
}

func TestBroker_SubscribeAfterClose(t *testing.T) {
	broker := NewBroker()
	broker.Close()

	ch := broker.Subscribe(context.Background())
	_, ok := <-ch
	require.False(t, ok, "subscription after close yields a closed channel")
}
