package eventbus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/copydesk/errs"
	"github.com/coachpo/copydesk/internal/domain/orderstore"
	"github.com/coachpo/copydesk/internal/domain/schema"
)

func setupTestBus(t *testing.T, cfg MemoryConfig) *MemoryBus {
	t.Helper()
	bus := NewMemoryBus(cfg)
	t.Cleanup(bus.Close)
	return bus
}

func notification(topic schema.Topic, orderID string) schema.Notification {
	return schema.NewNotification(topic, orderstore.Order{OrderID: orderID, Status: orderstore.StatusPending})
}

func receive(t *testing.T, ch <-chan schema.Notification) schema.Notification {
	t.Helper()
	select {
	case n, ok := <-ch:
		require.True(t, ok, "channel closed")
		return n
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
		return schema.Notification{}
	}
}

func TestMemoryBusPublishNoSubscribers(t *testing.T) {
	bus := setupTestBus(t, MemoryConfig{})
	require.NoError(t, bus.Publish(context.Background(), notification(schema.TopicNewOrder, "A")))
}

func TestMemoryBusPublishRejectsUnknownTopic(t *testing.T) {
	bus := setupTestBus(t, MemoryConfig{})
	err := bus.Publish(context.Background(), notification("positions", "A"))
	require.True(t, errs.Is(err, errs.CodeInvalid))

	_, _, err = bus.Subscribe(context.Background(), "positions")
	require.True(t, errs.Is(err, errs.CodeInvalid))
}

func TestMemoryBusDeliversToTopicSubscribers(t *testing.T) {
	bus := setupTestBus(t, MemoryConfig{BufferSize: 4})
	ctx := context.Background()

	_, newOrders, err := bus.Subscribe(ctx, schema.TopicNewOrder)
	require.NoError(t, err)
	_, all, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, notification(schema.TopicNewOrder, "A")))
	require.NoError(t, bus.Publish(ctx, notification(schema.TopicOrderUpdate, "A")))

	got := receive(t, newOrders)
	require.Equal(t, schema.TopicNewOrder, got.Topic)
	require.NotEmpty(t, got.ID)
	require.False(t, got.PublishedAt.IsZero())

	require.Equal(t, schema.TopicNewOrder, receive(t, all).Topic)
	require.Equal(t, schema.TopicOrderUpdate, receive(t, all).Topic)

	select {
	case n := <-newOrders:
		t.Fatalf("unexpected notification %+v", n)
	default:
	}
}

func TestMemoryBusPreservesPublishOrderPerSubscriber(t *testing.T) {
	bus := setupTestBus(t, MemoryConfig{BufferSize: 128, FanoutWorkers: 3})
	ctx := context.Background()

	channels := make([]<-chan schema.Notification, 3)
	for i := range channels {
		_, ch, err := bus.Subscribe(ctx, schema.TopicOrderUpdate)
		require.NoError(t, err)
		channels[i] = ch
	}
	for i := 0; i < 50; i++ {
		require.NoError(t, bus.Publish(ctx, notification(schema.TopicOrderUpdate, fmt.Sprintf("O%02d", i))))
	}
	for _, ch := range channels {
		for i := 0; i < 50; i++ {
			require.Equal(t, fmt.Sprintf("O%02d", i), receive(t, ch).Order.OrderID)
		}
	}
}

func TestMemoryBusDropsAfterDeliveryTimeout(t *testing.T) {
	bus := setupTestBus(t, MemoryConfig{BufferSize: 1, DeliveryTimeout: 10 * time.Millisecond})
	ctx := context.Background()
	_, ch, err := bus.Subscribe(ctx, schema.TopicNewOrder)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, notification(schema.TopicNewOrder, "A")))
	started := time.Now()
	require.NoError(t, bus.Publish(ctx, notification(schema.TopicNewOrder, "B")))
	require.GreaterOrEqual(t, time.Since(started), 10*time.Millisecond)

	require.Equal(t, "A", receive(t, ch).Order.OrderID)
	select {
	case n := <-ch:
		t.Fatalf("expected B to be dropped, got %s", n.Order.OrderID)
	default:
	}
}

func TestMemoryBusLateSubscriberMissesHistory(t *testing.T) {
	bus := setupTestBus(t, MemoryConfig{})
	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, notification(schema.TopicNewOrder, "A")))

	_, ch, err := bus.Subscribe(ctx, schema.TopicNewOrder)
	require.NoError(t, err)
	select {
	case n := <-ch:
		t.Fatalf("late subscriber received %s", n.Order.OrderID)
	default:
	}
}

func TestMemoryBusUnsubscribeClosesChannel(t *testing.T) {
	bus := setupTestBus(t, MemoryConfig{})
	id, ch, err := bus.Subscribe(context.Background())
	require.NoError(t, err)

	bus.Unsubscribe(id)
	bus.Unsubscribe(id)
	_, ok := <-ch
	require.False(t, ok)
	require.NoError(t, bus.Publish(context.Background(), notification(schema.TopicNewOrder, "A")))
}

func TestMemoryBusContextCancelRemovesSubscriber(t *testing.T) {
	bus := setupTestBus(t, MemoryConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	_, ch, err := bus.Subscribe(ctx, schema.TopicNewOrder)
	require.NoError(t, err)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestMemoryBusClose(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{})
	_, ch, err := bus.Subscribe(context.Background())
	require.NoError(t, err)

	bus.Close()
	bus.Close()
	_, ok := <-ch
	require.False(t, ok)

	err = bus.Publish(context.Background(), notification(schema.TopicNewOrder, "A"))
	require.True(t, errs.Is(err, errs.CodeUnavailable))
	_, _, err = bus.Subscribe(context.Background())
	require.True(t, errs.Is(err, errs.CodeUnavailable))
}
