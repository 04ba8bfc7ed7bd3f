// Package eventbus defines pub/sub interfaces for order notifications.
package eventbus

import (
	"context"
	"time"

	"github.com/coachpo/copydesk/internal/domain/schema"
	"github.com/coachpo/copydesk/internal/observability"
)

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID string

// Publisher is the write side used by the replication engine and reconciliation loop.
type Publisher interface {
	Publish(ctx context.Context, n schema.Notification) error
}

// Bus delivers notifications to interested subscribers. History is not retained: a
// subscriber only sees notifications published after it subscribed.
type Bus interface {
	Publisher
	Subscribe(ctx context.Context, topics ...schema.Topic) (SubscriptionID, <-chan schema.Notification, error)
	Unsubscribe(id SubscriptionID)
	Close()
}

// MemoryConfig configures the in-memory bus buffers.
type MemoryConfig struct {
	BufferSize    int
	FanoutWorkers int
	// DeliveryTimeout bounds how long a publish waits on a full subscriber buffer
	// before dropping the notification for that subscriber.
	DeliveryTimeout time.Duration
	Logger          observability.Logger
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 2 * time.Second
	}
	c.Logger = observability.OrNop(c.Logger)
	return c
}
