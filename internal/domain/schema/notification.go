// Package schema defines the notification payloads broadcast to live subscribers.
package schema

import (
	"strings"
	"time"

	"github.com/coachpo/copydesk/internal/domain/orderstore"
)

// Topic names a notification stream.
type Topic string

const (
	// TopicNewOrder carries orders created by placement or replication.
	TopicNewOrder Topic = "new_order"
	// TopicOrderUpdate carries status changes of existing orders.
	TopicOrderUpdate Topic = "order_update"
)

// Topics lists every topic the publisher accepts.
func Topics() []Topic {
	return []Topic{TopicNewOrder, TopicOrderUpdate}
}

// NormalizeTopic lowercases and trims a topic name.
func NormalizeTopic(topic Topic) Topic {
	return Topic(strings.ToLower(strings.TrimSpace(string(topic))))
}

// Valid reports whether the topic is known.
func (t Topic) Valid() bool {
	switch NormalizeTopic(t) {
	case TopicNewOrder, TopicOrderUpdate:
		return true
	default:
		return false
	}
}

// Notification is a single published event carrying the full order snapshot.
type Notification struct {
	ID          string           `json:"id"`
	Topic       Topic            `json:"type"`
	Order       orderstore.Order `json:"order"`
	PublishedAt time.Time        `json:"published_at"`
}

// NewNotification builds a notification with a copy of the order.
func NewNotification(topic Topic, order orderstore.Order) Notification {
	return Notification{
		Topic: NormalizeTopic(topic),
		Order: order.Clone(),
	}
}

// Clone returns a deep copy of the notification.
func (n Notification) Clone() Notification {
	n.Order = n.Order.Clone()
	return n
}
