package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/copydesk/errs"
	"github.com/coachpo/copydesk/internal/domain/schema"
	"github.com/coachpo/copydesk/internal/infra/telemetry"
	"github.com/coachpo/copydesk/internal/observability"
)

// MemoryBus is an in-memory implementation of the notification bus.
type MemoryBus struct {
	cfg    MemoryConfig
	logger observability.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	subscribers  map[schema.Topic]map[SubscriptionID]*subscriber
	shutdownOnce sync.Once
	nextID       uint64

	eventsPublishedCounter metric.Int64Counter
	subscriberGauge        metric.Int64UpDownCounter
	fanoutHistogram        metric.Int64Histogram
	publishDuration        metric.Float64Histogram
	deliveryDroppedCounter metric.Int64Counter
}

// subscriber owns a buffered channel. mu guards the channel against a close racing a send.
type subscriber struct {
	id     SubscriptionID
	ctx    context.Context
	cancel context.CancelFunc
	ch     chan schema.Notification

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

// NewMemoryBus constructs a memory-backed bus.
func NewMemoryBus(cfg MemoryConfig) *MemoryBus {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	bus := new(MemoryBus)
	bus.cfg = cfg
	bus.logger = cfg.Logger
	bus.ctx = ctx
	bus.cancel = cancel
	bus.subscribers = make(map[schema.Topic]map[SubscriptionID]*subscriber)

	meter := otel.Meter("eventbus")
	bus.eventsPublishedCounter, _ = meter.Int64Counter("eventbus.events.published",
		metric.WithDescription("Number of notifications published to the bus"),
		metric.WithUnit("{event}"))
	bus.subscriberGauge, _ = meter.Int64UpDownCounter("eventbus.subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))
	bus.fanoutHistogram, _ = meter.Int64Histogram("eventbus.fanout.size",
		metric.WithDescription("Number of subscribers per fanout"),
		metric.WithUnit("{subscriber}"))
	bus.publishDuration, _ = meter.Float64Histogram("eventbus.publish.duration",
		metric.WithDescription("Latency of eventbus publish operations"),
		metric.WithUnit("ms"))
	bus.deliveryDroppedCounter, _ = meter.Int64Counter("eventbus.delivery.dropped",
		metric.WithDescription("Notifications dropped because a subscriber stayed full past the delivery timeout"),
		metric.WithUnit("{event}"))

	return bus
}

// Publish delivers the notification to every subscriber of its topic and returns once each
// delivery has completed or timed out. Deliveries to one subscriber happen in publish order.
func (b *MemoryBus) Publish(ctx context.Context, n schema.Notification) error {
	if ctx == nil {
		ctx = context.Background()
	}
	n.Topic = schema.NormalizeTopic(n.Topic)
	if !n.Topic.Valid() {
		return errs.New("eventbus/publish", errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("unknown topic %q", n.Topic)))
	}
	if b.ctx.Err() != nil {
		return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.PublishedAt.IsZero() {
		n.PublishedAt = time.Now().UTC()
	}

	start := time.Now()
	result := telemetry.ResultSuccess
	defer func() {
		if b.publishDuration != nil {
			attrs := append(telemetry.TopicAttributes(string(n.Topic)), telemetry.AttrResult.String(result))
			b.publishDuration.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attrs...))
		}
	}()

	// Snapshot subscribers before any delivery work.
	b.mu.RLock()
	subMap := b.subscribers[n.Topic]
	subs := make([]*subscriber, 0, len(subMap))
	for _, sub := range subMap {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	if b.fanoutHistogram != nil {
		b.fanoutHistogram.Record(ctx, int64(len(subs)), metric.WithAttributes(telemetry.TopicAttributes(string(n.Topic))...))
	}
	if b.eventsPublishedCounter != nil {
		b.eventsPublishedCounter.Add(ctx, 1, metric.WithAttributes(telemetry.TopicAttributes(string(n.Topic))...))
	}
	if len(subs) == 0 {
		result = "no_subscribers"
		return nil
	}

	dropped := b.dispatch(ctx, subs, n)
	if dropped > 0 {
		result = "dropped"
	}
	return nil
}

// Subscribe registers one channel for the given topics; no topics means every topic.
func (b *MemoryBus) Subscribe(ctx context.Context, topics ...schema.Topic) (SubscriptionID, <-chan schema.Notification, error) {
	if b.ctx.Err() != nil {
		return "", nil, errs.New("eventbus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	if len(topics) == 0 {
		topics = schema.Topics()
	}
	normalized := make([]schema.Topic, 0, len(topics))
	for _, topic := range topics {
		topic = schema.NormalizeTopic(topic)
		if !topic.Valid() {
			return "", nil, errs.New("eventbus/subscribe", errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("unknown topic %q", topic)))
		}
		normalized = append(normalized, topic)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)

	sub := new(subscriber)
	sub.id = SubscriptionID(fmt.Sprintf("sub-%d", atomic.AddUint64(&b.nextID, 1)))
	sub.ctx = ctx
	sub.cancel = cancel
	sub.ch = make(chan schema.Notification, b.cfg.BufferSize)

	b.mu.Lock()
	for _, topic := range normalized {
		if _, ok := b.subscribers[topic]; !ok {
			b.subscribers[topic] = make(map[SubscriptionID]*subscriber)
		}
		b.subscribers[topic][sub.id] = sub
	}
	b.mu.Unlock()

	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(ctx, 1, metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
	}

	go b.observe(sub)
	return sub.id, sub.ch, nil
}

// Unsubscribe removes the subscription and closes its channel.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	if id == "" {
		return
	}
	if sub := b.remove(id); sub != nil {
		sub.close()
	}
}

// Close shuts down the bus and all subscriptions.
func (b *MemoryBus) Close() {
	b.shutdownOnce.Do(func() {
		b.cancel()
		b.mu.Lock()
		closing := make(map[SubscriptionID]*subscriber)
		for topic, subs := range b.subscribers {
			for id, sub := range subs {
				closing[id] = sub
			}
			delete(b.subscribers, topic)
		}
		b.mu.Unlock()
		for _, sub := range closing {
			sub.close()
		}
	})
}

func (b *MemoryBus) remove(id SubscriptionID) *subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	var found *subscriber
	for topic, subs := range b.subscribers {
		if sub, ok := subs[id]; ok {
			found = sub
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.subscribers, topic)
			}
		}
	}
	if found != nil && b.subscriberGauge != nil {
		b.subscriberGauge.Add(context.Background(), -1, metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
	}
	return found
}

func (b *MemoryBus) observe(sub *subscriber) {
	select {
	case <-sub.ctx.Done():
	case <-b.ctx.Done():
	}
	b.remove(sub.id)
	sub.close()
}

// dispatch delivers n to each subscriber on a bounded goroutine pool and reports drops.
func (b *MemoryBus) dispatch(ctx context.Context, subs []*subscriber, n schema.Notification) int {
	p := concpool.New().WithMaxGoroutines(b.cfg.FanoutWorkers)
	var dropped atomic.Int32
	for _, sub := range subs {
		p.Go(func() {
			if !b.deliver(ctx, sub, n.Clone()) {
				dropped.Add(1)
			}
		})
	}
	p.Wait()
	return int(dropped.Load())
}

// deliver waits up to the delivery timeout for buffer space. It reports false only when
// the notification was dropped for a live subscriber.
func (b *MemoryBus) deliver(ctx context.Context, sub *subscriber, n schema.Notification) bool {
	sub.mu.RLock()
	defer sub.mu.RUnlock()
	if sub.closed {
		return true
	}
	select {
	case sub.ch <- n:
		return true
	default:
	}

	timer := time.NewTimer(b.cfg.DeliveryTimeout)
	defer timer.Stop()
	select {
	case sub.ch <- n:
		return true
	case <-sub.ctx.Done():
		return true
	case <-b.ctx.Done():
		return true
	case <-ctx.Done():
	case <-timer.C:
	}

	b.logger.Warn("eventbus: subscriber buffer full; notification dropped",
		observability.Field{Key: "subscription_id", Value: string(sub.id)},
		observability.Field{Key: "topic", Value: string(n.Topic)},
		observability.Field{Key: "order_id", Value: n.Order.OrderID},
	)
	if b.deliveryDroppedCounter != nil {
		b.deliveryDroppedCounter.Add(context.Background(), 1, metric.WithAttributes(telemetry.TopicAttributes(string(n.Topic))...))
	}
	return false
}

func (s *subscriber) close() {
	s.once.Do(func() {
		s.cancel()
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}
