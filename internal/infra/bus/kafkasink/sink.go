// Package kafkasink mirrors bus notifications onto a Kafka topic.
package kafkasink

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/coachpo/copydesk/errs"
	"github.com/coachpo/copydesk/internal/domain/schema"
	"github.com/coachpo/copydesk/internal/infra/bus/eventbus"
	"github.com/coachpo/copydesk/internal/observability"
)

const defaultTopic = "copydesk.order-notifications"

// messageWriter is the part of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config describes the Kafka destination.
type Config struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
	WriteTimeout time.Duration
}

// Sink forwards every notification from a bus subscription to Kafka. Messages are keyed by
// order id so one order's notifications land on one partition in publish order.
type Sink struct {
	bus          eventbus.Bus
	writer       messageWriter
	topic        string
	writeTimeout time.Duration
	logger       observability.Logger

	mu     sync.Mutex
	subID  eventbus.SubscriptionID
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a sink writing to the configured brokers.
func New(bus eventbus.Bus, cfg Config, logger observability.Logger) (*Sink, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return nil, errs.New("kafkasink", errs.CodeInvalid, errs.WithMessage("at least one broker is required"))
	}
	topic := strings.TrimSpace(cfg.Topic)
	if topic == "" {
		topic = defaultTopic
	}
	batch := cfg.BatchTimeout
	if batch <= 0 {
		batch = 50 * time.Millisecond
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireOne,
		BatchTimeout:           batch,
	}
	return newSink(bus, writer, topic, cfg.WriteTimeout, logger), nil
}

func newSink(bus eventbus.Bus, writer messageWriter, topic string, writeTimeout time.Duration, logger observability.Logger) *Sink {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &Sink{
		bus:          bus,
		writer:       writer,
		topic:        topic,
		writeTimeout: writeTimeout,
		logger:       observability.OrNop(logger),
	}
}

// Start subscribes to every notification topic and begins forwarding.
func (s *Sink) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	id, ch, err := s.bus.Subscribe(runCtx, schema.Topics()...)
	if err != nil {
		cancel()
		return fmt.Errorf("kafkasink: subscribe: %w", err)
	}
	s.subID = id
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.forward(runCtx, ch, s.done)
	s.logger.Info("kafka sink started", observability.Field{Key: "topic", Value: s.topic})
	return nil
}

func (s *Sink) forward(ctx context.Context, ch <-chan schema.Notification, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			if err := s.write(ctx, n); err != nil {
				s.logger.Error("kafka write failed",
					observability.Field{Key: "topic", Value: s.topic},
					observability.Field{Key: "order_id", Value: n.Order.OrderID},
					observability.Field{Key: "error", Value: err},
				)
			}
		}
	}
}

func (s *Sink) write(ctx context.Context, n schema.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	return s.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   []byte(n.Order.OrderID),
		Value: payload,
		Time:  n.PublishedAt,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(n.Topic)},
		},
	})
}

// Close unsubscribes, waits for the forwarder and flushes the writer.
func (s *Sink) Close() error {
	s.mu.Lock()
	cancel, done, id := s.cancel, s.done, s.subID
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel != nil {
		s.bus.Unsubscribe(id)
		cancel()
		<-done
	}
	if err := s.writer.Close(); err != nil {
		return fmt.Errorf("kafkasink: close writer: %w", err)
	}
	return nil
}
