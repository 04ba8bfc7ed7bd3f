// Package reconcile periodically observes pending orders and publishes their terminal transitions.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/copydesk/errs"
	"github.com/coachpo/copydesk/internal/domain/orderstore"
	"github.com/coachpo/copydesk/internal/domain/schema"
	"github.com/coachpo/copydesk/internal/infra/bus/eventbus"
	"github.com/coachpo/copydesk/internal/infra/telemetry"
	"github.com/coachpo/copydesk/internal/observability"
)

const (
	defaultInterval = 10 * time.Second
	defaultMinAge   = time.Second
)

// Transition moves one pending order into a terminal state.
type Transition struct {
	OrderID        string
	Status         orderstore.Status
	FilledQuantity int
	AveragePrice   float64
}

// Source decides which of an owner's pending orders have reached a terminal state.
type Source interface {
	Name() string
	Observe(ctx context.Context, ownerID string, pending []orderstore.Order) ([]Transition, error)
}

// Options configures a Loop.
type Options struct {
	Store     orderstore.Store
	Publisher eventbus.Publisher
	Source    Source
	// Interval between sweeps; defaults to 10s.
	Interval time.Duration
	// MinAge skips orders younger than this so a new order is announced before it can be updated.
	// Negative disables the grace period.
	MinAge time.Duration
	Clock  func() time.Time
	Logger observability.Logger
}

// Loop runs sweeps on a fixed interval until stopped.
type Loop struct {
	store     orderstore.Store
	publisher eventbus.Publisher
	source    Source
	interval  time.Duration
	minAge    time.Duration
	now       func() time.Time
	logger    observability.Logger

	transitions metric.Int64Counter

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

var errNotPending = errors.New("order is no longer pending")

// New constructs a Loop.
func New(opts Options) (*Loop, error) {
	if opts.Store == nil || opts.Publisher == nil || opts.Source == nil {
		return nil, errs.New("reconcile", errs.CodeInvalid, errs.WithMessage("store, publisher and source are required"))
	}
	l := &Loop{
		store:     opts.Store,
		publisher: opts.Publisher,
		source:    opts.Source,
		interval:  opts.Interval,
		minAge:    opts.MinAge,
		now:       opts.Clock,
		logger:    observability.OrNop(opts.Logger),
	}
	if l.interval <= 0 {
		l.interval = defaultInterval
	}
	if l.minAge == 0 {
		l.minAge = defaultMinAge
	}
	if l.now == nil {
		l.now = time.Now
	}
	l.transitions, _ = otel.Meter("reconcile").Int64Counter("copydesk.reconcile.transitions",
		metric.WithDescription("Terminal transitions applied by the reconciliation loop"),
		metric.WithUnit("{order}"))
	return l, nil
}

// Start launches the sweep goroutine. Calling Start on a running loop is a no-op.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	l.running = true
	go l.run(runCtx, l.done)
	l.logger.Info("reconciliation loop started",
		observability.Field{Key: "source", Value: l.source.Name()},
		observability.Field{Key: "interval", Value: l.interval.String()},
	)
}

// Stop cancels the loop and waits for an in-flight sweep to finish or ctx to expire.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = false
	l.cancel()
	done := l.done
	l.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("reconcile: stop: %w", ctx.Err())
	}
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Tick reports its own failures.
			_, _ = l.Tick(ctx)
		}
	}
}

// Tick runs one sweep over every owner and returns how many transitions were applied.
// A failing owner does not stop the sweep; its error is logged once and included in the
// returned aggregate.
func (l *Loop) Tick(ctx context.Context) (int, error) {
	owners, err := l.store.Owners(ctx)
	if err != nil {
		if ctx.Err() == nil {
			l.logger.Warn("reconciliation sweep skipped", observability.Field{Key: "error", Value: err})
		}
		return 0, fmt.Errorf("reconcile: list owners: %w", err)
	}
	applied := 0
	var failures []error
	for _, owner := range owners {
		if ctx.Err() != nil {
			failures = append(failures, ctx.Err())
			break
		}
		n, err := l.sweepOwner(ctx, owner)
		applied += n
		if err != nil {
			failures = append(failures, fmt.Errorf("owner %s: %w", owner, err))
		}
	}
	if len(failures) > 0 {
		return applied, observability.AggregateErrors("reconcile sweep", failures,
			observability.Field{Key: "source", Value: l.source.Name()})
	}
	return applied, nil
}

func (l *Loop) sweepOwner(ctx context.Context, owner string) (int, error) {
	orders, err := l.store.List(ctx, owner)
	if err != nil {
		return 0, fmt.Errorf("list orders: %w", err)
	}
	cutoff := l.now().Add(-l.minAge)
	pending := make([]orderstore.Order, 0, len(orders))
	for _, o := range orders {
		if o.Status != orderstore.StatusPending {
			continue
		}
		if l.minAge > 0 && o.CreatedAt.After(cutoff) {
			continue
		}
		pending = append(pending, o)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	transitions, err := l.source.Observe(ctx, owner, pending)
	if err != nil {
		return 0, fmt.Errorf("observe: %w", err)
	}
	applied := 0
	for _, t := range transitions {
		if !t.Status.Terminal() {
			continue
		}
		updated, err := l.store.FindAndUpdate(ctx, owner, t.OrderID, func(o *orderstore.Order) error {
			if o.Status != orderstore.StatusPending {
				return errNotPending
			}
			apply(o, t)
			return nil
		})
		switch {
		case errors.Is(err, errNotPending), errs.Is(err, errs.CodeNotFound):
			continue
		case err != nil:
			return applied, fmt.Errorf("update order %s: %w", t.OrderID, err)
		}
		applied++
		if l.transitions != nil {
			l.transitions.Add(ctx, 1, metric.WithAttributes(telemetry.TransitionAttributes(l.source.Name(), string(updated.Status))...))
		}
		if err := l.publisher.Publish(ctx, schema.NewNotification(schema.TopicOrderUpdate, updated)); err != nil {
			l.logger.Error("publish order update failed",
				observability.Field{Key: "order_id", Value: updated.OrderID},
				observability.Field{Key: "error", Value: err},
			)
		}
		l.logger.Debug("order transitioned",
			observability.Field{Key: "owner_user_id", Value: owner},
			observability.Field{Key: "order_id", Value: updated.OrderID},
			observability.Field{Key: "status", Value: string(updated.Status)},
		)
	}
	return applied, nil
}

// apply writes the transition while keeping filled + pending equal to quantity.
func apply(o *orderstore.Order, t Transition) {
	o.Status = t.Status
	filled := t.FilledQuantity
	if t.Status == orderstore.StatusComplete {
		filled = o.Quantity
	}
	if filled < 0 {
		filled = 0
	}
	if filled > o.Quantity {
		filled = o.Quantity
	}
	o.FilledQuantity = filled
	o.PendingQuantity = o.Quantity - filled
	switch {
	case t.AveragePrice > 0:
		o.AveragePrice = t.AveragePrice
	case t.Status == orderstore.StatusComplete:
		o.AveragePrice = o.Price
	}
}
