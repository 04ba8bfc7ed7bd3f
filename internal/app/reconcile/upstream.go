package reconcile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/coachpo/copydesk/internal/domain/orderstore"
	"github.com/coachpo/copydesk/internal/infra/broker"
	"github.com/coachpo/copydesk/internal/observability"
)

const (
	defaultAttempts       = 3
	defaultRetryInterval  = 200 * time.Millisecond
	defaultMaxRetryWindow = 2 * time.Second
)

// OrderBook lists the orders the brokerage holds for a credential.
type OrderBook interface {
	ListOrders(ctx context.Context, credential string) ([]broker.UpstreamOrder, error)
}

// CredentialLookup returns the credential to poll with for an owner, if one is known.
type CredentialLookup func(ctx context.Context, ownerID string) (string, bool, error)

// UpstreamSource polls the brokerage order book for each owner with pending orders.
type UpstreamSource struct {
	book        OrderBook
	credentials CredentialLookup
	attempts    int
	interval    time.Duration
	logger      observability.Logger
}

// NewUpstreamSource builds a source polling book with credentials resolved by lookup.
func NewUpstreamSource(book OrderBook, lookup CredentialLookup, logger observability.Logger) *UpstreamSource {
	return &UpstreamSource{
		book:        book,
		credentials: lookup,
		attempts:    defaultAttempts,
		interval:    defaultRetryInterval,
		logger:      observability.OrNop(logger),
	}
}

func (s *UpstreamSource) Name() string { return "upstream" }

// Observe maps the brokerage status of each pending order onto a transition. Owners without a
// credential, or whose credential is rejected, are skipped until the next sweep.
func (s *UpstreamSource) Observe(ctx context.Context, ownerID string, pending []orderstore.Order) ([]Transition, error) {
	credential, ok, err := s.credentials(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("resolve credential: %w", err)
	}
	if !ok {
		return nil, nil
	}

	book, err := s.fetch(ctx, credential)
	if err != nil {
		if broker.KindOf(err) == broker.KindAuthRejected {
			s.logger.Warn("order book poll skipped: credential rejected",
				observability.Field{Key: "owner_user_id", Value: ownerID},
				observability.Field{Key: "credential", Value: observability.MaskSecret(credential)},
			)
			return nil, nil
		}
		return nil, err
	}

	byID := make(map[string]broker.UpstreamOrder, len(book))
	for _, o := range book {
		byID[o.OrderID] = o
	}
	var out []Transition
	for _, o := range pending {
		remote, ok := byID[o.OrderID]
		if !ok {
			continue
		}
		status, terminal := mapStatus(remote.Status)
		if !terminal {
			continue
		}
		out = append(out, Transition{
			OrderID:        o.OrderID,
			Status:         status,
			FilledQuantity: remote.FilledQuantity,
			AveragePrice:   remote.AveragePrice,
		})
	}
	return out, nil
}

// fetch retries transient failures with exponential backoff.
func (s *UpstreamSource) fetch(ctx context.Context, credential string) ([]broker.UpstreamOrder, error) {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = s.interval
	backoffCfg.MaxInterval = defaultMaxRetryWindow

	var lastErr error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		orders, err := s.book.ListOrders(ctx, credential)
		if err == nil {
			return orders, nil
		}
		lastErr = err
		switch broker.KindOf(err) {
		case broker.KindTimeout, broker.KindRateLimited:
		default:
			return nil, err
		}
		if attempt == s.attempts {
			break
		}
		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = defaultMaxRetryWindow
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
	return nil, fmt.Errorf("list orders after %d attempts: %w", s.attempts, lastErr)
}

// mapStatus converts a brokerage order status into a local terminal status.
func mapStatus(status string) (orderstore.Status, bool) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "complete", "completed", "filled":
		return orderstore.StatusComplete, true
	case "cancelled", "canceled":
		return orderstore.StatusCancelled, true
	case "rejected":
		return orderstore.StatusRejected, true
	default:
		return "", false
	}
}
