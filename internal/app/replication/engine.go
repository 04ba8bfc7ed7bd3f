// Package replication places principal orders and fans parent orders out to linked children.
package replication

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/copydesk/errs"
	"github.com/coachpo/copydesk/internal/app/accounts"
	"github.com/coachpo/copydesk/internal/app/risk"
	"github.com/coachpo/copydesk/internal/domain/account"
	"github.com/coachpo/copydesk/internal/domain/orderstore"
	"github.com/coachpo/copydesk/internal/domain/schema"
	"github.com/coachpo/copydesk/internal/infra/broker"
	"github.com/coachpo/copydesk/internal/infra/bus/eventbus"
	"github.com/coachpo/copydesk/internal/infra/telemetry"
	"github.com/coachpo/copydesk/internal/observability"
	"github.com/coachpo/copydesk/lib/async"
)

// Broker is the subset of the gateway client the engine calls.
type Broker interface {
	SubmitOrder(ctx context.Context, credential string, req broker.PlaceRequest) (broker.PlaceResponse, error)
	CancelOrder(ctx context.Context, credential, orderID string) error
	FetchPositions(ctx context.Context, credential string) ([]broker.Position, error)
	FetchFunds(ctx context.Context, credential string) (broker.Funds, error)
}

// Accounts is the subset of the account registry the engine calls.
type Accounts interface {
	GetChildren(ctx context.Context, parentID string) ([]account.ChildLink, error)
	ActiveChildren(ctx context.Context, parentID string) (active, inactive []account.ChildLink, err error)
	UpsertChild(ctx context.Context, parentID string, candidate accounts.Candidate) (account.ChildLink, error)
	RemoveChild(ctx context.Context, parentID, childID string) error
	Deactivate(ctx context.Context, parentID, childID string) error
	TouchSync(ctx context.Context, parentID, childID string) error
}

// RiskChecker screens a principal's own order before it reaches the broker.
type RiskChecker interface {
	CheckOrder(ctx context.Context, principalID string, order risk.Order) error
}

// Options wires the engine's collaborators.
type Options struct {
	Broker    Broker
	Orders    orderstore.Store
	Accounts  Accounts
	Publisher eventbus.Publisher
	// Pool runs child replications. When nil the engine owns a small pool and Close shuts it.
	Pool      *async.Pool
	Risk      RiskChecker
	TagPrefix string
	Clock     func() time.Time
	Logger    observability.Logger
}

// Engine implements order placement, cancellation and fan-out.
type Engine struct {
	broker    Broker
	orders    orderstore.Store
	accounts  Accounts
	publisher eventbus.Publisher
	pool      *async.Pool
	ownsPool  bool
	risk      RiskChecker
	tags      *tagger
	now       func() time.Time
	logger    observability.Logger

	placedCounter     metric.Int64Counter
	fanoutCounter     metric.Int64Counter
	placementDuration metric.Float64Histogram
}

// New constructs an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Broker == nil || opts.Orders == nil || opts.Accounts == nil || opts.Publisher == nil {
		return nil, errs.New("replication", errs.CodeInvalid, errs.WithMessage("broker, orders, accounts and publisher are required"))
	}
	e := &Engine{
		broker:    opts.Broker,
		orders:    opts.Orders,
		accounts:  opts.Accounts,
		publisher: opts.Publisher,
		pool:      opts.Pool,
		risk:      opts.Risk,
		now:       opts.Clock,
		logger:    observability.OrNop(opts.Logger),
	}
	if e.now == nil {
		e.now = time.Now
	}
	e.tags = newTagger(strings.TrimSpace(opts.TagPrefix), e.now)
	if e.pool == nil {
		pool, err := async.NewPool(4, 16)
		if err != nil {
			return nil, err
		}
		e.pool = pool
		e.ownsPool = true
	}
	e.pool.OnPanic(func(r any) {
		e.logger.Error("fan-out task panicked", observability.Field{Key: "panic", Value: fmt.Sprint(r)})
	})

	meter := otel.Meter("replication")
	e.placedCounter, _ = meter.Int64Counter("copydesk.orders.placed",
		metric.WithDescription("Principal order placements by role and result"),
		metric.WithUnit("{order}"))
	e.fanoutCounter, _ = meter.Int64Counter("copydesk.fanout.children",
		metric.WithDescription("Per-child replication outcomes"),
		metric.WithUnit("{child}"))
	e.placementDuration, _ = meter.Float64Histogram("copydesk.placement.duration",
		metric.WithDescription("Placement latency including fan-out"),
		metric.WithUnit("ms"))
	return e, nil
}

// Close releases an engine-owned fan-out pool, waiting for in-flight replications.
func (e *Engine) Close(ctx context.Context) error {
	if !e.ownsPool {
		return nil
	}
	return e.pool.Shutdown(ctx)
}

// PlaceOrder submits the principal's order, records and announces it, then replicates it to
// every active child when the principal is a parent. Only failures before the order is
// stored are returned; child failures are reported in the fan-out summary.
func (e *Engine) PlaceOrder(ctx context.Context, principal account.Principal, req OrderRequest) (result PlacementResult, err error) {
	started := e.now()
	defer func() {
		outcome := telemetry.ResultSuccess
		if oe, ok := AsOrderError(err); ok {
			outcome = string(oe.Kind)
		} else if err != nil {
			outcome = telemetry.ResultError
		}
		if e.placedCounter != nil {
			e.placedCounter.Add(ctx, 1, metric.WithAttributes(
				telemetry.PlacementAttributes(string(principal.Role), req.TransactionType, outcome)...))
		}
		if e.placementDuration != nil {
			e.placementDuration.Record(ctx, float64(e.now().Sub(started).Milliseconds()),
				metric.WithAttributes(telemetry.PlacementAttributes(string(principal.Role), "", outcome)...))
		}
	}()

	req = req.normalize()
	if oe := req.check(); oe != nil {
		return PlacementResult{}, oe
	}
	if e.risk != nil {
		if rErr := e.risk.CheckOrder(ctx, principal.UserID, risk.Order{Quantity: req.Quantity, Price: req.Price}); rErr != nil {
			return PlacementResult{}, fromLimits(rErr)
		}
	}

	tag := req.Tag
	if tag == "" {
		tag = e.tags.next()
	}
	resp, err := e.broker.SubmitOrder(ctx, principal.AccessCredential, req.placeRequest(tag))
	if err != nil {
		e.logger.Warn("order placement rejected",
			observability.Field{Key: "user_id", Value: principal.UserID},
			observability.Field{Key: "kind", Value: string(broker.KindOf(err))},
			observability.Field{Key: "error", Value: err},
		)
		return PlacementResult{}, fromUpstream(err)
	}
	primary, ok := resp.PrimaryID()
	if !ok {
		return PlacementResult{}, &OrderError{Kind: KindUpstreamRejected, Message: "no order id returned"}
	}

	order := e.newOrder(req, tag, principal.UserID, primary, resp.OrderIDs, "")
	if err := e.orders.Append(ctx, principal.UserID, order); err != nil {
		return PlacementResult{}, fmt.Errorf("replication: store order %s: %w", primary, err)
	}
	e.publish(ctx, schema.TopicNewOrder, order)
	e.logger.Info("order placed",
		observability.Field{Key: "user_id", Value: principal.UserID},
		observability.Field{Key: "order_id", Value: primary},
		observability.Field{Key: "role", Value: string(principal.Role)},
		observability.Field{Key: "tag", Value: tag},
	)

	result = PlacementResult{Order: order}
	if principal.IsParent() {
		summary := e.fanOut(ctx, principal, req, order)
		result.FanOut = &summary
	}
	return result, nil
}

func (e *Engine) newOrder(req OrderRequest, tag, owner, orderID string, upstreamIDs []string, parentOrderID string) orderstore.Order {
	now := e.now().UTC()
	ids := make([]string, len(upstreamIDs))
	copy(ids, upstreamIDs)
	return orderstore.Order{
		OrderID:         orderID,
		InstrumentID:    req.InstrumentID,
		TradingSymbol:   req.TradingSymbol,
		Exchange:        exchangeFromInstrument(req.InstrumentID),
		Quantity:        req.Quantity,
		Price:           req.Price,
		OrderType:       req.OrderType,
		TransactionType: req.TransactionType,
		Product:         req.Product,
		Validity:        req.Validity,
		Tag:             tag,
		Status:          orderstore.StatusPending,
		FilledQuantity:  0,
		PendingQuantity: req.Quantity,
		AveragePrice:    0,
		OwnerUserID:     owner,
		ParentOrderID:   parentOrderID,
		UpstreamIDs:     ids,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// fanOut replicates the parent's order to each active child on the shared pool and waits for
// all of them. Child calls run on a context detached from the caller's cancellation; each
// broker call still carries its own timeout.
func (e *Engine) fanOut(ctx context.Context, parent account.Principal, req OrderRequest, parentOrder orderstore.Order) FanOutSummary {
	active, inactive, err := e.accounts.ActiveChildren(ctx, parent.UserID)
	if err != nil {
		e.logger.Error("fan-out skipped: list children failed",
			observability.Field{Key: "parent_user_id", Value: parent.UserID},
			observability.Field{Key: "error", Value: err},
		)
		return FanOutSummary{Results: []ChildResult{}}
	}

	detached := context.WithoutCancel(ctx)
	results := make([]ChildResult, len(active))
	var wg sync.WaitGroup
	for i, child := range active {
		wg.Add(1)
		task := func(taskCtx context.Context) error {
			defer wg.Done()
			results[i] = e.replicate(taskCtx, parent, req, parentOrder, child)
			return nil
		}
		if err := e.pool.Submit(detached, task); err != nil {
			wg.Done()
			results[i] = ChildResult{ChildUserID: child.ChildUserID, Outcome: OutcomeFailed, Error: "fan-out unavailable: " + err.Error()}
		}
	}
	wg.Wait()

	for _, child := range inactive {
		results = append(results, ChildResult{ChildUserID: child.ChildUserID, Outcome: OutcomeSkippedInactive})
	}
	for i := range results {
		if results[i].ChildUserID == "" {
			// A panicking task leaves its slot empty.
			results[i] = ChildResult{ChildUserID: active[i].ChildUserID, Outcome: OutcomeFailed, Error: "replication aborted"}
		}
		if e.fanoutCounter != nil {
			e.fanoutCounter.Add(ctx, 1, metric.WithAttributes(telemetry.FanOutAttributes(string(results[i].Outcome))...))
		}
	}

	summary := FanOutSummary{Results: results}
	if len(results) > 0 {
		e.logger.Info("fan-out finished",
			observability.Field{Key: "parent_user_id", Value: parent.UserID},
			observability.Field{Key: "parent_order_id", Value: parentOrder.OrderID},
			observability.Field{Key: "replicated", Value: summary.Count(OutcomeReplicated)},
			observability.Field{Key: "failed", Value: summary.Count(OutcomeFailed)},
			observability.Field{Key: "deactivated", Value: summary.Count(OutcomeDeactivated)},
			observability.Field{Key: "skipped_inactive", Value: summary.Count(OutcomeSkippedInactive)},
		)
	}
	return summary
}

func (e *Engine) replicate(ctx context.Context, parent account.Principal, req OrderRequest, parentOrder orderstore.Order, child account.ChildLink) ChildResult {
	result := ChildResult{ChildUserID: child.ChildUserID}
	tag := childTag(parentOrder.Tag, child.ChildUserID)

	resp, err := e.broker.SubmitOrder(ctx, child.AccessCredential, req.placeRequest(tag))
	if err != nil {
		oe := fromUpstream(err)
		result.Error = oe.Message
		result.ErrorKind = oe.Kind
		result.Outcome = OutcomeFailed
		if broker.KindOf(err) == broker.KindAuthRejected {
			if dErr := e.accounts.Deactivate(ctx, parent.UserID, child.ChildUserID); dErr != nil {
				e.logger.Error("deactivate child failed",
					observability.Field{Key: "parent_user_id", Value: parent.UserID},
					observability.Field{Key: "child_user_id", Value: child.ChildUserID},
					observability.Field{Key: "error", Value: dErr},
				)
			} else {
				result.Outcome = OutcomeDeactivated
			}
		}
		e.logger.Warn("child replication failed",
			observability.Field{Key: "parent_user_id", Value: parent.UserID},
			observability.Field{Key: "child_user_id", Value: child.ChildUserID},
			observability.Field{Key: "parent_order_id", Value: parentOrder.OrderID},
			observability.Field{Key: "outcome", Value: string(result.Outcome)},
			observability.Field{Key: "error", Value: err},
		)
		return result
	}
	primary, ok := resp.PrimaryID()
	if !ok {
		result.Outcome = OutcomeFailed
		result.ErrorKind = KindUpstreamRejected
		result.Error = "no order id returned"
		return result
	}

	order := e.newOrder(req, tag, child.ChildUserID, primary, resp.OrderIDs, parentOrder.OrderID)
	if err := e.orders.Append(ctx, child.ChildUserID, order); err != nil {
		e.logger.Error("store child order failed",
			observability.Field{Key: "child_user_id", Value: child.ChildUserID},
			observability.Field{Key: "order_id", Value: primary},
			observability.Field{Key: "error", Value: err},
		)
		result.Outcome = OutcomeFailed
		result.OrderID = primary
		result.Error = "child order placed upstream but could not be stored"
		return result
	}
	e.publish(ctx, schema.TopicNewOrder, order)
	if err := e.accounts.TouchSync(ctx, parent.UserID, child.ChildUserID); err != nil {
		e.logger.Warn("update child last sync failed",
			observability.Field{Key: "child_user_id", Value: child.ChildUserID},
			observability.Field{Key: "error", Value: err},
		)
	}
	result.Outcome = OutcomeReplicated
	result.OrderID = primary
	return result
}

// CancelOrder cancels one of the principal's own orders. Orders already in a terminal state
// locally are refused without calling the broker. Orders unknown locally are still cancelled
// upstream; the returned order is nil in that case.
func (e *Engine) CancelOrder(ctx context.Context, principal account.Principal, orderID string) (*orderstore.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, validationError("order_id is required", nil)
	}

	existing, found, err := e.findOrder(ctx, principal.UserID, orderID)
	if err != nil {
		return nil, err
	}
	if found && existing.Status.Terminal() {
		return nil, &OrderError{Kind: KindConflict, Message: fmt.Sprintf("order %s is already %s", orderID, existing.Status)}
	}

	if err := e.broker.CancelOrder(ctx, principal.AccessCredential, orderID); err != nil {
		return nil, fromUpstream(err)
	}
	if !found {
		e.logger.Info("order cancelled upstream only; not tracked locally",
			observability.Field{Key: "user_id", Value: principal.UserID},
			observability.Field{Key: "order_id", Value: orderID},
		)
		return nil, nil
	}

	updated, err := e.orders.FindAndUpdate(ctx, principal.UserID, orderID, func(o *orderstore.Order) error {
		if o.Status.Terminal() {
			return &OrderError{Kind: KindConflict, Message: fmt.Sprintf("order %s is already %s", orderID, o.Status)}
		}
		o.Status = orderstore.StatusCancelled
		return nil
	})
	switch {
	case errs.Is(err, errs.CodeNotFound):
		return nil, nil
	case err != nil:
		if oe, ok := AsOrderError(err); ok {
			return nil, oe
		}
		return nil, fmt.Errorf("replication: update cancelled order %s: %w", orderID, err)
	}
	e.publish(ctx, schema.TopicOrderUpdate, updated)
	return &updated, nil
}

func (e *Engine) findOrder(ctx context.Context, userID, orderID string) (orderstore.Order, bool, error) {
	orders, err := e.orders.List(ctx, userID)
	if err != nil {
		return orderstore.Order{}, false, fmt.Errorf("replication: list orders: %w", err)
	}
	for _, o := range orders {
		if o.OrderID == orderID {
			return o, true, nil
		}
	}
	return orderstore.Order{}, false, nil
}

// GetOrders returns the principal's orders, most recent first.
func (e *Engine) GetOrders(ctx context.Context, principal account.Principal) ([]orderstore.Order, error) {
	orders, err := e.orders.List(ctx, principal.UserID)
	if err != nil {
		return nil, fmt.Errorf("replication: list orders: %w", err)
	}
	return orders, nil
}

// GetPositions returns the principal's holdings straight from the broker.
func (e *Engine) GetPositions(ctx context.Context, principal account.Principal) ([]broker.Position, error) {
	positions, err := e.broker.FetchPositions(ctx, principal.AccessCredential)
	if err != nil {
		return nil, fromUpstream(err)
	}
	return positions, nil
}

// GetPortfolio returns the principal's funds and margin from the broker.
func (e *Engine) GetPortfolio(ctx context.Context, principal account.Principal) (broker.Funds, error) {
	funds, err := e.broker.FetchFunds(ctx, principal.AccessCredential)
	if err != nil {
		return broker.Funds{}, fromUpstream(err)
	}
	return funds, nil
}

// GetChildAccounts lists the parent's linked children.
func (e *Engine) GetChildAccounts(ctx context.Context, principal account.Principal) ([]account.ChildLink, error) {
	if err := requireParent(principal); err != nil {
		return nil, err
	}
	return e.accounts.GetChildren(ctx, principal.UserID)
}

// AddChildAccount verifies and links a child account to the parent.
func (e *Engine) AddChildAccount(ctx context.Context, principal account.Principal, candidate accounts.Candidate) (account.ChildLink, error) {
	if err := requireParent(principal); err != nil {
		return account.ChildLink{}, err
	}
	link, err := e.accounts.UpsertChild(ctx, principal.UserID, candidate)
	if err != nil {
		var env *errs.E
		if errs.Is(err, errs.CodeInvalid) && asEnvelope(err, &env) {
			return account.ChildLink{}, &OrderError{Kind: KindValidation, Message: env.Message, Details: map[string]any{"reason": env.Reason}, cause: err}
		}
		return account.ChildLink{}, err
	}
	return link, nil
}

// RemoveChildAccount unlinks a child from the parent; unknown children are not an error.
func (e *Engine) RemoveChildAccount(ctx context.Context, principal account.Principal, childID string) error {
	if err := requireParent(principal); err != nil {
		return err
	}
	if strings.TrimSpace(childID) == "" {
		return validationError("child_user_id is required", nil)
	}
	return e.accounts.RemoveChild(ctx, principal.UserID, childID)
}

func requireParent(principal account.Principal) error {
	if !principal.IsParent() {
		return &OrderError{Kind: KindForbidden, Message: "only parent accounts can manage child accounts"}
	}
	return nil
}

func (e *Engine) publish(ctx context.Context, topic schema.Topic, order orderstore.Order) {
	if err := e.publisher.Publish(ctx, schema.NewNotification(topic, order)); err != nil {
		e.logger.Error("publish notification failed",
			observability.Field{Key: "topic", Value: string(topic)},
			observability.Field{Key: "order_id", Value: order.OrderID},
			observability.Field{Key: "error", Value: err},
		)
	}
}
