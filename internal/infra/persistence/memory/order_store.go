// Package memory provides process-local implementations of the persistence contracts.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coachpo/copydesk/errs"
	"github.com/coachpo/copydesk/internal/domain/orderstore"
)

// OrderStore keeps one log per user. Each log has its own lock so writers for different
// users never contend.
type OrderStore struct {
	mu   sync.RWMutex
	logs map[string]*orderLog
	now  func() time.Time
}

type orderLog struct {
	mu     sync.RWMutex
	orders []orderstore.Order // most recent first
}

// NewOrderStore constructs an empty store.
func NewOrderStore() *OrderStore {
	return &OrderStore{
		logs: make(map[string]*orderLog),
		now:  time.Now,
	}
}

var _ orderstore.Store = (*OrderStore)(nil)

func (s *OrderStore) log(userID string, create bool) *orderLog {
	s.mu.RLock()
	l := s.logs[userID]
	s.mu.RUnlock()
	if l != nil || !create {
		return l
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if l = s.logs[userID]; l == nil {
		l = &orderLog{}
		s.logs[userID] = l
	}
	return l
}

// Append prepends the order to the user's log.
func (s *OrderStore) Append(ctx context.Context, userID string, order orderstore.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errs.New("orderstore", errs.CodeInvalid, errs.WithMessage("user id required"))
	}
	if strings.TrimSpace(order.OrderID) == "" {
		return errs.New("orderstore", errs.CodeInvalid, errs.WithMessage("order id required"))
	}
	if err := order.CheckQuantities(); err != nil {
		return errs.New("orderstore", errs.CodeInvalid, errs.WithMessage(err.Error()))
	}
	order = order.Clone()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = s.now().UTC()
	}
	if order.UpdatedAt.IsZero() {
		order.UpdatedAt = order.CreatedAt
	}

	l := s.log(userID, true)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.orders = append(l.orders, orderstore.Order{})
	copy(l.orders[1:], l.orders)
	l.orders[0] = order
	return nil
}

// List returns a copy of the user's orders, most recent first.
func (s *OrderStore) List(ctx context.Context, userID string) ([]orderstore.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l := s.log(strings.TrimSpace(userID), false)
	if l == nil {
		return []orderstore.Order{}, nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]orderstore.Order, len(l.orders))
	for i, order := range l.orders {
		out[i] = order.Clone()
	}
	return out, nil
}

// FindAndUpdate mutates a copy of the order and commits it only when the mutation succeeds
// and the quantity split still adds up.
func (s *OrderStore) FindAndUpdate(ctx context.Context, userID, orderID string, mutation orderstore.Mutation) (orderstore.Order, error) {
	if err := ctx.Err(); err != nil {
		return orderstore.Order{}, err
	}
	if mutation == nil {
		return orderstore.Order{}, errs.New("orderstore", errs.CodeInvalid, errs.WithMessage("mutation required"))
	}
	l := s.log(strings.TrimSpace(userID), false)
	if l == nil {
		return orderstore.Order{}, notFound(userID, orderID)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.orders {
		if l.orders[i].OrderID != orderID {
			continue
		}
		candidate := l.orders[i].Clone()
		if err := mutation(&candidate); err != nil {
			return orderstore.Order{}, err
		}
		candidate.OrderID = orderID
		candidate.OwnerUserID = l.orders[i].OwnerUserID
		if err := candidate.CheckQuantities(); err != nil {
			return orderstore.Order{}, errs.New("orderstore", errs.CodeInvalid, errs.WithMessage(err.Error()))
		}
		candidate.UpdatedAt = s.now().UTC()
		l.orders[i] = candidate
		return candidate.Clone(), nil
	}
	return orderstore.Order{}, notFound(userID, orderID)
}

// Owners returns user ids holding at least one order, sorted for stable sweeps.
func (s *OrderStore) Owners(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	owners := make([]string, 0, len(s.logs))
	for id := range s.logs {
		owners = append(owners, id)
	}
	s.mu.RUnlock()
	sort.Strings(owners)
	return owners, nil
}

func notFound(userID, orderID string) error {
	return errs.New("orderstore", errs.CodeNotFound,
		errs.WithMessage(fmt.Sprintf("order %s not found", orderID)),
		errs.WithField("user_id", userID))
}
