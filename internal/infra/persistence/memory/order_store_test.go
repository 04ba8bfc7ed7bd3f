package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/copydesk/errs"
	"github.com/coachpo/copydesk/internal/domain/orderstore"
)

func pendingOrder(id, owner string, qty int) orderstore.Order {
	return orderstore.Order{
		OrderID:         id,
		OwnerUserID:     owner,
		Quantity:        qty,
		PendingQuantity: qty,
		Status:          orderstore.StatusPending,
		UpstreamIDs:     []string{id},
	}
}

func TestOrderStoreAppendPrepends(t *testing.T) {
	ctx := context.Background()
	store := NewOrderStore()

	require.NoError(t, store.Append(ctx, "U", pendingOrder("A", "U", 1)))
	require.NoError(t, store.Append(ctx, "U", pendingOrder("B", "U", 1)))
	require.NoError(t, store.Append(ctx, "U", pendingOrder("C", "U", 1)))

	orders, err := store.List(ctx, "U")
	require.NoError(t, err)
	require.Len(t, orders, 3)
	require.Equal(t, "C", orders[0].OrderID)
	require.Equal(t, "B", orders[1].OrderID)
	require.Equal(t, "A", orders[2].OrderID)
	require.False(t, orders[0].CreatedAt.IsZero())
}

func TestOrderStoreListUnknownUserIsEmpty(t *testing.T) {
	orders, err := NewOrderStore().List(context.Background(), "nobody")
	require.NoError(t, err)
	require.NotNil(t, orders)
	require.Empty(t, orders)
}

func TestOrderStoreAppendRejectsBrokenQuantities(t *testing.T) {
	order := pendingOrder("A", "U", 10)
	order.PendingQuantity = 3
	err := NewOrderStore().Append(context.Background(), "U", order)
	require.True(t, errs.Is(err, errs.CodeInvalid))
}

func TestOrderStoreListReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewOrderStore()
	require.NoError(t, store.Append(ctx, "U", pendingOrder("A", "U", 1)))

	orders, err := store.List(ctx, "U")
	require.NoError(t, err)
	orders[0].Status = orderstore.StatusComplete
	orders[0].UpstreamIDs[0] = "mutated"

	again, err := store.List(ctx, "U")
	require.NoError(t, err)
	require.Equal(t, orderstore.StatusPending, again[0].Status)
	require.Equal(t, "A", again[0].UpstreamIDs[0])
}

func TestOrderStoreFindAndUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewOrderStore()
	require.NoError(t, store.Append(ctx, "U", pendingOrder("A", "U", 5)))

	updated, err := store.FindAndUpdate(ctx, "U", "A", func(o *orderstore.Order) error {
		o.Status = orderstore.StatusComplete
		o.FilledQuantity = o.Quantity
		o.PendingQuantity = 0
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, orderstore.StatusComplete, updated.Status)
	require.Equal(t, 5, updated.FilledQuantity)

	_, err = store.FindAndUpdate(ctx, "U", "missing", func(*orderstore.Order) error { return nil })
	require.True(t, errs.Is(err, errs.CodeNotFound))

	_, err = store.FindAndUpdate(ctx, "other", "A", func(*orderstore.Order) error { return nil })
	require.True(t, errs.Is(err, errs.CodeNotFound))
}

func TestOrderStoreFindAndUpdateAbortsOnMutationError(t *testing.T) {
	ctx := context.Background()
	store := NewOrderStore()
	require.NoError(t, store.Append(ctx, "U", pendingOrder("A", "U", 5)))

	sentinel := errors.New("stop")
	_, err := store.FindAndUpdate(ctx, "U", "A", func(o *orderstore.Order) error {
		o.Status = orderstore.StatusCancelled
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	_, err = store.FindAndUpdate(ctx, "U", "A", func(o *orderstore.Order) error {
		o.FilledQuantity = 2
		return nil
	})
	require.True(t, errs.Is(err, errs.CodeInvalid))

	orders, err := store.List(ctx, "U")
	require.NoError(t, err)
	require.Equal(t, orderstore.StatusPending, orders[0].Status)
	require.Equal(t, 0, orders[0].FilledQuantity)
}

func TestOrderStoreConcurrentAppendsKeepAllOrders(t *testing.T) {
	ctx := context.Background()
	store := NewOrderStore()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := fmt.Sprintf("U%d", i%3)
			assert.NoError(t, store.Append(ctx, user, pendingOrder(fmt.Sprintf("O%d", i), user, 1)))
		}(i)
	}
	wg.Wait()

	owners, err := store.Owners(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"U0", "U1", "U2"}, owners)

	total := 0
	for _, owner := range owners {
		orders, err := store.List(ctx, owner)
		require.NoError(t, err)
		total += len(orders)
	}
	require.Equal(t, 50, total)
}
