package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/coachpo/copydesk/errs"
	"github.com/coachpo/copydesk/internal/domain/orderstore"
)

// OrderStore persists per-user order logs. Insertion order is kept by the seq column so
// listings come back most recent first.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore constructs an OrderStore backed by the provided pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

var _ orderstore.Store = (*OrderStore)(nil)

const (
	orderInsertSQL = `
INSERT INTO orders (
    owner_user_id,
    order_id,
    instrument_id,
    trading_symbol,
    exchange,
    quantity,
    price,
    order_type,
    transaction_type,
    product,
    validity,
    tag,
    status,
    filled_quantity,
    pending_quantity,
    average_price,
    parent_order_id,
    upstream_ids,
    created_at,
    updated_at
)
VALUES (
    @owner,
    @order_id,
    @instrument_id,
    @trading_symbol,
    @exchange,
    @quantity,
    @price::numeric,
    @order_type,
    @transaction_type,
    @product,
    @validity,
    @tag,
    @status,
    @filled_quantity,
    @pending_quantity,
    @average_price::numeric,
    @parent_order_id,
    @upstream_ids::jsonb,
    @created_at,
    @updated_at
)
ON CONFLICT (owner_user_id, order_id) DO NOTHING;
`

	orderUpdateSQL = `
UPDATE orders
SET status = @status,
    filled_quantity = @filled_quantity,
    pending_quantity = @pending_quantity,
    average_price = @average_price::numeric,
    upstream_ids = @upstream_ids::jsonb,
    updated_at = @updated_at
WHERE owner_user_id = @owner AND order_id = @order_id;
`

	orderSelectBase = `
SELECT
    order_id,
    instrument_id,
    trading_symbol,
    exchange,
    quantity,
    price::text,
    order_type,
    transaction_type,
    product,
    validity,
    tag,
    status,
    filled_quantity,
    pending_quantity,
    average_price::text,
    owner_user_id,
    COALESCE(parent_order_id, ''),
    upstream_ids,
    created_at,
    updated_at
FROM orders
`

	orderOwnersSQL = `SELECT DISTINCT owner_user_id FROM orders ORDER BY owner_user_id;`
)

func (s *OrderStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("order store: nil pool")
	}
	return s.pool, nil
}

// Append inserts the order at the head of the user's log.
func (s *OrderStore) Append(ctx context.Context, userID string, order orderstore.Order) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" || strings.TrimSpace(order.OrderID) == "" {
		return errs.New("orderstore", errs.CodeInvalid, errs.WithMessage("user id and order id required"))
	}
	if err := order.CheckQuantities(); err != nil {
		return errs.New("orderstore", errs.CodeInvalid, errs.WithMessage(err.Error()))
	}
	upstream, err := encodeIDs(order.UpstreamIDs)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	created := order.CreatedAt
	if created.IsZero() {
		created = now
	}
	updated := order.UpdatedAt
	if updated.IsZero() {
		updated = created
	}
	args := pgx.NamedArgs{
		"owner":            userID,
		"order_id":         order.OrderID,
		"instrument_id":    order.InstrumentID,
		"trading_symbol":   order.TradingSymbol,
		"exchange":         order.Exchange,
		"quantity":         order.Quantity,
		"price":            decimalText(order.Price),
		"order_type":       order.OrderType,
		"transaction_type": order.TransactionType,
		"product":          order.Product,
		"validity":         order.Validity,
		"tag":              order.Tag,
		"status":           string(order.Status),
		"filled_quantity":  order.FilledQuantity,
		"pending_quantity": order.PendingQuantity,
		"average_price":    decimalText(order.AveragePrice),
		"parent_order_id":  nullableString(order.ParentOrderID),
		"upstream_ids":     upstream,
		"created_at":       created,
		"updated_at":       updated,
	}
	tag, err := pool.Exec(ctx, orderInsertSQL, args)
	if err != nil {
		return fmt.Errorf("order store: insert order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.New("orderstore", errs.CodeConflict,
			errs.WithMessage(fmt.Sprintf("order %s already recorded", order.OrderID)),
			errs.WithField("user_id", userID))
	}
	return nil
}

// List returns the user's orders, most recent first.
func (s *OrderStore) List(ctx context.Context, userID string) ([]orderstore.Order, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, orderSelectBase+" WHERE owner_user_id = $1 ORDER BY seq DESC", strings.TrimSpace(userID))
	if err != nil {
		return nil, fmt.Errorf("order store: list orders: %w", err)
	}
	defer rows.Close()

	out := make([]orderstore.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order store: iterate orders: %w", err)
	}
	return out, nil
}

// FindAndUpdate locks the row, applies the mutation to a copy and writes it back in one
// transaction. The mutation's error aborts the update unchanged.
func (s *OrderStore) FindAndUpdate(ctx context.Context, userID, orderID string, mutation orderstore.Mutation) (orderstore.Order, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return orderstore.Order{}, err
	}
	if mutation == nil {
		return orderstore.Order{}, errs.New("orderstore", errs.CodeInvalid, errs.WithMessage("mutation required"))
	}
	userID = strings.TrimSpace(userID)

	var result orderstore.Order
	err = withTx(ctx, pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, orderSelectBase+" WHERE owner_user_id = $1 AND order_id = $2 FOR UPDATE", userID, orderID)
		current, err := scanOrder(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return errs.New("orderstore", errs.CodeNotFound,
				errs.WithMessage(fmt.Sprintf("order %s not found", orderID)),
				errs.WithField("user_id", userID))
		}
		if err != nil {
			return err
		}

		candidate := current.Clone()
		if err := mutation(&candidate); err != nil {
			return err
		}
		candidate.OrderID = current.OrderID
		candidate.OwnerUserID = current.OwnerUserID
		if err := candidate.CheckQuantities(); err != nil {
			return errs.New("orderstore", errs.CodeInvalid, errs.WithMessage(err.Error()))
		}
		candidate.UpdatedAt = time.Now().UTC()

		upstream, err := encodeIDs(candidate.UpstreamIDs)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, orderUpdateSQL, pgx.NamedArgs{
			"owner":            userID,
			"order_id":         orderID,
			"status":           string(candidate.Status),
			"filled_quantity":  candidate.FilledQuantity,
			"pending_quantity": candidate.PendingQuantity,
			"average_price":    decimalText(candidate.AveragePrice),
			"upstream_ids":     upstream,
			"updated_at":       candidate.UpdatedAt,
		}); err != nil {
			return fmt.Errorf("order store: update order: %w", err)
		}
		result = candidate
		return nil
	})
	if err != nil {
		return orderstore.Order{}, err
	}
	return result, nil
}

// Owners lists users holding at least one order.
func (s *OrderStore) Owners(ctx context.Context) ([]string, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, orderOwnersSQL)
	if err != nil {
		return nil, fmt.Errorf("order store: list owners: %w", err)
	}
	owners, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("order store: scan owners: %w", err)
	}
	return owners, nil
}

func scanOrder(row pgx.Row) (orderstore.Order, error) {
	var (
		order        orderstore.Order
		status       string
		price        string
		averagePrice string
		upstreamRaw  []byte
	)
	err := row.Scan(
		&order.OrderID,
		&order.InstrumentID,
		&order.TradingSymbol,
		&order.Exchange,
		&order.Quantity,
		&price,
		&order.OrderType,
		&order.TransactionType,
		&order.Product,
		&order.Validity,
		&order.Tag,
		&status,
		&order.FilledQuantity,
		&order.PendingQuantity,
		&averagePrice,
		&order.OwnerUserID,
		&order.ParentOrderID,
		&upstreamRaw,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return orderstore.Order{}, err
		}
		return orderstore.Order{}, fmt.Errorf("order store: scan order: %w", err)
	}
	order.Status = orderstore.Status(status)
	if order.Price, err = decimalFloat(price); err != nil {
		return orderstore.Order{}, err
	}
	if order.AveragePrice, err = decimalFloat(averagePrice); err != nil {
		return orderstore.Order{}, err
	}
	if len(upstreamRaw) > 0 {
		if err := json.Unmarshal(upstreamRaw, &order.UpstreamIDs); err != nil {
			return orderstore.Order{}, fmt.Errorf("order store: decode upstream ids: %w", err)
		}
	}
	return order, nil
}

type txBeginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// withTx runs fn in a read-committed transaction, rolling back on error.
func withTx(ctx context.Context, db txBeginner, fn func(pgx.Tx) error) error {
	var txOptions pgx.TxOptions
	txOptions.IsoLevel = pgx.ReadCommitted
	txOptions.AccessMode = pgx.ReadWrite
	txOptions.DeferrableMode = pgx.NotDeferrable

	tx, err := db.BeginTx(ctx, txOptions)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if runErr := fn(tx); runErr != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("rollback tx: %w (original error: %v)", rbErr, runErr)
		}
		return runErr
	}
	if err := tx.Commit(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func encodeIDs(ids []string) ([]byte, error) {
	if len(ids) == 0 {
		return []byte("[]"), nil
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return nil, fmt.Errorf("order store: encode upstream ids: %w", err)
	}
	return data, nil
}

func decimalText(v float64) string {
	return decimal.NewFromFloat(v).String()
}

func decimalFloat(text string) (float64, error) {
	if strings.TrimSpace(text) == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(text)
	if err != nil {
		return 0, fmt.Errorf("order store: parse numeric %q: %w", text, err)
	}
	return d.InexactFloat64(), nil
}

func nullableString(value string) any {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return trimmed
}
