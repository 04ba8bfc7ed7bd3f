// Package risk applies optional pre-trade limits to principal orders.
package risk

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/coachpo/copydesk/errs"
)

// Limits defines per-principal guard rails. Zero values disable the corresponding check.
type Limits struct {
	// MaxQuantity caps the quantity of a single order.
	MaxQuantity int `yaml:"maxQuantity"`
	// MaxNotional caps quantity * price of a single order. Market orders (price 0) skip it.
	MaxNotional decimal.Decimal `yaml:"maxNotional"`
	// OrderThrottle is the sustained orders per second allowed for one principal.
	OrderThrottle float64 `yaml:"orderThrottle"`
	// OrderBurst is the throttle bucket size; defaults to 1.
	OrderBurst int `yaml:"orderBurst"`
}

// Enabled reports whether any limit is configured.
func (l Limits) Enabled() bool {
	return l.MaxQuantity > 0 || l.MaxNotional.IsPositive() || l.OrderThrottle > 0
}

// Order is the subset of an order request the limits look at.
type Order struct {
	Quantity int
	Price    float64
}

// Manager enforces Limits.
type Manager struct {
	limits Limits

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewManager creates a risk manager with the given limits.
func NewManager(limits Limits) *Manager {
	if limits.OrderBurst <= 0 {
		limits.OrderBurst = 1
	}
	return &Manager{
		limits:   limits,
		limiters: make(map[string]*rate.Limiter),
	}
}

// CheckOrder evaluates an order against the limits without blocking.
func (m *Manager) CheckOrder(_ context.Context, principalID string, order Order) error {
	if m == nil {
		return nil
	}
	if m.limits.MaxQuantity > 0 && order.Quantity > m.limits.MaxQuantity {
		return errs.New("risk", errs.CodeInvalid,
			errs.WithReason("max_quantity"),
			errs.WithMessage(fmt.Sprintf("order quantity %d exceeds limit %d", order.Quantity, m.limits.MaxQuantity)))
	}
	if m.limits.MaxNotional.IsPositive() && order.Price > 0 {
		notional := decimal.NewFromInt(int64(order.Quantity)).Mul(decimal.NewFromFloat(order.Price))
		if notional.GreaterThan(m.limits.MaxNotional) {
			return errs.New("risk", errs.CodeInvalid,
				errs.WithReason("max_notional"),
				errs.WithMessage(fmt.Sprintf("order notional %s exceeds limit %s",
					notional.StringFixed(2), m.limits.MaxNotional.StringFixed(2))))
		}
	}
	if m.limits.OrderThrottle > 0 && !m.limiter(principalID).Allow() {
		return errs.New("risk", errs.CodeRateLimited,
			errs.WithReason("order_throttle"),
			errs.WithMessage("order throttle limit exceeded"))
	}
	return nil
}

func (m *Manager) limiter(principalID string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.limiters[principalID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(m.limits.OrderThrottle), m.limits.OrderBurst)
		m.limiters[principalID] = l
	}
	return l
}
