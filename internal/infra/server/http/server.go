// Package httpserver exposes the trading REST surface and the live notification stream.
package httpserver

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/coachpo/copydesk/internal/app/accounts"
	"github.com/coachpo/copydesk/internal/app/replication"
	"github.com/coachpo/copydesk/internal/domain/account"
	"github.com/coachpo/copydesk/internal/domain/orderstore"
	"github.com/coachpo/copydesk/internal/infra/broker"
	"github.com/coachpo/copydesk/internal/infra/bus/eventbus"
	"github.com/coachpo/copydesk/internal/observability"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	healthPath  = "/health"
	sessionPath = "/auth/session"
	streamPath  = "/ws"

	ordersPath        = "/trading/orders"
	orderDetailPrefix = ordersPath + "/"

	positionsPath = "/trading/positions"
	portfolioPath = "/trading/portfolio"

	childAccountsPath        = "/trading/child-accounts"
	childAccountDetailPrefix = childAccountsPath + "/"
)

// Trading is the engine surface served over HTTP.
type Trading interface {
	PlaceOrder(ctx context.Context, principal account.Principal, req replication.OrderRequest) (replication.PlacementResult, error)
	CancelOrder(ctx context.Context, principal account.Principal, orderID string) (*orderstore.Order, error)
	GetOrders(ctx context.Context, principal account.Principal) ([]orderstore.Order, error)
	GetPositions(ctx context.Context, principal account.Principal) ([]broker.Position, error)
	GetPortfolio(ctx context.Context, principal account.Principal) (broker.Funds, error)
	GetChildAccounts(ctx context.Context, principal account.Principal) ([]account.ChildLink, error)
	AddChildAccount(ctx context.Context, principal account.Principal, candidate accounts.Candidate) (account.ChildLink, error)
	RemoveChildAccount(ctx context.Context, principal account.Principal, childID string) error
}

// Sessions resolves bearer credentials to principals.
type Sessions interface {
	Register(ctx context.Context, credential string, role account.Role) (account.Principal, error)
	Resolve(credential string) (account.Principal, bool)
	Revoke(credential string)
}

// Options wires the handler's collaborators. Bus and Health are optional.
type Options struct {
	Trading        Trading
	Sessions       Sessions
	Bus            eventbus.Bus
	Health         func(ctx context.Context) error
	AllowedOrigins []string
	Logger         observability.Logger
}

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	trading  Trading
	sessions Sessions
	bus      eventbus.Bus
	health   func(ctx context.Context) error
	logger   observability.Logger
	started  time.Time
	// originPatterns are the host patterns the stream upgrade accepts.
	originPatterns []string
}

// NewHandler creates the HTTP handler for trading operations.
func NewHandler(opts Options) http.Handler {
	server := &httpServer{
		trading:  opts.Trading,
		sessions: opts.Sessions,
		bus:      opts.Bus,
		health:   opts.Health,
		logger:   observability.OrNop(opts.Logger),
		started:  time.Now(),

		originPatterns: originPatterns(opts.AllowedOrigins),
	}
	mux := http.NewServeMux()

	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getHealth,
	}))
	mux.Handle(sessionPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.createSession,
	}))
	mux.Handle(streamPath, server.authenticated(server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.stream,
	})))

	mux.Handle(ordersPath, server.authenticated(server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  server.listOrders,
		http.MethodPost: server.placeOrder,
	})))
	mux.Handle(orderDetailPrefix, server.authenticated(server.methodHandlers(map[string]handlerFunc{
		http.MethodDelete: server.cancelOrder,
	})))
	mux.Handle(positionsPath, server.authenticated(server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getPositions,
	})))
	mux.Handle(portfolioPath, server.authenticated(server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getPortfolio,
	})))
	mux.Handle(childAccountsPath, server.authenticated(server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  server.listChildAccounts,
		http.MethodPost: server.addChildAccount,
	})))
	mux.Handle(childAccountDetailPrefix, server.authenticated(server.methodHandlers(map[string]handlerFunc{
		http.MethodDelete: server.removeChildAccount,
	})))

	return withRequestID(withCORS(mux, opts.AllowedOrigins))
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) getHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":         "OK",
		"timestamp":      time.Now().UTC(),
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	}
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			body["status"] = "DEGRADED"
			body["error"] = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeFailure(w, http.StatusMethodNotAllowed, failure{Error: "method not allowed"})
}
