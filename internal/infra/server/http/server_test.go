package httpserver

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coder/websocket"

	"github.com/coachpo/copydesk/errs"
	"github.com/coachpo/copydesk/internal/app/accounts"
	"github.com/coachpo/copydesk/internal/app/replication"
	"github.com/coachpo/copydesk/internal/app/session"
	"github.com/coachpo/copydesk/internal/domain/account"
	"github.com/coachpo/copydesk/internal/domain/orderstore"
	"github.com/coachpo/copydesk/internal/domain/schema"
	"github.com/coachpo/copydesk/internal/infra/broker"
	"github.com/coachpo/copydesk/internal/infra/bus/eventbus"
)

type fakeTrading struct {
	mu        sync.Mutex
	lastReq   replication.OrderRequest
	cancelled []string
	removed   []string
	err       error
}

func (f *fakeTrading) fail() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeTrading) PlaceOrder(_ context.Context, p account.Principal, req replication.OrderRequest) (replication.PlacementResult, error) {
	if err := f.fail(); err != nil {
		return replication.PlacementResult{}, err
	}
	f.mu.Lock()
	f.lastReq = req
	f.mu.Unlock()
	result := replication.PlacementResult{Order: orderstore.Order{OrderID: "OID-1", OwnerUserID: p.UserID, Quantity: req.Quantity, PendingQuantity: req.Quantity, Status: orderstore.StatusPending}}
	if p.IsParent() {
		result.FanOut = &replication.FanOutSummary{Results: []replication.ChildResult{{ChildUserID: "C1", Outcome: replication.OutcomeReplicated, OrderID: "OID-C1"}}}
	}
	return result, nil
}

func (f *fakeTrading) CancelOrder(_ context.Context, _ account.Principal, orderID string) (*orderstore.Order, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.cancelled = append(f.cancelled, orderID)
	f.mu.Unlock()
	return &orderstore.Order{OrderID: orderID, Status: orderstore.StatusCancelled}, nil
}

func (f *fakeTrading) GetOrders(_ context.Context, p account.Principal) ([]orderstore.Order, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return []orderstore.Order{{OrderID: "OID-1", OwnerUserID: p.UserID}}, nil
}

func (f *fakeTrading) GetPositions(context.Context, account.Principal) ([]broker.Position, error) {
	return []broker.Position{{TradingSymbol: "INFY", Quantity: 5}}, f.fail()
}

func (f *fakeTrading) GetPortfolio(context.Context, account.Principal) (broker.Funds, error) {
	return broker.Funds{}, f.fail()
}

func (f *fakeTrading) GetChildAccounts(_ context.Context, p account.Principal) ([]account.ChildLink, error) {
	if !p.IsParent() {
		return nil, &replication.OrderError{Kind: replication.KindForbidden, Message: "only parent accounts can manage child accounts"}
	}
	return nil, f.fail()
}

func (f *fakeTrading) AddChildAccount(_ context.Context, _ account.Principal, c accounts.Candidate) (account.ChildLink, error) {
	if c.AccessCredential == "" {
		return account.ChildLink{}, errs.New("accounts", errs.CodeInvalid, errs.WithMessage("access_token is required"), errs.WithReason(accounts.ReasonInvalidCandidate))
	}
	return account.ChildLink{ChildUserID: c.UserID, IsActive: true}, nil
}

func (f *fakeTrading) RemoveChildAccount(_ context.Context, _ account.Principal, childID string) error {
	f.mu.Lock()
	f.removed = append(f.removed, childID)
	f.mu.Unlock()
	return nil
}

type profiles map[string]broker.Profile

func (p profiles) FetchProfile(_ context.Context, credential string) (broker.Profile, error) {
	if profile, ok := p[credential]; ok {
		return profile, nil
	}
	return broker.Profile{}, &broker.UpstreamError{HTTPStatus: http.StatusUnauthorized, Kind: broker.KindAuthRejected}
}

type harness struct {
	trading  *fakeTrading
	sessions *session.Store
	bus      *eventbus.MemoryBus
	handler  http.Handler
}

func newHarness(t *testing.T, health func(context.Context) error) *harness {
	t.Helper()
	h := &harness{
		trading:  &fakeTrading{},
		sessions: session.NewStore(profiles{"parent-tok": {UserID: "P1"}, "child-tok": {UserID: "C9"}}, nil),
		bus:      eventbus.NewMemoryBus(eventbus.MemoryConfig{BufferSize: 8}),
	}
	t.Cleanup(h.bus.Close)
	h.handler = NewHandler(Options{Trading: h.trading, Sessions: h.sessions, Bus: h.bus, Health: health})
	return h
}

func (h *harness) login(t *testing.T, token string, role account.Role) {
	t.Helper()
	_, err := h.sessions.Register(context.Background(), token, role)
	require.NoError(t, err)
}

func (h *harness) do(t *testing.T, method, path, token, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	var decoded map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded), rec.Body.String())
	}
	return rec, decoded
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)
	rec, body := h.do(t, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "OK", body["status"])
	require.NotEmpty(t, rec.Header().Get(requestIDHeader))

	degraded := newHarness(t, func(context.Context) error { return errors.New("db down") })
	rec, body = degraded.do(t, http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "DEGRADED", body["status"])
}

func TestRequestIDIsPropagated(t *testing.T) {
	h := newHarness(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDHeader, "req-42")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	require.Equal(t, "req-42", rec.Header().Get(requestIDHeader))
}

func TestCreateSession(t *testing.T) {
	h := newHarness(t, nil)
	rec, body := h.do(t, http.MethodPost, "/auth/session", "", `{"access_token":"child-tok","role":"CHILD"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, body["success"])
	p, ok := h.sessions.Resolve("child-tok")
	require.True(t, ok)
	require.Equal(t, account.RoleChild, p.Role)

	rec, body = h.do(t, http.MethodPost, "/auth/session", "", `{"access_token":"nope"}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, false, body["success"])
	require.Equal(t, string(errs.CodeUnauthenticated), body["code"])

	rec, _ = h.do(t, http.MethodPost, "/auth/session", "", `{"access_token":"parent-tok","role":"admin"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnknownBearerIsRejected(t *testing.T) {
	h := newHarness(t, nil)
	rec, body := h.do(t, http.MethodGet, "/trading/orders", "", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, replication.CodeTokenExpired, body["code"])

	rec, _ = h.do(t, http.MethodGet, "/trading/orders", "stranger", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPlaceOrderCoercesNumericStrings(t *testing.T) {
	h := newHarness(t, nil)
	h.login(t, "parent-tok", account.RoleParent)

	rec, body := h.do(t, http.MethodPost, "/trading/orders", "parent-tok", `{
		"instrument_token": "NSE_EQ|INFY",
		"quantity": "10",
		"price": "1520.5",
		"order_type": "LIMIT",
		"transaction_type": "BUY",
		"product": "D",
		"trigger_price": "",
		"disclosed_quantity": 2
	}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "Order placed and copied to child accounts", body["message"])
	require.NotNil(t, body["fan_out"])

	req := h.trading.lastReq
	require.Equal(t, 10, req.Quantity)
	require.InDelta(t, 1520.5, req.Price, 1e-9)
	require.Zero(t, req.TriggerPrice)
	require.Equal(t, 2, req.DisclosedQuantity)
	require.Nil(t, req.Slice)
}

func TestPlaceOrderRejectsNonNumericQuantity(t *testing.T) {
	h := newHarness(t, nil)
	h.login(t, "parent-tok", account.RoleParent)
	rec, body := h.do(t, http.MethodPost, "/trading/orders", "parent-tok", `{"quantity":"ten"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, false, body["success"])
}

func TestErrorStatusMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{&replication.OrderError{Kind: replication.KindValidation, Message: "quantity is required"}, http.StatusBadRequest},
		{&replication.OrderError{Kind: replication.KindNotFound}, http.StatusNotFound},
		{&replication.OrderError{Kind: replication.KindConflict}, http.StatusConflict},
		{&replication.OrderError{Kind: replication.KindTimeout}, http.StatusGatewayTimeout},
		{&replication.OrderError{Kind: replication.KindUpstreamRejected}, http.StatusBadGateway},
		{errs.New("store", errs.CodeUnavailable), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		h := newHarness(t, nil)
		h.login(t, "parent-tok", account.RoleParent)
		h.trading.err = tc.err
		rec, body := h.do(t, http.MethodGet, "/trading/orders", "parent-tok", "")
		require.Equal(t, tc.status, rec.Code, tc.err.Error())
		require.Equal(t, false, body["success"])
		require.NotEmpty(t, body["error"])
	}
}

func TestUnauthenticatedRevokesSession(t *testing.T) {
	h := newHarness(t, nil)
	h.login(t, "parent-tok", account.RoleParent)
	h.trading.err = &replication.OrderError{Kind: replication.KindUnauthenticated, Message: "expired", Code: replication.CodeTokenExpired}

	rec, body := h.do(t, http.MethodPost, "/trading/orders", "parent-tok", `{"quantity":1}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, replication.CodeTokenExpired, body["code"])

	_, ok := h.sessions.Resolve("parent-tok")
	require.False(t, ok)
}

func TestCancelOrderUsesPathID(t *testing.T) {
	h := newHarness(t, nil)
	h.login(t, "parent-tok", account.RoleParent)
	rec, body := h.do(t, http.MethodDelete, "/trading/orders/OID-7", "parent-tok", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Order cancelled successfully", body["message"])
	require.Equal(t, []string{"OID-7"}, h.trading.cancelled)
}

func TestChildAccountRoutes(t *testing.T) {
	h := newHarness(t, nil)
	h.login(t, "parent-tok", account.RoleParent)
	h.login(t, "child-tok", account.RoleChild)

	rec, body := h.do(t, http.MethodGet, "/trading/child-accounts", "parent-tok", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []any{}, body["children"])

	rec, _ = h.do(t, http.MethodGet, "/trading/child-accounts", "child-tok", "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec, body = h.do(t, http.MethodPost, "/trading/child-accounts", "parent-tok", `{"user_id":"C1"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, map[string]any{"reason": accounts.ReasonInvalidCandidate}, body["details"])

	rec, _ = h.do(t, http.MethodPost, "/trading/child-accounts", "parent-tok", `{"user_id":"C1","access_token":"c1"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = h.do(t, http.MethodDelete, "/trading/child-accounts/C1", "parent-tok", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"C1"}, h.trading.removed)
}

func TestMethodNotAllowed(t *testing.T) {
	h := newHarness(t, nil)
	h.login(t, "parent-tok", account.RoleParent)
	rec, _ := h.do(t, http.MethodPut, "/trading/orders", "parent-tok", "")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	require.Equal(t, "GET, POST", rec.Header().Get("Allow"))
}

func TestStreamFilterScopesToPrincipal(t *testing.T) {
	parent := newStreamFilter(account.Principal{UserID: "P1", Role: account.RoleParent})
	require.True(t, parent.allow(schema.NewNotification(schema.TopicNewOrder, orderstore.Order{OrderID: "A", OwnerUserID: "P1"})))
	require.True(t, parent.allow(schema.NewNotification(schema.TopicNewOrder, orderstore.Order{OrderID: "B", OwnerUserID: "C1", ParentOrderID: "A"})))
	require.True(t, parent.allow(schema.NewNotification(schema.TopicOrderUpdate, orderstore.Order{OrderID: "B", OwnerUserID: "C1", ParentOrderID: "A"})))
	require.False(t, parent.allow(schema.NewNotification(schema.TopicNewOrder, orderstore.Order{OrderID: "X", OwnerUserID: "P2"})))
	require.False(t, parent.allow(schema.NewNotification(schema.TopicNewOrder, orderstore.Order{OrderID: "Y", OwnerUserID: "C2", ParentOrderID: "Z"})))

	child := newStreamFilter(account.Principal{UserID: "C1", Role: account.RoleChild})
	require.True(t, child.allow(schema.NewNotification(schema.TopicNewOrder, orderstore.Order{OrderID: "B", OwnerUserID: "C1", ParentOrderID: "A"})))
	require.False(t, child.allow(schema.NewNotification(schema.TopicNewOrder, orderstore.Order{OrderID: "A", OwnerUserID: "P1"})))
}

func TestStreamDeliversOwnNotifications(t *testing.T) {
	h := newHarness(t, nil)
	h.login(t, "parent-tok", account.RoleParent)
	srv := httptest.NewServer(h.handler)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?access_token=parent-tok"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer func() { _ = conn.CloseNow() }()

	// The subscription is registered asynchronously; keep publishing until a frame arrives.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = h.bus.Publish(context.Background(), schema.NewNotification(schema.TopicNewOrder, orderstore.Order{OrderID: "other", OwnerUserID: "P2"}))
				_ = h.bus.Publish(context.Background(), schema.NewNotification(schema.TopicNewOrder, orderstore.Order{OrderID: "mine", OwnerUserID: "P1"}))
			}
		}
	}()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var frame struct {
		Type  string           `json:"type"`
		Order orderstore.Order `json:"order"`
	}
	require.NoError(t, json.Unmarshal(data, &frame))
	require.Equal(t, string(schema.TopicNewOrder), frame.Type)
	require.Equal(t, "mine", frame.Order.OrderID)
}

func TestStreamRequiresSession(t *testing.T) {
	h := newHarness(t, nil)
	rec, _ := h.do(t, http.MethodGet, "/ws", "", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestOriginPatterns(t *testing.T) {
	cases := []struct {
		name    string
		allowed []string
		want    []string
	}{
		{name: "empty allows all", allowed: nil, want: []string{"*"}},
		{name: "wildcard", allowed: []string{"https://app.example.com", "*"}, want: []string{"*"}},
		{name: "full origins", allowed: []string{"https://app.example.com", "http://localhost:3000"}, want: []string{"app.example.com", "localhost:3000"}},
		{name: "bare host", allowed: []string{" *.example.com "}, want: []string{"*.example.com"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, originPatterns(tc.allowed))
		})
	}
}

func TestStreamRejectsForeignOrigin(t *testing.T) {
	h := newHarness(t, nil)
	h.login(t, "parent-tok", account.RoleParent)
	handler := NewHandler(Options{
		Trading:        h.trading,
		Sessions:       h.sessions,
		Bus:            h.bus,
		AllowedOrigins: []string{"https://app.example.com"},
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?access_token=parent-tok"

	_, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"https://evil.example.org"}},
	})
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"https://app.example.com"}},
	})
	require.NoError(t, err)
	_ = conn.CloseNow()
}
