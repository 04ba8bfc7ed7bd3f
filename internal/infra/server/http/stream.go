package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coder/websocket"

	"github.com/coachpo/copydesk/internal/domain/account"
	"github.com/coachpo/copydesk/internal/domain/schema"
	"github.com/coachpo/copydesk/internal/observability"
)

const (
	streamWriteTimeout = 5 * time.Second
	streamPingInterval = 30 * time.Second
)

// streamFrame is the wire shape pushed to UI sessions.
type streamFrame struct {
	Type        schema.Topic `json:"type"`
	Order       any          `json:"order"`
	PublishedAt time.Time    `json:"published_at"`
}

// streamFilter decides which notifications a principal may see: its own orders and, for a
// parent, the child orders replicated from one of its orders seen on this connection.
type streamFilter struct {
	principal account.Principal
	visible   map[string]struct{}
}

func newStreamFilter(principal account.Principal) *streamFilter {
	return &streamFilter{principal: principal, visible: make(map[string]struct{})}
}

func (f *streamFilter) allow(n schema.Notification) bool {
	order := n.Order
	if order.OwnerUserID == f.principal.UserID {
		if f.principal.IsParent() {
			f.visible[order.OrderID] = struct{}{}
		}
		return true
	}
	if !f.principal.IsParent() {
		return false
	}
	if order.ParentOrderID != "" {
		if _, ok := f.visible[order.ParentOrderID]; ok {
			f.visible[childKey(order.OwnerUserID, order.OrderID)] = struct{}{}
			return true
		}
	}
	_, ok := f.visible[childKey(order.OwnerUserID, order.OrderID)]
	return ok
}

func childKey(owner, orderID string) string {
	return owner + "/" + orderID
}

func (s *httpServer) stream(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		writeFailure(w, http.StatusServiceUnavailable, failure{Error: "notification stream unavailable"})
		return
	}
	principal := principalFrom(r.Context())
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		s.logger.Warn("websocket accept failed",
			observability.Field{Key: "user_id", Value: principal.UserID},
			observability.Field{Key: "error", Value: err},
		)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	// The handler's context ends with the request; reading detects client closes.
	ctx := conn.CloseRead(r.Context())

	subID, events, err := s.bus.Subscribe(ctx, schema.Topics()...)
	if err != nil {
		_ = conn.Close(websocket.StatusTryAgainLater, "subscribe failed")
		return
	}
	defer s.bus.Unsubscribe(subID)

	s.logger.Info("notification stream opened",
		observability.Field{Key: "user_id", Value: principal.UserID},
		observability.Field{Key: "subscription_id", Value: string(subID)},
	)
	err = s.pump(ctx, conn, events, newStreamFilter(principal))
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		_ = conn.Close(websocket.StatusNormalClosure, "")
	case websocket.CloseStatus(err) != -1:
	default:
		s.logger.Warn("notification stream closed",
			observability.Field{Key: "user_id", Value: principal.UserID},
			observability.Field{Key: "error", Value: err},
		)
		_ = conn.Close(websocket.StatusInternalError, "stream failed")
	}
}

func (s *httpServer) pump(ctx context.Context, conn *websocket.Conn, events <-chan schema.Notification, filter *streamFilter) error {
	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ping.C:
			pingCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return err
			}
		case n, ok := <-events:
			if !ok {
				return nil
			}
			if !filter.allow(n) {
				continue
			}
			data, err := json.Marshal(streamFrame{Type: n.Topic, Order: n.Order, PublishedAt: n.PublishedAt})
			if err != nil {
				return err
			}
			writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}
