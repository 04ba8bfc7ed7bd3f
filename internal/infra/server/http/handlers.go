package httpserver

import (
	"net/http"
	"strings"

	"github.com/coachpo/copydesk/internal/domain/account"
	"github.com/coachpo/copydesk/internal/domain/orderstore"
)

func (s *httpServer) createSession(w http.ResponseWriter, r *http.Request) {
	var payload sessionPayload
	if !decodeBody(w, r, &payload) {
		return
	}
	role := account.Role(strings.ToLower(strings.TrimSpace(string(payload.Role))))
	principal, err := s.sessions.Register(r.Context(), payload.AccessToken, role)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeSuccess(w, map[string]any{"data": principal})
}

func (s *httpServer) listOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.trading.GetOrders(r.Context(), principalFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if orders == nil {
		orders = []orderstore.Order{}
	}
	writeSuccess(w, map[string]any{"orders": orders})
}

func (s *httpServer) placeOrder(w http.ResponseWriter, r *http.Request) {
	var payload placeOrderPayload
	if !decodeBody(w, r, &payload) {
		return
	}
	principal := principalFrom(r.Context())
	result, err := s.trading.PlaceOrder(r.Context(), principal, payload.request())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	message := "Order placed successfully"
	if principal.IsParent() {
		message = "Order placed and copied to child accounts"
	}
	body := map[string]any{"order": result.Order, "message": message}
	if result.FanOut != nil {
		body["fan_out"] = result.FanOut
	}
	writeSuccess(w, body)
}

func (s *httpServer) cancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := strings.Trim(strings.TrimPrefix(r.URL.Path, orderDetailPrefix), "/")
	order, err := s.trading.CancelOrder(r.Context(), principalFrom(r.Context()), orderID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	body := map[string]any{"message": "Order cancelled successfully"}
	if order != nil {
		body["order"] = order
	}
	writeSuccess(w, body)
}

func (s *httpServer) getPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.trading.GetPositions(r.Context(), principalFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeSuccess(w, map[string]any{"positions": positions})
}

func (s *httpServer) getPortfolio(w http.ResponseWriter, r *http.Request) {
	funds, err := s.trading.GetPortfolio(r.Context(), principalFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeSuccess(w, map[string]any{"portfolio": funds})
}

func (s *httpServer) listChildAccounts(w http.ResponseWriter, r *http.Request) {
	children, err := s.trading.GetChildAccounts(r.Context(), principalFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if children == nil {
		children = []account.ChildLink{}
	}
	writeSuccess(w, map[string]any{"children": children})
}

func (s *httpServer) addChildAccount(w http.ResponseWriter, r *http.Request) {
	var payload childAccountPayload
	if !decodeBody(w, r, &payload) {
		return
	}
	child, err := s.trading.AddChildAccount(r.Context(), principalFrom(r.Context()), payload.candidate())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeSuccess(w, map[string]any{"child": child})
}

func (s *httpServer) removeChildAccount(w http.ResponseWriter, r *http.Request) {
	childID := strings.Trim(strings.TrimPrefix(r.URL.Path, childAccountDetailPrefix), "/")
	if err := s.trading.RemoveChildAccount(r.Context(), principalFrom(r.Context()), childID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeSuccess(w, map[string]any{"message": "Child account removed successfully"})
}
