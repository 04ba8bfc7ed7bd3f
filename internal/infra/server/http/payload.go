package httpserver

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/copydesk/internal/app/accounts"
	"github.com/coachpo/copydesk/internal/app/replication"
	"github.com/coachpo/copydesk/internal/domain/account"
)

// flexNumber accepts a JSON number, a numeric string, an empty string or null.
type flexNumber struct {
	value float64
	set   bool
}

func (n *flexNumber) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*n = flexNumber{}
		return nil
	}
	text := string(data)
	if data[0] == '"' {
		unquoted, err := strconv.Unquote(text)
		if err != nil {
			return fmt.Errorf("invalid numeric string %s", text)
		}
		text = strings.TrimSpace(unquoted)
		if text == "" {
			*n = flexNumber{}
			return nil
		}
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%s is not a number", text)
	}
	*n = flexNumber{value: v, set: true}
	return nil
}

func (n flexNumber) asFloat() float64 { return n.value }

// int truncates like parseInt does for decimal input.
func (n flexNumber) asInt() int { return int(math.Trunc(n.value)) }

type placeOrderPayload struct {
	InstrumentToken   string     `json:"instrument_token"`
	TradingSymbol     string     `json:"trading_symbol"`
	Quantity          flexNumber `json:"quantity"`
	Price             flexNumber `json:"price"`
	OrderType         string     `json:"order_type"`
	TransactionType   string     `json:"transaction_type"`
	Product           string     `json:"product"`
	Validity          string     `json:"validity"`
	Tag               string     `json:"tag"`
	DisclosedQuantity flexNumber `json:"disclosed_quantity"`
	TriggerPrice      flexNumber `json:"trigger_price"`
	IsAMO             bool       `json:"is_amo"`
	Slice             *bool      `json:"slice"`
}

func (p placeOrderPayload) request() replication.OrderRequest {
	return replication.OrderRequest{
		InstrumentID:      p.InstrumentToken,
		TradingSymbol:     p.TradingSymbol,
		Quantity:          p.Quantity.asInt(),
		Price:             p.Price.asFloat(),
		OrderType:         p.OrderType,
		TransactionType:   p.TransactionType,
		Product:           p.Product,
		Validity:          p.Validity,
		Tag:               p.Tag,
		DisclosedQuantity: p.DisclosedQuantity.asInt(),
		TriggerPrice:      p.TriggerPrice.asFloat(),
		IsAMO:             p.IsAMO,
		Slice:             p.Slice,
	}
}

type sessionPayload struct {
	AccessToken string       `json:"access_token"`
	Role        account.Role `json:"role"`
}

type childAccountPayload struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	AccessToken string `json:"access_token"`
}

func (p childAccountPayload) candidate() accounts.Candidate {
	return accounts.Candidate{
		UserID:           strings.TrimSpace(p.UserID),
		DisplayName:      strings.TrimSpace(p.DisplayName),
		Email:            strings.TrimSpace(p.Email),
		AccessCredential: strings.TrimSpace(p.AccessToken),
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(dst); err != nil {
		writeDecodeError(w, err)
		return false
	}
	return true
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeFailure(w, http.StatusRequestEntityTooLarge, failure{Error: "request body too large"})
		return
	}
	writeFailure(w, http.StatusBadRequest, failure{Error: fmt.Sprintf("invalid payload: %v", err)})
}

func isRequestTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}
