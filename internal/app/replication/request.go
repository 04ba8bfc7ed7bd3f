package replication

import (
	"strings"

	"github.com/coachpo/copydesk/internal/infra/broker"
	"github.com/coachpo/copydesk/lib/validate"
)

const defaultValidity = "DAY"

// OrderRequest is a placement request from an authenticated principal.
type OrderRequest struct {
	InstrumentID      string  `json:"instrument_token" validate:"required"`
	TradingSymbol     string  `json:"trading_symbol"`
	Quantity          int     `json:"quantity" validate:"required,gt=0"`
	Price             float64 `json:"price" validate:"gte=0"`
	OrderType         string  `json:"order_type" validate:"required"`
	TransactionType   string  `json:"transaction_type" validate:"required,oneof=BUY SELL"`
	Product           string  `json:"product" validate:"required"`
	Validity          string  `json:"validity"`
	Tag               string  `json:"tag"`
	DisclosedQuantity int     `json:"disclosed_quantity" validate:"gte=0"`
	TriggerPrice      float64 `json:"trigger_price" validate:"gte=0"`
	IsAMO             bool    `json:"is_amo"`
	// Slice is sent as false unless the caller explicitly asks for slicing.
	Slice *bool `json:"slice"`
}

// normalize trims and upper-cases enumerations and fills defaults.
func (r OrderRequest) normalize() OrderRequest {
	r.InstrumentID = strings.TrimSpace(r.InstrumentID)
	r.TradingSymbol = strings.TrimSpace(r.TradingSymbol)
	r.OrderType = strings.ToUpper(strings.TrimSpace(r.OrderType))
	r.TransactionType = strings.ToUpper(strings.TrimSpace(r.TransactionType))
	r.Product = strings.ToUpper(strings.TrimSpace(r.Product))
	r.Validity = strings.ToUpper(strings.TrimSpace(r.Validity))
	r.Tag = strings.TrimSpace(r.Tag)
	if r.Validity == "" {
		r.Validity = defaultValidity
	}
	if r.TradingSymbol == "" {
		r.TradingSymbol = symbolFromInstrument(r.InstrumentID)
	}
	return r
}

// check validates the normalized request.
func (r OrderRequest) check() *OrderError {
	violations, err := validate.Struct(r)
	if err != nil {
		return validationError(err.Error(), nil)
	}
	if len(violations) > 0 {
		return validationError(validate.Summary(violations), violations)
	}
	return nil
}

func (r OrderRequest) slice() bool {
	return r.Slice != nil && *r.Slice
}

func (r OrderRequest) placeRequest(tag string) broker.PlaceRequest {
	return broker.PlaceRequest{
		Quantity:          r.Quantity,
		Product:           r.Product,
		Validity:          r.Validity,
		Price:             r.Price,
		Tag:               tag,
		InstrumentToken:   r.InstrumentID,
		OrderType:         r.OrderType,
		TransactionType:   r.TransactionType,
		DisclosedQuantity: r.DisclosedQuantity,
		TriggerPrice:      r.TriggerPrice,
		IsAMO:             r.IsAMO,
		Slice:             r.slice(),
	}
}

// symbolFromInstrument returns the part after "|" in an instrument key such as "NSE_EQ|INFY".
func symbolFromInstrument(instrument string) string {
	if i := strings.Index(instrument, "|"); i >= 0 {
		return instrument[i+1:]
	}
	return instrument
}

// exchangeFromInstrument returns the segment prefix before "_", e.g. "NSE" for "NSE_EQ|INFY".
func exchangeFromInstrument(instrument string) string {
	segment := instrument
	if i := strings.Index(segment, "|"); i >= 0 {
		segment = segment[:i]
	}
	if i := strings.Index(segment, "_"); i >= 0 {
		return segment[:i]
	}
	return segment
}
