package broker

import "time"

// PlaceRequest is the order placement payload.
type PlaceRequest struct {
	Quantity          int     `json:"quantity"`
	Product           string  `json:"product"`
	Validity          string  `json:"validity"`
	Price             float64 `json:"price"`
	Tag               string  `json:"tag"`
	InstrumentToken   string  `json:"instrument_token"`
	OrderType         string  `json:"order_type"`
	TransactionType   string  `json:"transaction_type"`
	DisclosedQuantity int     `json:"disclosed_quantity"`
	TriggerPrice      float64 `json:"trigger_price"`
	IsAMO             bool    `json:"is_amo"`
	Slice             bool    `json:"slice"`
}

// PlaceResponse lists the identifiers assigned to a placed order. The first is the primary id.
type PlaceResponse struct {
	OrderIDs []string `json:"order_ids"`
}

// PrimaryID returns the first non-empty order id.
func (r PlaceResponse) PrimaryID() (string, bool) {
	for _, id := range r.OrderIDs {
		if id != "" {
			return id, true
		}
	}
	return "", false
}

// Profile identifies the account behind a credential.
type Profile struct {
	UserID    string   `json:"user_id"`
	UserName  string   `json:"user_name"`
	Email     string   `json:"email"`
	Broker    string   `json:"broker"`
	UserType  string   `json:"user_type"`
	IsActive  bool     `json:"is_active"`
	Exchanges []string `json:"exchanges"`
	Products  []string `json:"products"`
}

// UpstreamOrder is an order as reported by the order book endpoint.
type UpstreamOrder struct {
	OrderID           string  `json:"order_id"`
	ExchangeOrderID   string  `json:"exchange_order_id"`
	ParentOrderID     string  `json:"parent_order_id"`
	Exchange          string  `json:"exchange"`
	InstrumentToken   string  `json:"instrument_token"`
	TradingSymbol     string  `json:"trading_symbol"`
	Product           string  `json:"product"`
	OrderType         string  `json:"order_type"`
	TransactionType   string  `json:"transaction_type"`
	Validity          string  `json:"validity"`
	Status            string  `json:"status"`
	StatusMessage     string  `json:"status_message"`
	Tag               string  `json:"tag"`
	Price             float64 `json:"price"`
	AveragePrice      float64 `json:"average_price"`
	TriggerPrice      float64 `json:"trigger_price"`
	Quantity          int     `json:"quantity"`
	FilledQuantity    int     `json:"filled_quantity"`
	PendingQuantity   int     `json:"pending_quantity"`
	DisclosedQuantity int     `json:"disclosed_quantity"`
	OrderTimestamp    string  `json:"order_timestamp"`
}

// Position is a long-term holding reported by the portfolio endpoint.
type Position struct {
	InstrumentToken     string  `json:"instrument_token"`
	TradingSymbol       string  `json:"trading_symbol"`
	CompanyName         string  `json:"company_name"`
	Exchange            string  `json:"exchange"`
	ISIN                string  `json:"isin"`
	Product             string  `json:"product"`
	Quantity            int     `json:"quantity"`
	AveragePrice        float64 `json:"average_price"`
	LastPrice           float64 `json:"last_price"`
	ClosePrice          float64 `json:"close_price"`
	PnL                 float64 `json:"pnl"`
	DayChange           float64 `json:"day_change"`
	DayChangePercentage float64 `json:"day_change_percentage"`
}

// Margin summarises one segment of the funds report.
type Margin struct {
	UsedMargin      float64 `json:"used_margin"`
	PayinAmount     float64 `json:"payin_amount"`
	SpanMargin      float64 `json:"span_margin"`
	AdhocMargin     float64 `json:"adhoc_margin"`
	NotionalCash    float64 `json:"notional_cash"`
	AvailableMargin float64 `json:"available_margin"`
	ExposureMargin  float64 `json:"exposure_margin"`
}

// Funds is the funds and margin report.
type Funds struct {
	Equity    Margin    `json:"equity"`
	Commodity Margin    `json:"commodity"`
	FetchedAt time.Time `json:"fetched_at"`
}
