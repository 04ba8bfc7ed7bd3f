// Package broker implements a typed client for the brokerage REST API.
package broker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/coachpo/copydesk/internal/infra/telemetry"
	"github.com/coachpo/copydesk/internal/observability"
)

const (
	defaultBaseURL      = "https://api.upstox.com/v2"
	defaultPlaceBaseURL = "https://api-hft.upstox.com/v3"
	defaultTimeout      = 30 * time.Second

	maxResponseBytes = 1 << 20
	maxErrorBytes    = 4 << 10
)

// Endpoint paths relative to the configured base URLs.
const (
	pathPlaceOrder = "/order/place"
	pathCancel     = "/order/cancel"
	pathProfile    = "/user/profile"
	pathOrders     = "/order/retrieve-all"
	pathHoldings   = "/portfolio/long-term-holdings"
	pathFunds      = "/user/get-funds-and-margin"
)

// Options configures a Client.
type Options struct {
	// BaseURL serves retrieve, cancel, profile and portfolio calls.
	BaseURL string
	// PlaceBaseURL serves order placement.
	PlaceBaseURL string
	// Timeout bounds every call, including time spent waiting on the rate limiter.
	Timeout           time.Duration
	HTTPClient        *http.Client
	RequestsPerSecond float64
	Burst             int
	Logger            observability.Logger
}

// Client calls the brokerage. It never retries; every failure is an *UpstreamError.
type Client struct {
	baseURL      string
	placeBaseURL string
	timeout      time.Duration
	http         *http.Client
	limiter      *rate.Limiter
	logger       observability.Logger
	duration     metric.Float64Histogram
	now          func() time.Time
}

// New constructs a Client, filling defaults for unset options.
func New(opts Options) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"),
		placeBaseURL: strings.TrimRight(strings.TrimSpace(opts.PlaceBaseURL), "/"),
		timeout:      opts.Timeout,
		http:         opts.HTTPClient,
		logger:       observability.OrNop(opts.Logger),
		now:          time.Now,
	}
	if c.baseURL == "" {
		c.baseURL = defaultBaseURL
	}
	if c.placeBaseURL == "" {
		c.placeBaseURL = defaultPlaceBaseURL
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	meter := otel.Meter("broker")
	c.duration, _ = meter.Float64Histogram("copydesk.broker.request.duration",
		metric.WithDescription("Brokerage call latency"),
		metric.WithUnit("ms"))
	return c
}

type envelope[T any] struct {
	Status string `json:"status"`
	Data   T      `json:"data"`
}

// SubmitOrder places an order and returns the upstream order ids.
func (c *Client) SubmitOrder(ctx context.Context, credential string, req PlaceRequest) (PlaceResponse, error) {
	req.Price = roundPrice(req.Price)
	req.TriggerPrice = roundPrice(req.TriggerPrice)
	var out envelope[PlaceResponse]
	if err := c.call(ctx, "submit_order", http.MethodPost, c.placeBaseURL+pathPlaceOrder, credential, req, &out); err != nil {
		return PlaceResponse{}, err
	}
	return out.Data, nil
}

// CancelOrder cancels an open order.
func (c *Client) CancelOrder(ctx context.Context, credential, orderID string) error {
	params := url.Values{}
	params.Set("order_id", orderID)
	var out envelope[json.RawMessage]
	return c.call(ctx, "cancel_order", http.MethodDelete, c.baseURL+pathCancel+"?"+params.Encode(), credential, nil, &out)
}

// FetchProfile returns the account behind the credential. It doubles as credential verification.
func (c *Client) FetchProfile(ctx context.Context, credential string) (Profile, error) {
	var out envelope[Profile]
	if err := c.call(ctx, "fetch_profile", http.MethodGet, c.baseURL+pathProfile, credential, nil, &out); err != nil {
		return Profile{}, err
	}
	return out.Data, nil
}

// ListOrders returns the day's order book.
func (c *Client) ListOrders(ctx context.Context, credential string) ([]UpstreamOrder, error) {
	var out envelope[[]UpstreamOrder]
	if err := c.call(ctx, "list_orders", http.MethodGet, c.baseURL+pathOrders, credential, nil, &out); err != nil {
		return nil, err
	}
	if out.Data == nil {
		return []UpstreamOrder{}, nil
	}
	return out.Data, nil
}

// FetchPositions returns long-term holdings.
func (c *Client) FetchPositions(ctx context.Context, credential string) ([]Position, error) {
	var out envelope[[]Position]
	if err := c.call(ctx, "fetch_positions", http.MethodGet, c.baseURL+pathHoldings, credential, nil, &out); err != nil {
		return nil, err
	}
	if out.Data == nil {
		return []Position{}, nil
	}
	return out.Data, nil
}

// FetchFunds returns the funds and margin report.
func (c *Client) FetchFunds(ctx context.Context, credential string) (Funds, error) {
	var out envelope[Funds]
	if err := c.call(ctx, "fetch_funds", http.MethodGet, c.baseURL+pathFunds, credential, nil, &out); err != nil {
		return Funds{}, err
	}
	out.Data.FetchedAt = c.now().UTC()
	return out.Data, nil
}

func (c *Client) call(ctx context.Context, op, method, endpoint, credential string, body, out any) (err error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	started := c.now()
	defer func() {
		result := telemetry.ResultSuccess
		if err != nil {
			result = string(KindOf(err))
		}
		if c.duration != nil {
			c.duration.Record(ctx, float64(c.now().Sub(started).Milliseconds()),
				metric.WithAttributes(telemetry.OperationResultAttributes(op, result)...))
		}
	}()

	if c.limiter != nil {
		if waitErr := c.limiter.Wait(ctx); waitErr != nil {
			ue := classifyTransport(op, waitErr)
			if ue.Kind == KindUnknown && ctx.Err() == nil {
				// Wait fails early when the deadline cannot accommodate the reservation.
				ue.Kind = KindTimeout
			}
			return ue
		}
	}

	var reader io.Reader
	if body != nil {
		payload, mErr := json.Marshal(body)
		if mErr != nil {
			return &UpstreamError{Op: op, Kind: KindValidation, Message: fmt.Sprintf("encode request: %v", mErr), cause: mErr}
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return &UpstreamError{Op: op, Kind: KindUnknown, Message: fmt.Sprintf("create request: %v", err), cause: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+credential)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		ue := classifyTransport(op, err)
		c.logger.Warn("broker request failed",
			observability.Field{Key: "operation", Value: op},
			observability.Field{Key: "kind", Value: string(ue.Kind)},
			observability.Field{Key: "credential", Value: observability.MaskSecret(credential)},
			observability.Field{Key: "error", Value: err},
		)
		return ue
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBytes))
		ue := classifyResponse(op, resp.StatusCode, raw)
		c.logger.Warn("broker rejected request",
			observability.Field{Key: "operation", Value: op},
			observability.Field{Key: "status", Value: resp.StatusCode},
			observability.Field{Key: "kind", Value: string(ue.Kind)},
			observability.Field{Key: "message", Value: ue.Message},
			observability.Field{Key: "credential", Value: observability.MaskSecret(credential)},
		)
		return ue
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return classifyTransport(op, err)
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &UpstreamError{
			Op:         op,
			HTTPStatus: resp.StatusCode,
			Kind:       KindUnknown,
			Message:    fmt.Sprintf("decode response: %v", err),
			RawBody:    truncate(string(raw), maxErrorBytes),
			cause:      err,
		}
	}
	return nil
}

func roundPrice(v float64) float64 {
	if v == 0 {
		return 0
	}
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
