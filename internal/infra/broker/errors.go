package broker

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

// Kind is the closed set of upstream failure classes callers branch on.
type Kind string

const (
	KindTimeout      Kind = "timeout"
	KindAuthRejected Kind = "auth_rejected"
	KindRateLimited  Kind = "rate_limited"
	KindValidation   Kind = "validation"
	KindUnknown      Kind = "unknown"
)

// Error codes the brokerage uses for invalid or expired access tokens.
var authErrorCodes = map[string]struct{}{
	"UDAPI100050": {},
	"UDAPI100016": {},
	"UDAPI100067": {},
}

// UpstreamError is the only error type returned by Client operations.
type UpstreamError struct {
	Op         string
	HTTPStatus int
	Kind       Kind
	Code       string
	Message    string
	RawBody    string

	cause error
}

func (e *UpstreamError) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString("broker")
	if e.Op != "" {
		b.WriteString(" " + e.Op)
	}
	b.WriteString(": " + string(e.Kind))
	if e.HTTPStatus > 0 {
		b.WriteString(" (http " + strconv.Itoa(e.HTTPStatus) + ")")
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	return b.String()
}

func (e *UpstreamError) Unwrap() error { return e.cause }

// AsUpstream extracts an UpstreamError from err's chain.
func AsUpstream(err error) (*UpstreamError, bool) {
	var ue *UpstreamError
	if errors.As(err, &ue) && ue != nil {
		return ue, true
	}
	return nil, false
}

// KindOf returns the upstream kind of err, or KindUnknown when err is not an UpstreamError.
func KindOf(err error) Kind {
	if ue, ok := AsUpstream(err); ok {
		return ue.Kind
	}
	return KindUnknown
}

// errorBody covers the error envelopes the brokerage returns.
type errorBody struct {
	Status           string `json:"status"`
	Message          string `json:"message"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Errors           []struct {
		ErrorCode     string `json:"errorCode"`
		ErrorCodeSnek string `json:"error_code"`
		Message       string `json:"message"`
		PropertyPath  string `json:"propertyPath"`
	} `json:"errors"`
}

// classifyResponse builds the UpstreamError for a non-success HTTP response.
func classifyResponse(op string, status int, raw []byte) *UpstreamError {
	ue := &UpstreamError{
		Op:         op,
		HTTPStatus: status,
		Kind:       KindUnknown,
		RawBody:    strings.TrimSpace(string(raw)),
	}

	var body errorBody
	parsed := len(raw) > 0 && json.Unmarshal(raw, &body) == nil

	var code string
	if parsed {
		for _, item := range body.Errors {
			if code == "" {
				code = firstNonEmpty(item.ErrorCode, item.ErrorCodeSnek)
			}
			if ue.Message == "" {
				ue.Message = strings.TrimSpace(item.Message)
			}
		}
		if ue.Message == "" {
			ue.Message = firstNonEmpty(body.Message, body.ErrorDescription, body.Error)
		}
		if code == "" {
			code = strings.TrimSpace(body.Error)
		}
	}
	if ue.Message == "" {
		ue.Message = http.StatusText(status)
	}
	ue.Code = code

	_, authCode := authErrorCodes[code]
	switch {
	case status == http.StatusUnauthorized, authCode,
		strings.EqualFold(body.Error, "invalid_grant"), strings.EqualFold(body.Error, "invalid_token"):
		ue.Kind = KindAuthRejected
	case status == http.StatusTooManyRequests:
		ue.Kind = KindRateLimited
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		ue.Kind = KindValidation
	}
	return ue
}

// classifyTransport converts a transport-level failure into an UpstreamError.
func classifyTransport(op string, err error) *UpstreamError {
	ue := &UpstreamError{Op: op, Kind: KindUnknown, Message: err.Error(), cause: err}
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		ue.Kind = KindTimeout
		ue.Message = "request timed out"
	case errors.As(err, &netErr) && netErr.Timeout():
		ue.Kind = KindTimeout
		ue.Message = "request timed out"
	case errors.Is(err, context.Canceled):
		ue.Message = "request cancelled"
	}
	return ue
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
