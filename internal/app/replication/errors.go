package replication

import (
	"errors"
	"fmt"

	"github.com/coachpo/copydesk/errs"
	"github.com/coachpo/copydesk/internal/infra/broker"
)

// Kind classifies OrderError values.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindUnauthenticated  Kind = "unauthenticated"
	KindUpstreamRejected Kind = "upstream_rejected"
	KindTimeout          Kind = "timeout"
	KindNotFound         Kind = "not_found"
	KindConflict         Kind = "conflict"
	KindForbidden        Kind = "forbidden"
)

// CodeTokenExpired tells clients to re-authenticate.
const CodeTokenExpired = "TOKEN_EXPIRED"

// OrderError is returned by every engine operation that fails for a reason the caller can act on.
type OrderError struct {
	Kind    Kind
	Message string
	Code    string
	Details any

	cause error
}

func (e *OrderError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Message == "" {
		return "replication: " + string(e.Kind)
	}
	return fmt.Sprintf("replication: %s: %s", e.Kind, e.Message)
}

func (e *OrderError) Unwrap() error { return e.cause }

// AsOrderError extracts an OrderError from err's chain.
func AsOrderError(err error) (*OrderError, bool) {
	var oe *OrderError
	if errors.As(err, &oe) && oe != nil {
		return oe, true
	}
	return nil, false
}

func validationError(message string, details any) *OrderError {
	return &OrderError{Kind: KindValidation, Message: message, Details: details}
}

// fromUpstream maps a gateway failure onto the engine taxonomy.
func fromUpstream(err error) *OrderError {
	ue, ok := broker.AsUpstream(err)
	if !ok {
		return &OrderError{Kind: KindUpstreamRejected, Message: err.Error(), cause: err}
	}
	switch ue.Kind {
	case broker.KindAuthRejected:
		return &OrderError{
			Kind:    KindUnauthenticated,
			Message: "access token expired or rejected, please log in again",
			Code:    CodeTokenExpired,
			cause:   err,
		}
	case broker.KindTimeout:
		return &OrderError{Kind: KindTimeout, Message: "broker request timed out", cause: err}
	default:
		oe := &OrderError{Kind: KindUpstreamRejected, Message: ue.Message, cause: err}
		if ue.Code != "" || ue.Kind == broker.KindRateLimited {
			oe.Details = map[string]any{"upstream_code": ue.Code, "upstream_kind": string(ue.Kind)}
		}
		return oe
	}
}

// fromLimits maps a risk rejection onto the engine taxonomy.
func fromLimits(err error) *OrderError {
	var e *errs.E
	if errors.As(err, &e) {
		return &OrderError{Kind: KindValidation, Message: e.Message, Details: map[string]any{"limit": e.Reason}, cause: err}
	}
	return &OrderError{Kind: KindValidation, Message: err.Error(), cause: err}
}

func asEnvelope(err error, target **errs.E) bool {
	return errors.As(err, target)
}
