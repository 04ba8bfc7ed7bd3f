package httpserver

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	json "github.com/goccy/go-json"

	"github.com/coachpo/copydesk/errs"
	"github.com/coachpo/copydesk/internal/app/replication"
	"github.com/coachpo/copydesk/internal/observability"
)

type failure struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

type failureBody struct {
	Success bool `json:"success"`
	failure
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	buf := &bytes.Buffer{}
	encoder := json.NewEncoder(buf)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(payload); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"success":false,"error":"encode response"}`)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(bytes.TrimSuffix(buf.Bytes(), []byte("\n")))
}

func writeSuccess(w http.ResponseWriter, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["success"] = true
	writeJSON(w, http.StatusOK, payload)
}

func writeFailure(w http.ResponseWriter, status int, f failure) {
	writeJSON(w, status, failureBody{Success: false, failure: f})
}

// writeError maps engine and envelope errors onto HTTP statuses. An Unauthenticated failure
// also drops the caller's session so the client is forced to log in again.
func (s *httpServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if oe, ok := replication.AsOrderError(err); ok {
		status := statusForKind(oe.Kind)
		if oe.Kind == replication.KindUnauthenticated {
			if credential := bearerToken(r); credential != "" && s.sessions != nil {
				s.sessions.Revoke(credential)
			}
		}
		writeFailure(w, status, failure{Error: oe.Message, Code: oe.Code, Details: oe.Details})
		return
	}

	var env *errs.E
	if errors.As(err, &env) {
		f := failure{Error: env.Message, Code: string(env.Code)}
		if f.Error == "" {
			f.Error = string(env.Code)
		}
		if env.Reason != "" {
			f.Details = map[string]any{"reason": env.Reason}
		}
		writeFailure(w, statusForCode(env.Code), f)
		return
	}

	s.logger.Error("request failed",
		observability.Field{Key: "request_id", Value: requestID(r.Context())},
		observability.Field{Key: "path", Value: r.URL.Path},
		observability.Field{Key: "error", Value: err},
	)
	writeFailure(w, http.StatusInternalServerError, failure{Error: "internal error"})
}

func statusForKind(kind replication.Kind) int {
	switch kind {
	case replication.KindValidation:
		return http.StatusBadRequest
	case replication.KindUnauthenticated:
		return http.StatusUnauthorized
	case replication.KindForbidden:
		return http.StatusForbidden
	case replication.KindNotFound:
		return http.StatusNotFound
	case replication.KindConflict:
		return http.StatusConflict
	case replication.KindTimeout:
		return http.StatusGatewayTimeout
	case replication.KindUpstreamRejected:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func statusForCode(code errs.Code) int {
	switch code {
	case errs.CodeInvalid:
		return http.StatusBadRequest
	case errs.CodeUnauthenticated:
		return http.StatusUnauthorized
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeConflict:
		return http.StatusConflict
	case errs.CodeTimeout:
		return http.StatusGatewayTimeout
	case errs.CodeUpstreamRejected:
		return http.StatusBadGateway
	case errs.CodeRateLimited:
		return http.StatusTooManyRequests
	case errs.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
