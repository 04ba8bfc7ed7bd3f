package httpserver

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/coachpo/copydesk/internal/app/replication"
	"github.com/coachpo/copydesk/internal/domain/account"
)

const requestIDHeader = "X-Request-ID"

type ctxKey int

const (
	principalKey ctxKey = iota
	requestIDKey
)

// originPatterns converts allowed origins into the host patterns checked on websocket upgrades.
// An empty list, or one containing "*", accepts every origin.
func originPatterns(allowedOrigins []string) []string {
	if len(allowedOrigins) == 0 {
		return []string{"*"}
	}
	patterns := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			origin = u.Host
		}
		if origin != "" {
			patterns = append(patterns, origin)
		}
	}
	return patterns
}

func withCORS(handler http.Handler, allowedOrigins []string) http.Handler {
	allowAll := len(allowedOrigins) == 0
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if origin == "*" {
			allowAll = true
		}
		allowed[origin] = struct{}{}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case allowAll:
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "":
			if _, ok := allowed[origin]; ok {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+requestIDHeader)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}

// withRequestID propagates the caller's request id or assigns a fresh one.
func withRequestID(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		handler.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// authenticated resolves the bearer credential to a registered principal.
func (s *httpServer) authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		credential := bearerToken(r)
		if credential == "" {
			writeFailure(w, http.StatusUnauthorized, failure{Error: "access token required", Code: replication.CodeTokenExpired})
			return
		}
		principal, ok := s.sessions.Resolve(credential)
		if !ok {
			writeFailure(w, http.StatusUnauthorized, failure{Error: "session not found, please log in again", Code: replication.CodeTokenExpired})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey, principal)))
	})
}

func principalFrom(ctx context.Context) account.Principal {
	p, _ := ctx.Value(principalKey).(account.Principal)
	return p
}

// bearerToken reads the Authorization header. Browsers cannot set headers on WebSocket
// upgrades, so the stream endpoint also accepts an access_token query parameter.
func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	if r.URL.Path == streamPath {
		return strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	return ""
}
