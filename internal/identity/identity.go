// Package identity validates session identifiers and carries them through
// request contexts.
package identity

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ashureev/webpilot/internal/shared"
)

// SessionHeaderName lets clients name the session outside the URL.
const SessionHeaderName = "X-Webpilot-Session-ID"

type contextKey int

const sessionIDKey contextKey = iota

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// NewSessionID returns a fresh random session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// ValidSessionID reports whether id is an acceptable session identifier.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

// CheckSessionID returns a protocol error for an unacceptable identifier.
func CheckSessionID(id string) error {
	if !ValidSessionID(id) {
		return fmt.Errorf("%w: invalid session id %q", shared.ErrProtocol, id)
	}
	return nil
}

// WithSessionID stores id on ctx.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// SessionIDFromContext extracts the session ID from the request context.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return ""
}

// SessionIDFromRequest reads the {id} route parameter, then the session
// header, then the session_id query value.
func SessionIDFromRequest(r *http.Request) string {
	sid := chi.URLParam(r, "id")
	if sid == "" {
		sid = r.Header.Get(SessionHeaderName)
	}
	if sid == "" {
		sid = r.URL.Query().Get("session_id")
	}
	return strings.TrimSpace(sid)
}

// Middleware rejects requests whose session id is malformed and stores
// valid ones on the request context. It must run inside a chi route that
// declares {id}.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sid := SessionIDFromRequest(r)
		if !ValidSessionID(sid) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid session id"}`))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithSessionID(r.Context(), sid)))
	})
}

// IPFromRequest returns a normalized remote IP for request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
