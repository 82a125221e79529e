// Package identity provides anonymous per-device caller identity and scope
// resolution for API requests.
package identity

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/telecast-labs/inputbroker/internal/domain"
)

const (
	AnonCookieName    = "inputbroker_anon_id"
	CallerHeaderName  = "X-Caller-ID"
	ScopeHeaderName   = "X-Scope-ID"
	SystemTokenHeader = "X-System-Token"
	anonCookieMaxAge  = 30 * 24 * time.Hour
)

type contextKey int

const (
	callerKey contextKey = iota
	scopeKey
)

var (
	anonIDPattern  = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)
	scopeIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
)

// CallerFromContext extracts the caller identity from the request context.
func CallerFromContext(ctx context.Context) domain.CallerID {
	if v, ok := ctx.Value(callerKey).(domain.CallerID); ok {
		return v
	}
	return ""
}

// ScopeFromContext extracts the requested scope from the request context.
func ScopeFromContext(ctx context.Context) domain.ScopeID {
	if v, ok := ctx.Value(scopeKey).(domain.ScopeID); ok {
		return v
	}
	return ""
}

// WithCaller returns a context carrying the caller identity. Used by the
// websocket handler, which authenticates once per connection.
func WithCaller(ctx context.Context, caller domain.CallerID) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

// WithScope returns a context carrying the scope.
func WithScope(ctx context.Context, scope domain.ScopeID) context.Context {
	return context.WithValue(ctx, scopeKey, scope)
}

func generateAnonID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate anonymous id: %w", err)
	}
	return "anon_" + hex.EncodeToString(buf), nil
}

func isValidAnonID(id string) bool {
	return anonIDPattern.MatchString(id)
}

func sanitizeScopeID(id string, fallback domain.ScopeID) domain.ScopeID {
	id = strings.TrimSpace(id)
	if id == "" || !scopeIDPattern.MatchString(id) {
		return fallback
	}
	return domain.ScopeID(id)
}

func getOrCreateAnonID(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if c, err := r.Cookie(AnonCookieName); err == nil && isValidAnonID(c.Value) {
		setAnonCookie(w, c.Value, isDev)
		return c.Value, nil
	}

	id, err := generateAnonID()
	if err != nil {
		return "", err
	}
	setAnonCookie(w, id, isDev)
	return id, nil
}

func setAnonCookie(w http.ResponseWriter, value string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     AnonCookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   int(anonCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(anonCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

// CallerFromRequest resolves the caller identity for a request without
// writing cookies: the system token wins, then an explicit header, then a
// valid anonymous cookie.
func CallerFromRequest(r *http.Request, systemToken string) domain.CallerID {
	if token := r.Header.Get(SystemTokenHeader); token != "" && systemToken != "" &&
		subtle.ConstantTimeCompare([]byte(token), []byte(systemToken)) == 1 {
		return domain.SystemCaller
	}
	if id := strings.TrimSpace(r.Header.Get(CallerHeaderName)); id != "" && id != string(domain.SystemCaller) {
		return domain.CallerID(id)
	}
	if c, err := r.Cookie(AnonCookieName); err == nil && isValidAnonID(c.Value) {
		return domain.CallerID(c.Value)
	}
	return ""
}

// ScopeFromRequest resolves the requested scope, falling back to the default.
func ScopeFromRequest(r *http.Request, fallback domain.ScopeID) domain.ScopeID {
	sid := r.Header.Get(ScopeHeaderName)
	if sid == "" {
		sid = r.URL.Query().Get("scope")
	}
	return sanitizeScopeID(sid, fallback)
}

// Middleware injects caller identity and scope into every request context.
// Callers without any identity get a per-device anonymous cookie identity.
func Middleware(systemToken string, defaultScope domain.ScopeID, isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller := CallerFromRequest(r, systemToken)
			if caller == "" {
				id, err := getOrCreateAnonID(w, r, isDev)
				if err != nil {
					http.Error(w, `{"error":"failed to establish anonymous identity"}`, http.StatusInternalServerError)
					return
				}
				caller = domain.CallerID(id)
			}

			scope := ScopeFromRequest(r, defaultScope)

			ctx := WithCaller(r.Context(), caller)
			ctx = WithScope(ctx, scope)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
