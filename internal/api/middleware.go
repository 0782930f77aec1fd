package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/vec-tools/toolhub/internal/session"
	"go.uber.org/zap"
)

// SessionCookieName carries the session token for browser clients. API
// clients may send the same token as a Bearer credential instead.
const SessionCookieName = "toolhub_session"

// contextKey is an unexported type for context keys to avoid collisions.
type contextKey int

const sessionCtxKey contextKey = iota

// sessionFromContext extracts the authenticated session from the request context.
func sessionFromContext(ctx context.Context) *session.Session {
	v, _ := ctx.Value(sessionCtxKey).(*session.Session)
	return v
}

// sessionMiddleware resolves the session token (cookie first, then Bearer
// header) and injects the live session into the request context.
func (d *Dependencies) sessionMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := extractToken(r)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, ErrorResp{Detail: "Not authenticated"})
			return
		}

		sess, ok := d.Sessions.Lookup(token)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, ErrorResp{Detail: "Session expired or invalid"})
			return
		}

		ctx := context.WithValue(r.Context(), sessionCtxKey, sess)
		next(w, r.WithContext(ctx))
	}
}

// adminMiddleware additionally requires the session identity to be an admin.
func (d *Dependencies) adminMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return d.sessionMiddleware(func(w http.ResponseWriter, r *http.Request) {
		sess := sessionFromContext(r.Context())
		if !sess.Identity.IsAdmin {
			writeJSON(w, http.StatusForbidden, ErrorResp{Detail: "Administrator access required"})
			return
		}
		next(w, r)
	})
}

// extractToken reads the session token from the cookie or, failing that,
// from "Authorization: Bearer <token>".
func extractToken(r *http.Request) (string, bool) {
	if c, err := r.Cookie(SessionCookieName); err == nil && c.Value != "" {
		return c.Value, true
	}
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	token := strings.TrimSpace(auth[len(prefix):])
	return token, token != ""
}

// --- JSON helpers ---

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// readJSON decodes a JSON request body into the given pointer.
func readJSON(r *http.Request, v interface{}) error {
	defer func() { _ = r.Body.Close() }()
	return json.NewDecoder(r.Body).Decode(v)
}

// --- Request logging ---

func requestLogging(next http.Handler, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		logger.Info("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// --- CORS ---

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
