// Package middleware contains HTTP middleware for the dispatch service:
// structured request logging, panic recovery, CORS and JWT
// authentication (the C10 rate-limit/idempotency pair lives in package
// ratelimit). Logging/recovery keep the
// teacher's own register — a plain `log.Printf` line per request/panic,
// no new logging library introduced.
package middleware

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ridecore/dispatch/internal/dispatcherr"
	"github.com/ridecore/dispatch/internal/model"
)

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// RequestLogger logs every HTTP request with method, path, status, and
// latency.
//
// Example output:
//
//	[http] POST /jobs/accept → 200 (4.2ms)
//	[http] POST /jobs/create → 400 (1.8ms)
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		latency := time.Since(start)
		log.Printf("[http] %s %s → %d (%s)",
			r.Method, r.URL.Path, rw.statusCode, latency.Round(100*time.Microsecond))
	})
}

// Recoverer catches panics in handlers and returns a 500 response
// instead of crashing the entire server.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("[http] PANIC: %s %s → %v", r.Method, r.URL.Path, err)
				http.Error(w, `{"error":"internal_server_error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// CORS allows cross-origin requests from any origin; dispatch clients
// are mobile apps and trusted web consoles, not third-party embeds.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// contextKey namespaces values this package stores on the request context.
type contextKey string

const claimsContextKey contextKey = "dispatch_claims"

// Claims is the JWT payload carried by every authenticated request: sub
// (caller id), role, jti, typ, exp.
type Claims struct {
	jwt.RegisteredClaims
	Role model.ActorRole `json:"role"`
	Typ  string          `json:"typ"`
}

// Auth validates the Authorization: Bearer <jwt> header against secret
// and stores the parsed Claims on the request context.
func Auth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			tokenString, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || tokenString == "" {
				writeError(w, dispatcherr.New(dispatcherr.KindUnauthorized, "missing bearer token"))
				return
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				writeError(w, dispatcherr.New(dispatcherr.KindUnauthorized, "invalid or expired token"))
				return
			}
			if claims.Typ != "access" {
				writeError(w, dispatcherr.New(dispatcherr.KindUnauthorized, "refresh token not accepted here"))
				return
			}

			ctx := context.WithValue(r.Context(), claimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFromContext extracts the Claims stored by Auth.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(*Claims)
	return claims, ok
}

// RequireRole rejects requests whose authenticated role is not in roles.
func RequireRole(roles ...model.ActorRole) func(http.Handler) http.Handler {
	allowed := make(map[model.ActorRole]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				writeError(w, dispatcherr.New(dispatcherr.KindUnauthorized, "no authenticated caller"))
				return
			}
			if _, ok := allowed[claims.Role]; !ok {
				writeError(w, dispatcherr.New(dispatcherr.KindForbidden, "role not permitted for this endpoint"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := dispatcherr.HTTPStatus(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + string(dispatcherr.KindOf(err)) + `"}`))
}
