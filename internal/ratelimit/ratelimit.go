// Package ratelimit implements C10: a per-(client-ip, method, path)
// per-window request counter and a POST idempotency-replay cache, both
// backed by Redis so multiple server instances share one view.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ridecore/dispatch/internal/dispatcherr"
	"github.com/ridecore/dispatch/internal/middleware"
)

// Limiter enforces a per-window request counter: INCR per request, with
// the key's expiry set on the first request of each window.
type Limiter struct {
	rdb        *redis.Client
	windowSec  int
	maxRequests int
}

// NewLimiter constructs a Limiter from config (RATE_LIMIT_WINDOW_SEC /
// RATE_LIMIT_MAX_REQUESTS).
func NewLimiter(rdb *redis.Client, windowSec, maxRequests int) *Limiter {
	return &Limiter{rdb: rdb, windowSec: windowSec, maxRequests: maxRequests}
}

// Allow increments the counter for (clientIP, method, path) and reports
// whether the request is within budget, plus a retry-after duration when
// it is not.
func (l *Limiter) Allow(ctx context.Context, clientIP, method, path string) (allowed bool, retryAfter time.Duration, err error) {
	key := fmt.Sprintf("ratelimit:%s:%s:%s", clientIP, method, path)

	count, err := l.rdb.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, dispatcherr.Wrap(dispatcherr.KindDependency, "rate limit incr", err)
	}
	if count == 1 {
		l.rdb.Expire(ctx, key, time.Duration(l.windowSec)*time.Second)
	}
	if count > int64(l.maxRequests) {
		ttl, err := l.rdb.TTL(ctx, key).Result()
		if err != nil || ttl < 0 {
			ttl = time.Duration(l.windowSec) * time.Second
		}
		return false, ttl, nil
	}
	return true, 0, nil
}

// Middleware wraps an http.Handler, exempting health/metrics paths.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := clientIPFrom(r)
		allowed, retryAfter, err := l.Allow(r.Context(), clientIP, r.Method, r.URL.Path)
		if err != nil {
			// Fail open: a Redis outage must not take down the whole API.
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
			writeRateLimitError(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIPFrom(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}

func writeRateLimitError(w http.ResponseWriter) {
	err := dispatcherr.New(dispatcherr.KindRateLimited, "rate limit exceeded")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(dispatcherr.HTTPStatus(err))
	_, _ = w.Write([]byte(`{"error":"RateLimited"}`))
}

// storedResponse is what IdempotencyStore persists per key.
type storedResponse struct {
	BodyHash   string `json:"body_hash"`
	StatusCode int    `json:"status_code"`
	Body       string `json:"body"`
}

// IdempotencyStore implements the replay-cache half of C10: the first
// successful response for a given (method, path, caller-hash, key) is
// stored for ttlSec; replays with the same key+body return the stored
// response, replays with a different body fail with IdempotencyConflict.
type IdempotencyStore struct {
	rdb    *redis.Client
	ttlSec int
}

// NewIdempotencyStore constructs an IdempotencyStore from config
// (IDEMPOTENCY_TTL_SEC).
func NewIdempotencyStore(rdb *redis.Client, ttlSec int) *IdempotencyStore {
	return &IdempotencyStore{rdb: rdb, ttlSec: ttlSec}
}

func idempotencyKey(method, path, callerHash, key string) string {
	return fmt.Sprintf("idempotency:%s:%s:%s:%s", method, path, callerHash, key)
}

// Middleware intercepts POST requests carrying an Idempotency-Key
// header. The underlying handler's response is captured and stored
// keyed by (method, path, caller hash, idempotency key); a second
// request with the same key and body replays the stored response
// without re-invoking the handler.
func (s *IdempotencyStore) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if r.Method != http.MethodPost || key == "" {
			next.ServeHTTP(w, r)
			return
		}

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			writeIdempotencyError(w, dispatcherr.New(dispatcherr.KindValidation, "unreadable request body"))
			return
		}
		r.Body = io.NopCloser(newBytesReader(bodyBytes))

		claims, _ := middlewareClaimsSubject(r)
		storeKey := idempotencyKey(r.Method, r.URL.Path, claims, key)
		bodyHash := hashBody(bodyBytes)

		existingRaw, err := s.rdb.Get(r.Context(), storeKey).Result()
		if err == nil {
			var stored storedResponse
			if jsonErr := json.Unmarshal([]byte(existingRaw), &stored); jsonErr == nil {
				if stored.BodyHash != bodyHash {
					writeIdempotencyError(w, dispatcherr.New(dispatcherr.KindIdempotencyConflict, "idempotency key reused with a different request body"))
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(stored.StatusCode)
				_, _ = w.Write([]byte(stored.Body))
				return
			}
		}

		capture := &captureWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(capture, r)

		if capture.statusCode >= 200 && capture.statusCode < 300 {
			stored := storedResponse{BodyHash: bodyHash, StatusCode: capture.statusCode, Body: capture.body.String()}
			if data, err := json.Marshal(stored); err == nil {
				s.rdb.SetNX(r.Context(), storeKey, data, time.Duration(s.ttlSec)*time.Second)
			}
		}
	})
}

// middlewareClaimsSubject extracts a stable per-caller hash from the
// authenticated claims, falling back to the remote address when no
// claims are present (unauthenticated endpoints still get a per-IP
// idempotency namespace). Only the first 12 hex characters of the hash
// are kept, so two callers whose hashes share that prefix share one
// idempotency namespace.
func middlewareClaimsSubject(r *http.Request) (string, bool) {
	if claims, ok := middleware.ClaimsFromContext(r.Context()); ok {
		return hashBody([]byte(claims.Subject))[:12], true
	}
	return hashBody([]byte(clientIPFrom(r)))[:12], false
}

func hashBody(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func writeIdempotencyError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(dispatcherr.HTTPStatus(err))
	_, _ = w.Write([]byte(`{"error":"` + string(dispatcherr.KindOf(err)) + `"}`))
}
