// Package httpserver implements the webhook/HTTP surface (C7): dispatches
// provider webhooks into the call manager, routes WS upgrades into the
// media-stream bridge, and carries a path-prefixed HTTP/WS proxy plus a
// fixed-window hook rate limiter. Grounded on sebacius-switchboard's
// services/signaling/api/server.go mux-route layout, generalized from a
// SIP dashboard to a telephony webhook endpoint.
package httpserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/sebas/voicebridge/internal/store"
)

const (
	hookWindow       = 60 * time.Second
	hookMaxFailures  = 20
	hookMaxKeys      = 2048
	hookCleanupEvery = 30 * time.Second
)

// hookCounter tracks fixed-window auth failures per client key (§4.7).
type hookCounter struct {
	count     int
	windowEnd time.Time
}

// HookRateLimiter is the fixed-window auth-failure counter for auxiliary
// hook endpoints: 20 failures per 60s window, tracking at most 2048 keys.
type HookRateLimiter struct {
	store *store.TTLStore[string, *hookCounter]
}

// NewHookRateLimiter constructs a HookRateLimiter.
func NewHookRateLimiter() *HookRateLimiter {
	return &HookRateLimiter{store: store.New[string, *hookCounter](hookCleanupEvery)}
}

// Close stops the limiter's background cleanup.
func (l *HookRateLimiter) Close() { l.store.Close() }

// RecordFailure increments the failure count for key. Expired entries do
// not count toward capacity; if the live entries are at capacity, the half
// of all entries with the earliest expiry (expired ones first) is evicted
// before admitting a new key (§4.7). Returns the seconds until the window resets
// if the key is now throttled, or 0 if not throttled.
func (l *HookRateLimiter) RecordFailure(key string) (throttled bool, retryAfterSeconds int) {
	now := time.Now()

	if l.store.Update(key, func(c *hookCounter) *hookCounter {
		c.count++
		return c
	}) {
		counter, _ := l.store.Get(key)
		if counter.count > hookMaxFailures {
			return true, int(counter.windowEnd.Sub(now).Seconds()) + 1
		}
		return false, 0
	}

	if l.store.Len() >= hookMaxKeys {
		l.store.EvictOldestHalf()
	}

	l.store.Set(key, &hookCounter{count: 1, windowEnd: now.Add(hookWindow)}, hookWindow)
	return false, 0
}

// ClearOnSuccess removes the counter for key, per "successful auth clears the counter."
func (l *HookRateLimiter) ClearOnSuccess(key string) {
	l.store.Delete(key)
}

// Enforce is middleware-style helper: call before processing an auxiliary
// hook request with the client's key. If it returns false, the caller MUST
// respond 429 with Retry-After already written.
func (l *HookRateLimiter) Enforce(w http.ResponseWriter, key string) bool {
	counter, ok := l.store.Get(key)
	if ok && counter.count > hookMaxFailures {
		retryAfter := int(time.Until(counter.windowEnd).Seconds()) + 1
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		w.WriteHeader(http.StatusTooManyRequests)
		return false
	}
	return true
}
