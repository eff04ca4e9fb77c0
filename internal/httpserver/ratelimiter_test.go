package httpserver

import "testing"

func TestHookRateLimiterThrottlesAfterLimit(t *testing.T) {
	limiter := NewHookRateLimiter()
	defer limiter.Close()

	var lastThrottled bool
	var lastRetryAfter int
	for i := 0; i < 21; i++ {
		lastThrottled, lastRetryAfter = limiter.RecordFailure("client-X")
	}

	if !lastThrottled {
		t.Fatal("expected the 21st failure to be throttled")
	}
	if lastRetryAfter < 1 {
		t.Fatalf("expected Retry-After >= 1, got %d", lastRetryAfter)
	}
}

func TestHookRateLimiterClearOnSuccess(t *testing.T) {
	limiter := NewHookRateLimiter()
	defer limiter.Close()

	for i := 0; i < 5; i++ {
		limiter.RecordFailure("client-Y")
	}
	limiter.ClearOnSuccess("client-Y")

	throttled, _ := limiter.RecordFailure("client-Y")
	if throttled {
		t.Fatal("expected counter to reset after successful auth")
	}
}
