package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time { return f.t }

func newTestBreaker(threshold int, cooldown time.Duration) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	cb := NewCircuitBreaker(threshold, cooldown)
	cb.now = clock.now
	return cb, clock
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(2, time.Minute)
	cb.OnError(RateLimitError{Provider: "openai"})
	if cb.State() != StateClosed || !cb.Allow() {
		t.Fatalf("expected breaker closed below threshold")
	}
	cb.OnError(UnavailableError{Provider: "openai", Status: 503})
	if cb.State() != StateOpen || cb.Allow() {
		t.Fatalf("expected breaker open, got %s", cb.State())
	}
}

func TestBreakerHalfOpenAdmitsOneTrial(t *testing.T) {
	cb, clock := newTestBreaker(1, 20*time.Second)
	cb.OnError(RateLimitError{Provider: "gemini"})
	clock.t = clock.t.Add(21 * time.Second)

	if cb.State() != StateHalfOpen {
		t.Fatalf("expected half-open after cooldown, got %s", cb.State())
	}
	if !cb.Allow() {
		t.Fatalf("expected trial call admitted")
	}
	if cb.Allow() {
		t.Fatalf("expected a second caller rejected during the trial")
	}
	cb.OnSuccess()
	if cb.State() != StateClosed || !cb.Allow() || !cb.Allow() {
		t.Fatalf("expected breaker closed after successful trial")
	}
}

func TestBreakerFailedTrialReopens(t *testing.T) {
	cb, clock := newTestBreaker(3, 20*time.Second)
	for i := 0; i < 3; i++ {
		cb.OnError(context.DeadlineExceeded)
	}
	clock.t = clock.t.Add(20 * time.Second)
	if !cb.Allow() {
		t.Fatalf("expected trial call admitted")
	}
	cb.OnError(UnavailableError{Provider: "openai", Status: 502})
	if cb.State() != StateOpen || cb.Allow() {
		t.Fatalf("expected a single failed trial to reopen the breaker")
	}
}

func TestBreakerIgnoresNonTrippingErrors(t *testing.T) {
	cb, clock := newTestBreaker(1, time.Second)
	cb.OnError(errors.New("openai: status 400: bad request"))
	cb.OnError(context.Canceled)
	if cb.State() != StateClosed {
		t.Fatalf("expected client-side errors not to trip, got %s", cb.State())
	}

	cb.OnError(RateLimitError{})
	clock.t = clock.t.Add(time.Second)
	if !cb.Allow() {
		t.Fatalf("expected trial call admitted")
	}
	cb.OnError(context.Canceled)
	if cb.State() != StateHalfOpen || !cb.Allow() {
		t.Fatalf("expected a cancelled trial to free the slot")
	}
}

func TestTrips(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{fmt.Errorf("classify: %w", RateLimitError{Message: "429"}), true},
		{fmt.Errorf("classify: %w", UnavailableError{Provider: "gemini"}), true},
		{fmt.Errorf("post: %w", context.DeadlineExceeded), true},
		{context.Canceled, false},
		{errors.New("decode response"), false},
		{nil, false},
	}
	for _, tc := range cases {
		if got := Trips(tc.err); got != tc.want {
			t.Fatalf("Trips(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestUnavailableErrorMessage(t *testing.T) {
	err := UnavailableError{Provider: "openai", Status: 503, Message: "overloaded"}
	if got := err.Error(); got != "openai unavailable: status 503: overloaded" {
		t.Fatalf("unexpected message %q", got)
	}
}
