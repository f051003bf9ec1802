package resilience

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit open")

// RateLimitError represents a provider rate limit response.
type RateLimitError struct {
	Provider string
	Message  string
}

func (e RateLimitError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "rate limit"
}

func IsRateLimit(err error) bool {
	var rl RateLimitError
	return errors.As(err, &rl)
}

// UnavailableError is a provider-side failure (5xx, overloaded) as opposed
// to a bad request.
type UnavailableError struct {
	Provider string
	Status   int
	Message  string
}

func (e UnavailableError) Error() string {
	msg := e.Provider + " unavailable"
	if e.Status > 0 {
		msg += ": status " + strconv.Itoa(e.Status)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func IsUnavailable(err error) bool {
	var ue UnavailableError
	return errors.As(err, &ue)
}

// Trips reports whether err counts against the breaker. A cancelled call
// says nothing about the provider; a missed deadline does.
func Trips(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return IsRateLimit(err) || IsUnavailable(err) || errors.Is(err, context.DeadlineExceeded)
}

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker opens after threshold consecutive tripping errors. Once the
// cooldown has passed a single trial call is let through: success closes the
// breaker, a tripping error opens it again.
type CircuitBreaker struct {
	mu        sync.Mutex
	state     State
	failures  int
	threshold int
	cooldown  time.Duration
	openUntil time.Time
	trial     bool
	now       func() time.Time
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

func (c *CircuitBreaker) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advance()
	return c.state
}

// Allow reports whether a call may proceed. In half-open state only one
// caller is admitted until it reports back.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advance()
	switch c.state {
	case StateOpen:
		return false
	case StateHalfOpen:
		if c.trial {
			return false
		}
		c.trial = true
		return true
	default:
		return true
	}
}

func (c *CircuitBreaker) OnSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateClosed
	c.failures = 0
	c.trial = false
	c.openUntil = time.Time{}
}

func (c *CircuitBreaker) OnError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !Trips(err) {
		// The trial slot is released without a verdict on the provider.
		c.trial = false
		return
	}
	c.failures++
	if c.state == StateHalfOpen || c.failures >= c.threshold {
		c.state = StateOpen
		c.trial = false
		c.openUntil = c.now().Add(c.cooldown)
	}
}

// advance must be called with c.mu held.
func (c *CircuitBreaker) advance() {
	if c.state == StateOpen && !c.now().Before(c.openUntil) {
		c.state = StateHalfOpen
		c.trial = false
	}
}
