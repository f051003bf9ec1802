package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/ethiq/callguard/pkg/metrics"
	"github.com/ethiq/callguard/pkg/resilience"
)

// CircuitBreakerAdapter fails classification fast while the provider is
// rate limiting or down.
type CircuitBreakerAdapter struct {
	inner   Adapter
	breaker *resilience.CircuitBreaker
	obs     metrics.Observer
}

func NewCircuitBreakerAdapter(inner Adapter, breaker *resilience.CircuitBreaker) *CircuitBreakerAdapter {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(3, 30*time.Second)
	}
	return &CircuitBreakerAdapter{inner: inner, breaker: breaker}
}

func (a *CircuitBreakerAdapter) Name() string { return a.inner.Name() }

// SetObserver allows metrics emission for breaker events.
func (a *CircuitBreakerAdapter) SetObserver(obs metrics.Observer) { a.obs = obs }

func (a *CircuitBreakerAdapter) Generate(ctx context.Context, input Context) (Response, error) {
	if !a.breaker.Allow() {
		a.record(metrics.EventBreakerDenied, "")
		return Response{}, fmt.Errorf("%w: %s", resilience.ErrCircuitOpen, a.Name())
	}
	before := a.breaker.State()
	resp, err := a.inner.Generate(ctx, input)
	if err != nil {
		switch {
		case resilience.IsRateLimit(err):
			a.record(metrics.EventRateLimit, "")
		case resilience.IsUnavailable(err):
			a.record(metrics.EventProviderUnavailable, "")
		}
		a.breaker.OnError(err)
		if after := a.breaker.State(); after == resilience.StateOpen && before != resilience.StateOpen {
			a.record(metrics.EventBreakerOpen, before.String())
		}
		return Response{}, err
	}
	a.breaker.OnSuccess()
	if before != resilience.StateClosed {
		a.record(metrics.EventBreakerClose, before.String())
	}
	return resp, nil
}

func (a *CircuitBreakerAdapter) record(name, from string) {
	tags := map[string]string{
		"provider":  a.inner.Name(),
		"component": "classifier",
	}
	if from != "" {
		tags["from"] = from
	}
	metrics.Record(a.obs, name, tags)
}
