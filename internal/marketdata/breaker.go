package marketdata

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"
)

// CircuitBreakerProvider wraps a Provider with circuit breaker functionality
// so a flapping data provider stops consuming request budget and report
// latency instead of timing out on every symbol.
type CircuitBreakerProvider struct {
	provider Provider
	breaker  *gobreaker.CircuitBreaker
}

// CircuitBreakerSettings configures circuit breaker behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerProvider creates a CircuitBreakerProvider with sensible defaults.
func NewCircuitBreakerProvider(provider Provider) *CircuitBreakerProvider {
	return NewCircuitBreakerProviderWithSettings(provider, CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewCircuitBreakerProviderWithSettings creates a CircuitBreakerProvider with custom settings.
func NewCircuitBreakerProviderWithSettings(provider Provider, settings CircuitBreakerSettings) *CircuitBreakerProvider {
	gbSettings := gobreaker.Settings{
		Name:        "QuoteProviderCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
	}

	return &CircuitBreakerProvider{
		provider: provider,
		breaker:  gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// execBreaker funnels a provider call through the breaker, mapping an open
// circuit to ErrUnavailable so callers keep a single degraded-quote path.
func execBreaker(b *gobreaker.CircuitBreaker, fn func() (float64, error)) (float64, error) {
	res, err := b.Execute(func() (interface{}, error) { return fn() })
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return 0, ErrUnavailable
		}
		return 0, err
	}
	v, ok := res.(float64)
	if !ok {
		return 0, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// GetLastPrice wraps the underlying provider call with the circuit breaker.
func (c *CircuitBreakerProvider) GetLastPrice(ctx context.Context, ticker string) (float64, error) {
	return execBreaker(c.breaker, func() (float64, error) { return c.provider.GetLastPrice(ctx, ticker) })
}

// GetOfficialClose wraps the underlying provider call with the circuit breaker.
func (c *CircuitBreakerProvider) GetOfficialClose(ctx context.Context, ticker string) (float64, error) {
	return execBreaker(c.breaker, func() (float64, error) { return c.provider.GetOfficialClose(ctx, ticker) })
}

// GetOptionMid wraps the underlying provider call with the circuit breaker.
func (c *CircuitBreakerProvider) GetOptionMid(ctx context.Context, ticker, expiry string, strike float64) (float64, error) {
	return execBreaker(c.breaker, func() (float64, error) {
		return c.provider.GetOptionMid(ctx, ticker, expiry, strike)
	})
}

// Ensure CircuitBreakerProvider implements Provider.
var _ Provider = (*CircuitBreakerProvider)(nil)
