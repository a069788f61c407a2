// Package retry wraps a market data provider with bounded retries for
// transient failures. Retries sit under the circuit breaker so a run of
// failed attempts still counts against the breaker once.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/premiumpilot/bot/internal/marketdata"
)

type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

var DefaultConfig = Config{
	MaxRetries:     2,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     5 * time.Second,
}

// Provider decorates a marketdata.Provider with retries.
type Provider struct {
	inner  marketdata.Provider
	logger *log.Logger
	config Config
}

// NewProvider wraps the given provider. Pass a Config to override the
// defaults.
func NewProvider(inner marketdata.Provider, logger *log.Logger, config ...Config) *Provider {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	return &Provider{inner: inner, logger: logger, config: cfg}
}

var _ marketdata.Provider = (*Provider)(nil)

// GetLastPrice implements marketdata.Provider.
func (p *Provider) GetLastPrice(ctx context.Context, ticker string) (float64, error) {
	return p.retryFloat(ctx, "last price", func() (float64, error) {
		return p.inner.GetLastPrice(ctx, ticker)
	})
}

// GetOfficialClose implements marketdata.Provider.
func (p *Provider) GetOfficialClose(ctx context.Context, ticker string) (float64, error) {
	return p.retryFloat(ctx, "official close", func() (float64, error) {
		return p.inner.GetOfficialClose(ctx, ticker)
	})
}

// GetOptionMid implements marketdata.Provider.
func (p *Provider) GetOptionMid(ctx context.Context, ticker, expiry string, strike float64) (float64, error) {
	return p.retryFloat(ctx, "option mid", func() (float64, error) {
		return p.inner.GetOptionMid(ctx, ticker, expiry, strike)
	})
}

func (p *Provider) retryFloat(ctx context.Context, what string, fn func() (float64, error)) (float64, error) {
	var lastErr error
	backoff := p.config.InitialBackoff

	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return 0, fmt.Errorf("operation canceled: %w", ctx.Err())
		}

		v, err := fn()
		if err == nil {
			return v, nil
		}
		lastErr = err

		if !isTransientError(err) || attempt == p.config.MaxRetries {
			break
		}
		p.logger.Printf("%s attempt %d failed, retrying in %v: %v", what, attempt+1, backoff, err)
		select {
		case <-time.After(backoff):
			backoff = p.nextBackoff(backoff)
		case <-ctx.Done():
			return 0, fmt.Errorf("operation canceled during backoff: %w", ctx.Err())
		}
	}

	return 0, lastErr
}

func (p *Provider) nextBackoff(current time.Duration) time.Duration {
	backoff := time.Duration(float64(current) * 1.5)
	if backoff > p.config.MaxBackoff {
		backoff = p.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			log.Printf("Failed to generate jitter: %v", err)
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}

	return backoff
}

// isTransientError reports whether a retry could plausibly succeed. Server
// errors and rate limits are transient; bad requests and missing data are not.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *marketdata.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Status {
		case http.StatusTooManyRequests, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return apiErr.Status >= 500
	}

	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"network",
		"dns",
		"tcp",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
