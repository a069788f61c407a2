// Package mock provides a simulated quote provider for tests and offline
// development: random-walk underlying prices and synthetic option mids, no
// network involved.
package mock

import (
	"context"
	"crypto/rand"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/premiumpilot/bot/internal/marketdata"
	"github.com/premiumpilot/bot/internal/models"
)

// secureFloat64 generates a cryptographically secure random float64 between 0 and 1
func secureFloat64() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		// Fallback to a reasonable default if crypto/rand fails
		return 0.5
	}
	return float64(n.Int64()) / (1 << 53)
}

// Provider simulates market data. Prices start at a per-ticker seed and take
// a small random step on each read; option mids decay toward intrinsic value
// as expiry approaches.
type Provider struct {
	mu     sync.Mutex
	prices map[string]float64
	seed   float64
	now    func() time.Time
}

// NewProvider creates a simulated provider. seed is the starting price for
// tickers that have not been seen before.
func NewProvider(seed float64) *Provider {
	if seed <= 0 {
		seed = 100.0
	}
	return &Provider{
		prices: make(map[string]float64),
		seed:   seed,
		now:    time.Now,
	}
}

// SetPrice pins a ticker's price, overriding the random walk start.
func (p *Provider) SetPrice(ticker string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[models.BareTicker(ticker)] = price
}

// GetLastPrice implements marketdata.Provider.
func (p *Provider) GetLastPrice(_ context.Context, ticker string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := models.BareTicker(ticker)
	px, ok := p.prices[key]
	if !ok {
		px = p.seed
	}
	// Simulate small price movements
	px += (secureFloat64() - 0.5) * px * 0.002
	p.prices[key] = px
	return px, nil
}

// GetOfficialClose implements marketdata.Provider.
func (p *Provider) GetOfficialClose(ctx context.Context, ticker string) (float64, error) {
	return p.GetLastPrice(ctx, ticker)
}

// GetOptionMid implements marketdata.Provider. The mid is intrinsic value
// plus a time-value term shrinking with days to expiry.
func (p *Provider) GetOptionMid(ctx context.Context, ticker, expiry string, strike float64) (float64, error) {
	underlying, err := p.GetLastPrice(ctx, ticker)
	if err != nil {
		return 0, err
	}

	expTime, err := models.ParseExpiry(expiry)
	if err != nil {
		return 0, err
	}
	dte := int(expTime.Sub(p.now()).Hours() / 24)
	if dte < 0 {
		dte = 0
	}

	intrinsic := math.Max(0, underlying-strike)
	timeValue := underlying * 0.002 * math.Sqrt(float64(dte))
	mid := intrinsic + math.Max(0.01, timeValue)
	return math.Round(mid*100) / 100, nil
}

// Ensure Provider implements the quote contract.
var _ marketdata.Provider = (*Provider)(nil)
