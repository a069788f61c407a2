// Package report renders position summaries and dispatches them to chat
// recipients on schedule or on demand.
package report

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/premiumpilot/bot/internal/decision"
	"github.com/premiumpilot/bot/internal/marketdata"
	"github.com/premiumpilot/bot/internal/models"
	"github.com/premiumpilot/bot/internal/storage"
	"github.com/premiumpilot/bot/internal/stream"
)

// Builder assembles per-user position summaries from the store, the live
// price cache and fresh REST quotes. Missing quotes degrade the line rather
// than failing the summary.
type Builder struct {
	storage storage.Interface
	cache   *stream.PriceCache
	quotes  marketdata.Provider
	rules   decision.Rules
	loc     *time.Location
	now     func() time.Time
}

// NewBuilder creates a summary builder.
func NewBuilder(st storage.Interface, cache *stream.PriceCache, quotes marketdata.Provider, rules decision.Rules, loc *time.Location) *Builder {
	if loc == nil {
		loc = time.UTC
	}
	return &Builder{
		storage: st,
		cache:   cache,
		quotes:  quotes,
		rules:   rules,
		loc:     loc,
		now:     time.Now,
	}
}

// underlyingPrice resolves a price for the ticker: the stream cache first,
// then intraday REST, then today's official close. Returns nil when all
// three sources come up empty.
func (b *Builder) underlyingPrice(ctx context.Context, ticker string) *float64 {
	if px, ok := b.cache.Get(ticker); ok {
		return &px
	}
	if px, err := b.quotes.GetLastPrice(ctx, ticker); err == nil {
		b.cache.Set(ticker, px)
		return &px
	}
	if px, err := b.quotes.GetOfficialClose(ctx, ticker); err == nil {
		return &px
	}
	return nil
}

// optionMid resolves the option mid price, or nil when unavailable.
func (b *Builder) optionMid(ctx context.Context, pos models.Position) *float64 {
	mid, err := b.quotes.GetOptionMid(ctx, pos.Ticker, pos.Expiry, pos.Strike)
	if err != nil {
		return nil
	}
	return &mid
}

// positionLine renders one open covered call with whatever data is available.
func (b *Builder) positionLine(pos models.Position, kind models.PositionKind, underlying, mid *float64, dte int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%d] %s %.2f%s x%d — exp %s (%d DTE)",
		pos.ID, pos.Ticker, pos.Strike, kind.OptionType(), pos.Contracts,
		models.DisplayExpiry(pos.Expiry), dte)
	if underlying != nil {
		fmt.Fprintf(&sb, " | Px $%.2f | %.1f%% to strike",
			*underlying, decision.StrikeDistancePct(*underlying, pos.Strike))
	}
	if mid != nil {
		fmt.Fprintf(&sb, " | Opt ~$%.2f", *mid)
		if pct, ok := decision.ProfitPct(pos.EntryCredit, *mid); ok {
			fmt.Fprintf(&sb, " | profit %.0f%%", pct)
		}
	}
	return sb.String()
}

// UserSummary builds the full summary text for one user.
func (b *Builder) UserSummary(ctx context.Context, userID string) string {
	now := b.now().In(b.loc)
	var sb strings.Builder
	fmt.Fprintf(&sb, "Premium Pilot — Position Summary (%s)\n", now.Format("01-02-2006 03:04 PM MST"))

	ccs := b.storage.ListOpen(userID, models.KindCoveredCall)
	csps := b.storage.ListOpen(userID, models.KindCashSecuredPut)
	if len(ccs) == 0 && len(csps) == 0 {
		sb.WriteString("No open positions.\n")
		return sb.String()
	}

	if len(ccs) > 0 {
		sb.WriteString("\nCovered calls:\n")
		for _, pos := range ccs {
			underlying := b.underlyingPrice(ctx, pos.Ticker)
			mid := b.optionMid(ctx, pos)
			dte := pos.DTE(now)
			label := decision.Decide(pos, underlying, mid, dte, b.rules)
			fmt.Fprintf(&sb, "%s\n  %s\n", label,
				b.positionLine(pos, models.KindCoveredCall, underlying, mid, dte))
		}
	}

	if len(csps) > 0 {
		sb.WriteString("\nCash-secured puts:\n")
		for _, pos := range csps {
			underlying := b.underlyingPrice(ctx, pos.Ticker)
			dte := pos.DTE(now)
			fmt.Fprintf(&sb, "  %s\n",
				b.positionLine(pos, models.KindCashSecuredPut, underlying, nil, dte))
		}
	}

	fmt.Fprintf(&sb, "\nRules: BTC at %.0f%% profit & <=%d DTE; roll-watch within %.0f%% of strike.\n",
		b.rules.ProfitTargetPct, b.rules.BTCMaxDTE, b.rules.StrikeProximityPct)
	return sb.String()
}

// Evaluate returns the decision label and inputs for a single open covered
// call, fetching the option mid only when the position is close enough to
// expiry for a buy-to-close to be on the table.
func (b *Builder) Evaluate(ctx context.Context, pos models.Position) (decision.Label, *float64, *float64, int) {
	now := b.now().In(b.loc)
	dte := pos.DTE(now)
	underlying := b.cachedPrice(pos.Ticker)
	var mid *float64
	if dte <= b.rules.BTCMaxDTE {
		mid = b.optionMid(ctx, pos)
	}
	return decision.Decide(pos, underlying, mid, dte, b.rules), underlying, mid, dte
}

// cachedPrice reads only the stream cache - no REST fallback. Used by the
// intraday tick where quote-budget matters more than coverage.
func (b *Builder) cachedPrice(ticker string) *float64 {
	if px, ok := b.cache.Get(ticker); ok {
		return &px
	}
	return nil
}
