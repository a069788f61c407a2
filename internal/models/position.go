// Package models defines the core position types shared across the bot:
// open covered calls and cash-secured puts, closed (archived) positions,
// and the helpers that canonicalize user-entered tickers and expiry dates.
package models

import (
	"fmt"
	"strings"
	"time"
)

// PositionKind tags which side of the wheel a position belongs to.
type PositionKind string

const (
	// KindCoveredCall is a short call written against held shares.
	KindCoveredCall PositionKind = "covered_call"
	// KindCashSecuredPut is a short put backed by cash collateral.
	KindCashSecuredPut PositionKind = "cash_secured_put"
)

// Valid returns true if the kind is one of the defined constants.
func (k PositionKind) Valid() bool {
	switch k {
	case KindCoveredCall, KindCashSecuredPut:
		return true
	default:
		return false
	}
}

// OptionType returns "C" or "P" for trade-log rows.
func (k PositionKind) OptionType() string {
	if k == KindCashSecuredPut {
		return "P"
	}
	return "C"
}

// Position is an open short-premium position owned by a single user.
// IDs are positive, unique per user across open and closed collections,
// and are never reused after a position is removed or closed.
type Position struct {
	ID          int       `json:"id"`
	Ticker      string    `json:"ticker"`
	Strike      float64   `json:"strike"`
	Contracts   int       `json:"contracts"`
	Expiry      string    `json:"expiry"` // canonical YYYY-MM-DD
	EntryCredit float64   `json:"entry_credit"`
	CreatedAt   time.Time `json:"created_at"`
}

// ClosedPosition is an archived position. Once appended to the closed
// collection it is never mutated.
type ClosedPosition struct {
	Position
	Kind     PositionKind `json:"kind"`
	ClosedAt time.Time    `json:"closed_at"`
	BTCPrice *float64     `json:"btc_price"`
	PnLPct   *float64     `json:"pnl_pct"`
}

// Validate checks the field constraints for an open position.
func (p *Position) Validate() error {
	if strings.TrimSpace(p.Ticker) == "" {
		return fmt.Errorf("ticker is required")
	}
	if p.Strike <= 0 {
		return fmt.Errorf("strike must be positive, got %.2f", p.Strike)
	}
	if p.Contracts <= 0 {
		return fmt.Errorf("contracts must be positive, got %d", p.Contracts)
	}
	if _, err := ParseExpiry(p.Expiry); err != nil {
		return err
	}
	return nil
}

// DTE returns whole days from now until expiry. The result may be negative
// for an expired position that was never closed; callers must treat that as
// valid input.
func (p *Position) DTE(now time.Time) int {
	exp, err := ParseExpiry(p.Expiry)
	if err != nil {
		return 0
	}
	nowDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return int(exp.Sub(nowDay).Hours() / 24)
}

// PositionPatch carries a partial update for Edit. Nil fields keep their
// prior value.
type PositionPatch struct {
	Ticker      *string
	Strike      *float64
	Contracts   *int
	Expiry      *string
	EntryCredit *float64
}

// Apply merges the patch into p, re-canonicalizing any updated fields.
// It returns an error without modifying p if a patched value is invalid.
func (patch *PositionPatch) Apply(p *Position) error {
	next := *p
	if patch.Ticker != nil {
		next.Ticker = strings.ToUpper(strings.TrimSpace(*patch.Ticker))
	}
	if patch.Strike != nil {
		next.Strike = *patch.Strike
	}
	if patch.Contracts != nil {
		next.Contracts = *patch.Contracts
	}
	if patch.Expiry != nil {
		iso, err := CanonicalExpiry(*patch.Expiry)
		if err != nil {
			return err
		}
		next.Expiry = iso
	}
	if patch.EntryCredit != nil {
		next.EntryCredit = *patch.EntryCredit
	}
	if err := next.Validate(); err != nil {
		return err
	}
	*p = next
	return nil
}
