// Package decision evaluates open positions against the management rules:
// buy back winners early, watch positions drifting toward the strike, and
// otherwise let theta do the work.
package decision

import (
	"math"

	"github.com/premiumpilot/bot/internal/models"
)

// Label is the recommendation for a position.
type Label string

const (
	// BuyToClose: the position has captured enough of its premium close to
	// expiry that the remaining risk is not worth carrying.
	BuyToClose Label = "BTC"
	// RollWatch: the underlying is trading near the strike and the position
	// may need adjustment.
	RollWatch Label = "Roll-watch"
	// Hold: no action suggested.
	Hold Label = "Hold"
)

// Rules holds the decision thresholds.
type Rules struct {
	// ProfitTargetPct is the captured-premium percentage at which a
	// buy-to-close is recommended (entered at the threshold, no upper cap).
	ProfitTargetPct float64
	// BTCMaxDTE is the latest DTE at which the profit target triggers.
	BTCMaxDTE int
	// StrikeProximityPct is the absolute underlying-to-strike distance, as a
	// percentage of the underlying price, below which a roll watch fires.
	StrikeProximityPct float64
}

// DefaultRules are the standing management rules: BTC at 50% profit inside
// 7 DTE, roll-watch within 4% of the strike.
var DefaultRules = Rules{
	ProfitTargetPct:    50,
	BTCMaxDTE:          7,
	StrikeProximityPct: 4,
}

// ProfitPct returns the captured-premium percentage for a position given the
// current option mid. ok is false when the entry credit is zero.
func ProfitPct(entryCredit, optionMid float64) (float64, bool) {
	if entryCredit == 0 {
		return 0, false
	}
	return (entryCredit - optionMid) / entryCredit * 100, true
}

// StrikeDistancePct returns the absolute distance between strike and
// underlying as a percentage of the underlying price. The distance is
// unsigned: a deep in-the-money position is "near the strike" only when the
// price is actually close, not merely above it.
func StrikeDistancePct(underlying, strike float64) float64 {
	if underlying == 0 {
		return math.Inf(1)
	}
	return math.Abs(strike-underlying) / underlying * 100
}

// Decide maps a position and whatever market data is available to a label.
// Either price input may be nil when the corresponding quote could not be
// fetched; the evaluator degrades to the checks it can still perform.
// Negative dte (an unmanaged expired position) is valid input.
func Decide(pos models.Position, underlying, optionMid *float64, dte int, rules Rules) Label {
	if optionMid != nil {
		if pct, ok := ProfitPct(pos.EntryCredit, *optionMid); ok {
			if pct >= rules.ProfitTargetPct && dte <= rules.BTCMaxDTE {
				return BuyToClose
			}
		}
	}
	if underlying != nil {
		if StrikeDistancePct(*underlying, pos.Strike) <= rules.StrikeProximityPct {
			return RollWatch
		}
	}
	return Hold
}
