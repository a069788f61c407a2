// Package util holds small numeric helpers shared across packages.
package util

import "math"

// RoundToTick snaps x to the nearest multiple of tick. Used for option
// premiums (tick 0.01) and stored PnL percentages. A non-positive tick
// returns x unchanged.
func RoundToTick(x, tick float64) float64 {
	if tick <= 0 {
		return x
	}
	return math.Round(x/tick) * tick
}
