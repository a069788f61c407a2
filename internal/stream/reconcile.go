package stream

import (
	"sort"

	"github.com/premiumpilot/bot/internal/models"
	"github.com/premiumpilot/bot/internal/storage"
)

// WantedSymbols computes the symbol set the stream should be subscribed to:
// the normalized underlying of every user's open covered calls.
//
// Cash-secured puts are deliberately excluded - CSP strikes are monitored via
// REST quotes only, matching the bot's long-standing behavior. See DESIGN.md.
func WantedSymbols(snapshot map[string]storage.Bucket) map[string]struct{} {
	wanted := make(map[string]struct{})
	for _, bucket := range snapshot {
		for _, pos := range bucket.CC {
			sym := models.Normalize(pos.Ticker)
			if sym != "" {
				wanted[sym] = struct{}{}
			}
		}
	}
	return wanted
}

// DiffSubscriptions compares the currently subscribed set against the wanted
// set and returns the symbols to subscribe and unsubscribe, sorted for
// deterministic wire messages.
func DiffSubscriptions(current, wanted map[string]struct{}) (toAdd, toRemove []string) {
	for sym := range wanted {
		if _, ok := current[sym]; !ok {
			toAdd = append(toAdd, sym)
		}
	}
	for sym := range current {
		if _, ok := wanted[sym]; !ok {
			toRemove = append(toRemove, sym)
		}
	}
	sort.Strings(toAdd)
	sort.Strings(toRemove)
	return toAdd, toRemove
}
