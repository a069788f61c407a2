package models

import "strings"

// marketSuffix is the EODHD exchange suffix for US-listed equities. Stream
// subscriptions and the price cache key everything by the suffixed form so
// that the same underlying always maps to the same entry regardless of how
// the user typed it.
const marketSuffix = ".US"

// Normalize maps any spelling variant of a US ticker (bare "sofi",
// suffixed "SOFI.US", or prefixed "US.SOFI") to the canonical suffixed
// uppercase form. Normalize is idempotent: Normalize(Normalize(x)) == Normalize(x).
func Normalize(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.TrimPrefix(s, "US.")
	s = strings.TrimSuffix(s, marketSuffix)
	if s == "" {
		return ""
	}
	return s + marketSuffix
}

// BareTicker strips the market suffix from a normalized symbol, returning
// the plain ticker used for REST quote lookups.
func BareTicker(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.TrimPrefix(s, "US.")
	return strings.TrimSuffix(s, marketSuffix)
}
