package models

import (
	"fmt"
	"strings"
	"time"
)

// expiryLayouts are the accepted input formats for expiration dates,
// tried in order. The canonical persisted form is always ISO YYYY-MM-DD.
var expiryLayouts = []string{
	"2006-01-02",
	"01-02-2006",
	"01/02/2006",
	"2006/01/02",
}

// ParseExpiry parses a user-entered expiration date in any accepted format.
func ParseExpiry(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range expiryLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized expiry format %q: use YYYY-MM-DD or MM-DD-YYYY", s)
}

// CanonicalExpiry parses s and returns it in ISO YYYY-MM-DD form.
func CanonicalExpiry(s string) (string, error) {
	t, err := ParseExpiry(s)
	if err != nil {
		return "", err
	}
	return t.Format("2006-01-02"), nil
}

// DisplayExpiry renders a canonical expiry as MM-DD-YYYY for chat output.
// Invalid input is returned unchanged.
func DisplayExpiry(iso string) string {
	t, err := ParseExpiry(iso)
	if err != nil {
		return iso
	}
	return t.Format("01-02-2006")
}
