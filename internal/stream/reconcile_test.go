package stream

import (
	"reflect"
	"testing"

	"github.com/premiumpilot/bot/internal/models"
	"github.com/premiumpilot/bot/internal/storage"
)

func cc(ticker string) models.Position {
	return models.Position{Ticker: ticker, Strike: 30, Contracts: 1, Expiry: "2025-11-15"}
}

func TestWantedSymbols(t *testing.T) {
	snapshot := map[string]storage.Bucket{
		"alice": {
			CC:  []models.Position{cc("sofi"), cc("SOFI.US"), cc("pltr")},
			CSP: []models.Position{cc("nvda")},
		},
		"bob": {
			CC: []models.Position{cc("PLTR")},
		},
	}

	wanted := WantedSymbols(snapshot)

	if len(wanted) != 2 {
		t.Fatalf("wanted = %v, expected 2 symbols", wanted)
	}
	for _, sym := range []string{"SOFI.US", "PLTR.US"} {
		if _, ok := wanted[sym]; !ok {
			t.Errorf("missing %s", sym)
		}
	}
	if _, ok := wanted["NVDA.US"]; ok {
		t.Error("cash-secured puts must not produce stream subscriptions")
	}
}

func TestWantedSymbolsEmpty(t *testing.T) {
	if got := WantedSymbols(nil); len(got) != 0 {
		t.Errorf("WantedSymbols(nil) = %v", got)
	}
	snapshot := map[string]storage.Bucket{"u": {CSP: []models.Position{cc("nvda")}}}
	if got := WantedSymbols(snapshot); len(got) != 0 {
		t.Errorf("CSP-only snapshot produced %v", got)
	}
}

func TestDiffSubscriptions(t *testing.T) {
	set := func(syms ...string) map[string]struct{} {
		m := make(map[string]struct{}, len(syms))
		for _, s := range syms {
			m[s] = struct{}{}
		}
		return m
	}

	tests := []struct {
		name       string
		current    map[string]struct{}
		wanted     map[string]struct{}
		wantAdd    []string
		wantRemove []string
	}{
		{
			name:    "cold start subscribes everything",
			current: set(), wanted: set("SOFI.US", "PLTR.US"),
			wantAdd: []string{"PLTR.US", "SOFI.US"},
		},
		{
			name:    "converged set is a no-op",
			current: set("SOFI.US"), wanted: set("SOFI.US"),
		},
		{
			name:    "mixed add and remove",
			current: set("SOFI.US", "NVDA.US"), wanted: set("SOFI.US", "PLTR.US"),
			wantAdd: []string{"PLTR.US"}, wantRemove: []string{"NVDA.US"},
		},
		{
			name:    "empty wanted unsubscribes everything",
			current: set("SOFI.US", "PLTR.US"), wanted: set(),
			wantRemove: []string{"PLTR.US", "SOFI.US"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			add, remove := DiffSubscriptions(tt.current, tt.wanted)
			if !reflect.DeepEqual(add, tt.wantAdd) {
				t.Errorf("toAdd = %v, want %v", add, tt.wantAdd)
			}
			if !reflect.DeepEqual(remove, tt.wantRemove) {
				t.Errorf("toRemove = %v, want %v", remove, tt.wantRemove)
			}
		})
	}
}
