package marketdata

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient("test-key", srv.URL)
}

func TestGetLastPrice(t *testing.T) {
	var gotPath string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		assert.Equal(t, "test-key", r.URL.Query().Get("api_token"))
		assert.Equal(t, "1m", r.URL.Query().Get("interval"))
		_, _ = w.Write([]byte(`[{"close":29.31},{"close":29.40},{"close":29.42}]`))
	})

	px, err := c.GetLastPrice(context.Background(), "SOFI.US")
	require.NoError(t, err)
	assert.Equal(t, 29.42, px, "last bar wins")
	assert.Equal(t, "/intraday/SOFI", gotPath, "REST lookups use the bare ticker")
}

func TestGetLastPriceEmptySeries(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})

	_, err := c.GetLastPrice(context.Background(), "SOFI")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestGetLastPriceServerError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream broke", http.StatusBadGateway)
	})

	_, err := c.GetLastPrice(context.Background(), "SOFI")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
}

func TestGetLastPriceMalformedBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"oops": true`))
	})

	_, err := c.GetLastPrice(context.Background(), "SOFI")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestGetOfficialClose(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/eod/SOFI", r.URL.Path)
		assert.Equal(t, "2025-11-08", r.URL.Query().Get("from"))
		assert.Equal(t, "2025-11-08", r.URL.Query().Get("to"))
		_, _ = w.Write([]byte(`[{"close":29.10}]`))
	})
	c.now = func() time.Time { return time.Date(2025, 11, 8, 17, 0, 0, 0, time.UTC) }

	px, err := c.GetOfficialClose(context.Background(), "sofi")
	require.NoError(t, err)
	assert.Equal(t, 29.10, px)
}

func TestGetOptionMid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want float64
	}{
		{
			name: "bid ask and last average together",
			body: `{"data":[{"attributes":{"ticker":"SOFI","bid":0.60,"ask":0.70,"last":0.64,"exp_date":"2025-11-15","strike":30}}]}`,
			// mid of (0.65, 0.64)
			want: 0.645,
		},
		{
			name: "bid ask only",
			body: `{"data":[{"attributes":{"bid":0.60,"ask":0.70,"exp_date":"2025-11-15","strike":30}}]}`,
			want: 0.65,
		},
		{
			name: "last only when ask missing",
			body: `{"data":[{"attributes":{"last":0.64,"exp_date":"2025-11-15","strike":30}}]}`,
			want: 0.64,
		},
		{
			name: "zero ask falls back to last",
			body: `{"data":[{"attributes":{"bid":0.0,"ask":0.0,"last":0.64,"exp_date":"2025-11-15","strike":30}}]}`,
			want: 0.64,
		},
		{
			name: "timestamped exp_date still matches",
			body: `{"data":[{"attributes":{"bid":0.60,"ask":0.70,"exp_date":"2025-11-15T00:00:00","strike":30}}]}`,
			want: 0.65,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/market-params/options", r.URL.Path)
				assert.Contains(t, r.URL.Query().Get("filter"), "ticker:eq:SOFI")
				assert.Contains(t, r.URL.Query().Get("filter"), "type:eq:call")
				_, _ = w.Write([]byte(tt.body))
			})

			mid, err := c.GetOptionMid(context.Background(), "SOFI", "2025-11-15", 30)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, mid, 1e-9)
		})
	}
}

func TestGetOptionMidNoMatch(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"empty chain", `{"data":[]}`},
		{"wrong strike", `{"data":[{"attributes":{"bid":0.60,"ask":0.70,"exp_date":"2025-11-15","strike":35}}]}`},
		{"wrong expiry", `{"data":[{"attributes":{"bid":0.60,"ask":0.70,"exp_date":"2025-12-20","strike":30}}]}`},
		{"no quotable fields", `{"data":[{"attributes":{"exp_date":"2025-11-15","strike":30}}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := c.GetOptionMid(context.Background(), "SOFI", "2025-11-15", 30)
			assert.ErrorIs(t, err, ErrUnavailable)
		})
	}
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "down", http.StatusServiceUnavailable)
	})

	cb := NewCircuitBreakerProviderWithSettings(c, CircuitBreakerSettings{
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      time.Minute,
		MinRequests:  3,
		FailureRatio: 0.6,
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := cb.GetLastPrice(ctx, "SOFI")
		require.Error(t, err)
	}
	callsBeforeOpen := calls

	// Circuit now open: the provider must not be reached.
	_, err := cb.GetLastPrice(ctx, "SOFI")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable), "open circuit reports ErrUnavailable, got %v", err)
	assert.Equal(t, callsBeforeOpen, calls)
}
