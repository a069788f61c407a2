// Package marketdata provides the EODHD REST client used for intraday
// prices, official closing prices and option mid quotes.
//
// Every call is bounded by a per-request timeout and any failure - transport
// error, non-2xx status, malformed body, missing contract - is reported as
// ErrUnavailable. Callers degrade their output instead of failing a report.
package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/premiumpilot/bot/internal/models"
)

// ErrUnavailable is returned when a quote cannot be obtained for any reason.
var ErrUnavailable = errors.New("quote unavailable")

// APIError represents an API error with status code and response body.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// Provider is the quote-fetching contract consumed by report builders and
// the scheduler. Implementations must never panic on provider failures.
type Provider interface {
	// GetLastPrice returns the most recent intraday price for a ticker.
	GetLastPrice(ctx context.Context, ticker string) (float64, error)
	// GetOfficialClose returns today's official closing price.
	GetOfficialClose(ctx context.Context, ticker string) (float64, error)
	// GetOptionMid returns the mid price for a call contract: the average of
	// (bid+ask)/2 and last, using whichever of the two is available.
	GetOptionMid(ctx context.Context, ticker, expiry string, strike float64) (float64, error)
}

const (
	defaultBaseURL = "https://eodhd.com/api"
	defaultTimeout = 20 * time.Second

	// strikeEpsilon is the tolerance for matching strike prices when
	// scanning an option chain response.
	strikeEpsilon = 1e-6
)

// Client is the concrete EODHD REST client.
type Client struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
	now        func() time.Time
}

// NewClient creates an EODHD client with the default endpoint and timeout.
// baseURL overrides the production endpoint when non-empty (tests).
func NewClient(apiKey, baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		apiKey:     apiKey,
		baseURL:    baseURL,
		now:        time.Now,
	}
}

// WithHTTPClient swaps the underlying HTTP client (tests, custom timeouts).
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// getJSON performs a GET and decodes the response body into out.
func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Body: string(body)}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}

type intradayBar struct {
	Close float64 `json:"close"`
}

// GetLastPrice fetches 1-minute intraday bars and returns the close of the
// most recent one.
func (c *Client) GetLastPrice(ctx context.Context, ticker string) (float64, error) {
	ticker = models.BareTicker(ticker)
	params := url.Values{
		"api_token": {c.apiKey},
		"interval":  {"1m"},
		"fmt":       {"json"},
	}

	var bars []intradayBar
	if err := c.getJSON(ctx, "/intraday/"+url.PathEscape(ticker), params, &bars); err != nil {
		return 0, fmt.Errorf("%w: intraday %s: %w", ErrUnavailable, ticker, err)
	}
	if len(bars) == 0 {
		return 0, fmt.Errorf("%w: intraday %s: empty series", ErrUnavailable, ticker)
	}
	return bars[len(bars)-1].Close, nil
}

// GetOfficialClose fetches today's end-of-day bar.
func (c *Client) GetOfficialClose(ctx context.Context, ticker string) (float64, error) {
	ticker = models.BareTicker(ticker)
	today := c.now().Format("2006-01-02")
	params := url.Values{
		"api_token": {c.apiKey},
		"from":      {today},
		"to":        {today},
		"fmt":       {"json"},
	}

	var bars []intradayBar
	if err := c.getJSON(ctx, "/eod/"+url.PathEscape(ticker), params, &bars); err != nil {
		return 0, fmt.Errorf("%w: eod %s: %w", ErrUnavailable, ticker, err)
	}
	if len(bars) == 0 {
		return 0, fmt.Errorf("%w: eod %s: empty series", ErrUnavailable, ticker)
	}
	return bars[len(bars)-1].Close, nil
}

type optionAttributes struct {
	Bid     *float64 `json:"bid"`
	Ask     *float64 `json:"ask"`
	Last    *float64 `json:"last"`
	ExpDate string   `json:"exp_date"`
	Strike  float64  `json:"strike"`
}

type optionItem struct {
	Attributes optionAttributes `json:"attributes"`
}

type optionChainResponse struct {
	Data []optionItem `json:"data"`
}

// GetOptionMid looks up the call contract for the given expiry and strike
// and returns its mid price.
func (c *Client) GetOptionMid(ctx context.Context, ticker, expiry string, strike float64) (float64, error) {
	ticker = models.BareTicker(ticker)
	params := url.Values{
		"api_token":   {c.apiKey},
		"filter":      {fmt.Sprintf("ticker:eq:%s,type:eq:call,exp_date:ge:%s", ticker, expiry)},
		"fields":      {"ticker,bid,ask,last,exp_date,strike,type"},
		"page[limit]": {"5"},
		"sort":        {"-exp_date"},
	}

	var chain optionChainResponse
	if err := c.getJSON(ctx, "/market-params/options", params, &chain); err != nil {
		return 0, fmt.Errorf("%w: options %s: %w", ErrUnavailable, ticker, err)
	}

	for _, item := range chain.Data {
		attrs := item.Attributes
		if !matchesContract(attrs, expiry, strike) {
			continue
		}
		if mid, ok := midPrice(attrs); ok {
			return mid, nil
		}
		break
	}
	return 0, fmt.Errorf("%w: options %s %s %.2f: no matching contract", ErrUnavailable, ticker, expiry, strike)
}

func matchesContract(attrs optionAttributes, expiry string, strike float64) bool {
	if len(attrs.ExpDate) < len(expiry) || attrs.ExpDate[:len(expiry)] != expiry {
		return false
	}
	return math.Abs(attrs.Strike-strike) < strikeEpsilon
}

// midPrice averages the bid/ask midpoint with the last traded price, using
// whichever of the two inputs is present and positive.
func midPrice(attrs optionAttributes) (float64, bool) {
	var mids []float64
	if attrs.Bid != nil && attrs.Ask != nil && *attrs.Ask > 0 {
		mids = append(mids, (*attrs.Bid+*attrs.Ask)/2)
	}
	if attrs.Last != nil && *attrs.Last > 0 {
		mids = append(mids, *attrs.Last)
	}
	if len(mids) == 0 {
		return 0, false
	}
	sum := 0.0
	for _, m := range mids {
		sum += m
	}
	return sum / float64(len(mids)), true
}

// Ensure Client implements Provider.
var _ Provider = (*Client)(nil)
