package stream

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/premiumpilot/bot/internal/storage"
)

// State describes the streaming client's connection lifecycle.
type State int32

const (
	// StateDisconnected means no connection attempt is in flight.
	StateDisconnected State = iota
	// StateConnecting means a dial (or backoff before one) is in progress.
	StateConnecting
	// StateSubscribed means the connection is up and the initial subscribe
	// message has been sent.
	StateSubscribed
	// StateStreaming means inbound messages are being consumed.
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateStreaming:
		return "streaming"
	default:
		return "disconnected"
	}
}

const (
	initialBackoff   = 1 * time.Second
	maxBackoff       = 30 * time.Second
	handshakeTimeout = 15 * time.Second
	writeWait        = 10 * time.Second
)

// subscribeCommand is the feed's wire format for subscription changes.
type subscribeCommand struct {
	Action  string   `json:"action"` // subscribe | unsubscribe
	Symbols []string `json:"symbols"`
}

// tick is the subset of feed message fields we care about. The feed is not
// entirely consistent about field names, so symbol and price each have
// several candidate keys.
type tick struct {
	S      string   `json:"s"`
	Code   string   `json:"code"`
	Symbol string   `json:"symbol"`
	P      *float64 `json:"p"`
	Close  *float64 `json:"close"`
}

func (t *tick) symbol() string {
	switch {
	case t.S != "":
		return t.S
	case t.Code != "":
		return t.Code
	default:
		return t.Symbol
	}
}

func (t *tick) price() (float64, bool) {
	switch {
	case t.P != nil:
		return *t.P, true
	case t.Close != nil:
		return *t.Close, true
	default:
		return 0, false
	}
}

// Client maintains a persistent connection to the market-data feed, keeps
// the live subscription set converged with the open covered-call positions,
// and feeds the price cache from inbound ticks.
//
// The subscription set is owned exclusively by the client's run loop; other
// components interact with it only through RequestResubscribe.
type Client struct {
	url     string
	storage storage.Interface
	cache   *PriceCache
	logger  *log.Logger

	// resub carries the "resubscription requested" signal. Capacity 1:
	// redundant raises before the loop observes the signal coalesce into a
	// single reconciliation pass.
	resub chan struct{}

	started atomic.Bool
	state   atomic.Int32

	// subscribed tracks the live subscription set. Written only by the run
	// loop; the mutex exists for readers like the status dashboard.
	subMu      sync.Mutex
	subscribed map[string]struct{}

	// dial is swappable for tests.
	dial func(ctx context.Context) (conn, error)

	// sleep is swappable for tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration)
}

// conn is the minimal websocket surface the client needs.
type conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// NewClient creates a streaming client for the given feed URL.
func NewClient(url string, st storage.Interface, cache *PriceCache, logger *log.Logger) *Client {
	c := &Client{
		url:        url,
		storage:    st,
		cache:      cache,
		logger:     logger,
		resub:      make(chan struct{}, 1),
		subscribed: make(map[string]struct{}),
	}
	c.dial = c.dialWebsocket
	c.sleep = sleepCtx
	return c
}

func (c *Client) dialWebsocket(ctx context.Context) (conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, err
	}
	return ws, nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// RequestResubscribe signals the run loop to reconcile the subscription set
// against the store on its next read opportunity. Safe to call from any
// goroutine and safe to call redundantly.
func (c *Client) RequestResubscribe() {
	select {
	case c.resub <- struct{}{}:
	default:
	}
}

// Run drives the connect/stream/reconnect loop until ctx is canceled.
// Run is idempotently startable: a second concurrent call returns
// immediately rather than spawning a competing reader.
func (c *Client) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		c.logger.Printf("stream: Run called twice, ignoring duplicate start")
		return nil
	}
	defer c.started.Store(false)
	defer c.state.Store(int32(StateDisconnected))

	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			return nil
		}

		c.state.Store(int32(StateConnecting))
		ws, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Printf("stream: connect failed: %v (retrying in %s)", err, backoff)
			c.sleep(ctx, backoff)
			backoff = nextBackoff(backoff)
			continue
		}

		// Fresh connection carries no subscriptions.
		c.subMu.Lock()
		c.subscribed = make(map[string]struct{})
		c.subMu.Unlock()
		if err := c.reconcile(ws); err != nil {
			c.logger.Printf("stream: initial subscribe failed: %v", err)
			_ = ws.Close()
			c.sleep(ctx, backoff)
			backoff = nextBackoff(backoff)
			continue
		}
		c.state.Store(int32(StateSubscribed))
		backoff = initialBackoff

		c.streamLoop(ctx, ws)
		_ = ws.Close()

		if ctx.Err() != nil {
			return nil
		}
		c.logger.Printf("stream: connection lost, reconnecting in %s", backoff)
		c.sleep(ctx, backoff)
		backoff = nextBackoff(backoff)
	}
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// streamLoop consumes inbound messages and resubscription signals until the
// connection drops or ctx is canceled. A dedicated reader goroutine feeds
// messages into a channel so the loop can also react to signals; the channel
// is closed on read error, which sends us back to the reconnect path.
func (c *Client) streamLoop(ctx context.Context, ws conn) {
	c.state.Store(int32(StateStreaming))

	msgs := make(chan []byte, 16)
	// done releases a reader blocked on a full msgs buffer once the loop has
	// stopped draining it; closing the websocket alone only unblocks reads.
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(msgs)
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			select {
			case msgs <- data:
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	defer wg.Wait()
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			// Unblock the reader before waiting for it.
			_ = ws.Close()
			return
		case data, ok := <-msgs:
			if !ok {
				return
			}
			c.handleMessage(data)
		case <-c.resub:
			if err := c.reconcile(ws); err != nil {
				c.logger.Printf("stream: resubscribe failed: %v", err)
				_ = ws.Close()
				return
			}
		}
	}
}

// handleMessage updates the price cache from a feed tick. Messages without a
// symbol and a numeric price are dropped silently - the feed mixes status
// frames in with quotes.
func (c *Client) handleMessage(data []byte) {
	var t tick
	if err := json.Unmarshal(data, &t); err != nil {
		return
	}
	sym := t.symbol()
	px, ok := t.price()
	if sym == "" || !ok {
		return
	}
	c.cache.Set(sym, px)
}

// reconcile converges the live subscription set with the open covered-call
// positions. Adjustments happen in place; the connection is never dropped.
func (c *Client) reconcile(ws conn) error {
	wanted := WantedSymbols(c.storage.Snapshot())
	toAdd, toRemove := DiffSubscriptions(c.subscribed, wanted)

	if len(toAdd) > 0 {
		if err := c.send(ws, subscribeCommand{Action: "subscribe", Symbols: toAdd}); err != nil {
			return err
		}
		c.subMu.Lock()
		for _, sym := range toAdd {
			c.subscribed[sym] = struct{}{}
		}
		c.subMu.Unlock()
	}
	if len(toRemove) > 0 {
		if err := c.send(ws, subscribeCommand{Action: "unsubscribe", Symbols: toRemove}); err != nil {
			return err
		}
		c.subMu.Lock()
		for _, sym := range toRemove {
			delete(c.subscribed, sym)
		}
		c.subMu.Unlock()
	}
	if len(toAdd) > 0 || len(toRemove) > 0 {
		c.logger.Printf("stream: subscriptions reconciled (+%d/-%d, %d active)",
			len(toAdd), len(toRemove), len(c.subscribed))
	}
	return nil
}

func (c *Client) send(ws conn, cmd subscribeCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(websocket.TextMessage, data)
}

// Subscribed returns a sorted copy of the currently tracked subscription
// set for the status dashboard.
func (c *Client) Subscribed() []string {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	out := make([]string, 0, len(c.subscribed))
	for sym := range c.subscribed {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}
