package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/premiumpilot/bot/internal/models"
	"github.com/premiumpilot/bot/internal/storage"
)

// fakeConn is a scripted websocket connection. Reads come from a channel;
// writes are decoded and surfaced on another channel for assertions.
type fakeConn struct {
	reads     chan []byte
	writes    chan subscribeCommand
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		reads:  make(chan []byte, 16),
		writes: make(chan subscribeCommand, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-f.reads:
		if !ok {
			return 0, nil, io.EOF
		}
		return websocket.TextMessage, data, nil
	case <-f.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	select {
	case <-f.closed:
		return errors.New("use of closed connection")
	default:
	}
	var cmd subscribeCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return err
	}
	f.writes <- cmd
	return nil
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

// floodConn produces an endless stream of inbound ticks and fails writes
// starting from the failFrom-th call, with a short stall first so the
// message buffer saturates while the write is in flight.
type floodConn struct {
	*fakeConn
	mu       sync.Mutex
	writes   int
	failFrom int
}

func (f *floodConn) ReadMessage() (int, []byte, error) {
	select {
	case <-f.closed:
		return 0, nil, errors.New("use of closed connection")
	default:
		return websocket.TextMessage, []byte(`{"s":"SOFI.US","p":29.42}`), nil
	}
}

func (f *floodConn) WriteMessage(mt int, data []byte) error {
	f.mu.Lock()
	f.writes++
	n := f.writes
	f.mu.Unlock()
	if n >= f.failFrom {
		time.Sleep(50 * time.Millisecond)
		return errors.New("write: broken pipe")
	}
	return f.fakeConn.WriteMessage(mt, data)
}

func waitWrite(t *testing.T, fc *fakeConn) subscribeCommand {
	t.Helper()
	select {
	case cmd := <-fc.writes:
		return cmd
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a wire message")
		return subscribeCommand{}
	}
}

func newTestClient(t *testing.T) (*Client, storage.Interface, *fakeConn) {
	t.Helper()
	st := storage.NewStorage(filepath.Join(t.TempDir(), "positions.json"))
	cache := NewPriceCache()
	logger := log.New(io.Discard, "", 0)

	fc := newFakeConn()
	c := NewClient("ws://test", st, cache, logger)
	c.dial = func(ctx context.Context) (conn, error) { return fc, nil }
	c.sleep = func(ctx context.Context, d time.Duration) {}
	return c, st, fc
}

func addCC(t *testing.T, st storage.Interface, ticker string) int {
	t.Helper()
	id, err := st.Add("u1", models.KindCoveredCall, models.Position{
		Ticker: ticker, Strike: 30, Contracts: 1, Expiry: "2025-11-15", EntryCredit: 0.66,
	})
	require.NoError(t, err)
	return id
}

func TestRunSubscribesOpenPositions(t *testing.T) {
	c, st, fc := newTestClient(t)
	addCC(t, st, "sofi")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	cmd := waitWrite(t, fc)
	assert.Equal(t, "subscribe", cmd.Action)
	assert.Equal(t, []string{"SOFI.US"}, cmd.Symbols)

	require.Eventually(t, func() bool { return c.State() == StateStreaming },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"SOFI.US"}, c.Subscribed())

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
	assert.Equal(t, StateDisconnected, c.State())
}

func TestResubscribeAppliesDeltasInPlace(t *testing.T) {
	c, st, fc := newTestClient(t)
	st.OnChange(c.RequestResubscribe)
	sofiID := addCC(t, st, "sofi")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	first := waitWrite(t, fc)
	require.Equal(t, []string{"SOFI.US"}, first.Symbols)

	addCC(t, st, "pltr")
	cmd := waitWrite(t, fc)
	assert.Equal(t, "subscribe", cmd.Action)
	assert.Equal(t, []string{"PLTR.US"}, cmd.Symbols, "only the delta is sent")

	_, err := st.Remove("u1", sofiID)
	require.NoError(t, err)
	cmd = waitWrite(t, fc)
	assert.Equal(t, "unsubscribe", cmd.Action)
	assert.Equal(t, []string{"SOFI.US"}, cmd.Symbols)
}

func TestLastPositionClosedUnsubscribesAll(t *testing.T) {
	c, st, fc := newTestClient(t)
	st.OnChange(c.RequestResubscribe)
	id := addCC(t, st, "sofi")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()
	waitWrite(t, fc)

	_, err := st.Close("u1", id, nil)
	require.NoError(t, err)

	cmd := waitWrite(t, fc)
	assert.Equal(t, "unsubscribe", cmd.Action)
	assert.Equal(t, []string{"SOFI.US"}, cmd.Symbols)
	require.Eventually(t, func() bool { return len(c.Subscribed()) == 0 },
		2*time.Second, 5*time.Millisecond)
}

func TestTicksFeedCache(t *testing.T) {
	c, st, fc := newTestClient(t)
	addCC(t, st, "sofi")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()
	waitWrite(t, fc)

	fc.reads <- []byte(`{"s":"SOFI.US","p":29.42}`)
	require.Eventually(t, func() bool {
		px, ok := c.cache.Get("SOFI")
		return ok && px == 29.42
	}, 2*time.Second, 5*time.Millisecond)

	// Alternate field spellings land in the same entry.
	fc.reads <- []byte(`{"code":"SOFI","close":29.55}`)
	require.Eventually(t, func() bool {
		px, _ := c.cache.Get("SOFI")
		return px == 29.55
	}, 2*time.Second, 5*time.Millisecond)

	// Status frames and garbage are dropped without effect.
	fc.reads <- []byte(`{"status_code":200,"message":"authorized"}`)
	fc.reads <- []byte(`not json`)
	assert.Equal(t, 1, c.cache.Len())
}

func TestRunIsIdempotent(t *testing.T) {
	c, st, fc := newTestClient(t)
	addCC(t, st, "sofi")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()
	waitWrite(t, fc)

	// A duplicate start must return immediately, not spawn a second loop.
	err := c.Run(ctx)
	require.NoError(t, err)
}

func TestFailedResubscribeUnderLoadReconnects(t *testing.T) {
	c, st, _ := newTestClient(t)
	addCC(t, st, "sofi")

	flood := &floodConn{fakeConn: newFakeConn(), failFrom: 2}
	conn2 := newFakeConn()
	var mu sync.Mutex
	dials := 0
	c.dial = func(ctx context.Context) (conn, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dials == 1 {
			return flood, nil
		}
		return conn2, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	first := waitWrite(t, flood.fakeConn)
	require.Equal(t, "subscribe", first.Action)

	addCC(t, st, "pltr")
	c.RequestResubscribe()

	// The failed delta send must tear the connection down and redial even
	// though inbound ticks are saturating the message buffer.
	cmd := waitWrite(t, conn2)
	assert.Equal(t, "subscribe", cmd.Action)
	assert.ElementsMatch(t, []string{"SOFI.US", "PLTR.US"}, cmd.Symbols)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, dials)
}

func TestReconnectBackoffDoubles(t *testing.T) {
	c, _, fc := newTestClient(t)

	var mu sync.Mutex
	var sleeps []time.Duration
	dials := 0
	c.dial = func(ctx context.Context) (conn, error) {
		dials++
		if dials <= 3 {
			return nil, errors.New("connection refused")
		}
		return fc, nil
	}
	c.sleep = func(ctx context.Context, d time.Duration) {
		mu.Lock()
		sleeps = append(sleeps, d)
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	require.Eventually(t, func() bool { return c.State() == StateStreaming },
		2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, sleeps, 3)
	assert.Equal(t, 1*time.Second, sleeps[0])
	assert.Equal(t, 2*time.Second, sleeps[1])
	assert.Equal(t, 4*time.Second, sleeps[2])
}

func TestRedundantResubscribeSignalsCoalesce(t *testing.T) {
	c, _, _ := newTestClient(t)

	for i := 0; i < 5; i++ {
		c.RequestResubscribe()
	}
	// Only one signal may be pending.
	select {
	case <-c.resub:
	default:
		t.Fatal("expected a pending signal")
	}
	select {
	case <-c.resub:
		t.Fatal("signals must coalesce into one")
	default:
	}
}

func TestNextBackoffCapped(t *testing.T) {
	d := initialBackoff
	for i := 0; i < 10; i++ {
		d = nextBackoff(d)
		if d > maxBackoff {
			t.Fatalf("backoff %v exceeds cap %v", d, maxBackoff)
		}
	}
	if d != maxBackoff {
		t.Errorf("backoff should settle at the cap, got %v", d)
	}
}
