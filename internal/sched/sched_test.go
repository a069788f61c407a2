package sched

import (
	"context"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a lockable time source for driving sweep by hand.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestDailyAt(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	due := DailyAt(ny, 16, 15)

	// Monday 2025-11-10 16:15 ET.
	assert.True(t, due(time.Date(2025, 11, 10, 16, 15, 0, 0, ny)))
	// Seconds within the minute do not matter.
	assert.True(t, due(time.Date(2025, 11, 10, 16, 15, 42, 0, ny)))
	// Wrong minute.
	assert.False(t, due(time.Date(2025, 11, 10, 16, 14, 0, 0, ny)))
	assert.False(t, due(time.Date(2025, 11, 10, 16, 16, 0, 0, ny)))
	// Saturday and Sunday never fire.
	assert.False(t, due(time.Date(2025, 11, 8, 16, 15, 0, 0, ny)))
	assert.False(t, due(time.Date(2025, 11, 9, 16, 15, 0, 0, ny)))
	// The instant is converted into the schedule's zone first: 21:15 UTC is
	// 16:15 ET during standard time.
	assert.True(t, due(time.Date(2025, 11, 10, 21, 15, 0, 0, time.UTC)))
}

func TestEvery(t *testing.T) {
	due := Every(time.UTC, 15*time.Minute, nil)

	assert.True(t, due(time.Date(2025, 11, 10, 10, 0, 0, 0, time.UTC)))
	assert.True(t, due(time.Date(2025, 11, 10, 10, 15, 0, 0, time.UTC)))
	assert.True(t, due(time.Date(2025, 11, 10, 10, 30, 0, 0, time.UTC)))
	assert.False(t, due(time.Date(2025, 11, 10, 10, 7, 0, 0, time.UTC)))
	assert.False(t, due(time.Date(2025, 11, 10, 10, 16, 0, 0, time.UTC)))
}

func TestEveryBoundariesFollowScheduleZone(t *testing.T) {
	// A half-hour-offset zone: hour boundaries there fall on :30 UTC.
	kolkata, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	due := Every(kolkata, time.Hour, nil)

	// 10:00 UTC is 15:30 IST: not an hour boundary on the schedule clock.
	assert.False(t, due(time.Date(2025, 11, 10, 10, 0, 0, 0, time.UTC)))
	// 10:30 UTC is 16:00 IST.
	assert.True(t, due(time.Date(2025, 11, 10, 10, 30, 0, 0, time.UTC)))
}

func TestEveryRespectsGate(t *testing.T) {
	open := false
	due := Every(time.UTC, time.Minute, func(time.Time) bool { return open })

	at := time.Date(2025, 11, 10, 10, 0, 0, 0, time.UTC)
	assert.False(t, due(at))
	open = true
	assert.True(t, due(at))
}

func TestEveryClampsSubMinuteIntervals(t *testing.T) {
	due := Every(time.UTC, 5*time.Second, nil)
	// Clamped to one minute: every minute boundary is due.
	assert.True(t, due(time.Date(2025, 11, 10, 10, 1, 0, 0, time.UTC)))
	assert.True(t, due(time.Date(2025, 11, 10, 10, 2, 30, 0, time.UTC)))
}

func TestSweepFiresOncePerMinute(t *testing.T) {
	s := New(log.New(io.Discard, "", 0), time.Minute)
	clock := &fakeClock{now: time.Date(2025, 11, 10, 16, 15, 0, 0, time.UTC)}
	s.now = clock.Now

	var fired atomic.Int32
	done := make(chan struct{}, 4)
	s.Add(&Job{
		Name: "eod_report",
		Due:  func(time.Time) bool { return true },
		Run: func(context.Context) {
			fired.Add(1)
			done <- struct{}{}
		},
	})

	ctx := context.Background()
	s.sweep(ctx)
	<-done
	// Same wall-clock minute: deduplicated even across repeated sweeps.
	s.sweep(ctx)
	s.sweep(ctx)
	assert.Equal(t, int32(1), fired.Load())

	clock.Advance(time.Minute)
	s.sweep(ctx)
	<-done
	assert.Equal(t, int32(2), fired.Load())
}

func TestSweepSkipsOverlappingRun(t *testing.T) {
	s := New(log.New(io.Discard, "", 0), time.Minute)
	clock := &fakeClock{now: time.Date(2025, 11, 10, 16, 15, 0, 0, time.UTC)}
	s.now = clock.Now

	var started atomic.Int32
	release := make(chan struct{})
	running := make(chan struct{})
	s.Add(&Job{
		Name: "intraday_alerts",
		Due:  func(time.Time) bool { return true },
		Run: func(context.Context) {
			started.Add(1)
			running <- struct{}{}
			<-release
		},
	})

	ctx := context.Background()
	s.sweep(ctx)
	<-running

	// Next minute comes due while the first run is still in flight.
	clock.Advance(time.Minute)
	s.sweep(ctx)
	assert.Equal(t, int32(1), started.Load())

	close(release)
	require.Eventually(t, func() bool {
		// A fresh minute after the run finished fires normally again.
		clock.Advance(time.Minute)
		s.sweep(ctx)
		return started.Load() == 2
	}, 2*time.Second, 10*time.Millisecond)
	<-running
}

func TestRunSweepsAtStartup(t *testing.T) {
	s := New(log.New(io.Discard, "", 0), time.Hour)
	done := make(chan struct{})
	s.Add(&Job{
		Name: "eod_report",
		Due:  func(time.Time) bool { return true },
		Run:  func(context.Context) { close(done) },
	})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = s.Run(ctx)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("startup sweep did not fire")
	}
	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop on cancel")
	}
}

func TestNewDefaultsTick(t *testing.T) {
	s := New(log.New(io.Discard, "", 0), 0)
	assert.Equal(t, time.Minute, s.tick)
}
