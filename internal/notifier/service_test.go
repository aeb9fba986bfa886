package notifier

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pollwatch/internal/alert"
	"pollwatch/internal/eventbus"
	logx "pollwatch/pkg/logx"
)

type fakeChannel struct {
	name    string
	failN   atomic.Int32 // fail this many sends first
	always  error
	block   chan struct{}
	mu      sync.Mutex
	titles  []string
	tickers bool
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Accepts(a alert.Alert) bool { return !f.tickers || a.Ticker != "" }

func (f *fakeChannel) Send(ctx context.Context, a alert.Alert) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.always != nil {
		return f.always
	}
	if f.failN.Add(-1) >= 0 {
		return errors.New("flaky")
	}
	f.mu.Lock()
	f.titles = append(f.titles, a.Title)
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Titles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.titles...)
}

func fastRetry() Config {
	return Config{Workers: 2, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond, RatePerSec: 1000}
}

func TestDeliverFansOut(t *testing.T) {
	t.Parallel()
	chat := &fakeChannel{name: "telegram"}
	bus := &fakeChannel{name: "bus", tickers: true}
	s := New(fastRetry(), logx.Nop(), nil, chat, bus)
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })

	require.NoError(t, s.Deliver(context.Background(), alert.Alert{Title: "with ticker", Ticker: "ACME"}))
	require.NoError(t, s.Deliver(context.Background(), alert.Alert{Title: "no ticker"}))

	assert.Equal(t, []string{"with ticker", "no ticker"}, chat.Titles())
	assert.Equal(t, []string{"with ticker"}, bus.Titles())
	assert.Len(t, s.History(), 3)
	assert.Equal(t, []string{"telegram", "bus"}, s.Channels())
}

func TestRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	ch := &fakeChannel{name: "telegram"}
	ch.failN.Store(2)
	events := eventbus.New()
	sub, unsub := events.Subscribe(8, eventbus.TypeNotifierSent)
	defer unsub()

	s := New(fastRetry(), logx.Nop(), events, ch)
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })

	require.NoError(t, s.Deliver(context.Background(), alert.Alert{Publisher: "p", Key: "k", Title: "t"}))
	ev := <-sub
	d := ev.Data.(eventbus.Delivery)
	assert.Equal(t, 3, d.Attempts)
	assert.Equal(t, "k", d.Key)
}

func TestFailureAfterRetries(t *testing.T) {
	t.Parallel()
	ch := &fakeChannel{name: "telegram", always: errors.New("chat not found")}
	events := eventbus.New()
	sub, unsub := events.Subscribe(8, eventbus.TypeNotifierFailed)
	defer unsub()

	s := New(fastRetry(), logx.Nop(), events, ch)
	s.Start(context.Background())
	t.Cleanup(func() { s.Stop(context.Background()) })

	err := s.Deliver(context.Background(), alert.Alert{Key: "k"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")

	d := (<-sub).Data.(eventbus.Delivery)
	assert.Equal(t, 3, d.Attempts)
	h := s.History()
	require.Len(t, h, 1)
	assert.NotEmpty(t, h[0].Err)
}

func TestDeliverHonorsContext(t *testing.T) {
	t.Parallel()
	ch := &fakeChannel{name: "slow", block: make(chan struct{})}
	s := New(fastRetry(), logx.Nop(), nil, ch)
	s.Start(context.Background())
	t.Cleanup(func() {
		close(ch.block)
		s.Stop(context.Background())
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := s.Deliver(ctx, alert.Alert{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueFullDrops(t *testing.T) {
	t.Parallel()
	ch := &fakeChannel{name: "slow", block: make(chan struct{})}
	cfg := fastRetry()
	cfg.Workers = 1
	cfg.QueueSize = 1
	events := eventbus.New()
	sub, unsub := events.Subscribe(8, eventbus.TypeNotifierDropped)
	defer unsub()
	s := New(cfg, logx.Nop(), events, ch)
	s.Start(context.Background())
	t.Cleanup(func() {
		close(ch.block)
		s.Stop(context.Background())
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Occupy the worker, then the single queue slot.
	go func() { _ = s.Deliver(ctx, alert.Alert{Title: "1"}) }()
	require.Eventually(t, func() bool { return len(s.queue) == 0 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	go func() { _ = s.Deliver(ctx, alert.Alert{Title: "2"}) }()
	require.Eventually(t, func() bool { return len(s.queue) == 1 }, time.Second, time.Millisecond)

	err := s.Deliver(ctx, alert.Alert{Title: "3"})
	assert.ErrorIs(t, err, ErrQueueFull)
	select {
	case <-sub:
	case <-time.After(time.Second):
		t.Fatal("no dropped event")
	}
}

func TestStoppedAndEmpty(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil, &fakeChannel{name: "x"})
	assert.ErrorIs(t, s.Deliver(context.Background(), alert.Alert{}), ErrStopped)

	s.Start(context.Background())
	s.Stop(context.Background())
	assert.ErrorIs(t, s.Deliver(context.Background(), alert.Alert{}), ErrStopped)

	none := New(Config{}, logx.Nop(), nil)
	assert.ErrorIs(t, none.Deliver(context.Background(), alert.Alert{}), ErrNoChannels)
}

func TestRetryDelayBounds(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		d := retryDelay(cfg, attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Second)
	}
	first := retryDelay(cfg, 1)
	assert.GreaterOrEqual(t, first, 70*time.Millisecond)
	assert.LessOrEqual(t, first, 130*time.Millisecond)
}
