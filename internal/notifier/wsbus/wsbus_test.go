package wsbus

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pollwatch/internal/alert"
	logx "pollwatch/pkg/logx"
)

type busServer struct {
	msgs      chan alert.BusMessage
	conns     atomic.Int32
	closeNext atomic.Bool
}

func (b *busServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	b.conns.Add(1)
	for {
		var m alert.BusMessage
		if err := conn.ReadJSON(&m); err != nil {
			return
		}
		b.msgs <- m
		if b.closeNext.CompareAndSwap(true, false) {
			return
		}
	}
}

func start(t *testing.T) (*busServer, string) {
	t.Helper()
	b := &busServer{msgs: make(chan alert.BusMessage, 16)}
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)
	return b, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func recv(t *testing.T, b *busServer) alert.BusMessage {
	t.Helper()
	select {
	case m := <-b.msgs:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no bus message")
		return alert.BusMessage{}
	}
}

func TestSendBusMessage(t *testing.T) {
	t.Parallel()
	srv, url := start(t)
	c, err := New(Config{URL: url}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	a := alert.Alert{Publisher: "The Bear Cave", Ticker: "ACME", Signal: alert.SignalSell}
	require.True(t, c.Accepts(a))
	require.NoError(t, c.Send(context.Background(), a))

	m := recv(t, srv)
	assert.Equal(t, alert.BusMessage{Name: "The Bear Cave", Type: alert.SignalSell, Ticker: "ACME", Sender: "the_bear_cave"}, m)
	assert.True(t, c.Connected())
}

func TestSkipsAlertsWithoutTicker(t *testing.T) {
	t.Parallel()
	c, err := New(Config{URL: "ws://127.0.0.1:1"}, logx.Nop())
	require.NoError(t, err)
	assert.False(t, c.Accepts(alert.Alert{Title: "weekly wrap"}))
}

func TestReconnectsAfterPeerClose(t *testing.T) {
	t.Parallel()
	srv, url := start(t)
	c, err := New(Config{URL: url}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	srv.closeNext.Store(true)
	require.NoError(t, c.Send(context.Background(), alert.Alert{Publisher: "p", Ticker: "AAA"}))
	recv(t, srv)
	assert.Eventually(t, func() bool { return !c.Connected() }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Send(context.Background(), alert.Alert{Publisher: "p", Ticker: "BBB"}))
	assert.Equal(t, "BBB", recv(t, srv).Ticker)
	assert.Equal(t, int32(2), srv.conns.Load())
}

func TestDialFailure(t *testing.T) {
	t.Parallel()
	c, err := New(Config{URL: "ws://127.0.0.1:1/none", HandshakeTimeout: 200 * time.Millisecond}, logx.Nop())
	require.NoError(t, err)
	err = c.Send(context.Background(), alert.Alert{Ticker: "X"})
	assert.Error(t, err)
	assert.False(t, c.Connected())
}

func TestRunKeepsAliveUntilCancelled(t *testing.T) {
	t.Parallel()
	srv, url := start(t)
	c, err := New(Config{URL: url, PingInterval: 20 * time.Millisecond}, logx.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	assert.Eventually(t, c.Connected, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), srv.conns.Load())
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.False(t, c.Connected())
}

func TestNewRequiresURL(t *testing.T) {
	t.Parallel()
	_, err := New(Config{}, logx.Nop())
	assert.Error(t, err)
}
