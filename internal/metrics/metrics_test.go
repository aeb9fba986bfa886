package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pollwatch/internal/eventbus"
)

func TestObserveEvents(t *testing.T) {
	t.Parallel()
	m := New(nil)

	m.Observe(eventbus.Event{Type: eventbus.TypeEngineTick, Data: eventbus.Tick{Publisher: "bear", Outcome: "ok", Latency: 300 * time.Millisecond, Seen: 12}})
	m.Observe(eventbus.Event{Type: eventbus.TypeEngineTick, Data: eventbus.Tick{Publisher: "bear", Outcome: "ok", Seen: 13}})
	m.Observe(eventbus.Event{Type: eventbus.TypeAlertNew, Data: eventbus.NewAlert{Publisher: "bear", Signal: "sell"}})
	m.Observe(eventbus.Event{Type: eventbus.TypeCredentialSuspend, Data: eventbus.Suspension{Publisher: "bear", Kind: "proxy", Reason: "rate_limited"}})
	m.Observe(eventbus.Event{Type: eventbus.TypeNotifierFailed, Data: eventbus.Delivery{Channel: "telegram"}})
	m.Observe(eventbus.Event{Type: eventbus.TypeNotifierSent, Data: eventbus.Delivery{Channel: "telegram"}})
	m.Observe(eventbus.Event{Type: eventbus.TypeEngineState, Data: eventbus.StateChange{Publisher: "bear", State: "polling"}})
	m.Observe(eventbus.Event{Type: eventbus.TypeCredentialReset, Data: eventbus.Reset{Publisher: "bear", Cleared: 3}})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ticks.WithLabelValues("bear", "ok")))
	assert.Equal(t, 13.0, testutil.ToFloat64(m.seen.WithLabelValues("bear")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.alerts.WithLabelValues("bear", "sell")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.suspensions.WithLabelValues("bear", "proxy", "rate_limited")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.notifications.WithLabelValues("telegram", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.notifications.WithLabelValues("telegram", "sent")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.engineState.WithLabelValues("bear", "polling")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.engineState.WithLabelValues("bear", "awaiting_window")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.resets.WithLabelValues("bear")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.fetchLatency))
}

func TestRunAndHandler(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	m := New(bus.Dropped)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, bus) }()

	require.Eventually(t, func() bool {
		bus.Publish(eventbus.Event{Type: eventbus.TypeAlertNew, Data: eventbus.NewAlert{Publisher: "p"}})
		return testutil.ToFloat64(m.alerts.WithLabelValues("p", "none")) > 0
	}, 2*time.Second, 10*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `pollwatch_alerts_total{publisher="p",signal="none"}`)
	assert.Contains(t, string(body), "pollwatch_eventbus_dropped")

	cancel()
	assert.NoError(t, <-done)
}
