// Package metrics turns event bus traffic into Prometheus series.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pollwatch/internal/eventbus"
)

const namespace = "pollwatch"

var engineStates = []string{"awaiting_window", "polling", "window_closed", "stopped"}

type Metrics struct {
	registry *prometheus.Registry

	ticks         *prometheus.CounterVec
	fetchLatency  *prometheus.HistogramVec
	alerts        *prometheus.CounterVec
	seen          *prometheus.GaugeVec
	engineState   *prometheus.GaugeVec
	suspensions   *prometheus.CounterVec
	resets        *prometheus.CounterVec
	notifications *prometheus.CounterVec
	sessions      *prometheus.CounterVec
}

// New registers every collector on a private registry. busDropped, when
// non-nil, is exported as a gauge of events lost to slow subscribers.
func New(busDropped func() uint64) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Polling ticks by publisher and outcome.",
		}, []string{"publisher", "outcome"}),
		fetchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_latency_seconds",
			Help:      "Fetch latency per tick.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 1.5, 2, 5, 10},
		}, []string{"publisher"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "New items handed to the notifier.",
		}, []string{"publisher", "signal"}),
		seen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "seen_keys",
			Help:      "Keys in the dedup store.",
		}, []string{"publisher"}),
		engineState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "engine_state",
			Help:      "1 for the engine's current state, 0 otherwise.",
		}, []string{"publisher", "state"}),
		suspensions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_suspensions_total",
			Help:      "Credentials taken out of rotation.",
		}, []string{"publisher", "kind", "reason"}),
		resets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_resets_total",
			Help:      "Suspensions cleared at a window open.",
		}, []string{"publisher"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification outcomes by channel.",
		}, []string{"channel", "result"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Login session state transitions.",
		}, []string{"to"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ticks, m.fetchLatency, m.alerts, m.seen, m.engineState,
		m.suspensions, m.resets, m.notifications, m.sessions,
	)
	if busDropped != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "eventbus_dropped",
			Help:      "Events dropped because a subscriber was full.",
		}, func() float64 { return float64(busDropped()) }))
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Run consumes bus events until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsubscribe := bus.Subscribe(1024)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}

// Observe applies one event.
func (m *Metrics) Observe(e eventbus.Event) {
	switch d := e.Data.(type) {
	case eventbus.Tick:
		m.ticks.WithLabelValues(d.Publisher, d.Outcome).Inc()
		if d.Latency > 0 {
			m.fetchLatency.WithLabelValues(d.Publisher).Observe(d.Latency.Seconds())
		}
		m.seen.WithLabelValues(d.Publisher).Set(float64(d.Seen))
	case eventbus.StateChange:
		for _, s := range engineStates {
			v := 0.0
			if s == d.State {
				v = 1
			}
			m.engineState.WithLabelValues(d.Publisher, s).Set(v)
		}
	case eventbus.NewAlert:
		signal := d.Signal
		if signal == "" {
			signal = "none"
		}
		m.alerts.WithLabelValues(d.Publisher, signal).Inc()
	case eventbus.Suspension:
		m.suspensions.WithLabelValues(d.Publisher, d.Kind, d.Reason).Inc()
	case eventbus.Reset:
		m.resets.WithLabelValues(d.Publisher).Add(float64(d.Cleared))
	case eventbus.Delivery:
		result := "sent"
		switch e.Type {
		case eventbus.TypeNotifierFailed:
			result = "failed"
		case eventbus.TypeNotifierDropped:
			result = "dropped"
		}
		m.notifications.WithLabelValues(d.Channel, result).Inc()
	case eventbus.SessionState:
		m.sessions.WithLabelValues(d.To).Inc()
	}
}
