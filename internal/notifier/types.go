package notifier

import (
	"context"
	"time"

	"pollwatch/internal/alert"
)

// Channel is one delivery target.
type Channel interface {
	Name() string
	Send(ctx context.Context, a alert.Alert) error
}

// Filter is implemented by channels that only want some alerts.
type Filter interface {
	Accepts(a alert.Alert) bool
}

// Config controls the delivery pipeline.
type Config struct {
	Workers       int
	QueueSize     int
	RatePerSec    float64
	Burst         int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
	HistorySize   int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 20
	}
	if c.Burst <= 0 {
		c.Burst = int(c.RatePerSec)
		if c.Burst < 1 {
			c.Burst = 1
		}
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 5 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 300
	}
	return c
}

// HistoryItem records one finished delivery.
type HistoryItem struct {
	At        time.Time
	Publisher string
	Channel   string
	Key       string
	Title     string
	Attempts  int
	Err       string
}
