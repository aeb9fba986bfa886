package clock

import (
	"context"
	"sync"
	"time"

	"github.com/beevik/ntp"

	logx "pollwatch/pkg/logx"
)

// NTP is a wall clock corrected by a periodically refreshed NTP offset.
// Until the first successful query the offset is zero.
type NTP struct {
	server   string
	interval time.Duration
	log      logx.Logger
	query    func(server string) (time.Duration, error)

	mu        sync.RWMutex
	offset    time.Duration
	lastSync  time.Time
	lastError error
}

func NewNTP(server string, interval time.Duration, log logx.Logger) *NTP {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &NTP{
		server:   server,
		interval: interval,
		log:      log,
		query: func(server string) (time.Duration, error) {
			resp, err := ntp.Query(server)
			if err != nil {
				return 0, err
			}
			if err := resp.Validate(); err != nil {
				return 0, err
			}
			return resp.ClockOffset, nil
		},
	}
}

func (c *NTP) Now() time.Time {
	c.mu.RLock()
	off := c.offset
	c.mu.RUnlock()
	return time.Now().Add(off)
}

func (c *NTP) Sleep(ctx context.Context, d time.Duration) error { return sleepCtx(ctx, d) }

// Sync queries the server once and stores the offset on success.
func (c *NTP) Sync() error {
	off, err := c.query(c.server)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.lastError = err
		return err
	}
	c.offset = off
	c.lastSync = time.Now()
	c.lastError = nil
	return nil
}

// Health reports the current offset and the last sync result.
func (c *NTP) Health() (offset time.Duration, lastSync time.Time, lastError error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset, c.lastSync, c.lastError
}

// Run refreshes the offset every interval until ctx is done. Failures back
// off exponentially up to the interval.
func (c *NTP) Run(ctx context.Context) error {
	backoff := 5 * time.Second
	for {
		wait := c.interval
		if err := c.Sync(); err != nil {
			c.log.Warn("ntp sync failed", logx.String("server", c.server), logx.Err(err))
			wait = backoff
			backoff *= 2
			if backoff > c.interval {
				backoff = c.interval
			}
		} else {
			backoff = 5 * time.Second
			off, _, _ := c.Health()
			c.log.Debug("ntp synced", logx.String("server", c.server), logx.Duration("offset", off))
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return nil
		}
	}
}
