package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"pollwatch/internal/alert"
	"pollwatch/internal/eventbus"
	"pollwatch/internal/runtime/supervisor"
	logx "pollwatch/pkg/logx"
)

var (
	ErrQueueFull  = errors.New("notifier queue full")
	ErrStopped    = errors.New("notifier stopped")
	ErrNoChannels = errors.New("notifier has no channels")
)

type job struct {
	ctx  context.Context
	a    alert.Alert
	ch   Channel
	done chan<- error
}

// Service is the engine's alert sink. It is safe for concurrent use.
type Service struct {
	cfg      Config
	log      logx.Logger
	bus      eventbus.Bus
	channels []Channel
	limiters map[string]*rate.Limiter

	mu        sync.Mutex
	accepting bool
	queue     chan job
	sup       *supervisor.Supervisor
	enqueueWG sync.WaitGroup

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, channels ...Channel) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	s := &Service{
		cfg:      cfg,
		log:      log.With(logx.String("comp", "notifier")),
		bus:      bus,
		limiters: map[string]*rate.Limiter{},
	}
	for _, c := range channels {
		if c == nil {
			continue
		}
		s.channels = append(s.channels, c)
		s.limiters[c.Name()] = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
	}
	return s
}

// Channels lists the configured channel names.
func (s *Service) Channels() []string {
	out := make([]string, len(s.channels))
	for i, c := range s.channels {
		out[i] = c.Name()
	}
	return out
}

// Start launches the worker pool. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil {
		return
	}
	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	s.sup = supervisor.New(ctx, supervisor.WithLogger(s.log))
	q := s.queue
	for i := 0; i < s.cfg.Workers; i++ {
		s.sup.GoRestart(fmt.Sprintf("notifier.worker.%d", i), func(c context.Context) error {
			s.work(c, q)
			return nil
		})
	}
}

// Stop refuses new alerts, lets workers drain the queue and waits for them
// until ctx is done, then cancels whatever is still sending.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil || !s.accepting {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.mu.Unlock()

	s.enqueueWG.Wait()
	close(q)
	if err := sup.Wait(ctx); err != nil && errors.Is(err, ctx.Err()) {
		s.log.Warn("notifier drain timed out", logx.Int("pending", len(q)))
		sup.Cancel()
	}
	s.mu.Lock()
	s.queue, s.sup = nil, nil
	s.mu.Unlock()
}

// Deliver sends a to every channel that accepts it and waits for the
// outcome. Channel failures are joined into the returned error.
func (s *Service) Deliver(ctx context.Context, a alert.Alert) error {
	targets := make([]Channel, 0, len(s.channels))
	for _, c := range s.channels {
		if f, ok := c.(Filter); ok && !f.Accepts(a) {
			continue
		}
		targets = append(targets, c)
	}
	if len(targets) == 0 {
		if len(s.channels) == 0 {
			return ErrNoChannels
		}
		return nil
	}

	s.mu.Lock()
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.enqueueWG.Add(1)
	s.mu.Unlock()

	done := make(chan error, len(targets))
	queued := 0
	var errs []error
	for _, c := range targets {
		select {
		case q <- job{ctx: ctx, a: a, ch: c, done: done}:
			queued++
		default:
			s.publish(eventbus.TypeNotifierDropped, a, c.Name(), 0, ErrQueueFull)
			errs = append(errs, fmt.Errorf("%s: %w", c.Name(), ErrQueueFull))
		}
	}
	s.enqueueWG.Done()

	for i := 0; i < queued; i++ {
		select {
		case err := <-done:
			if err != nil {
				errs = append(errs, err)
			}
		case <-ctx.Done():
			return errors.Join(append(errs, ctx.Err())...)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) work(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			j.done <- s.send(ctx, j)
		}
	}
}

func (s *Service) send(runCtx context.Context, j job) error {
	name := j.ch.Name()
	lim := s.limiters[name]
	maxAttempts := 1 + s.cfg.RetryMax

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := firstErr(runCtx, j.ctx); err != nil {
			lastErr = errors.Join(lastErr, err)
			break
		}
		if err := lim.Wait(j.ctx); err != nil {
			lastErr = errors.Join(lastErr, err)
			break
		}
		attempts = attempt
		callCtx, cancel := context.WithTimeout(j.ctx, s.cfg.SendTimeout)
		err := safeSend(callCtx, j.ch, j.a)
		cancel()
		if err == nil {
			s.record(j.a, name, attempts, nil)
			s.publish(eventbus.TypeNotifierSent, j.a, name, attempts, nil)
			return nil
		}
		lastErr = err
		s.log.Debug("send failed", logx.String("channel", name), logx.String("key", j.a.Key), logx.Int("attempt", attempt), logx.Err(err))
		if attempt == maxAttempts {
			break
		}
		t := time.NewTimer(retryDelay(s.cfg, attempt))
		select {
		case <-t.C:
		case <-j.ctx.Done():
			t.Stop()
		case <-runCtx.Done():
			t.Stop()
		}
	}

	err := fmt.Errorf("%s: %w", name, lastErr)
	s.record(j.a, name, attempts, err)
	s.publish(eventbus.TypeNotifierFailed, j.a, name, attempts, err)
	s.log.Warn("alert delivery failed", logx.String("channel", name), logx.String("publisher", j.a.Publisher),
		logx.String("key", j.a.Key), logx.Int("attempts", attempts), logx.Err(lastErr))
	return err
}

func safeSend(ctx context.Context, ch Channel, a alert.Alert) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("channel panic: %v", r)
		}
	}()
	return ch.Send(ctx, a)
}

func firstErr(ctxs ...context.Context) error {
	for _, c := range ctxs {
		if err := c.Err(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) publish(typ string, a alert.Alert, channel string, attempts int, err error) {
	d := eventbus.Delivery{Publisher: a.Publisher, Channel: channel, Key: a.Key, Attempts: attempts}
	if err != nil {
		d.Err = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: d})
}

func (s *Service) record(a alert.Alert, channel string, attempts int, err error) {
	it := HistoryItem{At: time.Now(), Publisher: a.Publisher, Channel: channel, Key: a.Key, Title: a.Title, Attempts: attempts}
	if err != nil {
		it.Err = err.Error()
	}
	s.hmu.Lock()
	s.history = append(s.history, it)
	if n := len(s.history) - s.cfg.HistorySize; n > 0 {
		s.history = append(s.history[:0], s.history[n:]...)
	}
	s.hmu.Unlock()
}

// History returns recent deliveries, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

// retryDelay is the wait before attempt+1: base doubling per attempt, capped,
// with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}
