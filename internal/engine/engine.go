// Package engine runs one publisher's market-hours polling loop.
//
// An Engine waits for the next schedule window, then ticks until the window
// closes: acquire credentials, fetch, extract, dedup, notify, persist, sleep.
// Every failure below a configuration error is absorbed at the tick.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pollwatch/internal/clock"
	"pollwatch/internal/credential"
	"pollwatch/internal/dedup"
	"pollwatch/internal/eventbus"
	"pollwatch/internal/schedule"
	"pollwatch/internal/session"
	logx "pollwatch/pkg/logx"
)

// ErrCredentialExhausted is reported when a tick finds no eligible credential.
var ErrCredentialExhausted = errors.New("credentials exhausted")

type Config struct {
	Publisher string
	Schedule  schedule.Oracle

	PollInterval        time.Duration
	Cooldown            time.Duration
	TransientBackoff    time.Duration
	FetchTimeout        time.Duration
	SlowFetch           time.Duration
	DispatchTimeout     time.Duration
	PersistTimeout      time.Duration
	RateLimitSuspend    time.Duration
	UnauthorizedSuspend time.Duration

	RequireAccount bool
	RequireProxy   bool
	// Parallel is the number of concurrent fetch attempts per tick, each with
	// its own credentials.
	Parallel int
	// NotifyBacklog disables seeding: with an empty store the first fetch
	// notifies every item.
	NotifyBacklog bool
	// KeepSuspensionsOnOpen leaves suspensions in place when a window opens.
	KeepSuspensionsOnOpen bool
	// SuspensionsFile persists credential suspensions across restarts.
	SuspensionsFile string
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 60 * time.Second
	}
	if c.TransientBackoff <= 0 {
		c.TransientBackoff = 5 * time.Second
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 10 * time.Second
	}
	if c.SlowFetch <= 0 {
		c.SlowFetch = 1500 * time.Millisecond
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = 15 * time.Second
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = 10 * time.Second
	}
	if c.RateLimitSuspend <= 0 {
		c.RateLimitSuspend = 15 * time.Minute
	}
	if c.UnauthorizedSuspend <= 0 {
		c.UnauthorizedSuspend = 30 * time.Minute
	}
	if c.Parallel <= 0 {
		c.Parallel = 1
	}
	return c
}

// Deps are the collaborators an Engine drives. Store, Fetcher, Extractor and
// Sink are required.
type Deps struct {
	Store     *dedup.Store
	Accounts  *credential.Pool
	Proxies   *credential.Pool
	Sessions  *session.Manager
	Fetcher   Fetcher
	Extractor Extractor
	Sink      Sink
	Clock     clock.Clock
	Bus       eventbus.Bus
	Log       logx.Logger
}

// Status is a point-in-time summary for heartbeats and CLI output.
type Status struct {
	Publisher   string
	State       State
	Window      schedule.Window
	Seen        int
	Ticks       uint64
	Notified    uint64
	LastOutcome string
	LastTick    time.Time
}

type Engine struct {
	cfg       Config
	store     *dedup.Store
	accounts  *credential.Pool
	proxies   *credential.Pool
	sessions  *session.Manager
	fetcher   Fetcher
	extractor Extractor
	sink      Sink
	clk       clock.Clock
	bus       eventbus.Bus
	log       logx.Logger

	state    atomic.Int32
	ticks    atomic.Uint64
	notified atomic.Uint64

	mu          sync.Mutex
	window      schedule.Window
	lastOutcome string
	lastTick    time.Time
}

func New(cfg Config, deps Deps) (*Engine, error) {
	cfg = cfg.withDefaults()
	if cfg.Publisher == "" {
		return nil, errors.New("engine: publisher name is required")
	}
	if deps.Store == nil || deps.Fetcher == nil || deps.Extractor == nil || deps.Sink == nil {
		return nil, fmt.Errorf("engine %s: store, fetcher, extractor and sink are required", cfg.Publisher)
	}
	if err := cfg.Schedule.Validate(); err != nil {
		return nil, fmt.Errorf("engine %s: %w", cfg.Publisher, err)
	}
	if cfg.RequireAccount && (deps.Accounts == nil || deps.Accounts.Len() == 0) {
		return nil, fmt.Errorf("engine %s: accounts required: %w", cfg.Publisher, ErrCredentialExhausted)
	}
	if cfg.RequireProxy && (deps.Proxies == nil || deps.Proxies.Len() == 0) {
		return nil, fmt.Errorf("engine %s: proxies required: %w", cfg.Publisher, ErrCredentialExhausted)
	}
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop{}
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	return &Engine{
		cfg:       cfg,
		store:     deps.Store,
		accounts:  deps.Accounts,
		proxies:   deps.Proxies,
		sessions:  deps.Sessions,
		fetcher:   deps.Fetcher,
		extractor: deps.Extractor,
		sink:      deps.Sink,
		clk:       deps.Clock,
		bus:       deps.Bus,
		log:       deps.Log.With(logx.String("publisher", cfg.Publisher)),
	}, nil
}

func (e *Engine) Publisher() string { return e.cfg.Publisher }

func (e *Engine) State() State { return State(e.state.Load()) }

// Load restores the dedup store and any saved credential suspensions.
func (e *Engine) Load(ctx context.Context) error {
	if err := e.store.Load(ctx); err != nil {
		return err
	}
	if e.cfg.SuspensionsFile == "" {
		return nil
	}
	saved, err := credential.LoadSuspensions(e.cfg.SuspensionsFile)
	if err != nil {
		e.log.Warn("ignoring unreadable suspensions file", logx.String("path", e.cfg.SuspensionsFile), logx.Err(err))
		return nil
	}
	n := 0
	if e.accounts != nil {
		n += e.accounts.Restore(saved)
	}
	if e.proxies != nil {
		n += e.proxies.Restore(saved)
	}
	if n > 0 {
		e.log.Info("restored credential suspensions", logx.Int("count", n))
	}
	return nil
}

// Run loops over schedule windows until ctx is cancelled, then persists
// state and returns nil.
func (e *Engine) Run(ctx context.Context) error {
	defer e.shutdown()

	for {
		now := e.clk.Now()
		w := e.cfg.Schedule.Next(now)
		e.setState(StateAwaitingWindow, w)

		if now.Before(w.PreOpen) {
			e.log.Info("waiting for pre-open",
				logx.Time("pre_open", w.PreOpen), logx.Time("open", w.Open), logx.Time("close", w.Close))
			if err := e.clk.Sleep(ctx, w.PreOpen.Sub(now)); err != nil {
				return nil
			}
		}
		e.preOpen()
		waited := false
		if now = e.clk.Now(); now.Before(w.Open) {
			waited = true
			if err := e.clk.Sleep(ctx, w.Open.Sub(now)); err != nil {
				return nil
			}
		}

		e.openWindow(w, waited)
		for !e.clk.Now().After(w.Close) {
			rep := e.Tick(ctx)
			if err := e.clk.Sleep(ctx, rep.Delay); err != nil {
				return nil
			}
		}

		e.setState(StateWindowClosed, w)
		e.log.Info("window closed", logx.Int("seen", e.store.Len()), logx.Uint64("notified", e.notified.Load()))
		e.persistAll(ctx)
	}
}

func (e *Engine) preOpen() {
	if e.sessions == nil || e.accounts == nil {
		return
	}
	if n := e.sessions.Warm(e.accounts.Resources()); n > 0 {
		e.log.Info("pre-open logins started", logx.Int("accounts", n))
	}
}

// openWindow clears suspensions when the engine actually saw the open, so a
// mid-window restart keeps suspensions restored from disk.
func (e *Engine) openWindow(w schedule.Window, sawOpen bool) {
	if sawOpen && !e.cfg.KeepSuspensionsOnOpen {
		cleared := 0
		if e.accounts != nil {
			cleared += e.accounts.Reset()
		}
		if e.proxies != nil {
			cleared += e.proxies.Reset()
		}
		if cleared > 0 {
			e.log.Info("cleared credential suspensions at open", logx.Int("count", cleared))
			e.bus.Publish(eventbus.Event{Type: eventbus.TypeCredentialReset, Data: eventbus.Reset{Publisher: e.cfg.Publisher, Cleared: cleared}})
		}
	}
	e.setState(StatePolling, w)
	e.log.Info("window open", logx.Time("close", w.Close), logx.Int("seen", e.store.Len()))
}

func (e *Engine) setState(s State, w schedule.Window) {
	prev := State(e.state.Swap(int32(s)))
	e.mu.Lock()
	e.window = w
	e.mu.Unlock()
	if prev != s {
		e.bus.Publish(eventbus.Event{Type: eventbus.TypeEngineState, Data: eventbus.StateChange{
			Publisher: e.cfg.Publisher, State: s.String(), Open: w.Open, Close: w.Close,
		}})
	}
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Publisher:   e.cfg.Publisher,
		State:       e.State(),
		Window:      e.window,
		Seen:        e.store.Len(),
		Ticks:       e.ticks.Load(),
		Notified:    e.notified.Load(),
		LastOutcome: e.lastOutcome,
		LastTick:    e.lastTick,
	}
}

// persistAll writes dedup and suspension state under a context that
// survives ctx cancellation but not PersistTimeout.
func (e *Engine) persistAll(ctx context.Context) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.PersistTimeout)
	defer cancel()
	if err := e.store.Persist(pctx); err != nil {
		e.log.Error("persist seen keys failed", logx.Err(err))
	}
	e.saveSuspensions()
}

func (e *Engine) saveSuspensions() {
	if e.cfg.SuspensionsFile == "" {
		return
	}
	all := map[string]time.Time{}
	for _, p := range []*credential.Pool{e.accounts, e.proxies} {
		if p == nil {
			continue
		}
		for id, until := range p.Suspensions() {
			all[id] = until
		}
	}
	if err := credential.SaveSuspensions(e.cfg.SuspensionsFile, all); err != nil {
		e.log.Warn("save suspensions failed", logx.String("path", e.cfg.SuspensionsFile), logx.Err(err))
	}
}

func (e *Engine) shutdown() {
	e.persistAll(context.Background())
	e.state.Store(int32(StateStopped))
	e.log.Info("engine stopped", logx.Int("seen", e.store.Len()))
}
