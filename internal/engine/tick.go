package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"pollwatch/internal/alert"
	"pollwatch/internal/credential"
	"pollwatch/internal/eventbus"
	"pollwatch/internal/session"
	logx "pollwatch/pkg/logx"
)

// dispatchLimit bounds concurrent sink deliveries within one tick.
const dispatchLimit = 8

// TickReport describes one tick. Delay is how long the loop should sleep
// before the next one.
type TickReport struct {
	ID           string
	Outcome      Outcome
	NoCredential bool
	LoginPending bool
	Seeded       bool
	Fetched      int
	New          int
	Notified     int
	Failed       int
	Latency      time.Duration
	Delay        time.Duration
}

// Tick runs cfg.Parallel fetch attempts and folds them into one report.
func (e *Engine) Tick(ctx context.Context) TickReport {
	id := uuid.NewString()
	log := e.log.With(logx.String("tick", id[:8]))

	// Every slot of the seeding tick seeds; none of them dispatch.
	seeding := !e.cfg.NotifyBacklog && e.store.NeedsSeed()

	reports := make([]TickReport, e.cfg.Parallel)
	if e.cfg.Parallel == 1 {
		reports[0] = e.attempt(ctx, log, seeding)
	} else {
		var g errgroup.Group
		for i := range reports {
			i := i
			g.Go(func() error {
				reports[i] = e.attempt(ctx, log.With(logx.Int("slot", i)), seeding)
				return nil
			})
		}
		_ = g.Wait()
	}

	rep := merge(reports)
	rep.ID = id
	if seeding && rep.Seeded {
		e.store.MarkSeeded()
		log.Info("seeded empty store from first fetch", logx.Int("keys", e.store.Len()))
	}
	rep.Delay = e.delayFor(rep)

	if e.store.Dirty() {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.PersistTimeout)
		if err := e.store.Persist(pctx); err != nil {
			log.Warn("persist failed; retrying next cycle", logx.Err(err))
		}
		cancel()
	}

	e.ticks.Add(1)
	e.mu.Lock()
	e.lastOutcome = rep.label()
	e.lastTick = e.clk.Now()
	e.mu.Unlock()

	e.bus.Publish(eventbus.Event{Type: eventbus.TypeEngineTick, Data: eventbus.Tick{
		Publisher: e.cfg.Publisher,
		Outcome:   rep.label(),
		Fetched:   rep.Fetched,
		New:       rep.New,
		Notified:  rep.Notified,
		Failed:    rep.Failed,
		Latency:   rep.Latency,
		Seen:      e.store.Len(),
	}})
	return rep
}

func (r TickReport) label() string {
	switch {
	case r.NoCredential:
		return "no_credential"
	case r.LoginPending:
		return "login_pending"
	case r.Seeded:
		return "seeded"
	default:
		return r.Outcome.String()
	}
}

// merge keeps the most useful outcome across parallel attempts: any success
// wins, and the tick only counts as credential-starved when every attempt was.
func merge(reports []TickReport) TickReport {
	if len(reports) == 1 {
		return reports[0]
	}
	out := TickReport{Outcome: OutcomeEmpty, NoCredential: true, LoginPending: true}
	success, transient, limited := false, false, false
	for _, r := range reports {
		out.Fetched += r.Fetched
		out.New += r.New
		out.Notified += r.Notified
		out.Failed += r.Failed
		out.Seeded = out.Seeded || r.Seeded
		if r.Latency > out.Latency {
			out.Latency = r.Latency
		}
		out.NoCredential = out.NoCredential && r.NoCredential
		out.LoginPending = out.LoginPending && r.LoginPending
		if r.NoCredential || r.LoginPending {
			continue
		}
		switch r.Outcome {
		case OutcomeSuccess:
			success = true
		case OutcomeTransient:
			transient = true
		case OutcomeRateLimited, OutcomeUnauthorized:
			limited = true
			out.Outcome = r.Outcome
		}
	}
	switch {
	case success:
		out.Outcome = OutcomeSuccess
	case transient && !limited:
		out.Outcome = OutcomeTransient
	}
	if out.NoCredential {
		out.LoginPending = false
	}
	return out
}

func (e *Engine) delayFor(r TickReport) time.Duration {
	switch {
	case r.NoCredential:
		return e.cfg.Cooldown
	case r.LoginPending:
		return e.cfg.PollInterval
	case r.Outcome == OutcomeTransient:
		return e.cfg.TransientBackoff
	default:
		return e.cfg.PollInterval
	}
}

// attempt is one acquire-fetch-process cycle. A panic anywhere inside is
// reported as a transient failure.
func (e *Engine) attempt(ctx context.Context, log logx.Logger, seeding bool) (rep TickReport) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("tick panic recovered", logx.Any("panic", r), logx.Stack(logx.StackTrace(3, 24)))
			rep = TickReport{Outcome: OutcomeTransient}
		}
	}()

	creds, release, err := e.acquire()
	if err != nil {
		log.Warn("no credential available; cooling down", logx.Duration("cooldown", e.cfg.Cooldown), logx.Err(err))
		return TickReport{NoCredential: true}
	}
	defer release()

	if e.sessions != nil && creds.Account != nil {
		tok, err := e.sessions.Token(*creds.Account)
		if errors.Is(err, session.ErrLoginPending) {
			log.Debug("session not ready", logx.String("account", creds.Account.Identity))
			return TickReport{LoginPending: true}
		}
		creds.Token = tok
	}

	res, latency := e.fetch(ctx, creds)
	rep = TickReport{Outcome: res.Outcome, Latency: latency}
	if latency > e.cfg.SlowFetch {
		log.Warn("slow fetch", logx.Duration("latency", latency), logx.Duration("threshold", e.cfg.SlowFetch))
	}

	switch res.Outcome {
	case OutcomeRateLimited:
		e.suspend(log, creds, true, res)
	case OutcomeUnauthorized:
		e.suspend(log, creds, false, res)
	case OutcomeTransient:
		log.Warn("transient fetch failure", logx.Int("status", res.StatusCode), logx.Err(res.Err))
	case OutcomeEmpty:
		log.Debug("no items", logx.Duration("latency", latency))
	case OutcomeSuccess:
		if len(res.Items) == 0 {
			rep.Outcome = OutcomeEmpty
			log.Debug("no items", logx.Duration("latency", latency))
			break
		}
		e.process(ctx, log, res.Items, latency, seeding, &rep)
	}
	return rep
}

func (e *Engine) acquire() (credential.Set, func(), error) {
	var set credential.Set
	var held []func()
	release := func() {
		for _, f := range held {
			f()
		}
	}
	if e.accounts != nil && e.accounts.Len() > 0 {
		r, err := e.accounts.Acquire()
		if err != nil {
			return set, release, fmt.Errorf("%w: accounts: %v", ErrCredentialExhausted, err)
		}
		set.Account = &r
		held = append(held, func() { e.accounts.Release(r.Identity) })
	}
	if e.proxies != nil && e.proxies.Len() > 0 {
		r, err := e.proxies.Acquire()
		if err != nil {
			release()
			return credential.Set{}, func() {}, fmt.Errorf("%w: proxies: %v", ErrCredentialExhausted, err)
		}
		set.Proxy = &r
		held = append(held, func() { e.proxies.Release(r.Identity) })
	}
	return set, release, nil
}

// fetch bounds the Fetcher with FetchTimeout; a deadline or a fetcher that
// ignores its context both degrade to OutcomeTransient.
func (e *Engine) fetch(ctx context.Context, creds credential.Set) (Result, time.Duration) {
	fctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()

	start := e.clk.Now()
	done := make(chan Result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Transient(fmt.Errorf("fetcher panic: %v", r))
			}
		}()
		done <- e.fetcher.Fetch(fctx, creds)
	}()

	select {
	case res := <-done:
		if res.Outcome == OutcomeSuccess && res.Err != nil {
			res.Outcome = OutcomeTransient
		}
		return res, e.clk.Now().Sub(start)
	case <-fctx.Done():
		return Transient(fmt.Errorf("fetch aborted: %w", fctx.Err())), e.clk.Now().Sub(start)
	}
}

// suspend takes the offending credential out of rotation. Rate limits blame
// the proxy first, authorization failures the account.
func (e *Engine) suspend(log logx.Logger, creds credential.Set, rateLimited bool, res Result) {
	var (
		pool   *credential.Pool
		target *credential.Resource
		d      time.Duration
	)
	reason := "unauthorized"
	if rateLimited {
		reason = "rate_limited"
		d = e.cfg.RateLimitSuspend
		pool, target = e.proxies, creds.Proxy
		if target == nil {
			pool, target = e.accounts, creds.Account
		}
	} else {
		d = e.cfg.UnauthorizedSuspend
		pool, target = e.accounts, creds.Account
		if target == nil {
			pool, target = e.proxies, creds.Proxy
		}
		if e.sessions != nil && creds.Account != nil {
			e.sessions.Invalidate(creds.Account.Identity)
		}
	}
	if target == nil || pool == nil {
		log.Warn("publisher refused request without credentials", logx.String("reason", reason), logx.Err(res.Err))
		return
	}
	until, _ := pool.Suspend(target.Identity, d)
	log.Warn("credential suspended",
		logx.String("kind", string(target.Kind)),
		logx.String("identity", target.Identity),
		logx.String("reason", reason),
		logx.Duration("for", d),
		logx.Int("eligible", pool.Eligible()),
		logx.Err(res.Err))
	e.bus.Publish(eventbus.Event{Type: eventbus.TypeCredentialSuspend, Data: eventbus.Suspension{
		Publisher: e.cfg.Publisher, Kind: string(target.Kind), Identity: target.Identity, Reason: reason, Until: until,
	}})
}

// process extracts, dedups and dispatches one successful fetch. While seeding
// it only records keys.
func (e *Engine) process(ctx context.Context, log logx.Logger, items []any, latency time.Duration, seeding bool, rep *TickReport) {
	rep.Fetched = len(items)
	now := e.clk.Now()

	cands := make([]Candidate, 0, len(items))
	for i, raw := range items {
		c, err := e.extractor.Extract(raw)
		if err != nil {
			log.Warn("extraction failed; skipping item", logx.Int("index", i), logx.Err(err))
			continue
		}
		if c == nil || c.Key == "" {
			continue
		}
		if c.DiscoveredAt.IsZero() {
			c.DiscoveredAt = now
		}
		cands = append(cands, *c)
	}

	if seeding {
		for _, c := range cands {
			e.store.AddIfAbsent(c.Key)
		}
		rep.Seeded = len(cands) > 0
		return
	}

	fresh := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		if e.store.AddIfAbsent(c.Key) {
			fresh = append(fresh, c)
		}
	}
	rep.New = len(fresh)
	if len(fresh) == 0 {
		return
	}
	rep.Notified, rep.Failed = e.dispatch(ctx, log, fresh, latency)
}

// dispatch delivers fresh candidates concurrently. Failures are logged and
// not retried here; the keys stay seen.
func (e *Engine) dispatch(ctx context.Context, log logx.Logger, fresh []Candidate, latency time.Duration) (sent, failed int) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.DispatchTimeout)
	defer cancel()

	var okN, failN atomic.Int32
	var g errgroup.Group
	g.SetLimit(dispatchLimit)
	for _, c := range fresh {
		c := c
		g.Go(func() error {
			a := c.Payload
			if a.ID == "" {
				a.ID = uuid.NewString()
			}
			a.Publisher = e.cfg.Publisher
			a.Key = c.Key
			if a.DiscoveredAt.IsZero() {
				a.DiscoveredAt = c.DiscoveredAt
			}
			if a.FetchLatency == 0 {
				a.FetchLatency = latency
			}
			if a.Signal == "" {
				a.Signal = alert.SignalNone
			}
			e.bus.Publish(eventbus.Event{Type: eventbus.TypeAlertNew, Data: eventbus.NewAlert{
				Publisher: a.Publisher, Key: a.Key, Ticker: a.Ticker, Signal: string(a.Signal), Latency: a.FetchLatency,
			}})
			if err := e.deliver(dctx, a); err != nil {
				failN.Add(1)
				log.Error("notification failed", logx.String("key", c.Key), logx.Err(err))
				return nil
			}
			okN.Add(1)
			e.notified.Add(1)
			log.Info("new item notified", logx.String("key", c.Key), logx.String("ticker", a.Ticker), logx.String("signal", string(a.Signal)))
			return nil
		})
	}
	_ = g.Wait()
	return int(okN.Load()), int(failN.Load())
}

func (e *Engine) deliver(ctx context.Context, a alert.Alert) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	return e.sink.Deliver(ctx, a)
}
