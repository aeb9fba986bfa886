// Package session keeps per-account login state outside the polling tick.
//
// Each account moves through NeedsLogin -> LoggingIn -> Valid -> Expired.
// Logins run in their own goroutines with capped exponential backoff, so a
// slow or failing login never stalls polling with other credentials.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"pollwatch/internal/clock"
	"pollwatch/internal/credential"
	"pollwatch/internal/eventbus"
	logx "pollwatch/pkg/logx"
)

// ErrLoginPending means no valid session exists yet; a login is running or
// scheduled. Callers should try again on a later tick.
var ErrLoginPending = errors.New("login pending")

type State int

const (
	NeedsLogin State = iota
	LoggingIn
	Valid
	Expired
)

func (s State) String() string {
	switch s {
	case NeedsLogin:
		return "needs_login"
	case LoggingIn:
		return "logging_in"
	case Valid:
		return "valid"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// Token is the opaque session material a fetcher sends (cookie, bearer...).
// A zero Expires means the manager's TTL applies.
type Token struct {
	Value   string
	Expires time.Time
}

// LoginFunc performs one login attempt for account.
type LoginFunc func(ctx context.Context, account credential.Resource) (Token, error)

type Config struct {
	TTL        time.Duration
	Timeout    time.Duration
	BackoffMin time.Duration
	BackoffMax time.Duration
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = 30 * time.Minute
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = 5 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Minute
	}
	return c
}

type session struct {
	account  credential.Resource
	state    State
	token    Token
	failures int
	retryAt  time.Time
	lastErr  error
}

// Status is a snapshot of one account's session.
type Status struct {
	Account  string
	State    State
	Failures int
	RetryAt  time.Time
	Expires  time.Time
	LastErr  string
}

type Manager struct {
	cfg   Config
	login LoginFunc
	clk   clock.Clock
	log   logx.Logger
	bus   eventbus.Bus

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session
}

func NewManager(cfg Config, login LoginFunc, clk clock.Clock, log logx.Logger, bus eventbus.Bus) *Manager {
	if clk == nil {
		clk = clock.System{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg.withDefaults(),
		login:    login,
		clk:      clk,
		log:      log,
		bus:      bus,
		ctx:      ctx,
		cancel:   cancel,
		sessions: map[string]*session{},
	}
}

// Token returns the session value for account, or ErrLoginPending after
// making sure a login is underway (unless it is backing off).
func (m *Manager) Token(account credential.Resource) (string, error) {
	now := m.clk.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.getLocked(account)
	if s.state == Valid && !now.Before(s.token.Expires) {
		m.transitionLocked(s, Expired)
	}
	switch s.state {
	case Valid:
		return s.token.Value, nil
	case LoggingIn:
		return "", ErrLoginPending
	default:
		if now.Before(s.retryAt) {
			return "", ErrLoginPending
		}
		m.startLocked(s)
		return "", ErrLoginPending
	}
}

// Invalidate marks a valid session expired, typically after the publisher
// rejected it.
func (m *Manager) Invalidate(identity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[identity]; ok && s.state == Valid {
		m.transitionLocked(s, Expired)
	}
}

// Warm starts logins for every account without a valid session.
func (m *Manager) Warm(accounts []credential.Resource) int {
	now := m.clk.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	started := 0
	for _, a := range accounts {
		s := m.getLocked(a)
		if s.state == Valid && now.Before(s.token.Expires) {
			continue
		}
		if s.state == LoggingIn {
			continue
		}
		m.startLocked(s)
		started++
	}
	return started
}

// Wait blocks until in-flight logins finish.
func (m *Manager) Wait() { m.wg.Wait() }

// Close aborts in-flight logins and waits for them.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) Snapshot() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.sessions))
	for id, s := range m.sessions {
		st := Status{Account: id, State: s.state, Failures: s.failures, RetryAt: s.retryAt}
		if s.state == Valid {
			st.Expires = s.token.Expires
		}
		if s.lastErr != nil {
			st.LastErr = s.lastErr.Error()
		}
		out = append(out, st)
	}
	return out
}

func (m *Manager) getLocked(account credential.Resource) *session {
	s, ok := m.sessions[account.Identity]
	if !ok {
		s = &session{account: account, state: NeedsLogin}
		m.sessions[account.Identity] = s
	}
	return s
}

func (m *Manager) transitionLocked(s *session, to State) {
	from := s.state
	s.state = to
	if from != to {
		m.bus.Publish(eventbus.Event{Type: eventbus.TypeSessionStateChange, Data: eventbus.SessionState{
			Account: s.account.Identity, From: from.String(), To: to.String(),
		}})
	}
}

func (m *Manager) startLocked(s *session) {
	if m.login == nil || m.ctx.Err() != nil {
		return
	}
	m.transitionLocked(s, LoggingIn)
	acct := s.account
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(acct)
	}()
}

func (m *Manager) run(acct credential.Resource) {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.Timeout)
	defer cancel()

	start := m.clk.Now()
	tok, err := m.safeLogin(ctx, acct)
	now := m.clk.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.getLocked(acct)
	if err != nil {
		s.failures++
		s.lastErr = err
		s.retryAt = now.Add(m.backoff(s.failures))
		m.transitionLocked(s, NeedsLogin)
		m.log.Warn("login failed",
			logx.String("account", acct.Identity),
			logx.Int("failures", s.failures),
			logx.Time("retry_at", s.retryAt),
			logx.Err(err))
		return
	}
	if tok.Expires.IsZero() {
		tok.Expires = now.Add(m.cfg.TTL)
	}
	s.token = tok
	s.failures = 0
	s.lastErr = nil
	s.retryAt = time.Time{}
	m.transitionLocked(s, Valid)
	m.log.Info("login ok", logx.String("account", acct.Identity), logx.Duration("took", now.Sub(start)))
}

func (m *Manager) safeLogin(ctx context.Context, acct credential.Resource) (tok Token, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("login panicked")
			m.log.Error("login panic", logx.String("account", acct.Identity), logx.Any("panic", r), logx.Stack(logx.StackTrace(3, 16)))
		}
	}()
	return m.login(ctx, acct)
}

func (m *Manager) backoff(failures int) time.Duration {
	d := m.cfg.BackoffMin
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= m.cfg.BackoffMax {
			return m.cfg.BackoffMax
		}
	}
	return d
}
