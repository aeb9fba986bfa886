package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"pollwatch/internal/clock"
	"pollwatch/internal/config"
	"pollwatch/internal/credential"
	"pollwatch/internal/dedup"
	"pollwatch/internal/engine"
	"pollwatch/internal/eventbus"
	"pollwatch/internal/session"
	"pollwatch/internal/source"
	logx "pollwatch/pkg/logx"
)

// agent is one publisher's wired pipeline.
type agent struct {
	name     string
	engine   *engine.Engine
	store    *dedup.Store
	client   *source.Client
	sessions *session.Manager
	accounts *credential.Pool
	proxies  *credential.Pool

	loaded  atomic.Bool
	mu      sync.Mutex
	loadErr error
}

type agentDeps struct {
	provider dedup.Provider
	sink     engine.Sink
	clock    clock.Clock
	bus      eventbus.Bus
	log      logx.Logger
	// retention applies to every agent's dedup store.
	retention time.Duration
}

func buildAgent(a config.Agent, d agentDeps) (*agent, error) {
	log := d.log.With(logx.String("comp", "agent"), logx.String("agent", a.Name))

	creds, err := config.LoadCredentials(a)
	if err != nil {
		return nil, err
	}
	if missing := config.MissingCredentials(a, creds); len(missing) > 0 {
		return nil, fmt.Errorf("agent %s: no %s credentials in %s: %w",
			a.Name, strings.Join(missing, "/"), a.CredentialsFile, engine.ErrCredentialExhausted)
	}

	built, err := source.Build(a.Source, log)
	if err != nil {
		return nil, &config.Error{Path: "agents." + a.Name + ".source", Err: err}
	}

	out := &agent{name: a.Name, client: built.Client}
	if len(creds.Accounts) > 0 {
		out.accounts = credential.NewPool(d.clock, creds.Accounts...)
	}
	if len(creds.Proxies) > 0 {
		out.proxies = credential.NewPool(d.clock, creds.Proxies...)
	}
	if a.Login.URL != "" {
		out.sessions = session.NewManager(a.Session, built.LoginFunc(a.Login), d.clock, log, d.bus)
	}

	out.store = dedup.NewStore(a.Name, d.provider.Backend(a.Name),
		dedup.WithClock(d.clock),
		dedup.WithRetention(d.retention),
		dedup.WithLogger(log),
	)

	eng, err := engine.New(a.Engine, engine.Deps{
		Store:     out.store,
		Accounts:  out.accounts,
		Proxies:   out.proxies,
		Sessions:  out.sessions,
		Fetcher:   built.Fetcher,
		Extractor: built.Extractor,
		Sink:      d.sink,
		Clock:     d.clock,
		Bus:       d.bus,
		Log:       log,
	})
	if err != nil {
		out.close()
		return nil, err
	}
	out.engine = eng
	log.Info("agent ready",
		logx.String("source", a.Source.Kind),
		logx.Int("accounts", len(creds.Accounts)),
		logx.Int("proxies", len(creds.Proxies)),
		logx.Bool("login", out.sessions != nil),
	)
	return out, nil
}

// run loads persisted state once, then polls until ctx is done. A failed
// load is returned so the supervisor retries it with backoff; other agents
// keep polling meanwhile.
func (g *agent) run(ctx context.Context) error {
	if !g.loaded.Load() {
		err := g.engine.Load(ctx)
		g.mu.Lock()
		g.loadErr = err
		g.mu.Unlock()
		if err != nil {
			return fmt.Errorf("load state: %w", err)
		}
		g.loaded.Store(true)
	}
	return g.engine.Run(ctx)
}

// lastLoadErr is the error of the latest failed load, nil once loaded.
func (g *agent) lastLoadErr() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.loadErr
}

func (g *agent) close() {
	if g.sessions != nil {
		g.sessions.Close()
	}
	if g.client != nil {
		g.client.Close()
	}
	if g.store != nil {
		_ = g.store.Close()
	}
}
