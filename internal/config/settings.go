package config

import (
	"errors"
	"os"
	"sort"
	"strings"
	"time"
	_ "time/tzdata"

	"pollwatch/internal/dedup"
	"pollwatch/internal/engine"
	"pollwatch/internal/housekeeping"
	"pollwatch/internal/notifier"
	"pollwatch/internal/notifier/telegram"
	"pollwatch/internal/notifier/wsbus"
	"pollwatch/internal/observability"
	"pollwatch/internal/schedule"
	"pollwatch/internal/session"
	"pollwatch/internal/source"
	logx "pollwatch/pkg/logx"
)

const (
	DefaultTimezone      = "America/Chicago"
	DefaultOpenHour      = 6
	DefaultCloseHour     = 19
	DefaultRetentionDays = 30
	DefaultShutdownGrace = 10 * time.Second

	MinPollInterval = 200 * time.Millisecond
	MaxPollInterval = 5 * time.Second
)

const (
	RequireAccount = "account"
	RequireProxy   = "proxy"
)

// Settings is a validated Config with every duration parsed, every secret
// resolved and every default applied.
type Settings struct {
	Log logx.Config
	// Telegram is nil when no bot token is configured.
	Telegram *telegram.Config
	// EventBus is nil when the websocket sink is not configured.
	EventBus *wsbus.Config
	Notifier notifier.Config
	Dedup    dedup.Config

	NTPServer   string
	NTPInterval time.Duration

	// Metrics is nil when the observability server is disabled.
	Metrics *observability.Config
	// Housekeeping is nil when background jobs are disabled.
	Housekeeping *housekeeping.Config

	ShutdownGrace time.Duration

	// Agents holds enabled agents sorted by name.
	Agents []Agent
}

// Agent is one resolved publisher agent.
type Agent struct {
	Name    string
	Engine  engine.Config
	Session session.Config
	Source  source.Config
	// Login.URL is empty when the source needs no sign-in.
	Login           source.LoginConfig
	CredentialsFile string
}

// Agent returns the resolved agent called name.
func (s *Settings) Agent(name string) (Agent, bool) {
	for _, a := range s.Agents {
		if a.Name == name {
			return a, true
		}
	}
	return Agent{}, false
}

// Validate resolves cfg and discards the result.
func (c *Config) Validate() error {
	_, err := c.Resolve()
	return err
}

// Resolve validates cfg against the process environment.
func (c *Config) Resolve() (*Settings, error) {
	return c.resolve(os.LookupEnv)
}

type resolver struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (r *resolver) fail(err error) { r.errs = append(r.errs, err) }

func (r *resolver) duration(path, raw string, def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault(path, raw, def)
	if err != nil {
		r.fail(err)
		return def
	}
	return d
}

// secret resolves "env:NAME" references. Other values pass through.
func (r *resolver) secret(path, v string) string {
	v = strings.TrimSpace(v)
	name, ok := strings.CutPrefix(v, "env:")
	if !ok {
		return v
	}
	name = strings.TrimSpace(name)
	val, found := r.lookup(name)
	if !found || strings.TrimSpace(val) == "" {
		r.fail(errorf(path, "environment variable %s is not set", name))
		return ""
	}
	return strings.TrimSpace(val)
}

func (r *resolver) location(path, tz, def string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		tz = def
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		r.fail(errorf(path, "unknown timezone %q", tz))
		return time.UTC
	}
	return loc
}

func (c *Config) resolve(lookup func(string) (string, bool)) (*Settings, error) {
	if c == nil {
		return nil, &Error{Err: errors.New("config is nil")}
	}
	r := &resolver{lookup: lookup}
	s := &Settings{
		Log:           c.logConfig(),
		ShutdownGrace: r.duration("shutdown_grace", c.ShutdownGrace, DefaultShutdownGrace),
	}
	s.Telegram = c.telegram(r)
	s.EventBus = c.eventBus(r)
	if s.Telegram == nil && s.EventBus == nil {
		r.fail(errorf("telegram", "no notification channel configured (set telegram.token or event_bus.url)"))
	}
	s.Notifier = c.notifier(r)
	s.Dedup = c.dedup(r)
	s.NTPServer = strings.TrimSpace(c.Clock.NTPServer)
	s.NTPInterval = r.duration("clock.sync_interval", c.Clock.SyncInterval, 10*time.Minute)
	s.Metrics = c.metrics(r)
	s.Housekeeping = c.housekeeping(r)

	names := make([]string, 0, len(c.Agents))
	for name := range c.Agents {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ac := c.Agents[name]
		if !ac.IsEnabled() {
			continue
		}
		if a, ok := resolveAgent(r, name, ac); ok {
			s.Agents = append(s.Agents, a)
		}
	}
	if len(s.Agents) == 0 && len(r.errs) == 0 {
		r.fail(errorf("agents", "no enabled agents"))
	}

	if len(r.errs) > 0 {
		if len(r.errs) == 1 {
			return nil, r.errs[0]
		}
		return nil, &Error{Err: errors.Join(r.errs...)}
	}
	return s, nil
}

func (c *Config) logConfig() logx.Config {
	l := c.Logging
	level := strings.TrimSpace(l.Level)
	if level == "" {
		level = "info"
	}
	return logx.Config{
		Level:   level,
		Console: l.Console || !l.File.Enabled,
		File: logx.FileConfig{
			Enabled:    l.File.Enabled,
			Path:       l.File.Path,
			MaxSizeMB:  l.File.MaxSizeMB,
			MaxBackups: l.File.MaxBackups,
			MaxAgeDays: l.File.MaxAgeDays,
			Compress:   l.File.Compress,
		},
		Operator: logx.OperatorConfig{
			Enabled:    l.Operator.Enabled,
			MinLevel:   l.Operator.MinLevel,
			RatePerSec: l.Operator.RatePerSec,
		},
	}
}

func (c *Config) telegram(r *resolver) *telegram.Config {
	t := c.Telegram
	token := r.secret("telegram.token", t.Token)
	if token == "" {
		if c.Logging.Operator.Enabled && strings.TrimSpace(t.Token) == "" {
			r.fail(errorf("logging.operator", "operator sink needs telegram.token"))
		}
		return nil
	}
	if t.AlertChat == 0 {
		r.fail(errorf("telegram.alert_chat", "is required when a token is set"))
	}
	return &telegram.Config{
		Token:          token,
		AlertChat:      t.AlertChat,
		ErrorChat:      t.ErrorChat,
		ThreadID:       t.ThreadID,
		URL:            strings.TrimSpace(t.APIURL),
		Timeout:        r.duration("telegram.timeout", t.Timeout, 10*time.Second),
		DisablePreview: t.DisablePreview,
		Location:       r.location("telegram.timezone", t.Timezone, DefaultTimezone),
	}
}

func (c *Config) eventBus(r *resolver) *wsbus.Config {
	if c.EventBus == nil || strings.TrimSpace(c.EventBus.URL) == "" {
		return nil
	}
	u := strings.TrimSpace(c.EventBus.URL)
	if !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
		r.fail(errorf("event_bus.url", "must start with ws:// or wss://"))
	}
	return &wsbus.Config{
		URL:          u,
		PingInterval: r.duration("event_bus.ping_interval", c.EventBus.PingInterval, 30*time.Second),
	}
}

func (c *Config) notifier(r *resolver) notifier.Config {
	n := c.Notifier
	retry := 3
	if n.RetryMax != nil {
		retry = *n.RetryMax
		if retry < 0 {
			r.fail(errorf("notifier.retry_max", "must be >= 0"))
		}
	}
	if n.RatePerSec < 0 {
		r.fail(errorf("notifier.rate_per_sec", "must be >= 0"))
	}
	return notifier.Config{
		Workers:       n.Workers,
		QueueSize:     n.QueueSize,
		RatePerSec:    n.RatePerSec,
		RetryMax:      retry,
		RetryBase:     r.duration("notifier.retry_base", n.RetryBase, 500*time.Millisecond),
		RetryMaxDelay: r.duration("notifier.retry_max_delay", n.RetryMaxDelay, 5*time.Second),
		SendTimeout:   r.duration("notifier.send_timeout", n.SendTimeout, 10*time.Second),
	}
}

func (c *Config) dedup(r *resolver) dedup.Config {
	st := c.Storage
	days := DefaultRetentionDays
	if st.RetentionDays != nil {
		days = *st.RetentionDays
		if days < 0 {
			r.fail(errorf("storage.retention_days", "must be >= 0"))
			days = 0
		}
	}
	out := dedup.Config{
		Driver:      strings.ToLower(strings.TrimSpace(st.Driver)),
		Dir:         strings.TrimSpace(st.Dir),
		Path:        strings.TrimSpace(st.Path),
		BusyTimeout: r.duration("storage.busy_timeout", st.BusyTimeout, 5*time.Second),
		Redis: dedup.RedisConfig{
			Addr:   strings.TrimSpace(st.Redis.Addr),
			DB:     st.Redis.DB,
			Prefix: st.Redis.Prefix,
		},
		Retention: time.Duration(days) * 24 * time.Hour,
	}
	switch out.Driver {
	case "", "file", "memory", "none":
	case "sqlite", "sqlite3":
		if out.Path == "" {
			out.Path = "./state/pollwatch.db"
		}
	case "redis":
		out.Redis.Password = r.secret("storage.redis.password", st.Redis.Password)
		if out.Redis.Addr == "" {
			r.fail(errorf("storage.redis.addr", "is required for the redis driver"))
		}
	case "postgres", "postgresql", "pgx":
		out.DSN = r.secret("storage.dsn", st.DSN)
		if out.DSN == "" {
			r.fail(errorf("storage.dsn", "is required for the postgres driver"))
		}
	default:
		r.fail(errorf("storage.driver", "unknown driver %q", st.Driver))
	}
	return out
}

func (c *Config) metrics(r *resolver) *observability.Config {
	m := c.Metrics
	if !m.Enabled {
		return nil
	}
	addr := strings.TrimSpace(m.Addr)
	if addr == "" {
		addr = observability.DefaultAddr
	}
	out := &observability.Config{
		Addr:          addr,
		Pprof:         m.Pprof,
		Token:         r.secret("metrics.token", m.Token),
		AllowInsecure: m.AllowInsecure,
		ReadTimeout:   r.duration("metrics.read_timeout", m.ReadTimeout, 10*time.Second),
		IdleTimeout:   r.duration("metrics.idle_timeout", m.IdleTimeout, 60*time.Second),
	}
	if err := out.Validate(); err != nil {
		r.fail(&Error{Path: "metrics", Err: err})
	}
	return out
}

func (c *Config) housekeeping(r *resolver) *housekeeping.Config {
	h := c.Housekeeping
	if h.Disabled {
		return nil
	}
	out := &housekeeping.Config{
		Heartbeat: orDefault(h.Heartbeat, housekeeping.DefaultHeartbeat),
		Prune:     orDefault(h.Prune, housekeeping.DefaultPrune),
		Flush:     orDefault(h.Flush, housekeeping.DefaultFlush),
		Location:  r.location("housekeeping.timezone", h.Timezone, DefaultTimezone),
	}
	if err := out.Validate(); err != nil {
		r.fail(&Error{Path: "housekeeping", Err: err})
	}
	return out
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return def
}

func resolveAgent(r *resolver, name string, ac AgentConfig) (Agent, bool) {
	before := len(r.errs)
	p := "agents." + name
	if strings.TrimSpace(name) == "" {
		r.fail(errorf("agents", "agent name is empty"))
	}

	open, closeHour := DefaultOpenHour, DefaultCloseHour
	if ac.OpenHour != nil {
		open = *ac.OpenHour
	}
	if ac.CloseHour != nil {
		closeHour = *ac.CloseHour
	}
	lead := schedule.DefaultPreOpenLead
	if strings.TrimSpace(ac.PreOpen) != "" {
		d, err := ParseDurationField(p+".pre_open", ac.PreOpen)
		if err != nil {
			r.fail(err)
		}
		lead = d
	}
	holidays, err := schedule.ParseHolidays(ac.Holidays)
	if err != nil {
		r.fail(&Error{Path: p + ".holidays", Err: err})
	}
	oracle := schedule.Oracle{
		Location:    r.location(p+".timezone", ac.Timezone, DefaultTimezone),
		OpenHour:    open,
		CloseHour:   closeHour,
		PreOpenLead: lead,
		Holidays:    holidays,
	}
	if err := oracle.Validate(); err != nil {
		r.fail(&Error{Path: p, Err: err})
	}

	poll, err := ParseDurationInRange(p+".poll_interval", ac.PollInterval, time.Second, MinPollInterval, MaxPollInterval)
	if err != nil {
		r.fail(err)
	}
	if ac.Parallel < 0 {
		r.fail(errorf(p+".parallel", "must be >= 0"))
	}

	var needAccount, needProxy bool
	for _, req := range ac.Requires {
		switch req {
		case RequireAccount:
			needAccount = true
		case RequireProxy:
			needProxy = true
		default:
			r.fail(errorf(p+".requires", "unknown credential kind %q (want %s or %s)", req, RequireAccount, RequireProxy))
		}
	}
	if (needAccount || needProxy) && strings.TrimSpace(ac.CredentialsFile) == "" {
		r.fail(errorf(p+".credentials_file", "is required when requires is set"))
	}

	var login source.LoginConfig
	if ac.Login != nil {
		login = *ac.Login
		if strings.TrimSpace(login.URL) == "" {
			r.fail(errorf(p+".login.url", "is required"))
		}
		if !needAccount {
			r.fail(errorf(p+".login", "needs %q in requires", RequireAccount))
		}
	}

	src := ac.Source
	src.Timeout = r.duration(p+".request_timeout", ac.RequestTimeout, source.DefaultTimeout)
	if err := src.Validate(); err != nil {
		r.fail(&Error{Path: p + ".source", Err: err})
	}

	seed := ac.SeedOnFirstRun == nil || *ac.SeedOnFirstRun
	reset := ac.ResetSuspensionsOnOpen == nil || *ac.ResetSuspensionsOnOpen

	a := Agent{
		Name: name,
		Engine: engine.Config{
			Publisher:             name,
			Schedule:              oracle,
			PollInterval:          poll,
			Cooldown:              r.duration(p+".cooldown", ac.Cooldown, 60*time.Second),
			TransientBackoff:      r.duration(p+".transient_backoff", ac.TransientBackoff, 5*time.Second),
			FetchTimeout:          r.duration(p+".fetch_timeout", ac.FetchTimeout, 10*time.Second),
			SlowFetch:             r.duration(p+".slow_fetch", ac.SlowFetch, 1500*time.Millisecond),
			DispatchTimeout:       r.duration(p+".dispatch_timeout", ac.DispatchTimeout, 15*time.Second),
			RateLimitSuspend:      r.duration(p+".rate_limit_suspend", ac.RateLimitSuspend, 15*time.Minute),
			UnauthorizedSuspend:   r.duration(p+".unauthorized_suspend", ac.UnauthorizedSuspend, 30*time.Minute),
			RequireAccount:        needAccount,
			RequireProxy:          needProxy,
			Parallel:              max(ac.Parallel, 1),
			NotifyBacklog:         !seed,
			KeepSuspensionsOnOpen: !reset,
			SuspensionsFile:       strings.TrimSpace(ac.SuspensionsFile),
		},
		Session: session.Config{
			TTL: r.duration(p+".session_ttl", ac.SessionTTL, 30*time.Minute),
		},
		Source:          src,
		Login:           login,
		CredentialsFile: strings.TrimSpace(ac.CredentialsFile),
	}
	return a, len(r.errs) == before
}
