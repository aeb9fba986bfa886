package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"pollwatch/internal/clock"
	"pollwatch/internal/config"
	"pollwatch/internal/dedup"
	"pollwatch/internal/eventbus"
	"pollwatch/internal/housekeeping"
	"pollwatch/internal/metrics"
	"pollwatch/internal/notifier"
	"pollwatch/internal/notifier/telegram"
	"pollwatch/internal/notifier/wsbus"
	"pollwatch/internal/observability"
	"pollwatch/internal/runtime/supervisor"
	logx "pollwatch/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	clk clock.Clock
	// ntp is nil when the system clock is used.
	ntp *clock.NTP

	provider dedup.Provider
	notif    *notifier.Service
	tg       *telegram.Channel
	ws       *wsbus.Channel

	metrics *metrics.Metrics
	obs     *observability.Server
	jobs    *housekeeping.Service

	agents []*agent
	grace  time.Duration

	started atomic.Bool
	stopped atomic.Bool
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	_, s, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return newApp(cfgm, s)
}

func newApp(cfgm *ConfigManager, s *Settings) (_ *App, err error) {
	logSvc, log := logx.New(s.Log)
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{
		cfgPath: cfgm.Path(),
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		clk:     clock.System{},
		grace:   s.ShutdownGrace,
	}
	// Everything opened so far is released if a later step fails.
	defer func() {
		if err != nil {
			a.release()
		}
	}()

	if s.NTPServer != "" {
		a.ntp = clock.NewNTP(s.NTPServer, s.NTPInterval, log.With(logx.String("comp", "clock")))
		if err := a.ntp.Sync(); err != nil {
			log.Warn("initial clock sync failed; using local time until the next sync",
				logx.String("server", s.NTPServer), logx.Err(err))
		}
		a.clk = a.ntp
	}

	var channels []notifier.Channel
	if s.Telegram != nil {
		a.tg, err = telegram.New(*s.Telegram, log.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, &config.Error{Path: "telegram", Err: err}
		}
		channels = append(channels, a.tg)
		// Operator messages go to the error chat once the bot exists.
		logSvc.SetOperatorSender(a.tg)
	}
	if s.EventBus != nil {
		a.ws, err = wsbus.New(*s.EventBus, log)
		if err != nil {
			return nil, &config.Error{Path: "event_bus", Err: err}
		}
		channels = append(channels, a.ws)
	}
	a.notif = notifier.New(s.Notifier, log.With(logx.String("comp", "notifier")), a.bus, channels...)

	openCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	a.provider, err = dedup.Open(openCtx, s.Dedup, log.With(logx.String("comp", "dedup")))
	if err != nil {
		return nil, fmt.Errorf("open dedup storage: %w", err)
	}
	log.Info("dedup storage ready", logx.String("driver", orDefault(s.Dedup.Driver, "file")))

	deps := agentDeps{
		provider:  a.provider,
		sink:      a.notif,
		clock:     a.clk,
		bus:       a.bus,
		log:       logSvc.Logger(),
		retention: s.Dedup.Retention,
	}
	for _, ac := range s.Agents {
		g, err := buildAgent(ac, deps)
		if err != nil {
			return nil, err
		}
		a.agents = append(a.agents, g)
	}

	if s.Metrics != nil {
		a.metrics = metrics.New(a.bus.Dropped)
		a.obs = observability.New(*s.Metrics, log.With(logx.String("comp", "observability")),
			a.metrics.Handler(), func() (any, bool) { return a.Health() })
	}

	if s.Housekeeping != nil {
		a.jobs = housekeeping.New(s.Housekeeping.Location, logSvc.Logger())
		if err := a.registerJobs(*s.Housekeeping); err != nil {
			return nil, err
		}
	}

	return a, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Agents lists configured agent names in start order.
func (a *App) Agents() []string {
	out := make([]string, 0, len(a.agents))
	for _, g := range a.agents {
		out = append(out, g.name)
	}
	return out
}

func (a *App) running() bool { return a.started.Load() && !a.stopped.Load() }

func (a *App) Start(ctx context.Context) error {
	if !a.started.CompareAndSwap(false, true) {
		return errors.New("app already started")
	}
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	// Workers outlive the run context so Stop can drain queued alerts.
	a.notif.Start(context.WithoutCancel(a.sup.Context()))

	if a.ws != nil {
		a.sup.GoRestart("wsbus.keepalive", a.ws.Run)
	}
	if a.ntp != nil {
		a.sup.GoRestart("clock.ntp", a.ntp.Run)
	}
	if a.metrics != nil {
		a.sup.Go("metrics", func(c context.Context) error { return a.metrics.Run(c, a.bus) })
		a.sup.GoRestart("observability", a.obs.Run, supervisor.WithMaxRestarts(10))
	}

	for _, g := range a.agents {
		a.sup.GoRestart("agent."+g.name, g.run, supervisor.WithBackoff(time.Second, time.Minute))
	}

	if a.jobs != nil {
		a.jobs.Start(a.sup.Context())
	}

	// Optional: log events for observability/debug.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				// Ticks are too frequent for anything above debug.
				if !a.log.Enabled(logx.LevelDebug) {
					continue
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Strings("agents", a.Agents()), logx.Strings("channels", a.notif.Channels()))
	return nil
}

// reloadLoop applies logging changes live and reports every other change as
// needing a restart.
func (a *App) reloadLoop(ctx context.Context, sub chan *Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}

			sections, attrs, agentsChanged := SummarizeConfigChange(lastApplied, newCfg)
			lastApplied = newCfg
			if len(sections) == 0 {
				a.log.Info("config reloaded (no changes)")
				continue
			}
			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Debug("config change summary", fields...)

			for _, s := range sections {
				if s == "logging" {
					if settings := a.cfgm.Settings(); settings != nil {
						a.logs.Apply(settings.Log)
					}
					break
				}
			}
			if config.NeedsRestart(sections) {
				warn := []logx.Field{logx.String("changed", strings.Join(sections, ","))}
				if len(agentsChanged) > 0 {
					warn = append(warn, logx.Strings("agents", agentsChanged))
				}
				a.log.Warn("config change requires a restart to take effect", warn...)
			}
			a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil || !a.stopped.CompareAndSwap(false, true) {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	if _, ok := ctx.Deadline(); !ok && a.grace > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.grace)
		defer cancel()
	}

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	step("housekeeping", 2*time.Second, func(c context.Context) error {
		if a.jobs != nil {
			a.jobs.Stop(c)
		}
		return nil
	})
	// Engines persist their dedup and suspension state on the way out.
	step("supervisor", 5*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("agents", 2*time.Second, func(context.Context) error {
		for _, g := range a.agents {
			g.close()
		}
		return nil
	})
	step("wsbus", time.Second, func(context.Context) error {
		if a.ws != nil {
			return a.ws.Close()
		}
		return nil
	})
	step("storage", 2*time.Second, func(context.Context) error { return a.provider.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// release closes what newApp opened when construction fails half way.
func (a *App) release() {
	for _, g := range a.agents {
		g.close()
	}
	if a.provider != nil {
		_ = a.provider.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
