package app

import (
	"context"
	"errors"
	"time"

	"pollwatch/internal/housekeeping"
	logx "pollwatch/pkg/logx"
)

// registerJobs adds the background maintenance jobs for every agent.
func (a *App) registerJobs(cfg housekeeping.Config) error {
	jobs := []housekeeping.Job{
		{Name: "heartbeat", Spec: cfg.Heartbeat, Timeout: 10 * time.Second, Run: a.heartbeat},
		{Name: "prune", Spec: cfg.Prune, Timeout: time.Minute, Run: a.prune},
		{Name: "flush", Spec: cfg.Flush, Timeout: 30 * time.Second, Run: a.flush},
	}
	for _, j := range jobs {
		if j.Spec == "" {
			continue
		}
		if err := a.jobs.Add(j); err != nil {
			return err
		}
	}
	return nil
}

// heartbeat logs one line per agent so a quiet operator channel still shows
// the process is alive.
func (a *App) heartbeat(context.Context) error {
	for _, g := range a.agents {
		st := g.engine.Status()
		fields := []logx.Field{
			logx.String("agent", st.Publisher),
			logx.String("state", st.State.String()),
			logx.Int("seen", st.Seen),
			logx.Uint64("ticks", st.Ticks),
			logx.Uint64("notified", st.Notified),
		}
		if !st.Window.Open.IsZero() {
			fields = append(fields, logx.Time("open", st.Window.Open), logx.Time("close", st.Window.Close))
		}
		if g.accounts != nil {
			fields = append(fields, logx.Int("accounts_eligible", g.accounts.Eligible()))
		}
		if g.proxies != nil {
			fields = append(fields, logx.Int("proxies_eligible", g.proxies.Eligible()))
		}
		a.log.Info("heartbeat", fields...)
	}
	if a.ntp != nil {
		offset, last, err := a.ntp.Health()
		fields := []logx.Field{logx.Duration("offset", offset), logx.Time("last_sync", last)}
		if err != nil {
			fields = append(fields, logx.Err(err))
		}
		a.log.Debug("clock", fields...)
	}
	return nil
}

// prune evicts expired keys and writes the result.
func (a *App) prune(ctx context.Context) error {
	var errs []error
	total := 0
	for _, g := range a.agents {
		total += g.store.Prune()
		if err := g.store.Persist(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if total > 0 {
		a.log.Info("pruned seen keys", logx.Int("count", total))
	}
	return errors.Join(errs...)
}

// flush writes any keys added since the last persist. Engines persist at
// every window close, so this only matters for long windows.
func (a *App) flush(ctx context.Context) error {
	var errs []error
	for _, g := range a.agents {
		if !g.store.Dirty() {
			continue
		}
		if err := g.store.Persist(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
