package config

import (
	"reflect"
	"sort"
	"strings"

	logx "pollwatch/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets like tokens),
// and (3) the names of agents that were added, removed or changed.
//
// Only logging is applied live; every other section takes effect on restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.operator_enabled", newCfg.Logging.Operator.Enabled),
		)
	}

	// Telegram (never log token)
	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if strings.TrimSpace(ot.Token) != strings.TrimSpace(nt.Token) ||
		ot.AlertChat != nt.AlertChat || ot.ErrorChat != nt.ErrorChat || ot.ThreadID != nt.ThreadID ||
		ot.APIURL != nt.APIURL || ot.Timeout != nt.Timeout || ot.DisablePreview != nt.DisablePreview ||
		ot.Timezone != nt.Timezone {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(nt.Token) != ""),
			logx.Int64("telegram.alert_chat", nt.AlertChat),
			logx.Int64("telegram.error_chat", nt.ErrorChat),
		)
	}

	if !reflect.DeepEqual(oldCfg.EventBus, newCfg.EventBus) {
		changed = append(changed, "event_bus")
		url := ""
		if newCfg.EventBus != nil {
			url = newCfg.EventBus.URL
		}
		attrs = append(attrs, logx.String("event_bus.url", url))
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Int("notifier.workers", newCfg.Notifier.Workers),
			logx.Int("notifier.queue_size", newCfg.Notifier.QueueSize),
			logx.Float64("notifier.rate_per_sec", newCfg.Notifier.RatePerSec),
		)
	}

	// Storage (never log dsn or password)
	ost, ns := oldCfg.Storage, newCfg.Storage
	if ost.Driver != ns.Driver || ost.Dir != ns.Dir || ost.Path != ns.Path || ost.BusyTimeout != ns.BusyTimeout ||
		ost.DSN != ns.DSN || ost.Redis != ns.Redis || !reflect.DeepEqual(ost.RetentionDays, ns.RetentionDays) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(ns.Driver)),
			logx.Bool("storage.dsn_set", strings.TrimSpace(ns.DSN) != ""),
		)
	}

	if oldCfg.Clock != newCfg.Clock {
		changed = append(changed, "clock")
		attrs = append(attrs, logx.String("clock.ntp_server", newCfg.Clock.NTPServer))
	}

	// Metrics (never log token)
	om, nm := oldCfg.Metrics, newCfg.Metrics
	om.Token, nm.Token = tokenMark(om.Token), tokenMark(nm.Token)
	if om != nm {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", nm.Enabled),
			logx.String("metrics.addr", strings.TrimSpace(nm.Addr)),
			logx.Bool("metrics.pprof", nm.Pprof),
		)
	}

	if oldCfg.Housekeeping != newCfg.Housekeeping {
		changed = append(changed, "housekeeping")
	}
	if strings.TrimSpace(oldCfg.ShutdownGrace) != strings.TrimSpace(newCfg.ShutdownGrace) {
		changed = append(changed, "shutdown_grace")
	}

	agentsChanged := diffAgents(oldCfg.Agents, newCfg.Agents)
	if len(agentsChanged) > 0 {
		changed = append(changed, "agents")
		attrs = append(attrs,
			logx.Int("agents.changed_count", len(agentsChanged)),
			logx.Int("agents.enabled_count", countEnabled(newCfg.Agents)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, agentsChanged
}

// NeedsRestart reports whether any changed section is only read at startup.
func NeedsRestart(sections []string) bool {
	for _, s := range sections {
		if s != "logging" {
			return true
		}
	}
	return false
}

func tokenMark(tok string) string {
	if strings.TrimSpace(tok) == "" {
		return ""
	}
	return "set"
}

func countEnabled(m map[string]AgentConfig) int {
	n := 0
	for _, v := range m {
		if v.IsEnabled() {
			n++
		}
	}
	return n
}

func diffAgents(oldM, newM map[string]AgentConfig) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, inOld := oldM[name]
		n, inNew := newM[name]
		if inOld != inNew || !reflect.DeepEqual(o, n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
