package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
telegram:
  token: env:PW_TEST_TOKEN
  alert_chat: -100123
agents:
  bear_cave:
    source:
      kind: rss
      url: https://example.com/feed
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func env(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func parse(t *testing.T, name, body string) *Config {
	t.Helper()
	cfg, err := NewConfigManager(writeFile(t, name, body)).Parse()
	require.NoError(t, err)
	return cfg
}

func TestResolveDefaults(t *testing.T) {
	t.Parallel()
	cfg := parse(t, "pollwatch.yaml", minimalYAML)
	s, err := cfg.resolve(env(map[string]string{"PW_TEST_TOKEN": "123:abc"}))
	require.NoError(t, err)

	require.NotNil(t, s.Telegram)
	assert.Equal(t, "123:abc", s.Telegram.Token)
	assert.Equal(t, "America/Chicago", s.Telegram.Location.String())
	assert.Nil(t, s.EventBus)
	assert.Nil(t, s.Metrics)
	require.NotNil(t, s.Housekeeping)
	assert.Equal(t, DefaultShutdownGrace, s.ShutdownGrace)
	assert.Equal(t, 30*24*time.Hour, s.Dedup.Retention)
	assert.Equal(t, 3, s.Notifier.RetryMax)
	assert.Zero(t, s.Notifier.RatePerSec)

	require.Len(t, s.Agents, 1)
	a := s.Agents[0]
	assert.Equal(t, "bear_cave", a.Name)
	assert.Equal(t, "bear_cave", a.Engine.Publisher)
	assert.Equal(t, 6, a.Engine.Schedule.OpenHour)
	assert.Equal(t, 19, a.Engine.Schedule.CloseHour)
	assert.Equal(t, 40*time.Minute, a.Engine.Schedule.PreOpenLead)
	assert.Equal(t, "America/Chicago", a.Engine.Schedule.Location.String())
	assert.Equal(t, time.Second, a.Engine.PollInterval)
	assert.Equal(t, 60*time.Second, a.Engine.Cooldown)
	assert.Equal(t, 5*time.Second, a.Engine.TransientBackoff)
	assert.Equal(t, 1500*time.Millisecond, a.Engine.SlowFetch)
	assert.Equal(t, 2*time.Second, a.Source.Timeout)
	assert.Equal(t, 30*time.Minute, a.Session.TTL)
	assert.Equal(t, 1, a.Engine.Parallel)
	assert.False(t, a.Engine.NotifyBacklog)
	assert.False(t, a.Engine.KeepSuspensionsOnOpen)
	assert.Empty(t, a.Login.URL)
}

func TestResolveAgentOverrides(t *testing.T) {
	t.Parallel()
	cfg := parse(t, "pollwatch.json", `{
		"event_bus": {"url": "ws://127.0.0.1:8765"},
		"notifier": {"rate_per_sec": 2.5, "workers": 2},
		"storage": {"driver": "sqlite", "retention_days": 0},
		"agents": {
			"hindenburg": {
				"timezone": "America/New_York",
				"open_hour": 7, "close_hour": 20, "pre_open": "0s",
				"holidays": ["2024-12-25"],
				"poll_interval": "250ms",
				"parallel": 3,
				"requires": ["account", "proxy"],
				"credentials_file": "creds.json",
				"seed_on_first_run": false,
				"reset_suspensions_on_open": false,
				"source": {"kind": "html", "url": "https://example.com", "selector": "article"},
				"login": {"url": "https://example.com/login"}
			},
			"disabled": {"enabled": false, "source": {"kind": "bogus"}}
		}
	}`)
	s, err := cfg.resolve(env(nil))
	require.NoError(t, err)

	assert.Nil(t, s.Telegram)
	require.NotNil(t, s.EventBus)
	assert.Equal(t, time.Duration(0), s.Dedup.Retention)
	assert.Equal(t, "./state/pollwatch.db", s.Dedup.Path)
	assert.Equal(t, 2.5, s.Notifier.RatePerSec)
	assert.Equal(t, 2, s.Notifier.Workers)

	require.Len(t, s.Agents, 1)
	a, ok := s.Agent("hindenburg")
	require.True(t, ok)
	assert.Equal(t, 7, a.Engine.Schedule.OpenHour)
	assert.Equal(t, time.Duration(0), a.Engine.Schedule.PreOpenLead)
	assert.Contains(t, a.Engine.Schedule.Holidays, "2024-12-25")
	assert.Equal(t, 250*time.Millisecond, a.Engine.PollInterval)
	assert.Equal(t, 3, a.Engine.Parallel)
	assert.True(t, a.Engine.RequireAccount)
	assert.True(t, a.Engine.RequireProxy)
	assert.True(t, a.Engine.NotifyBacklog)
	assert.True(t, a.Engine.KeepSuspensionsOnOpen)
	assert.Equal(t, "https://example.com/login", a.Login.URL)
	_, ok = s.Agent("disabled")
	assert.False(t, ok)
}

func TestResolveErrors(t *testing.T) {
	t.Parallel()
	base := func(agent string) string {
		return `{"telegram": {"token": "1:x", "alert_chat": 1}, "agents": {"a": ` + agent + `}}`
	}
	cases := map[string]struct {
		body string
		want string
	}{
		"missing env": {
			body: `{"telegram": {"token": "env:PW_NOPE", "alert_chat": 1}, "agents": {"a": {"source": {"kind": "rss", "url": "u"}}}}`,
			want: "PW_NOPE",
		},
		"no channel": {
			body: `{"agents": {"a": {"source": {"kind": "rss", "url": "u"}}}}`,
			want: "no notification channel",
		},
		"no agents":       {body: `{"telegram": {"token": "1:x", "alert_chat": 1}}`, want: "no enabled agents"},
		"poll too fast":   {body: base(`{"poll_interval": "100ms", "source": {"kind": "rss", "url": "u"}}`), want: "poll_interval"},
		"poll too slow":   {body: base(`{"poll_interval": "6s", "source": {"kind": "rss", "url": "u"}}`), want: "poll_interval"},
		"open >= close":   {body: base(`{"open_hour": 19, "close_hour": 6, "source": {"kind": "rss", "url": "u"}}`), want: "open hour"},
		"close > 24":      {body: base(`{"close_hour": 25, "source": {"kind": "rss", "url": "u"}}`), want: "close hour"},
		"lead too long":   {body: base(`{"pre_open": "41m", "source": {"kind": "rss", "url": "u"}}`), want: "pre-open lead"},
		"bad timezone":    {body: base(`{"timezone": "Mars/Olympus", "source": {"kind": "rss", "url": "u"}}`), want: "timezone"},
		"bad duration":    {body: base(`{"cooldown": "soon", "source": {"kind": "rss", "url": "u"}}`), want: "cooldown"},
		"bad holiday":     {body: base(`{"holidays": ["12/25/2024"], "source": {"kind": "rss", "url": "u"}}`), want: "holidays"},
		"bad source":      {body: base(`{"source": {"kind": "ftp", "url": "u"}}`), want: "source"},
		"bad requires":    {body: base(`{"requires": ["token"], "credentials_file": "c", "source": {"kind": "rss", "url": "u"}}`), want: "unknown credential kind"},
		"no creds file":   {body: base(`{"requires": ["proxy"], "source": {"kind": "rss", "url": "u"}}`), want: "credentials_file"},
		"login needs acc": {body: base(`{"login": {"url": "l"}, "source": {"kind": "rss", "url": "u"}}`), want: "login"},
		"bad driver": {
			body: `{"telegram": {"token": "1:x", "alert_chat": 1}, "storage": {"driver": "mongo"}, "agents": {"a": {"source": {"kind": "rss", "url": "u"}}}}`,
			want: "storage.driver",
		},
		"postgres without dsn": {
			body: `{"telegram": {"token": "1:x", "alert_chat": 1}, "storage": {"driver": "postgres"}, "agents": {"a": {"source": {"kind": "rss", "url": "u"}}}}`,
			want: "storage.dsn",
		},
		"insecure metrics": {
			body: `{"telegram": {"token": "1:x", "alert_chat": 1}, "metrics": {"enabled": true, "addr": "0.0.0.0:9090"}, "agents": {"a": {"source": {"kind": "rss", "url": "u"}}}}`,
			want: "metrics",
		},
		"negative notifier rate": {
			body: `{"telegram": {"token": "1:x", "alert_chat": 1}, "notifier": {"rate_per_sec": -1}, "agents": {"a": {"source": {"kind": "rss", "url": "u"}}}}`,
			want: "notifier.rate_per_sec",
		},
		"bad cron": {
			body: `{"telegram": {"token": "1:x", "alert_chat": 1}, "housekeeping": {"prune": "every tuesday"}, "agents": {"a": {"source": {"kind": "rss", "url": "u"}}}}`,
			want: "housekeeping",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			cfg := parse(t, "c.json", tc.body)
			_, err := cfg.resolve(env(nil))
			require.Error(t, err)
			assert.True(t, IsError(err), "want *config.Error, got %T", err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestParseRejectsUnknownAndTrailing(t *testing.T) {
	t.Parallel()
	_, err := NewConfigManager(writeFile(t, "c.json", `{"telegramm": {}}`)).Parse()
	require.Error(t, err)
	assert.True(t, IsError(err))

	_, err = NewConfigManager(writeFile(t, "c.json", `{} {}`)).Parse()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trailing data")

	_, err = NewConfigManager(writeFile(t, "c.yml", "agents: [unclosed")).Parse()
	assert.Error(t, err)

	_, err = NewConfigManager(filepath.Join(t.TempDir(), "missing.json")).Parse()
	assert.True(t, IsError(err))
}

func TestManagerLoadValidates(t *testing.T) {
	t.Setenv("PW_TEST_TOKEN", "123:abc")
	m := NewConfigManager(writeFile(t, "pollwatch.yaml", minimalYAML))
	cfg, s, err := m.Load()
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())
	assert.Same(t, s, m.Settings())

	bad := NewConfigManager(writeFile(t, "bad.yaml", "telegram: {alert_chat: 1}\n"))
	_, _, err = bad.Load()
	require.Error(t, err)
	assert.Nil(t, bad.Get())
}

func TestLoadCredentials(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "creds.json", `{"accounts": ["a@x.io:pw"], "proxies": []}`)
	a := Agent{Name: "p", CredentialsFile: path}
	a.Engine.RequireAccount = true
	a.Engine.RequireProxy = true

	f, err := LoadCredentials(a)
	require.NoError(t, err)
	assert.Len(t, f.Accounts, 1)
	assert.Equal(t, []string{RequireProxy}, MissingCredentials(a, f))

	_, err = LoadCredentials(Agent{Name: "p", CredentialsFile: filepath.Join(t.TempDir(), "none.json")})
	require.Error(t, err)
	var ce *Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "agents.p.credentials_file", ce.Path)

	f, err = LoadCredentials(Agent{})
	require.NoError(t, err)
	assert.Empty(t, f.Accounts)
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := parse(t, "a.yaml", minimalYAML)
	newCfg := parse(t, "b.yaml", strings.Replace(minimalYAML, "alert_chat: -100123", "alert_chat: -100999", 1)+`
logging:
  level: debug
  `)
	newCfg.Agents["second"] = AgentConfig{Source: oldCfg.Agents["bear_cave"].Source}

	sections, attrs, agents := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"agents", "logging", "telegram"}, sections)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"second"}, agents)
	assert.True(t, NeedsRestart(sections))
	assert.False(t, NeedsRestart([]string{"logging"}))

	same, _, _ := SummarizeConfigChange(oldCfg, oldCfg)
	assert.Empty(t, same)
}

func TestWatchPublishesValidEdits(t *testing.T) {
	t.Setenv("PW_TEST_TOKEN", "123:abc")
	path := writeFile(t, "pollwatch.yaml", minimalYAML)
	m := NewConfigManager(path)
	_, _, err := m.Load()
	require.NoError(t, err)

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	// Invalid edit: rejected, nothing published.
	require.NoError(t, os.WriteFile(path, []byte("telegram: {}\n"), 0o600))
	time.Sleep(500 * time.Millisecond)
	select {
	case <-sub:
		t.Fatal("invalid config was published")
	default:
	}

	require.NoError(t, os.WriteFile(path, []byte(minimalYAML+"logging:\n  level: debug\n"), 0o600))
	select {
	case cfg := <-sub:
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, "debug", m.Get().Logging.Level)
	case <-time.After(3 * time.Second):
		t.Fatal("valid config was not published")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationField("x", "")
	require.NoError(t, err)
	assert.Zero(t, d)
	_, err = ParseDurationField("x", "-1s")
	assert.Error(t, err)
	assert.True(t, IsError(err))
	d, err = ParseDurationOrDefault("x", "0s", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	d, err = ParseDurationInRange("agents.a.poll_interval", "", time.Second, 200*time.Millisecond, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)
	_, err = ParseDurationInRange("agents.a.poll_interval", "10s", time.Second, 200*time.Millisecond, 5*time.Second)
	assert.ErrorContains(t, err, "agents.a.poll_interval: 10s out of range")
}

func TestYAMLNumericKeys(t *testing.T) {
	t.Parallel()
	out, format, err := toJSON("c.yml", []byte("agents:\n  7:\n    enabled: false\n"))
	require.NoError(t, err)
	assert.Equal(t, formatYAML, format)
	assert.JSONEq(t, `{"agents": {"7": {"enabled": false}}}`, string(out))

	out, format, err = toJSON("c.json", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, formatJSON, format)
	assert.Equal(t, "{}", string(out))
}
