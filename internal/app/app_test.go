package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pollwatch/internal/config"
	"pollwatch/internal/dedup"
	"pollwatch/internal/engine"
)

const emptyFeed = `<?xml version="1.0"?><rss version="2.0"><channel><title>t</title></channel></rss>`

func feedServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(emptyFeed))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "pollwatch.json")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func baseConfig(feedURL, agentExtra string) string {
	return fmt.Sprintf(`{
  "logging": {"level": "error"},
  "telegram": {"token": "123:abc", "alert_chat": -100, "api_url": "http://127.0.0.1:1"},
  "storage": {"driver": "memory"},
  "metrics": {"enabled": true, "addr": "127.0.0.1:0"},
  "shutdown_grace": "3s",
  "agents": {
    "bear_cave": {%s"source": {"kind": "rss", "url": %q}}
  }
}`, agentExtra, feedURL)
}

func TestAppStartStop(t *testing.T) {
	feed := feedServer(t)
	a, err := NewApp(writeConfig(t, baseConfig(feed.URL, "")))
	require.NoError(t, err)
	assert.Equal(t, []string{"bear_cave"}, a.Agents())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))
	assert.Error(t, a.Start(ctx))

	require.Eventually(t, func() bool { return a.obs.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	h, healthy := a.Health()
	assert.True(t, healthy)
	assert.Equal(t, "ok", h.Status)
	require.Len(t, h.Agents, 1)
	assert.Equal(t, "bear_cave", h.Agents[0].Name)
	assert.NotEmpty(t, h.Jobs)

	require.NoError(t, a.heartbeat(ctx))
	require.NoError(t, a.jobs.RunNow(ctx, "flush"))
	require.NoError(t, a.jobs.RunNow(ctx, "prune"))

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopAppStop))
	assert.NoError(t, a.Err())
	select {
	case <-a.Done():
	default:
		t.Fatal("app context still live after Stop")
	}
	// Second stop is a no-op.
	require.NoError(t, a.Stop(stopCtx, StopAppStop))
}

func TestCorruptStateDegradesOnlyThatAgent(t *testing.T) {
	feed := feedServer(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(dedup.StatePath(dir, "bear_cave"), []byte(`{"seenKeys": 42}`), 0o600))

	a, err := NewApp(writeConfig(t, fmt.Sprintf(`{
  "logging": {"level": "error"},
  "telegram": {"token": "123:abc", "alert_chat": -100, "api_url": "http://127.0.0.1:1"},
  "storage": {"driver": "file", "dir": %q},
  "shutdown_grace": "3s",
  "agents": {
    "bear_cave": {"source": {"kind": "rss", "url": %q}},
    "healthy_one": {"source": {"kind": "rss", "url": %q}}
  }
}`, dir, feed.URL, feed.URL)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.Start(ctx))

	require.Eventually(t, func() bool {
		for _, ts := range a.sup.Snapshot() {
			if ts.Name == "agent.bear_cave" && ts.LastErr != "" {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)

	select {
	case <-a.Done():
		t.Fatalf("app stopped: %v", a.Err())
	case <-time.After(200 * time.Millisecond):
	}
	assert.NoError(t, a.Err())

	h, healthy := a.Health()
	assert.False(t, healthy)
	assert.Equal(t, "degraded", h.Status)
	byName := map[string]agentHealth{}
	for _, ah := range h.Agents {
		byName[ah.Name] = ah
	}
	assert.Contains(t, byName["bear_cave"].Error, "cannot unmarshal")
	assert.Empty(t, byName["healthy_one"].Error)

	running := map[string]bool{}
	for _, ts := range h.Tasks {
		running[ts.Name] = ts.Running
	}
	assert.True(t, running["agent.healthy_one"])

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopAppStop))
}

func TestNewAppCredentialExhausted(t *testing.T) {
	feed := feedServer(t)
	creds := filepath.Join(t.TempDir(), "creds.json")
	require.NoError(t, os.WriteFile(creds, []byte(`{"accounts": [], "proxies": ["127.0.0.1:8080"]}`), 0o600))

	extra := fmt.Sprintf(`"requires": ["account", "proxy"], "credentials_file": %q, `, creds)
	_, err := NewApp(writeConfig(t, baseConfig(feed.URL, extra)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, engine.ErrCredentialExhausted))
	assert.False(t, config.IsError(err))
}

func TestNewAppBadCredentialsFileIsConfigError(t *testing.T) {
	feed := feedServer(t)
	extra := fmt.Sprintf(`"requires": ["proxy"], "credentials_file": %q, `, filepath.Join(t.TempDir(), "missing.json"))
	_, err := NewApp(writeConfig(t, baseConfig(feed.URL, extra)))
	require.Error(t, err)
	assert.True(t, config.IsError(err))
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	_, err := NewApp(writeConfig(t, `{"agents": {}}`))
	require.Error(t, err)
	assert.True(t, config.IsError(err))
}
