package observability

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "pollwatch/pkg/logx"
)

func TestValidate(t *testing.T) {
	t.Parallel()
	assert.NoError(t, Config{}.Validate())
	assert.NoError(t, Config{Addr: "localhost:9000"}.Validate())
	assert.Error(t, Config{Addr: ":9000"}.Validate())
	assert.Error(t, Config{Addr: "0.0.0.0:9000"}.Validate())
	assert.NoError(t, Config{Addr: "0.0.0.0:9000", Token: "s3cret"}.Validate())
	assert.NoError(t, Config{Addr: "0.0.0.0:9000", AllowInsecure: true}.Validate())
	assert.Error(t, Config{Addr: "nope"}.Validate())
}

func TestHandlerAuthAndRoutes(t *testing.T) {
	t.Parallel()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = io.WriteString(w, "pollwatch_up 1\n") })
	var unhealthy atomic.Bool
	s := New(Config{Token: "tok"}, logx.Nop(), metrics, func() (any, bool) {
		return map[string]string{"status": "ok"}, !unhealthy.Load()
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	get := func(path, bearer string) (int, string) {
		req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
		require.NoError(t, err)
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(b)
	}

	code, _ := get("/metrics", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = get("/metrics", "wrong")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, body := get("/metrics", "tok")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "pollwatch_up 1")

	code, body = get("/healthz?token=tok", "")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"ok"}`, body)

	unhealthy.Store(true)
	code, _ = get("/healthz", "tok")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	code, _ = get("/debug/pprof/", "tok")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestRunServesUntilCancelled(t *testing.T) {
	t.Parallel()
	s := New(Config{Addr: "127.0.0.1:0", Pprof: true}, logx.Nop(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	resp, err := http.Get("http://" + s.Addr() + "/debug/pprof/cmdline")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestRunRefusesInsecureBind(t *testing.T) {
	t.Parallel()
	s := New(Config{Addr: "0.0.0.0:0"}, logx.Nop(), nil, nil)
	assert.Error(t, s.Run(context.Background()))
}
