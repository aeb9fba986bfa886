package housekeeping

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "pollwatch/pkg/logx"
)

func TestParseSpec(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in    string
		every time.Duration
		ok    bool
	}{
		{"15 3 * * *", 0, true},
		{"0 */5 * * * *", 0, true},
		{"@hourly", 0, true},
		{"@every 10m", 10 * time.Minute, true},
		{"55m", 55 * time.Minute, true},
		{"02:30", 2*time.Hour + 30*time.Minute, true},
		{"00:00", 0, false},
		{"01:75", 0, false},
		{"", 0, false},
		{"-5m", 0, false},
		{"not a spec", 0, false},
		{"@every nope", 0, false},
	}
	for _, tc := range cases {
		sched, every, err := ParseSpec(tc.in)
		if !tc.ok {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.NotNil(t, sched, tc.in)
		assert.Equal(t, tc.every, every, tc.in)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()
	assert.NoError(t, Config{Heartbeat: DefaultHeartbeat, Prune: DefaultPrune, Flush: DefaultFlush}.Validate())
	assert.NoError(t, Config{}.Validate())
	err := Config{Prune: "61 * * * *"}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prune")
}

func TestRunNowRecordsOutcome(t *testing.T) {
	t.Parallel()
	s := New(time.UTC, logx.Nop())
	var calls atomic.Int32
	require.NoError(t, s.Add(Job{Name: "flush", Spec: "@every 1h", Run: func(context.Context) error {
		if calls.Add(1) == 2 {
			return errors.New("disk full")
		}
		return nil
	}}))

	require.NoError(t, s.RunNow(context.Background(), "flush"))
	require.Error(t, s.RunNow(context.Background(), "flush"))
	assert.ErrorIs(t, s.RunNow(context.Background(), "nope"), ErrUnknownJob)

	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, uint64(2), snap[0].Runs)
	assert.Equal(t, uint64(1), snap[0].Failures)
	assert.Equal(t, "disk full", snap[0].LastErr)
}

func TestPanicIsRecovered(t *testing.T) {
	t.Parallel()
	s := New(nil, logx.Nop())
	require.NoError(t, s.Add(Job{Name: "boom", Spec: "@daily", Run: func(context.Context) error { panic("x") }}))
	err := s.RunNow(context.Background(), "boom")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")
}

func TestOverlappingRunIsSkipped(t *testing.T) {
	t.Parallel()
	s := New(time.UTC, logx.Nop())
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, s.Add(Job{Name: "slow", Spec: "@every 1h", Run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}}))

	go func() { _ = s.RunNow(context.Background(), "slow") }()
	<-started
	require.NoError(t, s.RunNow(context.Background(), "slow"))
	close(release)

	require.Eventually(t, func() bool { return s.Snapshot()[0].Runs == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), s.Snapshot()[0].Skipped)
}

func TestScheduledRunAndStop(t *testing.T) {
	t.Parallel()
	s := New(time.UTC, logx.Nop())
	var calls atomic.Int32
	require.NoError(t, s.Add(Job{Name: "tick", Spec: "* * * * * *", Run: func(context.Context) error {
		calls.Add(1)
		return nil
	}}))
	require.Error(t, s.Add(Job{Name: "tick", Spec: "@hourly", Run: func(context.Context) error { return nil }}))

	s.Start(context.Background())
	require.Eventually(t, func() bool { return calls.Load() > 0 }, 3*time.Second, 20*time.Millisecond)
	assert.False(t, s.Snapshot()[0].Next.IsZero())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	n := calls.Load()
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, n, calls.Load())
}

func TestSpreadDelaysFirstRun(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)
	sched, _, err := ParseSpec("@every 1m")
	require.NoError(t, err)
	spread, jitter := withSpread(sched, time.Minute, now, "flush")
	assert.GreaterOrEqual(t, jitter, time.Duration(0))
	assert.Less(t, jitter, 30*time.Second)
	first := spread.Next(now)
	assert.Equal(t, now.Add(time.Minute+jitter), first)
	assert.True(t, spread.Next(first.Add(time.Second)).After(first))
}
