package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitDone(t *testing.T, s *Supervisor) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return err
}

func TestGoRestartRetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var calls atomic.Int32
	s.GoRestart("flaky", func(ctx context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("not yet")
		}
		return nil
	}, WithBackoff(time.Millisecond, 5*time.Millisecond))
	require.NoError(t, waitDone(t, s))

	assert.Equal(t, int32(3), calls.Load())
	snap := s.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "flaky", snap[0].Name)
	assert.Equal(t, uint64(2), snap[0].Restarts)
	assert.False(t, snap[0].Running)
}

func TestGoRestartRecoversPanics(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var calls atomic.Int32
	s.GoRestart("panicky", func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return nil
	}, WithBackoff(time.Millisecond, time.Millisecond))
	require.NoError(t, waitDone(t, s))
	assert.Equal(t, uint64(1), s.Snapshot()[0].Panics)
}

func TestMaxRestartsStops(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var calls atomic.Int32
	s.GoRestart("doomed", func(ctx context.Context) error {
		calls.Add(1)
		return errors.New("always")
	}, WithBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))
	assert.Error(t, waitDone(t, s))
	assert.Equal(t, int32(3), calls.Load())
}

func TestCancelOnErrorStopsSiblings(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithCancelOnError(true))
	s.Go("fails", func(ctx context.Context) error { return errors.New("fatal") })
	s.Go("waits", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	require.Error(t, waitDone(t, s))
	assert.Contains(t, s.Err().Error(), "fatal")
}

func TestStopCancelsTasks(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	started := make(chan struct{})
	s.Go("loop", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	<-started
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.NoError(t, s.Err())
}
