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

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestGoRecordsFirstErrorAndCancels(t *testing.T) {
	s := New(context.Background(), WithCancelOnError(true))
	boom := errors.New("boom")

	s.Go("fails", func(context.Context) error { return boom })
	s.Go("waits", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	err := s.Wait(waitCtx(t))
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "fails")
}

func TestGoRecoversPanic(t *testing.T) {
	s := New(context.Background())
	s.Go("panics", func(context.Context) error { panic("oops") })

	err := s.Wait(waitCtx(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic: oops")

	snap := s.Snapshot()
	require.Len(t, snap.Goroutines, 1)
	assert.Equal(t, 1, snap.Goroutines[0].Panics)
	assert.Equal(t, 0, snap.Goroutines[0].Active)
}

func TestGoRestartRetriesUntilClean(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond), WithPublishFirstError(true))

	err := s.Wait(waitCtx(t))
	require.Error(t, err, "first failure is published")
	assert.Equal(t, int32(3), runs.Load())
	assert.Equal(t, 2, s.Snapshot().Goroutines[0].Restarts)
}

func TestGoRestartGivesUp(t *testing.T) {
	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("broken", func(context.Context) error {
		runs.Add(1)
		return errors.New("always")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))

	require.Error(t, s.Wait(waitCtx(t)))
	assert.Equal(t, int32(3), runs.Load())
}

func TestStopCancelsContext(t *testing.T) {
	s := New(context.Background())
	s.GoRestart("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.NoError(t, s.Stop(waitCtx(t)))
}
