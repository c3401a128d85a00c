package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"newsbeat/internal/eventbus"
	logx "newsbeat/pkg/logx"
)

func startEngine(t *testing.T, cfg Config, bus eventbus.Bus) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event, typ string) eventbus.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Type == typ {
				return e
			}
		case <-timeout:
			t.Fatalf("no %s event", typ)
		}
	}
}

func TestOverlapSkipWhileRunning(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16, "task.")
	defer unsub()
	s := startEngine(t, Config{Workers: 2}, bus)

	started := make(chan struct{})
	release := make(chan struct{})
	task := Task{Name: "broadcast.cycle", Opt: TaskOptions{Overlap: OverlapSkipIfRunning}, Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}
	require.NoError(t, s.Enqueue(task))
	<-started

	err := s.Enqueue(Task{Name: "broadcast.cycle", Opt: TaskOptions{Overlap: OverlapSkipIfRunning}, Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrOverlapSkip)
	assert.Equal(t, uint64(1), s.Snapshot().Skipped)
	assert.Equal(t, "overlap_skip", waitEvent(t, events, eventbus.TaskSkipped).Data.(TaskEvent).Error)

	close(release)
	waitEvent(t, events, eventbus.TaskFinished)

	// the slot is free again once the run completes
	ran := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{Name: "broadcast.cycle", Opt: TaskOptions{Overlap: OverlapSkipIfRunning}, Run: func(context.Context) error {
		close(ran)
		return nil
	}}))
	<-ran
}

func TestNoRetryStopsAfterFirstAttempt(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16, "task.")
	defer unsub()
	s := startEngine(t, Config{RetryMax: 3}, bus)

	var calls atomic.Int32
	boom := errors.New("store read failed")
	require.NoError(t, s.Enqueue(Task{Name: "cycle", Run: func(context.Context) error {
		calls.Add(1)
		return NoRetry(boom)
	}}))

	ev := waitEvent(t, events, eventbus.TaskFailed).Data.(TaskEvent)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, ev.Attempts)
	assert.Equal(t, boom.Error(), ev.Error)
	assert.True(t, IsNoRetry(NoRetry(boom)))
	assert.False(t, IsNoRetry(boom))
}

func TestRetryUntilSuccess(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16, "task.")
	defer unsub()
	s := startEngine(t, Config{RetryMax: 2, RetryBase: time.Millisecond}, bus)

	var calls atomic.Int32
	require.NoError(t, s.Enqueue(Task{
		Name: "flaky",
		Run: func(context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("transient")
			}
			return nil
		},
	}))

	ev := waitEvent(t, events, eventbus.TaskFinished).Data.(TaskEvent)
	assert.Equal(t, 3, ev.Attempts)
}

func TestPanicBecomesFailure(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16, "task.")
	defer unsub()
	s := startEngine(t, Config{}, bus)

	require.NoError(t, s.Enqueue(Task{Name: "boom", Run: func(context.Context) error { panic("kaboom") }}))
	ev := waitEvent(t, events, eventbus.TaskFailed).Data.(TaskEvent)
	assert.Contains(t, ev.Error, "kaboom")

	// the worker survives the panic
	done := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{Name: "after", Run: func(context.Context) error {
		close(done)
		return nil
	}}))
	<-done
}

func TestTimeoutCancelsRun(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16, "task.")
	defer unsub()
	s := startEngine(t, Config{}, bus)

	require.NoError(t, s.Enqueue(Task{Name: "slow", Timeout: 20 * time.Millisecond, Run: func(ctx context.Context) error {
		<-ctx.Done()
		return NoRetry(ctx.Err())
	}}))
	ev := waitEvent(t, events, eventbus.TaskFailed).Data.(TaskEvent)
	assert.Equal(t, context.DeadlineExceeded.Error(), ev.Error)

	hist := s.Snapshot().History
	require.Len(t, hist, 1)
	assert.Equal(t, "slow", hist[0].Name)
}

func TestEnqueueRejections(t *testing.T) {
	off := New(Config{}, logx.Nop(), nil)
	assert.ErrorIs(t, off.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}), ErrDisabled)

	s := New(Config{Enabled: true}, logx.Nop(), nil)
	assert.ErrorIs(t, s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}), ErrStopped)
	assert.Error(t, s.Enqueue(Task{Name: "x"}))
	assert.Error(t, s.Enqueue(Task{Run: func(context.Context) error { return nil }}))
}

func TestQueueFullDrops(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, QueueSize: 1}, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, s.Enqueue(Task{Name: "a", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}))
	<-started
	noop := func(context.Context) error { return nil }
	require.NoError(t, s.Enqueue(Task{Name: "b", Run: noop}))
	assert.ErrorIs(t, s.Enqueue(Task{Name: "c", Run: noop}), ErrQueueFull)

	snap := s.Snapshot()
	assert.Equal(t, uint64(1), snap.DroppedQueueFull)
	assert.Equal(t, 1, snap.InFlight)
}

func TestRetryDelayDoublesUpToCap(t *testing.T) {
	base := 100 * time.Millisecond
	assert.Equal(t, 100*time.Millisecond, retryDelay(base, 1))
	assert.Equal(t, 400*time.Millisecond, retryDelay(base, 3))
	assert.Equal(t, retryMaxDelay, retryDelay(base, 20))
}
