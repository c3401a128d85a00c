package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"newsbeat/internal/eventbus"
	logx "newsbeat/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan queuedTask) {
	for {
		// a closed stopCh wins over queued work
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt := <-queue:
			atomic.AddInt32(&s.inFlight, 1)
			s.execOne(ctx, stopCh, qt)
			atomic.AddInt32(&s.inFlight, -1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qt queuedTask) {
	if qt.track {
		defer qt.state.release()
	}

	start := time.Now()
	queueDelay := start.Sub(qt.enqueuedAt)
	if queueDelay < 0 {
		queueDelay = 0
	}

	s.mu.Lock()
	maxDelay := s.cfg.MaxQueueDelay
	s.mu.Unlock()
	if maxDelay > 0 && queueDelay > maxDelay {
		s.onStaleDropped(start, qt.task, queueDelay)
		s.appendHistory(HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Error: "stale_queue_delay"})
		return
	}

	s.log.Debug("task started", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay))
	s.publish(eventbus.TaskStarted, TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay})

	attempts, err := s.attempt(ctx, stopCh, qt)

	dur := time.Since(start)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, Duration: dur, QueueDelay: queueDelay}
	ev := TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
		s.appendHistory(item)
		s.log.Warn("task failed", logx.String("task", qt.task.Name), logx.Err(err), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		s.publish(eventbus.TaskFailed, ev)
		return
	}
	s.appendHistory(item)
	s.log.Debug("task completed", logx.String("task", qt.task.Name), logx.Duration("dur", dur), logx.Int("attempts", attempts))
	s.publish(eventbus.TaskFinished, ev)
}

// runOnce runs the task with its timeout and converts a panic into an error.
func (s *Service) runOnce(ctx context.Context, qt queuedTask) (err error) {
	runCtx := ctx
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task panicked", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return qt.task.Run(runCtx)
}

// attempt runs qt up to 1+RetryMax times, doubling the pause between
// attempts from Config.RetryBase up to retryMaxDelay.
func (s *Service) attempt(ctx context.Context, stopCh <-chan struct{}, qt queuedTask) (int, error) {
	s.mu.Lock()
	base := s.cfg.RetryBase
	s.mu.Unlock()

	limit := 1 + qt.opt.RetryMax
	for n := 1; ; n++ {
		err := s.runOnce(ctx, qt)
		if err == nil {
			return n, nil
		}
		var final *finalError
		if errors.As(err, &final) {
			return n, final.err
		}
		if n >= limit {
			return n, err
		}

		delay := retryDelay(base, n)
		s.log.Debug("task retry scheduled", logx.String("task", qt.task.Name), logx.Int("attempt", n+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return n, ctx.Err()
		case <-stopCh:
			tmr.Stop()
			return n, ErrStopping
		case <-tmr.C:
		}
	}
}

const retryMaxDelay = 15 * time.Second

// retryDelay is the pause after the n-th failed attempt.
func retryDelay(base time.Duration, n int) time.Duration {
	d := base
	for i := 1; i < n && d < retryMaxDelay; i++ {
		d *= 2
	}
	return min(d, retryMaxDelay)
}
