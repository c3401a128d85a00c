package scheduler

import (
	"errors"
	"time"

	"golang.org/x/time/rate"

	"newsbeat/internal/task/engine"
	logx "newsbeat/pkg/logx"
)

// A full or stopped engine fails every tick; one warning per schedule per
// interval is enough.
const enqueueWarnEvery = 5 * time.Second

func (s *Service) reportEnqueueError(name string, err error) {
	switch {
	case err == nil:
		return
	case errors.Is(err, engine.ErrOverlapSkip):
		s.log.Debug("tick skipped; previous cycle still queued or running", logx.String("schedule", name))
		return
	}

	s.enqMu.Lock()
	warn, ok := s.enqWarn[name]
	if !ok {
		warn = &rate.Sometimes{Interval: enqueueWarnEvery}
		s.enqWarn[name] = warn
	}
	s.enqMu.Unlock()

	warn.Do(func() {
		s.log.Warn("tick not enqueued", logx.String("schedule", name), logx.Err(err))
	})
}
