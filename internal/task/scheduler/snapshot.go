package scheduler

import "time"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	defs := append([]scheduleDef(nil), s.defs...)
	c, loc, eng := s.c, s.loc, s.engine
	s.mu.Unlock()

	if loc == nil {
		loc = time.Local
	}
	snap := Snapshot{Enabled: cfg.Enabled, Timezone: cfg.Timezone}
	if snap.Timezone == "" {
		snap.Timezone = loc.String()
	}

	snap.Schedules = make([]ScheduleInfo, 0, len(defs))
	for _, d := range defs {
		it := ScheduleInfo{ID: d.id, Name: d.name, Spec: d.spec, Timeout: d.timeout, Running: d.state.Running()}
		if c != nil && d.entryID != 0 {
			e := c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		snap.Schedules = append(snap.Schedules, it)
	}

	if eng == nil {
		return snap
	}
	es := eng.Snapshot()
	snap.Workers = es.Workers
	snap.InFlight = es.InFlight
	snap.QueueLen, snap.QueueCap = es.QueueLen, es.QueueCap
	snap.Dropped = es.Dropped
	snap.DroppedQueueFull = es.DroppedQueueFull
	snap.DroppedStale = es.DroppedStale
	snap.SkippedTicks = es.Skipped
	snap.DefaultTimeout = es.DefaultTimeout
	snap.MaxQueueDelay = es.MaxQueueDelay
	snap.History = es.History

	snap.RetryMax = es.RetryMax
	snap.RetryBase = es.RetryBase
	return snap
}
