package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"newsbeat/internal/task/engine"
	logx "newsbeat/pkg/logx"
)

var ErrUnknownSchedule = errors.New("unknown schedule")

// AddSchedule parses schedule and registers a cron or interval task that
// skips a tick while its previous run is still in flight.
//
// Supported schedule formats:
//   - Cron: "*/5 * * * *", "55 * * * *", "@hourly", "@every 5m"
//   - Interval duration: "5m", "2h30m"
//   - Interval HH:MM: "00:05" (5 minutes), "02:30" (2 hours 30 minutes)
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job func(ctx context.Context) error) (string, error) {
	return s.AddScheduleOpt(name, schedule, timeout, TaskOptions{Overlap: OverlapSkipIfRunning}, job)
}

// AddScheduleOpt is AddSchedule with task options.
func (s *Service) AddScheduleOpt(name, schedule string, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) (string, error) {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return "", err
	}
	spec := ps.Cron
	if ps.Kind == SpecInterval {
		spec = "@every " + ps.Every.String()
	}
	return s.add(name, spec, timeout, opt, job)
}

func (s *Service) AddInterval(name string, every, timeout time.Duration, job func(ctx context.Context) error) (string, error) {
	if every <= 0 {
		return "", fmt.Errorf("interval must be > 0")
	}
	return s.add(name, "@every "+every.String(), timeout, TaskOptions{Overlap: OverlapSkipIfRunning}, job)
}

// add upserts by name so hot reloads never duplicate a schedule.
func (s *Service) add(name, spec string, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("name required")
	}
	if job == nil {
		return "", errors.New("job required")
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return "", fmt.Errorf("schedule %q: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// the overlap slot survives re-registration so a running cycle still blocks
	state := &engine.RunState{}
	for _, d := range s.defs {
		if d.name == name {
			state = d.state
		}
	}
	s.removeScheduleLocked(name)

	d := scheduleDef{
		id:      fmt.Sprintf("sched:%d", time.Now().UnixNano()),
		name:    name,
		spec:    spec,
		timeout: timeout,
		job:     job,
		opt:     opt,
		state:   state,
	}
	s.defs = append(s.defs, d)
	if s.c == nil {
		return name, nil
	}
	if err := s.addCronLocked(s.c, &s.defs[len(s.defs)-1]); err != nil {
		s.log.Error("schedule register failed", logx.String("name", name), logx.String("spec", spec), logx.Err(err))
		return name, err
	}
	fields := []logx.Field{logx.String("name", name), logx.String("spec", spec), logx.Duration("timeout", timeout)}
	if next := s.previewNextRunsLocked(spec, 3); next != "" {
		fields = append(fields, logx.String("next", next))
	}
	s.log.Debug("schedule registered", fields...)
	return name, nil
}

// RunNow enqueues the named schedule immediately, outside its trigger. The
// overlap policy still applies.
func (s *Service) RunNow(name string) error {
	s.mu.Lock()
	var def *scheduleDef
	for i := range s.defs {
		if s.defs[i].name == name {
			d := s.defs[i]
			def = &d
			break
		}
	}
	s.mu.Unlock()
	if def == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSchedule, name)
	}
	return s.enqueue(*def)
}

// Remove unschedules name. It reports whether something was removed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	removed := s.removeScheduleLocked(strings.TrimSpace(name))
	s.mu.Unlock()
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

func (s *Service) removeScheduleLocked(name string) bool {
	if name == "" {
		return false
	}
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) addCronLocked(c *cron.Cron, d *scheduleDef) error {
	def := *d
	eid, err := c.AddJob(d.spec, cron.FuncJob(func() {
		if err := s.enqueue(def); err != nil {
			s.reportEnqueueError(def.name, err)
		}
	}))
	if err != nil {
		return fmt.Errorf("schedule %q: %w", d.name, err)
	}
	d.entryID = eid
	return nil
}

func (s *Service) enqueue(d scheduleDef) error {
	if s.engine == nil {
		return engine.ErrDisabled
	}
	return s.engine.Enqueue(engine.Task{
		Name:    d.name,
		Timeout: d.timeout,
		Run:     d.job,
		Opt:     d.opt,
		State:   d.state,
	})
}

// previewNextRunsLocked lists upcoming run times for debug logs.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if !s.log.Enabled(logx.LevelDebug) {
		return ""
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = s.loadLocationLocked()
	}
	t := time.Now().In(loc)
	parts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		parts = append(parts, t.Format("2006-01-02 15:04:05"))
	}
	return strings.Join(parts, ", ")
}
