package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
)

// ParsedSpec is a schedule string resolved to either a cron expression or a
// fixed interval. Source is "cron", "duration" or "hhmm".
type ParsedSpec struct {
	Kind   SpecKind
	Cron   string
	Every  time.Duration
	Source string
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseSchedule accepts a cron expression ("*/5 * * * *", "@hourly",
// "@every 5m"), a Go duration ("5m") or an HH:MM interval ("00:05").
// The prefixes "cron:", "interval:" and "every:" force the kind.
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return ParsedSpec{}, fmt.Errorf("cron schedule required after 'cron:'")
		}
		return ParsedSpec{Kind: SpecCron, Cron: expr, Source: "cron"}, nil
	case strings.HasPrefix(low, "interval:"):
		return intervalSpec(s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return intervalSpec(s[len("every:"):])
	}

	// whitespace or a leading '@' means cron
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return ParsedSpec{Kind: SpecCron, Cron: s, Source: "cron"}, nil
	}
	ps, err := intervalSpec(s)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf(
			"invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '00:05', or duration like '5m')", raw)
	}
	return ps, nil
}

func intervalSpec(v string) (ParsedSpec, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return ParsedSpec{}, fmt.Errorf("interval required")
	}
	src := "duration"
	var d time.Duration
	if m := reHHMM.FindStringSubmatch(v); m != nil {
		src = "hhmm"
		hh, _ := strconv.Atoi(m[1])
		mm, _ := strconv.Atoi(m[2])
		if mm > 59 {
			return ParsedSpec{}, fmt.Errorf("invalid minutes in %q", v)
		}
		d = time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	} else {
		var err error
		if d, err = time.ParseDuration(v); err != nil {
			return ParsedSpec{}, fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '5m')", v)
		}
	}
	if d <= 0 {
		return ParsedSpec{}, fmt.Errorf("interval must be > 0")
	}
	return ParsedSpec{Kind: SpecInterval, Every: d, Source: src}, nil
}

// maxGapProbe bounds how many cron firings MaxGap inspects.
const maxGapProbe = 4096

// MaxGap is the longest time between two consecutive firings within the
// first two days after from. Intervals return Every.
func (p ParsedSpec) MaxGap(from time.Time, loc *time.Location) (time.Duration, error) {
	if p.Kind == SpecInterval {
		return p.Every, nil
	}
	sched, err := cronParser.Parse(p.Cron)
	if err != nil {
		return 0, fmt.Errorf("invalid cron %q: %w", p.Cron, err)
	}
	if loc == nil {
		loc = time.Local
	}
	prev := sched.Next(from.In(loc))
	if prev.IsZero() {
		return 0, fmt.Errorf("cron %q never fires", p.Cron)
	}
	horizon := prev.Add(48 * time.Hour)
	var gap time.Duration
	for i := 0; i < maxGapProbe && prev.Before(horizon); i++ {
		next := sched.Next(prev)
		if next.IsZero() {
			break
		}
		gap = max(gap, next.Sub(prev))
		prev = next
	}
	if gap == 0 {
		// a single firing in the horizon: nothing fires for at least that long
		gap = 48 * time.Hour
	}
	return gap, nil
}
