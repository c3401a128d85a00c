package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"newsbeat/internal/eventbus"
	"newsbeat/internal/task/engine"
	logx "newsbeat/pkg/logx"
)

// Config controls the trigger service. Execution settings live in engine.Config.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/Berlin"
}

type OverlapPolicy = engine.OverlapPolicy

type TaskOptions = engine.TaskOptions

type HistoryItem = engine.HistoryItem

const (
	OverlapAllow         = engine.OverlapAllow
	OverlapSkipIfRunning = engine.OverlapSkipIfRunning
)

type scheduleDef struct {
	id      string
	name    string
	spec    string // cron spec or @every
	timeout time.Duration
	job     func(ctx context.Context) error
	entryID cron.EntryID
	opt     TaskOptions
	state   *engine.RunState
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus

	engine *engine.Service

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	enqMu   sync.Mutex
	enqWarn map[string]*rate.Sometimes
}

type ScheduleInfo struct {
	ID      string        `json:"id"`
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Running bool          `json:"running"`
	Next    time.Time     `json:"next"`
	Prev    time.Time     `json:"prev"`
}

type Snapshot struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone"`

	Workers          int           `json:"workers"`
	InFlight         int           `json:"in_flight"`
	QueueLen         int           `json:"queue_len"`
	QueueCap         int           `json:"queue_cap"`
	Dropped          uint64        `json:"dropped"`
	DroppedQueueFull uint64        `json:"dropped_queue_full"`
	DroppedStale     uint64        `json:"dropped_stale"`
	SkippedTicks     uint64        `json:"skipped_ticks"`
	DefaultTimeout   time.Duration `json:"default_timeout"`
	MaxQueueDelay    time.Duration `json:"max_queue_delay"`
	RetryMax         int           `json:"retry_max"`
	RetryBase        time.Duration `json:"retry_base"`

	Schedules []ScheduleInfo `json:"schedules"`
	History   []HistoryItem  `json:"history"`
}
