package config

// Config is the on-disk configuration (JSON or YAML). Durations are Go
// duration strings ("500ms", "10s", "5m"); clock times are "HH:MM".
// String values may reference environment variables as ${NAME} or
// ${NAME:-default}.
type Config struct {
	Logging    LoggingConfig     `json:"logging"`
	Scheduler  SchedulerConfig   `json:"scheduler"`
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`
	Cycle      CycleConfig       `json:"cycle"`
	Policy     PolicyConfig      `json:"policy"`
	Feed       FeedConfig        `json:"feed"`
	Mail       MailConfig        `json:"mail"`
	Live       LiveConfig        `json:"live"`
	Storage    *StorageConfig    `json:"storage,omitempty"`
	Ledger     LedgerConfig      `json:"ledger"`
	HTTP       HTTPConfig        `json:"http"`
}

type LoggingConfig struct {
	Level   string      `json:"level" validate:"omitempty,oneof=trace debug info warn warning error TRACE DEBUG INFO WARN WARNING ERROR"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path" validate:"required_if=Enabled true"`
}

// SchedulerConfig controls the cycle trigger.
//
// Interval accepts a Go duration ("5m"), an HH:MM interval ("00:05") or a
// cron expression ("*/5 * * * *"). It must not be wider than the narrowest
// delivery window.
type SchedulerConfig struct {
	Enabled    bool   `json:"enabled"`
	Interval   string `json:"interval" validate:"required"`
	Timezone   string `json:"timezone,omitempty"`
	RunOnStart *bool  `json:"run_on_start,omitempty"`
	// Timeout bounds a whole cycle. Default 4m.
	Timeout string `json:"timeout,omitempty"`
}

// TaskEngineConfig controls the worker pool running scheduled tasks.
//
// Defaults: workers 1, queue_size 16, history_size 200, retry_max 0.
type TaskEngineConfig struct {
	Workers        int    `json:"workers,omitempty" validate:"gte=0"`
	QueueSize      int    `json:"queue_size,omitempty" validate:"gte=0"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty" validate:"gte=0"`
	RetryMax       int    `json:"retry_max,omitempty" validate:"gte=0"`
}

type CycleConfig struct {
	Categories     []string `json:"categories,omitempty" validate:"dive,required"`
	Concurrency    int      `json:"concurrency,omitempty" validate:"gte=0,lte=32"`
	StoreTimeout   string   `json:"store_timeout,omitempty"`
	PublishTimeout string   `json:"publish_timeout,omitempty"`
	DedupWindow    string   `json:"dedup_window,omitempty"`
	HistorySize    int      `json:"history_size,omitempty" validate:"gte=0"`
}

// PolicyConfig places the hourly and daily delivery windows.
type PolicyConfig struct {
	HourlyMinute int    `json:"hourly_minute" validate:"gte=0,lte=59"`
	HourlyWindow string `json:"hourly_window,omitempty"`
	DailyAt      string `json:"daily_at,omitempty"`
	DailyWindow  string `json:"daily_window,omitempty"`
}

type FeedConfig struct {
	Driver          string        `json:"driver" validate:"omitempty,oneof=newsapi rss"`
	Limit           int           `json:"limit,omitempty" validate:"gte=0,lte=100"`
	Timeout         string        `json:"timeout,omitempty"`
	BreakerFailures int           `json:"breaker_failures,omitempty" validate:"gte=0"`
	BreakerCooldown string        `json:"breaker_cooldown,omitempty"`
	NewsAPI         NewsAPIConfig `json:"newsapi"`
	RSS             RSSConfig     `json:"rss"`
}

type NewsAPIConfig struct {
	BaseURL  string `json:"base_url,omitempty" validate:"omitempty,url"`
	APIKey   string `json:"api_key"`
	Language string `json:"language,omitempty"`
}

type RSSConfig struct {
	UserAgent string `json:"user_agent,omitempty"`
	// URLs maps a category to its feed URL.
	URLs map[string]string `json:"urls,omitempty" validate:"dive,url"`
}

type MailConfig struct {
	Enabled     bool       `json:"enabled"`
	Driver      string     `json:"driver" validate:"omitempty,oneof=log smtp"`
	From        string     `json:"from" validate:"omitempty,email"`
	Workers     int        `json:"workers,omitempty" validate:"gte=0"`
	QueueSize   int        `json:"queue_size,omitempty" validate:"gte=0"`
	RatePerSec  int        `json:"rate_per_sec,omitempty" validate:"gte=0"`
	SendTimeout string     `json:"send_timeout,omitempty"`
	SMTP        SMTPConfig `json:"smtp"`
}

// SMTPConfig never appears in logs; Password in particular.
type SMTPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port,omitempty" validate:"gte=0,lte=65535"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	TLS      string `json:"tls,omitempty" validate:"omitempty,oneof=mandatory opportunistic none"`
	SSL      bool   `json:"ssl,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

type LiveConfig struct {
	WebSocket WebSocketConfig `json:"websocket"`
	Redis     RedisConfig     `json:"redis"`
}

type WebSocketConfig struct {
	Enabled        bool     `json:"enabled"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	MaxClients     int      `json:"max_clients,omitempty" validate:"gte=0"`
}

type RedisConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr" validate:"required_if=Enabled true"`
	Password      string `json:"password,omitempty"`
	DB            int    `json:"db,omitempty" validate:"gte=0"`
	ChannelPrefix string `json:"channel_prefix,omitempty"`
}

// StorageConfig selects the subscriber store.
//
//	"storage": { "driver": "sqlite", "path": "./newsbeat.db" }
type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=memory file sqlite sqlite3"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// LedgerConfig controls persistence of confirmed send times.
type LedgerConfig struct {
	Persist bool `json:"persist"`
}

type HTTPConfig struct {
	Enabled        bool        `json:"enabled"`
	Addr           string      `json:"addr,omitempty" validate:"omitempty,hostname_port"`
	AllowedOrigins []string    `json:"allowed_origins,omitempty"`
	ReadTimeout    string      `json:"read_timeout,omitempty"`
	WriteTimeout   string      `json:"write_timeout,omitempty"`
	Metrics        bool        `json:"metrics"`
	Pprof          PprofConfig `json:"pprof"`
}

// PprofConfig mounts net/http/pprof under /debug/pprof on the HTTP server.
// A token, when set, is required as a bearer token.
type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
}
