package app

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"newsbeat/internal/broadcast"
	"newsbeat/internal/config"
	"newsbeat/internal/domain"
	"newsbeat/internal/feed"
	"newsbeat/internal/httpserver"
	"newsbeat/internal/live"
	"newsbeat/internal/mailer"
	"newsbeat/internal/policy"
	"newsbeat/internal/storage"
	"newsbeat/internal/task/engine"
	"newsbeat/internal/task/scheduler"
	logx "newsbeat/pkg/logx"
)

const (
	defaultCycleTimeout = 4 * time.Minute
	defaultInterval     = "5m"
)

func parseDuration(path, raw string, def time.Duration) (time.Duration, error) {
	return config.ParseDurationOrDefault(path, raw, def)
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	}
}

// mapTaskEngineConfig follows the scheduler: the engine exists to run its
// triggers. Cycles never retry, so retry_max only affects other tasks.
func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	out := engine.Config{Enabled: cfg.Scheduler.Enabled, Workers: 1, QueueSize: 16, HistorySize: 200}
	te := cfg.TaskEngine
	if te == nil {
		return out, nil
	}
	if te.Workers > 0 {
		out.Workers = te.Workers
	}
	if te.QueueSize > 0 {
		out.QueueSize = te.QueueSize
	}
	if te.HistorySize > 0 {
		out.HistorySize = te.HistorySize
	}
	out.RetryMax = te.RetryMax

	var err error
	if out.DefaultTimeout, err = parseDuration("task_engine.default_timeout", te.DefaultTimeout, 0); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = parseDuration("task_engine.max_queue_delay", te.MaxQueueDelay, 0); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

// cycleSchedule is the trigger and timeout of the broadcast cycle.
type cycleSchedule struct {
	Spec       string
	Parsed     scheduler.ParsedSpec
	Timeout    time.Duration
	RunOnStart bool
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, cycleSchedule, error) {
	sc := cfg.Scheduler
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, cycleSchedule{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	spec := strings.TrimSpace(sc.Interval)
	if spec == "" {
		spec = defaultInterval
	}
	parsed, err := scheduler.ParseSchedule(spec)
	if err != nil {
		return scheduler.Config{}, cycleSchedule{}, fmt.Errorf("scheduler.interval: %w", err)
	}
	timeout, err := parseDuration("scheduler.timeout", sc.Timeout, defaultCycleTimeout)
	if err != nil {
		return scheduler.Config{}, cycleSchedule{}, err
	}
	cs := cycleSchedule{Spec: spec, Parsed: parsed, Timeout: timeout, RunOnStart: true}
	if sc.RunOnStart != nil {
		cs.RunOnStart = *sc.RunOnStart
	}
	return scheduler.Config{Enabled: sc.Enabled, Timezone: sc.Timezone}, cs, nil
}

// mapPolicy places the windows in the scheduler's timezone so "09:00" means
// the same wall clock for both.
func mapPolicy(cfg *config.Config) (policy.Policy, error) {
	p := policy.Default()
	p.HourlyMinute = cfg.Policy.HourlyMinute

	var err error
	if p.HourlyWindow, err = parseDuration("policy.hourly_window", cfg.Policy.HourlyWindow, p.HourlyWindow); err != nil {
		return policy.Policy{}, err
	}
	if p.DailyWindow, err = parseDuration("policy.daily_window", cfg.Policy.DailyWindow, p.DailyWindow); err != nil {
		return policy.Policy{}, err
	}
	if at := strings.TrimSpace(cfg.Policy.DailyAt); at != "" {
		if p.DailyAt, err = policy.ParseClock(at); err != nil {
			return policy.Policy{}, fmt.Errorf("policy.daily_at: %w", err)
		}
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if p.Location, err = time.LoadLocation(tz); err != nil {
			return policy.Policy{}, fmt.Errorf("scheduler.timezone: %w", err)
		}
	}
	if err := p.Validate(); err != nil {
		return policy.Policy{}, fmt.Errorf("policy: %w", err)
	}
	return p, nil
}

func mapCycleConfig(cfg *config.Config) (broadcast.Config, domain.Catalog, error) {
	cc := cfg.Cycle
	catalog := domain.NewCatalog(cc.Categories)
	out := broadcast.Config{
		Categories:  catalog.Names(),
		Concurrency: cc.Concurrency,
		HistorySize: cc.HistorySize,
	}
	var err error
	if out.StoreTimeout, err = parseDuration("cycle.store_timeout", cc.StoreTimeout, 0); err != nil {
		return broadcast.Config{}, domain.Catalog{}, err
	}
	if out.PublishTimeout, err = parseDuration("cycle.publish_timeout", cc.PublishTimeout, 0); err != nil {
		return broadcast.Config{}, domain.Catalog{}, err
	}
	return out, catalog, nil
}

func mapFeedConfig(cfg *config.Config) (feed.Config, error) {
	fc := cfg.Feed
	out := feed.Config{Limit: fc.Limit, BreakerFailures: uint32(fc.BreakerFailures)}
	var err error
	if out.Timeout, err = parseDuration("feed.timeout", fc.Timeout, 0); err != nil {
		return feed.Config{}, err
	}
	if out.BreakerCooldown, err = parseDuration("feed.breaker_cooldown", fc.BreakerCooldown, 0); err != nil {
		return feed.Config{}, err
	}
	if out.DedupWindow, err = parseDuration("cycle.dedup_window", cfg.Cycle.DedupWindow, 0); err != nil {
		return feed.Config{}, err
	}
	return out, nil
}

// newFeedSource builds the upstream for feed.driver. NewsAPI is the default.
func newFeedSource(cfg *config.Config, log logx.Logger) (feed.Source, error) {
	fc := cfg.Feed
	switch strings.ToLower(strings.TrimSpace(fc.Driver)) {
	case "", "newsapi":
		if strings.TrimSpace(fc.NewsAPI.APIKey) == "" {
			log.Warn("feed.newsapi.api_key is empty; upstream requests will be rejected")
		}
		return feed.NewNewsAPI(feed.NewsAPIConfig{
			BaseURL:  fc.NewsAPI.BaseURL,
			APIKey:   fc.NewsAPI.APIKey,
			Language: fc.NewsAPI.Language,
			Client:   &http.Client{},
		}), nil
	case "rss":
		if len(fc.RSS.URLs) == 0 {
			return nil, errors.New("feed.rss.urls is required when feed.driver=rss")
		}
		return feed.NewRSS(fc.RSS.URLs, fc.RSS.UserAgent), nil
	default:
		return nil, fmt.Errorf("unknown feed.driver: %s", fc.Driver)
	}
}

func mapMailConfig(cfg *config.Config) (mailer.Config, error) {
	mc := cfg.Mail
	out := mailer.Config{Enabled: mc.Enabled, Workers: mc.Workers, QueueSize: mc.QueueSize, RatePerSec: mc.RatePerSec}
	var err error
	if out.SendTimeout, err = parseDuration("mail.send_timeout", mc.SendTimeout, 0); err != nil {
		return mailer.Config{}, err
	}
	return out, nil
}

func mapSenderConfig(cfg *config.Config) (mailer.SenderConfig, error) {
	mc := cfg.Mail
	driver := strings.ToLower(strings.TrimSpace(mc.Driver))
	if driver == "" {
		driver = "log"
	}
	if driver == "smtp" && strings.TrimSpace(mc.SMTP.Host) == "" {
		return mailer.SenderConfig{}, errors.New("mail.smtp.host is required when mail.driver=smtp")
	}
	out := mailer.SenderConfig{
		Driver:   driver,
		From:     mc.From,
		Host:     mc.SMTP.Host,
		Port:     mc.SMTP.Port,
		Username: mc.SMTP.Username,
		Password: mc.SMTP.Password,
		TLS:      mc.SMTP.TLS,
		SSL:      mc.SMTP.SSL,
	}
	var err error
	if out.Timeout, err = parseDuration("mail.smtp.timeout", mc.SMTP.Timeout, 0); err != nil {
		return mailer.SenderConfig{}, err
	}
	return out, nil
}

func mapHubConfig(cfg *config.Config) live.HubConfig {
	ws := cfg.Live.WebSocket
	origins := ws.AllowedOrigins
	if len(origins) == 0 {
		origins = cfg.HTTP.AllowedOrigins
	}
	return live.HubConfig{AllowedOrigins: origins, MaxClients: ws.MaxClients}
}

func mapRedisConfig(cfg *config.Config) (live.RedisConfig, bool) {
	rc := cfg.Live.Redis
	return live.RedisConfig{Addr: rc.Addr, Password: rc.Password, DB: rc.DB, ChannelPrefix: rc.ChannelPrefix}, rc.Enabled
}

// mapStorageConfig defaults to the in-memory store when the section is omitted.
func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		if path == "" {
			return storage.Config{}, errors.New("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, errors.New("storage.path is required when storage.driver=sqlite")
		}
		busy, err := parseDuration("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapHTTPConfig(cfg *config.Config) (httpserver.Config, error) {
	hc := cfg.HTTP
	out := httpserver.Config{
		Enabled:        hc.Enabled,
		Addr:           hc.Addr,
		AllowedOrigins: hc.AllowedOrigins,
		Metrics:        hc.Metrics,
		Pprof:          httpserver.PprofConfig{Enabled: hc.Pprof.Enabled, Token: hc.Pprof.Token},
	}
	var err error
	if out.ReadTimeout, err = parseDuration("http.read_timeout", hc.ReadTimeout, 15*time.Second); err != nil {
		return httpserver.Config{}, err
	}
	if out.WriteTimeout, err = parseDuration("http.write_timeout", hc.WriteTimeout, 30*time.Second); err != nil {
		return httpserver.Config{}, err
	}
	return out, nil
}

// validateConfig runs every mapping so a hot reload is rejected before any
// service sees it. A trigger that can fire less often than the narrowest
// delivery window could step over that window, so it is refused.
func validateConfig(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	sc, cs, err := mapSchedulerConfig(cfg)
	if err != nil {
		return err
	}
	pol, err := mapPolicy(cfg)
	if err != nil {
		return err
	}
	if sc.Enabled {
		gap, err := cs.Parsed.MaxGap(time.Now(), pol.Location)
		if err != nil {
			return fmt.Errorf("scheduler.interval: %w", err)
		}
		if gap > pol.MinWindow() {
			return fmt.Errorf("scheduler.interval %q can wait %s between cycles; it must not exceed the narrowest delivery window (%s)",
				cs.Spec, gap, pol.MinWindow())
		}
	}
	if _, _, err := mapCycleConfig(cfg); err != nil {
		return err
	}
	if _, err := mapFeedConfig(cfg); err != nil {
		return err
	}
	if _, err := mapMailConfig(cfg); err != nil {
		return err
	}
	if cfg.Mail.Enabled {
		if _, err := mapSenderConfig(cfg); err != nil {
			return err
		}
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	return nil
}
