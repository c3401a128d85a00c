package config

import (
	"reflect"
	"sort"
	"strings"

	logx "newsbeat/pkg/logx"
)

// SummarizeConfigChange lists the sections that differ between two configs
// and returns log fields describing the new values. Secrets (API keys,
// passwords, tokens) are reported only as "*_set" booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var (
		changed []string
		attrs   []logx.Field
	)
	note := func(section string, differs bool, fields ...logx.Field) {
		if !differs {
			return
		}
		changed = append(changed, section)
		attrs = append(attrs, fields...)
	}

	note("logging", !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging),
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.console", newCfg.Logging.Console),
		logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
	)

	note("scheduler", !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler),
		logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
		logx.String("scheduler.interval", strings.TrimSpace(newCfg.Scheduler.Interval)),
		logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
	)

	oTE, nTE := deref(oldCfg.TaskEngine), deref(newCfg.TaskEngine)
	note("task_engine", !reflect.DeepEqual(oTE, nTE),
		logx.Int("task_engine.workers", nTE.Workers),
		logx.Int("task_engine.queue_size", nTE.QueueSize),
		logx.Int("task_engine.retry_max", nTE.RetryMax),
	)

	note("cycle", !reflect.DeepEqual(oldCfg.Cycle, newCfg.Cycle),
		logx.Strings("cycle.categories", newCfg.Cycle.Categories),
		logx.Int("cycle.concurrency", newCfg.Cycle.Concurrency),
	)

	note("policy", oldCfg.Policy != newCfg.Policy,
		logx.Int("policy.hourly_minute", newCfg.Policy.HourlyMinute),
		logx.String("policy.daily_at", newCfg.Policy.DailyAt),
	)

	oF, nF := oldCfg.Feed, newCfg.Feed
	note("feed", oF.Driver != nF.Driver || oF.Limit != nF.Limit || oF.Timeout != nF.Timeout ||
		oF.BreakerFailures != nF.BreakerFailures || oF.BreakerCooldown != nF.BreakerCooldown ||
		oF.NewsAPI.BaseURL != nF.NewsAPI.BaseURL || oF.NewsAPI.Language != nF.NewsAPI.Language ||
		isSet(oF.NewsAPI.APIKey) != isSet(nF.NewsAPI.APIKey) || !reflect.DeepEqual(oF.RSS, nF.RSS),
		logx.String("feed.driver", nF.Driver),
		logx.Int("feed.limit", nF.Limit),
		logx.Bool("feed.api_key_set", isSet(nF.NewsAPI.APIKey)),
		logx.Int("feed.rss_urls", len(nF.RSS.URLs)),
	)

	oM, nM := oldCfg.Mail, newCfg.Mail
	note("mail", oM.Enabled != nM.Enabled || oM.Driver != nM.Driver || oM.From != nM.From ||
		oM.Workers != nM.Workers || oM.QueueSize != nM.QueueSize || oM.RatePerSec != nM.RatePerSec ||
		oM.SendTimeout != nM.SendTimeout || oM.SMTP.Host != nM.SMTP.Host || oM.SMTP.Port != nM.SMTP.Port ||
		oM.SMTP.Username != nM.SMTP.Username || oM.SMTP.TLS != nM.SMTP.TLS || oM.SMTP.SSL != nM.SMTP.SSL ||
		oM.SMTP.Timeout != nM.SMTP.Timeout || isSet(oM.SMTP.Password) != isSet(nM.SMTP.Password),
		logx.Bool("mail.enabled", nM.Enabled),
		logx.String("mail.driver", nM.Driver),
		logx.Int("mail.workers", nM.Workers),
		logx.Int("mail.rate_per_sec", nM.RatePerSec),
		logx.Bool("mail.smtp_password_set", isSet(nM.SMTP.Password)),
	)

	oL, nL := oldCfg.Live, newCfg.Live
	note("live", !reflect.DeepEqual(oL.WebSocket, nL.WebSocket) || oL.Redis.Enabled != nL.Redis.Enabled ||
		oL.Redis.Addr != nL.Redis.Addr || oL.Redis.DB != nL.Redis.DB ||
		oL.Redis.ChannelPrefix != nL.Redis.ChannelPrefix || isSet(oL.Redis.Password) != isSet(nL.Redis.Password),
		logx.Bool("live.websocket", nL.WebSocket.Enabled),
		logx.Int("live.max_clients", nL.WebSocket.MaxClients),
		logx.Bool("live.redis", nL.Redis.Enabled),
	)

	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	note("storage", oS != nS,
		logx.String("storage.driver", nS.Driver),
		logx.Bool("storage.path_set", isSet(nS.Path)),
	)

	note("ledger", oldCfg.Ledger != newCfg.Ledger, logx.Bool("ledger.persist", newCfg.Ledger.Persist))

	oH, nH := oldCfg.HTTP, newCfg.HTTP
	note("http", oH.Enabled != nH.Enabled || oH.Addr != nH.Addr || oH.Metrics != nH.Metrics ||
		oH.ReadTimeout != nH.ReadTimeout || oH.WriteTimeout != nH.WriteTimeout ||
		!reflect.DeepEqual(oH.AllowedOrigins, nH.AllowedOrigins) || oH.Pprof.Enabled != nH.Pprof.Enabled ||
		isSet(oH.Pprof.Token) != isSet(nH.Pprof.Token),
		logx.Bool("http.enabled", nH.Enabled),
		logx.String("http.addr", nH.Addr),
		logx.Bool("http.pprof", nH.Pprof.Enabled),
		logx.Bool("http.pprof_token_set", isSet(nH.Pprof.Token)),
	)

	sort.Strings(changed)
	return changed, attrs
}

func deref(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}

func isSet(s string) bool { return strings.TrimSpace(s) != "" }
