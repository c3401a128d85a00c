package app

import (
	"context"
	"reflect"

	"newsbeat/internal/config"
	logx "newsbeat/pkg/logx"
)

// reloadLoop applies published configs until ctx is done. Bursts are
// coalesced so only the newest config is applied.
func (a *App) reloadLoop(ctx context.Context, updates <-chan *config.Config) {
	prev := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
		drain:
			for {
				select {
				case next, ok := <-updates:
					if !ok {
						break drain
					}
					cfg = next
				default:
					break drain
				}
			}
			a.applyConfig(ctx, prev, cfg)
			prev = cfg
		}
	}
}

// applyConfig pushes cfg into the running services. cfg has already passed
// validateConfig, so mapping errors are not expected here.
func (a *App) applyConfig(ctx context.Context, old, cfg *config.Config) {
	sections, fields := config.SummarizeConfigChange(old, cfg)
	if len(sections) == 0 {
		a.log.Debug("config reloaded; nothing relevant changed")
		return
	}
	a.log.Info("config reloaded", append([]logx.Field{logx.Strings("sections", sections)}, fields...)...)

	if a.logs != nil {
		if err := a.logs.Apply(mapLoggingConfig(cfg)); err != nil {
			a.log.Warn("log sink change failed; keeping previous file", logx.Err(err))
		}
	}

	if engCfg, err := mapTaskEngineConfig(cfg); err == nil {
		a.engine.Apply(ctx, engCfg)
	}
	if schedCfg, cs, err := mapSchedulerConfig(cfg); err == nil {
		a.applySchedule(cs)
		a.sched.Apply(schedCfg)
		a.toggleTrigger(ctx, schedCfg.Enabled)
	}

	if mc, err := mapMailConfig(cfg); err == nil {
		// The sender is chosen at boot.
		if mc.Enabled != a.mail.Enabled() {
			a.log.Warn("mail.enabled changed; restart required", logx.Bool("enabled", mc.Enabled))
		}
		mc.Enabled = a.mail.Enabled()
		a.mail.Apply(mc)
	}

	bc, _, errC := mapCycleConfig(cfg)
	pol, errP := mapPolicy(cfg)
	if errC == nil && errP == nil {
		a.orch.Apply(bc, pol)
	}
	if !reflect.DeepEqual(old.Cycle.Categories, cfg.Cycle.Categories) {
		a.log.Warn("cycle.categories changed; the subscription API keeps the old catalog until restart")
	}

	if hc, err := mapHTTPConfig(cfg); err == nil {
		a.http.Reconfigure(ctx, hc)
	}

	for _, s := range restartOnly(old, cfg) {
		a.log.Warn("config change requires restart", logx.String("section", s))
	}
}

// applySchedule re-registers the cycle when its interval or timeout changed.
func (a *App) applySchedule(cs cycleSchedule) {
	a.schedMu.Lock()
	prev := a.schedule
	a.schedule = cs
	a.schedMu.Unlock()

	if prev.Spec == cs.Spec && prev.Timeout == cs.Timeout {
		return
	}
	if err := a.registerCycle(cs); err != nil {
		a.log.Warn("cycle reschedule failed", logx.Err(err))
		return
	}
	a.log.Info("cycle rescheduled", logx.String("interval", cs.Spec), logx.Duration("timeout", cs.Timeout))
}

func (a *App) toggleTrigger(ctx context.Context, enabled bool) {
	if !enabled {
		a.sched.Stop(ctx)
		return
	}
	if a.sup == nil {
		return
	}
	a.engine.Start(a.sup.Context())
	if err := a.sched.Start(a.sup.Context()); err != nil {
		a.log.Warn("scheduler start failed", logx.Err(err))
	}
}

// restartOnly lists changed sections whose services are built once at boot.
func restartOnly(old, cfg *config.Config) []string {
	var out []string
	if !reflect.DeepEqual(old.Feed, cfg.Feed) {
		out = append(out, "feed")
	}
	if !reflect.DeepEqual(old.Live, cfg.Live) {
		out = append(out, "live")
	}
	if !reflect.DeepEqual(old.Storage, cfg.Storage) {
		out = append(out, "storage")
	}
	if old.Ledger != cfg.Ledger {
		out = append(out, "ledger")
	}
	if old.Mail.Driver != cfg.Mail.Driver || old.Mail.From != cfg.Mail.From || old.Mail.SMTP != cfg.Mail.SMTP ||
		old.Mail.Workers != cfg.Mail.Workers || old.Mail.QueueSize != cfg.Mail.QueueSize {
		out = append(out, "mail.sender")
	}
	return out
}
