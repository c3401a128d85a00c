// Package app wires newsbeat's services from configuration and runs them.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"newsbeat/internal/broadcast"
	"newsbeat/internal/config"
	"newsbeat/internal/dispatch"
	"newsbeat/internal/domain"
	"newsbeat/internal/eventbus"
	"newsbeat/internal/feed"
	"newsbeat/internal/httpserver"
	"newsbeat/internal/live"
	"newsbeat/internal/mailer"
	"newsbeat/internal/metrics"
	rtsup "newsbeat/internal/runtime/supervisor"
	"newsbeat/internal/storage"
	"newsbeat/internal/subscription"
	"newsbeat/internal/task/engine"
	"newsbeat/internal/task/scheduler"
	logx "newsbeat/pkg/logx"
)

// CycleTask is the scheduler name of the broadcast cycle.
const CycleTask = "broadcast.cycle"

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	clock clockwork.Clock
	store storage.Store

	ledger  *dispatch.Ledger
	feed    *feed.Client
	hub     *live.Hub
	redis   *live.RedisPublisher
	mail    *mailer.Service
	orch    *broadcast.Orchestrator
	subs    *subscription.Service
	engine  *engine.Service
	sched   *scheduler.Service
	http    *httpserver.Service
	metrics *metrics.Recorder

	schedMu  sync.Mutex
	schedule cycleSchedule

	// tail outlives the app supervisor so queued mail drains and confirmed
	// sends are persisted after the trigger side has stopped.
	tailCancel context.CancelFunc
	tailDone   chan struct{}
	serving    bool
}

// NewApp loads the config and builds every service without starting any.
// envFile names an optional dotenv file used for ${NAME} expansion.
func NewApp(cfgPath, envFile string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetEnvFile(envFile)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	bus := eventbus.New()
	clock := clockwork.NewRealClock()

	sc, _ := mapStorageConfig(cfg)
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.With(logx.String("comp", "app")).Info("storage opened", logx.String("driver", sc.Driver))

	a := &App{
		cfgm:    cfgm,
		log:     log.With(logx.String("comp", "app")),
		logs:    logSvc,
		bus:     bus,
		clock:   clock,
		store:   store,
		metrics: metrics.New(bus),
	}
	if err := a.build(cfg, log); err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

// CheckConfig loads and validates a config without building any service.
func CheckConfig(cfgPath, envFile string) error {
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetEnvFile(envFile)
	cfg, err := cfgm.Parse()
	if err != nil {
		return err
	}
	return validateConfig(cfg)
}

func (a *App) build(cfg *config.Config, log logx.Logger) error {
	var ledgerStore dispatch.LastSentStore
	if cfg.Ledger.Persist {
		ledgerStore = a.store
	}
	a.ledger = dispatch.NewLedger(ledgerStore, log.With(logx.String("comp", "ledger")))

	src, err := newFeedSource(cfg, log)
	if err != nil {
		return err
	}
	fc, _ := mapFeedConfig(cfg)
	a.feed = feed.NewClient(src, fc, log.With(logx.String("comp", "feed")), a.bus, a.clock)

	var pubs live.Fanout
	if cfg.Live.WebSocket.Enabled {
		a.hub = live.NewHub(mapHubConfig(cfg), log.With(logx.String("comp", "live")), a.bus, a.clock)
		pubs = append(pubs, a.hub)
	}
	if rc, ok := mapRedisConfig(cfg); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		a.redis, err = live.NewRedisPublisher(ctx, rc)
		cancel()
		if err != nil {
			return err
		}
		pubs = append(pubs, a.redis)
	}
	var pub live.Publisher
	if len(pubs) > 0 {
		pub = pubs
	}

	mc, _ := mapMailConfig(cfg)
	var sender mailer.Sender = mailer.NewLogSender(log)
	if mc.Enabled {
		senderCfg, _ := mapSenderConfig(cfg)
		if sender, err = mailer.NewSender(senderCfg, log.With(logx.String("comp", "mailer"))); err != nil {
			return err
		}
	}
	a.mail = mailer.New(mc, sender, log, a.bus)

	pol, _ := mapPolicy(cfg)
	bc, catalog, _ := mapCycleConfig(cfg)
	a.orch = broadcast.New(bc, broadcast.Deps{
		Subscribers: a.store,
		Feed:        a.feed,
		Live:        pub,
		Mail:        a.mail,
		Ledger:      a.ledger,
		Policy:      pol,
		Clock:       a.clock,
		Log:         log,
		Bus:         a.bus,
	})
	a.subs = subscription.New(a.store, catalog, a.ledger, log)

	engCfg, _ := mapTaskEngineConfig(cfg)
	a.engine = engine.New(engCfg, log, a.bus)
	schedCfg, cs, _ := mapSchedulerConfig(cfg)
	a.sched = scheduler.New(schedCfg, a.engine, log, a.bus)
	a.schedule = cs

	httpCfg, _ := mapHTTPConfig(cfg)
	deps := httpserver.Deps{
		Subscriptions: a.subs,
		News:          a.feed,
		Catalog:       catalog,
		Metrics:       a.metrics.Handler(),
		Health:        a.Health,
	}
	if a.hub != nil {
		deps.Live = a.hub
	}
	a.http = httpserver.New(httpCfg, deps, log)
	return nil
}

// Catalog lists the categories this instance serves.
func (a *App) Catalog() domain.Catalog {
	_, catalog, _ := mapCycleConfig(a.cfgm.Get())
	return catalog
}

// Done is closed when the app supervisor stops (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// startTail loads the ledger, starts its persister and the mailer.
func (a *App) startTail(ctx context.Context) {
	if err := func() error {
		lctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return a.ledger.Load(lctx)
	}(); err != nil {
		a.log.Warn("ledger load failed; windows already served before restart may resend", logx.Err(err))
	}

	tctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	a.tailCancel, a.tailDone = cancel, done
	go func() {
		defer close(done)
		_ = a.ledger.Run(tctx)
	}()
	a.mail.Start(tctx)
}

// Start runs the service: HTTP, live hub, the cycle trigger (plus one cycle
// right away) and config hot reload.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.serving = true

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	a.startTail(ctx)
	a.engine.Start(a.sup.Context())

	a.schedMu.Lock()
	cs := a.schedule
	a.schedMu.Unlock()
	if err := a.registerCycle(cs); err != nil {
		return err
	}
	if err := a.sched.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if !a.sched.Enabled() {
		a.log.Warn("scheduler disabled; cycles run only through the cycle command")
	} else if cs.RunOnStart {
		if err := a.sched.RunNow(CycleTask); err != nil {
			a.log.Warn("initial cycle not queued", logx.Err(err))
		}
	}

	a.http.Start(a.sup.Context())

	a.sup.Go("metrics", func(c context.Context) error { return a.metrics.Run(c, a.bus) })

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	updates := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(updates)
		a.reloadLoop(c, updates)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.String("interval", cs.Spec),
		logx.Strings("categories", a.Catalog().Names()),
		logx.Bool("http", a.http.Enabled()),
		logx.Bool("mail", a.mail.Enabled()),
	)
	return nil
}

func (a *App) registerCycle(cs cycleSchedule) error {
	_, err := a.sched.AddScheduleOpt(CycleTask, cs.Spec, cs.Timeout,
		engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning},
		a.runCycle,
	)
	if err != nil {
		return fmt.Errorf("register %s: %w", CycleTask, err)
	}
	return nil
}

// runCycle never asks the engine to retry; the next tick is the retry.
func (a *App) runCycle(ctx context.Context) error {
	if err := a.orch.RunCycle(ctx); err != nil {
		return engine.NoRetry(err)
	}
	return nil
}

// RunOnce runs a single cycle, drains mail and shuts down. It serves no HTTP
// and starts no trigger.
func (a *App) RunOnce(ctx context.Context, drain time.Duration) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))
	a.startTail(ctx)

	err := a.orch.RunCycle(ctx)
	if last, ok := a.orch.Last(); ok {
		for _, c := range last.Categories {
			a.log.Info("category",
				logx.String("category", c.Category),
				logx.Int("articles", c.Articles),
				logx.Bool("published", c.Published),
				logx.Int("emails", c.EmailsQueued),
			)
		}
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drain)
	defer cancel()
	_ = a.Stop(stopCtx, StopCycleDone)
	return err
}

// Health is the /healthz payload.
func (a *App) Health() any {
	out := map[string]any{
		"scheduler":    a.sched.Snapshot(),
		"mail_pending": a.mail.Pending(),
	}
	if last, ok := a.orch.Last(); ok {
		out["last_cycle"] = last
	}
	if a.hub != nil {
		out["live_clients"] = a.hub.Clients()
	}
	if a.sup != nil {
		out["supervisor"] = a.sup.Snapshot()
	}
	return out
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Unwind background loops first; a running cycle stops before any
	// category it has not started.
	a.sup.Cancel()

	step := func(name string, budget time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			budget = min(budget, time.Until(dl))
		}
		if budget <= 0 {
			a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, budget)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			if took := time.Since(start); took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}()
		}
	}

	if a.serving {
		step("http", 2*time.Second, func(c context.Context) error { a.http.Stop(c); return nil })
		step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
		step("taskengine", 15*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	}
	step("mailer", 10*time.Second, func(c context.Context) error { a.mail.Stop(c); return nil })
	step("live", time.Second, func(context.Context) error {
		if a.hub != nil {
			a.hub.Close()
		}
		if a.redis != nil {
			return a.redis.Close()
		}
		return nil
	})
	step("ledger", 2*time.Second, func(c context.Context) error {
		if a.tailCancel == nil {
			return nil
		}
		a.tailCancel()
		select {
		case <-a.tailDone:
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
