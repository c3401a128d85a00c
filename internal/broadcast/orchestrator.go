// Package broadcast runs news cycles: fetch each category, push it to live
// listeners, and queue email digests for the subscribers that are due.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"newsbeat/internal/dispatch"
	"newsbeat/internal/domain"
	"newsbeat/internal/eventbus"
	"newsbeat/internal/live"
	"newsbeat/internal/mailer"
	logx "newsbeat/pkg/logx"
)

// ledgerRetention bounds how long committed send times stay in memory. No
// window is longer than a day.
const ledgerRetention = 48 * time.Hour

type Deps struct {
	Subscribers SubscriberLister
	Feed        FeedFetcher
	Live        live.Publisher
	Mail        MailSubmitter
	Ledger      *dispatch.Ledger
	Policy      dispatch.DuePolicy
	Clock       clockwork.Clock
	Log         logx.Logger
	Bus         eventbus.Bus
}

// Orchestrator executes cycles. RunCycle must not be called concurrently;
// the scheduler guarantees that.
type Orchestrator struct {
	mu      sync.Mutex
	cfg     Config
	builder *dispatch.Builder

	subs   SubscriberLister
	feed   FeedFetcher
	live   live.Publisher
	mail   MailSubmitter
	ledger *dispatch.Ledger
	clock  clockwork.Clock
	log    logx.Logger
	bus    eventbus.Bus

	statusMu sync.RWMutex
	status   []*CycleStatus
}

func New(cfg Config, d Deps) *Orchestrator {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Ledger == nil {
		d.Ledger = dispatch.NewLedger(nil, d.Log)
	}
	return &Orchestrator{
		cfg:     cfg.withDefaults(),
		builder: dispatch.NewBuilder(d.Policy),
		subs:    d.Subscribers,
		feed:    d.Feed,
		live:    d.Live,
		mail:    d.Mail,
		ledger:  d.Ledger,
		clock:   d.Clock,
		log:     d.Log.With(logx.String("comp", "broadcast")),
		bus:     d.Bus,
	}
}

// Apply swaps the config and policy; the running cycle keeps the old ones.
func (o *Orchestrator) Apply(cfg Config, p dispatch.DuePolicy) {
	o.mu.Lock()
	o.cfg = cfg.withDefaults()
	if p != nil {
		o.builder = dispatch.NewBuilder(p)
	}
	o.mu.Unlock()
}

// RunCycle runs one cycle. Only a subscriber store failure is returned;
// feed, publish and mail failures are logged per category.
//
// A cancelled ctx stops categories that have not started. A started category
// runs to the end so its publish and emails are never cut in half.
func (o *Orchestrator) RunCycle(ctx context.Context) error {
	o.mu.Lock()
	cfg, builder := o.cfg, o.builder
	o.mu.Unlock()

	now := o.clock.Now()
	st := &CycleStatus{ID: uuid.NewString(), StartedAt: now, Running: true}
	log := o.log.With(logx.String("cycle", st.ID))
	o.track(st, cfg.HistorySize)
	o.emit(eventbus.CycleStarted, CycleEvent{ID: st.ID, Started: now})

	storeCtx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
	subs, err := o.subs.List(storeCtx)
	cancel()
	if err != nil {
		err = fmt.Errorf("list subscribers: %w", err)
		log.Error("cycle aborted", logx.Err(err))
		o.finish(st, 0, nil, err)
		o.emit(eventbus.CycleAborted, CycleEvent{ID: st.ID, Started: now, Duration: o.clock.Since(now), Error: err.Error()})
		return err
	}
	// Prefilter only. Each email re-checks under the ledger lock, so a
	// subscriber in several categories is claimed once per window.
	lastSent := o.ledger.Snapshot()
	log.Debug("cycle started", logx.Int("subscribers", len(subs)), logx.Int("categories", len(cfg.Categories)))

	var (
		g       errgroup.Group
		resMu   sync.Mutex
		results = make([]CategoryStatus, 0, len(cfg.Categories))
	)
	g.SetLimit(cfg.Concurrency)
	for _, category := range cfg.Categories {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			res := o.runCategory(context.WithoutCancel(ctx), log, cfg, builder, st.ID, category, subs, lastSent, now)
			resMu.Lock()
			results = append(results, res)
			resMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil && len(results) < len(cfg.Categories) {
		log.Info("cycle interrupted by shutdown", logx.Int("done", len(results)), logx.Int("categories", len(cfg.Categories)))
	}

	if n := o.ledger.Prune(now.Add(-ledgerRetention)); n > 0 {
		log.Debug("ledger pruned", logx.Int("entries", n))
	}

	slices.SortFunc(results, func(a, b CategoryStatus) int { return strings.Compare(a.Category, b.Category) })
	o.finish(st, len(subs), results, nil)
	ev := CycleEvent{ID: st.ID, Started: now, Duration: o.clock.Since(now)}
	for _, r := range results {
		if r.Published {
			ev.Published++
		}
		ev.Emails += r.EmailsQueued
	}
	log.Info("cycle finished",
		logx.Int("published", ev.Published),
		logx.Int("emails", ev.Emails),
		logx.Duration("dur", ev.Duration),
	)
	o.emit(eventbus.CycleFinished, ev)
	return nil
}

func (o *Orchestrator) runCategory(
	ctx context.Context,
	log logx.Logger,
	cfg Config,
	builder *dispatch.Builder,
	cycleID, category string,
	subs []domain.Subscriber,
	lastSent map[string]time.Time,
	now time.Time,
) CategoryStatus {
	res := CategoryStatus{Category: category}
	log = log.With(logx.String("category", category))

	articles := o.feed.Fetch(ctx, category)
	if len(articles) == 0 {
		log.Debug("no articles; category skipped")
		o.emit(eventbus.CategoryEmpty, CategoryEvent{CycleID: cycleID, Category: category})
		return res
	}
	res.Articles = len(articles)

	if o.live != nil {
		pubCtx, cancel := context.WithTimeout(ctx, cfg.PublishTimeout)
		err := o.live.Publish(pubCtx, live.TopicNews, domain.CategoryFeed{Category: category, Articles: articles})
		cancel()
		if err != nil {
			res.PublishError = err.Error()
			log.Warn("live publish failed", logx.Err(err))
			o.emit(eventbus.CategoryPublishFailed, CategoryEvent{CycleID: cycleID, Category: category, Articles: len(articles), Error: err.Error()})
		} else {
			res.Published = true
			o.emit(eventbus.CategoryPublished, CategoryEvent{CycleID: cycleID, Category: category, Articles: len(articles)})
		}
	}

	decisions := builder.Build(subs, category, now, lastSent)
	res.Recipients = len(decisions)
	due := dispatch.Emails(decisions)
	if len(due) == 0 || o.mail == nil {
		return res
	}

	subject := RenderSubject(category)
	body, err := RenderBody(category, articles)
	if err != nil {
		log.Error("render digest failed", logx.Err(err))
		return res
	}
	for _, d := range due {
		r, ok := o.ledger.ReserveIfDue(d.Subscriber.ID, now, func(last time.Time) bool {
			return builder.Due(d.Subscriber, now, last)
		})
		if !ok {
			res.EmailsClaimed++
			continue
		}
		if o.submit(log, r, subject, body) {
			res.EmailsQueued++
		} else {
			res.EmailsRejected++
		}
	}
	log.Debug("category dispatched",
		logx.Int("articles", res.Articles),
		logx.Int("recipients", res.Recipients),
		logx.Int("emails", res.EmailsQueued),
	)
	return res
}

// submit queues the email for a reserved window. The window is committed
// only when the mailer confirms the send.
func (o *Orchestrator) submit(log logx.Logger, r dispatch.Reservation, subject, body string) bool {
	to := r.ID
	err := o.mail.Submit(mailer.Message{
		To:      to,
		Subject: subject,
		HTML:    body,
		Done: func(err error) {
			if err != nil {
				o.ledger.Release(r)
				return
			}
			o.ledger.Commit(r)
		},
	})
	if err != nil {
		o.ledger.Release(r)
		if errors.Is(err, mailer.ErrDisabled) {
			log.Debug("email skipped; mailer disabled", logx.Email("to", to))
		} else {
			log.Warn("email not queued", logx.Email("to", to), logx.Err(err))
		}
		return false
	}
	return true
}

// History returns recent cycles, oldest first.
func (o *Orchestrator) History() []CycleStatus {
	o.statusMu.RLock()
	defer o.statusMu.RUnlock()
	out := make([]CycleStatus, 0, len(o.status))
	for _, st := range o.status {
		cp := *st
		cp.Categories = append([]CategoryStatus(nil), st.Categories...)
		out = append(out, cp)
	}
	return out
}

// Last returns the most recent cycle.
func (o *Orchestrator) Last() (CycleStatus, bool) {
	h := o.History()
	if len(h) == 0 {
		return CycleStatus{}, false
	}
	return h[len(h)-1], true
}

func (o *Orchestrator) track(st *CycleStatus, max int) {
	o.statusMu.Lock()
	o.status = append(o.status, st)
	if len(o.status) > max {
		o.status = o.status[len(o.status)-max:]
	}
	o.statusMu.Unlock()
}

func (o *Orchestrator) finish(st *CycleStatus, subscribers int, results []CategoryStatus, err error) {
	o.statusMu.Lock()
	st.Running = false
	st.Subscribers = subscribers
	st.DoneAt = o.clock.Now()
	st.Categories = results
	if err != nil {
		st.Error = err.Error()
	}
	o.statusMu.Unlock()
}

func (o *Orchestrator) emit(typ string, data any) {
	if o.bus != nil {
		o.bus.Publish(eventbus.Event{Type: typ, Time: o.clock.Now(), Data: data})
	}
}
