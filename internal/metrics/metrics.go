// Package metrics turns event-bus traffic into Prometheus series.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"newsbeat/internal/broadcast"
	"newsbeat/internal/eventbus"
	"newsbeat/internal/feed"
	"newsbeat/internal/live"
	"newsbeat/internal/task/engine"
)

const namespace = "newsbeat"

// Recorder owns a private registry so tests and multiple instances never
// collide on the global one.
type Recorder struct {
	reg *prometheus.Registry

	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	skippedTicks  prometheus.Counter
	tasks         *prometheus.CounterVec
	feedFailures  *prometheus.CounterVec
	breakerOpen   *prometheus.GaugeVec
	livePublishes *prometheus.CounterVec
	liveClients   prometheus.Gauge
	emails        *prometheus.CounterVec
}

func New(bus eventbus.Bus) *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	r := &Recorder{
		reg: reg,
		cycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Broadcast cycles by result (ok, aborted)",
		}, []string{"result"}),
		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of completed broadcast cycles",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		skippedTicks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_ticks_total",
			Help:      "Scheduler ticks dropped because a cycle was still running",
		}),
		tasks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Task engine runs by task and result",
		}, []string{"task", "result"}),
		feedFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_fetch_failures_total",
			Help:      "Failed feed fetches by category",
		}, []string{"category"}),
		breakerOpen: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_breaker_open",
			Help:      "1 while the category's circuit breaker is not closed",
		}, []string{"category"}),
		livePublishes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "live_publishes_total",
			Help:      "Category pushes to live listeners by result",
		}, []string{"result"}),
		liveClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_clients",
			Help:      "Connected WebSocket clients",
		}),
		emails: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "emails_total",
			Help:      "Email attempts by result (sent, failed, dropped)",
		}, []string{"result"}),
	}
	if bus != nil {
		f.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eventbus_dropped_total",
			Help:      "Events dropped because a subscriber was full",
		}, func() float64 { return float64(eventbus.Dropped(bus)) })
	}
	return r
}

func (r *Recorder) Registry() *prometheus.Registry { return r.reg }

func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Run records events from bus until ctx is done.
func (r *Recorder) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			r.Observe(ev)
		}
	}
}

// Observe updates series for a single event. Unknown events are ignored.
func (r *Recorder) Observe(ev eventbus.Event) {
	switch ev.Type {
	case eventbus.CycleFinished:
		r.cycles.WithLabelValues("ok").Inc()
		if d, ok := ev.Data.(broadcast.CycleEvent); ok {
			r.cycleDuration.Observe(d.Duration.Seconds())
		}
	case eventbus.CycleAborted:
		r.cycles.WithLabelValues("aborted").Inc()

	case eventbus.TaskSkipped:
		r.skippedTicks.Inc()
		r.task(ev, "skipped")
	case eventbus.TaskFinished:
		r.task(ev, "ok")
	case eventbus.TaskFailed:
		r.task(ev, "failed")
	case eventbus.TaskDropped:
		r.task(ev, "dropped")

	case eventbus.FeedFailed:
		if d, ok := ev.Data.(feed.FailureEvent); ok {
			r.feedFailures.WithLabelValues(d.Category).Inc()
		}
	case eventbus.FeedBreakerState:
		if d, ok := ev.Data.(feed.BreakerEvent); ok {
			v := 0.0
			if d.To != "closed" {
				v = 1
			}
			r.breakerOpen.WithLabelValues(d.Category).Set(v)
		}

	case eventbus.CategoryPublished:
		r.livePublishes.WithLabelValues("ok").Inc()
	case eventbus.CategoryPublishFailed:
		r.livePublishes.WithLabelValues("failed").Inc()

	case eventbus.LiveConnected, eventbus.LiveDisconnected:
		if d, ok := ev.Data.(live.ClientEvent); ok {
			r.liveClients.Set(float64(d.Clients))
		}

	case eventbus.MailSent:
		r.emails.WithLabelValues("sent").Inc()
	case eventbus.MailFailed:
		r.emails.WithLabelValues("failed").Inc()
	case eventbus.MailDropped:
		r.emails.WithLabelValues("dropped").Inc()
	}
}

func (r *Recorder) task(ev eventbus.Event, result string) {
	name := "unknown"
	if d, ok := ev.Data.(engine.TaskEvent); ok && d.Name != "" {
		name = d.Name
	}
	r.tasks.WithLabelValues(name, result).Inc()
}
