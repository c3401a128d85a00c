package feed

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker"

	"newsbeat/internal/domain"
	"newsbeat/internal/eventbus"
	logx "newsbeat/pkg/logx"
)

type Config struct {
	Limit   int           // articles per category per cycle; default 3
	Timeout time.Duration // per upstream call; default 10s

	BreakerFailures uint32        // consecutive failures that open a category's breaker; default 5
	BreakerCooldown time.Duration // open -> half-open; default 60s

	DedupWindow time.Duration // 0 disables Seen filtering
}

func (c Config) withDefaults() Config {
	if c.Limit <= 0 {
		c.Limit = 3
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 60 * time.Second
	}
	return c
}

// fetchSlack is requested on top of the limit so normalisation can drop items.
const fetchSlack = 5

// Client wraps a Source with timeouts, per-category breakers and normalisation.
type Client struct {
	src   Source
	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	clock clockwork.Clock
	seen  *Seen

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewClient(src Source, cfg Config, log logx.Logger, bus eventbus.Bus, clock clockwork.Clock) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	cfg = cfg.withDefaults()
	return &Client{
		src:      src,
		cfg:      cfg,
		log:      log.With(logx.String("comp", "feed"), logx.String("source", src.Name())),
		bus:      bus,
		clock:    clock,
		seen:     NewSeen(cfg.DedupWindow),
		breakers: map[string]*gobreaker.CircuitBreaker{},
	}
}

// Fetch returns up to Limit recent articles for category. It never fails:
// any upstream problem yields an empty list.
func (c *Client) Fetch(ctx context.Context, category string) []domain.Article {
	arts, err := c.fetch(ctx, category, c.cfg.Limit+fetchSlack)
	if err != nil {
		c.log.Warn("fetch failed", logx.String("category", category), logx.Err(err))
		if c.bus != nil {
			c.bus.Publish(eventbus.Event{
				Type: eventbus.FeedFailed,
				Time: c.clock.Now(),
				Data: FailureEvent{Source: c.src.Name(), Category: category, Error: err.Error()},
			})
		}
		return nil
	}
	return c.seen.Filter(category, arts, c.clock.Now(), c.cfg.Limit)
}

// Lookup is the error-returning variant used for on-demand reads. It does not
// consult or update the Seen window.
func (c *Client) Lookup(ctx context.Context, category string, limit int) ([]domain.Article, error) {
	if limit <= 0 {
		limit = c.cfg.Limit
	}
	arts, err := c.fetch(ctx, category, limit+fetchSlack)
	if err != nil {
		return nil, err
	}
	return capArticles(arts, limit), nil
}

func (c *Client) fetch(ctx context.Context, category string, hint int) ([]domain.Article, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	res, err := c.breaker(category).Execute(func() (interface{}, error) {
		return c.src.TopHeadlines(ctx, category, hint)
	})
	if err != nil {
		return nil, err
	}
	return normalize(res.([]domain.Article)), nil
}

func (c *Client) breaker(category string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[category]; ok {
		return cb
	}
	failures := c.cfg.BreakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "feed:" + category,
		MaxRequests: 1,
		Timeout:     c.cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			c.log.Info("breaker state changed",
				logx.String("category", category),
				logx.String("from", from.String()),
				logx.String("to", to.String()),
			)
			if c.bus != nil {
				c.bus.Publish(eventbus.Event{
					Type: eventbus.FeedBreakerState,
					Time: c.clock.Now(),
					Data: BreakerEvent{Category: category, From: from.String(), To: to.String()},
				})
			}
		},
	})
	c.breakers[category] = cb
	return cb
}

// BreakerState reports the breaker state for category ("closed" when unused).
func (c *Client) BreakerState(category string) string {
	c.mu.Lock()
	cb, ok := c.breakers[category]
	c.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed.String()
	}
	return cb.State().String()
}

func normalize(in []domain.Article) []domain.Article {
	out := make([]domain.Article, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, a := range in {
		a.Title = strings.TrimSpace(a.Title)
		a.URL = strings.TrimSpace(a.URL)
		a.Source = strings.TrimSpace(a.Source)
		if a.Title == "" || a.URL == "" || a.Title == "[Removed]" {
			continue
		}
		if _, dup := seen[a.URL]; dup {
			continue
		}
		seen[a.URL] = struct{}{}
		out = append(out, a)
	}
	return out
}

func capArticles(in []domain.Article, limit int) []domain.Article {
	if limit > 0 && len(in) > limit {
		return in[:limit]
	}
	return in
}
