package broadcast

import (
	"context"
	"time"

	"newsbeat/internal/domain"
	"newsbeat/internal/mailer"
)

// SubscriberLister is the read side of the subscriber store used by a cycle.
type SubscriberLister interface {
	List(ctx context.Context) ([]domain.Subscriber, error)
}

// FeedFetcher returns the current articles of a category. It never fails;
// an empty result means nothing to report.
type FeedFetcher interface {
	Fetch(ctx context.Context, category string) []domain.Article
}

// MailSubmitter queues an email without blocking.
type MailSubmitter interface {
	Submit(m mailer.Message) error
}

type Config struct {
	Categories []string

	// Concurrency is the number of categories processed in parallel.
	Concurrency int

	StoreTimeout   time.Duration
	PublishTimeout time.Duration

	HistorySize int
}

func (c Config) withDefaults() Config {
	if len(c.Categories) == 0 {
		c.Categories = append([]string(nil), domain.DefaultCategories...)
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 2
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 5 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 50
	}
	return c
}

// CategoryStatus is the outcome of one category in one cycle.
type CategoryStatus struct {
	Category       string `json:"category"`
	Articles       int    `json:"articles"`
	Published      bool   `json:"published"`
	PublishError   string `json:"publish_error,omitempty"`
	Recipients     int    `json:"recipients"`
	EmailsQueued   int    `json:"emails_queued"`
	EmailsRejected int    `json:"emails_rejected"`
	// EmailsClaimed counts recipients whose window another category of the
	// same cycle had already reserved.
	EmailsClaimed int `json:"emails_claimed"`
}

// CycleStatus tracks one cycle. Email outcomes arrive later through the
// mailer and are not part of it.
type CycleStatus struct {
	ID          string           `json:"id"`
	StartedAt   time.Time        `json:"started_at"`
	DoneAt      time.Time        `json:"done_at,omitempty"`
	Running     bool             `json:"running"`
	Subscribers int              `json:"subscribers"`
	Categories  []CategoryStatus `json:"categories"`
	Error       string           `json:"error,omitempty"`
}

// CycleEvent is the Data of cycle.* bus events.
type CycleEvent struct {
	ID        string        `json:"id"`
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration"`
	Published int           `json:"published"`
	Emails    int           `json:"emails"`
	Error     string        `json:"error,omitempty"`
}

// CategoryEvent is the Data of category.* bus events.
type CategoryEvent struct {
	CycleID  string `json:"cycle_id"`
	Category string `json:"category"`
	Articles int    `json:"articles"`
	Error    string `json:"error,omitempty"`
}
