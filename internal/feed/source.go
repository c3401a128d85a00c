package feed

import (
	"context"
	"errors"

	"newsbeat/internal/domain"
)

var (
	ErrRateLimited = errors.New("feed: rate limited by upstream")
	ErrNoSource    = errors.New("feed: no source configured for category")
)

// Source is an upstream headline provider.
//
// limit is a hint; a source may return fewer or more items. Items are
// expected most-recent-first.
type Source interface {
	Name() string
	TopHeadlines(ctx context.Context, category string, limit int) ([]domain.Article, error)
}

// FailureEvent is the Data of a feed.failed event.
type FailureEvent struct {
	Source   string
	Category string
	Error    string
}

// BreakerEvent is the Data of a feed.breaker event.
type BreakerEvent struct {
	Category string
	From     string
	To       string
}
