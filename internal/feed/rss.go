package feed

import (
	"context"
	"fmt"
	"strings"

	"github.com/mmcdole/gofeed"

	"newsbeat/internal/domain"
)

// RSS reads one feed URL per category.
type RSS struct {
	parser *gofeed.Parser
	urls   map[string]string
}

func NewRSS(urls map[string]string, userAgent string) *RSS {
	p := gofeed.NewParser()
	if ua := strings.TrimSpace(userAgent); ua != "" {
		p.UserAgent = ua
	}
	m := make(map[string]string, len(urls))
	for k, v := range urls {
		m[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return &RSS{parser: p, urls: m}
}

func (r *RSS) Name() string { return "rss" }

func (r *RSS) TopHeadlines(ctx context.Context, category string, limit int) ([]domain.Article, error) {
	u, ok := r.urls[category]
	if !ok || u == "" {
		return nil, ErrNoSource
	}
	f, err := r.parser.ParseURLWithContext(u, ctx)
	if err != nil {
		return nil, fmt.Errorf("rss %s: %w", category, err)
	}

	source := strings.TrimSpace(f.Title)
	out := make([]domain.Article, 0, len(f.Items))
	for _, it := range f.Items {
		if it == nil {
			continue
		}
		out = append(out, domain.Article{Title: it.Title, Source: source, URL: it.Link})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
