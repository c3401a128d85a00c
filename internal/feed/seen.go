package feed

import (
	"sync"
	"time"

	"newsbeat/internal/domain"
)

// Seen remembers article URLs per category for a fixed window.
// A zero window disables it.
type Seen struct {
	window time.Duration

	mu  sync.Mutex
	m   map[string]map[string]time.Time // category -> url -> first seen
	ops int
}

func NewSeen(window time.Duration) *Seen {
	return &Seen{window: window, m: map[string]map[string]time.Time{}}
}

func (s *Seen) Enabled() bool { return s != nil && s.window > 0 }

// Filter returns up to limit articles not seen for category within the
// window and marks them as seen at now. Articles past limit stay unmarked.
// A limit <= 0 keeps every unseen article.
func (s *Seen) Filter(category string, arts []domain.Article, now time.Time, limit int) []domain.Article {
	if !s.Enabled() {
		return capArticles(arts, limit)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ops++
	if s.ops%64 == 0 {
		s.pruneLocked(now)
	}

	urls, ok := s.m[category]
	if !ok {
		urls = map[string]time.Time{}
		s.m[category] = urls
	}
	out := arts[:0:0]
	for _, a := range arts {
		if limit > 0 && len(out) == limit {
			break
		}
		if at, ok := urls[a.URL]; ok && now.Sub(at) < s.window {
			continue
		}
		urls[a.URL] = now
		out = append(out, a)
	}
	return out
}

func (s *Seen) pruneLocked(now time.Time) {
	for cat, urls := range s.m {
		for u, at := range urls {
			if now.Sub(at) >= s.window {
				delete(urls, u)
			}
		}
		if len(urls) == 0 {
			delete(s.m, cat)
		}
	}
}
