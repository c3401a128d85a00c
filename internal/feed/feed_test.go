package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"newsbeat/internal/domain"
	"newsbeat/internal/eventbus"
	logx "newsbeat/pkg/logx"
)

type stubSource struct {
	calls atomic.Int32
	arts  []domain.Article
	err   error
}

func (s *stubSource) Name() string { return "stub" }

func (s *stubSource) TopHeadlines(context.Context, string, int) ([]domain.Article, error) {
	s.calls.Add(1)
	return s.arts, s.err
}

func art(i int) domain.Article {
	return domain.Article{Title: fmt.Sprintf("t%d", i), Source: "src", URL: fmt.Sprintf("https://x/%d", i)}
}

func TestNewsAPITopHeadlines(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/top-headlines", r.URL.Path)
		assert.Equal(t, "technology", r.URL.Query().Get("category"))
		assert.Equal(t, "en", r.URL.Query().Get("language"))
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","articles":[
			{"title":"Chips","url":"https://n/1","source":{"name":"Wire"}},
			{"title":"Rockets","url":"https://n/2","source":{"name":"Daily"}}]}`))
	}))
	defer srv.Close()

	api := NewNewsAPI(NewsAPIConfig{BaseURL: srv.URL, APIKey: "secret"})
	got, err := api.TopHeadlines(context.Background(), "technology", 8)
	require.NoError(t, err)
	assert.Equal(t, []domain.Article{
		{Title: "Chips", Source: "Wire", URL: "https://n/1"},
		{Title: "Rockets", Source: "Daily", URL: "https://n/2"},
	}, got)
}

func TestNewsAPIErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		status int
		body   string
		is     error
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, body: `{}`, is: ErrRateLimited},
		{name: "api error", status: http.StatusUnauthorized, body: `{"status":"error","code":"apiKeyInvalid","message":"bad key"}`},
		{name: "not ok", status: http.StatusOK, body: `{"status":"error"}`},
		{name: "garbage", status: http.StatusOK, body: `<html>`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := NewNewsAPI(NewsAPIConfig{BaseURL: srv.URL}).TopHeadlines(context.Background(), "sports", 3)
			require.Error(t, err)
			if tc.is != nil {
				assert.ErrorIs(t, err, tc.is)
			}
		})
	}
}

const rssBody = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel><title>Health Desk</title>
<item><title>Sleep</title><link>https://h/1</link></item>
<item><title>Diet</title><link>https://h/2</link></item>
<item><title>Run</title><link>https://h/3</link></item>
</channel></rss>`

func TestRSSTopHeadlines(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(rssBody))
	}))
	defer srv.Close()

	src := NewRSS(map[string]string{"Health": srv.URL}, "newsbeat-test")
	got, err := src.TopHeadlines(context.Background(), "health", 2)
	require.NoError(t, err)
	assert.Equal(t, []domain.Article{
		{Title: "Sleep", Source: "Health Desk", URL: "https://h/1"},
		{Title: "Diet", Source: "Health Desk", URL: "https://h/2"},
	}, got)

	_, err = src.TopHeadlines(context.Background(), "sports", 2)
	assert.ErrorIs(t, err, ErrNoSource)
}

func TestFetchNormalizesAndCaps(t *testing.T) {
	t.Parallel()

	src := &stubSource{arts: []domain.Article{
		{Title: "  one ", URL: " https://x/1 ", Source: "s"},
		{Title: "[Removed]", URL: "https://removed"},
		{Title: "", URL: "https://x/empty"},
		{Title: "dup", URL: "https://x/1"},
		art(2), art(3), art(4),
	}}
	c := NewClient(src, Config{}, logx.Nop(), nil, nil)

	got := c.Fetch(context.Background(), "technology")
	require.Len(t, got, 3)
	assert.Equal(t, domain.Article{Title: "one", URL: "https://x/1", Source: "s"}, got[0])
	assert.Equal(t, "t2", got[1].Title)
	assert.Equal(t, "t3", got[2].Title)
}

func TestFetchFailureYieldsEmptyAndEvent(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4, "feed.")
	defer unsub()

	c := NewClient(&stubSource{err: errors.New("boom")}, Config{}, logx.Nop(), bus, nil)
	assert.Empty(t, c.Fetch(context.Background(), "sports"))

	select {
	case e := <-ch:
		assert.Equal(t, eventbus.FeedFailed, e.Type)
		assert.Equal(t, "sports", e.Data.(FailureEvent).Category)
	case <-time.After(time.Second):
		t.Fatal("no feed.failed event")
	}
}

func TestBreakerOpensPerCategory(t *testing.T) {
	t.Parallel()

	src := &stubSource{err: errors.New("down")}
	c := NewClient(src, Config{BreakerFailures: 2, BreakerCooldown: time.Hour}, logx.Nop(), nil, nil)

	for i := 0; i < 5; i++ {
		c.Fetch(context.Background(), "politics")
	}
	assert.Equal(t, int32(2), src.calls.Load(), "open breaker short-circuits the source")
	assert.Equal(t, "open", c.BreakerState("politics"))
	assert.Equal(t, "closed", c.BreakerState("business"))

	_, err := c.Lookup(context.Background(), "politics", 6)
	assert.Error(t, err)

	c.Fetch(context.Background(), "business")
	assert.Equal(t, int32(3), src.calls.Load())
}

func TestLookupLimit(t *testing.T) {
	t.Parallel()

	src := &stubSource{arts: []domain.Article{art(1), art(2), art(3), art(4), art(5), art(6), art(7)}}
	c := NewClient(src, Config{}, logx.Nop(), nil, nil)

	got, err := c.Lookup(context.Background(), "business", 6)
	require.NoError(t, err)
	assert.Len(t, got, 6)
}

func TestSeenWindow(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClockAt(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	src := &stubSource{arts: []domain.Article{art(1), art(2)}}
	c := NewClient(src, Config{DedupWindow: time.Hour}, logx.Nop(), nil, clk)

	assert.Len(t, c.Fetch(context.Background(), "health"), 2)
	assert.Empty(t, c.Fetch(context.Background(), "health"))
	assert.Len(t, c.Fetch(context.Background(), "sports"), 2, "window is per category")

	src.arts = append(src.arts, art(3))
	got := c.Fetch(context.Background(), "health")
	require.Len(t, got, 1)
	assert.Equal(t, "t3", got[0].Title)

	clk.Advance(time.Hour)
	assert.Len(t, c.Fetch(context.Background(), "health"), 3)
}

func TestSeenLeavesArticlesPastLimitUnmarked(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClockAt(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	src := &stubSource{arts: []domain.Article{art(1), art(2), art(3), art(4), art(5), art(6)}}
	c := NewClient(src, Config{Limit: 3, DedupWindow: time.Hour}, logx.Nop(), nil, clk)

	first := c.Fetch(context.Background(), "business")
	require.Len(t, first, 3)
	assert.Equal(t, "t1", first[0].Title)

	second := c.Fetch(context.Background(), "business")
	require.Len(t, second, 3)
	assert.Equal(t, []string{"t4", "t5", "t6"}, []string{second[0].Title, second[1].Title, second[2].Title})

	assert.Empty(t, c.Fetch(context.Background(), "business"))
}
