package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"newsbeat/internal/dispatch"
	"newsbeat/internal/domain"
	"newsbeat/internal/eventbus"
	"newsbeat/internal/mailer"
	"newsbeat/internal/policy"
	logx "newsbeat/pkg/logx"
)

type fakeStore struct {
	subs []domain.Subscriber
	err  error
}

func (f *fakeStore) List(context.Context) ([]domain.Subscriber, error) {
	return f.subs, f.err
}

type fakeFeed struct {
	mu       sync.Mutex
	articles map[string][]domain.Article
	calls    []string
	onFetch  func(category string)
}

func (f *fakeFeed) Fetch(_ context.Context, category string) []domain.Article {
	f.mu.Lock()
	f.calls = append(f.calls, category)
	hook := f.onFetch
	arts := f.articles[category]
	f.mu.Unlock()
	if hook != nil {
		hook(category)
	}
	return arts
}

type published struct {
	topic string
	feed  domain.CategoryFeed
}

type fakeLive struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakeLive) Publish(_ context.Context, topic string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, published{topic: topic, feed: payload.(domain.CategoryFeed)})
	return nil
}

func (f *fakeLive) Categories() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.msgs))
	for _, m := range f.msgs {
		out = append(out, m.feed.Category)
	}
	return out
}

// fakeMail completes every message synchronously with sendErr.
type fakeMail struct {
	mu        sync.Mutex
	msgs      []mailer.Message
	submitErr error
	sendErr   error
}

func (f *fakeMail) Submit(m mailer.Message) error {
	f.mu.Lock()
	if f.submitErr != nil {
		f.mu.Unlock()
		return f.submitErr
	}
	f.msgs = append(f.msgs, m)
	sendErr := f.sendErr
	f.mu.Unlock()
	if m.Done != nil {
		m.Done(sendErr)
	}
	return nil
}

func (f *fakeMail) Sent() []mailer.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]mailer.Message(nil), f.msgs...)
}

func (f *fakeMail) To(addr string) int {
	n := 0
	for _, m := range f.Sent() {
		if m.To == addr {
			n++
		}
	}
	return n
}

type harness struct {
	clock  *clockwork.FakeClock
	store  *fakeStore
	feed   *fakeFeed
	live   *fakeLive
	mail   *fakeMail
	ledger *dispatch.Ledger
	policy policy.Policy
	orch   *Orchestrator
}

func newHarness(t *testing.T, start time.Time, subs ...domain.Subscriber) *harness {
	t.Helper()
	pol := policy.Default()
	pol.Location = time.UTC
	h := &harness{
		clock:  clockwork.NewFakeClockAt(start),
		store:  &fakeStore{subs: subs},
		feed:   &fakeFeed{articles: map[string][]domain.Article{}},
		live:   &fakeLive{},
		mail:   &fakeMail{},
		ledger: dispatch.NewLedger(nil, logx.Nop()),
		policy: pol,
	}
	h.orch = New(Config{}, Deps{
		Subscribers: h.store,
		Feed:        h.feed,
		Live:        h.live,
		Mail:        h.mail,
		Ledger:      h.ledger,
		Policy:      pol,
		Clock:       h.clock,
		Log:         logx.Nop(),
	})
	return h
}

func sub(email string, freq domain.Frequency, cats ...string) domain.Subscriber {
	return domain.Subscriber{ID: email, Categories: domain.NewCategorySet(cats...), Frequency: freq}
}

func arts(n int, prefix string) []domain.Article {
	out := make([]domain.Article, n)
	for i := range out {
		out[i] = domain.Article{
			Title:  prefix + " story " + string(rune('A'+i)),
			Source: "Wire",
			URL:    "https://news.example/" + prefix + "/" + string(rune('a'+i)),
		}
	}
	return out
}

func at(hh, mm int) time.Time {
	return time.Date(2026, 3, 10, hh, mm, 0, 0, time.UTC)
}

func TestImmediateSubscriberGetsPushAndEmail(t *testing.T) {
	h := newHarness(t, at(14, 7), sub("a@x.com", domain.Immediate, "technology"))
	h.feed.articles["technology"] = arts(2, "tech")

	require.NoError(t, h.orch.RunCycle(context.Background()))

	require.Len(t, h.live.msgs, 1)
	assert.Equal(t, "news", h.live.msgs[0].topic)
	assert.Equal(t, "technology", h.live.msgs[0].feed.Category)
	assert.Len(t, h.live.msgs[0].feed.Articles, 2)

	sent := h.mail.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "a@x.com", sent[0].To)
	assert.Equal(t, "Breaking TECHNOLOGY News", sent[0].Subject)
	assert.Contains(t, sent[0].HTML, "tech story A")
	assert.Contains(t, sent[0].HTML, "tech story B")

	last, ok := h.orch.Last()
	require.True(t, ok)
	assert.False(t, last.Running)
	assert.Equal(t, 1, last.Subscribers)
}

func TestDailySubscriberGetsOneEmailPerDay(t *testing.T) {
	h := newHarness(t, at(8, 59), sub("b@x.com", domain.Daily, "technology"))
	h.feed.articles["technology"] = arts(2, "tech")

	require.NoError(t, h.orch.RunCycle(context.Background()))
	assert.Equal(t, 0, h.mail.To("b@x.com"), "08:59 is outside the daily window")

	h.clock.Advance(time.Minute)
	h.feed.articles["technology"] = arts(3, "fresh")
	require.NoError(t, h.orch.RunCycle(context.Background()))
	assert.Equal(t, 1, h.mail.To("b@x.com"), "09:00 opens the daily window")

	h.clock.Advance(5 * time.Minute)
	require.NoError(t, h.orch.RunCycle(context.Background()))
	assert.Equal(t, 1, h.mail.To("b@x.com"), "already sent today")

	// pushes are unconditional
	assert.Len(t, h.live.msgs, 3)
}

func TestOnePublishPerNonEmptyCategory(t *testing.T) {
	h := newHarness(t, at(12, 0))
	h.feed.articles["sports"] = arts(3, "sports")
	h.feed.articles["health"] = arts(1, "health")

	require.NoError(t, h.orch.RunCycle(context.Background()))

	assert.ElementsMatch(t, []string{"sports", "health"}, h.live.Categories())
	assert.ElementsMatch(t, domain.DefaultCategories, h.feed.calls)

	last, _ := h.orch.Last()
	require.Len(t, last.Categories, len(domain.DefaultCategories))
	for _, c := range last.Categories {
		assert.Equal(t, c.Category == "sports" || c.Category == "health", c.Published, c.Category)
	}
}

func TestEmailsOnlyForSubscribedCategories(t *testing.T) {
	h := newHarness(t, at(12, 0),
		sub("both@x.com", domain.Immediate, "sports", "technology"),
		sub("tech@x.com", domain.Immediate, "technology"),
		sub("health@x.com", domain.Immediate, "health"),
	)
	h.feed.articles["sports"] = arts(1, "sports")
	h.feed.articles["technology"] = arts(1, "tech")

	require.NoError(t, h.orch.RunCycle(context.Background()))

	assert.Equal(t, 2, h.mail.To("both@x.com"))
	assert.Equal(t, 1, h.mail.To("tech@x.com"))
	assert.Equal(t, 0, h.mail.To("health@x.com"))
	for _, m := range h.mail.Sent() {
		if m.To == "tech@x.com" {
			assert.Equal(t, "Breaking TECHNOLOGY News", m.Subject)
		}
	}
}

func TestHourlyAtMostOncePerWindow(t *testing.T) {
	for _, tick := range []time.Duration{time.Minute, 5 * time.Minute, 7 * time.Minute, 15 * time.Minute} {
		t.Run(tick.String(), func(t *testing.T) {
			h := newHarness(t, at(10, 0), sub("h@x.com", domain.Hourly, "business"))
			h.feed.articles["business"] = arts(2, "biz")

			end := at(11, 0)
			for h.clock.Now().Before(end) {
				require.NoError(t, h.orch.RunCycle(context.Background()))
				h.clock.Advance(tick)
			}
			assert.Equal(t, 1, h.mail.To("h@x.com"))
		})
	}
}

func TestHourlyAtMostOncePerWindowAcrossCategories(t *testing.T) {
	for _, workers := range []int{1, 4} {
		t.Run(fmt.Sprintf("concurrency=%d", workers), func(t *testing.T) {
			h := newHarness(t, at(10, 0), sub("h@x.com", domain.Hourly, "business", "sports"))
			h.orch.Apply(Config{Concurrency: workers}, h.policy)
			h.feed.articles["business"] = arts(2, "biz")
			h.feed.articles["sports"] = arts(1, "sports")

			for end := at(11, 0); h.clock.Now().Before(end); h.clock.Advance(5 * time.Minute) {
				require.NoError(t, h.orch.RunCycle(context.Background()))
			}
			assert.Equal(t, 1, h.mail.To("h@x.com"))

			first := h.orch.History()[0]
			var queued, claimed int
			for _, c := range first.Categories {
				queued += c.EmailsQueued
				claimed += c.EmailsClaimed
			}
			assert.Equal(t, 1, queued)
			assert.Equal(t, 1, claimed)
		})
	}
}

func TestDailyAtMostOncePerDayAcrossCategories(t *testing.T) {
	h := newHarness(t, at(9, 0), sub("d@x.com", domain.Daily, "technology", "health", "business"))
	h.feed.articles["technology"] = arts(1, "tech")
	h.feed.articles["health"] = arts(1, "health")
	h.feed.articles["business"] = arts(1, "biz")

	for end := at(10, 0); h.clock.Now().Before(end); h.clock.Advance(5 * time.Minute) {
		require.NoError(t, h.orch.RunCycle(context.Background()))
	}
	assert.Equal(t, 1, h.mail.To("d@x.com"))
}

func TestFeedFailureIsolatedToItsCategory(t *testing.T) {
	h := newHarness(t, at(12, 0),
		sub("s@x.com", domain.Immediate, "sports"),
		sub("t@x.com", domain.Immediate, "technology"),
	)
	// sports yields nothing, as the feed client does on upstream failure
	h.feed.articles["technology"] = arts(2, "tech")

	require.NoError(t, h.orch.RunCycle(context.Background()))

	assert.Equal(t, []string{"technology"}, h.live.Categories())
	assert.Equal(t, 1, h.mail.To("t@x.com"))
	assert.Equal(t, 0, h.mail.To("s@x.com"))
}

func TestPublishFailureStillEmails(t *testing.T) {
	h := newHarness(t, at(12, 0), sub("a@x.com", domain.Immediate, "technology"))
	h.feed.articles["technology"] = arts(1, "tech")
	h.live.err = errors.New("hub down")

	require.NoError(t, h.orch.RunCycle(context.Background()))

	assert.Equal(t, 1, h.mail.To("a@x.com"))
	last, _ := h.orch.Last()
	for _, c := range last.Categories {
		if c.Category == "technology" {
			assert.False(t, c.Published)
			assert.Equal(t, "hub down", c.PublishError)
		}
	}
}

func TestStoreFailureAbortsCycle(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16, "cycle.")
	defer unsub()

	h := newHarness(t, at(12, 0))
	h.orch.bus = bus
	h.store.err = errors.New("connection refused")
	h.feed.articles["technology"] = arts(1, "tech")

	err := h.orch.RunCycle(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, h.store.err)
	assert.Empty(t, h.feed.calls)
	assert.Empty(t, h.live.msgs)

	assert.Equal(t, eventbus.CycleStarted, (<-events).Type)
	assert.Equal(t, eventbus.CycleAborted, (<-events).Type)

	// the next cycle proceeds normally
	h.store.err = nil
	require.NoError(t, h.orch.RunCycle(context.Background()))
	assert.Len(t, h.live.msgs, 1)
	assert.Equal(t, eventbus.CycleStarted, (<-events).Type)
	assert.Equal(t, eventbus.CycleFinished, (<-events).Type)
}

func TestFailedSendDoesNotConsumeWindow(t *testing.T) {
	h := newHarness(t, at(9, 0), sub("b@x.com", domain.Daily, "technology"))
	h.feed.articles["technology"] = arts(1, "tech")

	h.mail.sendErr = errors.New("smtp 421")
	require.NoError(t, h.orch.RunCycle(context.Background()))
	assert.Equal(t, 1, h.mail.To("b@x.com"))
	_, ok := h.ledger.LastSent("b@x.com")
	assert.False(t, ok)

	h.clock.Advance(5 * time.Minute)
	h.mail.sendErr = nil
	require.NoError(t, h.orch.RunCycle(context.Background()))
	assert.Equal(t, 2, h.mail.To("b@x.com"), "the failed attempt is retried within the window")

	sentAt, ok := h.ledger.LastSent("b@x.com")
	require.True(t, ok)
	assert.Equal(t, at(9, 5), sentAt)
}

func TestRejectedSubmitReleasesReservation(t *testing.T) {
	h := newHarness(t, at(9, 10), sub("b@x.com", domain.Daily, "technology"))
	h.feed.articles["technology"] = arts(1, "tech")
	h.mail.submitErr = mailer.ErrQueueFull

	require.NoError(t, h.orch.RunCycle(context.Background()))
	assert.Empty(t, h.ledger.Snapshot())

	last, _ := h.orch.Last()
	for _, c := range last.Categories {
		if c.Category == "technology" {
			assert.Equal(t, 1, c.EmailsRejected)
			assert.Zero(t, c.EmailsQueued)
		}
	}
}

func TestPendingSendBlocksNextCycle(t *testing.T) {
	h := newHarness(t, at(9, 0), sub("b@x.com", domain.Daily, "technology"))
	h.feed.articles["technology"] = arts(1, "tech")

	// hold Done until the second cycle ran
	var held []mailer.Message
	h.orch.mail = submitFunc(func(m mailer.Message) error {
		held = append(held, m)
		return nil
	})

	require.NoError(t, h.orch.RunCycle(context.Background()))
	h.clock.Advance(5 * time.Minute)
	require.NoError(t, h.orch.RunCycle(context.Background()))
	require.Len(t, held, 1, "an unconfirmed email still counts as sent")

	held[0].Done(nil)
	_, ok := h.ledger.LastSent("b@x.com")
	assert.True(t, ok)
}

type submitFunc func(m mailer.Message) error

func (f submitFunc) Submit(m mailer.Message) error { return f(m) }

func TestShutdownFinishesStartedCategory(t *testing.T) {
	h := newHarness(t, at(12, 0), sub("a@x.com", domain.Immediate, domain.DefaultCategories...))
	for _, c := range domain.DefaultCategories {
		h.feed.articles[c] = arts(1, c)
	}
	h.orch.Apply(Config{Concurrency: 1}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	h.feed.onFetch = func(string) { cancel() }

	require.NoError(t, h.orch.RunCycle(ctx))

	// the first category saw the cancel mid-flight and still completed
	assert.Len(t, h.feed.calls, 1)
	assert.Len(t, h.live.msgs, 1)
	assert.Equal(t, 1, h.mail.To("a@x.com"))
}

func TestRender(t *testing.T) {
	assert.Equal(t, "Breaking TECHNOLOGY News", RenderSubject("technology"))

	body, err := RenderBody("technology", []domain.Article{
		{Title: "Go 2 ships", Source: "Gopher Times", URL: "https://go.dev/blog"},
		{Title: "A <b>bold</b> claim", Source: "R&D", URL: "https://x.test/a?b=1&c=2"},
	})
	require.NoError(t, err)
	assert.Equal(t,
		`<h2>Latest technology Updates</h2><ul>`+
			`<li><a href="https://go.dev/blog" target="_blank">Go 2 ships</a> - <i>Gopher Times</i></li>`+
			`<li><a href="https://x.test/a?b=1&amp;c=2" target="_blank">A &lt;b&gt;bold&lt;/b&gt; claim</a> - <i>R&amp;D</i></li>`+
			`</ul>`,
		body)
}
