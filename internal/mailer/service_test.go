package mailer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"newsbeat/internal/eventbus"
	logx "newsbeat/pkg/logx"
)

type fakeSender struct {
	mu      sync.Mutex
	sent    []string
	fail    map[string]error
	started chan string
	release chan struct{}
}

func (f *fakeSender) Send(_ context.Context, to, _, _ string) error {
	if f.started != nil {
		f.started <- to
	}
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[to]; err != nil {
		return err
	}
	f.sent = append(f.sent, to)
	return nil
}

func (f *fakeSender) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func stopCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSubmitDeliversAndReportsOutcome(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, "mail.")
	defer unsub()

	boom := errors.New("smtp 550")
	snd := &fakeSender{fail: map[string]error{"bad@x.com": boom}}
	svc := New(Config{Enabled: true, Workers: 1, RatePerSec: 100}, snd, logx.Nop(), bus)
	svc.Start(context.Background())

	results := make(chan error, 2)
	done := func(err error) { results <- err }
	require.NoError(t, svc.Submit(Message{To: "a@x.com", Subject: "s", HTML: "<p>", Done: done}))
	require.NoError(t, svc.Submit(Message{To: "bad@x.com", Subject: "s", HTML: "<p>", Done: done}))

	assert.NoError(t, <-results)
	assert.ErrorIs(t, <-results, boom)
	svc.Stop(stopCtx(t))

	assert.Equal(t, []string{"a@x.com"}, snd.Sent())
	hist := svc.History()
	require.Len(t, hist, 2)
	assert.Empty(t, hist[0].Error)
	assert.Equal(t, "smtp 550", hist[1].Error)

	assert.Equal(t, eventbus.MailSent, (<-events).Type)
	e := <-events
	assert.Equal(t, eventbus.MailFailed, e.Type)
	assert.Equal(t, "bad@x.com", e.Data.(MailEvent).To)
}

func TestSubmitRejections(t *testing.T) {
	off := New(Config{Enabled: false}, &fakeSender{}, logx.Nop(), nil)
	assert.ErrorIs(t, off.Submit(Message{To: "a@x.com"}), ErrDisabled)

	svc := New(Config{Enabled: true}, &fakeSender{}, logx.Nop(), nil)
	assert.ErrorIs(t, svc.Submit(Message{To: "a@x.com"}), ErrStopped, "not started")

	svc.Start(context.Background())
	svc.Stop(stopCtx(t))
	assert.ErrorIs(t, svc.Submit(Message{To: "a@x.com"}), ErrStopped)
}

func TestSubmitQueueFullNeverBlocks(t *testing.T) {
	snd := &fakeSender{started: make(chan string, 4), release: make(chan struct{})}
	svc := New(Config{Enabled: true, Workers: 1, QueueSize: 1, RatePerSec: 100}, snd, logx.Nop(), nil)
	svc.Start(context.Background())

	require.NoError(t, svc.Submit(Message{To: "1@x.com"}))
	<-snd.started // worker is busy with the first message
	require.NoError(t, svc.Submit(Message{To: "2@x.com"}))
	assert.ErrorIs(t, svc.Submit(Message{To: "3@x.com"}), ErrQueueFull)

	close(snd.release)
	svc.Stop(stopCtx(t))
	assert.Equal(t, []string{"1@x.com", "2@x.com"}, snd.Sent())
}

func TestStopDrainsQueue(t *testing.T) {
	snd := &fakeSender{}
	svc := New(Config{Enabled: true, Workers: 2, RatePerSec: 1000}, snd, logx.Nop(), nil)
	svc.Start(context.Background())

	var mu sync.Mutex
	var outcomes int
	for _, to := range []string{"a@x.com", "b@x.com", "c@x.com", "d@x.com"} {
		require.NoError(t, svc.Submit(Message{To: to, Done: func(error) {
			mu.Lock()
			outcomes++
			mu.Unlock()
		}}))
	}
	svc.Stop(stopCtx(t))

	assert.Len(t, snd.Sent(), 4)
	mu.Lock()
	assert.Equal(t, 4, outcomes)
	mu.Unlock()
	assert.Equal(t, 0, svc.Pending())
}

func TestNewSender(t *testing.T) {
	s, err := NewSender(SenderConfig{Driver: "log"}, logx.Nop())
	require.NoError(t, err)
	assert.NoError(t, s.Send(context.Background(), "a@x.com", "subj", "<h2>x</h2>"))

	_, err = NewSender(SenderConfig{Driver: "smtp"}, logx.Nop())
	assert.Error(t, err, "host is required")

	smtp, err := NewSender(SenderConfig{Driver: "smtp", Host: "localhost", Port: 2525, From: "news@x.com", TLS: "none"}, logx.Nop())
	require.NoError(t, err)
	assert.IsType(t, &SMTPSender{}, smtp)

	_, err = NewSender(SenderConfig{Driver: "pigeon"}, logx.Nop())
	assert.Error(t, err)
}
