package mailer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"newsbeat/internal/eventbus"
	rtsup "newsbeat/internal/runtime/supervisor"
	logx "newsbeat/pkg/logx"
)

// Service is an async mail pipeline: queue + worker pool + rate limit.
// Each message is attempted once; there is no retry.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender Sender
	bus    eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	submitWG  sync.WaitGroup

	queue    chan Message
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	hmu     sync.Mutex
	history []HistoryItem
}

const historyMax = 300

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{sender: sender, log: log.With(logx.String("comp", "mailer")), bus: bus}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply updates rate and timeout at runtime. Worker and queue sizes take
// effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 5
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 20 * time.Second
	}
	s.cfg = cfg
	if s.limiter == nil {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
		return
	}
	s.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
	s.limiter.SetBurst(cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan Message, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	sup, q, workers := s.sup, s.queue, s.cfg.Workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("mail.worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			if c.Err() != nil || s.stopping() {
				return nil
			}
			return errors.New("mail worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("mailer started", logx.Int("workers", workers))
}

func (s *Service) stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopDone != nil
}

// Stop rejects new messages and drains the queue until ctx is done. Messages
// still queued after a forced stop complete with ErrStopped.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.submitWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())
		for m := range q {
			s.finish(m, ErrStopped)
		}

		s.mu.Lock()
		s.queue = nil
		s.sup = nil
		s.stopDone = nil
		s.mu.Unlock()
		s.log.Info("mailer stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// In-flight sends still finish in the background.
		sup.Cancel()
	}
}

// Submit queues m without blocking. On a non-nil error m.Done is not called.
func (s *Service) Submit(m Message) error {
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.submitWG.Add(1)
	s.mu.Unlock()
	defer s.submitWG.Done()

	select {
	case q <- m:
		return nil
	default:
		s.emit(eventbus.MailDropped, m, ErrQueueFull)
		return ErrQueueFull
	}
}

// History returns the most recent attempts, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

// Pending returns the number of queued messages.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue == nil {
		return 0
	}
	return len(s.queue)
}

func (s *Service) workerLoop(ctx context.Context, q <-chan Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-q:
			if !ok {
				return
			}
			s.send(ctx, m)
		}
	}
}

func (s *Service) send(ctx context.Context, m Message) {
	s.mu.Lock()
	lim, timeout, sender := s.limiter, s.cfg.SendTimeout, s.sender
	s.mu.Unlock()

	if err := lim.Wait(ctx); err != nil {
		s.finish(m, ErrStopped)
		return
	}
	if sender == nil {
		s.finish(m, ErrDisabled)
		return
	}

	// An in-flight send is allowed to finish during shutdown.
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	err := sender.Send(callCtx, m.To, m.Subject, m.HTML)
	cancel()
	s.finish(m, err)
}

func (s *Service) finish(m Message, err error) {
	item := HistoryItem{At: time.Now(), To: m.To, Subject: m.Subject}
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("mail send failed", logx.Email("to", m.To), logx.String("subject", m.Subject), logx.Err(err))
		s.emit(eventbus.MailFailed, m, err)
	} else {
		s.log.Debug("mail sent", logx.Email("to", m.To), logx.String("subject", m.Subject))
		s.emit(eventbus.MailSent, m, nil)
	}

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > historyMax {
		s.history = s.history[len(s.history)-historyMax:]
	}
	s.hmu.Unlock()

	if m.Done != nil {
		m.Done(err)
	}
}

func (s *Service) emit(typ string, m Message, err error) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	ev := MailEvent{To: m.To, Subject: m.Subject, At: now}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}
