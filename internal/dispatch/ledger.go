package dispatch

import (
	"context"
	"sync"
	"time"

	logx "newsbeat/pkg/logx"
)

// LastSentStore persists committed lastSentAt values across restarts.
type LastSentStore interface {
	PutLastSent(ctx context.Context, id string, at time.Time) error
	LastSent(ctx context.Context) (map[string]time.Time, error)
}

// Reservation identifies one in-flight email.
type Reservation struct {
	ID  string
	At  time.Time
	seq uint64
}

type ledgerEntry struct {
	committed time.Time
	pending   map[uint64]time.Time
}

type persistWrite struct {
	id string
	at time.Time
}

// Ledger is the only cross-cycle mutable state of the engine.
//
// An email reserves the subscriber's slot when it is submitted. The
// reservation counts as "sent" for every later due check, so an email whose
// outcome is still unknown can never be duplicated by the next cycle. A
// confirmed send commits the reservation; a failed send releases it.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]*ledgerEntry
	seq     uint64

	store     LastSentStore
	persistCh chan persistWrite
	log       logx.Logger
}

func NewLedger(store LastSentStore, log logx.Logger) *Ledger {
	if log.IsZero() {
		log = logx.Nop()
	}
	l := &Ledger{entries: map[string]*ledgerEntry{}, store: store, log: log}
	if store != nil {
		l.persistCh = make(chan persistWrite, 1024)
	}
	return l
}

// Load seeds committed values from the store. Existing newer values win.
func (l *Ledger) Load(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	m, err := l.store.LastSent(ctx)
	if err != nil {
		return err
	}
	l.mu.Lock()
	for id, at := range m {
		e := l.entryLocked(id)
		if at.After(e.committed) {
			e.committed = at
		}
	}
	l.mu.Unlock()
	l.log.Info("delivery ledger loaded", logx.Int("subscribers", len(m)))
	return nil
}

// Snapshot returns the effective lastSentAt per subscriber, counting pending
// reservations as sent.
func (l *Ledger) Snapshot() map[string]time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]time.Time, len(l.entries))
	for id, e := range l.entries {
		if t := e.effective(); !t.IsZero() {
			out[id] = t
		}
	}
	return out
}

// LastSent returns the committed time for one subscriber.
func (l *Ledger) LastSent(id string) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[id]
	if !ok || e.committed.IsZero() {
		return time.Time{}, false
	}
	return e.committed, true
}

// Reserve takes a slot for id unconditionally.
func (l *Ledger) Reserve(id string, at time.Time) Reservation {
	r, _ := l.ReserveIfDue(id, at, func(time.Time) bool { return true })
	return r
}

// ReserveIfDue calls due with the effective lastSentAt under the ledger lock
// and reserves a slot for id when it returns true. Concurrent callers for the
// same subscriber see each other's reservations, so at most one of them
// claims a given window.
func (l *Ledger) ReserveIfDue(id string, at time.Time, due func(lastSentAt time.Time) bool) (Reservation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var last time.Time
	if e, ok := l.entries[id]; ok {
		last = e.effective()
	}
	if !due(last) {
		return Reservation{}, false
	}
	l.seq++
	e := l.entryLocked(id)
	e.pending[l.seq] = at
	return Reservation{ID: id, At: at, seq: l.seq}, true
}

// Commit records a confirmed delivery.
func (l *Ledger) Commit(r Reservation) {
	l.mu.Lock()
	e := l.entryLocked(r.ID)
	delete(e.pending, r.seq)
	if r.At.After(e.committed) {
		e.committed = r.At
	}
	ch := l.persistCh
	l.mu.Unlock()

	if ch != nil {
		select {
		case ch <- persistWrite{id: r.ID, at: r.At}:
		default:
			l.log.Warn("ledger persist queue full; value kept in memory only", logx.Email("subscriber", r.ID))
		}
	}
}

// Release drops a reservation whose delivery failed.
func (l *Ledger) Release(r Reservation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[r.ID]; ok {
		delete(e.pending, r.seq)
		if e.committed.IsZero() && len(e.pending) == 0 {
			delete(l.entries, r.ID)
		}
	}
}

// Forget removes a subscriber's state (e.g. after unsubscribe).
func (l *Ledger) Forget(id string) {
	l.mu.Lock()
	delete(l.entries, id)
	l.mu.Unlock()
}

// Prune drops committed values older than before when nothing is pending.
// Values older than the start of the current day never affect a decision.
func (l *Ledger) Prune(before time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for id, e := range l.entries {
		if len(e.pending) == 0 && e.committed.Before(before) {
			delete(l.entries, id)
			n++
		}
	}
	return n
}

// Run persists committed values until ctx is done, then drains what is queued.
// Without a store it only waits for ctx.
func (l *Ledger) Run(ctx context.Context) error {
	if l.persistCh == nil {
		<-ctx.Done()
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			l.drain()
			return nil
		case w := <-l.persistCh:
			l.persist(context.Background(), w)
		}
	}
}

func (l *Ledger) drain() {
	for {
		select {
		case w := <-l.persistCh:
			l.persist(context.Background(), w)
		default:
			return
		}
	}
}

func (l *Ledger) persist(parent context.Context, w persistWrite) {
	ctx, cancel := context.WithTimeout(parent, 2*time.Second)
	defer cancel()
	if err := l.store.PutLastSent(ctx, w.id, w.at); err != nil {
		l.log.Warn("ledger persist failed", logx.Email("subscriber", w.id), logx.Err(err))
	}
}

// effective is the latest of the committed and pending times.
func (e *ledgerEntry) effective() time.Time {
	t := e.committed
	for _, p := range e.pending {
		if p.After(t) {
			t = p
		}
	}
	return t
}

func (l *Ledger) entryLocked(id string) *ledgerEntry {
	e, ok := l.entries[id]
	if !ok {
		e = &ledgerEntry{pending: map[uint64]time.Time{}}
		l.entries[id] = e
	}
	return e
}
