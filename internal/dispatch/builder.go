// Package dispatch computes, per category and cycle, which subscribers receive
// a live push and which are due an email, and tracks the per-subscriber
// lastSentAt state that makes email delivery at-most-once per window.
package dispatch

import (
	"time"

	"newsbeat/internal/domain"
)

// Decision is the per-subscriber outcome for one category in one cycle.
// It is derived and never stored.
type Decision struct {
	Subscriber  domain.Subscriber
	Category    string
	ShouldPush  bool
	ShouldEmail bool
}

// DuePolicy is the frequency decision consumed by the builder.
type DuePolicy interface {
	IsDeliveryDue(freq domain.Frequency, now, lastSentAt time.Time) bool
}

type Builder struct {
	policy DuePolicy
}

func NewBuilder(p DuePolicy) *Builder {
	return &Builder{policy: p}
}

// Build returns one decision per subscriber following category; others are
// excluded entirely. lastSent maps subscriber ID to the last email time; a
// missing entry means never sent. Output order follows subs.
func (b *Builder) Build(subs []domain.Subscriber, category string, now time.Time, lastSent map[string]time.Time) []Decision {
	out := make([]Decision, 0, len(subs))
	for _, s := range subs {
		if !s.Wants(category) {
			continue
		}
		out = append(out, Decision{
			Subscriber:  s,
			Category:    category,
			ShouldPush:  true,
			ShouldEmail: b.policy.IsDeliveryDue(s.Frequency, now, lastSent[s.ID]),
		})
	}
	return out
}

// Due re-evaluates the email decision for s against lastSentAt. It is the
// check handed to Ledger.ReserveIfDue at submit time.
func (b *Builder) Due(s domain.Subscriber, now, lastSentAt time.Time) bool {
	return b.policy.IsDeliveryDue(s.Frequency, now, lastSentAt)
}

// Emails filters decisions down to the email-eligible ones.
func Emails(ds []Decision) []Decision {
	out := make([]Decision, 0, len(ds))
	for _, d := range ds {
		if d.ShouldEmail {
			out = append(out, d)
		}
	}
	return out
}
