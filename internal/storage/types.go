package storage

import (
	"errors"
	"sort"
	"time"

	"newsbeat/internal/domain"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "memory" (or empty): in-process maps
//   - "file": JSON snapshot + journal under Path's directory
//   - "sqlite": SQLite database file at Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// record is the persisted shape of a subscriber.
type record struct {
	Email      string   `json:"email"`
	Categories []string `json:"categories"`
	Frequency  string   `json:"frequency"`
}

func toRecord(s domain.Subscriber) record {
	return record{Email: s.ID, Categories: s.Categories.Sorted(), Frequency: string(s.Frequency)}
}

// toSubscriber keeps unknown stored frequencies as-is; the frequency policy
// treats them as never due.
func (r record) toSubscriber() domain.Subscriber {
	return domain.Subscriber{
		ID:         r.Email,
		Categories: domain.NewCategorySet(r.Categories...),
		Frequency:  domain.Frequency(r.Frequency),
	}
}

func sortSubscribers(out []domain.Subscriber) {
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
}
