package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"newsbeat/internal/domain"
	logx "newsbeat/pkg/logx"
)

// Store is the subscriber store plus the persisted half of the delivery ledger.
type Store interface {
	List(ctx context.Context) ([]domain.Subscriber, error)
	FindByEmail(ctx context.Context, email string) (domain.Subscriber, bool, error)
	Upsert(ctx context.Context, s domain.Subscriber) error
	Delete(ctx context.Context, email string) error

	PutLastSent(ctx context.Context, email string, at time.Time) error
	LastSent(ctx context.Context) (map[string]time.Time, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
