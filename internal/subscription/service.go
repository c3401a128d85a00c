// Package subscription creates, merges and removes subscribers.
package subscription

import (
	"context"
	"fmt"
	"sync"

	"newsbeat/internal/domain"
	logx "newsbeat/pkg/logx"
)

// Store is the part of storage.Store the service needs.
type Store interface {
	List(ctx context.Context) ([]domain.Subscriber, error)
	FindByEmail(ctx context.Context, email string) (domain.Subscriber, bool, error)
	Upsert(ctx context.Context, s domain.Subscriber) error
	Delete(ctx context.Context, email string) error
}

// Forgetter drops delivery state for removed subscribers.
type Forgetter interface {
	Forget(id string)
}

type Service struct {
	store   Store
	catalog domain.Catalog
	forget  Forgetter
	log     logx.Logger

	// serialises read-modify-write on subscriber records
	mu sync.Mutex
}

func New(store Store, catalog domain.Catalog, forget Forgetter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, catalog: catalog, forget: forget, log: log.With(logx.String("comp", "subscription"))}
}

// Subscribe creates a subscriber or merges categories into an existing one.
// The frequency always replaces the stored value.
func (s *Service) Subscribe(ctx context.Context, email string, categories []string, frequency string) (domain.Subscriber, bool, error) {
	id, err := domain.NormalizeEmail(email)
	if err != nil {
		return domain.Subscriber{}, false, err
	}
	cats, err := s.catalog.Parse(categories)
	if err != nil {
		return domain.Subscriber{}, false, err
	}
	freq, err := domain.ParseFrequency(frequency)
	if err != nil {
		return domain.Subscriber{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, found, err := s.store.FindByEmail(ctx, id)
	if err != nil {
		return domain.Subscriber{}, false, fmt.Errorf("find %s: %w", id, err)
	}
	sub := domain.Subscriber{ID: id, Categories: cats, Frequency: freq}
	if found {
		sub.Categories = cur.Categories.Union(cats)
	}
	if err := s.store.Upsert(ctx, sub); err != nil {
		return domain.Subscriber{}, false, fmt.Errorf("save %s: %w", id, err)
	}

	s.log.Info("subscription saved",
		logx.Email("subscriber", id),
		logx.Strings("categories", sub.Categories.Sorted()),
		logx.String("frequency", string(freq)),
		logx.Bool("created", !found),
	)
	return sub, !found, nil
}

// Unsubscribe removes categories from a subscriber. A subscriber left with no
// categories is deleted; the returned bool reports that.
func (s *Service) Unsubscribe(ctx context.Context, email string, categories []string) (domain.Subscriber, bool, error) {
	id, err := domain.NormalizeEmail(email)
	if err != nil {
		return domain.Subscriber{}, false, err
	}
	remove := domain.NewCategorySet(categories...)
	if remove.Len() == 0 {
		return domain.Subscriber{}, false, domain.ErrNoCategories
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, found, err := s.store.FindByEmail(ctx, id)
	if err != nil {
		return domain.Subscriber{}, false, fmt.Errorf("find %s: %w", id, err)
	}
	if !found {
		return domain.Subscriber{}, false, domain.ErrNotFound
	}

	cur.Categories = cur.Categories.Without(remove)
	if cur.Categories.Len() == 0 {
		if err := s.store.Delete(ctx, id); err != nil {
			return domain.Subscriber{}, false, fmt.Errorf("delete %s: %w", id, err)
		}
		if s.forget != nil {
			s.forget.Forget(id)
		}
		s.log.Info("subscriber removed", logx.Email("subscriber", id))
		return cur, true, nil
	}
	if err := s.store.Upsert(ctx, cur); err != nil {
		return domain.Subscriber{}, false, fmt.Errorf("save %s: %w", id, err)
	}
	s.log.Info("categories removed", logx.Email("subscriber", id), logx.Strings("categories", cur.Categories.Sorted()))
	return cur, false, nil
}

func (s *Service) Get(ctx context.Context, email string) (domain.Subscriber, error) {
	id, err := domain.NormalizeEmail(email)
	if err != nil {
		return domain.Subscriber{}, err
	}
	sub, found, err := s.store.FindByEmail(ctx, id)
	if err != nil {
		return domain.Subscriber{}, err
	}
	if !found {
		return domain.Subscriber{}, domain.ErrNotFound
	}
	return sub, nil
}

func (s *Service) List(ctx context.Context) ([]domain.Subscriber, error) {
	return s.store.List(ctx)
}
