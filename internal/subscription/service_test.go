package subscription

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"newsbeat/internal/domain"
	"newsbeat/internal/storage"
	logx "newsbeat/pkg/logx"
)

type forgetSpy struct{ ids []string }

func (f *forgetSpy) Forget(id string) { f.ids = append(f.ids, id) }

func newService(t *testing.T) (*Service, *forgetSpy) {
	t.Helper()
	st := storage.NewMemory()
	t.Cleanup(func() { _ = st.Close() })
	spy := &forgetSpy{}
	return New(st, domain.NewCatalog(nil), spy, logx.Nop()), spy
}

func TestSubscribeCreatesAndMerges(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	sub, created, err := svc.Subscribe(ctx, " A@X.com ", []string{"technology"}, "")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "a@x.com", sub.ID)
	assert.Equal(t, domain.Immediate, sub.Frequency)

	sub, created, err = svc.Subscribe(ctx, "a@x.com", []string{"Sports", "technology"}, "daily")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, []string{"sports", "technology"}, sub.Categories.Sorted())
	assert.Equal(t, domain.Daily, sub.Frequency)

	got, err := svc.Get(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, sub.Categories.Sorted(), got.Categories.Sorted())
}

func TestSubscribeValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	cases := []struct {
		name  string
		email string
		cats  []string
		freq  string
		is    error
	}{
		{name: "bad email", email: "nope", cats: []string{"health"}, is: domain.ErrInvalidEmail},
		{name: "no categories", email: "a@x.com", is: domain.ErrNoCategories},
		{name: "unknown category", email: "a@x.com", cats: []string{"weather"}, is: domain.ErrUnknownCategory},
		{name: "unknown frequency", email: "a@x.com", cats: []string{"health"}, freq: "weekly", is: domain.ErrUnknownFrequency},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := svc.Subscribe(ctx, tc.email, tc.cats, tc.freq)
			assert.ErrorIs(t, err, tc.is)
		})
	}

	subs, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestUnsubscribe(t *testing.T) {
	ctx := context.Background()
	svc, spy := newService(t)

	_, _, err := svc.Subscribe(ctx, "b@x.com", []string{"sports", "health"}, "hourly")
	require.NoError(t, err)

	sub, deleted, err := svc.Unsubscribe(ctx, "b@x.com", []string{"sports"})
	require.NoError(t, err)
	assert.False(t, deleted)
	assert.Equal(t, []string{"health"}, sub.Categories.Sorted())

	_, deleted, err = svc.Unsubscribe(ctx, "b@x.com", []string{"health"})
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Equal(t, []string{"b@x.com"}, spy.ids)

	_, err = svc.Get(ctx, "b@x.com")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, _, err = svc.Unsubscribe(ctx, "b@x.com", []string{"health"})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, _, err = svc.Unsubscribe(ctx, "b@x.com", nil)
	assert.ErrorIs(t, err, domain.ErrNoCategories)
}
