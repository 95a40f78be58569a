package plan

import (
	"context"
	"testing"

	"go_setlist/setlist/internal/database"
	"go_setlist/setlist/internal/models"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPolicy(t *testing.T) {
	p := MustDefault()

	l, ok := p.LimitFor(models.KindEventsCreated)
	require.True(t, ok)
	assert.Equal(t, int64(300), l.PeriodLimit)
	assert.Equal(t, int64(240), l.Threshold())
	assert.Equal(t, models.GranularityMonthly, l.Granularity)

	_, ok = p.LimitFor("uploads")
	assert.False(t, ok)

	assert.Equal(t, []models.CounterKind{
		models.KindAPICalls, models.KindDataRetrieved, models.KindEventsCreated, models.KindSongsAdded,
	}, p.Kinds())
}

func TestNewPolicy(t *testing.T) {
	t.Run("fills defaults", func(t *testing.T) {
		p, err := NewPolicy(models.Limit{Kind: "uploads", PeriodLimit: 10})
		require.NoError(t, err)
		l, ok := p.LimitFor("uploads")
		require.True(t, ok)
		assert.InDelta(t, DefaultWarningFraction, l.WarningFraction, 1e-9)
		assert.Equal(t, models.GranularityMonthly, l.Granularity)
		assert.Equal(t, int64(8), l.Threshold())
	})

	t.Run("rejects invalid limits", func(t *testing.T) {
		cases := []models.Limit{
			{PeriodLimit: 1},
			{Kind: "a", PeriodLimit: -1},
			{Kind: "a", PeriodLimit: 1, WarningFraction: 1.2},
			{Kind: "a", PeriodLimit: 1, WarningFraction: -0.1},
			{Kind: "a", PeriodLimit: 1, Granularity: "weekly"},
		}
		for _, c := range cases {
			_, err := NewPolicy(c)
			assert.True(t, errors.Is(err, ErrInvalidLimit), "%+v", c)
		}
	})

	t.Run("later entries win", func(t *testing.T) {
		p, err := MustDefault().With(models.Limit{Kind: models.KindAPICalls, PeriodLimit: 5, WarningFraction: 1})
		require.NoError(t, err)
		l, _ := p.LimitFor(models.KindAPICalls)
		assert.Equal(t, int64(5), l.PeriodLimit)
		assert.Equal(t, int64(5), l.Threshold())

		// the base policy is untouched
		orig, _ := MustDefault().LimitFor(models.KindAPICalls)
		assert.Equal(t, int64(60000), orig.PeriodLimit)
	})
}

func TestService_LoadOverrides(t *testing.T) {
	ctx := context.Background()
	db, err := database.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Migrate(ctx))

	svc := NewService(db)

	p, err := svc.Load(ctx, MustDefault())
	require.NoError(t, err)
	l, _ := p.LimitFor(models.KindEventsCreated)
	assert.Equal(t, int64(300), l.PeriodLimit, "empty table keeps the base policy")

	require.NoError(t, svc.Upsert(ctx, models.Limit{Kind: models.KindEventsCreated, PeriodLimit: 20, Granularity: models.GranularityDaily}))
	require.NoError(t, svc.Upsert(ctx, models.Limit{Kind: models.KindEventsCreated, PeriodLimit: 25, Granularity: models.GranularityDaily}))

	stored, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)

	p, err = svc.Load(ctx, MustDefault())
	require.NoError(t, err)
	l, _ = p.LimitFor(models.KindEventsCreated)
	assert.Equal(t, int64(25), l.PeriodLimit)
	assert.Equal(t, models.GranularityDaily, l.Granularity)
	assert.Equal(t, int64(20), l.Threshold())

	err = svc.Upsert(ctx, models.Limit{Kind: "x", PeriodLimit: -5})
	assert.True(t, errors.Is(err, ErrInvalidLimit))
}
