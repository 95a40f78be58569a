package orchestrator

import (
	"context"
	"testing"
	"time"

	"go_setlist/setlist/internal/apperr"
	"go_setlist/setlist/internal/clock"
	"go_setlist/setlist/internal/database"
	"go_setlist/setlist/internal/event"
	"go_setlist/setlist/internal/models"
	"go_setlist/setlist/internal/plan"
	"go_setlist/setlist/internal/quota"
	"go_setlist/setlist/internal/usage"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2025, 6, 20, 21, 0, 0, 0, time.UTC)

type failingStore struct{ usage.Store }

func (failingStore) Increment(context.Context, models.CounterKind, models.Period, int64) error {
	return errors.New("counter store down")
}

func (failingStore) ReadTotal(context.Context, models.CounterKind, models.Period) (int64, error) {
	return 0, errors.New("counter store down")
}

type env struct {
	orch   *Orchestrator
	counts usage.Store
	clock  *clock.Fake
}

func newEnv(t *testing.T, counts usage.Store, limits ...models.Limit) *env {
	t.Helper()
	ctx := context.Background()

	db, err := database.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(ctx))

	if counts == nil {
		counts = usage.NewSQLStore(db)
	}
	policy, err := plan.MustDefault().With(limits...)
	require.NoError(t, err)

	clk := clock.NewFake(now)
	q := quota.NewController(policy, counts, clk, time.Second, nil, nil)
	reg := event.NewRegistry(event.NewSQLStore(db), clk, event.Options{})

	return &env{orch: New(q, reg, "https://live.example.com/", nil), counts: counts, clock: clk}
}

func (e *env) count(t *testing.T, kind models.CounterKind) int64 {
	t.Helper()
	n, err := e.counts.ReadTotal(context.Background(), kind, models.PeriodAt(now, models.GranularityMonthly))
	require.NoError(t, err)
	return n
}

func TestEndToEnd(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	before, err := e.orch.CheckUsage(ctx, string(models.KindEventsCreated))
	require.NoError(t, err)

	created, err := e.orch.CreateEvent(ctx, CreateEventRequest{Name: "Launch", DeviceID: "dev-1"})
	require.NoError(t, err)
	assert.Equal(t, created.Event.ID, created.EventID)
	assert.Equal(t, "https://live.example.com/live.html?event="+created.EventID, created.LiveURL)
	require.Len(t, created.Usage, 2)
	assert.Equal(t, models.KindAPICalls, created.Usage[0].Kind)
	assert.Equal(t, models.KindEventsCreated, created.Usage[1].Kind)

	after, err := e.orch.CheckUsage(ctx, string(models.KindEventsCreated))
	require.NoError(t, err)
	assert.Equal(t, before.CurrentUsage+1, after.CurrentUsage)

	added, err := e.orch.AddSong(ctx, AddSongRequest{
		EventID: created.EventID, DeviceID: "dev-1", Title: "Song A", Artist: "Artist A",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, added.TotalSongs)
	assert.Equal(t, "Launch", added.EventName)

	_, err = e.orch.AddSong(ctx, AddSongRequest{
		EventID: created.EventID, DeviceID: "dev-2", Title: "Song B", Artist: "Artist B",
	})
	assert.True(t, errors.Is(err, apperr.ErrUnauthorized))

	got, err := e.orch.GetEvent(ctx, created.EventID)
	require.NoError(t, err)
	require.Len(t, got.Songs, 1)
	assert.Equal(t, "Song A", got.Songs[0].Title)
	assert.Equal(t, "Artist A", got.Songs[0].Artist)
	assert.Equal(t, 1, got.TotalSongs)
	require.Len(t, got.Usage, 1)

	// every call counts as an api call; only successes count per kind
	assert.Equal(t, int64(4), e.count(t, models.KindAPICalls))
	assert.Equal(t, int64(1), e.count(t, models.KindEventsCreated))
	assert.Equal(t, int64(1), e.count(t, models.KindSongsAdded))
	assert.Equal(t, int64(1), e.count(t, models.KindDataRetrieved))
}

func TestDomainErrorCarriesDecisions(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	created, err := e.orch.CreateEvent(ctx, CreateEventRequest{Name: "Launch", DeviceID: "dev-1"})
	require.NoError(t, err)

	_, err = e.orch.AddSong(ctx, AddSongRequest{
		EventID: created.EventID, DeviceID: "dev-2", Title: "Song B", Artist: "Artist B",
	})
	require.True(t, errors.Is(err, apperr.ErrUnauthorized), "%v", err)
	decisions := apperr.DecisionsOf(err)
	require.Len(t, decisions, 2)
	assert.Equal(t, models.KindAPICalls, decisions[0].Kind)
	assert.Equal(t, models.KindSongsAdded, decisions[1].Kind)
	assert.True(t, decisions[1].Allowed)

	_, err = e.orch.GetEvent(ctx, "zzzzzzzz")
	require.True(t, errors.Is(err, apperr.ErrNotFound))
	decisions = apperr.DecisionsOf(err)
	require.Len(t, decisions, 1)
	assert.Equal(t, models.KindAPICalls, decisions[0].Kind)
}

func TestFailOpen(t *testing.T) {
	e := newEnv(t, failingStore{})
	ctx := context.Background()

	created, err := e.orch.CreateEvent(ctx, CreateEventRequest{Name: "Launch", DeviceID: "dev-1"})
	require.NoError(t, err)
	require.NotEmpty(t, created.Usage)
	for _, d := range created.Usage {
		assert.True(t, d.Degraded, string(d.Kind))
		assert.True(t, d.Allowed, string(d.Kind))
	}

	_, err = e.orch.GetEvent(ctx, created.EventID)
	assert.NoError(t, err)
}

func TestCapacityExceeded(t *testing.T) {
	t.Run("operation kind", func(t *testing.T) {
		e := newEnv(t, nil, models.Limit{Kind: models.KindEventsCreated, PeriodLimit: 1})
		ctx := context.Background()

		_, err := e.orch.CreateEvent(ctx, CreateEventRequest{Name: "One", DeviceID: "dev-1"})
		require.NoError(t, err)

		_, err = e.orch.CreateEvent(ctx, CreateEventRequest{Name: "Two", DeviceID: "dev-1"})
		require.True(t, errors.Is(err, apperr.ErrCapacityExceeded))

		decisions := apperr.DecisionsOf(err)
		require.Len(t, decisions, 1)
		assert.Equal(t, models.KindEventsCreated, decisions[0].Kind)
		assert.False(t, decisions[0].Allowed)

		assert.Equal(t, int64(2), e.count(t, models.KindAPICalls), "denied calls are still api calls")
		assert.Equal(t, int64(1), e.count(t, models.KindEventsCreated))
	})

	t.Run("api calls", func(t *testing.T) {
		e := newEnv(t, nil, models.Limit{Kind: models.KindAPICalls, PeriodLimit: 1})
		ctx := context.Background()

		created, err := e.orch.CreateEvent(ctx, CreateEventRequest{Name: "One", DeviceID: "dev-1"})
		require.NoError(t, err)

		_, err = e.orch.GetEvent(ctx, created.EventID)
		require.True(t, errors.Is(err, apperr.ErrCapacityExceeded))
		assert.Equal(t, models.KindAPICalls, apperr.DecisionsOf(err)[0].Kind)
		assert.Equal(t, int64(0), e.count(t, models.KindDataRetrieved))
	})
}

func TestFailedOperationRecordsOnlyAPICall(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	_, err := e.orch.CreateEvent(ctx, CreateEventRequest{Name: "", DeviceID: "dev-1"})
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	_, err = e.orch.GetEvent(ctx, "zzzzzzzz")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	assert.Equal(t, int64(2), e.count(t, models.KindAPICalls))
	assert.Zero(t, e.count(t, models.KindEventsCreated))
	assert.Zero(t, e.count(t, models.KindDataRetrieved))
}

func TestGetEvent_Expired(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	created, err := e.orch.CreateEvent(ctx, CreateEventRequest{Name: "Launch", DeviceID: "dev-1"})
	require.NoError(t, err)

	e.clock.Set(created.ExpiresAt.Add(time.Second))
	_, err = e.orch.GetEvent(ctx, created.EventID)
	assert.True(t, errors.Is(err, apperr.ErrExpired))
}

func TestSweepExpiredTwice(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	for _, name := range []string{"A", "B"} {
		_, err := e.orch.CreateEvent(ctx, CreateEventRequest{Name: name, DeviceID: "dev-1"})
		require.NoError(t, err)
	}
	e.clock.Advance(31 * 24 * time.Hour)

	n, err := e.orch.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = e.orch.SweepExpired(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 0)
	assert.Zero(t, n)
}

func TestUsageQueries(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	_, err := e.orch.CheckUsage(ctx, "uploads")
	assert.True(t, errors.Is(err, apperr.ErrValidation))

	summary := e.orch.UsageSummary(ctx)
	assert.Len(t, summary, 4)

	_, err = e.orch.CreateEvent(ctx, CreateEventRequest{Name: "Launch", DeviceID: "dev-1"})
	require.NoError(t, err)

	history, err := e.orch.UsageHistory(ctx, string(models.KindEventsCreated), 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(1), history[0].Count)
	assert.Zero(t, history[1].Count)

	_, err = e.orch.UsageHistory(ctx, string(models.KindEventsCreated), MaxHistoryPeriods+1)
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}
