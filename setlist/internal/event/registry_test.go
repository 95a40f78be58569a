package event

import (
	"context"
	"sync"
	"testing"
	"time"

	"go_setlist/setlist/internal/apperr"
	"go_setlist/setlist/internal/clock"
	"go_setlist/setlist/internal/database"
	"go_setlist/setlist/internal/models"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2025, 3, 1, 18, 30, 0, 0, time.UTC)

type recordingNotifier struct {
	mu     sync.Mutex
	songs  []models.Song
	totals []int
	closed []string
}

func (n *recordingNotifier) SongAdded(song models.Song, total int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.songs = append(n.songs, song)
	n.totals = append(n.totals, total)
}

func (n *recordingNotifier) EventClosed(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = append(n.closed, id)
}

type fixture struct {
	db       *database.DB
	clock    *clock.Fake
	registry *Registry
	notifier *recordingNotifier
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := database.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(ctx))

	f := &fixture{db: db, clock: clock.NewFake(start), notifier: &recordingNotifier{}}
	opts.Notifier = f.notifier
	f.registry = NewRegistry(NewSQLStore(db), f.clock, opts)
	return f
}

func (f *fixture) create(t *testing.T, name, device string) *models.Event {
	t.Helper()
	ev, err := f.registry.CreateEvent(context.Background(), CreateEventInput{Name: name, OwnerDeviceID: device})
	require.NoError(t, err)
	return ev
}

func sequence(ids ...string) IDGenerator {
	var mu sync.Mutex
	i := 0
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		id := ids[i%len(ids)]
		i++
		return id, nil
	}
}

func TestNewID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		id, err := NewID()
		require.NoError(t, err)
		assert.True(t, ValidID(id), id)
		seen[id] = true
	}
	assert.Greater(t, len(seen), 190)

	assert.False(t, ValidID("ABCDEFGH"))
	assert.False(t, ValidID("abc"))
	assert.False(t, ValidID("abcd-fgh"))
}

func TestCreateEvent_RoundTrip(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	ev, err := f.registry.CreateEvent(ctx, CreateEventInput{
		Name:          "  Launch  ",
		OwnerDeviceID: "dev-1",
		EventURL:      "https://example.com/launch",
	})
	require.NoError(t, err)

	assert.True(t, ValidID(ev.ID))
	assert.Equal(t, "Launch", ev.Name)
	assert.Equal(t, models.DisplayModeChronological, ev.DisplayMode)
	assert.True(t, ev.Active)
	assert.Equal(t, start, ev.CreatedAt)
	assert.Equal(t, ev.CreatedAt.Add(30*24*time.Hour), ev.ExpiresAt)

	got, err := f.registry.GetActiveEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, "Launch", got.Name)
	assert.Equal(t, "dev-1", got.OwnerDeviceID)
	assert.Equal(t, "https://example.com/launch", got.EventURL)
	assert.True(t, ev.CreatedAt.Equal(got.CreatedAt))
	assert.True(t, ev.ExpiresAt.Equal(got.ExpiresAt))
	assert.True(t, got.Active)
}

func TestCreateEvent_Validation(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	cases := map[string]CreateEventInput{
		"empty name":   {OwnerDeviceID: "dev-1"},
		"blank name":   {Name: "   ", OwnerDeviceID: "dev-1"},
		"empty device": {Name: "Launch"},
		"bad mode":     {Name: "Launch", OwnerDeviceID: "dev-1", DisplayMode: "shuffle"},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.registry.CreateEvent(ctx, in)
			assert.True(t, errors.Is(err, apperr.ErrValidation), "%v", err)
		})
	}

	ev, err := f.registry.CreateEvent(ctx, CreateEventInput{Name: "Set", OwnerDeviceID: "dev-1", DisplayMode: models.DisplayModeDJ})
	require.NoError(t, err)
	assert.Equal(t, models.DisplayModeDJ, ev.DisplayMode)
}

func TestCreateEvent_IDCollision(t *testing.T) {
	t.Run("retries until a free id", func(t *testing.T) {
		f := newFixture(t, Options{IDGenerator: sequence("aaaaaaaa", "aaaaaaaa", "bbbbbbbb")})
		first := f.create(t, "One", "dev-1")
		assert.Equal(t, "aaaaaaaa", first.ID)

		second := f.create(t, "Two", "dev-1")
		assert.Equal(t, "bbbbbbbb", second.ID)
	})

	t.Run("gives up after the retry budget", func(t *testing.T) {
		f := newFixture(t, Options{IDGenerator: sequence("aaaaaaaa"), IDRetries: 3})
		f.create(t, "One", "dev-1")

		_, err := f.registry.CreateEvent(context.Background(), CreateEventInput{Name: "Two", OwnerDeviceID: "dev-1"})
		assert.True(t, errors.Is(err, apperr.ErrUnavailable))
		assert.True(t, apperr.Retryable(err))
	})
}

func TestGetActiveEvent_NotFound(t *testing.T) {
	f := newFixture(t, Options{})

	for _, id := range []string{"zzzzzzzz", "", "not-an-id"} {
		_, err := f.registry.GetActiveEvent(context.Background(), id)
		assert.True(t, errors.Is(err, apperr.ErrNotFound), id)
		assert.False(t, errors.Is(err, apperr.ErrExpired), id)
	}
}

func TestGetActiveEvent_Expiry(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	ev := f.create(t, "Launch", "dev-1")

	// one microsecond before expiry is still active
	f.clock.Set(ev.ExpiresAt.Add(-time.Microsecond))
	_, err := f.registry.GetActiveEvent(ctx, ev.ID)
	require.NoError(t, err)

	// expiry is inclusive
	f.clock.Set(ev.ExpiresAt)
	_, err = f.registry.GetActiveEvent(ctx, ev.ID)
	assert.True(t, errors.Is(err, apperr.ErrExpired))

	f.clock.Set(ev.ExpiresAt.Add(time.Second))
	for i := 0; i < 2; i++ {
		_, err = f.registry.GetActiveEvent(ctx, ev.ID)
		assert.True(t, errors.Is(err, apperr.ErrExpired))
		assert.True(t, errors.Is(err, apperr.ErrNotFound))
	}

	stored, err := NewSQLStore(f.db).GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.False(t, stored.Active)
	assert.Equal(t, []string{ev.ID}, f.notifier.closed, "closed exactly once")

	// terminal even if the clock goes back
	f.clock.Set(start)
	_, err = f.registry.GetActiveEvent(ctx, ev.ID)
	assert.True(t, errors.Is(err, apperr.ErrExpired))
}

func TestAddSong(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	ev := f.create(t, "Launch", "dev-1")

	res, err := f.registry.AddSong(ctx, AddSongInput{
		EventID: ev.ID, RequesterDeviceID: "dev-1", Title: "Song A", Artist: "Artist A", DJName: "DJ X",
	})
	require.NoError(t, err)
	assert.Equal(t, "Launch", res.EventName)
	assert.Equal(t, 1, res.TotalSongs)
	assert.Equal(t, ev.ID, res.Song.EventID)
	assert.Equal(t, "DJ X", res.Song.DJName)
	assert.Equal(t, start, res.Song.Timestamp)
	assert.NotEmpty(t, res.Song.ID)

	require.Len(t, f.notifier.songs, 1)
	assert.Equal(t, res.Song.ID, f.notifier.songs[0].ID)
	assert.Equal(t, 1, f.notifier.totals[0])

	t.Run("wrong device is unauthorized and stores nothing", func(t *testing.T) {
		_, err := f.registry.AddSong(ctx, AddSongInput{
			EventID: ev.ID, RequesterDeviceID: "dev-2", Title: "Song B", Artist: "Artist B",
		})
		assert.True(t, errors.Is(err, apperr.ErrUnauthorized))
		assert.NotContains(t, err.Error(), "dev-1")

		n, err := f.registry.CountSongs(ctx, ev.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("validation", func(t *testing.T) {
		cases := []AddSongInput{
			{EventID: ev.ID, RequesterDeviceID: "dev-1", Artist: "A"},
			{EventID: ev.ID, RequesterDeviceID: "dev-1", Title: "T", Artist: "  "},
		}
		for _, in := range cases {
			_, err := f.registry.AddSong(ctx, in)
			assert.True(t, errors.Is(err, apperr.ErrValidation), "%+v", in)
		}
	})

	t.Run("empty device is checked after the lookup", func(t *testing.T) {
		_, err := f.registry.AddSong(ctx, AddSongInput{EventID: ev.ID, Title: "T", Artist: "A"})
		assert.True(t, errors.Is(err, apperr.ErrUnauthorized), "%v", err)

		_, err = f.registry.AddSong(ctx, AddSongInput{EventID: "zzzzzzzz", Title: "T", Artist: "A"})
		assert.True(t, errors.Is(err, apperr.ErrNotFound), "%v", err)
	})

	t.Run("missing event", func(t *testing.T) {
		_, err := f.registry.AddSong(ctx, AddSongInput{
			EventID: "zzzzzzzz", RequesterDeviceID: "dev-1", Title: "T", Artist: "A",
		})
		assert.True(t, errors.Is(err, apperr.ErrNotFound))
	})

	t.Run("expired event", func(t *testing.T) {
		f.clock.Set(ev.ExpiresAt.Add(time.Second))
		defer f.clock.Set(start)

		_, err := f.registry.AddSong(ctx, AddSongInput{
			EventID: ev.ID, RequesterDeviceID: "dev-1", Title: "T", Artist: "A",
		})
		assert.True(t, errors.Is(err, apperr.ErrExpired))
	})
}

// expiringStore deactivates every event right after it is read, as a sweep
// running between the lookup and the insert would.
type expiringStore struct {
	Store
}

func (s expiringStore) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	ev, err := s.Store.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.Store.Deactivate(ctx, id); err != nil {
		return nil, err
	}
	return ev, nil
}

func TestAddSong_EventExpiresDuringAdd(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	ev := f.create(t, "Launch", "dev-1")

	reg := NewRegistry(expiringStore{NewSQLStore(f.db)}, f.clock, Options{Notifier: f.notifier})
	_, err := reg.AddSong(ctx, AddSongInput{
		EventID: ev.ID, RequesterDeviceID: "dev-1", Title: "Late", Artist: "A",
	})
	assert.True(t, errors.Is(err, apperr.ErrExpired), "%v", err)

	n, err := f.registry.CountSongs(ctx, ev.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, f.notifier.songs)
}

func TestListSongs_NewestFirst(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	ev := f.create(t, "Launch", "dev-1")

	empty, err := f.registry.ListSongs(ctx, ev.ID)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	for _, title := range []string{"t1", "t2", "t3"} {
		f.clock.Advance(time.Minute)
		_, err := f.registry.AddSong(ctx, AddSongInput{
			EventID: ev.ID, RequesterDeviceID: "dev-1", Title: title, Artist: "A",
		})
		require.NoError(t, err)
	}

	songs, err := f.registry.ListSongs(ctx, ev.ID)
	require.NoError(t, err)
	require.Len(t, songs, 3)
	assert.Equal(t, []string{"t3", "t2", "t1"}, []string{songs[0].Title, songs[1].Title, songs[2].Title})

	ev2, songs2, err := f.registry.EventWithSongs(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, ev2.ID)
	assert.Equal(t, songs, songs2)
}

func TestSweepExpired(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	old := f.create(t, "Old", "dev-1")
	f.clock.Advance(20 * 24 * time.Hour)
	fresh := f.create(t, "Fresh", "dev-1")

	f.clock.Set(old.ExpiresAt.Add(time.Hour))

	n, err := f.registry.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.registry.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, []string{old.ID}, f.notifier.closed, "live feed closed once")

	_, err = f.registry.GetActiveEvent(ctx, old.ID)
	assert.True(t, errors.Is(err, apperr.ErrExpired))
	_, err = f.registry.GetActiveEvent(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestSweepOnCreate(t *testing.T) {
	f := newFixture(t, Options{SweepOnCreate: true})
	ctx := context.Background()

	old := f.create(t, "Old", "dev-1")
	f.clock.Set(old.ExpiresAt)
	f.create(t, "New", "dev-1")

	stored, err := NewSQLStore(f.db).GetEvent(ctx, old.ID)
	require.NoError(t, err)
	assert.False(t, stored.Active)
}

func TestPurgeInactive(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	ev := f.create(t, "Launch", "dev-1")
	_, err := f.registry.AddSong(ctx, AddSongInput{EventID: ev.ID, RequesterDeviceID: "dev-1", Title: "T", Artist: "A"})
	require.NoError(t, err)
	f.clock.Advance(20 * 24 * time.Hour)
	keep := f.create(t, "Keep", "dev-1")

	f.clock.Set(ev.ExpiresAt.Add(time.Minute))
	_, err = f.registry.SweepExpired(ctx)
	require.NoError(t, err)

	// not old enough yet
	n, err := f.registry.PurgeInactive(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(8 * 24 * time.Hour)
	n, err = f.registry.PurgeInactive(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = NewSQLStore(f.db).GetEvent(ctx, ev.ID)
	assert.True(t, errors.Is(err, ErrEventNotFound))

	var songs int
	require.NoError(t, f.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM songs").Scan(&songs))
	assert.Zero(t, songs, "songs are deleted with their event")

	_, err = NewSQLStore(f.db).GetEvent(ctx, keep.ID)
	assert.NoError(t, err)
}

func TestStoreUnavailable(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()
	ev := f.create(t, "Launch", "dev-1")
	require.NoError(t, f.db.Close())

	_, err := f.registry.GetActiveEvent(ctx, ev.ID)
	assert.True(t, apperr.Retryable(err))

	_, err = f.registry.CreateEvent(ctx, CreateEventInput{Name: "Two", OwnerDeviceID: "dev-1"})
	assert.True(t, apperr.Retryable(err))

	_, err = f.registry.SweepExpired(ctx)
	assert.True(t, apperr.Retryable(err))
}
