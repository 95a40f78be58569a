// Package event owns the lifecycle of events and the songs appended to them.
package event

import (
	"context"
	"strings"
	"time"

	"go_setlist/setlist/internal/apperr"
	"go_setlist/setlist/internal/clock"
	"go_setlist/setlist/internal/metrics"
	"go_setlist/setlist/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	// DefaultRetention is how long an event accepts songs.
	DefaultRetention = 30 * 24 * time.Hour
	// DefaultIDRetries bounds id regeneration on collision.
	DefaultIDRetries = 5
	// DefaultStoreTimeout bounds each store call.
	DefaultStoreTimeout = 5 * time.Second

	maxNameLength  = 255
	maxFieldLength = 255
	maxURLLength   = 512
)

// Notifier receives lifecycle notifications for the live feed.
type Notifier interface {
	SongAdded(song models.Song, totalSongs int)
	EventClosed(eventID string)
}

// Options configures a Registry. Zero values select defaults.
type Options struct {
	Retention     time.Duration
	IDRetries     int
	StoreTimeout  time.Duration
	SweepOnCreate bool
	IDGenerator   IDGenerator
	Notifier      Notifier
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
}

// CreateEventInput holds the fields of a new event.
type CreateEventInput struct {
	Name          string
	OwnerDeviceID string
	DisplayMode   models.DisplayMode
	EventURL      string
}

// AddSongInput holds the fields of a new song.
type AddSongInput struct {
	EventID           string
	RequesterDeviceID string
	Title             string
	Artist            string
	DJName            string
}

// AddSongResult is the outcome of a successful AddSong.
type AddSongResult struct {
	Song       models.Song
	EventName  string
	TotalSongs int
}

// Registry creates events, appends songs and expires events.
type Registry struct {
	store         Store
	clock         clock.Clock
	retention     time.Duration
	idRetries     int
	timeout       time.Duration
	sweepOnCreate bool
	newID         IDGenerator
	notifier      Notifier
	logger        *zap.Logger
	metrics       *metrics.Metrics
}

// NewRegistry creates a registry over store.
func NewRegistry(store Store, clk clock.Clock, opts Options) *Registry {
	r := &Registry{
		store:         store,
		clock:         clk,
		retention:     opts.Retention,
		idRetries:     opts.IDRetries,
		timeout:       opts.StoreTimeout,
		sweepOnCreate: opts.SweepOnCreate,
		newID:         opts.IDGenerator,
		notifier:      opts.Notifier,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
	}
	if r.clock == nil {
		r.clock = clock.Real{}
	}
	if r.retention <= 0 {
		r.retention = DefaultRetention
	}
	if r.idRetries <= 0 {
		r.idRetries = DefaultIDRetries
	}
	if r.timeout <= 0 {
		r.timeout = DefaultStoreTimeout
	}
	if r.newID == nil {
		r.newID = NewID
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	return r
}

// now is truncated to the precision every store keeps.
func (r *Registry) now() time.Time {
	return r.clock.Now().UTC().Truncate(time.Microsecond)
}

func (r *Registry) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.timeout)
}

func unavailable(err error) error {
	return apperr.Unavailable("event store unavailable", err)
}

// CreateEvent validates in and persists a new active event.
func (r *Registry) CreateEvent(ctx context.Context, in CreateEventInput) (*models.Event, error) {
	name := strings.TrimSpace(in.Name)
	device := strings.TrimSpace(in.OwnerDeviceID)
	switch {
	case name == "":
		return nil, apperr.Validation("event name is required")
	case device == "":
		return nil, apperr.Validation("device id is required")
	case len(name) > maxNameLength:
		return nil, apperr.Validation("event name is too long")
	case len(in.EventURL) > maxURLLength:
		return nil, apperr.Validation("event url is too long")
	}

	mode := in.DisplayMode
	if mode == "" {
		mode = models.DisplayModeChronological
	}
	if !mode.Valid() {
		return nil, apperr.Validation("unknown display mode: " + string(mode))
	}

	if r.sweepOnCreate {
		if _, err := r.SweepExpired(ctx); err != nil {
			r.logger.Warn("sweep before create failed", zap.Error(err))
		}
	}

	now := r.now()
	ev := &models.Event{
		Name:          name,
		OwnerDeviceID: device,
		DisplayMode:   mode,
		EventURL:      strings.TrimSpace(in.EventURL),
		CreatedAt:     now,
		ExpiresAt:     now.Add(r.retention),
		Active:        true,
	}

	for attempt := 0; attempt < r.idRetries; attempt++ {
		id, err := r.newID()
		if err != nil {
			return nil, apperr.Unavailable("could not generate event id", err)
		}
		ev.ID = id

		err = r.insertEvent(ctx, ev)
		if err == nil {
			r.metrics.RecordEventCreated()
			r.logger.Debug("event created", zap.String("event_id", ev.ID))
			return ev, nil
		}
		if !errors.Is(err, ErrDuplicateID) {
			return nil, unavailable(err)
		}
		r.metrics.RecordIDCollision()
		r.logger.Info("event id collision, retrying", zap.String("event_id", id), zap.Int("attempt", attempt+1))
	}

	return nil, apperr.Unavailable("could not allocate a unique event id", ErrDuplicateID)
}

func (r *Registry) insertEvent(ctx context.Context, ev *models.Event) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.store.InsertEvent(ctx, ev)
}

// GetActiveEvent returns the event if it exists and is still active. An event
// found past its expiry is marked inactive and reported as expired.
func (r *Registry) GetActiveEvent(ctx context.Context, id string) (*models.Event, error) {
	if !ValidID(id) {
		return nil, apperr.NotFound("event not found")
	}

	sctx, cancel := r.withTimeout(ctx)
	ev, err := r.store.GetEvent(sctx, id)
	cancel()
	if err != nil {
		if errors.Is(err, ErrEventNotFound) {
			return nil, apperr.NotFound("event not found")
		}
		return nil, unavailable(err)
	}

	// events only leave the active state by expiring
	if !ev.Active {
		return nil, apperr.Expired("event has expired")
	}

	if ev.IsExpired(r.now()) {
		sctx, cancel := r.withTimeout(ctx)
		changed, err := r.store.Deactivate(sctx, id)
		cancel()
		if err != nil {
			// the next lookup or sweep retries the transition
			r.logger.Warn("failed to deactivate expired event", zap.String("event_id", id), zap.Error(err))
		} else if changed {
			r.metrics.RecordEventsExpired("lookup", 1)
			r.notifyClosed(id)
		}
		return nil, apperr.Expired("event has expired")
	}

	return ev, nil
}

// AddSong appends a song to an active event owned by the requesting device.
func (r *Registry) AddSong(ctx context.Context, in AddSongInput) (*AddSongResult, error) {
	ev, err := r.GetActiveEvent(ctx, in.EventID)
	if err != nil {
		return nil, err
	}

	// owners always have a device id, so an empty one is unauthorized too
	device := strings.TrimSpace(in.RequesterDeviceID)
	if device != ev.OwnerDeviceID {
		return nil, apperr.Unauthorized("device is not allowed to add songs to this event")
	}

	title := strings.TrimSpace(in.Title)
	artist := strings.TrimSpace(in.Artist)
	djName := strings.TrimSpace(in.DJName)
	switch {
	case title == "":
		return nil, apperr.Validation("song title is required")
	case artist == "":
		return nil, apperr.Validation("song artist is required")
	case len(title) > maxFieldLength, len(artist) > maxFieldLength, len(djName) > maxFieldLength:
		return nil, apperr.Validation("song field is too long")
	}

	song := models.Song{
		ID:        uuid.NewString(),
		EventID:   ev.ID,
		Title:     title,
		Artist:    artist,
		DJName:    djName,
		DeviceID:  device,
		Timestamp: r.now(),
	}

	sctx, cancel := r.withTimeout(ctx)
	defer cancel()

	stored, err := r.store.InsertSong(sctx, &song, song.Timestamp)
	if err != nil {
		return nil, unavailable(err)
	}
	if !stored {
		return nil, apperr.Expired("event has expired")
	}
	r.metrics.RecordSongAdded()

	total, err := r.store.CountSongs(sctx, ev.ID)
	if err != nil {
		// the song is stored; a missing total is not worth failing the write
		r.logger.Warn("failed to count songs", zap.String("event_id", ev.ID), zap.Error(err))
		total = 0
	}

	if r.notifier != nil {
		r.notifier.SongAdded(song, total)
	}

	return &AddSongResult{Song: song, EventName: ev.Name, TotalSongs: total}, nil
}

// ListSongs returns the songs of an active event, newest first.
func (r *Registry) ListSongs(ctx context.Context, eventID string) ([]models.Song, error) {
	if _, err := r.GetActiveEvent(ctx, eventID); err != nil {
		return nil, err
	}
	return r.listSongs(ctx, eventID)
}

func (r *Registry) listSongs(ctx context.Context, eventID string) ([]models.Song, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	songs, err := r.store.ListSongs(ctx, eventID)
	if err != nil {
		return nil, unavailable(err)
	}
	return songs, nil
}

// EventWithSongs fetches an active event and its songs, newest first.
func (r *Registry) EventWithSongs(ctx context.Context, eventID string) (*models.Event, []models.Song, error) {
	ev, err := r.GetActiveEvent(ctx, eventID)
	if err != nil {
		return nil, nil, err
	}
	songs, err := r.listSongs(ctx, eventID)
	if err != nil {
		return nil, nil, err
	}
	return ev, songs, nil
}

// CountSongs returns the number of songs of an active event.
func (r *Registry) CountSongs(ctx context.Context, eventID string) (int, error) {
	if _, err := r.GetActiveEvent(ctx, eventID); err != nil {
		return 0, err
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	n, err := r.store.CountSongs(ctx, eventID)
	if err != nil {
		return 0, unavailable(err)
	}
	return n, nil
}

// SweepExpired marks every active event past its expiry inactive and returns
// how many this call changed. Repeating it is harmless.
func (r *Registry) SweepExpired(ctx context.Context) (int, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	ids, err := r.store.DeactivateExpired(ctx, r.now())
	if err != nil {
		return 0, unavailable(err)
	}
	r.metrics.RecordEventsExpired("sweep", len(ids))
	for _, id := range ids {
		r.notifyClosed(id)
	}
	return len(ids), nil
}

// PurgeCandidates lists inactive events whose expiry is older than olderThan.
func (r *Registry) PurgeCandidates(ctx context.Context, olderThan time.Duration, limit int) ([]string, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	ids, err := r.store.PurgeCandidates(ctx, r.now().Add(-olderThan), limit)
	if err != nil {
		return nil, unavailable(err)
	}
	return ids, nil
}

// DeleteEvent permanently removes an event and its songs.
func (r *Registry) DeleteEvent(ctx context.Context, id string) (bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	deleted, err := r.store.DeleteEvent(ctx, id)
	if err != nil {
		return false, unavailable(err)
	}
	if deleted {
		r.metrics.RecordEventsPurged(1)
	}
	return deleted, nil
}

// PurgeInactive deletes inactive events whose expiry is older than olderThan,
// together with their songs, and returns how many were removed.
func (r *Registry) PurgeInactive(ctx context.Context, olderThan time.Duration) (int, error) {
	const batch = 500

	purged := 0
	for {
		ids, err := r.PurgeCandidates(ctx, olderThan, batch)
		if err != nil {
			return purged, err
		}
		for _, id := range ids {
			deleted, err := r.DeleteEvent(ctx, id)
			if err != nil {
				return purged, err
			}
			if deleted {
				purged++
			}
		}
		if len(ids) < batch {
			return purged, nil
		}
	}
}

// Ping checks the event store.
func (r *Registry) Ping(ctx context.Context) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.store.Ping(ctx)
}

func (r *Registry) notifyClosed(id string) {
	if r.notifier != nil {
		r.notifier.EventClosed(id)
	}
}
