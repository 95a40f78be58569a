package event

import (
	"context"
	"database/sql"
	"time"

	"go_setlist/setlist/internal/database"
	"go_setlist/setlist/internal/models"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Store errors.
var (
	ErrEventNotFound = errors.New("event not found")
	ErrDuplicateID   = errors.New("event id already exists")
)

// Store persists events and songs.
type Store interface {
	InsertEvent(ctx context.Context, ev *models.Event) error
	GetEvent(ctx context.Context, id string) (*models.Event, error)
	// Deactivate flips an active event to inactive and reports whether this
	// call made the change.
	Deactivate(ctx context.Context, id string) (bool, error)
	// InsertSong stores song only while its event is active and unexpired at
	// now, and reports whether it was stored.
	InsertSong(ctx context.Context, song *models.Song, now time.Time) (bool, error)
	// ListSongs returns the event's songs newest first.
	ListSongs(ctx context.Context, eventID string) ([]models.Song, error)
	CountSongs(ctx context.Context, eventID string) (int, error)
	// DeactivateExpired marks every active event with expiresAt <= now
	// inactive and returns the ids this call changed.
	DeactivateExpired(ctx context.Context, now time.Time) ([]string, error)
	// PurgeCandidates lists inactive events that expired before cutoff.
	PurgeCandidates(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	// DeleteEvent removes an event and, by cascade, its songs.
	DeleteEvent(ctx context.Context, id string) (bool, error)
	Ping(ctx context.Context) error
}

// SQLStore implements Store on MySQL or SQLite.
type SQLStore struct {
	db *database.DB
}

// NewSQLStore creates a new SQL event store.
func NewSQLStore(db *database.DB) *SQLStore {
	return &SQLStore{db: db}
}

// InsertEvent inserts ev. A primary key collision returns ErrDuplicateID.
func (s *SQLStore) InsertEvent(ctx context.Context, ev *models.Event) error {
	query := `INSERT INTO events (id, name, owner_device_id, display_mode, event_url, created_at, expires_at, is_active)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		ev.ID, ev.Name, ev.OwnerDeviceID, string(ev.DisplayMode), ev.EventURL,
		ev.CreatedAt, ev.ExpiresAt, ev.Active,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return ErrDuplicateID
		}
		return errors.Wrap(err, "failed to insert event")
	}
	return nil
}

// GetEvent retrieves an event by id regardless of its state.
func (s *SQLStore) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	query := `SELECT id, name, owner_device_id, display_mode, event_url, created_at, expires_at, is_active
	          FROM events WHERE id = ?`

	var ev models.Event
	var mode string
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&ev.ID, &ev.Name, &ev.OwnerDeviceID, &mode, &ev.EventURL,
		&ev.CreatedAt, &ev.ExpiresAt, &ev.Active,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, errors.Wrap(err, "failed to get event")
	}
	ev.DisplayMode = models.DisplayMode(mode)
	ev.CreatedAt = ev.CreatedAt.UTC()
	ev.ExpiresAt = ev.ExpiresAt.UTC()

	return &ev, nil
}

// Deactivate marks an active event inactive.
func (s *SQLStore) Deactivate(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE events SET is_active = 0 WHERE id = ? AND is_active = 1`, id)
	if err != nil {
		return false, errors.Wrap(err, "failed to deactivate event")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return rows > 0, nil
}

// InsertSong inserts a song in the same statement that checks its event is
// still open, so a concurrent expiry cannot slip in between.
func (s *SQLStore) InsertSong(ctx context.Context, song *models.Song, now time.Time) (bool, error) {
	query := `INSERT INTO songs (id, event_id, title, artist, dj_name, device_id, created_at)
	          SELECT ?, id, ?, ?, ?, ?, ? FROM events
	          WHERE id = ? AND is_active = 1 AND expires_at > ?`
	result, err := s.db.ExecContext(ctx, query,
		song.ID, song.Title, song.Artist, song.DJName, song.DeviceID, song.Timestamp,
		song.EventID, now,
	)
	if err != nil {
		return false, errors.Wrap(err, "failed to insert song")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return rows > 0, nil
}

// ListSongs returns an event's songs newest first. Songs sharing a timestamp
// are ordered by insertion, latest first.
func (s *SQLStore) ListSongs(ctx context.Context, eventID string) ([]models.Song, error) {
	query := `SELECT id, event_id, title, artist, dj_name, device_id, created_at
	          FROM songs WHERE event_id = ? ORDER BY created_at DESC, seq DESC`

	rows, err := s.db.QueryContext(ctx, query, eventID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list songs")
	}
	defer rows.Close()

	songs := make([]models.Song, 0)
	for rows.Next() {
		var song models.Song
		if err := rows.Scan(
			&song.ID, &song.EventID, &song.Title, &song.Artist,
			&song.DJName, &song.DeviceID, &song.Timestamp,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan song")
		}
		song.Timestamp = song.Timestamp.UTC()
		songs = append(songs, song)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate songs")
	}

	return songs, nil
}

// CountSongs returns the number of songs of an event.
func (s *SQLStore) CountSongs(ctx context.Context, eventID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM songs WHERE event_id = ?", eventID).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count songs")
	}
	return count, nil
}

// DeactivateExpired marks expired active events inactive. Each row is
// flipped with its own guarded UPDATE so concurrent sweeps never report the
// same event twice.
func (s *SQLStore) DeactivateExpired(ctx context.Context, now time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM events WHERE is_active = 1 AND expires_at <= ?`, now)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list expired events")
	}
	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "failed to scan event id")
		}
		candidates = append(candidates, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to list expired events")
	}

	changed := make([]string, 0, len(candidates))
	for _, id := range candidates {
		result, err := tx.ExecContext(ctx,
			`UPDATE events SET is_active = 0 WHERE id = ? AND is_active = 1`, id)
		if err != nil {
			return nil, errors.Wrap(err, "failed to deactivate event")
		}
		if n, err := result.RowsAffected(); err == nil && n > 0 {
			changed = append(changed, id)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit transaction")
	}
	return changed, nil
}

// PurgeCandidates lists ids of inactive events that expired before cutoff.
func (s *SQLStore) PurgeCandidates(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	query := `SELECT id FROM events WHERE is_active = 0 AND expires_at < ? ORDER BY expires_at LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, cutoff, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list purge candidates")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan event id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteEvent deletes an event; its songs go with it.
func (s *SQLStore) DeleteEvent(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE id = ?", id)
	if err != nil {
		return false, errors.Wrap(err, "failed to delete event")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return rows > 0, nil
}

// Ping checks the database connection.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isDuplicateKey(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY ||
			liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}

var _ Store = (*SQLStore)(nil)
