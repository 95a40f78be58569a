// Package database opens the relational store and owns its schema.
package database

import (
	"context"
	"database/sql"
	"fmt"

	"go_setlist/setlist/internal/config"

	_ "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

// Dialect identifies the SQL flavour of a connection.
type Dialect string

const (
	MySQL  Dialect = "mysql"
	SQLite Dialect = "sqlite"
)

// DB is a connection pool tagged with its dialect.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Wrap tags an existing pool, mainly for tests.
func Wrap(db *sql.DB, d Dialect) *DB {
	return &DB{DB: db, Dialect: d}
}

// Open opens and pings the configured database.
func Open(ctx context.Context, cfg *config.DatabaseConfig) (*DB, error) {
	switch Dialect(cfg.Driver) {
	case MySQL:
		return openMySQL(ctx, cfg)
	case SQLite:
		return OpenSQLite(ctx, cfg.Path)
	default:
		return nil, errors.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func openMySQL(ctx context.Context, cfg *config.DatabaseConfig) (*DB, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&loc=UTC",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open mysql")
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping mysql")
	}

	return Wrap(db, MySQL), nil
}

// OpenSQLite opens a SQLite database at path. Use ":memory:" for a private
// in-memory database.
func OpenSQLite(ctx context.Context, path string) (*DB, error) {
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open sqlite")
	}
	// SQLite serializes writers; a single connection also keeps :memory: shared.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping sqlite")
	}
	return Wrap(db, SQLite), nil
}

// Migrate creates the tables if they do not exist.
func (db *DB) Migrate(ctx context.Context) error {
	stmts := sqliteSchema
	if db.Dialect == MySQL {
		stmts = mysqlSchema
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "failed to migrate schema")
		}
	}
	return nil
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS events (
		id VARCHAR(16) NOT NULL PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		owner_device_id VARCHAR(128) NOT NULL,
		display_mode VARCHAR(32) NOT NULL DEFAULT 'chronological',
		event_url VARCHAR(512) NOT NULL DEFAULT '',
		created_at DATETIME(6) NOT NULL,
		expires_at DATETIME(6) NOT NULL,
		is_active TINYINT(1) NOT NULL DEFAULT 1,
		INDEX idx_events_active_expiry (is_active, expires_at)
	) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS songs (
		seq BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		id VARCHAR(36) NOT NULL UNIQUE,
		event_id VARCHAR(16) NOT NULL,
		title VARCHAR(255) NOT NULL,
		artist VARCHAR(255) NOT NULL,
		dj_name VARCHAR(255) NOT NULL DEFAULT '',
		device_id VARCHAR(128) NOT NULL DEFAULT '',
		created_at DATETIME(6) NOT NULL,
		INDEX idx_songs_event_time (event_id, created_at),
		CONSTRAINT fk_songs_event FOREIGN KEY (event_id) REFERENCES events (id) ON DELETE CASCADE
	) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS usage_counters (
		kind VARCHAR(64) NOT NULL,
		period_start DATETIME NOT NULL,
		granularity VARCHAR(16) NOT NULL,
		count BIGINT NOT NULL DEFAULT 0,
		updated_at DATETIME(6) NOT NULL,
		PRIMARY KEY (kind, period_start, granularity)
	) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS system_limits (
		kind VARCHAR(64) NOT NULL PRIMARY KEY,
		period_limit BIGINT NOT NULL,
		warning_fraction DOUBLE NOT NULL DEFAULT 0.8,
		granularity VARCHAR(16) NOT NULL DEFAULT 'monthly'
	) ENGINE=InnoDB`,
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS events (
		id TEXT NOT NULL PRIMARY KEY,
		name TEXT NOT NULL,
		owner_device_id TEXT NOT NULL,
		display_mode TEXT NOT NULL DEFAULT 'chronological',
		event_url TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_active_expiry ON events (is_active, expires_at)`,
	`CREATE TABLE IF NOT EXISTS songs (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		event_id TEXT NOT NULL REFERENCES events (id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		artist TEXT NOT NULL,
		dj_name TEXT NOT NULL DEFAULT '',
		device_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_songs_event_time ON songs (event_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS usage_counters (
		kind TEXT NOT NULL,
		period_start DATETIME NOT NULL,
		granularity TEXT NOT NULL,
		count INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (kind, period_start, granularity)
	)`,
	`CREATE TABLE IF NOT EXISTS system_limits (
		kind TEXT NOT NULL PRIMARY KEY,
		period_limit INTEGER NOT NULL,
		warning_fraction REAL NOT NULL DEFAULT 0.8,
		granularity TEXT NOT NULL DEFAULT 'monthly'
	)`,
}
