// Package store provides SQLite persistence for the headend: channels,
// schedules, media, playouts, anchors, and playback positions.
//
// WAL mode with a busy timeout keeps concurrent readers (EPG projector,
// channel streams) off each other's toes; anchor updates and the items they
// produced always commit in one transaction.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure Go driver, no CGO
)

// Store wraps the database handle.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the database at path and runs migrations.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying handle.
func (s *Store) Close() error { return s.db.Close() }

// Path returns the database file path (used by the backup task).
func (s *Store) Path() string { return s.path }

// DB exposes the raw handle for pool-stat metrics.
func (s *Store) DB() *sql.DB { return s.db }

// migrate applies the schema. Statements are idempotent; anchors survive
// schema evolution because playout_anchors is never dropped or rewritten.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS channels (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		number TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		grp TEXT NOT NULL DEFAULT '',
		icon_url TEXT NOT NULL DEFAULT '',
		enabled INTEGER NOT NULL DEFAULT 1,
		mode TEXT NOT NULL DEFAULT 'continuous' CHECK(mode IN ('continuous','on_demand')),
		schedule_id INTEGER,
		profile_id INTEGER,
		watermark_id INTEGER,
		stop_on_idle INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS media_libraries (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		source TEXT NOT NULL,
		path TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS shows (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS seasons (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		show_id INTEGER NOT NULL REFERENCES shows(id),
		number INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS media_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		library_id INTEGER,
		source TEXT NOT NULL,
		source_id TEXT NOT NULL,
		url TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		duration_seconds REAL NOT NULL DEFAULT 0,
		show_id INTEGER,
		season_id INTEGER,
		show_title TEXT NOT NULL DEFAULT '',
		season INTEGER NOT NULL DEFAULT 0,
		episode INTEGER NOT NULL DEFAULT 0,
		genres TEXT NOT NULL DEFAULT '',
		cast_list TEXT NOT NULL DEFAULT '',
		air_date TEXT NOT NULL DEFAULT '',
		rating TEXT NOT NULL DEFAULT '',
		thumb_url TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		sort_index INTEGER NOT NULL DEFAULT 0,
		added_at INTEGER NOT NULL DEFAULT 0,
		released_at TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_media_show ON media_items(show_id, season, episode);
	CREATE INDEX IF NOT EXISTS idx_media_season ON media_items(season_id);

	CREATE TABLE IF NOT EXISTS collections (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		kind TEXT NOT NULL DEFAULT 'manual',
		smart_genre TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS collection_items (
		collection_id INTEGER NOT NULL REFERENCES collections(id),
		media_id INTEGER NOT NULL REFERENCES media_items(id),
		position INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (collection_id, media_id)
	);

	CREATE TABLE IF NOT EXISTS schedules (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS schedule_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		schedule_id INTEGER NOT NULL REFERENCES schedules(id),
		position INTEGER NOT NULL,
		collection_type TEXT NOT NULL,
		collection_id INTEGER NOT NULL DEFAULT 0,
		playback_mode TEXT NOT NULL DEFAULT 'one',
		cnt INTEGER NOT NULL DEFAULT 0,
		duration_seconds INTEGER NOT NULL DEFAULT 0,
		tail_mode TEXT NOT NULL DEFAULT '',
		playback_order TEXT NOT NULL DEFAULT 'chronological',
		start_type TEXT NOT NULL DEFAULT 'dynamic',
		fixed_start TEXT NOT NULL DEFAULT '',
		fixed_start_behavior TEXT NOT NULL DEFAULT '',
		custom_title TEXT NOT NULL DEFAULT '',
		pre_roll_collection_id INTEGER NOT NULL DEFAULT 0,
		mid_roll_collection_id INTEGER NOT NULL DEFAULT 0,
		mid_roll_frequency INTEGER NOT NULL DEFAULT 0,
		post_roll_collection_id INTEGER NOT NULL DEFAULT 0,
		tail_collection_id INTEGER NOT NULL DEFAULT 0,
		fallback_collection_id INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_schedule_items ON schedule_items(schedule_id, position);

	CREATE TABLE IF NOT EXISTS playouts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		channel_id INTEGER NOT NULL UNIQUE REFERENCES channels(id),
		schedule_id INTEGER NOT NULL REFERENCES schedules(id)
	);

	CREATE TABLE IF NOT EXISTS playout_anchors (
		channel_id INTEGER PRIMARY KEY REFERENCES channels(id),
		next_start TEXT NOT NULL,
		cursor TEXT NOT NULL DEFAULT '{}'
	);

	CREATE TABLE IF NOT EXISTS playout_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		channel_id INTEGER NOT NULL REFERENCES channels(id),
		media_id INTEGER NOT NULL DEFAULT 0,
		title TEXT NOT NULL,
		sub_title TEXT NOT NULL DEFAULT '',
		start TEXT NOT NULL,
		finish TEXT NOT NULL,
		filler_kind TEXT NOT NULL DEFAULT '',
		in_seconds REAL NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_playout_items ON playout_items(channel_id, start);

	CREATE TABLE IF NOT EXISTS playback_positions (
		channel_id INTEGER PRIMARY KEY REFERENCES channels(id),
		item_index INTEGER NOT NULL DEFAULT 0,
		media_id INTEGER NOT NULL DEFAULT 0,
		elapsed_seconds REAL NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS ffmpeg_profiles (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		video_codec TEXT NOT NULL DEFAULT 'libx264',
		audio_codec TEXT NOT NULL DEFAULT 'aac',
		video_bitrate TEXT NOT NULL DEFAULT '',
		audio_bitrate TEXT NOT NULL DEFAULT '',
		resolution TEXT NOT NULL DEFAULT '',
		frame_rate TEXT NOT NULL DEFAULT '',
		hwaccel TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS watermarks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		path TEXT NOT NULL,
		position TEXT NOT NULL DEFAULT 'bottom_right',
		opacity REAL NOT NULL DEFAULT 1.0,
		width_pct REAL NOT NULL DEFAULT 0,
		margin_px INTEGER NOT NULL DEFAULT 0
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// tx runs fn inside a transaction.
func (s *Store) tx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
