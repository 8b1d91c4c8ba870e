package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/exstreamtv/exstreamtv/internal/catalog"
)

const mediaCols = `id, COALESCE(library_id,0), source, source_id, url, title, duration_seconds,
	COALESCE(show_id,0), COALESCE(season_id,0), show_title, season, episode, genres, cast_list,
	air_date, rating, thumb_url, summary, sort_index, added_at, released_at`

func scanMedia(row interface{ Scan(...any) error }) (catalog.MediaItem, error) {
	var m catalog.MediaItem
	var source, genres, cast string
	var showID, seasonID int64
	err := row.Scan(&m.ID, &m.LibraryID, &source, &m.SourceID, &m.URL, &m.Title, &m.DurationSeconds,
		&showID, &seasonID, &m.ShowTitle, &m.Season, &m.Episode, &genres, &cast,
		&m.AirDate, &m.Rating, &m.ThumbURL, &m.Summary, &m.SortIndex, &m.AddedUnix, &m.ReleasedAt)
	if err != nil {
		return catalog.MediaItem{}, err
	}
	m.Source = catalog.MediaSource(source)
	m.Genres = splitList(genres)
	m.Cast = splitList(cast)
	return m, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, "|")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func joinList(parts []string) string { return strings.Join(parts, "|") }

// GetMediaItem fetches one media item.
func (s *Store) GetMediaItem(ctx context.Context, id int64) (catalog.MediaItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+mediaCols+` FROM media_items WHERE id = ?`, id)
	m, err := scanMedia(row)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.MediaItem{}, ErrNotFound
	}
	return m, err
}

// PutMediaItem inserts a media item, returning its id.
func (s *Store) PutMediaItem(ctx context.Context, m catalog.MediaItem) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO media_items (library_id, source, source_id, url, title, duration_seconds,
			show_id, season_id, show_title, season, episode, genres, cast_list, air_date, rating,
			thumb_url, summary, sort_index, added_at, released_at)
		VALUES (NULLIF(?,0), ?, ?, ?, ?, ?, NULLIF(?,0), NULLIF(?,0), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.LibraryID, string(m.Source), m.SourceID, m.URL, m.Title, m.DurationSeconds,
		0, 0, m.ShowTitle, m.Season, m.Episode, joinList(m.Genres), joinList(m.Cast),
		m.AirDate, m.Rating, m.ThumbURL, m.Summary, m.SortIndex, m.AddedUnix, m.ReleasedAt)
	if err != nil {
		return 0, fmt.Errorf("insert media item: %w", err)
	}
	return res.LastInsertId()
}

// SetMediaShow links a media item into a show and optional season row.
func (s *Store) SetMediaShow(ctx context.Context, mediaID, showID, seasonID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE media_items SET show_id = NULLIF(?,0), season_id = NULLIF(?,0) WHERE id = ?`,
		showID, seasonID, mediaID)
	return err
}

// UpdateMediaDuration records the duration observed from FFmpeg so the next
// build stops assuming the default.
func (s *Store) UpdateMediaDuration(ctx context.Context, id int64, seconds float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE media_items SET duration_seconds = ? WHERE id = ?`, seconds, id)
	return err
}

// PutShow / PutSeason / PutCollection are catalog setup helpers.

func (s *Store) PutShow(ctx context.Context, title string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO shows (title) VALUES (?)`, title)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) PutSeason(ctx context.Context, showID int64, number int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO seasons (show_id, number) VALUES (?, ?)`, showID, number)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) PutCollection(ctx context.Context, name, kind, smartGenre string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO collections (name, kind, smart_genre) VALUES (?, ?, ?)`, name, kind, smartGenre)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) AddCollectionItem(ctx context.Context, collectionID, mediaID int64, position int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO collection_items (collection_id, media_id, position) VALUES (?, ?, ?)
		ON CONFLICT(collection_id, media_id) DO UPDATE SET position=excluded.position`,
		collectionID, mediaID, position)
	return err
}

// ListCandidates materializes the content list for a schedule item's
// collection reference. The returned order is the stored/catalog order; the
// timeline builder applies the playback order on top.
func (s *Store) ListCandidates(ctx context.Context, ct catalog.CollectionType, refID int64) ([]catalog.MediaItem, error) {
	switch ct {
	case catalog.CollectionSingle:
		m, err := s.GetMediaItem(ctx, refID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil, nil
			}
			return nil, err
		}
		return []catalog.MediaItem{m}, nil

	case catalog.CollectionPlaylist, catalog.CollectionCollection, catalog.CollectionMulti, catalog.CollectionArtist:
		return s.queryMedia(ctx, `
			SELECT `+mediaColsAliased+` FROM media_items m
			JOIN collection_items ci ON ci.media_id = m.id
			WHERE ci.collection_id = ?
			ORDER BY ci.position, m.id`, refID)

	case catalog.CollectionSmartCollection:
		var genre string
		err := s.db.QueryRowContext(ctx,
			`SELECT smart_genre FROM collections WHERE id = ?`, refID).Scan(&genre)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if genre == "" {
			return s.queryMedia(ctx, `
				SELECT `+mediaColsAliased+` FROM media_items m
				JOIN collection_items ci ON ci.media_id = m.id
				WHERE ci.collection_id = ? ORDER BY ci.position, m.id`, refID)
		}
		return s.queryMedia(ctx, `
			SELECT `+mediaColsAliased+` FROM media_items m
			WHERE ('|' || m.genres || '|') LIKE ?
			ORDER BY m.sort_index, m.id`, "%|"+genre+"|%")

	case catalog.CollectionShow:
		return s.queryMedia(ctx, `
			SELECT `+mediaColsAliased+` FROM media_items m
			WHERE m.show_id = ?
			ORDER BY m.season, m.episode, m.id`, refID)

	case catalog.CollectionSeason:
		return s.queryMedia(ctx, `
			SELECT `+mediaColsAliased+` FROM media_items m
			WHERE m.season_id = ?
			ORDER BY m.episode, m.id`, refID)

	default:
		return nil, fmt.Errorf("unknown collection type %q", ct)
	}
}

const mediaColsAliased = `m.id, COALESCE(m.library_id,0), m.source, m.source_id, m.url, m.title, m.duration_seconds,
	COALESCE(m.show_id,0), COALESCE(m.season_id,0), m.show_title, m.season, m.episode, m.genres, m.cast_list,
	m.air_date, m.rating, m.thumb_url, m.summary, m.sort_index, m.added_at, m.released_at`

func (s *Store) queryMedia(ctx context.Context, query string, args ...any) ([]catalog.MediaItem, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query media: %w", err)
	}
	defer rows.Close()
	var out []catalog.MediaItem
	for rows.Next() {
		m, err := scanMedia(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
