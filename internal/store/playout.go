package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/exstreamtv/exstreamtv/internal/catalog"
)

// timeFormat is how instants are stored; lexicographic order equals time
// order, which the range queries rely on.
const timeFormat = "2006-01-02T15:04:05.000Z"

func fmtTime(t time.Time) string { return t.UTC().Format(timeFormat) }

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

// EnsurePlayout binds a channel to a schedule, returning the playout id.
func (s *Store) EnsurePlayout(ctx context.Context, channelID, scheduleID int64) (int64, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO playouts (channel_id, schedule_id) VALUES (?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET schedule_id=excluded.schedule_id`,
		channelID, scheduleID)
	if err != nil {
		return 0, fmt.Errorf("ensure playout: %w", err)
	}
	var id int64
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM playouts WHERE channel_id = ?`, channelID).Scan(&id)
	return id, err
}

// GetAnchor loads the playout anchor for a channel. found is false when the
// channel has never been built.
func (s *Store) GetAnchor(ctx context.Context, channelID int64) (anchor catalog.PlayoutAnchor, found bool, err error) {
	var nextStart, cursor string
	err = s.db.QueryRowContext(ctx,
		`SELECT next_start, cursor FROM playout_anchors WHERE channel_id = ?`, channelID).
		Scan(&nextStart, &cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.PlayoutAnchor{ChannelID: channelID}, false, nil
	}
	if err != nil {
		return catalog.PlayoutAnchor{}, false, err
	}
	anchor.ChannelID = channelID
	if anchor.NextStart, err = parseTime(nextStart); err != nil {
		return catalog.PlayoutAnchor{}, false, fmt.Errorf("parse anchor next_start: %w", err)
	}
	if err = json.Unmarshal([]byte(cursor), &anchor.Cursor); err != nil {
		return catalog.PlayoutAnchor{}, false, fmt.Errorf("parse anchor cursor: %w", err)
	}
	return anchor, true, nil
}

// SaveBuild persists the items produced by one build pass together with the
// advanced anchor, in a single transaction. The anchor is rejected if it
// would move next_start backward.
func (s *Store) SaveBuild(ctx context.Context, anchor catalog.PlayoutAnchor, items []catalog.PlayoutItem) error {
	cursor, err := json.Marshal(anchor.Cursor)
	if err != nil {
		return fmt.Errorf("marshal cursor: %w", err)
	}
	return s.tx(ctx, func(tx *sql.Tx) error {
		var prev string
		err := tx.QueryRowContext(ctx,
			`SELECT next_start FROM playout_anchors WHERE channel_id = ?`, anchor.ChannelID).Scan(&prev)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if err == nil {
			prevT, perr := parseTime(prev)
			if perr == nil && anchor.NextStart.Before(prevT) {
				return fmt.Errorf("anchor for channel %d would move backward (%s -> %s)",
					anchor.ChannelID, prevT.Format(time.RFC3339), anchor.NextStart.Format(time.RFC3339))
			}
			// Anchor consumption is linearizable: a build must start where
			// the stored anchor left off, so two builders racing from the
			// same snapshot cannot both insert their items.
			if perr == nil && len(items) > 0 && !items[0].Start.Equal(prevT) {
				return fmt.Errorf("anchor for channel %d advanced concurrently (build base %s, stored %s)",
					anchor.ChannelID, items[0].Start.Format(time.RFC3339), prevT.Format(time.RFC3339))
			}
		}

		for _, it := range items {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO playout_items (channel_id, media_id, title, sub_title, start, finish, filler_kind, in_seconds)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				anchor.ChannelID, it.MediaID, it.Title, it.SubTitle,
				fmtTime(it.Start), fmtTime(it.Finish), string(it.Filler), it.InSeconds)
			if err != nil {
				return fmt.Errorf("insert playout item: %w", err)
			}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO playout_anchors (channel_id, next_start, cursor) VALUES (?, ?, ?)
			ON CONFLICT(channel_id) DO UPDATE SET next_start=excluded.next_start, cursor=excluded.cursor`,
			anchor.ChannelID, fmtTime(anchor.NextStart), string(cursor))
		return err
	})
}

// ResetAnchor rewrites the anchor without the monotonicity check. Used only
// for on-demand re-basing, where the timeline deliberately jumps to "now".
func (s *Store) ResetAnchor(ctx context.Context, anchor catalog.PlayoutAnchor) error {
	cursor, err := json.Marshal(anchor.Cursor)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO playout_anchors (channel_id, next_start, cursor) VALUES (?, ?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET next_start=excluded.next_start, cursor=excluded.cursor`,
		anchor.ChannelID, fmtTime(anchor.NextStart), string(cursor))
	return err
}

const playoutItemCols = `id, channel_id, media_id, title, sub_title, start, finish, filler_kind, in_seconds`

func scanPlayoutItem(row interface{ Scan(...any) error }) (catalog.PlayoutItem, error) {
	var it catalog.PlayoutItem
	var start, finish, filler string
	err := row.Scan(&it.ID, &it.ChannelID, &it.MediaID, &it.Title, &it.SubTitle, &start, &finish, &filler, &it.InSeconds)
	if err != nil {
		return catalog.PlayoutItem{}, err
	}
	if it.Start, err = parseTime(start); err != nil {
		return catalog.PlayoutItem{}, err
	}
	if it.Finish, err = parseTime(finish); err != nil {
		return catalog.PlayoutItem{}, err
	}
	it.Filler = catalog.FillerKind(filler)
	return it, nil
}

// ItemsBetween returns materialized items overlapping [from, to) in start
// order.
func (s *Store) ItemsBetween(ctx context.Context, channelID int64, from, to time.Time) ([]catalog.PlayoutItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+playoutItemCols+` FROM playout_items
		WHERE channel_id = ? AND finish > ? AND start < ?
		ORDER BY start`, channelID, fmtTime(from), fmtTime(to))
	if err != nil {
		return nil, fmt.Errorf("items between: %w", err)
	}
	defer rows.Close()
	var out []catalog.PlayoutItem
	for rows.Next() {
		it, err := scanPlayoutItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// ItemAt returns the item covering t.
func (s *Store) ItemAt(ctx context.Context, channelID int64, t time.Time) (catalog.PlayoutItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+playoutItemCols+` FROM playout_items
		WHERE channel_id = ? AND start <= ? AND finish > ?
		ORDER BY start DESC LIMIT 1`, channelID, fmtTime(t), fmtTime(t))
	it, err := scanPlayoutItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.PlayoutItem{}, ErrNotFound
	}
	return it, err
}

// ItemsFrom returns items with finish > t in start order, capped at limit.
func (s *Store) ItemsFrom(ctx context.Context, channelID int64, t time.Time, limit int) ([]catalog.PlayoutItem, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+playoutItemCols+` FROM playout_items
		WHERE channel_id = ? AND finish > ?
		ORDER BY start LIMIT ?`, channelID, fmtTime(t), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []catalog.PlayoutItem
	for rows.Next() {
		it, err := scanPlayoutItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// DeleteItemsBefore trims the rolling prefix of history.
func (s *Store) DeleteItemsBefore(ctx context.Context, channelID int64, t time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM playout_items WHERE channel_id = ? AND finish <= ?`,
		channelID, fmtTime(t))
	return err
}

// DeleteItemsFrom removes materialized items starting at or after t, used by
// the on-demand re-base before rebuilding from "now".
func (s *Store) DeleteItemsFrom(ctx context.Context, channelID int64, t time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM playout_items WHERE channel_id = ? AND start >= ?`,
		channelID, fmtTime(t))
	return err
}

// GetPosition loads the persisted playback cursor for an on-demand channel.
func (s *Store) GetPosition(ctx context.Context, channelID int64) (catalog.ChannelPlaybackPosition, error) {
	var p catalog.ChannelPlaybackPosition
	err := s.db.QueryRowContext(ctx, `
		SELECT channel_id, item_index, media_id, elapsed_seconds, updated_at
		FROM playback_positions WHERE channel_id = ?`, channelID).
		Scan(&p.ChannelID, &p.ItemIndex, &p.MediaID, &p.ElapsedSeconds, &p.UpdatedAtUnix)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.ChannelPlaybackPosition{ChannelID: channelID}, ErrNotFound
	}
	return p, err
}

// SavePosition upserts the playback cursor.
func (s *Store) SavePosition(ctx context.Context, p catalog.ChannelPlaybackPosition) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO playback_positions (channel_id, item_index, media_id, elapsed_seconds, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(channel_id) DO UPDATE SET
			item_index=excluded.item_index, media_id=excluded.media_id,
			elapsed_seconds=excluded.elapsed_seconds, updated_at=excluded.updated_at`,
		p.ChannelID, p.ItemIndex, p.MediaID, p.ElapsedSeconds, p.UpdatedAtUnix)
	return err
}
