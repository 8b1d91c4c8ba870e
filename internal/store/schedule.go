package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/exstreamtv/exstreamtv/internal/catalog"
)

// GetSchedule loads a schedule with its items in position order.
func (s *Store) GetSchedule(ctx context.Context, id int64) (catalog.Schedule, error) {
	var sched catalog.Schedule
	err := s.db.QueryRowContext(ctx, `SELECT id, name FROM schedules WHERE id = ?`, id).
		Scan(&sched.ID, &sched.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.Schedule{}, ErrNotFound
	}
	if err != nil {
		return catalog.Schedule{}, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, schedule_id, position, collection_type, collection_id, playback_mode, cnt,
			duration_seconds, tail_mode, playback_order, start_type, fixed_start,
			fixed_start_behavior, custom_title,
			pre_roll_collection_id, mid_roll_collection_id, mid_roll_frequency,
			post_roll_collection_id, tail_collection_id, fallback_collection_id
		FROM schedule_items WHERE schedule_id = ? ORDER BY position`, id)
	if err != nil {
		return catalog.Schedule{}, fmt.Errorf("load schedule items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var it catalog.ScheduleItem
		var ct, pm, tm, po, st, fsb string
		err := rows.Scan(&it.ID, &it.ScheduleID, &it.Position, &ct, &it.CollectionID, &pm, &it.Count,
			&it.DurationSeconds, &tm, &po, &st, &it.FixedStart, &fsb, &it.CustomTitle,
			&it.Filler.PreRollCollectionID, &it.Filler.MidRollCollectionID, &it.Filler.MidRollFrequency,
			&it.Filler.PostRollCollectionID, &it.Filler.TailCollectionID, &it.Filler.FallbackCollectionID)
		if err != nil {
			return catalog.Schedule{}, err
		}
		it.Collection = catalog.CollectionType(ct)
		it.Mode = catalog.PlaybackMode(pm)
		it.TailMode = catalog.TailMode(tm)
		it.Order = catalog.PlaybackOrder(po)
		it.StartType = catalog.StartType(st)
		it.FixedStartBehavior = catalog.FixedStartBehavior(fsb)
		sched.Items = append(sched.Items, it)
	}
	return sched, rows.Err()
}

// PutSchedule stores a schedule and its items, returning the schedule id.
func (s *Store) PutSchedule(ctx context.Context, sched catalog.Schedule) (int64, error) {
	var id int64
	err := s.tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO schedules (name) VALUES (?)`, sched.Name)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		if err != nil {
			return err
		}
		for i, it := range sched.Items {
			pos := it.Position
			if pos == 0 {
				pos = i
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO schedule_items (schedule_id, position, collection_type, collection_id,
					playback_mode, cnt, duration_seconds, tail_mode, playback_order, start_type,
					fixed_start, fixed_start_behavior, custom_title,
					pre_roll_collection_id, mid_roll_collection_id, mid_roll_frequency,
					post_roll_collection_id, tail_collection_id, fallback_collection_id)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				id, pos, string(it.Collection), it.CollectionID,
				string(it.Mode), it.Count, it.DurationSeconds, string(it.TailMode),
				string(it.Order), string(it.StartType), it.FixedStart, string(it.FixedStartBehavior),
				it.CustomTitle,
				it.Filler.PreRollCollectionID, it.Filler.MidRollCollectionID, it.Filler.MidRollFrequency,
				it.Filler.PostRollCollectionID, it.Filler.TailCollectionID, it.Filler.FallbackCollectionID)
			if err != nil {
				return fmt.Errorf("insert schedule item %d: %w", i, err)
			}
		}
		return nil
	})
	return id, err
}
