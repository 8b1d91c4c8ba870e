package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/exstreamtv/exstreamtv/internal/catalog"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

const channelCols = `id, number, name, grp, icon_url, enabled, mode,
	COALESCE(schedule_id,0), COALESCE(profile_id,0), COALESCE(watermark_id,0), stop_on_idle`

func scanChannel(row interface{ Scan(...any) error }) (catalog.Channel, error) {
	var c catalog.Channel
	var enabled, stopOnIdle int
	var mode string
	err := row.Scan(&c.ID, &c.Number, &c.Name, &c.Group, &c.IconURL, &enabled, &mode,
		&c.ScheduleID, &c.ProfileID, &c.WatermarkID, &stopOnIdle)
	if err != nil {
		return catalog.Channel{}, err
	}
	c.Enabled = enabled != 0
	c.StopOnIdle = stopOnIdle != 0
	c.Mode = catalog.PlayoutMode(mode)
	return c, nil
}

// ListEnabledChannels returns enabled channels ordered by numeric guide number.
func (s *Store) ListEnabledChannels(ctx context.Context) ([]catalog.Channel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+channelCols+` FROM channels WHERE enabled = 1 ORDER BY CAST(number AS INTEGER), number`)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	defer rows.Close()
	var out []catalog.Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetChannelByNumber resolves a guide number to a channel.
func (s *Store) GetChannelByNumber(ctx context.Context, number string) (catalog.Channel, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+channelCols+` FROM channels WHERE number = ?`, number)
	c, err := scanChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.Channel{}, ErrNotFound
	}
	return c, err
}

// GetChannel fetches a channel by ID.
func (s *Store) GetChannel(ctx context.Context, id int64) (catalog.Channel, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+channelCols+` FROM channels WHERE id = ?`, id)
	c, err := scanChannel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.Channel{}, ErrNotFound
	}
	return c, err
}

// UpsertChannel inserts or updates a channel by guide number. Used by tests
// and the external CRUD surface; the engine itself only reads.
func (s *Store) UpsertChannel(ctx context.Context, c catalog.Channel) (int64, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channels (number, name, grp, icon_url, enabled, mode, schedule_id, profile_id, watermark_id, stop_on_idle)
		VALUES (?, ?, ?, ?, ?, ?, NULLIF(?,0), NULLIF(?,0), NULLIF(?,0), ?)
		ON CONFLICT(number) DO UPDATE SET
			name=excluded.name, grp=excluded.grp, icon_url=excluded.icon_url,
			enabled=excluded.enabled, mode=excluded.mode, schedule_id=excluded.schedule_id,
			profile_id=excluded.profile_id, watermark_id=excluded.watermark_id,
			stop_on_idle=excluded.stop_on_idle`,
		c.Number, c.Name, c.Group, c.IconURL, boolInt(c.Enabled), string(c.Mode),
		c.ScheduleID, c.ProfileID, c.WatermarkID, boolInt(c.StopOnIdle))
	if err != nil {
		return 0, fmt.Errorf("upsert channel %s: %w", c.Number, err)
	}
	ch, err := s.GetChannelByNumber(ctx, c.Number)
	return ch.ID, err
}

// GetProfile fetches an FFmpeg profile.
func (s *Store) GetProfile(ctx context.Context, id int64) (catalog.FFmpegProfile, error) {
	var p catalog.FFmpegProfile
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, video_codec, audio_codec, video_bitrate, audio_bitrate, resolution, frame_rate, hwaccel
		FROM ffmpeg_profiles WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.VideoCodec, &p.AudioCodec, &p.VideoBitrate, &p.AudioBitrate,
			&p.Resolution, &p.FrameRate, &p.HWAccel)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.FFmpegProfile{}, ErrNotFound
	}
	return p, err
}

// PutProfile stores a profile, returning its id.
func (s *Store) PutProfile(ctx context.Context, p catalog.FFmpegProfile) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ffmpeg_profiles (name, video_codec, audio_codec, video_bitrate, audio_bitrate, resolution, frame_rate, hwaccel)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Name, p.VideoCodec, p.AudioCodec, p.VideoBitrate, p.AudioBitrate, p.Resolution, p.FrameRate, p.HWAccel)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetWatermark fetches a watermark definition.
func (s *Store) GetWatermark(ctx context.Context, id int64) (catalog.Watermark, error) {
	var w catalog.Watermark
	var pos string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, path, position, opacity, width_pct, margin_px
		FROM watermarks WHERE id = ?`, id).
		Scan(&w.ID, &w.Name, &w.Path, &pos, &w.Opacity, &w.WidthPct, &w.MarginPx)
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.Watermark{}, ErrNotFound
	}
	w.Position = catalog.WatermarkPosition(pos)
	return w, err
}

// PutWatermark stores a watermark, returning its id.
func (s *Store) PutWatermark(ctx context.Context, w catalog.Watermark) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO watermarks (name, path, position, opacity, width_pct, margin_px)
		VALUES (?, ?, ?, ?, ?, ?)`,
		w.Name, w.Path, string(w.Position), w.Opacity, w.WidthPct, w.MarginPx)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
