package catalog

import (
	"net/url"
	"path"
	"strings"
	"time"
)

// MediaSource identifies where a media item's bytes come from.
type MediaSource string

const (
	SourceYouTube    MediaSource = "youtube"
	SourceArchiveOrg MediaSource = "archive_org"
	SourcePlex       MediaSource = "plex"
	SourceJellyfin   MediaSource = "jellyfin"
	SourceEmby       MediaSource = "emby"
	SourceLocal      MediaSource = "local"
)

// ServerLibrary reports whether the source needs a media-server client to
// resolve a playable URL (URLs are minted lazily and expire).
func (s MediaSource) ServerLibrary() bool {
	switch s {
	case SourcePlex, SourceJellyfin, SourceEmby:
		return true
	}
	return false
}

// DefaultDuration is assumed for media whose duration is unknown; the actual
// finish is observed from FFmpeg and the anchor corrected on next build.
const DefaultDuration = 30 * time.Minute

// MediaItem is a referentially stable catalog entry.
type MediaItem struct {
	ID        int64       `json:"id"`
	LibraryID int64       `json:"library_id,omitempty"`
	Source    MediaSource `json:"source"`
	SourceID  string      `json:"source_id"`
	URL       string      `json:"url,omitempty"` // empty for server-library sources until resolved
	Title     string      `json:"title"`
	// DurationSeconds is zero when unknown.
	DurationSeconds float64 `json:"duration_seconds,omitempty"`

	ShowTitle  string   `json:"show_title,omitempty"`
	Season     int      `json:"season,omitempty"`
	Episode    int      `json:"episode,omitempty"`
	Genres     []string `json:"genres,omitempty"`
	Cast       []string `json:"cast,omitempty"`
	AirDate    string   `json:"air_date,omitempty"` // YYYY-MM-DD
	Rating     string   `json:"rating,omitempty"`
	ThumbURL   string   `json:"thumb_url,omitempty"`
	Summary    string   `json:"summary,omitempty"`
	SortIndex  int      `json:"sort_index,omitempty"`
	AddedUnix  int64    `json:"added_at,omitempty"`
	ReleasedAt string   `json:"released_at,omitempty"`
}

// Duration returns the scheduling duration: the known duration, or
// DefaultDuration when unknown.
func (m MediaItem) Duration() time.Duration {
	if m.DurationSeconds <= 0 {
		return DefaultDuration
	}
	return time.Duration(m.DurationSeconds * float64(time.Second))
}

// DisplayTitle never returns empty: title, then the URL basename, then the
// source id.
func (m MediaItem) DisplayTitle() string {
	if t := strings.TrimSpace(m.Title); t != "" {
		return t
	}
	if m.URL != "" {
		if u, err := url.Parse(m.URL); err == nil {
			if base := path.Base(u.Path); base != "" && base != "/" && base != "." {
				return base
			}
		}
	}
	if m.SourceID != "" {
		return m.SourceID
	}
	return "Untitled"
}

// EpisodeKnown reports whether season/episode numbering is usable.
func (m MediaItem) EpisodeKnown() bool {
	return m.Season > 0 && m.Episode > 0
}
