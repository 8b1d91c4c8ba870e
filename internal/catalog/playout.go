package catalog

import (
	"time"
)

// PlayoutItem is one concrete slot of transmitted output. Items for a channel
// are non-overlapping and contiguous; they are the audit record the EPG and
// the playout engine both consume.
type PlayoutItem struct {
	ID        int64      `json:"id"`
	ChannelID int64      `json:"channel_id"`
	MediaID   int64      `json:"media_id,omitempty"` // zero for synthesized slates
	Title     string     `json:"title"`
	SubTitle  string     `json:"sub_title,omitempty"`
	Start     time.Time  `json:"start"`
	Finish    time.Time  `json:"finish"`
	Filler    FillerKind `json:"filler_kind,omitempty"`
	// InSeconds is the seek offset inside the media (non-zero when an item was
	// re-entered mid-flight after a restart or a fixed-start truncation).
	InSeconds float64 `json:"in_seconds,omitempty"`
	// Media carries the resolved catalog entry when loaded with its playout;
	// zero value when only the persisted row was read.
	Media MediaItem `json:"media,omitempty"`
}

// DurationValue returns the slot length.
func (p PlayoutItem) DurationValue() time.Duration {
	return p.Finish.Sub(p.Start)
}

// Covers reports whether t falls inside [Start, Finish).
func (p PlayoutItem) Covers(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.Finish)
}

// CollectionCursor is the per-schedule-item consumption position stored inside
// the anchor. Keys are schedule item IDs.
type CollectionCursor struct {
	// ScheduleIndex is the next schedule item to visit.
	ScheduleIndex int `json:"schedule_index"`
	// Offsets maps schedule item ID -> next candidate index within its
	// materialized collection.
	Offsets map[int64]int `json:"offsets,omitempty"`
	// ShuffleEpochs maps schedule item ID -> how many full passes the shuffle
	// has completed; the epoch feeds the shuffle seed so each pass reorders.
	ShuffleEpochs map[int64]int `json:"shuffle_epochs,omitempty"`
}

// Clone deep-copies the cursor so two builds never share map state.
func (c CollectionCursor) Clone() CollectionCursor {
	out := CollectionCursor{ScheduleIndex: c.ScheduleIndex}
	if c.Offsets != nil {
		out.Offsets = make(map[int64]int, len(c.Offsets))
		for k, v := range c.Offsets {
			out.Offsets[k] = v
		}
	}
	if c.ShuffleEpochs != nil {
		out.ShuffleEpochs = make(map[int64]int, len(c.ShuffleEpochs))
		for k, v := range c.ShuffleEpochs {
			out.ShuffleEpochs[k] = v
		}
	}
	return out
}

// Offset returns the stored offset for a schedule item.
func (c CollectionCursor) Offset(itemID int64) int {
	if c.Offsets == nil {
		return 0
	}
	return c.Offsets[itemID]
}

// SetOffset records the next candidate index for a schedule item.
func (c *CollectionCursor) SetOffset(itemID int64, off int) {
	if c.Offsets == nil {
		c.Offsets = make(map[int64]int)
	}
	c.Offsets[itemID] = off
}

// Epoch returns the shuffle epoch for a schedule item.
func (c CollectionCursor) Epoch(itemID int64) int {
	if c.ShuffleEpochs == nil {
		return 0
	}
	return c.ShuffleEpochs[itemID]
}

// BumpEpoch advances the shuffle epoch after a full pass.
func (c *CollectionCursor) BumpEpoch(itemID int64) {
	if c.ShuffleEpochs == nil {
		c.ShuffleEpochs = make(map[int64]int)
	}
	c.ShuffleEpochs[itemID]++
}

// PlayoutAnchor is the monotonic resume state for timeline generation.
// NextStart never moves backward; the cursor is opaque to everything except
// the timeline builder.
type PlayoutAnchor struct {
	ChannelID int64            `json:"channel_id"`
	NextStart time.Time        `json:"next_start"`
	Cursor    CollectionCursor `json:"cursor"`
}

// Clone returns an independent copy.
func (a PlayoutAnchor) Clone() PlayoutAnchor {
	out := a
	out.Cursor = a.Cursor.Clone()
	return out
}

// Playout binds a channel to its schedule with the anchor and the rolling
// prefix of materialized items.
type Playout struct {
	ID         int64         `json:"id"`
	ChannelID  int64         `json:"channel_id"`
	ScheduleID int64         `json:"schedule_id"`
	Anchor     PlayoutAnchor `json:"anchor"`
	Items      []PlayoutItem `json:"items,omitempty"`
}

// ItemAt returns the materialized item covering t, if any.
func (p Playout) ItemAt(t time.Time) (PlayoutItem, bool) {
	for _, it := range p.Items {
		if it.Covers(t) {
			return it, true
		}
	}
	return PlayoutItem{}, false
}
