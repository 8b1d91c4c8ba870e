package catalog

import "time"

// CollectionType selects how a schedule item finds its content.
type CollectionType string

const (
	CollectionSingle          CollectionType = "single"
	CollectionPlaylist        CollectionType = "playlist"
	CollectionCollection      CollectionType = "collection"
	CollectionSmartCollection CollectionType = "smart_collection"
	CollectionShow            CollectionType = "show"
	CollectionSeason          CollectionType = "season"
	CollectionArtist          CollectionType = "artist"
	CollectionMulti           CollectionType = "multi_collection"
)

// PlaybackMode says how much of the selected collection one schedule item
// consumes per visit.
type PlaybackMode string

const (
	// PlaybackOne emits exactly one candidate and advances the cursor.
	PlaybackOne PlaybackMode = "one"
	// PlaybackMultiple emits Count candidates.
	PlaybackMultiple PlaybackMode = "multiple"
	// PlaybackDuration emits candidates until cumulative duration reaches
	// DurationSeconds; TailMode decides what happens to the remainder.
	PlaybackDuration PlaybackMode = "duration"
	// PlaybackFlood emits candidates until the next fixed-start boundary or
	// the horizon is exhausted.
	PlaybackFlood PlaybackMode = "flood"
)

// PlaybackOrder sorts the candidate list before consumption.
type PlaybackOrder string

const (
	OrderChronological  PlaybackOrder = "chronological"
	OrderShuffled       PlaybackOrder = "shuffled"
	OrderRandom         PlaybackOrder = "random"
	OrderShuffleInOrder PlaybackOrder = "shuffle_in_order"
	OrderSeasonEpisode  PlaybackOrder = "season_episode"
)

// TailMode decides what a DURATION block does with leftover time.
type TailMode string

const (
	// TailTruncate cuts the last item at the block boundary.
	TailTruncate TailMode = "truncate"
	// TailFiller pads with the configured tail filler.
	TailFiller TailMode = "filler"
	// TailOffline pads with the offline slate.
	TailOffline TailMode = "offline"
)

// StartType marks a schedule item as free-floating or pinned to a clock time.
type StartType string

const (
	StartDynamic StartType = "dynamic"
	StartFixed   StartType = "fixed"
)

// FixedStartBehavior resolves the conflict when the cursor overruns a fixed
// start time.
type FixedStartBehavior string

const (
	// FixedStartImmediately truncates the running item and starts now.
	FixedStartImmediately FixedStartBehavior = "start_immediately"
	// FixedSkipItem drops the fixed item for this cycle.
	FixedSkipItem FixedStartBehavior = "skip_item"
	// FixedWaitForNext inserts tail filler until the next occurrence.
	FixedWaitForNext FixedStartBehavior = "wait_for_next"
)

// FillerKind tags a playout item emitted from filler configuration.
type FillerKind string

const (
	FillerNone     FillerKind = ""
	FillerPreRoll  FillerKind = "pre_roll"
	FillerMidRoll  FillerKind = "mid_roll"
	FillerPostRoll FillerKind = "post_roll"
	FillerTail     FillerKind = "tail"
	FillerFallback FillerKind = "fallback"
	// FillerOffline is the synthesized slate when nothing can be materialized.
	FillerOffline FillerKind = "offline"
)

// FillerConfig attaches filler collections to a schedule item.
type FillerConfig struct {
	PreRollCollectionID  int64 `json:"pre_roll_collection_id,omitempty"`
	MidRollCollectionID  int64 `json:"mid_roll_collection_id,omitempty"`
	MidRollFrequency     int   `json:"mid_roll_frequency,omitempty"` // every N items
	PostRollCollectionID int64 `json:"post_roll_collection_id,omitempty"`
	TailCollectionID     int64 `json:"tail_collection_id,omitempty"`
	FallbackCollectionID int64 `json:"fallback_collection_id,omitempty"`
}

// ScheduleItem is one entry of a schedule: a content selector plus a
// consumption policy.
type ScheduleItem struct {
	ID           int64          `json:"id"`
	ScheduleID   int64          `json:"schedule_id"`
	Position     int            `json:"position"`
	Collection   CollectionType `json:"collection_type"`
	CollectionID int64          `json:"collection_id"`

	Mode            PlaybackMode `json:"playback_mode"`
	Count           int          `json:"count,omitempty"`            // MULTIPLE
	DurationSeconds int          `json:"duration_seconds,omitempty"` // DURATION
	TailMode        TailMode     `json:"tail_mode,omitempty"`

	Order PlaybackOrder `json:"playback_order"`

	StartType StartType `json:"start_type"`
	// FixedStart is the time of day (UTC) for StartFixed items.
	FixedStart         string             `json:"fixed_start,omitempty"` // "15:04"
	FixedStartBehavior FixedStartBehavior `json:"fixed_start_behavior,omitempty"`

	CustomTitle string       `json:"custom_title,omitempty"`
	Filler      FillerConfig `json:"filler,omitempty"`
}

// BlockDuration returns the DURATION block length.
func (s ScheduleItem) BlockDuration() time.Duration {
	return time.Duration(s.DurationSeconds) * time.Second
}

// Schedule is a named ordered sequence of schedule items.
type Schedule struct {
	ID    int64          `json:"id"`
	Name  string         `json:"name"`
	Items []ScheduleItem `json:"items"`
}
