// Package timeline turns a schedule plus an anchor into concrete playout
// items. Builds are deterministic: the same (schedule, anchor, horizon)
// always yields the same items, which is what lets the EPG projector and the
// playout engine agree on what a channel transmits.
package timeline

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/exstreamtv/exstreamtv/internal/catalog"
)

// CandidateSource materializes the content list behind a collection
// reference. *store.Store satisfies it.
type CandidateSource interface {
	ListCandidates(ctx context.Context, ct catalog.CollectionType, refID int64) ([]catalog.MediaItem, error)
}

// Request is one build pass.
type Request struct {
	Channel  catalog.Channel
	Schedule catalog.Schedule
	Anchor   catalog.PlayoutAnchor
	Horizon  time.Duration
}

// Result carries the produced items, the advanced anchor, and any non-fatal
// issues hit along the way (empty collections, unparseable fixed starts).
type Result struct {
	Items  []catalog.PlayoutItem
	Anchor catalog.PlayoutAnchor
	Issues []string
}

// Builder is stateless; all position state lives in the anchor.
type Builder struct {
	source CandidateSource
	log    zerolog.Logger
}

// New builds a Builder.
func New(source CandidateSource, log zerolog.Logger) *Builder {
	return &Builder{source: source, log: log.With().Str("component", "timeline").Logger()}
}

// offlineTitle is the slate title when a schedule yields nothing.
const offlineTitle = "Offline"

// maxItemsPerBuild bounds runaway schedules (e.g. thousands of 1-second
// fillers) within one pass.
const maxItemsPerBuild = 5000

// Build materializes items from anchor.NextStart for up to horizon.
// The returned anchor's NextStart equals the last item's finish (or the input
// NextStart when nothing was produced).
func (b *Builder) Build(ctx context.Context, req Request) (Result, error) {
	if req.Anchor.NextStart.IsZero() {
		return Result{}, fmt.Errorf("timeline: anchor for channel %d has no next_start", req.Channel.ID)
	}
	if req.Horizon <= 0 {
		return Result{}, fmt.Errorf("timeline: non-positive horizon")
	}

	st := &buildState{
		builder:    b,
		ctx:        ctx,
		channel:    req.Channel,
		schedule:   req.Schedule,
		cursor:     req.Anchor.NextStart.UTC(),
		horizonEnd: req.Anchor.NextStart.UTC().Add(req.Horizon),
		anchor:     req.Anchor.Clone(),
	}

	if len(req.Schedule.Items) == 0 {
		st.emitOffline(st.horizonEnd)
	} else {
		if err := st.run(); err != nil {
			return Result{}, err
		}
	}

	st.anchor.NextStart = st.cursor
	st.anchor.ChannelID = req.Channel.ID
	return Result{Items: st.items, Anchor: st.anchor, Issues: st.issues}, nil
}

// Rebase jumps a continuous channel's anchor forward to now after downtime.
// Past items are never backfilled; the cursor state is preserved so the
// rotation continues where it left off.
func Rebase(anchor catalog.PlayoutAnchor, now time.Time) catalog.PlayoutAnchor {
	out := anchor.Clone()
	if out.NextStart.Before(now) {
		out.NextStart = now.UTC()
	}
	return out
}

type buildState struct {
	builder    *Builder
	ctx        context.Context
	channel    catalog.Channel
	schedule   catalog.Schedule
	cursor     time.Time
	horizonEnd time.Time
	anchor     catalog.PlayoutAnchor
	items      []catalog.PlayoutItem
	issues     []string

	emptyRun int // consecutive schedule items with no candidates
}

func (s *buildState) run() error {
	n := len(s.schedule.Items)
	for s.cursor.Before(s.horizonEnd) && len(s.items) < maxItemsPerBuild {
		if err := s.ctx.Err(); err != nil {
			return err
		}
		if s.emptyRun >= n {
			// A full cycle produced nothing; the channel is offline for the
			// rest of the horizon.
			s.issue("schedule %d produced no candidates for a full cycle", s.schedule.ID)
			s.emitOffline(s.horizonEnd)
			break
		}

		idx := s.anchor.Cursor.ScheduleIndex % n
		si := s.schedule.Items[idx]

		if si.StartType == catalog.StartFixed {
			proceed, err := s.handleFixedStart(si)
			if err != nil {
				return err
			}
			if !proceed {
				s.advanceSchedule(n)
				continue
			}
		}

		emitted, err := s.emitScheduleItem(si)
		if err != nil {
			return err
		}
		if emitted == 0 {
			s.emptyRun++
		} else {
			s.emptyRun = 0
		}
		s.advanceSchedule(n)
	}
	return nil
}

func (s *buildState) advanceSchedule(n int) {
	s.anchor.Cursor.ScheduleIndex = (s.anchor.Cursor.ScheduleIndex + 1) % n
}

// lateWindow bounds how far past a daily fixed start the cursor can be and
// still count as "missed today" rather than "early for tomorrow".
const lateWindow = 12 * time.Hour

// handleFixedStart aligns the cursor with the item's fixed start time.
// Returns false when the item should be skipped this cycle.
func (s *buildState) handleFixedStart(si catalog.ScheduleItem) (bool, error) {
	todays, err := occurrenceOn(si.FixedStart, s.cursor)
	if err != nil {
		s.issue("schedule item %d: bad fixed start %q", si.ID, si.FixedStart)
		return true, nil
	}

	switch {
	case s.cursor.Equal(todays):
		return true, nil
	case s.cursor.Before(todays):
		// Early: pad with tail filler (or offline slate) until the boundary.
		s.padUntil(todays, si)
		return true, nil
	case s.cursor.Sub(todays) >= lateWindow:
		// So far past today's slot that the next one is the real target.
		s.padUntil(todays.Add(24*time.Hour), si)
		return true, nil
	default:
		// Late: the cursor overran the fixed start.
		switch si.FixedStartBehavior {
		case catalog.FixedSkipItem:
			s.issue("schedule item %d: fixed start %s missed, skipped", si.ID, si.FixedStart)
			return false, nil
		case catalog.FixedWaitForNext:
			next := todays.Add(24 * time.Hour)
			if next.After(s.horizonEnd) {
				s.padUntil(s.horizonEnd, si)
				return false, nil
			}
			s.padUntil(next, si)
			return true, nil
		default: // start_immediately
			return true, nil
		}
	}
}

// padUntil fills [cursor, until) with tail filler items, falling back to the
// offline slate when the item has no tail collection.
func (s *buildState) padUntil(until time.Time, si catalog.ScheduleItem) {
	if until.After(s.horizonEnd) {
		until = s.horizonEnd
	}
	for s.cursor.Before(until) && len(s.items) < maxItemsPerBuild {
		remaining := until.Sub(s.cursor)
		if si.Filler.TailCollectionID == 0 {
			s.emitOffline(until)
			return
		}
		m, ok := s.pickFiller(si, si.Filler.TailCollectionID, catalog.FillerTail)
		if !ok {
			s.emitOffline(until)
			return
		}
		d := m.Duration()
		if d > remaining {
			d = remaining // tail filler truncates at the boundary
		}
		s.emitMedia(m, si, d, catalog.FillerTail)
	}
}

// emitScheduleItem consumes one visit of a schedule item, returning the
// number of content items emitted (fillers excluded).
func (s *buildState) emitScheduleItem(si catalog.ScheduleItem) (int, error) {
	candidates, err := s.builder.source.ListCandidates(s.ctx, si.Collection, si.CollectionID)
	if err != nil {
		return 0, fmt.Errorf("materialize schedule item %d: %w", si.ID, err)
	}
	if len(candidates) == 0 {
		s.issue("schedule item %d (%s %d) has no candidates", si.ID, si.Collection, si.CollectionID)
		return 0, nil
	}

	ordered := s.orderCandidates(si, candidates)

	// The next fixed-start item is a hard boundary: with start_immediately it
	// truncates whatever is playing when it comes due.
	boundary := s.horizonEnd
	truncateAtBoundary := false
	if next, ok := s.nextFixedItem(si); ok {
		if t, err := nextOccurrence(next.FixedStart, s.cursor); err == nil && t.Before(boundary) {
			boundary = t
			truncateAtBoundary = next.FixedStartBehavior == catalog.FixedStartImmediately ||
				next.FixedStartBehavior == ""
		}
	}

	var blockEnd time.Time
	switch si.Mode {
	case catalog.PlaybackDuration:
		blockEnd = s.cursor.Add(si.BlockDuration())
		if blockEnd.After(boundary) && truncateAtBoundary {
			blockEnd = boundary
		}
	case catalog.PlaybackFlood:
		blockEnd = boundary
	}

	quota := 1
	switch si.Mode {
	case catalog.PlaybackMultiple:
		quota = si.Count
		if quota <= 0 {
			quota = 1
		}
	case catalog.PlaybackDuration, catalog.PlaybackFlood:
		quota = maxItemsPerBuild
	}

	emitted := 0
	s.emitFiller(si, si.Filler.PreRollCollectionID, catalog.FillerPreRoll)
	for emitted < quota && s.cursor.Before(s.horizonEnd) && len(s.items) < maxItemsPerBuild {
		if !blockEnd.IsZero() && !s.cursor.Before(blockEnd) {
			break
		}

		m, wrapped, ok := s.nextCandidate(si, ordered)
		if !ok {
			break
		}
		if wrapped {
			// A full pass completed; the bumped epoch reshuffles the next one.
			ordered = s.orderCandidates(si, candidates)
		}
		d := m.Duration()

		if !blockEnd.IsZero() {
			remaining := blockEnd.Sub(s.cursor)
			if d > remaining {
				switch {
				case si.Mode == catalog.PlaybackFlood && truncateAtBoundary:
					d = remaining
				case si.Mode == catalog.PlaybackFlood:
					// Next fixed item yields on overrun; let the item finish.
				case si.TailMode == catalog.TailFiller:
					s.padUntil(blockEnd, si)
					emitted++
					continue
				case si.TailMode == catalog.TailOffline:
					s.emitOffline(blockEnd)
					emitted++
					continue
				default: // truncate
					d = remaining
				}
			}
		} else if truncateAtBoundary {
			// ONE/MULTIPLE items still get cut when a start_immediately fixed
			// item comes due mid-item.
			if remaining := boundary.Sub(s.cursor); d > remaining && remaining > 0 {
				d = remaining
			}
		}

		s.emitMedia(m, si, d, catalog.FillerNone)
		emitted++

		if si.Filler.MidRollCollectionID != 0 && si.Filler.MidRollFrequency > 0 &&
			emitted%si.Filler.MidRollFrequency == 0 && emitted < quota {
			s.emitFiller(si, si.Filler.MidRollCollectionID, catalog.FillerMidRoll)
		}
	}
	if emitted > 0 {
		s.emitFiller(si, si.Filler.PostRollCollectionID, catalog.FillerPostRoll)
	}
	return emitted, nil
}

// nextFixedItem finds the next schedule item after si (in rotation order)
// with a fixed start, scanning at most one full cycle.
func (s *buildState) nextFixedItem(si catalog.ScheduleItem) (catalog.ScheduleItem, bool) {
	n := len(s.schedule.Items)
	start := s.anchor.Cursor.ScheduleIndex
	for i := 1; i < n; i++ {
		candidate := s.schedule.Items[(start+i)%n]
		if candidate.StartType == catalog.StartFixed {
			return candidate, true
		}
	}
	return catalog.ScheduleItem{}, false
}

// nextCandidate pulls the next media item for a schedule item, advancing its
// stored offset. wrapped reports that a full pass just completed and the
// shuffle epoch was bumped.
func (s *buildState) nextCandidate(si catalog.ScheduleItem, ordered []catalog.MediaItem) (m catalog.MediaItem, wrapped, ok bool) {
	if len(ordered) == 0 {
		return catalog.MediaItem{}, false, false
	}
	off := s.anchor.Cursor.Offset(si.ID)
	if off >= len(ordered) {
		off = 0
	}
	m = ordered[off]
	off++
	if off >= len(ordered) {
		s.anchor.Cursor.SetOffset(si.ID, 0)
		s.anchor.Cursor.BumpEpoch(si.ID)
		return m, true, true
	}
	s.anchor.Cursor.SetOffset(si.ID, off)
	return m, false, true
}

// pickFiller pulls one item from a filler collection, cursoring independently
// of the content offset.
func (s *buildState) pickFiller(si catalog.ScheduleItem, collectionID int64, kind catalog.FillerKind) (catalog.MediaItem, bool) {
	candidates, err := s.builder.source.ListCandidates(s.ctx, catalog.CollectionCollection, collectionID)
	if err != nil || len(candidates) == 0 {
		return catalog.MediaItem{}, false
	}
	key := fillerCursorKey(si.ID, kind)
	off := s.anchor.Cursor.Offset(key)
	m := candidates[off%len(candidates)]
	s.anchor.Cursor.SetOffset(key, (off+1)%len(candidates))
	return m, true
}

func (s *buildState) emitFiller(si catalog.ScheduleItem, collectionID int64, kind catalog.FillerKind) {
	if collectionID == 0 || !s.cursor.Before(s.horizonEnd) {
		return
	}
	m, ok := s.pickFiller(si, collectionID, kind)
	if !ok {
		return
	}
	s.emitMedia(m, si, m.Duration(), kind)
}

func (s *buildState) emitMedia(m catalog.MediaItem, si catalog.ScheduleItem, d time.Duration, kind catalog.FillerKind) {
	if d <= 0 {
		return
	}
	title := m.DisplayTitle()
	if kind == catalog.FillerNone && si.CustomTitle != "" {
		title = si.CustomTitle
	}
	var sub string
	if m.EpisodeKnown() {
		sub = fmt.Sprintf("S%02dE%02d", m.Season, m.Episode)
	}
	s.items = append(s.items, catalog.PlayoutItem{
		ChannelID: s.channel.ID,
		MediaID:   m.ID,
		Title:     title,
		SubTitle:  sub,
		Start:     s.cursor,
		Finish:    s.cursor.Add(d),
		Filler:    kind,
		Media:     m,
	})
	s.cursor = s.cursor.Add(d)
}

func (s *buildState) emitOffline(until time.Time) {
	if !s.cursor.Before(until) {
		return
	}
	s.items = append(s.items, catalog.PlayoutItem{
		ChannelID: s.channel.ID,
		Title:     offlineTitle,
		Start:     s.cursor,
		Finish:    until,
		Filler:    catalog.FillerOffline,
	})
	s.cursor = until
}

func (s *buildState) issue(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	s.issues = append(s.issues, msg)
	s.builder.log.Warn().Int64("channel", s.channel.ID).Msg(msg)
}

// orderCandidates applies the playback order deterministically.
func (s *buildState) orderCandidates(si catalog.ScheduleItem, in []catalog.MediaItem) []catalog.MediaItem {
	out := make([]catalog.MediaItem, len(in))
	copy(out, in)

	switch si.Order {
	case catalog.OrderSeasonEpisode:
		sort.SliceStable(out, func(i, j int) bool {
			if out[i].Season != out[j].Season {
				return out[i].Season < out[j].Season
			}
			if out[i].Episode != out[j].Episode {
				return out[i].Episode < out[j].Episode
			}
			return out[i].ID < out[j].ID
		})
	case catalog.OrderChronological:
		sort.SliceStable(out, func(i, j int) bool {
			if out[i].AirDate != out[j].AirDate {
				return out[i].AirDate < out[j].AirDate
			}
			if out[i].SortIndex != out[j].SortIndex {
				return out[i].SortIndex < out[j].SortIndex
			}
			return out[i].ID < out[j].ID
		})
	case catalog.OrderShuffled, catalog.OrderRandom:
		rng := s.rng(si)
		rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	case catalog.OrderShuffleInOrder:
		out = shuffleInOrder(out, s.rng(si))
	}
	return out
}

// rng derives a deterministic random stream for one schedule item's current
// shuffle epoch, so a resumed build reproduces the same order.
func (s *buildState) rng(si catalog.ScheduleItem) *rand.Rand {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d/%d/%d", s.channel.ID, si.ID, s.anchor.Cursor.Epoch(si.ID))
	return rand.New(rand.NewSource(int64(h.Sum64())))
}

// shuffleInOrder shuffles show groups but keeps episode order inside each
// group.
func shuffleInOrder(in []catalog.MediaItem, rng *rand.Rand) []catalog.MediaItem {
	groupKeys := make([]string, 0)
	groups := make(map[string][]catalog.MediaItem)
	for _, m := range in {
		key := m.ShowTitle
		if key == "" {
			key = m.DisplayTitle()
		}
		if _, ok := groups[key]; !ok {
			groupKeys = append(groupKeys, key)
		}
		groups[key] = append(groups[key], m)
	}
	for _, key := range groupKeys {
		g := groups[key]
		sort.SliceStable(g, func(i, j int) bool {
			if g[i].Season != g[j].Season {
				return g[i].Season < g[j].Season
			}
			if g[i].Episode != g[j].Episode {
				return g[i].Episode < g[j].Episode
			}
			return g[i].ID < g[j].ID
		})
		groups[key] = g
	}
	rng.Shuffle(len(groupKeys), func(i, j int) { groupKeys[i], groupKeys[j] = groupKeys[j], groupKeys[i] })

	out := make([]catalog.MediaItem, 0, len(in))
	for _, key := range groupKeys {
		out = append(out, groups[key]...)
	}
	return out
}

// fillerCursorKey derives a cursor-offset key distinct from schedule item
// content offsets.
func fillerCursorKey(scheduleItemID int64, kind catalog.FillerKind) int64 {
	var k int64
	switch kind {
	case catalog.FillerPreRoll:
		k = 1
	case catalog.FillerMidRoll:
		k = 2
	case catalog.FillerPostRoll:
		k = 3
	case catalog.FillerTail:
		k = 4
	default:
		k = 5
	}
	return -(scheduleItemID*8 + k)
}

// occurrenceOn resolves a "15:04" time-of-day on ref's calendar day, in UTC.
func occurrenceOn(hhmm string, ref time.Time) (time.Time, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return time.Time{}, err
	}
	ref = ref.UTC()
	return time.Date(ref.Year(), ref.Month(), ref.Day(), t.Hour(), t.Minute(), 0, 0, time.UTC), nil
}

// nextOccurrence resolves a "15:04" time-of-day to the first occurrence at or
// after ref, in UTC.
func nextOccurrence(hhmm string, ref time.Time) (time.Time, error) {
	candidate, err := occurrenceOn(hhmm, ref)
	if err != nil {
		return time.Time{}, err
	}
	if candidate.Before(ref) {
		candidate = candidate.Add(24 * time.Hour)
	}
	return candidate, nil
}
