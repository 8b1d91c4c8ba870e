// Package channel contains the per-channel playout supervisor (the
// ChannelStream) and the registry that owns one supervisor per channel.
//
// A ChannelStream stitches consecutive playout items into one continuous
// MPEG-TS byte stream: it keeps the timeline materialized ahead of the clock,
// runs one FFmpeg child per item, validates TS sync on startup, advances
// between items, and recovers from crashes and stalls while subscribers keep
// reading from the ring buffer.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/exstreamtv/exstreamtv/internal/catalog"
	"github.com/exstreamtv/exstreamtv/internal/clock"
	"github.com/exstreamtv/exstreamtv/internal/ffmpeg"
	"github.com/exstreamtv/exstreamtv/internal/metrics"
	"github.com/exstreamtv/exstreamtv/internal/mpegts"
	"github.com/exstreamtv/exstreamtv/internal/ringbuf"
	"github.com/exstreamtv/exstreamtv/internal/timeline"
)

// Store is the persistence surface the stream needs. *store.Store satisfies
// it.
type Store interface {
	GetSchedule(ctx context.Context, id int64) (catalog.Schedule, error)
	GetAnchor(ctx context.Context, channelID int64) (catalog.PlayoutAnchor, bool, error)
	SaveBuild(ctx context.Context, anchor catalog.PlayoutAnchor, items []catalog.PlayoutItem) error
	ResetAnchor(ctx context.Context, anchor catalog.PlayoutAnchor) error
	ItemAt(ctx context.Context, channelID int64, t time.Time) (catalog.PlayoutItem, error)
	ItemsFrom(ctx context.Context, channelID int64, t time.Time, limit int) ([]catalog.PlayoutItem, error)
	DeleteItemsFrom(ctx context.Context, channelID int64, t time.Time) error
	DeleteItemsBefore(ctx context.Context, channelID int64, t time.Time) error
	GetMediaItem(ctx context.Context, id int64) (catalog.MediaItem, error)
	GetProfile(ctx context.Context, id int64) (catalog.FFmpegProfile, error)
	GetWatermark(ctx context.Context, id int64) (catalog.Watermark, error)
	GetPosition(ctx context.Context, channelID int64) (catalog.ChannelPlaybackPosition, error)
	SavePosition(ctx context.Context, p catalog.ChannelPlaybackPosition) error
	UpdateMediaDuration(ctx context.Context, id int64, seconds float64) error
}

// URLResolver is the one capability needed from the resolver.
type URLResolver interface {
	Resolve(ctx context.Context, m catalog.MediaItem) (string, error)
}

// Config tunes one stream supervisor.
type Config struct {
	// BufferPackets sizes the ring in whole TS packets so every ring offset
	// stays packet-aligned.
	BufferPackets  int
	StartupTimeout time.Duration
	StallTimeout   time.Duration
	// Lookahead is how far ahead of "now" the timeline must stay materialized.
	Lookahead time.Duration
	// BuildChunk is how much timeline one build pass adds.
	BuildChunk time.Duration
	// PreSpawnLead is how long before item end the next child is pre-spawned.
	PreSpawnLead         time.Duration
	PositionSaveInterval time.Duration

	MaxConsecutiveFailures int
	BackoffBase            time.Duration
	BackoffCap             time.Duration

	DefaultHWAccel string
	UserAgent      string
}

func (c *Config) fillDefaults() {
	if c.BufferPackets <= 0 {
		c.BufferPackets = 16 * 1024 // ~3 MiB
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = 15 * time.Second
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = 10 * time.Second
	}
	if c.Lookahead <= 0 {
		c.Lookahead = 30 * time.Minute
	}
	if c.BuildChunk <= 0 {
		c.BuildChunk = 4 * time.Hour
	}
	if c.PreSpawnLead <= 0 {
		c.PreSpawnLead = 5 * time.Second
	}
	if c.PositionSaveInterval <= 0 {
		c.PositionSaveInterval = 5 * time.Second
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 30 * time.Second
	}
}

// Deps are the collaborators a stream needs.
type Deps struct {
	Store    Store
	Builder  *timeline.Builder
	Resolver URLResolver
	Procs    ProcSource
	Clock    clock.Clock
	Log      zerolog.Logger
	Metrics  *metrics.Metrics
}

// Stream is the per-channel supervisor.
type Stream struct {
	ch   catalog.Channel
	cfg  Config
	deps Deps
	log  zerolog.Logger

	ring  *ringbuf.Ring
	state atomic.Int32

	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	current   catalog.PlayoutItem
	elapsed   time.Duration
	itemIndex int
	next      Child
	nextItem  catalog.PlayoutItem
	failures  int

	fallback *fallbackWriter
}

// Supervision errors.
var (
	errBadSync        = errors.New("channel: first chunk failed TS sync validation")
	errStartupTimeout = errors.New("channel: ffmpeg produced no output before startup timeout")
	errStall          = errors.New("channel: ffmpeg output stalled")
)

type crashError struct{ err error }

func (e *crashError) Error() string { return fmt.Sprintf("channel: ffmpeg exited abnormally: %v", e.err) }
func (e *crashError) Unwrap() error { return e.err }

type earlyEOFError struct{ remaining time.Duration }

func (e *earlyEOFError) Error() string {
	return fmt.Sprintf("channel: item ended %s early", e.remaining)
}

// NewStream builds a stream in StateIdle. Start launches the supervisor.
func NewStream(ch catalog.Channel, cfg Config, deps Deps) *Stream {
	cfg.fillDefaults()
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	s := &Stream{
		ch:   ch,
		cfg:  cfg,
		deps: deps,
		log:  deps.Log.With().Str("component", "channelstream").Str("channel", ch.Number).Logger(),
		ring: ringbuf.New(cfg.BufferPackets * mpegts.PacketSize),
		done: make(chan struct{}),
	}
	s.setState(StateIdle)
	return s
}

// Channel returns the channel definition this stream serves.
func (s *Stream) Channel() catalog.Channel { return s.ch }

// State returns the current lifecycle state.
func (s *Stream) State() State { return State(s.state.Load()) }

func (s *Stream) setState(st State) {
	s.state.Store(int32(st))
	if s.deps.Metrics != nil {
		s.deps.Metrics.ChannelState.WithLabelValues(s.ch.Number).Set(float64(st))
	}
}

// Subscribe attaches a reader at the oldest buffered byte so a joining client
// receives the buffered PAT/PMT run-up. Every ring offset is packet-aligned.
func (s *Stream) Subscribe() *ringbuf.Reader {
	return s.ring.NewReaderFromOldest()
}

// Ring exposes the buffer for the fallback attach in the self-heal loop.
func (s *Stream) Ring() *ringbuf.Ring { return s.ring }

// Position reports the item currently transmitting and the elapsed offset
// inside it.
func (s *Stream) Position() (catalog.PlayoutItem, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.elapsed
}

// Done is closed when the supervisor goroutine has exited.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Start launches the supervisor. Safe to call once.
func (s *Stream) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	go s.run(ctx)
}

// Stop cancels the supervisor and waits for teardown.
func (s *Stream) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

func (s *Stream) run(ctx context.Context) {
	defer close(s.done)
	defer func() {
		// A failed stream keeps StateFailed so the registry and metrics see
		// why it ended.
		failed := s.State() == StateFailed
		if !failed {
			s.setState(StateStopping)
		}
		s.stopFallback()
		s.stopNext()
		s.ring.CloseWrite()
		s.persistPosition(context.Background())
		if !failed {
			s.setState(StateStopped)
		}
		s.log.Info().Msg("channel stream stopped")
	}()

	s.setState(StateStarting)
	if err := s.prepareTimeline(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		s.log.Error().Err(err).Msg("timeline preparation failed")
		s.setState(StateFailed)
		return
	}

	for ctx.Err() == nil {
		item, ok := s.lookupCurrent(ctx)
		if !ok {
			if ctx.Err() != nil {
				return
			}
			// Nothing materialized: transmit the offline slate in short
			// segments and keep retrying the timeline.
			s.playSlate(ctx, "Channel offline", time.Minute)
			_ = s.prepareTimeline(ctx)
			continue
		}

		err := s.playItem(ctx, item)
		switch {
		case err == nil:
			s.setState(StateAdvancing)
			s.mu.Lock()
			s.failures = 0
			s.itemIndex++
			s.mu.Unlock()
		case ctx.Err() != nil:
			return
		default:
			var early *earlyEOFError
			if errors.As(err, &early) {
				// Media ran short of its scheduled slot; mask the remainder.
				s.log.Info().Dur("remaining", early.remaining).Msg("item ended early, slating gap")
				s.playSlate(ctx, "Up next", early.remaining)
				s.mu.Lock()
				s.failures = 0
				s.itemIndex++
				s.mu.Unlock()
				continue
			}
			if !s.recover(ctx, err) {
				return
			}
		}
	}
}

// recover applies backoff and the failure budget. Returns false when the
// stream must give up (FAILED).
func (s *Stream) recover(ctx context.Context, cause error) bool {
	s.setState(StateRecovering)
	s.startFallback()

	s.mu.Lock()
	s.failures++
	failures := s.failures
	s.mu.Unlock()

	if failures > s.cfg.MaxConsecutiveFailures {
		s.log.Error().Err(cause).Int("failures", failures).
			Msg("recovery budget exhausted, channel failed")
		s.setState(StateFailed)
		return false
	}

	backoff := s.cfg.BackoffBase << (failures - 1)
	if backoff > s.cfg.BackoffCap || backoff <= 0 {
		backoff = s.cfg.BackoffCap
	}
	s.log.Warn().Err(cause).Int("attempt", failures).Dur("backoff", backoff).
		Msg("recovering channel stream")

	select {
	case <-ctx.Done():
		return false
	case <-time.After(backoff):
		return true
	}
}

// prepareTimeline makes sure materialized items cover now+Lookahead,
// re-basing the anchor per playout mode first.
func (s *Stream) prepareTimeline(ctx context.Context) error {
	if s.ch.ScheduleID == 0 {
		return nil
	}
	sched, err := s.deps.Store.GetSchedule(ctx, s.ch.ScheduleID)
	if err != nil {
		return fmt.Errorf("load schedule: %w", err)
	}

	now := s.deps.Clock.Now()
	anchor, found, err := s.deps.Store.GetAnchor(ctx, s.ch.ID)
	if err != nil {
		return fmt.Errorf("load anchor: %w", err)
	}
	if !found {
		anchor = catalog.PlayoutAnchor{ChannelID: s.ch.ID, NextStart: now}
	}

	switch s.ch.Mode {
	case catalog.PlayoutOnDemand:
		if !found {
			break
		}
		// Resume from the persisted position: the item being resumed starts
		// at now - elapsed so its in-item offset lands on "now".
		pos, perr := s.deps.Store.GetPosition(ctx, s.ch.ID)
		if perr == nil && anchor.NextStart.Before(now) {
			rebased := anchor.Clone()
			rebased.NextStart = now.Add(-time.Duration(pos.ElapsedSeconds * float64(time.Second)))
			if err := s.deps.Store.DeleteItemsFrom(ctx, s.ch.ID, rebased.NextStart); err != nil {
				return err
			}
			if err := s.deps.Store.ResetAnchor(ctx, rebased); err != nil {
				return err
			}
			anchor = rebased
			s.mu.Lock()
			s.itemIndex = pos.ItemIndex
			s.mu.Unlock()
		}
	default:
		// Continuous channels never backfill: downtime is skipped.
		rebased := timeline.Rebase(anchor, now)
		if rebased.NextStart.After(anchor.NextStart) && found {
			if err := s.deps.Store.ResetAnchor(ctx, rebased); err != nil {
				return err
			}
		}
		anchor = rebased
	}

	if anchor.NextStart.After(now.Add(s.cfg.Lookahead)) {
		return nil
	}

	res, err := s.deps.Builder.Build(ctx, timeline.Request{
		Channel:  s.ch,
		Schedule: sched,
		Anchor:   anchor,
		Horizon:  s.cfg.BuildChunk,
	})
	if err != nil {
		return fmt.Errorf("build timeline: %w", err)
	}
	if err := s.deps.Store.SaveBuild(ctx, res.Anchor, res.Items); err != nil {
		return fmt.Errorf("persist build: %w", err)
	}
	// Trim history outside the audit window.
	_ = s.deps.Store.DeleteItemsBefore(ctx, s.ch.ID, now.Add(-24*time.Hour))
	return nil
}

// lookupCurrent finds the item covering "now", extending the timeline when
// the cursor nears its end.
func (s *Stream) lookupCurrent(ctx context.Context) (catalog.PlayoutItem, bool) {
	now := s.deps.Clock.Now()
	item, err := s.deps.Store.ItemAt(ctx, s.ch.ID, now)
	if err != nil {
		if err := s.prepareTimeline(ctx); err != nil {
			s.log.Error().Err(err).Msg("timeline extension failed")
			return catalog.PlayoutItem{}, false
		}
		item, err = s.deps.Store.ItemAt(ctx, s.ch.ID, now)
		if err != nil {
			return catalog.PlayoutItem{}, false
		}
	}
	if item.MediaID != 0 {
		if m, merr := s.deps.Store.GetMediaItem(ctx, item.MediaID); merr == nil {
			item.Media = m
		}
	}
	// Keep the horizon ahead; prepareTimeline is a no-op while coverage holds.
	_ = s.prepareTimeline(ctx)
	return item, true
}

// playItem transmits one item from the wall-clock offset to its finish time.
// A nil return means the item completed and the next one is due.
func (s *Stream) playItem(ctx context.Context, item catalog.PlayoutItem) error {
	now := s.deps.Clock.Now()
	offset := now.Sub(item.Start)
	if offset < 0 {
		offset = 0
	}
	seek := time.Duration(item.InSeconds*float64(time.Second)) + offset
	limit := item.Finish.Sub(now)
	if limit <= 0 {
		return nil
	}

	s.mu.Lock()
	s.current = item
	s.elapsed = offset
	s.mu.Unlock()

	child, err := s.acquireChild(ctx, item, seek, limit)
	if err != nil {
		return err
	}
	defer s.deps.Procs.Stop(child)

	s.log.Info().Str("title", item.Title).Time("finish", item.Finish).
		Dur("seek", seek).Int("pid", child.PID()).Msg("item transmitting")

	pump := newPump(child, s.ring, s.deps.Metrics, s.ch.Number)
	pumpDone := make(chan error, 1)
	go func() { pumpDone <- pump.run() }()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	lastSave := now

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-pumpDone:
			// Pump finished: either the child closed stdout (exit) or the
			// first chunk failed validation.
			if err != nil {
				return err
			}
			<-child.Done()
			return s.classifyExit(child, item)

		case <-ticker.C:
			nowT := s.deps.Clock.Now()

			if !pump.started() {
				if child.SinceLastOutput() > s.cfg.StartupTimeout {
					return errStartupTimeout
				}
			} else {
				s.stopFallback()
				if s.State() != StateRunning {
					s.setState(StateRunning)
				}
				if child.SinceLastOutput() > s.cfg.StallTimeout {
					return errStall
				}
			}

			s.mu.Lock()
			s.elapsed = nowT.Sub(item.Start)
			s.mu.Unlock()

			if nowT.Sub(lastSave) >= s.cfg.PositionSaveInterval {
				lastSave = nowT
				s.persistPosition(ctx)
			}

			if rem := item.Finish.Sub(nowT); rem <= s.cfg.PreSpawnLead && rem > 0 {
				s.preSpawnNext(ctx, item)
			}

			if !nowT.Before(item.Finish) {
				// Scheduled end reached; the -t limit should end the child
				// momentarily, but never let it overrun the grid.
				return nil
			}
		}
	}
}

// classifyExit decides what a child exit means relative to the schedule.
func (s *Stream) classifyExit(child Child, item catalog.PlayoutItem) error {
	now := s.deps.Clock.Now()
	if err := child.ExitErr(); err != nil {
		return &crashError{err: err}
	}
	remaining := item.Finish.Sub(now)
	if remaining > 2*time.Second {
		// Clean EOF well before the scheduled finish: the catalog duration
		// was wrong. Record the observed duration for the next build.
		if item.MediaID != 0 {
			observed := now.Sub(item.Start).Seconds() + item.InSeconds
			if observed > 1 {
				_ = s.deps.Store.UpdateMediaDuration(context.Background(), item.MediaID, observed)
			}
		}
		return &earlyEOFError{remaining: remaining}
	}
	return nil
}

// acquireChild uses the pre-spawned next child when it matches, otherwise
// spawns through the pool. Admission rejection falls back to null-packet
// padding and a queued (wait=true) retry, keeping subscribers fed the whole
// time.
func (s *Stream) acquireChild(ctx context.Context, item catalog.PlayoutItem, seek, limit time.Duration) (Child, error) {
	s.mu.Lock()
	if s.next != nil && s.nextItem.Start.Equal(item.Start) {
		child := s.next
		s.next = nil
		s.mu.Unlock()
		return child, nil
	}
	pre := s.next
	s.next = nil
	s.mu.Unlock()
	if pre != nil {
		s.deps.Procs.Stop(pre)
	}

	argv, err := s.buildArgv(ctx, item, seek, limit)
	if err != nil {
		return nil, err
	}

	child, err := s.deps.Procs.Spawn(ctx, ffmpeg.SpawnRequest{
		ChannelID:   s.ch.ID,
		ChannelName: s.ch.Number,
		Tag:         "current",
		Argv:        argv,
	})
	if err == nil {
		return child, nil
	}
	if _, rejected := ffmpeg.IsRejected(err); !rejected {
		return nil, err
	}

	// Pool saturated: stay STARTING, feed subscribers the fallback, and queue
	// for admission until a slot frees.
	s.log.Warn().Msg("pool admission rejected, queuing with fallback")
	s.setState(StateStarting)
	s.startFallback()
	for ctx.Err() == nil {
		child, err = s.deps.Procs.Spawn(ctx, ffmpeg.SpawnRequest{
			ChannelID:   s.ch.ID,
			ChannelName: s.ch.Number,
			Tag:         "current",
			Argv:        argv,
			Wait:        true,
		})
		if err == nil {
			return child, nil
		}
		if _, rejected := ffmpeg.IsRejected(err); !rejected {
			return nil, err
		}
	}
	return nil, ctx.Err()
}

// buildArgv renders the FFmpeg command for an item.
func (s *Stream) buildArgv(ctx context.Context, item catalog.PlayoutItem, seek, limit time.Duration) ([]string, error) {
	if item.MediaID == 0 {
		title := item.Title
		if title == "" {
			title = "Offline"
		}
		return ffmpeg.SlateArgs(title, limit), nil
	}

	media := item.Media
	if media.ID == 0 {
		m, err := s.deps.Store.GetMediaItem(ctx, item.MediaID)
		if err != nil {
			return nil, fmt.Errorf("load media %d: %w", item.MediaID, err)
		}
		media = m
	}
	input, err := s.deps.Resolver.Resolve(ctx, media)
	if err != nil {
		return nil, fmt.Errorf("resolve media %d: %w", item.MediaID, err)
	}

	spec := ffmpeg.CommandSpec{
		Input:     input,
		Seek:      seek,
		Limit:     limit,
		Realtime:  true,
		UserAgent: s.cfg.UserAgent,
		HWAccel:   s.cfg.DefaultHWAccel,
	}
	if s.ch.ProfileID != 0 {
		if p, err := s.deps.Store.GetProfile(ctx, s.ch.ProfileID); err == nil {
			spec.Profile = p
		}
	}
	if s.ch.WatermarkID != 0 {
		if w, err := s.deps.Store.GetWatermark(ctx, s.ch.WatermarkID); err == nil {
			spec.Watermark = w
		}
	}
	return spec.Args(), nil
}

// preSpawnNext starts the next item's child ahead of the handover. Admission
// uses wait=false: when the pool is full a gapless handover is impossible and
// the advance path spawns afresh through acquireChild instead.
func (s *Stream) preSpawnNext(ctx context.Context, current catalog.PlayoutItem) {
	s.mu.Lock()
	if s.next != nil {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	nextItem, err := s.deps.Store.ItemAt(ctx, s.ch.ID, current.Finish)
	if err != nil {
		return
	}
	if nextItem.MediaID != 0 {
		if m, merr := s.deps.Store.GetMediaItem(ctx, nextItem.MediaID); merr == nil {
			nextItem.Media = m
		}
	}
	argv, err := s.buildArgv(ctx, nextItem, time.Duration(nextItem.InSeconds*float64(time.Second)), nextItem.DurationValue())
	if err != nil {
		s.log.Debug().Err(err).Msg("pre-spawn argv failed")
		return
	}
	child, err := s.deps.Procs.Spawn(ctx, ffmpeg.SpawnRequest{
		ChannelID:   s.ch.ID,
		ChannelName: s.ch.Number,
		Tag:         "next",
		Argv:        argv,
	})
	if err != nil {
		return
	}
	s.mu.Lock()
	if s.next != nil {
		s.mu.Unlock()
		s.deps.Procs.Stop(child)
		return
	}
	s.next = child
	s.nextItem = nextItem
	s.mu.Unlock()
	s.log.Debug().Str("title", nextItem.Title).Msg("next item pre-spawned")
}

func (s *Stream) stopNext() {
	s.mu.Lock()
	child := s.next
	s.next = nil
	s.mu.Unlock()
	if child != nil {
		s.deps.Procs.Stop(child)
	}
}

// playSlate transmits the offline slate for at most d, via the pool when a
// slot is available and via in-process null packets otherwise.
func (s *Stream) playSlate(ctx context.Context, message string, d time.Duration) {
	if d <= 0 {
		return
	}
	if d > 5*time.Minute {
		d = 5 * time.Minute
	}

	child, err := s.deps.Procs.Spawn(ctx, ffmpeg.SpawnRequest{
		ChannelID:   s.ch.ID,
		ChannelName: s.ch.Number,
		Tag:         "fallback",
		Argv:        ffmpeg.SlateArgs(message, d),
	})
	if err != nil {
		// No slot for a slate: keep connections alive with null packets.
		s.startFallback()
		select {
		case <-ctx.Done():
		case <-time.After(d):
		}
		s.stopFallback()
		return
	}
	defer s.deps.Procs.Stop(child)

	pump := newPump(child, s.ring, s.deps.Metrics, s.ch.Number)
	pumpDone := make(chan error, 1)
	go func() { pumpDone <- pump.run() }()

	select {
	case <-ctx.Done():
	case <-pumpDone:
	case <-time.After(d + 2*time.Second):
	}
}

func (s *Stream) startFallback() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fallback == nil {
		s.fallback = startFallbackWriter(s.ring)
	}
}

func (s *Stream) stopFallback() {
	s.mu.Lock()
	fb := s.fallback
	s.fallback = nil
	s.mu.Unlock()
	if fb != nil {
		fb.stop()
	}
}

func (s *Stream) persistPosition(ctx context.Context) {
	s.mu.Lock()
	item := s.current
	elapsed := s.elapsed
	idx := s.itemIndex
	s.mu.Unlock()
	if item.Start.IsZero() {
		return
	}
	_ = s.deps.Store.SavePosition(ctx, catalog.ChannelPlaybackPosition{
		ChannelID:      s.ch.ID,
		ItemIndex:      idx,
		MediaID:        item.MediaID,
		ElapsedSeconds: elapsed.Seconds(),
		UpdatedAtUnix:  s.deps.Clock.Now().Unix(),
	})
}
