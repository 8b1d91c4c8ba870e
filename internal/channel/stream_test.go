package channel

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/exstreamtv/exstreamtv/internal/catalog"
	"github.com/exstreamtv/exstreamtv/internal/clock"
	"github.com/exstreamtv/exstreamtv/internal/ffmpeg"
	"github.com/exstreamtv/exstreamtv/internal/metrics"
	"github.com/exstreamtv/exstreamtv/internal/mpegts"
	"github.com/exstreamtv/exstreamtv/internal/xlog"
)

// --- fakes -----------------------------------------------------------------

type fakeChild struct {
	pr *io.PipeReader
	pw *io.PipeWriter

	done     chan struct{}
	exitErr  error
	exitOnce sync.Once

	first   atomic.Bool
	lastOut atomic.Int64
	started time.Time
	pid     int
}

func newFakeChild(pid int) *fakeChild {
	pr, pw := io.Pipe()
	return &fakeChild{pr: pr, pw: pw, done: make(chan struct{}), started: time.Now(), pid: pid}
}

func (f *fakeChild) Stdout() io.ReadCloser { return f.pr }
func (f *fakeChild) NoteOutput(n int) {
	if n > 0 {
		f.first.Store(true)
		f.lastOut.Store(time.Now().UnixNano())
	}
}
func (f *fakeChild) FirstByteSeen() bool { return f.first.Load() }
func (f *fakeChild) SinceLastOutput() time.Duration {
	ns := f.lastOut.Load()
	if ns == 0 {
		return time.Since(f.started)
	}
	return time.Since(time.Unix(0, ns))
}
func (f *fakeChild) Done() <-chan struct{} { return f.done }
func (f *fakeChild) ExitErr() error        { return f.exitErr }
func (f *fakeChild) PID() int              { return f.pid }

func (f *fakeChild) exit(err error) {
	f.exitOnce.Do(func() {
		f.exitErr = err
		_ = f.pw.Close()
		close(f.done)
	})
}

// emit writes n null packets.
func (f *fakeChild) emit(n int) error {
	pkt := mpegts.NullPacket()
	for i := 0; i < n; i++ {
		if _, err := f.pw.Write(pkt); err != nil {
			return err
		}
	}
	return nil
}

// behavior scripts one spawned child.
type behavior func(c *fakeChild, req ffmpeg.SpawnRequest)

type fakeProcs struct {
	mu        sync.Mutex
	behaviors []behavior
	rejects   int // reject the first N spawns with capacity
	spawned   []*fakeChild
	stopped   int
	calls     int
}

func (f *fakeProcs) Spawn(ctx context.Context, req ffmpeg.SpawnRequest) (Child, error) {
	f.mu.Lock()
	f.calls++
	if f.rejects > 0 {
		f.rejects--
		f.mu.Unlock()
		if req.Wait {
			time.Sleep(20 * time.Millisecond)
		}
		return nil, &ffmpeg.RejectedError{Reason: ffmpeg.RejectCapacity}
	}
	var b behavior
	if len(f.behaviors) > 0 {
		b = f.behaviors[0]
		if len(f.behaviors) > 1 {
			f.behaviors = f.behaviors[1:]
		}
	}
	c := newFakeChild(100 + f.calls)
	f.spawned = append(f.spawned, c)
	f.mu.Unlock()
	if b != nil {
		go b(c, req)
	}
	return c, nil
}

func (f *fakeProcs) Stop(c Child) {
	f.mu.Lock()
	f.stopped++
	f.mu.Unlock()
	if fc, ok := c.(*fakeChild); ok {
		fc.exit(nil)
	}
}

func (f *fakeProcs) spawnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeStore carries a pre-materialized timeline.
type fakeStore struct {
	mu       sync.Mutex
	items    []catalog.PlayoutItem
	media    map[int64]catalog.MediaItem
	position catalog.ChannelPlaybackPosition
	saved    int
}

func (f *fakeStore) GetSchedule(context.Context, int64) (catalog.Schedule, error) {
	return catalog.Schedule{}, errors.New("no schedule")
}
func (f *fakeStore) GetAnchor(context.Context, int64) (catalog.PlayoutAnchor, bool, error) {
	return catalog.PlayoutAnchor{}, false, nil
}
func (f *fakeStore) SaveBuild(context.Context, catalog.PlayoutAnchor, []catalog.PlayoutItem) error {
	return nil
}
func (f *fakeStore) ResetAnchor(context.Context, catalog.PlayoutAnchor) error { return nil }
func (f *fakeStore) ItemAt(_ context.Context, _ int64, t time.Time) (catalog.PlayoutItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, it := range f.items {
		if it.Covers(t) {
			return it, nil
		}
	}
	return catalog.PlayoutItem{}, errors.New("no item")
}
func (f *fakeStore) ItemsFrom(context.Context, int64, time.Time, int) ([]catalog.PlayoutItem, error) {
	return nil, nil
}
func (f *fakeStore) DeleteItemsFrom(context.Context, int64, time.Time) error   { return nil }
func (f *fakeStore) DeleteItemsBefore(context.Context, int64, time.Time) error { return nil }
func (f *fakeStore) GetMediaItem(_ context.Context, id int64) (catalog.MediaItem, error) {
	if m, ok := f.media[id]; ok {
		return m, nil
	}
	return catalog.MediaItem{}, errors.New("no media")
}
func (f *fakeStore) GetProfile(context.Context, int64) (catalog.FFmpegProfile, error) {
	return catalog.FFmpegProfile{}, errors.New("no profile")
}
func (f *fakeStore) GetWatermark(context.Context, int64) (catalog.Watermark, error) {
	return catalog.Watermark{}, errors.New("no watermark")
}
func (f *fakeStore) GetPosition(context.Context, int64) (catalog.ChannelPlaybackPosition, error) {
	return f.position, nil
}
func (f *fakeStore) SavePosition(_ context.Context, p catalog.ChannelPlaybackPosition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.position = p
	f.saved++
	return nil
}
func (f *fakeStore) UpdateMediaDuration(context.Context, int64, float64) error { return nil }

type fakeResolver struct{}

func (fakeResolver) Resolve(_ context.Context, m catalog.MediaItem) (string, error) {
	return m.URL, nil
}

// --- helpers ---------------------------------------------------------------

func testChannel() catalog.Channel {
	return catalog.Channel{ID: 1, Number: "100", Name: "Test", Enabled: true,
		Mode: catalog.PlayoutContinuous, StopOnIdle: true}
}

func testConfig() Config {
	return Config{
		BufferPackets:          256,
		StartupTimeout:         2 * time.Second,
		StallTimeout:           500 * time.Millisecond,
		PreSpawnLead:           50 * time.Millisecond,
		PositionSaveInterval:   time.Hour,
		MaxConsecutiveFailures: 3,
		BackoffBase:            10 * time.Millisecond,
		BackoffCap:             50 * time.Millisecond,
	}
}

func itemsCovering(chID int64, from time.Time, durations ...time.Duration) ([]catalog.PlayoutItem, map[int64]catalog.MediaItem) {
	items := make([]catalog.PlayoutItem, 0, len(durations))
	media := make(map[int64]catalog.MediaItem)
	cursor := from
	for i, d := range durations {
		id := int64(i + 1)
		media[id] = catalog.MediaItem{ID: id, Source: catalog.SourceLocal, URL: "/m.mkv", Title: "m"}
		items = append(items, catalog.PlayoutItem{
			ChannelID: chID, MediaID: id, Title: "m",
			Start: cursor, Finish: cursor.Add(d),
		})
		cursor = cursor.Add(d)
	}
	return items, media
}

func newTestStream(st Store, procs ProcSource) *Stream {
	deps := Deps{
		Store:    st,
		Resolver: fakeResolver{},
		Procs:    procs,
		Clock:    clock.System{},
		Log:      xlog.Nop(),
		Metrics:  metrics.New(),
	}
	return NewStream(testChannel(), testConfig(), deps)
}

func waitState(t *testing.T, s *Stream, want State, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("stream never reached %s (currently %s)", want, s.State())
}

// steadyProducer keeps emitting packets until the child is stopped.
func steadyProducer(interval time.Duration) behavior {
	return func(c *fakeChild, _ ffmpeg.SpawnRequest) {
		for {
			select {
			case <-c.done:
				return
			case <-time.After(interval):
				if c.emit(5) != nil {
					return
				}
			}
		}
	}
}

// --- tests -----------------------------------------------------------------

func TestStreamStartsAndDeliversValidTS(t *testing.T) {
	st := &fakeStore{}
	st.items, st.media = itemsCovering(1, time.Now().Add(-time.Second), time.Hour)
	procs := &fakeProcs{behaviors: []behavior{steadyProducer(20 * time.Millisecond)}}

	s := newTestStream(st, procs)
	s.Start(context.Background())
	defer s.Stop()

	waitState(t, s, StateRunning, 3*time.Second)

	rd := s.Subscribe()
	defer rd.Close()
	buf := make([]byte, 2048)
	n, err := rd.Read(buf)
	require.NoError(t, err)
	require.True(t, mpegts.ValidStart(buf[:n]), "first chunk must pass TS validation")
}

func TestStreamRejectsBadSyncAndRecovers(t *testing.T) {
	st := &fakeStore{}
	st.items, st.media = itemsCovering(1, time.Now().Add(-time.Second), time.Hour)

	garbage := func(c *fakeChild, _ ffmpeg.SpawnRequest) {
		junk := make([]byte, mpegts.SyncWindow+10)
		for i := range junk {
			junk[i] = 0xAB
		}
		_, _ = c.pw.Write(junk)
	}
	procs := &fakeProcs{behaviors: []behavior{garbage, steadyProducer(20 * time.Millisecond)}}

	s := newTestStream(st, procs)
	s.Start(context.Background())
	defer s.Stop()

	waitState(t, s, StateRunning, 3*time.Second)
	require.GreaterOrEqual(t, procs.spawnCount(), 2)
}

func TestStreamRecoversFromCrashWithoutSubscriberEOF(t *testing.T) {
	st := &fakeStore{}
	st.items, st.media = itemsCovering(1, time.Now().Add(-time.Second), time.Hour)

	crashAfter := func(c *fakeChild, _ ffmpeg.SpawnRequest) {
		_ = c.emit(10)
		time.Sleep(50 * time.Millisecond)
		c.exit(errors.New("exit status 1"))
	}
	procs := &fakeProcs{behaviors: []behavior{crashAfter, steadyProducer(20 * time.Millisecond)}}

	s := newTestStream(st, procs)
	s.Start(context.Background())
	defer s.Stop()

	rd := s.Subscribe()
	defer rd.Close()

	// Read through the crash window; the ring must never EOF.
	total := 0
	deadline := time.Now().Add(2 * time.Second)
	buf := make([]byte, 4096)
	for time.Now().Before(deadline) && total < 50*mpegts.PacketSize {
		n, err := rd.Read(buf)
		require.NoError(t, err)
		total += n
	}
	require.Greater(t, total, 10*mpegts.PacketSize)
	require.GreaterOrEqual(t, procs.spawnCount(), 2)
	waitState(t, s, StateRunning, 3*time.Second)
}

func TestStreamStallTriggersRecovery(t *testing.T) {
	st := &fakeStore{}
	st.items, st.media = itemsCovering(1, time.Now().Add(-time.Second), time.Hour)

	stall := func(c *fakeChild, _ ffmpeg.SpawnRequest) {
		_ = c.emit(5)
		// then silence: the stall watchdog must fire
	}
	procs := &fakeProcs{behaviors: []behavior{stall, steadyProducer(20 * time.Millisecond)}}

	s := newTestStream(st, procs)
	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool { return procs.spawnCount() >= 2 },
		5*time.Second, 10*time.Millisecond, "stall should force a respawn")
}

func TestStreamFailsAfterBudgetExhausted(t *testing.T) {
	st := &fakeStore{}
	st.items, st.media = itemsCovering(1, time.Now().Add(-time.Second), time.Hour)

	instantCrash := func(c *fakeChild, _ ffmpeg.SpawnRequest) {
		c.exit(errors.New("exit status 1"))
	}
	procs := &fakeProcs{behaviors: []behavior{instantCrash}}

	s := newTestStream(st, procs)
	s.Start(context.Background())

	waitState(t, s, StateFailed, 5*time.Second)
	<-s.Done()
}

func TestPoolSaturationServesFallbackThenRecovers(t *testing.T) {
	st := &fakeStore{}
	st.items, st.media = itemsCovering(1, time.Now().Add(-time.Second), time.Hour)
	procs := &fakeProcs{
		rejects:   3,
		behaviors: []behavior{steadyProducer(20 * time.Millisecond)},
	}

	s := newTestStream(st, procs)
	s.Start(context.Background())
	defer s.Stop()

	rd := s.Subscribe()
	defer rd.Close()

	// While rejected, the fallback writer must keep bytes flowing.
	buf := make([]byte, 2048)
	n, err := rd.Read(buf)
	require.NoError(t, err)
	require.True(t, mpegts.ValidStart(buf[:n]))

	waitState(t, s, StateRunning, 5*time.Second)
}

func TestStreamAdvancesBetweenItems(t *testing.T) {
	st := &fakeStore{}
	st.items, st.media = itemsCovering(1, time.Now().Add(-50*time.Millisecond),
		400*time.Millisecond, time.Hour)

	finite := func(c *fakeChild, _ ffmpeg.SpawnRequest) {
		_ = c.emit(10)
		time.Sleep(300 * time.Millisecond)
		c.exit(nil)
	}
	procs := &fakeProcs{behaviors: []behavior{finite, steadyProducer(20 * time.Millisecond)}}

	s := newTestStream(st, procs)
	s.Start(context.Background())
	defer s.Stop()

	require.Eventually(t, func() bool {
		item, _ := s.Position()
		return item.MediaID == 2
	}, 5*time.Second, 20*time.Millisecond, "stream should advance to the second item")
	waitState(t, s, StateRunning, 3*time.Second)
}

func TestStopClosesRingAndChildren(t *testing.T) {
	st := &fakeStore{}
	st.items, st.media = itemsCovering(1, time.Now().Add(-time.Second), time.Hour)
	procs := &fakeProcs{behaviors: []behavior{steadyProducer(20 * time.Millisecond)}}

	s := newTestStream(st, procs)
	s.Start(context.Background())
	waitState(t, s, StateRunning, 3*time.Second)

	rd := s.Subscribe()
	s.Stop()
	require.Equal(t, StateStopped, s.State())

	// Reader drains whatever is buffered, then observes EOF.
	buf := make([]byte, 64*1024)
	for {
		_, err := rd.Read(buf)
		if err != nil {
			require.ErrorIs(t, err, io.EOF)
			break
		}
	}

	procs.mu.Lock()
	defer procs.mu.Unlock()
	for _, c := range procs.spawned {
		select {
		case <-c.done:
		default:
			t.Fatal("child left running after Stop")
		}
	}
}
