package tuner

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/exstreamtv/exstreamtv/internal/catalog"
	"github.com/exstreamtv/exstreamtv/internal/channel"
	"github.com/exstreamtv/exstreamtv/internal/clock"
	"github.com/exstreamtv/exstreamtv/internal/config"
	"github.com/exstreamtv/exstreamtv/internal/epg"
	"github.com/exstreamtv/exstreamtv/internal/ffmpeg"
	"github.com/exstreamtv/exstreamtv/internal/metrics"
	"github.com/exstreamtv/exstreamtv/internal/mpegts"
	"github.com/exstreamtv/exstreamtv/internal/session"
	"github.com/exstreamtv/exstreamtv/internal/store"
	"github.com/exstreamtv/exstreamtv/internal/timeline"
	"github.com/exstreamtv/exstreamtv/internal/xlog"
)

// packetChild satisfies channel.Child, emitting null TS packets forever.
type packetChild struct {
	pr      *io.PipeReader
	pw      *io.PipeWriter
	done    chan struct{}
	once    sync.Once
	first   atomic.Bool
	lastOut atomic.Int64
}

func newPacketChild() *packetChild {
	pr, pw := io.Pipe()
	c := &packetChild{pr: pr, pw: pw, done: make(chan struct{})}
	go func() {
		pkt := mpegts.NullPacket()
		for {
			select {
			case <-c.done:
				return
			case <-time.After(20 * time.Millisecond):
				if _, err := pw.Write(pkt); err != nil {
					return
				}
			}
		}
	}()
	return c
}

func (c *packetChild) Stdout() io.ReadCloser { return c.pr }
func (c *packetChild) NoteOutput(n int) {
	if n > 0 {
		c.first.Store(true)
		c.lastOut.Store(time.Now().UnixNano())
	}
}
func (c *packetChild) FirstByteSeen() bool { return c.first.Load() }
func (c *packetChild) SinceLastOutput() time.Duration {
	ns := c.lastOut.Load()
	if ns == 0 {
		return 0
	}
	return time.Since(time.Unix(0, ns))
}
func (c *packetChild) Done() <-chan struct{} { return c.done }
func (c *packetChild) ExitErr() error        { return nil }
func (c *packetChild) PID() int              { return 4242 }
func (c *packetChild) stop() {
	c.once.Do(func() {
		_ = c.pw.Close()
		close(c.done)
	})
}

type packetProcs struct{}

func (packetProcs) Spawn(context.Context, ffmpeg.SpawnRequest) (channel.Child, error) {
	return newPacketChild(), nil
}

func (packetProcs) Stop(c channel.Child) {
	if pc, ok := c.(*packetChild); ok {
		pc.stop()
	}
}

type passResolver struct{}

func (passResolver) Resolve(_ context.Context, m catalog.MediaItem) (string, error) {
	return m.URL, nil
}

func newTestServer(t *testing.T) (*Server, *store.Store, *httptest.Server) {
	t.Helper()
	st, err := store.Open(t.TempDir() + "/tuner.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cfg := config.Default()
	cfg.HDHomeRun.DeviceID = "EXSTEST1"
	cfg.HDHomeRun.FriendlyName = "EXStreamTV Test"
	cfg.HDHomeRun.TunerCount = 3

	log := xlog.Nop()
	m := metrics.New()
	builder := timeline.New(st, log)

	mgrCtx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	chMgr := channel.NewManager(mgrCtx, st, channel.Config{
		BufferPackets:        64,
		StartupTimeout:       2 * time.Second,
		StallTimeout:         time.Second,
		PositionSaveInterval: time.Hour,
	}, channel.Deps{
		Store:    st,
		Builder:  builder,
		Resolver: passResolver{},
		Procs:    packetProcs{},
		Clock:    clock.System{},
		Log:      log,
		Metrics:  m,
	})
	t.Cleanup(chMgr.Shutdown)

	sessions := session.NewManager(session.Config{MaxSessionsPerChannel: 4}, clock.System{}, log, m, chMgr)

	srv := &Server{
		Config:   cfg,
		Store:    st,
		Channels: chMgr,
		Sessions: sessions,
		EPG:      epg.New(st, builder, clock.System{}, log, 2*time.Hour),
		Metrics:  m.Handler(),
		Log:      log,
	}
	hs := httptest.NewServer(srv.Routes())
	t.Cleanup(hs.Close)
	return srv, st, hs
}

func seedChannel(t *testing.T, st *store.Store, number, name string) catalog.Channel {
	t.Helper()
	ctx := context.Background()
	id, err := st.PutMediaItem(ctx, catalog.MediaItem{
		Source: catalog.SourceLocal, SourceID: "m", Title: "Movie",
		URL: "/m.mkv", DurationSeconds: 3600,
	})
	require.NoError(t, err)
	collID, err := st.PutCollection(ctx, "c", "manual", "")
	require.NoError(t, err)
	require.NoError(t, st.AddCollectionItem(ctx, collID, id, 0))
	schedID, err := st.PutSchedule(ctx, catalog.Schedule{Name: "s", Items: []catalog.ScheduleItem{{
		Collection: catalog.CollectionPlaylist, CollectionID: collID,
		Mode: catalog.PlaybackFlood, Order: catalog.OrderChronological,
	}}})
	require.NoError(t, err)
	chID, err := st.UpsertChannel(ctx, catalog.Channel{
		Number: number, Name: name, Group: "Test", Enabled: true,
		Mode: catalog.PlayoutContinuous, ScheduleID: schedID, StopOnIdle: true,
	})
	require.NoError(t, err)
	_, err = st.EnsurePlayout(ctx, chID, schedID)
	require.NoError(t, err)
	ch, err := st.GetChannel(ctx, chID)
	require.NoError(t, err)
	return ch
}

func TestDiscoverShape(t *testing.T) {
	_, _, hs := newTestServer(t)
	resp, err := http.Get(hs.URL + "/discover.json")
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	for _, key := range []string{
		"FriendlyName", "ModelNumber", "FirmwareName", "FirmwareVersion",
		"DeviceID", "DeviceAuth", "BaseURL", "LineupURL", "GuideURL", "TunerCount",
	} {
		require.Contains(t, out, key)
	}
	require.Equal(t, "EXSTEST1", out["DeviceID"])
	require.EqualValues(t, 3, out["TunerCount"])
	require.Contains(t, out["LineupURL"], "/lineup.json")
	require.Contains(t, out["GuideURL"], "/iptv/xmltv.xml")
}

func TestLineupStripsNumberPrefix(t *testing.T) {
	_, st, hs := newTestServer(t)
	seedChannel(t, st, "7", "7 News")

	resp, err := http.Get(hs.URL + "/lineup.json")
	require.NoError(t, err)
	defer resp.Body.Close()

	var out []lineupEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out, 1)
	require.Equal(t, "7", out[0].GuideNumber)
	require.Equal(t, "News", out[0].GuideName)
	require.Contains(t, out[0].URL, "/auto/v7")
	require.Equal(t, 1, out[0].HD)
}

func TestLineupStatus(t *testing.T) {
	_, _, hs := newTestServer(t)
	resp, err := http.Get(hs.URL + "/lineup_status.json")
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.EqualValues(t, 0, out["ScanInProgress"])
	require.EqualValues(t, 1, out["ScanPossible"])
}

func TestM3UPlaylist(t *testing.T) {
	_, st, hs := newTestServer(t)
	seedChannel(t, st, "42", "Movies Forever")

	resp, err := http.Get(hs.URL + "/iptv/playlist.m3u")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	m3u := string(body)

	require.Contains(t, m3u, "#EXTM3U")
	require.Contains(t, m3u, `tvg-id="42"`)
	require.Contains(t, m3u, `tvg-name="Movies Forever"`)
	require.Contains(t, m3u, `group-title="Test"`)
	require.Contains(t, m3u, "/iptv/channel/42.ts")
}

func TestUnknownChannel404(t *testing.T) {
	_, _, hs := newTestServer(t)
	for _, path := range []string{"/auto/v999", "/iptv/channel/999.ts", "/iptv/channel/999.m3u8"} {
		resp, err := http.Get(hs.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}

func TestVariantPlaylistPointsAtTS(t *testing.T) {
	_, st, hs := newTestServer(t)
	seedChannel(t, st, "5", "Five")

	resp, err := http.Get(hs.URL + "/iptv/channel/5.m3u8")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	require.Contains(t, string(body), "/iptv/channel/5.ts")
}

func TestStreamEndpointDeliversTS(t *testing.T) {
	_, st, hs := newTestServer(t)
	seedChannel(t, st, "100", "Hundred")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hs.URL+"/iptv/channel/100.ts", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "video/mp2t", resp.Header.Get("Content-Type"))
	require.Contains(t, resp.Header.Get("Cache-Control"), "no-cache")
	require.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	buf := make([]byte, 4096)
	n, err := io.ReadAtLeast(resp.Body, buf, mpegts.PacketSize)
	require.NoError(t, err)
	require.True(t, mpegts.ValidStart(buf[:n]), "first chunk must contain a valid sync pattern")
}

func TestEPGEndpoint(t *testing.T) {
	_, st, hs := newTestServer(t)
	seedChannel(t, st, "100", "Hundred")

	for _, path := range []string{"/iptv/xmltv.xml", "/hdhomerun/epg"} {
		resp, err := http.Get(hs.URL + path)
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Contains(t, resp.Header.Get("Content-Type"), "application/xml")
		require.Contains(t, string(body), `<channel id="100">`)
		require.Contains(t, string(body), `<title lang="en">Movie</title>`)
	}
}

func TestHealthz(t *testing.T) {
	_, _, hs := newTestServer(t)
	resp, err := http.Get(hs.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, "ok", out["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	_, _, hs := newTestServer(t)
	resp, err := http.Get(hs.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	require.Contains(t, string(body), "ffmpeg_processes_active")
}
