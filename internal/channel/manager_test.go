package channel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/exstreamtv/exstreamtv/internal/catalog"
	"github.com/exstreamtv/exstreamtv/internal/clock"
	"github.com/exstreamtv/exstreamtv/internal/metrics"
	"github.com/exstreamtv/exstreamtv/internal/xlog"
)

type fakeDir struct {
	channels map[string]catalog.Channel
}

func (d *fakeDir) GetChannelByNumber(_ context.Context, number string) (catalog.Channel, error) {
	if ch, ok := d.channels[number]; ok {
		return ch, nil
	}
	return catalog.Channel{}, ErrChannelNotFound
}

func (d *fakeDir) GetChannel(_ context.Context, id int64) (catalog.Channel, error) {
	for _, ch := range d.channels {
		if ch.ID == id {
			return ch, nil
		}
	}
	return catalog.Channel{}, ErrChannelNotFound
}

func newTestManager(t *testing.T) (*Manager, *fakeProcs, *fakeStore) {
	t.Helper()
	st := &fakeStore{}
	st.items, st.media = itemsCovering(1, time.Now().Add(-time.Second), time.Hour)
	procs := &fakeProcs{behaviors: []behavior{steadyProducer(20 * time.Millisecond)}}
	dir := &fakeDir{channels: map[string]catalog.Channel{
		"100": testChannel(),
		"200": {ID: 2, Number: "200", Name: "Off", Enabled: false, Mode: catalog.PlayoutContinuous},
	}}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	m := NewManager(ctx, dir, testConfig(), Deps{
		Store: st, Resolver: fakeResolver{}, Procs: procs,
		Clock: clock.System{}, Log: xlog.Nop(), Metrics: metrics.New(),
	})
	t.Cleanup(m.Shutdown)
	return m, procs, st
}

func TestGetStreamSingleOwner(t *testing.T) {
	m, _, _ := newTestManager(t)

	s1, err := m.GetStream(context.Background(), "100")
	require.NoError(t, err)
	s2, err := m.GetStream(context.Background(), "100")
	require.NoError(t, err)
	require.Same(t, s1, s2, "one channel must have exactly one stream")
}

func TestGetStreamUnknownOrDisabled(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.GetStream(context.Background(), "999")
	require.ErrorIs(t, err, ErrChannelNotFound)

	_, err = m.GetStream(context.Background(), "200")
	require.ErrorIs(t, err, ErrChannelNotFound)
}

func TestStopChannelTearsDown(t *testing.T) {
	m, _, _ := newTestManager(t)

	s, err := m.GetStream(context.Background(), "100")
	require.NoError(t, err)
	waitState(t, s, StateRunning, 3*time.Second)

	m.StopChannel(s.Channel().ID)
	require.Equal(t, StateStopped, s.State())
	_, ok := m.Get(s.Channel().ID)
	require.False(t, ok)
}

func TestGetStreamReplacesDeadStream(t *testing.T) {
	m, _, _ := newTestManager(t)

	s1, err := m.GetStream(context.Background(), "100")
	require.NoError(t, err)
	waitState(t, s1, StateRunning, 3*time.Second)
	s1.Stop()

	s2, err := m.GetStream(context.Background(), "100")
	require.NoError(t, err)
	require.NotSame(t, s1, s2, "a stopped stream must be replaced")
}

func TestPreWarmStartsChannels(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.PreWarm(context.Background(), []string{"100", "999"})
	require.Len(t, m.Snapshot(), 1)
}
