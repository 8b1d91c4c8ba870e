package session

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/exstreamtv/exstreamtv/internal/clock"
	"github.com/exstreamtv/exstreamtv/internal/metrics"
	"github.com/exstreamtv/exstreamtv/internal/ringbuf"
	"github.com/exstreamtv/exstreamtv/internal/xlog"
)

type stopRecorder struct {
	stopped atomic.Int64
	last    atomic.Int64
}

func (s *stopRecorder) StopChannel(id int64) {
	s.stopped.Add(1)
	s.last.Store(id)
}

func newTestManager(t *testing.T, clk clock.Clock, control ChannelControl) *Manager {
	t.Helper()
	return NewManager(Config{
		MaxSessionsPerChannel: 2,
		IdleTimeout:           30 * time.Second,
		ChannelIdleGrace:      5 * time.Second,
	}, clk, xlog.Nop(), metrics.New(), control)
}

func TestOpenCloseLifecycle(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	m := newTestManager(t, clk, nil)
	ring := ringbuf.New(1024)

	s, err := m.Open(1, "100", true, ring.NewReader())
	require.NoError(t, err)
	require.NotEmpty(t, s.ID)
	require.Equal(t, 1, m.Count(1))

	m.Close(s, CloseClientGone)
	require.Equal(t, 0, m.Count(1))
	require.Equal(t, CloseClientGone, s.Reason())

	select {
	case <-s.Done():
	default:
		t.Fatal("Done should be closed")
	}
}

func TestMaxSessionsPerChannel(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	m := newTestManager(t, clk, nil)
	ring := ringbuf.New(1024)

	_, err := m.Open(1, "100", true, ring.NewReader())
	require.NoError(t, err)
	_, err = m.Open(1, "100", true, ring.NewReader())
	require.NoError(t, err)
	_, err = m.Open(1, "100", true, ring.NewReader())
	require.ErrorIs(t, err, ErrChannelFull)
	require.Equal(t, 2, m.Count(1))
}

func TestSessionReadsBytes(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	m := newTestManager(t, clk, nil)
	ring := ringbuf.New(1024)

	s, err := m.Open(1, "100", true, ring.NewReader())
	require.NoError(t, err)

	_, err = ring.Write([]byte("payload"))
	require.NoError(t, err)

	before := s.LastRead()
	clk.Advance(time.Second)
	buf := make([]byte, 16)
	n, err := s.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "payload", string(buf[:n]))
	require.True(t, s.LastRead().After(before))
}

func TestIdleSessionsSwept(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	m := newTestManager(t, clk, nil)
	ring := ringbuf.New(1024)

	s, err := m.Open(1, "100", true, ring.NewReader())
	require.NoError(t, err)

	clk.Advance(31 * time.Second)
	m.sweep()
	require.Equal(t, 0, m.Count(1))
	<-s.Done()
	require.Equal(t, CloseIdle, s.Reason())
}

func TestIdleChannelStoppedAfterGrace(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	rec := &stopRecorder{}
	m := newTestManager(t, clk, rec)
	ring := ringbuf.New(1024)

	s, err := m.Open(7, "700", true, ring.NewReader())
	require.NoError(t, err)
	m.Close(s, CloseClientGone)

	// Grace not yet elapsed.
	clk.Advance(2 * time.Second)
	m.sweep()
	require.EqualValues(t, 0, rec.stopped.Load())

	clk.Advance(4 * time.Second)
	m.sweep()
	require.EqualValues(t, 1, rec.stopped.Load())
	require.EqualValues(t, 7, rec.last.Load())
}

func TestHotChannelNeverStopped(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	rec := &stopRecorder{}
	m := newTestManager(t, clk, rec)
	ring := ringbuf.New(1024)

	s, err := m.Open(8, "800", false, ring.NewReader())
	require.NoError(t, err)
	m.Close(s, CloseClientGone)

	clk.Advance(time.Hour)
	m.sweep()
	require.EqualValues(t, 0, rec.stopped.Load())
}

func TestResubscribeCancelsPendingStop(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	rec := &stopRecorder{}
	m := newTestManager(t, clk, rec)
	ring := ringbuf.New(1024)

	s, err := m.Open(9, "900", true, ring.NewReader())
	require.NoError(t, err)
	m.Close(s, CloseClientGone)

	clk.Advance(3 * time.Second)
	_, err = m.Open(9, "900", true, ring.NewReader())
	require.NoError(t, err)

	clk.Advance(time.Hour) // subscriber present, only idle-session close applies
	m.sweep()
	require.EqualValues(t, 0, rec.stopped.Load())
}

func TestCloseAll(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	m := newTestManager(t, clk, nil)
	ring := ringbuf.New(1024)

	s1, _ := m.Open(1, "100", true, ring.NewReader())
	s2, _ := m.Open(1, "100", true, ring.NewReader())
	m.CloseAll(1, CloseChannelStopped)
	require.Equal(t, 0, m.Count(1))
	require.Equal(t, CloseChannelStopped, s1.Reason())
	require.Equal(t, CloseChannelStopped, s2.Reason())
}
