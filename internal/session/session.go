// Package session tracks client subscriptions to channel streams: per-channel
// caps, idle sweeping, and the grace period after the last subscriber leaves
// before the channel is asked to stop.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/exstreamtv/exstreamtv/internal/clock"
	"github.com/exstreamtv/exstreamtv/internal/metrics"
	"github.com/exstreamtv/exstreamtv/internal/ringbuf"
)

// ErrChannelFull is returned when a channel already has its maximum sessions.
var ErrChannelFull = errors.New("session: channel at max sessions")

// CloseReason says why a session ended.
type CloseReason string

const (
	CloseClientGone     CloseReason = "client_disconnect"
	CloseIdle           CloseReason = "idle"
	CloseSlowReader     CloseReason = "slow_reader"
	CloseChannelStopped CloseReason = "channel_stopped"
	CloseShutdown       CloseReason = "shutdown"
)

// ChannelControl is the one capability the sweeper needs from the channel
// layer: asking an idle channel to stop.
type ChannelControl interface {
	StopChannel(channelID int64)
}

// Session is one subscriber reading one channel stream.
type Session struct {
	ID        string
	ChannelID int64
	Number    string
	CreatedAt time.Time

	clk      clock.Clock
	reader   *ringbuf.Reader
	lastRead atomic.Int64 // unix nanos

	closeOnce sync.Once
	closed    chan struct{}
	reason    CloseReason
}

// Read pulls bytes for the client and stamps read activity. A dropped reader
// surfaces as ringbuf.ErrSlowReader; the caller closes the HTTP connection.
func (s *Session) Read(p []byte) (int, error) {
	select {
	case <-s.closed:
		return 0, io.EOF
	default:
	}
	n, err := s.reader.Read(p)
	if n > 0 {
		s.lastRead.Store(s.clk.Now().UnixNano())
	}
	return n, err
}

// LastRead returns the time of the last successful read.
func (s *Session) LastRead() time.Time {
	return time.Unix(0, s.lastRead.Load())
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} { return s.closed }

// Reason reports why the session closed (valid after Done).
func (s *Session) Reason() CloseReason { return s.reason }

func (s *Session) close(reason CloseReason) {
	s.closeOnce.Do(func() {
		s.reason = reason
		_ = s.reader.Close()
		close(s.closed)
	})
}

// Config mirrors the session_manager configuration section.
type Config struct {
	MaxSessionsPerChannel int
	IdleTimeout           time.Duration
	ChannelIdleGrace      time.Duration
	SweepInterval         time.Duration
}

type channelSessions struct {
	number     string
	stopOnIdle bool
	sessions   map[string]*Session
	emptySince time.Time // zero while subscribers exist
}

// Manager owns every session in the process.
type Manager struct {
	cfg     Config
	clock   clock.Clock
	log     zerolog.Logger
	metrics *metrics.Metrics
	control ChannelControl

	mu       sync.Mutex
	channels map[int64]*channelSessions
}

// NewManager builds the manager. control may be nil in tests.
func NewManager(cfg Config, clk clock.Clock, log zerolog.Logger, m *metrics.Metrics, control ChannelControl) *Manager {
	if clk == nil {
		clk = clock.System{}
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	if cfg.ChannelIdleGrace <= 0 {
		cfg.ChannelIdleGrace = 5 * time.Second
	}
	if cfg.MaxSessionsPerChannel <= 0 {
		cfg.MaxSessionsPerChannel = 16
	}
	return &Manager{
		cfg:      cfg,
		clock:    clk,
		log:      log.With().Str("component", "sessions").Logger(),
		metrics:  m,
		control:  control,
		channels: make(map[int64]*channelSessions),
	}
}

// Open registers a new session reading from reader. stopOnIdle records
// whether the channel may be stopped once its last subscriber leaves.
func (m *Manager) Open(channelID int64, number string, stopOnIdle bool, reader *ringbuf.Reader) (*Session, error) {
	m.mu.Lock()
	cs, ok := m.channels[channelID]
	if !ok {
		cs = &channelSessions{number: number, sessions: make(map[string]*Session)}
		m.channels[channelID] = cs
	}
	cs.number = number
	cs.stopOnIdle = stopOnIdle
	if len(cs.sessions) >= m.cfg.MaxSessionsPerChannel {
		m.mu.Unlock()
		_ = reader.Close()
		return nil, fmt.Errorf("%w: channel %s", ErrChannelFull, number)
	}

	s := &Session{
		ID:        uuid.NewString(),
		ChannelID: channelID,
		Number:    number,
		CreatedAt: m.clock.Now(),
		clk:       m.clock,
		reader:    reader,
		closed:    make(chan struct{}),
	}
	s.lastRead.Store(m.clock.Now().UnixNano())
	cs.sessions[s.ID] = s
	cs.emptySince = time.Time{}
	count := len(cs.sessions)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SessionsOpened.Inc()
		m.metrics.ChannelSubscribers.WithLabelValues(number).Set(float64(count))
	}
	m.log.Info().Str("session", s.ID).Str("channel", number).Int("subscribers", count).Msg("session opened")
	return s, nil
}

// Close ends one session.
func (m *Manager) Close(s *Session, reason CloseReason) {
	if s == nil {
		return
	}
	s.close(reason)

	m.mu.Lock()
	count := -1
	if cs, ok := m.channels[s.ChannelID]; ok {
		if _, present := cs.sessions[s.ID]; present {
			delete(cs.sessions, s.ID)
			count = len(cs.sessions)
			if count == 0 {
				cs.emptySince = m.clock.Now()
			}
		}
	}
	m.mu.Unlock()
	if count < 0 {
		return
	}

	if m.metrics != nil {
		m.metrics.SessionsClosed.WithLabelValues(string(reason)).Inc()
		m.metrics.ChannelSubscribers.WithLabelValues(s.Number).Set(float64(count))
	}
	m.log.Info().Str("session", s.ID).Str("channel", s.Number).Str("reason", string(reason)).
		Int("subscribers", count).Msg("session closed")
}

// CloseAll ends every session on a channel (channel teardown).
func (m *Manager) CloseAll(channelID int64, reason CloseReason) {
	m.mu.Lock()
	var victims []*Session
	if cs, ok := m.channels[channelID]; ok {
		for _, s := range cs.sessions {
			victims = append(victims, s)
		}
	}
	m.mu.Unlock()
	for _, s := range victims {
		m.Close(s, reason)
	}
}

// Count returns the number of active sessions on a channel.
func (m *Manager) Count(channelID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cs, ok := m.channels[channelID]; ok {
		return len(cs.sessions)
	}
	return 0
}

// Serve runs the sweeper until ctx ends. Satisfies suture.Service.
func (m *Manager) Serve(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep closes idle sessions and requests stop for channels whose grace
// period elapsed with no subscribers.
func (m *Manager) sweep() {
	now := m.clock.Now()

	m.mu.Lock()
	var idle []*Session
	var stops []int64
	for chID, cs := range m.channels {
		for _, s := range cs.sessions {
			if now.Sub(s.LastRead()) > m.cfg.IdleTimeout {
				idle = append(idle, s)
			}
		}
		if len(cs.sessions) == 0 && cs.stopOnIdle && !cs.emptySince.IsZero() &&
			now.Sub(cs.emptySince) > m.cfg.ChannelIdleGrace {
			stops = append(stops, chID)
			delete(m.channels, chID)
		}
	}
	m.mu.Unlock()

	for _, s := range idle {
		m.Close(s, CloseIdle)
	}
	for _, chID := range stops {
		m.log.Info().Int64("channel", chID).Msg("idle grace elapsed, stopping channel")
		if m.control != nil {
			m.control.StopChannel(chID)
		}
	}
}
