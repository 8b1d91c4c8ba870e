package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/exstreamtv/exstreamtv/internal/catalog"
)

// ErrChannelNotFound is returned for unknown or disabled guide numbers.
var ErrChannelNotFound = errors.New("channel: not found")

// Directory resolves guide numbers to channel definitions. *store.Store
// satisfies it.
type Directory interface {
	GetChannelByNumber(ctx context.Context, number string) (catalog.Channel, error)
	GetChannel(ctx context.Context, id int64) (catalog.Channel, error)
}

// Manager is the registry of running streams, one per channel.
type Manager struct {
	dir  Directory
	cfg  Config
	deps Deps
	log  zerolog.Logger

	mu      sync.Mutex
	streams map[int64]*Stream
	locks   map[int64]*sync.Mutex // serializes create/stop per channel
	root    context.Context
	cancel  context.CancelFunc
}

// NewManager builds the registry. root bounds the lifetime of every stream.
func NewManager(root context.Context, dir Directory, cfg Config, deps Deps) *Manager {
	cfg.fillDefaults()
	ctx, cancel := context.WithCancel(root)
	return &Manager{
		dir:     dir,
		cfg:     cfg,
		deps:    deps,
		log:     deps.Log.With().Str("component", "channels").Logger(),
		streams: make(map[int64]*Stream),
		locks:   make(map[int64]*sync.Mutex),
		root:    ctx,
		cancel:  cancel,
	}
}

func (m *Manager) lockFor(id int64) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// GetStream returns the running stream for a guide number, starting one when
// needed. Creation is serialized per channel so there is never more than one
// stream per channel.
func (m *Manager) GetStream(ctx context.Context, number string) (*Stream, error) {
	ch, err := m.dir.GetChannelByNumber(ctx, number)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, number)
	}
	if !ch.Enabled {
		return nil, fmt.Errorf("%w: %s (disabled)", ErrChannelNotFound, number)
	}
	return m.getOrStart(ch)
}

func (m *Manager) getOrStart(ch catalog.Channel) (*Stream, error) {
	l := m.lockFor(ch.ID)
	l.Lock()
	defer l.Unlock()

	m.mu.Lock()
	existing := m.streams[ch.ID]
	m.mu.Unlock()

	if existing != nil {
		switch existing.State() {
		case StateStopped, StateFailed:
			// Replace a dead stream.
		default:
			return existing, nil
		}
	}

	if m.root.Err() != nil {
		return nil, m.root.Err()
	}

	s := NewStream(ch, m.cfg, m.deps)
	s.Start(m.root)
	m.mu.Lock()
	m.streams[ch.ID] = s
	m.mu.Unlock()
	m.log.Info().Str("channel", ch.Number).Str("mode", string(ch.Mode)).Msg("channel stream started")
	return s, nil
}

// Get returns the running stream for a channel id, if any.
func (m *Manager) Get(channelID int64) (*Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[channelID]
	return s, ok
}

// StopChannel tears one stream down and waits for its FFmpeg children to be
// gone. Satisfies session.ChannelControl.
func (m *Manager) StopChannel(channelID int64) {
	l := m.lockFor(channelID)
	l.Lock()
	defer l.Unlock()

	m.mu.Lock()
	s := m.streams[channelID]
	delete(m.streams, channelID)
	m.mu.Unlock()
	if s == nil {
		return
	}
	s.Stop()
	m.log.Info().Str("channel", s.Channel().Number).Msg("channel stream torn down")
}

// RestartChannel stops and relaunches a channel (self-heal RESTART).
func (m *Manager) RestartChannel(channelID int64) error {
	ch, err := m.dir.GetChannel(context.Background(), channelID)
	if err != nil {
		return err
	}
	m.StopChannel(channelID)
	_, err = m.getOrStart(ch)
	return err
}

// PreWarm eagerly starts the given guide numbers in parallel so boot time
// does not scale with the warm set.
func (m *Manager) PreWarm(ctx context.Context, numbers []string) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, n := range numbers {
		number := n
		g.Go(func() error {
			if _, err := m.GetStream(gctx, number); err != nil {
				m.log.Warn().Err(err).Str("channel", number).Msg("pre-warm failed")
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Snapshot returns the running streams.
func (m *Manager) Snapshot() []*Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		out = append(out, s)
	}
	return out
}

// Shutdown stops every stream and blocks until they have exited.
func (m *Manager) Shutdown() {
	m.cancel()
	m.mu.Lock()
	streams := make([]*Stream, 0, len(m.streams))
	for id, s := range m.streams {
		streams = append(streams, s)
		delete(m.streams, id)
	}
	m.mu.Unlock()
	for _, s := range streams {
		<-s.Done()
	}
}
