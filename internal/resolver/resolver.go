// Package resolver turns logical media references into concrete URLs or
// local paths that FFmpeg can open. Server-library sources (Plex, Jellyfin,
// Emby) mint short-lived URLs through their API clients; everything else
// passes through.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/exstreamtv/exstreamtv/internal/catalog"
	"github.com/exstreamtv/exstreamtv/internal/clock"
)

// ErrNoClient is returned when a media item needs a media-server client that
// is not configured.
var ErrNoClient = errors.New("resolver: no client configured for source")

// MediaServerClient mints a playable URL for one item of its library.
type MediaServerClient interface {
	// PlayableURL returns a URL valid for at least a few minutes and the time
	// it should be considered stale (zero = never).
	PlayableURL(ctx context.Context, sourceID string) (url string, expires time.Time, err error)
}

type cached struct {
	url     string
	expires time.Time
}

// Resolver resolves and caches per-media URLs.
type Resolver struct {
	clock   clock.Clock
	log     zerolog.Logger
	clients map[catalog.MediaSource]MediaServerClient

	mu    sync.Mutex
	cache map[int64]cached
}

// New builds a resolver. clients may be nil or partial; sources without a
// client fail with ErrNoClient.
func New(clk clock.Clock, log zerolog.Logger, clients map[catalog.MediaSource]MediaServerClient) *Resolver {
	if clk == nil {
		clk = clock.System{}
	}
	return &Resolver{
		clock:   clk,
		log:     log.With().Str("component", "resolver").Logger(),
		clients: clients,
		cache:   make(map[int64]cached),
	}
}

// Resolve returns a currently-valid URL or path for the media item.
func (r *Resolver) Resolve(ctx context.Context, m catalog.MediaItem) (string, error) {
	if !m.Source.ServerLibrary() {
		if m.URL == "" {
			return "", fmt.Errorf("media %d (%s) has no URL", m.ID, m.Source)
		}
		return m.URL, nil
	}

	now := r.clock.Now()
	r.mu.Lock()
	if c, ok := r.cache[m.ID]; ok && (c.expires.IsZero() || now.Before(c.expires)) {
		r.mu.Unlock()
		return c.url, nil
	}
	r.mu.Unlock()

	return r.refresh(ctx, m)
}

// Refresh drops the cached URL and mints a fresh one; the self-healing loop
// calls this when FFmpeg reports an expired upstream.
func (r *Resolver) Refresh(ctx context.Context, m catalog.MediaItem) (string, error) {
	r.mu.Lock()
	delete(r.cache, m.ID)
	r.mu.Unlock()
	if !m.Source.ServerLibrary() {
		return r.Resolve(ctx, m)
	}
	return r.refresh(ctx, m)
}

func (r *Resolver) refresh(ctx context.Context, m catalog.MediaItem) (string, error) {
	client, ok := r.clients[m.Source]
	if !ok || client == nil {
		return "", fmt.Errorf("%w: %s", ErrNoClient, m.Source)
	}
	url, expires, err := client.PlayableURL(ctx, m.SourceID)
	if err != nil {
		return "", fmt.Errorf("resolve %s item %s: %w", m.Source, m.SourceID, err)
	}
	r.mu.Lock()
	r.cache[m.ID] = cached{url: url, expires: expires}
	r.mu.Unlock()
	r.log.Debug().Int64("media", m.ID).Str("source", string(m.Source)).Msg("minted playable url")
	return url, nil
}

// Invalidate drops one cache entry without re-minting.
func (r *Resolver) Invalidate(mediaID int64) {
	r.mu.Lock()
	delete(r.cache, mediaID)
	r.mu.Unlock()
}
