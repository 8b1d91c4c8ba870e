package resolver

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/exstreamtv/exstreamtv/internal/httpclient"
)

// JellyfinClient mints static stream URLs from a Jellyfin server. Emby speaks
// the same surface; use NewEmbyClient for the right header spelling.
type JellyfinClient struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
	Log     zerolog.Logger

	authHeader string
	URLTTL     time.Duration
}

// NewJellyfinClient builds a client for a Jellyfin server.
func NewJellyfinClient(baseURL, apiKey string, client *http.Client, log zerolog.Logger) *JellyfinClient {
	return &JellyfinClient{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		Client:     client,
		Log:        log,
		authHeader: "MediaBrowser Token=\"" + apiKey + "\"",
	}
}

// NewEmbyClient builds a client for an Emby server.
func NewEmbyClient(baseURL, apiKey string, client *http.Client, log zerolog.Logger) *JellyfinClient {
	c := NewJellyfinClient(baseURL, apiKey, client, log)
	c.authHeader = "Emby Token=\"" + apiKey + "\""
	return c
}

// PlayableURL verifies the item exists and returns the static stream URL.
// Jellyfin direct-stream URLs carry the api key, so they stay valid until the
// key is rotated; a TTL still forces periodic re-validation.
func (j *JellyfinClient) PlayableURL(ctx context.Context, sourceID string) (string, time.Time, error) {
	base := strings.TrimSuffix(j.BaseURL, "/")

	checkURL := fmt.Sprintf("%s/Items/%s/PlaybackInfo?api_key=%s", base, url.PathEscape(sourceID), url.QueryEscape(j.APIKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, checkURL, nil)
	if err != nil {
		return "", time.Time{}, err
	}
	if j.authHeader != "" {
		req.Header.Set("Authorization", j.authHeader)
	}
	resp, err := httpclient.DoWithRetry(ctx, j.Client, req, httpclient.MediaServerRetryPolicy, j.Log)
	if err != nil {
		return "", time.Time{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, fmt.Errorf("jellyfin playback info: HTTP %d", resp.StatusCode)
	}

	ttl := j.URLTTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	stream := fmt.Sprintf("%s/Videos/%s/stream?static=true&api_key=%s", base, url.PathEscape(sourceID), url.QueryEscape(j.APIKey))
	return stream, time.Now().UTC().Add(ttl), nil
}
