// Package httpclient holds the HTTP clients and retry policy used when
// talking to media servers (Plex, Jellyfin, Emby) and remote media URLs.
package httpclient

import (
	"net/http"
	"time"
)

// Default returns a client with timeouts so a dead media server cannot hang a
// timeline build or URL resolution forever.
func Default() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			ResponseHeaderTimeout: 15 * time.Second,
			ExpectContinueTimeout: 5 * time.Second,
			IdleConnTimeout:       30 * time.Second,
		},
	}
}

// ForProbing returns a short-timeout client for HEAD/range probes of media
// URLs (used when validating a resolved URL before handing it to FFmpeg).
func ForProbing() *http.Client {
	return &http.Client{
		Timeout: 8 * time.Second,
		Transport: &http.Transport{
			ResponseHeaderTimeout: 5 * time.Second,
			IdleConnTimeout:       30 * time.Second,
		},
	}
}
