package resolver

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/exstreamtv/exstreamtv/internal/httpclient"
)

// PlexClient mints direct-part URLs from a Plex Media Server.
type PlexClient struct {
	BaseURL string
	Token   string
	Client  *http.Client
	Log     zerolog.Logger

	// URLTTL is how long a minted URL is trusted before re-minting (Plex part
	// paths are stable but tokens and part ids churn on library refresh).
	URLTTL time.Duration
}

type plexMediaContainer struct {
	Videos []struct {
		Media []struct {
			Parts []struct {
				Key string `xml:"key,attr"`
			} `xml:"Part"`
		} `xml:"Media"`
	} `xml:"Video"`
}

// PlayableURL asks the server for the item's first media part and returns a
// tokenised direct URL.
func (p *PlexClient) PlayableURL(ctx context.Context, sourceID string) (string, time.Time, error) {
	base := strings.TrimSuffix(p.BaseURL, "/")
	reqURL := fmt.Sprintf("%s/library/metadata/%s?X-Plex-Token=%s", base, url.PathEscape(sourceID), url.QueryEscape(p.Token))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Accept", "application/xml")

	resp, err := httpclient.DoWithRetry(ctx, p.Client, req, httpclient.MediaServerRetryPolicy, p.Log)
	if err != nil {
		return "", time.Time{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, fmt.Errorf("plex metadata: HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", time.Time{}, err
	}
	var mc plexMediaContainer
	if err := xml.Unmarshal(body, &mc); err != nil {
		return "", time.Time{}, fmt.Errorf("plex metadata parse: %w", err)
	}
	if len(mc.Videos) == 0 || len(mc.Videos[0].Media) == 0 || len(mc.Videos[0].Media[0].Parts) == 0 {
		return "", time.Time{}, fmt.Errorf("plex item %s has no playable part", sourceID)
	}

	key := mc.Videos[0].Media[0].Parts[0].Key
	ttl := p.URLTTL
	if ttl <= 0 {
		ttl = 4 * time.Hour
	}
	direct := fmt.Sprintf("%s%s?X-Plex-Token=%s", base, key, url.QueryEscape(p.Token))
	return direct, time.Now().UTC().Add(ttl), nil
}
