package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/exstreamtv/exstreamtv/internal/channel"
	"github.com/exstreamtv/exstreamtv/internal/resolver"
	"github.com/exstreamtv/exstreamtv/internal/store"
)

// healController wires the self-heal strategies onto the channel manager and
// resolver.
type healController struct {
	channels *channel.Manager
	resolver *resolver.Resolver
	store    *store.Store
	log      zerolog.Logger
}

func (h *healController) Restart(_ context.Context, channelID int64) error {
	return h.channels.RestartChannel(channelID)
}

// Refresh re-mints the URL of whatever the channel is transmitting, then
// restarts the pipeline so FFmpeg picks the fresh URL up.
func (h *healController) Refresh(ctx context.Context, channelID int64) error {
	stream, ok := h.channels.Get(channelID)
	if !ok {
		return fmt.Errorf("channel %d not running", channelID)
	}
	item, _ := stream.Position()
	if item.MediaID != 0 {
		media, err := h.store.GetMediaItem(ctx, item.MediaID)
		if err == nil {
			if _, err := h.resolver.Refresh(ctx, media); err != nil {
				h.log.Warn().Err(err).Int64("media", media.ID).Msg("url refresh failed, restarting anyway")
			}
		}
	}
	return h.channels.RestartChannel(channelID)
}

// Reduce restarts the channel. The channel's profile, hardware acceleration
// included, is left unchanged.
func (h *healController) Reduce(_ context.Context, channelID int64) error {
	return h.channels.RestartChannel(channelID)
}

func (h *healController) Escalate(channelID int64, issue string) {
	h.log.Error().Int64("channel", channelID).Str("issue", issue).
		Msg("self-heal escalation: operator attention required")
}
