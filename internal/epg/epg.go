// Package epg projects channel timelines into XMLTV guide documents. The
// projector materializes through the same anchors and timeline builder the
// playout engine consumes, so the guide is a contract with what actually
// transmits, not an estimate.
package epg

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/exstreamtv/exstreamtv/internal/catalog"
	"github.com/exstreamtv/exstreamtv/internal/clock"
	"github.com/exstreamtv/exstreamtv/internal/timeline"
)

// Store is the persistence surface the projector needs; *store.Store
// satisfies it.
type Store interface {
	ListEnabledChannels(ctx context.Context) ([]catalog.Channel, error)
	GetSchedule(ctx context.Context, id int64) (catalog.Schedule, error)
	GetAnchor(ctx context.Context, channelID int64) (catalog.PlayoutAnchor, bool, error)
	SaveBuild(ctx context.Context, anchor catalog.PlayoutAnchor, items []catalog.PlayoutItem) error
	ResetAnchor(ctx context.Context, anchor catalog.PlayoutAnchor) error
	ItemsBetween(ctx context.Context, channelID int64, from, to time.Time) ([]catalog.PlayoutItem, error)
	GetMediaItem(ctx context.Context, id int64) (catalog.MediaItem, error)
}

// Projector renders guide XML.
type Projector struct {
	store   Store
	builder *timeline.Builder
	clock   clock.Clock
	log     zerolog.Logger

	// Horizon is how far ahead the guide covers.
	Horizon time.Duration
	// Generator is the generator-info-name attribute.
	Generator string
}

// New builds a projector.
func New(st Store, builder *timeline.Builder, clk clock.Clock, log zerolog.Logger, horizon time.Duration) *Projector {
	if clk == nil {
		clk = clock.System{}
	}
	if horizon <= 0 {
		horizon = 48 * time.Hour
	}
	return &Projector{
		store:     st,
		builder:   builder,
		clock:     clk,
		log:       log.With().Str("component", "epg").Logger(),
		Horizon:   horizon,
		Generator: "EXStreamTV",
	}
}

// XMLTV renders the full guide. baseURL is used for channel icons when the
// stored icon is a relative path.
func (p *Projector) XMLTV(ctx context.Context, baseURL string) ([]byte, error) {
	channels, err := p.store.ListEnabledChannels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}

	now := p.clock.Now().Truncate(time.Second)
	horizonEnd := now.Add(p.Horizon)

	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	fmt.Fprintf(&b, "<tv generator-info-name=%q>\n", p.Generator)

	for _, ch := range channels {
		writeChannelElement(&b, ch, baseURL)
	}
	for _, ch := range channels {
		items, err := p.channelProgrammes(ctx, ch, now, horizonEnd)
		if err != nil {
			p.log.Warn().Err(err).Str("channel", ch.Number).Msg("guide projection failed")
			items = nil
		}
		if len(items) == 0 {
			writePlaceholderProgramme(&b, ch, now, horizonEnd)
			continue
		}
		for _, it := range items {
			p.writeProgramme(ctx, &b, ch, it)
		}
	}

	b.WriteString("</tv>\n")
	return []byte(b.String()), nil
}

// channelProgrammes extends materialization to the horizon and returns the
// items overlapping [now, horizonEnd).
func (p *Projector) channelProgrammes(ctx context.Context, ch catalog.Channel, now, horizonEnd time.Time) ([]catalog.PlayoutItem, error) {
	if ch.ScheduleID == 0 {
		return nil, nil
	}
	if err := p.extend(ctx, ch, now, horizonEnd); err != nil {
		return nil, err
	}
	return p.store.ItemsBetween(ctx, ch.ID, now, horizonEnd)
}

// extend builds timeline until the anchor clears the horizon. The anchor it
// advances is the same one the ChannelStream consumes: items projected here
// are the items that will transmit.
func (p *Projector) extend(ctx context.Context, ch catalog.Channel, now, horizonEnd time.Time) error {
	anchor, found, err := p.store.GetAnchor(ctx, ch.ID)
	if err != nil {
		return err
	}
	if !found {
		anchor = catalog.PlayoutAnchor{ChannelID: ch.ID, NextStart: now}
	}
	if ch.Mode != catalog.PlayoutOnDemand {
		rebased := timeline.Rebase(anchor, now)
		if found && rebased.NextStart.After(anchor.NextStart) {
			if err := p.store.ResetAnchor(ctx, rebased); err != nil {
				return err
			}
		}
		anchor = rebased
	}
	if !anchor.NextStart.Before(horizonEnd) {
		return nil
	}

	sched, err := p.store.GetSchedule(ctx, ch.ScheduleID)
	if err != nil {
		return err
	}
	res, err := p.builder.Build(ctx, timeline.Request{
		Channel:  ch,
		Schedule: sched,
		Anchor:   anchor,
		Horizon:  horizonEnd.Sub(anchor.NextStart),
	})
	if err != nil {
		return err
	}
	return p.store.SaveBuild(ctx, res.Anchor, res.Items)
}

// xmltvTime is the compact UTC form XMLTV consumers expect.
func xmltvTime(t time.Time) string {
	return t.UTC().Format("20060102150405 +0000")
}

func writeChannelElement(b *strings.Builder, ch catalog.Channel, baseURL string) {
	fmt.Fprintf(b, "  <channel id=%q>\n", ch.Number)
	fmt.Fprintf(b, "    <display-name>%s</display-name>\n", escape(ch.Name))
	if ch.Group != "" {
		fmt.Fprintf(b, "    <display-name>%s</display-name>\n", escape(ch.Group))
	}
	fmt.Fprintf(b, "    <display-name>%s</display-name>\n", escape(ch.Number))
	if icon := absoluteIcon(ch.IconURL, baseURL); icon != "" {
		fmt.Fprintf(b, "    <icon src=%q/>\n", icon)
	}
	b.WriteString("  </channel>\n")
}

func writePlaceholderProgramme(b *strings.Builder, ch catalog.Channel, from, to time.Time) {
	fmt.Fprintf(b, "  <programme start=%q stop=%q channel=%q>\n",
		xmltvTime(from), xmltvTime(to), ch.Number)
	fmt.Fprintf(b, "    <title lang=\"en\">%s</title>\n", escape(programmeTitle("", catalog.MediaItem{}, ch)))
	b.WriteString("  </programme>\n")
}

func (p *Projector) writeProgramme(ctx context.Context, b *strings.Builder, ch catalog.Channel, it catalog.PlayoutItem) {
	var media catalog.MediaItem
	if it.MediaID != 0 {
		if m, err := p.store.GetMediaItem(ctx, it.MediaID); err == nil {
			media = m
		}
	}

	fmt.Fprintf(b, "  <programme start=%q stop=%q channel=%q>\n",
		xmltvTime(it.Start), xmltvTime(it.Finish), ch.Number)
	fmt.Fprintf(b, "    <title lang=\"en\">%s</title>\n", escape(programmeTitle(it.Title, media, ch)))

	if media.EpisodeKnown() {
		fmt.Fprintf(b, "    <sub-title lang=\"en\">S%02dE%02d</sub-title>\n", media.Season, media.Episode)
		fmt.Fprintf(b, "    <episode-num system=\"onscreen\">S%02dE%02d</episode-num>\n", media.Season, media.Episode)
		fmt.Fprintf(b, "    <episode-num system=\"xmltv_ns\">%d.%d.</episode-num>\n", media.Season-1, media.Episode-1)
	} else if it.SubTitle != "" {
		fmt.Fprintf(b, "    <sub-title lang=\"en\">%s</sub-title>\n", escape(it.SubTitle))
	}
	if media.Summary != "" {
		fmt.Fprintf(b, "    <desc lang=\"en\">%s</desc>\n", escape(media.Summary))
	}
	if media.ThumbURL != "" {
		fmt.Fprintf(b, "    <icon src=%q/>\n", media.ThumbURL)
	}
	for _, g := range media.Genres {
		fmt.Fprintf(b, "    <category lang=\"en\">%s</category>\n", escape(g))
	}
	if len(media.Cast) > 0 {
		b.WriteString("    <credits>\n")
		for _, actor := range media.Cast {
			fmt.Fprintf(b, "      <actor>%s</actor>\n", escape(actor))
		}
		b.WriteString("    </credits>\n")
	}
	if media.AirDate != "" {
		fmt.Fprintf(b, "    <date>%s</date>\n", strings.ReplaceAll(media.AirDate, "-", ""))
	}
	if media.Rating != "" {
		fmt.Fprintf(b, "    <rating><value>%s</value></rating>\n", escape(media.Rating))
	}
	b.WriteString("  </programme>\n")
}

// programmeTitle never returns empty: item title, then media title chain,
// then the channel name.
func programmeTitle(itemTitle string, media catalog.MediaItem, ch catalog.Channel) string {
	if t := strings.TrimSpace(itemTitle); t != "" {
		return t
	}
	if media.ID != 0 {
		return media.DisplayTitle()
	}
	if ch.Name != "" {
		return ch.Name
	}
	return "Channel " + ch.Number
}

func absoluteIcon(icon, baseURL string) string {
	icon = strings.TrimSpace(icon)
	if icon == "" {
		return ""
	}
	if strings.HasPrefix(icon, "http://") || strings.HasPrefix(icon, "https://") {
		return icon
	}
	return strings.TrimSuffix(baseURL, "/") + "/" + strings.TrimPrefix(icon, "/")
}

func escape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	return s
}
