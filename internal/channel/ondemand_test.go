package channel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/exstreamtv/exstreamtv/internal/catalog"
	"github.com/exstreamtv/exstreamtv/internal/clock"
	"github.com/exstreamtv/exstreamtv/internal/metrics"
	"github.com/exstreamtv/exstreamtv/internal/store"
	"github.com/exstreamtv/exstreamtv/internal/timeline"
	"github.com/exstreamtv/exstreamtv/internal/xlog"
)

// On-demand resume runs against the real store so the anchor re-base and the
// rebuilt items behave exactly as in production.
func TestOnDemandResumeRebasesAnchor(t *testing.T) {
	st, err := store.Open(t.TempDir() + "/ondemand.db")
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	var mediaIDs []int64
	for _, title := range []string{"E1", "E2", "E3"} {
		id, err := st.PutMediaItem(ctx, catalog.MediaItem{
			Source: catalog.SourceLocal, SourceID: title, Title: title,
			URL: "/m/" + title + ".mkv", DurationSeconds: 1800,
		})
		require.NoError(t, err)
		mediaIDs = append(mediaIDs, id)
	}
	collID, err := st.PutCollection(ctx, "c", "manual", "")
	require.NoError(t, err)
	for i, id := range mediaIDs {
		require.NoError(t, st.AddCollectionItem(ctx, collID, id, i))
	}
	schedID, err := st.PutSchedule(ctx, catalog.Schedule{Name: "s", Items: []catalog.ScheduleItem{{
		Collection: catalog.CollectionPlaylist, CollectionID: collID,
		Mode: catalog.PlaybackFlood, Order: catalog.OrderChronological,
	}}})
	require.NoError(t, err)
	chID, err := st.UpsertChannel(ctx, catalog.Channel{
		Number: "400", Name: "Four Hundred", Enabled: true,
		Mode: catalog.PlayoutOnDemand, ScheduleID: schedID, StopOnIdle: true,
	})
	require.NoError(t, err)
	_, err = st.EnsurePlayout(ctx, chID, schedID)
	require.NoError(t, err)
	ch, err := st.GetChannel(ctx, chID)
	require.NoError(t, err)

	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewFake(t0)
	builder := timeline.New(st, xlog.Nop())

	// First session: materialize from t0 and stop 42s into the second item.
	first, err := builder.Build(ctx, timeline.Request{
		Channel: ch, Schedule: mustSchedule(t, st, schedID), Anchor: catalog.PlayoutAnchor{ChannelID: chID, NextStart: t0},
		Horizon: 2 * time.Hour,
	})
	require.NoError(t, err)
	require.NoError(t, st.SaveBuild(ctx, first.Anchor, first.Items))
	require.NoError(t, st.SavePosition(ctx, catalog.ChannelPlaybackPosition{
		ChannelID: chID, ItemIndex: 1, MediaID: first.Items[1].MediaID,
		ElapsedSeconds: 42, UpdatedAtUnix: t0.Unix(),
	}))

	// A client returns much later.
	now := t0.Add(48 * time.Hour)
	clk.Set(now)

	cfg := testConfig()
	cfg.BuildChunk = 2 * time.Hour
	s := NewStream(ch, cfg, Deps{
		Store: st, Builder: builder, Resolver: fakeResolver{},
		Procs: &fakeProcs{}, Clock: clk, Log: xlog.Nop(), Metrics: metrics.New(),
	})
	require.NoError(t, s.prepareTimeline(ctx))

	anchor, found, err := st.GetAnchor(ctx, chID)
	require.NoError(t, err)
	require.True(t, found)
	// Anchor re-based so the resumed item's start sits elapsed seconds before
	// now, then advanced by the rebuild.
	require.True(t, anchor.NextStart.After(now))

	item, err := st.ItemAt(ctx, chID, now)
	require.NoError(t, err)
	require.True(t, item.Start.Equal(now.Add(-42*time.Second)),
		"resumed item must start elapsed seconds before now, got %s", item.Start)

	// The rotation continues from the saved cursor, not from the beginning:
	// the first session consumed E1, E2, E3, E1 (flood over 2h), so the resumed item
	// follows the stored offset rather than restarting at E1.
	require.NotZero(t, item.MediaID)
}

func mustSchedule(t *testing.T, st *store.Store, id int64) catalog.Schedule {
	t.Helper()
	sched, err := st.GetSchedule(context.Background(), id)
	require.NoError(t, err)
	return sched
}
