// Command exstreamtv runs the virtual IPTV headend: continuous playout of
// scheduled channels behind an HDHomeRun-compatible tuner surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	"github.com/exstreamtv/exstreamtv/internal/catalog"
	"github.com/exstreamtv/exstreamtv/internal/channel"
	"github.com/exstreamtv/exstreamtv/internal/clock"
	"github.com/exstreamtv/exstreamtv/internal/config"
	"github.com/exstreamtv/exstreamtv/internal/epg"
	"github.com/exstreamtv/exstreamtv/internal/ffmpeg"
	"github.com/exstreamtv/exstreamtv/internal/httpclient"
	"github.com/exstreamtv/exstreamtv/internal/metrics"
	"github.com/exstreamtv/exstreamtv/internal/resolver"
	"github.com/exstreamtv/exstreamtv/internal/selfheal"
	"github.com/exstreamtv/exstreamtv/internal/session"
	"github.com/exstreamtv/exstreamtv/internal/store"
	"github.com/exstreamtv/exstreamtv/internal/timeline"
	"github.com/exstreamtv/exstreamtv/internal/tuner"
	"github.com/exstreamtv/exstreamtv/internal/xlog"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("exstreamtv " + version)
		return
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "exstreamtv:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := xlog.New(xlog.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	log.Info().Str("version", version).Msg("exstreamtv starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	m := metrics.New()
	clk := clock.System{}
	builder := timeline.New(st, log)

	pool := ffmpeg.NewPool(ffmpeg.PoolConfig{
		FFmpegPath:        cfg.FFmpeg.Path,
		MaxProcesses:      cfg.ProcessPool.MaxProcesses,
		MemoryBudgetBytes: cfg.ProcessPool.MemoryBudgetBytes,
		FDBudget:          cfg.ProcessPool.FDBudget,
		MaxAge:            cfg.ProcessPool.MaxAge(),
	}, log, m)
	defer pool.Shutdown()

	res := resolver.New(clk, log, resolverClients(cfg, log))

	chMgr := channel.NewManager(ctx, st, channel.Config{
		StartupTimeout: cfg.FFmpeg.StartupTimeout(),
		StallTimeout:   cfg.FFmpeg.StallTimeout(),
		DefaultHWAccel: cfg.FFmpeg.DefaultHWAccel,
	}, channel.Deps{
		Store:    st,
		Builder:  builder,
		Resolver: res,
		Procs:    channel.PoolSource{Pool: pool},
		Clock:    clk,
		Log:      log,
		Metrics:  m,
	})
	defer chMgr.Shutdown()

	sessions := session.NewManager(session.Config{
		MaxSessionsPerChannel: cfg.SessionManager.MaxSessionsPerChannel,
		IdleTimeout:           cfg.SessionManager.IdleTimeout(),
		ChannelIdleGrace:      cfg.SessionManager.ChannelIdleGrace(),
	}, clk, log, m, chMgr)

	projector := epg.New(st, builder, clk, log, time.Duration(cfg.Playout.BuildDays)*24*time.Hour)

	server := &tuner.Server{
		Config:   cfg,
		Store:    st,
		Channels: chMgr,
		Sessions: sessions,
		EPG:      projector,
		Metrics:  m.Handler(),
		Log:      log,
	}

	heal := selfheal.New(selfheal.Config{
		Enabled:                  cfg.SelfHeal.Enabled,
		MaxAutoFixesPerHour:      cfg.SelfHeal.MaxAutoFixesPerHour,
		MaxConsecutiveFailures:   cfg.SelfHeal.MaxConsecutiveFailures,
		RequireApprovalAboveRisk: cfg.SelfHeal.RequireApprovalAboveRisk,
		UseErrorScreenFallback:   cfg.SelfHeal.UseErrorScreenFallback,
	}, pool.Events(), &healController{channels: chMgr, resolver: res, store: st, log: log}, log, m)

	sup := suture.NewSimple("exstreamtv")
	sup.Add(server)
	sup.Add(sessions)
	sup.Add(pool)
	sup.Add(heal)
	sup.Add(serviceFunc(func(c context.Context) error { m.WatchDBPool(c, st.DB(), 15*time.Second); return c.Err() }))
	sup.Add(serviceFunc(func(c context.Context) error { m.WatchSchedulerLag(c); return c.Err() }))
	if cfg.HDHomeRun.Enabled && cfg.HDHomeRun.EnableSSDP {
		sup.Add(&tuner.SSDP{
			BaseURL:      cfg.BaseURL(),
			DeviceID:     cfg.HDHomeRun.DeviceID,
			FriendlyName: cfg.HDHomeRun.FriendlyName,
			Log:          log,
		})
	}
	if cfg.DatabaseBackup.Enabled {
		sup.Add(&store.BackupTask{
			Store: st,
			Config: store.BackupConfig{
				Dir:       cfg.DatabaseBackup.Dir,
				Interval:  cfg.DatabaseBackup.Interval(),
				KeepCount: cfg.DatabaseBackup.KeepCount,
				KeepDays:  cfg.DatabaseBackup.KeepDays,
				Compress:  cfg.DatabaseBackup.Compress,
			},
			Log: log,
		})
	}

	if len(cfg.Channels.PreWarm) > 0 {
		go func() {
			// Give the HTTP surface a beat to come up before warming.
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			chMgr.PreWarm(ctx, cfg.Channels.PreWarm)
		}()
	}

	err = sup.Serve(ctx)
	log.Info().Msg("shutting down: stopping channels and persisting anchors")
	chMgr.Shutdown()
	pool.Shutdown()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// serviceFunc adapts a closure to suture.Service.
type serviceFunc func(ctx context.Context) error

func (f serviceFunc) Serve(ctx context.Context) error { return f(ctx) }

// resolverClients builds media-server clients from configuration.
func resolverClients(cfg config.Config, log zerolog.Logger) map[catalog.MediaSource]resolver.MediaServerClient {
	clients := make(map[catalog.MediaSource]resolver.MediaServerClient)
	httpc := httpclient.Default()
	if ms := cfg.MediaSources.Plex; ms.URL != "" {
		clients[catalog.SourcePlex] = &resolver.PlexClient{
			BaseURL: ms.URL, Token: ms.Token, Client: httpc, Log: log,
		}
	}
	if ms := cfg.MediaSources.Jellyfin; ms.URL != "" {
		clients[catalog.SourceJellyfin] = resolver.NewJellyfinClient(ms.URL, ms.Token, httpc, log)
	}
	if ms := cfg.MediaSources.Emby; ms.URL != "" {
		clients[catalog.SourceEmby] = resolver.NewEmbyClient(ms.URL, ms.Token, httpc, log)
	}
	if len(clients) == 0 {
		return nil
	}
	return clients
}
