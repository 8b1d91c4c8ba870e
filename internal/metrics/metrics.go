// Package metrics registers the Prometheus instruments the headend exposes
// at /metrics.
package metrics

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the registry and every instrument.
type Metrics struct {
	registry *prometheus.Registry

	FFmpegProcessesActive prometheus.Gauge
	SpawnRejectedMemory   prometheus.Counter
	SpawnRejectedFD       prometheus.Counter
	SpawnRejectedCapacity prometheus.Counter

	ProcessCPUPercent *prometheus.GaugeVec
	ProcessRSSBytes   *prometheus.GaugeVec
	ProcessOutBytes   *prometheus.CounterVec

	EventLoopLag prometheus.Gauge

	DBPoolCheckedOut prometheus.Gauge
	DBPoolSize       prometheus.Gauge

	ChannelSubscribers *prometheus.GaugeVec
	ChannelState       *prometheus.GaugeVec

	SessionsOpened prometheus.Counter
	SessionsClosed *prometheus.CounterVec

	HealFixesApplied  *prometheus.CounterVec
	HealFixesRejected prometheus.Counter
}

// New builds a registry with all instruments registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		FFmpegProcessesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ffmpeg_processes_active",
			Help: "FFmpeg child processes currently running.",
		}),
		SpawnRejectedMemory: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ffmpeg_spawn_rejected_memory_total",
			Help: "Spawn requests rejected by the memory budget.",
		}),
		SpawnRejectedFD: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ffmpeg_spawn_rejected_fd_total",
			Help: "Spawn requests rejected by file-descriptor headroom.",
		}),
		SpawnRejectedCapacity: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ffmpeg_spawn_rejected_capacity_total",
			Help: "Spawn requests rejected by the process cap.",
		}),
		ProcessCPUPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ffmpeg_process_cpu_percent",
			Help: "CPU usage of one FFmpeg child.",
		}, []string{"channel"}),
		ProcessRSSBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ffmpeg_process_rss_bytes",
			Help: "Resident memory of one FFmpeg child.",
		}, []string{"channel"}),
		ProcessOutBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ffmpeg_process_output_bytes_total",
			Help: "Bytes read from FFmpeg stdout per channel.",
		}, []string{"channel"}),
		EventLoopLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "event_loop_lag_seconds",
			Help: "Observed scheduler latency of a 1s ticker.",
		}),
		DBPoolCheckedOut: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_checked_out",
			Help: "Database connections currently in use.",
		}),
		DBPoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_size",
			Help: "Database connections currently open.",
		}),
		ChannelSubscribers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "channel_subscribers",
			Help: "Active sessions per channel.",
		}, []string{"channel"}),
		ChannelState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "channel_state",
			Help: "ChannelStream state (enum value) per channel.",
		}, []string{"channel"}),
		SessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sessions_opened_total",
			Help: "Client sessions opened.",
		}),
		SessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sessions_closed_total",
			Help: "Client sessions closed, by reason.",
		}, []string{"reason"}),
		HealFixesApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "selfheal_fixes_applied_total",
			Help: "Self-heal fixes applied, by strategy.",
		}, []string{"strategy"}),
		HealFixesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "selfheal_fixes_rejected_total",
			Help: "Self-heal fixes skipped by budget or approval gates.",
		}),
	}

	reg.MustRegister(
		m.FFmpegProcessesActive,
		m.SpawnRejectedMemory, m.SpawnRejectedFD, m.SpawnRejectedCapacity,
		m.ProcessCPUPercent, m.ProcessRSSBytes, m.ProcessOutBytes,
		m.EventLoopLag,
		m.DBPoolCheckedOut, m.DBPoolSize,
		m.ChannelSubscribers, m.ChannelState,
		m.SessionsOpened, m.SessionsClosed,
		m.HealFixesApplied, m.HealFixesRejected,
	)
	return m
}

// Handler serves the text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// WatchDBPool samples sql.DB pool stats until ctx ends.
func (m *Metrics) WatchDBPool(ctx context.Context, db *sql.DB, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			m.DBPoolCheckedOut.Set(float64(stats.InUse))
			m.DBPoolSize.Set(float64(stats.OpenConnections))
		}
	}
}

// WatchSchedulerLag measures how late a 1s tick fires, a proxy for runtime
// scheduling pressure.
func (m *Metrics) WatchSchedulerLag(ctx context.Context) {
	const interval = time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			lag := now.Sub(last) - interval
			if lag < 0 {
				lag = 0
			}
			m.EventLoopLag.Set(lag.Seconds())
			last = now
		}
	}
}
