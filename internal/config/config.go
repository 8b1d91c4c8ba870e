// Package config loads the headend configuration.
//
// Precedence, highest first: EXSTREAMTV_* environment variables, the YAML
// config file, built-in defaults. The koanf tree is flattened with "." and
// env keys are mapped by their known top-level section prefix, so
// EXSTREAMTV_PROCESS_POOL_MAX_PROCESSES becomes process_pool.max_processes.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "EXSTREAMTV"

// Config is the full headend configuration tree.
type Config struct {
	Server         Server         `koanf:"server"`
	Log            Log            `koanf:"log"`
	HDHomeRun      HDHomeRun      `koanf:"hdhomerun"`
	Playout        Playout        `koanf:"playout"`
	FFmpeg         FFmpeg         `koanf:"ffmpeg"`
	ProcessPool    ProcessPool    `koanf:"process_pool"`
	SessionManager SessionManager `koanf:"session_manager"`
	SelfHeal       SelfHeal       `koanf:"self_heal"`
	Database       Database       `koanf:"database"`
	DatabaseBackup DatabaseBackup `koanf:"database_backup"`
	Channels       Channels       `koanf:"channels"`
	MediaSources   MediaSources   `koanf:"media_sources"`
}

// MediaSources configures the optional media-server clients used to resolve
// library items into playable URLs.
type MediaSources struct {
	Plex     MediaServer `koanf:"plex"`
	Jellyfin MediaServer `koanf:"jellyfin"`
	Emby     MediaServer `koanf:"emby"`
}

type MediaServer struct {
	URL   string `koanf:"url"`
	Token string `koanf:"token"`
}

type Server struct {
	Host      string `koanf:"host"`
	Port      int    `koanf:"port"`
	PublicURL string `koanf:"public_url"`
}

type Log struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

type HDHomeRun struct {
	Enabled      bool   `koanf:"enabled"`
	DeviceID     string `koanf:"device_id"`
	FriendlyName string `koanf:"friendly_name"`
	TunerCount   int    `koanf:"tuner_count"`
	EnableSSDP   bool   `koanf:"enable_ssdp"`
}

type Playout struct {
	BuildDays int `koanf:"build_days"`
}

type FFmpeg struct {
	Path                  string `koanf:"path"`
	DefaultHWAccel        string `koanf:"default_hwaccel"`
	StartupTimeoutSeconds int    `koanf:"startup_timeout"`
	StallTimeoutSeconds   int    `koanf:"stall_timeout"`
}

func (f FFmpeg) StartupTimeout() time.Duration {
	return time.Duration(f.StartupTimeoutSeconds) * time.Second
}

func (f FFmpeg) StallTimeout() time.Duration {
	return time.Duration(f.StallTimeoutSeconds) * time.Second
}

type ProcessPool struct {
	MaxProcesses      int   `koanf:"max_processes"`
	MemoryBudgetBytes int64 `koanf:"memory_budget_bytes"`
	FDBudget          int   `koanf:"fd_budget"`
	MaxAgeSeconds     int   `koanf:"max_age_seconds"`
}

func (p ProcessPool) MaxAge() time.Duration {
	return time.Duration(p.MaxAgeSeconds) * time.Second
}

type SessionManager struct {
	MaxSessionsPerChannel   int `koanf:"max_sessions_per_channel"`
	IdleTimeoutSeconds      int `koanf:"idle_timeout_seconds"`
	ChannelIdleGraceSeconds int `koanf:"channel_idle_grace_seconds"`
}

func (s SessionManager) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutSeconds) * time.Second
}

func (s SessionManager) ChannelIdleGrace() time.Duration {
	return time.Duration(s.ChannelIdleGraceSeconds) * time.Second
}

type SelfHeal struct {
	Enabled                  bool    `koanf:"enabled"`
	MaxAutoFixesPerHour      int     `koanf:"max_auto_fixes_per_hour"`
	MaxConsecutiveFailures   int     `koanf:"max_consecutive_failures"`
	RequireApprovalAboveRisk float64 `koanf:"require_approval_above_risk"`
	UseErrorScreenFallback   bool    `koanf:"use_error_screen_fallback"`
}

type Database struct {
	Path string `koanf:"path"`
}

type DatabaseBackup struct {
	Enabled       bool   `koanf:"enabled"`
	IntervalHours int    `koanf:"interval_hours"`
	KeepCount     int    `koanf:"keep_count"`
	KeepDays      int    `koanf:"keep_days"`
	Compress      bool   `koanf:"compress"`
	Dir           string `koanf:"dir"`
}

func (b DatabaseBackup) Interval() time.Duration {
	return time.Duration(b.IntervalHours) * time.Hour
}

type Channels struct {
	PreWarm []string `koanf:"pre_warm"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: Server{Host: "0.0.0.0", Port: 8411},
		Log:    Log{Level: "info", Format: "console"},
		HDHomeRun: HDHomeRun{
			Enabled:      true,
			DeviceID:     "EXS10001",
			FriendlyName: "EXStreamTV",
			TunerCount:   4,
			EnableSSDP:   true,
		},
		Playout: Playout{BuildDays: 2},
		FFmpeg: FFmpeg{
			Path:                  "ffmpeg",
			StartupTimeoutSeconds: 15,
			StallTimeoutSeconds:   10,
		},
		ProcessPool: ProcessPool{
			MaxProcesses:      8,
			MemoryBudgetBytes: 4 << 30,
			FDBudget:          64,
			MaxAgeSeconds:     6 * 3600,
		},
		SessionManager: SessionManager{
			MaxSessionsPerChannel:   16,
			IdleTimeoutSeconds:      30,
			ChannelIdleGraceSeconds: 5,
		},
		SelfHeal: SelfHeal{
			Enabled:                  true,
			MaxAutoFixesPerHour:      20,
			MaxConsecutiveFailures:   5,
			RequireApprovalAboveRisk: 0.7,
			UseErrorScreenFallback:   true,
		},
		Database:       Database{Path: "exstreamtv.db"},
		DatabaseBackup: DatabaseBackup{IntervalHours: 24, KeepCount: 7, KeepDays: 30, Compress: true, Dir: "backups"},
	}
}

// sections are the known top-level keys, longest-prefix first so
// PROCESS_POOL_* never matches a shorter section.
var sections = []string{
	"database_backup", "session_manager", "media_sources", "process_pool",
	"self_heal", "hdhomerun", "channels", "database", "playout", "server",
	"ffmpeg", "log",
}

// Load reads configuration from path (optional; "" = defaults+env only).
// A missing config file is not an error; a malformed one is.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, statErr := os.Stat(path); statErr == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return Config{}, fmt.Errorf("load config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(statErr) {
			return Config{}, fmt.Errorf("stat config file %s: %w", path, statErr)
		}
	}

	envProvider := env.Provider(".", env.Opt{
		Prefix:        envPrefix + "_",
		TransformFunc: transformEnvKey,
	})
	if err := k.Load(envProvider, nil); err != nil {
		return Config{}, fmt.Errorf("load env config: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// transformEnvKey maps EXSTREAMTV_SECTION_FIELD_NAME to section.field_name.
// The key arrives with its EXSTREAMTV_ prefix, which is trimmed here first.
func transformEnvKey(key, value string) (string, any) {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix+"_"))
	for _, sec := range sections {
		if strings.HasPrefix(key, sec+"_") {
			return sec + "." + strings.TrimPrefix(key, sec+"_"), value
		}
	}
	return key, value
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.HDHomeRun.TunerCount <= 0 {
		return fmt.Errorf("hdhomerun.tuner_count must be positive")
	}
	if c.Playout.BuildDays < 1 || c.Playout.BuildDays > 14 {
		return fmt.Errorf("playout.build_days must be 1..14, got %d", c.Playout.BuildDays)
	}
	if c.ProcessPool.MaxProcesses <= 0 {
		return fmt.Errorf("process_pool.max_processes must be positive")
	}
	if c.ProcessPool.MemoryBudgetBytes <= 0 {
		return fmt.Errorf("process_pool.memory_budget_bytes must be positive")
	}
	if c.SessionManager.MaxSessionsPerChannel <= 0 {
		return fmt.Errorf("session_manager.max_sessions_per_channel must be positive")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path required")
	}
	if c.SelfHeal.RequireApprovalAboveRisk < 0 || c.SelfHeal.RequireApprovalAboveRisk > 1 {
		return fmt.Errorf("self_heal.require_approval_above_risk must be 0..1")
	}
	return nil
}

// BaseURL returns the advertised base URL: the configured public URL if set,
// otherwise host:port. The tuner surface may still override per-request to
// follow the inbound Host header.
func (c Config) BaseURL() string {
	if c.Server.PublicURL != "" {
		return strings.TrimSuffix(c.Server.PublicURL, "/")
	}
	host := c.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, c.Server.Port)
}
