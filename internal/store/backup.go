package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/rs/zerolog"
)

// BackupConfig mirrors the database_backup configuration section.
type BackupConfig struct {
	Dir       string
	Interval  time.Duration
	KeepCount int
	KeepDays  int
	Compress  bool
}

// Backup writes a consistent snapshot of the live database into cfg.Dir and
// prunes old snapshots. Snapshots are taken with VACUUM INTO so readers and
// writers are not blocked.
func (s *Store) Backup(ctx context.Context, cfg BackupConfig, now time.Time) (string, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return "", fmt.Errorf("backup dir: %w", err)
	}
	stamp := now.UTC().Format("20060102T150405Z")
	raw := filepath.Join(cfg.Dir, "exstreamtv-"+stamp+".db")

	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, raw); err != nil {
		return "", fmt.Errorf("vacuum into: %w", err)
	}

	out := raw
	if cfg.Compress {
		compressed, err := compressFile(raw)
		if err != nil {
			return "", err
		}
		_ = os.Remove(raw)
		out = compressed
	}

	if err := pruneBackups(cfg, now); err != nil {
		return out, err
	}
	return out, nil
}

func compressFile(path string) (string, error) {
	in, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer in.Close()

	outPath := path + ".br"
	out, err := os.Create(outPath)
	if err != nil {
		return "", err
	}
	w := brotli.NewWriterLevel(out, brotli.DefaultCompression)
	if _, err := io.Copy(w, in); err != nil {
		_ = out.Close()
		_ = os.Remove(outPath)
		return "", fmt.Errorf("compress backup: %w", err)
	}
	if err := w.Close(); err != nil {
		_ = out.Close()
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return outPath, nil
}

// pruneBackups enforces keep_count and keep_days.
func pruneBackups(cfg BackupConfig, now time.Time) error {
	entries, err := os.ReadDir(cfg.Dir)
	if err != nil {
		return err
	}
	type backup struct {
		path string
		mod  time.Time
	}
	var backups []backup
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, "exstreamtv-") {
			continue
		}
		if !strings.HasSuffix(name, ".db") && !strings.HasSuffix(name, ".db.br") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		backups = append(backups, backup{path: filepath.Join(cfg.Dir, name), mod: info.ModTime()})
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].mod.After(backups[j].mod) })

	for i, b := range backups {
		tooMany := cfg.KeepCount > 0 && i >= cfg.KeepCount
		tooOld := cfg.KeepDays > 0 && now.Sub(b.mod) > time.Duration(cfg.KeepDays)*24*time.Hour
		if tooMany || tooOld {
			_ = os.Remove(b.path)
		}
	}
	return nil
}

// BackupTask runs periodic backups until ctx is cancelled. It satisfies
// suture.Service.
type BackupTask struct {
	Store  *Store
	Config BackupConfig
	Log    zerolog.Logger
}

// Serve takes one backup per interval; the first fires after one interval so
// process restarts do not stack snapshots.
func (t *BackupTask) Serve(ctx context.Context) error {
	interval := t.Config.Interval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			path, err := t.Store.Backup(ctx, t.Config, time.Now().UTC())
			if err != nil {
				t.Log.Error().Err(err).Msg("database backup failed")
				continue
			}
			t.Log.Info().Str("path", path).Msg("database backup written")
		}
	}
}
