package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/onnwee/live-tender/telemetry"
)

// RetentionPolicy decides which finished captures keep their files.
type RetentionPolicy struct {
	// KeepDays keeps captures started within this many days (0 = disabled).
	KeepDays int
	// KeepCount keeps the newest N captures per broadcaster (0 = disabled).
	KeepCount int
	// DryRun logs what would be deleted without touching files or rows.
	DryRun   bool
	Interval time.Duration
}

// Enabled reports whether any rule is configured.
func (p RetentionPolicy) Enabled() bool { return p.KeepDays > 0 || p.KeepCount > 0 }

// RetentionStore lists finished videos that still have a file and clears a deleted file.
type RetentionStore interface {
	ListCompletedVideos(ctx context.Context) ([]Video, error)
	ClearVideoFile(ctx context.Context, filename string) error
}

// Retention periodically deletes capture files that fall outside the policy.
type Retention struct {
	Store  RetentionStore
	Policy RetentionPolicy
	now    func() time.Time
}

// RetentionResult summarises one cleanup pass.
type RetentionResult struct {
	Deleted    int
	Missing    int
	Errors     int
	BytesFreed int64
}

// Run cleans up immediately and then every Policy.Interval until ctx is done.
func (r *Retention) Run(ctx context.Context) {
	if !r.Policy.Enabled() {
		slog.Info("retention job disabled (no policy configured)", slog.String("component", "retention"))
		return
	}
	interval := r.Policy.Interval
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	slog.Info("retention job starting",
		slog.String("component", "retention"),
		slog.Int("keep_days", r.Policy.KeepDays),
		slog.Int("keep_count", r.Policy.KeepCount),
		slog.Bool("dry_run", r.Policy.DryRun),
		slog.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.RunOnce(ctx); err != nil {
			slog.Warn("retention cleanup failed", slog.String("component", "retention"), slog.Any("err", err))
		}
		select {
		case <-ctx.Done():
			slog.Info("retention job stopped", slog.String("component", "retention"))
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single cleanup pass.
func (r *Retention) RunOnce(ctx context.Context) (RetentionResult, error) {
	var res RetentionResult
	if !r.Policy.Enabled() {
		return res, nil
	}
	videos, err := r.Store.ListCompletedVideos(ctx)
	if err != nil {
		return res, fmt.Errorf("list videos: %w", err)
	}
	now := time.Now()
	if r.now != nil {
		now = r.now()
	}
	log := slog.Default().With(slog.String("component", "retention"), slog.Bool("dry_run", r.Policy.DryRun))

	for _, v := range Expired(videos, r.Policy, now) {
		fi, err := os.Stat(v.Path)
		if errors.Is(err, os.ErrNotExist) {
			res.Missing++
			if !r.Policy.DryRun {
				if err := r.Store.ClearVideoFile(ctx, v.Filename); err != nil {
					log.Warn("failed to clear reference to missing file", slog.String("file", v.Filename), slog.Any("err", err))
				}
			}
			continue
		}
		if err != nil {
			log.Warn("failed to stat file", slog.String("path", v.Path), slog.Any("err", err))
			res.Errors++
			continue
		}
		if r.Policy.DryRun {
			log.Info("dry-run: would delete file", slog.String("path", v.Path), slog.Time("started_at", v.StartedAt), slog.String("size", humanize.Bytes(uint64(fi.Size()))))
			res.Deleted++
			res.BytesFreed += fi.Size()
			continue
		}
		if err := os.Remove(v.Path); err != nil {
			log.Warn("failed to delete file", slog.String("path", v.Path), slog.Any("err", err))
			res.Errors++
			continue
		}
		if v.ThumbnailPath != "" {
			if err := os.Remove(v.ThumbnailPath); err != nil && !errors.Is(err, os.ErrNotExist) {
				log.Warn("failed to delete thumbnail", slog.String("path", v.ThumbnailPath), slog.Any("err", err))
			}
		}
		if err := r.Store.ClearVideoFile(ctx, v.Filename); err != nil {
			log.Warn("failed to update db after deletion", slog.String("file", v.Filename), slog.Any("err", err))
			res.Errors++
			continue
		}
		telemetry.IncRetentionDeletion()
		res.Deleted++
		res.BytesFreed += fi.Size()
		log.Info("deleted old capture", slog.String("path", v.Path), slog.Time("started_at", v.StartedAt))
	}
	log.Info("retention cleanup completed",
		slog.Int("deleted", res.Deleted),
		slog.Int("missing", res.Missing),
		slog.Int("errors", res.Errors),
		slog.String("freed", humanize.Bytes(uint64(res.BytesFreed))))
	return res, nil
}

// Expired returns the videos with a file that no policy rule retains. A video is retained when
// it started within KeepDays, or when it is among the KeepCount newest of its broadcaster.
func Expired(videos []Video, p RetentionPolicy, now time.Time) []Video {
	if !p.Enabled() {
		return nil
	}
	byBroadcaster := make(map[string][]Video)
	for _, v := range videos {
		if v.Status != VideoDone || v.Path == "" {
			continue
		}
		byBroadcaster[v.BroadcasterID] = append(byBroadcaster[v.BroadcasterID], v)
	}
	cutoff := now.Add(-time.Duration(p.KeepDays) * 24 * time.Hour)
	var out []Video
	for _, list := range byBroadcaster {
		sort.Slice(list, func(i, j int) bool { return list[i].StartedAt.After(list[j].StartedAt) })
		for i, v := range list {
			if p.KeepDays > 0 && !v.StartedAt.Before(cutoff) {
				continue
			}
			if p.KeepCount > 0 && i < p.KeepCount {
				continue
			}
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// CleanupWorkingFiles removes capture working files and repair leftovers under dataDir that are
// older than maxAge. They are only left behind by a crash.
func CleanupWorkingFiles(dataDir string, maxAge time.Duration) (removed int) {
	now := time.Now()
	_ = filepath.WalkDir(dataDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		name := d.Name()
		if !strings.HasSuffix(name, ".part.ts") && !strings.Contains(name, ".fixed.") && !strings.Contains(name, ".orig.") {
			return nil
		}
		fi, err := d.Info()
		if err != nil || now.Sub(fi.ModTime()) < maxAge {
			return nil
		}
		if err := os.Remove(path); err != nil {
			slog.Warn("failed to remove stale working file", slog.String("path", path), slog.Any("err", err))
			return nil
		}
		removed++
		return nil
	})
	if removed > 0 {
		slog.Info("removed stale working files", slog.String("component", "retention"), slog.Int("removed", removed))
	}
	return removed
}
