package postprocess

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
)

// CorruptionThreshold is the container/video duration gap, in seconds, above which a capture
// is treated as corrupt. It is a heuristic for broken timestamps after a stream hiccup.
const CorruptionThreshold = 50.0

// Outcome is the result of a repair attempt.
type Outcome string

const (
	OutcomeHealthy    Outcome = "healthy"
	OutcomeRepaired   Outcome = "repaired"
	OutcomeUnrepaired Outcome = "unrepaired"
)

// RepairResult reports what Repair did and the probes it based the decision on.
type RepairResult struct {
	Outcome Outcome
	Before  Result
	After   Result
}

// IsCorrupt reports whether container and video stream durations differ by more than
// CorruptionThreshold. A missing video duration is not treated as corruption.
func IsCorrupt(r Result) bool {
	video, ok := r.VideoDurationSeconds()
	if !ok {
		return false
	}
	return math.Abs(r.DurationSeconds()-video) > CorruptionThreshold
}

// Check probes path and reports whether it is corrupt.
func (p *Processor) Check(ctx context.Context, path string) (Result, bool, error) {
	res, err := Probe(ctx, p.ProbeRunner, p.FFprobe, path)
	if err != nil {
		return Result{}, false, err
	}
	return res, IsCorrupt(res), nil
}

// Repair remuxes a corrupt capture with stream copy into a sibling file. The fixed file
// replaces the original only when it is no longer corrupt; otherwise the original is left
// untouched and the fixed file removed.
func (p *Processor) Repair(ctx context.Context, path string) (RepairResult, error) {
	log := slog.Default().With(slog.String("component", "repair"), slog.String("path", path))
	before, corrupt, err := p.Check(ctx, path)
	if err != nil {
		return RepairResult{}, err
	}
	if !corrupt {
		return RepairResult{Outcome: OutcomeHealthy, Before: before, After: before}, nil
	}
	video, _ := before.VideoDurationSeconds()
	log.Info("corrupt capture detected", slog.Float64("container_secs", before.DurationSeconds()), slog.Float64("video_secs", video))

	fixed := siblingPath(path, ".fixed")
	args := []string{"-hide_banner", "-loglevel", "error", "-y", "-i", path, "-map", "0", "-c", "copy", "-movflags", "+faststart", fixed}
	if _, err := p.runner().Run(ctx, p.ffmpeg(), args...); err != nil {
		_ = os.Remove(fixed)
		return RepairResult{Outcome: OutcomeUnrepaired, Before: before}, fmt.Errorf("remux %s: %w", path, err)
	}

	after, stillCorrupt, err := p.Check(ctx, fixed)
	if err != nil || stillCorrupt {
		_ = os.Remove(fixed)
		log.Warn("remux did not fix capture, keeping original", slog.Any("err", err))
		return RepairResult{Outcome: OutcomeUnrepaired, Before: before, After: after}, nil
	}
	if err := swap(path, fixed); err != nil {
		_ = os.Remove(fixed)
		return RepairResult{Outcome: OutcomeUnrepaired, Before: before, After: after}, err
	}
	log.Info("capture repaired", slog.Float64("container_secs", after.DurationSeconds()))
	return RepairResult{Outcome: OutcomeRepaired, Before: before, After: after}, nil
}

// swap moves fixed over final: final → tmp, fixed → final, then tmp is deleted. If the second
// rename fails the original is moved back.
func swap(final, fixed string) error {
	tmp := siblingPath(final, ".orig")
	if err := os.Rename(final, tmp); err != nil {
		return fmt.Errorf("move original aside: %w", err)
	}
	if err := os.Rename(fixed, final); err != nil {
		if rerr := os.Rename(tmp, final); rerr != nil {
			return errors.Join(fmt.Errorf("move fixed into place: %w", err), fmt.Errorf("restore original: %w", rerr))
		}
		return fmt.Errorf("move fixed into place: %w", err)
	}
	if err := os.Remove(tmp); err != nil {
		slog.Warn("failed to remove original after repair", slog.String("path", tmp), slog.Any("err", err))
	}
	return nil
}

func siblingPath(path, tag string) string {
	dir, base := filepath.Split(path)
	ext := filepath.Ext(base)
	return filepath.Join(dir, "."+base[:len(base)-len(ext)]+tag+ext)
}
