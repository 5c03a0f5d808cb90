// Package capture drives the external downloader and remuxer that turn a live broadcast into a
// file on disk. It also negotiates the capture resolution and caps concurrent captures.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/onnwee/live-tender/telemetry"
)

// DefaultAudioRate is used when a Request does not set one.
const DefaultAudioRate = 48000

// Request describes one capture.
type Request struct {
	Source     string
	Resolution Resolution
	Dest       string
	Working    string
	AudioRate  int
}

// Finisher is handed the destination file after a successful capture.
type Finisher interface {
	Finish(ctx context.Context, dest string) error
}

// Pipeline downloads a source with yt-dlp and remuxes it with ffmpeg.
type Pipeline struct {
	YTDLP    string
	FFmpeg   string
	Runner   Runner
	Finisher Finisher
	Slots    *Slots
}

// WorkingPath derives the temporary download path for a destination. The path is unique per
// destination, and destinations are unique per job.
func WorkingPath(dest string) string {
	return filepath.Join(filepath.Dir(dest), "."+filepath.Base(dest)+".part.ts")
}

// Run captures req.Source into req.Dest and returns the destination path.
//
// The working file never outlives the call. On any failure, post-processing included, the
// destination file is removed as well, so a failed capture leaves nothing at req.Dest.
func (p *Pipeline) Run(ctx context.Context, req Request) (dest string, err error) {
	if req.Source == "" || req.Dest == "" {
		return "", errors.New("capture: source and destination required")
	}
	if req.Working == "" {
		req.Working = WorkingPath(req.Dest)
	}
	if req.AudioRate <= 0 {
		req.AudioRate = DefaultAudioRate
	}
	log := slog.Default().With(slog.String("component", "capture"), slog.String("dest", req.Dest))

	if p.Slots != nil {
		if !p.Slots.Acquire(ctx) {
			return "", fmt.Errorf("capture: waiting for slot: %w", ctx.Err())
		}
		defer p.Slots.Release()
	}

	start := time.Now()
	defer func() {
		result, class := "ok", "none"
		if err != nil {
			result, class = "failed", ClassifyError(err).String()
			log.Error("capture failed", slog.String("class", class), slog.Any("err", err))
		}
		telemetry.ObserveCapture(result, class, time.Since(start))
	}()

	if err := os.MkdirAll(filepath.Dir(req.Dest), 0o755); err != nil {
		return "", &StageError{Stage: "prepare", Err: err}
	}
	defer removeIfExists(log, req.Working)

	if err := p.download(ctx, req); err != nil {
		removeIfExists(log, req.Dest)
		return "", err
	}
	if err := p.remux(ctx, req); err != nil {
		removeIfExists(log, req.Dest)
		return "", err
	}
	if fi, statErr := os.Stat(req.Dest); statErr == nil {
		log.Info("capture complete", slog.String("size", humanize.Bytes(uint64(fi.Size()))), slog.Duration("elapsed", time.Since(start)))
	}

	if p.Finisher != nil {
		if err := p.Finisher.Finish(ctx, req.Dest); err != nil {
			removeIfExists(log, req.Dest)
			return "", &StageError{Stage: "postprocess", Err: err}
		}
	}
	return req.Dest, nil
}

func (p *Pipeline) download(ctx context.Context, req Request) error {
	ctx, span := telemetry.StartSpan(ctx, "capture", "capture.download", telemetry.StageAttr("download"))
	defer span.End()

	h := strconv.Itoa(int(req.Resolution))
	args := []string{
		"--no-progress",
		"--no-part",
		"--hls-use-mpegts",
		"--retries", "10",
		"--fragment-retries", "10",
		"-f", "best[height=" + h + "]/best[height<=" + h + "]",
		"-o", req.Working,
		req.Source,
	}
	out, err := p.runner().Run(ctx, bin(p.YTDLP, "yt-dlp"), args...)
	if err != nil {
		serr := &StageError{Stage: "download", Err: err, Output: tail(out)}
		telemetry.RecordError(span, serr)
		return serr
	}
	if _, err := os.Stat(req.Working); err != nil {
		serr := &StageError{Stage: "download", Err: fmt.Errorf("%w: %s", ErrMissingOutput, req.Working)}
		telemetry.RecordError(span, serr)
		return serr
	}
	telemetry.SetSpanSuccess(span)
	return nil
}

func (p *Pipeline) remux(ctx context.Context, req Request) error {
	ctx, span := telemetry.StartSpan(ctx, "capture", "capture.remux", telemetry.StageAttr("remux"))
	defer span.End()

	args := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-i", req.Working,
		"-c:v", "copy",
		"-c:a", "aac",
		"-ar", strconv.Itoa(req.AudioRate),
		"-movflags", "+faststart",
		req.Dest,
	}
	out, err := p.runner().Run(ctx, bin(p.FFmpeg, "ffmpeg"), args...)
	if err != nil {
		serr := &StageError{Stage: "remux", Err: err, Output: tail(out)}
		telemetry.RecordError(span, serr)
		return serr
	}
	if _, err := os.Stat(req.Dest); err != nil {
		serr := &StageError{Stage: "remux", Err: fmt.Errorf("%w: %s", ErrMissingOutput, req.Dest)}
		telemetry.RecordError(span, serr)
		return serr
	}
	telemetry.SetSpanSuccess(span)
	return nil
}

func (p *Pipeline) runner() Runner {
	if p.Runner == nil {
		return ExecRunner{}
	}
	return p.Runner
}

func bin(configured, fallback string) string {
	if configured == "" {
		return fallback
	}
	return configured
}

func removeIfExists(log *slog.Logger, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("failed to remove file", slog.String("path", path), slog.Any("err", err))
	}
}
