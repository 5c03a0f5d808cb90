// Package postprocess derives metadata and a thumbnail for a finished capture and repairs
// captures whose container and video durations disagree.
package postprocess

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/onnwee/live-tender/capture"
	"github.com/onnwee/live-tender/telemetry"
)

// Metadata is what post-processing records for a capture. Fields that could not be derived
// are zero or empty.
type Metadata struct {
	Filename      string
	DurationSecs  float64
	SizeBytes     int64
	ThumbnailPath string
	DownloadedAt  time.Time
}

// MetadataStore persists Metadata and marks the video done.
type MetadataStore interface {
	CompleteVideo(ctx context.Context, m Metadata) error
}

// Processor runs ffprobe and ffmpeg against finished captures.
type Processor struct {
	FFprobe     string
	FFmpeg      string
	Runner      capture.Runner // ffmpeg
	ProbeRunner capture.Runner // ffprobe; stdout must be kept whole
	Store       MetadataStore
	ThumbnailAt time.Duration
}

// Finish implements capture.Finisher, naming the video after its file.
func (p *Processor) Finish(ctx context.Context, dest string) error {
	_, err := p.Process(ctx, filepath.Base(dest), dest)
	return err
}

// Process derives Metadata for the capture at path and persists it. Probe and thumbnail
// failures only leave their fields empty; the returned error is the store's.
func (p *Processor) Process(ctx context.Context, filename, path string) (Metadata, error) {
	ctx, span := telemetry.StartSpan(ctx, "postprocess", "postprocess.process", telemetry.StageAttr("postprocess"))
	defer span.End()
	start := time.Now()
	log := slog.Default().With(slog.String("component", "postprocess"), slog.String("file", filename))

	meta := Metadata{Filename: filename, DownloadedAt: time.Now().UTC()}
	res, err := Probe(ctx, p.ProbeRunner, p.FFprobe, path)
	if err != nil {
		log.Warn("probe failed, recording zero duration", slog.Any("err", err))
	} else {
		meta.DurationSecs = res.DurationSeconds()
		meta.SizeBytes = res.SizeBytes()
	}
	if meta.SizeBytes == 0 {
		if fi, statErr := os.Stat(path); statErr == nil {
			meta.SizeBytes = fi.Size()
		}
	}

	meta.ThumbnailPath = p.thumbnail(ctx, log, path, meta.DurationSecs)

	if p.Store != nil {
		if err := p.Store.CompleteVideo(ctx, meta); err != nil {
			telemetry.RecordError(span, err)
			return meta, fmt.Errorf("persist metadata: %w", err)
		}
	}
	telemetry.SetSpanSuccess(span)
	if telemetry.PostProcessDuration != nil {
		telemetry.PostProcessDuration.Observe(time.Since(start).Seconds())
	}
	log.Info("post-processing complete",
		slog.Float64("duration_secs", meta.DurationSecs),
		slog.String("size", humanize.Bytes(uint64(meta.SizeBytes))),
		slog.String("thumbnail", meta.ThumbnailPath))
	return meta, nil
}

// thumbnail tries up to ThumbnailAttempts timestamps and returns the path of the first
// frame that is not a solid colour, or "" when none was usable.
func (p *Processor) thumbnail(ctx context.Context, log *slog.Logger, path string, duration float64) string {
	out := ThumbnailPath(path)
	start := DefaultThumbnailAt
	if p.ThumbnailAt > 0 {
		start = p.ThumbnailAt.Seconds()
	}
	for i, ts := range ThumbnailTimestamps(start, duration) {
		solid, err := p.grabFrame(ctx, path, ts, out)
		switch {
		case err != nil:
			telemetry.IncThumbnailAttempt("error")
			log.Warn("thumbnail attempt failed", slog.Int("attempt", i+1), slog.Float64("at", ts), slog.Any("err", err))
		case solid:
			telemetry.IncThumbnailAttempt("solid")
			log.Debug("thumbnail frame is a solid colour", slog.Int("attempt", i+1), slog.Float64("at", ts))
		default:
			telemetry.IncThumbnailAttempt("ok")
			return out
		}
	}
	if err := os.Remove(out); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("failed to remove rejected thumbnail", slog.Any("err", err))
	}
	log.Warn("no usable thumbnail frame", slog.Int("attempts", ThumbnailAttempts))
	return ""
}

// ThumbnailPath is the JPEG written next to a capture.
func ThumbnailPath(video string) string {
	return strings.TrimSuffix(video, filepath.Ext(video)) + ".jpg"
}

func (p *Processor) runner() capture.Runner {
	if p.Runner == nil {
		return capture.ExecRunner{}
	}
	return p.Runner
}

func (p *Processor) ffmpeg() string {
	if p.FFmpeg == "" {
		return "ffmpeg"
	}
	return p.FFmpeg
}
