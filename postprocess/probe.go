package postprocess

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/onnwee/live-tender/capture"
)

// Result is the parsed output of ffprobe -show_format -show_streams.
type Result struct {
	Streams []Stream `json:"streams"`
	Format  Format   `json:"format"`
}

// Stream describes one stream of the container.
type Stream struct {
	Index     int    `json:"index"`
	CodecName string `json:"codec_name"`
	CodecType string `json:"codec_type"`
	Duration  string `json:"duration"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

// Format is the container-level metadata.
type Format struct {
	Filename   string `json:"filename"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	FormatName string `json:"format_name"`
}

// Probe runs ffprobe against path and decodes its JSON output.
func Probe(ctx context.Context, r capture.Runner, binary, path string) (Result, error) {
	if strings.TrimSpace(binary) == "" {
		binary = "ffprobe"
	}
	if strings.TrimSpace(path) == "" {
		return Result{}, errors.New("ffprobe: empty path")
	}
	if r == nil {
		r = capture.ProbeRunner{}
	}
	out, err := r.Run(ctx, binary, "-v", "error", "-hide_banner", "-show_format", "-show_streams", "-of", "json", "--", path)
	if err != nil {
		return Result{}, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	var res Result
	if err := json.Unmarshal(out, &res); err != nil {
		return Result{}, fmt.Errorf("ffprobe parse: %w", err)
	}
	return res, nil
}

// DurationSeconds is the container duration, or 0 when unavailable.
func (r Result) DurationSeconds() float64 { return parseFloat(r.Format.Duration) }

// VideoDurationSeconds is the duration of the first video stream that reports one.
func (r Result) VideoDurationSeconds() (float64, bool) {
	for _, s := range r.Streams {
		if strings.EqualFold(s.CodecType, "video") {
			if d := parseFloat(s.Duration); d > 0 {
				return d, true
			}
		}
	}
	return 0, false
}

// SizeBytes is the reported container size, or 0 when unavailable.
func (r Result) SizeBytes() int64 {
	size := parseFloat(r.Format.Size)
	if size <= 0 {
		return 0
	}
	return int64(size)
}

func parseFloat(value string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
