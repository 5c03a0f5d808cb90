package postprocess

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"math"
	"os"
	"strconv"
)

const (
	// DefaultThumbnailAt is the first timestamp a thumbnail frame is grabbed at.
	DefaultThumbnailAt = 300.0
	// ThumbnailStep is how far each retry advances.
	ThumbnailStep = 60.0
	// ThumbnailAttempts is the number of frames tried before giving up.
	ThumbnailAttempts = 5
	// SolidColorTolerance is the largest per-channel deviation (0-255) from the first sampled
	// pixel that still counts as the same colour. JPEG noise on a black frame stays well below it.
	SolidColorTolerance = 12
)

// ThumbnailTimestamps returns the timestamps tried in order. Timestamps at or past a known
// duration wrap around modulo the duration.
func ThumbnailTimestamps(start, duration float64) []float64 {
	if start < 0 {
		start = 0
	}
	out := make([]float64, 0, ThumbnailAttempts)
	for i := 0; i < ThumbnailAttempts; i++ {
		t := start + float64(i)*ThumbnailStep
		if duration > 0 && t >= duration {
			t = math.Mod(t, duration)
		}
		out = append(out, t)
	}
	return out
}

// IsSolidColor reports whether every pixel of a sampled 16x16 grid lies within tolerance of
// the first sample. It is a heuristic for black or blank frames, not an exact test.
func IsSolidColor(img image.Image, tolerance int) bool {
	b := img.Bounds()
	if b.Empty() {
		return true
	}
	const grid = 16
	var ref [3]int
	first := true
	for gy := 0; gy < grid; gy++ {
		y := b.Min.Y + (b.Dy()-1)*gy/(grid-1)
		for gx := 0; gx < grid; gx++ {
			x := b.Min.X + (b.Dx()-1)*gx/(grid-1)
			r, g, bl, _ := img.At(x, y).RGBA()
			px := [3]int{int(r >> 8), int(g >> 8), int(bl >> 8)}
			if first {
				ref, first = px, false
				continue
			}
			for c := range px {
				if abs(px[c]-ref[c]) > tolerance {
					return false
				}
			}
		}
	}
	return true
}

// grabFrame writes one JPEG frame of video at ts seconds to out and reports whether it is solid.
func (p *Processor) grabFrame(ctx context.Context, video string, ts float64, out string) (solid bool, err error) {
	args := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-ss", strconv.FormatFloat(ts, 'f', 3, 64),
		"-i", video,
		"-frames:v", "1",
		"-q:v", "3",
		out,
	}
	if _, err := p.runner().Run(ctx, p.ffmpeg(), args...); err != nil {
		return false, fmt.Errorf("ffmpeg frame at %.0fs: %w", ts, err)
	}
	f, err := os.Open(out)
	if err != nil {
		return false, fmt.Errorf("open frame: %w", err)
	}
	defer f.Close()
	img, err := jpeg.Decode(f)
	if err != nil {
		return false, fmt.Errorf("decode frame: %w", err)
	}
	return IsSolidColor(img, SolidColorTolerance), nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
