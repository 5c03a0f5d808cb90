package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// Resolution is a vertical frame size in pixels.
type Resolution int

const (
	R1080 Resolution = 1080
	R720  Resolution = 720
	R480  Resolution = 480
	R360  Resolution = 360
	R160  Resolution = 160
)

// ErrNoSuitableResolution aborts a capture before any process is spawned.
var ErrNoSuitableResolution = errors.New("no suitable resolution")

// fallbacks lists, per preferred resolution, the resolutions tried in order when the
// preferred one is not served. 360 and 160 have no fallback.
var fallbacks = map[Resolution][]Resolution{
	R1080: {R720, R480},
	R720:  {R480, R360},
	R480:  {R360, R160},
}

func (r Resolution) String() string { return strconv.Itoa(int(r)) + "p" }

// Valid reports whether r is one of the supported resolutions.
func (r Resolution) Valid() bool {
	switch r {
	case R1080, R720, R480, R360, R160:
		return true
	}
	return false
}

// ParseResolution accepts "720", "720p" or "720P".
func ParseResolution(s string) (Resolution, error) {
	n, err := strconv.Atoi(strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "p"))
	if err != nil || !Resolution(n).Valid() {
		return 0, fmt.Errorf("unknown resolution %q", s)
	}
	return Resolution(n), nil
}

// Fallbacks returns the fallback chain of r (without r itself).
func (r Resolution) Fallbacks() []Resolution { return slices.Clone(fallbacks[r]) }

// Prober lists the resolutions a source can currently serve.
type Prober interface {
	Probe(ctx context.Context, source string) ([]Resolution, error)
}

// Negotiate returns preferred if the source serves it, otherwise the first served entry of
// its fallback chain. A probe failure aborts negotiation with that error.
func Negotiate(ctx context.Context, p Prober, preferred Resolution, source string) (Resolution, error) {
	available, err := p.Probe(ctx, source)
	if err != nil {
		return 0, fmt.Errorf("probe %s: %w", source, err)
	}
	if slices.Contains(available, preferred) {
		return preferred, nil
	}
	for _, r := range fallbacks[preferred] {
		if slices.Contains(available, r) {
			return r, nil
		}
	}
	return 0, fmt.Errorf("%w: wanted %s, source serves %v", ErrNoSuitableResolution, preferred, available)
}

// YTDLPProber asks yt-dlp for the format list of a source.
type YTDLPProber struct {
	Binary string
	Runner Runner
}

// Probe implements Prober by running `yt-dlp -J` and collecting format heights.
func (p YTDLPProber) Probe(ctx context.Context, source string) ([]Resolution, error) {
	bin := p.Binary
	if bin == "" {
		bin = "yt-dlp"
	}
	out, err := runnerOrExec(p.Runner).Run(ctx, bin, "-J", "--no-warnings", source)
	if err != nil {
		return nil, &StageError{Stage: "probe", Err: err, Output: tail(out)}
	}
	return parseFormatHeights(out)
}

func parseFormatHeights(data []byte) ([]Resolution, error) {
	var info struct {
		Formats []struct {
			Height *int `json:"height"`
		} `json:"formats"`
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("parse yt-dlp json: %w", err)
	}
	var out []Resolution
	for _, f := range info.Formats {
		if f.Height == nil {
			continue
		}
		r := Resolution(*f.Height)
		if r.Valid() && !slices.Contains(out, r) {
			out = append(out, r)
		}
	}
	return out, nil
}
