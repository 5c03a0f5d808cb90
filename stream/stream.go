// Package stream holds live-stream snapshots and the availability poller that absorbs the
// delay between an EventSub stream.online delivery and Helix reporting the stream as live.
package stream

import (
	"context"
	"log/slog"
	"time"

	"github.com/onnwee/live-tender/telemetry"
	"github.com/onnwee/live-tender/twitchapi"
)

const (
	DefaultMaxAttempts = 5
	DefaultDelay       = 120 * time.Second
)

// Snapshot is the metadata of a broadcast observed live. Once stored it is never changed,
// except EndedAt which the stream.offline path sets once.
type Snapshot struct {
	ID               string
	BroadcasterID    string
	BroadcasterLogin string
	ViewerCount      int
	Categories       []string
	Tags             []string
	Title            string
	StartedAt        time.Time
	EndedAt          *time.Time
}

// SourceURL is the locator handed to the downloader.
func (s *Snapshot) SourceURL() string {
	return "https://www.twitch.tv/" + s.BroadcasterLogin
}

// Fetcher returns the current live snapshot of a broadcaster. A nil snapshot with a nil
// error means the broadcaster is offline (or not yet visible as live).
type Fetcher interface {
	FetchLive(ctx context.Context, broadcasterID string) (*Snapshot, error)
}

// Poller retries a Fetcher with a fixed delay.
type Poller struct {
	Fetcher     Fetcher
	MaxAttempts int
	Delay       time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

// NewPoller returns a Poller with the default attempt count and delay when zero values are passed.
func NewPoller(f Fetcher, attempts int, delay time.Duration) *Poller {
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Poller{Fetcher: f, MaxAttempts: attempts, Delay: delay}
}

// Await polls until the broadcaster is live or attempts run out. Running out is reported as
// (nil, false) whether the attempts saw the stream offline or failed with errors; the two
// cases differ only in the log line. A cancelled context also ends polling with (nil, false).
func (p *Poller) Await(ctx context.Context, broadcasterID string) (*Snapshot, bool) {
	log := slog.Default().With(slog.String("component", "poller"), slog.String("broadcaster_id", broadcasterID))
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var errCount int
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		snap, err := p.Fetcher.FetchLive(ctx, broadcasterID)
		switch {
		case err != nil:
			errCount++
			lastErr = err
			telemetry.IncPollAttempt("error")
			log.Warn("stream fetch failed", slog.Int("attempt", attempt), slog.Any("err", err))
		case snap == nil:
			telemetry.IncPollAttempt("offline")
			log.Debug("stream not live yet", slog.Int("attempt", attempt))
		default:
			telemetry.IncPollAttempt("live")
			return snap, true
		}
		if attempt == attempts {
			break
		}
		if err := sleep(ctx, p.Delay); err != nil {
			log.Info("stream poll cancelled", slog.Int("attempt", attempt))
			return nil, false
		}
	}
	if errCount == attempts {
		log.Error("stream poll exhausted by errors", slog.Int("attempts", attempts), slog.Any("last_err", lastErr))
	} else {
		log.Info("stream not live after polling", slog.Int("attempts", attempts), slog.Int("errors", errCount))
	}
	return nil, false
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// HelixFetcher adapts the Helix client to Fetcher.
type HelixFetcher struct {
	Client *twitchapi.HelixClient
}

// FetchLive implements Fetcher.
func (h HelixFetcher) FetchLive(ctx context.Context, broadcasterID string) (*Snapshot, error) {
	s, err := h.Client.GetStream(ctx, broadcasterID)
	if err != nil || s == nil {
		return nil, err
	}
	return FromHelix(s), nil
}

// FromHelix converts a Helix stream into an unsaved snapshot. Helix reports one category
// (the game) per stream; it becomes the single entry of Categories.
func FromHelix(s *twitchapi.Stream) *Snapshot {
	snap := &Snapshot{
		BroadcasterID:    s.UserID,
		BroadcasterLogin: s.UserLogin,
		ViewerCount:      s.ViewerCount,
		Tags:             append([]string(nil), s.Tags...),
		Title:            s.Title,
		StartedAt:        s.StartedAt,
	}
	if s.GameName != "" {
		snap.Categories = []string{s.GameName}
	}
	if snap.StartedAt.IsZero() {
		snap.StartedAt = time.Now().UTC()
	}
	return snap
}
