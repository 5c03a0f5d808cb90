// Package recorder wires the webhook dispatcher to capture jobs: it resolves a live snapshot,
// matches recording schedules against it and submits one capture job per broadcaster.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/live-tender/capture"
	"github.com/onnwee/live-tender/fetchcache"
	"github.com/onnwee/live-tender/jobs"
	"github.com/onnwee/live-tender/schedule"
	"github.com/onnwee/live-tender/stream"
	"github.com/onnwee/live-tender/telemetry"
	"github.com/onnwee/live-tender/twitchapi"
	"github.com/onnwee/live-tender/webhook"
)

// ErrNotLive is returned by CaptureNow when the broadcaster has no live stream.
var ErrNotLive = errors.New("broadcaster is not live")

// VideoStatus is the lifecycle state of a Video row.
type VideoStatus string

const (
	VideoPending VideoStatus = "pending"
	VideoDone    VideoStatus = "done"
	VideoFailed  VideoStatus = "failed"
)

// Video is one capture file and its derived metadata.
type Video struct {
	Filename      string
	BroadcasterID string
	Path          string
	Title         string
	Status        VideoStatus
	StartedAt     time.Time
	DownloadedAt  *time.Time
	SizeBytes     int64
	DurationSecs  float64
	ThumbnailPath string
	JobID         string
	YouTubeURL    string
	Error         string
}

// Broadcaster is a followed channel.
type Broadcaster struct {
	ID          string
	Login       string
	DisplayName string
	FollowedBy  string
}

// Store is the persistence surface the recorder needs. OpenSnapshot and GetVideo return
// nil, nil when nothing matches.
type Store interface {
	EnabledSchedules(ctx context.Context, broadcasterID string) ([]schedule.Schedule, error)
	InsertSnapshot(ctx context.Context, snap stream.Snapshot) error
	OpenSnapshot(ctx context.Context, broadcasterID string) (*stream.Snapshot, error)
	CloseSnapshot(ctx context.Context, broadcasterID string, endedAt time.Time) (int64, error)
	InsertVideo(ctx context.Context, v Video) error
	FailVideo(ctx context.Context, filename, reason string) error
	FailPendingVideos(ctx context.Context) (int64, error)
	SetVideoYouTubeURL(ctx context.Context, filename, url string) error
	GetVideo(ctx context.Context, filename string) (*Video, error)
	UpsertBroadcaster(ctx context.Context, b Broadcaster) error
}

// ChatRecorder records a channel's chat against a video until ctx is done.
type ChatRecorder interface {
	Record(ctx context.Context, channelLogin, videoFilename string, start time.Time) error
}

// Uploader publishes a finished capture and returns its URL.
type Uploader interface {
	Upload(ctx context.Context, path, title, description string) (string, error)
}

// FollowSource lists followed channels and subscribes to their EventSub notifications.
type FollowSource interface {
	GetFollowedChannels(ctx context.Context, userID string) ([]twitchapi.FollowedChannel, error)
	CreateEventSubSubscription(ctx context.Context, subType, version, broadcasterID, callback, secret string) (*twitchapi.Subscription, error)
}

// Recorder implements webhook.Dispatcher.
type Recorder struct {
	Store    Store
	Cache    *fetchcache.Cache
	Poller   *stream.Poller
	Prober   capture.Prober
	Pipeline *capture.Pipeline
	Jobs     *jobs.Registry

	// Optional collaborators.
	Chat     ChatRecorder
	Uploader Uploader
	Follows  FollowSource

	ActorID     string
	DataDir     string
	AudioRate   int
	CallbackURL string
	Secret      string

	now func() time.Time
}

var _ webhook.Dispatcher = (*Recorder)(nil)

func (r *Recorder) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}

// StreamOnline resolves a snapshot for the broadcaster and triggers a capture when any enabled
// schedule matches it.
func (r *Recorder) StreamOnline(ctx context.Context, ev webhook.Event) error {
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "recorder"), slog.String("broadcaster_id", ev.BroadcasterID))
	snap, err := r.snapshot(ctx, log, ev.BroadcasterID)
	if err != nil {
		return err
	}
	if snap == nil {
		log.Info("stream not live after polling, nothing to capture")
		return nil
	}
	if snap.BroadcasterLogin == "" {
		snap.BroadcasterLogin = ev.BroadcasterLogin
	}
	return r.evaluate(ctx, log, snap)
}

// snapshot returns the broadcaster's open snapshot when a stream fetch was logged within the
// cache TTL; otherwise it polls Helix and records a new snapshot. nil means not live.
func (r *Recorder) snapshot(ctx context.Context, log *slog.Logger, broadcasterID string) (*stream.Snapshot, error) {
	entry, err := r.Cache.ShouldReuse(ctx, r.ActorID, fetchcache.KindStream, broadcasterID)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		snap, err := r.Store.OpenSnapshot(ctx, broadcasterID)
		if err != nil {
			return nil, fmt.Errorf("open snapshot: %w", err)
		}
		if snap != nil {
			telemetry.IncFetchCache(string(fetchcache.KindStream), "hit")
			log.Debug("reusing recent stream snapshot", slog.String("snapshot_id", snap.ID), slog.Time("fetched_at", entry.FetchedAt))
			return snap, nil
		}
	}
	telemetry.IncFetchCache(string(fetchcache.KindStream), "miss")

	snap, ok := r.Poller.Await(ctx, broadcasterID)
	if !ok {
		return nil, nil
	}
	if err := r.Store.InsertSnapshot(ctx, *snap); err != nil {
		return nil, fmt.Errorf("insert snapshot: %w", err)
	}
	if _, err := r.Cache.RecordFetch(ctx, r.ActorID, fetchcache.KindStream, broadcasterID); err != nil {
		log.Warn("failed to record stream fetch", slog.Any("err", err))
	}
	return snap, nil
}

// evaluate matches the broadcaster's schedules against snap and triggers a capture. Refusals
// are logged, not returned.
func (r *Recorder) evaluate(ctx context.Context, log *slog.Logger, snap *stream.Snapshot) error {
	all, err := r.Store.EnabledSchedules(ctx, snap.BroadcasterID)
	if err != nil {
		return fmt.Errorf("load schedules: %w", err)
	}
	valid := all[:0:0]
	for _, s := range all {
		if err := schedule.Validate(s); err != nil {
			log.Warn("skipping invalid schedule", slog.String("schedule_id", s.ID), slog.Any("err", err))
			continue
		}
		valid = append(valid, s)
	}
	plan, ok := schedule.Aggregate(schedule.Match(snap, valid))
	if !ok {
		log.Info("no schedule matched live stream", slog.Int("schedules", len(valid)), slog.Int("viewers", snap.ViewerCount))
		return nil
	}
	jobID, err := r.TriggerCapture(ctx, plan, snap)
	var inProgress *jobs.InProgressError
	switch {
	case errors.As(err, &inProgress):
		log.Info("capture already in progress", slog.String("job_id", inProgress.JobID))
		return nil
	case errors.Is(err, capture.ErrNoSuitableResolution):
		log.Warn("no suitable resolution, capture skipped", slog.String("requested", plan.Resolution.String()))
		return nil
	case err != nil:
		return err
	}
	log.Info("capture triggered",
		slog.String("job_id", jobID),
		slog.String("resolution", plan.Resolution.String()),
		slog.Any("owners", plan.Owners))
	return nil
}

// CapturePayload is the task payload of a capture job.
type CapturePayload struct {
	Plan       schedule.Plan
	Snapshot   stream.Snapshot
	Resolution capture.Resolution
}

// TriggerCapture negotiates a resolution for plan and submits a capture job. It refuses with
// *jobs.InProgressError when the broadcaster already has an active job and with
// capture.ErrNoSuitableResolution when the source cannot serve any acceptable quality.
func (r *Recorder) TriggerCapture(ctx context.Context, plan schedule.Plan, snap *stream.Snapshot) (string, error) {
	if id, ok := r.Jobs.Manager().HasPendingJobFor(ctx, plan.BroadcasterID); ok {
		return "", &jobs.InProgressError{ResourceID: plan.BroadcasterID, JobID: id}
	}
	res, err := capture.Negotiate(ctx, r.Prober, plan.Resolution, snap.SourceURL())
	if err != nil {
		return "", err
	}
	return r.Jobs.Submit(ctx, jobs.Task{
		Kind:       jobs.KindCapture,
		ResourceID: plan.BroadcasterID,
		Payload:    CapturePayload{Plan: plan, Snapshot: *snap, Resolution: res},
	})
}

// CaptureNow captures a broadcaster at quality regardless of schedules. It fetches the stream
// once and returns ErrNotLive when it is offline.
func (r *Recorder) CaptureNow(ctx context.Context, broadcasterID string, quality capture.Resolution, requestedBy string) (string, error) {
	snap, err := r.Poller.Fetcher.FetchLive(ctx, broadcasterID)
	if err != nil {
		return "", fmt.Errorf("fetch stream: %w", err)
	}
	if snap == nil {
		return "", ErrNotLive
	}
	if err := r.Store.InsertSnapshot(ctx, *snap); err != nil {
		return "", fmt.Errorf("insert snapshot: %w", err)
	}
	plan := schedule.Plan{BroadcasterID: broadcasterID, Resolution: quality, Owners: []string{requestedBy}}
	return r.TriggerCapture(ctx, plan, snap)
}

// StreamOffline closes the broadcaster's open snapshots.
func (r *Recorder) StreamOffline(ctx context.Context, ev webhook.Event) error {
	n, err := r.Store.CloseSnapshot(ctx, ev.BroadcasterID, ev.ReceivedAt)
	if err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	telemetry.LoggerWithCorr(ctx).Info("stream offline",
		slog.String("component", "recorder"),
		slog.String("broadcaster_id", ev.BroadcasterID),
		slog.Int64("closed_snapshots", n))
	return nil
}

// ChannelUpdate re-evaluates schedules against the new title and category while the broadcaster
// is live and not already being captured. Snapshots are immutable, so a fresh one is recorded.
func (r *Recorder) ChannelUpdate(ctx context.Context, ev webhook.Event) error {
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "recorder"), slog.String("broadcaster_id", ev.BroadcasterID))
	if id, ok := r.Jobs.Manager().HasPendingJobFor(ctx, ev.BroadcasterID); ok {
		log.Debug("channel update during capture ignored", slog.String("job_id", id))
		return nil
	}
	open, err := r.Store.OpenSnapshot(ctx, ev.BroadcasterID)
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	if open == nil {
		log.Debug("channel update while offline ignored")
		return nil
	}
	snap := *open
	snap.ID = uuid.NewString()
	snap.Title = ev.Title
	if ev.CategoryName != "" {
		snap.Categories = []string{ev.CategoryName}
	}
	if err := r.Store.InsertSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return r.evaluate(ctx, log, &snap)
}

// Subscription types and versions created for every followed broadcaster.
var eventSubTypes = []struct{ typ, version string }{
	{webhook.TypeStreamOnline, "1"},
	{webhook.TypeStreamOffline, "1"},
	{webhook.TypeChannelUpdate, "2"},
}

// SyncFollowed refreshes the followed broadcaster list of the configured actor and makes sure
// each one has EventSub subscriptions. The Helix call is skipped when a followed fetch was
// logged within the cache TTL; the returned count is then 0.
func (r *Recorder) SyncFollowed(ctx context.Context) (int, error) {
	if r.Follows == nil || r.ActorID == "" {
		return 0, errors.New("follow sync requires a follow source and TWITCH_ACTOR_ID")
	}
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "follow_sync"), slog.String("actor_id", r.ActorID))
	entry, err := r.Cache.ShouldReuse(ctx, r.ActorID, fetchcache.KindFollowed, "")
	if err != nil {
		return 0, err
	}
	if entry != nil {
		telemetry.IncFetchCache(string(fetchcache.KindFollowed), "hit")
		log.Info("followed channels fetched recently, skipping", slog.Time("fetched_at", entry.FetchedAt))
		return 0, nil
	}
	telemetry.IncFetchCache(string(fetchcache.KindFollowed), "miss")

	follows, err := r.Follows.GetFollowedChannels(ctx, r.ActorID)
	if err != nil {
		return 0, fmt.Errorf("followed channels: %w", err)
	}
	if _, err := r.Cache.RecordFetch(ctx, r.ActorID, fetchcache.KindFollowed, ""); err != nil {
		log.Warn("failed to record followed fetch", slog.Any("err", err))
	}

	var errs []error
	for _, f := range follows {
		b := Broadcaster{ID: f.BroadcasterID, Login: f.BroadcasterLogin, DisplayName: f.BroadcasterName, FollowedBy: r.ActorID}
		if err := r.Store.UpsertBroadcaster(ctx, b); err != nil {
			errs = append(errs, fmt.Errorf("upsert %s: %w", f.BroadcasterLogin, err))
			continue
		}
		if r.CallbackURL == "" {
			continue
		}
		for _, st := range eventSubTypes {
			if _, err := r.Follows.CreateEventSubSubscription(ctx, st.typ, st.version, f.BroadcasterID, r.CallbackURL, r.Secret); err != nil {
				errs = append(errs, fmt.Errorf("subscribe %s %s: %w", f.BroadcasterLogin, st.typ, err))
			}
		}
	}
	log.Info("followed channels synced", slog.Int("count", len(follows)), slog.Int("errors", len(errs)))
	return len(follows), errors.Join(errs...)
}

// Recover fails jobs and videos a previous process left unfinished.
func (r *Recorder) Recover(ctx context.Context) error {
	failed, err := r.Jobs.Manager().Recover(ctx)
	if err != nil {
		return err
	}
	n, err := r.Store.FailPendingVideos(ctx)
	if err != nil {
		return fmt.Errorf("fail pending videos: %w", err)
	}
	if len(failed) > 0 || n > 0 {
		slog.Warn("recovered after restart", slog.String("component", "recorder"), slog.Int("jobs", len(failed)), slog.Int64("videos", n))
	}
	return nil
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// VideoFilename names the capture of a broadcast started at started for job jobID.
func VideoFilename(login string, started time.Time, jobID string) string {
	short := jobID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s_%s_%s.mp4", unsafeName.ReplaceAllString(login, "_"), started.UTC().Format("20060102_150405"), short)
}

// VideoPath places a capture under a per-broadcaster directory.
func (r *Recorder) VideoPath(login, filename string) string {
	return filepath.Join(r.DataDir, unsafeName.ReplaceAllString(login, "_"), filename)
}
