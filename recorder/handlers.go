package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/onnwee/live-tender/capture"
	"github.com/onnwee/live-tender/jobs"
	"github.com/onnwee/live-tender/postprocess"
	"github.com/onnwee/live-tender/telemetry"
)

// CaptureHandler runs capture jobs.
type CaptureHandler struct {
	R *Recorder
}

func (h CaptureHandler) video(jobID string, p CapturePayload) Video {
	login := p.Snapshot.BroadcasterLogin
	if login == "" {
		login = p.Snapshot.BroadcasterID
	}
	name := VideoFilename(login, p.Snapshot.StartedAt, jobID)
	return Video{
		Filename:      name,
		BroadcasterID: p.Plan.BroadcasterID,
		Path:          h.R.VideoPath(login, name),
		Title:         p.Snapshot.Title,
		Status:        VideoPending,
		StartedAt:     p.Snapshot.StartedAt,
		JobID:         jobID,
	}
}

func capturePayload(t jobs.Task) (CapturePayload, error) {
	p, ok := t.Payload.(CapturePayload)
	if !ok {
		return CapturePayload{}, fmt.Errorf("capture task %s: unexpected payload %T", t.ResourceID, t.Payload)
	}
	return p, nil
}

// Run records the Video, captures it (with chat alongside when configured) and uploads it when
// an Uploader is set. Upload failures are logged; the capture itself succeeded.
func (h CaptureHandler) Run(ctx context.Context, jobID string, t jobs.Task) error {
	p, err := capturePayload(t)
	if err != nil {
		return err
	}
	r := h.R
	v := h.video(jobID, p)
	log := telemetry.LoggerWithCorr(ctx).With(
		slog.String("component", "capture_job"),
		slog.String("job_id", jobID),
		slog.String("broadcaster_id", v.BroadcasterID),
		slog.String("file", v.Filename))

	if err := r.Store.InsertVideo(ctx, v); err != nil {
		return fmt.Errorf("insert video: %w", err)
	}

	var chatWG sync.WaitGroup
	chatCtx, stopChat := context.WithCancel(ctx)
	defer func() {
		stopChat()
		chatWG.Wait()
	}()
	if r.Chat != nil && p.Snapshot.BroadcasterLogin != "" {
		chatWG.Add(1)
		go func() {
			defer chatWG.Done()
			if err := r.Chat.Record(chatCtx, p.Snapshot.BroadcasterLogin, v.Filename, p.Snapshot.StartedAt); err != nil {
				log.Warn("chat recording stopped", slog.Any("err", err))
			}
		}()
	}

	log.Info("capture starting", slog.String("resolution", p.Resolution.String()), slog.Any("owners", p.Plan.Owners))
	dest, err := r.Pipeline.Run(ctx, capture.Request{
		Source:     p.Snapshot.SourceURL(),
		Resolution: p.Resolution,
		Dest:       v.Path,
		AudioRate:  r.AudioRate,
	})
	stopChat()
	if err != nil {
		return err
	}

	if r.Uploader != nil {
		title := fmt.Sprintf("%s (%s)", v.Title, v.StartedAt.UTC().Format("2006-01-02"))
		url, err := r.Uploader.Upload(ctx, dest, title, "Live capture of "+p.Snapshot.SourceURL())
		if err != nil {
			log.Warn("youtube upload failed", slog.Any("err", err))
			return nil
		}
		if err := r.Store.SetVideoYouTubeURL(ctx, v.Filename, url); err != nil {
			log.Warn("failed to store youtube url", slog.String("url", url), slog.Any("err", err))
		}
	}
	return nil
}

// OnFailure removes whatever the job left on disk and marks its Video failed. A FAILED video
// is never reaped by retention, so no file may outlive it.
func (h CaptureHandler) OnFailure(ctx context.Context, jobID string, t jobs.Task, cause error) {
	log := slog.Default().With(slog.String("component", "capture_job"), slog.String("job_id", jobID))
	p, err := capturePayload(t)
	if err != nil {
		log.Error("cannot fail video", slog.Any("err", err))
		return
	}
	v := h.video(jobID, p)
	for _, path := range []string{v.Path, postprocess.ThumbnailPath(v.Path)} {
		if err := os.Remove(path); err == nil {
			log.Info("removed artifact of failed capture", slog.String("path", path))
		} else if !errors.Is(err, os.ErrNotExist) {
			log.Warn("failed to remove artifact of failed capture", slog.String("path", path), slog.Any("err", err))
		}
	}
	if err := h.R.Store.FailVideo(ctx, v.Filename, cause.Error()); err != nil {
		log.Error("failed to mark video failed", slog.String("file", v.Filename), slog.Any("err", err))
		return
	}
	log.Warn("video marked failed", slog.String("file", v.Filename), slog.String("class", capture.ClassifyError(cause).String()))
}

// Repairer checks and fixes captures. *postprocess.Processor implements it.
type Repairer interface {
	Repair(ctx context.Context, path string) (postprocess.RepairResult, error)
	Process(ctx context.Context, filename, path string) (postprocess.Metadata, error)
}

// RepairPayload is the task payload of a repair job.
type RepairPayload struct {
	Filename string
}

// RepairResourceID keeps repair jobs from colliding with capture jobs of the same broadcaster.
func RepairResourceID(filename string) string { return "repair:" + filename }

// RepairHandler runs repair jobs on finished videos.
type RepairHandler struct {
	Store    Store
	Repairer Repairer
}

// Run repairs the video when it is corrupt and refreshes its metadata after a swap.
func (h RepairHandler) Run(ctx context.Context, jobID string, t jobs.Task) error {
	p, ok := t.Payload.(RepairPayload)
	if !ok {
		return fmt.Errorf("repair task %s: unexpected payload %T", t.ResourceID, t.Payload)
	}
	v, err := h.Store.GetVideo(ctx, p.Filename)
	if err != nil {
		return fmt.Errorf("get video: %w", err)
	}
	if v == nil || v.Path == "" {
		return fmt.Errorf("video %s has no file", p.Filename)
	}
	if v.Status != VideoDone {
		return fmt.Errorf("video %s is %s, only finished videos can be repaired", p.Filename, v.Status)
	}
	res, err := h.Repairer.Repair(ctx, v.Path)
	if err != nil {
		return err
	}
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "repair_job"), slog.String("job_id", jobID), slog.String("file", v.Filename))
	switch res.Outcome {
	case postprocess.OutcomeRepaired:
		if _, err := h.Repairer.Process(ctx, v.Filename, v.Path); err != nil {
			return fmt.Errorf("refresh metadata: %w", err)
		}
		log.Info("video repaired")
	case postprocess.OutcomeUnrepaired:
		return errors.New("video still corrupt after remux")
	default:
		log.Info("video healthy, nothing to repair")
	}
	return nil
}

// OnFailure only logs; a failed repair leaves the original file in place.
func (h RepairHandler) OnFailure(ctx context.Context, jobID string, t jobs.Task, err error) {
	slog.Warn("repair job failed", slog.String("component", "repair_job"), slog.String("job_id", jobID), slog.String("resource_id", t.ResourceID), slog.Any("err", err))
}

// SubmitRepair queues a repair job for a finished video.
func (r *Recorder) SubmitRepair(ctx context.Context, filename string) (string, error) {
	return r.Jobs.Submit(ctx, jobs.Task{Kind: jobs.KindRepair, ResourceID: RepairResourceID(filename), Payload: RepairPayload{Filename: filename}})
}

// RegisterHandlers binds the capture and repair handlers to r.Jobs and checks that every kind
// is covered.
func (r *Recorder) RegisterHandlers(repairer Repairer) error {
	if err := r.Jobs.Register(jobs.KindCapture, CaptureHandler{R: r}); err != nil {
		return err
	}
	if err := r.Jobs.Register(jobs.KindRepair, RepairHandler{Store: r.Store, Repairer: repairer}); err != nil {
		return err
	}
	return r.Jobs.Require(jobs.KindCapture, jobs.KindRepair)
}
