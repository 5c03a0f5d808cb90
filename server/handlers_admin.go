package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/onnwee/live-tender/capture"
	"github.com/onnwee/live-tender/jobs"
	"github.com/onnwee/live-tender/recorder"
	"github.com/onnwee/live-tender/telemetry"
)

// HandleJobStatus returns {"id","status"} or 404 when the job is unknown.
func (h *Handlers) HandleJobStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	st, ok := h.jobs.Status(r.Context(), id)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(st)})
}

type videoJSON struct {
	Filename      string  `json:"filename"`
	BroadcasterID string  `json:"broadcaster_id"`
	Title         string  `json:"title"`
	Status        string  `json:"status"`
	StartedAt     string  `json:"started_at"`
	SizeBytes     int64   `json:"size_bytes,omitempty"`
	DurationSecs  float64 `json:"duration_seconds,omitempty"`
	ThumbnailPath string  `json:"thumbnail_path,omitempty"`
	YouTubeURL    string  `json:"youtube_url,omitempty"`
	Error         string  `json:"error,omitempty"`
}

// HandleVideosList lists recent videos, optionally filtered by ?broadcaster_id= and ?limit=.
func (h *Handlers) HandleVideosList(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be 1-500")
			return
		}
		limit = n
	}
	videos, err := h.store.ListVideos(r.Context(), r.URL.Query().Get("broadcaster_id"), limit)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("list videos failed", slog.String("component", "http"), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "list videos failed")
		return
	}
	out := make([]videoJSON, 0, len(videos))
	for _, v := range videos {
		out = append(out, videoJSON{
			Filename:      v.Filename,
			BroadcasterID: v.BroadcasterID,
			Title:         v.Title,
			Status:        string(v.Status),
			StartedAt:     v.StartedAt.UTC().Format("2006-01-02T15:04:05Z"),
			SizeBytes:     v.SizeBytes,
			DurationSecs:  v.DurationSecs,
			ThumbnailPath: v.ThumbnailPath,
			YouTubeURL:    v.YouTubeURL,
			Error:         v.Error,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type captureRequest struct {
	Quality string `json:"quality"`
}

// HandleAdminCapture starts a capture of a live broadcaster. Quality comes from the JSON body
// or ?quality= and defaults to 1080.
func (h *Handlers) HandleAdminCapture(w http.ResponseWriter, r *http.Request) {
	log := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "admin"))
	broadcasterID := mux.Vars(r)["id"]

	var req captureRequest
	if r.Body != nil {
		if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	if req.Quality == "" {
		req.Quality = r.URL.Query().Get("quality")
	}
	quality := capture.R1080
	if req.Quality != "" {
		q, err := capture.ParseResolution(req.Quality)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		quality = q
	}

	jobID, err := h.recorder.CaptureNow(r.Context(), broadcasterID, quality, "admin")
	var inProgress *jobs.InProgressError
	switch {
	case err == nil:
		log.Info("manual capture queued", slog.String("broadcaster_id", broadcasterID), slog.String("job_id", jobID), slog.String("quality", quality.String()))
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
	case errors.As(err, &inProgress):
		writeJSON(w, http.StatusConflict, map[string]string{"job_id": inProgress.JobID, "error": "capture already in progress"})
	case errors.Is(err, capture.ErrNoSuitableResolution), errors.Is(err, recorder.ErrNotLive):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		log.Error("manual capture failed", slog.String("broadcaster_id", broadcasterID), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "capture failed")
	}
}

// HandleAdminRepair queues a repair job for a finished video.
func (h *Handlers) HandleAdminRepair(w http.ResponseWriter, r *http.Request) {
	filename := mux.Vars(r)["filename"]
	v, err := h.store.GetVideo(r.Context(), filename)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if v == nil {
		writeError(w, http.StatusNotFound, "video not found")
		return
	}
	if v.Status != recorder.VideoDone {
		writeError(w, http.StatusConflict, "video is "+string(v.Status))
		return
	}
	jobID, err := h.recorder.SubmitRepair(r.Context(), filename)
	var inProgress *jobs.InProgressError
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
	case errors.As(err, &inProgress):
		writeJSON(w, http.StatusConflict, map[string]string{"job_id": inProgress.JobID, "error": "repair already in progress"})
	default:
		telemetry.LoggerWithCorr(r.Context()).Error("repair submit failed", slog.String("component", "admin"), slog.String("filename", filename), slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "repair failed")
	}
}

// HandleAdminFollowSync refreshes the followed broadcaster list and EventSub subscriptions.
func (h *Handlers) HandleAdminFollowSync(w http.ResponseWriter, r *http.Request) {
	n, err := h.recorder.SyncFollowed(r.Context())
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("follow sync failed", slog.String("component", "admin"), slog.Any("err", err))
		writeJSON(w, http.StatusBadGateway, map[string]any{"synced": n, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"synced": n})
}
