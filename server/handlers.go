package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/live-tender/capture"
	"github.com/onnwee/live-tender/config"
	"github.com/onnwee/live-tender/jobs"
	"github.com/onnwee/live-tender/recorder"
	"github.com/onnwee/live-tender/schedule"
)

// Store is the persistence the handlers read directly. *db.Store implements it.
type Store interface {
	Ping(ctx context.Context) error
	GetKV(ctx context.Context, key string) (string, error)
	SetKV(ctx context.Context, key, value string) error
	UpsertOAuthToken(ctx context.Context, provider, accessToken, refreshToken string, expiry time.Time, scope string) error
	GetOAuthToken(ctx context.Context, provider string) (accessToken, refreshToken string, expiry time.Time, scope string, err error)
	GetVideo(ctx context.Context, filename string) (*recorder.Video, error)
	ListVideos(ctx context.Context, broadcasterID string, limit int) ([]recorder.Video, error)
	ListSchedules(ctx context.Context, broadcasterID string) ([]schedule.Schedule, error)
	UpsertSchedule(ctx context.Context, s schedule.Schedule) (string, error)
	DeleteSchedule(ctx context.Context, id string) (bool, error)
}

// Orchestrator is the subset of *recorder.Recorder driven by admin endpoints.
type Orchestrator interface {
	CaptureNow(ctx context.Context, broadcasterID string, quality capture.Resolution, requestedBy string) (string, error)
	SubmitRepair(ctx context.Context, filename string) (string, error)
	SyncFollowed(ctx context.Context) (int, error)
}

// JobStatuser reports job status. *jobs.Manager implements it.
type JobStatuser interface {
	Status(ctx context.Context, jobID string) (jobs.Status, bool)
}

// YouTubeAuth runs the YouTube consent flow. *youtubeapi.Service implements it.
type YouTubeAuth interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	cfg      *config.Config
	store    Store
	recorder Orchestrator
	jobs     JobStatuser
	webhook  http.Handler
	youtube  YouTubeAuth

	// httpClient is used for Twitch OAuth token exchange.
	httpClient *http.Client
	now        func() time.Time
}

// Options are the optional collaborators of Handlers.
type Options struct {
	// Webhook is the verified EventSub handler; the route is omitted when nil.
	Webhook    http.Handler
	YouTube    YouTubeAuth
	HTTPClient *http.Client
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(cfg *config.Config, store Store, rec Orchestrator, js JobStatuser, opts Options) *Handlers {
	return &Handlers{
		cfg:        cfg,
		store:      store,
		recorder:   rec,
		jobs:       js,
		webhook:    opts.Webhook,
		youtube:    opts.YouTube,
		httpClient: opts.HTTPClient,
		now:        time.Now,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
