package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/live-tender/capture"
	"github.com/onnwee/live-tender/config"
	"github.com/onnwee/live-tender/jobs"
	"github.com/onnwee/live-tender/recorder"
	"github.com/onnwee/live-tender/schedule"
	"github.com/onnwee/live-tender/testutil"
	"github.com/onnwee/live-tender/webhook"
)

type fakeStore struct {
	mu      sync.Mutex
	pingErr error
	kv      map[string]string
	tokens  map[string][2]string
	videos  map[string]*recorder.Video
	scheds  map[string]schedule.Schedule
}

func newFakeStore() *fakeStore {
	return &fakeStore{kv: map[string]string{}, tokens: map[string][2]string{}, videos: map[string]*recorder.Video{}, scheds: map[string]schedule.Schedule{}}
}

func (f *fakeStore) Ping(ctx context.Context) error { return f.pingErr }

func (f *fakeStore) GetKV(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.kv[key], nil
}

func (f *fakeStore) SetKV(ctx context.Context, key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kv[key] = value
	return nil
}

func (f *fakeStore) UpsertOAuthToken(ctx context.Context, provider, at, rt string, exp time.Time, scope string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[provider] = [2]string{at, rt}
	return nil
}

func (f *fakeStore) GetOAuthToken(ctx context.Context, provider string) (string, string, time.Time, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.tokens[provider]
	return t[0], t[1], time.Time{}, "", nil
}

func (f *fakeStore) GetVideo(ctx context.Context, filename string) (*recorder.Video, error) {
	return f.videos[filename], nil
}

func (f *fakeStore) ListVideos(ctx context.Context, broadcasterID string, limit int) ([]recorder.Video, error) {
	var out []recorder.Video
	for _, v := range f.videos {
		if broadcasterID == "" || v.BroadcasterID == broadcasterID {
			out = append(out, *v)
		}
	}
	return out, nil
}

func (f *fakeStore) ListSchedules(ctx context.Context, broadcasterID string) ([]schedule.Schedule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []schedule.Schedule
	for _, sc := range f.scheds {
		if sc.BroadcasterID == broadcasterID {
			out = append(out, sc)
		}
	}
	return out, nil
}

func (f *fakeStore) UpsertSchedule(ctx context.Context, sc schedule.Schedule) (string, error) {
	if err := schedule.Validate(sc); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if sc.ID == "" {
		sc.ID = fmt.Sprintf("s%d", len(f.scheds)+1)
	}
	f.scheds[sc.ID] = sc
	return sc.ID, nil
}

func (f *fakeStore) DeleteSchedule(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.scheds[id]
	delete(f.scheds, id)
	return ok, nil
}

type fakeOrchestrator struct {
	captureErr  error
	captureID   string
	gotQuality  capture.Resolution
	repairErr   error
	syncCount   int
	syncErr     error
	repairCalls int
}

func (f *fakeOrchestrator) CaptureNow(ctx context.Context, id string, q capture.Resolution, by string) (string, error) {
	f.gotQuality = q
	return f.captureID, f.captureErr
}

func (f *fakeOrchestrator) SubmitRepair(ctx context.Context, filename string) (string, error) {
	f.repairCalls++
	return "repair-1", f.repairErr
}

func (f *fakeOrchestrator) SyncFollowed(ctx context.Context) (int, error) {
	return f.syncCount, f.syncErr
}

type fakeJobs map[string]jobs.Status

func (f fakeJobs) Status(ctx context.Context, id string) (jobs.Status, bool) {
	s, ok := f[id]
	return s, ok
}

type fakeYouTube struct{ code string }

func (f *fakeYouTube) AuthCodeURL(state string) string {
	return "https://accounts.example/auth?state=" + state
}

func (f *fakeYouTube) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	f.code = code
	return &oauth2.Token{AccessToken: "yt", RefreshToken: "yt-r"}, nil
}

type harness struct {
	store  *fakeStore
	orch   *fakeOrchestrator
	router http.Handler
}

func newHarness(t *testing.T, cfg *config.Config, opts Options) *harness {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{}
	}
	h := &harness{store: newFakeStore(), orch: &fakeOrchestrator{captureID: "job-1"}}
	handlers := NewHandlers(cfg, h.store, h.orch, fakeJobs{"job-1": jobs.StatusRunning}, opts)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h.router = NewRouter(ctx, handlers)
	return h
}

func (h *harness) do(method, target, body string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.router.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return m
}

func TestJobStatus(t *testing.T) {
	h := newHarness(t, nil, Options{})
	rr := h.do(http.MethodGet, "/jobs/job-1", "", nil)
	if rr.Code != http.StatusOK || decode(t, rr)["status"] != "running" {
		t.Fatalf("GET /jobs/job-1 = %d %s", rr.Code, rr.Body)
	}
	if rr := h.do(http.MethodGet, "/jobs/missing", "", nil); rr.Code != http.StatusNotFound {
		t.Errorf("missing job = %d, want 404", rr.Code)
	}
	if rr.Header().Get("X-Correlation-ID") == "" {
		t.Error("expected X-Correlation-ID header")
	}
}

func TestAdminCapture(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		query       string
		err         error
		wantStatus  int
		wantJobID   string
		wantQuality capture.Resolution
	}{
		{name: "default quality", wantStatus: http.StatusAccepted, wantJobID: "job-1", wantQuality: capture.R1080},
		{name: "body quality", body: `{"quality":"720p"}`, wantStatus: http.StatusAccepted, wantJobID: "job-1", wantQuality: capture.R720},
		{name: "query quality", query: "?quality=480", wantStatus: http.StatusAccepted, wantJobID: "job-1", wantQuality: capture.R480},
		{name: "bad quality", body: `{"quality":"4k"}`, wantStatus: http.StatusBadRequest},
		{name: "bad body", body: `{`, wantStatus: http.StatusBadRequest},
		{name: "in progress", err: &jobs.InProgressError{ResourceID: "b1", JobID: "job-0"}, wantStatus: http.StatusConflict, wantJobID: "job-0"},
		{name: "no suitable resolution", err: fmt.Errorf("negotiate: %w", capture.ErrNoSuitableResolution), wantStatus: http.StatusUnprocessableEntity},
		{name: "not live", err: recorder.ErrNotLive, wantStatus: http.StatusUnprocessableEntity},
		{name: "other failure", err: errors.New("db down"), wantStatus: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil, Options{})
			h.orch.captureErr = tt.err
			rr := h.do(http.MethodPost, "/admin/broadcasters/b1/capture"+tt.query, tt.body, nil)
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%s)", rr.Code, tt.wantStatus, rr.Body)
			}
			if tt.wantJobID != "" {
				if got := decode(t, rr)["job_id"]; got != tt.wantJobID {
					t.Errorf("job_id = %v, want %s", got, tt.wantJobID)
				}
			}
			if tt.wantQuality != 0 && h.orch.gotQuality != tt.wantQuality {
				t.Errorf("quality = %v, want %v", h.orch.gotQuality, tt.wantQuality)
			}
		})
	}
}

func TestAdminRoutesRequireToken(t *testing.T) {
	h := newHarness(t, &config.Config{AdminToken: "s3cret"}, Options{})
	if rr := h.do(http.MethodPost, "/admin/follows/sync", "", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("without token = %d, want 401", rr.Code)
	}
	h.orch.syncCount = 3
	rr := h.do(http.MethodPost, "/admin/follows/sync", "", map[string]string{"X-Admin-Token": "s3cret"})
	if rr.Code != http.StatusOK || decode(t, rr)["synced"] != float64(3) {
		t.Fatalf("with token = %d %s", rr.Code, rr.Body)
	}
	// Public routes stay open.
	if rr := h.do(http.MethodGet, "/jobs/job-1", "", nil); rr.Code != http.StatusOK {
		t.Errorf("job status = %d", rr.Code)
	}
}

func TestAdminFollowSyncError(t *testing.T) {
	h := newHarness(t, nil, Options{})
	h.orch.syncCount, h.orch.syncErr = 2, errors.New("subscribe failed")
	rr := h.do(http.MethodPost, "/admin/follows/sync", "", nil)
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rr.Code)
	}
}

func TestAdminRepair(t *testing.T) {
	h := newHarness(t, nil, Options{})
	h.store.videos["done.mp4"] = &recorder.Video{Filename: "done.mp4", Status: recorder.VideoDone}
	h.store.videos["pending.mp4"] = &recorder.Video{Filename: "pending.mp4", Status: recorder.VideoPending}

	if rr := h.do(http.MethodPost, "/admin/videos/missing.mp4/repair", "", nil); rr.Code != http.StatusNotFound {
		t.Errorf("missing = %d, want 404", rr.Code)
	}
	if rr := h.do(http.MethodPost, "/admin/videos/pending.mp4/repair", "", nil); rr.Code != http.StatusConflict {
		t.Errorf("pending = %d, want 409", rr.Code)
	}
	rr := h.do(http.MethodPost, "/admin/videos/done.mp4/repair", "", nil)
	if rr.Code != http.StatusAccepted || decode(t, rr)["job_id"] != "repair-1" {
		t.Fatalf("done = %d %s", rr.Code, rr.Body)
	}
	h.orch.repairErr = &jobs.InProgressError{ResourceID: "repair:done.mp4", JobID: "repair-0"}
	if rr := h.do(http.MethodPost, "/admin/videos/done.mp4/repair", "", nil); rr.Code != http.StatusConflict {
		t.Errorf("in progress = %d, want 409", rr.Code)
	}
	if h.orch.repairCalls != 2 {
		t.Errorf("repair calls = %d, want 2", h.orch.repairCalls)
	}
}

func TestVideosList(t *testing.T) {
	h := newHarness(t, nil, Options{})
	h.store.videos["a.mp4"] = &recorder.Video{Filename: "a.mp4", BroadcasterID: "b1", Status: recorder.VideoDone}
	h.store.videos["b.mp4"] = &recorder.Video{Filename: "b.mp4", BroadcasterID: "b2", Status: recorder.VideoFailed}
	rr := h.do(http.MethodGet, "/videos?broadcaster_id=b1", "", nil)
	var out []videoJSON
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil || len(out) != 1 || out[0].Filename != "a.mp4" {
		t.Fatalf("videos = %s (%v)", rr.Body, err)
	}
	if rr := h.do(http.MethodGet, "/videos?limit=0", "", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("limit=0 = %d, want 400", rr.Code)
	}
}

func TestWebhookRouteIsVerified(t *testing.T) {
	const secret = "0123456789abcdef"
	q := webhook.NewQueue(1, 4)
	wh := webhook.NewVerifier(secret).Middleware(webhook.NewHandler(q, nil))
	h := newHarness(t, nil, Options{Webhook: wh})

	body := `{"challenge":"pong","subscription":{"id":"s1","type":"stream.online","version":"1","status":"webhook_callback_verification_pending"}}`
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	hdr := map[string]string{
		webhook.HeaderMessageID:        "m1",
		webhook.HeaderMessageTimestamp: ts,
		webhook.HeaderMessageType:      "webhook_callback_verification",
		webhook.HeaderMessageSignature: webhook.Sign(secret, "m1", ts, []byte(body)),
	}
	rr := h.do(http.MethodPost, "/webhooks/twitch", body, hdr)
	if rr.Code != http.StatusOK || rr.Body.String() != "pong" {
		t.Fatalf("challenge = %d %q", rr.Code, rr.Body)
	}
	hdr[webhook.HeaderMessageSignature] = "sha256=00"
	if rr := h.do(http.MethodPost, "/webhooks/twitch", body, hdr); rr.Code != http.StatusForbidden {
		t.Errorf("bad signature = %d, want 403", rr.Code)
	}
	if rr := h.do(http.MethodGet, "/webhooks/twitch", "", nil); rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET webhook = %d, want 405", rr.Code)
	}
}

func TestTwitchOAuthFlow(t *testing.T) {
	mock := testutil.NewMockTwitchServer(t)
	mock.MockOAuthTokenResponse("user-access", 3600)
	cfg := &config.Config{TwitchClientID: "cid", TwitchClientSecret: "sec", TwitchRedirectURI: "http://localhost/cb", TwitchScopes: "user:read:follows"}
	h := newHarness(t, cfg, Options{HTTPClient: mock.HTTPClient()})

	rr := h.do(http.MethodGet, "/auth/twitch/start", "", nil)
	if rr.Code != http.StatusFound {
		t.Fatalf("start = %d", rr.Code)
	}
	loc, err := url.Parse(rr.Header().Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	state := loc.Query().Get("state")
	if state == "" || loc.Host != "id.twitch.tv" {
		t.Fatalf("redirect = %s", loc)
	}

	if rr := h.do(http.MethodGet, "/auth/twitch/callback?code=c&state=forged", "", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("forged state = %d, want 400", rr.Code)
	}
	rr = h.do(http.MethodGet, "/auth/twitch/callback?code=c&state="+state, "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("callback = %d %s", rr.Code, rr.Body)
	}
	if got := h.store.tokens["twitch"][0]; got != "user-access" {
		t.Errorf("stored access token = %q", got)
	}
	if mock.Count("/oauth2/token") != 1 {
		t.Errorf("token endpoint calls = %d", mock.Count("/oauth2/token"))
	}
	// States are single use.
	if rr := h.do(http.MethodGet, "/auth/twitch/callback?code=c&state="+state, "", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("replayed state = %d, want 400", rr.Code)
	}
}

func TestYouTubeOAuthFlow(t *testing.T) {
	yt := &fakeYouTube{}
	cfg := &config.Config{YTClientID: "yt", YTRedirectURI: "http://localhost/yt"}
	h := newHarness(t, cfg, Options{YouTube: yt})

	rr := h.do(http.MethodGet, "/auth/youtube/start", "", nil)
	loc, _ := url.Parse(rr.Header().Get("Location"))
	state := loc.Query().Get("state")
	if rr.Code != http.StatusFound || state == "" {
		t.Fatalf("start = %d %s", rr.Code, loc)
	}
	// A twitch state is not accepted for youtube.
	h.store.kv[oauthStatePrefix+"other"] = "twitch|" + time.Now().Add(time.Minute).UTC().Format(time.RFC3339)
	if rr := h.do(http.MethodGet, "/auth/youtube/callback?code=x&state=other", "", nil); rr.Code != http.StatusBadRequest {
		t.Errorf("cross-provider state = %d, want 400", rr.Code)
	}
	rr = h.do(http.MethodGet, "/auth/youtube/callback?code=x&state="+state, "", nil)
	if rr.Code != http.StatusOK || yt.code != "x" {
		t.Fatalf("callback = %d %s", rr.Code, rr.Body)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	orig := lookPath
	t.Cleanup(func() { lookPath = orig })
	lookPath = func(file string) (string, error) { return "/usr/bin/" + file, nil }

	h := newHarness(t, &config.Config{YTDLPPath: "yt-dlp", ActorID: "actor"}, Options{})
	if rr := h.do(http.MethodGet, "/healthz", "", nil); rr.Code != http.StatusOK {
		t.Errorf("healthz = %d", rr.Code)
	}
	rr := h.do(http.MethodGet, "/readyz", "", nil)
	if rr.Code != http.StatusServiceUnavailable || decode(t, rr)["failed_check"] != "credentials" {
		t.Fatalf("readyz without token = %d %s", rr.Code, rr.Body)
	}
	h.store.tokens["twitch"] = [2]string{"a", "r"}
	if rr := h.do(http.MethodGet, "/readyz", "", nil); rr.Code != http.StatusOK {
		t.Errorf("readyz = %d %s", rr.Code, rr.Body)
	}

	lookPath = func(file string) (string, error) { return "", errors.New("not found") }
	rr = h.do(http.MethodGet, "/readyz", "", nil)
	if rr.Code != http.StatusServiceUnavailable || decode(t, rr)["failed_check"] != "tools" {
		t.Errorf("readyz without tools = %d %s", rr.Code, rr.Body)
	}

	h.store.pingErr = errors.New("down")
	if rr := h.do(http.MethodGet, "/healthz", "", nil); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("healthz with db down = %d", rr.Code)
	}
}

func TestAdminSchedules(t *testing.T) {
	h := newHarness(t, nil, Options{})

	rr := h.do(http.MethodPut, "/admin/broadcasters/b1/schedules",
		`{"quality":"720p","min_viewers":50,"tags":["English"],"enabled":true,"owner_id":"u1"}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("create = %d %s", rr.Code, rr.Body)
	}
	id, _ := decode(t, rr)["id"].(string)
	got := h.store.scheds[id]
	if got.BroadcasterID != "b1" || got.Quality != capture.R720 || !got.Enabled {
		t.Errorf("stored schedule = %+v", got)
	}
	if !got.Criteria.HasMinViewers || got.Criteria.MinViewers != 50 || !got.Criteria.HasTags || got.Criteria.HasCategories {
		t.Errorf("criteria = %+v", got.Criteria)
	}

	bad := []struct{ name, body string }{
		{"unknown quality", `{"quality":"4k"}`},
		{"empty category list", `{"quality":"1080","categories":[]}`},
		{"negative viewers", `{"quality":"1080","min_viewers":-1}`},
		{"malformed", `{`},
	}
	for _, tt := range bad {
		if rr := h.do(http.MethodPut, "/admin/broadcasters/b1/schedules", tt.body, nil); rr.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", tt.name, rr.Code)
		}
	}

	rr = h.do(http.MethodGet, "/admin/broadcasters/b1/schedules", "", nil)
	var list []map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &list); err != nil || len(list) != 1 {
		t.Fatalf("list = %d %s", rr.Code, rr.Body)
	}
	if list[0]["quality"] != "720p" || list[0]["min_viewers"] != float64(50) {
		t.Errorf("listed schedule = %v", list[0])
	}
	if _, ok := list[0]["categories"]; ok {
		t.Error("unset categories should be omitted")
	}

	if rr := h.do(http.MethodDelete, "/admin/schedules/"+id, "", nil); rr.Code != http.StatusNoContent {
		t.Errorf("delete = %d", rr.Code)
	}
	if rr := h.do(http.MethodDelete, "/admin/schedules/"+id, "", nil); rr.Code != http.StatusNotFound {
		t.Errorf("second delete = %d, want 404", rr.Code)
	}
}
