package recorder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onnwee/live-tender/capture"
	"github.com/onnwee/live-tender/fetchcache"
	"github.com/onnwee/live-tender/jobs"
	"github.com/onnwee/live-tender/postprocess"
	"github.com/onnwee/live-tender/schedule"
	"github.com/onnwee/live-tender/stream"
	"github.com/onnwee/live-tender/twitchapi"
	"github.com/onnwee/live-tender/webhook"
)

// memStore backs every store interface the recorder touches.
type memStore struct {
	mu           sync.Mutex
	schedules    []schedule.Schedule
	snapshots    []stream.Snapshot
	videos       map[string]Video
	broadcasters map[string]Broadcaster
	jobs         map[string]jobs.Job
	fetches      []fetchcache.Entry
}

func newMemStore() *memStore {
	return &memStore{videos: map[string]Video{}, broadcasters: map[string]Broadcaster{}, jobs: map[string]jobs.Job{}}
}

func (s *memStore) EnabledSchedules(ctx context.Context, id string) ([]schedule.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []schedule.Schedule
	for _, sc := range s.schedules {
		if sc.BroadcasterID == id && sc.Enabled {
			out = append(out, sc)
		}
	}
	return out, nil
}

func (s *memStore) InsertSnapshot(ctx context.Context, snap stream.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snap)
	return nil
}

func (s *memStore) OpenSnapshot(ctx context.Context, id string) (*stream.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.snapshots) - 1; i >= 0; i-- {
		if s.snapshots[i].BroadcasterID == id && s.snapshots[i].EndedAt == nil {
			snap := s.snapshots[i]
			return &snap, nil
		}
	}
	return nil, nil
}

func (s *memStore) CloseSnapshot(ctx context.Context, id string, ended time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for i := range s.snapshots {
		if s.snapshots[i].BroadcasterID == id && s.snapshots[i].EndedAt == nil {
			e := ended
			s.snapshots[i].EndedAt = &e
			n++
		}
	}
	return n, nil
}

func (s *memStore) InsertVideo(ctx context.Context, v Video) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.videos[v.Filename] = v
	return nil
}

func (s *memStore) setVideo(name string, fn func(*Video)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.videos[name]
	if !ok {
		return fmt.Errorf("no video %s", name)
	}
	fn(&v)
	s.videos[name] = v
	return nil
}

func (s *memStore) FailVideo(ctx context.Context, name, reason string) error {
	return s.setVideo(name, func(v *Video) { v.Status, v.Error = VideoFailed, reason })
}

func (s *memStore) CompleteVideo(ctx context.Context, m postprocess.Metadata) error {
	return s.setVideo(m.Filename, func(v *Video) {
		v.Status, v.SizeBytes, v.DurationSecs, v.ThumbnailPath = VideoDone, m.SizeBytes, m.DurationSecs, m.ThumbnailPath
	})
}

func (s *memStore) FailPendingVideos(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, v := range s.videos {
		if v.Status == VideoPending {
			v.Status = VideoFailed
			s.videos[k] = v
			n++
		}
	}
	return n, nil
}

func (s *memStore) SetVideoYouTubeURL(ctx context.Context, name, url string) error {
	return s.setVideo(name, func(v *Video) { v.YouTubeURL = url })
}

func (s *memStore) GetVideo(ctx context.Context, name string) (*Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.videos[name]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (s *memStore) UpsertBroadcaster(ctx context.Context, b Broadcaster) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcasters[b.ID] = b
	return nil
}

func (s *memStore) ListCompletedVideos(ctx context.Context) ([]Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Video
	for _, v := range s.videos {
		if v.Status == VideoDone && v.Path != "" {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *memStore) ClearVideoFile(ctx context.Context, name string) error {
	return s.setVideo(name, func(v *Video) { v.Path, v.ThumbnailPath = "", "" })
}

func (s *memStore) LatestFetch(ctx context.Context, actor string, kind fetchcache.Kind, id string) (*fetchcache.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.fetches) - 1; i >= 0; i-- {
		e := s.fetches[i]
		if e.ActorID == actor && e.Kind == kind && e.BroadcasterID == id {
			return &e, nil
		}
	}
	return nil, nil
}

func (s *memStore) InsertFetch(ctx context.Context, e fetchcache.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches = append(s.fetches, e)
	return nil
}

func (s *memStore) InsertJob(ctx context.Context, j jobs.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j
	return nil
}

func (s *memStore) UpdateJobStatus(ctx context.Context, id string, from, to jobs.Status, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != from {
		return fmt.Errorf("job %s not %s", id, from)
	}
	j.Status, j.Error = to, msg
	s.jobs[id] = j
	return nil
}

func (s *memStore) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	return &j, nil
}

func (s *memStore) ActiveJobFor(ctx context.Context, res string) (*jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.ResourceID == res && j.Status.Active() {
			return &j, nil
		}
	}
	return nil, nil
}

func (s *memStore) ListActiveJobs(ctx context.Context) ([]jobs.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []jobs.Job
	for _, j := range s.jobs {
		if j.Status.Active() {
			out = append(out, j)
		}
	}
	return out, nil
}

func (s *memStore) jobIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id := range s.jobs {
		ids = append(ids, id)
	}
	return ids
}

func (s *memStore) onlyVideo(t *testing.T) Video {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.videos) != 1 {
		t.Fatalf("want exactly one video, have %d", len(s.videos))
	}
	for _, v := range s.videos {
		return v
	}
	return Video{}
}

type fakeFetcher struct {
	snap  *stream.Snapshot
	calls atomic.Int32
}

func (f *fakeFetcher) FetchLive(ctx context.Context, id string) (*stream.Snapshot, error) {
	f.calls.Add(1)
	if f.snap == nil {
		return nil, nil
	}
	s := *f.snap
	return &s, nil
}

type fakeProber struct {
	available []capture.Resolution
	calls     atomic.Int32
}

func (p *fakeProber) Probe(ctx context.Context, source string) ([]capture.Resolution, error) {
	p.calls.Add(1)
	return p.available, nil
}

// toolRunner writes the output file of each tool unless told to fail.
type toolRunner struct {
	mu          sync.Mutex
	failDL      bool
	block       chan struct{}
	downloadArg []string
}

func (r *toolRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if r.block != nil {
		<-r.block
	}
	switch name {
	case "yt-dlp":
		r.mu.Lock()
		r.downloadArg = args
		r.mu.Unlock()
		if r.failDL {
			return []byte("ERROR: unable to download"), errors.New("exit status 1")
		}
		return nil, os.WriteFile(args[slices.Index(args, "-o")+1], []byte("ts"), 0o644)
	case "ffmpeg":
		return nil, os.WriteFile(args[len(args)-1], []byte("mp4"), 0o644)
	}
	return nil, errors.New("unexpected " + name)
}

// completeFinisher stands in for the post-processor.
type completeFinisher struct{ store *memStore }

func (f completeFinisher) Finish(ctx context.Context, dest string) error {
	return f.store.CompleteVideo(ctx, postprocess.Metadata{Filename: filepath.Base(dest), SizeBytes: 3})
}

type harness struct {
	rec     *Recorder
	store   *memStore
	fetcher *fakeFetcher
	prober  *fakeProber
	runner  *toolRunner
	mgr     *jobs.Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := newMemStore()
	h := &harness{
		store: store,
		fetcher: &fakeFetcher{snap: &stream.Snapshot{
			ID: "snap-1", BroadcasterID: "b1", BroadcasterLogin: "caster", ViewerCount: 50,
			Categories: []string{"Just Chatting"}, Tags: []string{"English"}, Title: "hello",
			StartedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		}},
		prober: &fakeProber{available: []capture.Resolution{capture.R1080, capture.R720, capture.R480}},
		runner: &toolRunner{},
	}
	h.mgr = jobs.NewManager(store, jobs.Options{Workers: 2, QueueDepth: 8})
	ctx, cancel := context.WithCancel(context.Background())
	h.mgr.Start(ctx)
	t.Cleanup(func() { cancel(); h.mgr.Wait() })

	h.rec = &Recorder{
		Store:    store,
		Cache:    fetchcache.New(store),
		Poller:   stream.NewPoller(h.fetcher, 2, time.Millisecond),
		Prober:   h.prober,
		Pipeline: &capture.Pipeline{Runner: h.runner, Finisher: completeFinisher{store}},
		Jobs:     jobs.NewRegistry(h.mgr),
		ActorID:  "actor",
		DataDir:  t.TempDir(),
	}
	if err := h.rec.RegisterHandlers(nil); err != nil {
		t.Fatal(err)
	}
	return h
}

func (h *harness) waitTerminal(t *testing.T, id string) jobs.Status {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s, ok := h.mgr.Status(context.Background(), id); ok && s.Terminal() {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", id)
	return ""
}

func sched(id string, q capture.Resolution, owner string, c schedule.Criteria) schedule.Schedule {
	return schedule.Schedule{ID: id, BroadcasterID: "b1", Quality: q, Criteria: c, Enabled: true, OwnerID: owner}
}

func onlineEvent() webhook.Event {
	return webhook.Event{MessageID: "m1", Type: webhook.TypeStreamOnline, BroadcasterID: "b1", BroadcasterLogin: "caster", ReceivedAt: time.Now()}
}

func TestStreamOnlineCapturesAtHighestMatchingResolution(t *testing.T) {
	h := newHarness(t)
	h.store.schedules = []schedule.Schedule{
		sched("s1", capture.R480, "alice", schedule.Criteria{HasMinViewers: true, MinViewers: 30}),
		sched("s2", capture.R720, "bob", schedule.Criteria{HasTags: true, Tags: []string{"english"}}),
		sched("s3", capture.R1080, "carol", schedule.Criteria{HasMinViewers: true, MinViewers: 100}),
	}
	if err := h.rec.StreamOnline(context.Background(), onlineEvent()); err != nil {
		t.Fatal(err)
	}
	ids := h.store.jobIDs()
	if len(ids) != 1 {
		t.Fatalf("jobs = %v, want one", ids)
	}
	if s := h.waitTerminal(t, ids[0]); s != jobs.StatusDone {
		t.Fatalf("job status = %s", s)
	}
	v := h.store.onlyVideo(t)
	if v.Status != VideoDone || v.JobID != ids[0] || !strings.HasPrefix(v.Filename, "caster_20240501_120000_") {
		t.Errorf("video = %+v", v)
	}
	if !slices.Contains(h.runner.downloadArg, "best[height=720]/best[height<=720]") {
		t.Errorf("download args = %v, want 720p format", h.runner.downloadArg)
	}
	if len(h.store.snapshots) != 1 || len(h.store.fetches) != 1 {
		t.Errorf("snapshots=%d fetches=%d, want 1/1", len(h.store.snapshots), len(h.store.fetches))
	}
}

func TestStreamOnlineNoMatchCreatesNoJob(t *testing.T) {
	h := newHarness(t)
	h.store.schedules = []schedule.Schedule{
		sched("s1", capture.R720, "alice", schedule.Criteria{HasMinViewers: true, MinViewers: 100}),
		sched("bad", capture.R720, "mallory", schedule.Criteria{HasCategories: true}),
	}
	if err := h.rec.StreamOnline(context.Background(), onlineEvent()); err != nil {
		t.Fatal(err)
	}
	if ids := h.store.jobIDs(); len(ids) != 0 {
		t.Fatalf("unexpected jobs %v", ids)
	}
	if h.prober.calls.Load() != 0 {
		t.Error("prober must not run without a match")
	}
}

func TestStreamOnlineNotLive(t *testing.T) {
	h := newHarness(t)
	h.fetcher.snap = nil
	h.store.schedules = []schedule.Schedule{sched("s1", capture.R720, "alice", schedule.Criteria{})}
	if err := h.rec.StreamOnline(context.Background(), onlineEvent()); err != nil {
		t.Fatal(err)
	}
	if got := h.fetcher.calls.Load(); got != 2 {
		t.Errorf("fetch calls = %d, want 2 poll attempts", got)
	}
	if len(h.store.snapshots) != 0 || len(h.store.jobIDs()) != 0 {
		t.Error("offline stream must not record a snapshot or job")
	}
}

func TestStreamOnlineReusesRecentSnapshot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_ = h.store.InsertSnapshot(ctx, *h.fetcher.snap)
	if _, err := h.rec.Cache.RecordFetch(ctx, "actor", fetchcache.KindStream, "b1"); err != nil {
		t.Fatal(err)
	}
	if err := h.rec.StreamOnline(ctx, onlineEvent()); err != nil {
		t.Fatal(err)
	}
	if got := h.fetcher.calls.Load(); got != 0 {
		t.Errorf("fetch calls = %d, want cached snapshot reuse", got)
	}
}

func TestTriggerCaptureNoSuitableResolution(t *testing.T) {
	h := newHarness(t)
	h.prober.available = []capture.Resolution{capture.R1080}
	snap := *h.fetcher.snap
	_, err := h.rec.TriggerCapture(context.Background(), schedule.Plan{BroadcasterID: "b1", Resolution: capture.R480}, &snap)
	if !errors.Is(err, capture.ErrNoSuitableResolution) {
		t.Fatalf("err = %v, want ErrNoSuitableResolution", err)
	}
	if len(h.store.jobIDs()) != 0 || h.runner.downloadArg != nil {
		t.Error("no job or process may start without a resolution")
	}
}

func TestTriggerCaptureInProgress(t *testing.T) {
	h := newHarness(t)
	h.runner.block = make(chan struct{})
	snap := *h.fetcher.snap
	plan := schedule.Plan{BroadcasterID: "b1", Resolution: capture.R720}
	first, err := h.rec.TriggerCapture(context.Background(), plan, &snap)
	if err != nil {
		t.Fatal(err)
	}
	_, err = h.rec.TriggerCapture(context.Background(), plan, &snap)
	var inProgress *jobs.InProgressError
	if !errors.As(err, &inProgress) || inProgress.JobID != first {
		t.Fatalf("err = %v, want in progress for %s", err, first)
	}
	close(h.runner.block)
	h.waitTerminal(t, first)
}

func TestCaptureFailureMarksVideoFailed(t *testing.T) {
	h := newHarness(t)
	h.runner.failDL = true
	snap := *h.fetcher.snap
	id, err := h.rec.TriggerCapture(context.Background(), schedule.Plan{BroadcasterID: "b1", Resolution: capture.R720}, &snap)
	if err != nil {
		t.Fatal(err)
	}
	if s := h.waitTerminal(t, id); s != jobs.StatusFailed {
		t.Fatalf("status = %s, want failed", s)
	}
	deadline := time.Now().Add(time.Second)
	for h.store.onlyVideo(t).Status != VideoFailed && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	v := h.store.onlyVideo(t)
	if v.Status != VideoFailed || !strings.Contains(v.Error, "download") {
		t.Errorf("video = %+v", v)
	}
	if _, err := os.Stat(v.Path); !errors.Is(err, os.ErrNotExist) {
		t.Error("failed capture left a file behind")
	}
}

// thumbFinisher writes a thumbnail like the post-processor does, then fails to persist.
type thumbFinisher struct{}

func (thumbFinisher) Finish(ctx context.Context, dest string) error {
	if err := os.WriteFile(postprocess.ThumbnailPath(dest), []byte("jpg"), 0o644); err != nil {
		return err
	}
	return errors.New("complete video: db down")
}

func TestPostProcessFailureLeavesNoFiles(t *testing.T) {
	h := newHarness(t)
	h.rec.Pipeline.Finisher = thumbFinisher{}
	snap := *h.fetcher.snap
	id, err := h.rec.TriggerCapture(context.Background(), schedule.Plan{BroadcasterID: "b1", Resolution: capture.R720}, &snap)
	if err != nil {
		t.Fatal(err)
	}
	if s := h.waitTerminal(t, id); s != jobs.StatusFailed {
		t.Fatalf("status = %s, want failed", s)
	}
	deadline := time.Now().Add(time.Second)
	for h.store.onlyVideo(t).Status != VideoFailed && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	v := h.store.onlyVideo(t)
	if v.Status != VideoFailed || !strings.Contains(v.Error, "postprocess") {
		t.Errorf("video = %+v", v)
	}
	for _, path := range []string{v.Path, postprocess.ThumbnailPath(v.Path)} {
		if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("%s left behind by a failed capture", path)
		}
	}
}

func TestCaptureNow(t *testing.T) {
	h := newHarness(t)
	id, err := h.rec.CaptureNow(context.Background(), "b1", capture.R1080, "admin")
	if err != nil {
		t.Fatal(err)
	}
	h.waitTerminal(t, id)

	h.fetcher.snap = nil
	if _, err := h.rec.CaptureNow(context.Background(), "b1", capture.R720, "admin"); !errors.Is(err, ErrNotLive) {
		t.Errorf("err = %v, want ErrNotLive", err)
	}
}

func TestStreamOfflineClosesSnapshot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_ = h.store.InsertSnapshot(ctx, *h.fetcher.snap)
	ended := time.Date(2024, 5, 1, 15, 0, 0, 0, time.UTC)
	if err := h.rec.StreamOffline(ctx, webhook.Event{BroadcasterID: "b1", ReceivedAt: ended}); err != nil {
		t.Fatal(err)
	}
	if open, _ := h.store.OpenSnapshot(ctx, "b1"); open != nil {
		t.Fatal("snapshot still open")
	}
	if got := h.store.snapshots[0].EndedAt; got == nil || !got.Equal(ended) {
		t.Errorf("EndedAt = %v", got)
	}
}

func TestChannelUpdateReevaluatesWithNewCategory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.schedules = []schedule.Schedule{
		sched("s1", capture.R720, "alice", schedule.Criteria{HasCategories: true, Categories: []string{"Chess"}}),
	}
	_ = h.store.InsertSnapshot(ctx, *h.fetcher.snap)

	if err := h.rec.ChannelUpdate(ctx, webhook.Event{BroadcasterID: "b1", Title: "chess time", CategoryName: "Chess"}); err != nil {
		t.Fatal(err)
	}
	if len(h.store.snapshots) != 2 || h.store.snapshots[0].Title != "hello" {
		t.Fatalf("snapshots = %+v, original must stay untouched", h.store.snapshots)
	}
	ids := h.store.jobIDs()
	if len(ids) != 1 {
		t.Fatalf("jobs = %v", ids)
	}
	h.waitTerminal(t, ids[0])

	offline := newHarness(t)
	if err := offline.rec.ChannelUpdate(ctx, webhook.Event{BroadcasterID: "b1", CategoryName: "Chess"}); err != nil {
		t.Fatal(err)
	}
	if len(offline.store.snapshots) != 0 {
		t.Error("update while offline must not record a snapshot")
	}
}

type fakeFollows struct {
	follows []twitchapi.FollowedChannel
	listed  int
	subs    []string
}

func (f *fakeFollows) GetFollowedChannels(ctx context.Context, id string) ([]twitchapi.FollowedChannel, error) {
	f.listed++
	return f.follows, nil
}

func (f *fakeFollows) CreateEventSubSubscription(ctx context.Context, typ, version, id, cb, secret string) (*twitchapi.Subscription, error) {
	f.subs = append(f.subs, id+"/"+typ+"/"+version)
	return &twitchapi.Subscription{Type: typ}, nil
}

func TestSyncFollowed(t *testing.T) {
	h := newHarness(t)
	follows := &fakeFollows{follows: []twitchapi.FollowedChannel{
		{BroadcasterID: "b1", BroadcasterLogin: "caster"},
		{BroadcasterID: "b2", BroadcasterLogin: "other"},
	}}
	h.rec.Follows = follows
	h.rec.CallbackURL = "https://example.com/webhooks/twitch"
	ctx := context.Background()

	n, err := h.rec.SyncFollowed(ctx)
	if err != nil || n != 2 {
		t.Fatalf("SyncFollowed = %d, %v", n, err)
	}
	if len(h.store.broadcasters) != 2 || h.store.broadcasters["b2"].FollowedBy != "actor" {
		t.Errorf("broadcasters = %+v", h.store.broadcasters)
	}
	if len(follows.subs) != 6 || !slices.Contains(follows.subs, "b1/channel.update/2") {
		t.Errorf("subscriptions = %v", follows.subs)
	}

	n, err = h.rec.SyncFollowed(ctx)
	if err != nil || n != 0 || follows.listed != 1 {
		t.Errorf("second sync = %d, %v, listed %d; want cached skip", n, err, follows.listed)
	}
}

func TestRecover(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_ = h.store.InsertJob(ctx, jobs.Job{ID: "old", Kind: jobs.KindCapture, ResourceID: "b9", Status: jobs.StatusRunning})
	_ = h.store.InsertVideo(ctx, Video{Filename: "old.mp4", Status: VideoPending})
	_ = h.store.InsertVideo(ctx, Video{Filename: "done.mp4", Status: VideoDone})

	if err := h.rec.Recover(ctx); err != nil {
		t.Fatal(err)
	}
	if j, _ := h.store.GetJob(ctx, "old"); j.Status != jobs.StatusFailed {
		t.Errorf("job status = %s", j.Status)
	}
	if v, _ := h.store.GetVideo(ctx, "old.mp4"); v.Status != VideoFailed {
		t.Errorf("pending video = %s", v.Status)
	}
	if v, _ := h.store.GetVideo(ctx, "done.mp4"); v.Status != VideoDone {
		t.Errorf("done video = %s", v.Status)
	}
}

type fakeRepairer struct {
	outcome   postprocess.Outcome
	processed []string
}

func (f *fakeRepairer) Repair(ctx context.Context, path string) (postprocess.RepairResult, error) {
	return postprocess.RepairResult{Outcome: f.outcome}, nil
}

func (f *fakeRepairer) Process(ctx context.Context, name, path string) (postprocess.Metadata, error) {
	f.processed = append(f.processed, name)
	return postprocess.Metadata{Filename: name}, nil
}

func TestRepairHandler(t *testing.T) {
	tests := []struct {
		name        string
		video       *Video
		outcome     postprocess.Outcome
		wantErr     bool
		wantRefresh bool
	}{
		{"repaired refreshes metadata", &Video{Filename: "a.mp4", Path: "/d/a.mp4", Status: VideoDone}, postprocess.OutcomeRepaired, false, true},
		{"healthy", &Video{Filename: "a.mp4", Path: "/d/a.mp4", Status: VideoDone}, postprocess.OutcomeHealthy, false, false},
		{"still corrupt", &Video{Filename: "a.mp4", Path: "/d/a.mp4", Status: VideoDone}, postprocess.OutcomeUnrepaired, true, false},
		{"pending video", &Video{Filename: "a.mp4", Path: "/d/a.mp4", Status: VideoPending}, postprocess.OutcomeHealthy, true, false},
		{"unknown video", nil, postprocess.OutcomeHealthy, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			if tt.video != nil {
				_ = store.InsertVideo(context.Background(), *tt.video)
			}
			rep := &fakeRepairer{outcome: tt.outcome}
			h := RepairHandler{Store: store, Repairer: rep}
			err := h.Run(context.Background(), "j1", jobs.Task{Kind: jobs.KindRepair, Payload: RepairPayload{Filename: "a.mp4"}})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if (len(rep.processed) > 0) != tt.wantRefresh {
				t.Errorf("processed = %v", rep.processed)
			}
		})
	}
}

func TestVideoFilename(t *testing.T) {
	started := time.Date(2024, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600))
	got := VideoFilename("some/caster", started, "0123456789abcdef")
	if got != "some_caster_20240102_020405_01234567.mp4" {
		t.Errorf("VideoFilename = %s", got)
	}
}
