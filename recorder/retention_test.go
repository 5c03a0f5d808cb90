package recorder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func TestExpired(t *testing.T) {
	now := time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC)
	day := func(n int) time.Time { return now.Add(-time.Duration(n) * 24 * time.Hour) }
	videos := []Video{
		{Filename: "a1", BroadcasterID: "a", Path: "/a1", Status: VideoDone, StartedAt: day(1)},
		{Filename: "a2", BroadcasterID: "a", Path: "/a2", Status: VideoDone, StartedAt: day(10)},
		{Filename: "a3", BroadcasterID: "a", Path: "/a3", Status: VideoDone, StartedAt: day(40)},
		{Filename: "b1", BroadcasterID: "b", Path: "/b1", Status: VideoDone, StartedAt: day(50)},
		{Filename: "p1", BroadcasterID: "a", Path: "/p1", Status: VideoPending, StartedAt: day(90)},
		{Filename: "gone", BroadcasterID: "a", Status: VideoDone, StartedAt: day(90)},
	}
	tests := []struct {
		name   string
		policy RetentionPolicy
		want   []string
	}{
		{"disabled", RetentionPolicy{}, nil},
		{"by age", RetentionPolicy{KeepDays: 30}, []string{"b1", "a3"}},
		{"by count", RetentionPolicy{KeepCount: 2}, []string{"a3"}},
		{"either rule retains", RetentionPolicy{KeepDays: 5, KeepCount: 1}, []string{"a3", "a2"}},
		{"count keeps each broadcaster's newest", RetentionPolicy{KeepDays: 30, KeepCount: 1}, []string{"a3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, v := range Expired(videos, tt.policy, now) {
				got = append(got, v.Filename)
			}
			slices.Sort(got)
			want := slices.Clone(tt.want)
			slices.Sort(want)
			if !slices.Equal(got, want) {
				t.Errorf("Expired() = %v, want %v", got, want)
			}
		})
	}
}

func retentionFixture(t *testing.T) (*memStore, string, string) {
	t.Helper()
	dir := t.TempDir()
	old := filepath.Join(dir, "old.mp4")
	fresh := filepath.Join(dir, "fresh.mp4")
	for _, p := range []string{old, fresh, old + ".jpg"} {
		if err := os.WriteFile(p, []byte("0123456789"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	now := time.Now()
	store := newMemStore()
	store.videos["old.mp4"] = Video{Filename: "old.mp4", BroadcasterID: "b1", Path: old, ThumbnailPath: old + ".jpg", Status: VideoDone, StartedAt: now.Add(-20 * 24 * time.Hour)}
	store.videos["fresh.mp4"] = Video{Filename: "fresh.mp4", BroadcasterID: "b1", Path: fresh, Status: VideoDone, StartedAt: now.Add(-time.Hour)}
	store.videos["missing.mp4"] = Video{Filename: "missing.mp4", BroadcasterID: "b1", Path: filepath.Join(dir, "missing.mp4"), Status: VideoDone, StartedAt: now.Add(-30 * 24 * time.Hour)}
	return store, old, fresh
}

func TestRetentionDryRunTouchesNothing(t *testing.T) {
	store, old, _ := retentionFixture(t)
	r := &Retention{Store: store, Policy: RetentionPolicy{KeepDays: 7, DryRun: true}}
	res, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Deleted != 1 || res.Missing != 1 || res.BytesFreed != 10 {
		t.Errorf("result = %+v", res)
	}
	if _, err := os.Stat(old); err != nil {
		t.Errorf("dry run removed %s", old)
	}
	if store.videos["old.mp4"].Path == "" || store.videos["missing.mp4"].Path == "" {
		t.Error("dry run cleared a file reference")
	}
}

func TestRetentionDeletesExpired(t *testing.T) {
	store, old, fresh := retentionFixture(t)
	r := &Retention{Store: store, Policy: RetentionPolicy{KeepDays: 7}}
	res, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Deleted != 1 || res.Missing != 1 || res.Errors != 0 {
		t.Errorf("result = %+v", res)
	}
	for _, p := range []string{old, old + ".jpg"} {
		if _, err := os.Stat(p); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("%s still exists", p)
		}
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Errorf("fresh capture removed: %v", err)
	}
	if v := store.videos["old.mp4"]; v.Path != "" || v.Status != VideoDone {
		t.Errorf("old video = %+v, want cleared path", v)
	}
	if store.videos["missing.mp4"].Path != "" {
		t.Error("missing file reference not cleared")
	}
}

func TestCleanupWorkingFiles(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "caster")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	stale := []string{
		filepath.Join(sub, ".x.mp4.part.ts"),
		filepath.Join(sub, "x.fixed.mp4"),
		filepath.Join(dir, "y.orig.mp4"),
	}
	keep := []string{filepath.Join(sub, "x.mp4"), filepath.Join(sub, ".new.mp4.part.ts")}
	old := time.Now().Add(-2 * time.Hour)
	for _, p := range append(slices.Clone(stale), keep...) {
		if err := os.WriteFile(p, nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	for _, p := range append(slices.Clone(stale), keep[0]) {
		if err := os.Chtimes(p, old, old); err != nil {
			t.Fatal(err)
		}
	}
	if n := CleanupWorkingFiles(dir, time.Hour); n != len(stale) {
		t.Errorf("removed %d, want %d", n, len(stale))
	}
	for _, p := range keep {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("%s removed: %v", p, err)
		}
	}
}
