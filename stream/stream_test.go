package stream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/onnwee/live-tender/twitchapi"
)

type scriptedFetcher struct {
	results []result
	calls   int
}

type result struct {
	snap *Snapshot
	err  error
}

func (f *scriptedFetcher) FetchLive(ctx context.Context, id string) (*Snapshot, error) {
	r := f.results[f.calls]
	f.calls++
	return r.snap, r.err
}

func newTestPoller(f Fetcher, attempts int) (*Poller, *[]time.Duration) {
	var slept []time.Duration
	p := NewPoller(f, attempts, 2*time.Minute)
	p.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return p, &slept
}

func TestAwait(t *testing.T) {
	live := &Snapshot{BroadcasterID: "b1", ViewerCount: 10}
	boom := errors.New("boom")
	tests := []struct {
		name      string
		results   []result
		wantFound bool
		wantCalls int
		wantSleep int
	}{
		{"live first try", []result{{snap: live}}, true, 1, 0},
		{"live after offline", []result{{}, {}, {snap: live}}, true, 3, 2},
		{"live after error", []result{{err: boom}, {snap: live}}, true, 2, 1},
		{"offline exhausted", []result{{}, {}, {}, {}, {}}, false, 5, 4},
		{"errors exhausted", []result{{err: boom}, {err: boom}, {err: boom}, {err: boom}, {err: boom}}, false, 5, 4},
		{"mixed exhausted", []result{{err: boom}, {}, {err: boom}, {}, {}}, false, 5, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &scriptedFetcher{results: tt.results}
			p, slept := newTestPoller(f, 5)
			snap, ok := p.Await(context.Background(), "b1")
			if ok != tt.wantFound {
				t.Fatalf("found = %v, want %v", ok, tt.wantFound)
			}
			if ok && snap != live {
				t.Errorf("unexpected snapshot %+v", snap)
			}
			if !ok && snap != nil {
				t.Errorf("expected nil snapshot when not found")
			}
			if f.calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", f.calls, tt.wantCalls)
			}
			if len(*slept) != tt.wantSleep {
				t.Errorf("sleeps = %d, want %d", len(*slept), tt.wantSleep)
			}
			for _, d := range *slept {
				if d != 2*time.Minute {
					t.Errorf("delay = %v, want fixed 2m", d)
				}
			}
		})
	}
}

func TestAwaitStopsOnCancel(t *testing.T) {
	f := &scriptedFetcher{results: []result{{}, {}, {}, {}, {}}}
	p := NewPoller(f, 5, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := p.Await(ctx, "b1"); ok {
		t.Fatal("expected not found")
	}
	if f.calls != 1 {
		t.Errorf("calls = %d, want 1 before the cancelled sleep", f.calls)
	}
}

func TestNewPollerDefaults(t *testing.T) {
	p := NewPoller(nil, 0, 0)
	if p.MaxAttempts != DefaultMaxAttempts || p.Delay != DefaultDelay {
		t.Errorf("defaults = %d/%v", p.MaxAttempts, p.Delay)
	}
}

func TestFromHelix(t *testing.T) {
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := FromHelix(&twitchapi.Stream{UserID: "42", UserLogin: "caster", GameName: "Just Chatting", Tags: []string{"English"}, ViewerCount: 50, Title: "hi", StartedAt: started})
	if s.BroadcasterID != "42" || s.ViewerCount != 50 || s.Title != "hi" || !s.StartedAt.Equal(started) {
		t.Errorf("unexpected snapshot %+v", s)
	}
	if len(s.Categories) != 1 || s.Categories[0] != "Just Chatting" {
		t.Errorf("Categories = %v", s.Categories)
	}
	if s.SourceURL() != "https://www.twitch.tv/caster" {
		t.Errorf("SourceURL = %q", s.SourceURL())
	}
	if len(FromHelix(&twitchapi.Stream{UserID: "1"}).Categories) != 0 {
		t.Errorf("empty game should give no categories")
	}
}
