package capture

import (
	"context"
	"errors"
	"testing"
)

type staticProber struct {
	available []Resolution
	err       error
	calls     int
}

func (s *staticProber) Probe(ctx context.Context, source string) ([]Resolution, error) {
	s.calls++
	return s.available, s.err
}

func TestNegotiate(t *testing.T) {
	tests := []struct {
		name      string
		preferred Resolution
		available []Resolution
		want      Resolution
		wantErr   bool
	}{
		{"preferred served", R720, []Resolution{R1080, R720, R480}, R720, false},
		{"first fallback", R1080, []Resolution{R720, R480}, R720, false},
		{"second fallback", R1080, []Resolution{R480, R360}, R480, false},
		{"fallback order beats size", R720, []Resolution{R360, R480}, R480, false},
		{"480 falls to 160", R480, []Resolution{R160}, R160, false},
		{"chain exhausted", R1080, []Resolution{R360, R160}, 0, true},
		{"360 terminal", R360, []Resolution{R480, R160}, 0, true},
		{"160 terminal", R160, []Resolution{R360}, 0, true},
		{"nothing served", R720, nil, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Negotiate(context.Background(), &staticProber{available: tt.available}, tt.preferred, "src")
			if tt.wantErr {
				if !errors.Is(err, ErrNoSuitableResolution) {
					t.Fatalf("err = %v, want ErrNoSuitableResolution", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Negotiate() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Negotiate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNegotiateProbeError(t *testing.T) {
	_, err := Negotiate(context.Background(), &staticProber{err: errors.New("offline")}, R720, "src")
	if err == nil || errors.Is(err, ErrNoSuitableResolution) {
		t.Fatalf("probe failure should surface as its own error, got %v", err)
	}
}

func TestParseFormatHeights(t *testing.T) {
	data := []byte(`{"formats":[{"format_id":"audio_only"},{"height":160},{"height":360},{"height":720},{"height":720},{"height":1080},{"height":936}]}`)
	got, err := parseFormatHeights(data)
	if err != nil {
		t.Fatal(err)
	}
	want := []Resolution{R160, R360, R720, R1080}
	if len(got) != len(want) {
		t.Fatalf("heights = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("heights = %v, want %v", got, want)
		}
	}
}

type jsonRunner struct{ out string }

func (j jsonRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return []byte(j.out), nil
}

func TestYTDLPProber(t *testing.T) {
	p := YTDLPProber{Runner: jsonRunner{out: `{"formats":[{"height":480},{"height":720}]}`}}
	got, err := Negotiate(context.Background(), p, R1080, "src")
	if err != nil || got != R720 {
		t.Fatalf("Negotiate via yt-dlp = %v, %v", got, err)
	}
}

func TestParseResolution(t *testing.T) {
	for in, want := range map[string]Resolution{"720": R720, "1080p": R1080, " 160P ": R160} {
		got, err := ParseResolution(in)
		if err != nil || got != want {
			t.Errorf("ParseResolution(%q) = %v, %v", in, got, err)
		}
	}
	for _, in := range []string{"", "900", "hd"} {
		if _, err := ParseResolution(in); err == nil {
			t.Errorf("ParseResolution(%q) expected error", in)
		}
	}
}
