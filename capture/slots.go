package capture

import (
	"context"
	"log/slog"

	"github.com/onnwee/live-tender/telemetry"
)

// Slots caps how many captures run at once across all jobs.
type Slots struct {
	sem chan struct{}
}

// NewSlots returns a limiter with n slots (at least one).
func NewSlots(n int) *Slots {
	if n <= 0 {
		n = 1
	}
	slog.Info("capture concurrency limit initialized", slog.Int("max_concurrent", n))
	return &Slots{sem: make(chan struct{}, n)}
}

// Acquire blocks until a slot is free or ctx is done. It reports whether a slot was taken.
func (s *Slots) Acquire(ctx context.Context) bool {
	select {
	case s.sem <- struct{}{}:
		telemetry.SetActiveCaptures(len(s.sem))
		return true
	case <-ctx.Done():
		return false
	}
}

// Release frees a slot taken by Acquire.
func (s *Slots) Release() {
	select {
	case <-s.sem:
		telemetry.SetActiveCaptures(len(s.sem))
	default:
		slog.Warn("capture slot release called without corresponding acquire")
	}
}

// Active returns the number of held slots.
func (s *Slots) Active() int { return len(s.sem) }

// Max returns the configured number of slots.
func (s *Slots) Max() int { return cap(s.sem) }
