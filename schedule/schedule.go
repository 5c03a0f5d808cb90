// Package schedule decides which recording schedules match a live stream snapshot and folds
// the matches into a single capture plan.
package schedule

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/onnwee/live-tender/capture"
	"github.com/onnwee/live-tender/stream"
)

// Criteria are the optional constraints of a schedule. A field only applies when its Has flag
// is set; an unset flag means no constraint, not a zero-valued one.
type Criteria struct {
	HasMinViewers bool
	MinViewers    int
	HasCategories bool
	Categories    []string
	HasTags       bool
	Tags          []string
}

// Schedule is a standing rule asking for broadcasts of one broadcaster to be captured.
type Schedule struct {
	ID            string
	BroadcasterID string
	Quality       capture.Resolution
	Criteria      Criteria
	Enabled       bool
	OwnerID       string
}

// Plan is one capture request satisfying every matching schedule.
type Plan struct {
	BroadcasterID string
	Resolution    capture.Resolution
	Owners        []string
	ScheduleIDs   []string
}

// ErrInvalid marks a schedule whose criteria cannot be evaluated.
var ErrInvalid = errors.New("invalid schedule")

// Matches reports whether every applicable criterion holds for snap. Enabled is not considered.
func (s Schedule) Matches(snap *stream.Snapshot) bool {
	c := s.Criteria
	if c.HasMinViewers && snap.ViewerCount < c.MinViewers {
		return false
	}
	if c.HasCategories && !intersects(snap.Categories, c.Categories, false) {
		return false
	}
	if c.HasTags && !intersects(snap.Tags, c.Tags, true) {
		return false
	}
	return true
}

// Match returns the enabled schedules whose criteria hold for snap, in input order.
func Match(snap *stream.Snapshot, schedules []Schedule) []Schedule {
	var out []Schedule
	for _, s := range schedules {
		if s.Enabled && s.Matches(snap) {
			out = append(out, s)
		}
	}
	return out
}

// Aggregate folds matches into one Plan at the numerically highest requested resolution,
// listing each owner once. It returns false when there are no matches.
func Aggregate(matches []Schedule) (Plan, bool) {
	if len(matches) == 0 {
		return Plan{}, false
	}
	p := Plan{BroadcasterID: matches[0].BroadcasterID}
	for _, s := range matches {
		if s.Quality > p.Resolution {
			p.Resolution = s.Quality
		}
		if !slices.Contains(p.Owners, s.OwnerID) {
			p.Owners = append(p.Owners, s.OwnerID)
		}
		p.ScheduleIDs = append(p.ScheduleIDs, s.ID)
	}
	return p, true
}

// Validate rejects schedules that reference no broadcaster, request an unknown quality, or
// carry criteria that could never be satisfied as written.
func Validate(s Schedule) error {
	switch {
	case s.BroadcasterID == "":
		return fmt.Errorf("%w %s: missing broadcaster", ErrInvalid, s.ID)
	case !s.Quality.Valid():
		return fmt.Errorf("%w %s: unknown quality %d", ErrInvalid, s.ID, int(s.Quality))
	case s.Criteria.HasMinViewers && s.Criteria.MinViewers < 0:
		return fmt.Errorf("%w %s: negative min viewers", ErrInvalid, s.ID)
	case s.Criteria.HasCategories && len(nonEmpty(s.Criteria.Categories)) == 0:
		return fmt.Errorf("%w %s: category criterion without categories", ErrInvalid, s.ID)
	case s.Criteria.HasTags && len(nonEmpty(s.Criteria.Tags)) == 0:
		return fmt.Errorf("%w %s: tag criterion without tags", ErrInvalid, s.ID)
	}
	return nil
}

func intersects(have, want []string, foldCase bool) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w || (foldCase && strings.EqualFold(h, w)) {
				return true
			}
		}
	}
	return false
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}
