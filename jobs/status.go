package jobs

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// ErrIllegalTransition is returned for a status change outside the transition table.
var ErrIllegalTransition = errors.New("illegal job status transition")

type statusTransition struct {
	from Status
	to   Status
}

var transitions = map[statusTransition]struct{}{
	{from: StatusPending, to: StatusRunning}: {},
	{from: StatusPending, to: StatusFailed}:  {},
	{from: StatusRunning, to: StatusDone}:    {},
	{from: StatusRunning, to: StatusFailed}:  {},
}

// ParseStatus converts a stored string into a known Status.
func ParseStatus(value string) (Status, bool) {
	s := Status(strings.ToLower(strings.TrimSpace(value)))
	switch s {
	case StatusPending, StatusRunning, StatusDone, StatusFailed:
		return s, true
	}
	return "", false
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return s == StatusDone || s == StatusFailed }

// Active reports whether the job still occupies its resource.
func (s Status) Active() bool { return s == StatusPending || s == StatusRunning }

// CheckTransition returns ErrIllegalTransition unless from→to is allowed.
func CheckTransition(from, to Status) error {
	if _, ok := transitions[statusTransition{from: from, to: to}]; !ok {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// Kind names the handler that runs a job.
type Kind string

const (
	KindCapture Kind = "capture"
	KindRepair  Kind = "repair"
)

// Job is a persisted unit of background work bound to one resource (a broadcaster id for
// captures, a file name for repairs).
type Job struct {
	ID         string
	Kind       Kind
	ResourceID string
	Status     Status
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// InProgressError refuses a job because another non-terminal job holds the resource.
type InProgressError struct {
	ResourceID string
	JobID      string
}

func (e *InProgressError) Error() string {
	if e.JobID == "" {
		return fmt.Sprintf("job already in progress for %s", e.ResourceID)
	}
	return fmt.Sprintf("job %s already in progress for %s", e.JobID, e.ResourceID)
}
