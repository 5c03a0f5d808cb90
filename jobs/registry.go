package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrUnknownKind is returned when no handler is registered for a task kind.
var ErrUnknownKind = errors.New("unknown job kind")

// Task is a request to run a job of Kind against ResourceID. Payload is handler specific.
type Task struct {
	Kind       Kind
	ResourceID string
	Payload    any
}

// Handler runs tasks of one kind. OnFailure is called once when Run fails or panics.
type Handler interface {
	Run(ctx context.Context, jobID string, t Task) error
	OnFailure(ctx context.Context, jobID string, t Task, err error)
}

// Registry maps task kinds to handlers and submits tasks to a Manager.
type Registry struct {
	m *Manager

	mu       sync.RWMutex
	handlers map[Kind]Handler
}

// NewRegistry returns an empty registry bound to m.
func NewRegistry(m *Manager) *Registry {
	return &Registry{m: m, handlers: make(map[Kind]Handler)}
}

// Register binds h to kind. Registering a kind twice is an error.
func (r *Registry) Register(kind Kind, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[kind]; dup {
		return fmt.Errorf("handler for %q already registered", kind)
	}
	r.handlers[kind] = h
	return nil
}

// Require fails unless every kind has a handler. Call it once at startup.
func (r *Registry) Require(kinds ...Kind) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var errs []error
	for _, k := range kinds {
		if _, ok := r.handlers[k]; !ok {
			errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownKind, k))
		}
	}
	return errors.Join(errs...)
}

// Submit creates a job for t. See Manager.Create for refusal and back-pressure behaviour.
func (r *Registry) Submit(ctx context.Context, t Task) (string, error) {
	r.mu.RLock()
	h, ok := r.handlers[t.Kind]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, t.Kind)
	}
	return r.m.Create(ctx, t.Kind, t.ResourceID,
		func(ctx context.Context, jobID string) error { return h.Run(ctx, jobID, t) },
		func(ctx context.Context, jobID string, err error) { h.OnFailure(ctx, jobID, t, err) },
	)
}

// Manager returns the underlying manager.
func (r *Registry) Manager() *Manager { return r.m }
