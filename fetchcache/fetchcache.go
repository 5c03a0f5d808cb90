// Package fetchcache gates calls to the Twitch API behind a short-lived fetch log.
// Each upstream fetch is appended to the fetch_log table; a later caller asking for
// the same (actor, kind, broadcaster) key within the TTL reuses the earlier result
// instead of hitting Helix again.
package fetchcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL is how long a logged fetch stays reusable.
const DefaultTTL = 10 * time.Minute

// Kind scopes cache reuse to one class of upstream call.
type Kind string

const (
	// KindStream is live-stream metadata for one broadcaster; it is keyed by broadcaster id.
	KindStream Kind = "stream"
	// KindFollowed is the followed-channel list of an actor.
	KindFollowed Kind = "followed"
	// KindUser is the actor's own user record.
	KindUser Kind = "user"
)

// ErrKeyScope reports a key that mixes the broadcaster-scoped and actor-scoped forms.
var ErrKeyScope = errors.New("fetchcache: broadcaster id scope mismatch")

// Entry is one append-only fetch log row.
type Entry struct {
	ID            string
	ActorID       string
	Kind          Kind
	BroadcasterID string
	FetchedAt     time.Time
}

// Store persists fetch log entries. LatestFetch returns nil, nil when no entry exists.
type Store interface {
	LatestFetch(ctx context.Context, actorID string, kind Kind, broadcasterID string) (*Entry, error)
	InsertFetch(ctx context.Context, e Entry) error
}

// Cache answers "may I reuse the last fetch?" for a key.
type Cache struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

// Option customizes a Cache.
type Option func(*Cache)

// WithTTL overrides DefaultTTL.
func WithTTL(d time.Duration) Option { return func(c *Cache) { c.ttl = d } }

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option { return func(c *Cache) { c.now = now } }

// New returns a Cache over store.
func New(store Store, opts ...Option) *Cache {
	c := &Cache{store: store, ttl: DefaultTTL, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	if c.ttl <= 0 {
		c.ttl = DefaultTTL
	}
	return c
}

// ShouldReuse returns the most recent entry for the key when it is younger than the TTL,
// or nil when a fresh upstream fetch is required.
func (c *Cache) ShouldReuse(ctx context.Context, actorID string, kind Kind, broadcasterID string) (*Entry, error) {
	if err := checkScope(kind, broadcasterID); err != nil {
		return nil, err
	}
	e, err := c.store.LatestFetch(ctx, actorID, kind, broadcasterID)
	if err != nil {
		return nil, fmt.Errorf("latest fetch: %w", err)
	}
	if e == nil {
		return nil, nil
	}
	if c.now().Sub(e.FetchedAt) < c.ttl {
		return e, nil
	}
	return nil, nil
}

// RecordFetch appends a new entry stamped with the current time.
func (c *Cache) RecordFetch(ctx context.Context, actorID string, kind Kind, broadcasterID string) (*Entry, error) {
	if err := checkScope(kind, broadcasterID); err != nil {
		return nil, err
	}
	e := Entry{
		ID:            uuid.NewString(),
		ActorID:       actorID,
		Kind:          kind,
		BroadcasterID: broadcasterID,
		FetchedAt:     c.now().UTC(),
	}
	if err := c.store.InsertFetch(ctx, e); err != nil {
		return nil, fmt.Errorf("insert fetch: %w", err)
	}
	return &e, nil
}

func checkScope(kind Kind, broadcasterID string) error {
	if kind == KindStream && broadcasterID == "" {
		return fmt.Errorf("%w: kind %q requires a broadcaster id", ErrKeyScope, kind)
	}
	if kind != KindStream && broadcasterID != "" {
		return fmt.Errorf("%w: kind %q is not broadcaster scoped", ErrKeyScope, kind)
	}
	return nil
}
