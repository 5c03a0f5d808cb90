// Package oauth provides generic token refresh scheduling for providers whose tokens are
// persisted in the oauth_tokens table. It performs jittered checks and refreshes when expiry
// falls within a configured window.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"
)

// RefreshFunc performs provider-specific refresh and returns (access, refresh, expiry, scope).
type RefreshFunc func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error)

// TokenStore reads and writes a provider's token. *db.Store implements it.
type TokenStore interface {
	UpsertOAuthToken(ctx context.Context, provider, accessToken, refreshToken string, expiry time.Time, scope string) error
	GetOAuthToken(ctx context.Context, provider string) (accessToken, refreshToken string, expiry time.Time, scope string, err error)
}

// Refresher keeps one provider's token fresh.
type Refresher struct {
	Store    TokenStore
	Provider string
	// Interval is how often to wake up and check (default 5m).
	Interval time.Duration
	// Window triggers a refresh when the remaining lifetime is at most this long (default 15m).
	Window  time.Duration
	Refresh RefreshFunc

	now func() time.Time
}

// CheckOnce refreshes the token when it is inside the window and reports whether it did.
// A provider without a stored refresh token is skipped.
func (r *Refresher) CheckOnce(ctx context.Context) (bool, error) {
	if r.Refresh == nil {
		return false, errors.New("oauth: nil refresh func")
	}
	at, rt, exp, scope, err := r.Store.GetOAuthToken(ctx, r.Provider)
	if err != nil {
		return false, fmt.Errorf("load %s token: %w", r.Provider, err)
	}
	if rt == "" {
		return false, nil
	}
	now := time.Now()
	if r.now != nil {
		now = r.now()
	}
	if !exp.IsZero() && exp.Sub(now) > r.window() && at != "" {
		return false, nil
	}
	ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
	newAT, newRT, newExp, newScope, err := r.Refresh(ctx2, rt)
	cancel()
	if err != nil {
		return false, fmt.Errorf("refresh %s token: %w", r.Provider, err)
	}
	if newRT == "" {
		newRT = rt
	}
	if newScope == "" {
		newScope = scope
	}
	if err := r.Store.UpsertOAuthToken(ctx, r.Provider, newAT, newRT, newExp, newScope); err != nil {
		return false, fmt.Errorf("persist %s token: %w", r.Provider, err)
	}
	return true, nil
}

func (r *Refresher) interval() time.Duration {
	if r.Interval <= 0 {
		return 5 * time.Minute
	}
	return r.Interval
}

func (r *Refresher) window() time.Duration {
	if r.Window <= 0 {
		return 15 * time.Minute
	}
	return r.Window
}

// Run checks the token on a jittered schedule until ctx is done.
func (r *Refresher) Run(ctx context.Context) {
	interval := r.interval()
	log := slog.Default().With(slog.String("component", "oauth_refresh"), slog.String("provider", r.Provider))
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	next := time.Duration(rand.Int63n(int64(interval/2) + 1))
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(next):
		}
		refreshed, err := r.CheckOnce(ctx)
		switch {
		case err != nil:
			log.Warn("token refresh failed", slog.Any("err", err))
		case refreshed:
			log.Info("token refreshed")
		}
		next = jittered(interval)
	}
}

// jittered returns interval ±20%, never less than half of it.
func jittered(interval time.Duration) time.Duration {
	jitterRange := int64(interval / 5)
	if jitterRange <= 0 {
		return interval
	}
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	d := interval + time.Duration(rand.Int63n(jitterRange*2)-jitterRange)
	if d < interval/2 {
		d = interval / 2
	}
	return d
}
