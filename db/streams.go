package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/onnwee/live-tender/capture"
	"github.com/onnwee/live-tender/fetchcache"
	"github.com/onnwee/live-tender/recorder"
	"github.com/onnwee/live-tender/schedule"
	"github.com/onnwee/live-tender/stream"
)

var (
	_ fetchcache.Store = (*Store)(nil)
	_ recorder.Store   = (*Store)(nil)
)

// LatestFetch returns the newest fetch log entry for the key, or nil, nil.
func (s *Store) LatestFetch(ctx context.Context, actorID string, kind fetchcache.Kind, broadcasterID string) (*fetchcache.Entry, error) {
	var e fetchcache.Entry
	var k string
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, actor_id, fetch_kind, broadcaster_id, fetched_at FROM fetch_log
		 WHERE actor_id=$1 AND fetch_kind=$2 AND broadcaster_id=$3 ORDER BY fetched_at DESC LIMIT 1`,
		actorID, string(kind), broadcasterID).Scan(&e.ID, &e.ActorID, &k, &e.BroadcasterID, &e.FetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.Kind = fetchcache.Kind(k)
	return &e, nil
}

// InsertFetch appends a fetch log entry. Actor-scoped kinds store an empty broadcaster id.
func (s *Store) InsertFetch(ctx context.Context, e fetchcache.Entry) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO fetch_log(id, actor_id, fetch_kind, broadcaster_id, fetched_at) VALUES($1,$2,$3,$4,$5)`,
		e.ID, e.ActorID, string(e.Kind), e.BroadcasterID, e.FetchedAt)
	return err
}

// InsertSnapshot stores an observed live stream.
func (s *Store) InsertSnapshot(ctx context.Context, snap stream.Snapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO stream_snapshots(id, broadcaster_id, broadcaster_login, viewer_count, categories, tags, title, started_at, ended_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		snap.ID, snap.BroadcasterID, snap.BroadcasterLogin, snap.ViewerCount,
		pq.Array(nonNil(snap.Categories)), pq.Array(nonNil(snap.Tags)), snap.Title, snap.StartedAt, nullTime(snap.EndedAt))
	return err
}

// OpenSnapshot returns the newest snapshot of the broadcaster without an end time, or nil, nil.
func (s *Store) OpenSnapshot(ctx context.Context, broadcasterID string) (*stream.Snapshot, error) {
	var snap stream.Snapshot
	var ended sql.NullTime
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, broadcaster_id, broadcaster_login, viewer_count, categories, tags, title, started_at, ended_at
		 FROM stream_snapshots WHERE broadcaster_id=$1 AND ended_at IS NULL ORDER BY created_at DESC LIMIT 1`,
		broadcasterID).Scan(&snap.ID, &snap.BroadcasterID, &snap.BroadcasterLogin, &snap.ViewerCount,
		pq.Array(&snap.Categories), pq.Array(&snap.Tags), &snap.Title, &snap.StartedAt, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	snap.EndedAt = timePtr(ended)
	return &snap, nil
}

// CloseSnapshot sets ended_at on every open snapshot of the broadcaster. Closed snapshots are
// left untouched.
func (s *Store) CloseSnapshot(ctx context.Context, broadcasterID string, endedAt time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE stream_snapshots SET ended_at=$1 WHERE broadcaster_id=$2 AND ended_at IS NULL`,
		endedAt, broadcasterID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const scheduleColumns = `id, broadcaster_id, quality, has_min_viewers, min_viewers, has_categories, categories, has_tags, tags, enabled, owner_id`

func scanSchedule(row interface{ Scan(...any) error }) (schedule.Schedule, error) {
	var sc schedule.Schedule
	var quality int
	c := &sc.Criteria
	err := row.Scan(&sc.ID, &sc.BroadcasterID, &quality, &c.HasMinViewers, &c.MinViewers,
		&c.HasCategories, pq.Array(&c.Categories), &c.HasTags, pq.Array(&c.Tags), &sc.Enabled, &sc.OwnerID)
	sc.Quality = capture.Resolution(quality)
	return sc, err
}

// EnabledSchedules returns the enabled schedules of a broadcaster.
func (s *Store) EnabledSchedules(ctx context.Context, broadcasterID string) ([]schedule.Schedule, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE broadcaster_id=$1 AND enabled ORDER BY created_at`, broadcasterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []schedule.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// UpsertSchedule creates or replaces a schedule. A missing id is generated.
func (s *Store) UpsertSchedule(ctx context.Context, sc schedule.Schedule) (string, error) {
	if err := schedule.Validate(sc); err != nil {
		return "", err
	}
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	c := sc.Criteria
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO schedules(`+scheduleColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		 ON CONFLICT(id) DO UPDATE SET broadcaster_id=EXCLUDED.broadcaster_id, quality=EXCLUDED.quality,
		   has_min_viewers=EXCLUDED.has_min_viewers, min_viewers=EXCLUDED.min_viewers,
		   has_categories=EXCLUDED.has_categories, categories=EXCLUDED.categories,
		   has_tags=EXCLUDED.has_tags, tags=EXCLUDED.tags, enabled=EXCLUDED.enabled, owner_id=EXCLUDED.owner_id`,
		sc.ID, sc.BroadcasterID, int(sc.Quality), c.HasMinViewers, c.MinViewers,
		c.HasCategories, pq.Array(nonNil(c.Categories)), c.HasTags, pq.Array(nonNil(c.Tags)), sc.Enabled, sc.OwnerID)
	if err != nil {
		return "", fmt.Errorf("upsert schedule: %w", err)
	}
	return sc.ID, nil
}

// ListSchedules returns every schedule of a broadcaster, enabled or not.
func (s *Store) ListSchedules(ctx context.Context, broadcasterID string) ([]schedule.Schedule, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE broadcaster_id=$1 ORDER BY created_at`, broadcasterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []schedule.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// DeleteSchedule removes a schedule and reports whether it existed.
func (s *Store) DeleteSchedule(ctx context.Context, id string) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM schedules WHERE id=$1`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// UpsertBroadcaster records a followed channel.
func (s *Store) UpsertBroadcaster(ctx context.Context, b recorder.Broadcaster) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO broadcasters(id, login, display_name, followed_by, updated_at) VALUES($1,$2,$3,$4,NOW())
		 ON CONFLICT(id) DO UPDATE SET login=EXCLUDED.login, display_name=EXCLUDED.display_name,
		   followed_by=EXCLUDED.followed_by, updated_at=NOW()`,
		b.ID, b.Login, b.DisplayName, b.FollowedBy)
	return err
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
