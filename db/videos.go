package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/onnwee/live-tender/chat"
	"github.com/onnwee/live-tender/postprocess"
	"github.com/onnwee/live-tender/recorder"
	"github.com/onnwee/live-tender/webhook"
)

var (
	_ postprocess.MetadataStore = (*Store)(nil)
	_ recorder.RetentionStore   = (*Store)(nil)
	_ webhook.Auditor           = (*Store)(nil)
	_ chat.Sink                 = (*Store)(nil)
)

// InsertVideo records a capture in pending state.
func (s *Store) InsertVideo(ctx context.Context, v recorder.Video) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO videos(filename, broadcaster_id, path, title, status, started_at, job_id, updated_at)
		 VALUES($1,$2,$3,$4,$5,$6,$7,NOW())`,
		v.Filename, v.BroadcasterID, v.Path, v.Title, string(v.Status), v.StartedAt, v.JobID)
	return err
}

func (s *Store) updateVideo(ctx context.Context, filename, query string, args ...any) error {
	res, err := s.DB.ExecContext(ctx, query, append([]any{filename}, args...)...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("video %s not found", filename)
	}
	return nil
}

// CompleteVideo stores derived metadata and marks the video done.
func (s *Store) CompleteVideo(ctx context.Context, m postprocess.Metadata) error {
	return s.updateVideo(ctx, m.Filename,
		`UPDATE videos SET status='done', duration_seconds=$2, size_bytes=$3, thumbnail_path=$4, downloaded_at=$5, error='', updated_at=NOW()
		 WHERE filename=$1`,
		m.DurationSecs, m.SizeBytes, m.ThumbnailPath, m.DownloadedAt)
}

// FailVideo marks a video failed with reason.
func (s *Store) FailVideo(ctx context.Context, filename, reason string) error {
	return s.updateVideo(ctx, filename,
		`UPDATE videos SET status='failed', error=$2, updated_at=NOW() WHERE filename=$1`, reason)
}

// FailPendingVideos fails every pending video; used after a restart.
func (s *Store) FailPendingVideos(ctx context.Context) (int64, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE videos SET status='failed', error='interrupted by restart', updated_at=NOW() WHERE status='pending'`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SetVideoYouTubeURL records where a capture was uploaded.
func (s *Store) SetVideoYouTubeURL(ctx context.Context, filename, url string) error {
	return s.updateVideo(ctx, filename, `UPDATE videos SET youtube_url=$2, updated_at=NOW() WHERE filename=$1`, url)
}

// ClearVideoFile forgets the file of a video whose capture was deleted.
func (s *Store) ClearVideoFile(ctx context.Context, filename string) error {
	return s.updateVideo(ctx, filename, `UPDATE videos SET path='', thumbnail_path='', updated_at=NOW() WHERE filename=$1`)
}

const videoColumns = `filename, broadcaster_id, path, title, status, started_at, downloaded_at, size_bytes,
	duration_seconds, thumbnail_path, job_id, youtube_url, error`

func scanVideo(row interface{ Scan(...any) error }) (*recorder.Video, error) {
	var v recorder.Video
	var status string
	var downloaded sql.NullTime
	if err := row.Scan(&v.Filename, &v.BroadcasterID, &v.Path, &v.Title, &status, &v.StartedAt, &downloaded,
		&v.SizeBytes, &v.DurationSecs, &v.ThumbnailPath, &v.JobID, &v.YouTubeURL, &v.Error); err != nil {
		return nil, err
	}
	v.Status = recorder.VideoStatus(status)
	v.DownloadedAt = timePtr(downloaded)
	return &v, nil
}

// GetVideo returns a video or nil, nil when absent.
func (s *Store) GetVideo(ctx context.Context, filename string) (*recorder.Video, error) {
	v, err := scanVideo(s.DB.QueryRowContext(ctx, `SELECT `+videoColumns+` FROM videos WHERE filename=$1`, filename))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return v, err
}

func (s *Store) queryVideos(ctx context.Context, query string, args ...any) ([]recorder.Video, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []recorder.Video
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// ListCompletedVideos returns done videos that still reference a file.
func (s *Store) ListCompletedVideos(ctx context.Context) ([]recorder.Video, error) {
	return s.queryVideos(ctx, `SELECT `+videoColumns+` FROM videos WHERE status='done' AND path <> '' ORDER BY started_at`)
}

// ListVideos returns the newest videos, optionally only those of one broadcaster.
func (s *Store) ListVideos(ctx context.Context, broadcasterID string, limit int) ([]recorder.Video, error) {
	if limit <= 0 {
		limit = 100
	}
	if broadcasterID == "" {
		return s.queryVideos(ctx, `SELECT `+videoColumns+` FROM videos ORDER BY started_at DESC LIMIT $1`, limit)
	}
	return s.queryVideos(ctx,
		`SELECT `+videoColumns+` FROM videos WHERE broadcaster_id=$1 ORDER BY started_at DESC LIMIT $2`, broadcasterID, limit)
}

// RecordWebhookEvent writes the audit row of a notification.
func (s *Store) RecordWebhookEvent(ctx context.Context, rec webhook.Record) error {
	received := rec.ReceivedAt
	if received.IsZero() {
		received = time.Now().UTC()
	}
	started := rec.StartedAt
	if started.IsZero() {
		started = received
	}
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO webhook_events(message_id, broadcaster_id, event_type, started_at, end_at, received_at, payload, decode_error)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		rec.MessageID, rec.BroadcasterID, rec.EventType, started, nullTime(rec.EndAt), received, rec.Payload, rec.DecodeError)
	return err
}

// InsertChatMessage stores a chat line.
func (s *Store) InsertChatMessage(ctx context.Context, m chat.Message) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO chat_messages(video_filename, username, message, abs_timestamp, rel_timestamp, badges, emotes, color, reply_to_id, reply_to_username)
		 VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		m.VideoFilename, m.Username, m.Message, m.AbsTimestamp, m.RelTimestamp, m.Badges, m.Emotes, m.Color, m.ReplyToID, m.ReplyToUsername)
	return err
}

// CountChatMessages returns the number of stored chat lines of a video.
func (s *Store) CountChatMessages(ctx context.Context, filename string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_messages WHERE video_filename=$1`, filename).Scan(&n)
	return n, err
}
