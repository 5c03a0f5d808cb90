package chat

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/live-tender/telemetry"
)

// Message is one chat line tied to a capture.
type Message struct {
	VideoFilename   string
	Username        string
	Message         string
	AbsTimestamp    time.Time
	RelTimestamp    float64
	Badges          string
	Emotes          string
	Color           string
	ReplyToID       string
	ReplyToUsername string
}

// Sink stores chat messages.
type Sink interface {
	InsertChatMessage(ctx context.Context, m Message) error
}

// ircClient is the subset of *twitch.Client the recorder drives.
type ircClient interface {
	OnPrivateMessage(func(twitch.PrivateMessage))
	Join(channels ...string)
	Connect() error
	Disconnect() error
}

// Recorder records chat for one capture at a time per Record call.
type Recorder struct {
	Sink Sink
	// Username and OAuthToken are optional; without them the client joins anonymously,
	// which is enough to read chat.
	Username   string
	OAuthToken string

	newClient func() ircClient
	now       func() time.Time
}

func (r *Recorder) client() ircClient {
	if r.newClient != nil {
		return r.newClient()
	}
	if r.Username != "" && r.OAuthToken != "" {
		return twitch.NewClient(r.Username, "oauth:"+strings.TrimPrefix(r.OAuthToken, "oauth:"))
	}
	return twitch.NewAnonymousClient()
}

// Record joins channelLogin and stores every message against videoFilename until ctx is done.
// Relative timestamps are measured from start.
func (r *Recorder) Record(ctx context.Context, channelLogin, videoFilename string, start time.Time) error {
	log := telemetry.LoggerWithCorr(ctx).With(
		slog.String("component", "chat"),
		slog.String("channel", channelLogin),
		slog.String("file", videoFilename))
	now := r.now
	if now == nil {
		now = time.Now
	}
	// Writes outlive the capture context so the final messages are not lost on stop.
	storeCtx := context.WithoutCancel(ctx)

	c := r.client()
	var stored atomic.Int64
	c.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		m := FromPrivateMessage(msg, videoFilename, start, now().UTC())
		if err := r.Sink.InsertChatMessage(storeCtx, m); err != nil {
			log.Error("failed to insert chat message", slog.Any("err", err))
			return
		}
		stored.Add(1)
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		_ = c.Disconnect()
	}()

	c.Join(strings.ToLower(channelLogin))
	log.Info("chat recorder connecting")
	if err := c.Connect(); err != nil && !errors.Is(err, twitch.ErrClientDisconnected) {
		return err
	}
	<-done
	log.Info("chat recorder stopped", slog.Int64("messages", stored.Load()))
	return nil
}

// FromPrivateMessage converts an IRC message received at recv into a Message.
func FromPrivateMessage(msg twitch.PrivateMessage, videoFilename string, start, recv time.Time) Message {
	rel := recv.Sub(start).Seconds()
	if rel < 0 {
		rel = 0
	}
	return Message{
		VideoFilename:   videoFilename,
		Username:        msg.User.Name,
		Message:         msg.Message,
		AbsTimestamp:    recv,
		RelTimestamp:    rel,
		Badges:          formatBadges(msg.User.Badges),
		Emotes:          formatEmotes(msg.Emotes),
		Color:           msg.User.Color,
		ReplyToID:       msg.Tags["reply-parent-msg-id"],
		ReplyToUsername: msg.Tags["reply-parent-user-login"],
	}
}

// formatBadges renders badges as "name:version" pairs sorted by name.
func formatBadges(badges map[string]int) string {
	names := make([]string, 0, len(badges))
	for k := range badges {
		names = append(names, k)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, n+":"+strconv.Itoa(badges[n]))
	}
	return strings.Join(parts, ",")
}

func formatEmotes(emotes []*twitch.Emote) string {
	parts := make([]string, 0, len(emotes))
	for _, e := range emotes {
		if e != nil {
			parts = append(parts, e.Name)
		}
	}
	return strings.Join(parts, ",")
}
