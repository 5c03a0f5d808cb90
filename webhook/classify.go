// Package webhook receives Twitch EventSub deliveries: it verifies them, classifies them as
// challenge, notification or revocation, and hands notifications to per-broadcaster workers
// for asynchronous processing.
package webhook

import (
	"encoding/json"
	"fmt"
	"time"
)

// Class is the outcome of classifying a delivery.
type Class int

const (
	ClassChallenge Class = iota
	ClassNotification
	ClassRevocation
)

func (c Class) String() string {
	switch c {
	case ClassChallenge:
		return "challenge"
	case ClassNotification:
		return "notification"
	default:
		return "revocation"
	}
}

// Subscription types the recorder reacts to.
const (
	TypeStreamOnline  = "stream.online"
	TypeStreamOffline = "stream.offline"
	TypeChannelUpdate = "channel.update"
	TypeRevocation    = "revocation"
)

// Envelope is the JSON body of a delivery.
type Envelope struct {
	Challenge    string          `json:"challenge"`
	Subscription Subscription    `json:"subscription"`
	Event        json.RawMessage `json:"event"`
}

// Subscription is the subscription block of an Envelope.
type Subscription struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Status    string            `json:"status"`
	Condition map[string]string `json:"condition"`
}

// Classify decides how a delivery is handled. Anything that is neither a verification with a
// challenge nor a notification with an event is a revocation.
func Classify(messageType string, env *Envelope) Class {
	switch {
	case messageType == "webhook_callback_verification" && env.Challenge != "":
		return ClassChallenge
	case messageType == "notification" && len(env.Event) > 0 && string(env.Event) != "null":
		return ClassNotification
	default:
		return ClassRevocation
	}
}

// Event is a decoded notification (or revocation) ready for dispatch.
type Event struct {
	MessageID        string
	Type             string
	BroadcasterID    string
	BroadcasterLogin string
	StartedAt        time.Time
	Title            string
	CategoryName     string
	ReceivedAt       time.Time
}

type eventBody struct {
	BroadcasterID    string    `json:"broadcaster_user_id"`
	BroadcasterLogin string    `json:"broadcaster_user_login"`
	StartedAt        time.Time `json:"started_at"`
	Title            string    `json:"title"`
	CategoryName     string    `json:"category_name"`
}

// DecodeEvent builds an Event from a notification envelope.
func DecodeEvent(messageID string, env *Envelope, received time.Time) (Event, error) {
	var body eventBody
	if err := json.Unmarshal(env.Event, &body); err != nil {
		return Event{}, fmt.Errorf("decode %s event: %w", env.Subscription.Type, err)
	}
	ev := Event{
		MessageID:        messageID,
		Type:             env.Subscription.Type,
		BroadcasterID:    body.BroadcasterID,
		BroadcasterLogin: body.BroadcasterLogin,
		StartedAt:        body.StartedAt,
		Title:            body.Title,
		CategoryName:     body.CategoryName,
		ReceivedAt:       received,
	}
	if ev.BroadcasterID == "" {
		ev.BroadcasterID = env.Subscription.Condition["broadcaster_user_id"]
	}
	if ev.StartedAt.IsZero() {
		ev.StartedAt = received
	}
	return ev, nil
}

// Record is the audit row written for every notification before it is dispatched.
// Payload and DecodeError are only set for notifications whose event could not be decoded.
type Record struct {
	MessageID     string
	BroadcasterID string
	EventType     string
	StartedAt     time.Time
	EndAt         *time.Time
	ReceivedAt    time.Time
	Payload       string
	DecodeError   string
}

// UndecodableRecord is the audit row of a notification DecodeEvent rejected. It keeps the raw
// event so the delivery can be inspected later.
func UndecodableRecord(messageID string, env *Envelope, received time.Time, err error) Record {
	return Record{
		MessageID:     messageID,
		BroadcasterID: env.Subscription.Condition["broadcaster_user_id"],
		EventType:     env.Subscription.Type,
		StartedAt:     received,
		ReceivedAt:    received,
		Payload:       string(env.Event),
		DecodeError:   err.Error(),
	}
}

// AuditRecord derives the audit row for ev. Offline events carry their receive time as EndAt.
func (ev Event) AuditRecord() Record {
	rec := Record{
		MessageID:     ev.MessageID,
		BroadcasterID: ev.BroadcasterID,
		EventType:     ev.Type,
		StartedAt:     ev.StartedAt,
		ReceivedAt:    ev.ReceivedAt,
	}
	if ev.Type == TypeStreamOffline {
		end := ev.ReceivedAt
		rec.EndAt = &end
	}
	return rec
}
