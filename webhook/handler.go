package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/live-tender/telemetry"
)

// Auditor durably records a notification before it is dispatched.
type Auditor interface {
	RecordWebhookEvent(ctx context.Context, rec Record) error
}

// Dispatcher reacts to notifications by subscription type.
type Dispatcher interface {
	StreamOnline(ctx context.Context, ev Event) error
	StreamOffline(ctx context.Context, ev Event) error
	ChannelUpdate(ctx context.Context, ev Event) error
}

// Handler is the HTTP endpoint EventSub delivers to. It must sit behind Verifier.Middleware.
type Handler struct {
	Queue   *Queue
	Auditor Auditor

	now          func() time.Time
	auditBackoff time.Duration
}

const auditAttempts = 3

// NewHandler returns a Handler recording notifications with a and feeding q.
func NewHandler(q *Queue, a Auditor) *Handler {
	return &Handler{Queue: q, Auditor: a, now: time.Now, auditBackoff: 50 * time.Millisecond}
}

// ServeHTTP answers challenges synchronously. Notifications are acknowledged with 204, then
// audited and queued without waiting for processing; revocations are acknowledged and logged
// from the queue.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := telemetry.LoggerWithCorr(r.Context()).With(slog.String("component", "webhook"))
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		http.Error(w, "malformed envelope", http.StatusBadRequest)
		return
	}
	msgID := r.Header.Get(HeaderMessageID)
	class := Classify(r.Header.Get(HeaderMessageType), &env)

	switch class {
	case ClassChallenge:
		telemetry.IncWebhookEvent("challenge")
		log.Info("eventsub subscription verified", slog.String("subscription_type", env.Subscription.Type), slog.String("subscription_id", env.Subscription.ID))
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(env.Challenge))
		return
	case ClassNotification:
		// Failures below are logged only; the response is always 204.
		w.WriteHeader(http.StatusNoContent)
		received := h.now().UTC()
		ev, err := DecodeEvent(msgID, &env, received)
		if err != nil {
			log.Error("dropping undecodable notification", slog.String("message_id", msgID), slog.Any("err", err))
			if aerr := h.audit(r.Context(), UndecodableRecord(msgID, &env, received, err)); aerr != nil {
				telemetry.IncWebhookAuditFailure()
				log.Error("failed to record undecodable notification", slog.String("message_id", msgID), slog.Any("err", aerr))
			}
			return
		}
		telemetry.IncWebhookEvent(ev.Type)
		if err := h.audit(r.Context(), ev.AuditRecord()); err != nil {
			telemetry.IncWebhookAuditFailure()
			log.Error("notification not dispatched: audit failed",
				slog.String("message_id", msgID), slog.String("type", ev.Type),
				slog.String("broadcaster_id", ev.BroadcasterID), slog.Any("err", err))
			return
		}
		h.Queue.Enqueue(ev)
	default:
		w.WriteHeader(http.StatusNoContent)
		telemetry.IncWebhookEvent(TypeRevocation)
		h.Queue.Enqueue(Event{
			MessageID:     msgID,
			Type:          TypeRevocation,
			BroadcasterID: env.Subscription.Condition["broadcaster_user_id"],
			Title:         env.Subscription.Type + " (" + env.Subscription.Status + ")",
			ReceivedAt:    h.now().UTC(),
		})
	}
}

// audit writes rec, retrying briefly. Nothing is dispatched for a notification that could not
// be audited.
func (h *Handler) audit(ctx context.Context, rec Record) error {
	if h.Auditor == nil {
		return nil
	}
	var err error
	for attempt := 1; attempt <= auditAttempts; attempt++ {
		if err = h.Auditor.RecordWebhookEvent(ctx, rec); err == nil {
			return nil
		}
		if attempt == auditAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * h.auditBackoff):
		}
	}
	return err
}

// Processor is the queue worker body dispatching by type. Errors are logged and never returned.
type Processor struct {
	Dispatcher Dispatcher
}

// Process handles one queued event.
func (p *Processor) Process(ctx context.Context, ev Event) {
	log := telemetry.LoggerWithCorr(ctx).With(
		slog.String("component", "webhook_dispatch"),
		slog.String("type", ev.Type),
		slog.String("broadcaster_id", ev.BroadcasterID))

	if ev.Type == TypeRevocation {
		log.Warn("eventsub subscription revoked", slog.String("detail", ev.Title))
		return
	}
	ctx, span := telemetry.StartSpan(ctx, "webhook", "webhook.dispatch", telemetry.BroadcasterAttr(ev.BroadcasterID))
	defer span.End()
	var err error
	switch ev.Type {
	case TypeStreamOnline:
		err = p.Dispatcher.StreamOnline(ctx, ev)
	case TypeStreamOffline:
		err = p.Dispatcher.StreamOffline(ctx, ev)
	case TypeChannelUpdate:
		err = p.Dispatcher.ChannelUpdate(ctx, ev)
	default:
		log.Info("ignoring unhandled subscription type")
	}
	if err != nil {
		telemetry.RecordError(span, err)
		log.Error("webhook dispatch failed", slog.Any("err", err))
		return
	}
	telemetry.SetSpanSuccess(span)
}
