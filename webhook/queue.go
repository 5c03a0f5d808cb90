package webhook

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/onnwee/live-tender/telemetry"
)

// Queue runs one worker per broadcaster with pending events. Events of one broadcaster are
// processed in arrival order; a slow event only delays later events of the same broadcaster.
// Workers are started on demand and exit once their backlog is empty.
type Queue struct {
	depth int
	slots chan struct{} // held from Enqueue until the event has been processed

	mu      sync.Mutex
	chains  map[string]chan Event
	ctx     context.Context
	process func(context.Context, Event)
	wg      sync.WaitGroup
}

// NewQueue returns a queue holding at most capacity unfinished events overall and at most
// depth waiting events per broadcaster.
func NewQueue(capacity, depth int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	if depth <= 0 {
		depth = 1
	}
	return &Queue{
		depth:  depth,
		slots:  make(chan struct{}, capacity),
		chains: make(map[string]chan Event),
	}
}

// Start begins processing with process until ctx is done, including events enqueued before
// Start. A panic in process is logged and the broadcaster's worker keeps running.
func (q *Queue) Start(ctx context.Context, process func(context.Context, Event)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ctx, q.process = ctx, process
	for id, ch := range q.chains {
		q.spawnLocked(id, ch)
	}
}

// Wait blocks until every worker has stopped.
func (q *Queue) Wait() { q.wg.Wait() }

// Enqueue hands ev to its broadcaster's worker without blocking. It returns false and drops the
// event when the queue is at capacity or the broadcaster's backlog is full.
func (q *Queue) Enqueue(ev Event) bool {
	select {
	case q.slots <- struct{}{}:
	default:
		q.drop(ev, "queue at capacity")
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.chains[ev.BroadcasterID]
	if !ok {
		ch = make(chan Event, q.depth)
		q.chains[ev.BroadcasterID] = ch
		if q.process != nil {
			q.spawnLocked(ev.BroadcasterID, ch)
		}
	}
	select {
	case ch <- ev:
		return true
	default:
		<-q.slots
		q.drop(ev, "broadcaster backlog full")
		return false
	}
}

// Pending returns the number of broadcasters with queued or running events.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.chains)
}

func (q *Queue) spawnLocked(id string, ch chan Event) {
	q.wg.Add(1)
	go q.work(q.ctx, q.process, id, ch)
}

func (q *Queue) work(ctx context.Context, process func(context.Context, Event), id string, ch chan Event) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			q.safeProcess(ctx, ev, process)
			<-q.slots
		default:
			// Enqueue sends under mu, so an empty channel seen under mu stays empty until the
			// chain is removed.
			q.mu.Lock()
			if len(ch) == 0 {
				delete(q.chains, id)
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()
		}
	}
}

func (q *Queue) safeProcess(ctx context.Context, ev Event, process func(context.Context, Event)) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("webhook event processing panicked",
				slog.String("component", "webhook_queue"),
				slog.String("broadcaster_id", ev.BroadcasterID),
				slog.String("message_id", ev.MessageID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()
	process(telemetry.WithCorrelation(ctx, ev.MessageID), ev)
}

func (q *Queue) drop(ev Event, reason string) {
	telemetry.IncWebhookDrop()
	slog.Error("dropping webhook event",
		slog.String("component", "webhook_queue"),
		slog.String("reason", reason),
		slog.String("message_id", ev.MessageID),
		slog.String("type", ev.Type),
		slog.String("broadcaster_id", ev.BroadcasterID))
}
