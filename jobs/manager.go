// Package jobs owns background job records and their pending → running → done/failed
// lifecycle. Jobs are persisted through a Store and executed by a fixed pool of workers
// fed from a bounded queue.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/live-tender/telemetry"
)

// Store persists jobs. GetJob and ActiveJobFor return nil, nil when nothing is found.
// UpdateJobStatus must only apply when the stored status still equals from.
type Store interface {
	InsertJob(ctx context.Context, j Job) error
	UpdateJobStatus(ctx context.Context, id string, from, to Status, errMsg string) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ActiveJobFor(ctx context.Context, resourceID string) (*Job, error)
	ListActiveJobs(ctx context.Context) ([]Job, error)
}

// Work is the body of a job.
type Work func(ctx context.Context, jobID string) error

// FailureHandler runs once after a job is marked failed.
type FailureHandler func(ctx context.Context, jobID string, err error)

// maxCached bounds the status cache; terminal entries are pruned past it.
const maxCached = 4096

// Options configures a Manager.
type Options struct {
	Workers    int
	QueueDepth int
	Locker     Locker
}

type queued struct {
	job       Job
	work      Work
	onFailure FailureHandler
	unlock    func()
}

// Manager creates jobs and runs them on a worker pool.
type Manager struct {
	store  Store
	locker Locker
	queue  chan queued
	nextID func() string

	workers int
	wg      sync.WaitGroup

	mu     sync.Mutex
	status map[string]Status // write-through cache of job status
	active map[string]string // resource id → job id, for jobs created by this process
}

// NewManager returns a Manager; call Start to launch its workers.
func NewManager(store Store, opts Options) *Manager {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 16
	}
	return &Manager{
		store:   store,
		locker:  opts.Locker,
		queue:   make(chan queued, opts.QueueDepth),
		nextID:  uuid.NewString,
		workers: opts.Workers,
		status:  make(map[string]Status),
		active:  make(map[string]string),
	}
}

// Start launches the workers. They stop when ctx is done; Wait blocks until they have.
func (m *Manager) Start(ctx context.Context) {
	for i := 0; i < m.workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case q := <-m.queue:
					telemetry.SetJobQueueDepth(len(m.queue))
					m.run(ctx, q)
				}
			}
		}()
	}
	slog.Info("job workers started", slog.String("component", "jobs"), slog.Int("workers", m.workers), slog.Int("queue_depth", cap(m.queue)))
}

// Wait blocks until all workers have returned.
func (m *Manager) Wait() { m.wg.Wait() }

// HasPendingJobFor returns the id of a pending or running job holding resourceID.
// A store error is logged and treated as "no job".
func (m *Manager) HasPendingJobFor(ctx context.Context, resourceID string) (string, bool) {
	m.mu.Lock()
	id, ok := m.active[resourceID]
	m.mu.Unlock()
	if ok {
		return id, true
	}
	j, err := m.store.ActiveJobFor(ctx, resourceID)
	if err != nil {
		slog.Error("active job lookup failed", slog.String("component", "jobs"), slog.String("resource_id", resourceID), slog.Any("err", err))
		return "", false
	}
	if j == nil {
		return "", false
	}
	return j.ID, true
}

// Create persists a pending job for resourceID and queues it. It refuses with
// *InProgressError when another job already holds the resource. When the queue is full
// Create blocks until a slot frees up or ctx is done; in the latter case the job is marked
// failed and onFailure runs.
//
// Without a Locker the check-then-create is not atomic: two concurrent calls for the same
// resource may both pass the check.
func (m *Manager) Create(ctx context.Context, kind Kind, resourceID string, work Work, onFailure FailureHandler) (string, error) {
	if work == nil {
		return "", errors.New("jobs: nil work")
	}
	if id, ok := m.HasPendingJobFor(ctx, resourceID); ok {
		return "", &InProgressError{ResourceID: resourceID, JobID: id}
	}
	unlock := func() {}
	if m.locker != nil {
		u, err := m.locker.Lock(resourceID)
		if errors.Is(err, ErrLocked) {
			id, _ := m.HasPendingJobFor(ctx, resourceID)
			return "", &InProgressError{ResourceID: resourceID, JobID: id}
		}
		if err != nil {
			return "", err
		}
		unlock = u
	}

	now := time.Now().UTC()
	j := Job{ID: m.nextID(), Kind: kind, ResourceID: resourceID, Status: StatusPending, CreatedAt: now, UpdatedAt: now}
	if err := m.store.InsertJob(ctx, j); err != nil {
		unlock()
		return "", fmt.Errorf("insert job: %w", err)
	}
	m.mu.Lock()
	m.setStatusLocked(j.ID, StatusPending)
	m.active[resourceID] = j.ID
	m.mu.Unlock()
	telemetry.IncJobTransition(string(kind), string(StatusPending))

	q := queued{job: j, work: work, onFailure: onFailure, unlock: unlock}
	select {
	case m.queue <- q:
		telemetry.SetJobQueueDepth(len(m.queue))
		return j.ID, nil
	case <-ctx.Done():
		err := fmt.Errorf("enqueue job: %w", ctx.Err())
		m.finish(context.WithoutCancel(ctx), q, StatusPending, err)
		return j.ID, err
	}
}

// Status returns the job's status, or false when the job is unknown. Store errors are logged
// and reported as unknown.
func (m *Manager) Status(ctx context.Context, jobID string) (Status, bool) {
	m.mu.Lock()
	s, ok := m.status[jobID]
	m.mu.Unlock()
	if ok {
		return s, true
	}
	j, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		slog.Error("job lookup failed", slog.String("component", "jobs"), slog.String("job_id", jobID), slog.Any("err", err))
		return "", false
	}
	if j == nil {
		return "", false
	}
	m.mu.Lock()
	m.setStatusLocked(j.ID, j.Status)
	m.mu.Unlock()
	return j.Status, true
}

// Recover fails every job a previous process left pending or running and returns them.
func (m *Manager) Recover(ctx context.Context) ([]Job, error) {
	stale, err := m.store.ListActiveJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	var failed []Job
	for _, j := range stale {
		if err := m.store.UpdateJobStatus(ctx, j.ID, j.Status, StatusFailed, "interrupted by restart"); err != nil {
			slog.Error("failed to recover job", slog.String("component", "jobs"), slog.String("job_id", j.ID), slog.Any("err", err))
			continue
		}
		telemetry.IncJobTransition(string(j.Kind), string(StatusFailed))
		j.Status = StatusFailed
		failed = append(failed, j)
	}
	if len(failed) > 0 {
		slog.Warn("recovered interrupted jobs", slog.String("component", "jobs"), slog.Int("count", len(failed)))
	}
	return failed, nil
}

func (m *Manager) run(ctx context.Context, q queued) {
	log := slog.Default().With(slog.String("component", "jobs"), slog.String("job_id", q.job.ID), slog.String("kind", string(q.job.Kind)), slog.String("resource_id", q.job.ResourceID))
	persistCtx := context.WithoutCancel(ctx)

	if err := m.transition(persistCtx, q.job, StatusPending, StatusRunning, ""); err != nil {
		log.Error("failed to mark job running", slog.Any("err", err))
		m.finish(persistCtx, q, StatusPending, err)
		return
	}
	log.Info("job started")
	start := time.Now()
	err := safeRun(ctx, q.job.ID, q.work)
	if err == nil {
		if terr := m.transition(persistCtx, q.job, StatusRunning, StatusDone, ""); terr != nil {
			log.Error("failed to mark job done", slog.Any("err", terr))
			m.mu.Lock()
			m.setStatusLocked(q.job.ID, StatusDone)
			m.clearActiveLocked(q.job)
			m.mu.Unlock()
		}
		m.release(q)
		log.Info("job done", slog.Duration("elapsed", time.Since(start)))
		return
	}
	log.Error("job failed", slog.Duration("elapsed", time.Since(start)), slog.Any("err", err))
	m.finish(persistCtx, q, StatusRunning, err)
}

// finish marks the job failed, releases its resource and runs the failure handler once.
func (m *Manager) finish(ctx context.Context, q queued, from Status, cause error) {
	if err := m.transition(ctx, q.job, from, StatusFailed, cause.Error()); err != nil {
		slog.Error("failed to mark job failed", slog.String("component", "jobs"), slog.String("job_id", q.job.ID), slog.Any("err", err))
		m.mu.Lock()
		m.setStatusLocked(q.job.ID, StatusFailed)
		m.clearActiveLocked(q.job)
		m.mu.Unlock()
	}
	m.release(q)
	if q.onFailure == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("job failure handler panicked", slog.String("component", "jobs"), slog.String("job_id", q.job.ID), slog.Any("panic", r))
		}
	}()
	q.onFailure(ctx, q.job.ID, cause)
}

func (m *Manager) release(q queued) {
	if q.unlock != nil {
		q.unlock()
	}
}

// transition validates and persists a status change, then updates the cache. The store is
// written before the cache.
func (m *Manager) transition(ctx context.Context, j Job, from, to Status, errMsg string) error {
	if err := CheckTransition(from, to); err != nil {
		return err
	}
	if err := m.store.UpdateJobStatus(ctx, j.ID, from, to, errMsg); err != nil {
		return err
	}
	m.mu.Lock()
	m.setStatusLocked(j.ID, to)
	if to.Terminal() {
		m.clearActiveLocked(j)
	}
	m.mu.Unlock()
	telemetry.IncJobTransition(string(j.Kind), string(to))
	return nil
}

func (m *Manager) clearActiveLocked(j Job) {
	if m.active[j.ResourceID] == j.ID {
		delete(m.active, j.ResourceID)
	}
}

func (m *Manager) setStatusLocked(id string, s Status) {
	m.status[id] = s
	if len(m.status) <= maxCached {
		return
	}
	for k, v := range m.status {
		if v.Terminal() && k != id {
			delete(m.status, k)
		}
	}
}

func safeRun(ctx context.Context, jobID string, w Work) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("job panicked", slog.String("component", "jobs"), slog.String("job_id", jobID), slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w(ctx, jobID)
}
