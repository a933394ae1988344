// ============================================================================
// Swarm Job Manager - Preemptive GPU Job Scheduler
// ============================================================================
//
// Package: internal/jobmanager
// File: job_manager.go
// Purpose: Owns the lifecycle of GPU jobs and places them on GPU workers.
//
// State machine:
//
//   PENDING --assign--> RUNNING --suspend--> PAUSED --assign--> RUNNING
//      ^                   |                                       |
//      +--start failure----+                                       |
//                          +--Complete/Fail--> COMPLETED / FAILED <+
//
//   Start failures increment Attempts; at maxAttempts the job is FAILED.
//   PENDING and PAUSED jobs may be cancelled (FAILED).
//
// Data structures:
//   jobs      map[JobID]*Job      single source of truth
//   queue     heap of pending + paused jobs, (priority desc, created asc)
//   active    map[JobID]*Job      running jobs
//   workerJob map[worker]JobID    at most one job per worker
//   assigned  []worker            workerJob keys in assignment order
//
//   Every non-terminal job is in exactly one of {queue, active}.
//
// Concurrency:
//   One mutex guards all of the above. Worker calls (status, start, pause)
//   happen with the mutex released; only the scheduler goroutine assigns and
//   suspends, so a worker picked as idle cannot be taken in the meantime.
//
// ============================================================================

package jobmanager

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/swarm-coordinator/internal/checkpoint"
	"github.com/ChuLiYu/swarm-coordinator/internal/metrics"
	"github.com/ChuLiYu/swarm-coordinator/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	ErrJobNotFound   = errors.New("job not found")
	ErrNotRunning    = errors.New("job not running")
	ErrNotQueued     = errors.New("job not pending or paused")
	ErrWorkerBusy    = errors.New("worker already has a job")
	ErrStartRejected = errors.New("worker rejected job start")
)

const (
	// DefaultPollInterval is how long the scheduler waits when the head job fits nowhere.
	DefaultPollInterval = 5 * time.Second
	// DefaultMaxAttempts is how many failed starts turn a job FAILED.
	DefaultMaxAttempts = 5
	// GPUTag is the capability a worker needs to run jobs.
	GPUTag = "gpu"
)

// WorkerPool is the part of the router the scheduler uses.
type WorkerPool interface {
	Eligible(ctx context.Context, requiredTags []string) []string
	StartJob(ctx context.Context, nodeID string, spec types.JobSpec) (bool, error)
	PauseJob(ctx context.Context, nodeID string, jobID types.JobID) (string, error)
}

// CheckpointStore persists checkpoints of suspended jobs. When one is set,
// a saved checkpoint is dropped from memory and loaded back on resume.
type CheckpointStore interface {
	Save(jobID types.JobID, checkpoint string) error
	Load(jobID types.JobID) (string, error)
	Delete(jobID types.JobID) error
}

// JobManager schedules priority-ordered, preemptible jobs on GPU workers.
type JobManager struct {
	mu        sync.Mutex
	jobs      map[types.JobID]*types.Job
	queue     pendingQueue
	queued    map[types.JobID]*queueItem
	seqs      map[types.JobID]uint64
	active    map[types.JobID]*types.Job
	workerJob map[string]types.JobID
	assigned  []string
	nextSeq   uint64

	pool         WorkerPool
	store        CheckpointStore
	pollInterval time.Duration
	maxAttempts  int
	logger       *slog.Logger
	metrics      *metrics.Collector

	notify chan struct{}

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a JobManager.
type Option func(*JobManager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(jm *JobManager) { jm.logger = l }
}

// WithMetrics records job metrics.
func WithMetrics(m *metrics.Collector) Option {
	return func(jm *JobManager) { jm.metrics = m }
}

// WithPollInterval sets the scheduler retry interval. Zero keeps the default.
func WithPollInterval(d time.Duration) Option {
	return func(jm *JobManager) {
		if d > 0 {
			jm.pollInterval = d
		}
	}
}

// WithMaxAttempts sets how many failed starts a job survives. Zero keeps the default.
func WithMaxAttempts(n int) Option {
	return func(jm *JobManager) {
		if n > 0 {
			jm.maxAttempts = n
		}
	}
}

// WithCheckpointStore keeps checkpoints of suspended jobs on disk.
func WithCheckpointStore(s CheckpointStore) Option {
	return func(jm *JobManager) { jm.store = s }
}

// NewJobManager creates a job manager placing jobs through pool.
func NewJobManager(pool WorkerPool, opts ...Option) *JobManager {
	jm := &JobManager{
		jobs:         make(map[types.JobID]*types.Job),
		queued:       make(map[types.JobID]*queueItem),
		seqs:         make(map[types.JobID]uint64),
		active:       make(map[types.JobID]*types.Job),
		workerJob:    make(map[string]types.JobID),
		pool:         pool,
		pollInterval: DefaultPollInterval,
		maxAttempts:  DefaultMaxAttempts,
		logger:       slog.Default(),
		notify:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(jm)
	}
	return jm
}

// ============================================================================
// Submission and queries
// ============================================================================

// Submit creates a PENDING job and wakes the scheduler.
func (jm *JobManager) Submit(payload map[string]any, priority int) (types.JobID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate job id: %w", err)
	}
	if payload == nil {
		payload = make(map[string]any)
	}

	now := time.Now()
	job := &types.Job{
		ID:        types.JobID(id.String()),
		Payload:   payload,
		Priority:  priority,
		Status:    types.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	jm.mu.Lock()
	jm.jobs[job.ID] = job
	jm.seqs[job.ID] = jm.nextSeq
	jm.nextSeq++
	jm.enqueueLocked(job)
	jm.publishLocked()
	jm.mu.Unlock()

	jm.metrics.RecordSubmit()
	jm.logger.Info("Job submitted", "job_id", job.ID, "priority", priority)
	jm.wake()
	return job.ID, nil
}

// Get returns a copy of a job.
func (jm *JobManager) Get(jobID types.JobID) (types.Job, error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, ok := jm.jobs[jobID]
	if !ok {
		return types.Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return copyJob(job), nil
}

// List returns copies of all jobs in submission order.
func (jm *JobManager) List() []types.Job {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	out := make([]types.Job, 0, len(jm.jobs))
	for _, job := range jm.jobs {
		out = append(out, copyJob(job))
	}
	sort.Slice(out, func(i, j int) bool { return jm.seqs[out[i].ID] < jm.seqs[out[j].ID] })
	return out
}

// Stats returns job counts per status.
func (jm *JobManager) Stats() map[string]int {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	return jm.statsLocked()
}

func (jm *JobManager) statsLocked() map[string]int {
	stats := map[string]int{"pending": 0, "running": 0, "paused": 0, "completed": 0, "failed": 0}
	for _, job := range jm.jobs {
		switch job.Status {
		case types.StatusPending:
			stats["pending"]++
		case types.StatusRunning:
			stats["running"]++
		case types.StatusPaused:
			stats["paused"]++
		case types.StatusCompleted:
			stats["completed"]++
		case types.StatusFailed:
			stats["failed"]++
		}
	}
	return stats
}

// WorkerJobs returns the current worker -> job assignments.
func (jm *JobManager) WorkerJobs() map[string]types.JobID {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	out := make(map[string]types.JobID, len(jm.workerJob))
	for w, id := range jm.workerJob {
		out[w] = id
	}
	return out
}

// ============================================================================
// External reports
// ============================================================================

// Complete marks a RUNNING job COMPLETED and frees its worker.
func (jm *JobManager) Complete(jobID types.JobID, result string) error {
	return jm.finish(jobID, types.StatusCompleted, result, "")
}

// Fail marks a RUNNING job FAILED and frees its worker.
func (jm *JobManager) Fail(jobID types.JobID, reason string) error {
	return jm.finish(jobID, types.StatusFailed, "", reason)
}

func (jm *JobManager) finish(jobID types.JobID, status types.JobStatus, result, reason string) error {
	jm.mu.Lock()
	job, ok := jm.jobs[jobID]
	if !ok {
		jm.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if job.Status != types.StatusRunning {
		jm.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotRunning, jobID, job.Status)
	}
	workerID := job.WorkerID
	jm.releaseLocked(job)
	job.Status = status
	job.Result = result
	job.Error = reason
	job.UpdatedAt = time.Now()
	jm.publishLocked()
	jm.mu.Unlock()

	if status == types.StatusCompleted {
		jm.metrics.RecordCompleted()
	} else {
		jm.metrics.RecordFailed()
	}
	jm.deleteCheckpoint(jobID)
	jm.logger.Info("Job finished", "job_id", jobID, "worker_id", workerID, "status", status)
	jm.wake()
	return nil
}

// Cancel fails a PENDING or PAUSED job.
func (jm *JobManager) Cancel(jobID types.JobID) error {
	jm.mu.Lock()
	job, ok := jm.jobs[jobID]
	if !ok {
		jm.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	item, queued := jm.queued[jobID]
	if !queued {
		jm.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotQueued, jobID, job.Status)
	}
	jm.queue.remove(item)
	delete(jm.queued, jobID)
	job.Status = types.StatusFailed
	job.Error = "cancelled"
	job.UpdatedAt = time.Now()
	jm.publishLocked()
	jm.mu.Unlock()

	jm.metrics.RecordFailed()
	jm.deleteCheckpoint(jobID)
	jm.logger.Info("Job cancelled", "job_id", jobID)
	return nil
}

// ============================================================================
// Internal helpers (callers hold jm.mu)
// ============================================================================

func (jm *JobManager) enqueueLocked(job *types.Job) {
	item := &queueItem{job: job, seq: jm.seqs[job.ID]}
	heap.Push(&jm.queue, item)
	jm.queued[job.ID] = item
}

func (jm *JobManager) dequeueLocked(jobID types.JobID) bool {
	item, ok := jm.queued[jobID]
	if !ok {
		return false
	}
	jm.queue.remove(item)
	delete(jm.queued, jobID)
	return true
}

// releaseLocked removes a running job from the active and worker maps.
func (jm *JobManager) releaseLocked(job *types.Job) {
	delete(jm.active, job.ID)
	if id, ok := jm.workerJob[job.WorkerID]; ok && id == job.ID {
		delete(jm.workerJob, job.WorkerID)
		for i, w := range jm.assigned {
			if w == job.WorkerID {
				jm.assigned = append(jm.assigned[:i], jm.assigned[i+1:]...)
				break
			}
		}
	}
	job.WorkerID = ""
}

func (jm *JobManager) publishLocked() {
	if jm.metrics == nil {
		return
	}
	stats := jm.statsLocked()
	jm.metrics.UpdateJobStats(map[string]int{
		string(types.StatusPending):   stats["pending"],
		string(types.StatusRunning):   stats["running"],
		string(types.StatusPaused):    stats["paused"],
		string(types.StatusCompleted): stats["completed"],
		string(types.StatusFailed):    stats["failed"],
	})
}

// loadCheckpoint returns the stored checkpoint of a resumed job, or "".
func (jm *JobManager) loadCheckpoint(jobID types.JobID) string {
	if jm.store == nil {
		return ""
	}
	cp, err := jm.store.Load(jobID)
	if err != nil {
		if !errors.Is(err, checkpoint.ErrCheckpointNotFound) {
			jm.logger.Warn("Failed to load checkpoint, restarting job from scratch", "job_id", jobID, "error", err)
		}
		return ""
	}
	return cp
}

func (jm *JobManager) deleteCheckpoint(jobID types.JobID) {
	if jm.store == nil {
		return
	}
	if err := jm.store.Delete(jobID); err != nil {
		jm.logger.Warn("Failed to delete checkpoint", "job_id", jobID, "error", err)
	}
}

func (jm *JobManager) wake() {
	select {
	case jm.notify <- struct{}{}:
	default:
	}
}

func copyJob(job *types.Job) types.Job {
	c := *job
	if job.Payload != nil {
		c.Payload = make(map[string]any, len(job.Payload))
		for k, v := range job.Payload {
			c.Payload[k] = v
		}
	}
	if job.StartedAt != nil {
		t := *job.StartedAt
		c.StartedAt = &t
	}
	return c
}
