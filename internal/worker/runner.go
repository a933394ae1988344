package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ChuLiYu/swarm-coordinator/pkg/types"
)

// JobFunc runs one job until it finishes or ctx is cancelled. When cancelled
// it must return a checkpoint from which the job can resume. resume holds
// the decoded checkpoint of a previous run, nil on first start.
type JobFunc func(ctx context.Context, spec types.JobSpec, resume []byte) (checkpoint []byte, err error)

// JobOutcome is reported when a job ends by itself (not by Pause).
type JobOutcome func(jobID types.JobID, err error)

// Runner executes at most one job at a time in its own goroutine.
// Each job gets an independent context; Pause cancels it and waits for the
// job function to hand back its checkpoint. The node is free again as soon
// as the job function returns, whether or not a Pause is still waiting.
type Runner struct {
	mu      sync.Mutex
	fn      JobFunc
	onDone  JobOutcome
	current *runningJob
}

// runningJob fields below done are written before done is closed.
type runningJob struct {
	id      types.JobID
	cancel  context.CancelFunc
	pausing bool // guarded by Runner.mu
	done    chan struct{}

	checkpoint []byte
	err        error
	paused     bool
}

// NewRunner creates a runner for fn. onDone may be nil.
func NewRunner(fn JobFunc, onDone JobOutcome) *Runner {
	return &Runner{fn: fn, onDone: onDone}
}

// Start launches the job. resume is the decoded checkpoint, nil on first start.
func (r *Runner) Start(spec types.JobSpec, resume []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current != nil {
		return fmt.Errorf("%w: %s", ErrJobRunning, r.current.id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := &runningJob{id: spec.JobID, cancel: cancel, done: make(chan struct{})}
	r.current = job

	go r.run(ctx, job, spec, resume)
	return nil
}

func (r *Runner) run(ctx context.Context, job *runningJob, spec types.JobSpec, resume []byte) {
	cp, err := r.fn(ctx, spec, resume)
	job.cancel()

	r.mu.Lock()
	// A job that returned its result before noticing the cancel finished
	// on its own even if a Pause arrived meanwhile.
	paused := job.pausing && interrupted(cp, err)
	job.checkpoint, job.err, job.paused = cp, err, paused
	if r.current == job {
		r.current = nil
	}
	r.mu.Unlock()

	// Reported before done is closed so a concurrent Pause returns only
	// after the outcome is known to the observer.
	if !paused && r.onDone != nil {
		r.onDone(job.id, err)
	}
	close(job.done)
}

// interrupted reports whether a job function's result is a cancellation
// checkpoint rather than a final outcome.
func interrupted(cp []byte, err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	return err == nil && cp != nil
}

// Pause cancels the running job and returns its checkpoint. If the job ends
// by itself while being paused, Pause returns ErrJobNotRunning and the
// outcome goes to the JobOutcome observer.
func (r *Runner) Pause(ctx context.Context, jobID types.JobID) ([]byte, error) {
	r.mu.Lock()
	job := r.current
	if job == nil || job.id != jobID {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrJobNotRunning, jobID)
	}
	job.pausing = true
	r.mu.Unlock()

	job.cancel()
	select {
	case <-job.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if !job.paused {
		if job.err != nil {
			return nil, fmt.Errorf("%w: %s failed before pausing: %v", ErrJobNotRunning, jobID, job.err)
		}
		return nil, fmt.Errorf("%w: %s finished before pausing", ErrJobNotRunning, jobID)
	}
	return job.checkpoint, nil
}

// Current returns the id of the running job, if any.
func (r *Runner) Current() (types.JobID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return "", false
	}
	return r.current.id, true
}

// keyspaceCheckpoint is the resume state of KeyspaceJob.
type keyspaceCheckpoint struct {
	Position int64 `json:"position"`
}

// KeyspaceJob returns a JobFunc that walks a keyspace of payload["keyspace"]
// candidates (default 1000) one per tick, the way a hash cracking session
// advances through its restore point. It finishes when the keyspace is
// exhausted and checkpoints the current position when cancelled.
func KeyspaceJob(tick time.Duration) JobFunc {
	return func(ctx context.Context, spec types.JobSpec, resume []byte) ([]byte, error) {
		var state keyspaceCheckpoint
		if len(resume) > 0 {
			if err := json.Unmarshal(resume, &state); err != nil {
				return nil, fmt.Errorf("invalid checkpoint: %w", err)
			}
		}

		total := int64(1000)
		if v, ok := spec.Payload["keyspace"].(float64); ok && v > 0 {
			total = int64(v)
		}
		if v, ok := spec.Payload["keyspace"].(int); ok && v > 0 {
			total = int64(v)
		}

		ticker := time.NewTicker(tick)
		defer ticker.Stop()

		for state.Position < total {
			select {
			case <-ctx.Done():
				cp, err := json.Marshal(state)
				if err != nil {
					return nil, err
				}
				return cp, ctx.Err()
			case <-ticker.C:
				state.Position++
			}
		}
		return nil, nil
	}
}
