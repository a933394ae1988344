package jobmanager

import (
	"context"
	"fmt"
	"time"

	"github.com/ChuLiYu/swarm-coordinator/pkg/types"
)

// ============================================================================
// Scheduler loop
// ============================================================================

// Start launches the scheduler goroutine. It idles while the queue is empty
// and wakes on Submit or whenever a worker is freed. Calling Start on a
// running manager is a no-op.
func (jm *JobManager) Start(ctx context.Context) {
	jm.runMu.Lock()
	defer jm.runMu.Unlock()
	if jm.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	jm.cancel = cancel
	jm.wg.Add(1)
	go func() {
		defer jm.wg.Done()
		jm.run(ctx)
	}()
	jm.logger.Info("Scheduler started", "poll_interval", jm.pollInterval, "max_attempts", jm.maxAttempts)
}

// Stop cancels the scheduler and waits for it to exit. An in-flight worker
// call finishes first.
func (jm *JobManager) Stop() {
	jm.runMu.Lock()
	cancel := jm.cancel
	jm.cancel = nil
	jm.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	jm.wg.Wait()
	jm.logger.Info("Scheduler stopped")
}

func (jm *JobManager) run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if jm.ScheduleOnce(ctx) {
			continue
		}

		var timer *time.Timer
		var tick <-chan time.Time
		if jm.QueueLen() > 0 {
			timer = time.NewTimer(jm.pollInterval)
			tick = timer.C
		}
		select {
		case <-ctx.Done():
		case <-jm.notify:
		case <-tick:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// QueueLen returns the number of PENDING and PAUSED jobs.
func (jm *JobManager) QueueLen() int {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	return jm.queue.Len()
}

// ============================================================================
// One scheduling decision
// ============================================================================

// ScheduleOnce tries to place the head of the queue: first on an idle GPU
// worker (registration order), otherwise by preempting the first worker, in
// assignment order, whose job has strictly lower priority. It reports whether
// the head was placed, in which case the caller should schedule again at once.
func (jm *JobManager) ScheduleOnce(ctx context.Context) bool {
	jm.mu.Lock()
	head := jm.queue.peek()
	jm.mu.Unlock()
	if head == nil {
		return false
	}
	headID, headPriority := head.job.ID, head.job.Priority

	gpuWorkers := jm.pool.Eligible(ctx, []string{GPUTag})

	jm.mu.Lock()
	if cur := jm.queue.peek(); cur == nil || cur.job.ID != headID {
		// A higher priority submission or a cancel changed the head.
		jm.mu.Unlock()
		return cur != nil
	}

	for _, w := range gpuWorkers {
		if _, busy := jm.workerJob[w]; !busy {
			jm.mu.Unlock()
			return jm.Assign(ctx, headID, w) == nil
		}
	}

	eligible := make(map[string]bool, len(gpuWorkers))
	for _, w := range gpuWorkers {
		eligible[w] = true
	}
	var victimWorker string
	var victimJob types.JobID
	for _, w := range jm.assigned {
		job := jm.active[jm.workerJob[w]]
		if job != nil && eligible[w] && job.Priority < headPriority {
			victimWorker, victimJob = w, job.ID
			break
		}
	}
	jm.mu.Unlock()

	if victimWorker == "" {
		return false
	}

	jm.logger.Info("Preempting job",
		"victim", victimJob, "worker_id", victimWorker, "for", headID, "priority", headPriority)
	if err := jm.Suspend(ctx, victimJob, victimWorker); err != nil {
		jm.logger.Warn("Preemption aborted", "victim", victimJob, "error", err)
		return false
	}
	jm.metrics.RecordPreemption()
	return jm.Assign(ctx, headID, victimWorker) == nil
}

// ============================================================================
// Assign / Suspend
// ============================================================================

// Assign moves a queued job to RUNNING on workerID and asks the worker to
// start it, passing the checkpoint when resuming. If the start fails the job
// goes back to PENDING in the queue, or to FAILED once it has used up its
// attempts.
func (jm *JobManager) Assign(ctx context.Context, jobID types.JobID, workerID string) error {
	jm.mu.Lock()
	job, ok := jm.jobs[jobID]
	if !ok {
		jm.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if other, busy := jm.workerJob[workerID]; busy {
		jm.mu.Unlock()
		return fmt.Errorf("%w: %s runs %s", ErrWorkerBusy, workerID, other)
	}
	if !jm.dequeueLocked(jobID) {
		jm.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotQueued, jobID, job.Status)
	}

	now := time.Now()
	job.Status = types.StatusRunning
	job.WorkerID = workerID
	job.StartedAt = &now
	job.UpdatedAt = now
	jm.active[jobID] = job
	jm.workerJob[workerID] = jobID
	jm.assigned = append(jm.assigned, workerID)
	spec := types.JobSpec{JobID: jobID, Payload: job.Payload, Checkpoint: job.Checkpoint}
	resumed := job.Preemptions > 0
	jm.publishLocked()
	jm.mu.Unlock()

	if spec.Checkpoint == "" && resumed {
		spec.Checkpoint = jm.loadCheckpoint(jobID)
	}

	started, err := jm.pool.StartJob(ctx, workerID, spec)
	if err == nil && !started {
		err = ErrStartRejected
	}
	if err == nil {
		jm.logger.Info("Job assigned",
			"job_id", jobID, "worker_id", workerID, "resumed", spec.Checkpoint != "")
		return nil
	}

	jm.metrics.RecordStartFailure()
	jm.mu.Lock()
	if job.Status != types.StatusRunning || job.WorkerID != workerID {
		// Reported finished while the start call was in flight.
		jm.mu.Unlock()
		return err
	}
	jm.releaseLocked(job)
	job.Attempts++
	job.UpdatedAt = time.Now()
	failed := job.Attempts >= jm.maxAttempts
	if failed {
		job.Status = types.StatusFailed
		job.Error = fmt.Sprintf("start failed %d times: %v", job.Attempts, err)
	} else {
		job.Status = types.StatusPending
		jm.enqueueLocked(job)
	}
	attempts := job.Attempts
	jm.publishLocked()
	jm.mu.Unlock()

	if failed {
		jm.metrics.RecordFailed()
		jm.deleteCheckpoint(jobID)
		jm.logger.Error("Job failed after repeated start failures",
			"job_id", jobID, "worker_id", workerID, "attempts", attempts, "error", err)
	} else {
		jm.logger.Warn("Job start failed, requeued",
			"job_id", jobID, "worker_id", workerID, "attempts", attempts, "error", err)
	}
	return fmt.Errorf("start %s on %s: %w", jobID, workerID, err)
}

// Suspend pauses a running job, stores its checkpoint and puts it back in
// the queue as PAUSED. If the pause call fails the worker is treated as lost:
// the mapping is cleared and the job is PAUSED with its previous checkpoint.
func (jm *JobManager) Suspend(ctx context.Context, jobID types.JobID, workerID string) error {
	jm.mu.Lock()
	job, ok := jm.jobs[jobID]
	if !ok {
		jm.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if job.Status != types.StatusRunning || job.WorkerID != workerID {
		jm.mu.Unlock()
		return fmt.Errorf("%w: %s on %s", ErrNotRunning, jobID, workerID)
	}
	jm.mu.Unlock()

	cp, pauseErr := jm.pool.PauseJob(ctx, workerID, jobID)

	jm.mu.Lock()
	if job.Status != types.StatusRunning || job.WorkerID != workerID {
		jm.mu.Unlock()
		return fmt.Errorf("%w: %s finished during pause", ErrNotRunning, jobID)
	}
	jm.releaseLocked(job)
	if pauseErr == nil && cp != "" {
		job.Checkpoint = cp
	}
	job.Status = types.StatusPaused
	job.Preemptions++
	job.UpdatedAt = time.Now()
	jm.enqueueLocked(job)
	checkpoint := job.Checkpoint
	jm.publishLocked()
	jm.mu.Unlock()

	if pauseErr != nil {
		jm.logger.Warn("Pause failed, worker assumed lost",
			"job_id", jobID, "worker_id", workerID, "error", pauseErr)
	} else {
		jm.logger.Info("Job suspended", "job_id", jobID, "worker_id", workerID, "checkpoint_len", len(cp))
	}
	if jm.store != nil && pauseErr == nil && checkpoint != "" {
		if err := jm.store.Save(jobID, checkpoint); err != nil {
			jm.logger.Warn("Failed to persist checkpoint, keeping it in memory", "job_id", jobID, "error", err)
		} else {
			jm.mu.Lock()
			if job.Checkpoint == checkpoint {
				job.Checkpoint = ""
			}
			jm.mu.Unlock()
		}
	}
	jm.wake()
	return nil
}
