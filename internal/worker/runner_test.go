package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/swarm-coordinator/pkg/types"
)

// blockingJob runs until cancelled and checkpoints its id plus the resume blob.
func blockingJob(ctx context.Context, spec types.JobSpec, resume []byte) ([]byte, error) {
	<-ctx.Done()
	return append([]byte(string(spec.JobID)+":"), resume...), ctx.Err()
}

// ============================================================================
// Runner
// ============================================================================

// TestRunnerPauseReturnsCheckpoint tests start followed by pause
func TestRunnerPauseReturnsCheckpoint(t *testing.T) {
	r := NewRunner(blockingJob, nil)

	require.NoError(t, r.Start(types.JobSpec{JobID: "j1"}, []byte("prev")))
	id, ok := r.Current()
	assert.True(t, ok)
	assert.Equal(t, types.JobID("j1"), id)

	cp, err := r.Pause(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, "j1:prev", string(cp))

	_, ok = r.Current()
	assert.False(t, ok)
}

// TestRunnerOneJobAtATime tests that a busy runner refuses a second job
func TestRunnerOneJobAtATime(t *testing.T) {
	r := NewRunner(blockingJob, nil)
	require.NoError(t, r.Start(types.JobSpec{JobID: "j1"}, nil))

	err := r.Start(types.JobSpec{JobID: "j2"}, nil)
	assert.ErrorIs(t, err, ErrJobRunning)

	_, err = r.Pause(context.Background(), "j2")
	assert.ErrorIs(t, err, ErrJobNotRunning)

	_, err = r.Pause(context.Background(), "j1")
	require.NoError(t, err)
	require.NoError(t, r.Start(types.JobSpec{JobID: "j2"}, nil))
	_, _ = r.Pause(context.Background(), "j2")
}

// TestRunnerReportsCompletion tests that a job finishing by itself is reported
func TestRunnerReportsCompletion(t *testing.T) {
	boom := errors.New("boom")
	done := make(chan error, 1)
	r := NewRunner(func(context.Context, types.JobSpec, []byte) ([]byte, error) {
		return nil, boom
	}, func(jobID types.JobID, err error) {
		assert.Equal(t, types.JobID("j1"), jobID)
		done <- err
	})

	require.NoError(t, r.Start(types.JobSpec{JobID: "j1"}, nil))
	select {
	case err := <-done:
		assert.ErrorIs(t, err, boom)
	case <-time.After(2 * time.Second):
		t.Fatal("job outcome not reported")
	}

	assert.Eventually(t, func() bool {
		_, ok := r.Current()
		return !ok
	}, time.Second, 5*time.Millisecond)
}

// TestRunnerPauseDeadlineFreesWorker tests that a job handing back its
// checkpoint after the pause deadline still frees the runner
func TestRunnerPauseDeadlineFreesWorker(t *testing.T) {
	reported := make(chan types.JobID, 1)
	slowCheckpoint := func(ctx context.Context, spec types.JobSpec, _ []byte) ([]byte, error) {
		<-ctx.Done()
		time.Sleep(200 * time.Millisecond)
		return []byte("cp"), ctx.Err()
	}
	r := NewRunner(slowCheckpoint, func(jobID types.JobID, _ error) { reported <- jobID })

	require.NoError(t, r.Start(types.JobSpec{JobID: "j1"}, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := r.Pause(ctx, "j1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Eventually(t, func() bool {
		_, busy := r.Current()
		return !busy
	}, 2*time.Second, 5*time.Millisecond, "runner should be free once the job returned")

	require.NoError(t, r.Start(types.JobSpec{JobID: "j2"}, nil))
	select {
	case id := <-reported:
		t.Fatalf("paused job %s reported as finished", id)
	default:
	}
}

// TestRunnerFinishDuringPause tests a job that completes just as it is paused:
// the pause is refused and the completion is reported
func TestRunnerFinishDuringPause(t *testing.T) {
	release := make(chan struct{})
	reported := make(chan error, 1)
	ignoresCancel := func(context.Context, types.JobSpec, []byte) ([]byte, error) {
		<-release
		return nil, nil
	}
	r := NewRunner(ignoresCancel, func(_ types.JobID, err error) { reported <- err })
	require.NoError(t, r.Start(types.JobSpec{JobID: "j1"}, nil))

	pauseErr := make(chan error, 1)
	go func() {
		_, err := r.Pause(context.Background(), "j1")
		pauseErr <- err
	}()

	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.current != nil && r.current.pausing
	}, time.Second, time.Millisecond)
	close(release)

	select {
	case err := <-pauseErr:
		assert.ErrorIs(t, err, ErrJobNotRunning)
	case <-time.After(2 * time.Second):
		t.Fatal("pause did not return")
	}
	select {
	case err := <-reported:
		assert.NoError(t, err)
	default:
		t.Fatal("completion must be reported before pause returns")
	}
	_, busy := r.Current()
	assert.False(t, busy)
}

// TestRunnerFailureDuringPause tests that a job failing while being paused
// is reported as a failure, not turned into a checkpoint
func TestRunnerFailureDuringPause(t *testing.T) {
	boom := errors.New("gpu fell off the bus")
	reported := make(chan error, 1)
	r := NewRunner(func(ctx context.Context, _ types.JobSpec, _ []byte) ([]byte, error) {
		<-ctx.Done()
		return nil, boom
	}, func(_ types.JobID, err error) { reported <- err })
	require.NoError(t, r.Start(types.JobSpec{JobID: "j1"}, nil))

	_, err := r.Pause(context.Background(), "j1")
	assert.ErrorIs(t, err, ErrJobNotRunning)
	assert.ErrorIs(t, <-reported, boom)
}

// ============================================================================
// KeyspaceJob
// ============================================================================

// TestKeyspaceJobFinishes tests a small keyspace running to the end
func TestKeyspaceJobFinishes(t *testing.T) {
	done := make(chan error, 1)
	r := NewRunner(KeyspaceJob(time.Millisecond), func(_ types.JobID, err error) { done <- err })

	require.NoError(t, r.Start(types.JobSpec{JobID: "k", Payload: map[string]any{"keyspace": 5}}, nil))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("keyspace job did not finish")
	}
}

// TestKeyspaceJobResumes tests that a resumed job continues from its checkpoint
func TestKeyspaceJobResumes(t *testing.T) {
	r := NewRunner(KeyspaceJob(time.Millisecond), nil)
	spec := types.JobSpec{JobID: "k", Payload: map[string]any{"keyspace": float64(1_000_000)}}

	require.NoError(t, r.Start(spec, nil))
	time.Sleep(30 * time.Millisecond)
	cp, err := r.Pause(context.Background(), "k")
	require.NoError(t, err)

	var first keyspaceCheckpoint
	require.NoError(t, json.Unmarshal(cp, &first))
	assert.Greater(t, first.Position, int64(0))

	require.NoError(t, r.Start(spec, cp))
	time.Sleep(10 * time.Millisecond)
	cp, err = r.Pause(context.Background(), "k")
	require.NoError(t, err)

	var second keyspaceCheckpoint
	require.NoError(t, json.Unmarshal(cp, &second))
	assert.GreaterOrEqual(t, second.Position, first.Position)
}

// TestKeyspaceJobBadCheckpoint tests that a corrupt resume blob fails the job
func TestKeyspaceJobBadCheckpoint(t *testing.T) {
	_, err := KeyspaceJob(time.Millisecond)(context.Background(), types.JobSpec{JobID: "k"}, []byte("{"))
	assert.Error(t, err)
}
