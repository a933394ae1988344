package worker

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/swarm-coordinator/pkg/types"
)

type fixedSampler struct {
	load, mem float64
	err       error
}

func (s fixedSampler) Sample(context.Context) (float64, float64, error) {
	return s.load, s.mem, s.err
}

func staticProbe(caps types.Capabilities) ProbeFunc {
	return func(context.Context) types.Capabilities { return caps }
}

func newTestWorker(t *testing.T, opts ...LocalOption) *LocalWorker {
	t.Helper()
	base := []LocalOption{
		WithProbe(staticProbe(types.Capabilities{OS: "linux", CPUCores: 8, GPU: true, GPUInfo: []string{"GPU 0: Test"}})),
		WithSampler(fixedSampler{load: 12.5, mem: 40}),
		WithJobFunc(blockingJob),
	}
	return NewLocalWorker(context.Background(), "node-1", append(base, opts...)...)
}

// ============================================================================
// Status
// ============================================================================

// TestLocalStatus tests the live status of an in-process worker
func TestLocalStatus(t *testing.T) {
	w := newTestWorker(t, WithSoftware(map[string]bool{"hashcat": true}))

	st, err := w.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "node-1", st.NodeID)
	assert.Equal(t, 12.5, st.Load)
	assert.Equal(t, 40.0, st.MemoryPercent)
	assert.Equal(t, 1.0, st.SuccessRate)
	assert.True(t, st.Capabilities.GPU)
	assert.True(t, st.Capabilities.HasSoftware("hashcat"))
}

// TestLocalStatusSamplerError tests that a failed sample fails the call
func TestLocalStatusSamplerError(t *testing.T) {
	w := newTestWorker(t, WithSampler(fixedSampler{err: errors.New("no procfs")}))
	_, err := w.Status(context.Background())
	assert.Error(t, err)
}

// ============================================================================
// Tools
// ============================================================================

// TestLocalExecuteTool tests tool dispatch and the outcome history
func TestLocalExecuteTool(t *testing.T) {
	w := newTestWorker(t,
		WithTool("ok", func(_ context.Context, args map[string]any) (types.ToolResult, error) {
			return types.ToolResult{Result: args["x"]}, nil
		}),
		WithTool("soft_fail", func(context.Context, map[string]any) (types.ToolResult, error) {
			return types.ToolResult{Status: types.ToolError, Message: "bad input"}, nil
		}),
		WithTool("hard_fail", func(context.Context, map[string]any) (types.ToolResult, error) {
			return types.ToolResult{}, errors.New("crashed")
		}),
	)
	ctx := context.Background()

	res, err := w.ExecuteTool(ctx, "ok", map[string]any{"x": "y"})
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, "y", res.Result)

	res, err = w.ExecuteTool(ctx, "soft_fail", nil)
	require.NoError(t, err)
	assert.False(t, res.OK())

	_, err = w.ExecuteTool(ctx, "hard_fail", nil)
	assert.Error(t, err)

	_, err = w.ExecuteTool(ctx, "missing", nil)
	assert.ErrorIs(t, err, ErrUnknownTool)

	st, err := w.Status(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, st.SuccessRate, 1e-9)
}

// TestLocalEchoTool tests the built-in echo tool
func TestLocalEchoTool(t *testing.T) {
	w := newTestWorker(t)
	res, err := w.ExecuteTool(context.Background(), "echo", map[string]any{"a": "b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": "b"}, res.Result)
}

// ============================================================================
// Corpus
// ============================================================================

// TestLocalSeedsWithoutCorpus tests a node that hosts no fuzzer
func TestLocalSeedsWithoutCorpus(t *testing.T) {
	w := newTestWorker(t)
	_, err := w.FetchSeeds(context.Background(), "fuzz")
	assert.ErrorIs(t, err, ErrNoCorpus)
	_, err = w.InjectSeeds(context.Background(), "fuzz", nil)
	assert.ErrorIs(t, err, ErrNoCorpus)
}

// TestLocalSeeds tests fetch and inject through the corpus store
func TestLocalSeeds(t *testing.T) {
	w := newTestWorker(t, WithCorpus(NewMemoryCorpus()))
	ctx := context.Background()

	n, err := w.InjectSeeds(ctx, "fuzz", []types.Seed{{Filename: "s1", ContentB64: "YWFh"}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	seeds, err := w.FetchSeeds(ctx, "fuzz")
	require.NoError(t, err)
	assert.Equal(t, []types.Seed{{Filename: "s1", ContentB64: "YWFh"}}, seeds)
}

// ============================================================================
// Jobs
// ============================================================================

// TestLocalJobLifecycle tests start, pause and resume with a checkpoint
func TestLocalJobLifecycle(t *testing.T) {
	w := newTestWorker(t)
	ctx := context.Background()

	ok, err := w.StartJob(ctx, types.JobSpec{JobID: "j1"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = w.StartJob(ctx, types.JobSpec{JobID: "j2"})
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrJobRunning)

	cp, err := w.PauseJob(ctx, "j1")
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(cp)
	require.NoError(t, err)
	assert.Equal(t, "j1:", string(raw))

	ok, err = w.StartJob(ctx, types.JobSpec{JobID: "j1", Checkpoint: cp})
	require.NoError(t, err)
	assert.True(t, ok)

	cp, err = w.PauseJob(ctx, "j1")
	require.NoError(t, err)
	raw, _ = base64.StdEncoding.DecodeString(cp)
	assert.Equal(t, "j1:j1:", string(raw))
}

// TestLocalStartJobBadCheckpoint tests rejection of a non-base64 checkpoint
func TestLocalStartJobBadCheckpoint(t *testing.T) {
	w := newTestWorker(t)
	ok, err := w.StartJob(context.Background(), types.JobSpec{JobID: "j1", Checkpoint: "%%%"})
	assert.False(t, ok)
	assert.Error(t, err)
	_, running := w.RunningJob()
	assert.False(t, running)
}

// TestLocalJobObserver tests that self-finished jobs reach the observer
func TestLocalJobObserver(t *testing.T) {
	done := make(chan types.JobID, 1)
	w := newTestWorker(t,
		WithJobFunc(func(context.Context, types.JobSpec, []byte) ([]byte, error) { return nil, nil }),
		WithJobObserver(func(id types.JobID, err error) {
			assert.NoError(t, err)
			done <- id
		}),
	)

	_, err := w.StartJob(context.Background(), types.JobSpec{JobID: "quick"})
	require.NoError(t, err)
	select {
	case id := <-done:
		assert.Equal(t, types.JobID("quick"), id)
	case <-time.After(2 * time.Second):
		t.Fatal("observer not called")
	}
}
