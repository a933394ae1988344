package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/swarm-coordinator/internal/metrics"
	"github.com/ChuLiYu/swarm-coordinator/internal/worker/workertest"
	"github.com/ChuLiYu/swarm-coordinator/pkg/types"
)

// ============================================================================
// Selection
// ============================================================================

// TestSelectBestPrefersIdleWorker tests Scenario A: equal reputation, the unloaded worker wins
func TestSelectBestPrefersIdleWorker(t *testing.T) {
	r := New()
	r.Register("w1", workertest.New("w1").SetLoad(0))
	r.Register("w2", workertest.New("w2").SetLoad(90))

	id, ok := r.SelectBest(context.Background(), nil)
	require.True(t, ok)
	assert.Equal(t, "w1", id)
}

// TestSelectBestScore tests that reliability and load are combined
func TestSelectBestScore(t *testing.T) {
	r := New()
	r.Register("flaky", workertest.New("flaky").SetLoad(0).SetSuccessRate(0.3))
	r.Register("busy", workertest.New("busy").SetLoad(50).SetSuccessRate(1.0))

	id, ok := r.SelectBest(context.Background(), nil)
	require.True(t, ok)
	assert.Equal(t, "busy", id)
}

// TestSelectBestTieGoesToFirstRegistered tests the iteration-order tie-break
func TestSelectBestTieGoesToFirstRegistered(t *testing.T) {
	r := New()
	for _, id := range []string{"c", "a", "b"} {
		r.Register(id, workertest.New(id).SetLoad(20))
	}

	for i := 0; i < 5; i++ {
		id, ok := r.SelectBest(context.Background(), nil)
		require.True(t, ok)
		assert.Equal(t, "c", id)
	}
}

// TestSelectBestExcludesBanned tests that a banned worker is never selected
func TestSelectBestExcludesBanned(t *testing.T) {
	r := New()
	r.Register("best", workertest.New("best").SetLoad(0))
	r.Register("worse", workertest.New("worse").SetLoad(80))
	r.Ban("best")

	id, ok := r.SelectBest(context.Background(), nil)
	require.True(t, ok)
	assert.Equal(t, "worse", id)
	assert.Equal(t, []string{"worse"}, r.Nodes())

	r.Ban("worse")
	_, ok = r.SelectBest(context.Background(), nil)
	assert.False(t, ok)

	r.Unban("best")
	id, ok = r.SelectBest(context.Background(), nil)
	require.True(t, ok)
	assert.Equal(t, "best", id)
}

// TestSelectBestSkipsUnreachable tests that a failing status query only skips that worker
func TestSelectBestSkipsUnreachable(t *testing.T) {
	r := New()
	r.Register("down", workertest.New("down").FailStatus(errors.New("connection refused")))
	r.Register("up", workertest.New("up").SetLoad(70))

	id, ok := r.SelectBest(context.Background(), nil)
	require.True(t, ok)
	assert.Equal(t, "up", id)
}

// TestSelectBestTimeout tests that a hanging worker is treated as unreachable
func TestSelectBestTimeout(t *testing.T) {
	r := New(WithCallTimeout(20 * time.Millisecond))
	r.Register("hang", hangingWorker{workertest.New("hang")})
	r.Register("ok", workertest.New("ok").SetLoad(99))

	id, ok := r.SelectBest(context.Background(), nil)
	require.True(t, ok)
	assert.Equal(t, "ok", id)
}

// TestSelectBestTags tests capability filtering
func TestSelectBestTags(t *testing.T) {
	r := New()
	r.Register("plain", workertest.New("plain"))
	r.Register("gpu", workertest.NewGPU("gpu").SetLoad(50))
	r.Register("re", workertest.New("re").SetSoftware("angr", "IDA").SetDocker(true).SetLoad(60))

	tests := []struct {
		tags []string
		want string
		ok   bool
	}{
		{nil, "plain", true},
		{[]string{"gpu"}, "gpu", true},
		{[]string{"GPU"}, "gpu", true},
		{[]string{"angr"}, "re", true},
		{[]string{"ida", "docker"}, "re", true},
		{[]string{"angr", "gpu"}, "", false},
		{[]string{"hashcat"}, "", false},
	}
	for _, tt := range tests {
		id, ok := r.SelectBest(context.Background(), tt.tags)
		assert.Equal(t, tt.ok, ok, "tags %v", tt.tags)
		assert.Equal(t, tt.want, id, "tags %v", tt.tags)
	}
}

// TestEligible tests listing matching workers in registration order
func TestEligible(t *testing.T) {
	r := New()
	r.Register("g2", workertest.NewGPU("g2").SetLoad(90))
	r.Register("cpu", workertest.New("cpu"))
	r.Register("g1", workertest.NewGPU("g1"))
	r.Register("g3", workertest.NewGPU("g3"))
	r.Ban("g3")

	assert.Equal(t, []string{"g2", "g1"}, r.Eligible(context.Background(), []string{"gpu"}))
}

// TestScore tests the reputation formula and load clamping
func TestScore(t *testing.T) {
	assert.InDelta(t, 0.5, Score(types.NodeStatus{SuccessRate: 1, Load: 50}), 1e-9)
	assert.InDelta(t, 0.0, Score(types.NodeStatus{SuccessRate: 1, Load: 150}), 1e-9)
	assert.InDelta(t, 0.8, Score(types.NodeStatus{SuccessRate: 0.8, Load: -5}), 1e-9)
}

// ============================================================================
// Registry
// ============================================================================

// TestRegisterIsIdempotent tests upsert semantics
func TestRegisterIsIdempotent(t *testing.T) {
	r := New()
	r.Register("a", workertest.New("a"))
	r.Register("b", workertest.New("b"))
	_, err := r.Dispatch(context.Background(), "echo", nil, nil)
	require.NoError(t, err)

	replacement := workertest.New("a").SetLoad(99)
	r.Register("a", replacement)

	assert.Equal(t, []string{"a", "b"}, r.Nodes())
	assert.Equal(t, 1, r.Stats()["a"].TasksStarted)

	st, err := r.Status(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 99.0, st.Load)
}

// TestUnregister tests removal from the registry
func TestUnregister(t *testing.T) {
	r := New()
	r.Register("a", workertest.New("a"))
	r.Register("b", workertest.New("b"))
	r.Unregister("a")
	r.Unregister("missing")

	assert.Equal(t, []string{"b"}, r.Nodes())
	_, err := r.Status(context.Background(), "a")
	assert.ErrorIs(t, err, ErrUnknownNode)
}

// ============================================================================
// Dispatch
// ============================================================================

// TestDispatchSuccess tests a single successful dispatch
func TestDispatchSuccess(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(WithMetrics(metrics.NewCollector(reg)))
	f := workertest.New("w1").SetTool("scan", func(_ context.Context, args map[string]any) (types.ToolResult, error) {
		return types.ToolResult{Status: types.ToolSuccess, Result: args["target"]}, nil
	})
	r.Register("w1", f)

	res, err := r.Dispatch(context.Background(), "scan", map[string]any{"target": "10.0.0.1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", res.Result)
	assert.Equal(t, NodeStats{TasksStarted: 1}, withoutLastSeen(r.Stats()["w1"]))
	assert.Len(t, f.ToolCalls(), 1)
}

// TestDispatchNoEligibleWorker tests the empty or unsatisfiable registry
func TestDispatchNoEligibleWorker(t *testing.T) {
	r := New()
	_, err := r.Dispatch(context.Background(), "scan", nil, nil)
	assert.ErrorIs(t, err, ErrNoEligibleWorker)

	r.Register("w1", workertest.New("w1"))
	_, err = r.Dispatch(context.Background(), "solve", nil, []string{"angr"})
	assert.ErrorIs(t, err, ErrNoEligibleWorker)
	assert.Equal(t, 0, r.Stats()["w1"].TasksStarted)
}

// TestDispatchFailure tests structured errors, counters and the absence of retries
func TestDispatchFailure(t *testing.T) {
	cause := errors.New("segfault")
	r := New()
	f := workertest.New("w1").FailTools(cause)
	r.Register("w1", f)
	r.Register("w2", workertest.New("w2").SetLoad(50))

	_, err := r.Dispatch(context.Background(), "scan", nil, nil)
	require.Error(t, err)

	var de *DispatchError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "w1", de.NodeID)
	assert.Equal(t, "scan", de.Tool)
	assert.ErrorIs(t, err, cause)

	assert.Len(t, f.ToolCalls(), 1, "dispatch must not retry")
	assert.Equal(t, 1, r.Stats()["w1"].TasksStarted)
	assert.Equal(t, 1, r.Stats()["w1"].TasksFailed)
	assert.Equal(t, 0, r.Stats()["w2"].TasksStarted)
	assert.False(t, r.IsBanned("w1"), "failures never ban a worker")
}

// TestDispatchToolErrorIsNotFailure tests that an error result is returned as a value
func TestDispatchToolErrorIsNotFailure(t *testing.T) {
	r := New()
	r.Register("w1", workertest.New("w1").SetTool("scan", func(context.Context, map[string]any) (types.ToolResult, error) {
		return types.ToolResult{Status: types.ToolError, Message: "host unreachable"}, nil
	}))

	res, err := r.Dispatch(context.Background(), "scan", nil, nil)
	require.NoError(t, err)
	assert.False(t, res.OK())
	assert.Equal(t, 0, r.Stats()["w1"].TasksFailed)
}

// ============================================================================
// Cluster view
// ============================================================================

// TestClusterStatus tests the aggregated node view
func TestClusterStatus(t *testing.T) {
	r := New()
	r.Register("a", workertest.NewGPU("a").SetLoad(10))
	r.Register("b", workertest.New("b").FailStatus(errors.New("down")))
	r.Ban("b")

	views := r.ClusterStatus(context.Background())
	require.Len(t, views, 2)

	assert.Equal(t, "a", views[0].NodeID)
	assert.True(t, views[0].Reachable)
	require.NotNil(t, views[0].Status)
	assert.True(t, views[0].Status.Capabilities.GPU)
	assert.False(t, views[0].Stats.LastSeen.IsZero())

	assert.Equal(t, "b", views[1].NodeID)
	assert.True(t, views[1].Banned)
	assert.False(t, views[1].Reachable)
	assert.Equal(t, "down", views[1].Error)
}

// ============================================================================
// Helpers
// ============================================================================

type hangingWorker struct {
	*workertest.Fake
}

func (h hangingWorker) Status(ctx context.Context) (types.NodeStatus, error) {
	<-ctx.Done()
	return types.NodeStatus{}, ctx.Err()
}

func withoutLastSeen(s NodeStats) NodeStats {
	s.LastSeen = time.Time{}
	return s
}
