package janitor

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/swarm-coordinator/internal/metrics"
	"github.com/ChuLiYu/swarm-coordinator/internal/router"
	"github.com/ChuLiYu/swarm-coordinator/internal/worker/workertest"
	"github.com/ChuLiYu/swarm-coordinator/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func seed(name, content string) types.Seed {
	return types.Seed{Filename: name, ContentB64: base64.StdEncoding.EncodeToString([]byte(content))}
}

// contents decodes the seed contents for comparison
func contents(t *testing.T, seeds []types.Seed) []string {
	t.Helper()
	out := make([]string, 0, len(seeds))
	for _, s := range seeds {
		b, err := base64.StdEncoding.DecodeString(s.ContentB64)
		require.NoError(t, err)
		out = append(out, string(b))
	}
	return out
}

// newTestJanitor registers every fake in a router and as a fuzzer on container "fuzz"
func newTestJanitor(t *testing.T, fakes ...*workertest.Fake) *Janitor {
	t.Helper()
	r := router.New(router.WithCallTimeout(time.Second))
	j := New(r)
	for _, f := range fakes {
		st, err := f.Status(context.Background())
		require.NoError(t, err)
		r.Register(st.NodeID, f)
		j.RegisterFuzzer(st.NodeID, "fuzz")
	}
	return j
}

// countingTransport records fetch calls and can block them
type countingTransport struct {
	mu      sync.Mutex
	fetches int
	active  int
	overlap bool
	delay   time.Duration
}

func (c *countingTransport) FetchSeeds(ctx context.Context, _, _ string) ([]types.Seed, error) {
	c.mu.Lock()
	c.fetches++
	c.active++
	if c.active > 1 {
		c.overlap = true
	}
	c.mu.Unlock()
	time.Sleep(c.delay)
	c.mu.Lock()
	c.active--
	c.mu.Unlock()
	return nil, nil
}

func (c *countingTransport) InjectSeeds(context.Context, string, string, []types.Seed) (int, error) {
	return 0, nil
}

func (c *countingTransport) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetches
}

// ============================================================================
// Sync
// ============================================================================

// TestSyncConvergence tests two fuzzers exchanging their seeds in one cycle
func TestSyncConvergence(t *testing.T) {
	a := workertest.New("node-a").SetSeeds("fuzz", seed("id:000", "aaa"))
	b := workertest.New("node-b").SetSeeds("fuzz", seed("id:000", "bbb"))
	j := newTestJanitor(t, a, b)

	report, err := j.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Fuzzers)
	assert.Equal(t, 2, report.NewSeeds)
	assert.Equal(t, 2, report.Injected)
	assert.Equal(t, 2, report.PoolSize)
	assert.Equal(t, 2, j.Stats().TotalUniqueSeeds)

	assert.ElementsMatch(t, []string{"aaa", "bbb"}, contents(t, a.Seeds("fuzz")))
	assert.ElementsMatch(t, []string{"aaa", "bbb"}, contents(t, b.Seeds("fuzz")))

	// A second cycle has nothing to move
	report, err = j.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.NewSeeds)
	assert.Equal(t, 0, report.Injected)
}

// TestSyncDedup tests identical content from two fuzzers becoming one pool entry
func TestSyncDedup(t *testing.T) {
	a := workertest.New("node-a").SetSeeds("fuzz", seed("a-1", "same"), seed("a-2", "only-a"))
	b := workertest.New("node-b").SetSeeds("fuzz", seed("b-1", "same"))
	j := newTestJanitor(t, a, b)

	report, err := j.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.NewSeeds)
	assert.Equal(t, 2, j.Stats().TotalUniqueSeeds)

	// First writer wins: node-a is fetched first
	pool := j.Seeds()
	assert.Equal(t, "a-1", pool[0].Filename)
	assert.ElementsMatch(t, []string{"same", "only-a"}, contents(t, b.Seeds("fuzz")))
}

// TestSyncSuperset tests that every fuzzer ends up holding the starting pool
func TestSyncSuperset(t *testing.T) {
	a := workertest.New("node-a")
	b := workertest.New("node-b").SetSeeds("fuzz", seed("x", "fresh"))
	j := newTestJanitor(t, a, b)
	j.AddSeeds([]types.Seed{seed("p1", "pool-1"), seed("p2", "pool-2")})

	_, err := j.SyncOnce(context.Background())
	require.NoError(t, err)

	for _, f := range []*workertest.Fake{a, b} {
		assert.Subset(t, contents(t, f.Seeds("fuzz")), []string{"pool-1", "pool-2", "fresh"})
	}
}

// TestSyncSkipsFailedFetch tests that a node whose fetch failed gets no injection
func TestSyncSkipsFailedFetch(t *testing.T) {
	a := workertest.New("node-a").SetSeeds("fuzz", seed("a", "aaa"))
	b := workertest.New("node-b").FailFetch(errors.New("container gone"))
	j := newTestJanitor(t, a, b)

	report, err := j.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"node-b"}, report.FetchFailed)
	assert.Empty(t, b.Seeds("fuzz"))
	assert.Equal(t, 1, j.Stats().TotalUniqueSeeds)

	// The next cycle retries the node
	b.FailFetch(nil)
	_, err = j.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"aaa"}, contents(t, b.Seeds("fuzz")))
}

// TestSyncInjectFailure tests that an inject failure does not abort the cycle
func TestSyncInjectFailure(t *testing.T) {
	a := workertest.New("node-a").SetSeeds("fuzz", seed("a", "aaa")).FailInject(errors.New("read-only fs"))
	b := workertest.New("node-b").SetSeeds("fuzz", seed("b", "bbb"))
	c := workertest.New("node-c")
	j := newTestJanitor(t, a, b, c)

	report, err := j.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"node-a"}, report.InjectFailed)
	assert.ElementsMatch(t, []string{"aaa", "bbb"}, contents(t, c.Seeds("fuzz")))
}

// TestSyncUnknownNode tests a fuzzer whose worker is not in the router
func TestSyncUnknownNode(t *testing.T) {
	a := workertest.New("node-a").SetSeeds("fuzz", seed("a", "aaa"))
	j := newTestJanitor(t, a)
	j.RegisterFuzzer("ghost", "fuzz")

	report, err := j.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"ghost"}, report.FetchFailed)
	assert.Equal(t, 1, report.PoolSize)
}

// TestSyncInvalidSeed tests that undecodable content is skipped, counted
// and reported, while unpadded base64 is accepted
func TestSyncInvalidSeed(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := workertest.New("node-a").SetSeeds("fuzz",
		types.Seed{Filename: "bad", ContentB64: "%%%"},
		types.Seed{Filename: "unpadded", ContentB64: base64.RawStdEncoding.EncodeToString([]byte("abcd"))},
		seed("good", "ok"))
	b := workertest.New("node-b")
	r := router.New(router.WithCallTimeout(time.Second))
	r.Register("node-a", a)
	r.Register("node-b", b)
	j := New(r, WithMetrics(metrics.NewCollector(reg)))
	j.RegisterFuzzer("node-a", "fuzz")
	j.RegisterFuzzer("node-b", "fuzz")

	report, err := j.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.NewSeeds)
	assert.Equal(t, 1, report.InvalidSeeds)

	// the unpadded seed reaches node-b in canonical form
	assert.ElementsMatch(t, []string{"abcd", "ok"}, contents(t, b.Seeds("fuzz")))

	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP swarm_sync_errors_total Per-node corpus sync failures by phase
# TYPE swarm_sync_errors_total counter
swarm_sync_errors_total{phase="decode"} 1
`), "swarm_sync_errors_total"))
}

// TestAddSeedsInvalid tests that merged seeds go through the same decoding
func TestAddSeedsInvalid(t *testing.T) {
	j := New(router.New())
	added := j.AddSeeds([]types.Seed{
		{Filename: "bad", ContentB64: "%%%"},
		{Filename: "raw", ContentB64: "YWFh"},
		{Filename: "raw2", ContentB64: "YWE"},
	})
	assert.Equal(t, 2, added)
	assert.Equal(t, 2, j.Stats().TotalUniqueSeeds)
	latest, ok := j.LatestSeed()
	require.True(t, ok)
	assert.Equal(t, "YWE=", latest.ContentB64)
}

func TestSyncNoFuzzers(t *testing.T) {
	j := New(router.New())
	report, err := j.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SyncReport{}, report)
}

func TestSyncCancelled(t *testing.T) {
	j := newTestJanitor(t, workertest.New("node-a"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := j.SyncOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

// TestSyncSerialized tests that concurrent SyncOnce calls never overlap
func TestSyncSerialized(t *testing.T) {
	tr := &countingTransport{delay: 5 * time.Millisecond}
	j := New(tr)
	j.RegisterFuzzer("node-a", "fuzz")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := j.SyncOnce(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 5, tr.count())
	assert.False(t, tr.overlap)
}

// ============================================================================
// Pool
// ============================================================================

func TestAddSeedsAndLatest(t *testing.T) {
	j := New(router.New())
	_, ok := j.LatestSeed()
	assert.False(t, ok)

	assert.Equal(t, 2, j.AddSeeds([]types.Seed{seed("one", "1"), seed("two", "2")}))
	assert.Equal(t, 0, j.AddSeeds([]types.Seed{seed("dup", "1")}))
	assert.Equal(t, 1, j.AddSeeds([]types.Seed{seed("three", "3"), {Filename: "bad", ContentB64: "!"}}))

	latest, ok := j.LatestSeed()
	require.True(t, ok)
	assert.Equal(t, "three", latest.Filename)
	assert.Equal(t, []string{"1", "2", "3"}, contents(t, j.Seeds()))
}

func TestRegistry(t *testing.T) {
	j := New(router.New())
	j.RegisterFuzzer("node-b", "c1")
	j.RegisterFuzzer("node-a", "c2")
	j.RegisterFuzzer("node-b", "c3")
	assert.Equal(t, []string{"node-a", "node-b"}, j.Stats().ActiveNodes)

	j.UnregisterFuzzer("node-b")
	j.UnregisterFuzzer("missing")
	assert.Equal(t, []string{"node-a"}, j.Stats().ActiveNodes)
}

func TestSyncMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewCollector(reg)
	r := router.New()
	j := New(r, WithMetrics(m))

	a := workertest.New("node-a").SetSeeds("fuzz", seed("a", "aaa"))
	b := workertest.New("node-b").FailFetch(errors.New("boom"))
	r.Register("node-a", a)
	r.Register("node-b", b)
	j.RegisterFuzzer("node-a", "fuzz")
	j.RegisterFuzzer("node-b", "fuzz")

	_, err := j.SyncOnce(context.Background())
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(reg, "swarm_sync_errors_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP swarm_seed_pool_size Unique seeds in the global pool
# TYPE swarm_seed_pool_size gauge
swarm_seed_pool_size 1
`), "swarm_seed_pool_size"))
}

// ============================================================================
// Loop
// ============================================================================

func TestSyncLoop(t *testing.T) {
	tr := &countingTransport{}
	j := New(tr)
	j.RegisterFuzzer("node-a", "fuzz")

	j.StartSync(context.Background(), 5*time.Millisecond)
	j.StartSync(context.Background(), 5*time.Millisecond)
	assert.Eventually(t, func() bool { return tr.count() >= 3 }, 2*time.Second, time.Millisecond)

	j.StopSync()
	j.StopSync()
	n := tr.count()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, tr.count(), "no cycles after StopSync")
}

// TestSyncLoopSurvivesFailures tests that failing cycles do not stop the loop
func TestSyncLoopSurvivesFailures(t *testing.T) {
	a := workertest.New("node-a").FailFetch(errors.New("down"))
	j := newTestJanitor(t, a)
	j.StartSync(context.Background(), 5*time.Millisecond)
	defer j.StopSync()

	time.Sleep(15 * time.Millisecond)
	a.FailFetch(nil).SetSeeds("fuzz", seed("late", "late"))
	assert.Eventually(t, func() bool { return j.Stats().TotalUniqueSeeds == 1 }, 2*time.Second, time.Millisecond)
}
