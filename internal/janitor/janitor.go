// ============================================================================
// Swarm Seed Janitor - Global Corpus Synchronization
// ============================================================================
//
// Package: internal/janitor
// File: janitor.go
// Purpose: Keep the corpora of all registered fuzzing containers in sync
//
// Topology:
//   Star, coordinator mediated. Every cycle is a full sync:
//
//   1. Fetch      - pull each fuzzer's corpus, hash every seed (SHA-256 of
//                   the decoded content) and insert unknown hashes into the
//                   global pool. First writer wins.
//   2. Distribute - for each fuzzer push pool - fetchedHashes, where
//                   fetchedHashes are the hashes observed on that fuzzer in
//                   the fetch phase of the same cycle.
//
//   After one cycle every reachable fuzzer holds a superset of the pool as it
//   was when the cycle started.
//
// Failure policy:
//   A fuzzer whose fetch fails is skipped for the rest of the cycle. Inject
//   failures are logged. Nothing is excluded permanently; the next cycle
//   retries every fuzzer.
//
// ============================================================================

package janitor

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/swarm-coordinator/internal/metrics"
	"github.com/ChuLiYu/swarm-coordinator/pkg/types"
)

// DefaultSyncInterval is used when StartSync gets a non-positive interval.
const DefaultSyncInterval = 60 * time.Second

// SeedTransport is the part of the router the janitor uses.
type SeedTransport interface {
	FetchSeeds(ctx context.Context, nodeID, containerRef string) ([]types.Seed, error)
	InjectSeeds(ctx context.Context, nodeID, containerRef string, seeds []types.Seed) (int, error)
}

// Stats is the corpus summary.
type Stats struct {
	TotalUniqueSeeds int      `json:"total_unique_seeds"`
	ActiveNodes      []string `json:"active_nodes"`
}

// SyncReport describes one SyncOnce cycle.
type SyncReport struct {
	Fuzzers      int           `json:"fuzzers"`
	NewSeeds     int           `json:"new_seeds"`
	Injected     int           `json:"injected"`
	FetchFailed  []string      `json:"fetch_failed,omitempty"`
	InjectFailed []string      `json:"inject_failed,omitempty"`
	InvalidSeeds int           `json:"invalid_seeds,omitempty"`
	PoolSize     int           `json:"pool_size"`
	Duration     time.Duration `json:"duration"`
}

type fuzzer struct {
	nodeID       string
	containerRef string
}

// Janitor owns the global seed pool.
type Janitor struct {
	mu      sync.Mutex
	pool    map[string]types.Seed // content hash -> seed
	order   []string              // hashes in insertion order
	fuzzers map[string]string     // node id -> container ref

	syncMu sync.Mutex // serializes SyncOnce

	transport SeedTransport
	logger    *slog.Logger
	metrics   *metrics.Collector

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Janitor.
type Option func(*Janitor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(j *Janitor) { j.logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(j *Janitor) { j.metrics = m }
}

// New creates a Janitor with an empty pool.
func New(transport SeedTransport, opts ...Option) *Janitor {
	j := &Janitor{
		pool:      make(map[string]types.Seed),
		fuzzers:   make(map[string]string),
		transport: transport,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// ============================================================================
// Registry
// ============================================================================

// RegisterFuzzer associates a worker with a fuzzing container it hosts.
// Registering the same node again replaces its container.
func (j *Janitor) RegisterFuzzer(nodeID, containerRef string) {
	j.mu.Lock()
	j.fuzzers[nodeID] = containerRef
	j.mu.Unlock()
	j.logger.Info("Fuzzer registered for sync", "node_id", nodeID, "container", containerRef)
}

// UnregisterFuzzer stops syncing a node. Its seeds stay in the pool.
func (j *Janitor) UnregisterFuzzer(nodeID string) {
	j.mu.Lock()
	_, ok := j.fuzzers[nodeID]
	delete(j.fuzzers, nodeID)
	j.mu.Unlock()
	if ok {
		j.logger.Info("Fuzzer unregistered", "node_id", nodeID)
	}
}

func (j *Janitor) snapshotFuzzers() []fuzzer {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]fuzzer, 0, len(j.fuzzers))
	for id, ref := range j.fuzzers {
		out = append(out, fuzzer{nodeID: id, containerRef: ref})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].nodeID < out[b].nodeID })
	return out
}

// ============================================================================
// Pool
// ============================================================================

// normalizeSeed returns the seed with padded standard base64 content and its
// dedup key. Unpadded content is accepted and re-encoded; anything else is
// reported as invalid.
func normalizeSeed(s types.Seed) (types.Seed, string, bool) {
	content, err := base64.StdEncoding.DecodeString(s.ContentB64)
	if err != nil {
		content, err = base64.RawStdEncoding.DecodeString(s.ContentB64)
		if err != nil {
			return s, "", false
		}
		s.ContentB64 = base64.StdEncoding.EncodeToString(content)
	}
	sum := sha256.Sum256(content)
	return s, hex.EncodeToString(sum[:]), true
}

// AddSeeds merges seeds into the pool and returns how many were new. They
// reach the fuzzers on the next sync.
func (j *Janitor) AddSeeds(seeds []types.Seed) int {
	j.mu.Lock()
	added := 0
	invalid := 0
	for _, s := range seeds {
		s, h, ok := normalizeSeed(s)
		if !ok {
			invalid++
			continue
		}
		if j.insertLocked(h, s) {
			added++
		}
	}
	size := len(j.order)
	j.mu.Unlock()

	if invalid > 0 {
		j.logger.Warn("Dropped seeds with undecodable content", "count", invalid)
		j.metrics.RecordSyncError("decode")
	}

	if added > 0 {
		j.metrics.RecordNewSeeds(added)
		j.metrics.UpdatePoolSize(size)
	}
	return added
}

func (j *Janitor) insertLocked(hash string, s types.Seed) bool {
	if _, exists := j.pool[hash]; exists {
		return false
	}
	j.pool[hash] = s
	j.order = append(j.order, hash)
	return true
}

// LatestSeed returns the most recently inserted seed.
func (j *Janitor) LatestSeed() (types.Seed, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.order) == 0 {
		return types.Seed{}, false
	}
	return j.pool[j.order[len(j.order)-1]], true
}

// Seeds returns the pool in insertion order.
func (j *Janitor) Seeds() []types.Seed {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]types.Seed, 0, len(j.order))
	for _, h := range j.order {
		out = append(out, j.pool[h])
	}
	return out
}

// Stats returns the pool size and the registered fuzzer nodes.
func (j *Janitor) Stats() Stats {
	j.mu.Lock()
	defer j.mu.Unlock()
	nodes := make([]string, 0, len(j.fuzzers))
	for id := range j.fuzzers {
		nodes = append(nodes, id)
	}
	sort.Strings(nodes)
	return Stats{TotalUniqueSeeds: len(j.order), ActiveNodes: nodes}
}

// missing returns the pool seeds whose hash is not in have, in insertion order.
func (j *Janitor) missing(have map[string]bool) []types.Seed {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []types.Seed
	for _, h := range j.order {
		if !have[h] {
			out = append(out, j.pool[h])
		}
	}
	return out
}

// ============================================================================
// Sync
// ============================================================================

// SyncOnce runs one fetch + distribute cycle over all registered fuzzers.
// Per-node failures are reported, not returned; the error is non-nil only
// when ctx ends mid-cycle. Concurrent calls run one after the other.
func (j *Janitor) SyncOnce(ctx context.Context) (SyncReport, error) {
	j.syncMu.Lock()
	defer j.syncMu.Unlock()

	start := time.Now()
	fuzzers := j.snapshotFuzzers()
	report := SyncReport{Fuzzers: len(fuzzers)}
	if len(fuzzers) == 0 {
		return report, nil
	}

	// Phase 1: fetch
	fetched := make(map[string]map[string]bool, len(fuzzers))
	for _, f := range fuzzers {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		seeds, err := j.transport.FetchSeeds(ctx, f.nodeID, f.containerRef)
		if err != nil {
			j.logger.Error("Failed to fetch seeds", "node_id", f.nodeID, "container", f.containerRef, "error", err)
			j.metrics.RecordSyncError("fetch")
			report.FetchFailed = append(report.FetchFailed, f.nodeID)
			continue
		}

		hashes := make(map[string]bool, len(seeds))
		var invalid []string
		j.mu.Lock()
		for _, s := range seeds {
			s, h, ok := normalizeSeed(s)
			if !ok {
				invalid = append(invalid, s.Filename)
				continue
			}
			hashes[h] = true
			if j.insertLocked(h, s) {
				report.NewSeeds++
			}
		}
		j.mu.Unlock()
		if len(invalid) > 0 {
			j.logger.Warn("Skipping seeds with undecodable content",
				"node_id", f.nodeID, "count", len(invalid), "filenames", invalid)
			j.metrics.RecordSyncError("decode")
			report.InvalidSeeds += len(invalid)
		}
		fetched[f.nodeID] = hashes
	}

	// Phase 2: distribute
	for _, f := range fuzzers {
		have, ok := fetched[f.nodeID]
		if !ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		missing := j.missing(have)
		if len(missing) == 0 {
			continue
		}
		n, err := j.transport.InjectSeeds(ctx, f.nodeID, f.containerRef, missing)
		if err != nil {
			j.logger.Error("Failed to inject seeds", "node_id", f.nodeID, "container", f.containerRef, "error", err)
			j.metrics.RecordSyncError("inject")
			report.InjectFailed = append(report.InjectFailed, f.nodeID)
			continue
		}
		report.Injected += n
		j.logger.Debug("Injected missing seeds", "node_id", f.nodeID, "count", n)
	}

	j.mu.Lock()
	report.PoolSize = len(j.order)
	j.mu.Unlock()
	report.Duration = time.Since(start)

	j.metrics.RecordNewSeeds(report.NewSeeds)
	j.metrics.UpdatePoolSize(report.PoolSize)
	j.metrics.ObserveSync(report.Duration.Seconds())
	if report.NewSeeds > 0 {
		j.logger.Info("Seed sync completed",
			"new_seeds", report.NewSeeds, "pool_size", report.PoolSize, "injected", report.Injected,
			"duration", report.Duration)
	} else {
		j.logger.Debug("Seed sync found no new seeds", "pool_size", report.PoolSize)
	}
	return report, nil
}

// StartSync runs SyncOnce every interval until StopSync or ctx ends. A failing
// cycle is logged and the loop keeps going. Calling StartSync while the loop
// runs is a no-op.
func (j *Janitor) StartSync(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	j.runMu.Lock()
	defer j.runMu.Unlock()
	if j.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		j.syncLoop(ctx, interval)
	}()
	j.logger.Info("Seed sync loop started", "interval", interval)
}

// StopSync cancels the loop and waits for it to exit.
func (j *Janitor) StopSync() {
	j.runMu.Lock()
	cancel := j.cancel
	j.cancel = nil
	j.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	j.wg.Wait()
	j.logger.Info("Seed sync loop stopped")
}

func (j *Janitor) syncLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := j.SyncOnce(ctx); err != nil && ctx.Err() == nil {
			j.logger.Error("Seed sync failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
