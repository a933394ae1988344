// Package router owns the worker registry and blacklist and picks the best
// eligible worker for a task from capabilities, live load and reliability.
//
// Every other component reaches workers through the Router:
//
//	r := router.New(router.WithCallTimeout(10 * time.Second))
//	r.Register("gpu-1", worker.NewRemoteWorker(conn, "gpu-1"))
//	res, err := r.Dispatch(ctx, "reverse_angr_solve", args, []string{"angr"})
//
// Worker calls are never made with the registry lock held and each one is
// bounded by the call timeout; expiry counts as a worker failure.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/swarm-coordinator/internal/metrics"
	"github.com/ChuLiYu/swarm-coordinator/internal/worker"
	"github.com/ChuLiYu/swarm-coordinator/pkg/types"
)

// DefaultCallTimeout bounds a single worker call.
const DefaultCallTimeout = 30 * time.Second

// Capability tags backed by boolean capability fields. Any other tag is
// looked up in the software map.
const (
	TagGPU    = "gpu"
	TagDocker = "docker"
)

// NodeStats are the per-node dispatch counters.
type NodeStats struct {
	TasksStarted int       `json:"tasks_started"`
	TasksFailed  int       `json:"tasks_failed"`
	LastSeen     time.Time `json:"last_seen,omitempty"`
}

// Router is the worker registry. Safe for concurrent use.
type Router struct {
	mu      sync.RWMutex
	order   []string
	workers map[string]worker.Worker
	stats   map[string]*NodeStats
	banned  map[string]bool

	callTimeout time.Duration
	logger      *slog.Logger
	metrics     *metrics.Collector
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets a custom logger for the router.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// WithMetrics records dispatch outcomes and call latency.
func WithMetrics(m *metrics.Collector) Option {
	return func(r *Router) { r.metrics = m }
}

// WithCallTimeout bounds every worker call. Zero keeps the default.
func WithCallTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.callTimeout = d
		}
	}
}

// New creates an empty router.
func New(opts ...Option) *Router {
	r := &Router{
		workers:     make(map[string]worker.Worker),
		stats:       make(map[string]*NodeStats),
		banned:      make(map[string]bool),
		callTimeout: DefaultCallTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ============================================================================
// Registry
// ============================================================================

// Register adds or replaces the worker for nodeID. Re-registering keeps the
// node's position in iteration order and its counters.
func (r *Router) Register(nodeID string, w worker.Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workers[nodeID]; !exists {
		r.order = append(r.order, nodeID)
	}
	r.workers[nodeID] = w
	if _, ok := r.stats[nodeID]; !ok {
		r.stats[nodeID] = &NodeStats{}
	}
	r.logger.Info("Worker registered", "node_id", nodeID)
}

// Unregister removes a worker. The blacklist entry, if any, is kept.
func (r *Router) Unregister(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workers[nodeID]; !exists {
		return
	}
	delete(r.workers, nodeID)
	delete(r.stats, nodeID)
	for i, id := range r.order {
		if id == nodeID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.logger.Info("Worker unregistered", "node_id", nodeID)
}

// Ban excludes nodeID from every future selection. Nodes may be banned
// before they register.
func (r *Router) Ban(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.banned[nodeID] = true
	r.logger.Warn("Worker banned", "node_id", nodeID)
}

// Unban lifts a ban.
func (r *Router) Unban(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.banned, nodeID)
	r.logger.Info("Worker unbanned", "node_id", nodeID)
}

// IsBanned reports whether nodeID is blacklisted.
func (r *Router) IsBanned(nodeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.banned[nodeID]
}

// Nodes returns the non-banned node ids in registration order.
func (r *Router) Nodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.order))
	for _, id := range r.order {
		if !r.banned[id] {
			ids = append(ids, id)
		}
	}
	return ids
}

// Stats returns a copy of the per-node counters.
func (r *Router) Stats() map[string]NodeStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]NodeStats, len(r.stats))
	for id, s := range r.stats {
		out[id] = *s
	}
	return out
}

type entry struct {
	id string
	w  worker.Worker
}

// eligible snapshots the non-banned workers in registration order.
func (r *Router) eligible() []entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]entry, 0, len(r.order))
	for _, id := range r.order {
		if !r.banned[id] {
			out = append(out, entry{id: id, w: r.workers[id]})
		}
	}
	return out
}

func (r *Router) lookup(nodeID string) (worker.Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[nodeID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, nodeID)
	}
	return w, nil
}

// ============================================================================
// Selection
// ============================================================================

// Matches reports whether caps satisfy every tag. "gpu" and "docker" check
// the boolean fields; any other tag must be set in the software map. Tags
// compare case-insensitively.
func Matches(caps types.Capabilities, tags []string) bool {
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		switch tag {
		case "":
			continue
		case TagGPU:
			if !caps.GPU {
				return false
			}
		case TagDocker:
			if !caps.Docker {
				return false
			}
		default:
			if !hasSoftware(caps, tag) {
				return false
			}
		}
	}
	return true
}

func hasSoftware(caps types.Capabilities, tag string) bool {
	if caps.Software[tag] {
		return true
	}
	for name, ok := range caps.Software {
		if ok && strings.EqualFold(name, tag) {
			return true
		}
	}
	return false
}

// Score ranks a worker: success rate scaled by idle CPU share.
func Score(st types.NodeStatus) float64 {
	load := st.Load
	if load < 0 {
		load = 0
	}
	if load > 100 {
		load = 100
	}
	return st.SuccessRate * (1 - load/100)
}

// candidates queries every non-banned worker in registration order and
// returns the statuses of those matching tags. Unreachable workers are skipped.
func (r *Router) candidates(ctx context.Context, tags []string) []types.NodeStatus {
	var out []types.NodeStatus
	for _, e := range r.eligible() {
		st, err := r.status(ctx, e.id, e.w)
		if err != nil {
			r.logger.Debug("Skipping unreachable worker", "node_id", e.id, "error", err)
			continue
		}
		if r.IsBanned(e.id) || !Matches(st.Capabilities, tags) {
			continue
		}
		st.NodeID = e.id
		out = append(out, st)
	}
	return out
}

// SelectBest returns the highest scoring eligible worker. Ties go to the
// worker registered first.
func (r *Router) SelectBest(ctx context.Context, requiredTags []string) (string, bool) {
	best := ""
	bestScore := 0.0
	found := false
	for _, st := range r.candidates(ctx, requiredTags) {
		score := Score(st)
		if !found || score > bestScore {
			best, bestScore, found = st.NodeID, score, true
		}
	}
	return best, found
}

// Eligible returns the ids of reachable, non-banned workers matching tags,
// in registration order.
func (r *Router) Eligible(ctx context.Context, requiredTags []string) []string {
	cands := r.candidates(ctx, requiredTags)
	ids := make([]string, len(cands))
	for i, st := range cands {
		ids[i] = st.NodeID
	}
	return ids
}

// ============================================================================
// Dispatch
// ============================================================================

// Dispatch executes a tool once on the best worker matching requiredTags.
// There is no retry; a failure increments the node's failure counter and
// returns a *DispatchError.
func (r *Router) Dispatch(ctx context.Context, tool string, args map[string]any, requiredTags []string) (types.ToolResult, error) {
	nodeID, ok := r.SelectBest(ctx, requiredTags)
	if !ok {
		return types.ToolResult{}, noEligible(requiredTags)
	}
	w, err := r.lookup(nodeID)
	if err != nil {
		return types.ToolResult{}, &DispatchError{NodeID: nodeID, Tool: tool, Cause: err}
	}

	r.mu.Lock()
	if s, ok := r.stats[nodeID]; ok {
		s.TasksStarted++
	}
	r.mu.Unlock()

	var res types.ToolResult
	err = r.timed(ctx, nodeID, "ExecuteTool", func(ctx context.Context) error {
		var err error
		res, err = w.ExecuteTool(ctx, tool, args)
		return err
	})
	r.metrics.RecordDispatch(nodeID, err == nil)
	if err != nil {
		r.mu.Lock()
		if s, ok := r.stats[nodeID]; ok {
			s.TasksFailed++
		}
		r.mu.Unlock()
		r.logger.Warn("Dispatch failed", "node_id", nodeID, "tool", tool, "error", err)
		return types.ToolResult{}, &DispatchError{NodeID: nodeID, Tool: tool, Cause: err}
	}

	r.logger.Debug("Dispatch finished", "node_id", nodeID, "tool", tool, "status", res.Status)
	return res, nil
}

// ============================================================================
// Worker calls
// ============================================================================

// timed runs fn under the call timeout and records latency. A successful
// call refreshes the node's LastSeen.
func (r *Router) timed(ctx context.Context, nodeID, method string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	r.metrics.ObserveWorkerCall(method, time.Since(start).Seconds())
	if err == nil {
		r.mu.Lock()
		if s, ok := r.stats[nodeID]; ok {
			s.LastSeen = time.Now()
		}
		r.mu.Unlock()
	}
	return err
}

func (r *Router) status(ctx context.Context, nodeID string, w worker.Worker) (types.NodeStatus, error) {
	var st types.NodeStatus
	err := r.timed(ctx, nodeID, "GetStatus", func(ctx context.Context) error {
		var err error
		st, err = w.Status(ctx)
		return err
	})
	return st, err
}

// Status queries the live status of nodeID.
func (r *Router) Status(ctx context.Context, nodeID string) (types.NodeStatus, error) {
	w, err := r.lookup(nodeID)
	if err != nil {
		return types.NodeStatus{}, err
	}
	st, err := r.status(ctx, nodeID, w)
	if err != nil {
		return types.NodeStatus{}, err
	}
	st.NodeID = nodeID
	return st, nil
}

// StartJob asks nodeID to start or resume a job.
func (r *Router) StartJob(ctx context.Context, nodeID string, spec types.JobSpec) (bool, error) {
	w, err := r.lookup(nodeID)
	if err != nil {
		return false, err
	}
	var ok bool
	err = r.timed(ctx, nodeID, "StartJob", func(ctx context.Context) error {
		var err error
		ok, err = w.StartJob(ctx, spec)
		return err
	})
	return ok, err
}

// PauseJob asks nodeID to suspend a job and returns its checkpoint.
func (r *Router) PauseJob(ctx context.Context, nodeID string, jobID types.JobID) (string, error) {
	w, err := r.lookup(nodeID)
	if err != nil {
		return "", err
	}
	var cp string
	err = r.timed(ctx, nodeID, "PauseJob", func(ctx context.Context) error {
		var err error
		cp, err = w.PauseJob(ctx, jobID)
		return err
	})
	return cp, err
}

// FetchSeeds reads the corpus of a fuzzing container on nodeID.
func (r *Router) FetchSeeds(ctx context.Context, nodeID, containerRef string) ([]types.Seed, error) {
	w, err := r.lookup(nodeID)
	if err != nil {
		return nil, err
	}
	var seeds []types.Seed
	err = r.timed(ctx, nodeID, "FetchSeeds", func(ctx context.Context) error {
		var err error
		seeds, err = w.FetchSeeds(ctx, containerRef)
		return err
	})
	return seeds, err
}

// InjectSeeds writes seeds into a fuzzing container on nodeID.
func (r *Router) InjectSeeds(ctx context.Context, nodeID, containerRef string, seeds []types.Seed) (int, error) {
	w, err := r.lookup(nodeID)
	if err != nil {
		return 0, err
	}
	var n int
	err = r.timed(ctx, nodeID, "InjectSeeds", func(ctx context.Context) error {
		var err error
		n, err = w.InjectSeeds(ctx, containerRef, seeds)
		return err
	})
	return n, err
}

// ============================================================================
// Cluster view
// ============================================================================

// NodeView is one row of the cluster view.
type NodeView struct {
	NodeID    string            `json:"node_id"`
	Banned    bool              `json:"banned"`
	Reachable bool              `json:"reachable"`
	Status    *types.NodeStatus `json:"status,omitempty"`
	Error     string            `json:"error,omitempty"`
	Stats     NodeStats         `json:"stats"`
}

// ClusterStatus queries every registered node, banned ones included.
func (r *Router) ClusterStatus(ctx context.Context) []NodeView {
	r.mu.RLock()
	all := make([]entry, 0, len(r.order))
	for _, id := range r.order {
		all = append(all, entry{id: id, w: r.workers[id]})
	}
	r.mu.RUnlock()

	views := make([]NodeView, 0, len(all))
	for _, e := range all {
		v := NodeView{NodeID: e.id, Banned: r.IsBanned(e.id)}
		st, err := r.status(ctx, e.id, e.w)
		if err != nil {
			v.Error = err.Error()
		} else {
			st.NodeID = e.id
			v.Reachable = true
			v.Status = &st
		}
		r.mu.RLock()
		if s, ok := r.stats[e.id]; ok {
			v.Stats = *s
		}
		r.mu.RUnlock()
		views = append(views, v)
	}
	return views
}
