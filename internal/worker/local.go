package worker

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/swarm-coordinator/pkg/types"
)

// ToolFunc implements one named tool on a node.
type ToolFunc func(ctx context.Context, args map[string]any) (types.ToolResult, error)

// DefaultKeyspaceTick is the step interval of the built-in GPU job.
const DefaultKeyspaceTick = 10 * time.Millisecond

// LocalWorker is the in-process Worker adapter. Capabilities are probed once
// at construction; load and memory are sampled on every Status call.
type LocalWorker struct {
	nodeID   string
	caps     types.Capabilities
	probe    ProbeFunc
	software map[string]bool
	sampler  Sampler
	corpus   CorpusStore
	history  *History
	runner   *Runner
	jobFn    JobFunc
	onJob    JobOutcome
	logger   *slog.Logger

	mu    sync.RWMutex
	tools map[string]ToolFunc
}

// LocalOption configures a LocalWorker.
type LocalOption func(*LocalWorker)

// WithTool registers a tool under name.
func WithTool(name string, fn ToolFunc) LocalOption {
	return func(w *LocalWorker) { w.tools[name] = fn }
}

// WithCorpus sets the corpus store backing FetchSeeds and InjectSeeds.
func WithCorpus(c CorpusStore) LocalOption {
	return func(w *LocalWorker) { w.corpus = c }
}

// WithJobFunc sets the function that runs GPU jobs.
func WithJobFunc(fn JobFunc) LocalOption {
	return func(w *LocalWorker) { w.jobFn = fn }
}

// WithJobObserver is called when a job finishes on its own.
func WithJobObserver(fn JobOutcome) LocalOption {
	return func(w *LocalWorker) { w.onJob = fn }
}

// WithSampler overrides the load sampler.
func WithSampler(s Sampler) LocalOption {
	return func(w *LocalWorker) { w.sampler = s }
}

// WithProbe overrides the capability probe.
func WithProbe(p ProbeFunc) LocalOption {
	return func(w *LocalWorker) { w.probe = p }
}

// WithSoftware forces software flags on top of the probed ones.
func WithSoftware(flags map[string]bool) LocalOption {
	return func(w *LocalWorker) {
		for k, v := range flags {
			w.software[k] = v
		}
	}
}

// WithHistorySize bounds the outcome history.
func WithHistorySize(n int) LocalOption {
	return func(w *LocalWorker) { w.history = NewHistory(n) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) LocalOption {
	return func(w *LocalWorker) { w.logger = l }
}

// NewLocalWorker probes the machine and builds an in-process worker.
func NewLocalWorker(ctx context.Context, nodeID string, opts ...LocalOption) *LocalWorker {
	w := &LocalWorker{
		nodeID:   nodeID,
		probe:    Probe,
		software: make(map[string]bool),
		sampler:  SystemSampler{},
		history:  NewHistory(DefaultHistorySize),
		jobFn:    KeyspaceJob(DefaultKeyspaceTick),
		logger:   slog.Default(),
		tools:    make(map[string]ToolFunc),
	}
	w.tools["echo"] = echoTool
	for _, opt := range opts {
		opt(w)
	}

	w.caps = w.probe(ctx)
	if w.caps.Software == nil {
		w.caps.Software = make(map[string]bool)
	}
	for k, v := range w.software {
		w.caps.Software[k] = v
	}
	w.runner = NewRunner(w.jobFn, w.jobDone)
	return w
}

// NodeID returns the node identity.
func (w *LocalWorker) NodeID() string { return w.nodeID }

// Capabilities returns the probed capabilities.
func (w *LocalWorker) Capabilities() types.Capabilities { return w.caps }

// RegisterTool adds or replaces a tool after construction.
func (w *LocalWorker) RegisterTool(name string, fn ToolFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tools[name] = fn
}

// Status implements Worker.
func (w *LocalWorker) Status(ctx context.Context) (types.NodeStatus, error) {
	load, memPct, err := w.sampler.Sample(ctx)
	if err != nil {
		return types.NodeStatus{}, fmt.Errorf("failed to sample load: %w", err)
	}
	return types.NodeStatus{
		NodeID:        w.nodeID,
		Capabilities:  w.caps,
		Load:          load,
		MemoryPercent: memPct,
		SuccessRate:   w.history.SuccessRate(),
	}, nil
}

// ExecuteTool implements Worker. Every call is recorded in the outcome
// history; a result with status "error" counts as a failure.
func (w *LocalWorker) ExecuteTool(ctx context.Context, name string, args map[string]any) (types.ToolResult, error) {
	w.mu.RLock()
	fn, ok := w.tools[name]
	w.mu.RUnlock()
	if !ok {
		w.history.Record(false)
		return types.ToolResult{}, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	res, err := fn(ctx, args)
	if err != nil {
		w.history.Record(false)
		return types.ToolResult{}, err
	}
	if res.Status == "" {
		res.Status = types.ToolSuccess
	}
	w.history.Record(res.OK())
	return res, nil
}

// FetchSeeds implements Worker.
func (w *LocalWorker) FetchSeeds(ctx context.Context, containerRef string) ([]types.Seed, error) {
	if w.corpus == nil {
		return nil, ErrNoCorpus
	}
	return w.corpus.List(ctx, containerRef)
}

// InjectSeeds implements Worker.
func (w *LocalWorker) InjectSeeds(ctx context.Context, containerRef string, seeds []types.Seed) (int, error) {
	if w.corpus == nil {
		return 0, ErrNoCorpus
	}
	return w.corpus.Add(ctx, containerRef, seeds)
}

// StartJob implements Worker.
func (w *LocalWorker) StartJob(_ context.Context, spec types.JobSpec) (bool, error) {
	var resume []byte
	if spec.Checkpoint != "" {
		b, err := base64.StdEncoding.DecodeString(spec.Checkpoint)
		if err != nil {
			return false, fmt.Errorf("invalid checkpoint for job %s: %w", spec.JobID, err)
		}
		resume = b
	}
	if err := w.runner.Start(spec, resume); err != nil {
		return false, err
	}
	w.logger.Info("Job started", "node_id", w.nodeID, "job_id", spec.JobID, "resumed", resume != nil)
	return true, nil
}

// PauseJob implements Worker.
func (w *LocalWorker) PauseJob(ctx context.Context, jobID types.JobID) (string, error) {
	cp, err := w.runner.Pause(ctx, jobID)
	if err != nil {
		return "", err
	}
	w.logger.Info("Job paused", "node_id", w.nodeID, "job_id", jobID, "checkpoint_bytes", len(cp))
	return base64.StdEncoding.EncodeToString(cp), nil
}

// RunningJob returns the job currently occupying the node.
func (w *LocalWorker) RunningJob() (types.JobID, bool) {
	return w.runner.Current()
}

func (w *LocalWorker) jobDone(jobID types.JobID, err error) {
	w.history.Record(err == nil)
	if err != nil {
		w.logger.Warn("Job failed", "node_id", w.nodeID, "job_id", jobID, "error", err)
	} else {
		w.logger.Info("Job finished", "node_id", w.nodeID, "job_id", jobID)
	}
	if w.onJob != nil {
		w.onJob(jobID, err)
	}
}

func echoTool(_ context.Context, args map[string]any) (types.ToolResult, error) {
	return types.ToolResult{Status: types.ToolSuccess, Result: args}, nil
}

var _ Worker = (*LocalWorker)(nil)

// IsJobConflict reports whether err means the node is busy or idle in a way
// that conflicts with the requested job transition.
func IsJobConflict(err error) bool {
	return errors.Is(err, ErrJobRunning) || errors.Is(err, ErrJobNotRunning)
}
