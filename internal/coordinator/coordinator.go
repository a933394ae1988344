// ============================================================================
// Swarm Coordinator - Component Owner
// ============================================================================
//
// Package: internal/coordinator
// File: coordinator.go
// Purpose: Build, wire and run the four core components
//
// Components:
//   - Router:            worker registry, blacklist, selection and dispatch
//   - JobManager:        priority queue and preemptive GPU scheduler
//   - SeedJanitor:       global seed pool and corpus sync loop
//   - StagnationBreaker: stall detection and symbolic execution escalation
//
//   The coordinator owns one instance of each and hands them to each other
//   explicitly. There is no package level state.
//
// Loops (2 goroutines):
//   1. Scheduler loop - JobManager.Start, woken by submissions and freed workers
//   2. Sync loop      - SeedJanitor.StartSync, one full sync per interval
//
//   Stop cancels both and waits. An in-flight worker call finishes first.
//
// ============================================================================

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/swarm-coordinator/internal/breaker"
	"github.com/ChuLiYu/swarm-coordinator/internal/checkpoint"
	"github.com/ChuLiYu/swarm-coordinator/internal/janitor"
	"github.com/ChuLiYu/swarm-coordinator/internal/jobmanager"
	"github.com/ChuLiYu/swarm-coordinator/internal/metrics"
	"github.com/ChuLiYu/swarm-coordinator/internal/router"
	"github.com/ChuLiYu/swarm-coordinator/internal/worker"
	"github.com/ChuLiYu/swarm-coordinator/pkg/types"
)

// Worker transports.
const (
	TransportLocal = "local"
	TransportGRPC  = "grpc"
)

// Corpus backends of local workers.
const (
	CorpusMemory = "memory"
	CorpusDocker = "docker"
)

var (
	// ErrInvalidWorker is returned for a worker entry that cannot be built.
	ErrInvalidWorker = errors.New("invalid worker config")
	// ErrAlreadyStarted is returned by Start on a running coordinator.
	ErrAlreadyStarted = errors.New("coordinator already started")
)

// ============================================================================
// Configuration
// ============================================================================

// WorkerConfig describes one worker to register at startup.
type WorkerConfig struct {
	NodeID        string
	Transport     string // local | grpc
	Address       string // grpc only
	FuzzContainer string // registered with the janitor when set
	Software      map[string]bool
	Corpus        string // local only: memory | docker
	CorpusDir     string
}

// Config is the coordinator configuration. Zero values fall back to the
// component defaults.
type Config struct {
	CallTimeout         time.Duration
	PollInterval        time.Duration
	MaxAttempts         int
	SyncInterval        time.Duration
	StagnationThreshold time.Duration
	BreakthroughTool    string
	BreakthroughTag     string
	CheckpointDir       string
	Workers             []WorkerConfig
}

// ============================================================================
// Coordinator
// ============================================================================

// Coordinator owns the components and their loops.
type Coordinator struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Collector

	router  *router.Router
	jobs    *jobmanager.JobManager
	janitor *janitor.Janitor
	breaker *breaker.Breaker

	extra     []registration
	localOpts []worker.LocalOption
	closers   []io.Closer

	mu        sync.Mutex
	started   bool
	stopped   bool
	startTime time.Time
}

type registration struct {
	nodeID        string
	w             worker.Worker
	fuzzContainer string
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger shared by all components.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithMetrics sets the metrics collector. By default a collector on a
// private registry is created.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithWorker registers an already built worker. A non-empty fuzzContainer
// also registers it with the janitor.
func WithWorker(nodeID string, w worker.Worker, fuzzContainer string) Option {
	return func(c *Coordinator) {
		c.extra = append(c.extra, registration{nodeID: nodeID, w: w, fuzzContainer: fuzzContainer})
	}
}

// WithLocalOptions appends options to every local worker built from the
// config, after the ones the coordinator sets itself.
func WithLocalOptions(opts ...worker.LocalOption) Option {
	return func(c *Coordinator) { c.localOpts = append(c.localOpts, opts...) }
}

// New builds every component and registers the configured workers. Local
// workers probe the machine, which is why ctx is needed.
func New(ctx context.Context, cfg Config, opts ...Option) (*Coordinator, error) {
	c := &Coordinator{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = metrics.NewCollector(prometheus.NewRegistry())
	}

	routerOpts := []router.Option{router.WithLogger(c.logger), router.WithMetrics(c.metrics)}
	if cfg.CallTimeout > 0 {
		routerOpts = append(routerOpts, router.WithCallTimeout(cfg.CallTimeout))
	}
	c.router = router.New(routerOpts...)

	jobOpts := []jobmanager.Option{jobmanager.WithLogger(c.logger), jobmanager.WithMetrics(c.metrics)}
	if cfg.PollInterval > 0 {
		jobOpts = append(jobOpts, jobmanager.WithPollInterval(cfg.PollInterval))
	}
	if cfg.MaxAttempts > 0 {
		jobOpts = append(jobOpts, jobmanager.WithMaxAttempts(cfg.MaxAttempts))
	}
	if cfg.CheckpointDir != "" {
		store, err := checkpoint.NewStore(cfg.CheckpointDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
		}
		c.discardStaleCheckpoints(store)
		jobOpts = append(jobOpts, jobmanager.WithCheckpointStore(store))
	}
	c.jobs = jobmanager.NewJobManager(c.router, jobOpts...)

	c.janitor = janitor.New(c.router, janitor.WithLogger(c.logger), janitor.WithMetrics(c.metrics))
	c.breaker = breaker.New(c.router, c.janitor,
		breaker.WithTool(cfg.BreakthroughTool),
		breaker.WithCapability(cfg.BreakthroughTag),
		breaker.WithLogger(c.logger),
		breaker.WithMetrics(c.metrics),
	)

	for _, wc := range cfg.Workers {
		w, err := c.buildWorker(ctx, wc)
		if err != nil {
			c.closeAll()
			return nil, err
		}
		c.register(wc.NodeID, w, wc.FuzzContainer)
	}
	for _, r := range c.extra {
		c.register(r.nodeID, r.w, r.fuzzContainer)
	}
	return c, nil
}

func (c *Coordinator) register(nodeID string, w worker.Worker, fuzzContainer string) {
	c.router.Register(nodeID, w)
	if fuzzContainer != "" {
		c.janitor.RegisterFuzzer(nodeID, fuzzContainer)
	}
}

func (c *Coordinator) buildWorker(ctx context.Context, wc WorkerConfig) (worker.Worker, error) {
	if wc.NodeID == "" {
		return nil, fmt.Errorf("%w: node_id is required", ErrInvalidWorker)
	}

	switch wc.Transport {
	case TransportLocal, "":
		opts := []worker.LocalOption{
			worker.WithSoftware(wc.Software),
			worker.WithLogger(c.logger),
			worker.WithJobObserver(c.jobFinished),
		}
		switch wc.Corpus {
		case CorpusMemory, "":
			opts = append(opts, worker.WithCorpus(worker.NewMemoryCorpus()))
		case CorpusDocker:
			dc, err := worker.NewDockerCorpus(wc.CorpusDir)
			if err != nil {
				return nil, fmt.Errorf("worker %s: %w", wc.NodeID, err)
			}
			c.closers = append(c.closers, dc)
			opts = append(opts, worker.WithCorpus(dc))
		default:
			return nil, fmt.Errorf("%w: %s: unknown corpus %q", ErrInvalidWorker, wc.NodeID, wc.Corpus)
		}
		opts = append(opts, c.localOpts...)
		return worker.NewLocalWorker(ctx, wc.NodeID, opts...), nil

	case TransportGRPC:
		if wc.Address == "" {
			return nil, fmt.Errorf("%w: %s: address is required for grpc", ErrInvalidWorker, wc.NodeID)
		}
		conn, err := grpc.NewClient(wc.Address, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("failed to dial worker %s at %s: %w", wc.NodeID, wc.Address, err)
		}
		c.closers = append(c.closers, conn)
		return worker.NewRemoteWorker(conn, wc.NodeID), nil

	default:
		return nil, fmt.Errorf("%w: %s: unknown transport %q", ErrInvalidWorker, wc.NodeID, wc.Transport)
	}
}

// discardStaleCheckpoints removes checkpoints left by a previous process.
// Jobs live in memory only, so nothing can resume from them.
func (c *Coordinator) discardStaleCheckpoints(store *checkpoint.Store) {
	ids, err := store.List()
	if err != nil {
		c.logger.Warn("Failed to list checkpoints", "dir", store.Dir(), "error", err)
		return
	}
	for _, id := range ids {
		if err := store.Delete(id); err != nil {
			c.logger.Warn("Failed to delete stale checkpoint", "job_id", id, "error", err)
		}
	}
	if len(ids) > 0 {
		c.logger.Info("Discarded stale checkpoints", "dir", store.Dir(), "count", len(ids))
	}
}

// jobFinished reports a job that ended on a local worker.
func (c *Coordinator) jobFinished(jobID types.JobID, err error) {
	var reportErr error
	if err != nil {
		reportErr = c.jobs.Fail(jobID, err.Error())
	} else {
		reportErr = c.jobs.Complete(jobID, "")
	}
	if reportErr != nil {
		c.logger.Warn("Failed to report job outcome", "job_id", jobID, "error", reportErr)
	}
}

// Router returns the router.
func (c *Coordinator) Router() *router.Router { return c.router }

// Jobs returns the job manager.
func (c *Coordinator) Jobs() *jobmanager.JobManager { return c.jobs }

// Janitor returns the seed janitor.
func (c *Coordinator) Janitor() *janitor.Janitor { return c.janitor }

// Breaker returns the stagnation breaker.
func (c *Coordinator) Breaker() *breaker.Breaker { return c.breaker }

// Metrics returns the metrics collector.
func (c *Coordinator) Metrics() *metrics.Collector { return c.metrics }

// Threshold returns the stagnation threshold in effect.
func (c *Coordinator) Threshold() time.Duration {
	if c.cfg.StagnationThreshold > 0 {
		return c.cfg.StagnationThreshold
	}
	return breaker.DefaultThreshold
}

// ReportProgress feeds the fuzzing progress counter to the breaker.
func (c *Coordinator) ReportProgress(ctx context.Context, progress int64) bool {
	return c.breaker.CheckStagnation(ctx, progress, c.Threshold())
}

// ============================================================================
// Lifecycle
// ============================================================================

// Start launches the scheduler loop and the sync loop.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrAlreadyStarted
	}
	c.started = true
	c.startTime = time.Now()

	c.jobs.Start(ctx)
	c.janitor.StartSync(ctx, c.cfg.SyncInterval)

	c.logger.Info("Coordinator started",
		"workers", len(c.router.Nodes()), "fuzzers", len(c.janitor.Stats().ActiveNodes))
	return nil
}

// Stop cancels both loops, waits for them and releases worker connections.
// Calling Stop twice is safe.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()

	c.logger.Info("Stopping coordinator...")
	c.jobs.Stop()
	c.janitor.StopSync()
	c.closeAll()
	c.logger.Info("Coordinator stopped")
}

func (c *Coordinator) closeAll() {
	for _, cl := range c.closers {
		if err := cl.Close(); err != nil {
			c.logger.Warn("Failed to close worker resource", "error", err)
		}
	}
	c.closers = nil
}

// ============================================================================
// Cluster view
// ============================================================================

// ClusterView is the aggregated state shown by the status command.
type ClusterView struct {
	Uptime    string            `json:"uptime"`
	NodeCount int               `json:"node_count"`
	Nodes     []router.NodeView `json:"nodes"`
	Jobs      map[string]int    `json:"jobs"`
	Running   map[string]string `json:"running,omitempty"` // node id -> job id
	Corpus    janitor.Stats     `json:"corpus"`
	Breaker   breaker.State     `json:"breaker"`
	Progress  int64             `json:"progress"`
}

// ClusterStatus queries every registered worker and aggregates the result.
func (c *Coordinator) ClusterStatus(ctx context.Context) ClusterView {
	c.mu.Lock()
	var uptime time.Duration
	if c.started {
		uptime = time.Since(c.startTime)
	}
	c.mu.Unlock()

	nodes := c.router.ClusterStatus(ctx)
	running := make(map[string]string)
	for w, id := range c.jobs.WorkerJobs() {
		running[w] = string(id)
	}
	return ClusterView{
		Uptime:    uptime.Round(time.Second).String(),
		NodeCount: len(nodes),
		Nodes:     nodes,
		Jobs:      c.jobs.Stats(),
		Running:   running,
		Corpus:    c.janitor.Stats(),
		Breaker:   c.breaker.State(c.Threshold()),
		Progress:  c.breaker.LastProgress(),
	}
}
