// Package breaker detects fuzzing stagnation and escalates to symbolic
// execution.
//
// The breaker watches a monotonically increasing progress counter (total
// paths, edges, whatever the fuzzers report). When the counter has not
// grown for longer than a threshold it picks the most recently inserted seed
// of the global pool and asks a worker with a symbolic execution capability
// to solve from that prefix. Seeds the solver returns are merged back into
// the pool so the next sync distributes them.
//
//	PROGRESSING --(no growth > threshold)--> BREAKING_THROUGH
//	BREAKING_THROUGH --(attempt done, clock reset)--> PROGRESSING
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/swarm-coordinator/internal/metrics"
	"github.com/ChuLiYu/swarm-coordinator/internal/router"
	"github.com/ChuLiYu/swarm-coordinator/pkg/types"
)

const (
	// DefaultTool is the solver tool dispatched on stagnation.
	DefaultTool = "reverse_angr_solve"
	// DefaultCapability is the tag a solver worker must carry.
	DefaultCapability = "angr"
	// DefaultThreshold is how long progress may stall before escalating.
	DefaultThreshold = 300 * time.Second
	// StrategyExploreNewBranches asks the solver for inputs reaching new branches.
	StrategyExploreNewBranches = "explore_new_branches"
)

var (
	// ErrBreakthroughInProgress is returned when a breakthrough is already running.
	ErrBreakthroughInProgress = errors.New("breakthrough already in progress")
	// ErrNoSeeds is returned when the global pool is empty.
	ErrNoSeeds = errors.New("no seeds available for breakthrough")
	// ErrSolverFailed is returned when the solver tool answers with an error status.
	ErrSolverFailed = errors.New("solver reported failure")
)

// Dispatcher runs a tool on the best worker carrying the required tags.
type Dispatcher interface {
	Dispatch(ctx context.Context, tool string, args map[string]any, requiredTags []string) (types.ToolResult, error)
}

// SeedPool is the part of the janitor the breaker uses.
type SeedPool interface {
	LatestSeed() (types.Seed, bool)
	AddSeeds(seeds []types.Seed) int
}

// State is the breaker state.
type State string

const (
	StateProgressing     State = "PROGRESSING"
	StateStagnant        State = "STAGNANT"
	StateBreakingThrough State = "BREAKING_THROUGH"
)

// Outcome values of a breakthrough attempt, also used as the metric label.
const (
	OutcomeSuccess       = "success"
	OutcomeNoSeeds       = "no_seeds"
	OutcomeNoWorker      = "no_worker"
	OutcomeDispatchError = "dispatch_error"
	OutcomeSolverError   = "solver_error"
)

// BreakthroughReport describes one breakthrough attempt.
type BreakthroughReport struct {
	Outcome  string        `json:"outcome"`
	NodeID   string        `json:"node_id,omitempty"`
	Seed     string        `json:"seed,omitempty"`
	NewSeeds int           `json:"new_seeds"`
	Merged   int           `json:"merged"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Breaker owns the stagnation state.
type Breaker struct {
	mu            sync.Mutex
	lastProgress  int64
	stagnantSince time.Time
	inProgress    bool

	dispatcher Dispatcher
	pool       SeedPool
	tool       string
	capability string
	now        func() time.Time
	logger     *slog.Logger
	metrics    *metrics.Collector
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithTool overrides the solver tool name.
func WithTool(name string) Option {
	return func(b *Breaker) {
		if name != "" {
			b.tool = name
		}
	}
}

// WithCapability overrides the tag required of the solver worker.
func WithCapability(tag string) Option {
	return func(b *Breaker) {
		if tag != "" {
			b.capability = tag
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Breaker) { b.logger = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *metrics.Collector) Option {
	return func(b *Breaker) { b.metrics = m }
}

// New creates a Breaker. The stagnation clock starts now.
func New(dispatcher Dispatcher, pool SeedPool, opts ...Option) *Breaker {
	b := &Breaker{
		dispatcher: dispatcher,
		pool:       pool,
		tool:       DefaultTool,
		capability: DefaultCapability,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.stagnantSince = b.now()
	return b
}

// State reports the current state for the given threshold.
func (b *Breaker) State(threshold time.Duration) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.inProgress:
		return StateBreakingThrough
	case b.now().Sub(b.stagnantSince) > threshold:
		return StateStagnant
	default:
		return StateProgressing
	}
}

// LastProgress returns the highest progress count seen.
func (b *Breaker) LastProgress() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastProgress
}

// CheckStagnation feeds a progress count. Growth resets the stagnation
// clock. Otherwise, when the clock is older than threshold and no
// breakthrough is running, a breakthrough runs before CheckStagnation
// returns. It reports whether one was triggered.
func (b *Breaker) CheckStagnation(ctx context.Context, progress int64, threshold time.Duration) bool {
	b.mu.Lock()
	if progress > b.lastProgress {
		b.lastProgress = progress
		b.stagnantSince = b.now()
		b.mu.Unlock()
		return false
	}
	stalled := b.now().Sub(b.stagnantSince)
	if stalled <= threshold || b.inProgress {
		b.mu.Unlock()
		return false
	}
	b.inProgress = true
	b.mu.Unlock()

	b.logger.Warn("Fuzzing stagnant, triggering breakthrough",
		"stalled", stalled.Round(time.Second), "progress", progress)
	// The report is logged by breakthrough.
	_, _ = b.breakthrough(ctx)
	return true
}

// TriggerBreakthrough runs one breakthrough now. It returns
// ErrBreakthroughInProgress without doing anything if one is running.
func (b *Breaker) TriggerBreakthrough(ctx context.Context) (BreakthroughReport, error) {
	b.mu.Lock()
	if b.inProgress {
		b.mu.Unlock()
		return BreakthroughReport{}, ErrBreakthroughInProgress
	}
	b.inProgress = true
	b.mu.Unlock()
	return b.breakthrough(ctx)
}

// breakthrough runs with the guard held and always releases it, resetting
// the stagnation clock whatever the outcome.
func (b *Breaker) breakthrough(ctx context.Context) (report BreakthroughReport, err error) {
	start := b.now()
	defer func() {
		b.mu.Lock()
		b.inProgress = false
		b.stagnantSince = b.now()
		b.mu.Unlock()

		report.Duration = b.now().Sub(start)
		b.metrics.RecordBreakthrough(report.Outcome)
		if err != nil {
			b.logger.Error("Breakthrough failed", "outcome", report.Outcome, "seed", report.Seed, "error", err)
		}
	}()

	seed, ok := b.pool.LatestSeed()
	if !ok {
		report.Outcome = OutcomeNoSeeds
		return report, ErrNoSeeds
	}
	report.Seed = seed.Filename

	args := map[string]any{
		"seed_prefix_b64": seed.ContentB64,
		"filename":        seed.Filename,
		"strategy":        StrategyExploreNewBranches,
	}
	b.logger.Info("Dispatching breakthrough", "tool", b.tool, "capability", b.capability, "seed", seed.Filename)
	res, err := b.dispatcher.Dispatch(ctx, b.tool, args, []string{b.capability})
	if err != nil {
		var de *router.DispatchError
		if errors.As(err, &de) {
			report.NodeID = de.NodeID
		}
		if errors.Is(err, router.ErrNoEligibleWorker) {
			report.Outcome = OutcomeNoWorker
		} else {
			report.Outcome = OutcomeDispatchError
		}
		report.Message = err.Error()
		return report, fmt.Errorf("breakthrough dispatch: %w", err)
	}
	if !res.OK() {
		report.Outcome = OutcomeSolverError
		report.Message = res.Message
		return report, fmt.Errorf("%w: %s", ErrSolverFailed, res.Message)
	}

	report.Outcome = OutcomeSuccess
	report.NewSeeds = len(res.NewSeeds)
	report.Merged = b.pool.AddSeeds(res.NewSeeds)
	b.logger.Info("Breakthrough succeeded", "seed", seed.Filename, "new_seeds", report.NewSeeds, "merged", report.Merged)
	return report, nil
}
