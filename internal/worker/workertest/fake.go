// Package workertest provides a scriptable in-memory Worker for tests.
package workertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/ChuLiYu/swarm-coordinator/internal/worker"
	"github.com/ChuLiYu/swarm-coordinator/pkg/types"
)

// ToolCall records one ExecuteTool invocation.
type ToolCall struct {
	Name string
	Args map[string]any
}

// Fake is a Worker whose answers are set by the test. All methods are safe
// for concurrent use.
type Fake struct {
	mu sync.Mutex

	status    types.NodeStatus
	statusErr error

	tools   map[string]worker.ToolFunc
	toolErr error

	corpus    map[string][]types.Seed
	fetchErr  error
	injectErr error

	running     types.JobID
	startErr    error
	rejectStart bool
	pauseErr    error

	starts    []types.JobSpec
	pauses    []types.JobID
	toolCalls []ToolCall
}

// New creates an idle fake with zero load and a perfect success rate.
func New(nodeID string) *Fake {
	return &Fake{
		status: types.NodeStatus{
			NodeID:       nodeID,
			SuccessRate:  1.0,
			Capabilities: types.Capabilities{OS: "linux", CPUCores: 4, Software: map[string]bool{}},
		},
		tools:  make(map[string]worker.ToolFunc),
		corpus: make(map[string][]types.Seed),
	}
}

// NewGPU creates an idle fake with a GPU.
func NewGPU(nodeID string) *Fake {
	f := New(nodeID)
	f.status.Capabilities.GPU = true
	return f
}

// SetLoad sets the reported CPU load.
func (f *Fake) SetLoad(load float64) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status.Load = load
	return f
}

// SetSuccessRate sets the reported success rate.
func (f *Fake) SetSuccessRate(rate float64) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status.SuccessRate = rate
	return f
}

// SetSoftware flags a software tag as installed.
func (f *Fake) SetSoftware(tags ...string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range tags {
		f.status.Capabilities.Software[t] = true
	}
	return f
}

// SetDocker sets the docker capability.
func (f *Fake) SetDocker(ok bool) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status.Capabilities.Docker = ok
	return f
}

// FailStatus makes Status return err (nil restores it).
func (f *Fake) FailStatus(err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusErr = err
	return f
}

// SetTool installs a tool implementation.
func (f *Fake) SetTool(name string, fn worker.ToolFunc) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tools[name] = fn
	return f
}

// FailTools makes every ExecuteTool call return err.
func (f *Fake) FailTools(err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toolErr = err
	return f
}

// SetSeeds replaces the corpus of a container.
func (f *Fake) SetSeeds(containerRef string, seeds ...types.Seed) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.corpus[containerRef] = append([]types.Seed(nil), seeds...)
	return f
}

// FailFetch makes FetchSeeds return err.
func (f *Fake) FailFetch(err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchErr = err
	return f
}

// FailInject makes InjectSeeds return err.
func (f *Fake) FailInject(err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.injectErr = err
	return f
}

// FailStart makes StartJob return err.
func (f *Fake) FailStart(err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startErr = err
	return f
}

// RejectStart makes StartJob return false without an error.
func (f *Fake) RejectStart(reject bool) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejectStart = reject
	return f
}

// FailPause makes PauseJob return err.
func (f *Fake) FailPause(err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pauseErr = err
	return f
}

// Finish clears the running job as if it ended on the node.
func (f *Fake) Finish() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = ""
}

// Running returns the job the fake believes it runs.
func (f *Fake) Running() (types.JobID, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running, f.running != ""
}

// Starts returns every StartJob spec received.
func (f *Fake) Starts() []types.JobSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.JobSpec(nil), f.starts...)
}

// Pauses returns every PauseJob id received.
func (f *Fake) Pauses() []types.JobID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.JobID(nil), f.pauses...)
}

// ToolCalls returns every ExecuteTool call received.
func (f *Fake) ToolCalls() []ToolCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ToolCall(nil), f.toolCalls...)
}

// Seeds returns the current corpus of a container.
func (f *Fake) Seeds(containerRef string) []types.Seed {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Seed(nil), f.corpus[containerRef]...)
}

// Status implements worker.Worker.
func (f *Fake) Status(context.Context) (types.NodeStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return types.NodeStatus{}, f.statusErr
	}
	st := f.status
	st.Capabilities.Software = make(map[string]bool, len(f.status.Capabilities.Software))
	for k, v := range f.status.Capabilities.Software {
		st.Capabilities.Software[k] = v
	}
	return st, nil
}

// ExecuteTool implements worker.Worker. The tool runs without the lock held.
func (f *Fake) ExecuteTool(ctx context.Context, name string, args map[string]any) (types.ToolResult, error) {
	f.mu.Lock()
	f.toolCalls = append(f.toolCalls, ToolCall{Name: name, Args: args})
	err := f.toolErr
	fn, ok := f.tools[name]
	f.mu.Unlock()

	if err != nil {
		return types.ToolResult{}, err
	}
	if !ok {
		return types.ToolResult{Status: types.ToolSuccess}, nil
	}
	return fn(ctx, args)
}

// FetchSeeds implements worker.Worker.
func (f *Fake) FetchSeeds(_ context.Context, containerRef string) ([]types.Seed, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return append([]types.Seed(nil), f.corpus[containerRef]...), nil
}

// InjectSeeds implements worker.Worker. Seeds with content already present are skipped.
func (f *Fake) InjectSeeds(_ context.Context, containerRef string, seeds []types.Seed) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.injectErr != nil {
		return 0, f.injectErr
	}
	have := make(map[string]bool)
	for _, s := range f.corpus[containerRef] {
		have[s.ContentB64] = true
	}
	n := 0
	for _, s := range seeds {
		if have[s.ContentB64] {
			continue
		}
		have[s.ContentB64] = true
		f.corpus[containerRef] = append(f.corpus[containerRef], s)
		n++
	}
	return n, nil
}

// StartJob implements worker.Worker.
func (f *Fake) StartJob(_ context.Context, spec types.JobSpec) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, spec)
	if f.startErr != nil {
		return false, f.startErr
	}
	if f.rejectStart {
		return false, nil
	}
	if f.running != "" {
		return false, fmt.Errorf("%w: %s", worker.ErrJobRunning, f.running)
	}
	f.running = spec.JobID
	return true, nil
}

// PauseJob implements worker.Worker. The checkpoint is "cp-<jobID>-<n>",
// n counting the pauses received so far.
func (f *Fake) PauseJob(_ context.Context, jobID types.JobID) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pauses = append(f.pauses, jobID)
	if f.pauseErr != nil {
		return "", f.pauseErr
	}
	if f.running != jobID {
		return "", fmt.Errorf("%w: %s", worker.ErrJobNotRunning, jobID)
	}
	f.running = ""
	return fmt.Sprintf("cp-%s-%d", jobID, len(f.pauses)), nil
}

var _ worker.Worker = (*Fake)(nil)
