package worker

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/ChuLiYu/swarm-coordinator/pkg/types"
)

// CorpusStore gives access to the seed corpus of fuzzing containers on a node.
type CorpusStore interface {
	List(ctx context.Context, containerRef string) ([]types.Seed, error)
	Add(ctx context.Context, containerRef string, seeds []types.Seed) (int, error)
}

// MemoryCorpus keeps corpora in memory, keyed by container and filename.
// Used by simulated nodes and tests.
type MemoryCorpus struct {
	mu      sync.Mutex
	corpora map[string]map[string]types.Seed
}

// NewMemoryCorpus creates an empty store.
func NewMemoryCorpus() *MemoryCorpus {
	return &MemoryCorpus{corpora: make(map[string]map[string]types.Seed)}
}

// List returns the seeds of a container sorted by filename.
func (m *MemoryCorpus) List(_ context.Context, containerRef string) ([]types.Seed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	corpus := m.corpora[containerRef]
	seeds := make([]types.Seed, 0, len(corpus))
	for _, s := range corpus {
		seeds = append(seeds, s)
	}
	sort.Slice(seeds, func(i, j int) bool { return seeds[i].Filename < seeds[j].Filename })
	return seeds, nil
}

// Add writes seeds into a container's corpus. A seed whose filename already
// exists with other content is stored under a suffixed name so nothing is
// overwritten.
func (m *MemoryCorpus) Add(_ context.Context, containerRef string, seeds []types.Seed) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	corpus, ok := m.corpora[containerRef]
	if !ok {
		corpus = make(map[string]types.Seed)
		m.corpora[containerRef] = corpus
	}
	written := 0
	for _, s := range seeds {
		name := s.Filename
		for i := 1; ; i++ {
			existing, taken := corpus[name]
			if !taken {
				break
			}
			if existing.ContentB64 == s.ContentB64 {
				name = ""
				break
			}
			name = s.Filename + "+" + strconv.Itoa(i)
		}
		if name == "" {
			continue
		}
		s.Filename = name
		corpus[name] = s
		written++
	}
	return written, nil
}
