package checkpoint

// ============================================================================
// Checkpoint Store tests
// Verifies atomic write, load, version validation and error handling
// ============================================================================

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/swarm-coordinator/pkg/types"
)

// ============================================================================
// Basic functionality
// ============================================================================

// TestSaveAndLoad tests a write followed by a read
func TestSaveAndLoad(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Save("job-001", "eyJwb3NpdGlvbiI6NDJ9"))

	cp, err := store.Load("job-001")
	require.NoError(t, err)
	assert.Equal(t, "eyJwb3NpdGlvbiI6NDJ9", cp)

	// No temp file is left behind
	_, err = os.Stat(filepath.Join(store.Dir(), "job-001"+fileSuffix+".tmp"))
	assert.True(t, os.IsNotExist(err))
}

// TestSaveOverwrites tests that the latest checkpoint wins
func TestSaveOverwrites(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Save("job-001", "first"))
	require.NoError(t, store.Save("job-001", "second"))

	cp, err := store.Load("job-001")
	require.NoError(t, err)
	assert.Equal(t, "second", cp)
}

// TestLoadMissing tests loading a checkpoint that was never saved
func TestLoadMissing(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Load("nope")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}

// TestDelete tests removal, including of a missing checkpoint
func TestDelete(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Save("job-001", "x"))
	require.NoError(t, store.Delete("job-001"))
	require.NoError(t, store.Delete("job-001"))

	_, err = store.Load("job-001")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}

// TestList tests listing stored checkpoints
func TestList(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	require.NoError(t, store.Save("b", "1"))
	require.NoError(t, store.Save("a", "2"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "unrelated.txt"), []byte("x"), 0o644))

	ids, err := store.List()
	require.NoError(t, err)
	assert.Equal(t, []types.JobID{"a", "b"}, ids)
}

// ============================================================================
// Error handling
// ============================================================================

// TestInvalidJobID tests ids that would escape the directory
func TestInvalidJobID(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	for _, id := range []types.JobID{"", "../evil", `a\b`, ".."} {
		assert.ErrorIs(t, store.Save(id, "x"), ErrInvalidJobID, "id %q", id)
	}
}

// TestCorruptedCheckpoint tests a file that is not valid JSON
func TestCorruptedCheckpoint(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "job-001"+fileSuffix), []byte("{not json"), 0o644))

	_, err = store.Load("job-001")
	assert.ErrorIs(t, err, ErrCorruptedCheckpoint)
}

// TestIncompatibleVersion tests schema version validation
func TestIncompatibleVersion(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	require.NoError(t, err)

	data := `{"schema_ver": 99, "job_id": "job-001", "checkpoint": "x"}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "job-001"+fileSuffix), []byte(data), 0o644))

	_, err = store.Load("job-001")
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

// ============================================================================
// Concurrency
// ============================================================================

// TestConcurrentSave tests concurrent writers on distinct jobs
func TestConcurrentSave(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := types.JobID(string(rune('a' + i)))
			assert.NoError(t, store.Save(id, "cp"))
		}(i)
	}
	wg.Wait()

	ids, err := store.List()
	require.NoError(t, err)
	assert.Len(t, ids, 20)
}
