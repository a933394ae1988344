package checkpoint

// ============================================================================
// Responsibilities:
// 1. Persist the checkpoint blob of a suspended job, one JSON file per job
// 2. Atomic write (temp file + rename) so a crash never leaves a torn file
// 3. Validate the schema version on load
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/swarm-coordinator/pkg/types"
)

const schemaVersion = 1

const fileSuffix = ".checkpoint.json"

var (
	ErrCheckpointNotFound  = errors.New("checkpoint not found")
	ErrCorruptedCheckpoint = errors.New("checkpoint file is corrupted")
	ErrIncompatibleVersion = errors.New("checkpoint schema version is incompatible")
	ErrInvalidJobID        = errors.New("job id cannot be used as a file name")
)

// record is the on-disk form of one checkpoint.
type record struct {
	SchemaVer  int         `json:"schema_ver"`
	JobID      types.JobID `json:"job_id"`
	Checkpoint string      `json:"checkpoint"`
	SavedAt    time.Time   `json:"saved_at"`
}

// Store keeps job checkpoints in a directory.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates the directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the checkpoint directory.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(jobID types.JobID) (string, error) {
	id := string(jobID)
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidJobID, id)
	}
	return filepath.Join(s.dir, id+fileSuffix), nil
}

// Save writes the checkpoint of jobID atomically, replacing any previous one.
func (s *Store) Save(jobID types.JobID, checkpoint string) error {
	path, err := s.path(jobID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(record{
		SchemaVer:  schemaVersion,
		JobID:      jobID,
		Checkpoint: checkpoint,
		SavedAt:    time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp checkpoint: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename checkpoint: %w", err)
	}
	return nil
}

// Load returns the stored checkpoint of jobID.
func (s *Store) Load(jobID types.JobID) (string, error) {
	path, err := s.path(jobID)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrCheckpointNotFound, jobID)
		}
		return "", fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorruptedCheckpoint, err)
	}
	if rec.SchemaVer != schemaVersion {
		return "", fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, rec.SchemaVer, schemaVersion)
	}
	if rec.JobID != jobID {
		return "", fmt.Errorf("%w: file holds job %s", ErrCorruptedCheckpoint, rec.JobID)
	}
	return rec.Checkpoint, nil
}

// Delete removes the checkpoint of jobID. Deleting a missing checkpoint is not an error.
func (s *Store) Delete(jobID types.JobID) error {
	path, err := s.path(jobID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// List returns the ids of all stored checkpoints, sorted.
func (s *Store) List() ([]types.JobID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	var ids []types.JobID
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		ids = append(ids, types.JobID(strings.TrimSuffix(name, fileSuffix)))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
