// ============================================================================
// Swarm Worker - Execution Node Contract
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Purpose: Defines the single contract every execution node satisfies.
//
// Motivation:
//   A node is either an object living in the coordinator process or a separate
//   process/machine reached over the network. Both are hidden behind Worker,
//   and the adapter is chosen once, at registration:
//
//   - LocalWorker:  in-process calls (tools, corpus store, job runner)
//   - RemoteWorker: gRPC client talking to a worker Server
//
//   No caller ever branches on the transport.
//
// Failure model:
//   Every method may fail; callers treat an error as a worker failure and
//   convert it into a structured result at their own boundary. Callers are
//   expected to pass a context with a deadline.
//
// ============================================================================

package worker

import (
	"context"
	"errors"

	"github.com/ChuLiYu/swarm-coordinator/pkg/types"
)

var (
	// ErrUnknownTool is returned when ExecuteTool names a tool the node does not have.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrJobRunning is returned when StartJob is called while another job occupies the node.
	ErrJobRunning = errors.New("worker already running a job")
	// ErrJobNotRunning is returned when PauseJob names a job the node is not running.
	ErrJobNotRunning = errors.New("job not running on this worker")
	// ErrNoCorpus is returned when the node has no corpus store for the container.
	ErrNoCorpus = errors.New("no corpus store configured")
)

// Worker is the RPC contract of an execution node.
type Worker interface {
	// Status returns live load, memory and reliability plus the probed capabilities.
	Status(ctx context.Context) (types.NodeStatus, error)

	// ExecuteTool runs a named tool with arguments.
	ExecuteTool(ctx context.Context, name string, args map[string]any) (types.ToolResult, error)

	// FetchSeeds lists the current corpus of a fuzzing container hosted by the node.
	FetchSeeds(ctx context.Context, containerRef string) ([]types.Seed, error)

	// InjectSeeds adds seeds to a fuzzing container's corpus and returns how many were written.
	InjectSeeds(ctx context.Context, containerRef string, seeds []types.Seed) (int, error)

	// StartJob starts, or resumes when spec.Checkpoint is set, a GPU job.
	StartJob(ctx context.Context, spec types.JobSpec) (bool, error)

	// PauseJob suspends a running job and returns its base64 checkpoint.
	PauseJob(ctx context.Context, jobID types.JobID) (string, error)
}
