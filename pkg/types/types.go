// Package types defines the domain model shared by the swarm coordinator:
// worker capabilities and status, tool results, fuzzing seeds and GPU jobs.
package types

import (
	"time"
)

// ============================================================================
// Workers
// ============================================================================

// Capabilities describes what a worker node can do. Probed once when the
// worker starts and reported unchanged with every status.
type Capabilities struct {
	OS       string          `json:"os"`
	CPUCores int             `json:"cpu_cores"`
	MemoryGB float64         `json:"memory_gb"`
	GPU      bool            `json:"gpu"`
	GPUInfo  []string        `json:"gpu_info,omitempty"`
	Docker   bool            `json:"docker"`
	Software map[string]bool `json:"software,omitempty"` // tool name -> installed (ida, ghidra, angr, hashcat, ...)
}

// HasSoftware reports whether the named tool flag is set.
func (c Capabilities) HasSoftware(name string) bool {
	return c.Software[name]
}

// NodeStatus is the live status a worker reports on every query.
type NodeStatus struct {
	NodeID        string       `json:"node_id"`
	Capabilities  Capabilities `json:"capabilities"`
	Load          float64      `json:"load"`           // instantaneous CPU busy percent, 0-100
	MemoryPercent float64      `json:"memory_percent"` // used memory percent, 0-100
	SuccessRate   float64      `json:"success_rate"`   // trailing task success ratio, 1.0 when unknown
}

// ============================================================================
// Tools
// ============================================================================

// Tool result status values.
const (
	ToolSuccess = "success"
	ToolError   = "error"
)

// ToolResult is what a worker returns from ExecuteTool.
type ToolResult struct {
	Status   string `json:"status"`
	Result   any    `json:"result,omitempty"`
	Message  string `json:"message,omitempty"`
	NewSeeds []Seed `json:"new_seeds,omitempty"` // inputs discovered by solver-style tools
}

// OK reports whether the tool succeeded.
func (r ToolResult) OK() bool {
	return r.Status == ToolSuccess
}

// ============================================================================
// Seeds
// ============================================================================

// Seed is a fuzzing corpus input. Content travels base64 encoded.
type Seed struct {
	Filename   string `json:"filename"`
	ContentB64 string `json:"content_b64"`
}

// ============================================================================
// Jobs
// ============================================================================

// JobID uniquely identifies a job.
type JobID string

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	StatusPending   JobStatus = "PENDING"   // queued, waiting for a worker
	StatusRunning   JobStatus = "RUNNING"   // assigned to exactly one worker
	StatusPaused    JobStatus = "PAUSED"    // preempted, checkpoint kept, back in the queue
	StatusCompleted JobStatus = "COMPLETED" // reported done by the worker side
	StatusFailed    JobStatus = "FAILED"    // reported failed, or gave up after repeated start failures
)

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is a preemptible unit of GPU work.
type Job struct {
	ID       JobID          `json:"id"`
	Payload  map[string]any `json:"payload"`  // opaque to the scheduler, e.g. hash + mode + wordlist
	Priority int            `json:"priority"` // higher runs first

	Status     JobStatus `json:"status"`
	WorkerID   string    `json:"worker_id,omitempty"`  // set iff Status == RUNNING
	Checkpoint string    `json:"checkpoint,omitempty"` // base64 blob from the last suspension

	Attempts    int    `json:"attempts"`    // failed start attempts
	Preemptions int    `json:"preemptions"` // times suspended for a higher priority job
	Result      string `json:"result,omitempty"`
	Error       string `json:"error,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// JobSpec is what a worker receives when asked to start (or resume) a job.
type JobSpec struct {
	JobID      JobID          `json:"job_id"`
	Payload    map[string]any `json:"payload"`
	Checkpoint string         `json:"checkpoint,omitempty"` // non-empty on resume
}
