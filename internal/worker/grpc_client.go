package worker

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/swarm-coordinator/pkg/types"
)

// RemoteWorker is the Worker adapter for a node reached over gRPC.
type RemoteWorker struct {
	conn   grpc.ClientConnInterface
	nodeID string
}

// NewRemoteWorker wraps an established connection to a worker Server.
func NewRemoteWorker(conn grpc.ClientConnInterface, nodeID string) *RemoteWorker {
	return &RemoteWorker{conn: conn, nodeID: nodeID}
}

// NodeID returns the node identity the worker was registered under.
func (r *RemoteWorker) NodeID() string { return r.nodeID }

func (r *RemoteWorker) invoke(ctx context.Context, method string, req, resp any) error {
	in, err := toStruct(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := r.conn.Invoke(ctx, fullMethodName(method), in, out); err != nil {
		return fmt.Errorf("rpc %s failed: %w", method, fromStatus(err))
	}
	return fromStruct(out, resp)
}

// Status implements Worker.
func (r *RemoteWorker) Status(ctx context.Context) (types.NodeStatus, error) {
	var st types.NodeStatus
	if err := r.invoke(ctx, methodGetStatus, struct{}{}, &st); err != nil {
		return types.NodeStatus{}, err
	}
	return st, nil
}

// ExecuteTool implements Worker.
func (r *RemoteWorker) ExecuteTool(ctx context.Context, name string, args map[string]any) (types.ToolResult, error) {
	var res types.ToolResult
	if err := r.invoke(ctx, methodExecuteTool, executeToolRequest{Name: name, Args: args}, &res); err != nil {
		return types.ToolResult{}, err
	}
	return res, nil
}

// FetchSeeds implements Worker.
func (r *RemoteWorker) FetchSeeds(ctx context.Context, containerRef string) ([]types.Seed, error) {
	var resp seedsResponse
	if err := r.invoke(ctx, methodFetchSeeds, fetchSeedsRequest{ContainerRef: containerRef}, &resp); err != nil {
		return nil, err
	}
	return resp.Seeds, nil
}

// InjectSeeds implements Worker.
func (r *RemoteWorker) InjectSeeds(ctx context.Context, containerRef string, seeds []types.Seed) (int, error) {
	var resp injectSeedsResponse
	req := injectSeedsRequest{ContainerRef: containerRef, Seeds: seeds}
	if err := r.invoke(ctx, methodInjectSeeds, req, &resp); err != nil {
		return 0, err
	}
	return resp.Written, nil
}

// StartJob implements Worker.
func (r *RemoteWorker) StartJob(ctx context.Context, spec types.JobSpec) (bool, error) {
	var resp startJobResponse
	if err := r.invoke(ctx, methodStartJob, spec, &resp); err != nil {
		return false, err
	}
	return resp.Started, nil
}

// PauseJob implements Worker.
func (r *RemoteWorker) PauseJob(ctx context.Context, jobID types.JobID) (string, error) {
	var resp pauseJobResponse
	if err := r.invoke(ctx, methodPauseJob, pauseJobRequest{JobID: jobID}, &resp); err != nil {
		return "", err
	}
	return resp.Checkpoint, nil
}

var _ Worker = (*RemoteWorker)(nil)

// fromStatus restores the worker sentinel errors carried by a gRPC status.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	var sentinel error
	switch st.Code() {
	case codes.NotFound:
		sentinel = ErrUnknownTool
	case codes.AlreadyExists:
		sentinel = ErrJobRunning
	case codes.FailedPrecondition:
		if st.Message() == ErrNoCorpus.Error() {
			sentinel = ErrNoCorpus
		} else {
			sentinel = ErrJobNotRunning
		}
	case codes.DeadlineExceeded:
		sentinel = context.DeadlineExceeded
	case codes.Canceled:
		sentinel = context.Canceled
	}
	if sentinel == nil {
		return err
	}
	return errors.Join(sentinel, err)
}
