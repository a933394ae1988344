package worker

import (
	"context"
	"errors"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/swarm-coordinator/pkg/types"
)

// Server exposes any Worker as swarm.v1.WorkerService.
type Server struct {
	worker Worker
	logger *slog.Logger
}

// NewServer creates a gRPC service for w.
func NewServer(w Worker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{worker: w, logger: logger}
}

// GetStatus handles GetStatus.
func (s *Server) GetStatus(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	st, err := s.worker.Status(ctx)
	if err != nil {
		return nil, s.toStatus(methodGetStatus, err)
	}
	return toStruct(st)
}

// ExecuteTool handles ExecuteTool.
func (s *Server) ExecuteTool(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req executeToolRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if req.Name == "" {
		return nil, status.Error(codes.InvalidArgument, "tool name is required")
	}
	res, err := s.worker.ExecuteTool(ctx, req.Name, req.Args)
	if err != nil {
		return nil, s.toStatus(methodExecuteTool, err)
	}
	return toStruct(res)
}

// FetchSeeds handles FetchSeeds.
func (s *Server) FetchSeeds(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req fetchSeedsRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	seeds, err := s.worker.FetchSeeds(ctx, req.ContainerRef)
	if err != nil {
		return nil, s.toStatus(methodFetchSeeds, err)
	}
	return toStruct(seedsResponse{Seeds: seeds})
}

// InjectSeeds handles InjectSeeds.
func (s *Server) InjectSeeds(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req injectSeedsRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	n, err := s.worker.InjectSeeds(ctx, req.ContainerRef, req.Seeds)
	if err != nil {
		return nil, s.toStatus(methodInjectSeeds, err)
	}
	return toStruct(injectSeedsResponse{Written: n})
}

// StartJob handles StartJob.
func (s *Server) StartJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var spec types.JobSpec
	if err := fromStruct(in, &spec); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if spec.JobID == "" {
		return nil, status.Error(codes.InvalidArgument, "job_id is required")
	}
	ok, err := s.worker.StartJob(ctx, spec)
	if err != nil {
		return nil, s.toStatus(methodStartJob, err)
	}
	return toStruct(startJobResponse{Started: ok})
}

// PauseJob handles PauseJob.
func (s *Server) PauseJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req pauseJobRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	cp, err := s.worker.PauseJob(ctx, req.JobID)
	if err != nil {
		return nil, s.toStatus(methodPauseJob, err)
	}
	return toStruct(pauseJobResponse{Checkpoint: cp})
}

var _ WorkerServiceServer = (*Server)(nil)

func (s *Server) toStatus(method string, err error) error {
	s.logger.Warn("Worker call failed", "method", method, "error", err)

	var code codes.Code
	switch {
	case errors.Is(err, ErrUnknownTool):
		code = codes.NotFound
	case errors.Is(err, ErrJobRunning):
		code = codes.AlreadyExists
	case errors.Is(err, ErrNoCorpus):
		return status.Error(codes.FailedPrecondition, ErrNoCorpus.Error())
	case errors.Is(err, ErrJobNotRunning):
		code = codes.FailedPrecondition
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}
