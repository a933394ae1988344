// ============================================================================
// Swarm Worker - gRPC Service Definition
// ============================================================================
//
// Package: internal/worker
// File: rpc.go
// Purpose: Wire contract of swarm.v1.WorkerService.
//
// Every request and response is a google.protobuf.Struct carrying the JSON
// form of the Go types in pkg/types, so the service needs no generated code:
//
//   GetStatus    {}                              -> NodeStatus
//   ExecuteTool  {name, args}                    -> ToolResult
//   FetchSeeds   {container_ref}                 -> {seeds}
//   InjectSeeds  {container_ref, seeds}          -> {written}
//   StartJob     JobSpec                         -> {started}
//   PauseJob     {job_id}                        -> {checkpoint}
//
// ============================================================================

package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/swarm-coordinator/pkg/types"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "swarm.v1.WorkerService"

const (
	methodGetStatus   = "GetStatus"
	methodExecuteTool = "ExecuteTool"
	methodFetchSeeds  = "FetchSeeds"
	methodInjectSeeds = "InjectSeeds"
	methodStartJob    = "StartJob"
	methodPauseJob    = "PauseJob"
)

// WorkerServiceServer is the server API for swarm.v1.WorkerService.
type WorkerServiceServer interface {
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ExecuteTool(context.Context, *structpb.Struct) (*structpb.Struct, error)
	FetchSeeds(context.Context, *structpb.Struct) (*structpb.Struct, error)
	InjectSeeds(context.Context, *structpb.Struct) (*structpb.Struct, error)
	StartJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PauseJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterWorkerServiceServer attaches srv to a gRPC server.
func RegisterWorkerServiceServer(s grpc.ServiceRegistrar, srv WorkerServiceServer) {
	s.RegisterService(&WorkerServiceDesc, srv)
}

// WorkerServiceDesc is the grpc.ServiceDesc for swarm.v1.WorkerService.
var WorkerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*WorkerServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: methodGetStatus, Handler: unaryHandler(methodGetStatus, WorkerServiceServer.GetStatus)},
		{MethodName: methodExecuteTool, Handler: unaryHandler(methodExecuteTool, WorkerServiceServer.ExecuteTool)},
		{MethodName: methodFetchSeeds, Handler: unaryHandler(methodFetchSeeds, WorkerServiceServer.FetchSeeds)},
		{MethodName: methodInjectSeeds, Handler: unaryHandler(methodInjectSeeds, WorkerServiceServer.InjectSeeds)},
		{MethodName: methodStartJob, Handler: unaryHandler(methodStartJob, WorkerServiceServer.StartJob)},
		{MethodName: methodPauseJob, Handler: unaryHandler(methodPauseJob, WorkerServiceServer.PauseJob)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "swarm/v1/worker.proto",
}

type unaryMethod func(WorkerServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call unaryMethod) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := fullMethodName(method)
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(WorkerServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(WorkerServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func fullMethodName(method string) string {
	return "/" + ServiceName + "/" + method
}

// ============================================================================
// Messages
// ============================================================================

type executeToolRequest struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type fetchSeedsRequest struct {
	ContainerRef string `json:"container_ref"`
}

type seedsResponse struct {
	Seeds []types.Seed `json:"seeds"`
}

type injectSeedsRequest struct {
	ContainerRef string       `json:"container_ref"`
	Seeds        []types.Seed `json:"seeds"`
}

type injectSeedsResponse struct {
	Written int `json:"written"`
}

type startJobResponse struct {
	Started bool `json:"started"`
}

type pauseJobRequest struct {
	JobID types.JobID `json:"job_id"`
}

type pauseJobResponse struct {
	Checkpoint string `json:"checkpoint"`
}

// toStruct encodes v through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(b, s); err != nil {
		return nil, fmt.Errorf("failed to build struct: %w", err)
	}
	return s, nil
}

// fromStruct decodes s into v through its JSON form.
func fromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		s = &structpb.Struct{}
	}
	b, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to read struct: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	return nil
}
