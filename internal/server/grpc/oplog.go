package grpcserver

import (
	"context"
	"encoding/json"

	"github.com/cockroachdb/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rzbill/golem-oplog/internal/metadata"
	"github.com/rzbill/golem-oplog/internal/oplog"
	"github.com/rzbill/golem-oplog/internal/publicoplog"
	"github.com/rzbill/golem-oplog/internal/runtime"
	workerstatus "github.com/rzbill/golem-oplog/internal/status"
	"github.com/rzbill/golem-oplog/pkg/log"
)

const oplogServiceName = "oplog.v1.OplogService"

// The oplog service exchanges google.protobuf.Struct messages. Requests
// carry "worker" as project/component/name plus method specific fields;
// responses are the JSON form of the HTTP gateway's results.
var oplogServiceDesc = grpc.ServiceDesc{
	ServiceName: oplogServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetOplog", Handler: unary("GetOplog", (*oplogSvc).getOplog)},
		{MethodName: "SearchOplog", Handler: unary("SearchOplog", (*oplogSvc).searchOplog)},
		{MethodName: "GetStatus", Handler: unary("GetStatus", (*oplogSvc).getStatus)},
		{MethodName: "ArchiveOplog", Handler: unary("ArchiveOplog", (*oplogSvc).archiveOplog)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "oplog/v1/oplog.proto",
}

type oplogSvc struct {
	rt  *runtime.Runtime
	log log.Logger
}

type method func(*oplogSvc, context.Context, *structpb.Struct) (any, error)

func unary(name string, m method) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		svc := srv.(*oplogSvc)
		call := func(ctx context.Context, req any) (any, error) {
			out, err := m(svc, ctx, req.(*structpb.Struct))
			if err != nil {
				return nil, toStatus(err)
			}
			return toStruct(out)
		}
		if interceptor == nil {
			return call(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + oplogServiceName + "/" + name}
		return interceptor(ctx, in, info, call)
	}
}

func (s *oplogSvc) getOplog(ctx context.Context, req *structpb.Struct) (any, error) {
	owned, err := workerOf(req)
	if err != nil {
		return nil, err
	}
	return s.rt.Public().Get(ctx, owned, str(req, "cursor"), oplog.Index(num(req, "from")), int(num(req, "count")))
}

func (s *oplogSvc) searchOplog(ctx context.Context, req *structpb.Struct) (any, error) {
	owned, err := workerOf(req)
	if err != nil {
		return nil, err
	}
	return s.rt.Public().Search(ctx, owned, str(req, "query"), str(req, "cursor"), int(num(req, "count")))
}

func (s *oplogSvc) getStatus(ctx context.Context, req *structpb.Struct) (any, error) {
	owned, err := workerOf(req)
	if err != nil {
		return nil, err
	}
	return s.rt.Status(ctx, owned)
}

func (s *oplogSvc) archiveOplog(ctx context.Context, req *structpb.Struct) (any, error) {
	owned, err := workerOf(req)
	if err != nil {
		return nil, err
	}
	steps, err := s.rt.Archive(ctx, owned)
	if err != nil {
		return nil, err
	}
	return map[string]any{"steps": steps}, nil
}

func workerOf(req *structpb.Struct) (oplog.OwnedWorkerID, error) {
	owned, err := oplog.ParseOwnedWorkerID(str(req, "worker"))
	if err != nil {
		return oplog.OwnedWorkerID{}, status.Error(codes.InvalidArgument, err.Error())
	}
	return owned, nil
}

func str(req *structpb.Struct, key string) string {
	return req.GetFields()[key].GetStringValue()
}

func num(req *structpb.Struct, key string) uint64 {
	v := req.GetFields()[key].GetNumberValue()
	if v < 0 {
		return 0
	}
	return uint64(v)
}

// toStruct converts a result through its JSON form.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return structpb.NewStruct(m)
}

func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, metadata.ErrNotFound), errors.Is(err, workerstatus.ErrNoOplog):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, publicoplog.ErrInvalidCursor):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
