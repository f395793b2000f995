// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package grpcgroup

import (
	"context"
	"strconv"

	"github.com/monkfish/lvd/pkg/core/collective"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// CoordinatorServer is the server API of the coordinator service.
type CoordinatorServer interface {
	Exchange(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*CoordinatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Exchange", Handler: exchangeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "collective.proto",
}

func exchangeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CoordinatorServer).Exchange(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: exchangeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CoordinatorServer).Exchange(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// coordinatorServer serves the hub to remote processes.
type coordinatorServer struct {
	hub   *collective.Hub
	jobID string
}

func firstValue(md metadata.MD, key string) string {
	if values := md.Get(key); len(values) > 0 {
		return values[0]
	}
	return ""
}

// Exchange implements CoordinatorServer.
func (s *coordinatorServer) Exchange(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "missing collective metadata")
	}
	if job := firstValue(md, mdJob); job != s.jobID {
		return nil, status.Errorf(codes.PermissionDenied, "call from job %q, coordinator serves job %q", job, s.jobID)
	}
	op, err := collective.ParseOp(firstValue(md, mdOp))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	key := firstValue(md, mdKey)
	if key == "" {
		return nil, status.Error(codes.InvalidArgument, "missing collective key")
	}
	rank, err := strconv.Atoi(firstValue(md, mdRank))
	if err != nil || rank <= 0 || rank >= s.hub.Size() {
		return nil, status.Errorf(codes.InvalidArgument, "invalid rank %q", firstValue(md, mdRank))
	}
	out, err := s.hub.Exchange(ctx, op, key, rank, in.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Bytes(out), nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, collective.ErrMismatch):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, collective.ErrClosed):
		return status.Error(codes.Unavailable, collective.ErrClosed.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
