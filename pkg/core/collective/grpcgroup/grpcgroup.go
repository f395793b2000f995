// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package grpcgroup implements a collective.Group for processes running on different hosts.
//
// The coordinator (rank 0) runs a collective.Hub and serves it with a gRPC service. The other processes
// are gRPC clients: each collective is one unary call that returns when all processes arrived.
//
// The service uses only protobuf well-known types (wrapperspb.BytesValue), with the collective
// operation, key and rank carried as request metadata, so no generated code is needed.
package grpcgroup

import (
	"context"
	"net"
	"strconv"
	"sync/atomic"

	"github.com/monkfish/lvd/pkg/core/collective"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
	"k8s.io/klog/v2"
)

const (
	serviceName    = "lvd.collective.Coordinator"
	exchangeMethod = "/" + serviceName + "/Exchange"

	mdOp   = "x-collective-op"
	mdKey  = "x-collective-key"
	mdRank = "x-collective-rank"
	mdJob  = "x-collective-job"

	// DefaultMaxMessageSize is the default limit of a gRPC message: shards of large arrays travel in one message.
	DefaultMaxMessageSize = 1 << 30
)

// Config of a process joining a group.
type Config struct {
	// Address of the coordinator, e.g. "10.0.0.1:7777". The coordinator listens on it,
	// unless Listener is given.
	Address string

	// Rank and Size of the group.
	Rank, Size int

	// JobID, if set, must be the same on all processes: calls from processes of a different job are rejected.
	JobID string

	// MaxMessageSize in bytes. Defaults to DefaultMaxMessageSize.
	MaxMessageSize int

	// Listener used by the coordinator instead of listening on Address. Optional.
	Listener net.Listener
}

// Group is a collective.Group over gRPC.
type Group struct {
	config Config
	seq    atomic.Uint64
	closed atomic.Bool

	// Coordinator only.
	hub    *collective.Hub
	server *grpc.Server

	// Other processes only.
	conn *grpc.ClientConn
}

var _ collective.Group = (*Group)(nil)

// Connect joins the group described by config. On the coordinator it starts the gRPC server.
//
// Connect doesn't wait for the other processes: the first collective does. Clients wait for the
// coordinator to come up, so processes can be started in any order.
func Connect(config Config) (*Group, error) {
	if config.Size <= 0 || config.Rank < 0 || config.Rank >= config.Size {
		return nil, errors.Errorf("grpcgroup: invalid rank %d for group of size %d", config.Rank, config.Size)
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}
	g := &Group{config: config}
	if config.Rank == 0 {
		if err := g.startServer(); err != nil {
			return nil, err
		}
		return g, nil
	}
	if config.Address == "" {
		return nil, errors.New("grpcgroup: coordinator address not given")
	}
	conn, err := grpc.NewClient(config.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.WaitForReady(true),
			grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
			grpc.MaxCallSendMsgSize(config.MaxMessageSize)))
	if err != nil {
		return nil, errors.Wrapf(err, "grpcgroup: failed to create client for coordinator at %q", config.Address)
	}
	g.conn = conn
	return g, nil
}

func (g *Group) startServer() error {
	lis := g.config.Listener
	if lis == nil {
		var err error
		lis, err = net.Listen("tcp", g.config.Address)
		if err != nil {
			return errors.Wrapf(err, "grpcgroup: coordinator failed to listen on %q", g.config.Address)
		}
	}
	g.hub = collective.NewHub(g.config.Size)
	g.server = grpc.NewServer(
		grpc.MaxRecvMsgSize(g.config.MaxMessageSize),
		grpc.MaxSendMsgSize(g.config.MaxMessageSize))
	g.server.RegisterService(&serviceDesc, &coordinatorServer{hub: g.hub, jobID: g.config.JobID})
	klog.Infof("grpcgroup: coordinator serving %d processes on %s", g.config.Size, lis.Addr())
	go func() {
		if err := g.server.Serve(lis); err != nil {
			klog.Errorf("grpcgroup: coordinator server stopped: %+v", err)
		}
	}()
	return nil
}

// Rank implements collective.Group.
func (g *Group) Rank() int { return g.config.Rank }

// Size implements collective.Group.
func (g *Group) Size() int { return g.config.Size }

func (g *Group) exchange(ctx context.Context, op collective.Op, name string, payload []byte) ([]byte, error) {
	if g.closed.Load() {
		return nil, collective.ErrClosed
	}
	key := collective.CallKey(name, g.seq.Add(1))
	if g.hub != nil {
		return g.hub.Exchange(ctx, op, key, g.config.Rank, payload)
	}
	ctx = metadata.AppendToOutgoingContext(ctx,
		mdOp, op.String(),
		mdKey, key,
		mdRank, strconv.Itoa(g.config.Rank),
		mdJob, g.config.JobID)
	out := new(wrapperspb.BytesValue)
	if err := g.conn.Invoke(ctx, exchangeMethod, wrapperspb.Bytes(payload), out); err != nil {
		return nil, fromStatus(err, op, key)
	}
	return out.GetValue(), nil
}

// fromStatus converts gRPC errors back to the collective package errors.
func fromStatus(err error, op collective.Op, key string) error {
	st, ok := status.FromError(err)
	if !ok {
		return errors.Wrapf(err, "%s(%q) failed", op, key)
	}
	switch st.Code() {
	case codes.FailedPrecondition:
		return errors.Wrap(collective.ErrMismatch, st.Message())
	case codes.Unavailable:
		if st.Message() == collective.ErrClosed.Error() {
			return collective.ErrClosed
		}
	case codes.Canceled:
		return errors.Wrapf(context.Canceled, "%s(%q)", op, key)
	case codes.DeadlineExceeded:
		return errors.Wrapf(context.DeadlineExceeded, "%s(%q)", op, key)
	}
	return errors.Wrapf(err, "%s(%q) failed", op, key)
}

// Barrier implements collective.Group.
func (g *Group) Barrier(ctx context.Context, name string) error {
	_, err := g.exchange(ctx, collective.OpBarrier, name, nil)
	return err
}

// Broadcast implements collective.Group.
func (g *Group) Broadcast(ctx context.Context, name string, payload []byte) ([]byte, error) {
	if g.config.Rank != 0 {
		payload = nil
	}
	return g.exchange(ctx, collective.OpBroadcast, name, payload)
}

// Scatter implements collective.Group.
func (g *Group) Scatter(ctx context.Context, name string, payloads [][]byte) ([]byte, error) {
	var packed []byte
	if g.config.Rank == 0 {
		if len(payloads) != g.Size() {
			return nil, errors.Errorf("Scatter(%q) requires %d payloads, got %d", name, g.Size(), len(payloads))
		}
		packed = collective.EncodeParts(payloads)
	}
	return g.exchange(ctx, collective.OpScatter, name, packed)
}

// Gather implements collective.Group.
func (g *Group) Gather(ctx context.Context, name string, payload []byte) ([][]byte, error) {
	packed, err := g.exchange(ctx, collective.OpGather, name, payload)
	if err != nil || g.config.Rank != 0 {
		return nil, err
	}
	return collective.DecodeParts(packed)
}

// Close implements collective.Group. On the coordinator it first fails the pending collectives with
// collective.ErrClosed, so the in-flight calls of the other processes return before the server stops.
func (g *Group) Close() error {
	if g.closed.Swap(true) {
		return nil
	}
	if g.server != nil {
		g.hub.Close()
		g.server.GracefulStop()
		return nil
	}
	return errors.Wrap(g.conn.Close(), "grpcgroup: closing connection to coordinator")
}
