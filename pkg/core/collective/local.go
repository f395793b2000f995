// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package collective

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"
)

// LocalGroup is a Group whose processes live in the same Go program, usually one goroutine per rank.
// It is used to simulate multi-process topologies in tests, and for single process jobs.
type LocalGroup struct {
	hub    *Hub
	rank   int
	seq    atomic.Uint64
	closed atomic.Bool
}

var _ Group = (*LocalGroup)(nil)

// NewLocalGroups returns the size members of a new in-process group, indexed by rank.
func NewLocalGroups(size int) []*LocalGroup {
	hub := NewHub(size)
	groups := make([]*LocalGroup, size)
	for rank := range groups {
		groups[rank] = &LocalGroup{hub: hub, rank: rank}
	}
	return groups
}

// Single returns a group with only one process, the coordinator.
func Single() *LocalGroup {
	return NewLocalGroups(1)[0]
}

// Rank implements Group.
func (g *LocalGroup) Rank() int { return g.rank }

// Size implements Group.
func (g *LocalGroup) Size() int { return g.hub.Size() }

func (g *LocalGroup) exchange(ctx context.Context, op Op, name string, payload []byte) ([]byte, error) {
	if g.closed.Load() {
		return nil, ErrClosed
	}
	return g.hub.Exchange(ctx, op, CallKey(name, g.seq.Add(1)), g.rank, payload)
}

// Barrier implements Group.
func (g *LocalGroup) Barrier(ctx context.Context, name string) error {
	_, err := g.exchange(ctx, OpBarrier, name, nil)
	return err
}

// Broadcast implements Group.
func (g *LocalGroup) Broadcast(ctx context.Context, name string, payload []byte) ([]byte, error) {
	if g.rank != 0 {
		payload = nil
	}
	return g.exchange(ctx, OpBroadcast, name, payload)
}

// Scatter implements Group.
func (g *LocalGroup) Scatter(ctx context.Context, name string, payloads [][]byte) ([]byte, error) {
	var packed []byte
	if g.rank == 0 {
		if len(payloads) != g.Size() {
			return nil, errors.Errorf("Scatter(%q) requires %d payloads, got %d", name, g.Size(), len(payloads))
		}
		packed = EncodeParts(payloads)
	}
	return g.exchange(ctx, OpScatter, name, packed)
}

// Gather implements Group.
func (g *LocalGroup) Gather(ctx context.Context, name string, payload []byte) ([][]byte, error) {
	packed, err := g.exchange(ctx, OpGather, name, payload)
	if err != nil || g.rank != 0 {
		return nil, err
	}
	return DecodeParts(packed)
}

// Close implements Group. Closing the coordinator's member closes the hub, failing pending collectives.
func (g *LocalGroup) Close() error {
	if g.closed.Swap(true) {
		return nil
	}
	if g.rank == 0 {
		g.hub.Close()
	}
	return nil
}
