// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package collective

import (
	"context"
	"sync"

	"github.com/monkfish/lvd/pkg/support/xsync"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Hub is the rendezvous point of a group: it collects the contributions of all processes for each
// collective call and computes what each process receives.
//
// A Hub lives in the coordinator process. Local groups call it directly, the grpcgroup server calls it
// on behalf of remote processes.
type Hub struct {
	size int

	mu     sync.Mutex
	rounds map[string]*round
	closed bool
}

// round is one collective call, identified by its key.
type round struct {
	op       Op
	inputs   [][]byte
	arrived  []bool
	numReady int

	// seen marks the ranks that called the round, whether or not it failed. A failed round is forgotten once
	// every rank saw it.
	seen    []bool
	numSeen int
	done     *xsync.Latch
	outputs  [][]byte
	err      error
}

// NewHub creates a Hub for a group of size processes.
func NewHub(size int) *Hub {
	if size <= 0 {
		panic(errors.Errorf("collective.NewHub(%d): size must be positive", size))
	}
	return &Hub{size: size, rounds: make(map[string]*round)}
}

// Size of the group served by the hub.
func (h *Hub) Size() int { return h.size }

// Exchange contributes payload from process rank to the collective op identified by key, and blocks until
// every process contributed, returning what rank receives.
func (h *Hub) Exchange(ctx context.Context, op Op, key string, rank int, payload []byte) ([]byte, error) {
	if rank < 0 || rank >= h.size {
		return nil, errors.Errorf("invalid rank %d for group of size %d", rank, h.size)
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	r, found := h.rounds[key]
	if !found {
		r = &round{
			op:      op,
			inputs:  make([][]byte, h.size),
			arrived: make([]bool, h.size),
			seen:    make([]bool, h.size),
			done:    xsync.NewLatch(),
		}
		h.rounds[key] = r
	}
	if !r.seen[rank] {
		r.seen[rank] = true
		r.numSeen++
	}
	switch {
	case r.err != nil:
		// Round already failed, nothing to record.
	case r.op != op:
		r.err = errors.Wrapf(ErrMismatch, "process %d called %s(%q) while others called %s", rank, op, key, r.op)
		r.done.Trigger()
	case r.arrived[rank]:
		r.err = errors.Wrapf(ErrMismatch, "process %d called %s(%q) twice", rank, op, key)
		r.done.Trigger()
	default:
		r.arrived[rank] = true
		r.inputs[rank] = payload
		r.numReady++
		if r.numReady == h.size {
			r.outputs, r.err = r.complete(h.size)
			delete(h.rounds, key)
			r.done.Trigger()
		}
	}
	if r.err != nil && r.numSeen == h.size {
		delete(h.rounds, key)
	}
	h.mu.Unlock()

	if err := r.done.WaitContext(ctx); err != nil {
		return nil, errors.Wrapf(err, "%s(%q) interrupted on process %d", op, key, rank)
	}
	if r.err != nil {
		return nil, r.err
	}
	return r.outputs[rank], nil
}

// Pending returns the number of collective calls the hub is tracking: those still waiting for some process,
// and failed ones not yet seen by every process.
func (h *Hub) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rounds)
}

// complete computes the outputs of a round once all inputs arrived.
func (r *round) complete(size int) ([][]byte, error) {
	outputs := make([][]byte, size)
	switch r.op {
	case OpBarrier:
	case OpBroadcast:
		for rank := range outputs {
			outputs[rank] = r.inputs[0]
		}
	case OpScatter:
		parts, err := DecodeParts(r.inputs[0])
		if err != nil {
			return nil, errors.WithMessage(err, "scatter payload from coordinator")
		}
		if len(parts) != size {
			return nil, errors.Errorf("scatter requires %d payloads from the coordinator, got %d", size, len(parts))
		}
		copy(outputs, parts)
	case OpGather:
		outputs[0] = EncodeParts(r.inputs)
	default:
		return nil, errors.Errorf("unknown collective operation %s", r.op)
	}
	return outputs, nil
}

// Close fails all pending collectives with ErrClosed, and any future ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for key, r := range h.rounds {
		if r.err == nil {
			r.err = ErrClosed
		}
		r.done.Trigger()
		if klog.V(1).Enabled() {
			klog.Infof("collective hub closed with %s(%q) pending", r.op, key)
		}
	}
	h.rounds = nil
}
