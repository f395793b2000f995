// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package collective implements the process group used to coordinate a fixed set of processes:
// named barriers, broadcast, scatter and gather of opaque byte payloads.
//
// Process 0 is the coordinator (the root of every collective). Every collective is a rendezvous:
// it completes only when all processes of the group called it. Calls are matched by name and by
// order: the n-th collective called by a process is matched with the n-th collective called by
// every other process. Processes that call collectives in different orders will block forever or,
// when the mismatch is detected, fail with ErrMismatch.
//
// There are no timeouts: use context cancellation to abandon a collective.
//
// Two implementations are provided: NewLocalGroups, for processes simulated by goroutines (tests
// and single host jobs), and the grpcgroup sub-package, for processes on different hosts.
package collective

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// Group of processes taking part in collectives. Implementations are safe for concurrent use,
// but collectives issued concurrently by the same process have no defined order.
type Group interface {
	// Rank of this process in the group, from 0 to Size()-1. Rank 0 is the coordinator.
	Rank() int

	// Size is the number of processes in the group.
	Size() int

	// Barrier blocks until all processes reached the barrier with the same name.
	Barrier(ctx context.Context, name string) error

	// Broadcast returns the payload given by the coordinator to all processes.
	// The payload of the other processes is ignored.
	Broadcast(ctx context.Context, name string, payload []byte) ([]byte, error)

	// Scatter sends payloads[rank] to each process. Only the coordinator's payloads are used,
	// and it must provide exactly Size() of them.
	Scatter(ctx context.Context, name string, payloads [][]byte) ([]byte, error)

	// Gather returns the payloads of all processes, indexed by rank, on the coordinator.
	// Other processes receive nil.
	Gather(ctx context.Context, name string, payload []byte) ([][]byte, error)

	// Close releases the resources of the group. No collectives can be called afterwards.
	Close() error
}

// ErrMismatch is returned when processes are detected calling different collectives at the same point.
var ErrMismatch = errors.New("collective mismatch")

// ErrClosed is returned by collectives called on a closed group.
var ErrClosed = errors.New("process group closed")

// Op enumerates the collective operations.
type Op uint8

const (
	OpBarrier Op = iota
	OpBroadcast
	OpScatter
	OpGather
)

// String implements fmt.Stringer.
func (op Op) String() string {
	switch op {
	case OpBarrier:
		return "barrier"
	case OpBroadcast:
		return "broadcast"
	case OpScatter:
		return "scatter"
	case OpGather:
		return "gather"
	default:
		return fmt.Sprintf("Op(%d)", uint8(op))
	}
}

// ParseOp converts the result of Op.String back to an Op.
func ParseOp(s string) (Op, error) {
	for op := OpBarrier; op <= OpGather; op++ {
		if op.String() == s {
			return op, nil
		}
	}
	return 0, errors.Errorf("unknown collective operation %q", s)
}

// CallKey returns the key that identifies the seq-th collective with the given name.
func CallKey(name string, seq uint64) string {
	return fmt.Sprintf("%s#%d", name, seq)
}

// EncodeParts packs a list of payloads into one: a uint32 count, followed by a uint64 length and the
// bytes of each part, all little-endian. A nil part and an empty part are encoded the same way.
func EncodeParts(parts [][]byte) []byte {
	size := 4
	for _, part := range parts {
		size += 8 + len(part)
	}
	buf := make([]byte, 0, size)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(parts)))
	for _, part := range parts {
		buf = binary.LittleEndian.AppendUint64(buf, uint64(len(part)))
		buf = append(buf, part...)
	}
	return buf
}

// DecodeParts unpacks payloads packed with EncodeParts. The returned parts alias data.
func DecodeParts(data []byte) ([][]byte, error) {
	if len(data) < 4 {
		return nil, errors.Errorf("invalid parts encoding: %d bytes", len(data))
	}
	count := int(binary.LittleEndian.Uint32(data))
	data = data[4:]
	if count > len(data)/8 {
		return nil, errors.Errorf("invalid parts encoding: %d parts in %d bytes", count, len(data))
	}
	parts := make([][]byte, count)
	for ii := range parts {
		if len(data) < 8 {
			return nil, errors.Errorf("invalid parts encoding: truncated header of part %d", ii)
		}
		length := binary.LittleEndian.Uint64(data)
		data = data[8:]
		if length > uint64(len(data)) {
			return nil, errors.Errorf("invalid parts encoding: part %d has %d bytes, only %d available",
				ii, length, len(data))
		}
		parts[ii] = data[:length:length]
		data = data[length:]
	}
	if len(data) != 0 {
		return nil, errors.Errorf("invalid parts encoding: %d trailing bytes", len(data))
	}
	return parts, nil
}
