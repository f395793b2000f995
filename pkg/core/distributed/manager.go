// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"context"
	"math/rand/v2"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/monkfish/lvd/pkg/core/collective"
	"github.com/monkfish/lvd/pkg/core/dtypes"
	"github.com/monkfish/lvd/pkg/core/pytree"
	"github.com/monkfish/lvd/pkg/core/shapes"
	"github.com/monkfish/lvd/pkg/core/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/distuv"
	"k8s.io/klog/v2"
)

// Manager moves values between the coordinator's host and the devices of a mesh.
//
// Every process of the job creates its own Manager over the same mesh shape, and calls its collective
// methods (Scatter, Gather, InitRandomArray, Key, Zeros, ScatterTree, GatherTree) in the same order, with the
// same arguments: the only argument allowed to differ is the host value, which is only read on the coordinator.
// Calling them in different orders, or only on some processes, blocks the job.
type Manager struct {
	topology *Topology
	mesh     *DeviceMesh
	group    collective.Group
}

// NewManager creates a Manager for mesh, communicating through group.
// The group's rank and size must match the process index and count of the mesh's topology.
func NewManager(group collective.Group, mesh *DeviceMesh) (*Manager, error) {
	if group == nil || mesh == nil {
		return nil, configErrorf("NewManager requires a process group and a mesh")
	}
	topology := mesh.Topology()
	if group.Rank() != topology.ProcessIndex() || group.Size() != topology.ProcessCount() {
		return nil, configErrorf("process group rank %d of %d doesn't match %s",
			group.Rank(), group.Size(), topology)
	}
	return &Manager{topology: topology, mesh: mesh, group: group}, nil
}

// Mesh managed.
func (m *Manager) Mesh() *DeviceMesh { return m.mesh }

// Topology of the mesh.
func (m *Manager) Topology() *Topology { return m.topology }

// Group used for the collectives.
func (m *Manager) Group() collective.Group { return m.group }

// IsCoordinator returns whether this is the coordinator process.
func (m *Manager) IsCoordinator() bool { return m.topology.IsCoordinator() }

// Sharding binds spec to the managed mesh. See DeviceMesh.Sharding.
func (m *Manager) Sharding(spec *PartitionSpec) (*NamedSharding, error) {
	return m.mesh.Sharding(spec)
}

// UniformSharding is the fully replicated sharding of the managed mesh.
func (m *Manager) UniformSharding() *NamedSharding {
	return m.mesh.UniformSharding()
}

// OnlyCoordinator is a capability held only by the coordinator process. Operations that must be executed by
// a single process, like writing checkpoints, require it.
type OnlyCoordinator struct {
	manager *Manager
}

// Valid returns whether the token was issued by Manager.Coordinator.
func (c OnlyCoordinator) Valid() bool { return c.manager != nil }

// Coordinator returns the OnlyCoordinator token. It returns ok=false on every process but the coordinator.
func (m *Manager) Coordinator() (token OnlyCoordinator, ok bool) {
	if !m.IsCoordinator() {
		return
	}
	return OnlyCoordinator{manager: m}, true
}

// checkSharding returns the sharding to use: nil means uniform.
func (m *Manager) checkSharding(sharding *NamedSharding) (*NamedSharding, error) {
	if sharding == nil {
		return m.mesh.UniformSharding(), nil
	}
	if sharding.mesh != m.mesh && !sharding.mesh.Equal(m.mesh) {
		return nil, configErrorf("%s is bound to %s, but the manager uses %s", sharding, sharding.mesh, m.mesh)
	}
	return sharding, nil
}

// Scatter converts host to dtype and places it on the devices of the mesh according to sharding.
// A nil sharding means uniform, and dtypes.InvalidDType keeps host's dtype.
//
// Only the coordinator's host is used, other processes can pass nil: they receive the shards of their devices.
// If host can't be sharded as requested (see NamedSharding.ShardShape) every process returns an error wrapping
// ErrShapeMismatch.
func (m *Manager) Scatter(ctx context.Context, host *tensors.Tensor, sharding *NamedSharding,
	dtype dtypes.DType) (*Array, error) {
	sharding, err := m.checkSharding(sharding)
	if err != nil {
		return nil, err
	}
	var payloads [][]byte
	if m.IsCoordinator() {
		payloads = m.scatterPayloads(host, sharding, dtype)
	}
	payload, err := m.group.Scatter(ctx, "scatter", payloads)
	if err != nil {
		return nil, errors.WithMessage(err, "scatter failed")
	}
	header, shards, err := decodeShards(payload)
	if err != nil {
		return nil, err
	}
	byPosition := make(map[int]*tensors.Tensor, len(shards))
	for ii, position := range header.Positions {
		byPosition[position] = shards[ii]
	}
	return NewArray(header.Shape, sharding, byPosition)
}

// scatterPayloads cuts host into the payload of each process. Failures are encoded in the payloads.
func (m *Manager) scatterPayloads(host *tensors.Tensor, sharding *NamedSharding, dtype dtypes.DType) [][]byte {
	payloads := make([][]byte, m.group.Size())
	err := func() error {
		if host == nil {
			return shapeErrorf("the coordinator has no value to scatter")
		}
		if dtype.IsValid() && dtype != host.DType() {
			host = host.ConvertTo(dtype)
		}
		shape := host.Shape()
		shardShape, err := sharding.ShardShape(shape)
		if err != nil {
			return err
		}
		klog.V(1).Infof("scattering %s (%s) with %s", shape, humanize.Bytes(uint64(shape.Memory())), sharding.spec)
		for process := range payloads {
			positions := m.mesh.PositionsOfProcess(process)
			blocks := make([]*tensors.Tensor, len(positions))
			for ii, position := range positions {
				blocks[ii], err = sliceShard(host, sharding.ShardStarts(position, shardShape), shardShape)
				if err != nil {
					return err
				}
			}
			payloads[process], err = encodeShards(shardsHeader{Shape: shape, Positions: positions}, blocks)
			if err != nil {
				return err
			}
		}
		return nil
	}()
	if err != nil {
		// A header with only strings always encodes.
		failure, _ := encodeShards(errorHeader(err), nil)
		for process := range payloads {
			payloads[process] = failure
		}
	}
	return payloads
}

func sliceShard(host *tensors.Tensor, starts []int, shardShape shapes.Shape) (*tensors.Tensor, error) {
	ends := slices.Clone(starts)
	for axis, dim := range shardShape.Dimensions {
		ends[axis] += dim
	}
	return host.Slice(starts, ends)
}

// Gather collects array into a tensor on the coordinator, converted to dtype (dtypes.InvalidDType keeps the
// array's dtype). Every process must call it, but only the coordinator gets the value: the others get nil
// and no error.
//
// sharding must be the array's sharding, or nil. Otherwise, it returns an error wrapping ErrShapeMismatch.
// Each distinct shard is sent once, by the process owning the first device holding it.
func (m *Manager) Gather(ctx context.Context, array *Array, sharding *NamedSharding,
	dtype dtypes.DType) (*tensors.Tensor, error) {
	if array == nil {
		return nil, shapeErrorf("Gather of a nil array")
	}
	if sharding != nil && !sharding.Equal(array.sharding) {
		return nil, shapeErrorf("Gather with %s of an array sharded with %s", sharding, array.sharding)
	}
	sharding, err := m.checkSharding(array.sharding)
	if err != nil {
		return nil, err
	}

	process := m.topology.ProcessIndex()
	var positions []int
	var shards []*tensors.Tensor
	for _, position := range sharding.Representatives() {
		if m.mesh.DeviceAt(position).Process == process {
			positions = append(positions, position)
			shards = append(shards, array.shards[position])
		}
	}
	payload, err := encodeShards(shardsHeader{Shape: array.shape, Positions: positions}, shards)
	if err != nil {
		return nil, err
	}
	payloads, err := m.group.Gather(ctx, "gather", payload)
	if err != nil {
		return nil, errors.WithMessage(err, "gather failed")
	}
	if !m.IsCoordinator() {
		return nil, nil
	}

	result := tensors.FromShape(array.shape)
	for rank, payload := range payloads {
		header, blocks, err := decodeShards(payload)
		if err != nil {
			return nil, errors.WithMessagef(err, "shards from process %d", rank)
		}
		for ii, position := range header.Positions {
			if err := result.SetSlice(sharding.ShardStarts(position, array.shardShape), blocks[ii]); err != nil {
				return nil, errors.WithMessagef(err, "shard of mesh position %d", position)
			}
		}
	}
	if dtype.IsValid() && dtype != result.DType() {
		result = result.ConvertTo(dtype)
	}
	return result, nil
}

// randomStream is the PCG stream used by RandomNormal. It is fixed, so values depend only on the seed.
const randomStream = 0x6c76645f696e6974

// RandomNormal returns a Float32 tensor with values drawn from a normal distribution with mean 0 and the given
// standard deviation. The values depend only on the seed and dimensions.
func RandomNormal(seed uint64, std float64, dimensions ...int) *tensors.Tensor {
	normal := distuv.Normal{Mu: 0, Sigma: std, Src: rand.NewPCG(seed, randomStream)}
	t := tensors.FromShape(shapes.Make(dtypes.Float32, dimensions...))
	_ = tensors.MutableFlatData(t, func(flat []float32) {
		for ii := range flat {
			flat[ii] = float32(normal.Rand())
		}
	})
	return t
}

// InitRandomArray creates a Float32 array with values drawn from a normal distribution with mean 0 and the
// given standard deviation (see RandomNormal), laid out with sharding.
//
// The values are drawn on the coordinator and scattered, so they are the same for any number of devices.
func (m *Manager) InitRandomArray(ctx context.Context, dimensions []int, std float64, sharding *NamedSharding,
	seed uint64) (*Array, error) {
	var host *tensors.Tensor
	if m.IsCoordinator() {
		host = RandomNormal(seed, std, dimensions...)
	}
	return m.Scatter(ctx, host, sharding, dtypes.Float32)
}

// Key returns a random number generator key derived from seed: a uniformly sharded Uint32 array shaped [2],
// holding the high and low 32 bits of the seed.
func (m *Manager) Key(ctx context.Context, seed uint64) (*Array, error) {
	var host *tensors.Tensor
	if m.IsCoordinator() {
		host = tensors.FromFlatDataAndDimensions([]uint32{uint32(seed >> 32), uint32(seed)}, 2)
	}
	return m.Scatter(ctx, host, nil, dtypes.Uint32)
}

// Zeros creates an array filled with zeros, laid out with sharding.
func (m *Manager) Zeros(ctx context.Context, dtype dtypes.DType, sharding *NamedSharding,
	dimensions ...int) (*Array, error) {
	if !dtype.IsValid() {
		return nil, configErrorf("Zeros requires a valid dtype, got %s", dtype)
	}
	var host *tensors.Tensor
	if m.IsCoordinator() {
		host = tensors.FromShape(shapes.Make(dtype, dimensions...))
	}
	return m.Scatter(ctx, host, sharding, dtype)
}

// ScatterTree scatters every leaf of host, laid out with the sharding at the same path of shardings
// (nil leaves mean uniform).
//
// The structure of the result is the one of shardings, which must be the same in every process. Only the
// coordinator's host is used, and it must have a tensor at every leaf path of shardings.
func (m *Manager) ScatterTree(ctx context.Context, host *pytree.Tree[*tensors.Tensor],
	shardings *pytree.Tree[*NamedSharding], dtype dtypes.DType) (*pytree.Tree[*Array], error) {
	return pytree.Map(shardings, func(path pytree.Path, sharding *NamedSharding) (*Array, error) {
		var leaf *tensors.Tensor
		if m.IsCoordinator() && host != nil {
			if node, err := host.Get(path...); err == nil {
				leaf = node.Value()
			} else {
				klog.Errorf("ScatterTree: %+v", err)
			}
		}
		array, err := m.Scatter(ctx, leaf, sharding, dtype)
		if err != nil {
			return nil, errors.WithMessagef(err, "scattering %q", path)
		}
		return array, nil
	})
}

// GatherTree gathers every array of the tree into the coordinator. nil leaves stay nil.
// Processes other than the coordinator get a nil tree.
func (m *Manager) GatherTree(ctx context.Context, arrays *pytree.Tree[*Array],
	dtype dtypes.DType) (*pytree.Tree[*tensors.Tensor], error) {
	gathered, err := pytree.Map(arrays, func(path pytree.Path, array *Array) (*tensors.Tensor, error) {
		if array == nil {
			return nil, nil
		}
		t, err := m.Gather(ctx, array, nil, dtype)
		if err != nil {
			return nil, errors.WithMessagef(err, "gathering %q", path)
		}
		return t, nil
	})
	if err != nil || !m.IsCoordinator() {
		return nil, err
	}
	return gathered, nil
}
