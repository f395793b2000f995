// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"fmt"

	"github.com/monkfish/lvd/pkg/core/shapes"
	"github.com/monkfish/lvd/pkg/support/sets"
)

// NamedSharding is a PartitionSpec bound to a DeviceMesh: it tells which block of a logical tensor lives
// on each device of the mesh.
//
// It is immutable. Create it with DeviceMesh.Sharding or DeviceMesh.UniformSharding.
type NamedSharding struct {
	mesh *DeviceMesh
	spec *PartitionSpec
}

// Mesh the sharding is bound to.
func (s *NamedSharding) Mesh() *DeviceMesh { return s.mesh }

// Spec returns a copy of the mesh independent part of the sharding.
func (s *NamedSharding) Spec() *PartitionSpec { return s.spec.Clone() }

// IsUniform returns whether the tensor is fully replicated on every device.
func (s *NamedSharding) IsUniform() bool { return s.spec.IsReplicated() }

// Equal returns whether both shardings place the same blocks on the same devices.
func (s *NamedSharding) Equal(other *NamedSharding) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.mesh.Equal(other.mesh) && s.spec.Equal(other.spec)
}

// String implements fmt.Stringer.
func (s *NamedSharding) String() string {
	if s == nil {
		return "NamedSharding<nil>"
	}
	return fmt.Sprintf("NamedSharding{%s, %s}", s.mesh, s.spec)
}

// NumDevicesShardingAxis returns the number of shards the given tensor axis is split into.
// If the axis is replicated, it returns 1.
//
// Notice this is about the tensor axis, not the mesh axis. A tensor axis can be sharded across multiple mesh axes.
func (s *NamedSharding) NumDevicesShardingAxis(axis int) int {
	if axis >= len(s.spec.Axes) {
		return 1
	}
	size := 1
	for _, meshAxis := range s.spec.Axes[axis] {
		size *= s.mesh.axesSizes[s.mesh.nameToAxis[meshAxis]]
	}
	return size
}

// ShardShape returns the shape of the block of a tensor of the given logical shape held by each device.
//
// It returns an error wrapping ErrShapeMismatch if the spec has more axes than the tensor, or if a partitioned
// axis is not divisible by its number of shards.
func (s *NamedSharding) ShardShape(logicalShape shapes.Shape) (shapes.Shape, error) {
	if len(s.spec.normalized()) > logicalShape.Rank() {
		return shapes.Invalid(), shapeErrorf("%s has more axes than the value shaped %s", s.spec, logicalShape)
	}
	shardDims := make([]int, logicalShape.Rank())
	for axis, dim := range logicalShape.Dimensions {
		numShards := s.NumDevicesShardingAxis(axis)
		if dim%numShards != 0 {
			return shapes.Invalid(), shapeErrorf("axis %d of the value shaped %s has dimension %d, not divisible "+
				"into %d shards for %s", axis, logicalShape, dim, numShards, s.spec)
		}
		shardDims[axis] = dim / numShards
	}
	return shapes.Make(logicalShape.DType, shardDims...), nil
}

// shardIndices returns, for each tensor axis of the given rank, the index of the shard held by the
// device at the mesh position.
func (s *NamedSharding) shardIndices(position, rank int) []int {
	coords := s.mesh.Coordinates(position)
	indices := make([]int, rank)
	for axis := range min(rank, len(s.spec.Axes)) {
		for _, meshAxis := range s.spec.Axes[axis] {
			meshIdx := s.mesh.nameToAxis[meshAxis]
			indices[axis] = indices[axis]*s.mesh.axesSizes[meshIdx] + coords[meshIdx]
		}
	}
	return indices
}

// ShardStarts returns the index of the first element of the block held by the device at the mesh position,
// for a tensor whose shard shape is shardShape.
func (s *NamedSharding) ShardStarts(position int, shardShape shapes.Shape) []int {
	starts := s.shardIndices(position, shardShape.Rank())
	for axis, dim := range shardShape.Dimensions {
		starts[axis] *= dim
	}
	return starts
}

// Representatives returns one mesh position per distinct shard: the lowest position among the devices that hold
// replicas of the same block.
func (s *NamedSharding) Representatives() []int {
	used := sets.MakeWith(s.spec.MeshAxes()...)
	var replicatedAxes []string
	for _, name := range s.mesh.axesNames {
		if !used.Has(name) {
			replicatedAxes = append(replicatedAxes, name)
		}
	}
	// The axes come from the mesh itself, so this can't fail.
	groups, err := s.mesh.ComputeReplicaGroups(replicatedAxes)
	if err != nil {
		panic(err)
	}
	representatives := make([]int, len(groups))
	for i, group := range groups {
		representatives[i] = group[0]
	}
	return representatives
}
