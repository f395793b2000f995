// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"fmt"
	"maps"
	"slices"

	"github.com/monkfish/lvd/pkg/core/dtypes"
	"github.com/monkfish/lvd/pkg/core/shapes"
	"github.com/monkfish/lvd/pkg/core/tensors"
)

// Array is a logical tensor physically partitioned across the devices of a mesh, according to its NamedSharding.
//
// Each process holds only the shards of the devices it owns. Arrays are created by Manager.Scatter (and the
// functions built on it), or by NewArray from already placed shards. They are immutable.
type Array struct {
	shape      shapes.Shape
	sharding   *NamedSharding
	shardShape shapes.Shape

	// shards indexed by mesh position, only for the positions of the local devices.
	shards map[int]*tensors.Tensor
}

// NewArray creates an Array with the given logical shape from the shards of the local devices, indexed by
// mesh position.
//
// It returns an error wrapping ErrShapeMismatch if the shape can't be sharded as requested, if a local shard is
// missing or if a shard has the wrong shape.
func NewArray(shape shapes.Shape, sharding *NamedSharding, shards map[int]*tensors.Tensor) (*Array, error) {
	if sharding == nil {
		return nil, configErrorf("NewArray requires a sharding")
	}
	shardShape, err := sharding.ShardShape(shape)
	if err != nil {
		return nil, err
	}
	local := sharding.mesh.LocalPositions()
	if len(shards) != len(local) {
		return nil, shapeErrorf("array %s requires %d local shards, got %d", shape, len(local), len(shards))
	}
	for _, position := range local {
		shard, found := shards[position]
		if !found || shard == nil {
			return nil, shapeErrorf("array %s is missing the shard of mesh position %d", shape, position)
		}
		if !shard.Shape().Equal(shardShape) {
			return nil, shapeErrorf("shard of mesh position %d shaped %s, but %s sharded with %s requires %s",
				position, shard.Shape(), shape, sharding.spec, shardShape)
		}
	}
	return &Array{
		shape:      shape.Clone(),
		sharding:   sharding,
		shardShape: shardShape,
		shards:     maps.Clone(shards),
	}, nil
}

// Shape returns the logical shape of the array.
func (a *Array) Shape() shapes.Shape { return a.shape.Clone() }

// DType of the array elements.
func (a *Array) DType() dtypes.DType { return a.shape.DType }

// Sharding returns how the array is laid out in the mesh.
func (a *Array) Sharding() *NamedSharding { return a.sharding }

// ShardShape returns the shape of the block held by each device.
func (a *Array) ShardShape() shapes.Shape { return a.shardShape.Clone() }

// Shard returns the block held by the device at the given mesh position, if the device is local.
// The returned tensor must not be modified.
func (a *Array) Shard(position int) (shard *tensors.Tensor, found bool) {
	shard, found = a.shards[position]
	return
}

// LocalPositions returns the mesh positions of the local shards, in increasing order.
func (a *Array) LocalPositions() []int {
	return slices.Sorted(maps.Keys(a.shards))
}

// String implements fmt.Stringer.
func (a *Array) String() string {
	if a == nil {
		return "Array<nil>"
	}
	return fmt.Sprintf("Array%s sharded as %s, %d local shards", a.shape, a.sharding.spec, len(a.shards))
}
