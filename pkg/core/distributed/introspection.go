// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"github.com/monkfish/lvd/pkg/core/pytree"
	"github.com/pkg/errors"
)

// ShardingOf returns a tree with the structure of tree, holding the sharding of every *Array leaf,
// and nil for every other leaf (including nil arrays).
func ShardingOf(tree *pytree.Tree[any]) *pytree.Tree[*NamedSharding] {
	return pytree.Convert(tree, func(leaf any) *NamedSharding {
		if array, ok := leaf.(*Array); ok && array != nil {
			return array.sharding
		}
		return nil
	})
}

// PartitionSpecOf is like ShardingOf, but it returns the mesh independent PartitionSpec of every array.
// That's what should be stored, to later bind it to a possibly different mesh.
func PartitionSpecOf(tree *pytree.Tree[any]) *pytree.Tree[*PartitionSpec] {
	return pytree.Convert(tree, func(leaf any) *PartitionSpec {
		if array, ok := leaf.(*Array); ok && array != nil {
			return array.sharding.Spec()
		}
		return nil
	})
}

// BindSpecs binds every spec of specs to mesh. nil specs stay nil.
// It returns an error wrapping ErrConfiguration if a spec doesn't fit the mesh.
func BindSpecs(mesh *DeviceMesh, specs *pytree.Tree[*PartitionSpec]) (*pytree.Tree[*NamedSharding], error) {
	return pytree.Map(specs, func(path pytree.Path, spec *PartitionSpec) (*NamedSharding, error) {
		if spec == nil {
			return nil, nil
		}
		sharding, err := mesh.Sharding(spec)
		if err != nil {
			return nil, errors.WithMessagef(err, "%q", path)
		}
		return sharding, nil
	})
}
