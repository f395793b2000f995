// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"slices"
	"strings"
)

// AxisSpec specifies how a tensor axis is partitioned (or replicated): it's a list of mesh axes names, in order.
// An empty list means the axis is replicated.
//
// A tensor axis partitioned over more than one mesh axis is split into the product of their sizes,
// with the first mesh axis as the major one.
type AxisSpec []string

// ReplicatedAxis is the AxisSpec of a replicated tensor axis.
var ReplicatedAxis = AxisSpec(nil)

// PartitionSpec defines how a logical tensor is partitioned over the axes of a mesh, without
// referencing a particular mesh: it is portable, and it's what checkpoints store.
//
// The definition is per axis of the tensor, not per axis of the mesh. Tensor axes beyond len(Axes)
// are replicated, so a spec with trailing replicated axes is equivalent to the one without them.
//
// Example, with a mesh shaped {dp: 4, mp: 2, fsdp: 1}:
//
//	// Batch axis partitioned over "dp", features replicated.
//	inputs := distributed.NewPartitionSpec(distributed.AxisSpec{"dp"})
//
//	// Second axis partitioned over both "dp" and "mp" (8 shards).
//	weights := distributed.BuildSpec().R().S("dp", "mp").Done()
type PartitionSpec struct {
	Axes []AxisSpec `json:"axes"`
}

// NewPartitionSpec creates a PartitionSpec with one AxisSpec per tensor axis.
func NewPartitionSpec(axes ...AxisSpec) *PartitionSpec {
	spec := &PartitionSpec{Axes: make([]AxisSpec, len(axes))}
	for i, axis := range axes {
		spec.Axes[i] = slices.Clone(axis)
	}
	return spec
}

// Replicated returns the spec of a fully replicated tensor, of any rank.
func Replicated() *PartitionSpec {
	return &PartitionSpec{}
}

// Clone returns a deep copy of the spec.
func (s *PartitionSpec) Clone() *PartitionSpec {
	if s == nil {
		return nil
	}
	return NewPartitionSpec(s.Axes...)
}

// Rank returns the number of tensor axes explicitly specified.
func (s *PartitionSpec) Rank() int {
	return len(s.Axes)
}

// IsReplicated returns true if the tensor is not partitioned along any axis.
func (s *PartitionSpec) IsReplicated() bool {
	for _, meshAxes := range s.Axes {
		if len(meshAxes) > 0 {
			return false
		}
	}
	return true
}

// MeshAxes returns all mesh axes used by the spec, in order of appearance.
func (s *PartitionSpec) MeshAxes() []string {
	var axes []string
	for _, meshAxes := range s.Axes {
		axes = append(axes, meshAxes...)
	}
	return axes
}

// normalized returns the axes without trailing replicated ones.
func (s *PartitionSpec) normalized() []AxisSpec {
	axes := s.Axes
	for len(axes) > 0 && len(axes[len(axes)-1]) == 0 {
		axes = axes[:len(axes)-1]
	}
	return axes
}

// Equal returns whether both specs describe the same partitioning. Trailing replicated axes are ignored.
func (s *PartitionSpec) Equal(other *PartitionSpec) bool {
	if s == nil || other == nil {
		return s == other
	}
	a, b := s.normalized(), other.normalized()
	return slices.EqualFunc(a, b, func(x, y AxisSpec) bool { return slices.Equal(x, y) })
}

// Key returns a canonical string for the spec, suitable as a map key: equal specs have equal keys.
func (s *PartitionSpec) Key() string {
	if s == nil {
		return "<nil>"
	}
	parts := make([]string, 0, len(s.Axes))
	for _, axis := range s.normalized() {
		parts = append(parts, strings.Join(axis, ","))
	}
	return "(" + strings.Join(parts, ";") + ")"
}

// String returns a human-readable representation, e.g. "PartitionSpec[S(dp), R]".
func (s *PartitionSpec) String() string {
	if s == nil {
		return "PartitionSpec<nil>"
	}
	var sb strings.Builder
	sb.WriteString("PartitionSpec[")
	for i, axisSpec := range s.Axes {
		if i > 0 {
			sb.WriteString(", ")
		}
		if len(axisSpec) == 0 {
			sb.WriteString("R")
		} else {
			sb.WriteString("S(" + strings.Join(axisSpec, ",") + ")")
		}
	}
	sb.WriteString("]")
	return sb.String()
}

// ValidateFor checks that the spec can be used with mesh: all referenced mesh axes exist, and none is used twice.
func (s *PartitionSpec) ValidateFor(mesh *DeviceMesh) error {
	used := make(map[string]bool)
	for axisIdx, tensorAxisSpec := range s.Axes {
		for _, axisName := range tensorAxisSpec {
			if _, ok := mesh.nameToAxis[axisName]; !ok {
				return configErrorf("%s axis #%d refers to unknown mesh axis %q (mesh axes are %v)",
					s, axisIdx, axisName, mesh.axesNames)
			}
			if used[axisName] {
				return configErrorf("mesh axis %q used more than once in %s", axisName, s)
			}
			used[axisName] = true
		}
	}
	return nil
}

// SpecBuilder is a more ergonomic way of building a PartitionSpec.
type SpecBuilder struct {
	spec *PartitionSpec
}

// BuildSpec starts building a PartitionSpec.
//
// Example:
//
//	spec := distributed.BuildSpec().R().S("mp").Done()
func BuildSpec() *SpecBuilder {
	return &SpecBuilder{spec: &PartitionSpec{}}
}

// R adds a replicated axis to the spec being built.
func (b *SpecBuilder) R() *SpecBuilder {
	b.spec.Axes = append(b.spec.Axes, ReplicatedAxis)
	return b
}

// S adds an axis partitioned along the meshAxes to the spec being built.
func (b *SpecBuilder) S(meshAxes ...string) *SpecBuilder {
	b.spec.Axes = append(b.spec.Axes, slices.Clone(meshAxes))
	return b
}

// Done returns the PartitionSpec built.
func (b *SpecBuilder) Done() *PartitionSpec {
	return b.spec
}

// On binds the spec being built to mesh, see DeviceMesh.Sharding.
func (b *SpecBuilder) On(mesh *DeviceMesh) (*NamedSharding, error) {
	return mesh.Sharding(b.spec)
}
