// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/monkfish/lvd/pkg/support/sets"
	"github.com/pkg/errors"
)

// DefaultAxesNames are the mesh axes used for training: data parallel, model parallel and
// fully sharded data parallel.
var DefaultAxesNames = []string{"dp", "mp", "fsdp"}

// DeviceMesh arranges all the devices of a Topology in a logical N-dimensional grid with named axes.
//
// Mesh positions are the row-major flat indices of the grid. By default, position i is device i;
// SetLogicalDeviceAssignment changes that.
//
// A DeviceMesh is immutable once created (except for the device assignment, which should be set before use).
type DeviceMesh struct {
	topology *Topology

	// axesNames are the names of the mesh axes.
	axesNames []string

	// axesSizes defines the number of devices along each mesh axis.
	axesSizes []int

	// nameToAxis maps axis names to their index.
	nameToAxis map[string]int

	// numDevices is the total number of devices in the mesh.
	numDevices int

	// logicalDeviceAssignment maps mesh positions to device ids. nil means identity.
	logicalDeviceAssignment []int

	uniformOnce sync.Once
	uniform     *NamedSharding
}

// IsNameValid checks whether a name is a valid identifier for a mesh axis name.
func IsNameValid(name string) bool {
	if name == "" {
		return false
	}
	if name[0] >= '0' && name[0] <= '9' {
		return false
	}
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			continue
		}
		return false
	}
	return true
}

// NewDeviceMesh creates a logical arrangement of all devices of topology.
//
//   - axesSizes: number of devices along each mesh axis. Their product must match the number of devices
//     of the topology.
//   - axesNames: one name per axis. They must be valid identifiers (see IsNameValid) and unique.
//
// Errors wrap ErrConfiguration. No partially constructed mesh is ever returned.
func NewDeviceMesh(topology *Topology, axesSizes []int, axesNames []string) (*DeviceMesh, error) {
	if topology == nil {
		return nil, configErrorf("DeviceMesh requires a topology")
	}
	if len(axesSizes) != len(axesNames) {
		return nil, configErrorf("axesSizes and axesNames must have the same length, got %d and %d",
			len(axesSizes), len(axesNames))
	}
	if len(axesSizes) == 0 {
		return nil, configErrorf("DeviceMesh axesSizes cannot be empty")
	}

	numDevices := 1
	nameToAxis := make(map[string]int, len(axesSizes))
	for i, name := range axesNames {
		if !IsNameValid(name) {
			return nil, configErrorf(
				"DeviceMesh axis name %q at index %d is not a valid identifier, it must start with a ASCII letter "+
					"and be followed only by letters, numbers or underscore", name, i)
		}
		if _, found := nameToAxis[name]; found {
			return nil, configErrorf("DeviceMesh axis name %q is duplicated", name)
		}
		if axesSizes[i] <= 0 {
			return nil, configErrorf("DeviceMesh axis %q has invalid size %d", name, axesSizes[i])
		}
		nameToAxis[name] = i
		numDevices *= axesSizes[i]
	}
	if numDevices != topology.NumDevices() {
		return nil, configErrorf("DeviceMesh shape %v requires %d devices, but the topology has %d",
			axesSizes, numDevices, topology.NumDevices())
	}
	return &DeviceMesh{
		topology:   topology,
		axesNames:  slices.Clone(axesNames),
		axesSizes:  slices.Clone(axesSizes),
		nameToAxis: nameToAxis,
		numDevices: numDevices,
	}, nil
}

// NewDefaultMesh creates a mesh with DefaultAxesNames. shape must have one size per default axis.
func NewDefaultMesh(topology *Topology, shape []int) (*DeviceMesh, error) {
	return NewDeviceMesh(topology, shape, DefaultAxesNames)
}

// Topology of the devices in the mesh.
func (m *DeviceMesh) Topology() *Topology {
	return m.topology
}

// NumDevices returns the total number of devices in the mesh.
func (m *DeviceMesh) NumDevices() int {
	return m.numDevices
}

// Rank returns the number of axes in the mesh.
func (m *DeviceMesh) Rank() int {
	return len(m.axesSizes)
}

// AxesNames returns a copy of the mesh's axis names.
func (m *DeviceMesh) AxesNames() []string {
	return slices.Clone(m.axesNames)
}

// AxesSizes returns a copy of the mesh's axesSizes.
func (m *DeviceMesh) AxesSizes() []int {
	return slices.Clone(m.axesSizes)
}

// AxisSize returns the number of devices along the given mesh axis.
func (m *DeviceMesh) AxisSize(axisName string) (int, error) {
	idx, found := m.nameToAxis[axisName]
	if !found {
		return 0, configErrorf("mesh axis %q not found", axisName)
	}
	return m.axesSizes[idx], nil
}

// String implements the fmt.Stringer interface.
func (m *DeviceMesh) String() string {
	var sb strings.Builder
	sb.WriteString("DeviceMesh(axesSizes={")
	for i, name := range m.axesNames {
		if i > 0 {
			sb.WriteString(", ")
		}
		_, _ = fmt.Fprintf(&sb, "%s: %d", name, m.axesSizes[i])
	}
	sb.WriteString("})")
	return sb.String()
}

// Equal returns whether both meshes have the same axes and device assignment over the same devices.
func (m *DeviceMesh) Equal(other *DeviceMesh) bool {
	if m == other {
		return true
	}
	if m == nil || other == nil {
		return false
	}
	return slices.Equal(m.axesNames, other.axesNames) && slices.Equal(m.axesSizes, other.axesSizes) &&
		slices.Equal(m.deviceAssignment(), other.deviceAssignment()) &&
		m.topology.NumDevices() == other.topology.NumDevices()
}

// SetLogicalDeviceAssignment sets the device id of each mesh position.
//
// The length of devices must be equal to NumDevices(), and it must include all numbers from 0 to NumDevices()-1.
// Passing no devices resets to the identity assignment.
func (m *DeviceMesh) SetLogicalDeviceAssignment(devices ...int) error {
	if len(devices) == 0 {
		m.logicalDeviceAssignment = nil
		return nil
	}
	if len(devices) != m.numDevices {
		return configErrorf("devices must have %d elements, got %d", m.numDevices, len(devices))
	}
	seen := sets.Make[int](m.numDevices)
	for _, device := range devices {
		if device < 0 || device >= m.numDevices {
			return configErrorf("devices must be between 0 and %d (NumDevices()-1), got device %d",
				m.numDevices-1, device)
		}
		if !seen.InsertNew(device) {
			return configErrorf("physical device #%d is duplicated in mapping", device)
		}
	}
	m.logicalDeviceAssignment = slices.Clone(devices)
	return nil
}

// LogicalDeviceAssignment returns the device id of each mesh position, or nil for the identity assignment.
func (m *DeviceMesh) LogicalDeviceAssignment() []int {
	if m.logicalDeviceAssignment == nil {
		return nil
	}
	return slices.Clone(m.logicalDeviceAssignment)
}

func (m *DeviceMesh) deviceAssignment() []int {
	if m.logicalDeviceAssignment != nil {
		return m.logicalDeviceAssignment
	}
	identity := make([]int, m.numDevices)
	for i := range identity {
		identity[i] = i
	}
	return identity
}

// DeviceAt returns the device at the given mesh position.
func (m *DeviceMesh) DeviceAt(position int) Device {
	if m.logicalDeviceAssignment != nil {
		return m.topology.Device(m.logicalDeviceAssignment[position])
	}
	return m.topology.Device(position)
}

// Coordinates returns the per-axis coordinates of the given mesh position.
func (m *DeviceMesh) Coordinates(position int) []int {
	coords := make([]int, len(m.axesSizes))
	for axis := len(m.axesSizes) - 1; axis >= 0; axis-- {
		coords[axis] = position % m.axesSizes[axis]
		position /= m.axesSizes[axis]
	}
	return coords
}

// DeviceCoordinates returns the mesh coordinates of the device with the given id.
// It returns an error wrapping ErrConfiguration if there is no such device.
func (m *DeviceMesh) DeviceCoordinates(deviceID int) ([]int, error) {
	for position := range m.numDevices {
		if m.DeviceAt(position).ID == deviceID {
			return m.Coordinates(position), nil
		}
	}
	return nil, configErrorf("device %d is not in %s", deviceID, m)
}

// LocalDevices returns the devices of the current process, in mesh position order.
func (m *DeviceMesh) LocalDevices() []Device {
	positions := m.LocalPositions()
	devices := make([]Device, len(positions))
	for i, position := range positions {
		devices[i] = m.DeviceAt(position)
	}
	return devices
}

// LocalPositions returns the mesh positions whose devices are owned by the current process, in increasing order.
func (m *DeviceMesh) LocalPositions() []int {
	return m.PositionsOfProcess(m.topology.ProcessIndex())
}

// PositionsOfProcess returns the mesh positions whose devices are owned by the given process.
func (m *DeviceMesh) PositionsOfProcess(process int) []int {
	var positions []int
	for position := range m.numDevices {
		if m.DeviceAt(position).Process == process {
			positions = append(positions, position)
		}
	}
	return positions
}

// ComputeReplicaGroups returns the groups of mesh positions that vary only along the given axes.
//
// Each replica group (a []int) includes the mesh positions for the axes specified.
// The other axes will be split into different replica groups.
//
// Example:
//
//	m := NewDeviceMesh(topology, []int{2, 2}, []string{"batch", "data"})
//	batchGroups, _ := m.ComputeReplicaGroups([]string{"batch"})  // -> [][]int{{0, 2}, {1, 3}}
//	dataGroups, _ := m.ComputeReplicaGroups([]string{"data"})    // -> [][]int{{0, 1}, {2, 3}}
//	globalGroups, _ := m.ComputeReplicaGroups([]string{"batch", "data"})  // -> [][]int{{0, 1, 2, 3}}
func (m *DeviceMesh) ComputeReplicaGroups(axes []string) ([][]int, error) {
	axisIndices := make([]int, 0, len(axes))
	axisSet := sets.Make[int](len(axes))
	for _, axis := range axes {
		idx, found := m.nameToAxis[axis]
		if !found {
			return nil, errors.Errorf("axis %q not found in mesh", axis)
		}
		if !axisSet.InsertNew(idx) {
			return nil, errors.Errorf("axis %q is duplicated: each axis can only appear once", axis)
		}
		axisIndices = append(axisIndices, idx)
	}
	nonAxisIndices := make([]int, 0, len(m.axesSizes)-len(axisIndices))
	for i := range m.axesSizes {
		if !axisSet.Has(i) {
			nonAxisIndices = append(nonAxisIndices, i)
		}
	}

	groupSize := 1
	for _, idx := range axisIndices {
		groupSize *= m.axesSizes[idx]
	}
	groups := make([][]int, m.numDevices/groupSize)
	for i := range groups {
		groups[i] = make([]int, groupSize)
	}
	for position := range m.numDevices {
		coords := m.Coordinates(position)
		groupIdx, posInGroup := 0, 0
		for _, axisIdx := range nonAxisIndices {
			groupIdx = groupIdx*m.axesSizes[axisIdx] + coords[axisIdx]
		}
		for _, axisIdx := range axisIndices {
			posInGroup = posInGroup*m.axesSizes[axisIdx] + coords[axisIdx]
		}
		groups[groupIdx][posInGroup] = position
	}
	return groups, nil
}

// Sharding binds spec to the mesh. It returns an error wrapping ErrConfiguration if spec references
// axes not in the mesh, or uses an axis more than once.
func (m *DeviceMesh) Sharding(spec *PartitionSpec) (*NamedSharding, error) {
	if spec == nil {
		return m.UniformSharding(), nil
	}
	if err := spec.ValidateFor(m); err != nil {
		return nil, err
	}
	return &NamedSharding{mesh: m, spec: spec.Clone()}, nil
}

// UniformSharding returns the fully replicated sharding of the mesh. It is created once per mesh.
func (m *DeviceMesh) UniformSharding() *NamedSharding {
	m.uniformOnce.Do(func() {
		m.uniform = &NamedSharding{mesh: m, spec: Replicated()}
	})
	return m.uniform
}
