package distributed_test

import (
	"testing"

	"github.com/janpfeifer/must"
	"github.com/monkfish/lvd/pkg/core/distributed"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTopology returns the topology seen by process 0 of a job with numDevices devices in one process.
func newTopology(numDevices int) *distributed.Topology {
	return must.M1(distributed.NewTopology(0, 1, numDevices))
}

func TestTopology(t *testing.T) {
	topology, err := distributed.NewTopology(1, 2, 4)
	require.NoError(t, err)
	assert.Equal(t, 8, topology.NumDevices())
	assert.False(t, topology.IsCoordinator())
	assert.Equal(t, []distributed.Device{{4, 1}, {5, 1}, {6, 1}, {7, 1}}, topology.LocalDevices())

	for _, tc := range []struct {
		name                     string
		index, count, perProcess int
	}{
		{"no processes", 0, 0, 1},
		{"no devices", 0, 1, 0},
		{"index out of range", 2, 2, 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := distributed.NewTopology(tc.index, tc.count, tc.perProcess)
			require.ErrorIs(t, err, distributed.ErrConfiguration)
		})
	}

	_, err = distributed.NewTopologyFromDevices(0, 2, []distributed.Device{{0, 0}, {1, 0}})
	require.ErrorIs(t, err, distributed.ErrConfiguration, "process 1 owns no device")
	_, err = distributed.NewTopologyFromDevices(0, 1, []distributed.Device{{0, 0}, {0, 0}})
	require.ErrorIs(t, err, distributed.ErrConfiguration, "duplicate device id")
	topology, err = distributed.NewTopologyFromDevices(0, 2, []distributed.Device{{1, 0}, {0, 1}})
	require.NoError(t, err)
	assert.Equal(t, distributed.Device{ID: 0, Process: 1}, topology.Device(0))
}

func TestDeviceMesh(t *testing.T) {
	t.Run("NewDeviceMesh_Valid", func(t *testing.T) {
		topology := newTopology(8)

		tests := []struct {
			name      string
			shape     []int
			axisNames []string
			wantRank  int
			wantNum   int
		}{
			{
				name:      "1D mesh",
				shape:     []int{8},
				axisNames: []string{"replica"},
				wantRank:  1,
				wantNum:   8,
			},
			{
				name:      "2D mesh",
				shape:     []int{2, 4},
				axisNames: []string{"x", "y"},
				wantRank:  2,
				wantNum:   8,
			},
			{
				name:      "default axes",
				shape:     []int{2, 2, 2},
				axisNames: distributed.DefaultAxesNames,
				wantRank:  3,
				wantNum:   8,
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				mesh, err := distributed.NewDeviceMesh(topology, tt.shape, tt.axisNames)
				require.NoError(t, err)
				assert.NotNil(t, mesh)
				assert.Equal(t, tt.wantRank, mesh.Rank())
				assert.Equal(t, tt.wantNum, mesh.NumDevices())
			})
		}
	})

	t.Run("NewDeviceMesh_Errors", func(t *testing.T) {
		topology := newTopology(8)

		tests := []struct {
			name      string
			shape     []int
			axisNames []string
			wantErr   string
		}{
			{
				name:      "mismatched lengths",
				shape:     []int{2, 4},
				axisNames: []string{"x"},
				wantErr:   "axesSizes and axesNames must have the same length",
			},
			{
				name:      "empty shape",
				shape:     []int{},
				axisNames: []string{},
				wantErr:   "axesSizes cannot be empty",
			},
			{
				name:      "invalid axis name",
				shape:     []int{8},
				axisNames: []string{"1x"},
				wantErr:   "is not a valid identifier",
			},
			{
				name:      "duplicate axis names",
				shape:     []int{2, 4},
				axisNames: []string{"x", "x"},
				wantErr:   "axis name \"x\" is duplicated",
			},
			{
				name:      "too many devices",
				shape:     []int{16},
				axisNames: []string{"replica"},
				wantErr:   "requires 16 devices, but the topology has 8",
			},
			{
				name:      "too few devices",
				shape:     []int{1, 2, 2},
				axisNames: distributed.DefaultAxesNames,
				wantErr:   "requires 4 devices, but the topology has 8",
			},
			{
				name:      "zero sized axis",
				shape:     []int{0, 8},
				axisNames: []string{"x", "y"},
				wantErr:   "invalid size 0",
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				mesh, err := distributed.NewDeviceMesh(topology, tt.shape, tt.axisNames)
				require.Error(t, err)
				assert.Nil(t, mesh)
				assert.True(t, errors.Is(err, distributed.ErrConfiguration))
				assert.Contains(t, err.Error(), tt.wantErr)
			})
		}
	})

	t.Run("Accessors", func(t *testing.T) {
		mesh := must.M1(distributed.NewDeviceMesh(newTopology(8), []int{2, 4}, []string{"x", "y"}))
		axesNames := mesh.AxesNames()
		assert.Equal(t, []string{"x", "y"}, axesNames)
		axesNames[0] = "modified"
		assert.Equal(t, []string{"x", "y"}, mesh.AxesNames())

		sizes := mesh.AxesSizes()
		sizes[0] = 99
		assert.Equal(t, []int{2, 4}, mesh.AxesSizes())

		size, err := mesh.AxisSize("y")
		require.NoError(t, err)
		assert.Equal(t, 4, size)
		_, err = mesh.AxisSize("z")
		require.ErrorIs(t, err, distributed.ErrConfiguration)

		assert.Equal(t, "DeviceMesh(axesSizes={x: 2, y: 4})", mesh.String())
	})

	t.Run("Coordinates", func(t *testing.T) {
		mesh := must.M1(distributed.NewDeviceMesh(newTopology(8), []int{2, 2, 2}, []string{"x", "y", "z"}))
		tests := []struct {
			position    int
			wantIndices []int
		}{
			{position: 0, wantIndices: []int{0, 0, 0}},
			{position: 1, wantIndices: []int{0, 0, 1}},
			{position: 2, wantIndices: []int{0, 1, 0}},
			{position: 5, wantIndices: []int{1, 0, 1}},
			{position: 7, wantIndices: []int{1, 1, 1}},
		}
		for _, tt := range tests {
			assert.Equal(t, tt.wantIndices, mesh.Coordinates(tt.position))
			coords, err := mesh.DeviceCoordinates(tt.position)
			require.NoError(t, err)
			assert.Equal(t, tt.wantIndices, coords)
		}
		_, err := mesh.DeviceCoordinates(8)
		require.ErrorIs(t, err, distributed.ErrConfiguration)
	})

	t.Run("LogicalDeviceAssignment", func(t *testing.T) {
		mesh := must.M1(distributed.NewDeviceMesh(newTopology(4), []int{4}, []string{"replica"}))
		require.NoError(t, mesh.SetLogicalDeviceAssignment(3, 2, 1, 0))
		assert.Equal(t, []int{3, 2, 1, 0}, mesh.LogicalDeviceAssignment())
		assert.Equal(t, 3, mesh.DeviceAt(0).ID)
		coords, err := mesh.DeviceCoordinates(3)
		require.NoError(t, err)
		assert.Equal(t, []int{0}, coords)

		tests := []struct {
			name    string
			devices []int
			wantErr string
		}{
			{"wrong number of devices", []int{0, 1, 2}, "devices must have 4 elements"},
			{"duplicate device", []int{0, 1, 1, 3}, "physical device #1 is duplicated"},
			{"device out of range", []int{0, 1, 2, 8}, "got device 8"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				err := mesh.SetLogicalDeviceAssignment(tt.devices...)
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			})
		}

		require.NoError(t, mesh.SetLogicalDeviceAssignment())
		assert.Nil(t, mesh.LogicalDeviceAssignment())
	})

	t.Run("LocalPositions", func(t *testing.T) {
		// Process 1 of 2, 2 devices each.
		topology := must.M1(distributed.NewTopology(1, 2, 2))
		mesh := must.M1(distributed.NewDeviceMesh(topology, []int{2, 2}, []string{"dp", "mp"}))
		assert.Equal(t, []int{2, 3}, mesh.LocalPositions())
		assert.Equal(t, []int{0, 1}, mesh.PositionsOfProcess(0))
		require.NoError(t, mesh.SetLogicalDeviceAssignment(0, 2, 1, 3))
		assert.Equal(t, []int{1, 3}, mesh.LocalPositions())
		assert.Equal(t, []distributed.Device{{2, 1}, {3, 1}}, mesh.LocalDevices())
	})

	t.Run("ComputeReplicaGroups", func(t *testing.T) {
		mesh := must.M1(distributed.NewDeviceMesh(newTopology(4), []int{2, 2}, []string{"batch", "data"}))

		groups, err := mesh.ComputeReplicaGroups([]string{"batch"})
		require.NoError(t, err)
		assert.Equal(t, [][]int{{0, 2}, {1, 3}}, groups)

		groups, err = mesh.ComputeReplicaGroups([]string{"data"})
		require.NoError(t, err)
		assert.Equal(t, [][]int{{0, 1}, {2, 3}}, groups)

		groups, err = mesh.ComputeReplicaGroups([]string{"batch", "data"})
		require.NoError(t, err)
		assert.Equal(t, [][]int{{0, 1, 2, 3}}, groups)

		groups, err = mesh.ComputeReplicaGroups(nil)
		require.NoError(t, err)
		assert.Equal(t, [][]int{{0}, {1}, {2}, {3}}, groups)

		_, err = mesh.ComputeReplicaGroups([]string{"model"})
		require.Error(t, err)
		_, err = mesh.ComputeReplicaGroups([]string{"batch", "batch"})
		require.Error(t, err)
	})

	t.Run("UniformSharding", func(t *testing.T) {
		mesh := must.M1(distributed.NewDefaultMesh(newTopology(4), []int{2, 2, 1}))
		uniform := mesh.UniformSharding()
		assert.Same(t, uniform, mesh.UniformSharding())
		assert.True(t, uniform.IsUniform())
		sharding, err := mesh.Sharding(nil)
		require.NoError(t, err)
		assert.Same(t, uniform, sharding)
	})
}
