package distributed_test

import (
	"context"
	"testing"

	"github.com/monkfish/lvd/pkg/core/collective"
	"github.com/monkfish/lvd/pkg/core/distributed"
	"github.com/monkfish/lvd/pkg/core/distributed/distributedtest"
	"github.com/monkfish/lvd/pkg/core/dtypes"
	"github.com/monkfish/lvd/pkg/core/pytree"
	"github.com/monkfish/lvd/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func iotaFloat32(dims ...int) *tensors.Tensor {
	size := 1
	for _, dim := range dims {
		size *= dim
	}
	data := make([]float32, size)
	for ii := range data {
		data[ii] = float32(ii)
	}
	return tensors.FromFlatDataAndDimensions(data, dims...)
}

func TestScatterGather(t *testing.T) {
	x := iotaFloat32(8, 6)
	for _, tc := range []struct {
		name string
		spec *distributed.PartitionSpec
	}{
		{"uniform", nil},
		{"rows over dp", distributed.BuildSpec().S("dp").Done()},
		{"columns over mp", distributed.BuildSpec().R().S("mp").Done()},
		{"rows over dp and mp", distributed.BuildSpec().S("dp", "mp").Done()},
		{"both axes", distributed.BuildSpec().S("mp").S("dp").Done()},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var gathered *tensors.Tensor
			// 2 processes with 2 devices each, mesh {dp: 2, mp: 2, fsdp: 1}.
			errs := distributedtest.RunJob(t, 2, 2, []int{2, 2, 1}, func(ctx context.Context, m *distributed.Manager) error {
				sharding, err := m.Sharding(tc.spec)
				if err != nil {
					return err
				}
				var host *tensors.Tensor
				if m.IsCoordinator() {
					host = x
				}
				array, err := m.Scatter(ctx, host, sharding, dtypes.Float32)
				if err != nil {
					return err
				}
				if len(array.LocalPositions()) != 2 {
					return errors.Errorf("expected 2 local shards, got %v", array.LocalPositions())
				}
				result, err := m.Gather(ctx, array, sharding, dtypes.Float32)
				if err != nil {
					return err
				}
				if m.IsCoordinator() {
					gathered = result
				} else if result != nil {
					return errors.New("non-coordinator got a gathered value")
				}
				return nil
			})
			distributedtest.RequireNoErrors(t, errs)
			require.NotNil(t, gathered)
			assert.True(t, x.Equal(gathered), "got %s", gathered)
		})
	}
}

func TestScatterShards(t *testing.T) {
	x := iotaFloat32(4, 2)
	errs := distributedtest.RunJob(t, 1, 4, []int{2, 2, 1}, func(ctx context.Context, m *distributed.Manager) error {
		sharding, err := distributed.BuildSpec().S("dp").S("mp").On(m.Mesh())
		if err != nil {
			return err
		}
		array, err := m.Scatter(ctx, x, sharding, dtypes.InvalidDType)
		if err != nil {
			return err
		}
		// Position 3 has coordinates {dp: 1, mp: 1}: rows 2-3, column 1.
		shard, found := array.Shard(3)
		if !found {
			return errors.New("shard 3 not found")
		}
		assert.Equal(t, []float32{5, 7}, tensors.MustCopyFlatData[float32](shard))
		assert.Equal(t, []int{2, 1}, array.ShardShape().Dimensions)
		assert.Equal(t, dtypes.Float32, array.DType())
		return nil
	})
	distributedtest.RequireNoErrors(t, errs)
}

func TestScatterConvertsDType(t *testing.T) {
	var gathered *tensors.Tensor
	errs := distributedtest.RunJob(t, 2, 1, []int{2, 1, 1}, func(ctx context.Context, m *distributed.Manager) error {
		var host *tensors.Tensor
		if m.IsCoordinator() {
			host = tensors.FromFlatDataAndDimensions([]float64{1.5, -2, 3, 4}, 4)
		}
		sharding, err := m.Sharding(distributed.BuildSpec().S("dp").Done())
		if err != nil {
			return err
		}
		array, err := m.Scatter(ctx, host, sharding, dtypes.Int32)
		if err != nil {
			return err
		}
		if array.DType() != dtypes.Int32 {
			return errors.Errorf("scattered array has dtype %s", array.DType())
		}
		result, err := m.Gather(ctx, array, nil, dtypes.Float32)
		if m.IsCoordinator() {
			gathered = result
		}
		return err
	})
	distributedtest.RequireNoErrors(t, errs)
	require.NotNil(t, gathered)
	assert.Equal(t, []float32{1, -2, 3, 4}, tensors.MustCopyFlatData[float32](gathered))
}

func TestShapeMismatch(t *testing.T) {
	// 5 rows can't be split in 2: every process must get the error.
	errs := distributedtest.RunJob(t, 2, 1, []int{2, 1, 1}, func(ctx context.Context, m *distributed.Manager) error {
		var host *tensors.Tensor
		if m.IsCoordinator() {
			host = iotaFloat32(5, 2)
		}
		sharding, err := m.Sharding(distributed.BuildSpec().S("dp").Done())
		if err != nil {
			return err
		}
		_, err = m.Scatter(ctx, host, sharding, dtypes.Float32)
		return err
	})
	for rank, err := range errs {
		require.ErrorIsf(t, err, distributed.ErrShapeMismatch, "process %d", rank)
	}

	// Spec with more axes than the value.
	errs = distributedtest.RunJob(t, 1, 2, []int{1, 2, 1}, func(ctx context.Context, m *distributed.Manager) error {
		sharding, err := m.Sharding(distributed.BuildSpec().R().S("mp").Done())
		if err != nil {
			return err
		}
		_, err = m.Scatter(ctx, iotaFloat32(4), sharding, dtypes.Float32)
		return err
	})
	require.ErrorIs(t, errs[0], distributed.ErrShapeMismatch)

	// Gather with a sharding different from the array's.
	errs = distributedtest.RunJob(t, 1, 2, []int{2, 1, 1}, func(ctx context.Context, m *distributed.Manager) error {
		sharding, err := m.Sharding(distributed.BuildSpec().S("dp").Done())
		if err != nil {
			return err
		}
		array, err := m.Scatter(ctx, iotaFloat32(4), sharding, dtypes.Float32)
		if err != nil {
			return err
		}
		_, err = m.Gather(ctx, array, m.UniformSharding(), dtypes.Float32)
		return err
	})
	require.ErrorIs(t, errs[0], distributed.ErrShapeMismatch)
}

func TestShardingValidation(t *testing.T) {
	mesh, err := distributed.NewDefaultMesh(newTopology(4), []int{2, 2, 1})
	require.NoError(t, err)
	_, err = mesh.Sharding(distributed.BuildSpec().S("tp").Done())
	require.ErrorIs(t, err, distributed.ErrConfiguration)
	_, err = mesh.Sharding(distributed.BuildSpec().S("dp").S("dp").Done())
	require.ErrorIs(t, err, distributed.ErrConfiguration)

	a, err := mesh.Sharding(distributed.BuildSpec().S("dp").R().Done())
	require.NoError(t, err)
	b, err := mesh.Sharding(distributed.NewPartitionSpec(distributed.AxisSpec{"dp"}))
	require.NoError(t, err)
	assert.True(t, a.Equal(b))
	assert.Equal(t, a.Spec().Key(), b.Spec().Key())
	assert.False(t, a.Equal(mesh.UniformSharding()))
	assert.Equal(t, 2, a.NumDevicesShardingAxis(0))
	assert.Equal(t, 1, a.NumDevicesShardingAxis(1))
	assert.Equal(t, []int{0, 2}, a.Representatives())
	assert.Equal(t, "PartitionSpec[S(dp), R]", a.Spec().String())
}

func TestNewManagerValidation(t *testing.T) {
	topology, err := distributed.NewTopology(0, 2, 1)
	require.NoError(t, err)
	mesh, err := distributed.NewDefaultMesh(topology, []int{2, 1, 1})
	require.NoError(t, err)
	_, err = distributed.NewManager(collective.Single(), mesh)
	require.ErrorIs(t, err, distributed.ErrConfiguration)
}

func TestInitRandomArrayReproducible(t *testing.T) {
	const seed = 42
	dims := []int{4, 6}
	spec := distributed.BuildSpec().S("dp").Done()
	gatherWith := func(processCount, devicesPerProcess int, meshShape []int) *tensors.Tensor {
		var gathered *tensors.Tensor
		errs := distributedtest.RunJob(t, processCount, devicesPerProcess, meshShape,
			func(ctx context.Context, m *distributed.Manager) error {
				sharding, err := m.Sharding(spec)
				if err != nil {
					return err
				}
				array, err := m.InitRandomArray(ctx, dims, 0.5, sharding, seed)
				if err != nil {
					return err
				}
				result, err := m.Gather(ctx, array, sharding, dtypes.Float32)
				if m.IsCoordinator() {
					gathered = result
				}
				return err
			})
		distributedtest.RequireNoErrors(t, errs)
		return gathered
	}
	single := gatherWith(1, 1, []int{1, 1, 1})
	multi := gatherWith(2, 2, []int{2, 2, 1})
	require.NotNil(t, single)
	assert.True(t, single.Equal(multi), "values differ across device counts:\n%s\n%s", single, multi)
	assert.True(t, single.Equal(distributed.RandomNormal(seed, 0.5, dims...)))
	assert.False(t, single.Equal(distributed.RandomNormal(seed+1, 0.5, dims...)))
}

func TestKeyAndZeros(t *testing.T) {
	errs := distributedtest.RunJob(t, 2, 1, []int{1, 2, 1}, func(ctx context.Context, m *distributed.Manager) error {
		key, err := m.Key(ctx, 1<<32|7)
		if err != nil {
			return err
		}
		if !key.Sharding().IsUniform() {
			return errors.New("key should be uniformly sharded")
		}
		shard, _ := key.Shard(m.Mesh().LocalPositions()[0])
		assert.Equal(t, []uint32{1, 7}, tensors.MustCopyFlatData[uint32](shard))

		sharding, err := m.Sharding(distributed.BuildSpec().R().S("mp").Done())
		if err != nil {
			return err
		}
		zeros, err := m.Zeros(ctx, dtypes.Int8, sharding, 3, 4)
		if err != nil {
			return err
		}
		shard, _ = zeros.Shard(m.Mesh().LocalPositions()[0])
		assert.Equal(t, []int8{0, 0, 0, 0, 0, 0}, tensors.MustCopyFlatData[int8](shard))
		return nil
	})
	distributedtest.RequireNoErrors(t, errs)
}

func TestTrees(t *testing.T) {
	var gathered *pytree.Tree[*tensors.Tensor]
	var shardings *pytree.Tree[*distributed.NamedSharding]
	errs := distributedtest.RunJob(t, 2, 2, []int{2, 2, 1}, func(ctx context.Context, m *distributed.Manager) error {
		rowSharding, err := m.Sharding(distributed.BuildSpec().S("dp").Done())
		if err != nil {
			return err
		}
		target := pytree.New[*distributed.NamedSharding]().
			SetLeaf("a", nil).
			Set("b", pytree.New[*distributed.NamedSharding]().SetLeaf("c", rowSharding))
		var host *pytree.Tree[*tensors.Tensor]
		if m.IsCoordinator() {
			host = pytree.New[*tensors.Tensor]().
				SetLeaf("a", tensors.FromFlatDataAndDimensions([]float32{1, 2, 3}, 3)).
				Set("b", pytree.New[*tensors.Tensor]().SetLeaf("c", iotaFloat32(8, 2)))
		}
		arrays, err := m.ScatterTree(ctx, host, target, dtypes.Float32)
		if err != nil {
			return err
		}

		// Mix with an opaque leaf for introspection.
		state := pytree.New[any]().SetLeaf("step", "opaque")
		for path, array := range arrays.Leaves() {
			state.SetLeaf(path.String(), array)
		}
		if m.IsCoordinator() {
			shardings = distributed.ShardingOf(state)
		}

		result, err := m.GatherTree(ctx, arrays, dtypes.InvalidDType)
		if m.IsCoordinator() {
			gathered = result
		} else if result != nil {
			return errors.New("non-coordinator got a gathered tree")
		}
		return err
	})
	distributedtest.RequireNoErrors(t, errs)
	require.NotNil(t, gathered)
	a, err := gathered.Get("a")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, tensors.MustCopyFlatData[float32](a.Value()))
	c, err := gathered.Get("b", "c")
	require.NoError(t, err)
	assert.True(t, iotaFloat32(8, 2).Equal(c.Value()))

	step, err := shardings.Get("step")
	require.NoError(t, err)
	assert.Nil(t, step.Value(), "opaque leaves have no sharding")
	leafA, err := shardings.Get("a")
	require.NoError(t, err)
	assert.True(t, leafA.Value().IsUniform())
	leafC, err := shardings.Get("b/c")
	require.NoError(t, err)
	assert.Equal(t, "PartitionSpec[S(dp)]", leafC.Value().Spec().String())
}

func TestPartitionSpecOf(t *testing.T) {
	errs := distributedtest.RunJob(t, 1, 4, []int{2, 2, 1}, func(ctx context.Context, m *distributed.Manager) error {
		sharding, err := m.Sharding(distributed.BuildSpec().S("dp").S("mp").Done())
		if err != nil {
			return err
		}
		array, err := m.Scatter(ctx, iotaFloat32(4, 4), sharding, dtypes.Float32)
		if err != nil {
			return err
		}
		tree := pytree.New[any]().
			SetLeaf("w", array).
			Set("nested", pytree.New[any]().SetLeaf("name", "layer").SetLeaf("missing", (*distributed.Array)(nil)))
		specs := distributed.PartitionSpecOf(tree)
		assert.True(t, pytree.SameStructure(tree, specs))
		w, _ := specs.Get("w")
		assert.True(t, w.Value().Equal(distributed.BuildSpec().S("dp").S("mp").Done()))
		name, _ := specs.Get("nested", "name")
		assert.Nil(t, name.Value())
		missing, _ := specs.Get("nested", "missing")
		assert.Nil(t, missing.Value())

		// Rebinding the specs on a differently shaped mesh.
		other, err := distributed.NewDefaultMesh(newTopology(4), []int{4, 1, 1})
		if err != nil {
			return err
		}
		bound, err := distributed.BindSpecs(other, specs)
		if err != nil {
			return err
		}
		wBound, _ := bound.Get("w")
		assert.Equal(t, 4, wBound.Value().NumDevicesShardingAxis(0))
		assert.Equal(t, 1, wBound.Value().NumDevicesShardingAxis(1))
		return nil
	})
	distributedtest.RequireNoErrors(t, errs)
}
