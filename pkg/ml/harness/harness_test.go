package harness_test

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"
	"sync/atomic"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/monkfish/lvd/pkg/core/distributed"
	"github.com/monkfish/lvd/pkg/core/distributed/distributedtest"
	"github.com/monkfish/lvd/pkg/core/dtypes"
	"github.com/monkfish/lvd/pkg/core/pytree"
	"github.com/monkfish/lvd/pkg/core/tensors"
	"github.com/monkfish/lvd/pkg/ml/harness"
	"github.com/monkfish/lvd/pkg/ml/ingest"
	"github.com/monkfish/lvd/pkg/storage/blobstore"
	"github.com/monkfish/lvd/pkg/storage/blobstore/filestore"
	"github.com/monkfish/lvd/pkg/storage/blobstore/memstore"
	"github.com/monkfish/lvd/pkg/support/config"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSeed = 7

func testConfig(t *testing.T, mode string) *config.Config {
	t.Helper()
	contents := fmt.Sprintf(`
dist_manager:
  mesh_shape: [1, 2, 2]
diffusion_auto_encoder:
  model:
    encoder: {k: 4, n_layers: 2}
    decoder: {k: 4, n_layers: 1}
  train: {lr: 0.001, ckpt_freq: 2, keep: 1, seed: %d}
data:
  target_resolution: [4, 2]
  mode: %s
  video_prefix: videos/
  latent_prefix: latents/
  workers: 2
storage:
  backend: memory
  checkpoint_dir: run
`, testSeed, mode)
	return must.M1(config.Parse([]byte(contents)))
}

func putVideo(t *testing.T, store blobstore.Store, name string) {
	t.Helper()
	frames := make([]image.Image, 3)
	for ii := range frames {
		img := image.NewNRGBA(image.Rect(0, 0, 8, 4))
		for y := range 4 {
			for x := range 8 {
				img.SetNRGBA(x, y, color.NRGBA{R: uint8(ii * 50), G: 10, B: 20, A: 255})
			}
		}
		frames[ii] = img
	}
	data := must.M1(ingest.EncodeFrameArchive(frames))
	require.NoError(t, store.Put(context.Background(), name, data))
}

// gatherLeaf gathers the array at path of tree. It returns nil in processes other than the coordinator.
func gatherLeaf(ctx context.Context, m *distributed.Manager, tree *pytree.Tree[any],
	path ...string) (*tensors.Tensor, error) {
	node, err := tree.Get(path...)
	if err != nil {
		return nil, err
	}
	array, ok := node.Value().(*distributed.Array)
	if !ok {
		return nil, errors.Errorf("%q is not an array", path)
	}
	return m.Gather(ctx, array, nil, dtypes.InvalidDType)
}

func TestTrainAndResume(t *testing.T) {
	store := memstore.New()
	putVideo(t, store, "videos/clip.tar")
	cfg := testConfig(t, "random_frame")

	var steps atomic.Int32
	errs := distributedtest.RunJob(t, 2, 2, []int{1, 2, 2}, func(ctx context.Context, m *distributed.Manager) error {
		h, err := harness.FromManager(ctx, cfg, m, store)
		if err != nil {
			return err
		}
		defer func() { _ = h.Close() }()
		if (h.Loader() != nil) != m.IsCoordinator() {
			return errors.New("the loader must only run in the coordinator")
		}
		restored, err := h.Restore(ctx)
		if err != nil {
			return err
		}
		if restored {
			return errors.New("restored without checkpoints")
		}
		h.ProgressOutput(nil)
		return h.Train(ctx, 5, func(ctx context.Context, batch harness.Batch, state *harness.State) error {
			if got := batch.Data.Shape().Dimensions; !assert.ObjectsAreEqual([]int{1, 2, 4, 3}, got) {
				return errors.Errorf("unexpected batch shape %v", got)
			}
			if !batch.Data.Sharding().IsUniform() {
				return errors.New("batch is not uniformly sharded")
			}
			steps.Add(1)
			return nil
		})
	})
	distributedtest.RequireNoErrors(t, errs)
	assert.Equal(t, int32(10), steps.Load())

	// Keep is 1: only the checkpoints of iteration 4 are left.
	names := must.M1(store.List(context.Background(), "run/"))
	assert.Equal(t, []string{
		"run/checkpoint_decoder_4.ckpt",
		"run/checkpoint_encoder_4.ckpt",
		"run/checkpoint_opt_state_4.ckpt",
		"run/checkpoint_rng_4.ckpt",
	}, names)

	// Resume in a single process with 4 devices in another mesh.
	var inputWeights, rng *tensors.Tensor
	errs = distributedtest.RunJob(t, 1, 4, []int{1, 4, 1}, func(ctx context.Context, m *distributed.Manager) error {
		h, err := harness.FromManager(ctx, cfg, m, store)
		if err != nil {
			return err
		}
		defer func() { _ = h.Close() }()
		restored, err := h.Restore(ctx)
		if err != nil {
			return err
		}
		if !restored {
			return errors.New("checkpoint not restored")
		}
		state := h.State
		if state.Iteration != 4 {
			return errors.Errorf("restored iteration %d, wanted 4", state.Iteration)
		}
		count, err := state.OptState.Get(harness.OptCount)
		if err != nil {
			return err
		}
		if count.Value() != any(4) {
			return errors.Errorf("optimizer count %v, wanted 4", count.Value())
		}
		lr, err := state.OptState.Get(harness.OptLR)
		if err != nil {
			return err
		}
		if lr.Value() != any(0.001) {
			return errors.Errorf("learning rate %v, wanted 0.001", lr.Value())
		}
		mu, err := state.OptState.Get(harness.OptMu, harness.KindDecoder, "output", "w")
		if err != nil {
			return err
		}
		if got := mu.Value().(*distributed.Array).ShardShape().Dimensions; got[0] != 1 || got[1] != 3 {
			return errors.Errorf("unexpected moment shard shape %v", got)
		}
		if inputWeights, err = gatherLeaf(ctx, m, state.Encoder, "input", "w"); err != nil {
			return err
		}
		rng, err = m.Gather(ctx, state.RNG, nil, dtypes.InvalidDType)
		return err
	})
	distributedtest.RequireNoErrors(t, errs)

	// Initial values don't depend on the topology.
	want := distributed.RandomNormal(testSeed+1, 1/math.Sqrt(harness.InputChannels), harness.InputChannels, 4)
	assert.True(t, want.Equal(inputWeights))
	assert.Equal(t, []uint32{0, testSeed}, tensors.MustCopyFlatData[uint32](rng))
}

func TestArrayTupleBatches(t *testing.T) {
	store := memstore.New()
	latent := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	require.NoError(t, ingest.NewLatentUploader(store, "latents").
		UploadAll(context.Background(), []ingest.LatentRecord{{Name: "a", Description: "a dog", Array: latent}}))
	cfg := testConfig(t, "array_tuple")

	errs := distributedtest.RunJob(t, 2, 2, []int{2, 2, 1}, func(ctx context.Context, m *distributed.Manager) error {
		h, err := harness.FromManager(ctx, cfg, m, store)
		if err != nil {
			return err
		}
		defer func() { _ = h.Close() }()
		if _, err = h.InitState(ctx); err != nil {
			return err
		}
		sharding, err := m.Sharding(distributed.BuildSpec().S("dp").Done())
		if err != nil {
			return err
		}
		h.BatchSharding(sharding).ProgressOutput(nil)
		return h.Train(ctx, 1, func(ctx context.Context, batch harness.Batch, state *harness.State) error {
			if batch.Description != "a dog" {
				return errors.Errorf("description %q, wanted \"a dog\"", batch.Description)
			}
			if got := batch.Data.ShardShape().Dimensions; got[0] != 1 || got[1] != 3 {
				return errors.Errorf("unexpected shard shape %v", got)
			}
			gathered, err := m.Gather(ctx, batch.Data, nil, dtypes.InvalidDType)
			if err != nil {
				return err
			}
			if m.IsCoordinator() && !latent.Equal(gathered) {
				return errors.New("batch differs from the uploaded latent")
			}
			return nil
		})
	})
	distributedtest.RequireNoErrors(t, errs)

	// Not a checkpoint iteration.
	assert.Empty(t, must.M1(store.List(context.Background(), "run/")))
}

func TestStepError(t *testing.T) {
	store := memstore.New()
	putVideo(t, store, "videos/clip.tar")
	cfg := testConfig(t, "contiguous_video")
	errStep := errors.New("diverged")
	errs := distributedtest.RunJob(t, 1, 4, []int{1, 2, 2}, func(ctx context.Context, m *distributed.Manager) error {
		h := must.M1(harness.FromManager(ctx, cfg, m, store))
		defer func() { _ = h.Close() }()
		if err := h.Train(ctx, 1, nil); err == nil {
			return errors.New("Train without a state should fail")
		}
		must.M1(h.InitState(ctx))
		return h.ProgressOutput(nil).Train(ctx, 3, func(ctx context.Context, batch harness.Batch, state *harness.State) error {
			if batch.Description != ingest.NoDescription {
				return errors.Errorf("unexpected description %q", batch.Description)
			}
			if got := batch.Data.Shape().Dimensions; got[0] != 3 {
				return errors.Errorf("unexpected number of frames in %v", got)
			}
			if state.Iteration == 1 {
				return errStep
			}
			return nil
		})
	})
	require.Len(t, errs, 1)
	require.ErrorIs(t, errs[0], errStep)
}

func TestSaveCheckpointWithoutState(t *testing.T) {
	errs := distributedtest.RunJob(t, 1, 1, []int{1, 1, 1}, func(ctx context.Context, m *distributed.Manager) error {
		cfg := testConfig(t, "random_frame")
		h := must.M1(harness.FromManager(ctx, cfg, m, memstore.New()))
		defer func() { _ = h.Close() }()
		return h.SaveCheckpoint(ctx, 1)
	})
	require.Error(t, errs[0])
}

func TestParamShardings(t *testing.T) {
	cfg := testConfig(t, "random_frame")
	errs := distributedtest.RunJob(t, 1, 4, []int{1, 2, 2}, func(ctx context.Context, m *distributed.Manager) error {
		h := must.M1(harness.FromManager(ctx, cfg, m, memstore.New()))
		defer func() { _ = h.Close() }()
		shardings, err := h.ParamShardings(harness.KindEncoder)
		if err != nil {
			return err
		}
		specs := make(map[string]string)
		for path, sharding := range shardings.Leaves() {
			specs[path.String()] = sharding.Spec().String()
		}
		want := map[string]string{
			"input/w":     "PartitionSpec[R, S(mp)]",
			"input/b":     "PartitionSpec[S(mp)]",
			"layer_000/w": "PartitionSpec[S(fsdp), S(mp)]",
			"layer_000/b": "PartitionSpec[S(mp)]",
			"layer_001/w": "PartitionSpec[S(fsdp), S(mp)]",
			"layer_001/b": "PartitionSpec[S(mp)]",
		}
		if !assert.ObjectsAreEqual(want, specs) {
			return errors.Errorf("unexpected shardings %v", specs)
		}
		return nil
	})
	distributedtest.RequireNoErrors(t, errs)
}

func TestNew(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store := must.M1(filestore.New(root))
	putVideo(t, store, "videos/clip.tar")

	cfg := testConfig(t, "random_frame")
	cfg.DistManager.MeshShape = []int{1, 1, 1}
	cfg.Storage.Backend = config.BackendFile
	cfg.Storage.Root = root
	h, err := harness.New(ctx, cfg)
	require.NoError(t, err)
	restored, err := h.Restore(ctx)
	require.NoError(t, err)
	assert.False(t, restored)
	require.NoError(t, h.ProgressOutput(nil).Train(ctx, 2, func(context.Context, harness.Batch, *harness.State) error {
		return nil
	}))
	require.NoError(t, h.Close())
	iterations := must.M1(store.List(ctx, "run/"))
	assert.Len(t, iterations, len(harness.Kinds))

	// Devices not divisible among processes.
	cfg = testConfig(t, "random_frame")
	cfg.DistManager.MeshShape = []int{3, 1, 1}
	two := 2
	cfg.DistManager.ProcessCount = &two
	cfg.DistManager.CoordinatorAddress = "localhost:0"
	_, err = harness.New(ctx, cfg)
	require.ErrorIs(t, err, distributed.ErrConfiguration)
}
