// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/monkfish/lvd/pkg/core/distributed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
dist_manager:
  mesh_shape: [2, 2, 1]
  process_count: 2
  coordinator_address: "localhost:7077"
diffusion_auto_encoder:
  model:
    encoder: {k: 8, n_layers: 2}
    decoder: {k: 16, n_layers: 3}
  train:
    lr: 1e-4
    ckpt_freq: 100
data:
  target_resolution: [64, 32]
  mode: contiguous_video
storage:
  backend: file
  root: /tmp/lvd
  checkpoint_dir: runs/exp1
`

func TestParseYAML(t *testing.T) {
	c, err := Parse([]byte(validYAML))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 1}, c.DistManager.MeshShape)
	assert.Equal(t, 2, c.ProcessCount())
	assert.Equal(t, 0, c.ProcessIndex())
	assert.Equal(t, 1, c.SetProcessIndex(1).ProcessIndex())
	assert.Equal(t, 16, *c.DiffusionAutoEncoder.Model.Decoder.K)
	assert.InDelta(t, 1e-4, *c.DiffusionAutoEncoder.Train.LR, 1e-12)
	assert.Equal(t, "contiguous_video", c.DataMode())
	assert.Equal(t, DefaultWorkers, c.Workers())
	assert.Equal(t, DefaultQueueSize, c.QueueSize())
	assert.Equal(t, -1, c.Keep())
	assert.Equal(t, uint64(0), c.Seed())
	assert.Equal(t, "runs/exp1", c.Storage.CheckpointDir)
}

func TestParseJSON(t *testing.T) {
	c, err := Parse([]byte(`{
		"dist_manager": {"mesh_shape": [1, 1, 1]},
		"diffusion_auto_encoder": {
			"model": {"encoder": {"k": 4, "n_layers": 1}, "decoder": {"k": 4, "n_layers": 1}},
			"train": {"lr": 0.001, "ckpt_freq": 10, "keep": 2, "seed": 7}
		},
		"data": {"target_resolution": [8, 8], "workers": 2, "queue_size": 3},
		"storage": {"backend": "memory"}
	}`))
	require.NoError(t, err)
	assert.Equal(t, 1, c.ProcessCount())
	assert.Equal(t, DefaultMode, c.DataMode())
	assert.Equal(t, 2, c.Workers())
	assert.Equal(t, 3, c.QueueSize())
	assert.Equal(t, 2, c.Keep())
	assert.Equal(t, uint64(7), c.Seed())
}

func TestMissingKeys(t *testing.T) {
	_, err := Parse([]byte(`storage: {backend: gcs}`))
	require.ErrorIs(t, err, distributed.ErrConfiguration)
	for _, key := range []string{
		"dist_manager.mesh_shape",
		"diffusion_auto_encoder.model.encoder.k",
		"diffusion_auto_encoder.model.decoder.n_layers",
		"diffusion_auto_encoder.train.lr",
		"diffusion_auto_encoder.train.ckpt_freq",
		"data.target_resolution",
		"storage.bucket",
		"storage.credentials_path",
	} {
		assert.Contains(t, err.Error(), "missing "+key)
	}

	_, err = Parse(nil)
	require.ErrorIs(t, err, distributed.ErrConfiguration)
	assert.Contains(t, err.Error(), "missing storage.backend")
}

func TestInvalidValues(t *testing.T) {
	for _, tc := range []struct{ from, to, want string }{
		{"process_count: 2", "process_count: 0", "process_count=0"},
		{"lr: 1e-4", "lr: -1", "lr=-1"},
		{"[64, 32]", "[64]", "target_resolution=[64]"},
		{"mode: contiguous_video", "mode: sideways", `data.mode="sideways"`},
		{"backend: file", "backend: s3", `storage.backend="s3"`},
		{"storage:", "strage: {}\nstorage:", `unknown sections ["strage"]`},
	} {
		contents := []byte(strings.Replace(validYAML, tc.from, tc.to, 1))
		_, err := Parse(contents)
		require.ErrorIs(t, err, distributed.ErrConfiguration, tc.to)
		assert.Contains(t, err.Error(), tc.want)
	}
	_, err := Parse([]byte("dist_manager: [not, a, map]"))
	require.ErrorIs(t, err, distributed.ErrConfiguration)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validYAML), 0600))
	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "localhost:7077", c.DistManager.CoordinatorAddress)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, distributed.ErrConfiguration)
}
