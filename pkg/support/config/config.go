// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config defines the configuration file of a training job.
//
// The file can be written in YAML or JSON (which YAML parses as well). Example:
//
//	dist_manager:
//	  mesh_shape: [2, 4, 1]
//	  process_count: 2
//	  coordinator_address: "10.0.0.2:7077"
//	diffusion_auto_encoder:
//	  model:
//	    encoder: {k: 64, n_layers: 4}
//	    decoder: {k: 64, n_layers: 6}
//	  train:
//	    lr: 1e-4
//	    ckpt_freq: 500
//	    keep: 3
//	data:
//	  target_resolution: [1280, 720]
//	  mode: contiguous_video
//	  video_prefix: videos/
//	storage:
//	  backend: gcs
//	  bucket: my-bucket
//	  credentials_path: ~/keys/service-account.json
//	  checkpoint_dir: runs/exp1
//
// Required values have no defaults: Load reports all the missing ones at once, in an error wrapping
// distributed.ErrConfiguration.
package config

import (
	"bytes"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/monkfish/lvd/pkg/core/distributed"
	"github.com/monkfish/lvd/pkg/support/fsutil"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	BackendGCS    = "gcs"
	BackendFile   = "file"
	BackendMemory = "memory"
)

// Defaults for optional values.
const (
	DefaultWorkers   = 4
	DefaultQueueSize = 10
	DefaultMode      = "random_frame"
)

// Config of a training job. Optional values are pointers, so missing values can be told apart from zeros.
type Config struct {
	DistManager          DistManager    `yaml:"dist_manager"`
	DiffusionAutoEncoder AutoEncoder    `yaml:"diffusion_auto_encoder"`
	Data                 Data           `yaml:"data"`
	Storage              Storage        `yaml:"storage"`
	Extra                map[string]any `yaml:",inline"`
}

// DistManager configures the processes of the job and the device mesh.
type DistManager struct {
	// MeshShape is the size of each of the mesh axes ("dp", "mp", "fsdp"). Required.
	MeshShape []int `yaml:"mesh_shape"`

	// ProcessCount defaults to 1. ProcessIndex is usually set per process, from the command line or
	// environment, with Config.SetProcessIndex.
	ProcessCount *int `yaml:"process_count"`
	ProcessIndex *int `yaml:"process_index"`

	// CoordinatorAddress is the "host:port" where the process 0 serves the collective operations.
	// Required if ProcessCount > 1.
	CoordinatorAddress string `yaml:"coordinator_address"`
}

// AutoEncoder hyperparameters.
type AutoEncoder struct {
	Model struct {
		Encoder Layers `yaml:"encoder"`
		Decoder Layers `yaml:"decoder"`
	} `yaml:"model"`
	Train Train `yaml:"train"`
}

// Layers of a sub-model: width k and depth.
type Layers struct {
	K       *int `yaml:"k"`
	NLayers *int `yaml:"n_layers"`
}

// Train configures the optimizer and checkpointing.
type Train struct {
	LR       *float64 `yaml:"lr"`
	CkptFreq *int     `yaml:"ckpt_freq"`

	// Keep is the number of checkpoints to keep of each kind. Default is to keep all.
	Keep *int `yaml:"keep"`

	// Seed for the parameters initialization. Default is 0.
	Seed *uint64 `yaml:"seed"`
}

// Data configures the ingestion of training data.
type Data struct {
	// TargetResolution of the frames, as [width, height]. Required.
	TargetResolution []int `yaml:"target_resolution"`

	Mode      string `yaml:"mode"`
	Workers   *int   `yaml:"workers"`
	QueueSize *int   `yaml:"queue_size"`

	// VideoPrefix and LatentPrefix are where videos (for "random_frame" and "contiguous_video") and encoded
	// latents (for "array_tuple") are stored.
	VideoPrefix  string `yaml:"video_prefix"`
	LatentPrefix string `yaml:"latent_prefix"`

	// MetadataPath is a local JSON file with the descriptions of the videos. Optional.
	MetadataPath string `yaml:"metadata_path"`
}

// Storage configures where data and checkpoints are stored.
type Storage struct {
	// Backend is one of "gcs", "file" or "memory". Required.
	Backend string `yaml:"backend"`

	// Bucket and CredentialsPath (a service account JSON file) are required by the "gcs" backend.
	Bucket          string `yaml:"bucket"`
	CredentialsPath string `yaml:"credentials_path"`

	// Root directory for the "file" backend. Required by it.
	Root string `yaml:"root"`

	// CheckpointDir is the prefix of the checkpoint blobs within the storage.
	CheckpointDir string `yaml:"checkpoint_dir"`
}

// Load reads and validates the configuration file at path. "~" in path is expanded to the user's home.
func Load(path string) (*Config, error) {
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return nil, err
	}
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithMessagef(distributed.ErrConfiguration, "reading configuration: %v", err)
	}
	c, err := Parse(contents)
	if err != nil {
		return nil, errors.WithMessagef(err, "configuration file %q", path)
	}
	return c, nil
}

// Parse a YAML or JSON configuration and validate it.
func Parse(contents []byte) (*Config, error) {
	c := &Config{}
	decoder := yaml.NewDecoder(bytes.NewReader(contents))
	if err := decoder.Decode(c); err != nil && err != io.EOF {
		return nil, errors.WithMessagef(distributed.ErrConfiguration, "parsing configuration: %v", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks that all required values are set and valid. All problems are reported in one error, wrapping
// distributed.ErrConfiguration.
func (c *Config) Validate() error {
	var problems []string
	missing := func(key string) {
		problems = append(problems, "missing "+key)
	}
	invalid := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	dm := &c.DistManager
	if len(dm.MeshShape) == 0 {
		missing("dist_manager.mesh_shape")
	}
	for _, size := range dm.MeshShape {
		if size <= 0 {
			invalid("dist_manager.mesh_shape=%v must have only positive sizes", dm.MeshShape)
			break
		}
	}
	if c.ProcessCount() <= 0 {
		invalid("dist_manager.process_count=%d must be positive", c.ProcessCount())
	} else if c.ProcessCount() > 1 && dm.CoordinatorAddress == "" {
		missing("dist_manager.coordinator_address (required with more than one process)")
	}
	if idx := c.ProcessIndex(); idx < 0 || idx >= max(c.ProcessCount(), 1) {
		invalid("dist_manager.process_index=%d out of range", idx)
	}

	model := &c.DiffusionAutoEncoder.Model
	for _, l := range []struct {
		name   string
		layers Layers
	}{{"encoder", model.Encoder}, {"decoder", model.Decoder}} {
		prefix := "diffusion_auto_encoder.model." + l.name
		if l.layers.K == nil {
			missing(prefix + ".k")
		} else if *l.layers.K <= 0 {
			invalid("%s.k=%d must be positive", prefix, *l.layers.K)
		}
		if l.layers.NLayers == nil {
			missing(prefix + ".n_layers")
		} else if *l.layers.NLayers <= 0 {
			invalid("%s.n_layers=%d must be positive", prefix, *l.layers.NLayers)
		}
	}
	train := &c.DiffusionAutoEncoder.Train
	if train.LR == nil {
		missing("diffusion_auto_encoder.train.lr")
	} else if *train.LR <= 0 {
		invalid("diffusion_auto_encoder.train.lr=%g must be positive", *train.LR)
	}
	if train.CkptFreq == nil {
		missing("diffusion_auto_encoder.train.ckpt_freq")
	} else if *train.CkptFreq <= 0 {
		invalid("diffusion_auto_encoder.train.ckpt_freq=%d must be positive", *train.CkptFreq)
	}
	if train.Keep != nil && *train.Keep <= 0 && *train.Keep != -1 {
		invalid("diffusion_auto_encoder.train.keep=%d must be positive or -1", *train.Keep)
	}

	data := &c.Data
	if len(data.TargetResolution) == 0 {
		missing("data.target_resolution")
	} else if len(data.TargetResolution) != 2 || data.TargetResolution[0] <= 0 || data.TargetResolution[1] <= 0 {
		invalid("data.target_resolution=%v must be [width, height]", data.TargetResolution)
	}
	switch c.DataMode() {
	case "random_frame", "contiguous_video", "array_tuple":
	default:
		invalid("data.mode=%q must be one of random_frame, contiguous_video or array_tuple", data.Mode)
	}
	if data.Workers != nil && *data.Workers <= 0 {
		invalid("data.workers=%d must be positive", *data.Workers)
	}
	if data.QueueSize != nil && *data.QueueSize <= 0 {
		invalid("data.queue_size=%d must be positive", *data.QueueSize)
	}

	st := &c.Storage
	switch st.Backend {
	case "":
		missing("storage.backend")
	case BackendGCS:
		if st.Bucket == "" {
			missing("storage.bucket (required by the gcs backend)")
		}
		if st.CredentialsPath == "" {
			missing("storage.credentials_path (required by the gcs backend)")
		}
	case BackendFile:
		if st.Root == "" {
			missing("storage.root (required by the file backend)")
		}
	case BackendMemory:
	default:
		invalid("storage.backend=%q must be one of gcs, file or memory", st.Backend)
	}

	if len(c.Extra) > 0 {
		invalid("unknown sections %q", slices.Sorted(maps.Keys(c.Extra)))
	}

	if len(problems) > 0 {
		return errors.WithMessagef(distributed.ErrConfiguration, "%s", strings.Join(problems, "; "))
	}
	return nil
}

// ProcessCount returns the configured number of processes, 1 by default.
func (c *Config) ProcessCount() int {
	if c.DistManager.ProcessCount == nil {
		return 1
	}
	return *c.DistManager.ProcessCount
}

// ProcessIndex returns the configured process index, 0 by default.
func (c *Config) ProcessIndex() int {
	if c.DistManager.ProcessIndex == nil {
		return 0
	}
	return *c.DistManager.ProcessIndex
}

// SetProcessIndex overrides the process index, usually given per process at launch time.
func (c *Config) SetProcessIndex(index int) *Config {
	c.DistManager.ProcessIndex = &index
	return c
}

// DataMode returns the configured data mode, DefaultMode if not set.
func (c *Config) DataMode() string {
	if c.Data.Mode == "" {
		return DefaultMode
	}
	return c.Data.Mode
}

// Workers returns the number of ingestion workers, DefaultWorkers if not set.
func (c *Config) Workers() int {
	if c.Data.Workers == nil {
		return DefaultWorkers
	}
	return *c.Data.Workers
}

// QueueSize returns the capacity of the ingestion queue, DefaultQueueSize if not set.
func (c *Config) QueueSize() int {
	if c.Data.QueueSize == nil {
		return DefaultQueueSize
	}
	return *c.Data.QueueSize
}

// Keep returns the number of checkpoints of each kind to keep, -1 (all) if not set.
func (c *Config) Keep() int {
	if c.DiffusionAutoEncoder.Train.Keep == nil {
		return -1
	}
	return *c.DiffusionAutoEncoder.Train.Keep
}

// Seed returns the initialization seed, 0 if not set.
func (c *Config) Seed() uint64 {
	if c.DiffusionAutoEncoder.Train.Seed == nil {
		return 0
	}
	return *c.DiffusionAutoEncoder.Train.Seed
}
