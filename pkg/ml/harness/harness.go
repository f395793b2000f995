// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package harness runs a distributed training job of the video auto-encoder: it builds the process group, the
// device mesh, the storage and the checkpoints from a config.Config, initializes or restores the model state
// and drives the training steps.
//
// The model itself is not defined here: Train calls a user given StepFn with the batch and the state.
//
// Example:
//
//	cfg := must.M1(config.Load(configPath)).SetProcessIndex(processIndex)
//	h, err := harness.New(ctx, cfg)
//	if err != nil { ... }
//	defer h.Close()
//	if err := h.Restore(ctx); err != nil { ... }
//	err = h.Train(ctx, numSteps, myStep)
package harness

import (
	"context"
	"io"

	"github.com/monkfish/lvd/pkg/core/collective"
	"github.com/monkfish/lvd/pkg/core/collective/grpcgroup"
	"github.com/monkfish/lvd/pkg/core/distributed"
	"github.com/monkfish/lvd/pkg/ml/checkpoints"
	"github.com/monkfish/lvd/pkg/ml/ingest"
	"github.com/monkfish/lvd/pkg/storage/blobstore"
	"github.com/monkfish/lvd/pkg/storage/blobstore/filestore"
	"github.com/monkfish/lvd/pkg/storage/blobstore/gcsstore"
	"github.com/monkfish/lvd/pkg/storage/blobstore/memstore"
	"github.com/monkfish/lvd/pkg/support/config"
	"github.com/monkfish/lvd/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Harness of a training job. All processes of the job create one, and call its methods in the same order.
type Harness struct {
	cfg         *config.Config
	manager     *distributed.Manager
	store       blobstore.ListerStore
	checkpoints *checkpoints.Handler

	// loader is only created in the coordinator.
	loader *ingest.Loader

	batchSharding     *distributed.NamedSharding
	progressOutput    io.Writer
	progressOutputSet bool

	// State being trained, set by InitState or Restore.
	State *State

	// closers are called by Close in reverse order.
	closers []func() error
}

// New creates the harness described by cfg: it joins the process group (over gRPC if there is more than one
// process), creates the mesh with the default axes names, opens the storage and, in the coordinator, starts
// the data loader.
//
// cfg.ProcessIndex() must be set to this process index.
func New(ctx context.Context, cfg *config.Config) (*Harness, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	processCount := cfg.ProcessCount()
	numDevices := 1
	for _, size := range cfg.DistManager.MeshShape {
		numDevices *= size
	}
	if numDevices%processCount != 0 {
		return nil, errors.WithMessagef(distributed.ErrConfiguration,
			"mesh_shape %v has %d devices, not divisible among %d processes",
			cfg.DistManager.MeshShape, numDevices, processCount)
	}
	topology, err := distributed.NewTopology(cfg.ProcessIndex(), processCount, numDevices/processCount)
	if err != nil {
		return nil, err
	}
	mesh, err := distributed.NewDefaultMesh(topology, cfg.DistManager.MeshShape)
	if err != nil {
		return nil, err
	}

	var closers []func() error
	closeAll := func() {
		for _, fn := range closers {
			_ = fn()
		}
	}
	var group collective.Group
	if processCount == 1 {
		group = collective.Single()
	} else {
		group, err = grpcgroup.Connect(grpcgroup.Config{
			Address: cfg.DistManager.CoordinatorAddress,
			Rank:    cfg.ProcessIndex(),
			Size:    processCount,
		})
		if err != nil {
			return nil, errors.WithMessage(err, "joining the process group")
		}
	}
	closers = append(closers, group.Close)
	manager, err := distributed.NewManager(group, mesh)
	if err != nil {
		closeAll()
		return nil, err
	}

	store, storeCloser, err := openStore(ctx, &cfg.Storage)
	if err != nil {
		closeAll()
		return nil, err
	}
	if storeCloser != nil {
		closers = append(closers, storeCloser)
	}
	h, err := FromManager(ctx, cfg, manager, store)
	if err != nil {
		closeAll()
		return nil, err
	}
	h.closers = append(closers, h.closers...)
	klog.Infof("harness: process %d of %d, mesh %s", cfg.ProcessIndex(), processCount, mesh)
	return h, nil
}

// openStore creates the blob store configured. The closer may be nil.
func openStore(ctx context.Context, st *config.Storage) (store blobstore.ListerStore, closer func() error, err error) {
	switch st.Backend {
	case config.BackendGCS:
		credentials, err := fsutil.ReplaceTildeInDir(st.CredentialsPath)
		if err != nil {
			return nil, nil, err
		}
		gcs, err := gcsstore.New(ctx, gcsstore.Config{Bucket: st.Bucket, CredentialsFile: credentials})
		if err != nil {
			return nil, nil, errors.WithMessagef(checkpoints.ErrStorageIO, "%v", err)
		}
		return gcs, gcs.Close, nil
	case config.BackendFile:
		root, err := fsutil.ReplaceTildeInDir(st.Root)
		if err != nil {
			return nil, nil, err
		}
		fs, err := filestore.New(root)
		if err != nil {
			return nil, nil, errors.WithMessagef(checkpoints.ErrStorageIO, "%v", err)
		}
		return fs, nil, nil
	case config.BackendMemory:
		return memstore.New(), nil, nil
	}
	return nil, nil, errors.WithMessagef(distributed.ErrConfiguration, "unknown storage backend %q", st.Backend)
}

// FromManager creates a harness on an existing manager and store. New uses it after connecting the processes,
// and it is used directly to run jobs with in-process groups.
//
// The harness doesn't take ownership of manager and store: Close won't close them.
func FromManager(ctx context.Context, cfg *config.Config, manager *distributed.Manager,
	store blobstore.ListerStore) (*Harness, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if manager == nil || store == nil {
		return nil, errors.WithMessage(distributed.ErrConfiguration, "harness requires a manager and a store")
	}
	handler, err := checkpoints.Build(manager).
		Store(store).
		Dir(cfg.Storage.CheckpointDir).
		Keep(cfg.Keep()).
		Done()
	if err != nil {
		return nil, err
	}
	h := &Harness{
		cfg:         cfg,
		manager:     manager,
		store:       store,
		checkpoints: handler,
	}
	if manager.IsCoordinator() {
		if h.loader, err = newLoader(ctx, cfg, store); err != nil {
			return nil, err
		}
		h.closers = append(h.closers, func() error {
			h.loader.Close()
			return nil
		})
	}
	return h, nil
}

func newLoader(ctx context.Context, cfg *config.Config, store blobstore.ListerStore) (*ingest.Loader, error) {
	mode, err := ingest.ParseMode(cfg.DataMode())
	if err != nil {
		return nil, errors.WithMessagef(distributed.ErrConfiguration, "%v", err)
	}
	prefix := cfg.Data.VideoPrefix
	if mode == ingest.ArrayTuple {
		prefix = cfg.Data.LatentPrefix
	}
	loader := ingest.NewLoader(store, mode).
		Prefix(prefix).
		Workers(cfg.Workers()).
		QueueSize(cfg.QueueSize()).
		Resolution(cfg.Data.TargetResolution[0], cfg.Data.TargetResolution[1]).
		Seed(cfg.Seed())
	if cfg.Data.MetadataPath != "" {
		metadata, err := ingest.LoadMetadata(cfg.Data.MetadataPath)
		if err != nil {
			return nil, err
		}
		loader.Metadata(metadata)
	}
	return loader.Start(ctx)
}

// Config used to create the harness.
func (h *Harness) Config() *config.Config { return h.cfg }

// Manager of the distributed arrays.
func (h *Harness) Manager() *distributed.Manager { return h.manager }

// Store holding data and checkpoints.
func (h *Harness) Store() blobstore.ListerStore { return h.store }

// Checkpoints handler, configured with the checkpoint directory and retention of the configuration.
func (h *Harness) Checkpoints() *checkpoints.Handler { return h.checkpoints }

// Loader of training data. It is nil in processes other than the coordinator.
func (h *Harness) Loader() *ingest.Loader { return h.loader }

// Close stops the loader and releases what New created.
func (h *Harness) Close() error {
	var firstErr error
	for ii := len(h.closers) - 1; ii >= 0; ii-- {
		if err := h.closers[ii](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	h.closers = nil
	return firstErr
}
