// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package harness

import (
	"context"
	"io"
	"os"

	"github.com/monkfish/lvd/pkg/core/distributed"
	"github.com/monkfish/lvd/pkg/core/dtypes"
	"github.com/monkfish/lvd/pkg/core/tensors"
	"github.com/monkfish/lvd/pkg/ml/ingest"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// Batch given to a training step.
type Batch struct {
	// Data holds the frames or the latent array of the item read by the coordinator, laid out with the batch
	// sharding (uniform by default).
	Data *distributed.Array

	// Description of the item, the same in all processes. Empty for RandomFrame items.
	Description string
}

// StepFn runs one training step, updating state in place. It is called in every process, with the same batch.
//
// The state's Iteration is updated by Train after the step returns.
type StepFn func(ctx context.Context, batch Batch, state *State) error

// BatchSharding sets the sharding of the batches given to the StepFn. The default, nil, is uniform.
func (h *Harness) BatchSharding(sharding *distributed.NamedSharding) *Harness {
	h.batchSharding = sharding
	return h
}

// ProgressOutput sets where the coordinator displays the progress bar. Default is os.Stderr, and nil disables it.
func (h *Harness) ProgressOutput(w io.Writer) *Harness {
	h.progressOutput = w
	h.progressOutputSet = true
	return h
}

// nextBatch reads an item in the coordinator and scatters it to every process.
func (h *Harness) nextBatch(ctx context.Context) (Batch, error) {
	var host *tensors.Tensor
	var description string
	var loaderErr error
	if h.manager.IsCoordinator() {
		var item ingest.Item
		item, loaderErr = h.loader.Next(ctx)
		if loaderErr == nil {
			host = item.Frames
			if item.Array != nil {
				host = item.Array
			}
			description = item.Description
		}
	}
	// A nil host in the coordinator makes the scatter fail in every process.
	data, err := h.manager.Scatter(ctx, host, h.batchSharding, dtypes.InvalidDType)
	if loaderErr != nil {
		return Batch{}, errors.WithMessage(loaderErr, "reading training batch")
	}
	if err != nil {
		return Batch{}, errors.WithMessage(err, "scattering training batch")
	}
	descriptionBytes, err := h.manager.Group().Broadcast(ctx, "batch_description", []byte(description))
	if err != nil {
		return Batch{}, err
	}
	return Batch{Data: data, Description: string(descriptionBytes)}, nil
}

// setCount updates the optimizer step count, if the optimizer state has one.
func (s *State) setCount() {
	if s.OptState == nil || s.OptState.IsLeaf() {
		return
	}
	if _, found := s.OptState.Child(OptCount); found {
		s.OptState.SetLeaf(OptCount, s.Iteration)
	}
}

// Train runs steps training steps, starting from the current State: for each one it reads a batch, calls step,
// and every ckpt_freq iterations saves a checkpoint.
//
// All processes must call it with the same steps. It returns at the first error.
func (h *Harness) Train(ctx context.Context, steps int, step StepFn) error {
	if h.State == nil {
		return errors.New("harness.Train requires a state, call InitState or Restore first")
	}
	if step == nil {
		return errors.New("harness.Train requires a StepFn")
	}
	ckptFreq := *h.cfg.DiffusionAutoEncoder.Train.CkptFreq
	var bar *progressbar.ProgressBar
	if h.manager.IsCoordinator() {
		w := h.progressOutput
		if !h.progressOutputSet {
			w = os.Stderr
		}
		if w != nil {
			bar = progressbar.NewOptions(steps,
				progressbar.OptionSetDescription("Training"),
				progressbar.OptionSetWriter(w),
				progressbar.OptionShowIts(),
				progressbar.OptionSetItsString("steps"),
				progressbar.OptionSetTheme(progressbar.ThemeASCII))
			defer func() { _ = bar.Finish() }()
		}
	}

	state := h.State
	for range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := h.nextBatch(ctx)
		if err != nil {
			return err
		}
		if err := step(ctx, batch, state); err != nil {
			return errors.WithMessagef(err, "training step of iteration %d", state.Iteration+1)
		}
		state.Iteration++
		state.setCount()
		if state.Iteration%ckptFreq == 0 {
			if err := h.SaveCheckpoint(ctx, state.Iteration); err != nil {
				return err
			}
		}
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	klog.V(1).Infof("harness: trained %d steps, at iteration %d", steps, state.Iteration)
	return nil
}
