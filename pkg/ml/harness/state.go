// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package harness

import (
	"context"
	"fmt"
	"math"

	"github.com/dustin/go-humanize"
	"github.com/monkfish/lvd/pkg/core/distributed"
	"github.com/monkfish/lvd/pkg/core/dtypes"
	"github.com/monkfish/lvd/pkg/core/pytree"
	"github.com/monkfish/lvd/pkg/ml/checkpoints"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Checkpoint kinds saved by the harness, one checkpoint of each per saved iteration.
const (
	KindEncoder  = "encoder"
	KindDecoder  = "decoder"
	KindOptState = "opt_state"
	KindRNG      = "rng"
)

// Kinds lists all checkpoint kinds of a training state. A state can only be restored from an iteration where all
// of them were saved.
var Kinds = []string{KindEncoder, KindDecoder, KindOptState, KindRNG}

// InputChannels of the frames (RGB).
const InputChannels = 3

// Optimizer state keys.
const (
	OptCount = "count"
	OptLR    = "lr"
	OptName  = "name"
	OptMu    = "mu"
	OptNu    = "nu"
)

// State of the training: the parameters, the optimizer state and the random key.
//
// Parameter trees hold *distributed.Array leaves. OptState mixes arrays (the moments, in subtrees mirroring the
// parameters) with opaque values (step count, learning rate and optimizer name).
type State struct {
	// Iteration is the number of training steps taken.
	Iteration int

	Encoder, Decoder *pytree.Tree[any]
	OptState         *pytree.Tree[any]
	RNG              *distributed.Array
}

// Trees returns the tree saved for each checkpoint kind.
func (s *State) Trees() map[string]*pytree.Tree[any] {
	return map[string]*pytree.Tree[any]{
		KindEncoder:  s.Encoder,
		KindDecoder:  s.Decoder,
		KindOptState: s.OptState,
		KindRNG:      pytree.Leaf[any](s.RNG),
	}
}

// layerName of the i-th hidden layer.
func layerName(i int) string { return fmt.Sprintf("layer_%03d", i) }

// paramShapes returns the dimensions of the parameters of a sub-model with nLayers hidden layers of width k.
// The encoder projects the RGB input to k channels, and the decoder projects back.
func paramShapes(kind string, k, nLayers int) *pytree.Tree[[]int] {
	tree := pytree.New[[]int]()
	if kind == KindEncoder {
		tree.Set("input", pytree.New[[]int]().SetLeaf("w", []int{InputChannels, k}).SetLeaf("b", []int{k}))
	}
	for i := range nLayers {
		tree.Set(layerName(i), pytree.New[[]int]().SetLeaf("w", []int{k, k}).SetLeaf("b", []int{k}))
	}
	if kind == KindDecoder {
		tree.Set("output", pytree.New[[]int]().
			SetLeaf("w", []int{k, InputChannels}).
			SetLeaf("b", []int{InputChannels}))
	}
	return tree
}

// paramSpec of a parameter: the dimensions of width k are sharded over "mp", and the input dimension of the
// hidden layers' weights also over "fsdp".
func paramSpec(dims []int, k int) *distributed.PartitionSpec {
	b := distributed.BuildSpec()
	for axis, dim := range dims {
		switch {
		case dim != k:
			b.R()
		case len(dims) == 2 && axis == 0 && dims[1] == k:
			b.S(distributed.DefaultAxesNames[2])
		default:
			b.S(distributed.DefaultAxesNames[1])
		}
	}
	return b.Done()
}

// layers returns the configured width and depth of a sub-model.
func (h *Harness) layers(kind string) (k, nLayers int) {
	model := &h.cfg.DiffusionAutoEncoder.Model
	layers := model.Encoder
	if kind == KindDecoder {
		layers = model.Decoder
	}
	return *layers.K, *layers.NLayers
}

// ParamShardings returns the sharding of each parameter of the encoder or decoder.
func (h *Harness) ParamShardings(kind string) (*pytree.Tree[*distributed.NamedSharding], error) {
	k, nLayers := h.layers(kind)
	return pytree.Map(paramShapes(kind, k, nLayers),
		func(path pytree.Path, dims []int) (*distributed.NamedSharding, error) {
			return h.manager.Sharding(paramSpec(dims, k))
		})
}

// initParams creates the parameters of a sub-model: weights from a normal distribution with standard deviation
// 1/sqrt(fan_in), biases zero.
//
// Each weight uses its own seed, derived from seed and its order in the tree, so the values don't depend on
// the topology.
func (h *Harness) initParams(ctx context.Context, kind string, seed uint64) (*pytree.Tree[any], error) {
	k, nLayers := h.layers(kind)
	shapesTree := paramShapes(kind, k, nLayers)
	shardings, err := h.ParamShardings(kind)
	if err != nil {
		return nil, err
	}
	var index uint64
	var numParams int
	params, err := pytree.Map(shapesTree, func(path pytree.Path, dims []int) (any, error) {
		node, err := shardings.Get(path...)
		if err != nil {
			return nil, err
		}
		sharding := node.Value()
		index++
		numParams += size(dims)
		if len(dims) == 1 {
			return h.manager.Zeros(ctx, dtypes.Float32, sharding, dims...)
		}
		std := 1 / math.Sqrt(float64(dims[0]))
		return h.manager.InitRandomArray(ctx, dims, std, sharding, seed+index)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "initializing %s parameters", kind)
	}
	klog.V(1).Infof("harness: %s initialized with %s parameters", kind, humanize.Comma(int64(numParams)))
	return params, nil
}

func size(dims []int) int {
	n := 1
	for _, dim := range dims {
		n *= dim
	}
	return n
}

// zerosLike creates a tree of zero arrays with the shapes and shardings of params.
func (h *Harness) zerosLike(ctx context.Context, params *pytree.Tree[any]) (*pytree.Tree[any], error) {
	return pytree.Map(params, func(path pytree.Path, leaf any) (any, error) {
		array, ok := leaf.(*distributed.Array)
		if !ok {
			return nil, errors.Errorf("parameter %q is not an array: %T", path, leaf)
		}
		return h.manager.Zeros(ctx, array.DType(), array.Sharding(), array.Shape().Dimensions...)
	})
}

// InitState creates a fresh training state, at iteration 0, and sets it as the harness State.
//
// Values are derived from the configured seed only: the same seed gives the same state on any topology.
func (h *Harness) InitState(ctx context.Context) (*State, error) {
	seed := h.cfg.Seed()
	state := &State{}
	var err error
	if state.Encoder, err = h.initParams(ctx, KindEncoder, seed); err != nil {
		return nil, err
	}
	if state.Decoder, err = h.initParams(ctx, KindDecoder, seed+1<<32); err != nil {
		return nil, err
	}
	opt := pytree.New[any]().
		SetLeaf(OptName, "adam").
		SetLeaf(OptCount, 0).
		SetLeaf(OptLR, *h.cfg.DiffusionAutoEncoder.Train.LR)
	for _, moment := range []string{OptMu, OptNu} {
		encoderZeros, err := h.zerosLike(ctx, state.Encoder)
		if err != nil {
			return nil, err
		}
		decoderZeros, err := h.zerosLike(ctx, state.Decoder)
		if err != nil {
			return nil, err
		}
		moments := pytree.New[any]().Set(KindEncoder, encoderZeros).Set(KindDecoder, decoderZeros)
		opt.Set(moment, moments)
	}
	state.OptState = opt
	if state.RNG, err = h.manager.Key(ctx, seed); err != nil {
		return nil, err
	}
	h.State = state
	return state, nil
}

// SaveCheckpoint saves all kinds of the current State as checkpoints of the given iteration.
func (h *Harness) SaveCheckpoint(ctx context.Context, iteration int) error {
	if h.State == nil {
		return errors.New("harness has no state to save, call InitState or Restore first")
	}
	trees := h.State.Trees()
	for _, kind := range Kinds {
		if err := h.checkpoints.Save(ctx, kind, iteration, trees[kind]); err != nil {
			return errors.WithMessagef(err, "saving %s checkpoint of iteration %d", kind, iteration)
		}
	}
	klog.V(1).Infof("harness: checkpoint of iteration %d saved", iteration)
	return nil
}

// Restore sets State from the latest iteration for which all checkpoint kinds were saved.
// If there is none, it initializes a fresh state with InitState.
//
// The parameters are laid out with ParamShardings, while the optimizer state and the random key recover the
// partitioning they were saved with, bound to the current mesh.
func (h *Harness) Restore(ctx context.Context) (restored bool, err error) {
	iteration, err := h.checkpoints.LatestCommon(ctx, Kinds...)
	if errors.Is(err, checkpoints.ErrCheckpointNotFound) {
		klog.Infof("harness: no checkpoint found, starting from scratch")
		_, err = h.InitState(ctx)
		return false, err
	}
	if err != nil {
		return false, err
	}
	state := &State{Iteration: iteration}
	for _, kind := range []string{KindEncoder, KindDecoder} {
		shardings, err := h.ParamShardings(kind)
		if err != nil {
			return false, err
		}
		tree, err := h.checkpoints.Load(ctx, kind, iteration, shardings)
		if err != nil {
			return false, errors.WithMessagef(err, "restoring %s", kind)
		}
		if kind == KindEncoder {
			state.Encoder = tree
		} else {
			state.Decoder = tree
		}
	}
	if state.OptState, err = h.checkpoints.Load(ctx, KindOptState, iteration, nil); err != nil {
		return false, errors.WithMessagef(err, "restoring %s", KindOptState)
	}
	rng, err := h.checkpoints.Load(ctx, KindRNG, iteration, nil)
	if err != nil {
		return false, errors.WithMessagef(err, "restoring %s", KindRNG)
	}
	state.RNG, _ = rng.Value().(*distributed.Array)
	h.State = state
	klog.Infof("harness: restored from iteration %d", iteration)
	return true, nil
}
