// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints implements the saving and loading of distributed arrays and trees of them (with
// other values mixed in) to a blob store.
//
// Saving and loading are collective operations: every process of the job must call them, in the same order
// and with trees of the same structure. Arrays are gathered into the coordinator, which is the only process
// that touches the storage. When loading, the coordinator reads the blob and scatters each array to the devices
// of the current mesh, which may differ from the mesh used to save it.
//
// Errors (a missing checkpoint, a storage failure) are reported to every process, so a failure in the
// coordinator never leaves the others waiting.
//
// Example: saving a model's parameters every few steps, and resuming from the latest checkpoint:
//
//	handler, err := checkpoints.Build(manager).Store(store).Dir("runs/exp1").Keep(3).Done()
//	...
//	iteration, err := handler.LatestCommon(ctx, "encoder", "decoder")
//	if err == nil {
//		encoder, err = handler.Load(ctx, "encoder", iteration, nil)
//		...
//	} else if !errors.Is(err, checkpoints.ErrCheckpointNotFound) {
//		return err
//	}
//	...
//	for step := range numSteps {
//		...
//		if step%checkpointFrequency == 0 {
//			err = handler.Save(ctx, "encoder", step, encoder)
//			...
//		}
//	}
package checkpoints

import (
	"context"
	"encoding/json"

	"github.com/dustin/go-humanize"
	"github.com/monkfish/lvd/pkg/core/distributed"
	"github.com/monkfish/lvd/pkg/core/dtypes"
	"github.com/monkfish/lvd/pkg/core/pytree"
	"github.com/monkfish/lvd/pkg/core/tensors"
	"github.com/monkfish/lvd/pkg/storage/blobstore"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrCheckpointNotFound is returned by every process when the requested checkpoint doesn't exist.
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrStorageIO is returned by every process when the coordinator fails to read or write the storage.
	// Operations are not retried.
	ErrStorageIO = errors.New("checkpoint storage failure")

	// ErrInvalidCheckpoint is returned when a checkpoint blob can't be decoded, or its structure doesn't
	// match what was asked.
	ErrInvalidCheckpoint = errors.New("invalid checkpoint")

	// ErrUnsupportedCompression is returned for unknown BinFormat values.
	ErrUnsupportedCompression = errors.New("unsupported checkpoint compression")
)

// Config for the checkpoints Handler, created with Build.
//
// Once configured, call Config.Done to get the Handler.
type Config struct {
	manager   *distributed.Manager
	store     blobstore.Store
	dir       string
	keep      int
	binFormat BinFormat
	err       error
}

// Build a configuration for a checkpoints Handler, using manager to gather and scatter arrays.
//
// A Store must be configured. Other settings are optional.
func Build(manager *distributed.Manager) *Config {
	c := &Config{manager: manager, keep: -1, binFormat: BinGZIP}
	if manager == nil {
		c.setError(errors.Errorf("checkpoints.Build() requires a distributed.Manager"))
	}
	return c
}

func (c *Config) setError(err error) {
	if c.err != nil {
		return
	}
	c.err = err
}

// Store sets where blobs are saved. Retention (Keep) and listing (Handler.ListIterations, Handler.Latest)
// require it to also implement blobstore.Lister.
func (c *Config) Store(store blobstore.Store) *Config {
	if store == nil {
		c.setError(errors.Errorf("checkpoints.Config.Store(nil)"))
	}
	c.store = store
	return c
}

// Dir sets the prefix (a blobstore "directory") of the blob names. Default is "", the root of the store.
func (c *Config) Dir(prefix string) *Config {
	c.dir = blobstore.Join(prefix)
	if c.dir != "" {
		if err := blobstore.ValidateName(c.dir); err != nil {
			c.setError(errors.WithMessage(err, "checkpoints.Config.Dir()"))
		}
	}
	return c
}

// Keep configures the number of checkpoints of each kind to keep when saving with Handler.Save: after a
// successful save the coordinator removes the oldest ones.
//
// The default is -1, which never erases any checkpoint.
func (c *Config) Keep(n int) *Config {
	if n == 0 || n < -1 {
		c.setError(errors.Errorf("checkpoints.Config.Keep(%d): must be positive or -1 to keep all", n))
	}
	c.keep = n
	return c
}

// WithCompression sets the format of the data section of the blobs written. Blobs of any format can be loaded.
//
// Invalid values fall back to BinGZIP, the default.
func (c *Config) WithCompression(bf BinFormat) *Config {
	switch bf {
	case BinGZIP, BinUncompressed:
		c.binFormat = bf
	default:
		klog.Warningf("checkpoints: unknown compression %d, using %s", bf, BinGZIP)
		c.binFormat = BinGZIP
	}
	return c
}

// Done creates the Handler with the configuration.
func (c *Config) Done() (*Handler, error) {
	if c.err == nil && c.store == nil {
		c.setError(errors.Errorf("checkpoints.Config: no Store configured"))
	}
	if c.err != nil {
		return nil, c.err
	}
	if _, ok := c.store.(blobstore.Lister); !ok && c.keep > 0 {
		return nil, errors.Errorf("checkpoints.Config.Keep(%d) requires a store that implements blobstore.Lister, "+
			"got %T", c.keep, c.store)
	}
	return &Handler{config: *c, manager: c.manager}, nil
}

// MustDone constructs the Handler. It panics if there was an error.
func (c *Config) MustDone() *Handler {
	h, err := c.Done()
	if err != nil {
		klog.Fatalf("checkpoints.Config.MustDone(): %+v", err)
	}
	return h
}

// Handler saves and loads checkpoints. All its methods are collective: every process of the job must call
// them in the same order.
type Handler struct {
	config  Config
	manager *distributed.Manager
}

// Manager used to gather and scatter arrays.
func (h *Handler) Manager() *distributed.Manager { return h.manager }

// blobName of the checkpoint name, within the configured Dir.
func (h *Handler) blobName(name string) (string, error) {
	blob := blobstore.Join(h.config.dir, name)
	if err := blobstore.ValidateName(blob); err != nil || blobstore.Join(name) != name {
		return "", errors.Errorf("invalid checkpoint name %q", name)
	}
	return blob, nil
}

// SaveArray saves one array under name. array can be nil, in which case it is loaded back as nil.
//
// sharding must be the array's sharding or nil.
func (h *Handler) SaveArray(ctx context.Context, array *distributed.Array, sharding *distributed.NamedSharding,
	name string) error {
	var shardings *pytree.Tree[*distributed.NamedSharding]
	if sharding != nil {
		shardings = pytree.Leaf(sharding)
	}
	return h.SaveTree(ctx, pytree.Leaf[any](array), shardings, name)
}

// LoadArray loads an array saved with SaveArray, and scatters it with sharding.
//
// If sharding is nil, the partitioning used when saving is bound to the current mesh.
// It returns nil and no error if a nil array was saved.
func (h *Handler) LoadArray(ctx context.Context, sharding *distributed.NamedSharding,
	name string) (*distributed.Array, error) {
	var shardings *pytree.Tree[*distributed.NamedSharding]
	if sharding != nil {
		shardings = pytree.Leaf(sharding)
	}
	tree, err := h.load(ctx, shardings, name, true)
	if err != nil {
		return nil, err
	}
	array, _ := tree.Value().(*distributed.Array)
	return array, nil
}

// SaveTree saves the tree under name. Its leaves can be:
//
//   - *distributed.Array: gathered and saved with its partitioning.
//   - *tensors.Tensor: a host value, saved as is and loaded back in every process.
//   - nil (including a nil *distributed.Array or *tensors.Tensor): loaded back as nil.
//   - Any other value: saved as JSON, and converted back to its type when loaded, for numbers, strings and
//     slices of them. Values that are not JSON serializable, or structs without exported fields, fail the save.
//
// shardings gives the sharding of the arrays by path. It can be nil, or have nil leaves, in which case the
// array's own sharding is used. Paths of shardings with no array in tree are ignored.
//
// Every process must call it with trees of the same structure.
func (h *Handler) SaveTree(ctx context.Context, tree *pytree.Tree[any],
	shardings *pytree.Tree[*distributed.NamedSharding], name string) error {
	if tree == nil {
		return errors.Errorf("SaveTree(%q) with a nil tree", name)
	}
	blob, err := h.blobName(name)
	if err != nil {
		return err
	}
	leaves, err := h.gatherLeaves(ctx, tree, shardings)
	if err != nil {
		return errors.WithMessagef(err, "saving checkpoint %q", name)
	}

	var st *status
	if token, ok := h.manager.Coordinator(); ok {
		st = &status{}
		if err := h.write(ctx, token, blob, leaves); err != nil {
			st = statusFromError(err)
		}
	}
	st, err = h.broadcastStatus(ctx, "checkpoint_save_status", st)
	if err != nil {
		return err
	}
	if err := h.manager.Group().Barrier(ctx, "checkpoint_save"); err != nil {
		return errors.WithMessagef(err, "saving checkpoint %q", name)
	}
	if err := st.err(); err != nil {
		return errors.WithMessagef(err, "saving checkpoint %q", name)
	}
	return nil
}

// gatherLeaves gathers every array of tree into the coordinator, preserving its dtype.
func (h *Handler) gatherLeaves(ctx context.Context, tree *pytree.Tree[any],
	shardings *pytree.Tree[*distributed.NamedSharding]) (*pytree.Tree[*savedLeaf], error) {
	return pytree.Map(tree, func(path pytree.Path, leaf any) (*savedLeaf, error) {
		switch v := leaf.(type) {
		case nil:
			return &savedLeaf{kind: kindAbsent}, nil
		case *distributed.Array:
			if v == nil {
				return &savedLeaf{kind: kindAbsent}, nil
			}
			sharding := shardingAt(shardings, path)
			host, err := h.manager.Gather(ctx, v, sharding, dtypes.InvalidDType)
			if err != nil {
				return nil, errors.WithMessagef(err, "gathering %q", path)
			}
			return &savedLeaf{kind: kindArray, host: host, spec: v.Sharding().Spec(), shape: v.Shape()}, nil
		case *tensors.Tensor:
			if v == nil {
				return &savedLeaf{kind: kindAbsent}, nil
			}
			return &savedLeaf{kind: kindTensor, host: v, shape: v.Shape()}, nil
		default:
			return &savedLeaf{kind: kindOpaque, value: v}, nil
		}
	})
}

// shardingAt returns the sharding at path, or nil if there is none.
func shardingAt(shardings *pytree.Tree[*distributed.NamedSharding], path pytree.Path) *distributed.NamedSharding {
	if shardings == nil {
		return nil
	}
	node, err := shardings.Get(path...)
	if err != nil || !node.IsLeaf() {
		return nil
	}
	return node.Value()
}

// write serializes and stores the blob. It requires the coordinator token.
func (h *Handler) write(ctx context.Context, token distributed.OnlyCoordinator, blob string,
	leaves *pytree.Tree[*savedLeaf]) error {
	if !token.Valid() {
		return errors.Errorf("checkpoints can only be written by the coordinator")
	}
	data, err := encodeBlob(leaves, h.config.binFormat)
	if err != nil {
		return err
	}
	if err := h.config.store.Put(ctx, blob, data); err != nil {
		return errors.WithMessagef(ErrStorageIO, "writing %q: %v", blob, err)
	}
	klog.V(1).Infof("checkpoint %q saved (%s)", blob, humanize.Bytes(uint64(len(data))))
	return nil
}

// LoadTree loads a tree saved with SaveTree, scattering its arrays.
//
// shardings gives the sharding of the arrays by path. If it is nil, or has no leaf at an array's path, or a
// nil one, the partitioning used when saving is bound to the current mesh.
//
// Absent values are loaded as nil, and other values with the type they were saved with (see SaveTree).
func (h *Handler) LoadTree(ctx context.Context, shardings *pytree.Tree[*distributed.NamedSharding],
	name string) (*pytree.Tree[any], error) {
	return h.load(ctx, shardings, name, false)
}

func (h *Handler) load(ctx context.Context, shardings *pytree.Tree[*distributed.NamedSharding], name string,
	wantLeaf bool) (*pytree.Tree[any], error) {
	blob, err := h.blobName(name)
	if err != nil {
		return nil, err
	}
	var st *status
	var hosts map[int]*tensors.Tensor
	if h.manager.IsCoordinator() {
		st = &status{}
		if st.Manifest, hosts, err = h.read(ctx, blob); err != nil {
			st = statusFromError(err)
		}
	}
	st, err = h.broadcastStatus(ctx, "checkpoint_load_status", st)
	if err != nil {
		return nil, err
	}
	if err := st.err(); err != nil {
		return nil, errors.WithMessagef(err, "loading checkpoint %q", name)
	}
	if st.Manifest == nil {
		return nil, errors.WithMessagef(ErrInvalidCheckpoint, "checkpoint %q has no manifest", name)
	}
	if wantLeaf && st.Manifest.Kind == kindTree {
		return nil, errors.WithMessagef(ErrInvalidCheckpoint, "checkpoint %q holds a tree, not an array", name)
	}

	tree, err := h.scatterNode(ctx, st.Manifest, nil, shardings, hosts)
	if err != nil {
		return nil, errors.WithMessagef(err, "loading checkpoint %q", name)
	}
	if err := h.manager.Group().Barrier(ctx, "checkpoint_load"); err != nil {
		return nil, errors.WithMessagef(err, "loading checkpoint %q", name)
	}
	return tree, nil
}

// read the blob and decode it. It runs only on the coordinator.
func (h *Handler) read(ctx context.Context, blob string) (*manifestNode, map[int]*tensors.Tensor, error) {
	data, err := h.config.store.Get(ctx, blob)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, nil, errors.WithMessagef(ErrCheckpointNotFound, "%q", blob)
		}
		return nil, nil, errors.WithMessagef(ErrStorageIO, "reading %q: %v", blob, err)
	}
	klog.V(1).Infof("checkpoint %q read (%s)", blob, humanize.Bytes(uint64(len(data))))
	return decodeBlob(data)
}

// scatterNode rebuilds the tree of the manifest node, scattering its arrays. Every process walks the same
// manifest, so the collective calls match. hosts holds the arrays values in the coordinator.
func (h *Handler) scatterNode(ctx context.Context, node *manifestNode, path pytree.Path,
	shardings *pytree.Tree[*distributed.NamedSharding], hosts map[int]*tensors.Tensor) (*pytree.Tree[any], error) {
	switch node.Kind {
	case kindTree:
		tree := pytree.New[any]()
		for ii, key := range node.Keys {
			child, err := h.scatterNode(ctx, node.Children[ii], append(path[:len(path):len(path)], key),
				shardings, hosts)
			if err != nil {
				return nil, err
			}
			tree.Set(key, child)
		}
		return tree, nil
	case kindAbsent:
		return pytree.Leaf[any](nil), nil
	case kindTensor:
		// Host tensors are given to every process as they are.
		var payload []byte
		if h.manager.IsCoordinator() {
			payload = hosts[node.Pos].Bytes()
		}
		payload, err := h.manager.Group().Broadcast(ctx, "checkpoint_tensor", payload)
		if err != nil {
			return nil, errors.WithMessagef(err, "broadcasting %q", path)
		}
		host, err := tensors.FromBytes(payload)
		if err != nil {
			return nil, errors.WithMessagef(ErrInvalidCheckpoint, "tensor at %q: %v", path, err)
		}
		return pytree.Leaf[any](host), nil
	case kindOpaque:
		value, err := decodeOpaque(node)
		if err != nil {
			return nil, errors.WithMessagef(err, "value at %q", path)
		}
		return pytree.Leaf(value), nil
	case kindArray:
		sharding := shardingAt(shardings, path)
		if sharding == nil {
			spec := node.Spec
			if spec == nil {
				spec = distributed.Replicated()
			}
			var err error
			sharding, err = h.manager.Sharding(spec)
			if err != nil {
				return nil, errors.WithMessagef(err, "rebinding the partitioning of %q to the current mesh", path)
			}
		}
		array, err := h.manager.Scatter(ctx, hosts[node.Pos], sharding, node.DType)
		if err != nil {
			return nil, errors.WithMessagef(err, "scattering %q", path)
		}
		return pytree.Leaf[any](array), nil
	default:
		return nil, errors.WithMessagef(ErrInvalidCheckpoint, "unknown node kind %q at %q", node.Kind, path)
	}
}

// status of a coordinator operation, broadcast to every process.
type status struct {
	ErrorKind  string        `json:"error_kind,omitempty"`
	Error      string        `json:"error,omitempty"`
	Manifest   *manifestNode `json:"manifest,omitempty"`
	Iterations []int         `json:"iterations,omitempty"`
}

const (
	errorKindNotFound  = "not_found"
	errorKindStorage   = "storage"
	errorKindInvalid   = "invalid"
	errorKindShape     = "shape_mismatch"
	errorKindConfig    = "configuration"
	errorKindUndefined = "other"
)

var errorKinds = []struct {
	kind     string
	sentinel error
}{
	{errorKindNotFound, ErrCheckpointNotFound},
	{errorKindStorage, ErrStorageIO},
	{errorKindInvalid, ErrInvalidCheckpoint},
	{errorKindShape, distributed.ErrShapeMismatch},
	{errorKindConfig, distributed.ErrConfiguration},
}

// remoteError is an error that happened in the coordinator. It matches (errors.Is) the sentinel of its kind.
type remoteError struct {
	kind, msg string
}

func (e *remoteError) Error() string { return e.msg }

func (e *remoteError) Is(target error) bool {
	for _, k := range errorKinds {
		if k.kind == e.kind {
			return target == k.sentinel
		}
	}
	return false
}

func statusFromError(err error) *status {
	st := &status{ErrorKind: errorKindUndefined, Error: err.Error()}
	for _, k := range errorKinds {
		if errors.Is(err, k.sentinel) {
			st.ErrorKind = k.kind
			break
		}
	}
	return st
}

func (st *status) err() error {
	if st.ErrorKind == "" {
		return nil
	}
	return &remoteError{kind: st.ErrorKind, msg: st.Error}
}

// broadcastStatus sends the coordinator's st to every process. Other processes pass nil.
func (h *Handler) broadcastStatus(ctx context.Context, name string, st *status) (*status, error) {
	var payload []byte
	if st != nil {
		var err error
		payload, err = json.Marshal(st)
		if err != nil {
			payload, _ = json.Marshal(statusFromError(errors.Wrap(err, "failed to encode status")))
		}
	}
	payload, err := h.manager.Group().Broadcast(ctx, name, payload)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s broadcast failed", name)
	}
	received := &status{}
	if err := json.Unmarshal(payload, received); err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s", name)
	}
	return received, nil
}
