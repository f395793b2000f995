// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/monkfish/lvd/pkg/core/distributed"
	"github.com/monkfish/lvd/pkg/core/pytree"
	"github.com/monkfish/lvd/pkg/storage/blobstore"
	"github.com/monkfish/lvd/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Checkpoints saved with Handler.Save are named after their kind (e.g. "encoder", "opt_state") and the
// training iteration.
var nameRegexp = regexp.MustCompile(`^checkpoint_(.+)_(\d+)\.ckpt$`)

// Name returns the blob name of the checkpoint of the given kind and iteration.
func Name(kind string, iteration int) string {
	return fmt.Sprintf("checkpoint_%s_%d.ckpt", kind, iteration)
}

// ParseName is the inverse of Name. It returns ok=false if name is not a checkpoint name.
func ParseName(name string) (kind string, iteration int, ok bool) {
	matches := nameRegexp.FindStringSubmatch(name)
	if matches == nil {
		return "", 0, false
	}
	iteration, err := strconv.Atoi(matches[2])
	if err != nil {
		return "", 0, false
	}
	return matches[1], iteration, true
}

func validateKind(kind string) error {
	if kind == "" || strings.Contains(kind, "/") {
		return errors.Errorf("invalid checkpoint kind %q", kind)
	}
	return nil
}

// Save the tree as the checkpoint of kind for the given iteration (see SaveTree), and then remove the
// oldest checkpoints of the kind beyond the configured Keep.
func (h *Handler) Save(ctx context.Context, kind string, iteration int, tree *pytree.Tree[any]) error {
	if err := validateKind(kind); err != nil {
		return err
	}
	if iteration < 0 {
		return errors.Errorf("invalid checkpoint iteration %d", iteration)
	}
	if err := h.SaveTree(ctx, tree, nil, Name(kind, iteration)); err != nil {
		return err
	}
	if token, ok := h.manager.Coordinator(); ok && h.config.keep > 0 {
		if err := h.keepN(ctx, token, kind); err != nil {
			// The checkpoint itself was saved.
			klog.Warningf("checkpoints: failed to remove old %q checkpoints: %+v", kind, err)
		}
	}
	return nil
}

// Load the checkpoint of kind for the given iteration (see LoadTree).
func (h *Handler) Load(ctx context.Context, kind string, iteration int,
	shardings *pytree.Tree[*distributed.NamedSharding]) (*pytree.Tree[any], error) {
	if err := validateKind(kind); err != nil {
		return nil, err
	}
	return h.LoadTree(ctx, shardings, Name(kind, iteration))
}

// keepN removes the oldest checkpoints of kind, keeping the configured number.
func (h *Handler) keepN(ctx context.Context, token distributed.OnlyCoordinator, kind string) error {
	if !token.Valid() {
		return errors.Errorf("checkpoints can only be removed by the coordinator")
	}
	lister := h.config.store.(blobstore.Lister)
	all, err := h.listAll(ctx)
	if err != nil {
		return err
	}
	iterations := all[kind]
	for len(iterations) > h.config.keep {
		blob := blobstore.Join(h.config.dir, Name(kind, iterations[0]))
		klog.V(1).Infof("removing checkpoint %q", blob)
		if err := lister.Delete(ctx, blob); err != nil && !errors.Is(err, blobstore.ErrNotFound) {
			return errors.WithMessagef(ErrStorageIO, "removing %q: %v", blob, err)
		}
		iterations = iterations[1:]
	}
	return nil
}

// listAll returns the sorted iterations of each checkpoint kind in the configured Dir.
// Blobs in subdirectories are not considered.
func (h *Handler) listAll(ctx context.Context) (map[string][]int, error) {
	lister, ok := h.config.store.(blobstore.Lister)
	if !ok {
		return nil, errors.Errorf("listing checkpoints requires a store that implements blobstore.Lister, got %T",
			h.config.store)
	}
	prefix := h.config.dir
	if prefix != "" {
		prefix += "/"
	}
	names, err := lister.List(ctx, prefix)
	if err != nil {
		return nil, errors.WithMessagef(ErrStorageIO, "listing %q: %v", prefix, err)
	}
	all := make(map[string][]int)
	for _, name := range names {
		base := strings.TrimPrefix(name, prefix)
		if strings.Contains(base, "/") {
			continue
		}
		if kind, iteration, ok := ParseName(base); ok {
			all[kind] = append(all[kind], iteration)
		}
	}
	for kind := range all {
		slices.Sort(all[kind])
		all[kind] = slices.Compact(all[kind])
	}
	return all, nil
}

// broadcastIterations lists the checkpoints in the coordinator, and broadcast the result of selectFn.
func (h *Handler) broadcastIterations(ctx context.Context, name string,
	selectFn func(all map[string][]int) []int) ([]int, error) {
	var st *status
	if h.manager.IsCoordinator() {
		all, err := h.listAll(ctx)
		if err != nil {
			st = statusFromError(err)
		} else {
			st = &status{Iterations: selectFn(all)}
		}
	}
	st, err := h.broadcastStatus(ctx, name, st)
	if err != nil {
		return nil, err
	}
	if err := st.err(); err != nil {
		return nil, err
	}
	return st.Iterations, nil
}

// ListIterations returns the sorted iterations of the checkpoints of kind.
func (h *Handler) ListIterations(ctx context.Context, kind string) ([]int, error) {
	if err := validateKind(kind); err != nil {
		return nil, err
	}
	return h.broadcastIterations(ctx, "checkpoint_list", func(all map[string][]int) []int {
		return all[kind]
	})
}

// Latest returns the highest iteration with a checkpoint of kind, or an error wrapping ErrCheckpointNotFound.
func (h *Handler) Latest(ctx context.Context, kind string) (int, error) {
	return h.LatestCommon(ctx, kind)
}

// LatestCommon returns the highest iteration for which there are checkpoints of all the given kinds. This is
// used to resume training from a consistent set of checkpoints, even if the last save was interrupted midway.
//
// It returns an error wrapping ErrCheckpointNotFound if there is no such iteration.
func (h *Handler) LatestCommon(ctx context.Context, kinds ...string) (int, error) {
	if len(kinds) == 0 {
		return 0, errors.Errorf("LatestCommon requires at least one kind")
	}
	for _, kind := range kinds {
		if err := validateKind(kind); err != nil {
			return 0, err
		}
	}
	iterations, err := h.broadcastIterations(ctx, "checkpoint_latest", func(all map[string][]int) []int {
		common := sets.MakeWith(all[kinds[0]]...)
		for _, kind := range kinds[1:] {
			common = common.Intersect(sets.MakeWith(all[kind]...))
		}
		if len(common) == 0 {
			return nil
		}
		sorted := sets.Sorted(common)
		return sorted[len(sorted)-1:]
	})
	if err != nil {
		return 0, err
	}
	if len(iterations) == 0 {
		return 0, errors.WithMessagef(ErrCheckpointNotFound, "no checkpoint with all of %q", kinds)
	}
	return iterations[0], nil
}
