// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pytree implements Tree, an ordered string-keyed nested structure of values.
//
// A Tree node is either a leaf, holding one value of type L, or a subtree, holding an ordered list of
// named children. Keys keep their insertion order, and every traversal (Walk, Leaves, Map) follows it,
// so two processes building the same tree visit its leaves in the same order.
//
// Trees are used to hold model parameters and optimizer state (Tree[any], whose array leaves are
// *distributed.Array values), and the matching structures derived from them, like the sharding of each leaf
// (Tree[*distributed.NamedSharding]).
//
// Example:
//
//	params := pytree.New[any]().
//		SetLeaf("bias", b).
//		Set("layer_0", pytree.New[any]().SetLeaf("w", w0).SetLeaf("b", b0))
//	for path, leaf := range params.Leaves() {
//		fmt.Printf("%s: %v\n", path, leaf)
//	}
package pytree

import (
	"fmt"
	"iter"
	"maps"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// PathSeparator is used when converting a Path to string.
const PathSeparator = "/"

// Path to a node of a Tree: the keys from the root. The root's path is empty.
type Path []string

// String returns the keys joined by PathSeparator, e.g. "encoder/layer_0/w".
func (p Path) String() string {
	return strings.Join(p, PathSeparator)
}

// ParsePath is the inverse of Path.String.
func ParsePath(s string) Path {
	if s == "" {
		return nil
	}
	return strings.Split(s, PathSeparator)
}

// Tree is an ordered string-keyed nested structure with leaves of type L.
//
// The zero value is not usable: create trees with New or Leaf.
type Tree[L any] struct {
	isLeaf   bool
	value    L
	keys     []string
	children map[string]*Tree[L]
}

// New returns an empty subtree.
func New[L any]() *Tree[L] {
	return &Tree[L]{children: make(map[string]*Tree[L])}
}

// Leaf returns a leaf node holding value.
func Leaf[L any](value L) *Tree[L] {
	return &Tree[L]{isLeaf: true, value: value}
}

// IsLeaf returns whether t is a leaf node.
func (t *Tree[L]) IsLeaf() bool { return t.isLeaf }

// Value returns the value of a leaf node, or the zero value of L for subtrees.
func (t *Tree[L]) Value() L { return t.value }

// Keys returns the keys of a subtree, in insertion order. Leaves have no keys.
func (t *Tree[L]) Keys() []string { return slices.Clone(t.keys) }

// Len returns the number of children of a subtree.
func (t *Tree[L]) Len() int { return len(t.keys) }

// Child returns the child with the given key.
func (t *Tree[L]) Child(key string) (child *Tree[L], found bool) {
	child, found = t.children[key]
	return
}

// Set the child with the given key. A new key is appended to the end, an existing key keeps its position.
// It returns t, so calls can be chained. It panics if t is a leaf.
func (t *Tree[L]) Set(key string, child *Tree[L]) *Tree[L] {
	if t.isLeaf {
		panic(errors.Errorf("pytree: cannot set key %q in a leaf node", key))
	}
	if child == nil {
		panic(errors.Errorf("pytree: cannot set key %q to a nil tree", key))
	}
	if _, found := t.children[key]; !found {
		t.keys = append(t.keys, key)
	}
	t.children[key] = child
	return t
}

// SetLeaf is a shortcut to t.Set(key, Leaf(value)).
func (t *Tree[L]) SetLeaf(key string, value L) *Tree[L] {
	return t.Set(key, Leaf(value))
}

// Get returns the node at the given path.
func (t *Tree[L]) Get(path ...string) (*Tree[L], error) {
	node := t
	for ii, key := range path {
		if node.isLeaf {
			return nil, errors.Errorf("pytree: %q is a leaf, it has no key %q", Path(path[:ii]), key)
		}
		child, found := node.children[key]
		if !found {
			return nil, errors.Errorf("pytree: key %q not found", Path(path[:ii+1]))
		}
		node = child
	}
	return node, nil
}

// Walk calls fn for every leaf, in order, with its path. It stops at the first error, which is returned.
func (t *Tree[L]) Walk(fn func(path Path, leaf L) error) error {
	return t.walk(nil, fn)
}

func (t *Tree[L]) walk(prefix Path, fn func(path Path, leaf L) error) error {
	if t.isLeaf {
		return fn(slices.Clone(prefix), t.value)
	}
	for _, key := range t.keys {
		if err := t.children[key].walk(append(prefix, key), fn); err != nil {
			return err
		}
	}
	return nil
}

// Leaves iterates over the leaves, in order, yielding their paths and values.
func (t *Tree[L]) Leaves() iter.Seq2[Path, L] {
	return func(yield func(Path, L) bool) {
		stop := errors.New("stop")
		_ = t.Walk(func(path Path, leaf L) error {
			if !yield(path, leaf) {
				return stop
			}
			return nil
		})
	}
}

// NumLeaves returns the number of leaves in the tree.
func (t *Tree[L]) NumLeaves() int {
	count := 0
	for range t.Leaves() {
		count++
	}
	return count
}

// Map returns a tree with the same structure as t, where every leaf is replaced by fn(path, leaf).
// It stops at the first error.
func Map[L, M any](t *Tree[L], fn func(path Path, leaf L) (M, error)) (*Tree[M], error) {
	return mapTree(t, nil, fn)
}

func mapTree[L, M any](t *Tree[L], prefix Path, fn func(path Path, leaf L) (M, error)) (*Tree[M], error) {
	if t.isLeaf {
		value, err := fn(slices.Clone(prefix), t.value)
		if err != nil {
			return nil, err
		}
		return Leaf(value), nil
	}
	out := New[M]()
	for _, key := range t.keys {
		child, err := mapTree(t.children[key], append(prefix, key), fn)
		if err != nil {
			return nil, err
		}
		out.Set(key, child)
	}
	return out, nil
}

// Convert is like Map, for conversions that can't fail.
func Convert[L, M any](t *Tree[L], fn func(leaf L) M) *Tree[M] {
	out, _ := Map(t, func(_ Path, leaf L) (M, error) { return fn(leaf), nil })
	return out
}

// SameStructure returns whether both trees have the same keys, in the same order, and leaves at the same places.
func SameStructure[L, M any](a *Tree[L], b *Tree[M]) bool {
	if a.isLeaf || b.isLeaf {
		return a.isLeaf == b.isLeaf
	}
	if !slices.Equal(a.keys, b.keys) {
		return false
	}
	for _, key := range a.keys {
		if !SameStructure(a.children[key], b.children[key]) {
			return false
		}
	}
	return true
}

// Equal returns whether both trees have the same structure, and eq returns true for every pair of leaves.
func Equal[L any](a, b *Tree[L], eq func(x, y L) bool) bool {
	if !SameStructure(a, b) {
		return false
	}
	if a.isLeaf {
		return eq(a.value, b.value)
	}
	for _, key := range a.keys {
		if !Equal(a.children[key], b.children[key], eq) {
			return false
		}
	}
	return true
}

// FromMap converts a nested map to a Tree[any]: values of type map[string]any become subtrees, anything else
// becomes a leaf. Keys of each map are sorted, since Go maps have no order.
func FromMap(m map[string]any) *Tree[any] {
	t := New[any]()
	for _, key := range slices.Sorted(maps.Keys(m)) {
		if subMap, ok := m[key].(map[string]any); ok {
			t.Set(key, FromMap(subMap))
		} else {
			t.SetLeaf(key, m[key])
		}
	}
	return t
}

// String returns a multi-line representation of the tree, one leaf per line.
func (t *Tree[L]) String() string {
	if t.isLeaf {
		return fmt.Sprintf("%v", t.value)
	}
	var sb strings.Builder
	sb.WriteString("{")
	for path, leaf := range t.Leaves() {
		_, _ = fmt.Fprintf(&sb, "\n  %s: %v", path, leaf)
	}
	if len(t.keys) > 0 {
		sb.WriteString("\n")
	}
	sb.WriteString("}")
	return sb.String()
}
