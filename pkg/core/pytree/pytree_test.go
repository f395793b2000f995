// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pytree

import (
	"strconv"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTree() *Tree[any] {
	return New[any]().
		SetLeaf("z", 1).
		Set("encoder", New[any]().
			SetLeaf("w", []float32{1, 2}).
			SetLeaf("name", "enc")).
		SetLeaf("a", nil)
}

func TestOrder(t *testing.T) {
	tree := buildTree()
	assert.Equal(t, []string{"z", "encoder", "a"}, tree.Keys())
	var paths []string
	for path := range tree.Leaves() {
		paths = append(paths, path.String())
	}
	assert.Equal(t, []string{"z", "encoder/w", "encoder/name", "a"}, paths)
	assert.Equal(t, 4, tree.NumLeaves())

	// Resetting a key keeps its position.
	tree.SetLeaf("z", 2)
	assert.Equal(t, []string{"z", "encoder", "a"}, tree.Keys())
	node, err := tree.Get("z")
	require.NoError(t, err)
	assert.Equal(t, 2, node.Value())
}

func TestGet(t *testing.T) {
	tree := buildTree()
	node, err := tree.Get("encoder", "name")
	require.NoError(t, err)
	assert.True(t, node.IsLeaf())
	assert.Equal(t, "enc", node.Value())

	_, err = tree.Get("encoder", "missing")
	require.Error(t, err)
	_, err = tree.Get("z", "below_leaf")
	require.Error(t, err)

	root, err := tree.Get()
	require.NoError(t, err)
	assert.Same(t, tree, root)
	assert.Equal(t, Path{"a", "b"}, ParsePath("a/b"))
	assert.Nil(t, ParsePath(""))
}

func TestMap(t *testing.T) {
	tree := buildTree()
	names, err := Map(tree, func(path Path, _ any) (string, error) { return path.String(), nil })
	require.NoError(t, err)
	assert.True(t, SameStructure(tree, names))
	node, err := names.Get("encoder", "w")
	require.NoError(t, err)
	assert.Equal(t, "encoder/w", node.Value())

	_, err = Map(tree, func(path Path, _ any) (int, error) {
		if path.String() == "encoder/name" {
			return 0, errors.New("failed")
		}
		return 0, nil
	})
	require.Error(t, err)

	counts := Convert(names, func(leaf string) int { return len(leaf) })
	assert.True(t, Equal(counts, Convert(names, func(leaf string) int { return len(leaf) }),
		func(x, y int) bool { return x == y }))
}

func TestStructure(t *testing.T) {
	a := New[int]().SetLeaf("x", 1).Set("y", New[int]().SetLeaf("z", 2))
	b := New[int]().SetLeaf("x", 1).Set("y", New[int]().SetLeaf("z", 3))
	eq := func(x, y int) bool { return x == y }
	assert.True(t, SameStructure(a, b))
	assert.False(t, Equal(a, b, eq))
	b.Set("y", New[int]().SetLeaf("z", 2))
	assert.True(t, Equal(a, b, eq))

	// Different order is a different structure.
	c := New[int]().Set("y", New[int]().SetLeaf("z", 2)).SetLeaf("x", 1)
	assert.False(t, SameStructure(a, c))
	assert.False(t, SameStructure(a, Leaf(1)))
}

func TestFromMap(t *testing.T) {
	tree := FromMap(map[string]any{
		"b": map[string]any{"y": 2, "x": 1},
		"a": "leaf",
	})
	assert.Equal(t, []string{"a", "b"}, tree.Keys())
	var values []string
	for path, leaf := range tree.Leaves() {
		values = append(values, path.String()+"="+toString(leaf))
	}
	assert.Equal(t, []string{"a=leaf", "b/x=1", "b/y=2"}, values)
	assert.Contains(t, tree.String(), "b/x: 1")
}

func toString(v any) string {
	switch v := v.(type) {
	case int:
		return strconv.Itoa(v)
	case string:
		return v
	}
	return "?"
}

func TestLeavesEarlyStop(t *testing.T) {
	tree := buildTree()
	count := 0
	for range tree.Leaves() {
		count++
		if count == 2 {
			break
		}
	}
	assert.Equal(t, 2, count)
	assert.Panics(t, func() { Leaf(1).SetLeaf("x", 2) })
}
