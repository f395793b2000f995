// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package blobstoretest holds the behavior tests shared by all blobstore.ListerStore implementations.
package blobstoretest

import (
	"context"
	"testing"

	"github.com/monkfish/lvd/pkg/storage/blobstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// RunStoreTests exercises store, which must be empty, reporting failures in t.
func RunStoreTests(t *testing.T, store blobstore.ListerStore) {
	ctx := context.Background()

	t.Run("PutGet", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "a/blob", []byte("first")))
		data, err := store.Get(ctx, "a/blob")
		require.NoError(t, err)
		assert.Equal(t, "first", string(data))

		// Overwrite replaces the whole content.
		require.NoError(t, store.Put(ctx, "a/blob", []byte("2nd")))
		data, err = store.Get(ctx, "a/blob")
		require.NoError(t, err)
		assert.Equal(t, "2nd", string(data))

		require.NoError(t, store.Put(ctx, "empty", nil))
		data, err = store.Get(ctx, "empty")
		require.NoError(t, err)
		assert.Empty(t, data)
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := store.Get(ctx, "missing")
		require.ErrorIs(t, err, blobstore.ErrNotFound)
		exists, err := store.Exists(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, exists)
		exists, err = store.Exists(ctx, "a/blob")
		require.NoError(t, err)
		assert.True(t, exists)
		require.ErrorIs(t, store.Delete(ctx, "missing"), blobstore.ErrNotFound)
	})

	t.Run("InvalidNames", func(t *testing.T) {
		for _, name := range []string{"", "/abs", "a//b", "../escape", "a/./b"} {
			require.Errorf(t, store.Put(ctx, name, []byte("x")), "name %q", name)
		}
	})

	t.Run("ListDelete", func(t *testing.T) {
		for _, name := range []string{"ckpt/b", "ckpt/a", "other/c"} {
			require.NoError(t, store.Put(ctx, name, []byte(name)))
		}
		names, err := store.List(ctx, "ckpt/")
		require.NoError(t, err)
		assert.Equal(t, []string{"ckpt/a", "ckpt/b"}, names)

		require.NoError(t, store.Delete(ctx, "ckpt/a"))
		names, err = store.List(ctx, "ckpt/")
		require.NoError(t, err)
		assert.Equal(t, []string{"ckpt/b"}, names)

		names, err = store.List(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, []string{"a/blob", "ckpt/b", "empty", "other/c"}, names)
	})
}
