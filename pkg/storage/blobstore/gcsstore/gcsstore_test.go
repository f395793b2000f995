// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gcsstore

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/monkfish/lvd/pkg/storage/blobstore/blobstoretest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func TestObjectNames(t *testing.T) {
	s, err := New(context.Background(), Config{Bucket: "bucket", Prefix: "/runs/exp1/"}, option.WithoutAuthentication())
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	object, err := s.objectName("checkpoint_rng_3.ckpt")
	require.NoError(t, err)
	assert.Equal(t, "runs/exp1/checkpoint_rng_3.ckpt", object)
	assert.Equal(t, "gs://bucket/runs/exp1/checkpoint_rng_3.ckpt", s.url(object))
	_, err = s.objectName("../x")
	require.Error(t, err)

	_, err = New(context.Background(), Config{})
	require.Error(t, err)
}

// TestBucket runs against a real bucket (or an emulator, through STORAGE_EMULATOR_HOST) if LVD_TEST_GCS_BUCKET
// is set. A unique prefix is used, and removed at the end.
func TestBucket(t *testing.T) {
	bucket := os.Getenv("LVD_TEST_GCS_BUCKET")
	if bucket == "" {
		t.Skip("LVD_TEST_GCS_BUCKET not set")
	}
	ctx := context.Background()
	s, err := New(ctx, Config{
		Bucket:          bucket,
		Prefix:          "lvd-test-" + uuid.NewString(),
		CredentialsFile: os.Getenv("LVD_TEST_GCS_CREDENTIALS"),
	})
	require.NoError(t, err)
	defer func() {
		names, _ := s.List(ctx, "")
		for _, name := range names {
			_ = s.Delete(ctx, name)
		}
		_ = s.Close()
	}()
	blobstoretest.RunStoreTests(t, s)
}
