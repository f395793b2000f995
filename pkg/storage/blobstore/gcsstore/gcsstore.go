// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package gcsstore implements a blobstore.Store over a Google Cloud Storage bucket.
//
// Object writes in GCS are atomic: an object only becomes visible once its writer is closed successfully.
package gcsstore

import (
	"context"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/monkfish/lvd/pkg/storage/blobstore"
	"github.com/pkg/errors"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"k8s.io/klog/v2"
)

// Store keeps blobs as objects of a bucket, optionally under a prefix.
type Store struct {
	client *storage.Client
	bucket *storage.BucketHandle
	name   string
	prefix string
}

var _ blobstore.ListerStore = (*Store)(nil)

// Config of a Store.
type Config struct {
	// Bucket name, required.
	Bucket string

	// Prefix prepended (with a "/") to every blob name. Optional.
	Prefix string

	// CredentialsFile is the path to a service account JSON key. If empty, the application default
	// credentials are used.
	CredentialsFile string
}

// New connects to the bucket. Extra client options (e.g. option.WithEndpoint for an emulator) are appended
// to the ones derived from config.
func New(ctx context.Context, config Config, opts ...option.ClientOption) (*Store, error) {
	if config.Bucket == "" {
		return nil, errors.New("gcsstore: bucket name required")
	}
	var clientOpts []option.ClientOption
	if config.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(config.CredentialsFile))
	}
	clientOpts = append(clientOpts, opts...)
	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, errors.Wrapf(err, "gcsstore: failed to create client for bucket %q", config.Bucket)
	}
	return &Store{
		client: client,
		bucket: client.Bucket(config.Bucket),
		name:   config.Bucket,
		prefix: strings.Trim(config.Prefix, "/"),
	}, nil
}

// Close the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// objectName returns the object name of the blob name.
func (s *Store) objectName(name string) (string, error) {
	if err := blobstore.ValidateName(name); err != nil {
		return "", err
	}
	return blobstore.Join(s.prefix, name), nil
}

func (s *Store) url(object string) string {
	return "gs://" + s.name + "/" + object
}

// Put implements blobstore.Store.
func (s *Store) Put(ctx context.Context, name string, data []byte) error {
	object, err := s.objectName(name)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w := s.bucket.Object(object).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		// Cancelling the context aborts the upload.
		cancel()
		_ = w.Close()
		return errors.Wrapf(err, "gcsstore: failed to write %s", s.url(object))
	}
	if err := w.Close(); err != nil {
		return errors.Wrapf(err, "gcsstore: failed to finalize %s", s.url(object))
	}
	klog.V(2).Infof("gcsstore: wrote %s (%d bytes)", s.url(object), len(data))
	return nil
}

// Get implements blobstore.Store.
func (s *Store) Get(ctx context.Context, name string) ([]byte, error) {
	object, err := s.objectName(name)
	if err != nil {
		return nil, err
	}
	r, err := s.bucket.Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, errors.Wrapf(blobstore.ErrNotFound, "gcsstore: %s", s.url(object))
		}
		return nil, errors.Wrapf(err, "gcsstore: failed to open %s", s.url(object))
	}
	defer func() { _ = r.Close() }()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrapf(err, "gcsstore: failed to read %s", s.url(object))
	}
	return data, nil
}

// Exists implements blobstore.Store.
func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	object, err := s.objectName(name)
	if err != nil {
		return false, err
	}
	_, err = s.bucket.Object(object).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, errors.Wrapf(err, "gcsstore: failed to stat %s", s.url(object))
	}
	return true, nil
}

// List implements blobstore.Lister. Names are returned relative to the store's prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	objectPrefix := prefix
	if s.prefix != "" {
		objectPrefix = s.prefix + "/" + prefix
	}
	var names []string
	it := s.bucket.Objects(ctx, &storage.Query{Prefix: objectPrefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "gcsstore: failed to list %s", s.url(objectPrefix))
		}
		name := attrs.Name
		if s.prefix != "" {
			name = strings.TrimPrefix(name, s.prefix+"/")
		}
		names = append(names, name)
	}
	// Objects are listed in lexicographic order already.
	return names, nil
}

// Delete implements blobstore.Lister.
func (s *Store) Delete(ctx context.Context, name string) error {
	object, err := s.objectName(name)
	if err != nil {
		return err
	}
	if err := s.bucket.Object(object).Delete(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return errors.Wrapf(blobstore.ErrNotFound, "gcsstore: %s", s.url(object))
		}
		return errors.Wrapf(err, "gcsstore: failed to delete %s", s.url(object))
	}
	return nil
}
