// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package filestore implements a blobstore.Store over a directory of the local (or a network) file system.
//
// Blob names are relative paths under the root directory. Writes go to a temporary file in the same directory,
// renamed over the final name once complete, so readers never see partially written blobs.
package filestore

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/monkfish/lvd/pkg/storage/blobstore"
	"github.com/monkfish/lvd/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// DirPermMode is the default directory creation permission (before umask) used.
	DirPermMode = os.FileMode(0770)

	// FilePermMode is the permission (before umask) of the blob files.
	FilePermMode = os.FileMode(0660)
)

// tempSuffix marks files being written. They are not listed.
const tempSuffix = ".tmp"

// Store keeps blobs as files under a root directory.
type Store struct {
	root string
}

var _ blobstore.ListerStore = (*Store)(nil)

// New returns a Store rooted at dir, creating it if needed. A leading "~" is replaced by the user's home directory.
func New(dir string) (*Store, error) {
	root, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(root, DirPermMode); err != nil {
		return nil, errors.Wrapf(err, "filestore: failed to create directory %q", root)
	}
	return &Store{root: root}, nil
}

// Root directory of the store.
func (s *Store) Root() string { return s.root }

func (s *Store) path(name string) (string, error) {
	if err := blobstore.ValidateName(name); err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(name)), nil
}

// Put implements blobstore.Store.
func (s *Store) Put(_ context.Context, name string, data []byte) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, DirPermMode); err != nil {
		return errors.Wrapf(err, "filestore: failed to create directory %q", dir)
	}
	tmpPath := filepath.Join(dir, "."+filepath.Base(path)+"."+uuid.NewString()+tempSuffix)
	if err := writeFile(tmpPath, data); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "filestore: failed to rename %q to %q", tmpPath, path)
	}
	klog.V(2).Infof("filestore: wrote %q (%d bytes)", path, len(data))
	return nil
}

func writeFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, FilePermMode)
	if err != nil {
		return errors.Wrapf(err, "filestore: failed to create %q", path)
	}
	if _, err = f.Write(data); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "filestore: failed to write %q", path)
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "filestore: failed to sync %q", path)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "filestore: failed to close %q", path)
	}
	return nil
}

// Get implements blobstore.Store.
func (s *Store) Get(_ context.Context, name string) ([]byte, error) {
	path, err := s.path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(blobstore.ErrNotFound, "filestore: %q", path)
		}
		return nil, errors.Wrapf(err, "filestore: failed to read %q", path)
	}
	return data, nil
}

// Exists implements blobstore.Store.
func (s *Store) Exists(_ context.Context, name string) (bool, error) {
	path, err := s.path(name)
	if err != nil {
		return false, err
	}
	return fsutil.FileExists(path)
}

// List implements blobstore.Lister.
func (s *Store) List(_ context.Context, prefix string) ([]string, error) {
	var names []string
	err := filepath.WalkDir(s.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || strings.HasSuffix(entry.Name(), tempSuffix) {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "filestore: failed to list %q", s.root)
	}
	slices.Sort(names)
	return names, nil
}

// Delete implements blobstore.Lister.
func (s *Store) Delete(_ context.Context, name string) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(blobstore.ErrNotFound, "filestore: %q", path)
		}
		return errors.Wrapf(err, "filestore: failed to remove %q", path)
	}
	return nil
}
