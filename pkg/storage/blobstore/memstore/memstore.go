// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package memstore implements an in-memory blobstore.Store, for tests and single process jobs.
package memstore

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/monkfish/lvd/pkg/storage/blobstore"
	"github.com/pkg/errors"
)

// Store keeps blobs in memory. It is safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

var _ blobstore.ListerStore = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{blobs: make(map[string][]byte)}
}

// Put implements blobstore.Store. data is copied.
func (s *Store) Put(_ context.Context, name string, data []byte) error {
	if err := blobstore.ValidateName(name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[name] = slices.Clone(data)
	return nil
}

// Get implements blobstore.Store. The returned slice is a copy.
func (s *Store) Get(_ context.Context, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, found := s.blobs[name]
	if !found {
		return nil, errors.Wrapf(blobstore.ErrNotFound, "memstore: %q", name)
	}
	return slices.Clone(data), nil
}

// Exists implements blobstore.Store.
func (s *Store) Exists(_ context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, found := s.blobs[name]
	return found, nil
}

// List implements blobstore.Lister.
func (s *Store) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var names []string
	for _, name := range slices.Sorted(maps.Keys(s.blobs)) {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	return names, nil
}

// Delete implements blobstore.Lister.
func (s *Store) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, found := s.blobs[name]; !found {
		return errors.Wrapf(blobstore.ErrNotFound, "memstore: %q", name)
	}
	delete(s.blobs, name)
	return nil
}

// Len returns the number of blobs stored.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
