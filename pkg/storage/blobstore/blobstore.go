// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package blobstore defines the durable storage used for checkpoints and training data: a flat namespace of
// named, immutable byte blobs.
//
// Names use "/" as separator, and implementations may map them to directories. A Put replaces the whole blob
// atomically from the point of view of readers: they see either the previous or the new content.
//
// Implementations: memstore (in memory, for tests), filestore (local or network file systems) and gcsstore
// (Google Cloud Storage).
package blobstore

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

// ErrNotFound is returned (wrapped) when a blob doesn't exist. Test for it with errors.Is.
var ErrNotFound = errors.New("blob not found")

// Store is the minimal interface of a blob storage.
type Store interface {
	// Put creates or replaces the blob name with data.
	Put(ctx context.Context, name string, data []byte) error

	// Get returns the contents of blob name, or an error wrapping ErrNotFound.
	Get(ctx context.Context, name string) ([]byte, error)

	// Exists returns whether blob name exists.
	Exists(ctx context.Context, name string) (bool, error)
}

// Lister is implemented by stores that can enumerate and delete blobs.
type Lister interface {
	// List returns the names of the blobs starting with prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes blob name, or returns an error wrapping ErrNotFound.
	Delete(ctx context.Context, name string) error
}

// ListerStore is a Store that is also a Lister. All implementations in this module are.
type ListerStore interface {
	Store
	Lister
}

// Join joins name parts with "/", ignoring empty parts and extra separators.
func Join(parts ...string) string {
	nonEmpty := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, "/")
		if part != "" {
			nonEmpty = append(nonEmpty, part)
		}
	}
	return strings.Join(nonEmpty, "/")
}

// Base returns the last element of name.
func Base(name string) string {
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		return name[idx+1:]
	}
	return name
}

// ValidateName returns an error if name can't be used as a blob name: empty, absolute, or with empty, "." or
// ".." elements.
func ValidateName(name string) error {
	if name == "" {
		return errors.New("empty blob name")
	}
	for _, part := range strings.Split(name, "/") {
		if part == "" || part == "." || part == ".." {
			return errors.Errorf("invalid blob name %q", name)
		}
	}
	return nil
}
