// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import "github.com/pkg/errors"

var (
	// ErrConfiguration is returned for invalid meshes, topologies or partition specs.
	// Test for it with errors.Is.
	ErrConfiguration = errors.New("invalid distributed configuration")

	// ErrShapeMismatch is returned when a value cannot be laid out as requested: a partitioned axis not divisible
	// by its number of shards, a spec with more axes than the value, or a sharding different from the array's.
	ErrShapeMismatch = errors.New("shape mismatch")
)

func configErrorf(format string, args ...any) error {
	return errors.WithMessagef(ErrConfiguration, format, args...)
}

func shapeErrorf(format string, args ...any) error {
	return errors.WithMessagef(ErrShapeMismatch, format, args...)
}
