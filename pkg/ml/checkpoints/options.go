// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import "github.com/pkg/errors"

// BinFormat defines the type for representing the compression of the data section of a checkpoint.
type BinFormat byte

const (
	// BinGZIP represents the GZIP compressed format. It is the default.
	BinGZIP BinFormat = iota
	// BinUncompressed represents the uncompressed format.
	BinUncompressed
)

// String implements the Stringer interface.
func (bf BinFormat) String() string {
	switch bf {
	case BinGZIP:
		return "gzip"
	case BinUncompressed:
		return "uncompressed"
	default:
		return "unknown"
	}
}

// ParseBinFormat is the inverse of BinFormat.String.
func ParseBinFormat(s string) (BinFormat, error) {
	for _, bf := range []BinFormat{BinGZIP, BinUncompressed} {
		if bf.String() == s {
			return bf, nil
		}
	}
	return 0, errors.Wrapf(ErrUnsupportedCompression, "%q", s)
}
