// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/monkfish/lvd/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// MaxRank is the largest rank accepted when decoding a tensor.
const MaxRank = 64

// WriteTo writes the tensor in binary form: dtype (uint32), rank (uint32), one uint64 per dimension,
// followed by the flat data. Everything is little-endian.
//
// It implements io.WriterTo.
func (t *Tensor) WriteTo(w io.Writer) (int64, error) {
	header := make([]byte, 0, 8+8*t.Rank())
	header = binary.LittleEndian.AppendUint32(header, uint32(t.DType()))
	header = binary.LittleEndian.AppendUint32(header, uint32(t.Rank()))
	for _, dim := range t.shape.Dimensions {
		header = binary.LittleEndian.AppendUint64(header, uint64(dim))
	}
	n, err := w.Write(header)
	if err != nil {
		return int64(n), errors.Wrapf(err, "failed to write header of tensor %s", t.shape)
	}
	if err = binary.Write(w, binary.LittleEndian, t.flat); err != nil {
		return int64(n), errors.Wrapf(err, "failed to write data of tensor %s", t.shape)
	}
	return int64(n) + int64(t.Memory()), nil
}

// ReadTensor reads a tensor written with Tensor.WriteTo.
func ReadTensor(r io.Reader) (*Tensor, error) {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, errors.Wrap(err, "failed to read tensor header")
	}
	dtype := dtypes.DType(binary.LittleEndian.Uint32(header[0:4]))
	rank := int(binary.LittleEndian.Uint32(header[4:8]))
	if !dtype.IsValid() {
		return nil, errors.Errorf("invalid dtype %d in tensor header", int32(dtype))
	}
	if rank > MaxRank {
		return nil, errors.Errorf("invalid rank %d in tensor header", rank)
	}
	dimsBytes := make([]byte, 8*rank)
	if _, err := io.ReadFull(r, dimsBytes); err != nil {
		return nil, errors.Wrap(err, "failed to read tensor dimensions")
	}
	dims := make([]int, rank)
	for axis := range rank {
		dim := binary.LittleEndian.Uint64(dimsBytes[8*axis:])
		if dim > 1<<40 {
			return nil, errors.Errorf("invalid dimension %d for axis %d in tensor header", dim, axis)
		}
		dims[axis] = int(dim)
	}
	if lr, ok := r.(interface{ Len() int }); ok {
		if want := dtype.SizeForDimensions(dims...); lr.Len() < want {
			return nil, errors.Errorf("truncated tensor data: %d bytes available, %d required for (%s)%v",
				lr.Len(), want, dtype, dims)
		}
	}
	t := FromShape(shapeOf(dtype, dims))
	if err := binary.Read(r, binary.LittleEndian, t.flat); err != nil {
		return nil, errors.Wrapf(err, "failed to read data of tensor %s", t.shape)
	}
	return t, nil
}

// Bytes returns the tensor encoded with WriteTo.
func (t *Tensor) Bytes() []byte {
	var buf bytes.Buffer
	buf.Grow(8 + 8*t.Rank() + int(t.Memory()))
	// Writing to a bytes.Buffer doesn't fail.
	_, _ = t.WriteTo(&buf)
	return buf.Bytes()
}

// FromBytes decodes a tensor encoded with Bytes. Trailing bytes are an error.
func FromBytes(data []byte) (*Tensor, error) {
	reader := bytes.NewReader(data)
	t, err := ReadTensor(reader)
	if err != nil {
		return nil, err
	}
	if reader.Len() != 0 {
		return nil, errors.Errorf("%d unexpected trailing bytes after tensor %s", reader.Len(), t.shape)
	}
	return t, nil
}
