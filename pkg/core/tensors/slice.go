// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"reflect"

	"github.com/monkfish/lvd/pkg/core/dtypes"
	"github.com/monkfish/lvd/pkg/core/shapes"
	"github.com/pkg/errors"
)

func shapeOf(dtype dtypes.DType, dimensions []int) shapes.Shape {
	return shapes.Make(dtype, dimensions...)
}

// Slice returns a copy of the block of t that starts (inclusive) at starts and ends (exclusive) at ends.
// starts and ends must have one value per axis.
func (t *Tensor) Slice(starts, ends []int) (*Tensor, error) {
	rank := t.Rank()
	if len(starts) != rank || len(ends) != rank {
		return nil, errors.Errorf("Slice of tensor shaped %s requires %d starts and ends, got starts=%v, ends=%v",
			t.shape, rank, starts, ends)
	}
	blockDims := make([]int, rank)
	for axis := range rank {
		if starts[axis] < 0 || ends[axis] > t.shape.Dimensions[axis] || starts[axis] > ends[axis] {
			return nil, errors.Errorf("Slice of tensor shaped %s: invalid range [%d, %d) for axis %d",
				t.shape, starts[axis], ends[axis], axis)
		}
		blockDims[axis] = ends[axis] - starts[axis]
	}
	block := FromShape(shapeOf(t.DType(), blockDims))
	copyBlock(block.flat, blockDims, make([]int, rank), t.flat, t.shape.Dimensions, starts, blockDims)
	return block, nil
}

// SetSlice copies block into t, with block's first element placed at starts.
// block must have the same dtype and rank as t, and fit within t.
func (t *Tensor) SetSlice(starts []int, block *Tensor) error {
	rank := t.Rank()
	if block.DType() != t.DType() || block.Rank() != rank || len(starts) != rank {
		return errors.Errorf("SetSlice: cannot set block shaped %s at %v into tensor shaped %s",
			block.shape, starts, t.shape)
	}
	for axis := range rank {
		if starts[axis] < 0 || starts[axis]+block.shape.Dimensions[axis] > t.shape.Dimensions[axis] {
			return errors.Errorf("SetSlice: block shaped %s at %v doesn't fit into tensor shaped %s (axis %d)",
				block.shape, starts, t.shape, axis)
		}
	}
	copyBlock(t.flat, t.shape.Dimensions, starts, block.flat, block.shape.Dimensions, make([]int, rank),
		block.shape.Dimensions)
	return nil
}

func rowMajorStrides(dims []int) []int {
	strides := make([]int, len(dims))
	stride := 1
	for axis := len(dims) - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= dims[axis]
	}
	return strides
}

// copyBlock copies a block of blockDims elements from src (starting at srcStarts) to dst (starting at dstStarts).
// dst and src are flat slices of the same type, laid out in row-major order with dstDims and srcDims.
func copyBlock(dst any, dstDims, dstStarts []int, src any, srcDims, srcStarts []int, blockDims []int) {
	dstV, srcV := reflect.ValueOf(dst), reflect.ValueOf(src)
	rank := len(blockDims)
	if rank == 0 {
		reflect.Copy(dstV, srcV.Slice(0, 1))
		return
	}
	for _, dim := range blockDims {
		if dim == 0 {
			return
		}
	}
	dstStrides, srcStrides := rowMajorStrides(dstDims), rowMajorStrides(srcDims)
	rowLen := blockDims[rank-1]
	indices := make([]int, rank-1)
	for {
		dstOffset := dstStarts[rank-1]
		srcOffset := srcStarts[rank-1]
		for axis, idx := range indices {
			dstOffset += (dstStarts[axis] + idx) * dstStrides[axis]
			srcOffset += (srcStarts[axis] + idx) * srcStrides[axis]
		}
		reflect.Copy(dstV.Slice(dstOffset, dstOffset+rowLen), srcV.Slice(srcOffset, srcOffset+rowLen))

		// Advance to the next row.
		axis := rank - 2
		for ; axis >= 0; axis-- {
			indices[axis]++
			if indices[axis] < blockDims[axis] {
				break
			}
			indices[axis] = 0
		}
		if axis < 0 {
			return
		}
	}
}
