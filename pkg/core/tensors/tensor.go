// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements Tensor, a host (CPU) resident multidimensional array.
//
// A Tensor is defined by its shape (a data type and its axes' dimensions) and its content, stored
// as a flat (1D) Go slice of the dtype's Go type in row-major order.
//
// Tensors are what the distributed layer cuts into shards, ships between processes and assembles back,
// so besides the constructors and flat data accessors the package offers:
//
//   - ConvertTo: element type conversion, exact when the dtype is unchanged.
//   - Slice and SetSlice: copy a rectangular block out of, or into, a tensor.
//   - WriteTo, ReadTensor, Bytes and FromBytes: a small self-describing little-endian binary codec.
//
// Ways to construct a Tensor:
//
//   - FromShape(shape shapes.Shape): zero values.
//   - FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int): copies data. Example:
//
//     t := FromFlatDataAndDimensions([]int8{1, 2, 3, 4}, 2, 2) // Tensor with [[1,2], [3,4]]
//
//   - FromScalar[T dtypes.Supported](value T): a scalar (rank 0) tensor.
package tensors

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/monkfish/lvd/pkg/core/dtypes"
	"github.com/monkfish/lvd/pkg/core/shapes"
	"github.com/pkg/errors"
)

// Tensor is a host resident multidimensional array.
//
// Tensors are not safe for concurrent mutation, but any number of goroutines may read one.
type Tensor struct {
	shape shapes.Shape

	// flat holds a []T, where T is shape.DType.GoType().
	flat any
}

// FromShape returns a Tensor with the given shape, filled with zeros.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		panic(errors.Errorf("tensors.FromShape(%s): invalid shape", shape))
	}
	size := shape.Size()
	flat := reflect.MakeSlice(reflect.SliceOf(shape.DType.GoType()), size, size).Interface()
	return &Tensor{shape: shape.Clone(), flat: flat}
}

// FromFlatDataAndDimensions returns a Tensor with the given dimensions, holding a copy of data.
//
// Go's `int` is stored as Int64 (or Int32 on 32-bit platforms).
// It panics if len(data) doesn't match the dimensions.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	dtype := dtypes.FromGenericsType[T]()
	shape := shapes.Make(dtype, dimensions...)
	if len(data) != shape.Size() {
		panic(errors.Errorf("tensors.FromFlatDataAndDimensions: data has %d elements, but dimensions %v require %d",
			len(data), dimensions, shape.Size()))
	}
	t := FromShape(shape)
	if ints, ok := any(data).([]int); ok {
		writeElement := elementWriter(t.flat)
		for ii, v := range ints {
			writeElement(ii, scalar{i: int64(v), kind: signedKind})
		}
		return t
	}
	copy(t.flat.([]T), data)
	return t
}

// FromScalar returns a rank-0 tensor holding value.
func FromScalar[T dtypes.Supported](value T) *Tensor {
	return FromFlatDataAndDimensions([]T{value})
}

// Shape returns a copy of the tensor's shape.
func (t *Tensor) Shape() shapes.Shape { return t.shape.Clone() }

// DType returns the tensor's element type.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank returns the number of axes.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size returns the number of elements.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the number of bytes used by the elements.
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// Dimensions returns a copy of the tensor's dimensions.
func (t *Tensor) Dimensions() []int { return t.shape.Clone().Dimensions }

// Reshape returns a copy of t with new dimensions. The number of elements must be unchanged.
func (t *Tensor) Reshape(dimensions ...int) (*Tensor, error) {
	shape := shapes.Make(t.DType(), dimensions...)
	if shape.Size() != t.Size() {
		return nil, errors.Errorf("cannot reshape tensor %s to dimensions %v", t.shape, dimensions)
	}
	clone := t.Clone()
	clone.shape = shape
	return clone, nil
}

// ConstFlatData calls accessFn with the flat data of the tensor, as a slice of the dtype's Go type.
// The slice must not be modified or kept after accessFn returns.
func ConstFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) error {
	flat, ok := t.flat.([]T)
	if !ok {
		var zero T
		return errors.Errorf("tensor of dtype %s cannot be accessed as []%T", t.DType(), zero)
	}
	accessFn(flat)
	return nil
}

// MutableFlatData calls accessFn with the flat data of the tensor, which can be modified in place.
func MutableFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) error {
	return ConstFlatData(t, accessFn)
}

// CopyFlatData returns a copy of the tensor's flat data.
func CopyFlatData[T dtypes.Supported](t *Tensor) ([]T, error) {
	var result []T
	err := ConstFlatData(t, func(flat []T) {
		result = make([]T, len(flat))
		copy(result, flat)
	})
	return result, err
}

// MustCopyFlatData is like CopyFlatData, but panics on error.
func MustCopyFlatData[T dtypes.Supported](t *Tensor) []T {
	result, err := CopyFlatData[T](t)
	if err != nil {
		panic(err)
	}
	return result
}

// ToScalar returns the single value of a tensor with one element.
func ToScalar[T dtypes.Supported](t *Tensor) (T, error) {
	var value T
	if t.Size() != 1 {
		return value, errors.Errorf("ToScalar requires a tensor with one element, got shape %s", t.shape)
	}
	err := ConstFlatData(t, func(flat []T) { value = flat[0] })
	return value, err
}

// ConstFlatAny calls accessFn with the flat data as an `any` holding a []T.
func (t *Tensor) ConstFlatAny(accessFn func(flat any)) {
	accessFn(t.flat)
}

// Clone returns a deep copy of the tensor.
func (t *Tensor) Clone() *Tensor {
	clone := FromShape(t.shape)
	reflect.Copy(reflect.ValueOf(clone.flat), reflect.ValueOf(t.flat))
	return clone
}

// Equal returns whether both tensors have the same shape and the exact same values.
func (t *Tensor) Equal(other *Tensor) bool {
	if t == nil || other == nil {
		return t == other
	}
	if !t.shape.Equal(other.shape) {
		return false
	}
	return reflect.DeepEqual(t.flat, other.flat)
}

// InDelta returns whether both tensors have the same shape and every pair of elements differs by at most delta.
func (t *Tensor) InDelta(other *Tensor, delta float64) bool {
	if !t.shape.Equal(other.shape) {
		return false
	}
	readA, readB := elementReader(t.flat), elementReader(other.flat)
	for ii := range t.Size() {
		diff := readA(ii).asFloat() - readB(ii).asFloat()
		if diff > delta || diff < -delta {
			return false
		}
	}
	return true
}

// maxStringElements is the number of elements printed by String.
const maxStringElements = 16

// String implements fmt.Stringer. Large tensors are truncated.
func (t *Tensor) String() string {
	if t == nil {
		return "Tensor(nil)"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Tensor%s: [", t.shape)
	flatV := reflect.ValueOf(t.flat)
	n := min(flatV.Len(), maxStringElements)
	for ii := range n {
		if ii > 0 {
			sb.WriteString(" ")
		}
		fmt.Fprint(&sb, flatV.Index(ii).Interface())
	}
	if flatV.Len() > n {
		sb.WriteString(" ... +" + strconv.Itoa(flatV.Len()-n))
	}
	sb.WriteString("]")
	return sb.String()
}
