// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"reflect"

	"github.com/monkfish/lvd/pkg/core/dtypes"
	"github.com/monkfish/lvd/pkg/core/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

type scalarKind uint8

const (
	floatKind scalarKind = iota
	signedKind
	unsignedKind
)

// scalar holds one element in its widest lossless Go representation.
type scalar struct {
	f    float64
	i    int64
	u    uint64
	kind scalarKind
}

func (s scalar) asFloat() float64 {
	switch s.kind {
	case signedKind:
		return float64(s.i)
	case unsignedKind:
		return float64(s.u)
	default:
		return s.f
	}
}

func (s scalar) asInt() int64 {
	switch s.kind {
	case signedKind:
		return s.i
	case unsignedKind:
		return int64(s.u)
	default:
		return int64(s.f)
	}
}

func (s scalar) asUint() uint64 {
	switch s.kind {
	case signedKind:
		return uint64(s.i)
	case unsignedKind:
		return s.u
	default:
		if s.f < 0 {
			return uint64(int64(s.f))
		}
		return uint64(s.f)
	}
}

func (s scalar) isZero() bool {
	switch s.kind {
	case signedKind:
		return s.i == 0
	case unsignedKind:
		return s.u == 0
	default:
		return s.f == 0
	}
}

// elementReader returns a function that reads the i-th element of flat.
func elementReader(flat any) func(i int) scalar {
	switch f := flat.(type) {
	case []bool:
		return func(i int) scalar {
			if f[i] {
				return scalar{u: 1, kind: unsignedKind}
			}
			return scalar{kind: unsignedKind}
		}
	case []int8:
		return func(i int) scalar { return scalar{i: int64(f[i]), kind: signedKind} }
	case []int16:
		return func(i int) scalar { return scalar{i: int64(f[i]), kind: signedKind} }
	case []int32:
		return func(i int) scalar { return scalar{i: int64(f[i]), kind: signedKind} }
	case []int64:
		return func(i int) scalar { return scalar{i: f[i], kind: signedKind} }
	case []uint8:
		return func(i int) scalar { return scalar{u: uint64(f[i]), kind: unsignedKind} }
	case []uint16:
		return func(i int) scalar { return scalar{u: uint64(f[i]), kind: unsignedKind} }
	case []uint32:
		return func(i int) scalar { return scalar{u: uint64(f[i]), kind: unsignedKind} }
	case []uint64:
		return func(i int) scalar { return scalar{u: f[i], kind: unsignedKind} }
	case []float16.Float16:
		return func(i int) scalar { return scalar{f: float64(f[i].Float32())} }
	case []bfloat16.BFloat16:
		return func(i int) scalar { return scalar{f: float64(f[i].Float32())} }
	case []float32:
		return func(i int) scalar { return scalar{f: float64(f[i])} }
	case []float64:
		return func(i int) scalar { return scalar{f: f[i]} }
	default:
		panic(errors.Errorf("tensors: unsupported flat data type %T", flat))
	}
}

// elementWriter returns a function that sets the i-th element of flat.
func elementWriter(flat any) func(i int, s scalar) {
	switch f := flat.(type) {
	case []bool:
		return func(i int, s scalar) { f[i] = !s.isZero() }
	case []int8:
		return func(i int, s scalar) { f[i] = int8(s.asInt()) }
	case []int16:
		return func(i int, s scalar) { f[i] = int16(s.asInt()) }
	case []int32:
		return func(i int, s scalar) { f[i] = int32(s.asInt()) }
	case []int64:
		return func(i int, s scalar) { f[i] = s.asInt() }
	case []uint8:
		return func(i int, s scalar) { f[i] = uint8(s.asUint()) }
	case []uint16:
		return func(i int, s scalar) { f[i] = uint16(s.asUint()) }
	case []uint32:
		return func(i int, s scalar) { f[i] = uint32(s.asUint()) }
	case []uint64:
		return func(i int, s scalar) { f[i] = s.asUint() }
	case []float16.Float16:
		return func(i int, s scalar) { f[i] = float16.Fromfloat32(float32(s.asFloat())) }
	case []bfloat16.BFloat16:
		return func(i int, s scalar) { f[i] = bfloat16.FromFloat64(s.asFloat()) }
	case []float32:
		return func(i int, s scalar) { f[i] = float32(s.asFloat()) }
	case []float64:
		return func(i int, s scalar) { f[i] = s.asFloat() }
	default:
		panic(errors.Errorf("tensors: unsupported flat data type %T", flat))
	}
}

// ConvertTo returns a tensor with the values of t converted to dtype.
//
// If dtype is the same as t's, it returns a copy. Conversions follow Go's conversion rules:
// floats are truncated towards zero when converted to integers, and integers wrap around.
func (t *Tensor) ConvertTo(dtype dtypes.DType) *Tensor {
	if dtype == t.DType() {
		return t.Clone()
	}
	shape := t.Shape()
	shape.DType = dtype
	converted := FromShape(shape)
	read, write := elementReader(t.flat), elementWriter(converted.flat)
	for ii := range t.Size() {
		write(ii, read(ii))
	}
	return converted
}

// FromAnyFlat returns a tensor wrapping a copy of flat, which must be a slice of a supported Go type.
func FromAnyFlat(flat any, dimensions ...int) (*Tensor, error) {
	flatV := reflect.ValueOf(flat)
	if flatV.Kind() != reflect.Slice {
		return nil, errors.Errorf("FromAnyFlat requires a slice, got %T", flat)
	}
	dtype := dtypes.FromGoType(flatV.Type().Elem())
	if dtype == dtypes.InvalidDType {
		return nil, errors.Errorf("FromAnyFlat: unsupported element type %s", flatV.Type().Elem())
	}
	t := FromShape(shapeOf(dtype, dimensions))
	if t.Size() != flatV.Len() {
		return nil, errors.Errorf("FromAnyFlat: %d elements given, but dimensions %v require %d",
			flatV.Len(), dimensions, t.Size())
	}
	if reflect.TypeOf(t.flat) == flatV.Type() {
		reflect.Copy(reflect.ValueOf(t.flat), flatV)
		return t, nil
	}
	// Only Go's `int` gets here.
	write := elementWriter(t.flat)
	for ii := range flatV.Len() {
		write(ii, scalar{i: flatV.Index(ii).Int(), kind: signedKind})
	}
	return t, nil
}
