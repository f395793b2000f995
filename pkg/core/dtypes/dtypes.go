// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dtypes defines the DType enum for the element types of host tensors and distributed arrays.
//
// The numeric values of the enum are stable: they are written into checkpoint manifests (by name)
// and into the binary tensor codec (by value), so new dtypes must only be appended.
package dtypes

import (
	"maps"
	"reflect"
	"slices"
	"strconv"
	"strings"

	"github.com/monkfish/lvd/pkg/core/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// DType is an enum that represents the data type of a tensor element.
type DType int32

const (
	// InvalidDType is the zero value, used as default.
	InvalidDType DType = 0

	// Bool is a two-state boolean, stored as one byte.
	Bool DType = 1

	Int8  DType = 2
	Int16 DType = 3
	Int32 DType = 4
	Int64 DType = 5

	Uint8  DType = 6
	Uint16 DType = 7
	Uint32 DType = 8
	Uint64 DType = 9

	// Float16 is the IEEE 754 half-precision float, see github.com/x448/float16.
	Float16 DType = 10
	Float32 DType = 11
	Float64 DType = 12

	// BFloat16 is the truncated 16 bit float: 1 bit for the sign, 8 bits for the exponent and 7 bits for the mantissa.
	BFloat16 DType = 13
)

// Aliases used in configuration files.
const (
	F16  = Float16
	BF16 = BFloat16
	F32  = Float32
	F64  = Float64
)

var dtypeNames = map[DType]string{
	InvalidDType: "InvalidDType",
	Bool:         "Bool",
	Int8:         "Int8",
	Int16:        "Int16",
	Int32:        "Int32",
	Int64:        "Int64",
	Uint8:        "Uint8",
	Uint16:       "Uint16",
	Uint32:       "Uint32",
	Uint64:       "Uint64",
	Float16:      "Float16",
	Float32:      "Float32",
	Float64:      "Float64",
	BFloat16:     "BFloat16",
}

// MapOfNames maps names (and lower-case versions of the names, plus the short aliases) to DType.
var MapOfNames = map[string]DType{
	"F16":  Float16,
	"BF16": BFloat16,
	"F32":  Float32,
	"F64":  Float64,
}

func init() {
	for dtype, name := range dtypeNames {
		MapOfNames[name] = dtype
	}
	keys := slices.Collect(maps.Keys(MapOfNames))
	for _, key := range keys {
		lowerKey := strings.ToLower(key)
		if _, found := MapOfNames[lowerKey]; !found {
			MapOfNames[lowerKey] = MapOfNames[key]
		}
	}
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if name, found := dtypeNames[dtype]; found {
		return name
	}
	return "DType(" + strconv.Itoa(int(dtype)) + ")"
}

// FromName returns the DType for the given name (case-insensitive, aliases accepted).
func FromName(name string) (DType, error) {
	if dtype, found := MapOfNames[name]; found {
		return dtype, nil
	}
	if dtype, found := MapOfNames[strings.ToLower(name)]; found {
		return dtype, nil
	}
	return InvalidDType, errors.Errorf("unknown dtype %q", name)
}

// MarshalText implements encoding.TextMarshaler, so dtypes are written by name in JSON and YAML.
func (dtype DType) MarshalText() ([]byte, error) {
	if _, found := dtypeNames[dtype]; !found {
		return nil, errors.Errorf("cannot marshal invalid dtype %d", int32(dtype))
	}
	return []byte(dtype.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (dtype *DType) UnmarshalText(text []byte) error {
	parsed, err := FromName(string(text))
	if err != nil {
		return err
	}
	*dtype = parsed
	return nil
}

// IsValid returns whether dtype is one of the defined values, other than InvalidDType.
func (dtype DType) IsValid() bool {
	_, found := dtypeNames[dtype]
	return found && dtype != InvalidDType
}

// Supported lists the Go types that have a corresponding DType.
//
// Notice Go's `int` type is not portable, it maps to Int32 or Int64 depending on the platform.
type Supported interface {
	bool | float16.Float16 | bfloat16.BFloat16 |
		float32 | float64 | int | int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64
}

// FromGenericsType returns the DType enum for the given type.
func FromGenericsType[T Supported]() DType {
	var t T
	return FromGoType(reflect.TypeOf(t))
}

// FromAny introspects the underlying type of value and returns the corresponding DType.
// Unsupported types return InvalidDType.
func FromAny(value any) DType {
	return FromGoType(reflect.TypeOf(value))
}

var (
	float16Type  = reflect.TypeOf(float16.Float16(0))
	bfloat16Type = reflect.TypeOf(bfloat16.BFloat16(0))
)

// FromGoType returns the DType for the given reflect.Type, or InvalidDType if there is none.
func FromGoType(t reflect.Type) DType {
	if t == nil {
		return InvalidDType
	}
	switch t {
	case float16Type:
		return Float16
	case bfloat16Type:
		return BFloat16
	}
	switch t.Kind() {
	case reflect.Int:
		if strconv.IntSize == 32 {
			return Int32
		}
		return Int64
	case reflect.Int64:
		return Int64
	case reflect.Int32:
		return Int32
	case reflect.Int16:
		return Int16
	case reflect.Int8:
		return Int8
	case reflect.Uint64:
		return Uint64
	case reflect.Uint32:
		return Uint32
	case reflect.Uint16:
		return Uint16
	case reflect.Uint8:
		return Uint8
	case reflect.Bool:
		return Bool
	case reflect.Float32:
		return Float32
	case reflect.Float64:
		return Float64
	default:
		return InvalidDType
	}
}

// GoType returns the Go reflect.Type for the dtype. It panics for invalid dtypes.
func (dtype DType) GoType() reflect.Type {
	switch dtype {
	case Bool:
		return reflect.TypeOf(true)
	case Int8:
		return reflect.TypeOf(int8(0))
	case Int16:
		return reflect.TypeOf(int16(0))
	case Int32:
		return reflect.TypeOf(int32(0))
	case Int64:
		return reflect.TypeOf(int64(0))
	case Uint8:
		return reflect.TypeOf(uint8(0))
	case Uint16:
		return reflect.TypeOf(uint16(0))
	case Uint32:
		return reflect.TypeOf(uint32(0))
	case Uint64:
		return reflect.TypeOf(uint64(0))
	case Float16:
		return float16Type
	case BFloat16:
		return bfloat16Type
	case Float32:
		return reflect.TypeOf(float32(0))
	case Float64:
		return reflect.TypeOf(float64(0))
	default:
		panic(errors.Errorf("unknown dtype %s in DType.GoType", dtype))
	}
}

// Size returns the number of bytes of one element of the dtype.
func (dtype DType) Size() int {
	return int(dtype.GoType().Size())
}

// SizeForDimensions returns the number of bytes used by a tensor of the given dimensions.
// It works also for scalars, where the list of dimensions is empty.
func (dtype DType) SizeForDimensions(dimensions ...int) int {
	numElements := 1
	for _, dim := range dimensions {
		if dim < 0 {
			panic(errors.Errorf("negative dimension in SizeForDimensions(%v)", dimensions))
		}
		numElements *= dim
	}
	return numElements * dtype.Size()
}

// IsFloat returns whether dtype is one of the float types.
func (dtype DType) IsFloat() bool {
	return dtype == Float32 || dtype == Float64 || dtype == Float16 || dtype == BFloat16
}

// IsFloat16 returns whether dtype is a float with 16 bits: Float16 or BFloat16.
func (dtype DType) IsFloat16() bool {
	return dtype == Float16 || dtype == BFloat16
}

// IsInt returns whether dtype is a signed or unsigned integer.
func (dtype DType) IsInt() bool {
	return dtype == Int64 || dtype == Int32 || dtype == Int16 || dtype == Int8 || dtype.IsUnsigned()
}

// IsUnsigned returns whether dtype is an unsigned integer.
func (dtype DType) IsUnsigned() bool {
	return dtype == Uint8 || dtype == Uint16 || dtype == Uint32 || dtype == Uint64
}
