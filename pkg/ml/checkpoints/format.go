// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"strconv"

	"github.com/monkfish/lvd/pkg/core/distributed"
	"github.com/monkfish/lvd/pkg/core/dtypes"
	"github.com/monkfish/lvd/pkg/core/pytree"
	"github.com/monkfish/lvd/pkg/core/shapes"
	"github.com/monkfish/lvd/pkg/core/tensors"
	"github.com/monkfish/lvd/pkg/support/xslices"
	"github.com/pkg/errors"
)

// Blob layout
//
// ---------------------------------------------------------------------------------------------------
// | "lvd_checkpoint" | version (1 byte) | BinFormat (1 byte) | len (uint32 LE) | manifest JSON | data |
// ---------------------------------------------------------------------------------------------------
//
// data is the concatenation of the tensors of the arrays and of the host tensor leaves, each encoded with tensors.Tensor.WriteTo, and gzip
// compressed for BinGZIP. Positions in the manifest refer to the uncompressed data.
const (
	binHeader     = "lvd_checkpoint"
	formatVersion = byte(1)

	// maxManifestSize protects against reading garbage as a manifest length.
	maxManifestSize = 1 << 30
)

// nodeKind enumerates what a manifest node holds.
type nodeKind string

const (
	kindTree   nodeKind = "tree"
	kindArray  nodeKind = "array"
	kindTensor nodeKind = "tensor"
	kindAbsent nodeKind = "absent"
	kindOpaque nodeKind = "opaque"
)

// manifestNode describes one node of the saved structure.
type manifestNode struct {
	Kind nodeKind `json:"kind"`

	// Tree nodes: keys and children, in order.
	Keys     []string        `json:"keys,omitempty"`
	Children []*manifestNode `json:"children,omitempty"`

	// Array and tensor nodes: logical shape, how it was partitioned (arrays only) and where its data is.
	DType      dtypes.DType               `json:"dtype,omitempty"`
	Dimensions []int                      `json:"dimensions,omitempty"`
	Spec       *distributed.PartitionSpec `json:"spec,omitempty"`
	Pos        int                        `json:"pos,omitempty"`
	Length     int                        `json:"length,omitempty"`

	// Opaque nodes: the JSON encoded value and its Go type, used to recover the original type where possible,
	// since the JSON decoder converts all numbers to float64.
	Value     json.RawMessage `json:"value,omitempty"`
	ValueType string          `json:"value_type,omitempty"`
}

// savedLeaf is a leaf of the structure being saved, after gathering.
type savedLeaf struct {
	kind  nodeKind
	host  *tensors.Tensor // Only on the coordinator for arrays.
	spec  *distributed.PartitionSpec
	shape shapes.Shape
	value any
}

// encodeBlob serializes the gathered leaves. It runs only on the coordinator.
func encodeBlob(leaves *pytree.Tree[*savedLeaf], bf BinFormat) ([]byte, error) {
	var data bytes.Buffer
	root, err := encodeNode(leaves, &data)
	if err != nil {
		return nil, err
	}
	manifestJSON, err := json.Marshal(root)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode checkpoint manifest")
	}

	var blob bytes.Buffer
	blob.WriteString(binHeader)
	blob.WriteByte(formatVersion)
	blob.WriteByte(byte(bf))
	_ = binary.Write(&blob, binary.LittleEndian, uint32(len(manifestJSON)))
	blob.Write(manifestJSON)
	switch bf {
	case BinUncompressed:
		blob.Write(data.Bytes())
	case BinGZIP:
		zw := gzip.NewWriter(&blob)
		if _, err := zw.Write(data.Bytes()); err != nil {
			return nil, errors.Wrap(err, "failed to compress checkpoint data")
		}
		if err := zw.Close(); err != nil {
			return nil, errors.Wrap(err, "failed to compress checkpoint data")
		}
	default:
		return nil, errors.Wrapf(ErrUnsupportedCompression, "format %d", bf)
	}
	return blob.Bytes(), nil
}

func encodeNode(t *pytree.Tree[*savedLeaf], data *bytes.Buffer) (*manifestNode, error) {
	if !t.IsLeaf() {
		node := &manifestNode{Kind: kindTree, Keys: t.Keys()}
		for _, key := range node.Keys {
			child, _ := t.Child(key)
			childNode, err := encodeNode(child, data)
			if err != nil {
				return nil, errors.WithMessagef(err, "key %q", key)
			}
			node.Children = append(node.Children, childNode)
		}
		return node, nil
	}
	leaf := t.Value()
	switch leaf.kind {
	case kindAbsent:
		return &manifestNode{Kind: kindAbsent}, nil
	case kindArray, kindTensor:
		pos := data.Len()
		if _, err := leaf.host.WriteTo(data); err != nil {
			return nil, err
		}
		return &manifestNode{
			Kind:       leaf.kind,
			DType:      leaf.shape.DType,
			Dimensions: leaf.shape.Dimensions,
			Spec:       leaf.spec,
			Pos:        pos,
			Length:     data.Len() - pos,
		}, nil
	case kindOpaque:
		value, err := json.Marshal(leaf.value)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to encode value of type %T", leaf.value)
		}
		if string(value) == "{}" && isStruct(leaf.value) {
			return nil, errors.Errorf("value of type %T has no exported fields, it can't be saved", leaf.value)
		}
		return &manifestNode{Kind: kindOpaque, Value: value, ValueType: fmt.Sprintf("%T", leaf.value)}, nil
	default:
		return nil, errors.Errorf("unknown leaf kind %q", leaf.kind)
	}
}

// isStruct returns whether v is a struct or a pointer to one.
func isStruct(v any) bool {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return false
		}
		rv = rv.Elem()
	}
	return rv.Kind() == reflect.Struct
}

// decodeBlob parses a blob, returning its manifest and the tensors of its arrays indexed by position.
// All errors wrap ErrInvalidCheckpoint.
func decodeBlob(blob []byte) (root *manifestNode, hosts map[int]*tensors.Tensor, err error) {
	invalid := func(format string, args ...any) error {
		return errors.WithMessagef(ErrInvalidCheckpoint, format, args...)
	}
	headerLen := len(binHeader) + 2 + 4
	if len(blob) < headerLen || string(blob[:len(binHeader)]) != binHeader {
		return nil, nil, invalid("missing %q header", binHeader)
	}
	pos := len(binHeader)
	if version := blob[pos]; version != formatVersion {
		return nil, nil, invalid("unsupported format version %d", version)
	}
	bf := BinFormat(blob[pos+1])
	manifestLen := int(binary.LittleEndian.Uint32(blob[pos+2:]))
	pos = headerLen
	if manifestLen > maxManifestSize || pos+manifestLen > len(blob) {
		return nil, nil, invalid("manifest of %d bytes doesn't fit in blob of %d bytes", manifestLen, len(blob))
	}
	if err = json.Unmarshal(blob[pos:pos+manifestLen], &root); err != nil || root == nil {
		return nil, nil, invalid("failed to decode manifest: %v", err)
	}
	pos += manifestLen

	var data []byte
	switch bf {
	case BinUncompressed:
		data = blob[pos:]
	case BinGZIP:
		zr, err := gzip.NewReader(bytes.NewReader(blob[pos:]))
		if err != nil {
			return nil, nil, invalid("failed to decompress data: %v", err)
		}
		data, err = io.ReadAll(zr)
		if err != nil {
			return nil, nil, invalid("failed to decompress data: %v", err)
		}
	default:
		return nil, nil, invalid("unsupported data format %d", bf)
	}

	hosts = make(map[int]*tensors.Tensor)
	if err = decodeArrays(root, data, hosts); err != nil {
		return nil, nil, errors.WithMessage(ErrInvalidCheckpoint, err.Error())
	}
	return root, hosts, nil
}

// decodeArrays validates the manifest and decodes the data of every array node into hosts.
func decodeArrays(node *manifestNode, data []byte, hosts map[int]*tensors.Tensor) error {
	switch node.Kind {
	case kindTree:
		if len(node.Keys) != len(node.Children) {
			return errors.Errorf("tree node with %d keys and %d children", len(node.Keys), len(node.Children))
		}
		for ii, child := range node.Children {
			if child == nil {
				return errors.Errorf("key %q has no node", node.Keys[ii])
			}
			if err := decodeArrays(child, data, hosts); err != nil {
				return errors.WithMessagef(err, "key %q", node.Keys[ii])
			}
		}
	case kindArray, kindTensor:
		if node.Pos < 0 || node.Length < 0 || node.Pos+node.Length > len(data) {
			return errors.Errorf("array data [%d, %d) out of the %d bytes of data",
				node.Pos, node.Pos+node.Length, len(data))
		}
		host, err := tensors.FromBytes(data[node.Pos : node.Pos+node.Length])
		if err != nil {
			return err
		}
		if host.DType() != node.DType || !host.Shape().EqualDimensions(shapes.Make(node.DType, node.Dimensions...)) {
			return errors.Errorf("array data shaped %s, manifest says (%s)%v", host.Shape(), node.DType, node.Dimensions)
		}
		hosts[node.Pos] = host
	case kindAbsent, kindOpaque:
	default:
		return errors.Errorf("unknown node kind %q", node.Kind)
	}
	return nil
}

// decodeOpaque decodes an opaque value, converting it back to its original type where possible.
//
// Numbers are decoded as json.Number, so integers keep their precision, and cast to the saved ValueType.
// Numbers of other values (e.g. inside maps) are decoded to float64.
func decodeOpaque(node *manifestNode) (any, error) {
	var value any
	if len(node.Value) > 0 {
		dec := json.NewDecoder(bytes.NewReader(node.Value))
		dec.UseNumber()
		if err := dec.Decode(&value); err != nil {
			return nil, errors.WithMessagef(ErrInvalidCheckpoint, "failed to decode %s value: %v", node.ValueType, err)
		}
	}
	invalid := func(err error) error {
		return errors.WithMessagef(ErrInvalidCheckpoint, "failed to decode %s value: %v", node.ValueType, err)
	}
	switch v := value.(type) {
	case json.Number:
		if bits, ok := intTypeBits[node.ValueType]; ok {
			x, err := parseInt(v, node.ValueType, bits)
			if err != nil {
				return nil, invalid(err)
			}
			return x, nil
		}
		f, err := v.Float64()
		if err != nil {
			return nil, invalid(err)
		}
		if node.ValueType == "float32" {
			return float32(f), nil
		}
		return f, nil
	case []any:
		switch node.ValueType {
		case "[]int", "[]int64":
			ints := make([]int64, len(v))
			for ii, elem := range v {
				n, _ := elem.(json.Number)
				x, err := strconv.ParseInt(string(n), 10, 64)
				if err != nil {
					return nil, invalid(err)
				}
				ints[ii] = x
			}
			if node.ValueType == "[]int64" {
				return ints, nil
			}
			return xslices.Map(ints, func(x int64) int { return int(x) }), nil
		case "[]float32":
			return xslices.Map(v, func(fAny any) float32 {
				f, _ := numberToFloat(fAny).(float64)
				return float32(f)
			}), nil
		case "[]float64":
			return xslices.Map(v, func(fAny any) float64 {
				f, _ := numberToFloat(fAny).(float64)
				return f
			}), nil
		case "[]string":
			return xslices.Map(v, func(sAny any) string {
				s, _ := sAny.(string)
				return s
			}), nil
		}
	}
	return numberToFloat(value), nil
}

// intTypeBits maps the integer ValueTypes to their size in bits.
var intTypeBits = map[string]int{
	"int": strconv.IntSize, "int8": 8, "int16": 16, "int32": 32, "int64": 64,
	"uint": strconv.IntSize, "uint8": 8, "uint16": 16, "uint32": 32, "uint64": 64,
}

// parseInt parses n as the integer type valueType.
func parseInt(n json.Number, valueType string, bits int) (any, error) {
	if valueType[0] == 'u' {
		x, err := strconv.ParseUint(string(n), 10, bits)
		if err != nil {
			return nil, err
		}
		switch valueType {
		case "uint":
			return uint(x), nil
		case "uint8":
			return uint8(x), nil
		case "uint16":
			return uint16(x), nil
		case "uint32":
			return uint32(x), nil
		}
		return x, nil
	}
	x, err := strconv.ParseInt(string(n), 10, bits)
	if err != nil {
		return nil, err
	}
	switch valueType {
	case "int":
		return int(x), nil
	case "int8":
		return int8(x), nil
	case "int16":
		return int16(x), nil
	case "int32":
		return int32(x), nil
	}
	return x, nil
}

// numberToFloat converts the json.Number in v, recursively, to float64.
func numberToFloat(v any) any {
	switch v := v.(type) {
	case json.Number:
		f, _ := v.Float64()
		return f
	case []any:
		for ii, elem := range v {
			v[ii] = numberToFloat(elem)
		}
	case map[string]any:
		for key, elem := range v {
			v[key] = numberToFloat(elem)
		}
	}
	return v
}
