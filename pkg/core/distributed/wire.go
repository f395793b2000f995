// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"encoding/json"

	"github.com/monkfish/lvd/pkg/core/collective"
	"github.com/monkfish/lvd/pkg/core/shapes"
	"github.com/monkfish/lvd/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Shards travel between processes as one collective payload: a JSON shardsHeader followed by one encoded tensor
// per position listed in the header, packed with collective.EncodeParts.
//
// When the coordinator fails to prepare a scatter, it still sends every process a header carrying the error,
// so all processes return it instead of some of them waiting forever.

type shardsHeader struct {
	ErrorKind string       `json:"error_kind,omitempty"`
	Error     string       `json:"error,omitempty"`
	Shape     shapes.Shape `json:"shape"`
	Positions []int        `json:"positions,omitempty"`
}

const (
	errorKindShape         = "shape_mismatch"
	errorKindConfiguration = "configuration"
	errorKindOther         = "other"
)

// remoteError is an error that happened in another process. It matches the sentinel of its kind with errors.Is.
type remoteError struct {
	kind, msg string
}

func (e *remoteError) Error() string { return e.msg }

func (e *remoteError) Is(target error) bool {
	switch e.kind {
	case errorKindShape:
		return target == ErrShapeMismatch
	case errorKindConfiguration:
		return target == ErrConfiguration
	}
	return false
}

func errorHeader(err error) shardsHeader {
	kind := errorKindOther
	switch {
	case errors.Is(err, ErrShapeMismatch):
		kind = errorKindShape
	case errors.Is(err, ErrConfiguration):
		kind = errorKindConfiguration
	}
	return shardsHeader{ErrorKind: kind, Error: err.Error(), Shape: shapes.Invalid()}
}

func (h *shardsHeader) err() error {
	if h.ErrorKind == "" {
		return nil
	}
	return &remoteError{kind: h.ErrorKind, msg: h.Error}
}

func encodeShards(header shardsHeader, shards []*tensors.Tensor) ([]byte, error) {
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode shards header")
	}
	parts := make([][]byte, 0, len(shards)+1)
	parts = append(parts, headerJSON)
	for _, shard := range shards {
		parts = append(parts, shard.Bytes())
	}
	return collective.EncodeParts(parts), nil
}

// decodeShards returns the header and its shards. If the header carries an error, it is returned.
func decodeShards(payload []byte) (header shardsHeader, shards []*tensors.Tensor, err error) {
	parts, err := collective.DecodeParts(payload)
	if err != nil {
		return
	}
	if len(parts) == 0 {
		err = errors.New("shards payload without header")
		return
	}
	if err = json.Unmarshal(parts[0], &header); err != nil {
		err = errors.Wrap(err, "failed to decode shards header")
		return
	}
	if err = header.err(); err != nil {
		return
	}
	if len(parts)-1 != len(header.Positions) {
		err = errors.Errorf("shards payload has %d shards for %d positions", len(parts)-1, len(header.Positions))
		return
	}
	shards = make([]*tensors.Tensor, len(header.Positions))
	for ii := range shards {
		shards[ii], err = tensors.FromBytes(parts[ii+1])
		if err != nil {
			err = errors.WithMessagef(err, "shard of mesh position %d", header.Positions[ii])
			return
		}
	}
	return
}
