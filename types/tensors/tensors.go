// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements Tensor, a multi-dimensional array kept in host
// memory.
//
// A Tensor is defined by its shape (a data type and the dimension of each
// axis, see the shapes package) and its content, stored as a flat (1D) slice
// of the Go type corresponding to the DType. Supported dtypes include the Go
// native numeric types plus float16 (github.com/x448/float16) and bfloat16
// (github.com/gomlx/gopjrt/dtypes/bfloat16).
//
// There are various ways to construct a Tensor:
//
//   - FromShape(shape): a tensor of the given shape, filled with zeros.
//   - FromScalarAndDimensions[T](value, dimensions...): filled with a scalar.
//   - FromFlatDataAndDimensions[T](data, dimensions...): from flat data.
//   - FromValue[S](value): from a Go scalar or (regular) multi-dimensional
//     slice, e.g. FromValue([][]float32{{1, 2}, {3, 4}}).
//
// Access to the underlying flat data goes through ConstFlatData (read-only)
// and MutableFlatData (read-write), either the `any`-typed methods or the
// generic package functions. The flat data is owned by the Tensor; the access
// functions lock it for the duration of the callback.
//
// The axis operations used for tensor parallelism -- SliceAxis, Concat,
// SliceFlat, PadAxis and the reduce accumulators -- live in axes.go.
package tensors

import (
	"fmt"
	"sync"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorparallel/types/shapes"
	"github.com/pkg/errors"
)

// Tensor is a multi-dimensional array of one of the supported dtypes, kept in
// host memory as a flat slice.
//
// It is defined by its shape and content. The content can be released early
// with Finalize, after which any access panics -- the engine uses this to
// bound peak memory when materializing sharded parameters.
type Tensor struct {
	// shape is considered immutable -- it is only cleared when the Tensor is
	// finalized.
	shape shapes.Shape

	// mu protects flat.
	mu   sync.Mutex
	flat any // Slice of the Go type for the shape's dtype.
}

// FromShape returns a Tensor with the given shape, with the data initialized
// with zeros.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		panic(errors.New("invalid shape"))
	}
	return &Tensor{
		shape: shape,
		flat:  newFlat(shape),
	}
}

// Shape of the Tensor, includes the DType.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType returns the DType of the tensor's shape.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank returns the rank of the tensor's shape.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// IsScalar returns whether the tensor represents a scalar value.
func (t *Tensor) IsScalar() bool { return t.shape.IsScalar() }

// Size returns the number of elements in the tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the number of bytes used to store the tensor's data.
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// Ok returns whether the Tensor is in a valid state: it is not nil and it
// hasn't been finalized.
func (t *Tensor) Ok() bool {
	return t != nil && t.shape.Ok() && t.flat != nil
}

// AssertValid panics if the tensor is nil, finalized, or if its shape is
// invalid.
func (t *Tensor) AssertValid() {
	if t == nil {
		panic(errors.New("Tensor is nil"))
	}
	if !t.shape.Ok() {
		panic(errors.New("Tensor shape is invalid -- was it finalized?"))
	}
	if t.flat == nil {
		panic(errors.New("Tensor data was already finalized"))
	}
}

// IsFinalized returns true if the tensor has already been finalized and its
// data freed.
func (t *Tensor) IsFinalized() bool {
	return t == nil || t.flat == nil
}

// Finalize immediately releases the tensor's data and leaves the Tensor in an
// invalid state. It is safe to call on an already finalized tensor.
//
// It's the caller's responsibility to ensure the data is not being accessed
// elsewhere. The engine calls this as soon as a materialized parameter or an
// intermediate buffer is no longer needed, so peak memory stays bounded.
func (t *Tensor) Finalize() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flat = nil
	t.shape = shapes.Invalid()
}

// FinalizeAll finalizes all the given tensors, skipping nil entries.
func FinalizeAll(ts ...*Tensor) {
	for _, t := range ts {
		t.Finalize()
	}
}

// Clone returns a deep copy of the Tensor.
func (t *Tensor) Clone() *Tensor {
	var clone *Tensor
	t.ConstBytes(func(data []byte) {
		clone = FromShape(t.shape)
		clone.MutableBytes(func(cloneData []byte) {
			copy(cloneData, data)
		})
	})
	return clone
}

// MaxSizeForString is the largest number of elements printed in full by
// String; larger tensors print only their shape and size.
var MaxSizeForString = 500

// String returns a printable representation of the tensor. Large tensors
// print only shape and size, see MaxSizeForString.
func (t *Tensor) String() string {
	if t.IsFinalized() {
		return "Tensor(<finalized>)"
	}
	if t.Size() <= MaxSizeForString {
		return fmt.Sprintf("%s: %v", t.shape, t.Value())
	}
	return fmt.Sprintf("%s: (%d values)", t.shape, t.Size())
}
