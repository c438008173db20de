// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/tensorparallel/types/shapes"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// This file implements the axis operations tensor parallelism is built on:
// slicing and concatenating along an arbitrary axis, flat-range slicing for
// contiguous parameter shards, copy-free reshaping, zero padding and the
// element-wise accumulators used by reductions. The copying ones work at the
// byte level, so they support every dtype, including float16 and bfloat16.

// SliceAxis returns a new tensor with a copy of the rows [start, end) of the
// given axis. The axis may be negative, counting from the end.
//
// Example: a (Float32)[4 6] tensor sliced with SliceAxis(1, 0, 3) yields a
// (Float32)[4 3] tensor with the first 3 columns.
//
// It panics on rank-0 tensors and out-of-range indices.
func (t *Tensor) SliceAxis(axis, start, end int) *Tensor {
	t.AssertValid()
	if t.Rank() == 0 {
		exceptions.Panicf("SliceAxis: cannot slice a scalar tensor")
	}
	axis = t.shape.Axis(axis)
	dim := t.shape.Dimensions[axis]
	if start < 0 || start >= end || end > dim {
		exceptions.Panicf("SliceAxis(%d, %d, %d): range invalid for axis with dimension %d (shape=%s)",
			axis, start, end, dim, t.shape)
	}

	result := FromShape(t.shape.WithDim(axis, end-start))
	outer, innerBytes := t.axisLayout(axis)
	rowBytes := (end - start) * innerBytes
	t.ConstBytes(func(src []byte) {
		result.MutableBytes(func(dst []byte) {
			for o := 0; o < outer; o++ {
				srcOff := (o*dim + start) * innerBytes
				copy(dst[o*rowBytes:(o+1)*rowBytes], src[srcOff:srcOff+rowBytes])
			}
		})
	})
	return result
}

// Concat concatenates the parts along the given axis and returns the new
// tensor. All parts must have the same dtype and the same dimensions on every
// other axis. The axis may be negative, counting from the end.
//
// Concat is the inverse of splitting with SliceAxis:
// Concat([]*Tensor{t.SliceAxis(a, 0, k), t.SliceAxis(a, k, dim)}, a)
// reproduces t exactly.
func Concat(parts []*Tensor, axis int) *Tensor {
	if len(parts) == 0 {
		exceptions.Panicf("Concat: no parts given")
	}
	for _, part := range parts {
		part.AssertValid()
	}
	first := parts[0].shape
	if first.Rank() == 0 {
		exceptions.Panicf("Concat: cannot concatenate scalar tensors")
	}
	axis = first.Axis(axis)
	totalDim := 0
	for i, part := range parts {
		s := part.shape
		if s.DType != first.DType || s.Rank() != first.Rank() {
			exceptions.Panicf("Concat: part #%d has shape %s, incompatible with first part %s", i, s, first)
		}
		for a := 0; a < first.Rank(); a++ {
			if a != axis && s.Dimensions[a] != first.Dimensions[a] {
				exceptions.Panicf("Concat on axis %d: part #%d has shape %s, incompatible with first part %s",
					axis, i, s, first)
			}
		}
		totalDim += s.Dimensions[axis]
	}

	result := FromShape(first.WithDim(axis, totalDim))
	outer, innerBytes := result.axisLayout(axis)
	result.MutableBytes(func(dst []byte) {
		dimOffset := 0
		for _, part := range parts {
			partDim := part.shape.Dimensions[axis]
			partRowBytes := partDim * innerBytes
			part.ConstBytes(func(src []byte) {
				for o := 0; o < outer; o++ {
					dstOff := (o*totalDim + dimOffset) * innerBytes
					copy(dst[dstOff:dstOff+partRowBytes], src[o*partRowBytes:(o+1)*partRowBytes])
				}
			})
			dimOffset += partDim
		}
	})
	return result
}

// SliceFlat returns a rank-1 tensor with a copy of the flat elements in
// [start, end), regardless of the tensor's rank. This is how contiguous
// parameter shards are carved out of a flattened parameter.
func (t *Tensor) SliceFlat(start, end int) *Tensor {
	t.AssertValid()
	if start < 0 || start >= end || end > t.Size() {
		exceptions.Panicf("SliceFlat(%d, %d): range invalid for tensor with %d elements (shape=%s)",
			start, end, t.Size(), t.shape)
	}
	result := FromShape(shapes.Make(t.DType(), end-start))
	elemBytes := int(t.DType().Memory())
	t.ConstBytes(func(src []byte) {
		result.MutableBytes(func(dst []byte) {
			copy(dst, src[start*elemBytes:end*elemBytes])
		})
	})
	return result
}

// AssignFlatRange copies all of src's elements into t's flat storage starting
// at the given element offset. It is the write counterpart of SliceFlat, used
// to scatter shards back into a full tensor. Dtypes must match.
func (t *Tensor) AssignFlatRange(offset int, src *Tensor) {
	t.AssertValid()
	src.AssertValid()
	if t.DType() != src.DType() {
		exceptions.Panicf("AssignFlatRange: dtype mismatch, %s vs %s", t.DType(), src.DType())
	}
	if offset < 0 || offset+src.Size() > t.Size() {
		exceptions.Panicf("AssignFlatRange(%d): %d elements don't fit in tensor with %d elements",
			offset, src.Size(), t.Size())
	}
	elemBytes := int(t.DType().Memory())
	t.MutableBytes(func(dst []byte) {
		src.ConstBytes(func(srcData []byte) {
			copy(dst[offset*elemBytes:], srcData)
		})
	})
}

// Reshape returns a tensor with the same flat data under a new shape with the
// same total size. No data is copied: the returned tensor adopts the flat
// storage and the receiver is finalized. This is how a flat gathered
// parameter becomes dense again without a second full-size copy.
func (t *Tensor) Reshape(dimensions ...int) *Tensor {
	t.AssertValid()
	newShape := shapes.Make(t.DType(), dimensions...)
	if newShape.Size() != t.Size() {
		exceptions.Panicf("Reshape(%v): new shape has %d elements, tensor has %d (shape=%s)",
			dimensions, newShape.Size(), t.Size(), t.shape)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	reshaped := &Tensor{shape: newShape, flat: t.flat}
	t.flat = nil
	t.shape = shapes.Invalid()
	return reshaped
}

// PadAxis returns a new tensor padded with zeros at the end of the given axis
// so that its dimension becomes newDim. The original values occupy the leading
// rows; SliceAxis(axis, 0, oldDim) recovers the original exactly.
func (t *Tensor) PadAxis(axis, newDim int) *Tensor {
	t.AssertValid()
	if t.Rank() == 0 {
		exceptions.Panicf("PadAxis: cannot pad a scalar tensor")
	}
	axis = t.shape.Axis(axis)
	dim := t.shape.Dimensions[axis]
	if newDim < dim {
		exceptions.Panicf("PadAxis(%d, %d): new dimension is smaller than current %d (shape=%s)",
			axis, newDim, dim, t.shape)
	}
	if newDim == dim {
		return t.Clone()
	}
	result := FromShape(t.shape.WithDim(axis, newDim))
	outer, innerBytes := t.axisLayout(axis)
	rowBytes := dim * innerBytes
	t.ConstBytes(func(src []byte) {
		result.MutableBytes(func(dst []byte) {
			for o := 0; o < outer; o++ {
				copy(dst[o*newDim*innerBytes:], src[o*rowBytes:(o+1)*rowBytes])
			}
		})
	})
	return result
}

// axisLayout returns the number of independent outer blocks and the byte size
// of one row of the given (already normalized) axis.
func (t *Tensor) axisLayout(axis int) (outer, innerBytes int) {
	outer = 1
	for a := 0; a < axis; a++ {
		outer *= t.shape.Dimensions[a]
	}
	innerBytes = int(t.DType().Memory())
	for a := axis + 1; a < t.Rank(); a++ {
		innerBytes *= t.shape.Dimensions[a]
	}
	return
}

// Ones returns a tensor of the given shape filled with ones.
// It panics for non-numeric dtypes.
func Ones(shape shapes.Shape) *Tensor {
	t := FromShape(shape)
	t.MutableFlatData(func(flat any) {
		switch data := flat.(type) {
		case []float32:
			fillOnes(data)
		case []float64:
			fillOnes(data)
		case []int8:
			fillOnes(data)
		case []int16:
			fillOnes(data)
		case []int32:
			fillOnes(data)
		case []int64:
			fillOnes(data)
		case []uint8:
			fillOnes(data)
		case []uint16:
			fillOnes(data)
		case []uint32:
			fillOnes(data)
		case []uint64:
			fillOnes(data)
		case []float16.Float16:
			one := float16.Fromfloat32(1)
			for i := range data {
				data[i] = one
			}
		case []bfloat16.BFloat16:
			one := bfloat16.FromFloat32(1)
			for i := range data {
				data[i] = one
			}
		case []complex64:
			for i := range data {
				data[i] = 1
			}
		case []complex128:
			for i := range data {
				data[i] = 1
			}
		default:
			exceptions.Panicf("Ones: dtype %s not supported", shape.DType)
		}
	})
	return t
}

func fillOnes[T constraints.Integer | constraints.Float](data []T) {
	for i := range data {
		data[i] = 1
	}
}

// AddAssign accumulates other into t, element-wise: t[i] += other[i].
// Shapes must match exactly; t and other must not be the same tensor.
// float16 and bfloat16 accumulate in float32. It panics for bool dtypes.
//
// This is the reduction kernel behind sum all-reduces.
func (t *Tensor) AddAssign(other *Tensor) {
	t.assertBinaryOp("AddAssign", other)
	t.MutableFlatData(func(dstAny any) {
		other.ConstFlatData(func(srcAny any) {
			switch dst := dstAny.(type) {
			case []float32:
				addSlices(dst, srcAny.([]float32))
			case []float64:
				addSlices(dst, srcAny.([]float64))
			case []int8:
				addSlices(dst, srcAny.([]int8))
			case []int16:
				addSlices(dst, srcAny.([]int16))
			case []int32:
				addSlices(dst, srcAny.([]int32))
			case []int64:
				addSlices(dst, srcAny.([]int64))
			case []uint8:
				addSlices(dst, srcAny.([]uint8))
			case []uint16:
				addSlices(dst, srcAny.([]uint16))
			case []uint32:
				addSlices(dst, srcAny.([]uint32))
			case []uint64:
				addSlices(dst, srcAny.([]uint64))
			case []float16.Float16:
				src := srcAny.([]float16.Float16)
				for i := range dst {
					dst[i] = float16.Fromfloat32(dst[i].Float32() + src[i].Float32())
				}
			case []bfloat16.BFloat16:
				src := srcAny.([]bfloat16.BFloat16)
				for i := range dst {
					dst[i] = bfloat16.FromFloat32(dst[i].Float32() + src[i].Float32())
				}
			case []complex64:
				src := srcAny.([]complex64)
				for i := range dst {
					dst[i] += src[i]
				}
			case []complex128:
				src := srcAny.([]complex128)
				for i := range dst {
					dst[i] += src[i]
				}
			default:
				exceptions.Panicf("AddAssign: dtype %s not supported", t.DType())
			}
		})
	})
}

func addSlices[T constraints.Integer | constraints.Float](dst, src []T) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// MaxAssign accumulates other into t, element-wise: t[i] = max(t[i], other[i]).
// Shapes must match exactly; t and other must not be the same tensor.
// It panics for bool and complex dtypes.
func (t *Tensor) MaxAssign(other *Tensor) {
	t.assertBinaryOp("MaxAssign", other)
	t.MutableFlatData(func(dstAny any) {
		other.ConstFlatData(func(srcAny any) {
			switch dst := dstAny.(type) {
			case []float32:
				maxSlices(dst, srcAny.([]float32))
			case []float64:
				maxSlices(dst, srcAny.([]float64))
			case []int8:
				maxSlices(dst, srcAny.([]int8))
			case []int16:
				maxSlices(dst, srcAny.([]int16))
			case []int32:
				maxSlices(dst, srcAny.([]int32))
			case []int64:
				maxSlices(dst, srcAny.([]int64))
			case []uint8:
				maxSlices(dst, srcAny.([]uint8))
			case []uint16:
				maxSlices(dst, srcAny.([]uint16))
			case []uint32:
				maxSlices(dst, srcAny.([]uint32))
			case []uint64:
				maxSlices(dst, srcAny.([]uint64))
			case []float16.Float16:
				src := srcAny.([]float16.Float16)
				for i := range dst {
					if src[i].Float32() > dst[i].Float32() {
						dst[i] = src[i]
					}
				}
			case []bfloat16.BFloat16:
				src := srcAny.([]bfloat16.BFloat16)
				for i := range dst {
					if src[i].Float32() > dst[i].Float32() {
						dst[i] = src[i]
					}
				}
			default:
				exceptions.Panicf("MaxAssign: dtype %s not supported", t.DType())
			}
		})
	})
}

func maxSlices[T constraints.Integer | constraints.Float](dst, src []T) {
	for i := range dst {
		if src[i] > dst[i] {
			dst[i] = src[i]
		}
	}
}

func (t *Tensor) assertBinaryOp(op string, other *Tensor) {
	t.AssertValid()
	other.AssertValid()
	if t == other {
		exceptions.Panicf("%s: cannot accumulate a tensor into itself", op)
	}
	if !t.shape.Equal(other.shape) {
		exceptions.Panicf("%s: shapes %s and %s don't match", op, t.shape, other.shape)
	}
}
