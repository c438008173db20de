package nn

import (
	"iter"
	"math"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorparallel/tperr"
	"github.com/gomlx/tensorparallel/types/shapes"
	"github.com/gomlx/tensorparallel/types/tensors"
)

// LayerNormEpsilon is the default variance epsilon for new LayerNorm modules.
const LayerNormEpsilon = 1e-3

// LayerNorm normalizes the last axis of its input to zero mean and unit
// variance, then applies a learned per-feature scale and offset:
//
//	y = scale * (x - mean) / sqrt(variance + epsilon) + offset
type LayerNorm struct {
	scale  *Param
	offset *Param

	features int
	epsilon  float64
	dtype    dtypes.DType

	lastX *tensors.Tensor
}

// NewLayerNorm creates a LayerNorm over a last axis of the given size, with
// scale initialized to ones and offset to zeros.
func NewLayerNorm(dtype dtypes.DType, features int) *LayerNorm {
	assertKernelDType(dtype)
	if features <= 0 {
		Panicf("NewLayerNorm: features must be positive, got %d", features)
	}
	scale := tensors.Ones(shapes.Make(dtype, features))
	offset := tensors.FromShape(shapes.Make(dtype, features))
	return newLayerNorm(scale, offset, LayerNormEpsilon)
}

// NewLayerNormFromParams builds a LayerNorm over existing scale and offset
// tensors (both [features], same dtype), used as-is.
func NewLayerNormFromParams(scale, offset *tensors.Tensor, epsilon float64) *LayerNorm {
	assertKernelDType(scale.DType())
	if scale.Rank() != 1 || !scale.Shape().Equal(offset.Shape()) {
		Panicf("NewLayerNormFromParams: scale and offset must be equal rank-1 shapes, got %s and %s",
			scale.Shape(), offset.Shape())
	}
	return newLayerNorm(scale, offset, epsilon)
}

func newLayerNorm(scale, offset *tensors.Tensor, epsilon float64) *LayerNorm {
	return &LayerNorm{
		scale:    &Param{Name: "scale", Value: scale, Trainable: true},
		offset:   &Param{Name: "offset", Value: offset, Trainable: true},
		features: scale.Shape().Dim(0),
		epsilon:  epsilon,
		dtype:    scale.DType(),
	}
}

// WithEpsilon sets the variance epsilon and returns the module, for chaining
// after NewLayerNorm.
func (ln *LayerNorm) WithEpsilon(epsilon float64) *LayerNorm {
	ln.epsilon = epsilon
	return ln
}

// Features returns the size of the normalized axis.
func (ln *LayerNorm) Features() int { return ln.features }

// Epsilon returns the variance epsilon.
func (ln *LayerNorm) Epsilon() float64 { return ln.epsilon }

// DType returns the parameter dtype.
func (ln *LayerNorm) DType() dtypes.DType { return ln.dtype }

// Scale returns the scale parameter.
func (ln *LayerNorm) Scale() *Param { return ln.scale }

// Offset returns the offset parameter.
func (ln *LayerNorm) Offset() *Param { return ln.offset }

// Params implements HasParams.
func (ln *LayerNorm) Params() iter.Seq2[string, *Param] {
	return func(yield func(string, *Param) bool) {
		if !yield(ln.scale.Name, ln.scale) {
			return
		}
		yield(ln.offset.Name, ln.offset)
	}
}

// Forward implements Module.
func (ln *LayerNorm) Forward(x *tensors.Tensor) (*tensors.Tensor, error) {
	if err := checkForwardInput("LayerNorm", x, ln.dtype); err != nil {
		return nil, err
	}
	if x.Rank() < 1 || x.Shape().Dim(-1) != ln.features {
		return nil, tperr.Shapef("LayerNorm", "Forward wants input [..., %d], got %s", ln.features, x.Shape())
	}
	batch := x.Size() / ln.features
	y := tensors.FromShape(x.Shape())
	switch ln.dtype {
	case dtypes.Float32:
		layerNormForward[float32](x, ln.scale.Value, ln.offset.Value, y, batch, ln.features, ln.epsilon)
	case dtypes.Float64:
		layerNormForward[float64](x, ln.scale.Value, ln.offset.Value, y, batch, ln.features, ln.epsilon)
	}
	ln.lastX = x
	return y, nil
}

// Backward implements Module, using the standard layer normalization
// gradient: with xNorm = (x-mean)/std and dxNorm = dy*scale,
//
//	dx = (n*dxNorm - Σ dxNorm - xNorm * Σ(dxNorm*xNorm)) / (n*std)
//	dScale = Σbatch dy*xNorm ,  dOffset = Σbatch dy
func (ln *LayerNorm) Backward(outputGrad *tensors.Tensor) (*tensors.Tensor, error) {
	if err := checkBackwardGrad("LayerNorm", outputGrad, ln.lastX); err != nil {
		return nil, err
	}
	x := ln.lastX
	if outputGrad.DType() != ln.dtype || !outputGrad.Shape().Equal(x.Shape()) {
		return nil, tperr.Shapef("LayerNorm", "Backward wants an output gradient shaped %s, got %s",
			x.Shape(), outputGrad.Shape())
	}
	batch := x.Size() / ln.features
	dx := tensors.FromShape(x.Shape())
	dScale := tensors.FromShape(ln.scale.Value.Shape())
	dOffset := tensors.FromShape(ln.offset.Value.Shape())
	switch ln.dtype {
	case dtypes.Float32:
		layerNormBackward[float32](x, ln.scale.Value, outputGrad, dx, dScale, dOffset, batch, ln.features, ln.epsilon)
	case dtypes.Float64:
		layerNormBackward[float64](x, ln.scale.Value, outputGrad, dx, dScale, dOffset, batch, ln.features, ln.epsilon)
	}
	ln.scale.accumulateGrad(dScale)
	ln.offset.accumulateGrad(dOffset)
	ln.lastX = nil
	return dx, nil
}

// Clone implements Module.
func (ln *LayerNorm) Clone() Module {
	return &LayerNorm{
		scale:    ln.scale.clone(),
		offset:   ln.offset.clone(),
		features: ln.features,
		epsilon:  ln.epsilon,
		dtype:    ln.dtype,
	}
}

func layerNormForward[T floatKernel](x, scale, offset, y *tensors.Tensor, batch, features int, epsilon float64) {
	tensors.ConstFlatData(x, func(xFlat []T) {
		tensors.ConstFlatData(scale, func(scaleFlat []T) {
			tensors.ConstFlatData(offset, func(offsetFlat []T) {
				tensors.MutableFlatData(y, func(yFlat []T) {
					for b := 0; b < batch; b++ {
						xRow := xFlat[b*features : (b+1)*features]
						yRow := yFlat[b*features : (b+1)*features]
						mean, std := rowStats(xRow, epsilon)
						for f, v := range xRow {
							yRow[f] = scaleFlat[f]*T((float64(v)-mean)/std) + offsetFlat[f]
						}
					}
				})
			})
		})
	})
}

func layerNormBackward[T floatKernel](x, scale, dy, dx, dScale, dOffset *tensors.Tensor,
	batch, features int, epsilon float64) {
	n := float64(features)
	tensors.ConstFlatData(x, func(xFlat []T) {
		tensors.ConstFlatData(scale, func(scaleFlat []T) {
			tensors.ConstFlatData(dy, func(dyFlat []T) {
				tensors.MutableFlatData(dx, func(dxFlat []T) {
					tensors.MutableFlatData(dScale, func(dScaleFlat []T) {
						tensors.MutableFlatData(dOffset, func(dOffsetFlat []T) {
							for b := 0; b < batch; b++ {
								xRow := xFlat[b*features : (b+1)*features]
								dyRow := dyFlat[b*features : (b+1)*features]
								dxRow := dxFlat[b*features : (b+1)*features]
								mean, std := rowStats(xRow, epsilon)

								var sumDxNorm, sumDxNormXNorm float64
								for f, v := range xRow {
									xNorm := (float64(v) - mean) / std
									dxNorm := float64(dyRow[f]) * float64(scaleFlat[f])
									sumDxNorm += dxNorm
									sumDxNormXNorm += dxNorm * xNorm
									dScaleFlat[f] += T(float64(dyRow[f]) * xNorm)
									dOffsetFlat[f] += dyRow[f]
								}
								for f, v := range xRow {
									xNorm := (float64(v) - mean) / std
									dxNorm := float64(dyRow[f]) * float64(scaleFlat[f])
									dxRow[f] = T((n*dxNorm - sumDxNorm - xNorm*sumDxNormXNorm) / (n * std))
								}
							}
						})
					})
				})
			})
		})
	})
}

// rowStats returns the mean and epsilon-smoothed standard deviation of a row.
// Statistics accumulate in float64 regardless of T.
func rowStats[T floatKernel](row []T, epsilon float64) (mean, std float64) {
	for _, v := range row {
		mean += float64(v)
	}
	mean /= float64(len(row))
	var variance float64
	for _, v := range row {
		diff := float64(v) - mean
		variance += diff * diff
	}
	variance /= float64(len(row))
	std = math.Sqrt(variance + epsilon)
	return mean, std
}
