package nn

import (
	"iter"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorparallel/tperr"
	"github.com/gomlx/tensorparallel/types/shapes"
	"github.com/gomlx/tensorparallel/types/tensors"
)

// Linear is a learnable linear transformation, optionally with a bias term.
//
// Weights are stored [inputDim, outputDim]; biases [outputDim]. An input of
// shape [<batch dimensions...>, inputDim] produces an output of shape
// [<batch dimensions...>, outputDim]; any number of leading batch dimensions
// is accepted, including none.
type Linear struct {
	weights *Param
	biases  *Param

	inputDim, outputDim int
	dtype               dtypes.DType

	lastX *tensors.Tensor
}

// NewLinear creates a Linear with He-initialized weights and, if useBias,
// zero-initialized biases. dtype must be Float32 or Float64.
func NewLinear(dtype dtypes.DType, inputDim, outputDim int, useBias bool) *Linear {
	assertKernelDType(dtype)
	if inputDim <= 0 || outputDim <= 0 {
		Panicf("NewLinear: dimensions must be positive, got inputDim=%d, outputDim=%d", inputDim, outputDim)
	}
	weights := tensors.FromShape(shapes.Make(dtype, inputDim, outputDim))
	initHeNormal(weights, inputDim)
	l := &Linear{
		weights:  &Param{Name: "weights", Value: weights, Trainable: true},
		inputDim: inputDim, outputDim: outputDim,
		dtype: dtype,
	}
	if useBias {
		l.biases = &Param{Name: "biases", Value: tensors.FromShape(shapes.Make(dtype, outputDim)), Trainable: true}
	}
	return l
}

// NewLinearFromParams builds a Linear over existing tensors: weights
// [inputDim, outputDim] and an optional (possibly nil) biases [outputDim].
// The tensors are used as-is, not copied.
func NewLinearFromParams(weights, biases *tensors.Tensor) *Linear {
	assertKernelDType(weights.DType())
	if weights.Rank() != 2 {
		Panicf("NewLinearFromParams: weights must be rank-2 [inputDim, outputDim], got %s", weights.Shape())
	}
	l := &Linear{
		weights:  &Param{Name: "weights", Value: weights, Trainable: true},
		inputDim: weights.Shape().Dim(0), outputDim: weights.Shape().Dim(1),
		dtype: weights.DType(),
	}
	if biases != nil {
		if biases.Rank() != 1 || biases.Shape().Dim(0) != l.outputDim || biases.DType() != l.dtype {
			Panicf("NewLinearFromParams: biases must be [%d] of %s, got %s",
				l.outputDim, l.dtype, biases.Shape())
		}
		l.biases = &Param{Name: "biases", Value: biases, Trainable: true}
	}
	return l
}

// InputDim returns the size of the input feature axis.
func (l *Linear) InputDim() int { return l.inputDim }

// OutputDim returns the size of the output feature axis.
func (l *Linear) OutputDim() int { return l.outputDim }

// DType returns the parameter dtype.
func (l *Linear) DType() dtypes.DType { return l.dtype }

// Weights returns the weights parameter.
func (l *Linear) Weights() *Param { return l.weights }

// Biases returns the biases parameter, or nil if the layer has no bias.
func (l *Linear) Biases() *Param { return l.biases }

// Params implements HasParams.
func (l *Linear) Params() iter.Seq2[string, *Param] {
	return func(yield func(string, *Param) bool) {
		if !yield(l.weights.Name, l.weights) {
			return
		}
		if l.biases != nil {
			yield(l.biases.Name, l.biases)
		}
	}
}

// Forward implements Module: y = x @ weights (+ biases).
func (l *Linear) Forward(x *tensors.Tensor) (*tensors.Tensor, error) {
	if err := checkForwardInput("Linear", x, l.dtype); err != nil {
		return nil, err
	}
	if x.Rank() < 1 || x.Shape().Dim(-1) != l.inputDim {
		return nil, tperr.Shapef("Linear", "Forward wants input [..., %d], got %s", l.inputDim, x.Shape())
	}
	batch := x.Size() / l.inputDim
	y := tensors.FromShape(x.Shape().WithDim(-1, l.outputDim))
	switch l.dtype {
	case dtypes.Float32:
		linearForward[float32](x, l.weights.Value, biasValue(l.biases), y, batch, l.inputDim, l.outputDim)
	case dtypes.Float64:
		linearForward[float64](x, l.weights.Value, biasValue(l.biases), y, batch, l.inputDim, l.outputDim)
	}
	l.lastX = x
	return y, nil
}

// Backward implements Module: accumulates dWeights = xᵀ @ dy and
// dBiases = Σrows dy, and returns dx = dy @ weightsᵀ.
func (l *Linear) Backward(outputGrad *tensors.Tensor) (*tensors.Tensor, error) {
	if err := checkBackwardGrad("Linear", outputGrad, l.lastX); err != nil {
		return nil, err
	}
	x := l.lastX
	batch := x.Size() / l.inputDim
	if outputGrad.DType() != l.dtype || outputGrad.Rank() < 1 ||
		outputGrad.Shape().Dim(-1) != l.outputDim || outputGrad.Size() != batch*l.outputDim {
		return nil, tperr.Shapef("Linear", "Backward wants an output gradient [..., %d] matching batch %d, got %s",
			l.outputDim, batch, outputGrad.Shape())
	}
	dx := tensors.FromShape(x.Shape())
	dw := tensors.FromShape(l.weights.Value.Shape())
	var db *tensors.Tensor
	if l.biases != nil {
		db = tensors.FromShape(l.biases.Value.Shape())
	}
	switch l.dtype {
	case dtypes.Float32:
		linearBackward[float32](x, l.weights.Value, outputGrad, dx, dw, db, batch, l.inputDim, l.outputDim)
	case dtypes.Float64:
		linearBackward[float64](x, l.weights.Value, outputGrad, dx, dw, db, batch, l.inputDim, l.outputDim)
	}
	l.weights.accumulateGrad(dw)
	if l.biases != nil {
		l.biases.accumulateGrad(db)
	}
	l.lastX = nil
	return dx, nil
}

// Clone implements Module.
func (l *Linear) Clone() Module {
	clone := &Linear{
		weights:  l.weights.clone(),
		inputDim: l.inputDim, outputDim: l.outputDim,
		dtype: l.dtype,
	}
	if l.biases != nil {
		clone.biases = l.biases.clone()
	}
	return clone
}

func biasValue(p *Param) *tensors.Tensor {
	if p == nil {
		return nil
	}
	return p.Value
}

func linearForward[T floatKernel](x, w, bias, y *tensors.Tensor, batch, in, out int) {
	tensors.ConstFlatData(x, func(xFlat []T) {
		tensors.ConstFlatData(w, func(wFlat []T) {
			tensors.MutableFlatData(y, func(yFlat []T) {
				matMulFlat(batch, in, out, xFlat, wFlat, yFlat)
				if bias != nil {
					tensors.ConstFlatData(bias, func(bFlat []T) {
						addRowBroadcastFlat(batch, out, bFlat, yFlat)
					})
				}
			})
		})
	})
}

func linearBackward[T floatKernel](x, w, dy, dx, dw, db *tensors.Tensor, batch, in, out int) {
	tensors.ConstFlatData(dy, func(dyFlat []T) {
		tensors.ConstFlatData(x, func(xFlat []T) {
			tensors.MutableFlatData(dw, func(dwFlat []T) {
				matMulATFlat(batch, in, out, xFlat, dyFlat, dwFlat)
			})
		})
		tensors.ConstFlatData(w, func(wFlat []T) {
			tensors.MutableFlatData(dx, func(dxFlat []T) {
				matMulBTFlat(batch, out, in, dyFlat, wFlat, dxFlat)
			})
		})
		if db != nil {
			tensors.MutableFlatData(db, func(dbFlat []T) {
				sumRowsFlat(batch, out, dyFlat, dbFlat)
			})
		}
	})
}
