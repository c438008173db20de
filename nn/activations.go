package nn

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorparallel/tperr"
	"github.com/gomlx/tensorparallel/types/tensors"
)

// ReLU is the rectified linear activation, max(0, x). It has no parameters.
type ReLU struct {
	lastX *tensors.Tensor
}

// NewReLU creates a ReLU module.
func NewReLU() *ReLU { return &ReLU{} }

// Forward implements Module.
func (r *ReLU) Forward(x *tensors.Tensor) (*tensors.Tensor, error) {
	if x == nil {
		return nil, tperr.Shapef("ReLU", "Forward got a nil input")
	}
	y := tensors.FromShape(x.Shape())
	switch x.DType() {
	case dtypes.Float32:
		reluForward[float32](x, y)
	case dtypes.Float64:
		reluForward[float64](x, y)
	default:
		return nil, tperr.Shapef("ReLU", "Forward wants Float32 or Float64, got %s", x.DType())
	}
	r.lastX = x
	return y, nil
}

// Backward implements Module: passes the gradient where the input was
// positive, zeroes it elsewhere.
func (r *ReLU) Backward(outputGrad *tensors.Tensor) (*tensors.Tensor, error) {
	if err := checkBackwardGrad("ReLU", outputGrad, r.lastX); err != nil {
		return nil, err
	}
	x := r.lastX
	if outputGrad.DType() != x.DType() || !outputGrad.Shape().Equal(x.Shape()) {
		return nil, tperr.Shapef("ReLU", "Backward wants an output gradient shaped %s, got %s",
			x.Shape(), outputGrad.Shape())
	}
	dx := tensors.FromShape(x.Shape())
	switch x.DType() {
	case dtypes.Float32:
		reluBackward[float32](x, outputGrad, dx)
	case dtypes.Float64:
		reluBackward[float64](x, outputGrad, dx)
	}
	r.lastX = nil
	return dx, nil
}

// Clone implements Module.
func (r *ReLU) Clone() Module { return &ReLU{} }

func reluForward[T floatKernel](x, y *tensors.Tensor) {
	tensors.ConstFlatData(x, func(xFlat []T) {
		tensors.MutableFlatData(y, func(yFlat []T) {
			for i, v := range xFlat {
				if v > 0 {
					yFlat[i] = v
				}
			}
		})
	})
}

func reluBackward[T floatKernel](x, dy, dx *tensors.Tensor) {
	tensors.ConstFlatData(x, func(xFlat []T) {
		tensors.ConstFlatData(dy, func(dyFlat []T) {
			tensors.MutableFlatData(dx, func(dxFlat []T) {
				for i, v := range xFlat {
					if v > 0 {
						dxFlat[i] = dyFlat[i]
					}
				}
			})
		})
	})
}
