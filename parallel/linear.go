package parallel

import (
	"iter"

	"github.com/gomlx/tensorparallel/backends"
	"github.com/gomlx/tensorparallel/nn"
	"github.com/gomlx/tensorparallel/sharding"
	"github.com/gomlx/tensorparallel/tperr"
	"github.com/gomlx/tensorparallel/types/tensors"
)

// gatherStrip all-gathers the per-rank shards along axis and strips the
// deterministic padding, if any, back to fullDim.
func gatherStrip(w *backends.Worker, shard *tensors.Tensor, axis, fullDim int) (*tensors.Tensor, error) {
	full, err := w.AllGather(shard, axis)
	if err != nil {
		return nil, err
	}
	if full.Shape().Dim(axis) != fullDim {
		trimmed := full.SliceAxis(axis, 0, fullDim)
		full.Finalize()
		full = trimmed
	}
	return full, nil
}

// columnLinear executes a Linear column-parallel: each device owns a
// contiguous slice of the output features, products its slice of y locally
// and all-gathers the slices into the full output, identical on every rank.
// The backward dual cuts the output gradient back to the owned columns and
// all-reduce-sums the per-device partial input gradients.
type columnLinear struct {
	rt    *runtime
	local *nn.Linear // weights [inputDim, owned], biases [owned]
	span  sharding.Span

	outDim, paddedOut int
}

var (
	_ nn.HasParams   = (*columnLinear)(nil)
	_ denseRebuilder = (*columnLinear)(nil)
)

// Forward implements nn.Module.
func (l *columnLinear) Forward(x *tensors.Tensor) (*tensors.Tensor, error) {
	w, err := l.rt.require("Linear.Forward")
	if err != nil {
		return nil, err
	}
	part, err := l.local.Forward(x)
	if err != nil {
		return nil, err
	}
	y, err := gatherStrip(w, part, -1, l.outDim)
	part.Finalize()
	return y, err
}

// Backward implements nn.Module.
func (l *columnLinear) Backward(outputGrad *tensors.Tensor) (*tensors.Tensor, error) {
	w, err := l.rt.require("Linear.Backward")
	if err != nil {
		return nil, err
	}
	if outputGrad == nil {
		return nil, tperr.Shapef("Linear", "Backward got a nil output gradient")
	}
	if outputGrad.Rank() < 1 || outputGrad.DType() != l.local.DType() ||
		outputGrad.Shape().Dim(-1) != l.outDim {
		return nil, tperr.Shapef("Linear", "Backward wants an output gradient [..., %d] of %s, got %s",
			l.outDim, l.local.DType(), outputGrad.Shape())
	}
	dy := outputGrad
	if l.paddedOut != l.outDim {
		dy = outputGrad.PadAxis(-1, l.paddedOut)
	}
	dyPart := dy.SliceAxis(-1, l.span.Start, l.span.End)
	if dy != outputGrad {
		dy.Finalize()
	}
	dxPart, err := l.local.Backward(dyPart)
	dyPart.Finalize()
	if err != nil {
		return nil, err
	}
	dx, err := w.AllReduce(dxPart, backends.ReduceOpSum)
	dxPart.Finalize()
	return dx, err
}

// Clone implements nn.Module.
func (l *columnLinear) Clone() nn.Module {
	return &columnLinear{
		rt:    l.rt,
		local: l.local.Clone().(*nn.Linear),
		span:  l.span,
		outDim: l.outDim, paddedOut: l.paddedOut,
	}
}

// Params implements nn.HasParams with the local shards.
func (l *columnLinear) Params() iter.Seq2[string, *nn.Param] { return l.local.Params() }

func (l *columnLinear) rebuildDense(w *backends.Worker) (nn.Module, error) {
	weights, err := gatherStrip(w, l.local.Weights().Value, 1, l.outDim)
	if err != nil {
		return nil, err
	}
	var biases *tensors.Tensor
	if l.local.Biases() != nil {
		biases, err = gatherStrip(w, l.local.Biases().Value, 0, l.outDim)
		if err != nil {
			weights.Finalize()
			return nil, err
		}
	}
	return nn.NewLinearFromParams(weights, biases), nil
}

// rowLinear executes a Linear row-parallel: each device owns a contiguous
// slice of the input features, cuts its columns out of the incoming
// activation locally and computes a partial product; the partials
// all-reduce-sum into the full output. Only rank 0's local layer carries the
// biases, so the sum applies them exactly once. The backward dual computes
// the owned columns of the input gradient locally and all-gathers them.
type rowLinear struct {
	rt    *runtime
	local *nn.Linear // weights [owned, outputDim]; biases only on rank 0
	span  sharding.Span

	inDim, paddedIn int
	hasBias         bool
}

var (
	_ nn.HasParams   = (*rowLinear)(nil)
	_ denseRebuilder = (*rowLinear)(nil)
)

// Forward implements nn.Module.
func (l *rowLinear) Forward(x *tensors.Tensor) (*tensors.Tensor, error) {
	w, err := l.rt.require("Linear.Forward")
	if err != nil {
		return nil, err
	}
	if x == nil {
		return nil, tperr.Shapef("Linear", "Forward got a nil input")
	}
	if x.Rank() < 1 || x.DType() != l.local.DType() || x.Shape().Dim(-1) != l.inDim {
		return nil, tperr.Shapef("Linear", "Forward wants input [..., %d] of %s, got %s",
			l.inDim, l.local.DType(), x.Shape())
	}
	xs := x
	if l.paddedIn != l.inDim {
		xs = x.PadAxis(-1, l.paddedIn)
	}
	xPart := xs.SliceAxis(-1, l.span.Start, l.span.End)
	if xs != x {
		xs.Finalize()
	}
	part, err := l.local.Forward(xPart) // retains xPart for the backward pass
	if err != nil {
		xPart.Finalize()
		return nil, err
	}
	y, err := w.AllReduce(part, backends.ReduceOpSum)
	part.Finalize()
	return y, err
}

// Backward implements nn.Module.
func (l *rowLinear) Backward(outputGrad *tensors.Tensor) (*tensors.Tensor, error) {
	w, err := l.rt.require("Linear.Backward")
	if err != nil {
		return nil, err
	}
	dxPart, err := l.local.Backward(outputGrad)
	if err != nil {
		return nil, err
	}
	dx, err := gatherStrip(w, dxPart, -1, l.inDim)
	dxPart.Finalize()
	return dx, err
}

// Clone implements nn.Module.
func (l *rowLinear) Clone() nn.Module {
	return &rowLinear{
		rt:    l.rt,
		local: l.local.Clone().(*nn.Linear),
		span:  l.span,
		inDim: l.inDim, paddedIn: l.paddedIn,
		hasBias: l.hasBias,
	}
}

// Params implements nn.HasParams with the local shards.
func (l *rowLinear) Params() iter.Seq2[string, *nn.Param] { return l.local.Params() }

func (l *rowLinear) rebuildDense(w *backends.Worker) (nn.Module, error) {
	weights, err := gatherStrip(w, l.local.Weights().Value, 0, l.inDim)
	if err != nil {
		return nil, err
	}
	var biases *tensors.Tensor
	if l.hasBias {
		var own *tensors.Tensor
		if l.local.Biases() != nil {
			own = l.local.Biases().Value
		}
		biases, err = w.Broadcast(own, 0)
		if err != nil {
			weights.Finalize()
			return nil, err
		}
	}
	return nn.NewLinearFromParams(weights, biases), nil
}
