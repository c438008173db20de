package parallel

import (
	"iter"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorparallel/backends"
	"github.com/gomlx/tensorparallel/nn"
	"github.com/gomlx/tensorparallel/sharding"
	"github.com/gomlx/tensorparallel/tperr"
	"github.com/gomlx/tensorparallel/types/tensors"
)

// dimEmbedding executes an Embedding dimension-parallel: each device owns a
// contiguous slice of the embedding dimension, looks up its slice locally and
// all-gathers the slices into the full rows. The backward dual cuts the
// output gradient back to the owned columns; index inputs carry no gradient,
// so no collective is needed.
type dimEmbedding struct {
	rt    *runtime
	local *nn.Embedding // [vocabSize, owned]
	span  sharding.Span

	dim, paddedDim int
}

var (
	_ nn.HasParams   = (*dimEmbedding)(nil)
	_ denseRebuilder = (*dimEmbedding)(nil)
)

// Forward implements nn.Module.
func (e *dimEmbedding) Forward(x *tensors.Tensor) (*tensors.Tensor, error) {
	w, err := e.rt.require("Embedding.Forward")
	if err != nil {
		return nil, err
	}
	part, err := e.local.Forward(x)
	if err != nil {
		return nil, err
	}
	y, err := gatherStrip(w, part, -1, e.dim)
	part.Finalize()
	return y, err
}

// Backward implements nn.Module.
func (e *dimEmbedding) Backward(outputGrad *tensors.Tensor) (*tensors.Tensor, error) {
	if outputGrad == nil {
		return nil, tperr.Shapef("Embedding", "Backward got a nil output gradient")
	}
	if outputGrad.Rank() < 1 || outputGrad.DType() != e.local.DType() ||
		outputGrad.Shape().Dim(-1) != e.dim {
		return nil, tperr.Shapef("Embedding", "Backward wants an output gradient [..., %d] of %s, got %s",
			e.dim, e.local.DType(), outputGrad.Shape())
	}
	dy := outputGrad
	if e.paddedDim != e.dim {
		dy = outputGrad.PadAxis(-1, e.paddedDim)
	}
	dyPart := dy.SliceAxis(-1, e.span.Start, e.span.End)
	if dy != outputGrad {
		dy.Finalize()
	}
	_, err := e.local.Backward(dyPart)
	dyPart.Finalize()
	return nil, err
}

// Clone implements nn.Module.
func (e *dimEmbedding) Clone() nn.Module {
	return &dimEmbedding{
		rt:    e.rt,
		local: e.local.Clone().(*nn.Embedding),
		span:  e.span,
		dim:   e.dim, paddedDim: e.paddedDim,
	}
}

// Params implements nn.HasParams with the local shard.
func (e *dimEmbedding) Params() iter.Seq2[string, *nn.Param] { return e.local.Params() }

func (e *dimEmbedding) rebuildDense(w *backends.Worker) (nn.Module, error) {
	table, err := gatherStrip(w, e.local.Table().Value, 1, e.dim)
	if err != nil {
		return nil, err
	}
	return nn.NewEmbeddingFromParams(table), nil
}

// vocabEmbedding executes an Embedding vocabulary-parallel: each device owns
// a contiguous range of table rows, extended by one zero sentinel row.
// Indices outside the owned range map to the sentinel and contribute zero
// rows, so the per-device partial lookups all-reduce-sum into the full
// result. The backward dual scatters the full output gradient into the local
// shard; the sentinel row absorbs the out-of-range rows and is stripped on
// every gather.
type vocabEmbedding struct {
	rt    *runtime
	local *nn.Embedding // [owned+1, dimension], last row is the sentinel
	span  sharding.Span

	vocab int
}

var (
	_ nn.HasParams   = (*vocabEmbedding)(nil)
	_ denseRebuilder = (*vocabEmbedding)(nil)
)

// mapIndices translates global vocabulary indices into local table rows:
// owned indices shift by the span start, all others land on the sentinel row.
func (e *vocabEmbedding) mapIndices(x *tensors.Tensor) (*tensors.Tensor, error) {
	if x == nil {
		return nil, tperr.Shapef("Embedding", "Forward got a nil input")
	}
	sentinel := e.span.Len()
	var err error
	var mapped *tensors.Tensor
	switch x.DType() {
	case dtypes.Int32:
		mapped = tensors.FromShape(x.Shape())
		lo, hi := int32(e.span.Start), int32(e.span.End)
		tensors.ConstFlatData(x, func(src []int32) {
			tensors.MutableFlatData(mapped, func(dst []int32) {
				for i, v := range src {
					if v < 0 || int(v) >= e.vocab {
						err = tperr.Shapef("Embedding", "index %d out of range [0, %d)", v, e.vocab)
						return
					}
					if v >= lo && v < hi {
						dst[i] = v - lo
					} else {
						dst[i] = int32(sentinel)
					}
				}
			})
		})
	case dtypes.Int64:
		mapped = tensors.FromShape(x.Shape())
		lo, hi := int64(e.span.Start), int64(e.span.End)
		tensors.ConstFlatData(x, func(src []int64) {
			tensors.MutableFlatData(mapped, func(dst []int64) {
				for i, v := range src {
					if v < 0 || int(v) >= e.vocab {
						err = tperr.Shapef("Embedding", "index %d out of range [0, %d)", v, e.vocab)
						return
					}
					if v >= lo && v < hi {
						dst[i] = v - lo
					} else {
						dst[i] = int64(sentinel)
					}
				}
			})
		})
	default:
		return nil, tperr.Shapef("Embedding", "Forward wants Int32 or Int64 indices, got %s", x.DType())
	}
	if err != nil {
		mapped.Finalize()
		return nil, err
	}
	return mapped, nil
}

// Forward implements nn.Module.
func (e *vocabEmbedding) Forward(x *tensors.Tensor) (*tensors.Tensor, error) {
	w, err := e.rt.require("Embedding.Forward")
	if err != nil {
		return nil, err
	}
	mapped, err := e.mapIndices(x)
	if err != nil {
		return nil, err
	}
	part, err := e.local.Forward(mapped) // retains mapped for the backward pass
	if err != nil {
		mapped.Finalize()
		return nil, err
	}
	y, err := w.AllReduce(part, backends.ReduceOpSum)
	part.Finalize()
	return y, err
}

// Backward implements nn.Module.
func (e *vocabEmbedding) Backward(outputGrad *tensors.Tensor) (*tensors.Tensor, error) {
	_, err := e.local.Backward(outputGrad)
	return nil, err
}

// Clone implements nn.Module.
func (e *vocabEmbedding) Clone() nn.Module {
	return &vocabEmbedding{
		rt:    e.rt,
		local: e.local.Clone().(*nn.Embedding),
		span:  e.span,
		vocab: e.vocab,
	}
}

// Params implements nn.HasParams with the local shard. The shard includes the
// sentinel row; gathers strip it.
func (e *vocabEmbedding) Params() iter.Seq2[string, *nn.Param] { return e.local.Params() }

func (e *vocabEmbedding) rebuildDense(w *backends.Worker) (nn.Module, error) {
	owned := e.local.Table().Value.SliceAxis(0, 0, e.span.Len())
	table, err := gatherStrip(w, owned, 0, e.vocab)
	owned.Finalize()
	if err != nil {
		return nil, err
	}
	return nn.NewEmbeddingFromParams(table), nil
}
