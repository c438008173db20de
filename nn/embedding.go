package nn

import (
	"iter"

	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorparallel/tperr"
	"github.com/gomlx/tensorparallel/types/shapes"
	"github.com/gomlx/tensorparallel/types/tensors"
)

// Embedding holds a [vocabSize, dimension] table and maps integer indices to
// its rows.
//
// The input must have dtype Int32 or Int64 and any shape [<dims...>]; the
// output has shape [<dims...>, dimension]. Indices carry no gradient, so
// Backward accumulates the table gradient and returns a nil input gradient,
// ending propagation. Put embeddings at the front of a model.
type Embedding struct {
	table *Param

	vocabSize, dimension int
	dtype                dtypes.DType

	lastIndices *tensors.Tensor
}

// NewEmbedding creates an Embedding with a normal-initialized table of
// stddev 1/sqrt(dimension). dtype is the table's dtype, Float32 or Float64.
func NewEmbedding(dtype dtypes.DType, vocabSize, dimension int) *Embedding {
	assertKernelDType(dtype)
	if vocabSize <= 0 || dimension <= 0 {
		Panicf("NewEmbedding: dimensions must be positive, got vocabSize=%d, dimension=%d", vocabSize, dimension)
	}
	table := tensors.FromShape(shapes.Make(dtype, vocabSize, dimension))
	initNormal(table, 1.0/float64(dimension))
	return &Embedding{
		table:     &Param{Name: "embeddings", Value: table, Trainable: true},
		vocabSize: vocabSize, dimension: dimension,
		dtype: dtype,
	}
}

// NewEmbeddingFromParams builds an Embedding over an existing rank-2 table
// tensor, used as-is.
func NewEmbeddingFromParams(table *tensors.Tensor) *Embedding {
	assertKernelDType(table.DType())
	if table.Rank() != 2 {
		Panicf("NewEmbeddingFromParams: table must be rank-2 [vocabSize, dimension], got %s", table.Shape())
	}
	return &Embedding{
		table:     &Param{Name: "embeddings", Value: table, Trainable: true},
		vocabSize: table.Shape().Dim(0), dimension: table.Shape().Dim(1),
		dtype: table.DType(),
	}
}

// VocabSize returns the number of table rows.
func (e *Embedding) VocabSize() int { return e.vocabSize }

// Dimension returns the embedding dimension.
func (e *Embedding) Dimension() int { return e.dimension }

// DType returns the table dtype.
func (e *Embedding) DType() dtypes.DType { return e.dtype }

// Table returns the embedding table parameter.
func (e *Embedding) Table() *Param { return e.table }

// Params implements HasParams.
func (e *Embedding) Params() iter.Seq2[string, *Param] {
	return func(yield func(string, *Param) bool) {
		yield(e.table.Name, e.table)
	}
}

// indicesOf extracts the input as a flat []int slice, validating dtype.
func indicesOf(x *tensors.Tensor) ([]int, error) {
	if x == nil {
		return nil, tperr.Shapef("Embedding", "Forward got a nil input")
	}
	indices := make([]int, x.Size())
	switch x.DType() {
	case dtypes.Int32:
		tensors.ConstFlatData(x, func(flat []int32) {
			for i, v := range flat {
				indices[i] = int(v)
			}
		})
	case dtypes.Int64:
		tensors.ConstFlatData(x, func(flat []int64) {
			for i, v := range flat {
				indices[i] = int(v)
			}
		})
	default:
		return nil, tperr.Shapef("Embedding", "Forward wants Int32 or Int64 indices, got %s", x.DType())
	}
	return indices, nil
}

// Forward implements Module: a row gather from the table.
func (e *Embedding) Forward(x *tensors.Tensor) (*tensors.Tensor, error) {
	indices, err := indicesOf(x)
	if err != nil {
		return nil, err
	}
	outDims := append(append([]int{}, x.Shape().Dimensions...), e.dimension)
	y := tensors.FromShape(shapes.Make(e.dtype, outDims...))
	switch e.dtype {
	case dtypes.Float32:
		err = embeddingForward[float32](e.table.Value, y, indices, e.vocabSize, e.dimension)
	case dtypes.Float64:
		err = embeddingForward[float64](e.table.Value, y, indices, e.vocabSize, e.dimension)
	}
	if err != nil {
		return nil, err
	}
	e.lastIndices = x
	return y, nil
}

// Backward implements Module: scatters the output gradient's rows into the
// table gradient. The returned input gradient is nil: integer indices are
// not differentiable.
func (e *Embedding) Backward(outputGrad *tensors.Tensor) (*tensors.Tensor, error) {
	if err := checkBackwardGrad("Embedding", outputGrad, e.lastIndices); err != nil {
		return nil, err
	}
	indices, err := indicesOf(e.lastIndices)
	if err != nil {
		return nil, err
	}
	if outputGrad.DType() != e.dtype || outputGrad.Size() != len(indices)*e.dimension {
		return nil, tperr.Shapef("Embedding", "Backward wants an output gradient of %d rows of %d, got %s",
			len(indices), e.dimension, outputGrad.Shape())
	}
	dTable := tensors.FromShape(e.table.Value.Shape())
	switch e.dtype {
	case dtypes.Float32:
		embeddingBackward[float32](dTable, outputGrad, indices, e.dimension)
	case dtypes.Float64:
		embeddingBackward[float64](dTable, outputGrad, indices, e.dimension)
	}
	e.table.accumulateGrad(dTable)
	e.lastIndices = nil
	return nil, nil
}

// Clone implements Module.
func (e *Embedding) Clone() Module {
	return &Embedding{
		table:     e.table.clone(),
		vocabSize: e.vocabSize, dimension: e.dimension,
		dtype: e.dtype,
	}
}

func embeddingForward[T floatKernel](table, y *tensors.Tensor, indices []int, vocabSize, dimension int) error {
	var err error
	tensors.ConstFlatData(table, func(tableFlat []T) {
		tensors.MutableFlatData(y, func(yFlat []T) {
			for i, idx := range indices {
				if idx < 0 || idx >= vocabSize {
					err = tperr.Shapef("Embedding", "index %d out of range [0, %d)", idx, vocabSize)
					return
				}
				copy(yFlat[i*dimension:(i+1)*dimension], tableFlat[idx*dimension:(idx+1)*dimension])
			}
		})
	})
	return err
}

func embeddingBackward[T floatKernel](dTable, dy *tensors.Tensor, indices []int, dimension int) {
	tensors.ConstFlatData(dy, func(dyFlat []T) {
		tensors.MutableFlatData(dTable, func(dtFlat []T) {
			for i, idx := range indices {
				dstRow := dtFlat[idx*dimension : (idx+1)*dimension]
				srcRow := dyFlat[i*dimension : (i+1)*dimension]
				for j := range dstRow {
					dstRow[j] += srcRow[j]
				}
			}
		})
	})
}
