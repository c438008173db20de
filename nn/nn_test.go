package nn_test

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorparallel/nn"
	"github.com/gomlx/tensorparallel/tperr"
	"github.com/gomlx/tensorparallel/types/shapes"
	"github.com/gomlx/tensorparallel/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinearForward(t *testing.T) {
	weights := tensors.FromValue([][]float32{{1, 2, 3}, {4, 5, 6}})
	biases := tensors.FromValue([]float32{0.5, -1, 2})
	linear := nn.NewLinearFromParams(weights, biases)
	assert.Equal(t, 2, linear.InputDim())
	assert.Equal(t, 3, linear.OutputDim())

	x := tensors.FromValue([][]float32{{1, 2}, {3, 4}})
	y, err := linear.Forward(x)
	require.NoError(t, err)
	want := tensors.FromValue([][]float32{{9.5, 11, 17}, {19.5, 25, 35}})
	require.True(t, want.Equal(y), "got %s", y)
}

func TestLinearForwardLeadingBatchDims(t *testing.T) {
	weights := tensors.FromValue([][]float32{{1, 0}, {0, 1}, {1, 1}})
	linear := nn.NewLinearFromParams(weights, nil)

	// Rank-3 input [2, 2, 3] flattens to 4 rows.
	x := tensors.FromValue([][][]float32{
		{{1, 2, 3}, {4, 5, 6}},
		{{7, 8, 9}, {10, 11, 12}},
	})
	y, err := linear.Forward(x)
	require.NoError(t, err)
	want := tensors.FromValue([][][]float32{
		{{4, 5}, {10, 11}},
		{{16, 17}, {22, 23}},
	})
	require.True(t, want.Equal(y), "got %s", y)

	// Rank-1 input is a single row.
	y, err = linear.Forward(tensors.FromValue([]float32{1, 1, 1}))
	require.NoError(t, err)
	require.True(t, tensors.FromValue([]float32{2, 2}).Equal(y), "got %s", y)
}

func TestLinearBackward(t *testing.T) {
	weights := tensors.FromValue([][]float32{{1, 2, 3}, {4, 5, 6}})
	biases := tensors.FromValue([]float32{0, 0, 0})
	linear := nn.NewLinearFromParams(weights, biases)

	x := tensors.FromValue([][]float32{{1, 2}, {3, 4}})
	_, err := linear.Forward(x)
	require.NoError(t, err)

	dy := tensors.FromValue([][]float32{{1, 0, 0}, {0, 1, 0}})
	dx, err := linear.Backward(dy)
	require.NoError(t, err)

	require.True(t, tensors.FromValue([][]float32{{1, 4}, {2, 5}}).Equal(dx), "dx=%s", dx)
	require.True(t, tensors.FromValue([][]float32{{1, 3, 0}, {2, 4, 0}}).Equal(linear.Weights().Grad),
		"dWeights=%s", linear.Weights().Grad)
	require.True(t, tensors.FromValue([]float32{1, 1, 0}).Equal(linear.Biases().Grad),
		"dBiases=%s", linear.Biases().Grad)
}

func TestLinearGradAccumulates(t *testing.T) {
	weights := tensors.FromValue([][]float32{{2}})
	linear := nn.NewLinearFromParams(weights, nil)
	x := tensors.FromValue([][]float32{{3}})
	dy := tensors.FromValue([][]float32{{1}})

	for range 2 {
		_, err := linear.Forward(x)
		require.NoError(t, err)
		_, err = linear.Backward(dy)
		require.NoError(t, err)
	}
	// dWeights = x per pass, accumulated over two passes.
	require.True(t, tensors.FromValue([][]float32{{6}}).Equal(linear.Weights().Grad))

	nn.ZeroGrad(linear)
	assert.Nil(t, linear.Weights().Grad)
}

func TestEmbedding(t *testing.T) {
	table := tensors.FromValue([][]float32{{0, 1}, {10, 11}, {20, 21}, {30, 31}})
	embedding := nn.NewEmbeddingFromParams(table)
	assert.Equal(t, 4, embedding.VocabSize())
	assert.Equal(t, 2, embedding.Dimension())

	indices := tensors.FromValue([]int32{2, 0, 2})
	y, err := embedding.Forward(indices)
	require.NoError(t, err)
	want := tensors.FromValue([][]float32{{20, 21}, {0, 1}, {20, 21}})
	require.True(t, want.Equal(y), "got %s", y)

	dy := tensors.FromValue([][]float32{{1, 2}, {3, 4}, {5, 6}})
	dx, err := embedding.Backward(dy)
	require.NoError(t, err)
	assert.Nil(t, dx)
	wantGrad := tensors.FromValue([][]float32{{3, 4}, {0, 0}, {6, 8}, {0, 0}})
	require.True(t, wantGrad.Equal(embedding.Table().Grad), "dTable=%s", embedding.Table().Grad)

	// Int64 indices work too; higher-rank indices append the embedding axis.
	y, err = embedding.Forward(tensors.FromValue([][]int64{{1}, {3}}))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1, 2}, y.Shape().Dimensions)

	_, err = embedding.Forward(tensors.FromValue([]int32{4}))
	require.Error(t, err)
	assert.True(t, tperr.IsKind(err, tperr.Shape))
}

func TestLayerNormForward(t *testing.T) {
	ln := nn.NewLayerNorm(dtypes.Float64, 2).WithEpsilon(0)
	x := tensors.FromValue([][]float64{{1, 3}, {-2, 2}})
	y, err := ln.Forward(x)
	require.NoError(t, err)
	// Per row: mean subtracted, divided by the row stddev. Scale is ones and
	// offset zeros, so both rows normalize to [-1, 1].
	want := tensors.FromValue([][]float64{{-1, 1}, {-1, 1}})
	require.True(t, want.InDelta(y, 1e-9), "got %s", y)
}

// forwardLoss runs a forward pass and reduces the output to Σy, whose
// gradient with respect to y is all-ones.
func forwardLoss(t *testing.T, m nn.Module, x *tensors.Tensor) float64 {
	y, err := m.Forward(x)
	require.NoError(t, err)
	var sum float64
	tensors.ConstFlatData(y, func(flat []float64) {
		for _, v := range flat {
			sum += v
		}
	})
	return sum
}

// TestGradientsNumerically checks every analytic parameter gradient against a
// central finite difference of the Σy loss.
func TestGradientsNumerically(t *testing.T) {
	nn.Seed = 7
	model := nn.NewSequential(
		nn.NewLinear(dtypes.Float64, 3, 4, true),
		nn.NewReLU(),
		nn.NewLayerNorm(dtypes.Float64, 4),
		nn.NewLinear(dtypes.Float64, 4, 2, false),
	)
	x := tensors.FromValue([][]float64{{0.5, -1.2, 2.0}, {1.5, 0.3, -0.7}})

	// Analytic gradients.
	_ = forwardLoss(t, model, x)
	ones := tensors.Ones(shapes.Make(dtypes.Float64, 2, 2))
	_, err := model.Backward(ones)
	require.NoError(t, err)

	const h = 1e-6
	for path, param := range nn.IterParams(model) {
		require.NotNil(t, param.Grad, "no gradient for %s", path)
		grads := tensors.CopyFlatData[float64](param.Grad)
		for i := range grads {
			var perturbed [2]float64
			for s, sign := range []float64{+1, -1} {
				tensors.MutableFlatData(param.Value, func(flat []float64) {
					flat[i] += sign * h
				})
				perturbed[s] = forwardLoss(t, model, x)
				tensors.MutableFlatData(param.Value, func(flat []float64) {
					flat[i] -= sign * h
				})
			}
			numeric := (perturbed[0] - perturbed[1]) / (2 * h)
			assert.InDelta(t, numeric, grads[i], 1e-4, "param %s element %d", path, i)
		}
	}
}

func TestSequentialPaths(t *testing.T) {
	model := nn.NewSequential(
		nn.NewLinear(dtypes.Float32, 2, 4, true),
		nn.NewReLU(),
		nn.NewLinear(dtypes.Float32, 4, 2, false),
	)
	var paths []string
	for path := range nn.IterParams(model) {
		paths = append(paths, path)
	}
	assert.Equal(t, []string{"/0/weights", "/0/biases", "/2/weights"}, paths)

	var modulePaths []string
	for path := range nn.IterModules(model) {
		modulePaths = append(modulePaths, path)
	}
	assert.Equal(t, []string{"", "/0", "/1", "/2"}, modulePaths)

	param, found := nn.ParamByPath(model, "/0/biases")
	require.True(t, found)
	assert.Equal(t, "biases", param.Name)
	_, found = nn.ParamByPath(model, "/0/gain")
	assert.False(t, found)

	assert.Equal(t, 2*4+4+4*2, nn.NumParams(model))
	assert.Equal(t, uintptr(4*(2*4+4+4*2)), nn.ParamsMemory(model))
}

func TestNestedSequentialPaths(t *testing.T) {
	inner := nn.NewSequential(nn.NewLinear(dtypes.Float32, 2, 2, false))
	model := nn.NewSequential(inner, nn.NewReLU())
	param, found := nn.ParamByPath(model, "/0/0/weights")
	require.True(t, found)
	assert.Equal(t, "weights", param.Name)
}

func TestSequentialForwardBackward(t *testing.T) {
	w0 := tensors.FromValue([][]float64{{1, -1}, {2, 1}})
	w1 := tensors.FromValue([][]float64{{1}, {1}})
	model := nn.NewSequential(
		nn.NewLinearFromParams(w0, nil),
		nn.NewReLU(),
		nn.NewLinearFromParams(w1, nil),
	)
	x := tensors.FromValue([][]float64{{1, 1}})
	// x@w0 = [3, 0] -> relu [3, 0] -> @w1 = [3].
	y, err := model.Forward(x)
	require.NoError(t, err)
	require.True(t, tensors.FromValue([][]float64{{3}}).Equal(y), "got %s", y)

	dx, err := model.Backward(tensors.FromValue([][]float64{{1}}))
	require.NoError(t, err)
	// dRelu = w1ᵀ = [1,1]; relu mask [1,0] -> dHidden [1,0]; dx = [1,0]@w0ᵀ = [1, 2].
	require.True(t, tensors.FromValue([][]float64{{1, 2}}).Equal(dx), "dx=%s", dx)
}

func TestSequentialWithEmbeddingEndsBackward(t *testing.T) {
	model := nn.NewSequential(
		nn.NewEmbedding(dtypes.Float32, 8, 4),
		nn.NewLinear(dtypes.Float32, 4, 2, true),
	)
	x := tensors.FromValue([]int32{1, 5})
	y, err := model.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, y.Shape().Dimensions)

	grad, err := model.Backward(tensors.Ones(y.Shape()))
	require.NoError(t, err)
	assert.Nil(t, grad)
	for path, param := range nn.IterParams(model) {
		assert.NotNil(t, param.Grad, "no gradient for %s", path)
	}
}

func TestCloneIsDeep(t *testing.T) {
	model := nn.NewSequential(
		nn.NewLinear(dtypes.Float32, 2, 2, true),
		nn.NewLayerNorm(dtypes.Float32, 2),
	)
	clone := model.Clone()

	original, found := nn.ParamByPath(model, "/0/weights")
	require.True(t, found)
	cloned, found := nn.ParamByPath(clone, "/0/weights")
	require.True(t, found)
	require.True(t, original.Value.Equal(cloned.Value))

	tensors.MutableFlatData(cloned.Value, func(flat []float32) {
		for i := range flat {
			flat[i] = 99
		}
	})
	assert.False(t, original.Value.Equal(cloned.Value))
}

func TestWithChildren(t *testing.T) {
	model := nn.NewSequential(nn.NewReLU(), nn.NewReLU())
	replaced, err := model.WithChildren([]nn.Module{nn.NewReLU(), nn.NewReLU()})
	require.NoError(t, err)
	assert.Equal(t, 2, replaced.(*nn.Sequential).Len())

	_, err = model.WithChildren([]nn.Module{nn.NewReLU()})
	require.Error(t, err)
	assert.True(t, tperr.IsKind(err, tperr.Config))
}

func TestModuleErrors(t *testing.T) {
	linear := nn.NewLinear(dtypes.Float32, 2, 2, false)

	t.Run("backward before forward", func(t *testing.T) {
		_, err := linear.Backward(tensors.FromValue([][]float32{{1, 1}}))
		require.Error(t, err)
		assert.True(t, tperr.IsKind(err, tperr.Lifecycle))
	})
	t.Run("dtype mismatch", func(t *testing.T) {
		_, err := linear.Forward(tensors.FromValue([][]float64{{1, 1}}))
		require.Error(t, err)
		assert.True(t, tperr.IsKind(err, tperr.Shape))
	})
	t.Run("feature mismatch", func(t *testing.T) {
		_, err := linear.Forward(tensors.FromValue([][]float32{{1, 1, 1}}))
		require.Error(t, err)
		assert.True(t, tperr.IsKind(err, tperr.Shape))
	})
	t.Run("embedding wants ints", func(t *testing.T) {
		embedding := nn.NewEmbedding(dtypes.Float32, 4, 2)
		_, err := embedding.Forward(tensors.FromValue([]float32{1}))
		require.Error(t, err)
		assert.True(t, tperr.IsKind(err, tperr.Shape))
	})
	t.Run("unsupported construction dtype", func(t *testing.T) {
		assert.Panics(t, func() { nn.NewLinear(dtypes.Float16, 2, 2, false) })
		assert.Panics(t, func() { nn.NewLinear(dtypes.Float32, 0, 2, false) })
	})
}
