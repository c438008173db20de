package parallel_test

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/tensorparallel/nn"
	"github.com/gomlx/tensorparallel/parallel"
	"github.com/gomlx/tensorparallel/slicing"
	"github.com/gomlx/tensorparallel/tperr"
	"github.com/gomlx/tensorparallel/types/tensors"
)

// splitVector cuts a rank-1 tensor into world contiguous pieces.
func splitVector(full *tensors.Tensor, world int) ([]*tensors.Tensor, error) {
	n := full.Size()
	if n%world != 0 {
		return nil, fmt.Errorf("%d elements do not split across %d shards", n, world)
	}
	per := n / world
	out := make([]*tensors.Tensor, world)
	tensors.ConstFlatData(full, func(flat []float32) {
		for r := range out {
			piece := append([]float32(nil), flat[r*per:(r+1)*per]...)
			out[r] = tensors.FromFlatDataAndDimensions(piece, per)
		}
	})
	return out, nil
}

// concatVector is splitVector's inverse.
func concatVector(shards []*tensors.Tensor) (*tensors.Tensor, error) {
	return tensors.Concat(shards, 0), nil
}

func TestAutoConfig(t *testing.T) {
	cfg := parallel.AutoConfig(tokenModel())
	require.NoError(t, cfg.Validate())
	assert.Equal(t, slicing.DefaultShard, cfg.Default)

	rule, ok := cfg.Resolve("/0/embeddings")
	require.True(t, ok)
	assert.Equal(t, slicing.SplitAxis1, rule.Action)
	assert.Equal(t, slicing.CombineConcat, rule.Combine)

	for _, path := range []string{"/1/weights", "/3/weights"} {
		rule, ok = cfg.Resolve(path)
		require.True(t, ok, path)
		assert.Equal(t, slicing.SplitAxis1, rule.Action, path)
		assert.Equal(t, slicing.CombineConcat, rule.Combine, path)
	}

	for _, path := range []string{"/4/scale", "/4/offset"} {
		rule, ok = cfg.Resolve(path)
		require.True(t, ok, path)
		assert.Equal(t, slicing.Replicate, rule.Action, path)
	}

	// Biases follow their weights and get no rule of their own.
	_, ok = cfg.Resolve("/1/biases")
	assert.False(t, ok)
	_, ok = cfg.Resolve("/9/anything")
	assert.False(t, ok)
}

func TestRewriteRuleErrors(t *testing.T) {
	linear := func() nn.Module {
		return nn.NewSequential(nn.NewLinear(dtypes.Float32, 8, 8, true))
	}
	testCases := []struct {
		name     string
		model    nn.Module
		cfg      *slicing.Config
		contains string
	}{
		{
			name:     "bias rule without a weights rule",
			model:    linear(),
			cfg:      slicing.NewConfig(slicing.ColumnParallel("^/0/biases$")),
			contains: "follows its weights",
		},
		{
			name:  "column split must concat",
			model: linear(),
			cfg: slicing.NewConfig(slicing.Rule{
				Pattern: "^/0/weights$", Action: slicing.SplitAxis1, Combine: slicing.CombineSum,
			}),
			contains: "combines by concat (column parallel)",
		},
		{
			name:  "row split must sum",
			model: linear(),
			cfg: slicing.NewConfig(slicing.Rule{
				Pattern: "^/0/weights$", Action: slicing.SplitAxis0, Combine: slicing.CombineConcat,
			}),
			contains: "combines by sum (row parallel)",
		},
		{
			name:  "dimension parallel embedding must concat",
			model: nn.NewSequential(nn.NewEmbedding(dtypes.Float32, 8, 8)),
			cfg: slicing.NewConfig(slicing.Rule{
				Pattern: "^/0/embeddings$", Action: slicing.SplitAxis1, Combine: slicing.CombineSum,
			}),
			contains: "combines by concat (dimension parallel)",
		},
		{
			name:  "vocabulary parallel embedding must sum",
			model: nn.NewSequential(nn.NewEmbedding(dtypes.Float32, 8, 8)),
			cfg: slicing.NewConfig(slicing.Rule{
				Pattern: "^/0/embeddings$", Action: slicing.SplitAxis0, Combine: slicing.CombineConcat,
			}),
			contains: "combines by sum (vocabulary parallel)",
		},
		{
			name:  "bias rule conflicting with column layout",
			model: linear(),
			cfg: slicing.NewConfig(
				slicing.ColumnParallel("^/0/weights$"),
				slicing.Replicated("^/0/biases$"),
			),
			contains: "the bias follows the weights",
		},
		{
			name:  "bias rule conflicting with row layout",
			model: linear(),
			cfg: slicing.NewConfig(
				slicing.RowParallel("^/0/weights$"),
				slicing.RowParallel("^/0/biases$"),
			),
			contains: "the bias follows the weights",
		},
		{
			name:     "axis split on a leaf parameter",
			model:    nn.NewSequential(nn.NewLayerNorm(dtypes.Float32, 8)),
			cfg:      slicing.NewConfig(slicing.ColumnParallel("^/0/scale$")),
			contains: "axis splits apply to the weights of Linear and the table of Embedding",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parallel.New(tc.model).Devices(cpuIDs(2)...).Config(tc.cfg).Done()
			require.Error(t, err)
			assert.True(t, tperr.IsKind(err, tperr.Config), "got %v", err)
			assert.Contains(t, err.Error(), tc.contains)
		})
	}

	// An explicit bias rule that agrees with the weights' layout is fine.
	t.Run("agreeing bias rule", func(t *testing.T) {
		cfg := slicing.NewConfig(
			slicing.ColumnParallel("^/0/weights$"),
			slicing.Rule{Pattern: "^/0/biases$", Action: slicing.SplitAxis0, Combine: slicing.CombineConcat},
		)
		wrapped, err := parallel.New(linear()).Devices(cpuIDs(2)...).Config(cfg).Done()
		require.NoError(t, err)
		require.NoError(t, wrapped.Close())
	})
}

// paramBag is a container that illegally owns a parameter of its own.
type paramBag struct {
	child nn.Module
	gain  *nn.Param
}

func newParamBag() *paramBag {
	return &paramBag{
		child: nn.NewReLU(),
		gain:  &nn.Param{Name: "gain", Value: tensors.FromValue([]float32{1, 2}), Trainable: true},
	}
}

func (b *paramBag) Forward(x *tensors.Tensor) (*tensors.Tensor, error) {
	return b.child.Forward(x)
}

func (b *paramBag) Backward(outputGrad *tensors.Tensor) (*tensors.Tensor, error) {
	return b.child.Backward(outputGrad)
}

func (b *paramBag) Clone() nn.Module {
	return &paramBag{
		child: b.child.Clone(),
		gain:  &nn.Param{Name: b.gain.Name, Value: b.gain.Value.Clone(), Trainable: b.gain.Trainable},
	}
}

func (b *paramBag) Children() iter.Seq2[string, nn.Module] {
	return func(yield func(string, nn.Module) bool) {
		yield("0", b.child)
	}
}

func (b *paramBag) WithChildren(children []nn.Module) (nn.Module, error) {
	if len(children) != 1 {
		return nil, fmt.Errorf("paramBag wants 1 child, got %d", len(children))
	}
	return &paramBag{child: children[0], gain: b.gain}, nil
}

func (b *paramBag) Params() iter.Seq2[string, *nn.Param] {
	return func(yield func(string, *nn.Param) bool) {
		yield(b.gain.Name, b.gain)
	}
}

func TestContainerOwningParamsRejected(t *testing.T) {
	_, err := parallel.New(newParamBag()).Devices(cpuIDs(2)...).Done()
	require.Error(t, err)
	assert.True(t, tperr.IsKind(err, tperr.Config), "got %v", err)
	assert.Contains(t, err.Error(), "owns parameters of its own")
}

func TestNonDivisibleSplit(t *testing.T) {
	model := nn.NewSequential(nn.NewLinear(dtypes.Float32, 8, 10, true))
	cfg := slicing.NewConfig(slicing.ColumnParallel("^/0/weights$"))
	_, err := parallel.New(model).Devices(cpuIDs(4)...).Config(cfg).Done()
	require.Error(t, err)
	assert.True(t, tperr.IsKind(err, tperr.Shape), "got %v", err)
	assert.Contains(t, err.Error(), "does not divide across 4 devices")
	assert.Equal(t, "/0/weights", tperr.PathOf(err))
}

func TestDeterministicPadding(t *testing.T) {
	model := nn.NewSequential(nn.NewLinear(dtypes.Float32, 8, 10, true))
	fillParams(model)
	ref := model.Clone()
	cfg := slicing.NewConfig(slicing.ColumnParallel("^/0/weights$")).
		WithPadding(slicing.PadDeterministic)
	wrapped := wrapWithConfig(t, model, 4, cfg)

	xFlat := make([]float32, 3*8)
	for i := range xFlat {
		xFlat[i] = 0.1*float32(i) - 1.0
	}
	x := tensors.FromFlatDataAndDimensions(xFlat, 3, 8)
	dyFlat := make([]float32, 3*10)
	for i := range dyFlat {
		dyFlat[i] = 0.05*float32(i) - 0.6
	}
	dy := tensors.FromFlatDataAndDimensions(dyFlat, 3, 10)

	want, err := ref.Forward(x)
	require.NoError(t, err)
	got, err := wrapped.Forward(context.Background(), x)
	require.NoError(t, err)
	assert.True(t, want.InDelta(got, 1e-5))

	wantDx, err := ref.Backward(dy)
	require.NoError(t, err)
	dx, err := wrapped.BackwardFrom(context.Background(), dy)
	require.NoError(t, err)
	assert.True(t, wantDx.InDelta(dx, 1e-5))

	// The padding never leaks: parameters gather at their dense sizes.
	refParams := paramsOf(ref)
	p, err := wrapped.Param("/0/weights")
	require.NoError(t, err)
	assert.True(t, refParams["/0/weights"].Value.Equal(p.Value))
	require.NotNil(t, p.Grad)
	assert.Equal(t, []int{8, 10}, p.Grad.Shape().Dimensions)
	assert.True(t, refParams["/0/weights"].Grad.InDelta(p.Grad, 1e-5))

	gathered, err := wrapped.Gather()
	require.NoError(t, err)
	for path, refP := range refParams {
		got, ok := paramsOf(gathered)[path]
		require.True(t, ok, path)
		assert.True(t, refP.Value.Equal(got.Value), "%s: unwrap is not exact", path)
	}
}

func TestVocabularyParallelEmbedding(t *testing.T) {
	model := nn.NewSequential(nn.NewEmbedding(dtypes.Float32, 10, 4))
	fillParams(model)
	ref := model.Clone()
	// Vocabulary parallel over 4 devices: 10 rows pad to 12, each device
	// holds 3 rows plus its out-of-span sentinel.
	cfg := slicing.NewConfig(slicing.RowParallel("^/0/embeddings$")).
		WithPadding(slicing.PadDeterministic)
	wrapped := wrapWithConfig(t, model, 4, cfg)

	x := tensors.FromFlatDataAndDimensions([]int32{0, 3, 9, 5, 2, 7}, 2, 3)
	want, err := ref.Forward(x)
	require.NoError(t, err)
	got, err := wrapped.Forward(context.Background(), x)
	require.NoError(t, err)
	assert.True(t, want.Equal(got), "one owner per row plus zeros must sum exactly")

	dyFlat := make([]float32, 2*3*4)
	for i := range dyFlat {
		dyFlat[i] = 0.1*float32(i) - 1.1
	}
	dy := tensors.FromFlatDataAndDimensions(dyFlat, 2, 3, 4)
	_, err = ref.Backward(dy)
	require.NoError(t, err)
	dx, err := wrapped.BackwardFrom(context.Background(), dy)
	require.NoError(t, err)
	assert.Nil(t, dx)

	p, err := wrapped.Param("/0/embeddings")
	require.NoError(t, err)
	refTable := paramsOf(ref)["/0/embeddings"]
	assert.True(t, refTable.Value.Equal(p.Value), "sentinel and padding rows must be stripped")
	require.NotNil(t, p.Grad)
	assert.True(t, refTable.Grad.InDelta(p.Grad, 1e-5))

	// An index beyond the dense vocabulary is rejected even though it would
	// land inside the padded table.
	bad := tensors.FromFlatDataAndDimensions([]int32{0, 10}, 2)
	_, err = wrapped.Forward(context.Background(), bad)
	require.Error(t, err)
	assert.True(t, tperr.IsKind(err, tperr.Collective), "got %v", err)
	assert.Contains(t, err.Error(), "out of range")
	assert.Equal(t, parallel.StateFailed, wrapped.State())
}

func TestCustomRule(t *testing.T) {
	model := nn.NewSequential(nn.NewLayerNorm(dtypes.Float32, 8))
	fillParams(model)
	ref := model.Clone()
	cfg := slicing.NewConfig(slicing.CustomRule("^/0/scale$", splitVector, concatVector))
	wrapped := wrapWithConfig(t, model, 2, cfg)

	xFlat := make([]float32, 4*8)
	for i := range xFlat {
		xFlat[i] = 0.2*float32(i) - 3.0
	}
	x := tensors.FromFlatDataAndDimensions(xFlat, 4, 8)
	want, err := ref.Forward(x)
	require.NoError(t, err)
	got, err := wrapped.Forward(context.Background(), x)
	require.NoError(t, err)
	assert.True(t, want.Equal(got), "materializing through the combiner must be exact")

	dyFlat := make([]float32, 4*8)
	for i := range dyFlat {
		dyFlat[i] = 0.3*float32(i) - 4.5
	}
	dy := tensors.FromFlatDataAndDimensions(dyFlat, 4, 8)
	_, err = ref.Backward(dy)
	require.NoError(t, err)
	_, err = wrapped.BackwardFrom(context.Background(), dy)
	require.NoError(t, err)

	refParams := paramsOf(ref)
	p, err := wrapped.Param("/0/scale")
	require.NoError(t, err)
	assert.True(t, refParams["/0/scale"].Value.Equal(p.Value))
	require.NotNil(t, p.Grad)
	assert.True(t, refParams["/0/scale"].Grad.InDelta(p.Grad, 1e-5))

	// Updates go back through the splitter.
	require.NoError(t, wrapped.UpdateParam("/0/scale", func(value, grad *tensors.Tensor) error {
		tensors.MutableFlatData(value, func(flat []float32) {
			for i := range flat {
				flat[i] *= 2
			}
		})
		return nil
	}))
	doubled := refParams["/0/scale"].Value.Clone()
	tensors.MutableFlatData(doubled, func(flat []float32) {
		for i := range flat {
			flat[i] *= 2
		}
	})
	p, err = wrapped.Param("/0/scale")
	require.NoError(t, err)
	assert.True(t, doubled.Equal(p.Value))

	gathered, err := wrapped.Gather()
	require.NoError(t, err)
	assert.True(t, doubled.Equal(paramsOf(gathered)["/0/scale"].Value))
}

func TestCustomRuleValidation(t *testing.T) {
	norm := func() nn.Module {
		return nn.NewSequential(nn.NewLayerNorm(dtypes.Float32, 8))
	}
	wrapErr := func(cfg *slicing.Config) error {
		_, err := parallel.New(norm()).Devices(cpuIDs(2)...).Config(cfg).Done()
		return err
	}

	err := wrapErr(slicing.NewConfig(slicing.Rule{Pattern: "^/0/scale$", Action: slicing.Custom}))
	require.Error(t, err)
	assert.True(t, tperr.IsKind(err, tperr.Config))
	assert.Contains(t, err.Error(), "need both a Splitter and a Combiner")

	failing := func(full *tensors.Tensor, world int) ([]*tensors.Tensor, error) {
		return nil, errors.New("no cut")
	}
	err = wrapErr(slicing.NewConfig(slicing.CustomRule("^/0/scale$", failing, concatVector)))
	require.Error(t, err)
	assert.True(t, tperr.IsKind(err, tperr.Config))
	assert.Contains(t, err.Error(), "custom splitter")
	assert.Contains(t, err.Error(), "no cut")

	miscounting := func(full *tensors.Tensor, world int) ([]*tensors.Tensor, error) {
		return []*tensors.Tensor{full.Clone()}, nil
	}
	err = wrapErr(slicing.NewConfig(slicing.CustomRule("^/0/scale$", miscounting, concatVector)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "produced 1 shards for 2 devices")

	zeroing := func(shards []*tensors.Tensor) (*tensors.Tensor, error) {
		return tensors.FromFlatDataAndDimensions(make([]float32, 8), 8), nil
	}
	err = wrapErr(slicing.NewConfig(slicing.CustomRule("^/0/scale$", splitVector, zeroing)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not reproduce the parameter")
}

func TestShardFallbackForTinyParams(t *testing.T) {
	// 2-element parameters cannot flat-shard across 4 devices: they fall back
	// to replication and at-rest storage matches the dense model everywhere.
	model := nn.NewSequential(nn.NewLayerNorm(dtypes.Float32, 2))
	fillParams(model)
	ref := model.Clone()
	wrapped, err := parallel.New(model).
		Devices(cpuIDs(4)...).
		Config(slicing.NewConfig()).
		Sharded(true).
		Done()
	require.NoError(t, err)
	t.Cleanup(func() { _ = wrapped.Close() })

	for rank := range 4 {
		assert.Equal(t, wrapped.FullMemory(), wrapped.AtRestMemory(rank), "rank %d", rank)
	}

	x := tensors.FromFlatDataAndDimensions([]float32{0.5, -1.5}, 1, 2)
	want, err := ref.Forward(x)
	require.NoError(t, err)
	got, err := wrapped.Forward(context.Background(), x)
	require.NoError(t, err)
	assert.True(t, want.InDelta(got, 1e-5))
}

func TestShardParams(t *testing.T) {
	// Only the two weights matrices are named, so they flat-shard while the
	// embedding table, the biases and the norm parameters replicate.
	model := tokenModel()
	ref := model.Clone()
	wrapped, err := parallel.New(model).
		Devices(cpuIDs(2)...).
		Config(slicing.NewConfig()).
		ShardParams("^/[13]/weights$").
		Done()
	require.NoError(t, err)
	t.Cleanup(func() { _ = wrapped.Close() })

	// Each rank keeps half of each 128-element weights matrix plus a full
	// copy of the other 136 elements.
	for rank := range 2 {
		assert.EqualValues(t, (128/2+128/2+96+16+8+8+8)*4, wrapped.AtRestMemory(rank), "rank %d", rank)
	}

	x := tokenInput()
	want, err := ref.Forward(x)
	require.NoError(t, err)
	got, err := wrapped.Forward(context.Background(), x)
	require.NoError(t, err)
	// Nothing is split over an axis, so every rank runs the dense math.
	assert.True(t, want.Equal(got))

	dy := tokenOutputGrad()
	_, err = ref.Backward(dy)
	require.NoError(t, err)
	dx, err := wrapped.BackwardFrom(context.Background(), dy)
	require.NoError(t, err)
	assert.Nil(t, dx, "integer embedding input has no gradient")

	refP := paramsOf(ref)["/1/weights"]
	p, err := wrapped.Param("/1/weights")
	require.NoError(t, err)
	assert.True(t, refP.Value.Equal(p.Value))
	require.NotNil(t, p.Grad)
	assert.True(t, refP.Grad.InDelta(p.Grad, 1e-5))
}

func TestShardParamsValidation(t *testing.T) {
	_, err := parallel.New(tokenModel()).Devices(cpuIDs(2)...).ShardParams("[").Done()
	require.Error(t, err)
	assert.True(t, tperr.IsKind(err, tperr.Config), "got %v", err)
	assert.Contains(t, err.Error(), "invalid")

	_, err = parallel.New(tokenModel()).Devices(cpuIDs(2)...).Sharded(false).ShardParams("^/1/weights$").Done()
	require.Error(t, err)
	assert.True(t, tperr.IsKind(err, tperr.Config))
	assert.Contains(t, err.Error(), "Sharded(false)")
}
