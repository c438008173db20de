package parallel_test

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/tensorparallel/backends/procgroup"
	"github.com/gomlx/tensorparallel/devices"
	"github.com/gomlx/tensorparallel/nn"
	"github.com/gomlx/tensorparallel/parallel"
	"github.com/gomlx/tensorparallel/slicing"
	"github.com/gomlx/tensorparallel/tperr"
	"github.com/gomlx/tensorparallel/types/tensors"
)

func cpuIDs(world int) []devices.ID {
	ids := make([]devices.ID, world)
	for i := range ids {
		ids[i] = devices.MakeID("cpu", i)
	}
	return ids
}

// fillParams gives every parameter a deterministic value so expectations
// don't depend on the random initialization.
func fillParams(m nn.Module) {
	seed := 0
	for _, p := range nn.IterParams(m) {
		seed++
		phase := float64(seed) * 0.35
		tensors.MutableFlatData(p.Value, func(flat []float32) {
			for i := range flat {
				flat[i] = float32(0.5 * math.Sin(phase+0.17*float64(i)))
			}
		})
	}
}

// tokenModel covers every layer kind the rewriter understands: an embedding
// front end, two linears with an activation between them and a normalization
// tail. All split dimensions divide by 1, 2 and 4.
func tokenModel() nn.Module {
	m := nn.NewSequential(
		nn.NewEmbedding(dtypes.Float32, 12, 8),
		nn.NewLinear(dtypes.Float32, 8, 16, true),
		nn.NewReLU(),
		nn.NewLinear(dtypes.Float32, 16, 8, true),
		nn.NewLayerNorm(dtypes.Float32, 8),
	)
	fillParams(m)
	return m
}

func tokenInput() *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions([]int32{0, 5, 11, 3, 7, 2}, 2, 3)
}

func tokenOutputGrad() *tensors.Tensor {
	flat := make([]float32, 2*3*8)
	for i := range flat {
		flat[i] = float32(0.25 * math.Cos(0.3*float64(i)))
	}
	return tensors.FromFlatDataAndDimensions(flat, 2, 3, 8)
}

// mixedConfig shards the token model one way per layer kind: dimension
// parallel embedding, a column then a row parallel linear, replicated norm.
func mixedConfig() *slicing.Config {
	return slicing.NewConfig(
		slicing.ColumnParallel("^/0/embeddings$"),
		slicing.ColumnParallel("^/1/weights$"),
		slicing.RowParallel("^/3/weights$"),
		slicing.Replicated("^/4/"),
	)
}

func wrap(t *testing.T, m nn.Module, world int) *parallel.Model {
	t.Helper()
	wrapped, err := parallel.New(m).Devices(cpuIDs(world)...).Done()
	require.NoError(t, err)
	t.Cleanup(func() { _ = wrapped.Close() })
	return wrapped
}

func wrapWithConfig(t *testing.T, m nn.Module, world int, cfg *slicing.Config) *parallel.Model {
	t.Helper()
	wrapped, err := parallel.New(m).Devices(cpuIDs(world)...).Config(cfg).Done()
	require.NoError(t, err)
	t.Cleanup(func() { _ = wrapped.Close() })
	return wrapped
}

func paramsOf(m nn.Module) map[string]*nn.Param {
	out := make(map[string]*nn.Param)
	for path, p := range nn.IterParams(m) {
		out[path] = p
	}
	return out
}

func TestWrap(t *testing.T) {
	model := tokenModel()
	wrapped := wrap(t, model, 2)

	assert.Equal(t, parallel.StateWrapped, wrapped.State())
	assert.NoError(t, wrapped.Err())
	assert.Equal(t, 2, wrapped.Plan().WorldSize())
	assert.Equal(t, 0, wrapped.Plan().OutputRank())
	assert.Equal(t, 96+128+16+128+8+8+8, wrapped.NumParams())
	assert.EqualValues(t, wrapped.NumParams()*4, wrapped.FullMemory())
	assert.Contains(t, wrapped.String(), "wrapped")
}

func TestForwardParity(t *testing.T) {
	for _, world := range []int{1, 2, 4} {
		for _, cfgName := range []string{"auto", "mixed"} {
			t.Run(fmt.Sprintf("world=%d/%s", world, cfgName), func(t *testing.T) {
				model := tokenModel()
				ref := model.Clone()
				builder := parallel.New(model).Devices(cpuIDs(world)...)
				if cfgName == "mixed" {
					builder.Config(mixedConfig())
				}
				wrapped, err := builder.Done()
				require.NoError(t, err)
				t.Cleanup(func() { _ = wrapped.Close() })

				x := tokenInput()
				want, err := ref.Forward(x)
				require.NoError(t, err)
				got, err := wrapped.Forward(context.Background(), x)
				require.NoError(t, err)
				assert.True(t, want.InDelta(got, 1e-5), "wrapped forward diverged from the dense model")

				// A second pass must compute the same thing.
				again, err := wrapped.Forward(context.Background(), x)
				require.NoError(t, err)
				assert.True(t, want.InDelta(again, 1e-5))
			})
		}
	}
}

func TestBackwardParity(t *testing.T) {
	for _, world := range []int{1, 2, 4} {
		t.Run(fmt.Sprintf("world=%d", world), func(t *testing.T) {
			model := tokenModel()
			ref := model.Clone()
			wrapped := wrapWithConfig(t, model, world, mixedConfig())

			x, dy := tokenInput(), tokenOutputGrad()
			refY, err := ref.Forward(x)
			require.NoError(t, err)
			refDx, err := ref.Backward(dy)
			require.NoError(t, err)
			require.Nil(t, refDx, "integer indices carry no input gradient")

			y, err := wrapped.Forward(context.Background(), x)
			require.NoError(t, err)
			assert.True(t, refY.InDelta(y, 1e-5))
			dx, err := wrapped.BackwardFrom(context.Background(), dy)
			require.NoError(t, err)
			assert.Nil(t, dx)

			want := paramsOf(ref)
			seen := 0
			for path, p := range wrapped.Params() {
				seen++
				refP, ok := want[path]
				require.True(t, ok, "unexpected parameter %q", path)
				assert.True(t, refP.Value.Equal(p.Value), "%s: value changed during backward", path)
				require.NotNil(t, refP.Grad, "%s: dense model has no gradient", path)
				require.NotNil(t, p.Grad, "%s: wrapped model has no gradient", path)
				assert.True(t, refP.Grad.InDelta(p.Grad, 1e-5), "%s: gradient diverged", path)
			}
			assert.Equal(t, len(want), seen)
		})
	}
}

func TestBackwardSeedsOnes(t *testing.T) {
	model := tokenModel()
	ref := model.Clone()
	wrapped := wrap(t, model, 2)

	x := tokenInput()
	refY, err := ref.Forward(x)
	require.NoError(t, err)
	_, err = ref.Backward(tensors.Ones(refY.Shape()))
	require.NoError(t, err)

	_, err = wrapped.Forward(context.Background(), x)
	require.NoError(t, err)
	require.NoError(t, wrapped.Backward(context.Background()))

	want := paramsOf(ref)
	for path, p := range wrapped.Params() {
		require.NotNil(t, p.Grad, path)
		assert.True(t, want[path].Grad.InDelta(p.Grad, 1e-5), "%s: gradient diverged", path)
	}
}

func TestInputGradientParity(t *testing.T) {
	model := nn.NewSequential(
		nn.NewLinear(dtypes.Float32, 8, 16, true),
		nn.NewReLU(),
		nn.NewLinear(dtypes.Float32, 16, 8, true),
	)
	fillParams(model)
	ref := model.Clone()
	cfg := slicing.NewConfig(
		slicing.ColumnParallel("^/0/weights$"),
		slicing.RowParallel("^/2/weights$"),
	)
	wrapped := wrapWithConfig(t, model, 2, cfg)

	xFlat := make([]float32, 4*8)
	for i := range xFlat {
		xFlat[i] = float32(math.Sin(0.4 * float64(i)))
	}
	x := tensors.FromFlatDataAndDimensions(xFlat, 4, 8)
	dyFlat := make([]float32, 4*8)
	for i := range dyFlat {
		dyFlat[i] = float32(math.Cos(0.2 * float64(i)))
	}
	dy := tensors.FromFlatDataAndDimensions(dyFlat, 4, 8)

	refY, err := ref.Forward(x)
	require.NoError(t, err)
	refDx, err := ref.Backward(dy)
	require.NoError(t, err)
	require.NotNil(t, refDx)

	y, err := wrapped.Forward(context.Background(), x)
	require.NoError(t, err)
	assert.True(t, refY.InDelta(y, 1e-5))
	dx, err := wrapped.BackwardFrom(context.Background(), dy)
	require.NoError(t, err)
	require.NotNil(t, dx)
	assert.True(t, refDx.InDelta(dx, 1e-5), "input gradient diverged")
}

func TestWrapUnwrapExact(t *testing.T) {
	check := func(t *testing.T, wrapped *parallel.Model, ref nn.Module) {
		t.Helper()
		gathered, err := wrapped.Gather()
		require.NoError(t, err)
		want := paramsOf(ref)
		got := paramsOf(gathered)
		require.Equal(t, len(want), len(got))
		for path, refP := range want {
			p, ok := got[path]
			require.True(t, ok, "missing parameter %q", path)
			assert.True(t, refP.Value.Equal(p.Value), "%s: unwrap is not exact", path)
			assert.Nil(t, p.Grad, path)
			assert.Equal(t, refP.Trainable, p.Trainable, path)
		}
		// The wrapped model stays usable after a gather.
		_, err = wrapped.Forward(context.Background(), tokenInput())
		require.NoError(t, err)
	}

	t.Run("auto/world=2", func(t *testing.T) {
		model := tokenModel()
		ref := model.Clone()
		wrapped := wrap(t, model, 2)
		gathered, err := wrapped.Gather()
		require.NoError(t, err)
		seq, ok := gathered.(*nn.Sequential)
		require.True(t, ok, "gathered a %T, want the original structure", gathered)
		assert.Equal(t, 5, seq.Len())
		check(t, wrapped, ref)
	})
	t.Run("mixed/world=4", func(t *testing.T) {
		model := tokenModel()
		ref := model.Clone()
		check(t, wrapWithConfig(t, model, 4, mixedConfig()), ref)
	})
	t.Run("zero3/world=2", func(t *testing.T) {
		model := tokenModel()
		ref := model.Clone()
		wrapped, err := parallel.New(model).
			Devices(cpuIDs(2)...).
			Config(slicing.NewConfig()).
			Sharded(true).
			Done()
		require.NoError(t, err)
		t.Cleanup(func() { _ = wrapped.Close() })
		check(t, wrapped, ref)
	})
}

func TestParams(t *testing.T) {
	model := tokenModel()
	ref := model.Clone()
	wrapped := wrap(t, model, 2)

	want := paramsOf(ref)
	wantOrder := []string{
		"/0/embeddings",
		"/1/weights", "/1/biases",
		"/3/weights", "/3/biases",
		"/4/scale", "/4/offset",
	}
	var gotOrder []string
	for path, p := range wrapped.Params() {
		gotOrder = append(gotOrder, path)
		require.NotNil(t, p.Value, path)
		assert.True(t, want[path].Value.Equal(p.Value), "%s: gathered value differs", path)
		assert.Nil(t, p.Grad, "%s: no backward ran yet", path)
	}
	assert.Equal(t, wantOrder, gotOrder)

	// Breaking out of the iteration early is fine.
	n := 0
	for range wrapped.Params() {
		n++
		break
	}
	assert.Equal(t, 1, n)
}

func TestParam(t *testing.T) {
	model := tokenModel()
	ref := model.Clone()
	wrapped := wrap(t, model, 2)

	p, err := wrapped.Param("/1/weights")
	require.NoError(t, err)
	assert.Equal(t, "weights", p.Name)
	assert.True(t, p.Trainable)
	assert.Nil(t, p.Grad)
	want := paramsOf(ref)["/1/weights"]
	assert.True(t, want.Value.Equal(p.Value))

	// The snapshot belongs to the caller: mutating it must not reach the
	// wrapped model.
	tensors.MutableFlatData(p.Value, func(flat []float32) { flat[0] += 100 })
	again, err := wrapped.Param("/1/weights")
	require.NoError(t, err)
	assert.True(t, want.Value.Equal(again.Value))

	_, err = wrapped.Param("/1/nope")
	require.Error(t, err)
	assert.True(t, tperr.IsKind(err, tperr.Config), "got %v", err)
	assert.Contains(t, err.Error(), "no parameter")
}

func TestUpdateParamStep(t *testing.T) {
	model := tokenModel()
	wrapped := wrap(t, model, 2)

	_, err := wrapped.Forward(context.Background(), tokenInput())
	require.NoError(t, err)
	_, err = wrapped.BackwardFrom(context.Background(), tokenOutputGrad())
	require.NoError(t, err)

	const path = "/1/weights"
	before, err := wrapped.Param(path)
	require.NoError(t, err)
	require.NotNil(t, before.Grad)

	want := before.Value.Clone()
	tensors.ConstFlatData(before.Grad, func(g []float32) {
		tensors.MutableFlatData(want, func(v []float32) {
			for i := range v {
				v[i] -= 0.1 * g[i]
			}
		})
	})

	var calls atomic.Int32
	err = wrapped.UpdateParam(path, func(value, grad *tensors.Tensor) error {
		calls.Add(1)
		if grad == nil {
			return fmt.Errorf("expected a gradient for %s", path)
		}
		tensors.ConstFlatData(grad, func(g []float32) {
			tensors.MutableFlatData(value, func(v []float32) {
				for i := range v {
					v[i] -= 0.1 * g[i]
				}
			})
		})
		return nil
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load(), "the callback runs once per rank")

	after, err := wrapped.Param(path)
	require.NoError(t, err)
	assert.True(t, want.Equal(after.Value), "the update did not re-shard")
}

func TestUpdateParamBeforeBackward(t *testing.T) {
	model := tokenModel()
	ref := model.Clone()
	wrapped := wrap(t, model, 2)

	var sawGrad atomic.Bool
	require.NoError(t, wrapped.UpdateParam("/4/scale", func(value, grad *tensors.Tensor) error {
		if grad != nil {
			sawGrad.Store(true)
		}
		tensors.MutableFlatData(value, func(flat []float32) {
			for i := range flat {
				flat[i] *= 2
			}
		})
		return nil
	}))
	assert.False(t, sawGrad.Load(), "no backward ran, the gradient must be nil")

	// The doubled scale reaches the computation.
	refScale := paramsOf(ref)["/4/scale"]
	tensors.MutableFlatData(refScale.Value, func(flat []float32) {
		for i := range flat {
			flat[i] *= 2
		}
	})
	x := tokenInput()
	want, err := ref.Forward(x)
	require.NoError(t, err)
	got, err := wrapped.Forward(context.Background(), x)
	require.NoError(t, err)
	assert.True(t, want.InDelta(got, 1e-5))

	err = wrapped.UpdateParam("/4/nope", func(value, grad *tensors.Tensor) error { return nil })
	require.Error(t, err)
	assert.True(t, tperr.IsKind(err, tperr.Config))
}

func TestUpdateParamShapeChangeRejected(t *testing.T) {
	model := tokenModel()
	wrapped := wrap(t, model, 2)

	err := wrapped.UpdateParam("/1/biases", func(value, grad *tensors.Tensor) error {
		*value = *tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2)
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "changed the shape")
	// The callback ran inside the collective run, so the failure is
	// all-or-nothing like any other run failure.
	assert.True(t, tperr.IsKind(err, tperr.Collective), "got %v", err)
	assert.Equal(t, parallel.StateFailed, wrapped.State())
}

func TestZeroGrads(t *testing.T) {
	model := tokenModel()
	wrapped := wrap(t, model, 2)

	x, dy := tokenInput(), tokenOutputGrad()
	_, err := wrapped.Forward(context.Background(), x)
	require.NoError(t, err)
	_, err = wrapped.BackwardFrom(context.Background(), dy)
	require.NoError(t, err)

	p, err := wrapped.Param("/1/weights")
	require.NoError(t, err)
	require.NotNil(t, p.Grad)

	require.NoError(t, wrapped.ZeroGrads())
	for path, p := range wrapped.Params() {
		assert.Nil(t, p.Grad, path)
	}

	// Training continues after a reset.
	_, err = wrapped.Forward(context.Background(), x)
	require.NoError(t, err)
	_, err = wrapped.BackwardFrom(context.Background(), dy)
	require.NoError(t, err)
	p, err = wrapped.Param("/1/weights")
	require.NoError(t, err)
	assert.NotNil(t, p.Grad)
}

func TestFailedRun(t *testing.T) {
	model := tokenModel()
	wrapped := wrap(t, model, 2)

	// A float input into an integer embedding fails on every device; the run
	// aborts collectively and the devices are no longer in lockstep.
	bad := tensors.FromFlatDataAndDimensions(make([]float32, 6), 2, 3)
	_, err := wrapped.Forward(context.Background(), bad)
	require.Error(t, err)
	assert.True(t, tperr.IsKind(err, tperr.Collective), "got %v", err)
	assert.Equal(t, parallel.StateFailed, wrapped.State())
	require.Error(t, wrapped.Err())

	// Everything but Close is refused from here on.
	_, err = wrapped.Forward(context.Background(), tokenInput())
	require.Error(t, err)
	assert.True(t, tperr.IsKind(err, tperr.Lifecycle), "got %v", err)
	assert.Contains(t, err.Error(), "failed model")
	_, err = wrapped.Gather()
	assert.True(t, tperr.IsKind(err, tperr.Lifecycle))

	require.NoError(t, wrapped.Close())
	assert.Equal(t, parallel.StateDestroyed, wrapped.State())
}

func TestBackwardWithoutForward(t *testing.T) {
	model := tokenModel()
	wrapped := wrap(t, model, 2)

	err := wrapped.Backward(context.Background())
	require.Error(t, err)
	assert.True(t, tperr.IsKind(err, tperr.Lifecycle), "got %v", err)
	assert.Contains(t, err.Error(), "without a recorded Forward")
	// The misuse was caught before any device ran: the model is still live.
	assert.Equal(t, parallel.StateWrapped, wrapped.State())

	_, err = wrapped.Forward(context.Background(), tokenInput())
	require.NoError(t, err)
	require.NoError(t, wrapped.Backward(context.Background()))
}

func TestNilInputs(t *testing.T) {
	model := tokenModel()
	wrapped := wrap(t, model, 2)

	_, err := wrapped.Forward(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, tperr.IsKind(err, tperr.Shape), "got %v", err)
	_, err = wrapped.BackwardFrom(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, tperr.IsKind(err, tperr.Shape), "got %v", err)
	assert.Equal(t, parallel.StateWrapped, wrapped.State())
}

func TestClose(t *testing.T) {
	model := tokenModel()
	wrapped := wrap(t, model, 2)

	require.NoError(t, wrapped.Close())
	require.NoError(t, wrapped.Close(), "Close is idempotent")
	assert.Equal(t, parallel.StateDestroyed, wrapped.State())

	_, err := wrapped.Forward(context.Background(), tokenInput())
	require.Error(t, err)
	assert.True(t, tperr.IsKind(err, tperr.Lifecycle), "got %v", err)
	assert.Contains(t, err.Error(), "destroyed")
	_, err = wrapped.Param("/1/weights")
	assert.True(t, tperr.IsKind(err, tperr.Lifecycle))
	assert.True(t, tperr.IsKind(wrapped.ZeroGrads(), tperr.Lifecycle))
	_, err = wrapped.Gather()
	assert.True(t, tperr.IsKind(err, tperr.Lifecycle))
	err = wrapped.UpdateParam("/1/weights", func(value, grad *tensors.Tensor) error { return nil })
	assert.True(t, tperr.IsKind(err, tperr.Lifecycle))
}

func TestShardedAtRestMemory(t *testing.T) {
	// One million parameters flat-sharded across two devices: each device
	// stores half the dense bytes between runs.
	model := nn.NewSequential(nn.NewLinear(dtypes.Float32, 1000, 1000, false))
	ref := model.Clone()
	wrapped, err := parallel.New(model).
		Devices(cpuIDs(2)...).
		Config(slicing.NewConfig()).
		Sharded(true).
		Done()
	require.NoError(t, err)
	t.Cleanup(func() { _ = wrapped.Close() })

	assert.Equal(t, 1_000_000, wrapped.NumParams())
	full := wrapped.FullMemory()
	assert.EqualValues(t, 4_000_000, full)
	for rank := range 2 {
		assert.EqualValues(t, full/2, wrapped.AtRestMemory(rank), "rank %d", rank)
	}

	// The sharded model still computes the dense function.
	xFlat := make([]float32, 2*1000)
	for i := range xFlat {
		xFlat[i] = float32(math.Sin(0.01 * float64(i)))
	}
	x := tensors.FromFlatDataAndDimensions(xFlat, 2, 1000)
	want, err := ref.Forward(x)
	require.NoError(t, err)
	got, err := wrapped.Forward(context.Background(), x)
	require.NoError(t, err)
	assert.True(t, want.InDelta(got, 1e-5))
}

func TestAtRestMemoryPerKind(t *testing.T) {
	model := tokenModel()
	wrapped := wrapWithConfig(t, model, 2, mixedConfig())

	full := wrapped.FullMemory()
	assert.EqualValues(t, 392*4, full)
	// Per rank: half of the embedding (48), half of each linear weight
	// (64+64), half of the column bias (8), the replicated norm (16), and the
	// row-parallel bias (8) on rank 0 only.
	assert.EqualValues(t, (48+64+8+64+8+16)*4, wrapped.AtRestMemory(0))
	assert.EqualValues(t, (48+64+8+64+16)*4, wrapped.AtRestMemory(1))
}

func TestOutputDevice(t *testing.T) {
	model := tokenModel()
	ref := model.Clone()
	wrapped, err := parallel.New(model).
		Devices(cpuIDs(2)...).
		OutputDevice(devices.MakeID("cpu", 1)).
		Done()
	require.NoError(t, err)
	t.Cleanup(func() { _ = wrapped.Close() })
	assert.Equal(t, 1, wrapped.Plan().OutputRank())

	x := tokenInput()
	want, err := ref.Forward(x)
	require.NoError(t, err)
	got, err := wrapped.Forward(context.Background(), x)
	require.NoError(t, err)
	assert.True(t, want.InDelta(got, 1e-5))
}

func TestBuilderValidation(t *testing.T) {
	_, err := parallel.New(nil).Done()
	require.Error(t, err)
	assert.True(t, tperr.IsKind(err, tperr.Config))

	_, err = parallel.New(tokenModel()).
		Devices(devices.MakeID("cpu", 0), devices.MakeID("cpu", 0)).
		Done()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "appears twice")

	plan, err := devices.NewPlan(cpuIDs(2)...)
	require.NoError(t, err)
	_, err = parallel.New(tokenModel()).Plan(plan).Devices(cpuIDs(2)...).Done()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")

	_, err = parallel.New(tokenModel()).OutputDevice(devices.MakeID("cpu", 0)).Done()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OutputDevice needs Devices")

	_, err = parallel.New(tokenModel()).
		Devices(cpuIDs(2)...).
		Config(slicing.NewConfig(slicing.Replicated("["))).
		Done()
	require.Error(t, err)
	assert.True(t, tperr.IsKind(err, tperr.Config))
	assert.Contains(t, err.Error(), "invalid pattern")

	_, err = parallel.New(tokenModel()).Devices(cpuIDs(2)...).Backend("warp").Done()
	require.Error(t, err)
	assert.True(t, tperr.IsKind(err, tperr.Config))
	assert.Contains(t, err.Error(), `can't find backend "warp"`)
}

func TestConcurrentForward(t *testing.T) {
	model := tokenModel()
	ref := model.Clone()
	wrapped := wrap(t, model, 2)

	x := tokenInput()
	want, err := ref.Forward(x)
	require.NoError(t, err)

	const callers = 4
	var wg sync.WaitGroup
	outs := make([]*tensors.Tensor, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outs[i], errs[i] = wrapped.Forward(context.Background(), x)
		}()
	}
	wg.Wait()
	for i := range callers {
		require.NoError(t, errs[i])
		assert.True(t, want.InDelta(outs[i], 1e-5), "caller %d", i)
	}
}

func TestMultiProcessConfigRejections(t *testing.T) {
	// All the rejections happen before any process group is contacted, so no
	// launcher environment is needed.
	model := tokenModel()

	_, err := parallel.New(model).Devices(cpuIDs(2)...).Backend("procgroup").Sharded(true).Done()
	require.Error(t, err)
	assert.True(t, tperr.IsKind(err, tperr.Config), "got %v", err)
	assert.Contains(t, err.Error(), "cannot host ZeRO-3")

	_, err = parallel.New(model).Devices(cpuIDs(2)...).Backend("procgroup").ShardParams("^/1/weights$").Done()
	require.Error(t, err)
	assert.True(t, tperr.IsKind(err, tperr.Config))
	assert.Contains(t, err.Error(), "ShardParams needs the threaded backend")

	cfg := slicing.NewConfig().WithDefault(slicing.DefaultShard)
	_, err = parallel.New(model).Devices(cpuIDs(2)...).Backend("procgroup").Config(cfg).Done()
	require.Error(t, err)
	assert.True(t, tperr.IsKind(err, tperr.Config))
	assert.Contains(t, err.Error(), "set the default policy to replicate")

	custom := slicing.NewConfig(slicing.CustomRule("^/4/scale$", splitVector, concatVector))
	_, err = parallel.New(model).Devices(cpuIDs(2)...).Backend("procgroup").Config(custom).Done()
	require.Error(t, err)
	assert.True(t, tperr.IsKind(err, tperr.Config))
	assert.Contains(t, err.Error(), "needs the threaded backend")
}

func TestProcgroupSingleRank(t *testing.T) {
	t.Setenv(procgroup.EnvRank, "0")
	t.Setenv(procgroup.EnvWorldSize, "1")
	t.Setenv(procgroup.EnvMasterAddr, "127.0.0.1")
	t.Setenv(procgroup.EnvMasterPort, "29531")

	model := tokenModel()
	ref := model.Clone()
	wrapped, err := parallel.New(model).Devices(cpuIDs(1)...).Backend("procgroup").Done()
	require.NoError(t, err)
	t.Cleanup(func() { _ = wrapped.Close() })
	assert.False(t, wrapped.Backend().InProcess())

	x := tokenInput()
	want, err := ref.Forward(x)
	require.NoError(t, err)
	got, err := wrapped.Forward(context.Background(), x)
	require.NoError(t, err)
	assert.True(t, want.InDelta(got, 1e-5))

	p, err := wrapped.Param("/1/weights")
	require.NoError(t, err)
	assert.True(t, paramsOf(ref)["/1/weights"].Value.Equal(p.Value))

	require.NoError(t, wrapped.Close())
}
