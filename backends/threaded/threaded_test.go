package threaded_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/tensorparallel/backends"
	"github.com/gomlx/tensorparallel/backends/threaded"
	"github.com/gomlx/tensorparallel/devices"
	"github.com/gomlx/tensorparallel/tperr"
	"github.com/gomlx/tensorparallel/types/tensors"
)

func newPlan(t *testing.T, world int) *devices.Plan {
	ids := make([]devices.ID, world)
	for i := range ids {
		ids[i] = devices.MakeID("cpu", i)
	}
	plan, err := devices.NewPlan(ids...)
	require.NoError(t, err)
	return plan
}

func newBackend(t *testing.T, world int) *threaded.Backend {
	b, err := threaded.New(newPlan(t, world), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Shutdown() })
	return b
}

// runAll wraps RunOnAll with a background context and per-rank single inputs.
func runAll(b *threaded.Backend, inputs []*tensors.Tensor, task backends.Task) ([][]*tensors.Tensor, error) {
	perDevice := make([][]*tensors.Tensor, len(inputs))
	for rank, x := range inputs {
		if x != nil {
			perDevice[rank] = []*tensors.Tensor{x}
		}
	}
	return b.RunOnAll(context.Background(), perDevice, task)
}

func TestAllReduce(t *testing.T) {
	for _, world := range []int{1, 2, 3} {
		for _, reduceOp := range []backends.ReduceOpType{backends.ReduceOpSum, backends.ReduceOpMax} {
			t.Run(fmt.Sprintf("world=%d/%s", world, reduceOp), func(t *testing.T) {
				b := newBackend(t, world)
				inputs := make([]*tensors.Tensor, world)
				wantFlat := make([]float32, 2)
				for rank := range world {
					contrib := []float32{float32(rank + 1), float32((rank + 1) * 10)}
					inputs[rank] = tensors.FromFlatDataAndDimensions(contrib, 2)
					for i, v := range contrib {
						if reduceOp == backends.ReduceOpSum {
							wantFlat[i] += v
						} else {
							wantFlat[i] = max(wantFlat[i], v)
						}
					}
				}
				want := tensors.FromFlatDataAndDimensions(wantFlat, 2)

				results, err := runAll(b, inputs, func(_ context.Context, w *backends.Worker, taskInputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
					out, err := w.AllReduce(taskInputs[0], reduceOp)
					if err != nil {
						return nil, err
					}
					return []*tensors.Tensor{out}, nil
				})
				require.NoError(t, err)
				require.Len(t, results, world)
				for rank, outputs := range results {
					require.Len(t, outputs, 1)
					assert.True(t, want.Equal(outputs[0]), "rank %d got %s, want %s", rank, outputs[0], want)
				}
			})
		}
	}
}

func TestAllGather(t *testing.T) {
	testCases := []struct {
		axis int
		want *tensors.Tensor
	}{
		{axis: 0, want: tensors.FromValue([][]float32{{0, 1}, {10, 11}, {20, 21}})},
		{axis: 1, want: tensors.FromValue([][]float32{{0, 1, 10, 11, 20, 21}})},
	}
	for _, tc := range testCases {
		t.Run(fmt.Sprintf("axis=%d", tc.axis), func(t *testing.T) {
			world := 3
			b := newBackend(t, world)
			inputs := make([]*tensors.Tensor, world)
			for rank := range world {
				inputs[rank] = tensors.FromValue([][]float32{{float32(10 * rank), float32(10*rank + 1)}})
			}
			results, err := runAll(b, inputs, func(_ context.Context, w *backends.Worker, taskInputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
				out, err := w.AllGather(taskInputs[0], tc.axis)
				if err != nil {
					return nil, err
				}
				return []*tensors.Tensor{out}, nil
			})
			require.NoError(t, err)
			for rank, outputs := range results {
				assert.True(t, tc.want.Equal(outputs[0]), "rank %d got %s", rank, outputs[0])
			}
			// Each rank owns its result: they must not alias each other.
			assert.NotSame(t, results[0][0], results[1][0])
			assert.NotSame(t, results[1][0], results[2][0])
		})
	}
}

func TestBroadcast(t *testing.T) {
	world := 3
	root := 1
	b := newBackend(t, world)
	rootValue := tensors.FromValue([]float64{3, 5, 7})
	inputs := make([]*tensors.Tensor, world)
	inputs[root] = rootValue

	results, err := runAll(b, inputs, func(_ context.Context, w *backends.Worker, taskInputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
		var x *tensors.Tensor
		if w.Rank() == root {
			x = taskInputs[0]
		}
		out, err := w.Broadcast(x, root)
		if err != nil {
			return nil, err
		}
		return []*tensors.Tensor{out}, nil
	})
	require.NoError(t, err)
	for rank, outputs := range results {
		assert.True(t, rootValue.Equal(outputs[0]), "rank %d got %s", rank, outputs[0])
		assert.NotSame(t, rootValue, outputs[0], "rank %d shares the root's tensor", rank)
	}
}

func TestCollectiveSequence(t *testing.T) {
	// Several collectives back-to-back within one run: the rendezvous must
	// reset cleanly between rounds.
	world := 2
	b := newBackend(t, world)
	inputs := []*tensors.Tensor{
		tensors.FromValue([]float32{1, 2}),
		tensors.FromValue([]float32{3, 4}),
	}
	wantSum := tensors.FromValue([]float32{4, 6})
	wantGathered := tensors.FromValue([]float32{4, 6, 4, 6})

	results, err := runAll(b, inputs, func(_ context.Context, w *backends.Worker, taskInputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
		summed, err := w.AllReduce(taskInputs[0], backends.ReduceOpSum)
		if err != nil {
			return nil, err
		}
		gathered, err := w.AllGather(summed, 0)
		if err != nil {
			return nil, err
		}
		if err := w.Barrier(); err != nil {
			return nil, err
		}
		return []*tensors.Tensor{summed, gathered}, nil
	})
	require.NoError(t, err)
	for rank, outputs := range results {
		require.Len(t, outputs, 2)
		assert.True(t, wantSum.Equal(outputs[0]), "rank %d sum: %s", rank, outputs[0])
		assert.True(t, wantGathered.Equal(outputs[1]), "rank %d gathered: %s", rank, outputs[1])
	}

	// A second run on the same backend must work as well.
	results, err = runAll(b, inputs, func(_ context.Context, w *backends.Worker, taskInputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
		out, err := w.AllReduce(taskInputs[0], backends.ReduceOpSum)
		return []*tensors.Tensor{out}, err
	})
	require.NoError(t, err)
	assert.True(t, wantSum.Equal(results[0][0]))
	assert.True(t, wantSum.Equal(results[1][0]))
}

func TestWorkerIdentity(t *testing.T) {
	world := 3
	b := newBackend(t, world)
	plan := b.Plan()
	results, err := b.RunOnAll(context.Background(), make([][]*tensors.Tensor, world),
		func(_ context.Context, w *backends.Worker, _ []*tensors.Tensor) ([]*tensors.Tensor, error) {
			if w.WorldSize() != world {
				return nil, fmt.Errorf("world size %d, want %d", w.WorldSize(), world)
			}
			if w.Device() != plan.Device(w.Rank()) {
				return nil, fmt.Errorf("device %s does not match rank %d", w.Device(), w.Rank())
			}
			if w.IsOutput() != (w.Rank() == plan.OutputRank()) {
				return nil, fmt.Errorf("rank %d has wrong output flag", w.Rank())
			}
			return []*tensors.Tensor{tensors.FromFlatDataAndDimensions([]int32{int32(w.Rank())}, 1)}, nil
		})
	require.NoError(t, err)
	for rank, outputs := range results {
		want := tensors.FromFlatDataAndDimensions([]int32{int32(rank)}, 1)
		assert.True(t, want.Equal(outputs[0]), "results out of rank order: %s at %d", outputs[0], rank)
	}
}

func TestTaskErrorAbortsAll(t *testing.T) {
	world := 2
	b := newBackend(t, world)

	_, err := runAll(b, make([]*tensors.Tensor, world),
		func(_ context.Context, w *backends.Worker, _ []*tensors.Tensor) ([]*tensors.Tensor, error) {
			if w.Rank() == 1 {
				return nil, fmt.Errorf("boom")
			}
			// Rank 0 blocks in a collective rank 1 will never join.
			return nil, w.Barrier()
		})
	require.Error(t, err)
	assert.True(t, tperr.IsKind(err, tperr.Collective), "got %v", err)
	assert.Contains(t, err.Error(), "boom")

	// The failure is sticky: the backend refuses further runs.
	_, err = runAll(b, make([]*tensors.Tensor, world),
		func(_ context.Context, _ *backends.Worker, _ []*tensors.Tensor) ([]*tensors.Tensor, error) {
			return nil, nil
		})
	require.Error(t, err)
	assert.True(t, tperr.IsKind(err, tperr.Lifecycle), "got %v", err)
}

func TestTaskPanicAbortsAll(t *testing.T) {
	world := 2
	b := newBackend(t, world)
	_, err := runAll(b, make([]*tensors.Tensor, world),
		func(_ context.Context, w *backends.Worker, _ []*tensors.Tensor) ([]*tensors.Tensor, error) {
			if w.Rank() == 0 {
				panic(fmt.Errorf("kernel exploded"))
			}
			return nil, w.Barrier()
		})
	require.Error(t, err)
	assert.True(t, tperr.IsKind(err, tperr.Collective), "got %v", err)
	assert.Contains(t, err.Error(), "kernel exploded")
}

func TestContextTimeoutAbortsCollectives(t *testing.T) {
	world := 2
	b := newBackend(t, world)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := b.RunOnAll(ctx, make([][]*tensors.Tensor, world),
		func(ctx context.Context, w *backends.Worker, _ []*tensors.Tensor) ([]*tensors.Tensor, error) {
			if w.Rank() == 0 {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			// Blocks until the expired context aborts the run.
			return nil, w.Barrier()
		})
	require.Error(t, err)
	assert.True(t, tperr.IsKind(err, tperr.Collective), "got %v", err)
}

func TestCollectiveDivergence(t *testing.T) {
	world := 2
	b := newBackend(t, world)
	inputs := []*tensors.Tensor{
		tensors.FromValue([]float32{1}),
		tensors.FromValue([]float32{2}),
	}
	_, err := runAll(b, inputs,
		func(_ context.Context, w *backends.Worker, taskInputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
			reduceOp := backends.ReduceOpSum
			if w.Rank() == 1 {
				reduceOp = backends.ReduceOpMax
			}
			out, err := w.AllReduce(taskInputs[0], reduceOp)
			return []*tensors.Tensor{out}, err
		})
	require.Error(t, err)
	assert.True(t, tperr.IsKind(err, tperr.Collective), "got %v", err)
	assert.Contains(t, err.Error(), "divergence")
}

func TestRunOnAllValidatesInputs(t *testing.T) {
	b := newBackend(t, 2)
	_, err := b.RunOnAll(context.Background(), make([][]*tensors.Tensor, 3),
		func(_ context.Context, _ *backends.Worker, _ []*tensors.Tensor) ([]*tensors.Tensor, error) {
			return nil, nil
		})
	require.Error(t, err)
	assert.True(t, tperr.IsKind(err, tperr.Config), "got %v", err)
}

func TestShutdown(t *testing.T) {
	b := newBackend(t, 2)
	require.NoError(t, b.Shutdown())
	require.NoError(t, b.Shutdown(), "Shutdown must be idempotent")

	_, err := runAll(b, make([]*tensors.Tensor, 2),
		func(_ context.Context, _ *backends.Worker, _ []*tensors.Tensor) ([]*tensors.Tensor, error) {
			return nil, nil
		})
	require.Error(t, err)
	assert.True(t, tperr.IsKind(err, tperr.Lifecycle), "got %v", err)
}

func TestRegistryConstruction(t *testing.T) {
	plan := newPlan(t, 2)
	b, err := backends.NewWithConfig(plan, threaded.BackendName)
	require.NoError(t, err)
	defer func() { _ = b.Shutdown() }()
	assert.Equal(t, threaded.BackendName, b.Name())
	assert.True(t, plan.Equal(b.Plan()))

	_, err = backends.NewWithConfig(plan, threaded.BackendName+":turbo=on")
	require.Error(t, err, "threaded takes no options")
	assert.True(t, tperr.IsKind(err, tperr.Config), "got %v", err)
}
