package parallel

import (
	"iter"

	"github.com/pkg/errors"

	"github.com/gomlx/tensorparallel/backends"
	"github.com/gomlx/tensorparallel/nn"
	"github.com/gomlx/tensorparallel/sharding"
	"github.com/gomlx/tensorparallel/slicing"
	"github.com/gomlx/tensorparallel/types/tensors"
)

// materializer reconstructs the full value of a parameter whose at-rest
// storage is sharded, for the duration of one forward or backward pass.
type materializer interface {
	// materialize returns the full parameter value and the release that gives
	// the storage back. release is idempotent and must be called on every
	// path once materialize succeeds.
	materialize(w *backends.Worker) (full *tensors.Tensor, release func(), err error)
}

// zero3Param materializes through the flat sharder: an all-gather of the
// per-rank chunks.
type zero3Param struct {
	sp *sharding.Parameter
}

func (z zero3Param) materialize(w *backends.Worker) (*tensors.Tensor, func(), error) {
	return z.sp.Acquire(w)
}

// customParam materializes by running the user combiner over the stored
// shards. The shard slice is shared by all ranks of the in-process backend;
// access is serialized by the engine's one-run-at-a-time discipline.
type customParam struct {
	path     string
	shards   []*tensors.Tensor
	splitter slicing.Splitter
	combiner slicing.Combiner
}

func (c *customParam) materialize(_ *backends.Worker) (*tensors.Tensor, func(), error) {
	full, err := c.combiner(c.shards)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "combining custom shards of %q", c.path)
	}
	released := false
	release := func() {
		if released {
			return
		}
		released = true
		full.Finalize()
	}
	return full, release, nil
}

// managedParam binds one parameter of a wrapped module to the materializer
// holding its at-rest storage. The parameter's Value is nil at rest.
type managedParam struct {
	param *nn.Param
	mat   materializer
}

// shardedModule wraps a module whose parameters are stored sharded: before
// each Forward or Backward it materializes the managed values, hands them to
// the inner module and releases them right after, so at most the module's own
// full parameters exist at a time beyond the at-rest shards.
type shardedModule struct {
	rt      *runtime
	inner   nn.Module
	managed []managedParam
}

var (
	_ nn.HasParams   = (*shardedModule)(nil)
	_ denseRebuilder = (*shardedModule)(nil)
)

// withMaterialized runs fn with every managed parameter's full value in
// place, restoring the at-rest state before returning.
func (s *shardedModule) withMaterialized(op string, fn func() error) error {
	w, err := s.rt.require(op)
	if err != nil {
		return err
	}
	var releases []func()
	defer func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}()
	for _, m := range s.managed {
		full, release, err := m.mat.materialize(w)
		if err != nil {
			return err
		}
		m.param.Value = full
		releases = append(releases, func() {
			m.param.Value = nil
			release()
		})
	}
	return fn()
}

// Forward implements nn.Module.
func (s *shardedModule) Forward(x *tensors.Tensor) (y *tensors.Tensor, err error) {
	err = s.withMaterialized("Forward", func() error {
		var ferr error
		y, ferr = s.inner.Forward(x)
		return ferr
	})
	return y, err
}

// Backward implements nn.Module. The parameter gradients accumulate dense on
// every rank; only the values are stored sharded.
func (s *shardedModule) Backward(outputGrad *tensors.Tensor) (dx *tensors.Tensor, err error) {
	err = s.withMaterialized("Backward", func() error {
		var berr error
		dx, berr = s.inner.Backward(outputGrad)
		return berr
	})
	return dx, err
}

// Clone implements nn.Module. The clone shares the at-rest shard storage;
// only the inner module's dense state is copied.
func (s *shardedModule) Clone() nn.Module {
	innerClone := s.inner.Clone()
	clone := &shardedModule{rt: s.rt, inner: innerClone, managed: make([]managedParam, len(s.managed))}
	slot := make(map[*nn.Param]int, len(s.managed))
	for i, m := range s.managed {
		slot[m.param] = i
	}
	origParams := collectParams(s.inner)
	cloneParams := collectParams(innerClone)
	for pos, p := range origParams {
		if i, ok := slot[p]; ok {
			clone.managed[i] = managedParam{param: cloneParams[pos], mat: s.managed[i].mat}
		}
	}
	return clone
}

// Params implements nn.HasParams, delegating to the inner module so parameter
// paths are unchanged by wrapping. Managed parameters have a nil Value.
func (s *shardedModule) Params() iter.Seq2[string, *nn.Param] {
	return s.inner.(nn.HasParams).Params()
}

func (s *shardedModule) rebuildDense(w *backends.Worker) (nn.Module, error) {
	var clone nn.Module
	err := s.withMaterialized("Gather", func() error {
		clone = s.inner.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return clone, nil
}

// collectParams flattens a module's own parameters in iteration order.
func collectParams(m nn.Module) []*nn.Param {
	owner, ok := m.(nn.HasParams)
	if !ok {
		return nil
	}
	var params []*nn.Param
	for _, p := range owner.Params() {
		params = append(params, p)
	}
	return params
}
