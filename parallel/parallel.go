// Package parallel wraps an nn model for tensor-parallel execution across a
// plan of devices.
//
// Wrapping rewrites the module tree: Linear and Embedding layers matched by a
// slicing rule are replaced by sharded equivalents that compute on a slice of
// the parameter and reassemble the full activation with collective
// operations, parameters no rule claims are either replicated or flat-sharded
// ZeRO-3 style. The wrapped model computes exactly what the original does,
// forward and backward:
//
//	model := nn.NewSequential(
//		nn.NewLinear(dtypes.Float32, 64, 256, true),
//		nn.NewReLU(),
//		nn.NewLinear(dtypes.Float32, 256, 64, true),
//	)
//	wrapped, err := parallel.Wrap(model, "cpu:0", "cpu:1")
//	if err != nil { ... }
//	defer wrapped.Close()
//	y, err := wrapped.Forward(ctx, x)
//
// Fine-grained control goes through the builder:
//
//	wrapped, err := parallel.New(model).
//		Devices("cpu:0", "cpu:1", "cpu:2", "cpu:3").
//		OutputDevice("cpu:0").
//		Config(cfg).
//		Backend("threaded").
//		Done()
//
// Execution is all-or-nothing: a failed or aborted run leaves the devices out
// of lockstep, the model moves to StateFailed and only Close remains. Wrap
// again to recover.
package parallel

import (
	"context"
	"fmt"
	"iter"
	"os"
	"regexp"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"

	"github.com/gomlx/tensorparallel/backends"
	"github.com/gomlx/tensorparallel/backends/procgroup"
	"github.com/gomlx/tensorparallel/backends/threaded"
	"github.com/gomlx/tensorparallel/devices"
	"github.com/gomlx/tensorparallel/nn"
	"github.com/gomlx/tensorparallel/slicing"
	"github.com/gomlx/tensorparallel/tperr"
	"github.com/gomlx/tensorparallel/types/shapes"
	"github.com/gomlx/tensorparallel/types/tensors"
)

func init() {
	// Make threaded the default backend selection; import order must not
	// decide.
	if backends.DefaultConfig == "" {
		backends.DefaultConfig = threaded.BackendName
	}
}

// State is the lifecycle state of a wrapped Model.
type State int32

const (
	// StateUninitialized is a Model still being built by Done.
	StateUninitialized State = iota

	// StateWrapped is the operating state: the model is distributed across
	// the backend's devices and accepts work.
	StateWrapped

	// StateShuttingDown is a Model inside Close.
	StateShuttingDown

	// StateDestroyed is a Model after Close: resources are released and every
	// operation returns a Lifecycle error.
	StateDestroyed

	// StateFailed is a Model whose run aborted: the devices are no longer in
	// lockstep, Err returns the cause and only Close remains usable.
	StateFailed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateWrapped:
		return "wrapped"
	case StateShuttingDown:
		return "shutting down"
	case StateDestroyed:
		return "destroyed"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("unknown state (%d)", int32(s))
}

// Builder configures the wrapping of a model. Create one with New, chain the
// setters and finish with Done.
type Builder struct {
	model nn.Module

	plan   *devices.Plan
	ids    []devices.ID
	output devices.ID

	cfg           *slicing.Config
	sharded       bool
	shardedSet    bool
	shardPatterns []string

	backendCfg string
}

// New starts wrapping model. Finish with Done.
func New(model nn.Module) *Builder { return &Builder{model: model} }

// Wrap wraps model across the given devices with the default configuration:
// AutoConfig slicing, ZeRO-3 fallback for unmatched parameters and the
// default backend. With no devices it wraps across devices.Default().
func Wrap(model nn.Module, ids ...devices.ID) (*Model, error) {
	return New(model).Devices(ids...).Done()
}

// Devices sets the devices to wrap across; the first is the output device
// unless OutputDevice overrides it. Defaults to devices.Default().
func (b *Builder) Devices(ids ...devices.ID) *Builder {
	b.ids = ids
	return b
}

// OutputDevice selects the device whose results the model returns to the
// caller. It must be one of the Devices.
func (b *Builder) OutputDevice(id devices.ID) *Builder {
	b.output = id
	return b
}

// Plan sets a prebuilt device plan. Mutually exclusive with Devices and
// OutputDevice.
func (b *Builder) Plan(plan *devices.Plan) *Builder {
	b.plan = plan
	return b
}

// Config sets the slicing config deciding how each parameter distributes.
// Defaults to AutoConfig of the model.
func (b *Builder) Config(cfg *slicing.Config) *Builder {
	b.cfg = cfg
	return b
}

// Sharded overrides the config's policy for parameters no rule matches: true
// flat-shards them ZeRO-3 style, false replicates them. The caller's config
// is not modified.
func (b *Builder) Sharded(sharded bool) *Builder {
	b.sharded = sharded
	b.shardedSet = true
	return b
}

// ShardParams names the parameters to flat-shard ZeRO-3 style: those whose
// path matches one of the regexp patterns. Unmatched parameters no slicing
// rule claims replicate instead of falling under the default policy. It
// implies Sharded(true) and needs a backend with all ranks in one process.
func (b *Builder) ShardParams(patterns ...string) *Builder {
	b.shardPatterns = append(b.shardPatterns, patterns...)
	return b
}

// Backend selects the execution backend in the backends.NewWithConfig
// "name:options" format. Defaults to the TP_BACKEND environment variable,
// then to the threaded backend.
func (b *Builder) Backend(config string) *Builder {
	b.backendCfg = config
	return b
}

// Done validates the configuration, rewrites the model and spins up the
// backend. On success the model is live on its devices; the Builder must not
// be reused.
func (b *Builder) Done() (*Model, error) {
	if b.model == nil {
		return nil, tperr.Configf("cannot wrap a nil model")
	}
	plan, err := b.resolvePlan()
	if err != nil {
		return nil, err
	}

	cfg := b.cfg
	auto := cfg == nil
	if auto {
		cfg = AutoConfig(b.model)
	}
	var shardOnly []*regexp.Regexp
	if len(b.shardPatterns) > 0 {
		if b.shardedSet && !b.sharded {
			return nil, tperr.Configf("ShardParams selects parameters for ZeRO-3 sharding but Sharded(false) disables it")
		}
		for _, pat := range b.shardPatterns {
			re, err := regexp.Compile(pat)
			if err != nil {
				return nil, tperr.Configf("ShardParams pattern %q is invalid: %v", pat, err)
			}
			shardOnly = append(shardOnly, re)
		}
		b.sharded = true
		b.shardedSet = true
	}
	if b.shardedSet {
		policy := slicing.DefaultReplicate
		if b.sharded {
			policy = slicing.DefaultShard
		}
		if !auto {
			// Leave the caller's config untouched.
			clone := *cfg
			clone.Rules = slices.Clone(cfg.Rules)
			cfg = &clone
		}
		cfg = cfg.WithDefault(policy)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Multi-process backends hold only the executing rank's state in each
	// process, so distribution schemes whose state lives outside the replica
	// trees cannot work there.
	if resolveBackendName(b.backendCfg) == procgroup.BackendName {
		if err := b.checkMultiProcess(cfg, auto); err != nil {
			return nil, err
		}
		if auto && cfg.Default == slicing.DefaultShard {
			cfg = cfg.WithDefault(slicing.DefaultReplicate)
		}
	}

	rw := newRewriter(plan, cfg, shardOnly)
	replicas, err := rw.build(b.model)
	if err != nil {
		return nil, err
	}

	var backend backends.Backend
	if b.backendCfg != "" {
		backend, err = backends.NewWithConfig(plan, b.backendCfg)
	} else {
		backend, err = backends.New(plan)
	}
	if err != nil {
		releaseReplicas(rw, replicas)
		return nil, err
	}
	if !backend.InProcess() && rw.usesSingleProcessState() {
		_ = backend.Shutdown()
		releaseReplicas(rw, replicas)
		return nil, tperr.Configf("backend %q is multi-process and cannot host ZeRO-3 or custom shards; "+
			"replicate those parameters or use the threaded backend", backend.Name())
	}

	m := &Model{
		plan:     plan,
		cfg:      cfg,
		backend:  backend,
		rw:       rw,
		replicas: replicas,
	}
	m.state.Store(int32(StateWrapped))
	klog.V(1).Infof("wrapped model: %d parameters, %s dense, across %d devices on %q; %s at rest on rank 0",
		len(rw.order), humanize.Bytes(uint64(m.FullMemory())), plan.WorldSize(), backend.Name(),
		humanize.Bytes(uint64(m.AtRestMemory(0))))
	return m, nil
}

func (b *Builder) resolvePlan() (*devices.Plan, error) {
	if b.plan != nil {
		if len(b.ids) > 0 || b.output != "" {
			return nil, tperr.Configf("Plan is mutually exclusive with Devices and OutputDevice")
		}
		return b.plan, nil
	}
	if len(b.ids) == 0 {
		if b.output != "" {
			return nil, tperr.Configf("OutputDevice needs Devices")
		}
		return devices.Default(), nil
	}
	if b.output != "" {
		return devices.NewPlanWithOutput(b.output, b.ids...)
	}
	return devices.NewPlan(b.ids...)
}

// checkMultiProcess rejects configurations that need single-process state
// when the selected backend runs one process per device.
func (b *Builder) checkMultiProcess(cfg *slicing.Config, auto bool) error {
	if len(b.shardPatterns) > 0 {
		return tperr.Configf("ShardParams needs the threaded backend: ZeRO-3 shards live in a single process")
	}
	if b.shardedSet && b.sharded {
		return tperr.Configf("the %s backend cannot host ZeRO-3 sharding: each process holds only its own rank's shards",
			procgroup.BackendName)
	}
	if !auto && cfg.Default == slicing.DefaultShard {
		return tperr.Configf("config defaults to ZeRO-3 sharding, which the %s backend cannot host; "+
			"set the default policy to replicate", procgroup.BackendName)
	}
	for _, r := range cfg.Rules {
		if r.Action == slicing.Custom {
			return tperr.Configf("rule %s needs the threaded backend: custom shards live in a single process", r)
		}
	}
	return nil
}

// resolveBackendName mirrors the selection order of backends.New without
// instantiating anything: explicit config, then TP_BACKEND, then the default.
func resolveBackendName(config string) string {
	if config == "" {
		if env, found := os.LookupEnv(backends.TP_BACKEND); found {
			config = env
		} else {
			config = backends.DefaultConfig
		}
	}
	name, _, _ := strings.Cut(config, ":")
	return name
}

// releaseReplicas frees the storage of replica trees that never made it into
// a live Model.
func releaseReplicas(rw *rewriter, replicas []*replica) {
	for _, rep := range replicas {
		finalizeModuleParams(rep.root)
	}
	rw.releaseShards()
}

// Model is a model wrapped for tensor-parallel execution. Create one with
// Wrap or with New...Done; release it with Close.
//
// Model is safe for concurrent use; runs are serialized internally.
type Model struct {
	plan     *devices.Plan
	cfg      *slicing.Config
	backend  backends.Backend
	rw       *rewriter
	replicas []*replica

	// mu serializes runs and lifecycle transitions. state is read lock-free;
	// failErr is written before state moves to StateFailed, so a reader that
	// observes StateFailed sees it.
	mu      sync.Mutex
	state   atomic.Int32
	failErr error
	lastOut shapes.Shape
}

// State returns the model's lifecycle state.
func (m *Model) State() State { return State(m.state.Load()) }

// Err returns the failure that moved the model to StateFailed, or nil.
func (m *Model) Err() error {
	if m.State() != StateFailed {
		return nil
	}
	return m.failErr
}

// Plan returns the device plan the model executes on.
func (m *Model) Plan() *devices.Plan { return m.plan }

// Backend returns the execution backend.
func (m *Model) Backend() backends.Backend { return m.backend }

// NumParams returns the total number of parameter elements of the dense
// model.
func (m *Model) NumParams() int {
	total := 0
	for _, path := range m.rw.order {
		total += m.rw.infos[path].shape.Size()
	}
	return total
}

// FullMemory returns the bytes the dense parameters occupy.
func (m *Model) FullMemory() uintptr {
	var total uintptr
	for _, path := range m.rw.order {
		total += m.rw.infos[path].shape.Memory()
	}
	return total
}

// AtRestMemory returns the bytes of parameter storage resident on the given
// rank's device between runs: the full value for replicated parameters, one
// slice for split parameters, one flat chunk for ZeRO-3 parameters.
func (m *Model) AtRestMemory(rank int) uintptr {
	var total uintptr
	for _, path := range m.rw.order {
		info := m.rw.infos[path]
		switch info.kind {
		case paramReplicated:
			total += info.shape.Memory()
		case paramRowBias:
			if rank == 0 {
				total += info.shape.Memory()
			}
		case paramSplit:
			elems := info.spans[rank].Len()
			if info.sentinel {
				elems++
			}
			rows := info.shape.Size() / info.fullDim
			total += info.shape.DType.Memory() * uintptr(elems*rows)
		case paramZero3:
			total += info.shape.DType.Memory() * uintptr(info.sp.Span(rank).Len())
		case paramCustom:
			if s := info.custom.shards[rank]; s.Ok() {
				total += s.Memory()
			}
		}
	}
	return total
}

// String implements fmt.Stringer.
func (m *Model) String() string {
	return fmt.Sprintf("parallel.Model{devices: %s, backend: %s, params: %d, state: %s}",
		m.plan, m.backend.Name(), len(m.rw.order), m.State())
}

// requireWrapped returns a Lifecycle error unless the model is wrapped.
func (m *Model) requireWrapped(op string) error {
	switch state := State(m.state.Load()); state {
	case StateWrapped:
		return nil
	case StateFailed:
		return tperr.Lifecyclef("%s on a failed model: %v", op, m.failErr)
	default:
		return tperr.Lifecyclef("%s on a %s model, want wrapped", op, state)
	}
}

// noteRunError records a failed run. A Collective failure means the backend
// aborted and the devices lost lockstep, which is unrecoverable: the model
// moves to StateFailed.
func (m *Model) noteRunError(err error) {
	if !tperr.IsKind(err, tperr.Collective) {
		return
	}
	if State(m.state.Load()) != StateWrapped {
		return
	}
	m.failErr = err
	m.state.Store(int32(StateFailed))
}

// runLocked executes fn once per rank through the backend, with each rank's
// runtime bound to its worker for the duration. Callers hold m.mu.
func (m *Model) runLocked(ctx context.Context, op string, fn func(w *backends.Worker, rep *replica) error) error {
	if err := m.requireWrapped(op); err != nil {
		return err
	}
	perDevice := make([][]*tensors.Tensor, m.plan.WorldSize())
	_, err := m.backend.RunOnAll(ctx, perDevice,
		func(_ context.Context, w *backends.Worker, _ []*tensors.Tensor) ([]*tensors.Tensor, error) {
			rep := m.replicas[w.Rank()]
			rep.rt.worker = w
			defer func() { rep.rt.worker = nil }()
			return nil, fn(w, rep)
		})
	if err != nil {
		m.noteRunError(err)
	}
	return err
}

// Forward runs a forward pass: x fans out to every device, each replica
// computes on its shards, and the combined result from the output device is
// returned. The caller owns the result; x is only read and must not be
// mutated before the matching backward pass.
func (m *Model) Forward(ctx context.Context, x *tensors.Tensor) (*tensors.Tensor, error) {
	if x == nil {
		return nil, tperr.Shapef("", "Forward got a nil input")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	outs := make([]*tensors.Tensor, m.plan.WorldSize())
	err := m.runLocked(ctx, "Forward", func(w *backends.Worker, rep *replica) error {
		out, err := rep.root.Forward(x)
		if err != nil {
			return err
		}
		outs[w.Rank()] = out
		return nil
	})
	if err != nil {
		finalizeAll(outs)
		return nil, err
	}
	out := pickOutput(outs, m.plan.OutputRank())
	if out == nil {
		return nil, tperr.Collectivef(tperr.NoRank, "no rank produced a Forward output")
	}
	m.lastOut = out.Shape().Clone()
	return out, nil
}

// Backward seeds the backward pass with d(out)/d(out) = 1 everywhere, the
// convention for a model whose last module computes a mean-reduced loss, and
// discards the input gradient. Use BackwardFrom to pass an explicit output
// gradient or to observe the input gradient.
func (m *Model) Backward(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.lastOut.Ok() {
		return tperr.Lifecyclef("Backward without a recorded Forward")
	}
	seed := tensors.Ones(m.lastOut)
	defer seed.Finalize()
	dx, err := m.backwardLocked(ctx, seed)
	if err != nil {
		return err
	}
	if dx != nil {
		dx.Finalize()
	}
	return nil
}

// BackwardFrom runs a backward pass from an explicit gradient of the last
// Forward's output. Every parameter's gradient accumulates into its shard;
// the returned tensor is the gradient with respect to the model input, or
// nil when the input carries none (integer indices). The caller owns the
// result; outputGrad is only read.
func (m *Model) BackwardFrom(ctx context.Context, outputGrad *tensors.Tensor) (*tensors.Tensor, error) {
	if outputGrad == nil {
		return nil, tperr.Shapef("", "BackwardFrom got a nil output gradient")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backwardLocked(ctx, outputGrad)
}

func (m *Model) backwardLocked(ctx context.Context, outputGrad *tensors.Tensor) (*tensors.Tensor, error) {
	grads := make([]*tensors.Tensor, m.plan.WorldSize())
	err := m.runLocked(ctx, "Backward", func(w *backends.Worker, rep *replica) error {
		dx, err := rep.root.Backward(outputGrad)
		if err != nil {
			return err
		}
		grads[w.Rank()] = dx
		return nil
	})
	if err != nil {
		finalizeAll(grads)
		return nil, err
	}
	return pickOutput(grads, m.plan.OutputRank()), nil
}

// Params yields every logical parameter of the wrapped model in a stable
// order, keyed by its path. Values, and gradients once a backward pass has
// accumulated them, are gathered on demand: split parameters all-gather and
// ZeRO-3 parameters materialize one at a time, so peak extra memory stays at
// one dense parameter. The yielded Param is a snapshot, finalized when the
// yield returns; Clone what must outlive the loop. Writes go through
// UpdateParam.
//
// Iteration stops early if the model is not wrapped or a gather fails; State
// and Err report what happened.
func (m *Model) Params() iter.Seq2[string, *nn.Param] {
	return func(yield func(string, *nn.Param) bool) {
		for _, path := range m.rw.order {
			p, err := m.Param(path)
			if err != nil {
				return
			}
			more := yield(path, p)
			if p.Value != nil {
				p.Value.Finalize()
			}
			if p.Grad != nil {
				p.Grad.Finalize()
			}
			if !more {
				return
			}
		}
	}
}

// Param gathers one parameter by path and returns a dense snapshot: Name is
// the path's last element, Value the gathered value and Grad the gathered
// gradient or nil. The caller owns both tensors; mutating them does not
// reach the wrapped model.
func (m *Model) Param(path string) (*nn.Param, error) {
	info, ok := m.rw.infos[path]
	if !ok {
		return nil, tperr.Configf("no parameter %q in the wrapped model", path)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	world := m.plan.WorldSize()
	values := make([]*tensors.Tensor, world)
	grads := make([]*tensors.Tensor, world)
	err := m.runLocked(context.Background(), "Params", func(w *backends.Worker, rep *replica) error {
		value, grad, err := info.gather(w)
		if err != nil {
			return err
		}
		values[w.Rank()] = value
		grads[w.Rank()] = grad
		return nil
	})
	if err != nil {
		finalizeAll(values)
		finalizeAll(grads)
		return nil, err
	}
	return &nn.Param{
		Name:      path[strings.LastIndex(path, "/")+1:],
		Value:     pickOutput(values, m.plan.OutputRank()),
		Grad:      pickOutput(grads, m.plan.OutputRank()),
		Trainable: info.trainable,
	}, nil
}

// UpdateParam rewrites one parameter: fn receives the gathered dense value
// and gradient (nil before any backward pass), mutates the value in place,
// and the engine re-shards the result across the devices. fn runs once per
// rank and must be deterministic, or the ranks diverge; both tensors belong
// to the engine and the gradient is read-only.
func (m *Model) UpdateParam(path string, fn func(value, grad *tensors.Tensor) error) error {
	info, ok := m.rw.infos[path]
	if !ok {
		return tperr.Configf("no parameter %q in the wrapped model", path)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runLocked(context.Background(), "UpdateParam", func(w *backends.Worker, rep *replica) error {
		if info.kind == paramZero3 {
			grad := info.perRank[w.Rank()].Grad
			return info.sp.Update(w, func(full *tensors.Tensor) error {
				return fn(full, grad)
			})
		}
		value, grad, err := info.gather(w)
		if err != nil {
			return err
		}
		if err := fn(value, grad); err != nil {
			value.Finalize()
			if grad != nil {
				grad.Finalize()
			}
			return err
		}
		if grad != nil {
			grad.Finalize()
		}
		if !value.Shape().Equal(info.shape) {
			got := value.Shape().Clone()
			value.Finalize()
			return tperr.Shapef(path, "UpdateParam callback changed the shape from %s to %s", info.shape, got)
		}
		return info.scatter(w, value)
	})
}

// ZeroGrads drops every accumulated gradient. No collective is involved:
// each rank clears its replica locally.
func (m *Model) ZeroGrads() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireWrapped("ZeroGrads"); err != nil {
		return err
	}
	for _, rep := range m.replicas {
		nn.ZeroGrad(rep.root)
	}
	return nil
}

// Gather reassembles the dense original: every shard is collected and a
// module equal to the one that was wrapped (same structure, current
// parameter values, no gradients) is returned from the output device. The
// wrapped model stays usable.
func (m *Model) Gather() (nn.Module, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rebuilt := make([]nn.Module, m.plan.WorldSize())
	err := m.runLocked(context.Background(), "Gather", func(w *backends.Worker, rep *replica) error {
		dense, err := rebuildModule(w, rep.root)
		if err != nil {
			return err
		}
		rebuilt[w.Rank()] = dense
		return nil
	})
	if err != nil {
		for _, dense := range rebuilt {
			if dense != nil {
				finalizeModuleParams(dense)
			}
		}
		return nil, err
	}
	keep := m.plan.OutputRank()
	if rebuilt[keep] == nil {
		for r, dense := range rebuilt {
			if dense != nil {
				keep = r
				break
			}
		}
	}
	for r, dense := range rebuilt {
		if dense != nil && r != keep {
			finalizeModuleParams(dense)
		}
	}
	if rebuilt[keep] == nil {
		return nil, tperr.Collectivef(tperr.NoRank, "no rank rebuilt the module")
	}
	return rebuilt[keep], nil
}

// Close shuts the backend down and releases every shard. Idempotent; after
// Close the model is destroyed and every operation returns a Lifecycle
// error.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch State(m.state.Load()) {
	case StateShuttingDown, StateDestroyed:
		return nil
	}
	m.state.Store(int32(StateShuttingDown))
	err := m.backend.Shutdown()
	for _, rep := range m.replicas {
		finalizeModuleParams(rep.root)
	}
	m.rw.releaseShards()
	m.state.Store(int32(StateDestroyed))
	return err
}

// Shutdown is an alias for Close.
func (m *Model) Shutdown() error { return m.Close() }

// pickOutput keeps the preferred rank's tensor, or the first one present
// when that rank lives in another process, and finalizes the rest.
func pickOutput(outs []*tensors.Tensor, prefer int) *tensors.Tensor {
	picked := outs[prefer]
	for r, out := range outs {
		if out == nil || r == prefer {
			continue
		}
		if picked == nil {
			picked = out
			continue
		}
		out.Finalize()
	}
	return picked
}

func finalizeAll(ts []*tensors.Tensor) {
	for _, t := range ts {
		if t != nil {
			t.Finalize()
		}
	}
}

// finalizeModuleParams releases the parameter storage of a module tree the
// caller is discarding.
func finalizeModuleParams(m nn.Module) {
	for _, p := range nn.IterParams(m) {
		if p.Value != nil {
			p.Value.Finalize()
		}
		if p.Grad != nil {
			p.Grad.Finalize()
		}
	}
}
