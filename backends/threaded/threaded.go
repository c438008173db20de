// Package threaded implements the in-process execution backend: every device
// of the plan is served by a persistent worker goroutine, and collective
// operations rendezvous in memory.
//
// The backend registers itself under the name "threaded" on import:
//
//	import _ "github.com/gomlx/tensorparallel/backends/threaded"
//
// Failure handling is all-or-nothing: if any participant of a run fails, or
// the run's context expires, the rendezvous is poisoned, every rank blocked
// in a collective unblocks with a Collective error, and the backend becomes
// unusable (subsequent RunOnAll calls return a Lifecycle error). A fresh
// backend must be created after a failure.
package threaded

import (
	"context"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/tensorparallel/backends"
	"github.com/gomlx/tensorparallel/devices"
	"github.com/gomlx/tensorparallel/tperr"
	"github.com/gomlx/tensorparallel/types/tensors"
	"github.com/gomlx/tensorparallel/types/xsync"
)

// BackendName is the name the backend registers itself under.
const BackendName = "threaded"

func init() {
	backends.Register(BackendName, func(plan *devices.Plan, options string) (backends.Backend, error) {
		return New(plan, options)
	})
}

// Backend runs one persistent goroutine per device of the plan.
type Backend struct {
	plan     *devices.Plan
	tasks    []chan workItem
	exchange *exchange

	runMu        sync.Mutex
	shutdown     *xsync.Latch
	shutdownOnce sync.Once
	workersDone  sync.WaitGroup
}

type workItem struct {
	ctx    context.Context
	task   backends.Task
	inputs []*tensors.Tensor
	result *xsync.LatchWithValue[taskResult]
}

type taskResult struct {
	outputs []*tensors.Tensor
	err     error
}

// New creates a threaded backend for the plan and starts its workers.
// The backend takes no options; a non-empty options string is a Config error.
func New(plan *devices.Plan, options string) (*Backend, error) {
	if options != "" {
		return nil, tperr.Configf("threaded backend takes no options, got %q", options)
	}
	world := plan.WorldSize()
	b := &Backend{
		plan:     plan,
		tasks:    make([]chan workItem, world),
		exchange: newExchange(world),
		shutdown: xsync.NewLatch(),
	}
	for rank := 0; rank < world; rank++ {
		b.tasks[rank] = make(chan workItem, 1)
		b.workersDone.Add(1)
		go b.workerLoop(rank)
	}
	return b, nil
}

// Name implements backends.Backend.
func (b *Backend) Name() string { return BackendName }

// Description implements backends.Backend.
func (b *Backend) Description() string {
	return "in-process backend: one worker goroutine per device, collectives rendezvous in memory"
}

// Plan implements backends.Backend.
func (b *Backend) Plan() *devices.Plan { return b.plan }

// InProcess implements backends.Backend: all ranks are goroutines of this
// process.
func (b *Backend) InProcess() bool { return true }

// workerLoop serves one rank until shutdown. A task that panics or errors
// poisons the rendezvous so the other ranks don't wait for collectives that
// will never complete.
func (b *Backend) workerLoop(rank int) {
	defer b.workersDone.Done()
	ops := &collectiveOps{exchange: b.exchange, rank: rank}
	worker := backends.NewWorker(rank, b.plan, ops)
	for {
		select {
		case <-b.shutdown.WaitChan():
			return
		case item := <-b.tasks[rank]:
			var outputs []*tensors.Tensor
			var taskErr error
			panicErr := exceptions.TryCatch[error](func() {
				outputs, taskErr = item.task(item.ctx, worker, item.inputs)
			})
			if panicErr != nil {
				taskErr = panicErr
			}
			if taskErr != nil {
				taskErr = tperr.WrapCollectivef(rank, taskErr, "device %s failed", b.plan.Device(rank))
				b.exchange.abort(taskErr)
			} else {
				b.exchange.participantDone()
			}
			item.result.Trigger(taskResult{outputs: outputs, err: taskErr})
		}
	}
}

// RunOnAll implements backends.Backend. Calls are serialized: the next run
// starts only after the previous one fully finished.
func (b *Backend) RunOnAll(ctx context.Context, perDevice [][]*tensors.Tensor, task backends.Task) ([][]*tensors.Tensor, error) {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	if b.shutdown.Test() {
		return nil, tperr.Lifecyclef("threaded backend is shut down")
	}
	world := b.plan.WorldSize()
	if len(perDevice) != world {
		return nil, tperr.Configf("RunOnAll wants %d per-device input slices, got %d", world, len(perDevice))
	}
	if err := b.exchange.beginRun(); err != nil {
		return nil, err
	}

	// Fan out.
	results := make([]*xsync.LatchWithValue[taskResult], world)
	for rank := 0; rank < world; rank++ {
		results[rank] = xsync.NewLatchWithValue[taskResult]()
		item := workItem{ctx: ctx, task: task, inputs: perDevice[rank], result: results[rank]}
		if !xsync.TrySend(b.tasks[rank], item) {
			err := tperr.Lifecyclef("worker for device %s is not accepting work", b.plan.Device(rank))
			b.exchange.abort(err)
			return nil, err
		}
	}

	// Abort collectives if the context expires before the run completes.
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go func() {
		select {
		case <-ctx.Done():
			b.exchange.abort(tperr.Collectivef(tperr.NoRank, "run aborted: %v", ctx.Err()))
		case <-watchdogDone:
		}
	}()

	// Collect. Workers always trigger their latch, even on failure.
	outputs := make([][]*tensors.Tensor, world)
	var firstErr error
	for rank := 0; rank < world; rank++ {
		result := results[rank].Wait()
		outputs[rank] = result.outputs
		if result.err != nil && firstErr == nil {
			firstErr = result.err
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	if err := b.exchange.poisonedErr(); err != nil {
		// The context expired after the last collective: no rank failed, but
		// the backend is no longer usable.
		return nil, err
	}
	return outputs, nil
}

// Shutdown implements backends.Backend. It unblocks any in-flight
// collectives, stops the workers and waits for them to exit. Idempotent.
func (b *Backend) Shutdown() error {
	b.shutdownOnce.Do(func() {
		b.exchange.abort(tperr.Collectivef(tperr.NoRank, "backend shutting down"))
		b.runMu.Lock()
		b.shutdown.Trigger()
		b.runMu.Unlock()
		b.workersDone.Wait()
	})
	return nil
}
