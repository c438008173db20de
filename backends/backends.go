// Package backends defines the execution interface a tensor-parallel backend
// needs to implement, and the registry through which backends are selected.
//
// A backend owns one execution lane per device of a devices.Plan and runs the
// same Task on all of them. Tasks running on different lanes coordinate
// through the collective operations exposed by their Worker. Two
// implementations ship with the engine:
//
//   - "threaded" (backends/threaded): every device is a goroutine in the
//     current process; collectives rendezvous in memory.
//   - "procgroup" (backends/procgroup): every device is a separate OS
//     process launched externally; collectives are relayed over TCP through
//     rank 0.
//
// Backends register themselves on import. Selection follows the
// TP_BACKEND environment variable, then DefaultConfig, then the first
// registered backend.
package backends

import (
	"context"
	"os"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/tensorparallel/devices"
	"github.com/gomlx/tensorparallel/tperr"
	"github.com/gomlx/tensorparallel/types/tensors"
)

// Task is the unit of work RunOnAll executes once per device. It receives the
// Worker bound to its rank and the inputs addressed to that rank, and returns
// that rank's outputs. Tasks on different ranks may call the Worker's
// collective operations; those calls must happen in the same order on every
// rank.
type Task func(ctx context.Context, w *Worker, inputs []*tensors.Tensor) ([]*tensors.Tensor, error)

// Backend runs tasks across the devices of a plan.
type Backend interface {
	// Name returns the short name the backend was registered under, e.g. "threaded".
	Name() string

	// Description is a longer description of the backend that can be used to pretty-print.
	Description() string

	// Plan returns the device plan the backend was created for.
	Plan() *devices.Plan

	// InProcess reports whether every rank of the plan executes inside the
	// calling process and shares its memory. Multi-process backends
	// (procgroup) return false: state a task leaves outside its own rank's
	// data does not propagate to the other ranks.
	InProcess() bool

	// RunOnAll executes task once per device, concurrently, and waits for all
	// of them. perDevice carries the inputs for each rank and must have
	// exactly WorldSize entries (entries may be nil). The result has one
	// output slice per rank; backends that only host a single rank of a
	// larger world (procgroup) leave the other ranks' entries nil.
	//
	// If any participant fails, the collectives the others are blocked on are
	// aborted, every rank reports a Collective error, and the backend moves
	// to a failed state in which subsequent RunOnAll calls are rejected.
	RunOnAll(ctx context.Context, perDevice [][]*tensors.Tensor, task Task) ([][]*tensors.Tensor, error)

	// Shutdown releases the backend's workers and resources. It is
	// idempotent. After Shutdown, RunOnAll returns a Lifecycle error.
	Shutdown() error
}

// ReduceOpType selects among the basic types of reduction supported by AllReduce.
type ReduceOpType int

const (
	// ReduceOpUndefined is an undefined value.
	ReduceOpUndefined ReduceOpType = iota

	// ReduceOpSum reduces by summing all elements being reduced.
	ReduceOpSum

	// ReduceOpMax reduces by taking the maximum value.
	ReduceOpMax
)

// String implements fmt.Stringer.
func (r ReduceOpType) String() string {
	switch r {
	case ReduceOpSum:
		return "Sum"
	case ReduceOpMax:
		return "Max"
	default:
		return "Undefined"
	}
}

// CollectiveOps are the operations tasks use to exchange tensors across
// ranks. Every rank of the plan participates in every call: a rank that skips
// a collective the others entered leaves the world blocked until the
// backend's abort (context timeout or participant error) fires.
//
// All operations are synchronous: they return only after every rank has
// contributed.
type CollectiveOps interface {
	// AllReduce combines x element-wise across all ranks with the given
	// reduction and returns the combined tensor, identical on every rank.
	AllReduce(x *tensors.Tensor, reduceOp ReduceOpType) (*tensors.Tensor, error)

	// AllGather concatenates the per-rank x along the given axis, in rank
	// order, and returns the concatenation, identical on every rank. The
	// inputs must agree on dtype, rank and every dimension but axis.
	AllGather(x *tensors.Tensor, axis int) (*tensors.Tensor, error)

	// Broadcast returns root's x on every rank. Ranks other than root may
	// pass nil; root must not.
	Broadcast(x *tensors.Tensor, root int) (*tensors.Tensor, error)

	// Barrier blocks until every rank reaches it.
	Barrier() error
}

// Worker binds a rank of the plan to the backend's collective operations. It
// is handed to the Task run on that rank; tasks should not retain it past
// their return.
type Worker struct {
	rank int
	plan *devices.Plan
	ops  CollectiveOps
}

// NewWorker creates the Worker for the given rank. It is called by backend
// implementations, not by users.
func NewWorker(rank int, plan *devices.Plan, ops CollectiveOps) *Worker {
	return &Worker{rank: rank, plan: plan, ops: ops}
}

// Rank returns the rank this worker executes as.
func (w *Worker) Rank() int { return w.rank }

// Device returns the device this worker executes on.
func (w *Worker) Device() devices.ID { return w.plan.Device(w.rank) }

// Plan returns the full device plan.
func (w *Worker) Plan() *devices.Plan { return w.plan }

// WorldSize returns the number of participating ranks.
func (w *Worker) WorldSize() int { return w.plan.WorldSize() }

// IsOutput reports whether this worker's device is the plan's output device.
func (w *Worker) IsOutput() bool { return w.plan.OutputRank() == w.rank }

// AllReduce combines x across all ranks. See CollectiveOps.AllReduce.
func (w *Worker) AllReduce(x *tensors.Tensor, reduceOp ReduceOpType) (*tensors.Tensor, error) {
	return w.ops.AllReduce(x, reduceOp)
}

// AllGather concatenates the per-rank x along axis. See CollectiveOps.AllGather.
func (w *Worker) AllGather(x *tensors.Tensor, axis int) (*tensors.Tensor, error) {
	return w.ops.AllGather(x, axis)
}

// Broadcast returns root's x on every rank. See CollectiveOps.Broadcast.
func (w *Worker) Broadcast(x *tensors.Tensor, root int) (*tensors.Tensor, error) {
	return w.ops.Broadcast(x, root)
}

// Barrier blocks until every rank reaches it. See CollectiveOps.Barrier.
func (w *Worker) Barrier() error { return w.ops.Barrier() }

// Constructor takes the device plan and an options string (backend specific,
// possibly empty) and returns a Backend.
type Constructor func(plan *devices.Plan, options string) (Backend, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register backend under the given name.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if _, found := registeredConstructors[name]; found {
		exceptions.Panicf("backend %q registered twice", name)
	}
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// Registered returns the names of the registered backends, in no particular
// order. Use it for error messages and listings.
func Registered() []string {
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	return names
}

// DefaultConfig is the backend configuration to use if TP_BACKEND is not set.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// TP_BACKEND is the environment variable with the default backend
// configuration to use.
//
// The format of config is "<backend_name>" or "<backend_name>:<options>",
// e.g. "threaded" or "procgroup:timeout=30s".
const TP_BACKEND = "TP_BACKEND"

// New returns a Backend for the plan using the default configuration:
//
// 1. The environment variable TP_BACKEND is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered backend is used with empty options.
//
// It panics if no backend was registered.
func New(plan *devices.Plan) (Backend, error) {
	if config, found := os.LookupEnv(TP_BACKEND); found {
		return NewWithConfig(plan, config)
	}
	return NewWithConfig(plan, DefaultConfig)
}

// NewWithConfig returns a Backend for the plan from a configuration string of
// the form "<backend_name>" or "<backend_name>:<options>". An empty config
// selects the first registered backend with empty options.
//
// It returns a Config error for an unknown backend name, and panics if no
// backend was registered at all.
func NewWithConfig(plan *devices.Plan, config string) (Backend, error) {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no registered backends -- maybe import the default threaded one with import _ "github.com/gomlx/tensorparallel/backends/threaded"?`)
	}
	backendName := config
	backendOptions := ""
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendOptions = config[idx+1:]
	}
	if backendName == "" {
		backendName = firstRegistered
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		return nil, tperr.Configf("can't find backend %q for configuration %q: registered backends are %v",
			backendName, config, Registered())
	}
	return constructor(plan, backendOptions)
}
