package threaded

import (
	"fmt"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/tensorparallel/backends"
	"github.com/gomlx/tensorparallel/tperr"
	"github.com/gomlx/tensorparallel/types/tensors"
)

// collectiveKind discriminates the rendezvous operations.
type collectiveKind int

const (
	collectiveAllReduce collectiveKind = iota + 1
	collectiveAllGather
	collectiveBroadcast
	collectiveBarrier
)

func (k collectiveKind) String() string {
	switch k {
	case collectiveAllReduce:
		return "AllReduce"
	case collectiveAllGather:
		return "AllGather"
	case collectiveBroadcast:
		return "Broadcast"
	case collectiveBarrier:
		return "Barrier"
	default:
		return "Unknown"
	}
}

// signature is the part of a collective call that must agree across ranks.
// Two ranks calling different collectives, or the same collective with
// different parameters, have diverged and the run is aborted.
type signature struct {
	kind     collectiveKind
	reduceOp backends.ReduceOpType
	axis     int
	root     int
}

// exchange is the in-memory rendezvous all ranks of a run synchronize
// through. A collective proceeds in two phases under one mutex: ranks arrive
// and deposit their contribution; the last arriver combines; then ranks
// depart with their copy of the result, and the last departer resets the
// round. Poisoning is permanent: an aborted exchange fails every present and
// future collective.
type exchange struct {
	mu   sync.Mutex
	cond *sync.Cond

	world int
	live  int // unfinished tasks in the current run

	seq          uint64 // completed collectives, for error messages
	sig          signature
	arrived      int
	departed     int
	distributing bool
	inputs       []*tensors.Tensor
	combined     *tensors.Tensor

	poisoned error
}

func newExchange(world int) *exchange {
	e := &exchange{
		world:  world,
		inputs: make([]*tensors.Tensor, world),
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// beginRun prepares the exchange for a fresh RunOnAll. It fails with a
// Lifecycle error if the exchange was poisoned by an earlier run.
func (e *exchange) beginRun() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.poisoned != nil {
		return tperr.Lifecyclef("backend is in a failed state: %v", e.poisoned)
	}
	e.live = e.world
	e.arrived = 0
	e.departed = 0
	e.distributing = false
	clear(e.inputs)
	return nil
}

// participantDone records that one rank's task finished cleanly. If other
// ranks are waiting inside a collective that now can never complete, the
// exchange is poisoned.
func (e *exchange) participantDone() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.live--
	if e.arrived > 0 && !e.distributing && e.live < e.world {
		e.poison(tperr.Collectivef(tperr.NoRank,
			"%s #%d abandoned: a task finished while %d rank(s) wait for %d more participant(s)",
			e.sig.kind, e.seq, e.arrived, e.world-e.arrived))
	}
}

// abort poisons the exchange, failing every blocked and future collective.
func (e *exchange) abort(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.poison(err)
}

// poison must be called with the mutex held. The first cause wins.
func (e *exchange) poison(err error) {
	if e.poisoned != nil {
		return
	}
	e.poisoned = err
	e.cond.Broadcast()
}

// poisonedErr returns the poison cause, or nil.
func (e *exchange) poisonedErr() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.poisoned
}

// rendezvous runs one collective for the given rank: deposit x, wait for the
// world, return this rank's copy of the combined result.
func (e *exchange) rendezvous(rank int, sig signature, x *tensors.Tensor) (*tensors.Tensor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Wait for the previous round to fully drain.
	for e.distributing && e.poisoned == nil {
		e.cond.Wait()
	}
	if e.poisoned != nil {
		return nil, e.collectiveError(rank)
	}
	if e.live < e.world {
		e.poison(tperr.Collectivef(rank, "%s #%d can never complete: only %d of %d tasks still run",
			sig.kind, e.seq, e.live, e.world))
		return nil, e.collectiveError(rank)
	}

	// Arrival phase.
	if e.arrived == 0 {
		e.sig = sig
	} else if e.sig != sig {
		e.poison(tperr.Collectivef(rank, "collective divergence at #%d: rank %d called %s while others called %s",
			e.seq, rank, describeSignature(sig), describeSignature(e.sig)))
		return nil, e.collectiveError(rank)
	}
	e.inputs[rank] = x
	e.arrived++

	if e.arrived == e.world {
		// Last arriver combines and opens the distribution phase.
		combined, err := e.combine()
		if err != nil {
			e.poison(err)
			return nil, e.collectiveError(rank)
		}
		e.combined = combined
		e.distributing = true
		e.departed = 0
		e.cond.Broadcast()
	} else {
		for !e.distributing && e.poisoned == nil {
			e.cond.Wait()
		}
		if e.poisoned != nil {
			return nil, e.collectiveError(rank)
		}
	}

	// Departure phase: each rank takes its own copy; the last departer takes
	// the original and resets the round.
	e.departed++
	var out *tensors.Tensor
	last := e.departed == e.world
	if e.combined != nil {
		if last {
			out = e.combined
		} else {
			out = e.combined.Clone()
		}
	}
	if last {
		e.combined = nil
		e.arrived = 0
		e.distributing = false
		e.seq++
		clear(e.inputs)
		e.cond.Broadcast()
	}
	return out, nil
}

// combine merges the world's contributions according to the round signature.
// Called with the mutex held by the last arriver.
func (e *exchange) combine() (combined *tensors.Tensor, err error) {
	err = exceptions.TryCatch[error](func() {
		switch e.sig.kind {
		case collectiveAllReduce:
			combined = e.combineReduce()
		case collectiveAllGather:
			combined = tensors.Concat(e.inputs, e.sig.axis)
		case collectiveBroadcast:
			root := e.inputs[e.sig.root]
			if root == nil {
				exceptions.Panicf("Broadcast #%d: root rank %d contributed no tensor", e.seq, e.sig.root)
			}
			combined = root.Clone()
		case collectiveBarrier:
			combined = nil
		}
	})
	if err != nil {
		return nil, tperr.WrapCollectivef(tperr.NoRank, err, "%s #%d failed to combine", e.sig.kind, e.seq)
	}
	return combined, nil
}

func (e *exchange) combineReduce() *tensors.Tensor {
	first := e.inputs[0]
	if first == nil {
		exceptions.Panicf("AllReduce #%d: rank 0 contributed no tensor", e.seq)
	}
	acc := first.Clone()
	for rank := 1; rank < e.world; rank++ {
		x := e.inputs[rank]
		if x == nil {
			exceptions.Panicf("AllReduce #%d: rank %d contributed no tensor", e.seq, rank)
		}
		switch e.sig.reduceOp {
		case backends.ReduceOpSum:
			acc.AddAssign(x)
		case backends.ReduceOpMax:
			acc.MaxAssign(x)
		default:
			exceptions.Panicf("AllReduce #%d: unsupported reduce op %s", e.seq, e.sig.reduceOp)
		}
	}
	return acc
}

// collectiveError is the error a rank reports after the exchange was
// poisoned. Called with the mutex held.
func (e *exchange) collectiveError(rank int) error {
	return tperr.WrapCollectivef(rank, e.poisoned, "collective aborted on rank %d", rank)
}

// collectiveOps binds one rank to the exchange. It implements
// backends.CollectiveOps.
type collectiveOps struct {
	exchange *exchange
	rank     int
}

// AllReduce implements backends.CollectiveOps.
func (c *collectiveOps) AllReduce(x *tensors.Tensor, reduceOp backends.ReduceOpType) (*tensors.Tensor, error) {
	if x == nil {
		return nil, tperr.Collectivef(c.rank, "AllReduce got a nil tensor")
	}
	return c.exchange.rendezvous(c.rank, signature{kind: collectiveAllReduce, reduceOp: reduceOp, axis: -1, root: -1}, x)
}

// AllGather implements backends.CollectiveOps.
func (c *collectiveOps) AllGather(x *tensors.Tensor, axis int) (*tensors.Tensor, error) {
	if x == nil {
		return nil, tperr.Collectivef(c.rank, "AllGather got a nil tensor")
	}
	return c.exchange.rendezvous(c.rank, signature{kind: collectiveAllGather, axis: axis, root: -1}, x)
}

// Broadcast implements backends.CollectiveOps.
func (c *collectiveOps) Broadcast(x *tensors.Tensor, root int) (*tensors.Tensor, error) {
	if root < 0 || root >= c.exchange.world {
		return nil, tperr.Collectivef(c.rank, "Broadcast root %d out of range [0, %d)", root, c.exchange.world)
	}
	return c.exchange.rendezvous(c.rank, signature{kind: collectiveBroadcast, axis: -1, root: root}, x)
}

// Barrier implements backends.CollectiveOps.
func (c *collectiveOps) Barrier() error {
	_, err := c.exchange.rendezvous(c.rank, signature{kind: collectiveBarrier, axis: -1, root: -1}, nil)
	return err
}

func describeSignature(sig signature) string {
	switch sig.kind {
	case collectiveAllReduce:
		return fmt.Sprintf("%s(%s)", sig.kind, sig.reduceOp)
	case collectiveAllGather:
		return fmt.Sprintf("%s(axis=%d)", sig.kind, sig.axis)
	case collectiveBroadcast:
		return fmt.Sprintf("%s(root=%d)", sig.kind, sig.root)
	default:
		return sig.kind.String()
	}
}
