package procgroup

import (
	"encoding/gob"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gomlx/tensorparallel/backends"
	"github.com/gomlx/tensorparallel/tperr"
	"github.com/gomlx/tensorparallel/types/tensors"
)

// frameType discriminates the messages exchanged with the rank-0 hub.
type frameType int

const (
	frameHello frameType = iota + 1
	frameWelcome
	frameRequest
	frameResponse
	frameAbort
)

// collectiveKind discriminates the hub-relayed operations. runDone is the
// pseudo-collective every rank sends when its task returns cleanly, so the
// hub can tell a completed run from an abandoned collective.
type collectiveKind int

const (
	collectiveAllReduce collectiveKind = iota + 1
	collectiveAllGather
	collectiveBroadcast
	collectiveBarrier
	collectiveRunDone
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
	case collectiveRunDone:
		return "RunDone"
	default:
		return "Unknown"
	}
}

// signature is the part of a collective call that must agree across ranks.
type signature struct {
	kind     collectiveKind
	reduceOp backends.ReduceOpType
	axis     int
	root     int
}

// String implements fmt.Stringer.
func (sig signature) String() string {
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

// frame is the envelope of every message on the wire. A frame with HasTensor
// set is immediately followed by one gob-serialized tensor on the same
// stream.
type frame struct {
	Type frameType

	// Handshake.
	Rank        int
	World       int
	Fingerprint string
	Session     string

	// Collective signature.
	Seq      uint64
	Kind     collectiveKind
	ReduceOp backends.ReduceOpType
	Axis     int
	Root     int

	HasTensor bool
	Err       string
}

func (f frame) signature() signature {
	return signature{kind: f.Kind, reduceOp: f.ReduceOp, axis: f.Axis, root: f.Root}
}

// sendFrame writes a frame and its optional tensor payload. The tensor is
// only read.
func sendFrame(enc *gob.Encoder, f frame, x *tensors.Tensor) error {
	f.HasTensor = x != nil
	if err := enc.Encode(f); err != nil {
		return err
	}
	if x != nil {
		return x.GobSerialize(enc)
	}
	return nil
}

// readFrame reads a frame and, when announced, its tensor payload.
func readFrame(dec *gob.Decoder) (frame, *tensors.Tensor, error) {
	var f frame
	if err := dec.Decode(&f); err != nil {
		return frame{}, nil, err
	}
	if !f.HasTensor {
		return f, nil, nil
	}
	x, err := tensors.GobDeserialize(dec)
	if err != nil {
		return frame{}, nil, err
	}
	return f, x, nil
}

// wireOps is the backends.CollectiveOps of one rank: every operation is a
// request to the rank-0 hub followed by a blocking wait for the combined
// response. One collective is in flight at a time.
//
// Aborting closes the hub connection, which unblocks the in-flight wait and
// makes the hub fail the rest of the group.
type wireOps struct {
	rank    int
	world   int
	timeout time.Duration

	// roundMu serializes collectives; it is held across the blocking wait
	// for the hub's response.
	roundMu sync.Mutex
	conn    net.Conn
	enc     *gob.Encoder
	dec     *gob.Decoder
	seq     uint64

	stateMu  sync.Mutex
	poisoned error
	closed   bool
}

var _ backends.CollectiveOps = (*wireOps)(nil)

func newWireOps(rank, world int, conn net.Conn, timeout time.Duration) *wireOps {
	return &wireOps{
		rank:    rank,
		world:   world,
		timeout: timeout,
		conn:    conn,
		enc:     gob.NewEncoder(conn),
		dec:     gob.NewDecoder(conn),
	}
}

// abort poisons the ops with the first cause and closes the hub connection.
// Safe to call from any goroutine, including while a collective is blocked.
func (o *wireOps) abort(err error) {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	if o.poisoned == nil {
		o.poisoned = err
	}
	if !o.closed {
		o.closed = true
		_ = o.conn.Close()
	}
}

// abortedErr returns the poison cause, or nil.
func (o *wireOps) abortedErr() error {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	return o.poisoned
}

// roundTrip runs one collective round against the hub: send the request and
// x (if any), block for the combined result.
func (o *wireOps) roundTrip(sig signature, x *tensors.Tensor) (*tensors.Tensor, error) {
	o.roundMu.Lock()
	defer o.roundMu.Unlock()
	if err := o.abortedErr(); err != nil {
		return nil, tperr.WrapCollectivef(o.rank, err, "collective aborted on rank %d", o.rank)
	}
	o.seq++
	req := frame{
		Type: frameRequest, Rank: o.rank, Seq: o.seq,
		Kind: sig.kind, ReduceOp: sig.reduceOp, Axis: sig.axis, Root: sig.root,
	}
	if o.timeout > 0 {
		_ = o.conn.SetDeadline(time.Now().Add(o.timeout))
	}
	err := sendFrame(o.enc, req, x)
	if err == nil {
		var resp frame
		var combined *tensors.Tensor
		resp, combined, err = readFrame(o.dec)
		if err == nil {
			if o.timeout > 0 {
				_ = o.conn.SetDeadline(time.Time{})
			}
			if resp.Err != "" {
				failure := tperr.Collectivef(o.rank, "%s #%d aborted: %s", sig.kind, o.seq, resp.Err)
				o.abort(failure)
				if combined != nil {
					combined.Finalize()
				}
				return nil, failure
			}
			return combined, nil
		}
	}
	// The stream broke. Prefer the recorded abort cause (watchdog, local
	// task failure, shutdown) over the raw I/O error it provoked.
	if cause := o.abortedErr(); cause != nil {
		return nil, tperr.WrapCollectivef(o.rank, cause, "collective aborted on rank %d", o.rank)
	}
	failure := tperr.WrapCollectivef(o.rank, err, "%s #%d: the hub connection failed", sig.kind, o.seq)
	o.abort(failure)
	return nil, failure
}

// sendAbort tells the hub this rank's task failed, so the hub can fail the
// rest of the group with the cause. Best effort: a broken stream aborts the
// group just as well.
func (o *wireOps) sendAbort(cause error) {
	o.roundMu.Lock()
	defer o.roundMu.Unlock()
	if o.abortedErr() != nil {
		return
	}
	o.seq++
	if o.timeout > 0 {
		_ = o.conn.SetDeadline(time.Now().Add(o.timeout))
	}
	_ = sendFrame(o.enc, frame{Type: frameAbort, Rank: o.rank, Seq: o.seq, Err: cause.Error()}, nil)
	o.abort(cause)
}

// finishRun is the pseudo-collective closing a RunOnAll: it returns once
// every rank's task finished cleanly.
func (o *wireOps) finishRun() error {
	_, err := o.roundTrip(signature{kind: collectiveRunDone, axis: -1, root: -1}, nil)
	return err
}

// AllReduce implements backends.CollectiveOps.
func (o *wireOps) AllReduce(x *tensors.Tensor, reduceOp backends.ReduceOpType) (*tensors.Tensor, error) {
	if x == nil {
		return nil, tperr.Collectivef(o.rank, "AllReduce got a nil tensor")
	}
	return o.roundTrip(signature{kind: collectiveAllReduce, reduceOp: reduceOp, axis: -1, root: -1}, x)
}

// AllGather implements backends.CollectiveOps.
func (o *wireOps) AllGather(x *tensors.Tensor, axis int) (*tensors.Tensor, error) {
	if x == nil {
		return nil, tperr.Collectivef(o.rank, "AllGather got a nil tensor")
	}
	return o.roundTrip(signature{kind: collectiveAllGather, axis: axis, root: -1}, x)
}

// Broadcast implements backends.CollectiveOps.
func (o *wireOps) Broadcast(x *tensors.Tensor, root int) (*tensors.Tensor, error) {
	if root < 0 || root >= o.world {
		return nil, tperr.Collectivef(o.rank, "Broadcast root %d out of range [0, %d)", root, o.world)
	}
	var payload *tensors.Tensor
	if o.rank == root {
		if x == nil {
			return nil, tperr.Collectivef(o.rank, "Broadcast root %d contributed no tensor", root)
		}
		payload = x
	}
	return o.roundTrip(signature{kind: collectiveBroadcast, axis: -1, root: root}, payload)
}

// Barrier implements backends.CollectiveOps.
func (o *wireOps) Barrier() error {
	_, err := o.roundTrip(signature{kind: collectiveBarrier, axis: -1, root: -1}, nil)
	return err
}
