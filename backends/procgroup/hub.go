package procgroup

import (
	"encoding/gob"
	"net"
	"sync"
	"time"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/gomlx/tensorparallel/backends"
	"github.com/gomlx/tensorparallel/tperr"
	"github.com/gomlx/tensorparallel/types/tensors"
)

// hub is the rank-0 relay every collective round trips through. It runs only
// in the rank-0 process: one reader goroutine per peer feeds a round loop
// that waits for all ranks, validates that they called the same collective,
// combines the contributions and sends everyone the result.
//
// Any failure (a dropped connection, a divergent signature, a combine error,
// an abort frame) poisons the hub permanently: every reachable rank gets the
// cause and all connections are closed.
type hub struct {
	world       int
	session     string
	fingerprint string
	timeout     time.Duration

	peers []*peer      // indexed by rank; rank 0 is an in-memory pipe
	in    chan inbound // all peers, tagged by rank

	stop chan struct{} // closed on poison; stops readers and the round loop
	done chan struct{} // closed when the round loop exited
	seq  uint64        // rounds completed or in progress

	mu       sync.Mutex
	poisoned error
}

// peer is one rank's connection as seen from the hub. writeMu keeps the
// round loop and poison from interleaving frames on the same encoder.
type peer struct {
	rank int
	conn net.Conn
	dec  *gob.Decoder

	writeMu sync.Mutex
	enc     *gob.Encoder
}

// inbound is one decoded message from a peer, or the read error that ended
// its stream.
type inbound struct {
	rank int
	f    frame
	x    *tensors.Tensor
	err  error
}

func newHub(world int, session, fingerprint string, timeout time.Duration) *hub {
	return &hub{
		world:       world,
		session:     session,
		fingerprint: fingerprint,
		timeout:     timeout,
		peers:       make([]*peer, world),
		// One slot per rank is enough: a rank never has more than one
		// frame in flight before it blocks on the response.
		in:   make(chan inbound, world),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

func (h *hub) addPeer(rank int, conn net.Conn, enc *gob.Encoder, dec *gob.Decoder) {
	h.peers[rank] = &peer{rank: rank, conn: conn, enc: enc, dec: dec}
}

// start launches the reader goroutines and the round loop. All peers must be
// connected.
func (h *hub) start() {
	for _, p := range h.peers {
		go h.readLoop(p)
	}
	go h.roundLoop()
}

func (h *hub) readLoop(p *peer) {
	for {
		f, x, err := readFrame(p.dec)
		select {
		case h.in <- inbound{rank: p.rank, f: f, x: x, err: err}:
		case <-h.stop:
			if x != nil {
				x.Finalize()
			}
			return
		}
		if err != nil {
			return
		}
	}
}

func (h *hub) roundLoop() {
	defer close(h.done)
	for {
		if err := h.round(); err != nil {
			h.poison(err)
			return
		}
	}
}

// round relays one collective: collect a frame from every rank, check they
// agree, combine, respond.
//
// The first frame of a round can take arbitrarily long: the group may simply
// be idle between runs. Once one rank commits to a collective the others owe
// theirs within the timeout.
func (h *hub) round() error {
	h.seq++
	inputs := make([]*tensors.Tensor, h.world)
	defer func() {
		for _, x := range inputs {
			if x != nil {
				x.Finalize()
			}
		}
	}()

	var sig signature
	sigRank := -1
	received := make([]bool, h.world)
	var timeoutC <-chan time.Time
	for seen := 0; seen < h.world; seen++ {
		var in inbound
		select {
		case in = <-h.in:
		case <-h.stop:
			return h.poisonedErr()
		case <-timeoutC:
			return h.lateRankErr(received, sig)
		}
		if timeoutC == nil && h.timeout > 0 && seen < h.world-1 {
			timer := time.NewTimer(h.timeout)
			defer timer.Stop()
			timeoutC = timer.C
		}
		rank := in.rank
		switch {
		case in.err != nil:
			return tperr.WrapCollectivef(rank, in.err, "rank %d dropped out of the group", rank)
		case in.f.Type == frameAbort:
			return tperr.Collectivef(rank, "rank %d failed: %s", rank, in.f.Err)
		case in.f.Type != frameRequest:
			return tperr.Collectivef(rank, "rank %d sent a %d frame where a collective was expected", rank, in.f.Type)
		case in.f.Seq != h.seq:
			return tperr.Collectivef(rank, "rank %d is at collective #%d while the group is at #%d", rank, in.f.Seq, h.seq)
		case received[rank]:
			return tperr.Collectivef(rank, "rank %d sent two frames in round #%d", rank, h.seq)
		}
		received[rank] = true
		inputs[rank] = in.x
		if sigRank < 0 {
			sig = in.f.signature()
			sigRank = rank
			continue
		}
		if got := in.f.signature(); got != sig {
			return tperr.Collectivef(rank, "collective divergence at #%d: rank %d called %s, rank %d called %s",
				h.seq, sigRank, sig, rank, got)
		}
	}

	combined, err := combine(sig, inputs, h.seq)
	if err != nil {
		return err
	}
	if combined != nil {
		defer combined.Finalize()
	}
	if klog.V(2).Enabled() {
		klog.Infof("procgroup hub: relayed %s #%d to %d ranks", sig, h.seq, h.world)
	}
	for rank := range h.world {
		if err := h.respond(h.peers[rank], frame{Type: frameResponse, Seq: h.seq}, combined); err != nil {
			return tperr.WrapCollectivef(rank, err, "sending %s #%d to rank %d", sig, h.seq, rank)
		}
	}
	return nil
}

// lateRankErr blames the first rank that never sent its frame.
func (h *hub) lateRankErr(received []bool, sig signature) error {
	for rank, ok := range received {
		if !ok {
			return tperr.Collectivef(rank, "rank %d did not join %s #%d within %s", rank, sig, h.seq, h.timeout)
		}
	}
	return tperr.Collectivef(tperr.NoRank, "%s #%d timed out after %s", sig, h.seq, h.timeout)
}

// combine merges the contributions of one round the same way the threaded
// rendezvous does. Shape or dtype disagreements surface here as panics from
// the tensor ops and become the round's error.
func combine(sig signature, inputs []*tensors.Tensor, seq uint64) (*tensors.Tensor, error) {
	var combined *tensors.Tensor
	err := exceptions.TryCatch[error](func() {
		switch sig.kind {
		case collectiveAllReduce:
			combined = combineReduce(sig.reduceOp, inputs, seq)
		case collectiveAllGather:
			combined = tensors.Concat(inputs, sig.axis)
		case collectiveBroadcast:
			root := inputs[sig.root]
			if root == nil {
				exceptions.Panicf("Broadcast #%d: root rank %d contributed no tensor", seq, sig.root)
			}
			combined = root.Clone()
		case collectiveBarrier, collectiveRunDone:
			// Synchronization only.
		default:
			exceptions.Panicf("collective #%d: unknown kind %d", seq, sig.kind)
		}
	})
	if err != nil {
		return nil, tperr.WrapCollectivef(tperr.NoRank, err, "%s #%d failed to combine", sig, seq)
	}
	return combined, nil
}

func combineReduce(reduceOp backends.ReduceOpType, inputs []*tensors.Tensor, seq uint64) *tensors.Tensor {
	if inputs[0] == nil {
		exceptions.Panicf("AllReduce #%d: rank 0 contributed no tensor", seq)
	}
	acc := inputs[0].Clone()
	for rank, x := range inputs[1:] {
		if x == nil {
			acc.Finalize()
			exceptions.Panicf("AllReduce #%d: rank %d contributed no tensor", seq, rank+1)
		}
		switch reduceOp {
		case backends.ReduceOpSum:
			acc.AddAssign(x)
		case backends.ReduceOpMax:
			acc.MaxAssign(x)
		default:
			acc.Finalize()
			exceptions.Panicf("AllReduce #%d: unsupported reduce op %s", seq, reduceOp)
		}
	}
	return acc
}

// respond writes one response frame and its payload to a peer.
func (h *hub) respond(p *peer, f frame, x *tensors.Tensor) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if h.timeout > 0 {
		_ = p.conn.SetWriteDeadline(time.Now().Add(h.timeout))
	}
	return sendFrame(p.enc, f, x)
}

// poison records the first failure, pushes it to every reachable rank and
// tears the connections down. Subsequent calls are no-ops.
func (h *hub) poison(cause error) {
	h.mu.Lock()
	if h.poisoned != nil {
		h.mu.Unlock()
		return
	}
	h.poisoned = cause
	h.mu.Unlock()

	klog.V(1).Infof("procgroup hub: aborting session %s: %v", h.session, cause)
	close(h.stop)
	for _, p := range h.peers {
		if p == nil {
			continue
		}
		_ = h.respond(p, frame{Type: frameResponse, Err: cause.Error()}, nil)
		_ = p.conn.Close()
	}
}

func (h *hub) poisonedErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.poisoned
}

// close shuts the hub down and waits for the round loop to exit.
func (h *hub) close() {
	h.poison(tperr.Collectivef(tperr.NoRank, "backend shutting down"))
	<-h.done
}
