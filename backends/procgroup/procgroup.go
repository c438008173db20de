// Package procgroup implements the multi-process execution backend: every
// device of the plan lives in its own OS process, started by an external
// launcher, and collective operations are relayed over TCP through a hub in
// the rank-0 process.
//
// The backend reads the torchrun-compatible launcher environment:
//
//	RANK         this process's rank, in [0, WORLD_SIZE)
//	WORLD_SIZE   the number of processes; must match the plan
//	MASTER_ADDR  host of the rank-0 hub
//	MASTER_PORT  port of the rank-0 hub
//
// and registers itself under the name "procgroup" on import:
//
//	import _ "github.com/gomlx/tensorparallel/backends/procgroup"
//
// Creating the backend is a rendezvous: rank 0 listens on
// MASTER_ADDR:MASTER_PORT and the other ranks dial in; the handshake carries
// a session UUID, the world size and a fingerprint of the plan, so processes
// started by different launchers (or with different plans) reject each other
// with a BackendMismatch error. The one supported option bounds the
// rendezvous and every collective round:
//
//	TP_BACKEND=procgroup:timeout=30s
//
// Each process runs only its own rank's task: RunOnAll returns that rank's
// outputs and leaves the other entries nil. Failure handling matches the
// threaded backend: one failing participant aborts the whole group with a
// Collective error on every rank, and the backend becomes unusable
// (subsequent RunOnAll calls return a Lifecycle error). Process teardown
// stays with the launcher.
package procgroup

import (
	"context"
	"encoding/gob"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/gomlx/tensorparallel/backends"
	"github.com/gomlx/tensorparallel/devices"
	"github.com/gomlx/tensorparallel/tperr"
	"github.com/gomlx/tensorparallel/types/tensors"
	"github.com/gomlx/tensorparallel/types/xsync"
)

// BackendName is the name the backend registers itself under.
const BackendName = "procgroup"

// Environment variables read by New. The names follow torchrun, so a model
// wrapped with this backend runs under the same launchers as a PyTorch
// distributed job.
const (
	EnvRank       = "RANK"
	EnvWorldSize  = "WORLD_SIZE"
	EnvMasterAddr = "MASTER_ADDR"
	EnvMasterPort = "MASTER_PORT"
)

// DefaultTimeout bounds the startup rendezvous and each collective round
// unless overridden with the timeout option.
const DefaultTimeout = 30 * time.Second

func init() {
	backends.Register(BackendName, func(plan *devices.Plan, options string) (backends.Backend, error) {
		return New(plan, options)
	})
}

// Launch locates the process group this process belongs to. It is normally
// read from the environment; tests and custom launchers fill it directly.
type Launch struct {
	Rank       int
	World      int
	MasterAddr string
	MasterPort string
}

// LaunchFromEnv reads the launcher environment. A missing or malformed
// variable means this process was not started by a compatible launcher and
// yields a BackendMismatch error.
func LaunchFromEnv() (Launch, error) {
	rank, err := intEnv(EnvRank)
	if err != nil {
		return Launch{}, err
	}
	world, err := intEnv(EnvWorldSize)
	if err != nil {
		return Launch{}, err
	}
	addr, err := strEnv(EnvMasterAddr)
	if err != nil {
		return Launch{}, err
	}
	port, err := strEnv(EnvMasterPort)
	if err != nil {
		return Launch{}, err
	}
	return Launch{Rank: rank, World: world, MasterAddr: addr, MasterPort: port}, nil
}

func strEnv(name string) (string, error) {
	s, ok := os.LookupEnv(name)
	if !ok || s == "" {
		return "", tperr.BackendMismatchf("the procgroup backend needs a torchrun-style launcher: %s is not set", name)
	}
	return s, nil
}

func intEnv(name string) (int, error) {
	s, err := strEnv(name)
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, tperr.BackendMismatchf("%s=%q is not a number", name, s)
	}
	return v, nil
}

// Backend is one rank of a multi-process group.
type Backend struct {
	plan    *devices.Plan
	rank    int
	session string
	ops     *wireOps
	hub     *hub // non-nil on rank 0 only

	runMu        sync.Mutex
	shutdown     *xsync.Latch
	shutdownOnce sync.Once
}

var _ backends.Backend = (*Backend)(nil)

// New creates this process's rank of the backend from the launcher
// environment and blocks until the whole world is connected.
func New(plan *devices.Plan, options string) (*Backend, error) {
	launch, err := LaunchFromEnv()
	if err != nil {
		return nil, err
	}
	return NewWithLaunch(plan, options, launch)
}

// NewWithLaunch is New with an explicit launch description instead of the
// environment; use it when embedding a custom launcher. Tests run whole
// worlds inside one process this way, one rank per goroutine.
func NewWithLaunch(plan *devices.Plan, options string, launch Launch) (*Backend, error) {
	timeout, err := parseOptions(options)
	if err != nil {
		return nil, err
	}
	world := plan.WorldSize()
	if launch.World != world {
		return nil, tperr.BackendMismatchf("the launcher started %d processes for a %d-device plan", launch.World, world)
	}
	if launch.Rank < 0 || launch.Rank >= world {
		return nil, tperr.BackendMismatchf("%s=%d out of range [0, %d)", EnvRank, launch.Rank, world)
	}
	if launch.MasterAddr == "" || launch.MasterPort == "" {
		return nil, tperr.BackendMismatchf("the launch does not name the hub: need %s and %s", EnvMasterAddr, EnvMasterPort)
	}

	b := &Backend{plan: plan, rank: launch.Rank, shutdown: xsync.NewLatch()}
	hostport := net.JoinHostPort(launch.MasterAddr, launch.MasterPort)
	fingerprint := plan.String()
	if launch.Rank == 0 {
		err = b.serveHub(hostport, fingerprint, timeout)
	} else {
		err = b.dialHub(hostport, fingerprint, timeout)
	}
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("procgroup: rank %d of %d ready, session %s, hub %s", b.rank, world, b.session, hostport)
	return b, nil
}

// serveHub runs the rank-0 side of the rendezvous: listen, admit every other
// rank, then start the relay. Rank 0's own collectives go through an
// in-memory pipe so the hub treats all ranks alike.
func (b *Backend) serveHub(hostport, fingerprint string, timeout time.Duration) error {
	world := b.plan.WorldSize()
	b.session = uuid.NewString()
	h := newHub(world, b.session, fingerprint, timeout)

	clientConn, hubConn := net.Pipe()
	h.addPeer(0, hubConn, gob.NewEncoder(hubConn), gob.NewDecoder(hubConn))

	var listener net.Listener
	cleanup := func() {
		if listener != nil {
			_ = listener.Close()
		}
		for _, p := range h.peers {
			if p != nil {
				_ = p.conn.Close()
			}
		}
		_ = clientConn.Close()
	}

	if world > 1 {
		var err error
		listener, err = net.Listen("tcp", hostport)
		if err != nil {
			cleanup()
			return tperr.BackendMismatchf("rank 0 cannot listen on %s: %v", hostport, err)
		}
		var deadline time.Time
		if timeout > 0 {
			deadline = time.Now().Add(timeout)
			if tl, ok := listener.(*net.TCPListener); ok {
				_ = tl.SetDeadline(deadline)
			}
		}
		for admitted := 0; admitted < world-1; {
			conn, err := listener.Accept()
			if err != nil {
				cleanup()
				if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
					return tperr.BackendMismatchf("only %d of %d ranks reached the hub at %s within %s", admitted+1, world, hostport, timeout)
				}
				return tperr.BackendMismatchf("rank 0 stopped accepting on %s: %v", hostport, err)
			}
			if b.admit(h, conn, fingerprint, deadline) {
				admitted++
			}
		}
		_ = listener.Close()
		listener = nil
	}

	h.start()
	b.hub = h
	b.ops = newWireOps(0, world, clientConn, timeout)
	return nil
}

// admit handshakes one incoming connection. A connection from a mismatched
// launcher (wrong world size, wrong plan) is refused with the reason and
// does not count against the expected ranks, so a stray dialer cannot take a
// real rank's slot. Reports whether a rank was admitted.
func (b *Backend) admit(h *hub, conn net.Conn, fingerprint string, deadline time.Time) bool {
	if !deadline.IsZero() {
		_ = conn.SetDeadline(deadline)
	}
	dec := gob.NewDecoder(conn)
	enc := gob.NewEncoder(conn)
	hello, _, err := readFrame(dec)
	if err != nil {
		_ = conn.Close()
		return false
	}
	var reason string
	switch {
	case hello.Type != frameHello:
		reason = "not a handshake"
	case hello.World != h.world:
		reason = "world size " + strconv.Itoa(hello.World) + ", this group has " + strconv.Itoa(h.world)
	case hello.Fingerprint != fingerprint:
		reason = "plan " + hello.Fingerprint + ", this group runs " + fingerprint
	case hello.Rank <= 0 || hello.Rank >= h.world:
		reason = "rank " + strconv.Itoa(hello.Rank) + " out of range"
	case h.peers[hello.Rank] != nil:
		reason = "rank " + strconv.Itoa(hello.Rank) + " already connected"
	}
	if reason != "" {
		_ = sendFrame(enc, frame{Type: frameWelcome, Err: reason}, nil)
		_ = conn.Close()
		klog.V(1).Infof("procgroup: hub refused a connection: %s", reason)
		return false
	}
	welcome := frame{Type: frameWelcome, Session: h.session, World: h.world, Fingerprint: fingerprint}
	if err := sendFrame(enc, welcome, nil); err != nil {
		_ = conn.Close()
		return false
	}
	_ = conn.SetDeadline(time.Time{})
	h.addPeer(hello.Rank, conn, enc, dec)
	return true
}

// dialHub runs the non-zero-rank side of the rendezvous: connect to rank 0,
// retrying while the hub comes up, then handshake.
func (b *Backend) dialHub(hostport, fingerprint string, timeout time.Duration) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	var conn net.Conn
	for {
		var err error
		conn, err = net.DialTimeout("tcp", hostport, time.Second)
		if err == nil {
			break
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return tperr.BackendMismatchf("rank %d cannot reach the hub at %s within %s: %v", b.rank, hostport, timeout, err)
		}
		time.Sleep(100 * time.Millisecond)
	}
	if !deadline.IsZero() {
		_ = conn.SetDeadline(deadline)
	}
	enc := gob.NewEncoder(conn)
	dec := gob.NewDecoder(conn)
	world := b.plan.WorldSize()
	hello := frame{Type: frameHello, Rank: b.rank, World: world, Fingerprint: fingerprint}
	if err := sendFrame(enc, hello, nil); err != nil {
		_ = conn.Close()
		return tperr.BackendMismatchf("rank %d handshake with %s failed: %v", b.rank, hostport, err)
	}
	welcome, _, err := readFrame(dec)
	if err != nil {
		_ = conn.Close()
		return tperr.BackendMismatchf("rank %d handshake with %s failed: %v", b.rank, hostport, err)
	}
	switch {
	case welcome.Err != "":
		_ = conn.Close()
		return tperr.BackendMismatchf("the hub refused rank %d: %s", b.rank, welcome.Err)
	case welcome.Type != frameWelcome:
		_ = conn.Close()
		return tperr.BackendMismatchf("rank %d handshake with %s: unexpected %d frame", b.rank, hostport, welcome.Type)
	case welcome.Fingerprint != fingerprint:
		_ = conn.Close()
		return tperr.BackendMismatchf("the hub runs plan %s, this process has %s", welcome.Fingerprint, fingerprint)
	}
	_ = conn.SetDeadline(time.Time{})
	b.session = welcome.Session
	b.ops = newWireOps(b.rank, world, conn, timeout)
	return nil
}

func parseOptions(options string) (time.Duration, error) {
	timeout := DefaultTimeout
	if options == "" {
		return timeout, nil
	}
	for _, kv := range strings.Split(options, ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return 0, tperr.Configf("procgroup option %q is not key=value", kv)
		}
		switch k {
		case "timeout":
			d, err := time.ParseDuration(v)
			if err != nil {
				return 0, tperr.Configf("procgroup timeout %q: %v", v, err)
			}
			timeout = d
		default:
			return 0, tperr.Configf("procgroup backend has no option %q", k)
		}
	}
	return timeout, nil
}

// Name implements backends.Backend.
func (b *Backend) Name() string { return BackendName }

// Description implements backends.Backend.
func (b *Backend) Description() string {
	return "multi-process backend: one process per device, collectives relayed over TCP through rank 0"
}

// Plan implements backends.Backend.
func (b *Backend) Plan() *devices.Plan { return b.plan }

// InProcess implements backends.Backend: only this process's rank lives
// here, the rest of the group is other processes.
func (b *Backend) InProcess() bool { return false }

// Rank is the rank this process runs.
func (b *Backend) Rank() int { return b.rank }

// Session is the UUID rank 0 minted for this group's rendezvous. All ranks
// of a group agree on it.
func (b *Backend) Session() string { return b.session }

// RunOnAll implements backends.Backend. It executes the task for this
// process's rank only and fills only this rank's output slot; the ranks
// rendezvous again at the end of the task, so RunOnAll returns only after
// the whole group finished.
func (b *Backend) RunOnAll(ctx context.Context, perDevice [][]*tensors.Tensor, task backends.Task) ([][]*tensors.Tensor, error) {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	if b.shutdown.Test() {
		return nil, tperr.Lifecyclef("procgroup backend is shut down")
	}
	if err := b.ops.abortedErr(); err != nil {
		return nil, tperr.Lifecyclef("backend is in a failed state: %v", err)
	}
	world := b.plan.WorldSize()
	if len(perDevice) != world {
		return nil, tperr.Configf("RunOnAll wants %d per-device input slices, got %d", world, len(perDevice))
	}

	// Abort the group if the context expires before the run completes.
	watchdogDone := make(chan struct{})
	defer close(watchdogDone)
	go func() {
		select {
		case <-ctx.Done():
			b.ops.abort(tperr.Collectivef(tperr.NoRank, "run aborted: %v", ctx.Err()))
		case <-watchdogDone:
		}
	}()

	worker := backends.NewWorker(b.rank, b.plan, b.ops)
	var taskOut []*tensors.Tensor
	var taskErr error
	panicErr := exceptions.TryCatch[error](func() {
		taskOut, taskErr = task(ctx, worker, perDevice[b.rank])
	})
	if panicErr != nil {
		taskErr = panicErr
	}
	if taskErr != nil {
		taskErr = tperr.WrapCollectivef(b.rank, taskErr, "device %s failed", b.plan.Device(b.rank))
		b.ops.sendAbort(taskErr)
		return nil, taskErr
	}
	if err := b.ops.finishRun(); err != nil {
		return nil, err
	}
	outputs := make([][]*tensors.Tensor, world)
	outputs[b.rank] = taskOut
	return outputs, nil
}

// Shutdown implements backends.Backend. It disconnects this rank, which
// aborts the rest of the group, and on rank 0 tears the hub down. The
// launcher owns the processes themselves. Idempotent.
func (b *Backend) Shutdown() error {
	b.shutdownOnce.Do(func() {
		b.runMu.Lock()
		b.shutdown.Trigger()
		b.runMu.Unlock()
		b.ops.abort(tperr.Collectivef(tperr.NoRank, "backend shutting down"))
		if b.hub != nil {
			b.hub.close()
		}
	})
	return nil
}
