//go:build linux

// Package conn implements the connection state machine (spec §4.6): the
// INIT/LISTEN/CONNECTING/CONNECTED/DISCONNECTED/RECONNECT/CLOSED/DESTROYED
// lifecycle, graceful shutdown via beacon send and timewait deadline,
// cross-HCA duplication (dup2) with rkey remapping, and request/response
// validation.
//
// Grounded on original_source/.../xio_rdma_management.c's
// xio_rdma_on_cm_event dispatch and xio_rdma_close/xio_rdma_post_close
// shutdown sequence, and ehrlich-b-go-ublk/internal/ctrl/control.go for
// the struct-with-logger-and-explicit-teardown shape this package
// generalizes into a full state machine.
package conn

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vuhuong/rdmacore/internal/cm"
	"github.com/vuhuong/rdmacore/internal/constants"
	"github.com/vuhuong/rdmacore/internal/cq"
	"github.com/vuhuong/rdmacore/internal/ioctx"
	"github.com/vuhuong/rdmacore/internal/logging"
	"github.com/vuhuong/rdmacore/internal/mr"
	"github.com/vuhuong/rdmacore/internal/verbs"
)

// State is one of the connection lifecycle states (spec §4.6).
type State int

const (
	StateInit State = iota
	StateListen
	StateConnecting
	StateConnected
	StateDisconnected
	StateReconnect
	StateClosed
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateListen:
		return "LISTEN"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnected:
		return "DISCONNECTED"
	case StateReconnect:
		return "RECONNECT"
	case StateClosed:
		return "CLOSED"
	case StateDestroyed:
		return "DESTROYED"
	default:
		return "UNKNOWN"
	}
}

// stateCount is len of the State enum, used to size the global
// per-state connection-count table below.
const stateCount = int(StateDestroyed) + 1

// liveStateCounts tracks how many connections currently sit in each
// state, process-wide, for internal/metrics' connection-state gauge.
// Updated only through setState so the two never drift.
var liveStateCounts [stateCount]atomic.Int64

// setState transitions c to s, keeping the process-wide liveStateCounts
// table in sync for the Prometheus collector's per-state connection
// gauge.
func (c *Connection) setState(s State) {
	prev := c.state
	if prev >= 0 && int(prev) < stateCount {
		liveStateCounts[prev].Add(-1)
	}
	c.state = s
	if int(s) < stateCount {
		liveStateCounts[s].Add(1)
	}
}

// LiveStateCounts snapshots how many connections currently sit in each
// state, indexed by State.
func LiveStateCounts() [stateCount]int64 {
	var out [stateCount]int64
	for i := range liveStateCounts {
		out[i] = liveStateCounts[i].Load()
	}
	return out
}

// UpcallKind enumerates the events the upcall observer accepts (spec §6).
type UpcallKind int

const (
	UpcallNewConnection UpcallKind = iota
	UpcallEstablished
	UpcallRefused
	UpcallDisconnected
	UpcallClosed
	UpcallError
)

func (k UpcallKind) String() string {
	switch k {
	case UpcallNewConnection:
		return "NEW_CONNECTION"
	case UpcallEstablished:
		return "ESTABLISHED"
	case UpcallRefused:
		return "REFUSED"
	case UpcallDisconnected:
		return "DISCONNECTED"
	case UpcallClosed:
		return "CLOSED"
	case UpcallError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Upcall is one event delivered to the application-supplied observer.
type Upcall struct {
	Kind     UpcallKind
	Conn     *Connection
	Reason   int   // valid for UpcallRefused
	Err      error // valid for UpcallError
}

// Observer receives connection lifecycle upcalls.
type Observer interface {
	OnUpcall(Upcall)
}

// Options configures per-connection validation and feature limits (spec
// §4.6 "Options").
type Options struct {
	EnableMemPool    bool
	EnableDMALatency bool
	MaxInIovsz       int
	MaxOutIovsz      int
	EnableForkInit   bool
	MaxHeaderLen     int

	// IgnoreTimewait forces every timewait deadline to 0, for forced
	// shutdown (spec §8 E4): every open connection must reach DESTROYED
	// without waiting out the normal linger period.
	IgnoreTimewait bool
}

// Connection is one RDMA connection: a CM id, its queue pair, the shared
// CQ it posts completions to, and the reference-counted graceful-shutdown
// state machine layered over all three.
type Connection struct {
	id     uint64
	connID verbs.ConnID
	dev    verbs.Device
	pump   *cm.Pump
	cqMgr  *cq.Manager
	cqRef  *cq.CQ
	qp     verbs.QueuePair

	ctx *ioctx.Context
	log *logging.Logger
	obs Observer
	opt Options

	mu             sync.Mutex
	state          State
	handlerNesting int
	pendingDestroy bool

	refcount atomic.Int32 // owner + beacon + timewait, spec §4.6

	rkeyTable     []mr.RkeyPair
	peerRkeyTable map[uint32]uint32

	cancelTimewait ioctx.CancelFunc

	local, remote string
}

// Config bundles the collaborators a new Connection needs.
type Config struct {
	ID       uint64
	Ctx      *ioctx.Context
	Pump     *cm.Pump
	CQMgr    *cq.Manager
	Observer Observer
	Options  Options
	Log      *logging.Logger
}

// New creates a connection in state INIT, bound to connID.
func New(connID verbs.ConnID, cfg Config) *Connection {
	log := cfg.Log
	if log == nil {
		log = logging.Default()
	}
	c := &Connection{
		id:     cfg.ID,
		connID: connID,
		ctx:    cfg.Ctx,
		pump:   cfg.Pump,
		cqMgr:  cfg.CQMgr,
		obs:    cfg.Observer,
		opt:    cfg.Options,
		log:    log.WithConnection(cfg.ID),
		state:  StateInit,
	}
	c.refcount.Store(1) // the owner's reference
	liveStateCounts[StateInit].Add(1)
	cfg.Pump.Retain() // dropped by teardown's pump.Release
	cfg.Pump.Register(connID, c)
	return c
}

// ConnID implements cm.Target.
func (c *Connection) ConnID() verbs.ConnID { return c.connID }

// ID returns the connection's identifier.
func (c *Connection) ID() uint64 { return c.id }

// State returns the current state under lock.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Refcount exposes the reference count for tests (spec §8 property 7).
func (c *Connection) Refcount() int32 { return c.refcount.Load() }

// QPNum returns the queue pair number once CreateQP has run, or 0 before
// then. Used to index connections by qpNum for the device thread's
// comm-established race (spec §4.3).
func (c *Connection) QPNum() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.qp == nil {
		return 0
	}
	return c.qp.QPNum()
}

// QP returns the connection's queue pair once CreateQP has run, or nil
// before then. A higher layer posts its own send/receive work requests
// through this accessor; framing those requests is out of this core's
// scope (see the root package doc).
func (c *Connection) QP() verbs.QueuePair {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.qp
}

// HandleCompletion reacts to one work completion pulled off the shared
// CQ. It recognizes only the reserved beacon WRID (spec §4.6 "graceful
// shutdown via beacon send") and drops the beacon reference; every other
// completion belongs to whatever a consumer posted and is not this
// core's concern to interpret.
func (c *Connection) HandleCompletion(wc verbs.WorkCompletion) {
	if wc.WRID == constants.BeaconWorkID {
		c.release()
	}
}

func (c *Connection) retain() { c.refcount.Add(1) }

// release drops one reference (owner, beacon, or timewait); when all
// three have dropped, post_close runs (spec §4.6 "shutdown sequence").
func (c *Connection) release() {
	if c.refcount.Add(-1) > 0 {
		return
	}
	c.postClose()
}

// Connect drives the client side: resolve address, which kicks off the
// ADDR_RESOLVED -> ROUTE_RESOLVED -> connect dispatch chain in
// HandleCMEvent.
func (c *Connection) Connect(local, remote string) error {
	c.mu.Lock()
	if c.state != StateInit {
		c.mu.Unlock()
		return fmt.Errorf("conn: Connect called in state %s, want INIT", c.state)
	}
	c.setState(StateConnecting)
	c.mu.Unlock()

	c.local, c.remote = local, remote
	return c.connID.ResolveAddr(nil, local, remote, int(constants.AddrResolveTimeout/time.Millisecond))
}

// Listen puts the connection into LISTEN state and starts accepting
// CONNECT_REQUEST events as child connections (handled by
// HandleCMEvent's EventConnectRequest case, onConnectRequest).
func (c *Connection) Listen(local string, backlog int) error {
	c.mu.Lock()
	if c.state != StateInit {
		c.mu.Unlock()
		return fmt.Errorf("conn: Listen called in state %s, want INIT", c.state)
	}
	c.setState(StateListen)
	c.mu.Unlock()

	c.local = local
	return c.connID.Listen(backlog)
}

// HandleCMEvent implements cm.Target: the connection-manager event pump's
// dispatch table (spec §4.5).
func (c *Connection) HandleCMEvent(ev verbs.CMEvent) {
	c.mu.Lock()
	c.handlerNesting++
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.handlerNesting--
		nested := c.handlerNesting > 0
		destroyDeferred := c.pendingDestroy
		c.mu.Unlock()
		if !nested && destroyDeferred {
			c.scheduleDeferredClose()
		}
	}()

	switch ev.Type {
	case verbs.EventAddrResolved:
		c.onAddrResolved()
	case verbs.EventRouteResolved:
		c.onRouteResolved()
	case verbs.EventConnectRequest:
		c.onConnectRequest(ev)
	case verbs.EventEstablished:
		c.onEstablished()
	case verbs.EventRejected:
		c.emit(Upcall{Kind: UpcallRefused, Conn: c, Reason: ev.RejectReason})
	case verbs.EventDisconnected, verbs.EventAddrChange:
		c.onDisconnected()
	case verbs.EventTimewaitExit:
		c.onTimewaitExit()
	case verbs.EventDeviceRemoval:
		c.log.Info("device removal event received")
	case verbs.EventConnectError, verbs.EventAddrError, verbs.EventRouteError, verbs.EventUnreachable:
		c.emit(Upcall{Kind: UpcallError, Conn: c, Err: mapCMError(ev.Type)})
	}
}

func mapCMError(t verbs.CMEventType) error {
	switch t {
	case verbs.EventAddrError:
		return fmt.Errorf("conn: address resolution failed")
	case verbs.EventRouteError:
		return fmt.Errorf("conn: route resolution failed")
	case verbs.EventUnreachable:
		return fmt.Errorf("conn: destination unreachable")
	default:
		return fmt.Errorf("conn: connect failed")
	}
}

func (c *Connection) onAddrResolved() {
	c.dev = c.connID.Device()
	if err := c.connID.ResolveRoute(nil, int(constants.RouteResolveTimeout/time.Millisecond)); err != nil {
		c.emit(Upcall{Kind: UpcallError, Conn: c, Err: err})
	}
}

func (c *Connection) onRouteResolved() {
	caps := c.dev.Caps()
	cqEntry, err := c.cqMgr.Get(c.dev, c.ctx, 0)
	if err != nil {
		c.emit(Upcall{Kind: UpcallError, Conn: c, Err: err})
		return
	}
	c.cqRef = cqEntry

	if err := cqEntry.AllocSlots(constants.MaxSendWR + constants.MaxRecvWR + constants.ExtraRecvWR); err != nil {
		c.emit(Upcall{Kind: UpcallError, Conn: c, Err: err})
		return
	}

	qp, err := c.connID.CreateQP(c.dev, cqEntry.Raw(), constants.MaxSendWR, constants.MaxRecvWR, caps.MaxSGE)
	if err != nil {
		c.emit(Upcall{Kind: UpcallError, Conn: c, Err: err})
		return
	}
	c.qp = qp

	responder := clamp(caps.MaxQPResponderRes, caps.MaxQPResponderRes)
	initiator := clamp(caps.MaxQPInitiatorRes, caps.MaxQPInitiatorRes)
	if err := c.connID.Connect(responder, initiator); err != nil {
		c.emit(Upcall{Kind: UpcallError, Conn: c, Err: err})
		return
	}

	c.mu.Lock()
	c.setState(StateConnecting)
	c.mu.Unlock()
}

func clamp(requested, max int) int {
	if requested > max {
		return max
	}
	return requested
}

func (c *Connection) onConnectRequest(ev verbs.CMEvent) {
	// The listener is the target that receives EventConnectRequest
	// (spec §4.5 dispatch table); it opens a child connection bound to
	// its own context, creates the child's QP, and emits NEW_CONNECTION.
	childID := ev.ConnID
	child := New(childID, Config{
		ID:       nextConnID(),
		Ctx:      c.ctx,
		Pump:     c.pump,
		CQMgr:    c.cqMgr,
		Observer: c.obs,
		Options:  c.opt,
		Log:      c.log,
	})
	child.dev = childID.Device()

	cqEntry, err := c.cqMgr.Get(child.dev, c.ctx, 0)
	if err != nil {
		childID.Reject(0, nil)
		return
	}
	child.cqRef = cqEntry
	if err := cqEntry.AllocSlots(constants.MaxSendWR + constants.MaxRecvWR + constants.ExtraRecvWR); err != nil {
		childID.Reject(0, nil)
		return
	}

	qp, err := childID.CreateQP(child.dev, cqEntry.Raw(), constants.MaxSendWR, constants.MaxRecvWR, child.dev.Caps().MaxSGE)
	if err != nil {
		childID.Reject(0, nil)
		return
	}
	child.qp = qp

	c.emit(Upcall{Kind: UpcallNewConnection, Conn: child})

	caps := child.dev.Caps()
	if err := childID.Accept(qp, caps.MaxQPResponderRes, caps.MaxQPInitiatorRes); err != nil {
		childID.Reject(0, nil)
	}
}

func (c *Connection) onEstablished() {
	c.local = c.connID.LocalAddr()
	c.remote = c.connID.RemoteAddr()

	// two extra references: one for the pending beacon, one for the
	// timewait deadline (spec §4.6 "shutdown sequence").
	c.retain()
	c.retain()

	c.mu.Lock()
	c.setState(StateConnected)
	c.mu.Unlock()

	c.emit(Upcall{Kind: UpcallEstablished, Conn: c})
}

func (c *Connection) onDisconnected() {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch state {
	case StateConnected:
		c.initiateDisconnect(true)
	case StateConnecting:
		c.initiateDisconnect(false)
		c.release() // drop the beacon reference that was never claimed
	case StateClosed:
		c.completeDisconnect(true)
	default:
		// ignore, spec §4.5 dispatch table
	}
}

func (c *Connection) initiateDisconnect(withBeacon bool) {
	c.mu.Lock()
	c.setState(StateDisconnected)
	c.mu.Unlock()

	if withBeacon && c.qp != nil {
		c.qp.PostSend(verbs.SendWR{
			WRID:   constants.BeaconWorkID,
			OpCode: verbs.OpBeacon,
			Signaled: true,
		})
	}

	c.armTimewait()
}

func (c *Connection) completeDisconnect(withBeacon bool) {
	_ = withBeacon
	c.emit(Upcall{Kind: UpcallDisconnected, Conn: c})
}

func (c *Connection) armTimewait() {
	timeout := constants.DefaultTimewait
	if c.opt.IgnoreTimewait {
		timeout = constants.ForcedShutdownTimewait
	}
	c.cancelTimewait = c.ctx.ScheduleDelayed(timeout, c.onTimewaitExit)
}

// onTimewaitExit is also a fallback deadline: if the CM never delivers
// TIMEWAIT_EXIT (a known stall case, spec §4.5), this same handler fires
// from the scheduled timer instead.
func (c *Connection) onTimewaitExit() {
	c.ctx.ScheduleOneShot(func() {
		if c.cancelTimewait != nil {
			c.cancelTimewait()
			c.cancelTimewait = nil
		}

		c.mu.Lock()
		state := c.state
		c.mu.Unlock()

		if state == StateDisconnected {
			c.emit(Upcall{Kind: UpcallDisconnected, Conn: c})
		}
		c.release() // drop the timewait-deadline reference
	})
}

// Close transitions to CLOSED from any state except CLOSED and DESTROYED,
// where it does nothing. From CONNECTED it drives the same
// beacon/timewait sequence a peer-initiated disconnect would, then relies
// on their eventual completion to progress teardown; it never blocks.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateDestroyed {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.mu.Unlock()

	if prev == StateConnected {
		// Post the beacon and arm timewait here, synchronously: the CM's
		// own DISCONNECTED event for this Disconnect() call round-trips
		// back asynchronously through onDisconnected, by which time state
		// is already CLOSED below and that path only completes the upcall.
		c.connID.Disconnect()
		c.initiateDisconnect(true)
	}

	c.mu.Lock()
	c.setState(StateClosed)
	c.mu.Unlock()

	c.release() // the owner's reference
}

// postClose runs once all three references (owner, beacon, timewait) have
// dropped: it removes pending scheduled events, unregisters observers,
// destroys the phantom pool (left to the taskpool package), releases the
// QP, destroys the CM id, releases the CM channel, and finally frees the
// connection object (spec §4.6 "shutdown sequence"). Attempting this
// while nested in a handler instead records the intent and defers it
// (spec §4.6, §9 "handler-re-entrancy hazard").
func (c *Connection) postClose() {
	c.mu.Lock()
	if c.handlerNesting > 0 {
		c.setState(StateDestroyed)
		c.pendingDestroy = true
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.teardown()
}

func (c *Connection) scheduleDeferredClose() {
	c.ctx.ScheduleOneShot(c.teardown)
}

func (c *Connection) teardown() {
	if c.cancelTimewait != nil {
		c.cancelTimewait()
		c.cancelTimewait = nil
	}
	c.pump.Unregister(c.connID)
	if c.qp != nil {
		c.qp.Destroy()
		if c.cqRef != nil {
			c.cqRef.ReleaseSlots(constants.MaxSendWR + constants.MaxRecvWR + constants.ExtraRecvWR)
		}
	}
	if c.cqRef != nil {
		c.cqMgr.Put(c.cqRef)
	}
	c.connID.Destroy()
	c.pump.Release()

	c.mu.Lock()
	c.setState(StateDestroyed)
	c.mu.Unlock()

	c.emit(Upcall{Kind: UpcallClosed, Conn: c})
}

func (c *Connection) emit(u Upcall) {
	if c.obs != nil {
		c.obs.OnUpcall(u)
	}
}

// Dup2 transplants this connection across HCAs for the reconnect flow: if
// source and target devices differ, it builds an rkey table from old->new
// via registry, switches the connection's device to newDev, and takes one
// extra reference on the connection itself. Same device (or no device
// yet) is a no-op.
func (c *Connection) Dup2(registry *mr.Registry, newDev verbs.Device) error {
	if c.dev == nil || newDev.GUID() == c.dev.GUID() {
		return nil
	}
	table, err := registry.BuildRkeyTable(c.dev, newDev)
	if err != nil {
		return fmt.Errorf("conn: dup2: %w", err)
	}
	c.rkeyTable = table
	c.dev = newDev
	c.retain() // the extra reference the duplicate-then-retarget flow takes
	return nil
}

// SetPeerRkeyTable installs the peer-supplied remap table used by
// UpdateTask (spec §4.6 "Remote-key remap").
func (c *Connection) SetPeerRkeyTable(table map[uint32]uint32) {
	c.peerRkeyTable = table
}

// UpdateTask translates a peer-provided rkey via the peer-supplied remap
// table before use; an unknown rkey fails the translation (spec §4.6).
func (c *Connection) UpdateTask(rkey uint32) (uint32, error) {
	if c.peerRkeyTable == nil {
		return 0, fmt.Errorf("conn: no peer rkey table installed")
	}
	newKey, ok := c.peerRkeyTable[rkey]
	if !ok {
		return 0, fmt.Errorf("conn: unknown rkey %d in peer remap table", rkey)
	}
	return newKey, nil
}

// IsValidInReq rejects messages whose scatter/gather list exceeds the
// configured inbound limit, mixes MR-backed and non-MR-backed segments,
// or violates zero-length/header constraints (spec §4.6 "Validation").
func (c *Connection) IsValidInReq(sges []verbs.SGE, headerLen int) error {
	return c.validateSGEs(sges, c.opt.MaxInIovsz, headerLen)
}

// IsValidOutMsg is the outbound counterpart of IsValidInReq.
func (c *Connection) IsValidOutMsg(sges []verbs.SGE, headerLen int) error {
	return c.validateSGEs(sges, c.opt.MaxOutIovsz, headerLen)
}

func (c *Connection) validateSGEs(sges []verbs.SGE, maxSegs int, headerLen int) error {
	if maxSegs > 0 && len(sges) > maxSegs {
		return fmt.Errorf("conn: %d segments exceeds configured max of %d", len(sges), maxSegs)
	}
	if c.opt.MaxHeaderLen > 0 && headerLen > c.opt.MaxHeaderLen {
		return fmt.Errorf("conn: header length %d exceeds inline limit %d", headerLen, c.opt.MaxHeaderLen)
	}

	hasMR, hasNoMR := false, false
	for _, sge := range sges {
		if sge.Length == 0 && sge.Addr != 0 {
			return fmt.Errorf("conn: zero-length segment with non-null address")
		}
		if sge.LKey != 0 {
			hasMR = true
		} else {
			hasNoMR = true
		}
	}
	if hasMR && hasNoMR {
		return fmt.Errorf("conn: mixed MR-backed and non-MR-backed segments")
	}
	return nil
}

var connIDSeq atomic.Uint64

func nextConnID() uint64 { return connIDSeq.Add(1) }
