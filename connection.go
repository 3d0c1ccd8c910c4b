package rdmacore

import (
	"context"
	"fmt"
	"sync"

	"github.com/vuhuong/rdmacore/internal/cm"
	"github.com/vuhuong/rdmacore/internal/conn"
	"github.com/vuhuong/rdmacore/internal/cq"
	"github.com/vuhuong/rdmacore/internal/device"
	"github.com/vuhuong/rdmacore/internal/ioctx"
	"github.com/vuhuong/rdmacore/internal/logging"
	"github.com/vuhuong/rdmacore/internal/mempool"
	"github.com/vuhuong/rdmacore/internal/mr"
	"github.com/vuhuong/rdmacore/internal/taskpool"
	"github.com/vuhuong/rdmacore/internal/verbs"
)

// Connection is one RDMA connection: a CM id, its queue pair, the shared
// completion queue it posts to, and the graceful-shutdown state machine
// layered over both (spec §4.6).
type Connection = conn.Connection

// Endpoint is a running instance of this transport core: one I/O context,
// one device registry, one memory-region registry, one completion-queue
// manager, an optional shared slab pool, and the per-connection task
// pools that Dial/Listen attach to every established Connection.
//
// Grounded on ehrlich-b-go-ublk/backend.go's Device/DeviceParams/Options/
// CreateAndServe entry point, generalized from "one ublk block device"
// to "one RDMA transport instance that can open many connections".
type Endpoint struct {
	params Params
	log    *logging.Logger
	obs    Observer

	ctx     *ioctx.Context
	devReg  *device.Registry
	mrReg   *mr.Registry
	cqMgr   *cq.Manager
	channel verbs.CMEventChannel
	pump    *cm.Pump
	slab    *mempool.Pool

	stopCh chan struct{}
	runWG  sync.WaitGroup

	mu         sync.Mutex
	closed     bool
	connIDSeq  uint64
	qpConns    map[uint32]*Connection     // qpNum -> connection, for the comm-established race (spec §4.3)
	connTasks  map[uint64]*taskpool.Pools // connection id -> its task pools
}

// Open wires a new Endpoint per params and options. The returned Endpoint
// owns a background goroutine (the I/O context's event loop) until Close
// is called.
func Open(ctx context.Context, params Params, options *Options) (*Endpoint, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if options == nil {
		options = &Options{}
	}
	if options.Context != nil {
		ctx = options.Context
	}
	log := options.Log
	if log == nil {
		log = logging.Default()
	}

	if params.EnableForkInit {
		applyEnvDefaults()
	}

	ioCtx, err := ioctx.New(log)
	if err != nil {
		return nil, newError("Open", ErrCodeOutOfMemory, "create I/O context", err)
	}

	ep := &Endpoint{
		params:    params,
		log:       log,
		obs:       options.Observer,
		ctx:       ioCtx,
		mrReg:     mr.NewRegistry(),
		cqMgr:     cq.NewManager(params.CQPoolDefault),
		stopCh:    make(chan struct{}),
		qpConns:   make(map[uint32]*Connection),
		connTasks: make(map[uint64]*taskpool.Pools),
	}
	ep.devReg = device.NewRegistry(ep.onCommEstablished, log)
	ep.devReg.StartThread(params.CPU)
	ep.cqMgr.SetCompletionHook(ep.onCompletion)

	if len(params.Slabs) > 0 {
		cfg := mempool.Config{
			Source:      params.SlabSource,
			FallThrough: params.SlabFallThrough,
			SafeMT:      params.SlabSafeMT,
			Access:      params.taskpoolAccess(),
		}
		for _, s := range params.Slabs {
			cfg.Slabs = append(cfg.Slabs, mempool.SlabConfig{
				BlockSize:     s.BlockSize,
				InitialBlocks: s.InitialBlocks,
				MaxBlocks:     s.MaxBlocks,
				GrowQuantum:   s.GrowQuantum,
			})
		}
		pool, err := mempool.NewPool(ep.mrReg, cfg)
		if err != nil {
			ep.devReg.Stop()
			ioCtx.Close()
			return nil, newError("Open", ErrCodeOutOfMemory, "create shared slab pool", err)
		}
		ep.slab = pool
	}

	ep.runWG.Add(1)
	go func() {
		defer ep.runWG.Done()
		ep.ctx.Run(ep.stopCh)
	}()
	go func() {
		<-ctx.Done()
		ep.Close()
	}()

	return ep, nil
}

// onCommEstablished implements device.EstablishedHook: it forces the
// owning connection's CM state forward ahead of the CM event itself, the
// race spec §4.3 names ("a device reports comm-established before the CM
// event arrives on the channel").
func (e *Endpoint) onCommEstablished(dev verbs.Device, qpNum uint32) {
	e.mu.Lock()
	c, ok := e.qpConns[qpNum]
	e.mu.Unlock()
	if !ok {
		return
	}
	c.HandleCMEvent(verbs.CMEvent{Type: verbs.EventEstablished, ConnID: c.ConnID()})
}

// onCompletion implements cq.CompletionHook: it routes a harvested work
// completion back to the connection that owns its queue pair, the same
// qpNum index onCommEstablished consults. Only the reserved beacon
// completion has meaning to this core (spec §4.6); everything else a
// connection's HandleCompletion call leaves untouched for a higher layer
// to interpret.
func (e *Endpoint) onCompletion(dev verbs.Device, wc verbs.WorkCompletion) {
	e.mu.Lock()
	c, ok := e.qpConns[wc.QPNum]
	e.mu.Unlock()
	if !ok {
		return
	}
	c.HandleCompletion(wc)
}

// AddDevice registers dev with the endpoint: its memory-region registry,
// its shared slab pool (if any), and its device registry entry (spec §4.3
// "global device list").
func (e *Endpoint) AddDevice(dev verbs.Device) error {
	if err := e.mrReg.AddDevice(dev); err != nil {
		return newError("AddDevice", ErrCodeOutOfMemory, "register device MRs", err)
	}
	if e.slab != nil {
		if err := e.slab.AddDevice(dev); err != nil {
			return newError("AddDevice", ErrCodeOutOfMemory, "grow slab pool onto device", err)
		}
	}
	e.devReg.Add(dev)
	return nil
}

// Devices lists every device currently registered.
func (e *Endpoint) Devices() []verbs.Device { return e.devReg.All() }

func (e *Endpoint) pickDevice() (verbs.Device, error) {
	devs := e.devReg.All()
	if len(devs) == 0 {
		return nil, ErrNoDevices
	}
	return devs[0], nil
}

// ensurePump lazily creates the endpoint's single CM event channel and
// pump (spec §4.5 "one CM event channel per I/O context, shared by every
// connection"). dev is unused by the channel itself — rdma_cm channels
// are not device-scoped — but NewConnID below is, so Dial/Listen still
// thread a device through.
func (e *Endpoint) ensurePump(dev verbs.Device) (verbs.CMEventChannel, *cm.Pump, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pump != nil {
		return e.channel, e.pump, nil
	}
	channel := verbs.NewSimEventChannel()
	pump, err := cm.New(e.ctx, channel, e.log)
	if err != nil {
		return nil, nil, err
	}
	e.channel = channel
	e.pump = pump
	return channel, pump, nil
}

// Dial opens a client connection to remote, resolved from local, against
// the first registered device. Use DialOn to pick a specific device when
// more than one is registered.
func (e *Endpoint) Dial(local, remote string) (*Connection, error) {
	dev, err := e.pickDevice()
	if err != nil {
		return nil, err
	}
	return e.DialOn(dev, local, remote)
}

// DialOn opens a client connection against a specific device.
func (e *Endpoint) DialOn(dev verbs.Device, local, remote string) (*Connection, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}
	channel, pump, err := e.ensurePump(dev)
	if err != nil {
		return nil, newError("Dial", ErrCodeOutOfMemory, "create CM pump", err)
	}

	connID, err := dev.NewConnID(channel)
	if err != nil {
		return nil, newError("Dial", ErrCodeConnectError, "create rdma_cm_id", err)
	}

	c := conn.New(connID, conn.Config{
		ID:       e.nextConnID(),
		Ctx:      e.ctx,
		Pump:     pump,
		CQMgr:    e.cqMgr,
		Observer: observerFunc(e.dispatch),
		Options:  e.params.connOptions(),
		Log:      e.log,
	})
	if err := c.Connect(local, remote); err != nil {
		return nil, newError("Dial", ErrCodeConnectError, "resolve_addr", err)
	}
	return c, nil
}

// Listen opens a listening connection on local, against the first
// registered device. Incoming connections are reported to the Observer
// as UpcallNewConnection followed by UpcallEstablished.
func (e *Endpoint) Listen(local string, backlog int) (*Connection, error) {
	dev, err := e.pickDevice()
	if err != nil {
		return nil, err
	}
	return e.ListenOn(dev, local, backlog)
}

// ListenOn opens a listening connection against a specific device.
func (e *Endpoint) ListenOn(dev verbs.Device, local string, backlog int) (*Connection, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}
	channel, pump, err := e.ensurePump(dev)
	if err != nil {
		return nil, newError("Listen", ErrCodeConnectError, "create CM pump", err)
	}

	connID, err := dev.NewConnID(channel)
	if err != nil {
		return nil, newError("Listen", ErrCodeConnectError, "create rdma_cm_id", err)
	}

	c := conn.New(connID, conn.Config{
		ID:       e.nextConnID(),
		Ctx:      e.ctx,
		Pump:     pump,
		CQMgr:    e.cqMgr,
		Observer: observerFunc(e.dispatch),
		Options:  e.params.connOptions(),
		Log:      e.log,
	})
	if err := c.Listen(local, backlog); err != nil {
		return nil, newError("Listen", ErrCodeConnectError, "listen", err)
	}
	return c, nil
}

func (e *Endpoint) nextConnID() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connIDSeq++
	return e.connIDSeq
}

// observerFunc adapts a plain function to conn.Observer.
type observerFunc func(conn.Upcall)

func (f observerFunc) OnUpcall(u conn.Upcall) { f(u) }

// dispatch is every Connection's conn.Observer: it maintains the
// qpNum->Connection index used by onCommEstablished, attaches per
// connection task pools once ESTABLISHED, tears them down on CLOSED, and
// forwards every upcall to the application's Observer.
func (e *Endpoint) dispatch(u conn.Upcall) {
	switch u.Kind {
	case conn.UpcallEstablished:
		e.trackQP(u.Conn)
		e.attachTaskPools(u.Conn)
	case conn.UpcallClosed:
		e.untrackQP(u.Conn)
		e.detachTaskPools(u.Conn)
	}
	if e.obs != nil {
		e.obs.OnUpcall(u)
	}
}

func (e *Endpoint) trackQP(c *Connection) {
	if c.QPNum() == 0 {
		return
	}
	e.mu.Lock()
	e.qpConns[c.QPNum()] = c
	e.mu.Unlock()
}

func (e *Endpoint) untrackQP(c *Connection) {
	e.mu.Lock()
	delete(e.qpConns, c.QPNum())
	e.mu.Unlock()
}

func (e *Endpoint) attachTaskPools(c *Connection) {
	pools, err := taskpool.New(e.mrReg, taskpool.Config{
		InitialCount:    e.params.InitialTaskCount,
		InitialTaskSize: e.params.InitialTaskSize,
		PrimaryCount:    e.params.PrimaryTaskCount,
		PrimaryTaskSize: e.params.PrimaryTaskSize,
		Slab:            e.slab,
		Access:          e.params.taskpoolAccess(),
	})
	if err != nil {
		e.log.Errorf("attach task pools for connection %d: %v", c.ID(), err)
		return
	}
	e.mu.Lock()
	e.connTasks[c.ID()] = pools
	e.mu.Unlock()
}

func (e *Endpoint) detachTaskPools(c *Connection) {
	e.mu.Lock()
	delete(e.connTasks, c.ID())
	e.mu.Unlock()
}

// TaskPools returns the task pools attached to an established connection.
func (e *Endpoint) TaskPools(c *Connection) (*Pools, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pools, ok := e.connTasks[c.ID()]
	return pools, ok
}

// MigrateDevice moves an established connection to newDev for the
// reconnect-across-HCAs flow (spec §8 scenario E5): it rebuilds c's rkey
// table via Dup2, then rewrites the connection's own task pool's lkeys to
// newDev's MR via Pools.Remap, so a post issued after this call returns
// uses consistent keys on both sides. A connection with no task pools
// attached (e.g. one still in CONNECTING) only runs Dup2.
func (e *Endpoint) MigrateDevice(c *Connection, newDev verbs.Device) error {
	if err := c.Dup2(e.mrReg, newDev); err != nil {
		return fmt.Errorf("rdmacore: migrate device: %w", err)
	}
	if pools, ok := e.TaskPools(c); ok {
		if err := pools.Remap(newDev); err != nil {
			return fmt.Errorf("rdmacore: migrate device: remap task pools: %w", err)
		}
	}
	return nil
}

func (e *Endpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Close stops the endpoint's I/O context and device thread. Connections
// left open are not individually closed first; an application should
// Close its connections before closing the Endpoint for a graceful
// shutdown (spec §8 E4 describes the forced variant, IgnoreTimewait).
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	close(e.stopCh)
	e.runWG.Wait()
	e.devReg.Stop()
	if e.slab != nil {
		if n := e.slab.Destroy(); n > 0 {
			e.log.Warnf("shared slab pool destroyed with %d blocks still outstanding", n)
		}
	}
	// Any CQ still owned by a connection that wasn't individually closed
	// never otherwise drops its context reference (spec §4.4 "the CQ also
	// observes the context's post-close event").
	e.ctx.EmitPostClose()
	return e.ctx.Close()
}
