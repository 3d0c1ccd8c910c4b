package verbs

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"
)

// SimDevice is a software-simulated Device used by tests and the demo CLI
// on hosts without real RDMA hardware, exactly the role the teacher's
// NewStubRunner/iouring_stub.go plays for ublk.
type SimDevice struct {
	name string
	guid uint64
	caps DeviceCaps

	asyncR, asyncW *os.File
	asyncEvents    chan AsyncEvent
	closed         atomic.Bool

	mu  sync.Mutex
	mrs map[uintptr]*simMR
}

var simDeviceSeq atomic.Uint64

// NewSimDevice creates an in-process simulated HCA.
func NewSimDevice(name string) *SimDevice {
	r, w, _ := os.Pipe()
	return &SimDevice{
		name: name,
		guid: simDeviceSeq.Add(1),
		caps: DeviceCaps{
			MaxQP:              4096,
			MaxCQE:             65536,
			MaxSendWR:          4096,
			MaxRecvWR:          4096,
			MaxSGE:             16,
			NumCompVectors:     4,
			MaxQPResponderRes:  16,
			MaxQPInitiatorRes:  16,
			SupportsAllocateMR: true,
		},
		asyncR:      r,
		asyncW:      w,
		asyncEvents: make(chan AsyncEvent, 64),
		mrs:         make(map[uintptr]*simMR),
	}
}

func (d *SimDevice) Name() string     { return d.name }
func (d *SimDevice) GUID() uint64     { return d.guid }
func (d *SimDevice) Caps() DeviceCaps { return d.caps }
func (d *SimDevice) AsyncFD() int     { return int(d.asyncR.Fd()) }

// InjectCommEstablished lets a test or the CM simulate the device thread's
// forced-established hint (spec §4.3).
func (d *SimDevice) InjectCommEstablished(qpNum uint32) {
	d.injectAsync(AsyncEvent{Kind: AsyncEventCommEstablished, QPNum: qpNum})
}

func (d *SimDevice) injectAsync(ev AsyncEvent) {
	select {
	case d.asyncEvents <- ev:
		d.asyncW.Write([]byte{0})
	default:
	}
}

func (d *SimDevice) NextAsyncEvent() (AsyncEvent, error) {
	select {
	case ev := <-d.asyncEvents:
		buf := make([]byte, 1)
		d.asyncR.Read(buf)
		return ev, nil
	default:
		return AsyncEvent{}, ErrWouldBlock
	}
}

type simMR struct {
	addr   uintptr
	length int
	lkey   uint32
	rkey   uint32
	dev    *SimDevice
	owned  bool // true when SimDevice.AllocateMR allocated the backing buffer
	buf    []byte
}

var simKeySeq atomic.Uint32

func (d *SimDevice) RegisterMR(addr uintptr, length int, access AccessFlags) (MemoryRegion, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := simKeySeq.Add(1)
	mr := &simMR{addr: addr, length: length, lkey: key, rkey: key, dev: d}
	d.mrs[addr] = mr
	return mr, nil
}

func (d *SimDevice) AllocateMR(length int, access AccessFlags) (MemoryRegion, error) {
	buf := make([]byte, length)
	addr := simBufAddr(buf)
	d.mu.Lock()
	defer d.mu.Unlock()
	key := simKeySeq.Add(1)
	mr := &simMR{addr: addr, length: length, lkey: key, rkey: key, dev: d, owned: true, buf: buf}
	d.mrs[addr] = mr
	return mr, nil
}

func (m *simMR) Addr() uintptr { return m.addr }
func (m *simMR) Length() int   { return m.length }
func (m *simMR) LKey() uint32  { return m.lkey }
func (m *simMR) RKey() uint32  { return m.rkey }
func (m *simMR) Deregister() error {
	m.dev.mu.Lock()
	defer m.dev.mu.Unlock()
	delete(m.dev.mrs, m.addr)
	return nil
}

func (d *SimDevice) NewCompletionQueue(depth int, compVector int) (CompletionQueue, error) {
	if depth > d.caps.MaxCQE {
		depth = d.caps.MaxCQE
	}
	r, w, _ := os.Pipe()
	return &simCQ{depth: depth, r: r, w: w, wc: make(chan WorkCompletion, 4096)}, nil
}

type simCQ struct {
	mu     sync.Mutex
	depth  int
	r, w   *os.File
	wc     chan WorkCompletion
	armed  atomic.Bool
	pendN  atomic.Int32
}

func (c *simCQ) Depth() int { return c.depth }

func (c *simCQ) Resize(depth int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.depth = depth
	return depth, nil
}

func (c *simCQ) ChannelFD() int { return int(c.r.Fd()) }

func (c *simCQ) AckEvents(n int) {
	c.pendN.Add(int32(-n))
}

func (c *simCQ) RequestNotify() error {
	c.armed.Store(true)
	return nil
}

func (c *simCQ) push(wc WorkCompletion) {
	select {
	case c.wc <- wc:
		c.pendN.Add(1)
		if c.armed.CompareAndSwap(true, false) {
			c.w.Write([]byte{0})
		}
	default:
	}
}

func (c *simCQ) Poll(out []WorkCompletion) (int, error) {
	n := 0
	for n < len(out) {
		select {
		case wc := <-c.wc:
			out[n] = wc
			n++
		default:
			return n, nil
		}
	}
	return n, nil
}

func (c *simCQ) Destroy() error {
	c.r.Close()
	c.w.Close()
	return nil
}

// simBroker matches listeners to dialers by address string, the way
// rdma_cm matches CONNECT_REQUEST to a listening rdma_cm_id.
type simBroker struct {
	mu        sync.Mutex
	listeners map[string]*simConnID
}

var broker = &simBroker{listeners: make(map[string]*simConnID)}

type simQP struct {
	num    uint32
	cq     *simCQ
	peer   *simQP
	mu     sync.Mutex
	closed bool
}

var simQPSeq atomic.Uint32

func (q *simQP) QPNum() uint32 { return q.num }

func (q *simQP) PostSend(wr SendWR) error {
	q.mu.Lock()
	peer := q.peer
	closed := q.closed
	cq := q.cq
	q.mu.Unlock()
	if closed {
		cq.push(WorkCompletion{WRID: wr.WRID, Status: WCFlushErr, QPNum: q.num})
		return nil
	}
	// Completion is reported on the initiator's own CQ (signaled sends);
	// the simulated peer only matters for RDMA read/write data movement,
	// which is out of this core's scope (§1 non-goals).
	_ = peer
	cq.push(WorkCompletion{WRID: wr.WRID, Status: WCSuccess, QPNum: q.num, ByteLen: sgeLen(wr.SGEs)})
	return nil
}

func (q *simQP) PostRecv(wr RecvWR) error {
	return nil
}

func (q *simQP) Destroy() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return nil
}

func sgeLen(sges []SGE) uint32 {
	var n uint32
	for _, s := range sges {
		n += s.Length
	}
	return n
}

type simConnID struct {
	dev     *SimDevice
	channel *simEventChannel

	local, remote string
	qp            *simQP
	peer          *simConnID

	mu      sync.Mutex
	backlog chan *simConnID
}

func (d *SimDevice) NewConnID(channel CMEventChannel) (ConnID, error) {
	ch, ok := channel.(*simEventChannel)
	if !ok {
		return nil, fmt.Errorf("verbs: sim device requires a sim event channel")
	}
	return &simConnID{dev: d, channel: ch}, nil
}

func (c *simConnID) Device() Device { return c.dev }

func (c *simConnID) ResolveAddr(ctx context.Context, local, remote string, timeoutMS int) error {
	c.local, c.remote = local, remote
	c.channel.enqueue(CMEvent{Type: EventAddrResolved, ConnID: c})
	return nil
}

func (c *simConnID) ResolveRoute(ctx context.Context, timeoutMS int) error {
	c.channel.enqueue(CMEvent{Type: EventRouteResolved, ConnID: c})
	return nil
}

func (c *simConnID) CreateQP(pd Device, cq CompletionQueue, maxSendWR, maxRecvWR, maxSGE int) (QueuePair, error) {
	sc, ok := cq.(*simCQ)
	if !ok {
		return nil, fmt.Errorf("verbs: sim conn requires a sim CQ")
	}
	qp := &simQP{num: simQPSeq.Add(1), cq: sc}
	c.qp = qp
	return qp, nil
}

func (c *simConnID) Connect(responderResources, initiatorDepth int) error {
	broker.mu.Lock()
	listener, ok := broker.listeners[c.remote]
	broker.mu.Unlock()
	if !ok {
		c.channel.enqueue(CMEvent{Type: EventUnreachable, ConnID: c})
		return nil
	}

	child := &simConnID{dev: listener.dev, channel: listener.channel, local: c.remote, remote: c.local, peer: c}
	c.peer = child

	select {
	case listener.backlog <- child:
		listener.channel.enqueue(CMEvent{Type: EventConnectRequest, ConnID: child, ListenID: listener})
	default:
		c.channel.enqueue(CMEvent{Type: EventUnreachable, ConnID: c})
	}
	return nil
}

func (c *simConnID) Listen(backlog int) error {
	c.backlog = make(chan *simConnID, backlog)
	broker.mu.Lock()
	broker.listeners[c.local] = c
	broker.mu.Unlock()
	return nil
}

func (c *simConnID) Accept(qp QueuePair, responderResources, initiatorDepth int) error {
	if c.peer != nil {
		go c.peer.channel.enqueue(CMEvent{Type: EventEstablished, ConnID: c.peer})
	}
	c.channel.enqueue(CMEvent{Type: EventEstablished, ConnID: c})
	return nil
}

func (c *simConnID) Reject(reason int, privateData []byte) error {
	if c.peer != nil {
		c.peer.channel.enqueue(CMEvent{Type: EventRejected, ConnID: c.peer, RejectReason: reason, PrivateData: privateData})
	}
	return nil
}

func (c *simConnID) Disconnect() error {
	c.channel.enqueue(CMEvent{Type: EventDisconnected, ConnID: c})
	if c.peer != nil {
		c.peer.channel.enqueue(CMEvent{Type: EventDisconnected, ConnID: c.peer})
	}
	return nil
}

func (c *simConnID) LocalAddr() string  { return c.local }
func (c *simConnID) RemoteAddr() string { return c.remote }

func (c *simConnID) Destroy() error {
	broker.mu.Lock()
	if broker.listeners[c.local] == c {
		delete(broker.listeners, c.local)
	}
	broker.mu.Unlock()
	return nil
}

// simEventChannel is a CMEventChannel backed by a real pipe fd so the I/O
// context's epoll-based reactor can treat it exactly like a real CM
// channel fd.
type simEventChannel struct {
	r, w   *os.File
	mu     sync.Mutex
	events []CMEvent
}

// NewSimEventChannel creates a simulated per-context CM event channel.
func NewSimEventChannel() CMEventChannel {
	r, w, _ := os.Pipe()
	return &simEventChannel{r: r, w: w}
}

func (c *simEventChannel) FD() int { return int(c.r.Fd()) }

func (c *simEventChannel) enqueue(ev CMEvent) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	c.w.Write([]byte{0})
}

func (c *simEventChannel) NextEvent() (CMEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return CMEvent{}, ErrWouldBlock
	}
	ev := c.events[0]
	c.events = c.events[1:]
	buf := make([]byte, 1)
	c.r.Read(buf)
	return ev, nil
}

func (c *simEventChannel) Destroy() error {
	c.r.Close()
	c.w.Close()
	return nil
}

func (d *SimDevice) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	d.asyncR.Close()
	d.asyncW.Close()
	return nil
}

// simBufAddr derives a stable integer "address" for a Go-managed buffer for
// use as a map key and SGE.Addr in the simulation.
func simBufAddr(buf []byte) uintptr {
	if len(buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&buf[0]))
}
