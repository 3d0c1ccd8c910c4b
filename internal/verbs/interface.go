// Package verbs abstracts the RDMA verbs / connection-manager primitives
// the rest of the core is built on, the way internal/uring.Ring abstracts
// io_uring for the teacher. The only implementation in this package is
// the pure-Go simulated one (sim.go), which backs tests and the demo CLI
// on hosts without an HCA; there is no cgo binding to
// libibverbs/librdmacm.
package verbs

import (
	"context"
	"errors"
)

// AccessFlags mirrors the ibv_access_flags bitmask used at MR registration.
type AccessFlags uint32

const (
	AccessLocalWrite AccessFlags = 1 << iota
	AccessRemoteWrite
	AccessRemoteRead
	AccessRemoteAtomic
	AccessAllocateMR // device can allocate and own the backing pages itself
)

// ErrWouldBlock is returned by non-blocking reads of an event channel fd
// when no event is currently available.
var ErrWouldBlock = errors.New("verbs: would block")

// DeviceCaps describes what a device supports, used by callers that need
// to clamp requested parameters (e.g. responder_resources/initiator_depth).
type DeviceCaps struct {
	MaxQP              int
	MaxCQE             int
	MaxSendWR          int
	MaxRecvWR          int
	MaxSGE             int
	NumCompVectors     int
	MaxQPResponderRes  int
	MaxQPInitiatorRes  int
	SupportsAllocateMR bool
}

// Device is a discovered RDMA device (HCA) with one protection domain.
type Device interface {
	// Name is the kernel device name, e.g. "mlx5_0".
	Name() string
	// GUID uniquely identifies the underlying verbs context, used for
	// de-duplication in the device registry.
	GUID() uint64
	Caps() DeviceCaps

	// AsyncFD returns the device's asynchronous-event file descriptor,
	// readable when an IBV_EVENT_* is pending. Non-blocking.
	AsyncFD() int
	// NextAsyncEvent drains and acknowledges one pending async event.
	// Returns ErrWouldBlock when none is pending.
	NextAsyncEvent() (AsyncEvent, error)

	// RegisterMR registers an existing buffer for local/remote access.
	RegisterMR(addr uintptr, length int, access AccessFlags) (MemoryRegion, error)
	// AllocateMR asks the device to allocate and register length bytes
	// itself; only valid when Caps().SupportsAllocateMR is true.
	AllocateMR(length int, access AccessFlags) (MemoryRegion, error)

	// NewCompletionQueue creates a CQ with the requested depth bound to
	// the given completion vector.
	NewCompletionQueue(depth int, compVector int) (CompletionQueue, error)

	// NewConnID creates an unbound rdma_cm_id for use as a client or listener.
	NewConnID(channel CMEventChannel) (ConnID, error)

	Close() error
}

// AsyncEventKind enumerates the IBV_EVENT_* subset this core reacts to.
type AsyncEventKind int

const (
	AsyncEventOther AsyncEventKind = iota
	AsyncEventCommEstablished
	AsyncEventDeviceFatal
)

// AsyncEvent is one device-level asynchronous event.
type AsyncEvent struct {
	Kind AsyncEventKind
	// QPNum identifies the queue pair the event refers to, when applicable.
	QPNum uint32
}

// MemoryRegion is one device-local registration of a buffer.
type MemoryRegion interface {
	Addr() uintptr
	Length() int
	LKey() uint32
	RKey() uint32
	Deregister() error
}

// CompletionQueue is a verbs CQ plus its completion channel.
type CompletionQueue interface {
	Depth() int
	// Resize requests ibv_resize_cq; the kernel/driver may grant more
	// than requested. Returns the depth actually granted.
	Resize(depth int) (int, error)
	// ChannelFD is the completion channel fd, registered readable with
	// the I/O context event loop.
	ChannelFD() int
	// AckEvents acknowledges n completion-queue notification events.
	AckEvents(n int)
	// RequestNotify arms one-shot notification for the next completion.
	RequestNotify() error
	// Poll harvests up to len(wc) completions without blocking.
	Poll(wc []WorkCompletion) (int, error)
	Destroy() error
}

// WorkCompletion mirrors the fields of struct ibv_wc this core needs.
type WorkCompletion struct {
	WRID    uint64
	Status  WCStatus
	QPNum   uint32
	ByteLen uint32
	ImmData uint32
}

// WCStatus mirrors ibv_wc_status; zero value is success.
type WCStatus int

const (
	WCSuccess WCStatus = iota
	WCFlushErr
	WCError
)

// QueuePair is a connection's send/receive queue pair.
type QueuePair interface {
	QPNum() uint32
	PostSend(wr SendWR) error
	PostRecv(wr RecvWR) error
	Destroy() error
}

// SGE is one scatter/gather element of a work request.
type SGE struct {
	Addr   uintptr
	Length uint32
	LKey   uint32
}

// SendWR describes a post to the send queue: a normal send, an RDMA
// read/write, or the distinguished beacon send.
type SendWR struct {
	WRID      uint64
	OpCode    WROpCode
	SGEs      []SGE
	RemoteRKey uint32
	RemoteAddr uintptr
	Signaled  bool
}

// RecvWR describes a post to the receive queue.
type RecvWR struct {
	WRID uint64
	SGEs []SGE
}

// WROpCode enumerates the work-request opcodes this core posts.
type WROpCode int

const (
	OpSend WROpCode = iota
	OpRDMAWrite
	OpRDMARead
	OpBeacon // a zero-length send with the reserved beacon WRID
)

// CMEventChannel is one rdma_cm event channel, shared by every connection
// created against the same I/O context (spec §4.5 "one CM event channel
// per context").
type CMEventChannel interface {
	FD() int
	// NextEvent drains and returns one pending CM event without
	// blocking. Returns ErrWouldBlock when none is pending.
	NextEvent() (CMEvent, error)
	Destroy() error
}

// CMEventType enumerates the rdma_cm_event_type values the dispatch table
// in spec §4.5 reacts to.
type CMEventType int

const (
	EventAddrResolved CMEventType = iota
	EventAddrError
	EventRouteResolved
	EventRouteError
	EventConnectRequest
	EventConnectError
	EventUnreachable
	EventEstablished
	EventRejected
	EventDisconnected
	EventAddrChange
	EventTimewaitExit
	EventDeviceRemoval
)

// CMEvent is one connection-manager event. PrivateData carries
// connect-request/establish payloads (e.g. peer-provided rkey hints).
type CMEvent struct {
	Type        CMEventType
	ConnID      ConnID
	ListenID    ConnID // set only for EventConnectRequest
	RejectReason int
	PrivateData []byte
	StatusCode  int
}

// ConnID is one rdma_cm_id: the handle a connection owns throughout its
// address/route/connect/established/disconnect lifecycle.
type ConnID interface {
	// Device is valid only after the id has resolved an address.
	Device() Device

	ResolveAddr(ctx context.Context, local, remote string, timeoutMS int) error
	ResolveRoute(ctx context.Context, timeoutMS int) error
	Connect(responderResources, initiatorDepth int) error
	Listen(backlog int) error
	Accept(qp QueuePair, responderResources, initiatorDepth int) error
	Reject(reason int, privateData []byte) error
	Disconnect() error

	CreateQP(pd Device, cq CompletionQueue, maxSendWR, maxRecvWR, maxSGE int) (QueuePair, error)

	LocalAddr() string
	RemoteAddr() string

	Destroy() error
}
