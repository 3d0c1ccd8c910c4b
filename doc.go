// Package rdmacore is a user-space RDMA transport core: a connection
// manager state machine driving RC queue pairs over rdma_cm, a
// completion-queue manager shared by every connection on a given
// (device, context) pair, a lock-free slab allocator of pre-registered
// DMA buffers, and rkey remapping for migrating an established
// connection to a new HCA.
//
// Endpoint is the main entry point: Open wires a device registry, an
// I/O context, a connection-manager event pump, a completion-queue
// manager, an optional shared slab pool, and per-connection task pools
// into one value, then Dial or Listen creates Connections against it.
// Every callback the core invokes — CM events, completion notifications,
// timers — runs on the Endpoint's single I/O context goroutine; nothing
// in this package is safe to call concurrently with that goroutine
// except where documented (Close, Collector, device hot-add).
//
// This core implements the connection and memory-management layers only.
// Wire framing, retransmission, flow control, and RDMA READ/WRITE
// request/response pairing are out of scope; a consumer layers those on
// top of the Connection and task-pool primitives exposed here.
package rdmacore
