// Package constants holds fixed protocol and tuning constants for the
// RDMA transport core (spec §6 "Fixed constants").
package constants

import "time"

// Work-request queue sizing, matching the fixed constants table.
const (
	// MaxSendWR is the default send queue depth per QP.
	MaxSendWR = 257

	// MaxRecvWR is the default receive queue depth per QP.
	MaxRecvWR = 256

	// ExtraRecvWR pads the receive queue for the beacon and stray completions.
	ExtraRecvWR = 32

	// MaxPollWC bounds how many work completions are harvested per
	// ibv_poll_cq call / event-loop iteration.
	MaxPollWC = 128

	// CQGrowMultiple is how many times (send+recv+extra) a CQ grows by
	// when a connection's slot reservation does not fit the current depth.
	CQGrowMultiple = 10
)

// BeaconWorkID is the reserved work-request id posted as the last send on a
// graceful disconnect; its completion proves the QP has drained.
const BeaconWorkID uint64 = 0xFFFFFFFFFFFFFFFE

// Default timeouts.
const (
	// DefaultTimewait is how long a connection lingers in DISCONNECTED
	// waiting for TIMEWAIT_EXIT before the fallback deadline fires.
	DefaultTimewait = 60 * time.Second

	// ForcedShutdownTimewait is used in ignore_timewait / forced-shutdown mode.
	ForcedShutdownTimewait = 0 * time.Second

	// AddrResolveTimeout bounds rdma_resolve_addr.
	AddrResolveTimeout = 1000 * time.Millisecond

	// RouteResolveTimeout bounds rdma_resolve_route.
	RouteResolveTimeout = 1000 * time.Millisecond
)

// Default pool / queue sizing unrelated to the kernel ABI.
const (
	// DefaultCQPoolSize caps new completion-queue depth: a CQ is allocated
	// at min(device max_cqe, DefaultCQPoolSize), or at DefaultCQPoolSize
	// when the device reports no usable max_cqe.
	DefaultCQPoolSize = 4096

	// DefaultInitialTaskCount sizes the "initial" handshake task pool.
	DefaultInitialTaskCount = 32

	// DefaultPrimaryTaskCount sizes the "primary" I/O task pool.
	DefaultPrimaryTaskCount = 1024
)

// Environment variables honored at construction (spec §6). Each is set only
// if unset, matching the original's behavior of not clobbering operator
// overrides.
const (
	EnvForkSafe       = "RDMAV_FORK_SAFE"
	EnvHugepagesSafe  = "RDMAV_HUGEPAGES_SAFE"
	EnvMlxQPAlloc     = "MLX_QP_ALLOC_TYPE"
	EnvMlxCQAlloc     = "MLX_CQ_ALLOC_TYPE"
	ValPreferContig   = "PREFER_CONTIG"
	ValYes            = "YES"
	DMALatencyDevPath = "/dev/cpu_dma_latency"
)
