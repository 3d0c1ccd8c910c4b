package rdmacore

import (
	"context"
	"os"

	"github.com/vuhuong/rdmacore/internal/conn"
	"github.com/vuhuong/rdmacore/internal/constants"
	"github.com/vuhuong/rdmacore/internal/logging"
	"github.com/vuhuong/rdmacore/internal/mempool"
	"github.com/vuhuong/rdmacore/internal/taskpool"
	"github.com/vuhuong/rdmacore/internal/verbs"
)

// Observer receives connection lifecycle upcalls (spec §6 "Upcall
// observer"): NEW_CONNECTION, ESTABLISHED, REFUSED, DISCONNECTED,
// CLOSED, ERROR(code).
type Observer = conn.Observer

// Upcall is one event delivered to an Observer.
type Upcall = conn.Upcall

// UpcallKind enumerates the Upcall.Kind values.
type UpcallKind = conn.UpcallKind

const (
	UpcallNewConnection = conn.UpcallNewConnection
	UpcallEstablished   = conn.UpcallEstablished
	UpcallRefused       = conn.UpcallRefused
	UpcallDisconnected  = conn.UpcallDisconnected
	UpcallClosed        = conn.UpcallClosed
	UpcallError         = conn.UpcallError
)

// Task is one pre-registered, reusable send/receive buffer plus the
// scatter/gather list a work request posts against it (spec §4.7); Bytes
// returns its backing buffer, or nil for a phantom task.
type Task = taskpool.Task

// TaskKind identifies which of a connection's task pools a Task came
// from.
type TaskKind = taskpool.Kind

const (
	TaskKindInitial = taskpool.KindInitial
	TaskKindPrimary = taskpool.KindPrimary
	TaskKindPhantom = taskpool.KindPhantom
)

// Pools owns an established connection's initial, primary, and (once
// created) phantom task pools (spec §4.7); obtain one via
// Endpoint.TaskPools.
type Pools = taskpool.Pools

// SGE is one scatter/gather element posted in a work request, passed to
// Connection.IsValidInReq/IsValidOutMsg and set on a Task's SGL before
// posting.
type SGE = verbs.SGE

// QueuePair is the verbs queue pair backing an established Connection,
// returned by Connection.QP for a consumer to post its own work
// requests against.
type QueuePair = verbs.QueuePair

// State is a connection's lifecycle state.
type State = conn.State

const (
	StateInit        = conn.StateInit
	StateListen      = conn.StateListen
	StateConnecting  = conn.StateConnecting
	StateConnected   = conn.StateConnected
	StateDisconnected = conn.StateDisconnected
	StateReconnect   = conn.StateReconnect
	StateClosed      = conn.StateClosed
	StateDestroyed   = conn.StateDestroyed
)

// SlabParams describes one block-size slab in the optional shared memory
// pool (spec §4.2). Leave Params.Slabs empty to run without a shared
// pool; every connection's primary task pool then registers its own
// buffer instead of drawing from one (spec §4.7).
type SlabParams struct {
	BlockSize     int
	InitialBlocks int
	MaxBlocks     int
	GrowQuantum   int
}

// Params configures an Endpoint at construction, mirroring the option
// table in spec §6 "External Interfaces" as typed Go fields rather than
// the original's name/int32-payload pairs.
type Params struct {
	// CPU pins the device registry's async-event poll thread (spec §4.3).
	CPU int

	// CQPoolDefault caps completion-queue depth: a new CQ is allocated at
	// min(device max_cqe, CQPoolDefault), or at CQPoolDefault when the
	// device reports no usable max_cqe.
	CQPoolDefault int

	// Slabs configures the optional shared slab pool. Empty disables it
	// (ENABLE_MEM_POOL=0 in spec §6's option table).
	Slabs           []SlabParams
	SlabSource      mempool.PageSource
	SlabFallThrough mempool.FallThrough
	SlabSafeMT      bool

	// InitialTaskCount/Size and PrimaryTaskCount/Size size each
	// connection's two eager task pools (spec §4.7).
	InitialTaskCount int
	InitialTaskSize  int
	PrimaryTaskCount int
	PrimaryTaskSize  int

	// MaxInIovlen/MaxOutIovlen bound scatter/gather segments per request
	// (spec §6 MAX_IN_IOVLEN/MAX_OUT_IOVLEN).
	MaxInIovlen  int
	MaxOutIovlen int

	// MaxHeaderLen bounds the inline header length validated by
	// IsValidInReq/IsValidOutMsg (spec §8 property 8).
	MaxHeaderLen int

	// EnableDMALatency is copied into each connection's Options. Open does
	// not open or write /dev/cpu_dma_latency.
	EnableDMALatency bool

	// EnableForkInit makes Open run applyEnvDefaults (RDMAV_HUGEPAGES_SAFE,
	// MLX_QP_ALLOC_TYPE, MLX_CQ_ALLOC_TYPE, each only if unset). It does
	// not set RDMAV_FORK_SAFE and makes no fork-init call; with it unset,
	// Open sets no environment variables.
	EnableForkInit bool

	// IgnoreTimewait forces every timewait deadline to 0ms, for forced
	// shutdown (spec §8 E4).
	IgnoreTimewait bool
}

// DefaultParams returns the fixed-constant defaults from spec §6.
func DefaultParams() Params {
	return Params{
		CPU:              0,
		CQPoolDefault:    constants.DefaultCQPoolSize,
		InitialTaskCount: 32,
		InitialTaskSize:  512,
		PrimaryTaskCount: 256,
		PrimaryTaskSize:  64 << 10,
		MaxInIovlen:      defaultMaxSGE,
		MaxOutIovlen:     defaultMaxSGE,
		MaxHeaderLen:     512,
	}
}

// defaultMaxSGE is the default MaxInIovlen/MaxOutIovlen. It is not
// clamped to any device's Caps().MaxSGE.
const defaultMaxSGE = 16

func (p Params) taskpoolAccess() verbs.AccessFlags {
	return verbs.AccessLocalWrite | verbs.AccessRemoteWrite | verbs.AccessRemoteRead
}

func (p Params) connOptions() conn.Options {
	return conn.Options{
		EnableMemPool:    len(p.Slabs) > 0,
		EnableDMALatency: p.EnableDMALatency,
		MaxInIovsz:       p.MaxInIovlen,
		MaxOutIovsz:      p.MaxOutIovlen,
		EnableForkInit:   p.EnableForkInit,
		MaxHeaderLen:     p.MaxHeaderLen,
		IgnoreTimewait:   p.IgnoreTimewait,
	}
}

// Options carries construction-time collaborators that are not part of
// the fixed Params table: cancellation, logging, and the upcall
// observer, mirroring ehrlich-b-go-ublk's Options{Context, Logger,
// Observer} shape.
type Options struct {
	// Context bounds the endpoint's background device-poll goroutine
	// and event loop; if nil, context.Background() is used.
	Context context.Context

	// Log receives structured diagnostics; if nil, logging.Default() is used.
	Log *logging.Logger

	// Observer receives connection lifecycle upcalls; required to learn
	// about NEW_CONNECTION on a listening Endpoint, optional otherwise.
	Observer Observer
}

// applyEnvDefaults sets the environment variables spec §6 "honored at
// construction" honors, but only if unset, matching
// RDMAV_HUGEPAGES_SAFE=1, MLX_QP_ALLOC_TYPE=PREFER_CONTIG,
// MLX_CQ_ALLOC_TYPE=PREFER_CONTIG.
func applyEnvDefaults() {
	setIfUnset("RDMAV_HUGEPAGES_SAFE", "1")
	setIfUnset("MLX_QP_ALLOC_TYPE", "PREFER_CONTIG")
	setIfUnset("MLX_CQ_ALLOC_TYPE", "PREFER_CONTIG")
}

func setIfUnset(key, value string) {
	if _, ok := os.LookupEnv(key); !ok {
		os.Setenv(key, value)
	}
}
