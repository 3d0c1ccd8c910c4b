package rdmacore

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vuhuong/rdmacore/internal/cq"
	"github.com/vuhuong/rdmacore/internal/mempool"
	"github.com/vuhuong/rdmacore/internal/metrics"
)

// Collector returns a prometheus.Collector exporting this endpoint's
// completion-queue occupancy, shared slab pool occupancy (if any), and
// connection lifecycle-state counts (spec-full DOMAIN STACK
// "observability surface" — not excluded by any Non-goal, which binds
// the wire/framing surface, not diagnostics). Register it once with a
// prometheus.Registry; Collect is safe to call concurrently with the
// endpoint's own event loop.
func (e *Endpoint) Collector() prometheus.Collector {
	var pools []metrics.PoolSource
	if e.slab != nil {
		pools = append(pools, metrics.PoolSource{Name: "shared", Pool: e.slab})
	}
	return metrics.New(e.cqMgr, pools...)
}

// CQStats snapshots every completion queue the endpoint currently manages,
// the Go analog of the original's per-queue occupancy dump.
func (e *Endpoint) CQStats() []cq.Stat { return e.cqMgr.Stats() }

// SlabStats snapshots the shared slab pool's occupancy, or nil if the
// endpoint has no slab pool configured (spec SUPPLEMENTED FEATURES,
// xio_mempool_dump).
func (e *Endpoint) SlabStats() []mempool.SlabStats {
	if e.slab == nil {
		return nil
	}
	return e.slab.Stats()
}
