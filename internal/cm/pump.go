//go:build linux

// Package cm implements the connection-manager event pump (spec §4.5):
// one CM event channel per I/O context, drained on fd readiness,
// dispatched to the owning connection via a typed dispatch table. The pump
// also holds an LRU cache of resolved routes (CacheRoute/LookupRoute);
// dispatch and the connection path do not consult it, so route
// resolution is never skipped.
//
// Grounded on original_source/.../xio_rdma_management.c's CM event
// switch (on_cm_event) for the dispatch table shape, and on
// webitel-im-delivery-service's use of hashicorp/golang-lru/v2 for the
// route-resolution cache (spec-full DOMAIN STACK).
package cm

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/vuhuong/rdmacore/internal/ioctx"
	"github.com/vuhuong/rdmacore/internal/logging"
	"github.com/vuhuong/rdmacore/internal/verbs"
)

// Target is the subset of a connection's behavior the pump dispatches
// CM events to. internal/conn.Connection implements this.
type Target interface {
	ConnID() verbs.ConnID
	HandleCMEvent(ev verbs.CMEvent)
}

// RouteCacheEntry caches a resolved route for a (local,remote) address
// pair. Entries are only stored and returned on request; nothing in the
// connection path reads them.
type RouteCacheEntry struct {
	Device verbs.Device
}

// Pump owns one CM event channel per I/O context, shared by every
// connection created against that context, plus a bounded LRU cache of
// recently resolved routes.
type Pump struct {
	channel verbs.CMEventChannel
	ctx     *ioctx.Context
	log     *logging.Logger

	refcount int32

	targets map[verbs.ConnID]Target
	routes  *lru.Cache[string, RouteCacheEntry]
}

const defaultRouteCacheSize = 256

// New creates a pump bound to ctx's event loop, registering channel's fd
// as readable. Refcount starts at 1.
func New(ctx *ioctx.Context, channel verbs.CMEventChannel, log *logging.Logger) (*Pump, error) {
	if log == nil {
		log = logging.Default()
	}
	routes, err := lru.New[string, RouteCacheEntry](defaultRouteCacheSize)
	if err != nil {
		return nil, err
	}
	p := &Pump{
		channel:  channel,
		ctx:      ctx,
		log:      log,
		refcount: 1,
		targets:  make(map[verbs.ConnID]Target),
		routes:   routes,
	}
	if err := ctx.RegisterRead(channel.FD(), p.drain); err != nil {
		return nil, err
	}
	return p, nil
}

// Register associates a connection's ConnID with the Target that should
// receive events addressed to it.
func (p *Pump) Register(id verbs.ConnID, target Target) {
	p.targets[id] = target
}

// Unregister removes a connection from dispatch once it is fully torn
// down.
func (p *Pump) Unregister(id verbs.ConnID) {
	delete(p.targets, id)
}

// CacheRoute remembers the device resolved for a (local,remote) pair.
func (p *Pump) CacheRoute(local, remote string, dev verbs.Device) {
	p.routes.Add(routeKey(local, remote), RouteCacheEntry{Device: dev})
}

// LookupRoute returns a cached route resolution, if any.
func (p *Pump) LookupRoute(local, remote string) (RouteCacheEntry, bool) {
	return p.routes.Get(routeKey(local, remote))
}

func routeKey(local, remote string) string { return local + "->" + remote }

// Retain increments the pump's refcount (spec §4.5 "refcounted and
// shared").
func (p *Pump) Retain() { p.refcount++ }

// Release drops a reference; on the last release the channel's fd
// handler is removed and the channel destroyed.
func (p *Pump) Release() {
	p.refcount--
	if p.refcount > 0 {
		return
	}
	p.ctx.UnregisterRead(p.channel.FD())
	p.channel.Destroy()
}

// drain runs on the context's goroutine when the channel fd is readable:
// it drains every pending event in a loop until WouldBlock, dispatching
// each to its owning connection (spec §4.5 "on readiness, drain events in
// a loop until WouldBlock").
func (p *Pump) drain() {
	for {
		ev, err := p.channel.NextEvent()
		if err == verbs.ErrWouldBlock {
			return
		}
		if err != nil {
			p.log.Warn("cm: event channel read failed", "error", err)
			return
		}
		p.dispatch(ev)
	}
}

func (p *Pump) dispatch(ev verbs.CMEvent) {
	target, ok := p.targets[ev.ConnID]
	if !ok {
		// CONNECT_REQUEST arrives addressed to the listener, not a
		// registered child connection yet; the listener's own
		// HandleCMEvent is responsible for registering the child.
		if ev.Type == verbs.EventConnectRequest {
			if listener, ok := p.targets[ev.ListenID]; ok {
				listener.HandleCMEvent(ev)
			}
			return
		}
		p.log.Debugf("cm: event %v for unknown connection, dropping", ev.Type)
		return
	}
	target.HandleCMEvent(ev)
}
