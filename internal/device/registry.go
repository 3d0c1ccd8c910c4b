//go:build linux

// Package device implements the device registry and device thread (spec
// §4.3): a refcounted set of discovered HCAs and a single background
// worker, pinned to a fixed CPU core, that polls each device's
// asynchronous-event fd and forces a connection's CM state forward on a
// "communication established" race.
//
// The pinned-OS-thread event loop is grounded on
// ehrlich-b-go-ublk/internal/queue/runner.go's ioLoop: runtime.LockOSThread
// plus unix.SchedSetaffinity before entering the poll loop. The
// refcounted add/remove/lookup-by-GUID registry is grounded on
// original_source/.../xio_rdma_management.c's device list (dev_list,
// xio_device_list_init, the GUID-keyed lookup before adding a duplicate).
package device

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/vuhuong/rdmacore/internal/logging"
	"github.com/vuhuong/rdmacore/internal/verbs"
)

// pollInterval is how often the device thread checks each device's
// async-event fd when no epoll-style wakeup is wired in (the simulated
// backend has no real fd-level edge to block on; a cgo backend can
// instead block in epoll_wait on the union of AsyncFDs and skip this
// ticker entirely).
const pollInterval = 10 * time.Millisecond

// EstablishedHook is invoked on the device thread when a device reports a
// "communication established" async event, so that the owning
// connection's CM state can be forced forward ahead of the CM event
// itself (spec §4.3).
type EstablishedHook func(dev verbs.Device, qpNum uint32)

type entry struct {
	dev      verbs.Device
	refcount atomic.Int32
	deleting atomic.Bool
}

// Registry tracks every discovered device, de-duplicated by verbs handle,
// and runs the single pinned device thread that polls their async-event
// fds. Per spec §9 "global mutable state" guidance, this is an explicit
// value owned by the caller, not a package singleton.
type Registry struct {
	mu      sync.Mutex
	entries []*entry

	onEstablished EstablishedHook
	log           *logging.Logger

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// NewRegistry creates an empty device registry. onEstablished may be nil.
func NewRegistry(onEstablished EstablishedHook, log *logging.Logger) *Registry {
	if log == nil {
		log = logging.Default()
	}
	return &Registry{onEstablished: onEstablished, log: log}
}

// Add registers dev, de-duplicating by GUID, and returns it with its
// refcount at +1. If dev is already known, its existing refcount is
// incremented and the existing value is returned instead (the caller
// should discard its own dev in that case).
func (r *Registry) Add(dev verbs.Device) verbs.Device {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if e.dev.GUID() == dev.GUID() {
			e.refcount.Add(1)
			return e.dev
		}
	}
	e := &entry{dev: dev}
	e.refcount.Store(1)
	r.entries = append(r.entries, e)
	return dev
}

// Retain increments dev's refcount. dev must have come from Add/Lookup.
func (r *Registry) Retain(dev verbs.Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.dev.GUID() == dev.GUID() {
			e.refcount.Add(1)
			return
		}
	}
}

// Release drops one reference on dev. Only when the refcount reaches zero
// is the device marked deleting, removed from the registry and closed;
// there is no separate deletion list, and a device with references left
// stays in the registry unchanged.
func (r *Registry) Release(dev verbs.Device) {
	r.mu.Lock()
	idx := -1
	var e *entry
	for i, candidate := range r.entries {
		if candidate.dev.GUID() == dev.GUID() {
			idx, e = i, candidate
			break
		}
	}
	if e == nil {
		r.mu.Unlock()
		return
	}
	remaining := e.refcount.Add(-1)
	if remaining > 0 {
		r.mu.Unlock()
		return
	}
	e.deleting.Store(true)
	r.entries = append(r.entries[:idx], r.entries[idx+1:]...)
	r.mu.Unlock()

	if err := dev.Close(); err != nil {
		r.log.Warn("device close failed", "device", dev.Name(), "error", err)
	}
}

// Lookup finds a known device by GUID.
func (r *Registry) Lookup(guid uint64) (verbs.Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		if e.dev.GUID() == guid {
			return e.dev, true
		}
	}
	return nil, false
}

// All returns a snapshot of every live device.
func (r *Registry) All() []verbs.Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]verbs.Device, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.dev)
	}
	return out
}

// Count is the read-only rdma_num_devices option (spec §6).
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// StartThread launches the single background device thread, pinned to
// cpu (a negative value skips affinity pinning), polling every known
// device's async-event fd. It returns immediately; call Stop to shut it
// down.
func (r *Registry) StartThread(cpu int) {
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	go r.deviceThread(cpu)
}

// Stop signals the device thread to exit and waits for it.
func (r *Registry) Stop() {
	r.once.Do(func() {
		if r.stopCh != nil {
			close(r.stopCh)
			<-r.doneCh
		}
	})
}

func (r *Registry) deviceThread(cpu int) {
	defer close(r.doneCh)

	// One thread per registry, dedicated to async device events only;
	// it never touches connection state directly (spec §4.3, §5).
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if cpu >= 0 {
		var mask unix.CPUSet
		mask.Set(cpu)
		if err := unix.SchedSetaffinity(0, &mask); err != nil {
			r.log.Warn("device thread: failed to pin to CPU", "cpu", cpu, "error", err)
		} else {
			r.log.Debugf("device thread: pinned to CPU %d", cpu)
		}
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.pollOnce()
		}
	}
}

func (r *Registry) pollOnce() {
	for _, dev := range r.All() {
		for {
			ev, err := dev.NextAsyncEvent()
			if err != nil {
				break // verbs.ErrWouldBlock: no more events pending
			}
			if ev.Kind == verbs.AsyncEventCommEstablished && r.onEstablished != nil {
				r.onEstablished(dev, ev.QPNum)
			}
		}
	}
}
