// Package mr implements the memory-region registry (spec §4.1): tracking
// every registered buffer across every known device so that a freshly
// added device catches up on existing registrations, and so that rkeys
// can be translated when a connection migrates to a different device.
//
// Grounded on original_source/.../xio_rdma_management.c's per-device MR
// registration-on-new-device pattern (xio_reg_mr_add_dev) and the
// xio_mr/xio_mr_elem list-of-per-device-elements shape.
package mr

import (
	"fmt"
	"sync"

	"github.com/vuhuong/rdmacore/internal/verbs"
)

// Element is one device's registration of a MemoryRegion.
type Element struct {
	Device verbs.Device
	MR     verbs.MemoryRegion
}

// MemoryRegion is a buffer registered, possibly against several devices.
// It always appears in exactly one slot of each device's element list
// (spec §4.1 contract), in the order the devices were registered.
type MemoryRegion struct {
	addr     uintptr
	length   int
	access   verbs.AccessFlags
	allocated bool // true if the registry itself allocated the backing pages

	mu       sync.Mutex
	elements []Element // one per device, stable order
}

// Addr is the buffer address shared by every per-device element.
func (m *MemoryRegion) Addr() uintptr { return m.addr }

// Length is the buffer length in bytes.
func (m *MemoryRegion) Length() int { return m.length }

// ElementFor returns the per-device registration element, or false if this
// region was never registered against dev.
func (m *MemoryRegion) ElementFor(dev verbs.Device) (Element, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.elements {
		if e.Device.GUID() == dev.GUID() {
			return e, true
		}
	}
	return Element{}, false
}

// Registry is the process-wide memory-region registry. Per the
// re-architecture guidance (spec §9 "global mutable state"), it is an
// explicit value with no package-level singleton; callers construct one
// per process (or per test) and hand it to every component that needs it.
type Registry struct {
	mu      sync.Mutex
	devices []verbs.Device
	regions []*MemoryRegion
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// AddDevice registers dev as known to the registry and immediately
// registers every live region against it, equivalent to calling
// OnNewDevice for a registry that already holds regions. Call this (not
// OnNewDevice) when a device joins — it also remembers dev for MRs
// registered afterward.
func (r *Registry) AddDevice(dev verbs.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, d := range r.devices {
		if d.GUID() == dev.GUID() {
			return nil // de-duplicate by verbs handle, spec §4.3
		}
	}
	r.devices = append(r.devices, dev)
	return r.registerAllLocked(dev)
}

// OnNewDevice iterates every live MemoryRegion and registers it against
// dev. Partial failure rolls back all per-device registrations performed
// in this call (spec §4.1).
func (r *Registry) OnNewDevice(dev verbs.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registerAllLocked(dev)
}

func (r *Registry) registerAllLocked(dev verbs.Device) error {
	var done []*MemoryRegion
	for _, region := range r.regions {
		elem, err := r.registerOneLocked(region, dev)
		if err != nil {
			for _, d := range done {
				d.mu.Lock()
				for i, e := range d.elements {
					if e.Device.GUID() == dev.GUID() {
						e.MR.Deregister()
						d.elements = append(d.elements[:i], d.elements[i+1:]...)
						break
					}
				}
				d.mu.Unlock()
			}
			return fmt.Errorf("mr: register region at 0x%x against device %s: %w", region.addr, dev.Name(), err)
		}
		region.mu.Lock()
		region.elements = append(region.elements, elem)
		region.mu.Unlock()
		done = append(done, region)
	}
	return nil
}

func (r *Registry) registerOneLocked(region *MemoryRegion, dev verbs.Device) (Element, error) {
	vmr, err := dev.RegisterMR(region.addr, region.length, region.access)
	if err != nil {
		return Element{}, err
	}
	return Element{Device: dev, MR: vmr}, nil
}

// Register allocates (if addr is 0) or registers an existing buffer for
// local/remote access across every known device. If addr is 0, the first
// known device allocates the backing pages itself (the call fails if that
// device cannot self-allocate; no other device is tried) and the
// registry publishes the chosen address back; every other device then
// registers that same address (spec §4.1).
func (r *Registry) Register(addr uintptr, length int, access verbs.AccessFlags) (*MemoryRegion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.devices) == 0 {
		return nil, fmt.Errorf("mr: register: %w: no devices known to registry", errOutOfMemory)
	}

	region := &MemoryRegion{length: length, access: access}

	start := 0
	if addr == 0 {
		first := r.devices[0]
		if !first.Caps().SupportsAllocateMR {
			return nil, fmt.Errorf("mr: register: %w: device %s cannot self-allocate", errOutOfMemory, first.Name())
		}
		vmr, err := first.AllocateMR(length, access)
		if err != nil {
			return nil, fmt.Errorf("mr: register: %w: %v", errOutOfMemory, err)
		}
		region.addr = vmr.Addr()
		region.allocated = true
		region.elements = append(region.elements, Element{Device: first, MR: vmr})
		start = 1
	} else {
		region.addr = addr
	}

	for _, dev := range r.devices[start:] {
		elem, err := r.registerOneLocked(region, dev)
		if err != nil {
			for _, e := range region.elements {
				e.MR.Deregister()
			}
			return nil, fmt.Errorf("mr: register: %w: %v", errOutOfMemory, err)
		}
		region.elements = append(region.elements, elem)
	}

	r.regions = append(r.regions, region)
	return region, nil
}

// Deregister idempotently frees all per-device MR elements for region and,
// if the registry allocated the buffer, releases the backing pages.
func (r *Registry) Deregister(region *MemoryRegion) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := -1
	for i, reg := range r.regions {
		if reg == region {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil // already deregistered
	}

	region.mu.Lock()
	for _, e := range region.elements {
		e.MR.Deregister()
	}
	region.elements = nil
	region.mu.Unlock()

	r.regions = append(r.regions[:idx], r.regions[idx+1:]...)
	return nil
}

// RkeyPair is one (old_rkey, new_rkey) entry of a migration table.
type RkeyPair struct {
	OldRkey uint32
	NewRkey uint32
}

// BuildRkeyTable produces a parallel iteration over oldDev's and newDev's
// MR-element lists, zipping them by registration order. Fails with a
// program error if the lists do not zip cleanly, since that is an
// invariant violation (every region is registered against every known
// device) rather than a user error (spec §4.1).
func (r *Registry) BuildRkeyTable(oldDev, newDev verbs.Device) ([]RkeyPair, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	table := make([]RkeyPair, 0, len(r.regions))
	for _, region := range r.regions {
		oldElem, ok := region.ElementFor(oldDev)
		if !ok {
			return nil, fmt.Errorf("mr: %w: region at 0x%x has no element for old device %s", errProgramError, region.addr, oldDev.Name())
		}
		newElem, ok := region.ElementFor(newDev)
		if !ok {
			return nil, fmt.Errorf("mr: %w: region at 0x%x has no element for new device %s", errProgramError, region.addr, newDev.Name())
		}
		table = append(table, RkeyPair{OldRkey: oldElem.MR.RKey(), NewRkey: newElem.MR.RKey()})
	}
	return table, nil
}

// Lookup returns the MemoryRegion covering [addr, addr+length), if any is
// currently registered. Grounded on xio_rdma_mr_lookup. The task pool
// does not call it: slab-backed tasks resolve their MR through their
// mempool.Block.
func (r *Registry) Lookup(addr uintptr, length int) (*MemoryRegion, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, region := range r.regions {
		if addr >= region.addr && addr+uintptr(length) <= region.addr+uintptr(region.length) {
			return region, true
		}
	}
	return nil, false
}

// sentinel error values kept package-local; the root package wraps these
// into its typed Error with the right code at the API boundary.
var (
	errOutOfMemory  = fmt.Errorf("out of memory")
	errProgramError = fmt.Errorf("program invariant violated")
)
