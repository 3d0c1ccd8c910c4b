// Package taskpool implements the two (plus one lazy) per-connection task
// pools named in spec §4.7: a small "initial" pool for handshake-sized
// setup messages, a larger "primary" pool for message-sized I/O sized
// either from its own registered buffer (ordinary Go memory, not huge
// pages) or from the shared slab pool, and a "phantom" pool of zero-copy
// stub tasks created lazily once the primary pool is ready. On device
// migration (the root package's Endpoint.MigrateDevice, after
// Connection.Dup2), every task's work-request scatter/gather lkeys are
// rewritten to the new device's MR.
//
// Grounded on original_source/.../xio_rdma_management.c's
// xio_rdma_initial_pool_alloc/xio_rdma_primary_pool_alloc/
// xio_rdma_phantom_pool pairing and the task-remap loop driven by
// xio_dup2; the free-list shape (a plain mutex-protected slice, not the
// lock-free claim-bit protocol internal/mempool uses) follows spec §5's
// note that task pools are owned by a single connection on a single
// cooperative-scheduled context, so there is no cross-goroutine
// contention to design around the way there is for the shared slab pool.
package taskpool

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/vuhuong/rdmacore/internal/mempool"
	"github.com/vuhuong/rdmacore/internal/mr"
	"github.com/vuhuong/rdmacore/internal/verbs"
)

// Kind identifies which of the three pools a Task came from.
type Kind int

const (
	KindInitial Kind = iota
	KindPrimary
	KindPhantom
)

func (k Kind) String() string {
	switch k {
	case KindInitial:
		return "initial"
	case KindPrimary:
		return "primary"
	case KindPhantom:
		return "phantom"
	default:
		return "unknown"
	}
}

// Task is one pre-registered, reusable send/receive buffer plus the
// scatter/gather list a work request posts against it. Phantom tasks
// carry no backing buffer of their own (Bytes returns nil, SGL is
// supplied by the caller for a zero-copy forward); remap visits them but
// leaves their SGL unchanged.
type Task struct {
	ID   uint64
	Kind Kind

	block    mempool.Block // zero value for phantom tasks and fresh-registered initial tasks
	region   *mr.MemoryRegion
	buf      []byte
	dev      verbs.Device
	fromSlab bool

	SGL []verbs.SGE
}

// Bytes returns the task's backing buffer, or nil for a phantom task.
func (t *Task) Bytes() []byte { return t.buf }

// remapLKey resolves the task's own buffer lkey against dev and rewrites
// every SGE that currently points at the task's own buffer (an SGE
// pointing at foreign memory, e.g. a phantom task's externally supplied
// segment, is left alone — spec §4.7 only remaps the task's own MR).
func (t *Task) remapLKey(dev verbs.Device) error {
	if t.buf == nil {
		return nil
	}
	var lkey uint32
	switch {
	case t.fromSlab:
		k, err := t.block.LKey(dev)
		if err != nil {
			return err
		}
		lkey = k
	case t.region != nil:
		elem, ok := t.region.ElementFor(dev)
		if !ok {
			return fmt.Errorf("taskpool: task %d's region has no element for device %s", t.ID, dev.Name())
		}
		lkey = elem.MR.LKey()
	default:
		return nil
	}

	base := addrOf(t.buf)
	for i := range t.SGL {
		if t.SGL[i].Addr >= base && t.SGL[i].Addr < base+uintptr(len(t.buf)) {
			t.SGL[i].LKey = lkey
		}
	}
	t.dev = dev
	return nil
}

// set implements a fixed-size, connection-owned pool of tasks with a
// plain mutex-guarded free list (spec §5: single context, no contention).
type set struct {
	kind  Kind
	mu    sync.Mutex
	free  []*Task
	all   []*Task
}

func (s *set) acquire() (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.free) == 0 {
		return nil, fmt.Errorf("taskpool: %s pool exhausted", s.kind)
	}
	t := s.free[len(s.free)-1]
	s.free = s.free[:len(s.free)-1]
	return t, nil
}

func (s *set) release(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.free = append(s.free, t)
}

func (s *set) remap(dev verbs.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.all {
		if err := t.remapLKey(dev); err != nil {
			return err
		}
	}
	return nil
}

// Pools owns a connection's initial, primary, and (once created)
// phantom task sets.
type Pools struct {
	registry *mr.Registry
	slab     *mempool.Pool // nil when the primary pool registers its own buffer, not slab-backed
	access   verbs.AccessFlags

	initial *set
	primary *set

	phantomMu sync.Mutex
	phantom   *set

	nextID uint64
}

// Config sizes the initial and primary pools at construction, and
// optionally points the primary pool at a shared slab pool instead of
// registering its own buffer. That own buffer is ordinary Go memory;
// huge pages are not used.
type Config struct {
	InitialCount     int
	InitialTaskSize  int
	PrimaryCount     int
	PrimaryTaskSize  int
	Slab             *mempool.Pool // nil => primary pool registers its own buffer
	Access           verbs.AccessFlags
}

// New builds the initial and primary pools eagerly; the phantom pool is
// left empty until CreatePhantomPool is called (spec §4.7 "created
// lazily after the primary pool is ready").
func New(registry *mr.Registry, cfg Config) (*Pools, error) {
	p := &Pools{registry: registry, slab: cfg.Slab, access: cfg.Access}

	initial, err := p.buildFreshRegistered(KindInitial, cfg.InitialCount, cfg.InitialTaskSize)
	if err != nil {
		return nil, fmt.Errorf("taskpool: build initial pool: %w", err)
	}
	p.initial = initial

	var primary *set
	if cfg.Slab != nil {
		primary, err = p.buildSlabBacked(cfg.PrimaryCount, cfg.PrimaryTaskSize)
	} else {
		primary, err = p.buildFreshRegistered(KindPrimary, cfg.PrimaryCount, cfg.PrimaryTaskSize)
	}
	if err != nil {
		return nil, fmt.Errorf("taskpool: build primary pool: %w", err)
	}
	p.primary = primary

	return p, nil
}

// buildFreshRegistered allocates one contiguous registered buffer sized
// count*taskSize and slices it into count tasks — the "initial pool
// allocates a fixed small count of setup tasks in one registered buffer"
// behavior (spec §4.7), also used for a primary pool that is not
// slab-backed. The buffer is ordinary Go memory, not huge pages.
func (p *Pools) buildFreshRegistered(kind Kind, count, taskSize int) (*set, error) {
	s := &set{kind: kind}
	if count == 0 {
		return s, nil
	}

	buf := make([]byte, count*taskSize)
	region, err := p.registry.Register(addrOf(buf), len(buf), p.access)
	if err != nil {
		return nil, err
	}

	for i := 0; i < count; i++ {
		t := &Task{
			ID:     p.allocID(),
			Kind:   kind,
			region: region,
			buf:    buf[i*taskSize : (i+1)*taskSize],
		}
		s.all = append(s.all, t)
		s.free = append(s.free, t)
	}
	return s, nil
}

// buildSlabBacked draws count blocks of at least taskSize from the
// shared slab pool — "the MR is looked up rather than freshly
// registered" (spec §4.7) — instead of registering a dedicated buffer.
func (p *Pools) buildSlabBacked(count, taskSize int) (*set, error) {
	s := &set{kind: KindPrimary}
	for i := 0; i < count; i++ {
		b, err := p.slab.Alloc(taskSize)
		if err != nil {
			return nil, fmt.Errorf("slab alloc for task %d: %w", i, err)
		}
		t := &Task{
			ID:       p.allocID(),
			Kind:     KindPrimary,
			block:    b,
			buf:      b.Bytes(),
			fromSlab: true,
		}
		s.all = append(s.all, t)
		s.free = append(s.free, t)
	}
	return s, nil
}

func (p *Pools) allocID() uint64 {
	p.nextID++
	return p.nextID
}

// CreatePhantomPool lazily creates count zero-copy stub tasks. Phantom
// tasks carry no buffer of their own; callers set SGL directly to point
// at externally owned memory for a zero-copy forward (spec §4.7).
func (p *Pools) CreatePhantomPool(count int) error {
	p.phantomMu.Lock()
	defer p.phantomMu.Unlock()
	if p.phantom != nil {
		return nil
	}
	s := &set{kind: KindPhantom}
	for i := 0; i < count; i++ {
		t := &Task{ID: p.allocID(), Kind: KindPhantom}
		s.all = append(s.all, t)
		s.free = append(s.free, t)
	}
	p.phantom = s
	return nil
}

// Acquire hands out the next free task of the given kind.
func (p *Pools) Acquire(kind Kind) (*Task, error) {
	switch kind {
	case KindInitial:
		return p.initial.acquire()
	case KindPrimary:
		return p.primary.acquire()
	case KindPhantom:
		p.phantomMu.Lock()
		ph := p.phantom
		p.phantomMu.Unlock()
		if ph == nil {
			return nil, fmt.Errorf("taskpool: phantom pool not yet created")
		}
		return ph.acquire()
	default:
		return nil, fmt.Errorf("taskpool: unknown kind %v", kind)
	}
}

// Release returns a task to its owning pool.
func (p *Pools) Release(t *Task) {
	switch t.Kind {
	case KindInitial:
		p.initial.release(t)
	case KindPrimary:
		p.primary.release(t)
	case KindPhantom:
		p.phantomMu.Lock()
		ph := p.phantom
		p.phantomMu.Unlock()
		if ph != nil {
			ph.release(t)
		}
	}
}

// Remap rewrites every task's scatter/gather lkeys to dev's MR, called
// by the root package's Endpoint.MigrateDevice after Connection.Dup2
// (spec §4.7
// "on remap... each task's work-request scatter/gather lkeys are
// rewritten to the new MR's lkey").
func (p *Pools) Remap(dev verbs.Device) error {
	if err := p.initial.remap(dev); err != nil {
		return fmt.Errorf("taskpool: remap initial pool: %w", err)
	}
	if err := p.primary.remap(dev); err != nil {
		return fmt.Errorf("taskpool: remap primary pool: %w", err)
	}
	p.phantomMu.Lock()
	ph := p.phantom
	p.phantomMu.Unlock()
	if ph != nil {
		if err := ph.remap(dev); err != nil {
			return fmt.Errorf("taskpool: remap phantom pool: %w", err)
		}
	}
	return nil
}

// addrOf returns the address of b's backing array, or 0 for an empty or
// nil slice (a phantom task, whose SGL points entirely at foreign
// memory and is never matched by remapLKey's range check).
func addrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
