package taskpool

import (
	"testing"

	"github.com/vuhuong/rdmacore/internal/mempool"
	"github.com/vuhuong/rdmacore/internal/mr"
	"github.com/vuhuong/rdmacore/internal/verbs"
)

func newTestRegistry(t *testing.T, devs ...verbs.Device) *mr.Registry {
	t.Helper()
	reg := mr.NewRegistry()
	for _, d := range devs {
		if err := reg.AddDevice(d); err != nil {
			t.Fatalf("AddDevice: %v", err)
		}
	}
	return reg
}

func TestInitialPoolAllocatesFixedCount(t *testing.T) {
	dev := verbs.NewSimDevice("sim0")
	reg := newTestRegistry(t, dev)

	pools, err := New(reg, Config{InitialCount: 4, InitialTaskSize: 256, Access: verbs.AccessLocalWrite})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var got []*Task
	for i := 0; i < 4; i++ {
		task, err := pools.Acquire(KindInitial)
		if err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		if len(task.Bytes()) != 256 {
			t.Errorf("task %d: expected 256-byte buffer, got %d", i, len(task.Bytes()))
		}
		got = append(got, task)
	}

	if _, err := pools.Acquire(KindInitial); err == nil {
		t.Fatal("expected the 5th acquire to fail, pool should be exhausted")
	}

	pools.Release(got[0])
	if _, err := pools.Acquire(KindInitial); err != nil {
		t.Fatalf("expected acquire to succeed after a release: %v", err)
	}
}

func TestPrimaryPoolSlabBacked(t *testing.T) {
	dev := verbs.NewSimDevice("sim0")
	reg := newTestRegistry(t, dev)

	slab, err := mempool.NewPool(reg, mempool.Config{
		Slabs:       []mempool.SlabConfig{{BlockSize: 4096, InitialBlocks: 4, MaxBlocks: 8, GrowQuantum: 2}},
		Source:      mempool.RegularPages,
		FallThrough: mempool.UseSmallestSlab,
		SafeMT:      true,
	})
	if err != nil {
		t.Fatalf("mempool.NewPool: %v", err)
	}

	pools, err := New(reg, Config{PrimaryCount: 3, PrimaryTaskSize: 4096, Slab: slab})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	task, err := pools.Acquire(KindPrimary)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if len(task.Bytes()) != 4096 {
		t.Errorf("expected 4096-byte slab-backed task, got %d", len(task.Bytes()))
	}
	if _, err := task.block.LKey(dev); err != nil {
		t.Errorf("expected the slab-backed task's block to resolve an lkey: %v", err)
	}
}

func TestPhantomPoolCreatedLazily(t *testing.T) {
	dev := verbs.NewSimDevice("sim0")
	reg := newTestRegistry(t, dev)
	pools, err := New(reg, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := pools.Acquire(KindPhantom); err == nil {
		t.Fatal("expected phantom acquire to fail before CreatePhantomPool")
	}

	if err := pools.CreatePhantomPool(2); err != nil {
		t.Fatalf("CreatePhantomPool: %v", err)
	}

	task, err := pools.Acquire(KindPhantom)
	if err != nil {
		t.Fatalf("Acquire(KindPhantom): %v", err)
	}
	if task.Bytes() != nil {
		t.Error("expected a phantom task to carry no backing buffer")
	}
}

func TestRemapRewritesOwnBufferLKeysOnly(t *testing.T) {
	devA := verbs.NewSimDevice("simA")
	devB := verbs.NewSimDevice("simB")
	reg := newTestRegistry(t, devA, devB)

	pools, err := New(reg, Config{InitialCount: 1, InitialTaskSize: 256, Access: verbs.AccessLocalWrite})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	task, err := pools.Acquire(KindInitial)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	elemA, ok := task.region.ElementFor(devA)
	if !ok {
		t.Fatal("expected task's region to have an element for devA")
	}
	foreignSGE := verbs.SGE{Addr: 0xdeadbeef, Length: 8, LKey: 999}
	task.SGL = []verbs.SGE{
		{Addr: addrOf(task.Bytes()), Length: uint32(len(task.Bytes())), LKey: elemA.MR.LKey()},
		foreignSGE,
	}

	if err := pools.Remap(devB); err != nil {
		t.Fatalf("Remap: %v", err)
	}

	elemB, ok := task.region.ElementFor(devB)
	if !ok {
		t.Fatal("expected task's region to have an element for devB")
	}
	if task.SGL[0].LKey != elemB.MR.LKey() {
		t.Errorf("expected own-buffer SGE to be rewritten to devB's lkey %d, got %d", elemB.MR.LKey(), task.SGL[0].LKey)
	}
	if task.SGL[1] != foreignSGE {
		t.Error("expected the foreign SGE to be left untouched by remap")
	}
}
