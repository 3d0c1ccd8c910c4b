package mr

import (
	"testing"
	"unsafe"

	"github.com/vuhuong/rdmacore/internal/verbs"
)

func TestRegisterAgainstKnownDevices(t *testing.T) {
	reg := NewRegistry()
	devA := verbs.NewSimDevice("simA")
	devB := verbs.NewSimDevice("simB")

	if err := reg.AddDevice(devA); err != nil {
		t.Fatalf("AddDevice(A): %v", err)
	}
	if err := reg.AddDevice(devB); err != nil {
		t.Fatalf("AddDevice(B): %v", err)
	}

	buf := make([]byte, 4096)
	region, err := reg.Register(uintptrOf(buf), len(buf), verbs.AccessLocalWrite)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, ok := region.ElementFor(devA); !ok {
		t.Error("expected region registered against devA")
	}
	if _, ok := region.ElementFor(devB); !ok {
		t.Error("expected region registered against devB")
	}
}

func TestOnNewDeviceCatchesUpExistingRegions(t *testing.T) {
	reg := NewRegistry()
	devA := verbs.NewSimDevice("simA")
	reg.AddDevice(devA)

	buf := make([]byte, 4096)
	region, err := reg.Register(uintptrOf(buf), len(buf), verbs.AccessLocalWrite)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	devB := verbs.NewSimDevice("simB")
	if err := reg.OnNewDevice(devB); err != nil {
		t.Fatalf("OnNewDevice: %v", err)
	}

	if _, ok := region.ElementFor(devB); !ok {
		t.Error("expected region registered against newly added devB")
	}
}

func TestRegisterNilAddrAllocates(t *testing.T) {
	reg := NewRegistry()
	devA := verbs.NewSimDevice("simA")
	reg.AddDevice(devA)

	region, err := reg.Register(0, 4096, verbs.AccessLocalWrite|verbs.AccessAllocateMR)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if region.Addr() == 0 {
		t.Error("expected a published address after self-allocation")
	}
}

func TestDeregisterIsIdempotent(t *testing.T) {
	reg := NewRegistry()
	devA := verbs.NewSimDevice("simA")
	reg.AddDevice(devA)

	buf := make([]byte, 4096)
	region, err := reg.Register(uintptrOf(buf), len(buf), verbs.AccessLocalWrite)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := reg.Deregister(region); err != nil {
		t.Fatalf("first Deregister: %v", err)
	}
	if err := reg.Deregister(region); err != nil {
		t.Fatalf("second Deregister should be a no-op, got: %v", err)
	}
}

func TestBuildRkeyTableRoundTrip(t *testing.T) {
	reg := NewRegistry()
	devA := verbs.NewSimDevice("simA")
	devB := verbs.NewSimDevice("simB")
	reg.AddDevice(devA)
	reg.AddDevice(devB)

	const numRegions = 3
	for i := 0; i < numRegions; i++ {
		buf := make([]byte, 4096)
		if _, err := reg.Register(uintptrOf(buf), len(buf), verbs.AccessLocalWrite); err != nil {
			t.Fatalf("Register %d: %v", i, err)
		}
	}

	aToB, err := reg.BuildRkeyTable(devA, devB)
	if err != nil {
		t.Fatalf("BuildRkeyTable(A,B): %v", err)
	}
	bToA, err := reg.BuildRkeyTable(devB, devA)
	if err != nil {
		t.Fatalf("BuildRkeyTable(B,A): %v", err)
	}
	if len(aToB) != numRegions || len(bToA) != numRegions {
		t.Fatalf("expected %d entries each way, got %d and %d", numRegions, len(aToB), len(bToA))
	}

	// composing A->B then B->A must be the identity on rkeys that exist
	// in both tables (spec §8 property 4).
	bToANew := make(map[uint32]uint32, len(bToA))
	for _, p := range bToA {
		bToANew[p.OldRkey] = p.NewRkey
	}
	for _, p := range aToB {
		identity, ok := bToANew[p.NewRkey]
		if !ok {
			t.Fatalf("new rkey %d from A->B missing from B->A table", p.NewRkey)
		}
		if identity != p.OldRkey {
			t.Errorf("round trip broke identity: old=%d new=%d back=%d", p.OldRkey, p.NewRkey, identity)
		}
	}
}

func uintptrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
