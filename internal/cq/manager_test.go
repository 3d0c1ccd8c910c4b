//go:build linux

package cq

import (
	"testing"

	"github.com/vuhuong/rdmacore/internal/ioctx"
	"github.com/vuhuong/rdmacore/internal/verbs"
)

func newTestContext(t *testing.T) *ioctx.Context {
	t.Helper()
	ctx, err := ioctx.New(nil)
	if err != nil {
		t.Fatalf("ioctx.New: %v", err)
	}
	t.Cleanup(func() { ctx.Close() })
	return ctx
}

func TestGetReturnsSharedCQForSameContext(t *testing.T) {
	mgr := NewManager(0)
	dev := verbs.NewSimDevice("sim0")
	ctx := newTestContext(t)

	c1, err := mgr.Get(dev, ctx, 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	c2, err := mgr.Get(dev, ctx, 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if c1 != c2 {
		t.Fatal("expected the same CQ instance for repeated Get on the same (device, context)")
	}
	if c1.Refcount() != 2 {
		t.Errorf("expected refcount 2 after two Get calls, got %d", c1.Refcount())
	}

	mgr.Put(c1)
	if c1.Refcount() != 1 {
		t.Errorf("expected refcount 1 after one Put, got %d", c1.Refcount())
	}
	mgr.Put(c2)
	if c1.Refcount() != 0 {
		t.Errorf("expected refcount 0 after matching Put calls, got %d", c1.Refcount())
	}
}

func TestGetReturnsDistinctCQForDistinctContext(t *testing.T) {
	mgr := NewManager(0)
	dev := verbs.NewSimDevice("sim0")
	ctxA := newTestContext(t)
	ctxB := newTestContext(t)

	cA, err := mgr.Get(dev, ctxA, 0)
	if err != nil {
		t.Fatalf("Get(ctxA): %v", err)
	}
	cB, err := mgr.Get(dev, ctxB, 0)
	if err != nil {
		t.Fatalf("Get(ctxB): %v", err)
	}
	if cA == cB {
		t.Fatal("expected distinct CQs for distinct contexts")
	}
}

func TestAllocSlotsGrowsAndReleases(t *testing.T) {
	mgr := NewManager(64)
	dev := verbs.NewSimDevice("sim0")
	ctx := newTestContext(t)

	c, err := mgr.Get(dev, ctx, 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if err := c.AllocSlots(32); err != nil {
		t.Fatalf("AllocSlots(32): %v", err)
	}
	if err := c.AllocSlots(64); err != nil {
		t.Fatalf("AllocSlots(64) should grow the CQ: %v", err)
	}
	if c.GrantedDepth() < 96 {
		t.Errorf("expected granted depth >= 96 after growth, got %d", c.GrantedDepth())
	}

	c.ReleaseSlots(64)
	c.ReleaseSlots(32)
}

func TestPostCloseDropsReference(t *testing.T) {
	mgr := NewManager(0)
	dev := verbs.NewSimDevice("sim0")
	ctx := newTestContext(t)

	c, err := mgr.Get(dev, ctx, 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if c.Refcount() != 1 {
		t.Fatalf("expected refcount 1, got %d", c.Refcount())
	}

	ctx.EmitPostClose()
	if c.Refcount() != 0 {
		t.Errorf("expected PostClose to drop the CQ's reference, refcount=%d", c.Refcount())
	}
}
