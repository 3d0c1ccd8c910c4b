//go:build linux

package cm

import (
	"testing"
	"time"

	"github.com/vuhuong/rdmacore/internal/ioctx"
	"github.com/vuhuong/rdmacore/internal/verbs"
)

type recordingTarget struct {
	id     verbs.ConnID
	events chan verbs.CMEvent
}

func (t *recordingTarget) ConnID() verbs.ConnID { return t.id }
func (t *recordingTarget) HandleCMEvent(ev verbs.CMEvent) {
	t.events <- ev
}

func TestDispatchRoutesEventToRegisteredTarget(t *testing.T) {
	ctx, err := ioctx.New(nil)
	if err != nil {
		t.Fatalf("ioctx.New: %v", err)
	}
	defer ctx.Close()

	stop := make(chan struct{})
	go ctx.Run(stop)
	defer close(stop)

	channel := verbs.NewSimEventChannel()
	pump, err := New(ctx, channel, nil)
	if err != nil {
		t.Fatalf("cm.New: %v", err)
	}

	dev := verbs.NewSimDevice("sim0")
	id, err := dev.NewConnID(channel)
	if err != nil {
		t.Fatalf("NewConnID: %v", err)
	}

	target := &recordingTarget{id: id, events: make(chan verbs.CMEvent, 1)}
	pump.Register(id, target)

	if err := id.ResolveAddr(nil, "a", "b", 1000); err != nil {
		t.Fatalf("ResolveAddr: %v", err)
	}

	select {
	case ev := <-target.events:
		if ev.Type != verbs.EventAddrResolved {
			t.Errorf("expected EventAddrResolved, got %v", ev.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatched event")
	}
}

func TestRouteCacheRoundTrip(t *testing.T) {
	ctx, err := ioctx.New(nil)
	if err != nil {
		t.Fatalf("ioctx.New: %v", err)
	}
	defer ctx.Close()

	channel := verbs.NewSimEventChannel()
	pump, err := New(ctx, channel, nil)
	if err != nil {
		t.Fatalf("cm.New: %v", err)
	}

	dev := verbs.NewSimDevice("sim0")
	pump.CacheRoute("10.0.0.1", "10.0.0.2", dev)

	entry, ok := pump.LookupRoute("10.0.0.1", "10.0.0.2")
	if !ok {
		t.Fatal("expected cached route to be found")
	}
	if entry.Device.GUID() != dev.GUID() {
		t.Error("cached route returned the wrong device")
	}

	if _, ok := pump.LookupRoute("10.0.0.1", "10.0.0.99"); ok {
		t.Error("expected miss for an unrelated address pair")
	}
}

func TestRefcountSharedPump(t *testing.T) {
	ctx, err := ioctx.New(nil)
	if err != nil {
		t.Fatalf("ioctx.New: %v", err)
	}
	defer ctx.Close()

	channel := verbs.NewSimEventChannel()
	pump, err := New(ctx, channel, nil)
	if err != nil {
		t.Fatalf("cm.New: %v", err)
	}
	pump.Retain()
	if pump.refcount != 2 {
		t.Fatalf("expected refcount 2, got %d", pump.refcount)
	}
	pump.Release()
	if pump.refcount != 1 {
		t.Fatalf("expected refcount 1, got %d", pump.refcount)
	}
}
