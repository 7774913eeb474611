package registry

import (
	"context"
	"testing"
	"time"
)

func TestMemoryRegisterAndDiscover(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	reg.Register(ctx, "Echo", Endpoint{Addr: "b:1"}, 0)
	reg.Register(ctx, "Echo", Endpoint{Addr: "a:1"}, 0)
	reg.Register(ctx, "Other", Endpoint{Addr: "c:1"}, 0)

	eps, err := reg.Discover(ctx, "Echo")
	if err != nil {
		t.Fatal(err)
	}
	if len(eps) != 2 || eps[0].Addr != "a:1" || eps[1].Addr != "b:1" {
		t.Fatalf("unexpected endpoints %+v", eps)
	}

	reg.Deregister(ctx, "Echo", "a:1")
	eps, _ = reg.Discover(ctx, "Echo")
	if len(eps) != 1 || eps[0].Addr != "b:1" {
		t.Fatalf("expect only b:1 after deregister, got %+v", eps)
	}
}

func TestMemoryTTLExpires(t *testing.T) {
	reg := NewMemoryRegistry()
	now := time.Unix(1000, 0)
	reg.now = func() time.Time { return now }

	reg.Register(context.Background(), "Echo", Endpoint{Addr: "a:1"}, 10*time.Second)
	now = now.Add(11 * time.Second)

	eps, _ := reg.Discover(context.Background(), "Echo")
	if len(eps) != 0 {
		t.Fatalf("expect the registration to expire, got %+v", eps)
	}
}

func TestMemoryWatch(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx, cancel := context.WithCancel(context.Background())

	ch := reg.Watch(ctx, "Echo")
	if eps := <-ch; len(eps) != 0 {
		t.Fatalf("expect an empty initial list, got %+v", eps)
	}

	reg.Register(context.Background(), "Echo", Endpoint{Addr: "a:1"}, 0)
	if eps := <-ch; len(eps) != 1 {
		t.Fatalf("expect one endpoint, got %+v", eps)
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			// A last update may still be buffered; the next read must see the close.
			if _, ok := <-ch; ok {
				t.Fatal("watch channel not closed")
			}
		}
	case <-time.After(time.Second):
		t.Fatal("watch channel not closed after cancel")
	}
}

func TestMemoryCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := NewMemoryRegistry().Register(ctx, "Echo", Endpoint{Addr: "a:1"}, 0); err == nil {
		t.Fatal("expect an error for a canceled context")
	}
}
