package registry

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

// newTestEtcd connects to a local etcd, skipping the test when none answers.
func newTestEtcd(t *testing.T) *EtcdRegistry {
	t.Helper()
	reg, err := NewEtcdRegistry([]string{"localhost:2379"}, time.Second,
		WithPrefix("/eventstream-test"), WithLogger(zaptest.NewLogger(t)))
	if err != nil {
		t.Skipf("etcd unavailable: %v", err)
	}
	t.Cleanup(func() { reg.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := reg.client.Status(ctx, "localhost:2379"); err != nil {
		t.Skipf("etcd unavailable: %v", err)
	}
	return reg
}

func TestEtcdRegisterAndDiscover(t *testing.T) {
	reg := newTestEtcd(t)
	ctx := context.Background()

	// Register two endpoints
	ep1 := Endpoint{Addr: "127.0.0.1:8001", Transport: TransportTCP, Weight: 10, Version: "0.1.0"}
	ep2 := Endpoint{Addr: "127.0.0.1:8002", Transport: TransportTCP, Weight: 5, Version: "0.1.0"}

	if err := reg.Register(ctx, "Echo", ep1, 10*time.Second); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(ctx, "Echo", ep2, 10*time.Second); err != nil {
		t.Fatal(err)
	}
	defer reg.Deregister(ctx, "Echo", ep2.Addr)

	eps, err := reg.Discover(ctx, "Echo")
	if err != nil {
		t.Fatal(err)
	}
	if len(eps) != 2 {
		t.Fatalf("expect 2 endpoints, got %d", len(eps))
	}

	// Deregister one
	if err := reg.Deregister(ctx, "Echo", ep1.Addr); err != nil {
		t.Fatal(err)
	}

	eps, err = reg.Discover(ctx, "Echo")
	if err != nil {
		t.Fatal(err)
	}
	if len(eps) != 1 || eps[0].Addr != ep2.Addr {
		t.Fatalf("expect only %s after deregister, got %+v", ep2.Addr, eps)
	}
}

func TestEtcdWatch(t *testing.T) {
	reg := newTestEtcd(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch := reg.Watch(ctx, "Watched")
	// Give the watcher time to attach before the write.
	time.Sleep(100 * time.Millisecond)

	ep := Endpoint{Addr: "127.0.0.1:9001", Transport: TransportWebSocket}
	if err := reg.Register(ctx, "Watched", ep, 5*time.Second); err != nil {
		t.Fatal(err)
	}
	defer reg.Deregister(context.Background(), "Watched", ep.Addr)

	select {
	case eps := <-ch:
		if len(eps) != 1 || eps[0].Addr != ep.Addr {
			t.Fatalf("unexpected watch update %+v", eps)
		}
	case <-ctx.Done():
		t.Fatal("no watch update")
	}
}
