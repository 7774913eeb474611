package client

import (
	"context"
	"net"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"eventstream-rpc/loadbalance"
	"eventstream-rpc/registry"
	"eventstream-rpc/server"
)

func listen() (net.Listener, error) {
	return net.Listen("tcp", "127.0.0.1:0")
}

// startArith starts a server that announces itself in reg under "arith".
func startArith(t *testing.T, reg registry.Registry) string {
	t.Helper()
	l, err := listen()
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	svr := server.NewServer(
		server.WithLogger(zaptest.NewLogger(t)),
		server.WithRegistry(reg, "arith", addr),
		server.WithAdvertisedTransport(registry.TransportTCP, 10),
	)
	server.HandleUnary(svr, "Arith.Add", nil, func(_ context.Context, args Args) (Reply, error) {
		return Reply{Result: args.A + args.B}, nil
	})
	server.HandleUnary(svr, "Arith.Multiply", nil, func(_ context.Context, args Args) (Reply, error) {
		return Reply{Result: args.A * args.B}, nil
	})
	server.HandleUnary(svr, "Where", nil, func(_ context.Context, _ struct{}) (string, error) {
		return addr, nil
	})
	go svr.Serve(l)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		svr.Shutdown(ctx)
	})
	return addr
}

func waitEndpoints(t *testing.T, reg registry.Registry, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		eps, _ := reg.Discover(context.Background(), "arith")
		if len(eps) >= n {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expect %d endpoints, have %d", n, len(eps))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// 多实例 + 负载均衡：每次 DialService 轮询到不同的 server
func multiServer(t *testing.T, reg registry.Registry) {
	a := startArith(t, reg)
	b := startArith(t, reg)
	waitEndpoints(t, reg, 2)

	bal := &loadbalance.RoundRobinBalancer{}
	seen := map[string]bool{}
	for i := 1; i <= 10; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		cli, err := DialService(ctx, reg, bal, "arith", WithLogger(zaptest.NewLogger(t)))
		if err != nil {
			cancel()
			t.Fatalf("request %d: dial failed: %v", i, err)
		}
		where, err := Unary[struct{}, string](ctx, cli, "Where", struct{}{}, nil)
		if err != nil {
			t.Fatalf("request %d: Where failed: %v", i, err)
		}
		seen[where] = true

		reply, err := Unary[Args, Reply](ctx, cli, "Arith.Add", Args{A: i, B: i * 10}, nil)
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		if expected := i + i*10; reply.Result != expected {
			t.Fatalf("request %d: expect %d, got %d", i, expected, reply.Result)
		}
		product, err := Unary[Args, Reply](ctx, cli, "Arith.Multiply", Args{A: 4, B: i}, nil)
		if err != nil || product.Result != 4*i {
			t.Fatalf("request %d: expect %d, got %d err=%v", i, 4*i, product.Result, err)
		}
		cli.Close()
		<-cli.Done()
		cancel()
	}

	if !seen[a] || !seen[b] {
		t.Fatalf("expect calls to reach both servers, got %v", seen)
	}
}

func TestMultiServerWithMemoryRegistry(t *testing.T) {
	multiServer(t, registry.NewMemoryRegistry())
}

func TestMultiServerWithEtcd(t *testing.T) {
	reg, err := registry.NewEtcdRegistry([]string{"127.0.0.1:2379"}, time.Second,
		registry.WithPrefix("/eventstream-it"), registry.WithLogger(zaptest.NewLogger(t)))
	if err != nil {
		t.Skipf("etcd unavailable: %v", err)
	}
	defer reg.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := reg.Discover(ctx, "arith"); err != nil {
		t.Skipf("etcd unavailable: %v", err)
	}
	multiServer(t, reg)
}
