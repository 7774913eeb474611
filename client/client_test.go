package client

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"eventstream-rpc/codec"
	"eventstream-rpc/loadbalance"
	"eventstream-rpc/message"
	"eventstream-rpc/protocol"
	"eventstream-rpc/registry"
	"eventstream-rpc/server"
	"eventstream-rpc/transport"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type echoBody struct {
	Msg string `json:"msg"`
}

func startServer(t *testing.T, register func(svr *server.Server)) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	svr := server.NewServer(server.WithLogger(zaptest.NewLogger(t)))
	register(svr)
	go svr.Serve(l)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		svr.Shutdown(ctx)
	})
	return l.Addr().String()
}

func registerAll(svr *server.Server) {
	svr.Register("Echo", server.HandlerFuncs{
		Start: func(_ context.Context, s *transport.Stream, m *message.Message) error {
			return s.Send(&message.Message{
				Type:        message.TypeApplicationMessage,
				Flags:       message.FlagTerminal,
				ContentType: m.ContentType,
				Payload:     m.Payload,
			})
		},
	})
	server.HandleUnary(svr, "Arith.Add", nil, func(_ context.Context, args Args) (Reply, error) {
		return Reply{Result: args.A + args.B}, nil
	})
	server.HandleUnary(svr, "Arith.Div", nil, func(_ context.Context, args Args) (Reply, error) {
		if args.B == 0 {
			return Reply{}, message.NewApplicationError("DivideByZero", "divide by zero")
		}
		return Reply{Result: args.A / args.B}, nil
	})
	// Count acks, then streams 1..n and ends.
	svr.Register("Count", server.HandlerFuncs{
		Start: func(_ context.Context, s *transport.Stream, m *message.Message) error {
			var n int
			json.Unmarshal(m.Payload, &n)
			if err := s.Send(&message.Message{Type: message.TypeApplicationMessage, Payload: []byte("ack")}); err != nil {
				return err
			}
			for i := 1; i <= n; i++ {
				out := &message.Message{Type: message.TypeApplicationMessage, Payload: []byte{byte('0' + i)}}
				if i == n {
					out.Flags = message.FlagTerminal
				}
				if err := s.Send(out); err != nil {
					return err
				}
			}
			return nil
		},
	})
	svr.Register("Hang", server.HandlerFuncs{
		Start: func(ctx context.Context, _ *transport.Stream, _ *message.Message) error {
			<-ctx.Done()
			return nil
		},
	})
	svr.Register("Kill", server.HandlerFuncs{
		Start: func(_ context.Context, s *transport.Stream, _ *message.Message) error {
			s.Send(&message.Message{Type: message.TypeApplicationMessage, Payload: []byte("partial")})
			return s.Conn().Close()
		},
	})
}

func dial(t *testing.T, addr string, opts ...Option) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, addr, append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)...)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() {
		c.Close()
		<-c.Done()
	})
	return c
}

func respond(t *testing.T, cont *Continuation) (*message.Message, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return cont.Response(ctx)
}

func TestEchoResolvesResponse(t *testing.T) {
	c := dial(t, startServer(t, registerAll))

	payload, _ := json.Marshal(echoBody{Msg: "hi"})
	cont, err := c.Invoke("Echo", nil, payload)
	if err != nil {
		t.Fatal(err)
	}
	if cont.StreamID() != 1 {
		t.Fatalf("expect the first call on stream 1, got %d", cont.StreamID())
	}
	m, err := respond(t, cont)
	if err != nil {
		t.Fatalf("Response failed: %v", err)
	}
	if string(m.Payload) != `{"msg":"hi"}` || !m.Terminal() {
		t.Fatalf("unexpected response %s", m)
	}

	<-cont.Done()
	if err := cont.Err(); err != nil {
		t.Fatalf("expect a clean finish, got %v", err)
	}
	if err := cont.Send(nil, []byte("late")); !errors.Is(err, transport.ErrStreamClosed) {
		t.Fatalf("send after the server's terminal must fail locally, got %v", err)
	}
}

func TestUnregisteredOperationRejects(t *testing.T) {
	c := dial(t, startServer(t, registerAll))

	cont, err := c.Invoke("NoSuchOperation", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = respond(t, cont)
	ae, ok := IsApplicationError(err)
	if !ok {
		t.Fatalf("expect an application error, got %v", err)
	}
	body, _ := ae.Body()
	if body.Code != message.CodeUnsupportedOperation {
		t.Fatalf("expect %s, got %+v", message.CodeUnsupportedOperation, body)
	}
	<-cont.Done()
	if _, ok := IsApplicationError(cont.Err()); !ok {
		t.Fatalf("expect Err to carry the application error, got %v", cont.Err())
	}
}

func TestAbruptCloseRejectsOpenCalls(t *testing.T) {
	c := dial(t, startServer(t, registerAll))

	hang, err := c.Invoke("Hang", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	kill, err := c.Invoke("Kill", nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	if m, err := respond(t, kill); err != nil || string(m.Payload) != "partial" {
		t.Fatalf("expect the partial response, got %v err=%v", m, err)
	}
	if _, err := respond(t, hang); !errors.Is(err, transport.ErrConnectionClosed) {
		t.Fatalf("expect ErrConnectionClosed, got %v", err)
	}

	for _, cont := range []*Continuation{hang, kill} {
		<-cont.Done()
		if !errors.Is(cont.Err(), transport.ErrConnectionClosed) {
			t.Fatalf("expect ErrConnectionClosed, got %v", cont.Err())
		}
		if err := cont.Send(nil, nil); !errors.Is(err, transport.ErrStreamClosed) {
			t.Fatalf("expect ErrStreamClosed, got %v", err)
		}
	}
	if _, err := c.Invoke("Echo", nil, nil); !errors.Is(err, transport.ErrConnectionClosed) {
		t.Fatalf("expect new calls to fail with ErrConnectionClosed, got %v", err)
	}
}

func TestStreamedMessages(t *testing.T) {
	c := dial(t, startServer(t, registerAll))

	cont, err := c.Invoke("Count", nil, []byte("3"), Terminal())
	if err != nil {
		t.Fatal(err)
	}
	if m, err := respond(t, cont); err != nil || string(m.Payload) != "ack" {
		t.Fatalf("expect ack, got %v err=%v", m, err)
	}

	var got []string
	for m := range cont.Messages() {
		got = append(got, string(m.Payload))
	}
	if strings.Join(got, ",") != "1,2,3" {
		t.Fatalf("expect 1,2,3 in order, got %v", got)
	}
	if err := cont.Err(); err != nil {
		t.Fatalf("expect a clean finish, got %v", err)
	}
}

func TestCloseForbidsSends(t *testing.T) {
	c := dial(t, startServer(t, registerAll))

	cont, err := c.Invoke("Hang", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := cont.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := cont.Send(nil, []byte("x")); !errors.Is(err, transport.ErrStreamClosed) {
		t.Fatalf("expect ErrStreamClosed after Close, got %v", err)
	}
	if err := cont.Close(); err != nil {
		t.Fatalf("second Close must be a no-op, got %v", err)
	}
	cont.Cancel()
}

func TestCancelRejectsPendingResponse(t *testing.T) {
	c := dial(t, startServer(t, registerAll))

	cont, err := c.Invoke("Hang", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	cont.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if _, err := cont.Response(ctx); !errors.Is(err, transport.ErrStreamClosed) {
		t.Fatalf("Response after Cancel: expect ErrStreamClosed, got %v", err)
	}
	select {
	case <-cont.Done():
	case <-time.After(300 * time.Millisecond):
		t.Fatal("Done still open after Cancel")
	}
	if !errors.Is(cont.Err(), transport.ErrStreamClosed) {
		t.Fatalf("expect ErrStreamClosed, got %v", cont.Err())
	}
	if _, ok := <-cont.Messages(); ok {
		t.Fatal("Messages must be closed after Cancel")
	}
	if err := cont.Send(nil, []byte("x")); !errors.Is(err, transport.ErrStreamClosed) {
		t.Fatalf("expect ErrStreamClosed after Cancel, got %v", err)
	}

	// The connection is unaffected.
	reply, err := Unary[Args, Reply](context.Background(), c, "Arith.Add", Args{A: 2, B: 2}, nil)
	if err != nil || reply.Result != 4 {
		t.Fatalf("call after Cancel: %+v err=%v", reply, err)
	}
}

func TestUnary(t *testing.T) {
	c := dial(t, startServer(t, registerAll))
	ctx := context.Background()

	reply, err := Unary[Args, Reply](ctx, c, "Arith.Add", Args{A: 1, B: 2}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Result != 3 {
		t.Fatalf("expect 3, got %v", reply.Result)
	}

	// Call again with CBOR: Add(10, 20) = 30
	reply, err = Unary[Args, Reply](ctx, c, "Arith.Add", Args{A: 10, B: 20}, &codec.CBORCodec{})
	if err != nil {
		t.Fatal(err)
	}
	if reply.Result != 30 {
		t.Fatalf("expect 30, got %v", reply.Result)
	}

	_, err = Unary[Args, Reply](ctx, c, "Arith.Div", Args{A: 1, B: 0}, nil)
	if ae, ok := IsApplicationError(err); !ok || ae.ServiceModelType != "DivideByZero" {
		t.Fatalf("expect DivideByZero, got %v", err)
	}
}

func TestPing(t *testing.T) {
	c := dial(t, startServer(t, registerAll))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := c.Ping(ctx, []byte("are you there")); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}

func TestKeepAliveKeepsConnection(t *testing.T) {
	c := dial(t, startServer(t, registerAll), WithKeepAlive(20*time.Millisecond, 0))
	time.Sleep(150 * time.Millisecond)
	if c.Conn().State() != transport.StateConnected {
		t.Fatalf("expect the connection to stay up, state %s", c.Conn().State())
	}
	if idle := c.Conn().IdleFor(); idle > 100*time.Millisecond {
		t.Fatalf("pings should keep the connection active, idle %s", idle)
	}
}

// silentServer accepts the handshake and then never answers anything.
func silentServer(t *testing.T, nc net.Conn) {
	t.Helper()
	go func() {
		r := protocol.NewReader(nc, protocol.DefaultLimits())
		if _, err := r.ReadFrame(); err != nil {
			return
		}
		ack, _ := (&message.Message{Type: message.TypeConnectAck, Flags: message.FlagConnectionAccepted}).ToFrame()
		if err := protocol.WriteFrame(nc, ack, protocol.DefaultLimits()); err != nil {
			return
		}
		for {
			if _, err := r.ReadFrame(); err != nil {
				return
			}
		}
	}()
}

func TestKeepAliveDetectsDeadServer(t *testing.T) {
	cn, sn := net.Pipe()
	defer sn.Close()
	silentServer(t, sn)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c, err := NewClient(ctx, cn, WithLogger(zaptest.NewLogger(t)), WithKeepAlive(20*time.Millisecond, 60*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("keep-alive never gave up on a silent server")
	}
}

func TestDialService(t *testing.T) {
	addr := startServer(t, registerAll)
	reg := registry.NewMemoryRegistry()
	reg.Register(context.Background(), "arith", registry.Endpoint{Addr: addr, Transport: registry.TransportTCP}, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := DialService(ctx, reg, &loadbalance.RoundRobinBalancer{}, "arith", WithLogger(zaptest.NewLogger(t)))
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		c.Close()
		<-c.Done()
	}()

	if reply, err := Unary[Args, Reply](ctx, c, "Arith.Add", Args{A: 2, B: 3}, nil); err != nil || reply.Result != 5 {
		t.Fatalf("expect 5, got %v err=%v", reply.Result, err)
	}

	if _, err := DialService(ctx, reg, &loadbalance.RoundRobinBalancer{}, "missing"); !errors.Is(err, registry.ErrNoEndpoints) {
		t.Fatalf("expect ErrNoEndpoints, got %v", err)
	}
}

func TestDialWebSocket(t *testing.T) {
	svr := server.NewServer(server.WithLogger(zaptest.NewLogger(t)))
	registerAll(svr)
	hs := httptest.NewServer(svr.WebSocketHandler(nil))
	defer hs.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := DialWebSocket(ctx, "ws"+strings.TrimPrefix(hs.URL, "http"), WithLogger(zaptest.NewLogger(t)))
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		c.Close()
		<-c.Done()
	}()

	if reply, err := Unary[Args, Reply](ctx, c, "Arith.Add", Args{A: 40, B: 2}, nil); err != nil || reply.Result != 42 {
		t.Fatalf("expect 42, got %v err=%v", reply.Result, err)
	}
}

func TestHandshakeRejected(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	svr := server.NewServer(
		server.WithLogger(zaptest.NewLogger(t)),
		server.WithAuthenticator(server.StaticTokens("token", map[string]string{"ok": "svc"})),
	)
	go svr.Serve(l)
	defer svr.Shutdown(context.Background())

	var h protocol.Headers
	h.Set("token", protocol.String("wrong"))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = Dial(ctx, l.Addr().String(), WithLogger(zaptest.NewLogger(t)), WithConnectHeaders(h))
	if !errors.Is(err, transport.ErrHandshakeRejected) {
		t.Fatalf("expect ErrHandshakeRejected, got %v", err)
	}
}
