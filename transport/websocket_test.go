package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"go.uber.org/zap/zaptest"
)

func TestWebSocketChannel(t *testing.T) {
	upgrader := websocket.Upgrader{}
	served := make(chan error, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			served <- err
			return
		}
		conn := NewConn(NewWebSocketChannel(ws), RoleServer, WithLogger(zaptest.NewLogger(t)))
		served <- conn.Serve(&testAcceptor{handler: echo})
	}))
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	client := NewConn(NewWebSocketChannel(ws), RoleClient, WithLogger(zaptest.NewLogger(t)))
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := client.Connect(ctx, nil, nil); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	for _, payload := range []string{`{"msg":"one"}`, strings.Repeat("x", 100000)} {
		rec := newRecorder()
		if _, err := client.OpenStream(request("Echo", payload, true), rec); err != nil {
			t.Fatalf("OpenStream failed: %v", err)
		}
		if got := rec.next(t); string(got.Payload) != payload {
			t.Fatalf("echo mismatch: got %d bytes, want %d", len(got.Payload), len(payload))
		}
		rec.waitClosed(t)
	}

	client.Close()
	waitDone(t, client)
	if err := serveErr(t, served); err != nil {
		t.Fatalf("server ended with %v, want clean close", err)
	}
}

func TestWebSocketChannelRejectsText(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		ws.WriteMessage(websocket.TextMessage, []byte("hello"))
		ws.ReadMessage()
	}))
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	ch := NewWebSocketChannel(ws)
	defer ch.Close()
	if _, err := ch.Read(make([]byte, 16)); err == nil {
		t.Fatal("expect an error for a text message")
	}
}
