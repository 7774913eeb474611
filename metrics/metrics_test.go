package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := New(reg, WithNamespace("test"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	c.ConnOpened("server")
	c.ConnOpened("server")
	c.ConnClosed("server", "Closed")
	c.FrameIn("Ping", 40)
	c.FrameOut("PingResponse", 40)
	c.FrameOut("PingResponse", 40)
	c.StreamOpened("server")
	c.Fault("correlation")
	c.Handled("Echo", "ok", 5*time.Millisecond)

	if got := testutil.ToFloat64(c.connsOpen.WithLabelValues("server")); got != 1 {
		t.Errorf("open connections = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.frames.WithLabelValues("out", "PingResponse")); got != 2 {
		t.Errorf("frames out = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.bytes.WithLabelValues("in")); got != 40 {
		t.Errorf("bytes in = %v, want 40", got)
	}
	if got := testutil.ToFloat64(c.faults.WithLabelValues("correlation")); got != 1 {
		t.Errorf("faults = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(c.duration); n != 1 {
		t.Errorf("expect one duration series, got %d", n)
	}
}

func TestCollectorDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := New(reg); err != nil {
		t.Fatal(err)
	}
	if _, err := New(reg); err == nil {
		t.Fatal("expect error registering the same metrics twice")
	}
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.ConnOpened("client")
	c.ConnClosed("client", "Fault")
	c.FrameIn("Connect", 1)
	c.FrameOut("Connect", 1)
	c.StreamOpened("client")
	c.StreamClosed("client")
	c.Fault("decode")
	c.Handled("Echo", "error", time.Second)
}
