// Package registry announces and discovers the endpoints of event-stream RPC
// servers.
//
// A server announces one Endpoint per service name it serves; clients look the
// name up and pick an endpoint with a loadbalance.Balancer.
package registry

import (
	"context"
	"errors"
	"time"
)

// Transport names how an endpoint carries the event-stream byte channel.
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "ws"
)

var ErrNoEndpoints = errors.New("registry: no endpoints")

// Endpoint is one announced server address.
type Endpoint struct {
	Addr      string `json:"addr"`
	Transport string `json:"transport,omitempty"`
	Weight    int    `json:"weight,omitempty"`
	// Version is the protocol version the server speaks.
	Version string `json:"version,omitempty"`
}

type Registry interface {
	// Register announces ep under service until Deregister is called or the
	// registration is not renewed for ttl.
	Register(ctx context.Context, service string, ep Endpoint, ttl time.Duration) error
	Deregister(ctx context.Context, service, addr string) error
	Discover(ctx context.Context, service string) ([]Endpoint, error)
	// Watch emits the full endpoint list every time it changes until ctx is done.
	Watch(ctx context.Context, service string) <-chan []Endpoint
}
