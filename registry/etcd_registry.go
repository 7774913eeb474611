package registry

import (
	"context"
	"encoding/json"
	"path"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// DefaultPrefix is the etcd key prefix under which endpoints are stored:
//
//	Key:   /eventstream/{service}/{addr}
//	Value: JSON-encoded Endpoint
const DefaultPrefix = "/eventstream"

// EtcdRegistry implements Registry on etcd v3. Every registration is attached
// to its own lease, so a crashed server's endpoints expire with the lease.
type EtcdRegistry struct {
	client *clientv3.Client
	prefix string
	log    *zap.Logger
	owned  bool

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID
}

type EtcdOption func(*EtcdRegistry)

func WithPrefix(prefix string) EtcdOption {
	return func(r *EtcdRegistry) { r.prefix = prefix }
}

func WithLogger(l *zap.Logger) EtcdOption {
	return func(r *EtcdRegistry) {
		if l != nil {
			r.log = l
		}
	}
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration, opts ...EtcdOption) (*EtcdRegistry, error) {
	r := newEtcdRegistry(nil, opts...)
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Logger:      r.log.Named("etcd"),
	})
	if err != nil {
		return nil, err
	}
	r.client = c
	r.owned = true
	return r, nil
}

// NewEtcdRegistryFromClient uses an existing client. Close leaves it open.
func NewEtcdRegistryFromClient(c *clientv3.Client, opts ...EtcdOption) *EtcdRegistry {
	return newEtcdRegistry(c, opts...)
}

func newEtcdRegistry(c *clientv3.Client, opts ...EtcdOption) *EtcdRegistry {
	r := &EtcdRegistry{
		client: c,
		prefix: DefaultPrefix,
		log:    zap.NewNop(),
		leases: make(map[string]clientv3.LeaseID),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *EtcdRegistry) key(service, addr string) string {
	return path.Join(r.prefix, service, addr)
}

func (r *EtcdRegistry) servicePrefix(service string) string {
	return path.Join(r.prefix, service) + "/"
}

// Register puts ep under a lease of ttl and keeps the lease alive in the
// background until Deregister revokes it.
func (r *EtcdRegistry) Register(ctx context.Context, service string, ep Endpoint, ttl time.Duration) error {
	secs := int64(ttl / time.Second)
	if secs < 1 {
		secs = 1
	}
	lease, err := r.client.Grant(ctx, secs)
	if err != nil {
		return err
	}

	val, err := json.Marshal(ep)
	if err != nil {
		return err
	}
	key := r.key(service, ep.Addr)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	// The keep-alive must outlive ctx, which usually only bounds the call.
	ch, err := r.client.KeepAlive(context.WithoutCancel(ctx), lease.ID)
	if err != nil {
		return err
	}
	go func() {
		for range ch {
		}
		r.log.Debug("lease keep-alive stopped", zap.String("key", key))
	}()

	r.mu.Lock()
	old, had := r.leases[key]
	r.leases[key] = lease.ID
	r.mu.Unlock()
	if had {
		_, _ = r.client.Revoke(ctx, old)
	}
	r.log.Info("endpoint registered", zap.String("key", key), zap.Int64("ttl", secs))
	return nil
}

// Deregister revokes the endpoint's lease, which deletes the key and stops the
// keep-alive.
func (r *EtcdRegistry) Deregister(ctx context.Context, service, addr string) error {
	key := r.key(service, addr)
	r.mu.Lock()
	id, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if ok {
		if _, err := r.client.Revoke(ctx, id); err != nil {
			return err
		}
	} else if _, err := r.client.Delete(ctx, key); err != nil {
		return err
	}
	r.log.Info("endpoint deregistered", zap.String("key", key))
	return nil
}

func (r *EtcdRegistry) Discover(ctx context.Context, service string) ([]Endpoint, error) {
	resp, err := r.client.Get(ctx, r.servicePrefix(service), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	eps := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var ep Endpoint
		if err := json.Unmarshal(kv.Value, &ep); err != nil {
			r.log.Warn("skipping malformed endpoint", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		eps = append(eps, ep)
	}
	return eps, nil
}

// Watch re-reads the whole list on every change under the service prefix.
func (r *EtcdRegistry) Watch(ctx context.Context, service string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)

	go func() {
		defer close(ch)
		wch := r.client.Watch(ctx, r.servicePrefix(service), clientv3.WithPrefix())
		for resp := range wch {
			if err := resp.Err(); err != nil {
				r.log.Warn("watch failed", zap.String("service", service), zap.Error(err))
				continue
			}
			eps, err := r.Discover(ctx, service)
			if err != nil {
				continue
			}
			select {
			case ch <- eps:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Close closes the etcd client when the registry created it.
func (r *EtcdRegistry) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}
