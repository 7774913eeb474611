package registry

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRegistry keeps registrations in process. It is used by tests and by
// single-host deployments that have no etcd.
type MemoryRegistry struct {
	mu       sync.Mutex
	services map[string]map[string]memoryEntry
	watchers map[string][]chan []Endpoint
	now      func() time.Time
}

type memoryEntry struct {
	ep      Endpoint
	expires time.Time
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		services: make(map[string]map[string]memoryEntry),
		watchers: make(map[string][]chan []Endpoint),
		now:      time.Now,
	}
}

func (r *MemoryRegistry) Register(ctx context.Context, service string, ep Endpoint, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.services[service]
	if entries == nil {
		entries = make(map[string]memoryEntry)
		r.services[service] = entries
	}
	var expires time.Time
	if ttl > 0 {
		expires = r.now().Add(ttl)
	}
	entries[ep.Addr] = memoryEntry{ep: ep, expires: expires}
	r.notifyLocked(service)
	return nil
}

func (r *MemoryRegistry) Deregister(ctx context.Context, service, addr string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[service][addr]; !ok {
		return nil
	}
	delete(r.services[service], addr)
	r.notifyLocked(service)
	return nil
}

func (r *MemoryRegistry) Discover(ctx context.Context, service string) ([]Endpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.listLocked(service), nil
}

func (r *MemoryRegistry) Watch(ctx context.Context, service string) <-chan []Endpoint {
	ch := make(chan []Endpoint, 1)
	r.mu.Lock()
	r.watchers[service] = append(r.watchers[service], ch)
	ch <- r.listLocked(service)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		ws := r.watchers[service]
		for i, w := range ws {
			if w == ch {
				r.watchers[service] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

// listLocked returns the live endpoints sorted by address, dropping expired ones.
func (r *MemoryRegistry) listLocked(service string) []Endpoint {
	now := r.now()
	eps := make([]Endpoint, 0, len(r.services[service]))
	for addr, e := range r.services[service] {
		if !e.expires.IsZero() && now.After(e.expires) {
			delete(r.services[service], addr)
			continue
		}
		eps = append(eps, e.ep)
	}
	sort.Slice(eps, func(i, j int) bool { return eps[i].Addr < eps[j].Addr })
	return eps
}

// notifyLocked replaces whatever list a slow watcher has not read yet.
func (r *MemoryRegistry) notifyLocked(service string) {
	eps := r.listLocked(service)
	for _, ch := range r.watchers[service] {
		select {
		case <-ch:
		default:
		}
		ch <- eps
	}
}
