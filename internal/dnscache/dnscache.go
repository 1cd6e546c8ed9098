// Package dnscache caches resolved host addresses with a fixed TTL so
// repeated fetches against the same host skip the resolver.
package dnscache

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// DefaultTTL is how long a resolved address stays usable.
const DefaultTTL = 300 * time.Second

type entry struct {
	addr    string
	expires time.Time
}

// Cache is a TTL'd host:port → address cache. Expiry is lazy, checked at
// lookup time.
type Cache struct {
	ttl      time.Duration
	resolver *net.Resolver

	mu      sync.Mutex
	entries map[string]entry
}

// New creates a cache with the given TTL; ttl <= 0 selects DefaultTTL.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		ttl:      ttl,
		resolver: net.DefaultResolver,
		entries:  make(map[string]entry),
	}
}

// Resolve returns a dialable "ip:port" address for host. The first address
// returned by the resolver wins and is cached.
func (c *Cache) Resolve(ctx context.Context, host string, port int) (string, error) {
	key := fmt.Sprintf("%s:%d", host, port)
	now := time.Now()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && now.Before(e.expires) {
		c.mu.Unlock()
		return e.addr, nil
	}
	c.mu.Unlock()

	ips, err := c.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(ips) == 0 {
		return "", fmt.Errorf("resolve %s: no addresses", host)
	}

	addr := net.JoinHostPort(ips[0].IP.String(), fmt.Sprintf("%d", port))

	c.mu.Lock()
	c.entries[key] = entry{addr: addr, expires: now.Add(c.ttl)}
	c.mu.Unlock()

	return addr, nil
}

// Purge drops a cached address, forcing the next Resolve to hit the
// resolver.
func (c *Cache) Purge(host string, port int) {
	key := fmt.Sprintf("%s:%d", host, port)
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}
