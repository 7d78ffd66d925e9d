// Package arp implements the ArpTable: an asynchronous IP->MAC resolver
// backed by a shared ArpCache, per spec.md §4.1.
package arp

import (
	"context"

	"github.com/datawire/vxgw-agent/internal/watchable"
	"github.com/datawire/vxgw-agent/pkg/vnet"
)

// Cache is the shared ArpCache: a mapping IPv4 -> ArpCacheEntry, visible to
// every agent node and to watchers (spec.md §3, §5 "shared resources"). It
// stands in for the external replicated-state store the real agent would use;
// here it is the in-process watchable.Map, itself the library-ized form of
// the "replicated-map watchers" Design Note.
type Cache struct {
	m watchable.Map[vnet.IPv4, vnet.ArpCacheEntry]
}

// NewCache returns an empty ArpCache.
func NewCache() *Cache {
	return &Cache{}
}

// Get returns the current entry for ip, if any.
func (c *Cache) Get(ip vnet.IPv4) (vnet.ArpCacheEntry, bool) {
	return c.m.Load(ip)
}

// Add stores (or replaces) the entry for ip.
func (c *Cache) Add(ip vnet.IPv4, entry vnet.ArpCacheEntry) {
	c.m.Store(ip, entry)
}

// Remove deletes the entry for ip, if present.
func (c *Cache) Remove(ip vnet.IPv4) {
	c.m.Delete(ip)
}

// LoadAll returns a shallow copy of every (ip, entry) pair currently cached.
func (c *Cache) LoadAll() map[vnet.IPv4]vnet.ArpCacheEntry {
	return c.m.LoadAll()
}

// Subscribe streams snapshots of the whole cache, coalesced, starting with
// the current state. Used by VxGatewayManager's ARP-table watcher
// (spec.md §4.5).
func (c *Cache) Subscribe(ctx context.Context) <-chan watchable.Snapshot[vnet.IPv4, vnet.ArpCacheEntry] {
	return c.m.Subscribe(ctx)
}

// CompareAndSwap atomically replaces the entry for ip with next, provided
// the currently-stored entry still equals prev. Used by the retry loop's
// lastArp lease (spec.md §5): an agent only advances lastArp if nobody else
// changed the entry out from under it.
func (c *Cache) CompareAndSwap(ip vnet.IPv4, prev, next vnet.ArpCacheEntry) bool {
	return c.m.CompareAndSwap(ip, prev, next, entryEqual)
}

func entryEqual(a, b vnet.ArpCacheEntry) bool {
	return a.MAC == b.MAC && a.HasMAC == b.HasMAC && a.Expiry.Equal(b.Expiry) &&
		a.Stale.Equal(b.Stale) && a.LastArp.Equal(b.LastArp)
}
