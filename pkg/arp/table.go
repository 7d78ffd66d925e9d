package arp

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/datawire/dlib/dlog"

	"github.com/datawire/vxgw-agent/internal/errcat"
	"github.com/datawire/vxgw-agent/pkg/packet"
	"github.com/datawire/vxgw-agent/pkg/vnet"
)

type waiterEntry struct {
	id uint64
	ch chan arpResult
}

type arpResult struct {
	mac MAC
	ok  bool
}

// MAC is an alias so callers reading this package's exports don't have to
// also import vnet for the one type they need most.
type MAC = vnet.MAC

// Lifetimes holds the ArpCache's configurable durations (spec.md §3):
// Retry is the interval between repeated ARP requests for the same
// unresolved address, Timeout bounds how long a seeded in-flight entry is
// allowed to stay unresolved, Stale marks an entry due for a background
// refresh without yet discarding it, and Expiration is how long a resolved
// entry is trusted before it is dropped outright.
type Lifetimes struct {
	Retry      time.Duration
	Timeout    time.Duration
	Stale      time.Duration
	Expiration time.Duration
}

// DefaultLifetimes returns the lifetimes spec.md §3 specifies.
func DefaultLifetimes() Lifetimes {
	return Lifetimes{
		Retry:      10 * time.Second,
		Timeout:    60 * time.Second,
		Stale:      1800 * time.Second,
		Expiration: 3600 * time.Second,
	}
}

// Table is a Router's exclusively-owned ArpTable (spec.md §3 "Ownership"):
// an asynchronous IP->MAC resolver backed by a shared Cache.
type Table struct {
	root      context.Context
	cache     *Cache
	emitter   packet.Emitter
	lifetimes Lifetimes

	sf singleflight.Group

	mu           sync.Mutex
	waiters      map[vnet.IPv4][]waiterEntry
	nextWaiterID uint64
}

// NewTable returns an ArpTable whose background retry loops and expiry
// timers run for the lifetime of root, governed by lifetimes.
func NewTable(root context.Context, cache *Cache, emitter packet.Emitter, lifetimes Lifetimes) *Table {
	return &Table{
		root:      root,
		cache:     cache,
		emitter:   emitter,
		lifetimes: lifetimes,
		waiters:   make(map[vnet.IPv4][]waiterEntry),
	}
}

// Get resolves ip to a MAC, reachable via port, failing with a
// errcat.Timeout error if no entry appears before expiry. Per spec.md §4.1:
// it triggers an arpForAddress retry loop whenever the cached entry is
// missing, stale, or in-flight, but still returns immediately from a fresh
// (non-expired) cached entry that carries a MAC, even if that triggered a
// background refresh. An in-flight entry (no MAC yet) waits like a miss.
func (t *Table) Get(ctx context.Context, ip vnet.IPv4, port *vnet.RouterPort, expiry time.Time) (vnet.MAC, bool, error) {
	if port.Variant == vnet.Exterior && !port.Subnet().Contains(ip) {
		// Link-local check (spec.md §4.1): not reachable off-subnet via
		// this exterior port, so don't ARP for it.
		return vnet.MAC{}, false, nil
	}

	now := time.Now()
	entry, ok := t.cache.Get(ip)
	needsRefresh := !ok || entry.Stale.Before(now) || !entry.HasMAC
	if needsRefresh {
		t.triggerArpForAddress(ip, port)
	}
	if ok && entry.HasMAC && !entry.Expiry.Before(now) {
		return entry.MAC, true, nil
	}

	id := atomic.AddUint64(&t.nextWaiterID, 1)
	ch := make(chan arpResult, 1)
	t.mu.Lock()
	t.waiters[ip] = append(t.waiters[ip], waiterEntry{id: id, ch: ch})
	t.mu.Unlock()

	waitCtx := ctx
	if !expiry.IsZero() {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithDeadline(ctx, expiry)
		defer cancel()
	}

	select {
	case res := <-ch:
		return res.mac, res.ok, nil
	case <-waitCtx.Done():
		t.removeWaiter(ip, id)
		return vnet.MAC{}, false, errcat.Timeout.Newf("arp resolution for %s timed out", ip)
	}
}

// Set publishes a resolved binding: it wakes every pending waiter for ip
// with mac and writes a fresh cache entry (spec.md §4.1).
func (t *Table) Set(ip vnet.IPv4, mac vnet.MAC) {
	now := time.Now()
	entry := vnet.ArpCacheEntry{
		MAC:    mac,
		HasMAC: true,
		Stale:  now.Add(t.lifetimes.Stale),
		Expiry: now.Add(t.lifetimes.Expiration),
	}
	t.cache.Add(ip, entry)
	t.completeWaiters(ip, mac, true)
	t.scheduleExpire(ip, entry.Expiry)
}

func (t *Table) completeWaiters(ip vnet.IPv4, mac vnet.MAC, ok bool) {
	t.mu.Lock()
	ws := t.waiters[ip]
	delete(t.waiters, ip)
	t.mu.Unlock()

	for _, w := range ws {
		w.ch <- arpResult{mac: mac, ok: ok}
	}
}

func (t *Table) removeWaiter(ip vnet.IPv4, id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ws := t.waiters[ip]
	for i, w := range ws {
		if w.id == id {
			t.waiters[ip] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(t.waiters[ip]) == 0 {
		delete(t.waiters, ip)
	}
}

// scheduleExpire fires EXPIRATION after the entry was created: if the
// entry is still expired at that moment it completes all remaining waiters
// with no MAC and removes the cache entry (spec.md §4.1).
func (t *Table) scheduleExpire(ip vnet.IPv4, at time.Time) {
	d := time.Until(at)
	if d < 0 {
		d = 0
	}
	go func() {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-t.root.Done():
			return
		case <-timer.C:
		}
		now := time.Now()
		if entry, ok := t.cache.Get(ip); ok && !entry.Expiry.After(now) {
			t.completeWaiters(ip, vnet.MAC{}, false)
			t.cache.Remove(ip)
		}
	}()
}

// triggerArpForAddress launches arpForAddress in its own goroutine, coalesced
// per-IP through singleflight so that concurrent Get callers for the same IP
// share one retry loop (spec.md §4.1 waiter coalescing, scenario S3).
func (t *Table) triggerArpForAddress(ip vnet.IPv4, port *vnet.RouterPort) {
	key := ip.String()
	go func() {
		_, _, _ = t.sf.Do(key, func() (interface{}, error) {
			t.arpForAddress(t.root, ip, port)
			return nil, nil
		})
	}()
}

// arpForAddress is the two-phase retry loop of spec.md §4.1: refetch the
// entry, then decide whether to give up, yield to another agent, declare
// victory, or emit another ARP request and wait out RETRY.
func (t *Table) arpForAddress(ctx context.Context, ip vnet.IPv4, port *vnet.RouterPort) {
	var previous time.Time
	for {
		now := time.Now()
		entry, ok := t.cache.Get(ip)
		if !ok {
			// Nobody has asked for this address before: seed an in-flight
			// entry so the rest of the loop, and any concurrent Get, has
			// something to look at.
			entry = vnet.ArpCacheEntry{Expiry: now.Add(t.lifetimes.Timeout)}
			t.cache.Add(ip, entry)
		} else if !entry.Expiry.After(now) {
			t.completeWaiters(ip, vnet.MAC{}, false)
			return
		}
		if !previous.IsZero() && entry.LastArp != previous {
			// Another agent advanced lastArp under us; back off unless
			// the entry has gone stale enough (2x RETRY) that the other
			// agent's lease itself looks abandoned.
			if now.Sub(entry.LastArp) < 2*t.lifetimes.Retry {
				return
			}
		}
		if entry.HasMAC && entry.Stale.After(now) {
			// Up to date; any waiters were already woken by Set.
			return
		}

		next := entry
		next.LastArp = now
		if !t.cache.CompareAndSwap(ip, entry, next) {
			// Lost the lease race to another resolver; loop back to the
			// top immediately and re-evaluate against the new entry.
			continue
		}

		req := packet.NewArpRequest(port.MAC, port.IP, ip)
		t.emitter.Emit(ctx, port.ID, req)
		dlog.Debugf(ctx, "ARP: requesting %s on port %s", ip, port.ID)

		select {
		case <-time.After(t.lifetimes.Retry):
			previous = now
			continue
		case <-ctx.Done():
			return
		}
	}
}
