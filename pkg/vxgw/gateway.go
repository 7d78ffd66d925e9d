// Package vxgw implements the VxGatewayBus/VxGatewayManager control loop of
// spec.md §4.4/§4.5: a per-logical-switch pub/sub of MacLocation events, fed
// by a bridge's MAC-port and ARP-cache watchers, and the VTEP peers attached
// to it.
package vxgw

import (
	"context"
	"sync"

	"github.com/datawire/vxgw-agent/pkg/vnet"
)

// VxGateway is the value object of spec.md §4.4: one per Neutron network,
// its Name derived from NetworkID the way a connection display name is
// derived from its underlying id.
type VxGateway struct {
	NetworkID string
	Name      string
	VNI       uint32
}

// NewVxGateway builds the gateway's Name from networkID per spec.md §4.4.
func NewVxGateway(networkID string, vni uint32) VxGateway {
	return VxGateway{NetworkID: networkID, Name: "mn-" + networkID, VNI: vni}
}

// Bus is the per-logical-switch pub/sub of spec.md §4.4. It filters out any
// published MacLocation whose LogicalSwitch differs from its own gateway's
// Name, and gives every subscriber an unbounded, order-preserving queue so a
// slow consumer never blocks Publish (spec.md §5: "unbounded in practice,
// serialized onto the gateway's single executor"), grounded on the
// teacher's connpool.Pool lock-guarded handler map generalized from
// per-connection handlers to per-subscriber queues.
type Bus struct {
	gw VxGateway

	mu          sync.Mutex
	closed      bool
	nextID      int64
	subscribers map[int64]chan<- vnet.MacLocation
}

// NewBus returns a Bus for gw.
func NewBus(gw VxGateway) *Bus {
	return &Bus{gw: gw, subscribers: make(map[int64]chan<- vnet.MacLocation)}
}

// Gateway returns the VxGateway this bus belongs to.
func (b *Bus) Gateway() VxGateway {
	return b.gw
}

// Publish delivers loc to every current subscriber, dropping it silently if
// loc names a different logical switch (spec.md §4.4) or the bus has
// already been completed.
func (b *Bus) Publish(loc vnet.MacLocation) {
	if loc.LogicalSwitch != b.gw.Name {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subscribers {
		ch <- loc
	}
}

// Subscribe returns a channel of every MacLocation published from now on,
// until ctx is cancelled or the bus is completed. The returned channel is
// closed, never blocked forever, in both cases.
func (b *Bus) Subscribe(ctx context.Context) <-chan vnet.MacLocation {
	in, out := newQueue()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(in)
		return out
	}
	id := b.nextID
	b.nextID++
	b.subscribers[id] = in
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(in)
		}
	}()

	return out
}

// Complete cancels every subscriber (spec.md §4.5 manager termination) and
// marks the bus closed to further Publish calls.
func (b *Bus) Complete() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}

// newQueue returns the write/read ends of an unbounded, order-preserving
// queue: every value sent to in eventually appears on out, in order, even if
// the out consumer is momentarily slower than the producer. Closing in is
// the sole shutdown signal: once closed, any still-pending values are
// drained to out and then out itself is closed. in is never closed by the
// queue goroutine itself, only read from — ownership of closing it stays
// with whoever owns the shutdown decision (here, Bus), so there's exactly
// one place that can race to close a channel.
func newQueue() (chan<- vnet.MacLocation, <-chan vnet.MacLocation) {
	in := make(chan vnet.MacLocation)
	out := make(chan vnet.MacLocation)

	go func() {
		defer close(out)
		var pending []vnet.MacLocation
		for {
			if len(pending) == 0 {
				v, ok := <-in
				if !ok {
					return
				}
				pending = append(pending, v)
				continue
			}

			select {
			case v, ok := <-in:
				if !ok {
					for _, q := range pending {
						out <- q
					}
					return
				}
				pending = append(pending, v)
			case out <- pending[0]:
				pending = pending[1:]
			}
		}
	}()

	return in, out
}
