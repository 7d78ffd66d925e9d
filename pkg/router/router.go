// Package router implements the L3 router packet-processing pipeline of
// spec.md §4.3: a single router's ingress/pre-routing/routing/post-routing
// state machine, driving an ArpTable for next-hop resolution.
package router

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/datawire/dlib/dlog"

	"github.com/datawire/vxgw-agent/internal/errcat"
	"github.com/datawire/vxgw-agent/pkg/arp"
	"github.com/datawire/vxgw-agent/pkg/packet"
	"github.com/datawire/vxgw-agent/pkg/routing"
	"github.com/datawire/vxgw-agent/pkg/vnet"
)

// PortResolver breaks the Router<->VirtualTopology<->Port cycle (Design
// Note 3): the Router only ever asks for a port by id, and never reaches
// back into a topology cache that might itself hold a reference to the
// Router.
type PortResolver interface {
	GetPort(ctx context.Context, id string) (*vnet.RouterPort, error)
}

// Router is the packet-processing state machine for a single L3 router. It
// exclusively owns its ArpTable (spec.md §3 "Ownership").
type Router struct {
	ports    PortResolver
	lb       *routing.LoadBalancer
	arpTable *arp.Table
	emitter  packet.Emitter
}

// New builds a Router over the given collaborators. lb is rebuilt by the
// caller (via routing.NewTable/NewLoadBalancer) whenever the routing table
// changes; the Router always looks up through whatever *routing.LoadBalancer
// is current at construction time.
func New(ports PortResolver, lb *routing.LoadBalancer, arpTable *arp.Table, emitter packet.Emitter) *Router {
	return &Router{ports: ports, lb: lb, arpTable: arpTable, emitter: emitter}
}

// Process runs a single packet through the full pipeline (spec.md §4.3).
func (r *Router) Process(ctx context.Context, ingressPortID string, m packet.Match, expiry time.Time) (Action, error) {
	if m.Eth.Type != packet.EtherTypeIPv4 && m.Eth.Type != packet.EtherTypeARP {
		return NotIPv4Action(), nil
	}

	ingress, err := r.ports.GetPort(ctx, ingressPortID)
	if err != nil {
		if errcat.Is(err, errcat.NotFound) {
			return DropAction(), nil
		}
		return Action{}, errors.Wrap(err, "resolving ingress port")
	}

	if action, consumed, err := r.preRouting(ctx, ingress, m, expiry); consumed {
		return action, err
	}

	rt := r.lb.Lookup(*dstOf(m))
	action, egress, newMatch, terminal, err := r.route(ctx, ingress, rt, m, expiry)
	if terminal {
		return action, err
	}

	return r.postRouting(ctx, egress, rt, newMatch, expiry)
}

// dstOf returns the IPv4 destination of m, valid only once the non-ARP,
// non-IPv4 ethertypes have already been rejected.
func dstOf(m packet.Match) *vnet.IPv4 {
	if m.IPv4 == nil {
		z := vnet.IPv4(0)
		return &z
	}
	return &m.IPv4.Dst
}

// preRouting implements spec.md §4.3's pre-routing bullets. The boolean
// return reports whether the pipeline is already finished (Consumed or
// Drop); when false, the TTL of m's IPv4 packet has been decremented in
// place (the packet is shared with the caller) and routing proceeds with m.
func (r *Router) preRouting(ctx context.Context, ingress *vnet.RouterPort, m packet.Match, expiry time.Time) (Action, bool, error) {
	if m.Eth.Dst.IsBroadcast() {
		if m.Arp != nil && m.Arp.Op == packet.ArpRequest {
			r.handleArpRequest(ctx, ingress, m.Arp)
			return ConsumedAction(), true, nil
		}
		return DropAction(), true, nil
	}

	if m.Eth.Dst != ingress.MAC {
		dlog.Warnf(ctx, "router: frame on port %s addressed to %s, not our MAC %s", ingress.ID, m.Eth.Dst, ingress.MAC)
		return DropAction(), true, nil
	}

	if m.Arp != nil {
		if m.Arp.Op == packet.ArpReply {
			r.handleArpReply(ctx, ingress, m.Arp)
			return ConsumedAction(), true, nil
		}
		return DropAction(), true, nil
	}

	if m.IPv4 == nil {
		return DropAction(), true, nil
	}

	if m.IPv4.Dst == ingress.IP {
		if m.IPv4.ICMP != nil && m.IPv4.ICMP.Type == packet.ICMPEchoRequest {
			reply := buildEchoReply(ingress.MAC, m.Eth.Src, ingress.IP, m.IPv4.Src, m.IPv4.ICMP)
			r.emitter.Emit(ctx, ingress.ID, reply)
			return ConsumedAction(), true, nil
		}
		return DropAction(), true, nil
	}

	if m.IPv4.TTL <= 1 {
		r.sendICMPError(ctx, expiry, m, ingress, packet.ICMPTimeExceeded, packet.ICMPCodeTTLExceeded)
		return DropAction(), true, nil
	}
	m.IPv4.TTL--

	return Action{}, false, nil
}

// route performs the routing step of spec.md §4.3. terminal is true when
// the pipeline is already finished (no-match, blackhole, reject, or a PORT
// route whose port can't be resolved).
func (r *Router) route(ctx context.Context, ingress *vnet.RouterPort, rt *vnet.Route, m packet.Match, expiry time.Time) (action Action, egress *vnet.RouterPort, newMatch packet.Match, terminal bool, err error) {
	if rt == nil {
		r.sendICMPError(ctx, expiry, m, ingress, packet.ICMPDestUnreach, packet.ICMPCodeNetUnreach)
		return DropAction(), nil, m, true, nil
	}

	switch rt.NextHop {
	case vnet.NextHopBlackhole:
		return DropAction(), nil, m, true, nil
	case vnet.NextHopReject:
		r.sendICMPError(ctx, expiry, m, ingress, packet.ICMPDestUnreach, packet.ICMPCodeAdminProhibit)
		return DropAction(), nil, m, true, nil
	case vnet.NextHopLocal:
		return DropAction(), nil, m, true, nil
	case vnet.NextHopPort:
		if rt.NextHopPortID == "" {
			return DropAction(), nil, m, true, nil
		}
	default:
		return DropAction(), nil, m, true, nil
	}

	egress, gerr := r.ports.GetPort(ctx, rt.NextHopPortID)
	if gerr != nil {
		if errcat.Is(gerr, errcat.NotFound) {
			return DropAction(), nil, m, true, nil
		}
		return Action{}, nil, m, true, errors.Wrap(gerr, "resolving egress port")
	}

	return Action{}, egress, m, false, nil
}

// postRouting implements spec.md §4.3's post-routing bullets.
func (r *Router) postRouting(ctx context.Context, egress *vnet.RouterPort, rt *vnet.Route, m packet.Match, expiry time.Time) (Action, error) {
	if m.IPv4 != nil && m.IPv4.Dst == egress.IP {
		// Hairpin: the route points back at the egress port's own
		// address.
		if m.IPv4.ICMP != nil && m.IPv4.ICMP.Type == packet.ICMPEchoRequest {
			reply := buildEchoReply(egress.MAC, m.Eth.Src, egress.IP, m.IPv4.Src, m.IPv4.ICMP)
			r.emitter.Emit(ctx, egress.ID, reply)
			return ConsumedAction(), nil
		}
		return DropAction(), nil
	}

	out := m.Clone()
	out.Eth.Src = egress.MAC

	nextHopMAC, resolved, err := r.nextHopMAC(ctx, egress, rt, out, expiry)
	if err != nil && !errcat.Is(err, errcat.Timeout) {
		return Action{}, errors.Wrap(err, "resolving next-hop MAC")
	}
	if !resolved {
		if rt.NextHopGateway.IsZero() || rt.NextHopGateway.IsAllOnes() {
			r.sendICMPError(ctx, expiry, out, egress, packet.ICMPDestUnreach, packet.ICMPCodeHostUnreach)
		} else {
			r.sendICMPError(ctx, expiry, out, egress, packet.ICMPDestUnreach, packet.ICMPCodeNetUnreach)
		}
		return DropAction(), nil
	}
	out.Eth.Dst = nextHopMAC

	return ToPortAction(egress.ID, out), nil
}

// nextHopMAC implements spec.md §4.3.3: an interior port with a known peer
// resolves to the peer port's MAC directly; otherwise it's an ArpTable
// lookup against the route's gateway (or the packet's own destination, if
// no gateway was configured).
func (r *Router) nextHopMAC(ctx context.Context, egress *vnet.RouterPort, rt *vnet.Route, m packet.Match, expiry time.Time) (vnet.MAC, bool, error) {
	if egress.Variant == vnet.Interior && egress.PeerPortID != "" {
		peer, err := r.ports.GetPort(ctx, egress.PeerPortID)
		if err != nil {
			if errcat.Is(err, errcat.NotFound) {
				return vnet.MAC{}, false, nil
			}
			return vnet.MAC{}, false, err
		}
		return peer.MAC, true, nil
	}

	ip := nextHopIP(rt, m)
	return r.arpTable.Get(ctx, ip, egress, expiry)
}

// nextHopIP is route.nextHopGateway, or the packet's own destination IP
// when the gateway is 0 or -1 (spec.md §4.3.3). rt may be nil for locally
// generated traffic that bypassed the routing step's own lookup.
func nextHopIP(rt *vnet.Route, m packet.Match) vnet.IPv4 {
	if rt != nil && !rt.NextHopGateway.IsZero() && !rt.NextHopGateway.IsAllOnes() {
		return rt.NextHopGateway
	}
	if m.IPv4 == nil {
		return 0
	}
	return m.IPv4.Dst
}

// sendIPPacket routes and emits a locally generated IP packet the same way
// a forwarded one would be, skipping ingress and pre-routing entirely
// (spec.md §4.3.5). It never returns an Action; resolution and emission
// happen asynchronously and are best-effort.
func (r *Router) sendIPPacket(ctx context.Context, m packet.Match, expiry time.Time) {
	if m.IPv4 == nil {
		return
	}
	rt := r.lb.Lookup(m.IPv4.Dst)
	if rt == nil || rt.NextHop != vnet.NextHopPort || rt.NextHopPortID == "" {
		return
	}
	egress, err := r.ports.GetPort(ctx, rt.NextHopPortID)
	if err != nil {
		return
	}
	if m.IPv4.Dst == egress.IP {
		return
	}

	go func() {
		out := m.Clone()
		out.Eth.Src = egress.MAC
		mac, resolved, _ := r.nextHopMAC(ctx, egress, rt, out, expiry)
		if !resolved {
			return
		}
		out.Eth.Dst = mac
		r.emitter.Emit(ctx, egress.ID, out)
	}()
}
