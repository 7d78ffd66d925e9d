package router

import (
	"context"
	"time"

	"github.com/datawire/vxgw-agent/pkg/packet"
	"github.com/datawire/vxgw-agent/pkg/vnet"
)

// suppressICMP implements the RFC 1812 §4.3.2.7 rules of spec.md §4.3.4: no
// ICMP error is ever generated for a trigger packet that is itself an ICMP
// error, destined to a multicast or subnet-broadcast address, carries a
// link-layer broadcast/multicast destination, has an all-ones source or
// destination, or is a non-first fragment.
func suppressICMP(trigger packet.Match, egress *vnet.RouterPort) bool {
	ip := trigger.IPv4
	if ip == nil {
		return true
	}
	if ip.IsICMPError() {
		return true
	}
	if ip.Dst.IsMulticast() {
		return true
	}
	if egress != nil && ip.Dst == egress.Subnet().Broadcast() {
		return true
	}
	if trigger.Eth.Dst.IsBroadcast() || trigger.Eth.Dst.IsMulticast() {
		return true
	}
	if ip.Src.IsAllOnes() || ip.Dst.IsAllOnes() {
		return true
	}
	if ip.FragOffset != 0 {
		return true
	}
	return false
}

// buildICMPError constructs the IPv4/ICMP reply for an error condition,
// sourced from srcIP (the port that would have handled the packet) back to
// the original sender.
func buildICMPError(trigger packet.Match, srcIP vnet.IPv4, icmpType packet.ICMPType, code packet.ICMPCode) packet.Match {
	return packet.Match{
		Eth: packet.Ethernet{Type: packet.EtherTypeIPv4},
		IPv4: &packet.IPv4Packet{
			Src:      srcIP,
			Dst:      trigger.IPv4.Src,
			Protocol: packet.IPProtoICMP,
			TTL:      64,
			ICMP:     &packet.ICMP{Type: icmpType, Code: code},
		},
	}
}

// buildEchoReply flips an echo request's addresses and changes its type,
// preserving the identifier/sequence so the requester can match it up.
func buildEchoReply(srcMAC, dstMAC vnet.MAC, srcIP, dstIP vnet.IPv4, req *packet.ICMP) packet.Match {
	return packet.Match{
		Eth: packet.Ethernet{Src: srcMAC, Dst: dstMAC, Type: packet.EtherTypeIPv4},
		IPv4: &packet.IPv4Packet{
			Src:      srcIP,
			Dst:      dstIP,
			Protocol: packet.IPProtoICMP,
			TTL:      64,
			ICMP: &packet.ICMP{
				Type:    packet.ICMPEchoReply,
				Code:    0,
				EchoID:  req.EchoID,
				EchoSeq: req.EchoSeq,
			},
		},
	}
}

// sendICMPError suppresses-or-sends an ICMP error in response to trigger,
// routing it the same way a locally generated packet would be (spec.md
// §4.3.5): fire-and-forget, with no action returned to the caller.
func (r *Router) sendICMPError(ctx context.Context, expiry time.Time, trigger packet.Match, egress *vnet.RouterPort, icmpType packet.ICMPType, code packet.ICMPCode) {
	if suppressICMP(trigger, egress) {
		return
	}
	srcIP := trigger.IPv4.Dst
	if egress != nil {
		srcIP = egress.IP
	}
	r.sendIPPacket(ctx, buildICMPError(trigger, srcIP, icmpType, code), expiry)
}
