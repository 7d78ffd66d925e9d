// Package packet models the Ethernet/ARP/IPv4/ICMP structures the router
// pipeline operates on. It is intentionally a struct-based model rather than
// a byte-level codec: the datapath/flow engine that would turn these into
// wire bytes is an external collaborator (spec.md §1, out of scope), so the
// router only needs something shaped like a packet to pattern-match and
// mutate.
package packet

import (
	"context"
	"fmt"

	"github.com/datawire/vxgw-agent/pkg/vnet"
)

// Emitter sends a constructed frame out a port. Emission is fire-and-forget
// to the simulation controller (spec.md §4.3.1): there is no waiter or
// acknowledgement, matching the Design Note that the simulation controller
// is a constructor-injected collaborator rather than a global singleton.
type Emitter interface {
	Emit(ctx context.Context, portID string, m Match)
}

// EtherType is the EtherType field of an Ethernet frame.
type EtherType uint16

const (
	EtherTypeIPv4 EtherType = 0x0800
	EtherTypeARP  EtherType = 0x0806
)

// ArpOp is the ARP opcode.
type ArpOp uint16

const (
	ArpRequest ArpOp = 1
	ArpReply   ArpOp = 2
)

// IPProto is an IPv4 protocol number.
type IPProto uint8

const IPProtoICMP IPProto = 1

// ICMPType is an ICMP message type.
type ICMPType uint8

const (
	ICMPEchoReply   ICMPType = 0
	ICMPDestUnreach ICMPType = 3
	ICMPEchoRequest ICMPType = 8
	ICMPTimeExceeded ICMPType = 11
)

// ICMPCode is an ICMP message code, meaningful alongside its ICMPType.
type ICMPCode uint8

const (
	ICMPCodeNetUnreach     ICMPCode = 0
	ICMPCodeHostUnreach    ICMPCode = 1
	ICMPCodeAdminProhibit  ICMPCode = 13
	ICMPCodeTTLExceeded    ICMPCode = 0
	ICMPCodeFragReassembly ICMPCode = 1
)

// Ethernet is an Ethernet frame header.
type Ethernet struct {
	Dst  vnet.MAC
	Src  vnet.MAC
	Type EtherType
}

// Arp is an ARP packet (Ethernet/IPv4 variant only, per spec.md's scope).
type Arp struct {
	Op  ArpOp
	SHA vnet.MAC // sender hardware address
	SPA vnet.IPv4 // sender protocol address
	THA vnet.MAC // target hardware address
	TPA vnet.IPv4 // target protocol address
}

// ICMP is an ICMP message, carried inside an IPv4 packet.
type ICMP struct {
	Type ICMPType
	Code ICMPCode
	// EchoID/EchoSeq are meaningful for Echo request/reply.
	EchoID  uint16
	EchoSeq uint16
}

// IPv4Packet is an IPv4 header plus its payload classification. Only ICMP is
// modeled as a structured payload; anything else is opaque.
type IPv4Packet struct {
	Src      vnet.IPv4
	Dst      vnet.IPv4
	Protocol IPProto
	TTL      uint8
	// FragOffset is the IP fragment offset in 8-byte units; non-zero
	// means "not the first fragment" (spec.md §4.3.4).
	FragOffset uint16
	ICMP       *ICMP // non-nil when Protocol == IPProtoICMP
}

// IsICMPError reports whether this packet is itself an ICMP error message
// (as opposed to an ICMP informational message like echo request/reply).
func (p *IPv4Packet) IsICMPError() bool {
	if p.ICMP == nil {
		return false
	}
	switch p.ICMP.Type {
	case ICMPDestUnreach, ICMPTimeExceeded:
		return true
	default:
		return false
	}
}

// Match is a single packet as it flows through the router pipeline: an
// Ethernet header plus exactly one of an ARP or IPv4 payload.
type Match struct {
	Eth  Ethernet
	Arp  *Arp
	IPv4 *IPv4Packet
}

// Clone returns a deep copy of m, suitable for the "copy the match" step of
// post-routing (spec.md §4.3).
func (m Match) Clone() Match {
	out := m
	if m.Arp != nil {
		a := *m.Arp
		out.Arp = &a
	}
	if m.IPv4 != nil {
		p := *m.IPv4
		if m.IPv4.ICMP != nil {
			icmp := *m.IPv4.ICMP
			p.ICMP = &icmp
		}
		out.IPv4 = &p
	}
	return out
}

func (m Match) String() string {
	switch {
	case m.Arp != nil:
		return fmt.Sprintf("ARP %s %s->%s", opName(m.Arp.Op), m.Arp.SPA, m.Arp.TPA)
	case m.IPv4 != nil:
		return fmt.Sprintf("IPv4 %s->%s proto=%d ttl=%d", m.IPv4.Src, m.IPv4.Dst, m.IPv4.Protocol, m.IPv4.TTL)
	default:
		return "empty"
	}
}

func opName(op ArpOp) string {
	switch op {
	case ArpRequest:
		return "request"
	case ArpReply:
		return "reply"
	default:
		return fmt.Sprintf("op(%d)", op)
	}
}

// NewArpRequest builds an ARP request Match asking who has tpa, sent from a
// port owning (senderMAC, senderIP). This is the frame spec.md Design Note
// 9(b) says should actually be returned by makeArpRequest instead of
// discarded.
func NewArpRequest(senderMAC vnet.MAC, senderIP, tpa vnet.IPv4) Match {
	return Match{
		Eth: Ethernet{Src: senderMAC, Dst: vnet.Broadcast, Type: EtherTypeARP},
		Arp: &Arp{
			Op:  ArpRequest,
			SHA: senderMAC,
			SPA: senderIP,
			THA: vnet.MAC{},
			TPA: tpa,
		},
	}
}

// NewArpReply builds an ARP reply Match from a port's (MAC, IP) answering a
// request from (requesterMAC, requesterIP).
func NewArpReply(portMAC vnet.MAC, portIP vnet.IPv4, requesterMAC vnet.MAC, requesterIP vnet.IPv4) Match {
	return Match{
		Eth: Ethernet{Src: portMAC, Dst: requesterMAC, Type: EtherTypeARP},
		Arp: &Arp{
			Op:  ArpReply,
			SHA: portMAC,
			SPA: portIP,
			THA: requesterMAC,
			TPA: requesterIP,
		},
	}
}
