package router

import "github.com/datawire/vxgw-agent/pkg/packet"

// ActionKind enumerates the dispositions the router pipeline can return to
// the datapath (spec.md §4.3).
type ActionKind int

const (
	// NotIPv4 rejects an Ethertype the router doesn't handle.
	NotIPv4 ActionKind = iota
	// Drop silently discards the packet (an ICMP error may already have
	// been emitted as a side effect).
	Drop
	// Consumed means the router answered the packet itself (ARP reply,
	// ICMP echo reply); nothing more should be done with it.
	Consumed
	// ToPort forwards the packet's (possibly mutated) Match out PortID.
	ToPort
)

func (k ActionKind) String() string {
	switch k {
	case NotIPv4:
		return "NotIPv4"
	case Drop:
		return "Drop"
	case Consumed:
		return "Consumed"
	case ToPort:
		return "ToPort"
	default:
		return "Unknown"
	}
}

// Action is the result of Router.Process.
type Action struct {
	Kind   ActionKind
	PortID string       // set when Kind == ToPort
	Match  packet.Match // set when Kind == ToPort
}

// NotIPv4Action rejects non-IPv4, non-ARP Ethertypes.
func NotIPv4Action() Action { return Action{Kind: NotIPv4} }

// DropAction silently discards a packet.
func DropAction() Action { return Action{Kind: Drop} }

// ConsumedAction reports that the router answered the packet itself.
func ConsumedAction() Action { return Action{Kind: Consumed} }

// ToPortAction forwards m out portID.
func ToPortAction(portID string, m packet.Match) Action {
	return Action{Kind: ToPort, PortID: portID, Match: m}
}
