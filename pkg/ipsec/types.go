// Package ipsec implements the IpsecContainer of spec.md §4.6: a narrow
// lifecycle orchestrator that renders a site-to-site IPsec configuration
// from a typed model and drives the vpn-helper executable through a
// create/update/delete lifecycle with compensating cleanup on failure.
package ipsec

import (
	"github.com/datawire/vxgw-agent/pkg/vnet"
)

// IPSecServiceDef is the VpnService side of a container's configuration
// (spec.md §3): the local endpoint the container terminates IPsec at, and
// the namespace it runs the helper's network namespace against.
type IPSecServiceDef struct {
	Name                 string
	Filepath             string // the container's owned directory, spec.md §6 "PATH"
	LocalEndpointIP      vnet.IPv4
	LocalEndpointMAC     vnet.MAC
	NamespaceInterfaceIP vnet.CIDR
	NamespaceGatewayIP   vnet.IPv4
	NamespaceGatewayMAC  vnet.MAC
}

// DPDAction enumerates the dead-peer-detection actions of §3.
type DPDAction int

const (
	DPDHold DPDAction = iota
	DPDClear
	DPDRestart
	DPDRestartByPeer
	DPDDisabled
)

func (a DPDAction) String() string {
	switch a {
	case DPDHold:
		return "hold"
	case DPDClear:
		return "clear"
	case DPDRestart:
		return "restart"
	case DPDRestartByPeer:
		return "restart-by-peer"
	case DPDDisabled:
		return "disabled"
	default:
		return "hold"
	}
}

// Initiator enumerates the connection's §3 initiator field.
type Initiator int

const (
	BiDirectional Initiator = iota
	ResponseOnly
)

// IKEVersion distinguishes the two IKE protocol versions; it drives §6's
// `ikev2=never|insist` field.
type IKEVersion int

const (
	IKEv1 IKEVersion = iota
	IKEv2
)

func (v IKEVersion) ikev2Flag() string {
	if v == IKEv2 {
		return "insist"
	}
	return "never"
}

// IkePolicy carries the fields the rendered §6 ike* lines need beyond the
// fixed `ike=aes128-sha1;modp1536` cipher suite.
type IkePolicy struct {
	Version         IKEVersion
	LifetimeSeconds int
}

// EncapsulationMode is IpsecPolicy's §6 `type=` field.
type EncapsulationMode int

const (
	Tunnel EncapsulationMode = iota
	Transport
)

func (m EncapsulationMode) String() string {
	if m == Transport {
		return "transport"
	}
	return "tunnel"
}

// TransformProtocol is IpsecPolicy's §6 `auth=` field.
type TransformProtocol int

const (
	ESP TransformProtocol = iota
	AHESP
)

func (p TransformProtocol) String() string {
	if p == AHESP {
		return "ah-esp"
	}
	return "esp"
}

// IpsecPolicy carries the fields the rendered §6 phase-2 lines need beyond
// the fixed `phase2alg=aes128-sha1;modp1536` cipher suite.
type IpsecPolicy struct {
	Transform     TransformProtocol
	Encapsulation EncapsulationMode
	LifetimeSeconds int
}

// IPSecSiteConnection is one site-to-site tunnel of §3.
type IPSecSiteConnection struct {
	Name         string
	AdminStateUp bool
	PeerAddress  vnet.IPv4
	PSK          string
	LocalCidr    vnet.CIDR
	PeerCidrs    []vnet.CIDR
	MTU          int
	DPDAction    DPDAction
	DPDInterval  int // seconds
	DPDTimeout   int // seconds
	Initiator    Initiator
	IkePolicy    IkePolicy
	IpsecPolicy  IpsecPolicy
}

// HealthCode is the §6 ContainerStatus health code.
type HealthCode int

const (
	HealthRunning HealthCode = iota
	HealthStopping
	HealthStopped
	HealthError
)

func (c HealthCode) String() string {
	switch c {
	case HealthRunning:
		return "RUNNING"
	case HealthStopping:
		return "STOPPING"
	case HealthStopped:
		return "STOPPED"
	case HealthError:
		return "ERROR"
	default:
		return "ERROR"
	}
}

// ContainerHealth is the small value type a container publishes on every
// lifecycle transition (spec.md §4.6 "Health").
type ContainerHealth struct {
	Code        HealthCode
	Description string
}

// ContainerState is the §3 ContainerStatus lifecycle state, distinct from
// the health descriptor above.
type ContainerState int

const (
	StateCreated ContainerState = iota
	StateUp
	StateDown
	StateDeleted
)

// VpnServiceState is what a TopologySubscription delivers: the VpnService's
// current adminStateUp flag and its full set of site connections, as of
// spec.md §4.6 step 5 ("any change ... triggers an update").
type VpnServiceState struct {
	AdminStateUp bool
	Connections  []IPSecSiteConnection
}

// resolvedConnections returns the admin-up connections, in order, the set an
// update resolves to (spec.md §4.6 step 5, invariant 5's "ordered
// connections filtered to adminStateUp=true").
func (s VpnServiceState) resolvedConnections() []IPSecSiteConnection {
	out := make([]IPSecSiteConnection, 0, len(s.Connections))
	for _, c := range s.Connections {
		if c.AdminStateUp {
			out = append(out, c)
		}
	}
	return out
}
