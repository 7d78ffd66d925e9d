package ipsec

import (
	"fmt"
	"strings"

	"github.com/datawire/vxgw-agent/pkg/vnet"
)

// sanitizeName keeps only [A-Za-z0-9_] bytes (spec.md §4.6), so the emitted
// `conn <name>` header always matches invariant 7's ^conn [A-Za-z0-9_]+$.
func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

const confPreamble = `config setup
    nat_traversal=yes
conn %default
    ikelifetime=480m
    keylife=60m
    keyingtries=%forever
`

// renderConf implements spec.md §6's ipsec.conf format: the fixed preamble,
// then one conn block per admin-up connection, in order.
func renderConf(svc IPSecServiceDef, conns []IPSecSiteConnection) string {
	var b strings.Builder
	b.WriteString(confPreamble)

	for _, c := range conns {
		if !c.AdminStateUp {
			continue
		}
		renderConn(&b, svc, c)
	}
	return b.String()
}

func renderConn(b *strings.Builder, svc IPSecServiceDef, c IPSecSiteConnection) {
	auto := "add"
	if c.Initiator == BiDirectional {
		auto = "start"
	}
	fmt.Fprintf(b, "conn %s\n", sanitizeName(c.Name))
	fmt.Fprintf(b, "    leftnexthop=%%defaultroute\n")
	fmt.Fprintf(b, "    rightnexthop=%%defaultroute\n")
	fmt.Fprintf(b, "    left=%s\n", svc.LocalEndpointIP)
	fmt.Fprintf(b, "    leftid=%s\n", svc.LocalEndpointIP)
	fmt.Fprintf(b, "    auto=%s\n", auto)
	fmt.Fprintf(b, "    leftsubnets={ %s }\n", c.LocalCidr)
	fmt.Fprintf(b, "    leftupdown=\"ipsec _updown --route yes\"\n")
	fmt.Fprintf(b, "    right=%s\n", c.PeerAddress)
	fmt.Fprintf(b, "    rightid=%s\n", c.PeerAddress)
	fmt.Fprintf(b, "    rightsubnets={ %s }\n", joinCIDRs(c.PeerCidrs))
	fmt.Fprintf(b, "    mtu=%d\n", c.MTU)
	fmt.Fprintf(b, "    dpdaction=%s\n", c.DPDAction)
	fmt.Fprintf(b, "    dpddelay=%d\n", c.DPDInterval)
	fmt.Fprintf(b, "    dpdtimeout=%d\n", c.DPDTimeout)
	fmt.Fprintf(b, "    authby=secret\n")
	fmt.Fprintf(b, "    ikev2=%s\n", c.IkePolicy.Version.ikev2Flag())
	fmt.Fprintf(b, "    ike=aes128-sha1;modp1536\n")
	fmt.Fprintf(b, "    ikelifetime=%ds\n", c.IkePolicy.LifetimeSeconds)
	fmt.Fprintf(b, "    auth=%s\n", c.IpsecPolicy.Transform)
	fmt.Fprintf(b, "    phase2alg=aes128-sha1;modp1536\n")
	fmt.Fprintf(b, "    type=%s\n", c.IpsecPolicy.Encapsulation)
	fmt.Fprintf(b, "    lifetime=%ds\n", c.IpsecPolicy.LifetimeSeconds)
}

func joinCIDRs(cidrs []vnet.CIDR) string {
	parts := make([]string, len(cidrs))
	for i, c := range cidrs {
		parts[i] = c.String()
	}
	return strings.Join(parts, ",")
}

// renderSecrets implements spec.md §6's ipsec.secrets format: one PSK line
// per admin-up connection, in order.
func renderSecrets(svc IPSecServiceDef, conns []IPSecSiteConnection) string {
	var b strings.Builder
	for _, c := range conns {
		if !c.AdminStateUp {
			continue
		}
		fmt.Fprintf(&b, "%s %s : PSK \"%s\"\n", svc.LocalEndpointIP, c.PeerAddress, c.PSK)
	}
	return b.String()
}
