package router

import (
	"context"

	"github.com/datawire/dlib/dlog"

	"github.com/datawire/vxgw-agent/pkg/packet"
	"github.com/datawire/vxgw-agent/pkg/vnet"
)

// handleArpRequest answers an ARP request if (and only if) it's asking for
// this port's own IP (spec.md §4.3.1). Emission is fire-and-forget; there's
// no waiter.
func (r *Router) handleArpRequest(ctx context.Context, port *vnet.RouterPort, req *packet.Arp) {
	if req.TPA != port.IP {
		return
	}
	reply := packet.NewArpReply(port.MAC, port.IP, req.SHA, req.SPA)
	r.emitter.Emit(ctx, port.ID, reply)
}

// handleArpReply validates and applies an ARP reply (spec.md §4.3.2),
// silently ignoring anything malformed or not addressed to this port.
func (r *Router) handleArpReply(ctx context.Context, port *vnet.RouterPort, reply *packet.Arp) {
	if reply.TPA != port.IP || reply.THA != port.MAC {
		dlog.Debugf(ctx, "router: ignoring ARP reply not addressed to port %s", port.ID)
		return
	}
	r.arpTable.Set(reply.SPA, reply.SHA)
}
