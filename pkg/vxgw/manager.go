package vxgw

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/datawire/dlib/dlog"

	"github.com/datawire/vxgw-agent/internal/errcat"
	"github.com/datawire/vxgw-agent/internal/watchable"
	"github.com/datawire/vxgw-agent/pkg/arp"
	"github.com/datawire/vxgw-agent/pkg/vnet"
)

// MacPortEntry is one binding of the MAC-port replicated map: MAC resides at
// PortID. Whether PortID is a MidoNet port or one of this manager's tracked
// VTEP ports is determined by membership in the manager's own vxlanPorts
// set (spec.md §4.5: "a MidoNet port, i.e. not one of the locally tracked
// VxLAN ports"), not carried on the entry itself.
type MacPortEntry struct {
	PortID string
}

// MacPortMap is the replicated MAC->port map a VxGatewayManager watches
// (spec.md §4.5 "MAC→port watcher"), another instance of the
// internal/watchable coalescing pattern shared with the ArpCache.
type MacPortMap = watchable.Map[vnet.MAC, MacPortEntry]

// TopologyResolver breaks the Manager<->VirtualTopology cycle the same way
// router.PortResolver does for the Router (spec.md §9 Design Note): the
// manager only ever asks for a bridge or VxLanPort by id.
type TopologyResolver interface {
	GetBridge(ctx context.Context, bridgeID string) (*vnet.Bridge, error)
	GetVxLanPort(ctx context.Context, portID string) (*vnet.VxLanPort, error)
}

// VtepPool is the collaborator a VxGatewayManager attaches to for every
// bound VTEP (spec.md §4.5, §9 "VTEP peer"). Join hands the peer a snapshot
// of the gateway's current MAC table and returns an opaque session id used
// by Abandon/Push. The OVSDB wire protocol behind a real implementation is
// explicitly out of scope (spec.md §1 Non-goals).
type VtepPool interface {
	Join(ctx context.Context, gw VxGateway, snapshot []vnet.MacLocation) (sessionID string, err error)
	Abandon(ctx context.Context, gw VxGateway, sessionID string) error
	Push(ctx context.Context, sessionID string, loc vnet.MacLocation) error
}

// Manager is the control loop of spec.md §4.5: it tracks a bridge's bound
// VTEP ports, mirrors its MAC-port and ARP tables onto a Bus, and attaches
// to VtepPool peers.
type Manager struct {
	bridgeID  string
	networkID string
	topo      TopologyResolver
	macPorts  *MacPortMap
	arpCache  *arp.Cache
	vteps     VtepPool

	// floodingProxy is the tunnel destination advertised for a MidoNet-local
	// MAC whose own tunnel endpoint isn't known (spec.md §9 Open Question a,
	// decided: wire the configured flooding proxy rather than a hardcoded
	// stub).
	floodingProxy vnet.IPv4
	onClose       func()

	mu           sync.Mutex
	bus          *Bus
	vni          uint32
	vniSet       bool
	vxlanPorts   map[string]vnet.VxLanPort
	peerSessions map[string]string // vxlan port id -> VtepPool session id

	root   context.Context
	cancel context.CancelFunc
}

// NewManager builds a Manager for bridgeID/networkID. floodingProxy is
// required (Open Question a); onClose, if non-nil, is invoked once when the
// manager terminates.
func NewManager(bridgeID, networkID string, topo TopologyResolver, macPorts *MacPortMap, arpCache *arp.Cache, vteps VtepPool, floodingProxy vnet.IPv4, onClose func()) *Manager {
	return &Manager{
		bridgeID:      bridgeID,
		networkID:     networkID,
		topo:          topo,
		macPorts:      macPorts,
		arpCache:      arpCache,
		vteps:         vteps,
		floodingProxy: floodingProxy,
		onClose:       onClose,
		vxlanPorts:    make(map[string]vnet.VxLanPort),
		peerSessions:  make(map[string]string),
	}
}

// Start loads the bridge, creates the bus, attaches to every bound VTEP, and
// launches the MAC-port and ARP-table watchers (spec.md §4.5 "start").
func (m *Manager) Start(ctx context.Context) error {
	bridge, err := m.topo.GetBridge(ctx, m.bridgeID)
	if err != nil {
		return errors.Wrap(err, "loading bridge")
	}

	m.root, m.cancel = context.WithCancel(ctx)
	m.bus = NewBus(m.gatewayLocked())

	go m.runMacPortWatcher(m.root)
	go m.runArpWatcher(m.root)

	return m.Reconcile(m.root, bridge)
}

// Bus returns the manager's VxGatewayBus.
func (m *Manager) Bus() *Bus {
	return m.bus
}

// Reconcile applies bridge's current VxLanPortIDs (spec.md §4.5 "on every
// bridge update"): removed ports are unbound and their peer abandoned;
// added ports are joined. It returns errcat.NotInVxlanGateway once no ports
// remain bound, a normal termination signal the caller should respond to by
// calling Terminate (spec.md §9 "exception-driven control flow").
func (m *Manager) Reconcile(ctx context.Context, bridge *vnet.Bridge) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := make(map[string]bool, len(bridge.VxLanPortIDs))
	for _, id := range bridge.VxLanPortIDs {
		want[id] = true
	}
	for id := range m.vxlanPorts {
		if !want[id] {
			m.detachLocked(ctx, id)
		}
	}

	for _, id := range bridge.VxLanPortIDs {
		if _, already := m.vxlanPorts[id]; already {
			continue
		}
		if err := m.attachLocked(ctx, id); err != nil {
			return err
		}
	}

	if len(m.vxlanPorts) == 0 {
		return errcat.NotInVxlanGateway.Newf("bridge %s is no longer bound to any vxlan port", m.bridgeID)
	}
	return nil
}

// Terminate unsubscribes from the bus, stops the watchers, and invokes
// onClose (spec.md §4.5 "on bridge deletion or no VTEPs bound").
func (m *Manager) Terminate() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.bus != nil {
		m.bus.Complete()
	}
	if m.onClose != nil {
		m.onClose()
	}
}

func (m *Manager) gatewayLocked() VxGateway {
	return NewVxGateway(m.networkID, m.vni)
}

func (m *Manager) attachLocked(ctx context.Context, portID string) error {
	vp, err := m.topo.GetVxLanPort(ctx, portID)
	if err != nil {
		return errors.Wrap(err, "resolving vxlan port")
	}
	if !m.vniSet {
		m.vni = vp.VNI
		m.vniSet = true
	} else if vp.VNI != m.vni {
		dlog.Warnf(ctx, "vxgw: port %s vni %d does not match gateway vni %d, ignoring", portID, vp.VNI, m.vni)
		return nil
	}

	m.vxlanPorts[portID] = *vp
	sessionID, err := m.vteps.Join(ctx, m.gatewayLocked(), m.snapshotLocked())
	if err != nil {
		delete(m.vxlanPorts, portID)
		return errors.Wrap(err, "joining vtep peer")
	}
	m.peerSessions[portID] = sessionID
	return nil
}

func (m *Manager) detachLocked(ctx context.Context, portID string) {
	sessionID, ok := m.peerSessions[portID]
	delete(m.vxlanPorts, portID)
	delete(m.peerSessions, portID)
	if !ok {
		return
	}
	if err := m.vteps.Abandon(ctx, m.gatewayLocked(), sessionID); err != nil {
		dlog.Warnf(ctx, "vxgw: abandoning vtep peer for port %s: %v", portID, err)
	}
}

// snapshotLocked implements spec.md §4.5 "Snapshot (on VTEP join)": iterate
// the MAC-port map and translate every entry with onlyMido=false.
func (m *Manager) snapshotLocked() []vnet.MacLocation {
	all := m.macPorts.LoadAll()
	out := make([]vnet.MacLocation, 0, len(all))
	for mac, entry := range all {
		out = append(out, m.toMacLocationsLocked(mac, entry.PortID, "", false)...)
	}
	return out
}

// isVtepPortLocked reports whether portID is one of this manager's own
// tracked VTEP ports, as opposed to a MidoNet port. Must be called with
// m.mu held.
func (m *Manager) isVtepPortLocked(portID string) bool {
	_, ok := m.vxlanPorts[portID]
	return ok
}

// toMacLocationsLocked implements spec.md §4.5 "toMacLocations". Must be
// called with m.mu held.
func (m *Manager) toMacLocationsLocked(mac vnet.MAC, newPort, oldPort string, onlyMido bool) []vnet.MacLocation {
	newIsMido := newPort != "" && !m.isVtepPortLocked(newPort)
	oldIsMido := oldPort != "" && !m.isVtepPortLocked(oldPort)
	if onlyMido && !newIsMido && !oldIsMido {
		return nil
	}

	ls := m.gatewayLocked().Name

	if newPort == "" {
		return []vnet.MacLocation{{MAC: mac, LogicalSwitch: ls}}
	}

	if vp, ok := m.vxlanPorts[newPort]; ok {
		out := []vnet.MacLocation{{MAC: mac, LogicalSwitch: ls, VxlanTunnelIP: vp.TunnelIP, HasVxlanTunnel: true}}
		for _, ip := range m.arpIPsForLocked(mac) {
			out = append(out, vnet.MacLocation{MAC: mac, IP: ip, HasIP: true, LogicalSwitch: ls, VxlanTunnelIP: vp.TunnelIP, HasVxlanTunnel: true})
		}
		return out
	}

	// newPort is a MidoNet port with no known tunnel endpoint of its own:
	// withdraw the bare MAC entry, then advertise every known IP at the
	// flooding proxy so BUM traffic still reaches it.
	out := []vnet.MacLocation{{MAC: mac, LogicalSwitch: ls}}
	for _, ip := range m.arpIPsForLocked(mac) {
		out = append(out, vnet.MacLocation{MAC: mac, IP: ip, HasIP: true, LogicalSwitch: ls, VxlanTunnelIP: m.floodingProxy, HasVxlanTunnel: true})
	}
	return out
}

func (m *Manager) arpIPsForLocked(mac vnet.MAC) []vnet.IPv4 {
	var ips []vnet.IPv4
	for ip, entry := range m.arpCache.LoadAll() {
		if entry.HasMAC && entry.MAC == mac {
			ips = append(ips, ip)
		}
	}
	return ips
}

// publish delivers loc on the bus and pushes it to every attached VTEP peer
// (spec.md §4.5: "the manager republishes MidoNet-origin updates to peers").
func (m *Manager) publish(ctx context.Context, loc vnet.MacLocation) {
	m.bus.Publish(loc)

	m.mu.Lock()
	sessions := make([]string, 0, len(m.peerSessions))
	for _, sid := range m.peerSessions {
		sessions = append(sessions, sid)
	}
	m.mu.Unlock()

	for _, sid := range sessions {
		if err := m.vteps.Push(ctx, sid, loc); err != nil {
			dlog.Warnf(ctx, "vxgw: pushing to vtep session %s: %v", sid, err)
		}
	}
}

// runMacPortWatcher implements spec.md §4.5's "MAC→port watcher": for every
// change it republishes to MidoNet-touching MacLocations, skipping updates
// that move strictly between VTEPs.
func (m *Manager) runMacPortWatcher(ctx context.Context) {
	shadow := make(map[vnet.MAC]MacPortEntry)
	first := true
	for snap := range m.macPorts.Subscribe(ctx) {
		if first {
			for k, v := range snap.State {
				shadow[k] = v
			}
			first = false
			continue
		}
		for _, u := range snap.Updates {
			old, hadOld := shadow[u.Key]
			oldPort := ""
			if hadOld {
				oldPort = old.PortID
			}
			newPort := ""
			if u.Delete {
				delete(shadow, u.Key)
			} else {
				shadow[u.Key] = u.Value
				newPort = u.Value.PortID
			}

			m.mu.Lock()
			locs := m.toMacLocationsLocked(u.Key, newPort, oldPort, true)
			m.mu.Unlock()
			for _, loc := range locs {
				m.publish(ctx, loc)
			}
		}
	}
}

// runArpWatcher implements spec.md §4.5's "ARP-table watcher".
func (m *Manager) runArpWatcher(ctx context.Context) {
	shadow := make(map[vnet.IPv4]vnet.ArpCacheEntry)
	first := true
	for snap := range m.arpCache.Subscribe(ctx) {
		if first {
			for k, v := range snap.State {
				shadow[k] = v
			}
			first = false
			continue
		}
		for _, u := range snap.Updates {
			old, hadOld := shadow[u.Key]
			if u.Delete {
				delete(shadow, u.Key)
			} else {
				shadow[u.Key] = u.Value
			}
			m.handleArpChange(ctx, u.Key, old, hadOld, u.Value, !u.Delete)
		}
	}
}

func (m *Manager) handleArpChange(ctx context.Context, ip vnet.IPv4, old vnet.ArpCacheEntry, hadOld bool, cur vnet.ArpCacheEntry, haveCur bool) {
	ls := m.gatewayLocked().Name

	if hadOld && old.HasMAC {
		m.mu.Lock()
		port, ok := m.macPorts.Load(old.MAC)
		isMido := ok && !m.isVtepPortLocked(port.PortID)
		m.mu.Unlock()
		if isMido {
			m.publish(ctx, vnet.MacLocation{MAC: old.MAC, LogicalSwitch: ls})
		}
	}

	if haveCur && cur.HasMAC {
		m.mu.Lock()
		port, ok := m.macPorts.Load(cur.MAC)
		isMido := ok && !m.isVtepPortLocked(port.PortID)
		portID := port.PortID
		m.mu.Unlock()
		if isMido {
			m.advertiseMacAndIpAt(ctx, cur.MAC, ip, portID)
		}
	}
}

// advertiseMacAndIpAt implements spec.md §4.5's "advertiseMacAndIpAt":
// rechecks the MAC still lives at portID (it may have moved again since the
// watcher event fired) before publishing.
func (m *Manager) advertiseMacAndIpAt(ctx context.Context, mac vnet.MAC, ip vnet.IPv4, portID string) {
	m.mu.Lock()
	cur, ok := m.macPorts.Load(mac)
	if !ok || cur.PortID != portID {
		m.mu.Unlock()
		return
	}
	ls := m.gatewayLocked().Name
	vp, hasTunnel := m.vxlanPorts[portID]
	m.mu.Unlock()

	loc := vnet.MacLocation{MAC: mac, IP: ip, HasIP: true, LogicalSwitch: ls, HasVxlanTunnel: true}
	if hasTunnel {
		loc.VxlanTunnelIP = vp.TunnelIP
	} else {
		loc.VxlanTunnelIP = m.floodingProxy
	}
	m.publish(ctx, loc)
}
