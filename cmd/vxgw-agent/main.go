// Command vxgw-agent wires the ARP resolver, L3 router pipeline, VxLAN
// gateway manager, and IPsec container lifecycle into one running process.
//
// The virtual topology, the datapath/flow engine, and the OVSDB VTEP wire
// protocol are external collaborators out of scope (spec.md §1): this
// binary substitutes small static/in-memory stand-ins for them (a fixed
// set of router ports and routes, a logging packet.Emitter, an
// InMemoryVtepPool) so the real collaborators - a topology service, a flow
// controller, an OVSDB client - have exactly the interfaces to satisfy.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"

	"github.com/datawire/vxgw-agent/config"
	"github.com/datawire/vxgw-agent/internal/errcat"
	"github.com/datawire/vxgw-agent/internal/supervisor"
	"github.com/datawire/vxgw-agent/pkg/arp"
	"github.com/datawire/vxgw-agent/pkg/ipsec"
	"github.com/datawire/vxgw-agent/pkg/packet"
	"github.com/datawire/vxgw-agent/pkg/router"
	"github.com/datawire/vxgw-agent/pkg/routing"
	"github.com/datawire/vxgw-agent/pkg/vnet"
	"github.com/datawire/vxgw-agent/pkg/vxgw"
)

const processName = "vxgw-agent"

func main() {
	dlog.SetFallbackLogger(makeBaseLogger())
	ctx := dgroup.WithGoroutineName(context.Background(), "/"+processName)

	if err := Main(ctx); err != nil {
		dlog.Errorf(ctx, "quit: %v", err)
		os.Exit(1)
	}
}

func makeBaseLogger() dlog.Logger {
	logrusLogger := logrus.New()
	logrusLogger.SetFormatter(&logrus.TextFormatter{
		TimestampFormat: "2006-01-02 15:04:05",
		FullTimestamp:   true,
	})
	logrusLogger.SetReportCaller(false)

	level := logrus.InfoLevel
	if s := os.Getenv("LOG_LEVEL"); s != "" {
		if lv, err := logrus.ParseLevel(s); err == nil {
			level = lv
		}
	}
	logrusLogger.SetLevel(level)
	return dlog.WrapLogrus(logrusLogger)
}

// Main loads configuration, wires every component, and runs until signaled.
func Main(ctx context.Context) error {
	env, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	floodingProxy, err := env.FloodingProxyIP()
	if err != nil {
		return fmt.Errorf("parsing flooding proxy: %w", err)
	}
	vtepSeeds, err := config.LoadVtepSeeds(env.VtepSeedFile)
	if err != nil {
		return fmt.Errorf("loading vtep seeds: %w", err)
	}

	topo := newDemoTopology(vtepSeeds)
	emitter := loggingEmitter{}

	arpCache := arp.NewCache()
	arpTable := arp.NewTable(ctx, arpCache, emitter, arp.Lifetimes{
		Retry:      env.ArpRetry,
		Timeout:    env.ArpTimeout,
		Stale:      env.ArpStale,
		Expiration: env.ArpExpiration,
	})
	lb := routing.NewLoadBalancer(routing.NewTable(topo.routes))
	rtr := router.New(topo, lb, arpTable, emitter)

	vteps := vxgw.NewInMemoryVtepPool()
	var macPorts vxgw.MacPortMap
	mgr := vxgw.NewManager(topo.bridge.ID, demoNetworkID, topo, &macPorts, arpCache, vteps, floodingProxy, func() {
		dlog.Infof(ctx, "vxgw: manager for bridge %s terminated", topo.bridge.ID)
	})

	vpn := newDemoVpnContainer(env, topo)

	sup := supervisor.New()
	sup.Add("vxgw-manager", &managerChild{mgr: mgr})
	sup.Add("vxgw-bus-logger", &busLoggerChild{mgr: mgr})
	sup.Add("ipsec-container", &ipsecChild{container: vpn.container, port: vpn.externalPort})

	grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
		SoftShutdownTimeout:  2 * time.Second,
		EnableSignalHandling: true,
		ShutdownOnNonError:   true,
	})

	grp.Go("supervisor", func(ctx context.Context) error {
		if err := sup.StartAll(ctx, env.ReadyTimeout); err != nil {
			return err
		}
		<-ctx.Done()
		return sup.StopAll(context.Background())
	})

	grp.Go("router-demo", func(ctx context.Context) error {
		return runRouterDemo(ctx, rtr)
	})

	return grp.Wait()
}

// managerChild adapts vxgw.Manager to supervisor.Child.
type managerChild struct {
	mgr *vxgw.Manager
}

func (c *managerChild) Start(ctx context.Context, ready func()) error {
	if err := c.mgr.Start(ctx); err != nil {
		return err
	}
	ready()
	return nil
}

func (c *managerChild) Stop(ctx context.Context) error {
	c.mgr.Terminate()
	return nil
}

// busLoggerChild logs every MacLocation the manager publishes, demonstrating
// the Bus a real VTEP/MidoNet peer would subscribe to instead.
type busLoggerChild struct {
	mgr *vxgw.Manager
}

func (c *busLoggerChild) Start(ctx context.Context, ready func()) error {
	ch := c.mgr.Bus().Subscribe(ctx)
	ready()
	go func() {
		for loc := range ch {
			dlog.Infof(ctx, "vxgw: mac location %+v", loc)
		}
	}()
	return nil
}

func (c *busLoggerChild) Stop(ctx context.Context) error {
	return nil
}

// ipsecChild adapts ipsec.Container to supervisor.Child.
type ipsecChild struct {
	container *ipsec.Container
	port      string
}

func (c *ipsecChild) Start(ctx context.Context, ready func()) error {
	if err := c.container.Create(ctx, c.port); err != nil {
		return err
	}
	ready()
	return nil
}

func (c *ipsecChild) Stop(ctx context.Context) error {
	return c.container.Delete(ctx)
}

// loggingEmitter stands in for the simulation controller/datapath
// (spec.md §1, §4.3.1): it never actually puts a frame on a wire, only logs
// what would have been sent.
type loggingEmitter struct{}

func (loggingEmitter) Emit(ctx context.Context, portID string, m packet.Match) {
	dlog.Infof(ctx, "emit on %s: %s", portID, m)
}

// runRouterDemo periodically drives a synthetic ARP request through the
// router pipeline, so the wiring between PortResolver, LoadBalancer, and
// ArpTable is exercised even with no real datapath attached.
func runRouterDemo(ctx context.Context, rtr *router.Router) error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			req := packet.NewArpRequest(demoLanMAC, demoLanIP, vnet.MustParseIPv4("10.0.0.254"))
			action, err := rtr.Process(ctx, demoLanPortID, req, time.Now().Add(2*time.Second))
			if err != nil {
				dlog.Warnf(ctx, "router-demo: %v", err)
				continue
			}
			dlog.Debugf(ctx, "router-demo: processed demo packet, action=%+v", action)
		}
	}
}

const (
	demoNetworkID  = "demo-network"
	demoLanPortID  = "lan"
	demoWanPortID  = "wan"
	demoBridgeID   = "bridge-1"
	demoVtepPortID = "vtep-1"
)

var (
	demoLanIP  = vnet.MustParseIPv4("10.0.0.1")
	demoLanMAC = vnet.MustParseMAC("aa:aa:aa:00:00:01")
	demoWanIP  = vnet.MustParseIPv4("203.0.113.1")
	demoWanMAC = vnet.MustParseMAC("aa:aa:aa:00:00:02")
)

// demoTopology is a fixed, in-memory stand-in for the real virtual topology
// cache: a single router with two ports and a default route out its WAN
// side, plus one bridge bound to one VTEP. It implements router.PortResolver,
// vxgw.TopologyResolver, and ipsec.PortLookup, the three narrow interfaces a
// real topology client would otherwise have to satisfy.
type demoTopology struct {
	ports      map[string]*vnet.RouterPort
	routes     []vnet.Route
	bridge     *vnet.Bridge
	vxlanPorts map[string]*vnet.VxLanPort
}

func newDemoTopology(seeds []config.VtepSeed) *demoTopology {
	mgmtIP := vnet.MustParseIPv4("10.1.0.5")
	if len(seeds) > 0 {
		if ip, err := vnet.ParseIPv4(seeds[0].MgmtAddr); err == nil {
			mgmtIP = ip
		}
	}

	return &demoTopology{
		ports: map[string]*vnet.RouterPort{
			demoLanPortID: {ID: demoLanPortID, MAC: demoLanMAC, IP: demoLanIP, NwAddr: vnet.MustParseIPv4("10.0.0.0"), NwLen: 24, Variant: vnet.Exterior},
			demoWanPortID: {ID: demoWanPortID, MAC: demoWanMAC, IP: demoWanIP, NwAddr: vnet.MustParseIPv4("203.0.113.0"), NwLen: 24, Variant: vnet.Exterior},
		},
		routes: []vnet.Route{
			{Dst: vnet.MustParseCIDR("10.0.0.0/24"), NextHop: vnet.NextHopLocal},
			{Dst: vnet.MustParseCIDR("0.0.0.0/0"), NextHop: vnet.NextHopPort, NextHopPortID: demoWanPortID},
		},
		bridge: &vnet.Bridge{ID: demoBridgeID, VxLanPortIDs: []string{demoVtepPortID}},
		vxlanPorts: map[string]*vnet.VxLanPort{
			demoVtepPortID: {ID: demoVtepPortID, MgmtIP: mgmtIP, MgmtPort: 6640, VNI: 100, TunnelIP: demoWanIP},
		},
	}
}

func (t *demoTopology) GetPort(ctx context.Context, id string) (*vnet.RouterPort, error) {
	p, ok := t.ports[id]
	if !ok {
		return nil, errcat.NotFound.Newf("port %q not found", id)
	}
	return p, nil
}

func (t *demoTopology) GetExternalPort(ctx context.Context, containerPort string) (*vnet.RouterPort, error) {
	return t.GetPort(ctx, containerPort)
}

func (t *demoTopology) GetBridge(ctx context.Context, bridgeID string) (*vnet.Bridge, error) {
	if bridgeID != t.bridge.ID {
		return nil, errcat.NotFound.Newf("bridge %q not found", bridgeID)
	}
	return t.bridge, nil
}

func (t *demoTopology) GetVxLanPort(ctx context.Context, portID string) (*vnet.VxLanPort, error) {
	p, ok := t.vxlanPorts[portID]
	if !ok {
		return nil, errcat.NotFound.Newf("vxlan port %q not found", portID)
	}
	return p, nil
}

// demoVpn bundles the single IPsec container this demo wiring runs.
type demoVpn struct {
	container    *ipsec.Container
	externalPort string
}

func newDemoVpnContainer(env config.Env, ports ipsec.PortLookup) demoVpn {
	svc := ipsec.IPSecServiceDef{
		Name:                 "vpn-demo",
		Filepath:             filepath.Join(os.TempDir(), "vxgw-agent", "ipsec", "vpn-demo"),
		LocalEndpointIP:      demoWanIP,
		LocalEndpointMAC:     demoWanMAC,
		NamespaceInterfaceIP: vnet.MustParseCIDR("192.168.100.1/24"),
		NamespaceGatewayIP:   vnet.MustParseIPv4("192.168.100.254"),
		NamespaceGatewayMAC:  vnet.MustParseMAC("aa:aa:aa:00:00:03"),
	}
	conn := ipsec.IPSecSiteConnection{
		Name:         "site1",
		AdminStateUp: true,
		PeerAddress:  vnet.MustParseIPv4("198.51.100.1"),
		PSK:          "demo-psk",
		LocalCidr:    vnet.MustParseCIDR("10.0.0.0/24"),
		PeerCidrs:    []vnet.CIDR{vnet.MustParseCIDR("172.16.0.0/24")},
		MTU:          1400,
		DPDAction:    ipsec.DPDRestart,
		DPDInterval:  30,
		DPDTimeout:   120,
		Initiator:    ipsec.BiDirectional,
		IkePolicy:    ipsec.IkePolicy{Version: ipsec.IKEv1, LifetimeSeconds: 28800},
		IpsecPolicy: ipsec.IpsecPolicy{
			Transform:       ipsec.ESP,
			Encapsulation:   ipsec.Tunnel,
			LifetimeSeconds: 3600,
		},
	}

	topo := &staticVpnTopology{state: ipsec.VpnServiceState{AdminStateUp: true, Connections: []ipsec.IPSecSiteConnection{conn}}}
	runner := ipsec.NewDexecRunner(env.HelperPath)
	health := logHealthSink{}

	return demoVpn{
		container:    ipsec.NewContainer(svc, ports, topo, runner, health),
		externalPort: demoWanPortID,
	}
}

// staticVpnTopology is a single, never-changing VpnServiceState: the real
// topology subscription (spec.md §1) would instead stream updates as
// Neutron VPN service/connection resources change.
type staticVpnTopology struct {
	state ipsec.VpnServiceState
}

func (t *staticVpnTopology) Current(ctx context.Context) (ipsec.VpnServiceState, error) {
	return t.state, nil
}

func (t *staticVpnTopology) Subscribe(ctx context.Context) <-chan ipsec.VpnServiceState {
	ch := make(chan ipsec.VpnServiceState)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}

// logHealthSink logs every IPsec container health transition.
type logHealthSink struct{}

func (logHealthSink) Publish(hc ipsec.ContainerHealth) {
	dlog.Infof(context.Background(), "ipsec: %s health=%s", hc.Description, hc.Code)
}
