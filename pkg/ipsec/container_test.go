package ipsec_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datawire/vxgw-agent/pkg/ipsec"
	"github.com/datawire/vxgw-agent/pkg/vnet"
)

type fakePorts struct{}

func (fakePorts) GetExternalPort(ctx context.Context, containerPort string) (*vnet.RouterPort, error) {
	return &vnet.RouterPort{ID: containerPort}, nil
}

type fakeTopology struct {
	mu    sync.Mutex
	state ipsec.VpnServiceState
}

func newFakeTopology(state ipsec.VpnServiceState) *fakeTopology {
	return &fakeTopology{state: state}
}

func (f *fakeTopology) Current(ctx context.Context) (ipsec.VpnServiceState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, nil
}

func (f *fakeTopology) Subscribe(ctx context.Context) <-chan ipsec.VpnServiceState {
	ch := make(chan ipsec.VpnServiceState)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}

type recordingHealth struct {
	mu   sync.Mutex
	seen []ipsec.ContainerHealth
}

func (h *recordingHealth) Publish(hc ipsec.ContainerHealth) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, hc)
}

func (h *recordingHealth) last() ipsec.ContainerHealth {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seen[len(h.seen)-1]
}

func oneConnService(dir string) (ipsec.IPSecServiceDef, ipsec.IPSecSiteConnection) {
	svc := ipsec.IPSecServiceDef{
		Name:                 "vpn1",
		Filepath:             dir,
		LocalEndpointIP:      vnet.MustParseIPv4("10.0.0.1"),
		LocalEndpointMAC:     vnet.MustParseMAC("aa:aa:aa:00:00:01"),
		NamespaceInterfaceIP: vnet.MustParseCIDR("192.168.0.1/24"),
		NamespaceGatewayIP:   vnet.MustParseIPv4("192.168.0.254"),
		NamespaceGatewayMAC:  vnet.MustParseMAC("aa:aa:aa:00:00:02"),
	}
	conn := ipsec.IPSecSiteConnection{
		Name:         "conn_1",
		AdminStateUp: true,
		PeerAddress:  vnet.MustParseIPv4("203.0.113.5"),
		PSK:          "s3cr3t",
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
	return svc, conn
}

// S4: ipsec.conf begins with the fixed preamble and contains exactly one
// conn block; ipsec.secrets contains exactly one PSK line. Also exercises
// invariant 7 (sanitized conn header).
func TestCreateRendersSingleConnection(t *testing.T) {
	dir := t.TempDir()
	svc, conn := oneConnService(dir)

	runner := ipsec.NewTracingRunner(nil, 0)
	health := &recordingHealth{}
	topo := newFakeTopology(ipsec.VpnServiceState{AdminStateUp: true, Connections: []ipsec.IPSecSiteConnection{conn}})
	c := ipsec.NewContainer(svc, fakePorts{}, topo, runner, health)

	require.NoError(t, c.Create(context.Background(), "port-1"))
	defer c.Delete(context.Background())

	confBytes, err := os.ReadFile(filepath.Join(dir, "ipsec.conf"))
	require.NoError(t, err)
	conf := string(confBytes)

	assert.True(t, strings.HasPrefix(conf, "config setup\n    nat_traversal=yes\nconn %default\n    ikelifetime=480m\n    keylife=60m\n    keyingtries=%forever\n"))
	assert.Equal(t, 1, strings.Count(conf, "conn conn_1\n"))
	assert.Contains(t, conf, "ikev2=never\n")
	assert.Regexp(t, `(?m)^conn [A-Za-z0-9_]+$`, "conn conn_1")

	secretsBytes, err := os.ReadFile(filepath.Join(dir, "ipsec.secrets"))
	require.NoError(t, err)
	secrets := string(secretsBytes)
	assert.Equal(t, "10.0.0.1 203.0.113.5 : PSK \"s3cr3t\"\n", secrets)

	assert.Equal(t, []string{"prepare", "cleanns", "makens", "start_service", "init_conns"}, runner.Trace())
	assert.Equal(t, ipsec.ContainerHealth{Code: ipsec.HealthRunning, Description: "vpn1"}, health.last())
}

// S5: helper fails on the 3rd invocation (makens); observed trace is
// prepare, cleanns, makens, cleanns; IPSecFailure surfaces.
func TestSetupRollsBackOnMakensFailure(t *testing.T) {
	dir := t.TempDir()
	svc, conn := oneConnService(dir)

	runner := ipsec.NewTracingRunner(nil, 3)
	topo := newFakeTopology(ipsec.VpnServiceState{AdminStateUp: true, Connections: []ipsec.IPSecSiteConnection{conn}})
	c := ipsec.NewContainer(svc, fakePorts{}, topo, runner, nil)

	err := c.Create(context.Background(), "port-1")
	require.Error(t, err)

	assert.Equal(t, []string{"prepare", "cleanns", "makens", "cleanns"}, runner.Trace())
}

// invariant 6: setup followed immediately by cleanup leaves filepath absent.
func TestDeleteRemovesDirectory(t *testing.T) {
	dir := t.TempDir()
	svc, conn := oneConnService(dir)

	runner := ipsec.NewTracingRunner(nil, 0)
	topo := newFakeTopology(ipsec.VpnServiceState{AdminStateUp: true, Connections: []ipsec.IPSecSiteConnection{conn}})
	c := ipsec.NewContainer(svc, fakePorts{}, topo, runner, nil)

	require.NoError(t, c.Create(context.Background(), "port-1"))
	require.NoError(t, c.Delete(context.Background()))

	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

// invariant 7, broader coverage: punctuation and whitespace are dropped from
// the sanitized conn header, never surfacing as anything but
// [A-Za-z0-9_]+.
func TestConnectionNameSanitization(t *testing.T) {
	dir := t.TempDir()
	svc, conn := oneConnService(dir)
	conn.Name = "tenant's site #1!"

	runner := ipsec.NewTracingRunner(nil, 0)
	topo := newFakeTopology(ipsec.VpnServiceState{AdminStateUp: true, Connections: []ipsec.IPSecSiteConnection{conn}})
	c := ipsec.NewContainer(svc, fakePorts{}, topo, runner, nil)

	require.NoError(t, c.Create(context.Background(), "port-1"))
	defer c.Delete(context.Background())

	confBytes, err := os.ReadFile(filepath.Join(dir, "ipsec.conf"))
	require.NoError(t, err)
	assert.Regexp(t, `(?m)^conn tenantssite1$`, string(confBytes))
}

// A parent VpnService with adminStateUp=false still subscribes to topology
// updates but performs no side effects (spec.md §4.6 step 1).
func TestCreateWithAdminStateDownSkipsSetup(t *testing.T) {
	dir := t.TempDir()
	svc, _ := oneConnService(dir)

	runner := ipsec.NewTracingRunner(nil, 0)
	topo := newFakeTopology(ipsec.VpnServiceState{AdminStateUp: false})
	c := ipsec.NewContainer(svc, fakePorts{}, topo, runner, nil)

	require.NoError(t, c.Create(context.Background(), "port-1"))
	defer c.Delete(context.Background())

	assert.Empty(t, runner.Trace())
	_, err := os.Stat(filepath.Join(dir, "ipsec.conf"))
	assert.True(t, os.IsNotExist(err))
}

