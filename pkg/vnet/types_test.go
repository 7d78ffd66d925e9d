package vnet_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datawire/vxgw-agent/pkg/vnet"
)

func TestIPv4RoundTrip(t *testing.T) {
	ip, err := vnet.ParseIPv4("10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", ip.String())
}

func TestCIDRContains(t *testing.T) {
	c := vnet.MustParseCIDR("10.0.0.0/24")
	assert.True(t, c.Contains(vnet.MustParseIPv4("10.0.0.1")))
	assert.True(t, c.Contains(vnet.MustParseIPv4("10.0.0.255")))
	assert.False(t, c.Contains(vnet.MustParseIPv4("10.0.1.1")))
}

func TestCIDRZeroPrefixAlwaysMatches(t *testing.T) {
	c := vnet.CIDR{Addr: 0, Prefix: 0}
	assert.True(t, c.Contains(vnet.MustParseIPv4("1.2.3.4")))
	assert.True(t, c.Contains(vnet.MustParseIPv4("255.255.255.255")))
}

func TestCIDRBroadcast(t *testing.T) {
	c := vnet.MustParseCIDR("192.168.1.0/24")
	assert.Equal(t, vnet.MustParseIPv4("192.168.1.255"), c.Broadcast())
}

func TestIPv4MulticastAndAllOnes(t *testing.T) {
	assert.True(t, vnet.MustParseIPv4("224.0.0.5").IsMulticast())
	assert.False(t, vnet.MustParseIPv4("10.0.0.1").IsMulticast())
	assert.True(t, vnet.MustParseIPv4("255.255.255.255").IsAllOnes())
}

func TestMACBroadcastAndMulticast(t *testing.T) {
	assert.True(t, vnet.Broadcast.IsBroadcast())
	assert.True(t, vnet.Broadcast.IsMulticast())

	mac := vnet.MustParseMAC("01:00:5e:00:00:01")
	assert.True(t, mac.IsMulticast())
	assert.False(t, mac.IsBroadcast())

	unicast := vnet.MustParseMAC("aa:bb:cc:dd:ee:ff")
	assert.False(t, unicast.IsMulticast())
}

func TestRouterPortSubnet(t *testing.T) {
	p := &vnet.RouterPort{NwAddr: vnet.MustParseIPv4("10.0.0.0"), NwLen: 24}
	assert.Equal(t, vnet.MustParseCIDR("10.0.0.0/24"), p.Subnet())
}
