package routing_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datawire/vxgw-agent/pkg/routing"
	"github.com/datawire/vxgw-agent/pkg/vnet"
)

func TestLongestPrefixWins(t *testing.T) {
	table := routing.NewTable([]vnet.Route{
		{Dst: vnet.MustParseCIDR("10.0.0.0/8"), NextHop: vnet.NextHopPort, NextHopPortID: "wide", Weight: 0},
		{Dst: vnet.MustParseCIDR("10.0.0.0/24"), NextHop: vnet.NextHopPort, NextHopPortID: "narrow", Weight: 0},
	})
	lb := routing.NewLoadBalancer(table)

	route := lb.Lookup(vnet.MustParseIPv4("10.0.0.5"))
	require.NotNil(t, route)
	assert.Equal(t, "narrow", route.NextHopPortID)
}

func TestTieBrokenByLowestWeight(t *testing.T) {
	table := routing.NewTable([]vnet.Route{
		{Dst: vnet.MustParseCIDR("10.0.0.0/24"), NextHop: vnet.NextHopPort, NextHopPortID: "heavy", Weight: 10},
		{Dst: vnet.MustParseCIDR("10.0.0.0/24"), NextHop: vnet.NextHopPort, NextHopPortID: "light", Weight: 1},
	})
	lb := routing.NewLoadBalancer(table)

	route := lb.Lookup(vnet.MustParseIPv4("10.0.0.5"))
	require.NotNil(t, route)
	assert.Equal(t, "light", route.NextHopPortID)
}

func TestNoMatchReturnsNil(t *testing.T) {
	table := routing.NewTable([]vnet.Route{
		{Dst: vnet.MustParseCIDR("10.0.0.0/24"), NextHop: vnet.NextHopPort, NextHopPortID: "a"},
	})
	lb := routing.NewLoadBalancer(table)

	assert.Nil(t, lb.Lookup(vnet.MustParseIPv4("192.168.1.1")))
}

func TestDefaultRouteMatchesEverything(t *testing.T) {
	table := routing.NewTable([]vnet.Route{
		{Dst: vnet.CIDR{Addr: 0, Prefix: 0}, NextHop: vnet.NextHopPort, NextHopPortID: "default"},
		{Dst: vnet.MustParseCIDR("10.0.0.0/24"), NextHop: vnet.NextHopPort, NextHopPortID: "specific"},
	})
	lb := routing.NewLoadBalancer(table)

	assert.Equal(t, "specific", lb.Lookup(vnet.MustParseIPv4("10.0.0.5")).NextHopPortID)
	assert.Equal(t, "default", lb.Lookup(vnet.MustParseIPv4("8.8.8.8")).NextHopPortID)
}
