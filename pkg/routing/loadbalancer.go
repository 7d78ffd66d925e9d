// Package routing implements the longest-prefix-match lookup over a
// router's routing table (spec.md §4.2).
package routing

import (
	"github.com/datawire/vxgw-agent/pkg/vnet"
)

// Table is an ordered set of routes, looked up by destination.
type Table struct {
	routes []vnet.Route
}

// NewTable builds a Table from routes. The table is immutable once built;
// callers rebuild it (via NewTable) when the underlying routes change, the
// same way the router's routing state is refreshed from the topology cache.
func NewTable(routes []vnet.Route) *Table {
	cp := make([]vnet.Route, len(routes))
	copy(cp, routes)
	return &Table{routes: cp}
}

// LoadBalancer performs the deterministic, pure longest-prefix-match lookup
// of spec.md §4.2.
type LoadBalancer struct {
	table *Table
}

// NewLoadBalancer returns a LoadBalancer over table.
func NewLoadBalancer(table *Table) *LoadBalancer {
	return &LoadBalancer{table: table}
}

// Lookup returns the best matching Route for dst, or nil if no route
// matches. Ties are broken by the lowest administrative Weight.
func (lb *LoadBalancer) Lookup(dst vnet.IPv4) *vnet.Route {
	var best *vnet.Route
	for i := range lb.table.routes {
		r := &lb.table.routes[i]
		if !r.Dst.Contains(dst) {
			continue
		}
		if best == nil {
			best = r
			continue
		}
		if r.Dst.Prefix > best.Dst.Prefix {
			best = r
			continue
		}
		if r.Dst.Prefix == best.Dst.Prefix && r.Weight < best.Weight {
			best = r
		}
	}
	return best
}
