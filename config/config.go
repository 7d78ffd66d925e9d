// Package config loads the agent's constructor parameters: ARP cache
// lifetimes, the vpn-helper binary path, and the flooding-proxy address.
// Configuration loading proper (a config service, hot reload, CLI flags) is
// an external collaborator out of scope per spec.md §1; this package stays
// to one env-var struct plus a static VTEP seed-file loader (vtep_seed.go),
// both of which only ever supply values to constructors, the way
// cmd/traffic/cmd/manager/envconfig.go does for the traffic manager.
package config

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"

	"github.com/datawire/vxgw-agent/pkg/vnet"
)

// Env is the agent's full set of environment-sourced constants.
type Env struct {
	HelperPath    string        `env:"VXGW_HELPER_PATH,default=/usr/local/bin/vpn-helper"`
	FloodingProxy string        `env:"VXGW_FLOODING_PROXY,default=44.44.44.44"`
	VtepSeedFile  string        `env:"VXGW_VTEP_SEED_FILE,default="`
	ReadyTimeout  time.Duration `env:"VXGW_READY_TIMEOUT,default=30s"`

	ArpRetry      time.Duration `env:"VXGW_ARP_RETRY,default=10s"`
	ArpTimeout    time.Duration `env:"VXGW_ARP_TIMEOUT,default=60s"`
	ArpStale      time.Duration `env:"VXGW_ARP_STALE,default=30m"`
	ArpExpiration time.Duration `env:"VXGW_ARP_EXPIRATION,default=1h"`
}

// Load reads Env from the process environment.
func Load(ctx context.Context) (Env, error) {
	var env Env
	err := envconfig.Process(ctx, &env)
	return env, err
}

// FloodingProxyIP parses Env.FloodingProxy, for callers wiring a
// vxgw.Manager.
func (e Env) FloodingProxyIP() (vnet.IPv4, error) {
	return vnet.ParseIPv4(e.FloodingProxy)
}
