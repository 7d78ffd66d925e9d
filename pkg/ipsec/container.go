package ipsec

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/datawire/dlib/dlog"

	"github.com/datawire/vxgw-agent/internal/errcat"
	"github.com/datawire/vxgw-agent/pkg/vnet"
)

// PortLookup resolves a container's VpnService port against the virtual
// topology (spec.md §4.6 "create(containerPort): look up the router's
// external port"), the same PortResolver seam the Router uses to break its
// own cycle with the topology cache.
type PortLookup interface {
	GetExternalPort(ctx context.Context, containerPort string) (*vnet.RouterPort, error)
}

// TopologySubscription is the VpnService/IPSecSiteConnection observable of
// spec.md §4.6 step 5. Current returns the state as of now; Subscribe
// streams every state thereafter until ctx is cancelled.
type TopologySubscription interface {
	Current(ctx context.Context) (VpnServiceState, error)
	Subscribe(ctx context.Context) <-chan VpnServiceState
}

// HealthSink receives a container's published ContainerHealth (spec.md §4.6
// "Health").
type HealthSink interface {
	Publish(ContainerHealth)
}

// Container is the IpsecContainer of spec.md §4.6: one VpnService's worth
// of rendered config plus a helper-driven setup/cleanup lifecycle. Only one
// of Create/Update/Delete/the topology-driven reconfigure may run at a time
// (spec.md §5), enforced by mu.
type Container struct {
	svc    IPSecServiceDef
	ports  PortLookup
	topo   TopologySubscription
	runner CommandRunner
	health HealthSink

	mu      sync.Mutex
	state   ContainerState
	current []IPSecSiteConnection

	cancel context.CancelFunc
}

// NewContainer builds a Container for svc. runner drives the vpn-helper
// subcommands; health, if non-nil, receives every published ContainerHealth.
func NewContainer(svc IPSecServiceDef, ports PortLookup, topo TopologySubscription, runner CommandRunner, health HealthSink) *Container {
	return &Container{svc: svc, ports: ports, topo: topo, runner: runner, health: health, state: StateCreated}
}

func (c *Container) publish(h ContainerHealth) {
	if c.health != nil {
		c.health.Publish(h)
	}
}

// Create implements spec.md §4.6 step 1.
func (c *Container) Create(ctx context.Context, containerPort string) error {
	if _, err := c.ports.GetExternalPort(ctx, containerPort); err != nil {
		return errcat.IPSecFailure.New(errors.Wrap(err, "resolving external port"))
	}

	initial, err := c.topo.Current(ctx)
	if err != nil {
		return errors.Wrap(err, "loading vpn service state")
	}

	watchCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	go c.watch(watchCtx)

	if !initial.AdminStateUp {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setupLocked(ctx, initial.resolvedConnections())
}

// Update implements spec.md §4.6 step 4: teardown then setup against the
// VpnService's current resolved state.
func (c *Container) Update(ctx context.Context, containerPort string) error {
	if _, err := c.ports.GetExternalPort(ctx, containerPort); err != nil {
		return errcat.IPSecFailure.New(errors.Wrap(err, "resolving external port"))
	}

	st, err := c.topo.Current(ctx)
	if err != nil {
		return errors.Wrap(err, "loading vpn service state")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.teardownLocked(ctx); err != nil {
		return err
	}
	if !st.AdminStateUp {
		return nil
	}
	return c.setupLocked(ctx, st.resolvedConnections())
}

// Delete implements spec.md §4.6 step 6: tear down if running, unsubscribe
// from the topology observable (idempotent when never started).
func (c *Container) Delete(ctx context.Context) error {
	c.mu.Lock()
	err := c.teardownLocked(ctx)
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return err
}

// watch implements spec.md §4.6 step 5: any change to adminStateUp or the
// connection set triggers teardown, then setup with the new config if it is
// non-empty.
func (c *Container) watch(ctx context.Context) {
	for st := range c.topo.Subscribe(ctx) {
		var next []IPSecSiteConnection
		if st.AdminStateUp {
			next = st.resolvedConnections()
		}

		c.mu.Lock()
		if connsEqual(c.current, next) {
			c.mu.Unlock()
			continue
		}
		err := c.teardownLocked(ctx)
		if err == nil && len(next) > 0 {
			err = c.setupLocked(ctx, next)
		}
		c.mu.Unlock()

		if err != nil {
			dlog.Errorf(ctx, "ipsec: reconfiguring %s: %v", c.svc.Name, err)
		}
	}
}

func connsEqual(a, b []IPSecSiteConnection) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || a[i].AdminStateUp != b[i].AdminStateUp {
			return false
		}
	}
	return true
}

func (c *Container) interfaceName() string {
	return c.svc.Name
}

// setupLocked implements spec.md §4.6 step 2. Must be called with mu held.
func (c *Container) setupLocked(ctx context.Context, conns []IPSecSiteConnection) error {
	path := c.svc.Filepath
	if err := os.RemoveAll(path); err != nil {
		return errors.Wrap(err, "clearing ipsec directory")
	}
	if err := os.MkdirAll(filepath.Join(path, "etc"), 0o755); err != nil {
		return errors.Wrap(err, "creating ipsec directory")
	}

	if err := os.WriteFile(filepath.Join(path, "ipsec.conf"), []byte(renderConf(c.svc, conns)), 0o644); err != nil {
		return errors.Wrap(err, "writing ipsec.conf")
	}
	if err := os.WriteFile(filepath.Join(path, "ipsec.secrets"), []byte(renderSecrets(c.svc, conns)), 0o600); err != nil {
		return errors.Wrap(err, "writing ipsec.secrets")
	}

	name := c.svc.Name

	if err := c.runner.Run(ctx, "prepare"); err != nil {
		c.publish(ContainerHealth{Code: HealthError, Description: c.interfaceName()})
		return err
	}
	if err := c.runner.Run(ctx, "cleanns", "-n", name); err != nil {
		c.publish(ContainerHealth{Code: HealthError, Description: c.interfaceName()})
		return err
	}

	if err := c.runner.Run(ctx, c.makensArgs()...); err != nil {
		c.publish(ContainerHealth{Code: HealthError, Description: c.interfaceName()})
		return c.rollback(ctx, err, name, false)
	}
	if err := c.runner.Run(ctx, "start_service", "-n", name, "-p", path); err != nil {
		c.publish(ContainerHealth{Code: HealthError, Description: c.interfaceName()})
		return c.rollback(ctx, err, name, true)
	}
	if err := c.runner.Run(ctx, c.initConnsArgs(path, conns)...); err != nil {
		c.publish(ContainerHealth{Code: HealthError, Description: c.interfaceName()})
		return c.rollback(ctx, err, name, true)
	}

	c.current = conns
	c.state = StateUp
	c.publish(ContainerHealth{Code: HealthRunning, Description: c.interfaceName()})
	return nil
}

// rollback implements spec.md §4.6 step 3's compensating-cleanup ordering:
// a makens failure (withStopService=false) only needs cleanns; a
// start_service or init_conns failure (withStopService=true) needs
// stop_service before cleanns. The original failure and any rollback
// failures are aggregated so neither is lost.
func (c *Container) rollback(ctx context.Context, cause error, name string, withStopService bool) error {
	result := multierror.Append(nil, cause)

	path := c.svc.Filepath
	if withStopService {
		if err := c.runner.Run(ctx, "stop_service", "-n", name, "-p", path); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "rollback: stop_service"))
		}
	}
	if err := c.runner.Run(ctx, "cleanns", "-n", name); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "rollback: cleanns"))
	}
	if err := os.RemoveAll(path); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "rollback: removing ipsec directory"))
	}

	return errcat.IPSecFailure.New(result.ErrorOrNil())
}

// teardownLocked implements spec.md §4.6 step 3 in its full (non-rollback)
// form. Idempotent: a no-op when the container isn't currently up. Must be
// called with mu held.
func (c *Container) teardownLocked(ctx context.Context) error {
	if c.state != StateUp {
		return nil
	}

	name := c.svc.Name
	path := c.svc.Filepath

	c.publish(ContainerHealth{Code: HealthStopping, Description: c.interfaceName()})

	var result *multierror.Error
	if err := c.runner.Run(ctx, "stop_service", "-n", name, "-p", path); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "stop_service"))
	}
	if err := c.runner.Run(ctx, "cleanns", "-n", name); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "cleanns"))
	}
	if err := os.RemoveAll(path); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "removing ipsec directory"))
	}

	c.current = nil
	c.state = StateDown
	c.publish(ContainerHealth{Code: HealthStopped, Description: c.interfaceName()})

	if result == nil {
		return nil
	}
	return errcat.IPSecFailure.New(result.ErrorOrNil())
}

func (c *Container) makensArgs() []string {
	return []string{
		"makens",
		"-n", c.svc.Name,
		"-g", c.svc.NamespaceGatewayIP.String(),
		"-G", c.svc.NamespaceGatewayMAC.String(),
		"-l", c.svc.LocalEndpointIP.String(),
		"-i", c.svc.NamespaceInterfaceIP.String(),
		"-m", c.svc.LocalEndpointMAC.String(),
	}
}

func (c *Container) initConnsArgs(path string, conns []IPSecSiteConnection) []string {
	args := []string{"init_conns", "-n", c.svc.Name, "-p", path, "-g", c.svc.NamespaceGatewayIP.String()}
	for _, conn := range conns {
		args = append(args, "-c", sanitizeName(conn.Name))
	}
	return args
}

