package ipsec

import (
	"context"
	"fmt"
	"sync"

	"github.com/datawire/dexec"
	"github.com/pkg/errors"

	"github.com/datawire/vxgw-agent/internal/errcat"
)

// CommandRunner invokes the vpn-helper executable's subcommands (spec.md §6
// "Helper command surface"). Splitting this out of IpsecContainer is what
// lets scenario S5 observe the exact command trace without actually
// exec'ing anything.
type CommandRunner interface {
	Run(ctx context.Context, args ...string) error
}

// dexecRunner is the production CommandRunner: it shells out to the
// configured helper binary via dexec.CommandContext, the same way
// cmd/traffic/manager.go drives sshd.
type dexecRunner struct {
	helperPath string
}

// NewDexecRunner returns a CommandRunner that invokes helperPath.
func NewDexecRunner(helperPath string) CommandRunner {
	return &dexecRunner{helperPath: helperPath}
}

func (r *dexecRunner) Run(ctx context.Context, args ...string) error {
	cmd := dexec.CommandContext(ctx, r.helperPath, args...)
	if err := cmd.Run(); err != nil {
		return errcat.IPSecFailure.New(errors.Wrapf(err, "%s %v", r.helperPath, args))
	}
	return nil
}

// TracingRunner wraps another CommandRunner and records every invocation's
// leading subcommand, so tests can assert on the observed sequence (spec.md
// §5 "IPsec helper invocations are strictly ordered and observable"). It
// also lets a test force a specific invocation to fail, for scenario S5.
type TracingRunner struct {
	next CommandRunner

	mu      sync.Mutex
	trace   []string
	failAt  int // 1-based invocation index to fail, 0 means never
	calls   int
}

// NewTracingRunner wraps next, recording every call. failAt, if non-zero, is
// the 1-based call number that should fail instead of delegating to next.
func NewTracingRunner(next CommandRunner, failAt int) *TracingRunner {
	return &TracingRunner{next: next, failAt: failAt}
}

func (r *TracingRunner) Run(ctx context.Context, args ...string) error {
	r.mu.Lock()
	r.calls++
	call := r.calls
	sub := ""
	if len(args) > 0 {
		sub = args[0]
	}
	r.trace = append(r.trace, sub)
	r.mu.Unlock()

	if r.failAt != 0 && call == r.failAt {
		return errcat.IPSecFailure.Newf("helper %s: exit status 1", sub)
	}
	if r.next == nil {
		return nil
	}
	return r.next.Run(ctx, args...)
}

// Trace returns the subcommands observed so far, in call order.
func (r *TracingRunner) Trace() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.trace...)
}

func (r *TracingRunner) String() string {
	return fmt.Sprintf("%v", r.Trace())
}
