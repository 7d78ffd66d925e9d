// Package supervisor is a deliberately small re-architecture of the actor
// model the original agent used for its components (Design Note 1): rather
// than an actor-style supervisor with mailboxes and identity pings, this is a
// plain supervisor owning named child handles, each exposing Start/Stop, with
// one method (Resolve) to look a child up by name. There is no
// supervision-tree restart policy here — restart-on-failure is a concern of
// the component being supervised (the ArpTable's retry loop, the IpsecContainer's
// compensating cleanup), not of this package.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/datawire/dlib/dlog"
)

// Child is anything the Supervisor can start and stop. Start must not return
// until the child is either ready (it has called the ready func it was
// handed) or it has failed; Start should not block forever if ctx is
// canceled first.
type Child interface {
	// Start begins the child's work and must call ready() exactly once,
	// as soon as the child is prepared to do useful work, before
	// returning nil. Returning a non-nil error before calling ready()
	// is a start failure.
	Start(ctx context.Context, ready func()) error
	// Stop tears the child down. It must be safe to call even if Start
	// never completed successfully.
	Stop(ctx context.Context) error
}

type entry struct {
	name  string
	child Child
}

// Supervisor owns a set of named children and start/stops them as a group.
type Supervisor struct {
	mu       sync.Mutex
	children []entry
	byName   map[string]Child
}

// New returns an empty Supervisor.
func New() *Supervisor {
	return &Supervisor{byName: make(map[string]Child)}
}

// Add registers a child under name. Children are started in the order they
// are added and stopped in the reverse order.
func (s *Supervisor) Add(name string, child Child) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.children = append(s.children, entry{name: name, child: child})
	s.byName[name] = child
}

// Resolve looks up a previously-added child by name.
func (s *Supervisor) Resolve(name string) (Child, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byName[name]
	return c, ok
}

// StartAll starts every registered child in registration order, each bounded
// by readyTimeout: a child that does not call its ready() func in time is
// treated as a start failure ("ask with timeout", Design Note 2 — a
// non-response is a start failure) and StartAll unwinds by stopping every
// child that had already started.
func (s *Supervisor) StartAll(ctx context.Context, readyTimeout time.Duration) error {
	s.mu.Lock()
	children := append([]entry(nil), s.children...)
	s.mu.Unlock()

	started := make([]entry, 0, len(children))
	for _, e := range children {
		if err := s.startOne(ctx, e, readyTimeout); err != nil {
			dlog.Errorf(ctx, "supervisor: %s failed to start: %v", e.name, err)
			for i := len(started) - 1; i >= 0; i-- {
				if serr := started[i].child.Stop(ctx); serr != nil {
					dlog.Errorf(ctx, "supervisor: %s failed to stop during unwind: %v", started[i].name, serr)
				}
			}
			return fmt.Errorf("starting %q: %w", e.name, err)
		}
		started = append(started, e)
	}
	return nil
}

func (s *Supervisor) startOne(ctx context.Context, e entry, readyTimeout time.Duration) error {
	readyCh := make(chan struct{})
	var once sync.Once
	ready := func() { once.Do(func() { close(readyCh) }) }

	startCtx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- e.child.Start(ctx, ready)
	}()

	select {
	case <-readyCh:
		return nil
	case err := <-errCh:
		if err != nil {
			return err
		}
		// Start returned nil without ever calling ready(): treat it as
		// ready by fiat, the same as a synchronous child would be.
		return nil
	case <-startCtx.Done():
		return fmt.Errorf("%q: not ready within %s", e.name, readyTimeout)
	}
}

// StopAll stops every registered child in reverse registration order,
// aggregating any failures instead of stopping at the first one — every
// sibling gets a chance to shut down cleanly.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.mu.Lock()
	children := append([]entry(nil), s.children...)
	s.mu.Unlock()

	var result *multierror.Error
	for i := len(children) - 1; i >= 0; i-- {
		if err := children[i].child.Stop(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("stopping %q: %w", children[i].name, err))
		}
	}
	return result.ErrorOrNil()
}
