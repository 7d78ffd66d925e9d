package supervisor_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datawire/vxgw-agent/internal/supervisor"
)

type fakeChild struct {
	name       string
	startDelay time.Duration
	startErr   error
	stopErr    error
	stopped    bool
}

func (c *fakeChild) Start(ctx context.Context, ready func()) error {
	if c.startDelay > 0 {
		select {
		case <-time.After(c.startDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.startErr != nil {
		return c.startErr
	}
	ready()
	return nil
}

func (c *fakeChild) Stop(ctx context.Context) error {
	c.stopped = true
	return c.stopErr
}

func TestStartAllThenResolve(t *testing.T) {
	s := supervisor.New()
	a := &fakeChild{name: "a"}
	b := &fakeChild{name: "b"}
	s.Add("a", a)
	s.Add("b", b)

	require.NoError(t, s.StartAll(context.Background(), time.Second))

	got, ok := s.Resolve("a")
	require.True(t, ok)
	assert.Same(t, a, got)

	_, ok = s.Resolve("missing")
	assert.False(t, ok)
}

func TestStartAllUnwindsOnFailure(t *testing.T) {
	s := supervisor.New()
	a := &fakeChild{name: "a"}
	b := &fakeChild{name: "b", startErr: fmt.Errorf("boom")}
	s.Add("a", a)
	s.Add("b", b)

	err := s.StartAll(context.Background(), time.Second)
	require.Error(t, err)
	assert.True(t, a.stopped, "a should have been stopped during unwind")
}

func TestStartAllTimesOutOnSlowChild(t *testing.T) {
	s := supervisor.New()
	slow := &fakeChild{name: "slow", startDelay: 200 * time.Millisecond}
	s.Add("slow", slow)

	err := s.StartAll(context.Background(), 10*time.Millisecond)
	require.Error(t, err)
}

func TestStopAllAggregatesErrors(t *testing.T) {
	s := supervisor.New()
	a := &fakeChild{name: "a", stopErr: fmt.Errorf("a failed")}
	b := &fakeChild{name: "b", stopErr: fmt.Errorf("b failed")}
	s.Add("a", a)
	s.Add("b", b)

	require.NoError(t, s.StartAll(context.Background(), time.Second))
	err := s.StopAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a failed")
	assert.Contains(t, err.Error(), "b failed")
	assert.True(t, a.stopped)
	assert.True(t, b.stopped)
}

func TestStopAllReverseOrder(t *testing.T) {
	s := supervisor.New()
	var order []string
	record := func(name string) *recordingChild {
		return &recordingChild{name: name, order: &order}
	}
	s.Add("a", record("a"))
	s.Add("b", record("b"))
	s.Add("c", record("c"))

	require.NoError(t, s.StartAll(context.Background(), time.Second))
	require.NoError(t, s.StopAll(context.Background()))

	assert.Equal(t, []string{"c", "b", "a"}, order)
}

type recordingChild struct {
	name  string
	order *[]string
}

func (c *recordingChild) Start(ctx context.Context, ready func()) error {
	ready()
	return nil
}

func (c *recordingChild) Stop(ctx context.Context) error {
	*c.order = append(*c.order, c.name)
	return nil
}
