package arp_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datawire/vxgw-agent/pkg/arp"
	"github.com/datawire/vxgw-agent/pkg/packet"
	"github.com/datawire/vxgw-agent/pkg/vnet"
)

type recordingEmitter struct {
	mu    sync.Mutex
	count int32
	last  packet.Match
}

func (e *recordingEmitter) Emit(ctx context.Context, portID string, m packet.Match) {
	atomic.AddInt32(&e.count, 1)
	e.mu.Lock()
	e.last = m
	e.mu.Unlock()
}

func (e *recordingEmitter) Count() int {
	return int(atomic.LoadInt32(&e.count))
}

func exteriorPort() *vnet.RouterPort {
	return &vnet.RouterPort{
		ID:      "p-1",
		MAC:     vnet.MustParseMAC("aa:aa:aa:00:00:01"),
		IP:      vnet.MustParseIPv4("10.0.0.1"),
		NwAddr:  vnet.MustParseIPv4("10.0.0.0"),
		NwLen:   24,
		Variant: vnet.Exterior,
	}
}

func TestGetTimesOutWithNoResolution(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cache := arp.NewCache()
	emitter := &recordingEmitter{}
	table := arp.NewTable(ctx, cache, emitter, arp.DefaultLifetimes())

	port := exteriorPort()
	_, resolved, err := table.Get(ctx, vnet.MustParseIPv4("10.0.0.5"), port, time.Now().Add(30*time.Millisecond))
	require.Error(t, err)
	assert.False(t, resolved)
}

func TestGetResolvesAfterSet(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cache := arp.NewCache()
	emitter := &recordingEmitter{}
	table := arp.NewTable(ctx, cache, emitter, arp.DefaultLifetimes())
	port := exteriorPort()

	ip := vnet.MustParseIPv4("10.0.0.5")
	mac := vnet.MustParseMAC("bb:bb:bb:00:00:02")

	go func() {
		time.Sleep(10 * time.Millisecond)
		table.Set(ip, mac)
	}()

	got, resolved, err := table.Get(ctx, ip, port, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.True(t, resolved)
	assert.Equal(t, mac, got)
}

// S3: two concurrent Get calls before any cache entry exists should
// coalesce onto a single in-flight ARP request, and both complete when Set
// fires.
func TestConcurrentGetsCoalesceIntoOneArpRequest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cache := arp.NewCache()
	emitter := &recordingEmitter{}
	table := arp.NewTable(ctx, cache, emitter, arp.DefaultLifetimes())
	port := exteriorPort()

	ip := vnet.MustParseIPv4("10.0.0.5")
	mac := vnet.MustParseMAC("bb:bb:bb:00:00:02")

	var wg sync.WaitGroup
	results := make([]vnet.MAC, 2)
	resolved := make([]bool, 2)
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			mac, ok, err := table.Get(ctx, ip, port, time.Now().Add(2*time.Second))
			require.NoError(t, err)
			results[i] = mac
			resolved[i] = ok
		}()
	}

	time.Sleep(20 * time.Millisecond) // let both Get calls register + request fire
	table.Set(ip, mac)
	wg.Wait()

	assert.True(t, resolved[0])
	assert.True(t, resolved[1])
	assert.Equal(t, mac, results[0])
	assert.Equal(t, mac, results[1])
	assert.Equal(t, 1, emitter.Count(), "exactly one ARP request should have been emitted")
}

func TestGetOffSubnetResolvesToNilWithoutArping(t *testing.T) {
	ctx := context.Background()
	cache := arp.NewCache()
	emitter := &recordingEmitter{}
	table := arp.NewTable(ctx, cache, emitter, arp.DefaultLifetimes())
	port := exteriorPort()

	mac, resolved, err := table.Get(ctx, vnet.MustParseIPv4("192.168.1.1"), port, time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.False(t, resolved)
	assert.Equal(t, vnet.MAC{}, mac)
	assert.Equal(t, 0, emitter.Count())
}

func TestFreshCacheEntryReturnsImmediately(t *testing.T) {
	ctx := context.Background()
	cache := arp.NewCache()
	emitter := &recordingEmitter{}
	table := arp.NewTable(ctx, cache, emitter, arp.DefaultLifetimes())
	port := exteriorPort()

	ip := vnet.MustParseIPv4("10.0.0.9")
	mac := vnet.MustParseMAC("cc:cc:cc:00:00:03")
	table.Set(ip, mac)

	got, resolved, err := table.Get(ctx, ip, port, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.True(t, resolved)
	assert.Equal(t, mac, got)
	assert.Equal(t, 0, emitter.Count(), "a fresh entry shouldn't trigger a new ARP request")
}

func TestInteriorPortSkipsLinkLocalCheck(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cache := arp.NewCache()
	emitter := &recordingEmitter{}
	table := arp.NewTable(ctx, cache, emitter, arp.DefaultLifetimes())
	port := &vnet.RouterPort{
		ID:      "p-int",
		MAC:     vnet.MustParseMAC("aa:aa:aa:00:00:09"),
		IP:      vnet.MustParseIPv4("10.0.0.1"),
		Variant: vnet.Interior,
	}

	_, resolved, err := table.Get(ctx, vnet.MustParseIPv4("192.168.9.9"), port, time.Now().Add(30*time.Millisecond))
	require.Error(t, err)
	assert.False(t, resolved)
	assert.GreaterOrEqual(t, emitter.Count(), 1, "interior ports should still attempt to resolve arbitrary IPs")
}
