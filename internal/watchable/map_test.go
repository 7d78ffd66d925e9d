package watchable_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datawire/vxgw-agent/internal/watchable"
)

func TestStoreLoad(t *testing.T) {
	var m watchable.Map[string, int]
	m.Store("a", 1)
	v, ok := m.Load("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = m.Load("missing")
	assert.False(t, ok)
}

func TestLoadOrStore(t *testing.T) {
	var m watchable.Map[string, int]
	v, loaded := m.LoadOrStore("a", 1)
	assert.False(t, loaded)
	assert.Equal(t, 1, v)

	v, loaded = m.LoadOrStore("a", 2)
	assert.True(t, loaded)
	assert.Equal(t, 1, v)
}

func TestDeleteAndCount(t *testing.T) {
	var m watchable.Map[string, int]
	m.Store("a", 1)
	m.Store("b", 2)
	assert.Equal(t, 2, m.CountAll())

	m.Delete("a")
	assert.Equal(t, 1, m.CountAll())
	_, ok := m.Load("a")
	assert.False(t, ok)
}

func TestSubscribeInitialSnapshot(t *testing.T) {
	var m watchable.Map[string, int]
	m.Store("a", 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := m.Subscribe(ctx)
	snap := <-ch
	assert.Equal(t, map[string]int{"a": 1}, snap.State)
	assert.Empty(t, snap.Updates)
}

func TestSubscribeDelta(t *testing.T) {
	var m watchable.Map[string, int]

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := m.Subscribe(ctx)
	<-ch // initial empty snapshot

	m.Store("a", 1)

	select {
	case snap := <-ch:
		assert.Equal(t, map[string]int{"a": 1}, snap.State)
		require.Len(t, snap.Updates, 1)
		assert.Equal(t, "a", snap.Updates[0].Key)
		assert.False(t, snap.Updates[0].Delete)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
}

func TestSubscribeSubsetFiltersDeletes(t *testing.T) {
	var m watchable.Map[string, int]
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := m.SubscribeSubset(ctx, func(_ string, v int) bool { return v > 0 })
	<-ch

	m.Store("a", 1)
	snap := <-ch
	assert.Equal(t, map[string]int{"a": 1}, snap.State)

	// moving below the predicate threshold looks like a delete downstream
	m.Store("a", -1)
	snap = <-ch
	assert.Empty(t, snap.State)
	require.Len(t, snap.Updates, 1)
	assert.True(t, snap.Updates[0].Delete)
}

func TestCloseClosesSubscribers(t *testing.T) {
	var m watchable.Map[string, int]
	ch := m.Subscribe(context.Background())
	<-ch

	m.Close()

	_, ok := <-ch
	assert.False(t, ok, "subscriber channel should be closed")
}

func TestCompareAndSwap(t *testing.T) {
	var m watchable.Map[string, int]
	m.Store("a", 1)

	eq := func(a, b int) bool { return a == b }
	assert.True(t, m.CompareAndSwap("a", 1, 2, eq))
	v, _ := m.Load("a")
	assert.Equal(t, 2, v)

	assert.False(t, m.CompareAndSwap("a", 1, 3, eq))
	v, _ = m.Load("a")
	assert.Equal(t, 2, v)
}
