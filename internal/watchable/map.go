// Package watchable provides a generic map type that is safe for concurrent
// use and that subscribers can watch for snapshots and deltas. It underlies
// both the shared ArpCache and the MAC-port replicated map: per Design Note
// "replicated-map watchers", every watcher-derived publication here is
// idempotent under replay (a fresh Subscribe call always starts with a full
// snapshot, never just deltas) so a reconnecting subscriber never misses
// state.
package watchable

import (
	"context"
	"sync"
)

// Update describes a single mutation made to a Map.
type Update[K comparable, V any] struct {
	Key    K
	Delete bool // whether this deletes Key, or sets it to Value
	Value  V
}

// Snapshot carries the current state of a Map plus the deltas since the
// previous snapshot delivered to this subscriber.
type Snapshot[K comparable, V any] struct {
	State   map[K]V
	Updates []Update[K, V]
}

// Map is a concurrency-safe map[K]V that subscribers can watch for changes.
// Unlike sync.Map it is type-safe, and unlike a bare map+mutex it supports
// Subscribe/SubscribeSubset: complete snapshots, coalesced deltas, and
// filtered subsets.
type Map[K comparable, V any] struct {
	lock sync.RWMutex

	// guarded by lock
	closeCh     chan struct{}
	value       map[K]V
	subscribers map[<-chan Update[K, V]]chan<- Update[K, V]

	wg sync.WaitGroup
}

func (tm *Map[K, V]) unlockedInit() {
	if tm.closeCh == nil {
		tm.closeCh = make(chan struct{})
		tm.value = make(map[K]V)
		tm.subscribers = make(map[<-chan Update[K, V]]chan<- Update[K, V])
	}
}

func (tm *Map[K, V]) unlockedIsClosed() bool {
	select {
	case <-tm.closeCh:
		return true
	default:
		return false
	}
}

func (tm *Map[K, V]) unlockedLoadAll() map[K]V {
	ret := make(map[K]V, len(tm.value))
	for k, v := range tm.value {
		ret[k] = v
	}
	return ret
}

// LoadAll returns a shallow copy of all key/value pairs in the map.
func (tm *Map[K, V]) LoadAll() map[K]V {
	tm.lock.RLock()
	defer tm.lock.RUnlock()
	return tm.unlockedLoadAll()
}

// CountAll returns the number of key/value pairs in the map.
func (tm *Map[K, V]) CountAll() int {
	tm.lock.RLock()
	defer tm.lock.RUnlock()
	return len(tm.value)
}

// LoadAllMatching returns a shallow copy of all pairs for which filter
// returns true.
func (tm *Map[K, V]) LoadAllMatching(filter func(K, V) bool) map[K]V {
	tm.lock.RLock()
	defer tm.lock.RUnlock()
	ret := make(map[K]V)
	for k, v := range tm.value {
		if filter(k, v) {
			ret[k] = v
		}
	}
	return ret
}

// Load returns the value for a specific key.
func (tm *Map[K, V]) Load(key K) (value V, ok bool) {
	tm.lock.RLock()
	defer tm.lock.RUnlock()
	v, ok := tm.value[key]
	return v, ok
}

// Store sets the value for a key. This blocks forever if Close has already
// been called.
func (tm *Map[K, V]) Store(key K, val V) {
	tm.lock.Lock()
	defer tm.lock.Unlock()
	tm.unlockedStore(key, val)
}

// LoadOrStore returns the existing value for key if present; otherwise it
// stores and returns val. loaded reports whether the value was loaded.
func (tm *Map[K, V]) LoadOrStore(key K, val V) (value V, loaded bool) {
	tm.lock.Lock()
	defer tm.lock.Unlock()

	if v, ok := tm.value[key]; ok {
		return v, true
	}
	tm.unlockedStore(key, val)
	return val, false
}

// CompareAndSwap is the atomic equivalent of loading key, comparing it for
// equality against old with eq, and storing new if they're equal.
func (tm *Map[K, V]) CompareAndSwap(key K, old, new V, eq func(a, b V) bool) bool {
	tm.lock.Lock()
	defer tm.lock.Unlock()

	if v, ok := tm.value[key]; ok && eq(v, old) {
		tm.unlockedStore(key, new)
		return true
	}
	return false
}

func (tm *Map[K, V]) unlockedStore(key K, val V) {
	tm.unlockedInit()
	if tm.unlockedIsClosed() {
		tm.lock.Unlock()
		select {} // block forever, mirrors teacher's watchable.Map semantics
	}

	tm.value[key] = val
	for _, subscriber := range tm.subscribers {
		subscriber <- Update[K, V]{Key: key, Value: val}
	}
}

// Delete removes the value for a key. This blocks forever if Close has
// already been called.
func (tm *Map[K, V]) Delete(key K) {
	tm.lock.Lock()
	defer tm.lock.Unlock()
	tm.unlockedDelete(key)
}

func (tm *Map[K, V]) unlockedDelete(key K) {
	tm.unlockedInit()
	if tm.unlockedIsClosed() {
		tm.lock.Unlock()
		select {}
	}

	if tm.value == nil {
		return
	}
	delete(tm.value, key)
	for _, subscriber := range tm.subscribers {
		subscriber <- Update[K, V]{Key: key, Delete: true}
	}
}

// LoadAndDelete deletes the value for a key, returning the previous value if
// any.
func (tm *Map[K, V]) LoadAndDelete(key K) (value V, loaded bool) {
	tm.lock.Lock()
	defer tm.lock.Unlock()

	v, ok := tm.value[key]
	if !ok {
		return v, false
	}
	tm.unlockedDelete(key)
	return v, true
}

// Close marks the map finished: every subscriber channel is closed and
// further mutations block forever.
func (tm *Map[K, V]) Close() {
	tm.lock.Lock()
	tm.unlockedInit()
	if !tm.unlockedIsClosed() {
		close(tm.closeCh)
	}
	tm.lock.Unlock()
	tm.wg.Wait()
}

func (tm *Map[K, V]) internalSubscribe() (<-chan Update[K, V], map[K]V) {
	tm.lock.Lock()
	defer tm.lock.Unlock()
	tm.unlockedInit()

	ret := make(chan Update[K, V])
	if tm.unlockedIsClosed() {
		return nil, nil
	}
	tm.subscribers[ret] = ret
	return ret, tm.unlockedLoadAll()
}

// Subscribe returns a channel that emits a full snapshot immediately, and
// then again whenever the map changes. Updates between reads are coalesced
// into a single delta-bearing snapshot — the subscriber is never forced to
// keep pace with every individual Store/Delete.
func (tm *Map[K, V]) Subscribe(ctx context.Context) <-chan Snapshot[K, V] {
	return tm.SubscribeSubset(ctx, func(K, V) bool { return true })
}

// SubscribeSubset is like Subscribe but the snapshot only includes entries
// satisfying include. A value moving from satisfying to not satisfying
// include is reported as a delete.
func (tm *Map[K, V]) SubscribeSubset(ctx context.Context, include func(K, V) bool) <-chan Snapshot[K, V] {
	upstream, initial := tm.internalSubscribe()
	downstream := make(chan Snapshot[K, V])

	if upstream == nil {
		close(downstream)
		return downstream
	}

	tm.wg.Add(1)
	go tm.coalesce(ctx, include, upstream, downstream, initial)

	return downstream
}

func (tm *Map[K, V]) coalesce(
	ctx context.Context,
	include func(K, V) bool,
	upstream <-chan Update[K, V],
	downstream chan<- Snapshot[K, V],
	initial map[K]V,
) {
	defer tm.wg.Done()
	defer close(downstream)

	var shutdown func()
	shutdown = func() {
		shutdown = func() {}
		// Asynchronous: acquiring the lock here might otherwise
		// deadlock against a Store() that's blocked writing to
		// 'upstream' while we're the one supposed to drain it.
		go func() {
			tm.lock.Lock()
			defer tm.lock.Unlock()
			close(tm.subscribers[upstream])
			delete(tm.subscribers, upstream)
		}()
	}

	cur := make(map[K]V)
	for k, v := range initial {
		if include(k, v) {
			cur[k] = v
		}
	}

	snapshot := Snapshot[K, V]{State: copyMap(cur)}

	applyUpdate := func(update Update[K, V]) {
		if update.Delete || !include(update.Key, update.Value) {
			if old, had := cur[update.Key]; had {
				update.Delete = true
				update.Value = old
				snapshot.Updates = append(snapshot.Updates, update)
				delete(cur, update.Key)
				if snapshot.State != nil {
					delete(snapshot.State, update.Key)
				} else {
					snapshot.State = copyMap(cur)
				}
			}
			return
		}
		snapshot.Updates = append(snapshot.Updates, update)
		cur[update.Key] = update.Value
		if snapshot.State != nil {
			snapshot.State[update.Key] = update.Value
		} else {
			snapshot.State = copyMap(cur)
		}
	}

	// Reads from both tm.closeCh (the whole Map closing) and ctx.Done()
	// (just this subscription ending). Once one fires it's nilled out so
	// the select never spins on a permanently-ready channel; the loop
	// only truly exits once 'upstream' itself closes.
	closeCh := tm.closeCh
	doneCh := ctx.Done()
	for {
		if snapshot.State == nil {
			select {
			case <-doneCh:
				shutdown()
				doneCh = nil
			case <-closeCh:
				shutdown()
				closeCh = nil
			case update, ok := <-upstream:
				if !ok {
					return
				}
				applyUpdate(update)
			}
		} else {
			select {
			case <-doneCh:
				shutdown()
				doneCh = nil
			case <-closeCh:
				shutdown()
				closeCh = nil
			case update, ok := <-upstream:
				if !ok {
					return
				}
				applyUpdate(update)
			case downstream <- snapshot:
				snapshot = Snapshot[K, V]{}
			}
		}
	}
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	ret := make(map[K]V, len(m))
	for k, v := range m {
		ret[k] = v
	}
	return ret
}
