// Copyright 2025 Certen Protocol
//
// Layered copy-on-write state delta.
//
// A StateDelta buffers writes in memory, can be forked into independent
// branches that share history up to the fork point, and is flattened
// and applied back to an underlying store exactly once. Grounded on the
// StateDelta<S> type of the storage crate this core's execution layer is
// modeled on: Arc<RwLock<Option<S>>> becomes a mutex-guarded storeSlot
// shared by pointer across forks, Vec<Arc<RwLock<Option<Cache>>>> becomes
// a slice of *cacheLayer cloned (new backing array, shared elements) on
// every fork, and Box<dyn Any> ephemeral objects become map[string]any
// with a reflect.TypeOf check on read, panicking on mismatch exactly as
// the reference implementation's downcast_ref().expect(...) does.

package statedelta

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	dbm "github.com/cometbft/cometbft-db"
)

// Iterator is a half-open [start, end) range iterator, matching
// cometbft-db's iterator contract directly so pkg/kvdb.KVAdapter
// satisfies KVStore without any wrapping.
type Iterator = dbm.Iterator

// KVStore is the persistent store a StateDelta tree is ultimately
// flattened and applied to. pkg/kvdb.KVAdapter implements this over
// cometbft-db. Iterator backs prefix scans: PrefixKeys/PrefixRaw merge
// it against every in-memory layer above the store.
type KVStore interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	Iterator(start, end []byte) (Iterator, error)
}

// Event is a minimal ABCI-style event recorded during execution and
// carried through to Apply.
type Event struct {
	Type       string
	Attributes map[string]string
}

// ErrAlreadyApplied is returned by Flatten/Apply when the underlying
// store has already been taken by a prior call anywhere in this delta's
// fork tree.
var ErrAlreadyApplied = errors.New("statedelta: store already taken by a prior flatten/apply")

type storeSlot struct {
	mu    sync.Mutex
	store KVStore
}

func (s *storeSlot) take() (KVStore, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store == nil {
		return nil, ErrAlreadyApplied
	}
	store := s.store
	s.store = nil
	return store, nil
}

func (s *storeSlot) get(key []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store == nil {
		return nil, ErrAlreadyApplied
	}
	return s.store.Get(key)
}

func (s *storeSlot) iterator(start, end []byte) (Iterator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store == nil {
		return nil, ErrAlreadyApplied
	}
	return s.store.Iterator(start, end)
}

// cacheLayer is one write buffer: either the mutable leaf of a
// StateDelta, or a frozen layer on its ancestor stack. Once pushed onto
// a layers slice it is never mutated again.
type cacheLayer struct {
	mu      sync.Mutex
	changes map[string]*[]byte // nil pointer value = tombstone
	objects map[string]any
	events  []Event
}

func newCacheLayer() *cacheLayer {
	return &cacheLayer{
		changes: make(map[string]*[]byte),
		objects: make(map[string]any),
	}
}

func (c *cacheLayer) isDirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.changes) > 0 || len(c.objects) > 0 || len(c.events) > 0
}

func (c *cacheLayer) lookup(key string) (value []byte, deleted, found bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.changes[key]
	if !ok {
		return nil, false, false
	}
	if v == nil {
		return nil, true, true
	}
	return *v, false, true
}

func (c *cacheLayer) put(key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := append([]byte(nil), value...)
	c.changes[key] = &v
}

func (c *cacheLayer) delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changes[key] = nil
}

func (c *cacheLayer) putObject(key string, obj any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.objects[key] = obj
}

func (c *cacheLayer) lookupObject(key string) (obj any, found bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	obj, found = c.objects[key]
	return obj, found
}

func (c *cacheLayer) record(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

// StateDelta is a node in a tree of copy-on-write branches over a shared
// underlying store. The zero value is not usable; construct with New or Fork.
type StateDelta struct {
	store  *storeSlot
	layers []*cacheLayer
	leaf   *cacheLayer
}

// New creates the root StateDelta over store.
func New(store KVStore) *StateDelta {
	return &StateDelta{
		store: &storeSlot{store: store},
		leaf:  newCacheLayer(),
	}
}

func cloneLayers(layers []*cacheLayer) []*cacheLayer {
	out := make([]*cacheLayer, len(layers))
	copy(out, layers)
	return out
}

// Fork freezes this delta's pending writes (if any) into the shared
// layer stack and returns a sibling branch that starts with a fresh,
// empty write buffer on top of the same history. Both d and the
// returned sibling continue to see everything written before the fork;
// writes made to either one afterward are invisible to the other until
// a further fork/merge.
func (d *StateDelta) Fork() *StateDelta {
	if d.leaf.isDirty() {
		d.layers = append(cloneLayers(d.layers), d.leaf)
		d.leaf = newCacheLayer()
	}
	return &StateDelta{
		store:  d.store,
		layers: cloneLayers(d.layers),
		leaf:   newCacheLayer(),
	}
}

// GetRaw looks up key, checking the leaf buffer, then each frozen layer
// from newest to oldest, then falling through to the underlying store.
// A tombstone at any layer shadows the underlying store and stops the
// search. Returns (nil, nil) if the key is absent.
func (d *StateDelta) GetRaw(key []byte) ([]byte, error) {
	k := string(key)

	if v, deleted, found := d.leaf.lookup(k); found {
		if deleted {
			return nil, nil
		}
		return v, nil
	}

	for i := len(d.layers) - 1; i >= 0; i-- {
		if v, deleted, found := d.layers[i].lookup(k); found {
			if deleted {
				return nil, nil
			}
			return v, nil
		}
	}

	return d.store.get(key)
}

// PutRaw buffers a write to key in this delta's leaf layer.
func (d *StateDelta) PutRaw(key, value []byte) {
	d.leaf.put(string(key), value)
}

// Delete buffers a tombstone for key in this delta's leaf layer.
func (d *StateDelta) Delete(key []byte) {
	d.leaf.delete(string(key))
}

// prefixRange computes the half-open [start, end) range covering every
// key with the given prefix. An end of nil means "no upper bound", used
// when prefix is empty or consists entirely of 0xFF bytes.
func prefixRange(prefix []byte) (start, end []byte) {
	start = append([]byte(nil), prefix...)
	end = append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return start, end[:i+1]
		}
	}
	return start, nil
}

// layerStream walks one cacheLayer's changes restricted to a prefix, in
// ascending key order. nil *[]byte values are tombstones.
type layerStream struct {
	keys   []string
	values map[string]*[]byte
	pos    int
}

func newLayerStream(layer *cacheLayer, prefix string) *layerStream {
	layer.mu.Lock()
	defer layer.mu.Unlock()

	keys := make([]string, 0, len(layer.changes))
	values := make(map[string]*[]byte, len(layer.changes))
	for k, v := range layer.changes {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
			values[k] = v
		}
	}
	sort.Strings(keys)
	return &layerStream{keys: keys, values: values}
}

func (s *layerStream) peek() (string, bool) {
	if s.pos >= len(s.keys) {
		return "", false
	}
	return s.keys[s.pos], true
}

func (s *layerStream) value() *[]byte { return s.values[s.keys[s.pos]] }
func (s *layerStream) advance()       { s.pos++ }

// storeStream adapts the underlying store's own iterator to the same
// peek/advance shape as layerStream.
type storeStream struct {
	it    Iterator
	valid bool
}

func newStoreStream(it Iterator) *storeStream {
	return &storeStream{it: it, valid: it.Valid()}
}

func (s *storeStream) peek() (string, bool) {
	if !s.valid {
		return "", false
	}
	return string(s.it.Key()), true
}

func (s *storeStream) value() []byte { return append([]byte(nil), s.it.Value()...) }
func (s *storeStream) advance()      { s.it.Next(); s.valid = s.it.Valid() }

// prefixMerge runs a peekable merge over the leaf, every frozen layer
// newest to oldest, and the underlying store's own prefix iterator,
// producing a single deduplicated ascending-lexicographic key sequence.
// At each key the highest-precedence source that has it wins; a
// tombstone there suppresses the key entirely regardless of what older
// layers or the store hold for it. This mirrors GetRaw's per-key
// shadowing rule, generalized across the whole prefix range at once.
func (d *StateDelta) prefixMerge(prefix []byte) (keys [][]byte, values [][]byte, err error) {
	p := string(prefix)
	start, end := prefixRange(prefix)

	it, err := d.store.iterator(start, end)
	if err != nil {
		return nil, nil, err
	}
	defer it.Close()

	// Highest precedence first: leaf, then layers newest to oldest.
	layers := make([]*layerStream, 0, len(d.layers)+1)
	layers = append(layers, newLayerStream(d.leaf, p))
	for i := len(d.layers) - 1; i >= 0; i-- {
		layers = append(layers, newLayerStream(d.layers[i], p))
	}
	store := newStoreStream(it)

	for {
		min, found := "", false
		for _, l := range layers {
			if k, ok := l.peek(); ok && (!found || k < min) {
				min, found = k, true
			}
		}
		if k, ok := store.peek(); ok && (!found || k < min) {
			min, found = k, true
		}
		if !found {
			break
		}

		var value []byte
		var tombstoned, resolved bool
		for _, l := range layers {
			if k, ok := l.peek(); ok && k == min {
				if !resolved {
					if v := l.value(); v == nil {
						tombstoned = true
					} else {
						value = *v
					}
					resolved = true
				}
				l.advance()
			}
		}
		if k, ok := store.peek(); ok && k == min {
			if !resolved {
				value = store.value()
			}
			store.advance()
		}

		if !tombstoned {
			keys = append(keys, []byte(min))
			values = append(values, value)
		}
	}

	return keys, values, it.Error()
}

// PrefixKeys returns every key carrying prefix whose effective value
// (across the whole fork-tree history and the underlying store) is not
// a tombstone, in ascending lexicographic order.
func (d *StateDelta) PrefixKeys(prefix []byte) ([][]byte, error) {
	keys, _, err := d.prefixMerge(prefix)
	return keys, err
}

// PrefixRaw returns every key/value pair carrying prefix whose
// effective value is not a tombstone, in ascending lexicographic key
// order.
func (d *StateDelta) PrefixRaw(prefix []byte) (keys [][]byte, values [][]byte, err error) {
	return d.prefixMerge(prefix)
}

// ObjectGet looks up an ephemeral typed object stored under key,
// walking the leaf then frozen layers exactly like GetRaw. It panics if
// the stored value's type does not match T, mirroring the reference
// implementation's downcast_ref().expect(...) contract: ObjectPut/
// ObjectGet pairs are expected to agree on type by construction.
func ObjectGet[T any](d *StateDelta, key string) (T, bool) {
	var zero T
	if obj, found := d.leaf.lookupObject(key); found {
		return assertType[T](key, obj), true
	}
	for i := len(d.layers) - 1; i >= 0; i-- {
		if obj, found := d.layers[i].lookupObject(key); found {
			return assertType[T](key, obj), true
		}
	}
	return zero, false
}

func assertType[T any](key string, obj any) T {
	v, ok := obj.(T)
	if !ok {
		var want T
		panic(fmt.Sprintf("statedelta: unexpected type for key %q: got %s, want %s",
			key, reflect.TypeOf(obj), reflect.TypeOf(want)))
	}
	return v
}

// ObjectPut stores an ephemeral typed object in this delta's leaf layer.
func ObjectPut[T any](d *StateDelta, key string, value T) {
	d.leaf.putObject(key, value)
}

// Record appends an event to this delta's leaf layer.
func (d *StateDelta) Record(e Event) {
	d.leaf.record(e)
}

// merged is the flattened result of every layer plus the leaf, oldest
// writes applied first so the newest write to any key wins.
type merged struct {
	changes map[string]*[]byte
	events  []Event
}

func (d *StateDelta) merge() merged {
	m := merged{changes: make(map[string]*[]byte)}
	for _, layer := range d.layers {
		layer.mu.Lock()
		for k, v := range layer.changes {
			m.changes[k] = v
		}
		m.events = append(m.events, layer.events...)
		layer.mu.Unlock()
	}
	d.leaf.mu.Lock()
	for k, v := range d.leaf.changes {
		m.changes[k] = v
	}
	m.events = append(m.events, d.leaf.events...)
	d.leaf.mu.Unlock()
	return m
}

// Flatten merges every layer in this delta's history (oldest to newest)
// into a single change set, takes exclusive ownership of the underlying
// store away from the entire fork tree, and returns both. After Flatten
// (or Apply) succeeds, this call and every sibling/descendant sharing
// the same store will fail with ErrAlreadyApplied if called again.
func (d *StateDelta) Flatten() (KVStore, merged, error) {
	store, err := d.store.take()
	if err != nil {
		return nil, merged{}, err
	}
	return store, d.merge(), nil
}

// Apply flattens this delta and writes every buffered change into the
// underlying store, returning the store and the events recorded along
// the way. It must be called at most once across this delta's entire
// fork tree.
func (d *StateDelta) Apply() (KVStore, []Event, error) {
	store, m, err := d.Flatten()
	if err != nil {
		return nil, nil, err
	}
	for k, v := range m.changes {
		if v == nil {
			if err := store.Delete([]byte(k)); err != nil {
				return nil, nil, fmt.Errorf("statedelta: delete %q: %w", k, err)
			}
			continue
		}
		if err := store.Set([]byte(k), *v); err != nil {
			return nil, nil, fmt.Errorf("statedelta: set %q: %w", k, err)
		}
	}
	return store, m.events, nil
}
