// Package hashmap implements ArrayHashMap, an array-backed separate-chaining
// hash map used as the storage primitive of the sparse tensor store. Open
// addressing is rejected in favor of array-backed chaining because slot
// indices are stable under insertion (a persistent identity for a key) and
// because the four parallel arrays serialize as contiguous blobs.
package hashmap

import (
	"fmt"
	"os"

	"github.com/pkg/errors"

	"github.com/mindalpha/MindAlpha/pkg/datatype"
)

// maxBucketCount is the hard cap on bucket_count: slot indices are stored
// as uint32 in next[]/first[].
const maxBucketCount = uint64(^uint32(0))

// ArrayHashMap is a hash map from K to a fixed-width slice of V, backed by
// four parallel arrays (keys, values, next, first) instead of pointer-based
// chaining nodes. It is not safe for concurrent use; callers that share a
// map across goroutines must serialize access themselves.
type ArrayHashMap[K datatype.Numeric, V datatype.Numeric] struct {
	keys   []K
	values []V
	next   []uint32
	first  []uint32

	keyCount         uint64
	bucketCount      uint64
	valueCount       uint64
	valueCountPerKey uint64
	configured       bool
}

// New creates an ArrayHashMap with a fixed value-slice width per key.
// valueCountPerKey must be non-negative; it is a construction-time
// parameter, not a mutable setting, so a zero-value ArrayHashMap (obtained
// e.g. by declaring `var m ArrayHashMap[K,V]`) is deliberately left
// unconfigured and every value-touching operation on it panics rather than
// silently treating -1 as "not set" the way the original sentinel did.
func New[K datatype.Numeric, V datatype.Numeric](valueCountPerKey int64) *ArrayHashMap[K, V] {
	if valueCountPerKey < 0 {
		panic("hashmap: value_count_per_key must be non-negative")
	}
	return &ArrayHashMap[K, V]{
		valueCountPerKey: uint64(valueCountPerKey),
		configured:       true,
	}
}

func (m *ArrayHashMap[K, V]) requireConfigured() {
	if !m.configured {
		panic("hashmap: ArrayHashMap used before New (value_count_per_key not set)")
	}
}

// ValueCountPerKey returns the fixed value-slice width of this map.
func (m *ArrayHashMap[K, V]) ValueCountPerKey() uint64 { return m.valueCountPerKey }

// Size returns the number of occupied slots (distinct keys).
func (m *ArrayHashMap[K, V]) Size() uint64 { return m.keyCount }

// BucketCount returns the current length of the bucket index.
func (m *ArrayHashMap[K, V]) BucketCount() uint64 { return m.bucketCount }

func (m *ArrayHashMap[K, V]) bucketOf(key K) uint64 {
	return fastModulo(uint64(key)) & (m.bucketCount - 1)
}

// Find returns the slot holding key, or (-1, false) if absent.
func (m *ArrayHashMap[K, V]) Find(key K) (int64, bool) {
	if m.bucketCount == 0 {
		return -1, false
	}
	i := m.first[m.bucketOf(key)]
	for i != nilSlot {
		if m.keys[i] == key {
			return int64(i), true
		}
		i = m.next[i]
	}
	return -1, false
}

// Get returns the value slice for key, or nil if absent. The returned slice
// aliases the map's backing array and is only stable until the next
// Reserve/Reallocate/Prune call.
func (m *ArrayHashMap[K, V]) Get(key K) []V {
	m.requireConfigured()
	slot, ok := m.Find(key)
	if !ok {
		return nil
	}
	return m.valueSlice(uint64(slot))
}

func (m *ArrayHashMap[K, V]) valueSlice(slot uint64) []V {
	w := m.valueCountPerKey
	return m.values[slot*w : slot*w+w]
}

// GetOrInit finds the slot for key, creating it (and growing the map, if
// needed) when absent. The newly allocated value region is zeroed; the
// caller is responsible for applying an initializer. Returns the slot
// index, whether the slot was newly created, and the value slice.
func (m *ArrayHashMap[K, V]) GetOrInit(key K) (slot int64, isNew bool, values []V) {
	m.requireConfigured()
	if m.bucketCount > 0 {
		i := m.first[m.bucketOf(key)]
		for i != nilSlot {
			if m.keys[i] == key {
				return int64(i), false, m.valueSlice(uint64(i))
			}
			i = m.next[i]
		}
	}
	if m.keyCount == m.bucketCount {
		m.ensureCapacity()
	}
	bucket := m.bucketOf(key)
	idx := m.keyCount
	m.keys[idx] = key
	m.next[idx] = m.first[bucket]
	m.first[bucket] = uint32(idx)
	m.keyCount++
	m.valueCount += m.valueCountPerKey
	values = m.valueSlice(idx)
	clear(values)
	return int64(idx), true, values
}

// Clear empties the map without releasing its backing arrays.
func (m *ArrayHashMap[K, V]) Clear() {
	m.keyCount = 0
	m.valueCount = 0
	m.buildHashIndex()
}

// Deallocate releases the map's backing arrays entirely.
func (m *ArrayHashMap[K, V]) Deallocate() {
	m.keys = nil
	m.values = nil
	m.next = nil
	m.first = nil
	m.keyCount = 0
	m.bucketCount = 0
	m.valueCount = 0
}

// Reserve grows the map so bucket_count >= size, a no-op if it already is.
func (m *ArrayHashMap[K, V]) Reserve(size uint64) {
	m.requireConfigured()
	if m.bucketCount >= size {
		return
	}
	m.Reallocate(size)
}

// Reallocate grows the backing arrays to the smallest power of two >= size
// and rebuilds the chain index. A no-op if the map already holds more keys
// than size, or a full Deallocate if size is zero.
func (m *ArrayHashMap[K, V]) Reallocate(size uint64) {
	m.requireConfigured()
	if m.keyCount > size {
		return
	}
	if size == 0 {
		m.Deallocate()
		return
	}
	bucketCount := powerBucketCount(size)
	if bucketCount > maxBucketCount {
		panic(fmt.Sprintf("hashmap: storing %d keys requires %d buckets, at most %d are allowed", size, bucketCount, maxBucketCount))
	}
	newKeys := make([]K, bucketCount)
	newValues := make([]V, bucketCount*m.valueCountPerKey)
	newNext := make([]uint32, bucketCount)
	newFirst := make([]uint32, bucketCount)
	copy(newKeys, m.keys[:m.keyCount])
	copy(newValues, m.values[:m.valueCount])
	copy(newNext, m.next[:m.keyCount])
	m.keys = newKeys
	m.values = newValues
	m.next = newNext
	m.first = newFirst
	m.bucketCount = bucketCount
	m.buildHashIndex()
}

func (m *ArrayHashMap[K, V]) buildHashIndex() {
	for i := range m.first {
		m.first[i] = nilSlot
	}
	for i := uint64(0); i < m.keyCount; i++ {
		bucket := m.bucketOf(m.keys[i])
		m.next[i] = m.first[bucket]
		m.first[bucket] = uint32(i)
	}
}

// ensureCapacity grows the map following the fixed growth rule: double the
// key count (or start at 1000 slots from empty), rounded up to a power of
// two.
func (m *ArrayHashMap[K, V]) ensureCapacity() {
	minCapacity := m.keyCount * 2
	if minCapacity == 0 {
		minCapacity = 1000
	}
	capacity := powerBucketCount(minCapacity)
	if capacity < minCapacity {
		capacity = minCapacity
	}
	m.Reserve(capacity)
}

// PruneFunc decides whether the slot holding (key, values) should be
// dropped. Returning true removes the slot.
type PruneFunc[K datatype.Numeric, V datatype.Numeric] func(slot uint64, key K, values []V) bool

// Prune compacts the map in place, dropping every slot for which pred
// returns true, then reallocates to the smallest fitting power-of-two
// bucket count and rebuilds the chain index. Returns the number of slots
// removed.
func (m *ArrayHashMap[K, V]) Prune(pred PruneFunc[K, V]) uint64 {
	m.requireConfigured()
	w := m.valueCountPerKey
	v := uint64(0)
	for i := uint64(0); i < m.keyCount; i++ {
		key := m.keys[i]
		values := m.values[i*w : i*w+w]
		if !pred(i, key, values) {
			if v != i {
				m.keys[v] = key
				copy(m.values[v*w:v*w+w], values)
			}
			v++
		}
	}
	removed := m.keyCount - v
	if v < m.keyCount {
		m.keyCount = v
		m.valueCount = v * w
		m.Reallocate(m.keyCount)
	}
	return removed
}

// EachFunc observes a single occupied slot during iteration.
type EachFunc[K datatype.Numeric, V datatype.Numeric] func(slot uint64, key K, values []V)

// Each visits every occupied slot in insertion order.
func (m *ArrayHashMap[K, V]) Each(fn EachFunc[K, V]) {
	m.requireConfigured()
	w := m.valueCountPerKey
	for i := uint64(0); i < m.keyCount; i++ {
		fn(i, m.keys[i], m.values[i*w:i*w+w])
	}
}

// Keys returns the occupied keys in insertion order. The returned slice is
// a fresh copy; callers may keep or mutate it without affecting the map.
func (m *ArrayHashMap[K, V]) Keys() []K {
	out := make([]K, m.keyCount)
	copy(out, m.keys[:m.keyCount])
	return out
}

// Stats is a point-in-time snapshot of map sizing, used for metrics export.
type Stats struct {
	KeyCount    uint64
	BucketCount uint64
	LoadFactor  float64
}

// StatsSnapshot returns a Stats snapshot of the map's current sizing.
func (m *ArrayHashMap[K, V]) StatsSnapshot() Stats {
	var lf float64
	if m.bucketCount > 0 {
		lf = float64(m.keyCount) / float64(m.bucketCount)
	}
	return Stats{KeyCount: m.keyCount, BucketCount: m.bucketCount, LoadFactor: lf}
}

// Serialize writes the map to w in the map file format: header, keys,
// values, next, first. If narrowValueCountPerKey is provided and smaller
// than the map's own value_count_per_key, only that many leading values per
// key are written (a narrowing export, e.g. dropping optimizer state).
func (m *ArrayHashMap[K, V]) Serialize(w writerAt, narrowValueCountPerKey ...uint64) error {
	m.requireConfigured()
	vcpk := m.valueCountPerKey
	if len(narrowValueCountPerKey) > 0 {
		vcpk = narrowValueCountPerKey[0]
		if vcpk > m.valueCountPerKey {
			return errors.New("hashmap: narrowed value_count_per_key exceeds the map's own")
		}
	}
	h := &Header{
		KeyType:          datatype.CodeOf[K](),
		ValueType:        datatype.CodeOf[V](),
		KeyCount:         m.keyCount,
		BucketCount:      m.bucketCount,
		ValueCount:       vcpk * m.keyCount,
		ValueCountPerKey: vcpk,
	}
	h.fillBasic()
	if err := writeHeader(w, h); err != nil {
		return err
	}
	if err := writeSlice(w, m.keys[:m.keyCount]); err != nil {
		return err
	}
	if vcpk == m.valueCountPerKey {
		if err := writeSlice(w, m.values[:m.valueCount]); err != nil {
			return err
		}
	} else {
		for i := uint64(0); i < m.keyCount; i++ {
			start := i * m.valueCountPerKey
			if err := writeSlice(w, m.values[start:start+vcpk]); err != nil {
				return err
			}
		}
	}
	if err := writeSlice(w, m.next[:m.keyCount]); err != nil {
		return err
	}
	return writeSlice(w, m.first[:m.bucketCount])
}

// Deserialize replaces the map's contents by reading a map file from r.
// If the on-disk value type differs in byte width from V but the total
// byte layout of a value row still divides evenly, value_count_per_key is
// rescaled to preserve the layout; otherwise deserialization fails.
func (m *ArrayHashMap[K, V]) Deserialize(r readerAt) error {
	h, err := readHeader(r)
	if err != nil {
		return err
	}
	return m.deserializeWithHeader(r, h)
}

func (m *ArrayHashMap[K, V]) deserializeWithHeader(r readerAt, h *Header) error {
	if err := h.Validate(); err != nil {
		return err
	}
	valueCount := h.ValueCount
	valueCountPerKey := h.ValueCountPerKey

	wantKeyType := datatype.CodeOf[K]()
	if h.KeyType != wantKeyType {
		if datatype.Size(h.KeyType) != datatype.Size(wantKeyType) {
			return errors.Errorf("hashmap: key type mismatch: expect %s, found %s", wantKeyType, h.KeyType)
		}
	}
	wantValueType := datatype.CodeOf[V]()
	if h.ValueType != wantValueType {
		onDiskSize := datatype.Size(h.ValueType)
		inMemSize := datatype.Size(wantValueType)
		if onDiskSize != inMemSize {
			if (valueCountPerKey*onDiskSize)%inMemSize == 0 {
				valueCount = valueCount * onDiskSize / inMemSize
				valueCountPerKey = valueCountPerKey * onDiskSize / inMemSize
			} else {
				return errors.Errorf("hashmap: value type mismatch: expect %s, found %s, value_count_per_key=%d",
					wantValueType, h.ValueType, valueCountPerKey)
			}
		}
	}

	m.valueCountPerKey = valueCountPerKey
	m.configured = true
	m.Clear()
	m.Reserve(h.BucketCount)

	if err := readSlice(r, m.keys[:h.KeyCount]); err != nil {
		return err
	}
	if err := readSlice(r, m.values[:valueCount]); err != nil {
		return err
	}
	if err := readSlice(r, m.next[:h.KeyCount]); err != nil {
		return err
	}
	if err := readSlice(r, m.first[:h.BucketCount]); err != nil {
		return err
	}
	m.keyCount = h.KeyCount
	m.bucketCount = h.BucketCount
	m.valueCount = valueCount
	return nil
}

// SerializeTo writes the map to a file at path, truncating it if it exists.
func (m *ArrayHashMap[K, V]) SerializeTo(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("hashmap: cannot open %q for writing: %w", path, err)
	}
	defer f.Close()
	return m.Serialize(f)
}

// DeserializeFrom reads the map from a file at path.
func (m *ArrayHashMap[K, V]) DeserializeFrom(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("hashmap: cannot open %q for reading: %w", path, err)
	}
	defer f.Close()
	return m.Deserialize(f)
}
