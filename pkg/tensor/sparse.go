package tensor

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/mindalpha/MindAlpha/internal/log"
	"github.com/mindalpha/MindAlpha/internal/metrics"
	"github.com/mindalpha/MindAlpha/pkg/hashmap"
)

// SparseInitializer populates the data and state regions of a newly created
// slot for key. Called at most once per key, when its slot is created by a
// non-value Push or a non-read-only Pull; a slot created by a value Push is
// never passed to it.
type SparseInitializer func(key uint64, data, state []byte)

// SparseUpdater applies gradient to a key's existing data (and, if it keeps
// optimizer state, its state region), in place.
type SparseUpdater func(key uint64, data, state, gradient []byte)

// NormFunc reports a scalar norm of a key's data region, used by PruneSmall.
type NormFunc func(data []byte) float64

// AgeFunc reports a key's age from its state region, used by PruneOld.
type AgeFunc func(state []byte) int

// SparseTensor partitions a logical tensor across servers by key mod
// partition_count. Each partition holds one ArrayHashMap[uint64,byte]; a
// key's value region is laid out as [data_bytes | state_bytes].
type SparseTensor struct {
	mu    sync.Mutex
	meta  Meta
	rank  int
	store *hashmap.ArrayHashMap[uint64, byte]

	dataBytes  uint64
	stateBytes uint64

	init   SparseInitializer
	update SparseUpdater

	log *log.Logger
}

// NewSparseTensor allocates the partition holding rank's share of the
// tensor described by meta. init and update supply the optimizer logic the
// original treats as an opaque blob; meta.Initializer/meta.Updater are only
// the descriptor bytes persisted alongside the checkpoint.
func NewSparseTensor(meta Meta, rank int, init SparseInitializer, update SparseUpdater) *SparseTensor {
	t := &SparseTensor{
		meta:       meta,
		rank:       rank,
		dataBytes:  meta.dataBytes(),
		stateBytes: meta.stateBytes(),
		init:       init,
		update:     update,
		log:        log.Default().Module("tensor_store"),
	}
	t.store = hashmap.New[uint64, byte](int64(meta.valueCountPerKey()))
	return t
}

func (t *SparseTensor) Meta() Meta { return t.meta }

// Push applies values (one dataBytes-wide slice per key, flattened) to
// keys. When isValue is true, values replaces the data region verbatim
// (used on Load); otherwise a newly created slot is first populated by
// init, then update applies values as a gradient.
func (t *SparseTensor) Push(keys []uint64, values []byte, isValue bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if uint64(len(values)) != uint64(len(keys))*t.dataBytes {
		return fmt.Errorf("tensor: push values length %d does not match %d keys * %d data bytes",
			len(values), len(keys), t.dataBytes)
	}
	for i, key := range keys {
		_, isNew, slot := t.store.GetOrInit(key)
		data := slot[:t.dataBytes]
		state := slot[t.dataBytes:]
		chunk := values[uint64(i)*t.dataBytes : uint64(i+1)*t.dataBytes]
		if isValue {
			copy(data, chunk)
			continue
		}
		if isNew && t.init != nil {
			t.init(key, data, state)
		}
		if t.update != nil {
			t.update(key, data, state, chunk)
		}
	}
	metrics.TensorPushes.WithLabelValues(t.meta.Name).Inc()
	t.refreshSizeMetrics()
	return nil
}

// Pull reads keys' data regions. If readOnly is true, missing keys return a
// zeroed chunk without materializing a slot; otherwise a missing key is
// created and initialized (but not updated) before its data is copied out.
func (t *SparseTensor) Pull(keys []uint64, readOnly bool) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]byte, uint64(len(keys))*t.dataBytes)
	for i, key := range keys {
		dst := out[uint64(i)*t.dataBytes : uint64(i+1)*t.dataBytes]
		if readOnly {
			if slot := t.store.Get(key); slot != nil {
				copy(dst, slot[:t.dataBytes])
			}
			continue
		}
		_, isNew, slot := t.store.GetOrInit(key)
		if isNew && t.init != nil {
			t.init(key, slot[:t.dataBytes], slot[t.dataBytes:])
		}
		copy(dst, slot[:t.dataBytes])
	}
	metrics.TensorPulls.WithLabelValues(t.meta.Name).Inc()
	return out
}

// PruneSmall drops every key whose data-region norm (per normFn) is below
// epsilon, returning the number of keys removed.
func (t *SparseTensor) PruneSmall(epsilon float64, normFn NormFunc) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.store.Prune(func(_ uint64, _ uint64, values []byte) bool {
		return normFn(values[:t.dataBytes]) < epsilon
	})
	metrics.TensorPruned.WithLabelValues(t.meta.Name).Add(float64(n))
	t.refreshSizeMetrics()
	return n
}

// PruneOld drops every key whose state-region age (per ageFn) exceeds
// maxAge, returning the number of keys removed.
func (t *SparseTensor) PruneOld(maxAge int, ageFn AgeFunc) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.store.Prune(func(_ uint64, _ uint64, values []byte) bool {
		return ageFn(values[t.dataBytes:]) > maxAge
	})
	metrics.TensorPruned.WithLabelValues(t.meta.Name).Add(float64(n))
	t.refreshSizeMetrics()
	return n
}

func (t *SparseTensor) refreshSizeMetrics() {
	stats := t.store.StatsSnapshot()
	partition := fmt.Sprintf("%d", t.rank)
	metrics.MapKeyCount.WithLabelValues(t.meta.Name, partition).Set(float64(stats.KeyCount))
	metrics.MapBucketCount.WithLabelValues(t.meta.Name, partition).Set(float64(stats.BucketCount))
}

// Save writes this partition's map file and the tensor's meta.json to
// <dir>/<name>/part-<rank> and <dir>/<name>/meta.json, under an advisory
// lock on the checkpoint directory.
func (t *SparseTensor) Save(dir string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return withCheckpointLock(dir, t.meta.Name, func() error {
		if err := writeMeta(dir, t.meta.Name, t.meta); err != nil {
			return err
		}
		if err := t.store.SerializeTo(partFilePath(dir, t.meta.Name, t.rank)); err != nil {
			metrics.CheckpointIOErrors.WithLabelValues("save").Inc()
			return fmt.Errorf("tensor: cannot save partition %d of %q: %w", t.rank, t.meta.Name, err)
		}
		t.log.Info("saved sparse tensor partition",
			zap.String("tensor", t.meta.Name), zap.Int("partition", t.rank), zap.Uint64("keys", t.store.Size()))
		return nil
	})
}

// Load restores this partition from <dir>/<name>/part-<rank>. If keepMeta
// is false, the tensor's Meta (and therefore dataBytes/stateBytes) is
// replaced by the checkpoint's meta.json before the map file is read;
// if true, the current Meta is preserved and only the map contents load.
func (t *SparseTensor) Load(dir string, keepMeta bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return withCheckpointLock(dir, t.meta.Name, func() error {
		if !keepMeta {
			m, err := readMeta(dir, t.meta.Name)
			if err != nil {
				return err
			}
			t.meta = m
			t.dataBytes = m.dataBytes()
			t.stateBytes = m.stateBytes()
		}
		if err := t.store.DeserializeFrom(partFilePath(dir, t.meta.Name, t.rank)); err != nil {
			metrics.CheckpointIOErrors.WithLabelValues("load").Inc()
			return fmt.Errorf("tensor: cannot load partition %d of %q: %w", t.rank, t.meta.Name, err)
		}
		t.refreshSizeMetrics()
		t.log.Info("loaded sparse tensor partition",
			zap.String("tensor", t.meta.Name), zap.Int("partition", t.rank), zap.Uint64("keys", t.store.Size()))
		return nil
	})
}

// Export writes this partition's full contents to <dir>/<name>/part-0 and
// <dir>/<name>/meta.json, whatever this partition's rank, for
// transplanting a tensor's data outside its owning job's directory layout.
func (t *SparseTensor) Export(dir string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := os.MkdirAll(partitionDir(dir, t.meta.Name), 0o755); err != nil {
		metrics.CheckpointIOErrors.WithLabelValues("mkdir").Inc()
		return fmt.Errorf("tensor: cannot create export directory for %q: %w", t.meta.Name, err)
	}
	if err := writeMeta(dir, t.meta.Name, t.meta); err != nil {
		return err
	}
	if err := t.store.SerializeTo(partFilePath(dir, t.meta.Name, 0)); err != nil {
		metrics.CheckpointIOErrors.WithLabelValues("export").Inc()
		return fmt.Errorf("tensor: cannot export %q: %w", t.meta.Name, err)
	}
	return nil
}

// ImportFrom merges a tensor previously written by Export (its map file is
// read from <sourceDir>/<name>/part-0) into this partition. dataOnly copies
// only the data region: an imported key new to this partition keeps a
// zeroed state region, an existing key keeps its current state.
// skipExisting leaves keys already present untouched instead of
// overwriting them.
func (t *SparseTensor) ImportFrom(sourceDir string, dataOnly, skipExisting bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var src hashmap.ArrayHashMap[uint64, byte]
	if err := src.DeserializeFrom(partFilePath(sourceDir, t.meta.Name, 0)); err != nil {
		metrics.CheckpointIOErrors.WithLabelValues("import").Inc()
		return fmt.Errorf("tensor: cannot import into %q: %w", t.meta.Name, err)
	}
	src.Each(func(_ uint64, key uint64, values []byte) {
		if skipExisting {
			if existing := t.store.Get(key); existing != nil {
				return
			}
		}
		_, _, slot := t.store.GetOrInit(key)
		n := t.dataBytes
		if uint64(len(values)) < n {
			n = uint64(len(values))
		}
		copy(slot[:n], values[:n])
		if !dataOnly && uint64(len(values)) > t.dataBytes {
			copy(slot[t.dataBytes:], values[t.dataBytes:])
		}
	})
	t.refreshSizeMetrics()
	return nil
}
