package tensor

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/mindalpha/MindAlpha/internal/log"
	"github.com/mindalpha/MindAlpha/internal/metrics"
)

// DenseInitializer populates a freshly allocated buffer (data followed by
// state) once, when a DenseTensor is constructed. Load does not call it.
type DenseInitializer func(data, state []byte)

// DenseUpdater applies gradient to data (and, if present, state) in place.
type DenseUpdater func(data, state, gradient []byte)

// DenseTensor holds a single contiguous buffer per partition; data_shape
// and state_shape describe the whole partition rather than a per-key
// slice, since a dense tensor has no keys.
type DenseTensor struct {
	mu   sync.Mutex
	meta Meta
	rank int

	data  []byte
	state []byte

	init   DenseInitializer
	update DenseUpdater

	log *log.Logger
}

// NewDenseTensor allocates rank's partition of the tensor described by meta
// and runs init over it once.
func NewDenseTensor(meta Meta, rank int, init DenseInitializer, update DenseUpdater) *DenseTensor {
	t := &DenseTensor{
		meta:   meta,
		rank:   rank,
		data:   make([]byte, meta.dataBytes()),
		state:  make([]byte, meta.stateBytes()),
		init:   init,
		update: update,
		log:    log.Default().Module("tensor_store"),
	}
	if t.init != nil {
		t.init(t.data, t.state)
	}
	return t
}

func (t *DenseTensor) Meta() Meta { return t.meta }

// Push writes values into the data or state region (selected by isState).
// When isValue is true, values replaces the region verbatim; otherwise
// update applies values as a gradient in place.
func (t *DenseTensor) Push(values []byte, isValue, isState bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	region := t.data
	if isState {
		region = t.state
	}
	if uint64(len(values)) != uint64(len(region)) {
		return fmt.Errorf("tensor: push values length %d does not match region length %d", len(values), len(region))
	}
	if isValue {
		copy(region, values)
	} else if t.update != nil {
		t.update(t.data, t.state, values)
	}
	metrics.TensorPushes.WithLabelValues(t.meta.Name).Inc()
	return nil
}

// Pull returns a copy of the data or state region (selected by isState).
func (t *DenseTensor) Pull(isState bool) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	region := t.data
	if isState {
		region = t.state
	}
	out := make([]byte, len(region))
	copy(out, region)
	metrics.TensorPulls.WithLabelValues(t.meta.Name).Inc()
	return out
}

// Save writes this partition's buffers and the tensor's meta.json under an
// advisory lock on the checkpoint directory.
func (t *DenseTensor) Save(dir string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return withCheckpointLock(dir, t.meta.Name, func() error {
		if err := writeMeta(dir, t.meta.Name, t.meta); err != nil {
			return err
		}
		path := partFilePath(dir, t.meta.Name, t.rank)
		buf := make([]byte, 0, len(t.data)+len(t.state))
		buf = append(buf, t.data...)
		buf = append(buf, t.state...)
		if err := os.WriteFile(path, buf, 0o644); err != nil {
			metrics.CheckpointIOErrors.WithLabelValues("save").Inc()
			return fmt.Errorf("tensor: cannot save partition %d of %q: %w", t.rank, t.meta.Name, err)
		}
		t.log.Info("saved dense tensor partition", zap.String("tensor", t.meta.Name), zap.Int("partition", t.rank))
		return nil
	})
}

// Load restores this partition from <dir>/<name>/part-<rank>. If keepMeta
// is false, Meta (and therefore buffer widths) is replaced by the
// checkpoint's meta.json before the buffer is read.
func (t *DenseTensor) Load(dir string, keepMeta bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return withCheckpointLock(dir, t.meta.Name, func() error {
		if !keepMeta {
			m, err := readMeta(dir, t.meta.Name)
			if err != nil {
				return err
			}
			t.meta = m
		}
		path := partFilePath(dir, t.meta.Name, t.rank)
		buf, err := os.ReadFile(path)
		if err != nil {
			metrics.CheckpointIOErrors.WithLabelValues("load").Inc()
			return fmt.Errorf("tensor: cannot load partition %d of %q: %w", t.rank, t.meta.Name, err)
		}
		dataBytes := t.meta.dataBytes()
		stateBytes := t.meta.stateBytes()
		if uint64(len(buf)) != dataBytes+stateBytes {
			return fmt.Errorf("tensor: partition %d of %q has %d bytes, want %d", t.rank, t.meta.Name, len(buf), dataBytes+stateBytes)
		}
		t.data = append([]byte(nil), buf[:dataBytes]...)
		t.state = append([]byte(nil), buf[dataBytes:]...)
		t.log.Info("loaded dense tensor partition", zap.String("tensor", t.meta.Name), zap.Int("partition", t.rank))
		return nil
	})
}
