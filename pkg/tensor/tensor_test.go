package tensor

import (
	"encoding/binary"
	"math"
	"os"
	"testing"

	"github.com/mindalpha/MindAlpha/pkg/datatype"
)

func float32Bytes(v float32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, math.Float32bits(v))
	return b
}

func bytesToFloat32(b []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}

func zeroInit(_ uint64, data, state []byte) {
	for i := range data {
		data[i] = 0
	}
	for i := range state {
		state[i] = 0
	}
}

func sgdUpdate(_ uint64, data, state, gradient []byte) {
	d := bytesToFloat32(data)
	g := bytesToFloat32(gradient)
	copy(data, float32Bytes(d-0.1*g))
}

func sparseMeta(name string) Meta {
	return Meta{
		Name:           name,
		DataType:       datatype.Float32,
		DataShape:      []uint64{1},
		StateShape:     nil,
		PartitionCount: 4,
	}
}

func TestSparseTensorPullAfterPush(t *testing.T) {
	st := NewSparseTensor(sparseMeta("embedding"), 1, zeroInit, sgdUpdate)

	keys := []uint64{5}
	values := float32Bytes(0.5)
	if err := st.Push(keys, values, true); err != nil {
		t.Fatalf("Push: %v", err)
	}

	out := st.Pull(keys, false)
	got := bytesToFloat32(out)
	if got != 0.5 {
		t.Fatalf("Pull after value-push = %v, want 0.5", got)
	}
}

func TestSparseTensorPushAppliesUpdaterAfterInit(t *testing.T) {
	st := NewSparseTensor(sparseMeta("weights"), 0, zeroInit, sgdUpdate)

	keys := []uint64{7}
	gradient := float32Bytes(2.0)
	if err := st.Push(keys, gradient, false); err != nil {
		t.Fatalf("Push: %v", err)
	}

	out := st.Pull(keys, false)
	got := bytesToFloat32(out)
	want := float32(0 - 0.1*2.0)
	if got != want {
		t.Fatalf("Pull after gradient-push = %v, want %v", got, want)
	}
}

func TestSparseTensorPullReadOnlyMissingKeyReturnsZero(t *testing.T) {
	st := NewSparseTensor(sparseMeta("weights"), 0, zeroInit, sgdUpdate)
	out := st.Pull([]uint64{42}, true)
	if bytesToFloat32(out) != 0 {
		t.Fatalf("read-only pull of missing key = %v, want 0", bytesToFloat32(out))
	}
	if st.store.Size() != 0 {
		t.Fatalf("read-only pull materialized a slot, Size() = %d, want 0", st.store.Size())
	}
}

func TestSparseTensorPruneSmall(t *testing.T) {
	st := NewSparseTensor(sparseMeta("weights"), 0, zeroInit, sgdUpdate)
	if err := st.Push([]uint64{1, 2}, append(float32Bytes(0.001), float32Bytes(5.0)...), true); err != nil {
		t.Fatalf("Push: %v", err)
	}
	removed := st.PruneSmall(0.01, func(data []byte) float64 {
		v := bytesToFloat32(data)
		if v < 0 {
			v = -v
		}
		return float64(v)
	})
	if removed != 1 {
		t.Fatalf("PruneSmall removed %d, want 1", removed)
	}
	if st.store.Size() != 1 {
		t.Fatalf("Size() after prune = %d, want 1", st.store.Size())
	}
}

func TestSparseTensorSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	st := NewSparseTensor(sparseMeta("embedding"), 2, zeroInit, sgdUpdate)
	if err := st.Push([]uint64{9, 17}, append(float32Bytes(1.5), float32Bytes(-2.5)...), true); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := st.Save(dir); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded := NewSparseTensor(sparseMeta("embedding"), 2, zeroInit, sgdUpdate)
	if err := loaded.Load(dir, true); err != nil {
		t.Fatalf("Load: %v", err)
	}
	out := loaded.Pull([]uint64{9, 17}, true)
	if bytesToFloat32(out[:4]) != 1.5 || bytesToFloat32(out[4:]) != -2.5 {
		t.Fatalf("Pull after Load = %v, want [1.5 -2.5]", out)
	}

	if _, err := os.Stat(metaFilePath(dir, "embedding")); err != nil {
		t.Fatalf("meta.json not written: %v", err)
	}
}

func TestSparseTensorPruneOld(t *testing.T) {
	meta := Meta{Name: "counters", DataType: datatype.Float32, DataShape: []uint64{1}, StateShape: []uint64{1}}
	st := NewSparseTensor(meta, 0, zeroInit, sgdUpdate)
	if err := st.Push([]uint64{1}, float32Bytes(1), true); err != nil {
		t.Fatalf("Push: %v", err)
	}
	removed := st.PruneOld(0, func(state []byte) int { return 1 })
	if removed != 1 {
		t.Fatalf("PruneOld removed %d, want 1", removed)
	}
}

func TestSparseTensorExportImportFrom(t *testing.T) {
	dir := t.TempDir()
	src := NewSparseTensor(sparseMeta("embedding"), 0, zeroInit, sgdUpdate)
	if err := src.Push([]uint64{3}, float32Bytes(9.0), true); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := src.Export(dir); err != nil {
		t.Fatalf("Export: %v", err)
	}

	dst := NewSparseTensor(sparseMeta("embedding"), 0, zeroInit, sgdUpdate)
	if err := dst.ImportFrom(dir, false, false); err != nil {
		t.Fatalf("ImportFrom: %v", err)
	}
	out := dst.Pull([]uint64{3}, true)
	if bytesToFloat32(out) != 9.0 {
		t.Fatalf("Pull after ImportFrom = %v, want 9.0", bytesToFloat32(out))
	}
}

func TestDenseTensorPushAndPullState(t *testing.T) {
	meta := Meta{
		Name:       "bias",
		DataType:   datatype.Float32,
		DataShape:  []uint64{2},
		StateShape: []uint64{2},
	}
	dt := NewDenseTensor(meta, 0, func(data, state []byte) {}, func(data, state, gradient []byte) {
		for i := 0; i < len(data); i += 4 {
			d := bytesToFloat32(data[i : i+4])
			g := bytesToFloat32(gradient[i : i+4])
			copy(data[i:i+4], float32Bytes(d-g))
		}
	})

	values := append(float32Bytes(1), float32Bytes(1)...)
	if err := dt.Push(values, true, false); err != nil {
		t.Fatalf("Push value: %v", err)
	}
	grad := append(float32Bytes(0.25), float32Bytes(0.25)...)
	if err := dt.Push(grad, false, false); err != nil {
		t.Fatalf("Push gradient: %v", err)
	}

	out := dt.Pull(false)
	if bytesToFloat32(out[:4]) != 0.75 || bytesToFloat32(out[4:]) != 0.75 {
		t.Fatalf("Pull data = %v, want [0.75 0.75]", out)
	}
}

func TestDenseTensorSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	meta := Meta{Name: "scale", DataType: datatype.Float32, DataShape: []uint64{1}}
	dt := NewDenseTensor(meta, 3, func(data, state []byte) {}, nil)
	if err := dt.Push(float32Bytes(3.0), true, false); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if err := dt.Save(dir); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded := NewDenseTensor(meta, 3, func(data, state []byte) {}, nil)
	if err := loaded.Load(dir, true); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if bytesToFloat32(loaded.Pull(false)) != 3.0 {
		t.Fatalf("Pull after Load = %v, want 3.0", bytesToFloat32(loaded.Pull(false)))
	}
}
