package psagent

import (
	"github.com/mindalpha/MindAlpha/pkg/tensor"
)

// TensorKind selects which tensor.go storage shape backs a named tensor's
// per-server shard.
type TensorKind int

const (
	Sparse TensorKind = iota
	Dense
)

func (k TensorKind) String() string {
	if k == Dense {
		return "Dense"
	}
	return "Sparse"
}

// Shard is the per-server slice of one named tensor, abstracting over
// tensor.SparseTensor's keyed Push/Pull and tensor.DenseTensor's
// whole-buffer Push/Pull behind a single request shape Server can dispatch
// without a type switch at every call site.
type Shard interface {
	Kind() TensorKind
	Meta() tensor.Meta
	Pull(keys []uint64, readOnly, isState bool) []byte
	Push(keys []uint64, values []byte, isValue, isState bool) error
	Save(dir string) error
	Load(dir string, keepMeta bool) error
}

type sparseShard struct{ t *tensor.SparseTensor }

func (s sparseShard) Kind() TensorKind   { return Sparse }
func (s sparseShard) Meta() tensor.Meta { return s.t.Meta() }
func (s sparseShard) Pull(keys []uint64, readOnly, _ bool) []byte {
	return s.t.Pull(keys, readOnly)
}
func (s sparseShard) Push(keys []uint64, values []byte, isValue, _ bool) error {
	return s.t.Push(keys, values, isValue)
}
func (s sparseShard) Save(dir string) error             { return s.t.Save(dir) }
func (s sparseShard) Load(dir string, keepMeta bool) error { return s.t.Load(dir, keepMeta) }

type denseShard struct{ t *tensor.DenseTensor }

func (s denseShard) Kind() TensorKind   { return Dense }
func (s denseShard) Meta() tensor.Meta { return s.t.Meta() }
func (s denseShard) Pull(_ []uint64, _, isState bool) []byte {
	return s.t.Pull(isState)
}
func (s denseShard) Push(_ []uint64, values []byte, isValue, isState bool) error {
	return s.t.Push(values, isValue, isState)
}
func (s denseShard) Save(dir string) error             { return s.t.Save(dir) }
func (s denseShard) Load(dir string, keepMeta bool) error { return s.t.Load(dir, keepMeta) }

// ShardFactory builds rank's shard of a newly Init'd tensor, supplying the
// Go initializer/updater callables the wire protocol cannot carry (there is
// no binding layer here to resolve a serialized optimizer descriptor into a
// callable, so the embedding application registers one factory per tensor
// name up front).
type ShardFactory func(meta tensor.Meta, rank int) Shard

// NewSparseShardFactory adapts a SparseTensor initializer/updater pair into
// a ShardFactory.
func NewSparseShardFactory(init tensor.SparseInitializer, update tensor.SparseUpdater) ShardFactory {
	return func(meta tensor.Meta, rank int) Shard {
		return sparseShard{t: tensor.NewSparseTensor(meta, rank, init, update)}
	}
}

// NewDenseShardFactory adapts a DenseTensor initializer/updater pair into a
// ShardFactory.
func NewDenseShardFactory(init tensor.DenseInitializer, update tensor.DenseUpdater) ShardFactory {
	return func(meta tensor.Meta, rank int) Shard {
		return denseShard{t: tensor.NewDenseTensor(meta, rank, init, update)}
	}
}
