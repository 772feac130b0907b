// Package tensor implements the parameter server's tensor storage engine:
// DenseTensor (one contiguous buffer per partition) and SparseTensor (one
// ArrayHashMap[uint64, byte] per partition, keyed by feature fingerprint).
// Both share the checkpoint directory layout and Meta schema described here.
package tensor

import (
	"encoding/json"
	"fmt"

	"github.com/mindalpha/MindAlpha/pkg/datatype"
)

// Meta describes a tensor's shape and optimizer wiring. It serializes to the
// checkpoint directory's meta.json sibling file. Initializer/Updater are
// opaque optimizer descriptors (e.g. a serialized config blob); the store
// never interprets their bytes, only persists them -- the actual
// initialization/update logic is supplied to Init as Go callables.
//
// For a DenseTensor, DataShape/StateShape describe the whole partition
// buffer. For a SparseTensor, the same fields describe the per-key slice
// shape (the original's "slice_data_shape"/"slice_state_shape"); the
// distinction is carried by which constructor produced the Meta, not by a
// separate field, so the checkpoint schema stays uniform across both.
type Meta struct {
	Name            string          `json:"name"`
	DataType        datatype.DataType `json:"-"`
	DataTypeName    string          `json:"data_type"`
	DataShape       []uint64        `json:"data_shape"`
	StateShape      []uint64        `json:"state_shape"`
	Initializer     []byte          `json:"initializer"`
	Updater         []byte          `json:"updater"`
	PartitionCount  int             `json:"partition_count"`
}

// sliceElements returns the product of shape's dimensions, or 0 if shape is
// empty (a tensor with no state region, for instance, uses a nil shape).
func sliceElements(shape []uint64) uint64 {
	if len(shape) == 0 {
		return 0
	}
	n := uint64(1)
	for _, d := range shape {
		n *= d
	}
	return n
}

// dataBytes returns the byte width of the data region described by m.
func (m Meta) dataBytes() uint64 {
	return sliceElements(m.DataShape) * datatype.Size(m.DataType)
}

// stateBytes returns the byte width of the state region described by m.
func (m Meta) stateBytes() uint64 {
	return sliceElements(m.StateShape) * datatype.Size(m.DataType)
}

// valueCountPerKey is dataBytes+stateBytes, the fixed per-key value-slice
// width a SparseTensor's ArrayHashMap is constructed with.
func (m Meta) valueCountPerKey() uint64 {
	return m.dataBytes() + m.stateBytes()
}

func (m Meta) String() string {
	return fmt.Sprintf("Meta{name=%s, data_type=%s, data_shape=%v, state_shape=%v, partitions=%d}",
		m.Name, m.DataType, m.DataShape, m.StateShape, m.PartitionCount)
}

// MarshalJSON fills DataTypeName from DataType before delegating, since the
// on-disk schema carries the type as its wire name, not its numeric code.
func (m Meta) MarshalJSON() ([]byte, error) {
	type alias Meta
	a := alias(m)
	a.DataTypeName = m.DataType.String()
	return json.Marshal(a)
}

// UnmarshalJSON parses DataTypeName back into DataType after delegating.
func (m *Meta) UnmarshalJSON(data []byte) error {
	type alias Meta
	a := (*alias)(m)
	if err := json.Unmarshal(data, a); err != nil {
		return err
	}
	dt, ok := datatype.FromString(m.DataTypeName)
	if !ok {
		return fmt.Errorf("tensor: meta %q has unrecognized data_type %q", m.Name, m.DataTypeName)
	}
	m.DataType = dt
	return nil
}
