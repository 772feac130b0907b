// Package datatype defines the numeric DataType enum shared by the map
// file format and the message wire format. Codes are fixed and part of
// the on-disk and on-wire contract: they must not be renumbered.
package datatype

import "fmt"

// DataType identifies the element type of a key or value array.
type DataType uint64

// Codes are assigned in declaration order and are part of the map file and
// wire format contracts; never renumber an existing entry.
const (
	Int8 DataType = iota
	Int16
	Int32
	Int64
	UInt8
	UInt16
	UInt32
	UInt64
	Float32
	Float64
)

// Null represents a missing DataType, encoded as all-ones.
const Null DataType = ^DataType(0)

// String returns the lower-case wire name of the data type.
func (t DataType) String() string {
	switch t {
	case Int8:
		return "int8"
	case Int16:
		return "int16"
	case Int32:
		return "int32"
	case Int64:
		return "int64"
	case UInt8:
		return "uint8"
	case UInt16:
		return "uint16"
	case UInt32:
		return "uint32"
	case UInt64:
		return "uint64"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Null:
		return "null"
	default:
		return fmt.Sprintf("datatype(%d)", uint64(t))
	}
}

// FromString parses the wire name produced by String back into a DataType.
// Returns false if str is not a recognized type name.
func FromString(str string) (DataType, bool) {
	switch str {
	case "int8":
		return Int8, true
	case "int16":
		return Int16, true
	case "int32":
		return Int32, true
	case "int64":
		return Int64, true
	case "uint8":
		return UInt8, true
	case "uint16":
		return UInt16, true
	case "uint32":
		return UInt32, true
	case "uint64":
		return UInt64, true
	case "float32":
		return Float32, true
	case "float64":
		return Float64, true
	case "null":
		return Null, true
	default:
		return 0, false
	}
}

// Size returns the size in bytes of a single element of type t. Panics on
// an unrecognized type since it indicates a corrupt header that callers
// must have already validated.
func Size(t DataType) uint64 {
	switch t {
	case Int8, UInt8:
		return 1
	case Int16, UInt16:
		return 2
	case Int32, UInt32, Float32:
		return 4
	case Int64, UInt64, Float64:
		return 8
	default:
		panic(fmt.Sprintf("datatype: unrecognized type code %d", uint64(t)))
	}
}

// Numeric constrains the set of Go types that can back an ArrayHashMap key
// or value slot.
type Numeric interface {
	~int8 | ~int16 | ~int32 | ~int64 |
		~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

// CodeOf returns the DataType code for the Go numeric type T.
func CodeOf[T Numeric]() DataType {
	var zero T
	switch any(zero).(type) {
	case int8:
		return Int8
	case int16:
		return Int16
	case int32:
		return Int32
	case int64:
		return Int64
	case uint8:
		return UInt8
	case uint16:
		return UInt16
	case uint32:
		return UInt32
	case uint64:
		return UInt64
	case float32:
		return Float32
	case float64:
		return Float64
	default:
		panic("datatype: unsupported Go type for CodeOf")
	}
}
