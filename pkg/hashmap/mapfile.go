package hashmap

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/mindalpha/MindAlpha/pkg/datatype"
)

// signatureSize is the fixed width of the map file magic string.
const signatureSize = 32

// signature is the map file magic, the same 32 bytes (null-padded) the
// original implementation stamps on every map file; changing it breaks
// every checkpoint ever written.
var signature = [signatureSize]byte{}

func init() {
	copy(signature[:], "\x89MemoryMappedArrayHashMap\x00\x00\x00\x00\x00\x00")
}

// fileVersion is the map file format version. Version 4 is the layout
// described in the wire contract: header, keys, values, next, first.
const fileVersion uint64 = 4

// Header is the fixed-size map file header, written and read verbatim in
// this field order (all little-endian, no padding).
type Header struct {
	Signature        [signatureSize]byte
	Version          uint64
	Reserved         uint64
	KeyType          datatype.DataType
	ValueType        datatype.DataType
	KeyCount         uint64
	BucketCount      uint64
	ValueCount       uint64
	ValueCountPerKey uint64
}

// headerSize is the exact on-disk byte size of Header.
const headerSize = signatureSize + 8*8

// fillBasic stamps the signature, version and reserved fields of h.
func (h *Header) fillBasic() {
	h.Signature = signature
	h.Version = fileVersion
	h.Reserved = 0
}

// isSignatureValid reports whether h.Signature matches the map file magic.
func (h *Header) isSignatureValid() bool {
	return h.Signature == signature
}

// Validate checks every invariant the wire contract places on a map file
// header, returning a descriptive error on the first violation found.
func (h *Header) Validate() error {
	if !h.isSignatureValid() {
		return errors.New("hashmap: map file signature mismatch")
	}
	if h.Version != fileVersion {
		return errors.Errorf("hashmap: map file version mismatch: expect %d, found %d", fileVersion, h.Version)
	}
	if h.Reserved != 0 {
		return errors.Errorf("hashmap: map file reserved field not zero: %d", h.Reserved)
	}
	if h.KeyCount*h.ValueCountPerKey != h.ValueCount {
		return errors.Errorf("hashmap: value_count incorrect: key_count=%d value_count_per_key=%d value_count=%d",
			h.KeyCount, h.ValueCountPerKey, h.ValueCount)
	}
	if h.KeyCount > h.BucketCount {
		return errors.Errorf("hashmap: key_count %d exceeds bucket_count %d", h.KeyCount, h.BucketCount)
	}
	if h.BucketCount > 0 && powerBucketCount(h.BucketCount) != h.BucketCount {
		return errors.Errorf("hashmap: bucket_count %d is not a power of two", h.BucketCount)
	}
	return nil
}

// writeHeader serializes h field by field in the exact wire order, avoiding
// any dependence on Go struct layout/padding.
func writeHeader(w io.Writer, h *Header) error {
	if _, err := w.Write(h.Signature[:]); err != nil {
		return err
	}
	fields := []uint64{
		h.Version, h.Reserved, uint64(h.KeyType), uint64(h.ValueType),
		h.KeyCount, h.BucketCount, h.ValueCount, h.ValueCountPerKey,
	}
	var buf [8]byte
	for _, f := range fields {
		binary.LittleEndian.PutUint64(buf[:], f)
		if _, err := w.Write(buf[:]); err != nil {
			return err
		}
	}
	return nil
}

// readHeader reads a Header in the exact wire order written by writeHeader.
func readHeader(r io.Reader) (*Header, error) {
	h := &Header{}
	if _, err := io.ReadFull(r, h.Signature[:]); err != nil {
		return nil, fmt.Errorf("hashmap: truncated map file header: %w", err)
	}
	var buf [8]byte
	fields := make([]uint64, 8)
	for i := range fields {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, fmt.Errorf("hashmap: truncated map file header: %w", err)
		}
		fields[i] = binary.LittleEndian.Uint64(buf[:])
	}
	h.Version = fields[0]
	h.Reserved = fields[1]
	h.KeyType = datatype.DataType(fields[2])
	h.ValueType = datatype.DataType(fields[3])
	h.KeyCount = fields[4]
	h.BucketCount = fields[5]
	h.ValueCount = fields[6]
	h.ValueCountPerKey = fields[7]
	return h, nil
}
