package hashmap

import (
	"encoding/binary"
	"io"
)

// writerAt and readerAt are thin aliases kept separate from io.Writer/io.Reader
// so Serialize/Deserialize signatures read as map-file-specific in call sites.
type writerAt = io.Writer
type readerAt = io.Reader

// writeSlice appends a slice of fixed-width numeric elements to w in
// little-endian order.
func writeSlice[T any](w io.Writer, s []T) error {
	if len(s) == 0 {
		return nil
	}
	return binary.Write(w, binary.LittleEndian, s)
}

// readSlice fills s by reading len(s) fixed-width little-endian elements
// from r.
func readSlice[T any](r io.Reader, s []T) error {
	if len(s) == 0 {
		return nil
	}
	return binary.Read(r, binary.LittleEndian, s)
}
