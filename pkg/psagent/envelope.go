// Package psagent implements the partition-routing client (Agent) and
// per-server request handler (Server) that together realize spec.md's
// PSAgent: fan a Pull/Push/Init/Save/Load call out to every server that
// owns a slice of the addressed tensor (by key mod server count for sparse
// tensors; a dense pull goes to every server, a dense push to the one rank
// it names) and reassemble the results.
package psagent

import (
	"encoding/binary"
	"fmt"

	"github.com/mindalpha/MindAlpha/pkg/tensor"
)

// op identifies which tensor operation a data-plane message carries.
// Carried inside wire.MessageMeta.Body as part of a JSON envelope, since
// Command is reserved for the control protocol (wire.Empty marks every
// PSAgent message).
type op string

const (
	opInit op = "init"
	opPull op = "pull"
	opPush op = "push"
	opSave op = "save"
	opLoad op = "load"
)

// requestEnvelope is the JSON body of every PSAgent request. Bulk payloads
// (keys, values) travel as raw binary Slices instead, so they are never
// base64-inflated by JSON encoding.
type requestEnvelope struct {
	Op       op
	Tensor   string
	ReadOnly bool // Pull
	IsValue  bool // Push
	IsState  bool // Push/Pull on a dense tensor
	Dir      string
	KeepMeta bool // Load
	Meta     *tensor.Meta
	Kind     TensorKind // Init
}

// responseEnvelope is the JSON body of every PSAgent response.
type responseEnvelope struct {
	OK    bool
	Error string
}

// encodeKeys packs a uint64 key slice into its little-endian wire form.
func encodeKeys(keys []uint64) []byte {
	buf := make([]byte, 8*len(keys))
	for i, k := range keys {
		binary.LittleEndian.PutUint64(buf[i*8:], k)
	}
	return buf
}

// decodeKeys unpacks a little-endian uint64 key slice.
func decodeKeys(buf []byte) ([]uint64, error) {
	if len(buf)%8 != 0 {
		return nil, fmt.Errorf("psagent: key slice has %d bytes, not a multiple of 8", len(buf))
	}
	keys := make([]uint64, len(buf)/8)
	for i := range keys {
		keys[i] = binary.LittleEndian.Uint64(buf[i*8:])
	}
	return keys, nil
}
