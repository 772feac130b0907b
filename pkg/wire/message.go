// Package wire implements the parameter server's message format: a
// field-tagged MessageMeta followed by zero or more raw binary slices,
// the shape every ActorProcess sends and receives over pkg/transport.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/mindalpha/MindAlpha/pkg/datatype"
)

// Command identifies a control-protocol message. Values are fixed and part
// of the wire contract: never renumber an existing entry. Empty means "this
// is a plain data message", dispatched to the owning PSAgent rather than
// handled by the control-protocol state machine.
type Command uint8

const (
	Empty Command = iota
	Terminate
	AddNode
	Barrier
	Heartbeat
	Ack
	ReportDeadNodes
)

func (c Command) String() string {
	switch c {
	case Empty:
		return "Empty"
	case Terminate:
		return "Terminate"
	case AddNode:
		return "AddNode"
	case Barrier:
		return "Barrier"
	case Heartbeat:
		return "Heartbeat"
	case Ack:
		return "Ack"
	case ReportDeadNodes:
		return "ReportDeadNodes"
	default:
		return fmt.Sprintf("Command(%d)", uint8(c))
	}
}

// MessageMeta is the fixed field set every message carries, independent of
// its binary slices. Fields are tagged on the wire so an older decoder can
// skip fields it doesn't recognize.
type MessageMeta struct {
	MessageID      uint64
	Sender         int
	Receiver       int
	IsRequest      bool
	IsException    bool
	Command        Command
	Body           []byte
	SliceDataTypes []datatype.DataType
}

// Message is one meta plus its binary slices, e.g. a Pull response's meta
// plus the raw value bytes one server returns.
type Message struct {
	Meta   MessageMeta
	Slices [][]byte
}

// Wire tags. Tagged (not positional) so a field can be added without
// breaking decoders built against an older tag set.
const (
	tagMessageID byte = iota + 1
	tagSender
	tagReceiver
	tagIsRequest
	tagIsException
	tagCommand
	tagBody
	tagSliceDataTypes
)

func putUint64Field(buf []byte, tag byte, v uint64) []byte {
	buf = append(buf, tag)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], 8)
	buf = append(buf, lenBuf[:]...)
	var vBuf [8]byte
	binary.BigEndian.PutUint64(vBuf[:], v)
	return append(buf, vBuf[:]...)
}

func putBytesField(buf []byte, tag byte, v []byte) []byte {
	buf = append(buf, tag)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(v)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, v...)
}

// EncodeMeta serializes m as a sequence of tagged, length-prefixed fields.
func EncodeMeta(m MessageMeta) []byte {
	buf := make([]byte, 0, 64+len(m.Body)+len(m.SliceDataTypes))
	buf = putUint64Field(buf, tagMessageID, m.MessageID)
	buf = putUint64Field(buf, tagSender, uint64(uint32(int32(m.Sender))))
	buf = putUint64Field(buf, tagReceiver, uint64(uint32(int32(m.Receiver))))
	buf = putBytesField(buf, tagIsRequest, boolByte(m.IsRequest))
	buf = putBytesField(buf, tagIsException, boolByte(m.IsException))
	buf = putBytesField(buf, tagCommand, []byte{byte(m.Command)})
	buf = putBytesField(buf, tagBody, m.Body)
	typeBytes := make([]byte, len(m.SliceDataTypes))
	for i, t := range m.SliceDataTypes {
		typeBytes[i] = byte(t)
	}
	buf = putBytesField(buf, tagSliceDataTypes, typeBytes)
	return buf
}

func boolByte(b bool) []byte {
	if b {
		return []byte{1}
	}
	return []byte{0}
}

// DecodeMeta parses the tagged field sequence produced by EncodeMeta.
// Unrecognized tags are skipped using their length prefix, so a decoder
// built against an older tag set tolerates new fields appended later.
func DecodeMeta(data []byte) (MessageMeta, error) {
	var m MessageMeta
	i := 0
	for i < len(data) {
		if i+5 > len(data) {
			return m, fmt.Errorf("wire: truncated meta field header at offset %d", i)
		}
		tag := data[i]
		length := binary.BigEndian.Uint32(data[i+1 : i+5])
		start := i + 5
		end := start + int(length)
		if end > len(data) {
			return m, fmt.Errorf("wire: truncated meta field body for tag %d at offset %d", tag, i)
		}
		field := data[start:end]
		switch tag {
		case tagMessageID:
			if len(field) != 8 {
				return m, fmt.Errorf("wire: message_id field has %d bytes, want 8", len(field))
			}
			m.MessageID = binary.BigEndian.Uint64(field)
		case tagSender:
			if len(field) != 8 {
				return m, fmt.Errorf("wire: sender field has %d bytes, want 8", len(field))
			}
			m.Sender = int(int32(uint32(binary.BigEndian.Uint64(field))))
		case tagReceiver:
			if len(field) != 8 {
				return m, fmt.Errorf("wire: receiver field has %d bytes, want 8", len(field))
			}
			m.Receiver = int(int32(uint32(binary.BigEndian.Uint64(field))))
		case tagIsRequest:
			m.IsRequest = len(field) > 0 && field[0] != 0
		case tagIsException:
			m.IsException = len(field) > 0 && field[0] != 0
		case tagCommand:
			if len(field) != 1 {
				return m, fmt.Errorf("wire: command field has %d bytes, want 1", len(field))
			}
			m.Command = Command(field[0])
		case tagBody:
			m.Body = append([]byte(nil), field...)
		case tagSliceDataTypes:
			m.SliceDataTypes = make([]datatype.DataType, len(field))
			for j, b := range field {
				m.SliceDataTypes[j] = datatype.DataType(b)
			}
		}
		i = end
	}
	return m, nil
}

// EncodeMessage writes msg to w as a length-prefixed meta followed by one
// length-prefixed frame per slice: [4-byte BE meta length][meta bytes]
// [4-byte BE slice count]([4-byte BE slice length][slice bytes])*.
func EncodeMessage(w io.Writer, msg Message) error {
	metaBytes := EncodeMeta(msg.Meta)
	if err := writeLenPrefixed(w, metaBytes); err != nil {
		return fmt.Errorf("wire: cannot write meta: %w", err)
	}
	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(msg.Slices)))
	if _, err := w.Write(countBuf[:]); err != nil {
		return fmt.Errorf("wire: cannot write slice count: %w", err)
	}
	for i, s := range msg.Slices {
		if err := writeLenPrefixed(w, s); err != nil {
			return fmt.Errorf("wire: cannot write slice %d: %w", i, err)
		}
	}
	return nil
}

// DecodeMessage reads a Message previously written by EncodeMessage.
func DecodeMessage(r io.Reader) (Message, error) {
	var msg Message
	metaBytes, err := readLenPrefixed(r)
	if err != nil {
		return msg, fmt.Errorf("wire: cannot read meta: %w", err)
	}
	msg.Meta, err = DecodeMeta(metaBytes)
	if err != nil {
		return msg, err
	}
	var countBuf [4]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return msg, fmt.Errorf("wire: cannot read slice count: %w", err)
	}
	n := binary.BigEndian.Uint32(countBuf[:])
	msg.Slices = make([][]byte, n)
	for i := range msg.Slices {
		s, err := readLenPrefixed(r)
		if err != nil {
			return msg, fmt.Errorf("wire: cannot read slice %d: %w", i, err)
		}
		msg.Slices[i] = s
	}
	return msg, nil
}

func writeLenPrefixed(w io.Writer, data []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	_, err := w.Write(data)
	return err
}

func readLenPrefixed(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	data := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, err
		}
	}
	return data, nil
}
