package wire

import (
	"bytes"
	"testing"

	"github.com/mindalpha/MindAlpha/pkg/datatype"
)

func TestEncodeDecodeMetaRoundTrip(t *testing.T) {
	want := MessageMeta{
		MessageID:      42,
		Sender:         -7,
		Receiver:       19,
		IsRequest:      true,
		IsException:    false,
		Command:        Barrier,
		Body:           []byte("hello"),
		SliceDataTypes: []datatype.DataType{datatype.Float32, datatype.UInt64},
	}
	got, err := DecodeMeta(EncodeMeta(want))
	if err != nil {
		t.Fatalf("DecodeMeta: %v", err)
	}
	if got.MessageID != want.MessageID || got.Sender != want.Sender || got.Receiver != want.Receiver {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
	if got.IsRequest != want.IsRequest || got.IsException != want.IsException || got.Command != want.Command {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
	if !bytes.Equal(got.Body, want.Body) {
		t.Fatalf("Body = %q, want %q", got.Body, want.Body)
	}
	if len(got.SliceDataTypes) != 2 || got.SliceDataTypes[0] != datatype.Float32 || got.SliceDataTypes[1] != datatype.UInt64 {
		t.Fatalf("SliceDataTypes = %v, want %v", got.SliceDataTypes, want.SliceDataTypes)
	}
}

func TestEncodeDecodeMessageRoundTrip(t *testing.T) {
	msg := Message{
		Meta: MessageMeta{
			MessageID: 1,
			Command:   Empty,
			IsRequest: true,
		},
		Slices: [][]byte{[]byte("abc"), {}, []byte("defgh")},
	}
	var buf bytes.Buffer
	if err := EncodeMessage(&buf, msg); err != nil {
		t.Fatalf("EncodeMessage: %v", err)
	}
	got, err := DecodeMessage(&buf)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if got.Meta.MessageID != 1 || got.Meta.Command != Empty {
		t.Fatalf("meta mismatch: %+v", got.Meta)
	}
	if len(got.Slices) != 3 {
		t.Fatalf("len(Slices) = %d, want 3", len(got.Slices))
	}
	if !bytes.Equal(got.Slices[0], []byte("abc")) || len(got.Slices[1]) != 0 || !bytes.Equal(got.Slices[2], []byte("defgh")) {
		t.Fatalf("Slices = %v, want [abc [] defgh]", got.Slices)
	}
}

func TestDecodeMetaSkipsUnknownTag(t *testing.T) {
	base := EncodeMeta(MessageMeta{MessageID: 9})
	// Append a field with a tag the decoder does not recognize.
	extended := append(append([]byte{}, base...), 200, 0, 0, 0, 3, 'x', 'y', 'z')
	got, err := DecodeMeta(extended)
	if err != nil {
		t.Fatalf("DecodeMeta with unknown trailing tag: %v", err)
	}
	if got.MessageID != 9 {
		t.Fatalf("MessageID = %d, want 9", got.MessageID)
	}
}
