package frame

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"testing/iotest"
)

func TestReadWriteFrameRoundTrip(t *testing.T) {
	cases := []Frame{
		{H1: 0x80, H2: Create, Payload: []byte(`{"uuid":"m1"}`)},
		{H1: 0x85, H2: Delete, Payload: []byte{}},
		{H1: 0x07, H2: 0xFF, Payload: bytes.Repeat([]byte{0xAB}, 300)},
		{H1: 0x00, H2: 0x00, Payload: bytes.Repeat([]byte{0x01}, MaxPayloadLen)},
	}
	for _, in := range cases {
		var buf bytes.Buffer
		if err := WriteFrame(&buf, in); err != nil {
			t.Fatalf("write frame %s: %v", in, err)
		}
		out, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("read frame %s: %v", in, err)
		}
		if out.H1 != in.H1 || out.H2 != in.H2 || !bytes.Equal(out.Payload, in.Payload) {
			t.Fatalf("frame mismatch: got=%s want=%s", out, in)
		}
	}
}

func TestReadFrameAccumulatesChunks(t *testing.T) {
	in := Frame{H1: 0x03, H2: 0x09, Payload: []byte("chunked payload across reads")}
	raw, err := Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := ReadFrame(iotest.OneByteReader(bytes.NewReader(raw)))
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if !bytes.Equal(out.Payload, in.Payload) {
		t.Fatalf("payload mismatch: %q", out.Payload)
	}
}

func TestEncodeLittleEndianLength(t *testing.T) {
	raw, err := Encode(Frame{H1: 0x81, H2: Stop, Payload: make([]byte, 0x0102)})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if raw[0] != 0x02 || raw[1] != 0x01 || raw[2] != 0x81 || raw[3] != Stop {
		t.Fatalf("unexpected header bytes: % x", raw[:HeaderLen])
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	_, err := Encode(Frame{Payload: make([]byte, MaxPayloadLen+1)})
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestReadFrameMalformedHeaderIsDeterministic(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{1, 2, 3}))
	if !errors.Is(err, ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}
}

func TestReadFrameShortPayload(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{5, 0, 0x80, 0, 'a', 'b'}))
	if !errors.Is(err, ErrShortPayload) {
		t.Fatalf("expected ErrShortPayload, got %v", err)
	}
}

func TestReadFrameCleanEOF(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(nil))
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestDecode(t *testing.T) {
	f, err := Decode([]byte{2, 0, 0x81, ChClose, 7, 0})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !f.IsControl() || f.Index() != 1 || f.H2 != ChClose || len(f.Payload) != 2 {
		t.Fatalf("unexpected frame: %s", f)
	}
	if _, err := Decode([]byte{9, 0, 0, 0}); !errors.Is(err, ErrShortPayload) {
		t.Fatalf("expected ErrShortPayload, got %v", err)
	}
}

func TestNewControlAndData(t *testing.T) {
	f, err := NewControl(127, Delete, nil)
	if err != nil {
		t.Fatalf("new control: %v", err)
	}
	if f.H1 != 0xFF || !f.IsControl() || f.Index() != 127 {
		t.Fatalf("unexpected control frame: %s", f)
	}
	d, err := NewData(4, 200, []byte("x"))
	if err != nil {
		t.Fatalf("new data: %v", err)
	}
	if d.IsControl() || d.Index() != 4 || d.H2 != 200 {
		t.Fatalf("unexpected data frame: %s", d)
	}
	if _, err := NewControl(128, Create, nil); !errors.Is(err, ErrIndexRange) {
		t.Fatalf("expected ErrIndexRange, got %v", err)
	}
}
