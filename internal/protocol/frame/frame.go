package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

const (
	HeaderLen         = 4
	MaxPayloadLen     = 0xFFFF
	ControlFlag  byte = 0x80
	IndexMask    byte = 0x7F
	MaxModules        = 128
	MaxChannels       = 256
)

// Manager -> runtime control sub-types.
const (
	Create byte = 0x00
	Delete byte = 0x01
	Stop   byte = 0x02
)

// Runtime -> manager control sub-types.
const (
	Keepalive  byte = 0x00
	LogRuntime byte = 0x01
	Exited     byte = 0x02
	ChOpen     byte = 0x03
	ChClose    byte = 0x04
	LogModule  byte = 0x05
	Profile    byte = 0x06
)

var (
	ErrShortHeader     = errors.New("frame: short header")
	ErrShortPayload    = errors.New("frame: short payload")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
	ErrIndexRange      = errors.New("frame: module index out of range")
)

// Frame is one complete wire message: [len:u16][h1:u8][h2:u8][payload].
type Frame struct {
	H1      byte
	H2      byte
	Payload []byte
}

// NewControl builds a control frame addressed to one module index.
func NewControl(index int, sub byte, payload []byte) (Frame, error) {
	if index < 0 || index >= MaxModules {
		return Frame{}, fmt.Errorf("%w: %d", ErrIndexRange, index)
	}
	return Frame{H1: ControlFlag | byte(index), H2: sub, Payload: payload}, nil
}

// NewData builds a channel data frame for (module index, fd).
func NewData(index int, fd int, payload []byte) (Frame, error) {
	if index < 0 || index >= MaxModules {
		return Frame{}, fmt.Errorf("%w: %d", ErrIndexRange, index)
	}
	return Frame{H1: byte(index), H2: byte(fd), Payload: payload}, nil
}

func (f Frame) IsControl() bool {
	return f.H1&ControlFlag != 0
}

// Index returns the module index carried in h1.
func (f Frame) Index() int {
	return int(f.H1 & IndexMask)
}

func (f Frame) String() string {
	return fmt.Sprintf("%02x.%02x[%d]", f.H1, f.H2, len(f.Payload))
}

// Encode returns the wire bytes for f.
func Encode(f Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayloadLen {
		return nil, fmt.Errorf("%w: %d", ErrPayloadTooLarge, len(f.Payload))
	}
	buf := make([]byte, HeaderLen+len(f.Payload))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(f.Payload)))
	buf[2] = f.H1
	buf[3] = f.H2
	copy(buf[HeaderLen:], f.Payload)
	return buf, nil
}

// Decode parses exactly one frame from b.
func Decode(b []byte) (Frame, error) {
	if len(b) < HeaderLen {
		return Frame{}, ErrShortHeader
	}
	n := int(binary.LittleEndian.Uint16(b[0:2]))
	if len(b)-HeaderLen < n {
		return Frame{}, fmt.Errorf("%w: want=%d have=%d", ErrShortPayload, n, len(b)-HeaderLen)
	}
	payload := make([]byte, n)
	copy(payload, b[HeaderLen:HeaderLen+n])
	return Frame{H1: b[2], H2: b[3], Payload: payload}, nil
}

// ReadFrame reads one frame from r, accumulating the payload across chunks.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}
	n := int(binary.LittleEndian.Uint16(hdr[0:2]))
	f := Frame{H1: hdr[2], H2: hdr[3], Payload: make([]byte, n)}
	if n > 0 {
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return Frame{}, ErrShortPayload
			}
			return Frame{}, err
		}
	}
	return f, nil
}

// WriteFrame writes f to w as one buffer so concurrent frames never interleave
// when the caller serializes calls.
func WriteFrame(w io.Writer, f Frame) error {
	buf, err := Encode(f)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// Writer serializes frame writes to one underlying stream.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (fw *Writer) Write(f Frame) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return WriteFrame(fw.w, f)
}
