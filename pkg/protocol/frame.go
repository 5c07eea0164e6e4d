package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	// TypeString tags a frame whose payload is an ASCII string
	TypeString = 's'

	// HeaderSize is the size of the frame header: Type (1 byte) + Length (4 bytes)
	HeaderSize = 1 + 4

	// MaxLength is the largest payload the wire format can describe
	MaxLength = math.MaxInt32

	// DefaultMaxLength is the payload limit servers apply unless configured otherwise (1 MB)
	DefaultMaxLength = 1024 * 1024

	// payloads up to this size are read into a single preallocated buffer;
	// larger ones grow with the data that actually arrives
	preallocLimit = 64 * 1024

	maxCharsetByte = 0x7F
)

var (
	// ErrFraming is wrapped by every error that means the byte stream can no
	// longer be trusted to be aligned on frame boundaries.
	ErrFraming = errors.New("framing error")

	ErrUnsupportedType = fmt.Errorf("%w: unsupported frame type", ErrFraming)
	ErrTruncatedFrame  = fmt.Errorf("%w: stream ended inside a frame", ErrFraming)
	ErrFrameTooLarge   = fmt.Errorf("%w: frame exceeds maximum length", ErrFraming)
	ErrInvalidCharset  = fmt.Errorf("%w: payload is not US-ASCII", ErrFraming)
)

// Frame represents a protocol frame
// Format: [Type (1 byte)][Length (4 bytes, big-endian)][Payload (Length bytes, US-ASCII)]
type Frame struct {
	Type    uint8
	Payload string
}

// EncodeFrame writes a frame to the writer
func EncodeFrame(w io.Writer, f *Frame) error {
	if f.Type != TypeString {
		return ErrUnsupportedType
	}
	if len(f.Payload) > MaxLength {
		return ErrFrameTooLarge
	}
	if !IsASCII(f.Payload) {
		return ErrInvalidCharset
	}

	// Header and payload go out in one Write so concurrent writers on
	// a shared stream cannot split a frame.
	buf := make([]byte, 0, HeaderSize+len(f.Payload))
	buf = append(buf, f.Type)
	buf = append(buf, byte(len(f.Payload)>>24), byte(len(f.Payload)>>16), byte(len(f.Payload)>>8), byte(len(f.Payload)))
	buf = append(buf, f.Payload...)

	_, err := w.Write(buf)
	return err
}

// Decoder reads frames, rejecting any whose declared length exceeds MaxLength.
// The zero value accepts everything the wire format can describe.
type Decoder struct {
	MaxLength uint32
}

// NewDecoder returns a decoder with the given payload limit
func NewDecoder(maxLength uint32) *Decoder {
	return &Decoder{MaxLength: maxLength}
}

func (d *Decoder) limit() uint32 {
	if d == nil || d.MaxLength == 0 || d.MaxLength > MaxLength {
		return MaxLength
	}
	return d.MaxLength
}

// DecodeFrame reads one frame from the reader.
//
// A stream that ends before the first byte of a frame yields io.EOF; a
// stream that ends anywhere inside a frame yields ErrTruncatedFrame.
func (d *Decoder) DecodeFrame(r io.Reader) (*Frame, error) {
	// Read type (1 byte)
	msgType, err := ReadUint8(r)
	if err != nil {
		return nil, err
	}

	if msgType != TypeString {
		return nil, ErrUnsupportedType
	}

	// Read length (4 bytes)
	length, err := ReadUint32(r)
	if err != nil {
		if isEOF(err) {
			return nil, ErrTruncatedFrame
		}
		return nil, err
	}

	if length > d.limit() {
		return nil, ErrFrameTooLarge
	}

	payload, err := readPayload(r, length)
	if err != nil {
		return nil, err
	}

	if !IsASCII(payload) {
		return nil, ErrInvalidCharset
	}

	return &Frame{
		Type:    msgType,
		Payload: payload,
	}, nil
}

// readPayload accumulates exactly length bytes, however the transport
// chunks them, and never reads past the end of the frame.
func readPayload(r io.Reader, length uint32) (string, error) {
	if length == 0 {
		return "", nil
	}

	if length <= preallocLimit {
		data := make([]byte, length)
		if _, err := io.ReadFull(r, data); err != nil {
			if isEOF(err) {
				return "", ErrTruncatedFrame
			}
			return "", err
		}
		return string(data), nil
	}

	var buf bytes.Buffer
	buf.Grow(preallocLimit)
	if _, err := io.CopyN(&buf, r, int64(length)); err != nil {
		if isEOF(err) {
			return "", ErrTruncatedFrame
		}
		return "", err
	}
	return buf.String(), nil
}

// DecodeFrame reads a frame with no limit beyond the wire format's own
func DecodeFrame(r io.Reader) (*Frame, error) {
	var d Decoder
	return d.DecodeFrame(r)
}

// Encode is a helper that encodes a string payload to a byte slice
func Encode(payload string) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := EncodeFrame(buf, &Frame{Type: TypeString, Payload: payload}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode is a helper that reads one string frame from the reader
func Decode(r io.Reader) (string, error) {
	frame, err := DecodeFrame(r)
	if err != nil {
		return "", err
	}
	return frame.Payload, nil
}

// DecodeMessage is a helper that decodes a frame from a byte slice
func DecodeMessage(data []byte) (string, error) {
	return Decode(bytes.NewReader(data))
}
