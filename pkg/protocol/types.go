package protocol

import (
	"encoding/binary"
	"errors"
	"io"
)

// WriteUint8 writes a single byte
func WriteUint8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

// ReadUint8 reads a single byte
func ReadUint8(r io.Reader) (uint8, error) {
	buf := make([]byte, 1)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// WriteUint32 writes a 32-bit unsigned integer in big-endian
func WriteUint32(w io.Writer, v uint32) error {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	_, err := w.Write(buf)
	return err
}

// ReadUint32 reads a 32-bit unsigned integer in big-endian
func ReadUint32(r io.Reader) (uint32, error) {
	buf := make([]byte, 4)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf), nil
}

// IsASCII reports whether every byte of s is in the US-ASCII range
func IsASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > maxCharsetByte {
			return false
		}
	}
	return true
}

// isEOF reports whether err means the stream ended, cleanly or not
func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}
