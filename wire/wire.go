// SPDX-License-Identifier: Unlicense OR MIT

// Package wire implements the fixed binary format used by platform
// messages crossing the engine boundary: native-endian fixed-width
// scalars and strings prefixed by an 8-byte unsigned length of UTF-8
// bytes. The format is positional; a decoded message must consume its
// buffer exactly.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"
)

var (
	// ErrUnderflow reports a read past the end of the message.
	ErrUnderflow = errors.New("wire: message too short")
	// ErrTrailingData reports bytes left over after a complete decode,
	// usually a sign of version skew between sender and receiver.
	ErrTrailingData = errors.New("wire: trailing data after message")
	// ErrInvalidUTF8 reports a string field that is not valid UTF-8.
	ErrInvalidUTF8 = errors.New("wire: invalid utf-8 in string")
)

// Writer encodes values into a growing byte buffer.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer with an empty buffer.
func NewWriter() *Writer {
	return &Writer{}
}

// Bytes returns the encoded message.
func (w *Writer) Bytes() []byte {
	return w.buf
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int {
	return len(w.buf)
}

func (w *Writer) WriteUint8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *Writer) WriteBool(v bool) {
	if v {
		w.WriteUint8(1)
	} else {
		w.WriteUint8(0)
	}
}

func (w *Writer) WriteUint16(v uint16) {
	w.buf = binary.NativeEndian.AppendUint16(w.buf, v)
}

func (w *Writer) WriteUint32(v uint32) {
	w.buf = binary.NativeEndian.AppendUint32(w.buf, v)
}

func (w *Writer) WriteUint64(v uint64) {
	w.buf = binary.NativeEndian.AppendUint64(w.buf, v)
}

func (w *Writer) WriteInt32(v int32) {
	w.WriteUint32(uint32(v))
}

func (w *Writer) WriteInt64(v int64) {
	w.WriteUint64(uint64(v))
}

func (w *Writer) WriteFloat64(v float64) {
	w.WriteUint64(math.Float64bits(v))
}

// WriteString writes the UTF-8 bytes of s prefixed by their length as
// a uint64.
func (w *Writer) WriteString(s string) {
	w.WriteUint64(uint64(len(s)))
	w.buf = append(w.buf, s...)
}

// WriteFloat64Slice writes the elements of s back to back, without a
// length prefix. Fixed-size array fields carry their length in the
// message schema.
func (w *Writer) WriteFloat64Slice(s []float64) {
	for _, v := range s {
		w.WriteFloat64(v)
	}
}

// Reader decodes values from a byte slice, tracking its position.
type Reader struct {
	buf []byte
	off int
}

// NewReader returns a Reader positioned at the start of data.
func NewReader(data []byte) *Reader {
	return &Reader{buf: data}
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.off
}

// Finish verifies the reader consumed its buffer exactly.
func (r *Reader) Finish() error {
	if n := r.Remaining(); n > 0 {
		return fmt.Errorf("%w: %d bytes", ErrTrailingData, n)
	}
	return nil
}

func (r *Reader) take(n int) ([]byte, error) {
	if r.Remaining() < n {
		return nil, fmt.Errorf("%w: need %d bytes, have %d", ErrUnderflow, n, r.Remaining())
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *Reader) ReadUint8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) ReadBool() (bool, error) {
	b, err := r.ReadUint8()
	return b != 0, err
}

func (r *Reader) ReadUint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.NativeEndian.Uint16(b), nil
}

func (r *Reader) ReadUint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.NativeEndian.Uint32(b), nil
}

func (r *Reader) ReadUint64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.NativeEndian.Uint64(b), nil
}

func (r *Reader) ReadInt32() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

func (r *Reader) ReadInt64() (int64, error) {
	v, err := r.ReadUint64()
	return int64(v), err
}

func (r *Reader) ReadFloat64() (float64, error) {
	v, err := r.ReadUint64()
	return math.Float64frombits(v), err
}

// ReadString reads a uint64 length followed by that many UTF-8 bytes.
func (r *Reader) ReadString() (string, error) {
	n, err := r.ReadUint64()
	if err != nil {
		return "", err
	}
	if n > uint64(r.Remaining()) {
		return "", fmt.Errorf("%w: string of %d bytes, have %d", ErrUnderflow, n, r.Remaining())
	}
	b, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", ErrInvalidUTF8
	}
	return string(b), nil
}

// ReadFloat64Array reads exactly n float64 values. On failure no
// partial result is returned.
func (r *Reader) ReadFloat64Array(n int) ([]float64, error) {
	out := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		v, err := r.ReadFloat64()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
