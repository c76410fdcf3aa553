// Package wire implements the fixed little-endian primitives shared by the
// command, snapshot and trace encodings.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrShortBuffer reports a read past the end of the input.
	ErrShortBuffer = errors.New("wire: unexpected end of data")
	// ErrMalformed reports a value that decoded but violates the encoding.
	ErrMalformed = errors.New("wire: malformed value")
	// ErrTooLong reports a length that does not fit its prefix.
	ErrTooLong = errors.New("wire: value too long for its length prefix")
)

// Writer appends little-endian values to a growing buffer. Like Reader, the
// first failure is sticky: encoders write on and check Err once at the end.
type Writer struct {
	buf []byte
	err error
}

// NewWriter returns a writer with the provided initial capacity.
func NewWriter(capacity int) *Writer {
	if capacity < 0 {
		capacity = 0
	}
	return &Writer{buf: make([]byte, 0, capacity)}
}

// Bytes returns the encoded data. The slice aliases the writer's buffer.
func (w *Writer) Bytes() []byte { return w.buf }

// Len reports the number of bytes written.
func (w *Writer) Len() int { return len(w.buf) }

// Reset truncates the buffer and clears any failure.
func (w *Writer) Reset() {
	w.buf = w.buf[:0]
	w.err = nil
}

// Err returns the first encoding failure.
func (w *Writer) Err() error { return w.err }

// Fail records err unless an earlier failure is already held.
func (w *Writer) Fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

// Count16 writes n as a u16 element count.
func (w *Writer) Count16(n int) {
	if n < 0 || n > math.MaxUint16 {
		w.Fail(fmt.Errorf("%w: count %d exceeds u16", ErrTooLong, n))
		return
	}
	w.U16(uint16(n))
}

func (w *Writer) U8(v uint8) { w.buf = append(w.buf, v) }

func (w *Writer) I8(v int8) { w.buf = append(w.buf, byte(v)) }

func (w *Writer) U16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }

func (w *Writer) I16(v int16) { w.U16(uint16(v)) }

func (w *Writer) U32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }

func (w *Writer) I32(v int32) { w.U32(uint32(v)) }

func (w *Writer) U64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }

func (w *Writer) I64(v int64) { w.U64(uint64(v)) }

// Bool writes a single byte, 1 for true and 0 for false.
func (w *Writer) Bool(v bool) {
	if v {
		w.U8(1)
		return
	}
	w.U8(0)
}

// String writes a u16 length prefix followed by the raw bytes. Strings longer
// than 65535 bytes fail the writer.
func (w *Writer) String(s string) {
	if len(s) > math.MaxUint16 {
		w.Fail(fmt.Errorf("%w: string of %d bytes exceeds u16", ErrTooLong, len(s)))
		return
	}
	w.U16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

// Blob writes a u32 length prefix followed by the raw bytes.
func (w *Writer) Blob(b []byte) {
	if uint64(len(b)) > math.MaxUint32 {
		w.Fail(fmt.Errorf("%w: blob of %d bytes exceeds u32", ErrTooLong, len(b)))
		return
	}
	w.U32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// Raw appends bytes without a prefix.
func (w *Writer) Raw(b []byte) { w.buf = append(w.buf, b...) }

// Reader consumes little-endian values. The first failure is sticky: every
// later read returns the zero value and Err reports the original cause.
type Reader struct {
	data []byte
	off  int
	err  error
}

// NewReader wraps data for decoding.
func NewReader(data []byte) *Reader {
	return &Reader{data: data}
}

// Err returns the first decoding failure.
func (r *Reader) Err() error { return r.err }

// Remaining reports unread bytes.
func (r *Reader) Remaining() int {
	if r.err != nil {
		return 0
	}
	return len(r.data) - r.off
}

// Offset reports the number of bytes consumed.
func (r *Reader) Offset() int { return r.off }

// Done fails when unread bytes remain after a complete decode.
func (r *Reader) Done() error {
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.data) {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(r.data)-r.off)
	}
	return nil
}

// Fail records err unless an earlier failure is already set.
func (r *Reader) Fail(err error) {
	if r.err == nil && err != nil {
		r.err = err
	}
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.data)-r.off < n {
		r.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortBuffer, n, r.off, len(r.data)-r.off)
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *Reader) U8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) I8() int8 { return int8(r.U8()) }

func (r *Reader) U16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *Reader) I16() int16 { return int16(r.U16()) }

func (r *Reader) U32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *Reader) I32() int32 { return int32(r.U32()) }

func (r *Reader) U64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *Reader) I64() int64 { return int64(r.U64()) }

// Bool reads one byte and rejects anything other than 0 or 1.
func (r *Reader) Bool() bool {
	v := r.U8()
	if r.err != nil {
		return false
	}
	switch v {
	case 0:
		return false
	case 1:
		return true
	default:
		r.Fail(fmt.Errorf("%w: boolean byte 0x%02x", ErrMalformed, v))
		return false
	}
}

// String reads a u16 length-prefixed string.
func (r *Reader) String() string {
	n := int(r.U16())
	b := r.take(n)
	if b == nil {
		return ""
	}
	return string(b)
}

// Blob reads a u32 length-prefixed byte slice. The result is a copy.
func (r *Reader) Blob() []byte {
	n := r.U32()
	if r.err != nil {
		return nil
	}
	if uint64(n) > uint64(len(r.data)-r.off) {
		r.Fail(fmt.Errorf("%w: blob length %d exceeds %d remaining", ErrShortBuffer, n, len(r.data)-r.off))
		return nil
	}
	b := r.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Raw reads exactly n bytes without a prefix. The result is a copy.
func (r *Reader) Raw(n int) []byte {
	b := r.take(n)
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Skip discards n bytes.
func (r *Reader) Skip(n int) { r.take(n) }

// CString reads a null-terminated string; the terminator is consumed.
func (r *Reader) CString() string {
	if r.err != nil {
		return ""
	}
	for i := r.off; i < len(r.data); i++ {
		if r.data[i] == 0 {
			s := string(r.data[r.off:i])
			r.off = i + 1
			return s
		}
	}
	r.Fail(fmt.Errorf("%w: unterminated string at offset %d", ErrShortBuffer, r.off))
	return ""
}
