package clrmodel

import (
	"encoding/binary"
	"errors"
	"math"

	"golang.org/x/text/encoding/unicode"
)

// userStringCodec encodes/decodes string literal operands as UTF-16LE,
// matching the real #US heap's encoding (ECMA-335 §II.24.2.4) rather than
// the UTF-8 used for the rest of this format's identifier strings.
var userStringCodec = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
var userStringDecoder = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()

// ErrOutsideBoundary is returned when a read would run past the end of
// the buffer, the same failure mode saferwall/pe's helper.go guards
// against when dereferencing RVAs.
var ErrOutsideBoundary = errors.New("clrmodel: reading data outside boundary")

// byteWriter accumulates the module's binary encoding using the same
// manual little-endian layout saferwall/pe's helper.go reads, just in the
// write direction.
type byteWriter struct {
	buf []byte
}

func (w *byteWriter) u8(v uint8)    { w.buf = append(w.buf, v) }
func (w *byteWriter) u16(v uint16)  { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *byteWriter) u32(v uint32)  { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *byteWriter) u64(v uint64)  { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }
func (w *byteWriter) i64(v int64)   { w.u64(uint64(v)) }
func (w *byteWriter) f64(v float64) { w.u64(math.Float64bits(v)) }
func (w *byteWriter) bytes(b []byte) {
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}
func (w *byteWriter) str(s string) { w.bytes([]byte(s)) }

// ustr writes s as a UTF-16LE blob, used for string-literal operands
// (§II.24.2.4's #US heap encoding).
func (w *byteWriter) ustr(s string) {
	encoded, err := userStringCodec.String(s)
	if err != nil {
		// Not valid UTF-8 input; fall back to the raw bytes rather than
		// losing the literal, since a literal's exact bytes matter more
		// than strict heap fidelity in this format.
		w.bytes([]byte(s))
		return
	}
	w.bytes([]byte(encoded))
}
func (w *byteWriter) bool(b bool) {
	if b {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

// byteReader mirrors saferwall/pe's ReadUint16/ReadUint32-style accessors
// (helper.go), bounds-checked against ErrOutsideBoundary instead of
// panicking.
type byteReader struct {
	buf []byte
	off int
}

func (r *byteReader) need(n int) error {
	if r.off+n > len(r.buf) {
		return ErrOutsideBoundary
	}
	return nil
}

func (r *byteReader) u8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

func (r *byteReader) u16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v, nil
}

func (r *byteReader) u32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *byteReader) u64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

func (r *byteReader) i64() (int64, error) {
	v, err := r.u64()
	return int64(v), err
}

func (r *byteReader) f64() (float64, error) {
	v, err := r.u64()
	return math.Float64frombits(v), err
}

func (r *byteReader) bytesN() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	if err := r.need(int(n)); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, r.buf[r.off:r.off+int(n)])
	r.off += int(n)
	return out, nil
}

func (r *byteReader) str() (string, error) {
	b, err := r.bytesN()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ustr reads back a string written by byteWriter.ustr.
func (r *byteReader) ustr() (string, error) {
	b, err := r.bytesN()
	if err != nil {
		return "", err
	}
	decoded, decErr := userStringDecoder.String(string(b))
	if decErr != nil {
		return string(b), nil
	}
	return decoded, nil
}

func (r *byteReader) boolean() (bool, error) {
	v, err := r.u8()
	return v != 0, err
}
