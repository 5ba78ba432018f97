// Package codec implements the compact textual object format used for
// every SDS payload: a flat object of named scalar fields (strings,
// signed/unsigned integers up to 32 bits, 32-bit floats, bools). It is a
// hand-rolled reader/writer over a fixed-capacity byte buffer rather than
// encoding/json, because the wire format is a deliberately restricted
// subset (no nesting, no arrays, producer-controlled keys) and the writer
// must report "buffer full" instead of allocating.
package codec

import (
	"strconv"

	"github.com/fieldmesh/sds/pkg/sds/sdserrors"
)

// Writer serializes scalar fields into a caller-supplied buffer. Once the
// buffer is exhausted, every subsequent Set call becomes a no-op and Err
// returns sdserrors.ErrBufferFull; the writer never overruns the buffer.
type Writer struct {
	buf        []byte
	pos        int
	wroteField bool
	overflowed bool
}

// NewWriter returns a Writer appending into buf starting at offset 0.
func NewWriter(buf []byte) *Writer {
	return &Writer{buf: buf}
}

// Begin opens the object.
func (w *Writer) Begin() {
	w.appendRaw("{")
}

// End closes the object. Must be called exactly once, after all fields.
func (w *Writer) End() {
	w.appendRaw("}")
}

// Err returns sdserrors.ErrBufferFull if any Set/Begin/End call overflowed
// the buffer, nil otherwise.
func (w *Writer) Err() error {
	if w.overflowed {
		return sdserrors.ErrBufferFull
	}
	return nil
}

// Bytes returns the bytes written so far. Only meaningful when Err() == nil.
func (w *Writer) Bytes() []byte {
	return w.buf[:w.pos]
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return w.pos }

// SetString writes a string field, escape-encoding the value.
func (w *Writer) SetString(key, value string) {
	w.writeKey(key)
	w.appendRaw("\"")
	w.appendEscaped(value)
	w.appendRaw("\"")
	w.finishField()
}

// SetInt writes a signed integer field (fits any of i8/i16/i32).
func (w *Writer) SetInt(key string, value int64) {
	w.writeKey(key)
	w.appendRaw(strconv.FormatInt(value, 10))
	w.finishField()
}

// SetUint writes an unsigned integer field (fits any of u8/u16/u32).
func (w *Writer) SetUint(key string, value uint64) {
	w.writeKey(key)
	w.appendRaw(strconv.FormatUint(value, 10))
	w.finishField()
}

// SetFloat32 writes a float field with fixed 4-decimal formatting
// (e.g. "threshold":25.5000).
func (w *Writer) SetFloat32(key string, value float32) {
	w.writeKey(key)
	w.appendRaw(strconv.FormatFloat(float64(value), 'f', 4, 32))
	w.finishField()
}

// SetBool writes a boolean field.
func (w *Writer) SetBool(key string, value bool) {
	w.writeKey(key)
	if value {
		w.appendRaw("true")
	} else {
		w.appendRaw("false")
	}
	w.finishField()
}

func (w *Writer) writeKey(key string) {
	if w.wroteField {
		w.appendRaw(",")
	}
	w.appendRaw("\"")
	w.appendRaw(key) // keys are producer-controlled; emitted verbatim, unescaped
	w.appendRaw("\":")
}

func (w *Writer) finishField() {
	w.wroteField = true
}

// appendRaw copies s into the buffer if it fits in full; otherwise it marks
// the writer overflowed and writes nothing (no partial writes, ever).
func (w *Writer) appendRaw(s string) {
	if w.overflowed {
		return
	}
	if w.pos+len(s) > len(w.buf) {
		w.overflowed = true
		return
	}
	copy(w.buf[w.pos:], s)
	w.pos += len(s)
}

// appendEscaped escape-encodes a string value per the wire format: the
// reserved characters get two-char escapes, control bytes below 0x20 get
// \u00XX, everything else (including UTF-8 continuation bytes) passes
// through verbatim.
func (w *Writer) appendEscaped(s string) {
	if w.overflowed {
		return
	}
	var out []byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '"':
			out = append(out, '\\', '"')
		case '\\':
			out = append(out, '\\', '\\')
		case '/':
			out = append(out, '\\', '/')
		case '\b':
			out = append(out, '\\', 'b')
		case '\f':
			out = append(out, '\\', 'f')
		case '\n':
			out = append(out, '\\', 'n')
		case '\r':
			out = append(out, '\\', 'r')
		case '\t':
			out = append(out, '\\', 't')
		default:
			if c < 0x20 {
				const hex = "0123456789abcdef"
				out = append(out, '\\', 'u', '0', '0', hex[c>>4], hex[c&0xf])
			} else {
				out = append(out, c)
			}
		}
	}
	w.appendRaw(string(out))
}
