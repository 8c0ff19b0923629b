package wire

import (
	"encoding/binary"
	"fmt"
)

// encoder builds a message body as a flat byte slice. Fixed-width fields
// (byte, bool, uint32) are written as is, and every variable-length field
// (bytes, string, list) is length-prefixed with a uint32, so the decoder
// never has to guess a boundary; this is the same shape bincode produces for the analogous Rust
// enums, reimplemented by hand since no pack dependency offers a Go bincode
// codec for a custom tagged enum like this one.
type encoder struct {
	buf []byte
	err error
}

func newEncoder() *encoder { return &encoder{buf: make([]byte, 0, 64)} }

func (e *encoder) bytes_() []byte { return e.buf }

func (e *encoder) byte(b byte) { e.buf = append(e.buf, b) }

func (e *encoder) uint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.buf = append(e.buf, b[:]...)
}

func (e *encoder) int32(v int32) { e.uint32(uint32(v)) }

func (e *encoder) bool(v bool) {
	if v {
		e.byte(1)
	} else {
		e.byte(0)
	}
}

func (e *encoder) bytes(b []byte) {
	e.uint32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *encoder) string(s string) { e.bytes([]byte(s)) }

func (e *encoder) strings(ss []string) {
	e.uint32(uint32(len(ss)))
	for _, s := range ss {
		e.string(s)
	}
}

// decoder unwinds a byte slice produced by encoder. The first error
// encountered is sticky: every subsequent read is a no-op so callers can
// chain reads and check err once at the end.
type decoder struct {
	buf []byte
	pos int
	err error
}

func newDecoder(buf []byte) *decoder { return &decoder{buf: buf} }

func (d *decoder) need(n int) bool {
	if d.err != nil {
		return false
	}
	if d.pos+n > len(d.buf) {
		d.err = fmt.Errorf("wire: truncated message (need %d bytes at offset %d, have %d)", n, d.pos, len(d.buf))
		return false
	}
	return true
}

func (d *decoder) byte() byte {
	if !d.need(1) {
		return 0
	}
	b := d.buf[d.pos]
	d.pos++
	return b
}

func (d *decoder) uint32() uint32 {
	if !d.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(d.buf[d.pos : d.pos+4])
	d.pos += 4
	return v
}

func (d *decoder) int32() int32 { return int32(d.uint32()) }

func (d *decoder) bool() bool { return d.byte() != 0 }

func (d *decoder) bytesVal() []byte {
	n := d.uint32()
	if !d.need(int(n)) {
		return nil
	}
	if n == 0 {
		d.pos += 0
		return []byte{}
	}
	out := make([]byte, n)
	copy(out, d.buf[d.pos:d.pos+int(n)])
	d.pos += int(n)
	return out
}

func (d *decoder) string() string {
	b := d.bytesVal()
	return string(b)
}

func (d *decoder) strings() []string {
	n := d.uint32()
	if d.err != nil {
		return nil
	}
	out := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		out = append(out, d.string())
	}
	return out
}
