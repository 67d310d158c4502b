package bgp

import (
	"encoding/binary"
	"fmt"
)

// reader is a bounded cursor over one message body. Every read checks the
// remaining byte count first, so an overrun surfaces as ErrBufferOverrun
// instead of a slice panic. The underlying buffer is borrowed; slices
// returned by take alias it and must not be retained past the parse call.
type reader struct {
	buf []byte
	off int
}

func newReader(buf []byte) *reader {
	return &reader{buf: buf}
}

func (r *reader) remaining() int {
	return len(r.buf) - r.off
}

// take consumes exactly n bytes.
func (r *reader) take(n int) ([]byte, error) {
	if n < 0 || n > r.remaining() {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d",
			ErrBufferOverrun, n, r.off, r.remaining())
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) uint8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) uint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *reader) uint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// asn reads one AS number at the session's negotiated width (2 or 4 octets,
// RFC 6793) and widens it to uint32.
func (r *reader) asn(width int) (uint32, error) {
	if width == 2 {
		v, err := r.uint16()
		return uint32(v), err
	}
	return r.uint32()
}
