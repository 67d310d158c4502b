package bmp

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// buildFrame wraps bmpBytes in an OBMP v1.7 binary header the way goBMP
// emits it: fixed fields, a variable-length collector admin id, then router
// hash and router IP.
func buildFrame(bmpBytes []byte, adminID string, routerIP [16]byte) []byte {
	headerLen := 40 + len(adminID) + 16 + 16 + 2 + 4 // + router group len(2) + row count(4)

	frame := make([]byte, 0, headerLen+len(bmpBytes))
	frame = binary.BigEndian.AppendUint32(frame, 0x4F424D50) // "OBMP"
	frame = append(frame, 1, 7)                              // version 1.7
	frame = binary.BigEndian.AppendUint16(frame, uint16(headerLen))
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(bmpBytes)))
	frame = append(frame, 0, 12)                // flags, msg type (raw BMP)
	frame = append(frame, make([]byte, 8)...)   // timestamp sec/usec
	frame = append(frame, make([]byte, 16)...)  // collector hash
	frame = binary.BigEndian.AppendUint16(frame, uint16(len(adminID)))
	frame = append(frame, adminID...)
	routerHash := bytes.Repeat([]byte{0x42}, 16)
	frame = append(frame, routerHash...)
	frame = append(frame, routerIP[:]...)
	frame = binary.BigEndian.AppendUint16(frame, 0) // router group length
	frame = binary.BigEndian.AppendUint32(frame, 1) // row count
	frame = append(frame, bmpBytes...)
	return frame
}

func TestDecodeFrame_IPv4Router(t *testing.T) {
	bmpBytes := []byte{3, 0, 0, 0, 6, 4}
	var routerIP [16]byte
	copy(routerIP[:], []byte{198, 51, 100, 1}) // goBMP puts IPv4 in the leading bytes

	frame, err := DecodeFrame(buildFrame(bmpBytes, "collector-1", routerIP), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(frame.BMPBytes, bmpBytes) {
		t.Errorf("BMP payload mismatch: %x", frame.BMPBytes)
	}
	if frame.RouterIP != "198.51.100.1" {
		t.Errorf("expected router '198.51.100.1', got '%s'", frame.RouterIP)
	}
	if frame.RouterHash != "42424242424242424242424242424242" {
		t.Errorf("unexpected router hash '%s'", frame.RouterHash)
	}
}

func TestDecodeFrame_IPv6Router(t *testing.T) {
	bmpBytes := []byte{3, 0, 0, 0, 6, 4}
	routerIP := [16]byte{0x20, 0x01, 0x0d, 0xb8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 9}

	frame, err := DecodeFrame(buildFrame(bmpBytes, "", routerIP), 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if frame.RouterIP != "2001:db8::9" {
		t.Errorf("expected router '2001:db8::9', got '%s'", frame.RouterIP)
	}
}

func TestDecodeFrame_BadMagic(t *testing.T) {
	data := buildFrame([]byte{3, 0, 0, 0, 6, 4}, "", [16]byte{})
	data[0] = 'X'

	if _, err := DecodeFrame(data, 0); err == nil {
		t.Fatal("expected error for missing magic")
	}
}

func TestDecodeFrame_TooShort(t *testing.T) {
	if _, err := DecodeFrame([]byte{0x4F, 0x42}, 0); err == nil {
		t.Fatal("expected error for short frame")
	}
}

func TestDecodeFrame_PayloadTruncated(t *testing.T) {
	data := buildFrame([]byte{3, 0, 0, 0, 6, 4}, "", [16]byte{})
	data = data[:len(data)-3]

	if _, err := DecodeFrame(data, 0); err == nil {
		t.Fatal("expected error for truncated payload")
	}
}

func TestDecodeFrame_PayloadLimit(t *testing.T) {
	bmpBytes := make([]byte, 100)
	data := buildFrame(bmpBytes, "", [16]byte{})

	if _, err := DecodeFrame(data, 50); err == nil {
		t.Fatal("expected error when payload exceeds limit")
	}
	if _, err := DecodeFrame(data, 100); err != nil {
		t.Fatalf("unexpected error at limit: %v", err)
	}
}

func TestDecodeFrame_ZeroLength(t *testing.T) {
	data := buildFrame(nil, "", [16]byte{})

	if _, err := DecodeFrame(data, 0); err == nil {
		t.Fatal("expected error for zero msg_len")
	}
}
