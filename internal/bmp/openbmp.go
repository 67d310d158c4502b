package bmp

import (
	"encoding/binary"
	"fmt"
	"net"
)

// OBMP v1.7 framing as produced by goBMP and OpenBMP collectors.
const (
	obmpMagic        uint32 = 0x4F424D50 // "OBMP"
	obmpMinHeaderLen        = 12
)

// Frame is the decoded content of one OpenBMP frame. BMPBytes aliases the
// input. RouterIP is taken from the frame header and identifies the
// monitored router the wrapped BMP messages came from.
type Frame struct {
	BMPBytes   []byte
	RouterIP   string
	RouterHash string
}

// DecodeFrame unwraps an OBMP v1.7 frame:
//
//	 0-3:  magic "OBMP"
//	 4-5:  version major/minor
//	 6-7:  header length (uint16)
//	 8-11: BMP message length (uint32)
//	12:    flags, 13: message type
//	14-21: timestamp sec/usec
//	22-37: collector hash (16)
//	38-39: collector admin id length N, then N bytes
//	then:  router hash (16), router IP (16), router group, row count
//
// maxPayloadBytes bounds the wrapped BMP payload; 0 disables the check.
func DecodeFrame(data []byte, maxPayloadBytes int) (Frame, error) {
	if len(data) < obmpMinHeaderLen {
		return Frame{}, fmt.Errorf("openbmp: frame too short (%d bytes)", len(data))
	}
	if binary.BigEndian.Uint32(data[0:4]) != obmpMagic {
		return Frame{}, fmt.Errorf("openbmp: missing OBMP magic")
	}

	headerLen := int(binary.BigEndian.Uint16(data[6:8]))
	msgLen := binary.BigEndian.Uint32(data[8:12])

	if headerLen < obmpMinHeaderLen {
		return Frame{}, fmt.Errorf("openbmp: header_length %d too small", headerLen)
	}
	if headerLen > len(data) {
		return Frame{}, fmt.Errorf("openbmp: header_length %d exceeds frame (%d bytes)", headerLen, len(data))
	}
	if msgLen == 0 {
		return Frame{}, fmt.Errorf("openbmp: msg_len is 0")
	}
	if maxPayloadBytes > 0 && int(msgLen) > maxPayloadBytes {
		return Frame{}, fmt.Errorf("openbmp: msg_len %d exceeds limit %d", msgLen, maxPayloadBytes)
	}

	totalLen := headerLen + int(msgLen)
	if totalLen < headerLen || len(data) < totalLen {
		return Frame{}, fmt.Errorf("openbmp: frame truncated (have %d, need %d)", len(data), totalLen)
	}

	frame := Frame{BMPBytes: data[headerLen:totalLen]}

	// Router identity sits past the variable-length collector admin id.
	if headerLen >= 40 {
		adminLen := int(binary.BigEndian.Uint16(data[38:40]))
		hashOff := 40 + adminLen
		ipOff := hashOff + 16
		if ipOff+16 <= headerLen {
			frame.RouterHash = fmt.Sprintf("%x", data[hashOff:hashOff+16])
			frame.RouterIP = routerIPString(data[ipOff : ipOff+16])
		}
	}

	return frame, nil
}

// routerIPString renders the 16-byte router IP field, which goBMP fills with
// the IPv4 address in the leading 4 bytes and zero padding.
func routerIPString(b []byte) string {
	ip := net.IP(b)
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}

	leadingV4 := b[0] != 0 || b[1] != 0 || b[2] != 0 || b[3] != 0
	for _, c := range b[4:] {
		if c != 0 {
			leadingV4 = false
			break
		}
	}
	if leadingV4 {
		return net.IP(b[:4]).String()
	}

	if ip.IsUnspecified() {
		return ""
	}
	return ip.String()
}
