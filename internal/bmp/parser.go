package bmp

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

// Split iterates the concatenated BMP messages in one raw payload. The
// collector may bundle several messages per record (one per TCP read);
// each is returned as its own slice of the input.
func Split(data []byte) ([][]byte, error) {
	var msgs [][]byte
	offset := 0
	for offset < len(data) {
		remaining := data[offset:]
		if len(remaining) < CommonHeaderSize {
			return msgs, fmt.Errorf("bmp: trailing %d bytes too short for common header", len(remaining))
		}
		msgLen := binary.BigEndian.Uint32(remaining[1:5])
		if msgLen < uint32(CommonHeaderSize) {
			return msgs, fmt.Errorf("bmp: declared msg_length %d smaller than common header", msgLen)
		}
		if int(msgLen) > len(remaining) {
			return msgs, fmt.Errorf("bmp: declared msg_length %d exceeds remaining %d bytes", msgLen, len(remaining))
		}
		msgs = append(msgs, remaining[:msgLen])
		offset += int(msgLen)
	}
	return msgs, nil
}

// Parse decodes one complete BMP message: common header, per-peer header
// where the type carries one, and the payload that follows.
func Parse(data []byte) (*Message, error) {
	if len(data) < CommonHeaderSize {
		return nil, fmt.Errorf("bmp: message too short for common header (%d bytes)", len(data))
	}

	if v := data[0]; v != Version {
		return nil, fmt.Errorf("bmp: unsupported version %d (expected %d)", v, Version)
	}

	msgLen := binary.BigEndian.Uint32(data[1:5])
	msgType := data[5]

	if msgLen < uint32(CommonHeaderSize) {
		return nil, fmt.Errorf("bmp: declared msg_length %d smaller than common header size %d", msgLen, CommonHeaderSize)
	}
	if int(msgLen) > len(data) {
		return nil, fmt.Errorf("bmp: declared msg_length %d exceeds available data %d", msgLen, len(data))
	}

	body := data[CommonHeaderSize:msgLen]
	msg := &Message{Type: msgType}

	switch msgType {
	case MsgTypeRouteMonitoring, MsgTypePeerDown, MsgTypePeerUp, MsgTypeStatisticsReport, MsgTypeRouteMirroring:
		peer, err := parsePeerHeader(body)
		if err != nil {
			return nil, err
		}
		msg.Peer = peer
		msg.Payload = body[PerPeerHeaderSize:]
	case MsgTypeInitiation, MsgTypeTermination:
		msg.Payload = body
	default:
		return nil, fmt.Errorf("bmp: unknown message type %d", msgType)
	}

	return msg, nil
}

// parsePeerHeader decodes the 42-byte per-peer header (RFC 7854 §4.2).
func parsePeerHeader(data []byte) (*PeerHeader, error) {
	if len(data) < PerPeerHeaderSize {
		return nil, fmt.Errorf("bmp: %d bytes too short for per-peer header", len(data))
	}

	ph := &PeerHeader{
		Type:          data[0],
		Flags:         data[1],
		Distinguisher: binary.BigEndian.Uint64(data[2:10]),
		ASN:           binary.BigEndian.Uint32(data[26:30]),
		BGPID:         net.IP(data[30:34]).String(),
	}
	ph.Addr = peerAddrString(data[10:26], ph.Flags)

	sec := binary.BigEndian.Uint32(data[34:38])
	usec := binary.BigEndian.Uint32(data[38:42])
	if sec != 0 || usec != 0 {
		ph.Timestamp = time.Unix(int64(sec), int64(usec)*1000).UTC()
	}

	return ph, nil
}

// peerAddrString renders the 16-byte peer address field. The V flag selects
// IPv6; otherwise the address occupies the last 4 bytes (RFC 7854 encodes
// IPv4 as 12 zero bytes + 4 address bytes, which To4 does not recognize).
func peerAddrString(b []byte, flags uint8) string {
	if flags&PeerFlagIPv6 != 0 {
		return net.IP(b).String()
	}
	return net.IP(b[12:16]).String()
}

// SplitPeerUp decodes the fixed part of a Peer Up payload (RFC 7854 §4.10):
// local address (16) + local port (2) + remote port (2), then the sent and
// received OPEN messages.
func SplitPeerUp(payload []byte, peerFlags uint8) (PeerUpInfo, error) {
	const fixed = 16 + 2 + 2
	if len(payload) < fixed {
		return PeerUpInfo{}, fmt.Errorf("bmp: peer up payload too short (%d bytes)", len(payload))
	}
	return PeerUpInfo{
		LocalAddr:  peerAddrString(payload[:16], peerFlags),
		LocalPort:  binary.BigEndian.Uint16(payload[16:18]),
		RemotePort: binary.BigEndian.Uint16(payload[18:20]),
		OpenPair:   payload[fixed:],
	}, nil
}

// SplitPeerDown decodes a Peer Down payload (RFC 7854 §4.9): a reason code,
// followed by a BGP NOTIFICATION for reasons 1 and 3.
func SplitPeerDown(payload []byte) (PeerDownInfo, error) {
	if len(payload) < 1 {
		return PeerDownInfo{}, fmt.Errorf("bmp: peer down payload missing reason code")
	}
	info := PeerDownInfo{Reason: payload[0]}
	switch info.Reason {
	case PeerDownLocalNotification, PeerDownRemoteNotification:
		info.Notification = payload[1:]
	}
	return info, nil
}
