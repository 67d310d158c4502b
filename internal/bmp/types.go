package bmp

import "time"

// BMP message type codes (RFC 7854).
const (
	MsgTypeRouteMonitoring  uint8 = 0
	MsgTypeStatisticsReport uint8 = 1
	MsgTypePeerDown         uint8 = 2
	MsgTypePeerUp           uint8 = 3
	MsgTypeInitiation       uint8 = 4
	MsgTypeTermination      uint8 = 5
	MsgTypeRouteMirroring   uint8 = 6
)

// Header sizes.
const (
	CommonHeaderSize  = 6  // version(1) + msg_length(4) + msg_type(1)
	PerPeerHeaderSize = 42 // type(1) + flags(1) + distinguisher(8) + addr(16) + AS(4) + BGPID(4) + ts_sec(4) + ts_usec(4)
)

// Version is the expected BMP protocol version.
const Version uint8 = 3

// PeerFlagIPv6 is the V-bit in peer_flags: the peer address is IPv6.
const PeerFlagIPv6 uint8 = 0x80

// Peer Down reason codes (RFC 7854 §4.9). Reasons 1 and 3 carry an embedded
// BGP NOTIFICATION message.
const (
	PeerDownLocalNotification    uint8 = 1
	PeerDownLocalNoNotification  uint8 = 2
	PeerDownRemoteNotification   uint8 = 3
	PeerDownRemoteNoNotification uint8 = 4
)

// PeerHeader is the decoded per-peer header (RFC 7854 §4.2) identifying
// which monitored session a message belongs to.
type PeerHeader struct {
	Type          uint8
	Flags         uint8
	Distinguisher uint64
	Addr          string
	ASN           uint32
	BGPID         string
	Timestamp     time.Time
}

// Message is one decoded BMP message. Peer is nil for initiation and
// termination messages, which carry no per-peer header. Payload holds the
// bytes after the per-peer header (or after the common header when there is
// none) and aliases the input buffer.
type Message struct {
	Type    uint8
	Peer    *PeerHeader
	Payload []byte
}

// PeerUpInfo is the fixed part of a Peer Up payload (RFC 7854 §4.10).
// OpenPair holds the sent and received OPEN messages back to back.
type PeerUpInfo struct {
	LocalAddr  string
	LocalPort  uint16
	RemotePort uint16
	OpenPair   []byte
}

// PeerDownInfo is a decoded Peer Down payload. Notification is nil when the
// reason code carries no embedded NOTIFICATION message.
type PeerDownInfo struct {
	Reason       uint8
	Notification []byte
}
