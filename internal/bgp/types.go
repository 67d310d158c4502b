package bgp

import (
	"fmt"
	"net"
	"time"
)

// BGP message types (RFC 4271, RFC 2918).
const (
	MsgTypeOpen         uint8 = 1
	MsgTypeUpdate       uint8 = 2
	MsgTypeNotification uint8 = 3
	MsgTypeKeepalive    uint8 = 4
	MsgTypeRouteRefresh uint8 = 5
)

// BGP path attribute type codes.
const (
	AttrTypeOrigin          uint8 = 1
	AttrTypeASPath          uint8 = 2
	AttrTypeNextHop         uint8 = 3
	AttrTypeMED             uint8 = 4
	AttrTypeLocalPref       uint8 = 5
	AttrTypeAtomicAggregate uint8 = 6
	AttrTypeAggregator      uint8 = 7
	AttrTypeCommunity       uint8 = 8
	AttrTypeMPReachNLRI     uint8 = 14
	AttrTypeMPUnreachNLRI   uint8 = 15
	AttrTypeExtCommunity    uint8 = 16
	AttrTypeLargeCommunity  uint8 = 32
)

// Attribute flag bits.
const (
	AttrFlagOptional   uint8 = 0x80
	AttrFlagTransitive uint8 = 0x40
	AttrFlagPartial    uint8 = 0x20
	AttrFlagExtLength  uint8 = 0x10
)

// AFI codes.
const (
	AFIIPv4 uint16 = 1
	AFIIPv6 uint16 = 2
)

// SAFI codes.
const (
	SAFIUnicast uint8 = 1
)

// AS_PATH segment types.
const (
	ASPathSegmentSet      uint8 = 1
	ASPathSegmentSequence uint8 = 2
)

// Origin values.
var OriginValues = map[uint8]string{
	0: "IGP",
	1: "EGP",
	2: "INCOMPLETE",
}

// Common header size: marker(16) + length(2) + type(1) = 19.
const HeaderSize = 19

// MaxMessageSize is the RFC 4271 upper bound on one message.
const MaxMessageSize = 4096

// ASTrans is the 2-octet placeholder AS announced by RFC 6793 speakers.
const ASTrans uint32 = 23456

// CapFourOctetASN is the capability code for 4-octet AS support (RFC 6793).
const CapFourOctetASN uint8 = 65

// CommonHeader is the fixed 19-byte header preceding every message. The
// marker is carried for diagnostics but not validated; RFC 4271 requires it
// to be all ones and offers no other use for it.
type CommonHeader struct {
	Marker [16]byte
	Length uint16
	Type   uint8
}

// PrefixTuple is one routing prefix from an UPDATE. Addr holds the encoded
// prefix bytes zero-padded to the address family width. PathHashID links an
// advertised prefix to the attribute set decoded in the same UPDATE; it is
// nil on withdrawn prefixes.
type PrefixTuple struct {
	AFI        uint16
	Length     uint8
	Addr       []byte
	PathHashID []byte
}

// CIDR renders the prefix in the usual prefix/len notation.
func (p PrefixTuple) CIDR() string {
	return fmt.Sprintf("%s/%d", net.IP(p.Addr).String(), p.Length)
}

// Attribute is a single decoded path attribute. Value is the normalized
// textual form for known types and the hex rendering for unknown ones; Raw
// always holds the wire bytes and is the canonical form persisted for
// unrecognized attributes.
type Attribute struct {
	Flags uint8
	Code  uint8
	Value string
	Raw   []byte
}

// AttributeMap keys decoded attributes by type code. Codes are unique within
// one UPDATE; insertion order carries no meaning.
type AttributeMap map[uint8]Attribute

// ParsedUpdate aggregates everything decoded from one UPDATE message.
// Advertised includes both classic NLRI and MP_REACH_NLRI prefixes;
// Withdrawn includes classic withdrawn routes and MP_UNREACH_NLRI.
type ParsedUpdate struct {
	Withdrawn  []PrefixTuple
	Attrs      AttributeMap
	Advertised []PrefixTuple
	PathHashID []byte
}

// OpenInfo carries the fields of one OPEN message. ASN is the 4-octet value
// when the capability resolves AS_TRANS, otherwise the 2-octet field widened.
type OpenInfo struct {
	Version     uint8
	ASN         uint32
	HoldTime    uint16
	BGPID       string
	FourByteASN bool
	Caps        []uint8
}

// PeerUpEvent is filled in place from the sent/received OPEN exchange of a
// session establishment. The caller owns the record; the parser only writes
// into it.
type PeerUpEvent struct {
	LocalAddr  string
	LocalPort  uint16
	RemotePort uint16
	Sent       OpenInfo
	Recv       OpenInfo
	Timestamp  time.Time
}

// PeerDownEvent is filled in place from a NOTIFICATION message.
type PeerDownEvent struct {
	Code    uint8
	Subcode uint8
	Data    []byte
}

// Notification error code names (RFC 4271 §4.5, RFC 4486).
var notifCodeNames = map[uint8]string{
	1: "Message Header Error",
	2: "OPEN Message Error",
	3: "UPDATE Message Error",
	4: "Hold Timer Expired",
	5: "Finite State Machine Error",
	6: "Cease",
}

// Reason renders the code/subcode pair for logs and peer event rows.
func (e PeerDownEvent) Reason() string {
	name, ok := notifCodeNames[e.Code]
	if !ok {
		name = "Unknown"
	}
	return fmt.Sprintf("%s (%d/%d)", name, e.Code, e.Subcode)
}

// PeerRef identifies the monitored peer a decoded message belongs to. The
// session layer populates it once and hands it to the parser; the store uses
// HashID as the peer entry key.
type PeerRef struct {
	HashID   []byte
	RouterIP string
	PeerIP   string
	PeerASN  uint32
	BGPID    string
}
