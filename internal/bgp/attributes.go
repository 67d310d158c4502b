package bgp

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
)

// attrSet is the working result of the path-attribute section. MPReach and
// MPUnreach prefixes are folded into the advertised/withdrawn lists by the
// update decoder.
type attrSet struct {
	attrs     AttributeMap
	mpReach   []PrefixTuple
	mpUnreach []PrefixTuple
}

// parseAttributes walks the path-attribute section until it is exhausted.
// Each attribute carries flags, a type code, and a 1- or 2-octet length
// selected by the extended-length flag bit. Unknown type codes are kept
// opaquely (type + raw bytes); structural violations abort the decode.
// asnWidth is the session's negotiated AS number width in octets.
func parseAttributes(data []byte, asnWidth int) (*attrSet, error) {
	set := &attrSet{attrs: make(AttributeMap)}
	r := newReader(data)

	for r.remaining() > 0 {
		flags, err := r.uint8()
		if err != nil {
			return nil, fmt.Errorf("%w: truncated flags at offset %d", ErrMalformedAttribute, r.off)
		}
		code, err := r.uint8()
		if err != nil {
			return nil, fmt.Errorf("%w: truncated type code at offset %d", ErrMalformedAttribute, r.off)
		}

		var attrLen int
		if flags&AttrFlagExtLength != 0 {
			v, err := r.uint16()
			if err != nil {
				return nil, fmt.Errorf("%w: truncated extended length (type %d)", ErrMalformedAttribute, code)
			}
			attrLen = int(v)
		} else {
			v, err := r.uint8()
			if err != nil {
				return nil, fmt.Errorf("%w: truncated length (type %d)", ErrMalformedAttribute, code)
			}
			attrLen = int(v)
		}

		value, err := r.take(attrLen)
		if err != nil {
			return nil, fmt.Errorf("%w: type %d claims %d bytes, %d remain",
				ErrMalformedAttribute, code, attrLen, r.remaining())
		}

		attr := Attribute{Flags: flags, Code: code, Raw: value}

		switch code {
		case AttrTypeOrigin:
			attr.Value, err = decodeOrigin(value)
		case AttrTypeASPath:
			attr.Value, err = decodeASPath(value, asnWidth)
		case AttrTypeNextHop:
			attr.Value, err = decodeNextHop(value)
		case AttrTypeMED, AttrTypeLocalPref:
			attr.Value, err = decodeUint32Attr(value, code)
		case AttrTypeAtomicAggregate:
			// Zero-length marker attribute.
			if len(value) != 0 {
				err = fmt.Errorf("%w: ATOMIC_AGGREGATE with %d value bytes", ErrMalformedAttribute, len(value))
			}
		case AttrTypeAggregator:
			attr.Value, err = decodeAggregator(value, asnWidth)
		case AttrTypeCommunity:
			attr.Value, err = decodeCommunities(value)
		case AttrTypeExtCommunity:
			attr.Value, err = decodeExtCommunities(value)
		case AttrTypeLargeCommunity:
			attr.Value, err = decodeLargeCommunities(value)
		case AttrTypeMPReachNLRI:
			set.mpReach, err = decodeMPReach(value, set)
		case AttrTypeMPUnreachNLRI:
			set.mpUnreach, err = decodeMPUnreach(value)
		default:
			attr.Value = hex.EncodeToString(value)
		}
		if err != nil {
			return nil, err
		}

		set.attrs[code] = attr
	}

	return set, nil
}

func decodeOrigin(data []byte) (string, error) {
	if len(data) != 1 {
		return "", fmt.Errorf("%w: ORIGIN length %d", ErrMalformedAttribute, len(data))
	}
	if v, ok := OriginValues[data[0]]; ok {
		return v, nil
	}
	return fmt.Sprintf("UNKNOWN(%d)", data[0]), nil
}

// decodeASPath renders the AS path as space-separated segments, sets in
// braces. AS numbers are read at asnWidth octets; a width mismatch here
// silently corrupts every later field, which is why segment byte counts are
// checked against the exact remaining length.
func decodeASPath(data []byte, asnWidth int) (string, error) {
	var segments []string
	r := newReader(data)

	for r.remaining() > 0 {
		segType, err := r.uint8()
		if err != nil {
			return "", fmt.Errorf("%w: truncated AS_PATH segment header", ErrMalformedAttribute)
		}
		segLen, err := r.uint8()
		if err != nil {
			return "", fmt.Errorf("%w: truncated AS_PATH segment header", ErrMalformedAttribute)
		}

		asns := make([]string, segLen)
		for i := range asns {
			asn, err := r.asn(asnWidth)
			if err != nil {
				return "", fmt.Errorf("%w: AS_PATH segment needs %d ASNs of %d octets",
					ErrMalformedAttribute, segLen, asnWidth)
			}
			asns[i] = fmt.Sprintf("%d", asn)
		}

		switch segType {
		case ASPathSegmentSequence:
			segments = append(segments, strings.Join(asns, " "))
		case ASPathSegmentSet:
			segments = append(segments, "{"+strings.Join(asns, ",")+"}")
		default:
			return "", fmt.Errorf("%w: AS_PATH segment type %d", ErrMalformedAttribute, segType)
		}
	}

	return strings.Join(segments, " "), nil
}

func decodeNextHop(data []byte) (string, error) {
	switch len(data) {
	case 4, 16:
		return net.IP(data).String(), nil
	}
	return "", fmt.Errorf("%w: NEXT_HOP length %d", ErrMalformedAttribute, len(data))
}

func decodeUint32Attr(data []byte, code uint8) (string, error) {
	if len(data) != 4 {
		return "", fmt.Errorf("%w: type %d length %d, want 4", ErrMalformedAttribute, code, len(data))
	}
	return fmt.Sprintf("%d", binary.BigEndian.Uint32(data)), nil
}

func decodeAggregator(data []byte, asnWidth int) (string, error) {
	if len(data) != asnWidth+4 {
		return "", fmt.Errorf("%w: AGGREGATOR length %d, want %d", ErrMalformedAttribute, len(data), asnWidth+4)
	}
	var asn uint32
	if asnWidth == 2 {
		asn = uint32(binary.BigEndian.Uint16(data[:2]))
	} else {
		asn = binary.BigEndian.Uint32(data[:4])
	}
	return fmt.Sprintf("%d %s", asn, net.IP(data[asnWidth:]).String()), nil
}

func decodeCommunities(data []byte) (string, error) {
	if len(data)%4 != 0 {
		return "", fmt.Errorf("%w: COMMUNITY length %d not a multiple of 4", ErrMalformedAttribute, len(data))
	}
	comms := make([]string, 0, len(data)/4)
	for i := 0; i+4 <= len(data); i += 4 {
		hi := binary.BigEndian.Uint16(data[i : i+2])
		lo := binary.BigEndian.Uint16(data[i+2 : i+4])
		comms = append(comms, fmt.Sprintf("%d:%d", hi, lo))
	}
	return strings.Join(comms, " "), nil
}

func decodeExtCommunities(data []byte) (string, error) {
	if len(data)%8 != 0 {
		return "", fmt.Errorf("%w: EXT_COMMUNITY length %d not a multiple of 8", ErrMalformedAttribute, len(data))
	}
	comms := make([]string, 0, len(data)/8)
	for i := 0; i+8 <= len(data); i += 8 {
		comms = append(comms, decodeExtCommunity(data[i:i+8]))
	}
	return strings.Join(comms, " "), nil
}

// decodeExtCommunity decodes a single 8-byte extended community.
// Recognises Route Target (subtype 0x02) and Route Origin / Site-of-Origin
// (subtype 0x03) for 2-octet AS, IPv4, and 4-octet AS types; anything else
// falls back to hex.
func decodeExtCommunity(data []byte) string {
	typeLow := data[1]

	// Mask the transitive bit for matching.
	switch data[0] & 0x3F {
	case 0x00: // 2-Octet AS Specific
		asn := binary.BigEndian.Uint16(data[2:4])
		val := binary.BigEndian.Uint32(data[4:8])
		switch typeLow {
		case 0x02:
			return fmt.Sprintf("RT:%d:%d", asn, val)
		case 0x03:
			return fmt.Sprintf("SOO:%d:%d", asn, val)
		}
	case 0x01: // IPv4 Address Specific
		ip := net.IP(data[2:6]).String()
		val := binary.BigEndian.Uint16(data[6:8])
		switch typeLow {
		case 0x02:
			return fmt.Sprintf("RT:%s:%d", ip, val)
		case 0x03:
			return fmt.Sprintf("SOO:%s:%d", ip, val)
		}
	case 0x02: // 4-Octet AS Specific
		asn := binary.BigEndian.Uint32(data[2:6])
		val := binary.BigEndian.Uint16(data[6:8])
		switch typeLow {
		case 0x02:
			return fmt.Sprintf("RT:%d:%d", asn, val)
		case 0x03:
			return fmt.Sprintf("SOO:%d:%d", asn, val)
		}
	}

	return hex.EncodeToString(data)
}

func decodeLargeCommunities(data []byte) (string, error) {
	if len(data)%12 != 0 {
		return "", fmt.Errorf("%w: LARGE_COMMUNITY length %d not a multiple of 12", ErrMalformedAttribute, len(data))
	}
	comms := make([]string, 0, len(data)/12)
	for i := 0; i+12 <= len(data); i += 12 {
		global := binary.BigEndian.Uint32(data[i : i+4])
		data1 := binary.BigEndian.Uint32(data[i+4 : i+8])
		data2 := binary.BigEndian.Uint32(data[i+8 : i+12])
		comms = append(comms, fmt.Sprintf("%d:%d:%d", global, data1, data2))
	}
	return strings.Join(comms, " "), nil
}

// decodeMPReach extracts next-hop and NLRI from an MP_REACH_NLRI attribute
// (RFC 4760). Non-unicast SAFIs are skipped; the raw bytes still land in the
// attribute map. The next hop is stored into the set's NEXT_HOP slot only
// when the classic attribute is absent.
func decodeMPReach(data []byte, set *attrSet) ([]PrefixTuple, error) {
	r := newReader(data)

	afi, err := r.uint16()
	if err != nil {
		return nil, fmt.Errorf("%w: MP_REACH_NLRI truncated AFI", ErrMalformedAttribute)
	}
	safi, err := r.uint8()
	if err != nil {
		return nil, fmt.Errorf("%w: MP_REACH_NLRI truncated SAFI", ErrMalformedAttribute)
	}
	if safi != SAFIUnicast {
		return nil, nil
	}

	nhLen, err := r.uint8()
	if err != nil {
		return nil, fmt.Errorf("%w: MP_REACH_NLRI truncated next-hop length", ErrMalformedAttribute)
	}
	nh, err := r.take(int(nhLen))
	if err != nil {
		return nil, fmt.Errorf("%w: MP_REACH_NLRI next-hop claims %d bytes", ErrMalformedAttribute, nhLen)
	}

	var nexthop string
	switch nhLen {
	case 4, 16:
		nexthop = net.IP(nh).String()
	case 32:
		// Global + link-local; use the global address.
		nexthop = net.IP(nh[:16]).String()
	}
	if nexthop != "" {
		if _, ok := set.attrs[AttrTypeNextHop]; !ok {
			set.attrs[AttrTypeNextHop] = Attribute{Code: AttrTypeNextHop, Value: nexthop}
		}
	}

	// SNPA entries (RFC 4760: 1-byte count, then N x {1-byte len in
	// semi-octets, payload}).
	snpaCount, err := r.uint8()
	if err != nil {
		return nil, fmt.Errorf("%w: MP_REACH_NLRI truncated SNPA count", ErrMalformedAttribute)
	}
	for i := 0; i < int(snpaCount); i++ {
		snpaLen, err := r.uint8()
		if err != nil {
			return nil, fmt.Errorf("%w: MP_REACH_NLRI truncated SNPA entry", ErrMalformedAttribute)
		}
		if _, err := r.take((int(snpaLen) + 1) / 2); err != nil {
			return nil, fmt.Errorf("%w: MP_REACH_NLRI truncated SNPA entry", ErrMalformedAttribute)
		}
	}

	return parsePrefixes(r, afi)
}

func decodeMPUnreach(data []byte) ([]PrefixTuple, error) {
	r := newReader(data)

	afi, err := r.uint16()
	if err != nil {
		return nil, fmt.Errorf("%w: MP_UNREACH_NLRI truncated AFI", ErrMalformedAttribute)
	}
	safi, err := r.uint8()
	if err != nil {
		return nil, fmt.Errorf("%w: MP_UNREACH_NLRI truncated SAFI", ErrMalformedAttribute)
	}
	if safi != SAFIUnicast {
		return nil, nil
	}

	return parsePrefixes(r, afi)
}

// parsePrefixes consumes the rest of the reader as a run of prefix entries:
// one length-in-bits octet followed by ceil(length/8) octets of prefix data.
// A length over the address family bound or a short final entry aborts the
// decode; nothing partial is returned.
func parsePrefixes(r *reader, afi uint16) ([]PrefixTuple, error) {
	maxBytes := afiAddrLen(afi)
	if maxBytes == 0 {
		return nil, fmt.Errorf("%w: unsupported AFI %d", ErrMalformedPrefix, afi)
	}

	var prefixes []PrefixTuple
	for r.remaining() > 0 {
		bits, err := r.uint8()
		if err != nil {
			return nil, err
		}
		if int(bits) > maxBytes*8 {
			return nil, fmt.Errorf("%w: length %d bits exceeds AFI %d bound", ErrMalformedPrefix, bits, afi)
		}

		byteLen := (int(bits) + 7) / 8
		b, err := r.take(byteLen)
		if err != nil {
			return nil, fmt.Errorf("%w: /%d prefix needs %d bytes, %d remain",
				ErrMalformedPrefix, bits, byteLen, r.remaining())
		}

		addr := make([]byte, maxBytes)
		copy(addr, b)
		prefixes = append(prefixes, PrefixTuple{AFI: afi, Length: bits, Addr: addr})
	}

	return prefixes, nil
}

func afiAddrLen(afi uint16) int {
	switch afi {
	case AFIIPv4:
		return 4
	case AFIIPv6:
		return 16
	default:
		return 0
	}
}
