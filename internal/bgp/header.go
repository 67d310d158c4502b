package bgp

import (
	"encoding/binary"
	"fmt"
)

// ParseHeader decodes the fixed 19-byte common header from the front of data.
// The length field must lie in [19, 4096] and must not claim more bytes than
// the caller supplied; the type code must be one of the five known messages.
func ParseHeader(data []byte) (CommonHeader, error) {
	var hdr CommonHeader

	if len(data) < HeaderSize {
		return hdr, fmt.Errorf("%w: %d bytes, need %d", ErrTruncatedHeader, len(data), HeaderSize)
	}

	copy(hdr.Marker[:], data[:16])
	hdr.Length = binary.BigEndian.Uint16(data[16:18])
	hdr.Type = data[18]

	if hdr.Length < HeaderSize || hdr.Length > MaxMessageSize {
		return hdr, fmt.Errorf("%w: length %d outside [%d, %d]",
			ErrInvalidLength, hdr.Length, HeaderSize, MaxMessageSize)
	}
	if int(hdr.Length) > len(data) {
		return hdr, fmt.Errorf("%w: length %d exceeds buffer of %d bytes",
			ErrInvalidLength, hdr.Length, len(data))
	}

	switch hdr.Type {
	case MsgTypeOpen, MsgTypeUpdate, MsgTypeNotification, MsgTypeKeepalive, MsgTypeRouteRefresh:
	default:
		return hdr, fmt.Errorf("%w: type %d", ErrUnknownMessageType, hdr.Type)
	}

	return hdr, nil
}

// Body returns the message body described by an already-validated header:
// the length - 19 bytes following the common header.
func (h CommonHeader) Body(data []byte) []byte {
	return data[HeaderSize:h.Length]
}
