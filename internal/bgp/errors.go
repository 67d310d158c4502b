package bgp

import "errors"

// Decode failures fall into a fixed taxonomy so callers can decide how to
// react with errors.Is. Every error returned by this package wraps exactly
// one of these sentinels.
var (
	// ErrTruncatedHeader is returned when fewer than 19 bytes are available
	// for the common header.
	ErrTruncatedHeader = errors.New("bgp: truncated header")

	// ErrInvalidLength is returned when the header length field is outside
	// [19, 4096] or exceeds the supplied buffer.
	ErrInvalidLength = errors.New("bgp: invalid message length")

	// ErrUnknownMessageType is returned for a type code outside 1..5.
	ErrUnknownMessageType = errors.New("bgp: unknown message type")

	// ErrBufferOverrun is returned when a field read would consume more
	// bytes than remain in the message.
	ErrBufferOverrun = errors.New("bgp: read past remaining bytes")

	// ErrMalformedAttribute is returned for a structurally invalid path
	// attribute (bad length/flag combination, truncated segment).
	ErrMalformedAttribute = errors.New("bgp: malformed path attribute")

	// ErrMalformedPrefix is returned when a prefix length exceeds the
	// address family bound or its bytes are truncated.
	ErrMalformedPrefix = errors.New("bgp: malformed prefix")

	// ErrPersistence is returned when the store rejects decoded data.
	// Parser state stays valid; the next message may still be parsed.
	ErrPersistence = errors.New("bgp: persistence failure")
)
