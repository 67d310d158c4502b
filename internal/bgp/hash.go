package bgp

import (
	"crypto/sha256"
	"sort"
)

// PathHashIDSize is the width of a path hash id in bytes.
const PathHashIDSize = 16

// PathHashID computes the content hash correlating an attribute set with the
// prefixes advertised alongside it. The input is normalized by sorting type
// codes, so the id is stable across map iteration order: the same attribute
// set always yields the same id. SHA-256 truncated to 16 bytes.
func PathHashID(attrs AttributeMap) []byte {
	codes := make([]int, 0, len(attrs))
	for code := range attrs {
		codes = append(codes, int(code))
	}
	sort.Ints(codes)

	h := sha256.New()
	for _, code := range codes {
		attr := attrs[uint8(code)]
		h.Write([]byte{attr.Code, 0x00})
		if attr.Value != "" {
			h.Write([]byte(attr.Value))
		} else {
			h.Write(attr.Raw)
		}
		h.Write([]byte{0x00})
	}

	return h.Sum(nil)[:PathHashIDSize]
}
