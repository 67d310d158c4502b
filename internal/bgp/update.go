package bgp

import "fmt"

// parseUpdateBody decodes the body of an UPDATE message (everything after
// the common header) in strict order: withdrawn routes, path attributes,
// NLRI. The three sections must account for every body byte; any length
// mismatch aborts the decode with nothing partial returned.
//
// asnWidth is the session's AS number width in octets, negotiated by the
// OPEN exchange and carried between calls by the Parser.
func parseUpdateBody(body []byte, asnWidth int) (*ParsedUpdate, error) {
	r := newReader(body)

	withdrawnLen, err := r.uint16()
	if err != nil {
		return nil, err
	}
	withdrawnBytes, err := r.take(int(withdrawnLen))
	if err != nil {
		return nil, err
	}
	withdrawn, err := parsePrefixes(newReader(withdrawnBytes), AFIIPv4)
	if err != nil {
		return nil, fmt.Errorf("withdrawn routes: %w", err)
	}

	attrLen, err := r.uint16()
	if err != nil {
		return nil, err
	}
	attrBytes, err := r.take(int(attrLen))
	if err != nil {
		return nil, err
	}
	set, err := parseAttributes(attrBytes, asnWidth)
	if err != nil {
		return nil, err
	}

	// NLRI fills the rest of the message.
	nlri, err := parsePrefixes(r, AFIIPv4)
	if err != nil {
		return nil, fmt.Errorf("nlri: %w", err)
	}

	upd := &ParsedUpdate{
		Withdrawn:  append(withdrawn, set.mpUnreach...),
		Attrs:      set.attrs,
		Advertised: append(nlri, set.mpReach...),
	}

	if len(upd.Attrs) > 0 {
		upd.PathHashID = PathHashID(upd.Attrs)
	}
	for i := range upd.Advertised {
		upd.Advertised[i].PathHashID = upd.PathHashID
	}

	return upd, nil
}

// IsEndOfRIB reports whether a parsed UPDATE is an End-of-RIB marker: no
// withdrawn routes, no NLRI, and either no attributes at all (IPv4) or only
// an empty MP_UNREACH_NLRI (RFC 4724).
func (u *ParsedUpdate) IsEndOfRIB() bool {
	if len(u.Withdrawn) != 0 || len(u.Advertised) != 0 {
		return false
	}
	switch len(u.Attrs) {
	case 0:
		return true
	case 1:
		_, ok := u.Attrs[AttrTypeMPUnreachNLRI]
		return ok
	}
	return false
}
