package bgp

import (
	"fmt"
	"net"
)

// parseOpenBody decodes the body of an OPEN message (RFC 4271 §4.2):
// version(1) + my_as(2) + hold_time(2) + bgp_id(4) + opt_parm_len(1) +
// optional parameters. When the 2-octet AS field carries AS_TRANS the real
// ASN is taken from the 4-octet AS capability (RFC 6793).
func parseOpenBody(body []byte) (OpenInfo, error) {
	var info OpenInfo
	r := newReader(body)

	var err error
	if info.Version, err = r.uint8(); err != nil {
		return info, err
	}
	asn16, err := r.uint16()
	if err != nil {
		return info, err
	}
	info.ASN = uint32(asn16)
	if info.HoldTime, err = r.uint16(); err != nil {
		return info, err
	}
	bgpID, err := r.take(4)
	if err != nil {
		return info, err
	}
	info.BGPID = net.IP(bgpID).String()

	optParmLen, err := r.uint8()
	if err != nil {
		return info, err
	}
	optParams, err := r.take(int(optParmLen))
	if err != nil {
		return info, fmt.Errorf("optional parameters: %w", err)
	}

	if err := scanCapabilities(optParams, &info); err != nil {
		return info, err
	}

	return info, nil
}

// scanCapabilities walks the OPEN optional parameters (RFC 5492: each is
// type(1) + length(1) + value; type 2 wraps a list of capabilities, each
// code(1) + length(1) + value) and records the capability codes seen. A
// 4-octet AS capability (code 65) sets FourByteASN and, when the 2-octet
// field was AS_TRANS, supplies the real ASN.
func scanCapabilities(optParams []byte, info *OpenInfo) error {
	r := newReader(optParams)

	for r.remaining() > 0 {
		paramType, err := r.uint8()
		if err != nil {
			return err
		}
		paramLen, err := r.uint8()
		if err != nil {
			return err
		}
		value, err := r.take(int(paramLen))
		if err != nil {
			return fmt.Errorf("optional parameter %d: %w", paramType, err)
		}

		if paramType != 2 {
			continue
		}

		cr := newReader(value)
		for cr.remaining() > 0 {
			capCode, err := cr.uint8()
			if err != nil {
				return err
			}
			capLen, err := cr.uint8()
			if err != nil {
				return err
			}
			capValue, err := cr.take(int(capLen))
			if err != nil {
				return fmt.Errorf("capability %d: %w", capCode, err)
			}

			info.Caps = append(info.Caps, capCode)

			if capCode == CapFourOctetASN && capLen == 4 {
				info.FourByteASN = true
				as4 := uint32(capValue[0])<<24 | uint32(capValue[1])<<16 |
					uint32(capValue[2])<<8 | uint32(capValue[3])
				if info.ASN == ASTrans {
					info.ASN = as4
				}
			}
		}
	}

	return nil
}
