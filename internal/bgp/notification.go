package bgp

// parseNotificationBody decodes the body of a NOTIFICATION message
// (RFC 4271 §4.5): error code, error subcode, and variable-length data
// filling the rest of the message. The data bytes are copied so the event
// outlives the borrowed input buffer.
func parseNotificationBody(body []byte, ev *PeerDownEvent) error {
	r := newReader(body)

	var err error
	if ev.Code, err = r.uint8(); err != nil {
		return err
	}
	if ev.Subcode, err = r.uint8(); err != nil {
		return err
	}

	rest, err := r.take(r.remaining())
	if err != nil {
		return err
	}
	if len(rest) > 0 {
		ev.Data = make([]byte, len(rest))
		copy(ev.Data, rest)
	}

	return nil
}
