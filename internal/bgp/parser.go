package bgp

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Store is the persistence boundary for decoded UPDATE data. Within one
// UPDATE the parser calls StorePathAttributes before the prefix calls so
// prefixes never reference an attribute set that was not at least submitted.
// The parser never retries; implementations must tolerate concurrent calls
// from independent sessions.
type Store interface {
	StorePathAttributes(ctx context.Context, peer *PeerRef, hashID []byte, attrs AttributeMap) error
	StoreAdvertisedPrefixes(ctx context.Context, peer *PeerRef, prefixes []PrefixTuple) error
	StoreWithdrawnPrefixes(ctx context.Context, peer *PeerRef, prefixes []PrefixTuple) error
}

// Parser decodes the BGP messages of one monitored session. It is owned by
// exactly one session at a time: the AS number width and current path hash
// id carry forward between successive messages and must not be shared.
//
// The AS width starts at the configured default and is replaced by the
// negotiated value once the session's OPEN exchange is seen; every
// subsequent UPDATE on the session depends on it.
type Parser struct {
	store  Store
	peer   *PeerRef
	logger *zap.Logger
	debug  bool

	routerAddr string
	asnWidth   int
	pathHashID []byte
}

// Option configures a Parser at construction.
type Option func(*Parser)

// WithLogger sets the diagnostic logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Parser) { p.logger = logger }
}

// WithDebug enables per-message diagnostic logging. Purely observational.
func WithDebug(debug bool) Option {
	return func(p *Parser) { p.debug = debug }
}

// WithASNWidth sets the AS number width in octets used before the session's
// OPEN exchange is observed. Must be 2 or 4.
func WithASNWidth(width int) Option {
	return func(p *Parser) {
		if width == 2 || width == 4 {
			p.asnWidth = width
		}
	}
}

// NewParser builds a parser for one session. routerAddr is used only for
// diagnostic context.
func NewParser(store Store, peer *PeerRef, routerAddr string, opts ...Option) *Parser {
	p := &Parser{
		store:      store,
		peer:       peer,
		logger:     zap.NewNop(),
		routerAddr: routerAddr,
		asnWidth:   4,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ASNWidth returns the session's current AS number width in octets.
func (p *Parser) ASNWidth() int {
	return p.asnWidth
}

// HandleMessage parses one complete message and routes it by type. The
// buffer is borrowed for the duration of the call; nothing retains it.
//
//   - UPDATE: decode and push to the store; returns ErrPersistence on a
//     hard store failure.
//   - NOTIFICATION: fill down; no persistence (the caller owns session
//     teardown).
//   - OPEN: treat data as the sent/received OPEN pair of an up event, fill
//     up, and record the negotiated AS width for later UPDATEs.
//   - KEEPALIVE / ROUTE-REFRESH: nothing to decode.
//
// The returned type code is valid whenever the header parsed, even if the
// body failed.
func (p *Parser) HandleMessage(ctx context.Context, data []byte, up *PeerUpEvent, down *PeerDownEvent) (uint8, error) {
	hdr, err := ParseHeader(data)
	if err != nil {
		return hdr.Type, err
	}

	if p.debug {
		p.logger.Debug("bgp message",
			zap.String("router", p.routerAddr),
			zap.String("peer", p.peer.PeerIP),
			zap.Uint8("type", hdr.Type),
			zap.Uint16("length", hdr.Length),
		)
	}

	switch hdr.Type {
	case MsgTypeUpdate:
		return hdr.Type, p.HandleUpdate(ctx, data)
	case MsgTypeNotification:
		return hdr.Type, p.HandlePeerDown(data, down)
	case MsgTypeOpen:
		return hdr.Type, p.HandlePeerUp(data, up)
	case MsgTypeKeepalive, MsgTypeRouteRefresh:
		// Keepalive carries no body; route refresh needs no decoding here.
		return hdr.Type, nil
	}

	return hdr.Type, fmt.Errorf("%w: type %d", ErrUnknownMessageType, hdr.Type)
}

// HandleUpdate decodes one UPDATE message and pushes the result to the
// store: attributes first, then advertised prefixes tagged with the path
// hash id, then withdrawn prefixes. A malformed message aborts before any
// store call; a store failure surfaces as ErrPersistence without corrupting
// session state.
func (p *Parser) HandleUpdate(ctx context.Context, data []byte) error {
	hdr, err := ParseHeader(data)
	if err != nil {
		return err
	}
	if hdr.Type != MsgTypeUpdate {
		return fmt.Errorf("%w: expected UPDATE, got type %d", ErrUnknownMessageType, hdr.Type)
	}

	upd, err := parseUpdateBody(hdr.Body(data), p.asnWidth)
	if err != nil {
		return err
	}

	if upd.PathHashID != nil {
		p.pathHashID = upd.PathHashID
	}

	if p.debug {
		p.logger.Debug("update decoded",
			zap.String("router", p.routerAddr),
			zap.String("peer", p.peer.PeerIP),
			zap.Int("attrs", len(upd.Attrs)),
			zap.Int("advertised", len(upd.Advertised)),
			zap.Int("withdrawn", len(upd.Withdrawn)),
		)
	}

	return p.persistUpdate(ctx, upd)
}

func (p *Parser) persistUpdate(ctx context.Context, upd *ParsedUpdate) error {
	if len(upd.Attrs) > 0 {
		if err := p.store.StorePathAttributes(ctx, p.peer, upd.PathHashID, upd.Attrs); err != nil {
			return fmt.Errorf("%w: path attributes: %w", ErrPersistence, err)
		}
	}
	if len(upd.Advertised) > 0 {
		if err := p.store.StoreAdvertisedPrefixes(ctx, p.peer, upd.Advertised); err != nil {
			return fmt.Errorf("%w: advertised prefixes: %w", ErrPersistence, err)
		}
	}
	if len(upd.Withdrawn) > 0 {
		if err := p.store.StoreWithdrawnPrefixes(ctx, p.peer, upd.Withdrawn); err != nil {
			return fmt.Errorf("%w: withdrawn prefixes: %w", ErrPersistence, err)
		}
	}
	return nil
}

// HandlePeerDown extracts the NOTIFICATION error code, subcode, and data
// into the caller-supplied event. Nothing is persisted here: a down event
// has session-teardown implications the caller must drive.
func (p *Parser) HandlePeerDown(data []byte, down *PeerDownEvent) error {
	hdr, err := ParseHeader(data)
	if err != nil {
		return err
	}
	if hdr.Type != MsgTypeNotification {
		return fmt.Errorf("%w: expected NOTIFICATION, got type %d", ErrUnknownMessageType, hdr.Type)
	}

	if err := parseNotificationBody(hdr.Body(data), down); err != nil {
		return err
	}

	if p.debug {
		p.logger.Debug("peer down",
			zap.String("router", p.routerAddr),
			zap.String("peer", p.peer.PeerIP),
			zap.String("reason", down.Reason()),
		)
	}

	return nil
}

// HandlePeerUp parses the sent and received OPEN messages of an up event,
// laid out back to back in data, into the caller-supplied event. The session
// switches to 4-octet AS numbers only when both sides advertised the
// capability; that width governs every later UPDATE on this session.
func (p *Parser) HandlePeerUp(data []byte, up *PeerUpEvent) error {
	sentHdr, err := ParseHeader(data)
	if err != nil {
		return err
	}
	if sentHdr.Type != MsgTypeOpen {
		return fmt.Errorf("%w: expected OPEN, got type %d", ErrUnknownMessageType, sentHdr.Type)
	}
	if up.Sent, err = parseOpenBody(sentHdr.Body(data)); err != nil {
		return fmt.Errorf("sent open: %w", err)
	}

	recvHdr, err := ParseHeader(data[sentHdr.Length:])
	if err != nil {
		return fmt.Errorf("received open: %w", err)
	}
	if recvHdr.Type != MsgTypeOpen {
		return fmt.Errorf("%w: expected OPEN, got type %d", ErrUnknownMessageType, recvHdr.Type)
	}
	if up.Recv, err = parseOpenBody(recvHdr.Body(data[sentHdr.Length:])); err != nil {
		return fmt.Errorf("received open: %w", err)
	}

	if up.Sent.FourByteASN && up.Recv.FourByteASN {
		p.asnWidth = 4
	} else {
		p.asnWidth = 2
	}

	if p.debug {
		p.logger.Debug("peer up",
			zap.String("router", p.routerAddr),
			zap.String("peer", p.peer.PeerIP),
			zap.Uint32("remote_asn", up.Recv.ASN),
			zap.Int("asn_width", p.asnWidth),
		)
	}

	return nil
}
