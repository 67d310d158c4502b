package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/route-beacon/bgp-collector/internal/bgp"
	"github.com/route-beacon/bgp-collector/internal/bmp"
	"github.com/route-beacon/bgp-collector/internal/metrics"
)

// Store is the persistence surface the pipeline needs: the parser-facing
// UPDATE sink plus the peer table and event log.
type Store interface {
	bgp.Store
	UpsertPeer(ctx context.Context, peer *bgp.PeerRef, state string) error
	RecordPeerUp(ctx context.Context, peer *bgp.PeerRef, ev *bgp.PeerUpEvent, raw []byte) error
	RecordPeerDown(ctx context.Context, peer *bgp.PeerRef, ev *bgp.PeerDownEvent, raw []byte) error
}

// session pairs a monitored peer with the parser that owns its decode state
// (AS number width, current path hash id). peerStored flips once the peer
// row exists, so data writes never precede it.
type session struct {
	peer       *bgp.PeerRef
	parser     *bgp.Parser
	peerStored bool
}

// Pipeline turns raw collector records into database writes. Each record is
// an OpenBMP frame wrapping one or more BMP messages; route monitoring
// messages carry the BGP UPDATEs we are here for. Sessions are keyed by
// router, peer address, and distinguisher, and each gets its own parser.
//
// Pipeline is not safe for concurrent use; run exactly one per consumer.
type Pipeline struct {
	store           Store
	logger          *zap.Logger
	maxPayloadBytes int
	debugBGP        bool
	defaultASNWidth int

	sessions map[string]*session
}

func NewPipeline(store Store, logger *zap.Logger, maxPayloadBytes int, debugBGP bool, defaultASNWidth int) *Pipeline {
	return &Pipeline{
		store:           store,
		logger:          logger,
		maxPayloadBytes: maxPayloadBytes,
		debugBGP:        debugBGP,
		defaultASNWidth: defaultASNWidth,
		sessions:        make(map[string]*session),
	}
}

// Run processes record batches until the context is cancelled. Every record
// is acknowledged through flushed once its batch has been handled, including
// records that failed to decode: a poisonous frame must not stall partition
// progress.
func (p *Pipeline) Run(ctx context.Context, records <-chan []*kgo.Record, flushed chan<- []*kgo.Record) {
	for {
		select {
		case <-ctx.Done():
			return
		case recs, ok := <-records:
			if !ok {
				return
			}
			for _, rec := range recs {
				if err := p.HandleRecord(ctx, rec); err != nil {
					p.logger.Warn("record processing failed",
						zap.String("topic", rec.Topic),
						zap.Int64("offset", rec.Offset),
						zap.Error(err),
					)
				}
			}
			select {
			case flushed <- recs:
			case <-ctx.Done():
				return
			}
		}
	}
}

// HandleRecord unwraps one OpenBMP frame and dispatches every BMP message
// inside it.
func (p *Pipeline) HandleRecord(ctx context.Context, rec *kgo.Record) error {
	frame, err := bmp.DecodeFrame(rec.Value, p.maxPayloadBytes)
	if err != nil {
		metrics.ParseErrorsTotal.WithLabelValues("openbmp", "frame").Inc()
		return err
	}

	msgs, err := bmp.Split(frame.BMPBytes)
	if err != nil {
		metrics.ParseErrorsTotal.WithLabelValues("bmp", "split").Inc()
		// Messages split off before the error are still whole; process them.
		p.logger.Warn("bmp payload truncated mid-stream",
			zap.String("router", frame.RouterIP),
			zap.Error(err),
		)
	}

	for _, raw := range msgs {
		if err := p.handleBMPMessage(ctx, frame.RouterIP, raw); err != nil {
			metrics.ParseErrorsTotal.WithLabelValues("bmp", "message").Inc()
			p.logger.Warn("bmp message failed",
				zap.String("router", frame.RouterIP),
				zap.Error(err),
			)
		}
	}
	return nil
}

func (p *Pipeline) handleBMPMessage(ctx context.Context, routerIP string, raw []byte) error {
	msg, err := bmp.Parse(raw)
	if err != nil {
		return err
	}

	metrics.LastMsgTimestamp.WithLabelValues(routerIP).SetToCurrentTime()

	switch msg.Type {
	case bmp.MsgTypeRouteMonitoring:
		return p.handleRouteMonitoring(ctx, routerIP, msg)
	case bmp.MsgTypePeerUp:
		return p.handlePeerUp(ctx, routerIP, msg)
	case bmp.MsgTypePeerDown:
		return p.handlePeerDown(ctx, routerIP, msg)
	case bmp.MsgTypeInitiation, bmp.MsgTypeTermination, bmp.MsgTypeStatisticsReport, bmp.MsgTypeRouteMirroring:
		// Carried for session liveness only; nothing to persist.
		return nil
	}
	return fmt.Errorf("bmp: unhandled message type %d", msg.Type)
}

func (p *Pipeline) handleRouteMonitoring(ctx context.Context, routerIP string, msg *bmp.Message) error {
	sess := p.session(routerIP, msg.Peer)

	// Attribute and RIB rows reference the peer row. A session first seen
	// through route monitoring (consumer joined mid-stream) has no peer up
	// yet, so write the peer as "unknown" before any data lands.
	if err := p.ensurePeer(ctx, sess, "unknown"); err != nil {
		return err
	}

	// Route monitoring normally carries UPDATEs, but the parser can see any
	// message type here; scratch events absorb the rare OPEN/NOTIFICATION.
	var up bgp.PeerUpEvent
	var down bgp.PeerDownEvent
	msgType, err := sess.parser.HandleMessage(ctx, msg.Payload, &up, &down)
	metrics.MessagesTotal.WithLabelValues(routerIP, bgpTypeLabel(msgType)).Inc()
	if err != nil {
		metrics.ParseErrorsTotal.WithLabelValues("bgp", bgpTypeLabel(msgType)).Inc()
	}
	return err
}

func (p *Pipeline) handlePeerUp(ctx context.Context, routerIP string, msg *bmp.Message) error {
	info, err := bmp.SplitPeerUp(msg.Payload, msg.Peer.Flags)
	if err != nil {
		return err
	}

	sess := p.session(routerIP, msg.Peer)

	up := &bgp.PeerUpEvent{
		LocalAddr:  info.LocalAddr,
		LocalPort:  info.LocalPort,
		RemotePort: info.RemotePort,
		Timestamp:  msg.Peer.Timestamp,
	}
	if err := sess.parser.HandlePeerUp(info.OpenPair, up); err != nil {
		return err
	}

	metrics.MessagesTotal.WithLabelValues(routerIP, "open").Inc()

	if err := p.store.UpsertPeer(ctx, sess.peer, "up"); err != nil {
		return err
	}
	sess.peerStored = true
	if err := p.store.RecordPeerUp(ctx, sess.peer, up, msg.Payload); err != nil {
		return err
	}

	p.logger.Info("peer up",
		zap.String("router", routerIP),
		zap.String("peer", sess.peer.PeerIP),
		zap.Uint32("peer_asn", sess.peer.PeerASN),
		zap.Int("asn_width", sess.parser.ASNWidth()),
	)
	return nil
}

func (p *Pipeline) handlePeerDown(ctx context.Context, routerIP string, msg *bmp.Message) error {
	info, err := bmp.SplitPeerDown(msg.Payload)
	if err != nil {
		return err
	}

	sess := p.session(routerIP, msg.Peer)
	defer p.dropSession(routerIP, msg.Peer)

	down := &bgp.PeerDownEvent{}
	if len(info.Notification) > 0 {
		if err := sess.parser.HandlePeerDown(info.Notification, down); err != nil {
			metrics.ParseErrorsTotal.WithLabelValues("bgp", "notification").Inc()
			p.logger.Warn("peer down notification undecodable",
				zap.String("router", routerIP),
				zap.String("peer", sess.peer.PeerIP),
				zap.Error(err),
			)
			down = nil
		} else {
			metrics.MessagesTotal.WithLabelValues(routerIP, "notification").Inc()
		}
	} else {
		down = nil
	}

	if err := p.store.RecordPeerDown(ctx, sess.peer, down, msg.Payload); err != nil {
		return err
	}

	p.logger.Info("peer down",
		zap.String("router", routerIP),
		zap.String("peer", sess.peer.PeerIP),
		zap.Uint8("reason", info.Reason),
	)
	return nil
}

// session returns the tracked session for (router, peer), creating it on
// first sight. A session created by a route monitoring message before its
// peer up has the configured default AS width until the OPEN pair arrives.
func (p *Pipeline) session(routerIP string, ph *bmp.PeerHeader) *session {
	key := sessionKey(routerIP, ph)
	if sess, ok := p.sessions[key]; ok {
		return sess
	}

	peer := &bgp.PeerRef{
		HashID:   peerHashID(routerIP, ph),
		RouterIP: routerIP,
		PeerIP:   ph.Addr,
		PeerASN:  ph.ASN,
		BGPID:    ph.BGPID,
	}
	sess := &session{
		peer: peer,
		parser: bgp.NewParser(p.store, peer, routerIP,
			bgp.WithLogger(p.logger),
			bgp.WithDebug(p.debugBGP),
			bgp.WithASNWidth(p.defaultASNWidth),
		),
	}
	p.sessions[key] = sess
	metrics.PeerSessions.WithLabelValues(routerIP).Set(float64(p.routerSessionCount(routerIP)))
	return sess
}

// ensurePeer upserts the peer row once per session. A failed upsert leaves
// peerStored false so the next message retries before writing data.
func (p *Pipeline) ensurePeer(ctx context.Context, sess *session, state string) error {
	if sess.peerStored {
		return nil
	}
	if err := p.store.UpsertPeer(ctx, sess.peer, state); err != nil {
		return fmt.Errorf("peer row for %s: %w", sess.peer.PeerIP, err)
	}
	sess.peerStored = true
	return nil
}

func (p *Pipeline) dropSession(routerIP string, ph *bmp.PeerHeader) {
	delete(p.sessions, sessionKey(routerIP, ph))
	metrics.PeerSessions.WithLabelValues(routerIP).Set(float64(p.routerSessionCount(routerIP)))
}

func (p *Pipeline) routerSessionCount(routerIP string) int {
	n := 0
	prefix := routerIP + "|"
	for key := range p.sessions {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func sessionKey(routerIP string, ph *bmp.PeerHeader) string {
	return fmt.Sprintf("%s|%s|%d", routerIP, ph.Addr, ph.Distinguisher)
}

// peerHashID derives the stable 16-byte identity a peer is stored under,
// from the same fields the session key uses.
func peerHashID(routerIP string, ph *bmp.PeerHeader) []byte {
	h := sha256.New()
	h.Write([]byte(routerIP))
	h.Write([]byte{0})
	h.Write([]byte(ph.Addr))
	h.Write([]byte{0})
	var rd [8]byte
	binary.BigEndian.PutUint64(rd[:], ph.Distinguisher)
	h.Write(rd[:])
	return h.Sum(nil)[:16]
}

func bgpTypeLabel(t uint8) string {
	switch t {
	case bgp.MsgTypeOpen:
		return "open"
	case bgp.MsgTypeUpdate:
		return "update"
	case bgp.MsgTypeNotification:
		return "notification"
	case bgp.MsgTypeKeepalive:
		return "keepalive"
	case bgp.MsgTypeRouteRefresh:
		return "route_refresh"
	}
	return "unknown"
}
