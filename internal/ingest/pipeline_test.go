package ingest

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/route-beacon/bgp-collector/internal/bgp"
	"github.com/route-beacon/bgp-collector/internal/bmp"
)

// fakeStore records every pipeline store interaction, in order.
type fakeStore struct {
	attrSets   int
	advertised []string
	withdrawn  []string
	peerStates []string
	calls      []string
	ups        int
	downs      int
	lastPeer   *bgp.PeerRef
	failUpsert error
}

func (f *fakeStore) StorePathAttributes(_ context.Context, peer *bgp.PeerRef, _ []byte, _ bgp.AttributeMap) error {
	f.attrSets++
	f.calls = append(f.calls, "attrs")
	f.lastPeer = peer
	return nil
}

func (f *fakeStore) StoreAdvertisedPrefixes(_ context.Context, peer *bgp.PeerRef, prefixes []bgp.PrefixTuple) error {
	f.calls = append(f.calls, "advertised")
	f.lastPeer = peer
	for _, p := range prefixes {
		f.advertised = append(f.advertised, p.CIDR())
	}
	return nil
}

func (f *fakeStore) StoreWithdrawnPrefixes(_ context.Context, peer *bgp.PeerRef, prefixes []bgp.PrefixTuple) error {
	f.calls = append(f.calls, "withdrawn")
	f.lastPeer = peer
	for _, p := range prefixes {
		f.withdrawn = append(f.withdrawn, p.CIDR())
	}
	return nil
}

func (f *fakeStore) UpsertPeer(_ context.Context, peer *bgp.PeerRef, state string) error {
	if f.failUpsert != nil {
		return f.failUpsert
	}
	f.calls = append(f.calls, "upsert:"+state)
	f.lastPeer = peer
	f.peerStates = append(f.peerStates, state)
	return nil
}

func (f *fakeStore) RecordPeerUp(_ context.Context, _ *bgp.PeerRef, _ *bgp.PeerUpEvent, _ []byte) error {
	f.ups++
	return nil
}

func (f *fakeStore) RecordPeerDown(_ context.Context, _ *bgp.PeerRef, _ *bgp.PeerDownEvent, _ []byte) error {
	f.downs++
	return nil
}

// --- wire builders ---

func buildBGPMessage(msgType uint8, body []byte) []byte {
	msg := make([]byte, 19+len(body))
	for i := 0; i < 16; i++ {
		msg[i] = 0xFF
	}
	binary.BigEndian.PutUint16(msg[16:18], uint16(len(msg)))
	msg[18] = msgType
	copy(msg[19:], body)
	return msg
}

func buildBGPUpdate(withdrawn, pathAttrs, nlri []byte) []byte {
	body := make([]byte, 0, 4+len(withdrawn)+len(pathAttrs)+len(nlri))
	body = binary.BigEndian.AppendUint16(body, uint16(len(withdrawn)))
	body = append(body, withdrawn...)
	body = binary.BigEndian.AppendUint16(body, uint16(len(pathAttrs)))
	body = append(body, pathAttrs...)
	body = append(body, nlri...)
	return buildBGPMessage(bgp.MsgTypeUpdate, body)
}

func buildOpen(asn16 uint16) []byte {
	body := make([]byte, 0, 10)
	body = append(body, 4)
	body = binary.BigEndian.AppendUint16(body, asn16)
	body = binary.BigEndian.AppendUint16(body, 180)
	body = append(body, 192, 0, 2, 1)
	body = append(body, 0) // no optional parameters
	return buildBGPMessage(bgp.MsgTypeOpen, body)
}

func buildPeerHeader(peerIP [4]byte, asn uint32) []byte {
	hdr := make([]byte, bmp.PerPeerHeaderSize)
	copy(hdr[22:26], peerIP[:])
	binary.BigEndian.PutUint32(hdr[26:30], asn)
	copy(hdr[30:34], []byte{192, 0, 2, 2})
	return hdr
}

func buildBMPMessage(msgType uint8, peerHdr, payload []byte) []byte {
	total := bmp.CommonHeaderSize + len(peerHdr) + len(payload)
	msg := make([]byte, 0, total)
	msg = append(msg, bmp.Version)
	msg = binary.BigEndian.AppendUint32(msg, uint32(total))
	msg = append(msg, msgType)
	msg = append(msg, peerHdr...)
	msg = append(msg, payload...)
	return msg
}

func buildFrame(bmpBytes []byte, routerIP [4]byte) []byte {
	headerLen := 40 + 16 + 16 + 2 + 4 // empty admin id

	frame := make([]byte, 0, headerLen+len(bmpBytes))
	frame = binary.BigEndian.AppendUint32(frame, 0x4F424D50)
	frame = append(frame, 1, 7)
	frame = binary.BigEndian.AppendUint16(frame, uint16(headerLen))
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(bmpBytes)))
	frame = append(frame, 0, 12)
	frame = append(frame, make([]byte, 8)...)
	frame = append(frame, make([]byte, 16)...)
	frame = binary.BigEndian.AppendUint16(frame, 0) // admin id length
	frame = append(frame, make([]byte, 16)...)      // router hash
	var ip16 [16]byte
	copy(ip16[:], routerIP[:])
	frame = append(frame, ip16[:]...)
	frame = binary.BigEndian.AppendUint16(frame, 0)
	frame = binary.BigEndian.AppendUint32(frame, 1)
	frame = append(frame, bmpBytes...)
	return frame
}

func buildPathAttr(flags, typeCode byte, data []byte) []byte {
	attr := make([]byte, 3+len(data))
	attr[0] = flags
	attr[1] = typeCode
	attr[2] = byte(len(data))
	copy(attr[3:], data)
	return attr
}

func newTestPipeline(store Store) *Pipeline {
	return NewPipeline(store, zap.NewNop(), 16*1024*1024, false, 4)
}

func TestHandleRecord_RouteMonitoring(t *testing.T) {
	store := &fakeStore{}
	p := newTestPipeline(store)

	originAttr := buildPathAttr(0x40, bgp.AttrTypeOrigin, []byte{0})
	update := buildBGPUpdate(nil, originAttr, []byte{24, 10, 0, 0})
	bmpMsg := buildBMPMessage(bmp.MsgTypeRouteMonitoring, buildPeerHeader([4]byte{203, 0, 113, 7}, 64500), update)
	rec := &kgo.Record{Value: buildFrame(bmpMsg, [4]byte{198, 51, 100, 1})}

	if err := p.HandleRecord(context.Background(), rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if store.attrSets != 1 {
		t.Errorf("expected 1 attribute set, got %d", store.attrSets)
	}
	if len(store.advertised) != 1 || store.advertised[0] != "10.0.0.0/24" {
		t.Errorf("expected advertised ['10.0.0.0/24'], got %v", store.advertised)
	}
	if store.lastPeer.RouterIP != "198.51.100.1" {
		t.Errorf("expected router '198.51.100.1', got '%s'", store.lastPeer.RouterIP)
	}
	if store.lastPeer.PeerIP != "203.0.113.7" {
		t.Errorf("expected peer '203.0.113.7', got '%s'", store.lastPeer.PeerIP)
	}
	if len(store.lastPeer.HashID) != 16 {
		t.Errorf("expected 16-byte peer hash, got %d", len(store.lastPeer.HashID))
	}
}

func TestHandleRecord_MultipleBMPMessages(t *testing.T) {
	store := &fakeStore{}
	p := newTestPipeline(store)

	peerHdr := buildPeerHeader([4]byte{203, 0, 113, 7}, 64500)
	upd1 := buildBMPMessage(bmp.MsgTypeRouteMonitoring, peerHdr, buildBGPUpdate(nil, buildPathAttr(0x40, bgp.AttrTypeOrigin, []byte{0}), []byte{24, 10, 0, 0}))
	upd2 := buildBMPMessage(bmp.MsgTypeRouteMonitoring, peerHdr, buildBGPUpdate([]byte{16, 172, 16}, nil, nil))
	rec := &kgo.Record{Value: buildFrame(append(upd1, upd2...), [4]byte{198, 51, 100, 1})}

	if err := p.HandleRecord(context.Background(), rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.advertised) != 1 || len(store.withdrawn) != 1 {
		t.Errorf("expected 1 advertise + 1 withdraw, got %v / %v", store.advertised, store.withdrawn)
	}
}

func TestHandleRecord_PeerUpDown(t *testing.T) {
	store := &fakeStore{}
	p := newTestPipeline(store)

	peerHdr := buildPeerHeader([4]byte{203, 0, 113, 7}, 64500)

	// Peer up: local addr + ports, then the OPEN pair.
	upPayload := make([]byte, 0, 64)
	local := make([]byte, 16)
	copy(local[12:], []byte{198, 51, 100, 1})
	upPayload = append(upPayload, local...)
	upPayload = binary.BigEndian.AppendUint16(upPayload, 179)
	upPayload = binary.BigEndian.AppendUint16(upPayload, 40000)
	upPayload = append(upPayload, buildOpen(64496)...)
	upPayload = append(upPayload, buildOpen(64500)...)

	upMsg := buildBMPMessage(bmp.MsgTypePeerUp, peerHdr, upPayload)
	if err := p.HandleRecord(context.Background(), &kgo.Record{Value: buildFrame(upMsg, [4]byte{198, 51, 100, 1})}); err != nil {
		t.Fatalf("peer up: %v", err)
	}

	if store.ups != 1 {
		t.Errorf("expected 1 peer up record, got %d", store.ups)
	}
	if len(store.peerStates) != 1 || store.peerStates[0] != "up" {
		t.Errorf("expected peer state ['up'], got %v", store.peerStates)
	}
	if len(p.sessions) != 1 {
		t.Fatalf("expected 1 tracked session, got %d", len(p.sessions))
	}
	// Neither OPEN advertised the 4-octet capability.
	for _, sess := range p.sessions {
		if sess.parser.ASNWidth() != 2 {
			t.Errorf("expected negotiated width 2, got %d", sess.parser.ASNWidth())
		}
	}

	// Peer down with an embedded NOTIFICATION drops the session.
	notif := buildBGPMessage(bgp.MsgTypeNotification, []byte{6, 2})
	downPayload := append([]byte{bmp.PeerDownRemoteNotification}, notif...)
	downMsg := buildBMPMessage(bmp.MsgTypePeerDown, peerHdr, downPayload)
	if err := p.HandleRecord(context.Background(), &kgo.Record{Value: buildFrame(downMsg, [4]byte{198, 51, 100, 1})}); err != nil {
		t.Fatalf("peer down: %v", err)
	}

	if store.downs != 1 {
		t.Errorf("expected 1 peer down record, got %d", store.downs)
	}
	if len(p.sessions) != 0 {
		t.Errorf("expected session dropped, still tracking %d", len(p.sessions))
	}
}

func TestHandleRecord_PeerRowPrecedesDataWrites(t *testing.T) {
	store := &fakeStore{}
	p := newTestPipeline(store)

	// Session first seen through route monitoring: no peer up has arrived,
	// yet the attribute and prefix rows reference the peer row.
	upd := buildBGPUpdate(nil, buildPathAttr(0x40, bgp.AttrTypeOrigin, []byte{0}), []byte{24, 10, 0, 0})
	msg := buildBMPMessage(bmp.MsgTypeRouteMonitoring, buildPeerHeader([4]byte{203, 0, 113, 7}, 64500), upd)
	rec := &kgo.Record{Value: buildFrame(msg, [4]byte{198, 51, 100, 1})}

	if err := p.HandleRecord(context.Background(), rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"upsert:unknown", "attrs", "advertised"}
	if len(store.calls) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, store.calls)
	}
	for i := range want {
		if store.calls[i] != want[i] {
			t.Fatalf("expected calls %v, got %v", want, store.calls)
		}
	}

	// The peer row is written once per session, not per message.
	if err := p.HandleRecord(context.Background(), rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.peerStates) != 1 {
		t.Errorf("expected a single peer upsert, got %v", store.peerStates)
	}
}

func TestHandleRecord_PeerRowFailureBlocksDataWrites(t *testing.T) {
	store := &fakeStore{failUpsert: context.DeadlineExceeded}
	p := newTestPipeline(store)

	upd := buildBGPUpdate(nil, buildPathAttr(0x40, bgp.AttrTypeOrigin, []byte{0}), []byte{24, 10, 0, 0})
	msg := buildBMPMessage(bmp.MsgTypeRouteMonitoring, buildPeerHeader([4]byte{203, 0, 113, 7}, 64500), upd)
	rec := &kgo.Record{Value: buildFrame(msg, [4]byte{198, 51, 100, 1})}

	// The message fails (logged, record still acked) and nothing lands.
	if err := p.HandleRecord(context.Background(), rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.attrSets != 0 || len(store.advertised) != 0 {
		t.Errorf("data must not be written without a peer row, got %v", store.calls)
	}

	// Once the store recovers, the next message retries the upsert first.
	store.failUpsert = nil
	if err := p.HandleRecord(context.Background(), rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.peerStates) != 1 || store.peerStates[0] != "unknown" {
		t.Errorf("expected peer states ['unknown'], got %v", store.peerStates)
	}
	if store.attrSets != 1 {
		t.Errorf("expected 1 attribute set after recovery, got %d", store.attrSets)
	}
}

func TestHandleRecord_BadFrame(t *testing.T) {
	store := &fakeStore{}
	p := newTestPipeline(store)

	if err := p.HandleRecord(context.Background(), &kgo.Record{Value: []byte("not a frame")}); err == nil {
		t.Fatal("expected error for malformed frame")
	}
	if store.attrSets != 0 || store.ups != 0 {
		t.Error("malformed frame must not reach the store")
	}
}

func TestHandleRecord_InitiationIgnored(t *testing.T) {
	store := &fakeStore{}
	p := newTestPipeline(store)

	initMsg := buildBMPMessage(bmp.MsgTypeInitiation, nil, []byte{0, 1, 0, 2, 'h', 'i'})
	if err := p.HandleRecord(context.Background(), &kgo.Record{Value: buildFrame(initMsg, [4]byte{198, 51, 100, 1})}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.sessions) != 0 {
		t.Errorf("initiation must not create sessions, got %d", len(p.sessions))
	}
}

func TestRun_AcksRecordsAfterProcessing(t *testing.T) {
	store := &fakeStore{}
	p := newTestPipeline(store)

	records := make(chan []*kgo.Record, 1)
	flushed := make(chan []*kgo.Record, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx, records, flushed)

	// A garbage record must still be acked so offsets advance.
	batch := []*kgo.Record{{Value: []byte("garbage"), Offset: 7}}
	records <- batch

	select {
	case acked := <-flushed:
		if len(acked) != 1 || acked[0].Offset != 7 {
			t.Errorf("unexpected acked batch: %v", acked)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for flushed batch")
	}
}

func TestSessionKeyDistinguishesPeers(t *testing.T) {
	store := &fakeStore{}
	p := newTestPipeline(store)

	a := buildPeerHeader([4]byte{203, 0, 113, 7}, 64500)
	b := buildPeerHeader([4]byte{203, 0, 113, 8}, 64501)

	upd := buildBGPUpdate(nil, buildPathAttr(0x40, bgp.AttrTypeOrigin, []byte{0}), []byte{24, 10, 0, 0})
	for _, hdr := range [][]byte{a, b} {
		msg := buildBMPMessage(bmp.MsgTypeRouteMonitoring, hdr, upd)
		if err := p.HandleRecord(context.Background(), &kgo.Record{Value: buildFrame(msg, [4]byte{198, 51, 100, 1})}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if len(p.sessions) != 2 {
		t.Errorf("expected 2 sessions, got %d", len(p.sessions))
	}
}
