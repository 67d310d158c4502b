package bgp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
)

// mockStore records parser store calls in order.
type mockStore struct {
	attrCalls     int
	advCalls      int
	wdrCalls      int
	calls         []string
	lastHashID    []byte
	lastAttrs     AttributeMap
	lastAdv       []PrefixTuple
	lastWdr       []PrefixTuple
	failAttrs     error
	failAdv       error
	failWithdrawn error
}

func (m *mockStore) StorePathAttributes(_ context.Context, _ *PeerRef, hashID []byte, attrs AttributeMap) error {
	m.attrCalls++
	m.calls = append(m.calls, "attrs")
	m.lastHashID = hashID
	m.lastAttrs = attrs
	return m.failAttrs
}

func (m *mockStore) StoreAdvertisedPrefixes(_ context.Context, _ *PeerRef, prefixes []PrefixTuple) error {
	m.advCalls++
	m.calls = append(m.calls, "advertised")
	m.lastAdv = prefixes
	return m.failAdv
}

func (m *mockStore) StoreWithdrawnPrefixes(_ context.Context, _ *PeerRef, prefixes []PrefixTuple) error {
	m.wdrCalls++
	m.calls = append(m.calls, "withdrawn")
	m.lastWdr = prefixes
	return m.failWithdrawn
}

func testPeer() *PeerRef {
	return &PeerRef{
		HashID:   bytes.Repeat([]byte{0x11}, 16),
		RouterIP: "198.51.100.1",
		PeerIP:   "203.0.113.7",
		PeerASN:  64500,
	}
}

func TestHandleMessage_Keepalive(t *testing.T) {
	store := &mockStore{}
	p := NewParser(store, testPeer(), "198.51.100.1")

	msg := buildMessage(MsgTypeKeepalive, nil)
	msgType, err := p.HandleMessage(context.Background(), msg, &PeerUpEvent{}, &PeerDownEvent{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != MsgTypeKeepalive {
		t.Errorf("expected type %d, got %d", MsgTypeKeepalive, msgType)
	}
	if len(store.calls) != 0 {
		t.Errorf("keepalive must not touch the store, saw %v", store.calls)
	}
}

func TestHandleMessage_TypeReturnedOnBodyError(t *testing.T) {
	store := &mockStore{}
	p := NewParser(store, testPeer(), "198.51.100.1")

	// UPDATE whose withdrawn length overruns the body.
	msg := buildMessage(MsgTypeUpdate, []byte{0, 100, 0, 0})
	msgType, err := p.HandleMessage(context.Background(), msg, &PeerUpEvent{}, &PeerDownEvent{})
	if err == nil {
		t.Fatal("expected error")
	}
	if msgType != MsgTypeUpdate {
		t.Errorf("expected type %d even on body error, got %d", MsgTypeUpdate, msgType)
	}
}

func TestHandleUpdate_StoreOrder(t *testing.T) {
	store := &mockStore{}
	p := NewParser(store, testPeer(), "198.51.100.1")

	originAttr := buildPathAttr(0x40, AttrTypeOrigin, []byte{0})
	msg := buildUpdate([]byte{16, 172, 16}, originAttr, []byte{24, 10, 0, 0})

	if err := p.HandleUpdate(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"attrs", "advertised", "withdrawn"}
	if len(store.calls) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, store.calls)
	}
	for i := range want {
		if store.calls[i] != want[i] {
			t.Fatalf("expected calls %v, got %v", want, store.calls)
		}
	}

	if len(store.lastAttrs) != 1 {
		t.Errorf("expected 1 attribute, got %d", len(store.lastAttrs))
	}
	if got := store.lastAdv[0].CIDR(); got != "10.0.0.0/24" {
		t.Errorf("expected advertised '10.0.0.0/24', got '%s'", got)
	}
	if got := store.lastWdr[0].CIDR(); got != "172.16.0.0/16" {
		t.Errorf("expected withdrawn '172.16.0.0/16', got '%s'", got)
	}
	if !bytes.Equal(store.lastAdv[0].PathHashID, store.lastHashID) {
		t.Error("advertised prefix hash does not match stored attribute hash")
	}
}

func TestHandleUpdate_MalformedSkipsStore(t *testing.T) {
	store := &mockStore{}
	p := NewParser(store, testPeer(), "198.51.100.1")

	// Valid withdrawn section, then a truncated attribute.
	msg := buildUpdate([]byte{16, 172, 16}, []byte{0x40}, nil)

	err := p.HandleUpdate(context.Background(), msg)
	if !errors.Is(err, ErrMalformedAttribute) {
		t.Fatalf("expected ErrMalformedAttribute, got %v", err)
	}
	if len(store.calls) != 0 {
		t.Errorf("malformed UPDATE must not reach the store, saw %v", store.calls)
	}
}

func TestHandleUpdate_PersistenceError(t *testing.T) {
	sentinel := fmt.Errorf("connection refused")
	store := &mockStore{failAdv: sentinel}
	p := NewParser(store, testPeer(), "198.51.100.1")

	originAttr := buildPathAttr(0x40, AttrTypeOrigin, []byte{0})
	msg := buildUpdate(nil, originAttr, []byte{24, 10, 0, 0})

	err := p.HandleUpdate(context.Background(), msg)
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected wrapped store error, got %v", err)
	}

	// The store failure must not corrupt parser state: once the store
	// recovers, the next UPDATE on the same session parses and persists.
	store.failAdv = nil
	next := buildUpdate(nil, originAttr, []byte{24, 10, 1, 0})
	if err := p.HandleUpdate(context.Background(), next); err != nil {
		t.Fatalf("unexpected error after store recovery: %v", err)
	}
	if got := store.lastAdv[0].CIDR(); got != "10.1.0.0/24" {
		t.Errorf("expected advertised '10.1.0.0/24', got '%s'", got)
	}
}

func TestHandleUpdate_WrongType(t *testing.T) {
	store := &mockStore{}
	p := NewParser(store, testPeer(), "198.51.100.1")

	msg := buildMessage(MsgTypeKeepalive, nil)
	err := p.HandleUpdate(context.Background(), msg)
	if !errors.Is(err, ErrUnknownMessageType) {
		t.Fatalf("expected ErrUnknownMessageType, got %v", err)
	}
}

func TestHandlePeerUp_NegotiatesFourByte(t *testing.T) {
	store := &mockStore{}
	p := NewParser(store, testPeer(), "198.51.100.1", WithASNWidth(2))

	sent := buildOpen(uint16(ASTrans), 180, [4]byte{192, 0, 2, 1}, map[uint8][]byte{
		CapFourOctetASN: fourByteCap(4200000000),
	})
	recv := buildOpen(64500, 90, [4]byte{192, 0, 2, 2}, map[uint8][]byte{
		CapFourOctetASN: fourByteCap(64500),
	})

	var up PeerUpEvent
	if err := p.HandlePeerUp(append(sent, recv...), &up); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if p.ASNWidth() != 4 {
		t.Errorf("both sides advertised the capability, expected width 4, got %d", p.ASNWidth())
	}
	if up.Sent.ASN != 4200000000 {
		t.Errorf("expected sent ASN 4200000000, got %d", up.Sent.ASN)
	}
	if up.Recv.ASN != 64500 {
		t.Errorf("expected recv ASN 64500, got %d", up.Recv.ASN)
	}
	if up.Recv.HoldTime != 90 {
		t.Errorf("expected recv hold time 90, got %d", up.Recv.HoldTime)
	}
}

func TestHandlePeerUp_OneSidedCapabilityStaysTwoByte(t *testing.T) {
	store := &mockStore{}
	p := NewParser(store, testPeer(), "198.51.100.1", WithASNWidth(4))

	sent := buildOpen(64496, 180, [4]byte{192, 0, 2, 1}, map[uint8][]byte{
		CapFourOctetASN: fourByteCap(64496),
	})
	recv := buildOpen(64500, 90, [4]byte{192, 0, 2, 2}, nil)

	var up PeerUpEvent
	if err := p.HandlePeerUp(append(sent, recv...), &up); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ASNWidth() != 2 {
		t.Errorf("one-sided capability must fall back to width 2, got %d", p.ASNWidth())
	}
}

func TestHandlePeerUp_WidthGovernsLaterUpdates(t *testing.T) {
	store := &mockStore{}
	p := NewParser(store, testPeer(), "198.51.100.1")

	sent := buildOpen(64496, 180, [4]byte{192, 0, 2, 1}, nil)
	recv := buildOpen(64500, 90, [4]byte{192, 0, 2, 2}, nil)
	var up PeerUpEvent
	if err := p.HandlePeerUp(append(sent, recv...), &up); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// 2-octet AS_PATH must now decode cleanly.
	asPathData := []byte{
		ASPathSegmentSequence, 2,
		0xFB, 0xF0,
		0xFB, 0xF4,
	}
	asPathAttr := buildPathAttr(0x40, AttrTypeASPath, asPathData)
	msg := buildUpdate(nil, asPathAttr, []byte{24, 10, 0, 0})

	if err := p.HandleUpdate(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := store.lastAttrs[AttrTypeASPath].Value; got != "64496 64500" {
		t.Errorf("expected AS_PATH '64496 64500', got '%s'", got)
	}
}

func TestHandlePeerUp_TruncatedSecondOpen(t *testing.T) {
	store := &mockStore{}
	p := NewParser(store, testPeer(), "198.51.100.1")

	sent := buildOpen(64496, 180, [4]byte{192, 0, 2, 1}, nil)

	var up PeerUpEvent
	if err := p.HandlePeerUp(sent, &up); err == nil {
		t.Fatal("expected error for missing received OPEN")
	}
}

func TestHandlePeerDown_Notification(t *testing.T) {
	store := &mockStore{}
	p := NewParser(store, testPeer(), "198.51.100.1")

	msg := buildMessage(MsgTypeNotification, []byte{6, 4})

	var down PeerDownEvent
	if err := p.HandlePeerDown(msg, &down); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if down.Code != 6 || down.Subcode != 4 {
		t.Errorf("expected 6/4, got %d/%d", down.Code, down.Subcode)
	}
	if len(store.calls) != 0 {
		t.Errorf("peer down must not touch the store, saw %v", store.calls)
	}
}
