package bfd

import (
	"context"
	"log/slog"
	"net/netip"
	"testing"
	"time"
)

// newStoreTestSession builds a minimal real Session for exercising
// sessionStore's indices -- LocalDiscriminator/keySet read through to the
// actual Session, so a stub would not catch index/session mismatches.
func newStoreTestSession(t *testing.T, discr uint32, peer, local string) *Session {
	t.Helper()
	cfg := SessionConfig{
		PeerAddr:              netip.MustParseAddr(peer),
		LocalAddr:             netip.MustParseAddr(local),
		Type:                  SessionTypeSingleHop,
		Role:                  RoleActive,
		DesiredMinTxInterval:  time.Second,
		RequiredMinRxInterval: time.Second,
		DetectMultiplier:      3,
	}
	sess, err := NewSession(cfg, discr, noopSender{}, nil, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return sess
}

type noopSender struct{}

func (noopSender) SendPacket(ctx context.Context, buf []byte, addr netip.Addr) error { return nil }

func TestSessionStoreInsertLookupRemove(t *testing.T) {
	st := newSessionStore()
	key := sessionKey{peerAddr: netip.MustParseAddr("192.0.2.1"), localAddr: netip.MustParseAddr("192.0.2.2")}
	sess := newStoreTestSession(t, 42, "192.0.2.1", "192.0.2.2")
	entry := &sessionEntry{session: sess, key: key}

	if !st.insert(42, key, entry) {
		t.Fatal("insert: expected success on empty store")
	}
	if st.insert(42, key, entry) {
		t.Fatal("insert: expected failure on duplicate peer key")
	}

	byDiscr, ok := st.lookupByDiscriminator(42)
	if !ok || byDiscr != entry {
		t.Fatalf("lookupByDiscriminator: got %+v, %v", byDiscr, ok)
	}

	byPeer, ok := st.lookupByPeer(key)
	if !ok || byPeer != entry {
		t.Fatalf("lookupByPeer: got %+v, %v", byPeer, ok)
	}

	if !st.hasPeer(key) {
		t.Fatal("hasPeer: expected true for inserted key")
	}

	if st.len() != 1 {
		t.Fatalf("len = %d, want 1", st.len())
	}

	removed, ok := st.remove(42)
	if !ok || removed != entry {
		t.Fatalf("remove: got %+v, %v", removed, ok)
	}
	if st.len() != 0 {
		t.Fatalf("len after remove = %d, want 0", st.len())
	}
	if _, ok := st.lookupByDiscriminator(42); ok {
		t.Error("lookupByDiscriminator: entry should be gone after remove")
	}
	if st.hasPeer(key) {
		t.Error("hasPeer: key should be gone after remove")
	}
}

func TestSessionStoreRemoveUnknownDiscriminator(t *testing.T) {
	st := newSessionStore()
	if _, ok := st.remove(99); ok {
		t.Error("remove: expected false for unknown discriminator")
	}
}

func TestSessionStoreSnapshotAndClear(t *testing.T) {
	st := newSessionStore()
	key1 := sessionKey{peerAddr: netip.MustParseAddr("192.0.2.1"), localAddr: netip.MustParseAddr("192.0.2.3")}
	key2 := sessionKey{peerAddr: netip.MustParseAddr("192.0.2.4"), localAddr: netip.MustParseAddr("192.0.2.3")}
	sess1 := newStoreTestSession(t, 1, "192.0.2.1", "192.0.2.3")
	sess2 := newStoreTestSession(t, 2, "192.0.2.4", "192.0.2.3")
	st.insert(1, key1, &sessionEntry{session: sess1, key: key1})
	st.insert(2, key2, &sessionEntry{session: sess2, key: key2})

	snap := st.snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot len = %d, want 2", len(snap))
	}

	keys := st.keySet()
	if len(keys) != 2 {
		t.Fatalf("keySet len = %d, want 2", len(keys))
	}
	if keys["192.0.2.1|192.0.2.3|"] != 1 {
		t.Errorf("keySet[peer1] = %d, want 1", keys["192.0.2.1|192.0.2.3|"])
	}

	cleared := st.clear()
	if len(cleared) != 2 {
		t.Fatalf("clear returned %d entries, want 2", len(cleared))
	}
	if st.len() != 0 {
		t.Fatalf("len after clear = %d, want 0", st.len())
	}
	if _, ok := st.lookupByPeer(key1); ok {
		t.Error("lookupByPeer: entry should be gone after clear")
	}
}

func TestSessionStoreInsertRejectsRaceOnSamePeerKey(t *testing.T) {
	st := newSessionStore()
	key := sessionKey{peerAddr: netip.MustParseAddr("192.0.2.1"), localAddr: netip.MustParseAddr("192.0.2.2")}
	sessA := newStoreTestSession(t, 10, "192.0.2.1", "192.0.2.2")
	sessB := newStoreTestSession(t, 11, "192.0.2.1", "192.0.2.2")

	if !st.insert(10, key, &sessionEntry{session: sessA, key: key}) {
		t.Fatal("first insert should succeed")
	}
	if st.insert(11, key, &sessionEntry{session: sessB, key: key}) {
		t.Fatal("second insert on same peer key should fail even with a different discriminator")
	}
	if st.len() != 1 {
		t.Fatalf("len = %d, want 1 after rejected duplicate insert", st.len())
	}
}
