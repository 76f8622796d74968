package bfd

import (
	"context"
	"sync"
)

// -------------------------------------------------------------------------
// Session Store — two-index lookup (spec §3, Invariant 2)
// -------------------------------------------------------------------------

// sessionEntry holds a session and its cancellation function.
// The cancel function is used by the Store to stop the session goroutine.
type sessionEntry struct {
	session *Session
	cancel  context.CancelFunc
	key     sessionKey
}

// sessionStore is the Session Store: every live Session is reachable by
// both its local discriminator (tier-1 demux, RFC 5880 Section 6.8.6) and
// its peer key (tier-2 demux, used when Your Discriminator is zero). The
// two maps are always updated together under mu so that Invariant 2 holds:
// a discriminator appears in byDiscr if and only if its session's peer key
// appears in byPeer.
type sessionStore struct {
	mu       sync.RWMutex
	byDiscr  map[uint32]*sessionEntry
	byPeer   map[sessionKey]*sessionEntry
}

func newSessionStore() *sessionStore {
	return &sessionStore{
		byDiscr: make(map[uint32]*sessionEntry),
		byPeer:  make(map[sessionKey]*sessionEntry),
	}
}

// insert registers entry under both indices. Returns false without
// mutating anything if key is already occupied (caller must have checked
// duplicates with a prior lookup, but insert re-checks under the write
// lock to close the check-then-act race).
func (st *sessionStore) insert(discr uint32, key sessionKey, entry *sessionEntry) bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, dup := st.byPeer[key]; dup {
		return false
	}

	st.byDiscr[discr] = entry
	st.byPeer[key] = entry
	return true
}

// remove deletes the entry for discr from both indices, returning it.
func (st *sessionStore) remove(discr uint32) (*sessionEntry, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()

	entry, ok := st.byDiscr[discr]
	if !ok {
		return nil, false
	}
	delete(st.byDiscr, discr)
	delete(st.byPeer, entry.key)
	return entry, true
}

func (st *sessionStore) lookupByDiscriminator(discr uint32) (*sessionEntry, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	entry, ok := st.byDiscr[discr]
	return entry, ok
}

func (st *sessionStore) lookupByPeer(key sessionKey) (*sessionEntry, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	entry, ok := st.byPeer[key]
	return entry, ok
}

func (st *sessionStore) hasPeer(key sessionKey) bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	_, ok := st.byPeer[key]
	return ok
}

// snapshot returns a copy of all entries currently in the store. The
// returned slice is safe to range over without holding st.mu.
func (st *sessionStore) snapshot() []*sessionEntry {
	st.mu.RLock()
	defer st.mu.RUnlock()

	out := make([]*sessionEntry, 0, len(st.byDiscr))
	for _, entry := range st.byDiscr {
		out = append(out, entry)
	}
	return out
}

// keySet returns a map of "peer|local|iface" composite key -> local
// discriminator, used by Reconciliation (spec §4.7) to diff against a
// desired session set.
func (st *sessionStore) keySet() map[string]uint32 {
	st.mu.RLock()
	defer st.mu.RUnlock()

	keys := make(map[string]uint32, len(st.byPeer))
	for sk, entry := range st.byPeer {
		keys[sk.peerAddr.String()+"|"+sk.localAddr.String()+"|"+sk.ifName] = entry.session.LocalDiscriminator()
	}
	return keys
}

// len returns the number of sessions currently stored.
func (st *sessionStore) len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.byDiscr)
}

// clear empties both indices, returning the removed entries so the caller
// can cancel their goroutines and release their discriminators.
func (st *sessionStore) clear() []*sessionEntry {
	st.mu.Lock()
	defer st.mu.Unlock()

	out := make([]*sessionEntry, 0, len(st.byDiscr))
	for _, entry := range st.byDiscr {
		out = append(out, entry)
	}
	st.byDiscr = make(map[uint32]*sessionEntry)
	st.byPeer = make(map[sessionKey]*sessionEntry)
	return out
}
