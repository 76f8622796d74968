package bfd

import (
	"fmt"
	"net/netip"
	"sync"
)

// -------------------------------------------------------------------------
// Interface Pool — refcounted PacketSender binding (spec §4.5 step 2, §4.7)
// -------------------------------------------------------------------------

// ifaceKey identifies a bound (local address, interface name) pair. Two
// sessions sharing the same local address and interface (e.g. two peers
// reachable over the same link) share one socket/sender rather than each
// opening their own, mirroring the real daemon's udpSenderFactory which
// keys its sockets by source port/local address, not by session.
type ifaceKey struct {
	localAddr netip.Addr
	ifName    string
}

// boundInterface is one entry in the Interface Pool: a PacketSender shared
// by every session bound to (localAddr, ifName), reference-counted so the
// underlying socket is closed only once the last session releases it.
type boundInterface struct {
	sender PacketSender
	refs   int

	// changed is set by Reconfiguration when this interface's underlying
	// configuration (e.g. MTU, link state picked up from ifmon) was
	// updated since the last time sessions bound to it were reconciled.
	// reconfigure.go clears it once the affected sessions have re-applied
	// their parameters.
	changed bool
}

// InterfaceFactory creates the PacketSender backing a newly bound
// interface. cmd/gobfd supplies one backed by netio.UDPSender (RFC 5881
// source-port allocation, TTL=255/GTSM); tests supply an in-memory fake.
type InterfaceFactory interface {
	NewSender(localAddr netip.Addr, ifName string, multiHop bool) (PacketSender, error)
}

// ErrInterfaceBusy is returned by Release when called more times than
// Acquire for the same key — a programmer error in the caller.
var ErrInterfaceBusy = fmt.Errorf("interface pool: release without matching acquire")

// InterfacePool owns one PacketSender per distinct (local address,
// interface) pair and reference-counts sessions bound to it, so that
// destroying one session sharing a link does not tear down the socket
// still used by its neighbors.
type InterfacePool struct {
	mu      sync.Mutex
	bound   map[ifaceKey]*boundInterface
	factory InterfaceFactory
}

// NewInterfacePool creates an empty Interface Pool backed by factory.
func NewInterfacePool(factory InterfaceFactory) *InterfacePool {
	return &InterfacePool{
		bound:   make(map[ifaceKey]*boundInterface),
		factory: factory,
	}
}

// Acquire returns the PacketSender for (localAddr, ifName), creating and
// binding it via the factory on first use and incrementing its refcount
// on every call thereafter.
func (p *InterfacePool) Acquire(localAddr netip.Addr, ifName string, multiHop bool) (PacketSender, error) {
	key := ifaceKey{localAddr: localAddr, ifName: ifName}

	p.mu.Lock()
	defer p.mu.Unlock()

	if bi, ok := p.bound[key]; ok {
		bi.refs++
		return bi.sender, nil
	}

	sender, err := p.factory.NewSender(localAddr, ifName, multiHop)
	if err != nil {
		return nil, fmt.Errorf("interface pool: bind %s/%s: %w", localAddr, ifName, err)
	}

	p.bound[key] = &boundInterface{sender: sender, refs: 1}
	return sender, nil
}

// Release decrements the refcount for (localAddr, ifName) and, once it
// reaches zero, closes the sender if it implements io.Closer-like Close()
// and removes the entry. Returns ErrInterfaceBusy if the key was never
// acquired.
func (p *InterfacePool) Release(localAddr netip.Addr, ifName string) error {
	key := ifaceKey{localAddr: localAddr, ifName: ifName}

	p.mu.Lock()
	defer p.mu.Unlock()

	bi, ok := p.bound[key]
	if !ok {
		return ErrInterfaceBusy
	}

	bi.refs--
	if bi.refs > 0 {
		return nil
	}

	delete(p.bound, key)
	if closer, ok := bi.sender.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// MarkChanged flags every bound interface matching ifName as changed, for
// Reconfiguration to pick up on its next pass (spec §4.7).
func (p *InterfacePool) MarkChanged(ifName string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, bi := range p.bound {
		if key.ifName == ifName {
			bi.changed = true
		}
	}
}

// ConsumeChanged reports and clears the changed flag for (localAddr, ifName).
func (p *InterfacePool) ConsumeChanged(localAddr netip.Addr, ifName string) bool {
	key := ifaceKey{localAddr: localAddr, ifName: ifName}

	p.mu.Lock()
	defer p.mu.Unlock()

	bi, ok := p.bound[key]
	if !ok || !bi.changed {
		return false
	}
	bi.changed = false
	return true
}

// RefCount returns the current refcount for (localAddr, ifName), or 0 if
// not bound. Exposed for tests and diagnostics.
func (p *InterfacePool) RefCount(localAddr netip.Addr, ifName string) int {
	key := ifaceKey{localAddr: localAddr, ifName: ifName}

	p.mu.Lock()
	defer p.mu.Unlock()

	bi, ok := p.bound[key]
	if !ok {
		return 0
	}
	return bi.refs
}
