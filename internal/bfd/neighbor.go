package bfd

import (
	"context"
	"log/slog"
	"sync"
)

// -------------------------------------------------------------------------
// Neighbor Table — configured static peers (spec §4.9)
// -------------------------------------------------------------------------

// NeighborMonitorEvent is the subset of netio.InterfaceEvent the Neighbor
// Table needs: whether a link carrying a configured neighbor just became
// reachable or unreachable. Kept as its own type so internal/bfd does not
// import internal/netio (avoiding the import cycle callback.go documents
// for internal/gobgp).
type NeighborMonitorEvent struct {
	IfIndex int
	Up      bool
}

// Neighbor is a configured static peer: a target the Neighbor Table keeps
// an internal Request alive for whenever its nexthop is resolvable.
// Multihop neighbors skip nexthop resolution entirely and start their
// request immediately on registration (spec §4.9).
type Neighbor struct {
	mu sync.Mutex

	target   RequestTarget
	ifIndex  int
	multiHop bool
	cfg      SessionConfig
	sender   PacketSender

	resolvable bool
	request    *Request
}

// NexthopResolvable reports whether this neighbor's link is currently up.
// Multihop neighbors are always reported resolvable.
func (n *Neighbor) NexthopResolvable() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.multiHop || n.resolvable
}

// Target returns the neighbor's request target.
func (n *Neighbor) Target() RequestTarget {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.target
}

// NeighborTable holds every statically configured BFD peer and starts or
// stops an internal Request for each as its nexthop scope changes,
// driven by neigh_notify (interface carrier events from whichever
// netio.InterfaceMonitor the caller wires in; internal/netio/dbus.go
// provides a D-Bus one).
type NeighborTable struct {
	registry *RequestRegistry
	logger   *slog.Logger

	mu        sync.Mutex
	byIfIndex map[int][]*Neighbor
	all       []*Neighbor
}

// NewNeighborTable creates an empty Neighbor Table bound to registry.
func NewNeighborTable(registry *RequestRegistry, logger *slog.Logger) *NeighborTable {
	if logger == nil {
		logger = slog.Default()
	}
	return &NeighborTable{
		registry:  registry,
		logger:    logger.With(slog.String("component", "bfd.NeighborTable")),
		byIfIndex: make(map[int][]*Neighbor),
	}
}

// AddStatic registers a configured neighbor. If multiHop is true, or the
// link is already known to be up, the internal request starts
// immediately; otherwise the neighbor waits for neigh_notify.
func (nt *NeighborTable) AddStatic(
	ctx context.Context,
	target RequestTarget,
	ifIndex int,
	multiHop bool,
	cfg SessionConfig,
	sender PacketSender,
	initiallyUp bool,
) *Neighbor {
	n := &Neighbor{
		target:     target,
		ifIndex:    ifIndex,
		multiHop:   multiHop,
		cfg:        cfg,
		sender:     sender,
		resolvable: initiallyUp,
	}

	nt.mu.Lock()
	nt.all = append(nt.all, n)
	nt.byIfIndex[ifIndex] = append(nt.byIfIndex[ifIndex], n)
	nt.mu.Unlock()

	if n.NexthopResolvable() {
		nt.start(ctx, n)
	}

	return n
}

// RemoveStatic unregisters a neighbor, stopping its internal request if
// one is running.
func (nt *NeighborTable) RemoveStatic(n *Neighbor) {
	nt.mu.Lock()
	nt.all = removeNeighbor(nt.all, n)
	peers := nt.byIfIndex[n.ifIndex]
	nt.byIfIndex[n.ifIndex] = removeNeighbor(peers, n)
	if len(nt.byIfIndex[n.ifIndex]) == 0 {
		delete(nt.byIfIndex, n.ifIndex)
	}
	nt.mu.Unlock()

	nt.stop(n)
}

// NeighNotify implements neigh_notify (spec §6): called when a configured
// neighbor's nexthop scope changes, starting or stopping its internal
// request accordingly. Multihop neighbors are unaffected by link events:
// they are skipped even when their ifIndex matches the event.
func (nt *NeighborTable) NeighNotify(ctx context.Context, ev NeighborMonitorEvent) {
	nt.mu.Lock()
	peers := append([]*Neighbor(nil), nt.byIfIndex[ev.IfIndex]...)
	nt.mu.Unlock()

	for _, n := range peers {
		n.mu.Lock()
		if n.multiHop {
			n.mu.Unlock()
			continue
		}
		wasResolvable := n.resolvable
		n.resolvable = ev.Up
		n.mu.Unlock()

		switch {
		case !wasResolvable && ev.Up:
			nt.start(ctx, n)
		case wasResolvable && !ev.Up:
			nt.stop(n)
		}
	}
}

func (nt *NeighborTable) start(ctx context.Context, n *Neighbor) {
	n.mu.Lock()
	if n.request != nil {
		n.mu.Unlock()
		return
	}
	target, cfg, sender := n.target, n.cfg, n.sender
	n.mu.Unlock()

	req := nt.registry.RequestSession(ctx, target, nil, n, RequestOptions{}, cfg, sender)

	n.mu.Lock()
	n.request = req
	n.mu.Unlock()

	nt.logger.Info("neighbor request started", slog.String("peer", target.RemoteAddr.String()))
}

func (nt *NeighborTable) stop(n *Neighbor) {
	n.mu.Lock()
	req := n.request
	n.request = nil
	target := n.target
	n.mu.Unlock()

	if req == nil {
		return
	}
	req.Destroy()
	nt.logger.Info("neighbor request stopped", slog.String("peer", target.RemoteAddr.String()))
}

// Neighbors returns every configured static neighbor. Safe for concurrent
// use; intended for CLI/admin inspection.
func (nt *NeighborTable) Neighbors() []*Neighbor {
	nt.mu.Lock()
	defer nt.mu.Unlock()
	out := make([]*Neighbor, len(nt.all))
	copy(out, nt.all)
	return out
}

func removeNeighbor(list []*Neighbor, target *Neighbor) []*Neighbor {
	for i, n := range list {
		if n == target {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
