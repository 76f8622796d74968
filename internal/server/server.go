// Package server implements the process boundary for the BFD daemon: a
// plain Go Request API facade over the session Manager, plus a
// codegen-free gRPC health check exposed over HTTP/2.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"sync"

	"connectrpc.com/connect"
	"connectrpc.com/grpchealth"

	"github.com/nvayro/gobfd/internal/bfd"
)

// Sentinel errors for the server package.
var (
	// ErrMissingIdentifier indicates no identifier was provided to GetSession.
	ErrMissingIdentifier = errors.New("identifier must be local_discriminator or peer_address")

	// ErrInvalidSessionType indicates an unrecognized session type in the request.
	ErrInvalidSessionType = errors.New("invalid session type")

	// ErrDetectMultZero indicates a zero detect multiplier in the request.
	ErrDetectMultZero = errors.New("detect multiplier must be >= 1")
)

// noopSender is a PacketSender that discards all packets. Used by AddSession
// callers that have not yet resolved a real transport from the Interface
// Pool (e.g. admin-CLI dry runs).
type noopSender struct{}

func (noopSender) SendPacket(_ context.Context, _ []byte, _ netip.Addr) error {
	return nil
}

// RequestAPI is a thin, codegen-free adapter between external callers
// (cmd/gobfdctl, cmd/gobfd-exabgp-bridge, cmd/gobfd-haproxy-agent) and the
// bfd.Manager/bfd.RequestRegistry pair. It replaces the generated
// ConnectRPC BFD service the teacher exposed over
// bfdv1connect.BfdServiceHandler — see DESIGN.md for why that generated
// package could not be carried forward into this module.
//
// Session creation and deletion go through the Request Registry (spec
// §4.8) rather than the Manager directly, so admin-created sessions are
// externally owned Requests like any other caller's, and DeleteSession
// tears down through the same Invariant-6 last-request bookkeeping as the
// Neighbor Table's internal requests.
//
// Every method here mirrors the name and semantics of the corresponding
// RPC the teacher's BFDServer implemented, so callers built against that
// shape translate directly.
type RequestAPI struct {
	manager  *bfd.Manager
	registry *bfd.RequestRegistry
	events   <-chan bfd.StateChange
	logger   *slog.Logger

	mu       sync.Mutex
	requests map[uint32]*bfd.Request
}

// RequestAPIOption configures optional RequestAPI behavior.
type RequestAPIOption func(*RequestAPI)

// WithEventsChannel overrides the channel WatchSessionEvents streams from.
// cmd/gobfd supplies its own fan-out subscriber here, because
// Manager.StateChanges() has exactly one real reader and is already
// claimed by the Request Registry's dispatch loop (and, when enabled, the
// GoBGP handler) in the live daemon. Tests that never start
// Manager.RunDispatch/RequestRegistry.Run have no such contention and can
// rely on the mgr.StateChanges() default.
func WithEventsChannel(ch <-chan bfd.StateChange) RequestAPIOption {
	return func(a *RequestAPI) { a.events = ch }
}

// NewRequestAPI creates a RequestAPI over mgr and registry. registry is
// shared with the rest of the daemon (the Neighbor Table, in particular)
// rather than owned by RequestAPI: Manager.StateChanges() has exactly one
// drain point, so there can only be one Request Registry consuming it per
// Manager. cmd/gobfd starts mgr.RunDispatch and registry.Run as daemon
// goroutines; tests that only exercise synchronous AddSession/DeleteSession
// snapshots do not need either running.
func NewRequestAPI(mgr *bfd.Manager, registry *bfd.RequestRegistry, logger *slog.Logger, opts ...RequestAPIOption) *RequestAPI {
	a := &RequestAPI{
		manager:  mgr,
		registry: registry,
		events:   mgr.StateChanges(),
		logger:   logger.With(slog.String("component", "server.RequestAPI")),
		requests: make(map[uint32]*bfd.Request),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// AddSession creates a new BFD session with the given configuration. If
// sender is nil, a no-op sender is used (useful for admin dry runs and
// tests); production callers should supply one acquired from the
// Interface Pool.
func (a *RequestAPI) AddSession(ctx context.Context, cfg bfd.SessionConfig, sender bfd.PacketSender) (bfd.SessionSnapshot, error) {
	a.logger.InfoContext(ctx, "AddSession called",
		slog.String("peer", cfg.PeerAddr.String()),
		slog.String("local", cfg.LocalAddr.String()),
	)

	if cfg.DetectMultiplier == 0 {
		return bfd.SessionSnapshot{}, ErrDetectMultZero
	}
	if cfg.Type != bfd.SessionTypeSingleHop && cfg.Type != bfd.SessionTypeMultiHop {
		return bfd.SessionSnapshot{}, fmt.Errorf("%v: %w", cfg.Type, ErrInvalidSessionType)
	}
	if sender == nil {
		sender = noopSender{}
	}

	// RequestSession parks on the wait list rather than surfacing a
	// create failure (the right behavior for the Neighbor Table's
	// persistent, retryable targets), so a one-shot admin add needs its
	// own duplicate pre-check to still report ErrDuplicateSession
	// synchronously.
	if a.manager.SessionExists(cfg.PeerAddr, cfg.LocalAddr, cfg.Interface) {
		return bfd.SessionSnapshot{}, fmt.Errorf("add session: %w", bfd.ErrDuplicateSession)
	}

	target := bfd.RequestTarget{
		RemoteAddr: cfg.PeerAddr,
		LocalAddr:  cfg.LocalAddr,
		Interface:  cfg.Interface,
	}
	opts := bfd.RequestOptions{
		DesiredMinTxInterval:  cfg.DesiredMinTxInterval,
		RequiredMinRxInterval: cfg.RequiredMinRxInterval,
		DetectMultiplier:      cfg.DetectMultiplier,
		Passive:               cfg.Role == bfd.RolePassive,
	}

	req := a.registry.RequestSession(ctx, target, nil, nil, opts, cfg, sender)

	discr, attached := req.SessionDiscriminator()
	if !attached {
		req.Destroy()
		return bfd.SessionSnapshot{}, fmt.Errorf("add session: session could not be established")
	}

	sess, ok := a.manager.LookupByDiscriminator(discr)
	if !ok {
		return bfd.SessionSnapshot{}, fmt.Errorf("add session: %w", bfd.ErrSessionNotFound)
	}

	a.mu.Lock()
	a.requests[discr] = req
	a.mu.Unlock()

	return snapshotFromSession(sess, cfg), nil
}

// DeleteSession removes a BFD session by its local discriminator. Sessions
// created through AddSession are torn down by destroying their owning
// Request; any other live session (e.g. a Neighbor Table entry not owned
// by this RequestAPI) falls back to destroying it directly on the Manager.
func (a *RequestAPI) DeleteSession(ctx context.Context, localDiscr uint32) error {
	a.logger.InfoContext(ctx, "DeleteSession called", slog.Uint64("discriminator", uint64(localDiscr)))

	a.mu.Lock()
	req, owned := a.requests[localDiscr]
	delete(a.requests, localDiscr)
	a.mu.Unlock()

	if owned {
		req.Destroy()
		return nil
	}

	if err := a.manager.DestroySession(ctx, localDiscr); err != nil {
		return mapManagerError(err, "delete session")
	}
	return nil
}

// ListSessions returns a snapshot of every active BFD session.
func (a *RequestAPI) ListSessions(ctx context.Context) []bfd.SessionSnapshot {
	a.logger.InfoContext(ctx, "ListSessions called")
	return a.manager.Sessions()
}

// GetSessionByDiscriminator looks up a session by local discriminator.
func (a *RequestAPI) GetSessionByDiscriminator(discr uint32) (bfd.SessionSnapshot, error) {
	sess, ok := a.manager.LookupByDiscriminator(discr)
	if !ok {
		return bfd.SessionSnapshot{}, fmt.Errorf("session with discriminator %d: %w", discr, bfd.ErrSessionNotFound)
	}
	return bfd.SessionSnapshot{
		LocalDiscr:       sess.LocalDiscriminator(),
		RemoteDiscr:      sess.RemoteDiscriminator(),
		PeerAddr:         sess.PeerAddr(),
		LocalAddr:        sess.LocalAddr(),
		Interface:        sess.Interface(),
		Type:             sess.Type(),
		State:            sess.State(),
		RemoteState:      sess.RemoteState(),
		LocalDiag:        sess.LocalDiag(),
		DesiredMinTx:     sess.DesiredMinTxInterval(),
		RequiredMinRx:    sess.RequiredMinRxInterval(),
		DetectMultiplier: sess.DetectMultiplier(),
	}, nil
}

// GetSessionByPeerAddress iterates all sessions to find one matching addr.
func (a *RequestAPI) GetSessionByPeerAddress(addr netip.Addr) (bfd.SessionSnapshot, error) {
	for _, snap := range a.manager.Sessions() {
		if snap.PeerAddr == addr {
			return snap, nil
		}
	}
	return bfd.SessionSnapshot{}, fmt.Errorf("session with peer address %s: %w", addr, bfd.ErrSessionNotFound)
}

// WatchSessionEvents returns a.events, optionally preceded by a synthetic
// snapshot of every currently active session (mirroring the teacher's
// WatchSessionEvents include_current flag). a.events defaults to
// mgr.StateChanges() but production callers must override it with
// WithEventsChannel, since that channel has exactly one real reader and
// cmd/gobfd already claims it for the Request Registry's dispatch loop.
func (a *RequestAPI) WatchSessionEvents(ctx context.Context, includeCurrent bool) ([]bfd.SessionSnapshot, <-chan bfd.StateChange) {
	a.logger.InfoContext(ctx, "WatchSessionEvents called", slog.Bool("include_current", includeCurrent))

	var current []bfd.SessionSnapshot
	if includeCurrent {
		current = a.manager.Sessions()
	}
	return current, a.events
}

// snapshotFromSession creates a SessionSnapshot from a live Session and
// the config used to create it (covers fields not yet reflected in
// atomic session state immediately after creation).
func snapshotFromSession(sess *bfd.Session, cfg bfd.SessionConfig) bfd.SessionSnapshot {
	return bfd.SessionSnapshot{
		LocalDiscr:       sess.LocalDiscriminator(),
		RemoteDiscr:      sess.RemoteDiscriminator(),
		PeerAddr:         sess.PeerAddr(),
		LocalAddr:        sess.LocalAddr(),
		Interface:        sess.Interface(),
		Type:             cfg.Type,
		State:            sess.State(),
		RemoteState:      sess.RemoteState(),
		LocalDiag:        sess.LocalDiag(),
		DesiredMinTx:     cfg.DesiredMinTxInterval,
		RequiredMinRx:    cfg.RequiredMinRxInterval,
		DetectMultiplier: cfg.DetectMultiplier,
	}
}

// mapManagerError translates bfd.Manager errors into errors a caller can
// errors.Is against the same sentinels the Manager already exports.
// Kept as a pass-through wrapper (rather than a gRPC status code mapping,
// since there is no RPC transport for this surface anymore) so
// cmd/gobfdctl can still branch on bfd.ErrDuplicateSession etc.
func mapManagerError(err error, operation string) error {
	return fmt.Errorf("%s: %w", operation, err)
}

// NewHealthHandler returns the path and http.Handler for a codegen-free
// gRPC health check over connectrpc.com/grpchealth, reporting serviceNames
// as SERVING. Mounted alongside RequestAPI's callers on the same h2c mux
// in cmd/gobfd so liveness probes work without any protobuf code
// generation.
func NewHealthHandler(serviceNames []string, opts ...connect.HandlerOption) (string, http.Handler) {
	checker := grpchealth.NewStaticChecker(serviceNames...)
	return grpchealth.NewHandler(checker, opts...)
}
