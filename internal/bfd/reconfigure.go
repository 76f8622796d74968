package bfd

import (
	"log/slog"
)

// -------------------------------------------------------------------------
// Reconfiguration — reapply changed interface parameters (spec §4.7)
// -------------------------------------------------------------------------

// Reconciler applies interface-level configuration changes to the live
// sessions bound to them, without a full session rebuild. ReconcileSessions
// on Manager already handles the create/destroy diff (spec §4.9's "missing
// or removed" case); Reconciler fills the gap its own doc comment names:
// "existing sessions are left untouched (parameter changes require a
// separate Poll Sequence mechanism)".
type Reconciler struct {
	mgr      *Manager
	pool     *InterfacePool
	registry *RequestRegistry
	logger   *slog.Logger
}

// NewReconciler creates a Reconciler composing mgr, pool, and registry.
func NewReconciler(mgr *Manager, pool *InterfacePool, registry *RequestRegistry, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		mgr:      mgr,
		pool:     pool,
		registry: registry,
		logger:   logger.With(slog.String("component", "bfd.Reconciler")),
	}
}

// ReconcileInterface re-applies the current overlay to every session bound
// to ifName whose Interface Pool entry has its changed flag set, per spec
// §4.7: re-merge options from the current (head-of-list) request, reapply
// set_min_tx/set_min_rx (using idle_tx or min_tx per the session's current
// state), update detect_mult and passive, without a full timer reset.
func (rc *Reconciler) ReconcileInterface(ifName string) {
	entries := rc.mgr.Sessions()
	for _, snap := range entries {
		if snap.Interface != ifName {
			continue
		}
		if !rc.pool.ConsumeChanged(snap.LocalAddr, ifName) {
			continue
		}
		rc.applyOverlay(snap.LocalDiscr)
	}
}

// applyOverlay re-merges the head-of-list request's RequestOptions onto
// the session identified by discr and reapplies them. Sessions with no
// attached requests (e.g. created directly via Manager.CreateSession,
// bypassing the Request Registry) are left at their configured defaults.
// The actual re-merge/reapply logic lives on RequestRegistry itself
// (applyHeadOverlay) so UpdateRequest's single-request reconfiguration and
// this interface-wide sweep share one code path.
func (rc *Reconciler) applyOverlay(discr uint32) {
	rc.registry.applyHeadOverlay(discr)
	rc.logger.Debug("reconfiguration applied overlay",
		slog.Uint64("discriminator", uint64(discr)))
}
