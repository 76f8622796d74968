package bfd

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"time"
)

// -------------------------------------------------------------------------
// Request Registry — externally owned session handles (spec §4.8)
// -------------------------------------------------------------------------

// RequestTarget identifies what a Request asks to be notified about: a
// peer reachable over local/iface, optionally scoped to vrf. vrf is
// carried for future multi-instance matching; the Manager this registry
// wraps is single-instance, so every target currently matches.
type RequestTarget struct {
	RemoteAddr netip.Addr
	LocalAddr  netip.Addr
	Interface  string
	VRF        string
}

// RequestOptions overlays per-request overrides onto a session's
// configured parameters. A zero value in any field means "no override,
// use the interface default." reconfigure.go re-merges this overlay from
// the current (head-of-list) request on every Reconciliation pass.
type RequestOptions struct {
	DesiredMinTxInterval  time.Duration
	RequiredMinRxInterval time.Duration
	DetectMultiplier      uint8
	Passive               bool
}

// Request is the externally owned token returned by RequestSession. The
// caller controls its lifetime; Destroy removes it from whatever list
// holds it (a session's request list, or the wait list) and may trigger
// session removal per Invariant 6.
type Request struct {
	mu sync.Mutex

	registry *RequestRegistry
	target   RequestTarget
	options  RequestOptions
	callback StateCallback
	data     any

	session  *Session // nil while on the wait list
	state    State
	oldState State
	diag     Diag
	wentDown bool

	destroyed bool
}

// Data returns the opaque value supplied to RequestSession.
func (r *Request) Data() any { return r.data }

// Snapshot returns the most recently delivered state, old state, diag,
// and went_down flag. Safe for concurrent use; the display code on the
// control thread is permitted to read this without further locking.
func (r *Request) Snapshot() (state, oldState State, diag Diag, wentDown bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, r.oldState, r.diag, r.wentDown
}

// Target returns the (remote, local, interface, vrf) this request was
// created against.
func (r *Request) Target() RequestTarget {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.target
}

// SessionDiscriminator returns the local discriminator of the session this
// request is currently attached to, and false while the request is parked
// on the wait list.
func (r *Request) SessionDiscriminator() (uint32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return 0, false
	}
	return r.session.LocalDiscriminator(), true
}

// UpdateRequest replaces the option overlay and triggers reconfiguration
// of the attached session, if any (spec §4.8, §4.7).
func (r *Request) UpdateRequest(opts RequestOptions) {
	r.mu.Lock()
	r.options = opts
	sess := r.session
	r.mu.Unlock()

	if sess != nil {
		r.registry.reconfigureAttached(sess)
	}
}

// Destroy detaches the request from its session or the wait list. If the
// session loses its last request and no notify hook is running on it,
// the session is torn down (Invariant 6).
func (r *Request) Destroy() {
	r.registry.destroy(r)
}

func (r *Request) deliver(sc StateChange) {
	r.mu.Lock()
	oldState := r.state
	r.oldState = oldState
	r.state = sc.NewState
	r.diag = sc.Diag
	r.wentDown = oldState == StateUp && sc.NewState == StateDown && sc.OldState != StateAdminDown
	cb := r.callback
	r.mu.Unlock()

	if cb != nil {
		cb(sc)
	}
}

// deliverInitial sends the request's first notification synchronously,
// using the session's current snapshot rather than waiting for the next
// StateChange — request_session callers expect to observe the state that
// held at attach time, per spec §4.8.
func (r *Request) deliverInitial(localDiscr uint32, peerAddr netip.Addr, state State, diag Diag) {
	r.mu.Lock()
	r.oldState = r.state
	r.state = state
	r.diag = diag
	r.wentDown = false
	cb := r.callback
	r.mu.Unlock()

	if cb != nil {
		cb(StateChange{LocalDiscr: localDiscr, PeerAddr: peerAddr, OldState: r.oldState, NewState: state, Diag: diag})
	}
}

// -------------------------------------------------------------------------
// RequestRegistry
// -------------------------------------------------------------------------

// requestList is the set of requests currently attached to one session,
// plus a notifyRunning guard so a callback that destroys its own request
// mid-dispatch does not corrupt the list it is being walked from
// (spec §4.10, §7 Callback re-entry hazards).
type requestList struct {
	requests      []*Request
	notifyRunning bool
}

// RequestRegistry is the Request Registry (spec §4.8): it hands out
// Request tokens, attaches them to sessions created through or already
// known to mgr, maintains the wait list for requests with no matching
// session yet, and drives callbacks from Manager.StateChanges().
//
// Manager.RunDispatch (the Cross-thread Bridge) must be running
// concurrently for this registry to receive notifications; Run consumes
// the StateChange channel its caller supplies (normally fed from
// mgr.StateChanges()).
type RequestRegistry struct {
	mgr    *Manager
	logger *slog.Logger

	mu       sync.Mutex
	byDiscr  map[uint32]*requestList
	waitList []*Request
}

// NewRequestRegistry creates a Request Registry bound to mgr.
func NewRequestRegistry(mgr *Manager, logger *slog.Logger) *RequestRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &RequestRegistry{
		mgr:     mgr,
		logger:  logger.With(slog.String("component", "bfd.RequestRegistry")),
		byDiscr: make(map[uint32]*requestList),
	}
}

// RequestSession implements request_session (spec §4.8): it looks up an
// existing session on (remote, local, iface), creating one via cfg/sender
// if none exists yet, attaches a new Request to it, and delivers the
// initial notification synchronously. If sender is nil and no existing
// session is found, or session creation fails, the request is parked on
// the wait list with an
// AdminDown/AdminDown/0 notification.
func (rr *RequestRegistry) RequestSession(
	ctx context.Context,
	target RequestTarget,
	cb StateCallback,
	data any,
	opts RequestOptions,
	cfg SessionConfig,
	sender PacketSender,
) *Request {
	req := &Request{
		registry: rr,
		target:   target,
		options:  opts,
		callback: cb,
		data:     data,
		state:    StateAdminDown,
		oldState: StateAdminDown,
	}

	key := sessionKey{peerAddr: target.RemoteAddr, localAddr: target.LocalAddr, ifName: target.Interface}

	if entry, ok := rr.mgr.LookupByPeer(key); ok {
		rr.attach(entry, req)
		return req
	}

	if sender == nil {
		rr.parkOnWaitList(req)
		return req
	}

	sess, err := rr.mgr.CreateSession(ctx, cfg, sender)
	if err != nil {
		rr.logger.Warn("request_session: create session failed, parking on wait list",
			slog.String("peer", target.RemoteAddr.String()), slog.String("error", err.Error()))
		rr.parkOnWaitList(req)
		return req
	}

	rr.attach(sess, req)
	return req
}

func (rr *RequestRegistry) parkOnWaitList(req *Request) {
	rr.mu.Lock()
	rr.waitList = append(rr.waitList, req)
	rr.mu.Unlock()

	req.deliverInitial(0, req.target.RemoteAddr, StateAdminDown, DiagNone)
	rr.logger.Debug("request parked on wait list", slog.String("peer", req.target.RemoteAddr.String()))
}

func (rr *RequestRegistry) attach(sess *Session, req *Request) {
	discr := sess.LocalDiscriminator()

	rr.mu.Lock()
	list, ok := rr.byDiscr[discr]
	if !ok {
		list = &requestList{}
		rr.byDiscr[discr] = list
	}
	list.requests = append(list.requests, req)
	rr.mu.Unlock()

	req.mu.Lock()
	req.session = sess
	req.mu.Unlock()

	req.deliverInitial(discr, req.target.RemoteAddr, sess.State(), sess.LocalDiag())
}

// destroy implements Request.Destroy: remove req from whichever list
// holds it. If it was the last request on its session and no notify hook
// is currently running for that session, the session is removed per
// Invariant 6.
func (rr *RequestRegistry) destroy(req *Request) {
	req.mu.Lock()
	if req.destroyed {
		req.mu.Unlock()
		return
	}
	req.destroyed = true
	sess := req.session
	req.mu.Unlock()

	if sess == nil {
		rr.mu.Lock()
		rr.waitList = removeRequest(rr.waitList, req)
		rr.mu.Unlock()
		return
	}

	discr := sess.LocalDiscriminator()

	rr.mu.Lock()
	list, ok := rr.byDiscr[discr]
	if !ok {
		rr.mu.Unlock()
		return
	}
	list.requests = removeRequest(list.requests, req)
	empty := len(list.requests) == 0 && !list.notifyRunning
	if empty {
		delete(rr.byDiscr, discr)
	}
	rr.mu.Unlock()

	if empty {
		if err := rr.mgr.DestroySession(context.Background(), discr); err != nil {
			rr.logger.Debug("destroy session after last request removed",
				slog.Uint64("discriminator", uint64(discr)), slog.String("error", err.Error()))
		}
	}
}

func removeRequest(list []*Request, target *Request) []*Request {
	for i, r := range list {
		if r == target {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// reconfigureAttached re-merges the head-of-list request's option overlay
// onto sess and reapplies it immediately, the same Reconciliation does for
// an interface-wide change (spec §4.7), but triggered by a single
// UpdateRequest call rather than a neigh_notify/MarkChanged sweep.
func (rr *RequestRegistry) reconfigureAttached(sess *Session) {
	discr := sess.LocalDiscriminator()
	rr.applyHeadOverlay(discr)
	rr.logger.Debug("request overlay updated", slog.Uint64("discriminator", uint64(discr)))
}

// applyHeadOverlay re-merges the head-of-list request's RequestOptions
// onto the session identified by discr and reapplies them via the
// session's Poll Sequence commands (spec §4.7: no timer reset). Sessions
// with no attached requests (created directly via Manager.CreateSession,
// bypassing the Request Registry) are left at their configured defaults.
// Shared by UpdateRequest (single request) and reconfigure.go's Reconciler
// (interface-wide sweep) so there is exactly one overlay-reapply path.
func (rr *RequestRegistry) applyHeadOverlay(discr uint32) {
	sess, ok := rr.mgr.LookupByDiscriminator(discr)
	if !ok {
		return
	}

	rr.mu.Lock()
	list, ok := rr.byDiscr[discr]
	var head *Request
	if ok && len(list.requests) > 0 {
		head = list.requests[0]
	}
	rr.mu.Unlock()

	if head == nil {
		return
	}

	head.mu.Lock()
	opts := head.options
	head.mu.Unlock()

	if opts.DesiredMinTxInterval > 0 {
		sess.SetMinTx(opts.DesiredMinTxInterval)
	}
	if opts.RequiredMinRxInterval > 0 {
		sess.SetMinRx(opts.RequiredMinRxInterval)
	}
	if opts.DetectMultiplier > 0 {
		sess.SetDetectMultiplier(opts.DetectMultiplier)
	}
	sess.SetPassive(opts.Passive)
}

// Run drains events and dispatches each StateChange to every request
// attached to the affected session, guarding re-entrant Destroy calls
// with notifyRunning (spec §4.10, §7). It blocks until ctx is canceled or
// the channel closes.
//
// events is normally mgr.StateChanges() passed through directly; when
// something else (e.g. the GoBGP handler) also needs every notification,
// the caller fans Manager.StateChanges() out to both instead of handing
// this registry the Manager's channel itself, since that channel has
// exactly one real reader.
func (rr *RequestRegistry) Run(ctx context.Context, events <-chan StateChange) {
	for {
		select {
		case <-ctx.Done():
			return
		case sc, ok := <-events:
			if !ok {
				return
			}
			rr.dispatch(sc)
		}
	}
}

func (rr *RequestRegistry) dispatch(sc StateChange) {
	rr.mu.Lock()
	list, ok := rr.byDiscr[sc.LocalDiscr]
	if !ok {
		rr.mu.Unlock()
		return
	}
	list.notifyRunning = true
	requests := make([]*Request, len(list.requests))
	copy(requests, list.requests)
	rr.mu.Unlock()

	for _, req := range requests {
		req.deliver(sc)
	}

	rr.mu.Lock()
	list.notifyRunning = false
	empty := len(list.requests) == 0
	if empty {
		delete(rr.byDiscr, sc.LocalDiscr)
	}
	rr.mu.Unlock()

	if empty {
		if err := rr.mgr.DestroySession(context.Background(), sc.LocalDiscr); err != nil {
			rr.logger.Debug("destroy session with no remaining requests after dispatch",
				slog.Uint64("discriminator", uint64(sc.LocalDiscr)), slog.String("error", err.Error()))
		}
	}
}

// AbsorbWaitList re-submits every waiting request as a fresh
// RequestSession call, used when a new protocol instance starts (spec
// §4.8: "it absorbs the wait list").
func (rr *RequestRegistry) AbsorbWaitList(ctx context.Context, buildConfig func(RequestTarget) (SessionConfig, PacketSender, error)) {
	rr.mu.Lock()
	waiting := rr.waitList
	rr.waitList = nil
	rr.mu.Unlock()

	for _, req := range waiting {
		cfg, sender, err := buildConfig(req.target)
		if err != nil {
			rr.logger.Warn("wait list absorption: rebuilding config failed",
				slog.String("peer", req.target.RemoteAddr.String()), slog.String("error", err.Error()))
			rr.mu.Lock()
			rr.waitList = append(rr.waitList, req)
			rr.mu.Unlock()
			continue
		}

		key := sessionKey{peerAddr: req.target.RemoteAddr, localAddr: req.target.LocalAddr, ifName: req.target.Interface}
		if entry, ok := rr.mgr.LookupByPeer(key); ok {
			rr.attach(entry, req)
			continue
		}

		sess, err := rr.mgr.CreateSession(ctx, cfg, sender)
		if err != nil {
			rr.logger.Warn("wait list absorption: create session failed",
				slog.String("peer", req.target.RemoteAddr.String()), slog.String("error", err.Error()))
			rr.mu.Lock()
			rr.waitList = append(rr.waitList, req)
			rr.mu.Unlock()
			continue
		}
		rr.attach(sess, req)
	}
}

// PushToWaitList moves every request currently attached to discr back to
// the wait list, used when the owning protocol instance shuts down (spec
// §4.8: "pushes its sessions' requests back to the wait list").
func (rr *RequestRegistry) PushToWaitList(discr uint32) {
	rr.mu.Lock()
	list, ok := rr.byDiscr[discr]
	if !ok {
		rr.mu.Unlock()
		return
	}
	delete(rr.byDiscr, discr)
	requests := list.requests
	rr.mu.Unlock()

	for _, req := range requests {
		req.mu.Lock()
		req.session = nil
		req.mu.Unlock()
	}

	rr.mu.Lock()
	rr.waitList = append(rr.waitList, requests...)
	rr.mu.Unlock()

	for _, req := range requests {
		req.deliverInitial(0, req.target.RemoteAddr, StateAdminDown, DiagNone)
	}
}

// WaitListLen reports the number of requests currently parked on the
// wait list. Exposed for diagnostics and tests (Invariant 7).
func (rr *RequestRegistry) WaitListLen() int {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	return len(rr.waitList)
}
