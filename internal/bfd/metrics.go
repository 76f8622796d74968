package bfd

import "net/netip"

// -------------------------------------------------------------------------
// MetricsReporter — decouples the core engine from the Prometheus collector
// -------------------------------------------------------------------------

// MetricsReporter receives instrumentation events from sessions and the
// Manager. internal/metrics.Collector implements this interface; noopMetrics
// is the default when no collector is configured (WithMetrics/WithManagerMetrics
// with a nil argument, or no option at all).
type MetricsReporter interface {
	// RegisterSession records the creation of a session of the given type.
	RegisterSession(peerAddr, localAddr netip.Addr, sessionType string)

	// UnregisterSession records the destruction of a session.
	UnregisterSession(peerAddr, localAddr netip.Addr, sessionType string)

	// IncPacketsSent increments the transmitted-packet counter for a session.
	IncPacketsSent(peerAddr, localAddr netip.Addr)

	// IncPacketsReceived increments the received-packet counter for a session.
	IncPacketsReceived(peerAddr, localAddr netip.Addr)

	// IncPacketsDropped increments the dropped-packet counter for a session
	// (malformed packet, auth mismatch, demux miss).
	IncPacketsDropped(peerAddr, localAddr netip.Addr)

	// IncAuthFailures increments the authentication-failure counter.
	IncAuthFailures(peerAddr, localAddr netip.Addr)

	// RecordStateTransition records an FSM state transition.
	RecordStateTransition(peerAddr, localAddr netip.Addr, oldState, newState string)
}

// noopMetrics discards every event. It is the default MetricsReporter so
// sessions never need a nil check before calling into it.
type noopMetrics struct{}

func (noopMetrics) RegisterSession(netip.Addr, netip.Addr, string)          {}
func (noopMetrics) UnregisterSession(netip.Addr, netip.Addr, string)        {}
func (noopMetrics) IncPacketsSent(netip.Addr, netip.Addr)                   {}
func (noopMetrics) IncPacketsReceived(netip.Addr, netip.Addr)               {}
func (noopMetrics) IncPacketsDropped(netip.Addr, netip.Addr)                {}
func (noopMetrics) IncAuthFailures(netip.Addr, netip.Addr)                  {}
func (noopMetrics) RecordStateTransition(netip.Addr, netip.Addr, string, string) {}
