// Package commands implements the gobfdctl CLI commands.
package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/nvayro/gobfd/internal/bfd"
)

const (
	formatJSON  = "json"
	formatTable = "table"
	valueNA     = "N/A"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// formatSessions renders a slice of BFD sessions in the requested format.
func formatSessions(sessions []bfd.SessionSnapshot, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatSessionsJSON(sessions)
	case formatTable:
		return formatSessionsTable(sessions)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatSession renders a single BFD session in the requested format.
func formatSession(session bfd.SessionSnapshot, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatSessionJSON(session)
	case formatTable:
		return formatSessionDetail(session), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatEvent renders a session state change in the requested format.
func formatEvent(event bfd.StateChange, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatEventJSON(event)
	case formatTable:
		return formatEventTable(event), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// --- Table formatters ---

func formatSessionsTable(sessions []bfd.SessionSnapshot) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DISCRIMINATOR\tPEER\tLOCAL\tTYPE\tSTATE\tREMOTE-STATE\tDIAG")

	for _, s := range sessions {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.LocalDiscr,
			s.PeerAddr,
			s.LocalAddr,
			shortSessionType(s.Type),
			shortState(s.State),
			shortState(s.RemoteState),
			shortDiag(s.LocalDiag),
		)
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return buf.String(), nil
}

func formatSessionDetail(s bfd.SessionSnapshot) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "Peer Address:\t%s\n", s.PeerAddr)
	fmt.Fprintf(w, "Local Address:\t%s\n", s.LocalAddr)
	fmt.Fprintf(w, "Interface:\t%s\n", s.Interface)
	fmt.Fprintf(w, "Type:\t%s\n", shortSessionType(s.Type))
	fmt.Fprintf(w, "Local State:\t%s\n", shortState(s.State))
	fmt.Fprintf(w, "Remote State:\t%s\n", shortState(s.RemoteState))
	fmt.Fprintf(w, "Local Diagnostic:\t%s\n", shortDiag(s.LocalDiag))
	fmt.Fprintf(w, "Local Discriminator:\t%d\n", s.LocalDiscr)
	fmt.Fprintf(w, "Remote Discriminator:\t%d\n", s.RemoteDiscr)
	fmt.Fprintf(w, "Detect Multiplier:\t%d\n", s.DetectMultiplier)
	fmt.Fprintf(w, "Desired Min TX:\t%s\n", s.DesiredMinTx)
	fmt.Fprintf(w, "Required Min RX:\t%s\n", s.RequiredMinRx)
	fmt.Fprintf(w, "Negotiated TX:\t%s\n", s.NegotiatedTxInterval)
	fmt.Fprintf(w, "Detection Time:\t%s\n", s.DetectionTime)

	if !s.LastStateChange.IsZero() {
		fmt.Fprintf(w, "Last State Change:\t%s\n", s.LastStateChange.Format(time.RFC3339))
	}
	if !s.LastPacketReceived.IsZero() {
		fmt.Fprintf(w, "Last Packet Received:\t%s\n", s.LastPacketReceived.Format(time.RFC3339))
	}

	if err := w.Flush(); err != nil {
		return buf.String()
	}

	return buf.String()
}

func formatEventTable(event bfd.StateChange) string {
	ts := valueNA
	if !event.Timestamp.IsZero() {
		ts = event.Timestamp.Format(time.RFC3339)
	}

	return fmt.Sprintf("[%s] peer=%s  state=%s  prev=%s  diag=%s  discr=%d",
		ts,
		event.PeerAddr,
		shortState(event.NewState),
		shortState(event.OldState),
		shortDiag(event.Diag),
		event.LocalDiscr,
	)
}

// --- JSON formatters ---

func formatSessionsJSON(sessions []bfd.SessionSnapshot) (string, error) {
	data, err := json.MarshalIndent(sessionsToView(sessions), "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal sessions to JSON: %w", err)
	}

	return string(data), nil
}

func formatSessionJSON(session bfd.SessionSnapshot) (string, error) {
	data, err := json.MarshalIndent(sessionToView(session), "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal session to JSON: %w", err)
	}

	return string(data), nil
}

func formatEventJSON(event bfd.StateChange) (string, error) {
	data, err := json.MarshalIndent(eventToView(event), "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal event to JSON: %w", err)
	}

	return string(data), nil
}

// --- View types for clean JSON output ---

type sessionView struct {
	PeerAddress         string `json:"peer_address"`
	LocalAddress        string `json:"local_address"`
	InterfaceName       string `json:"interface_name,omitempty"`
	Type                string `json:"type"`
	LocalState          string `json:"local_state"`
	RemoteState         string `json:"remote_state"`
	LocalDiagnostic     string `json:"local_diagnostic"`
	LocalDiscriminator  uint32 `json:"local_discriminator"`
	RemoteDiscriminator uint32 `json:"remote_discriminator"`
	DetectMultiplier    uint8  `json:"detect_multiplier"`
	DesiredMinTx        string `json:"desired_min_tx_interval,omitempty"`
	RequiredMinRx       string `json:"required_min_rx_interval,omitempty"`
	NegotiatedTx        string `json:"negotiated_tx_interval,omitempty"`
	DetectionTime       string `json:"detection_time,omitempty"`
	LastStateChange     string `json:"last_state_change,omitempty"`
	LastPacketReceived  string `json:"last_packet_received,omitempty"`
}

type eventView struct {
	Timestamp     string       `json:"timestamp"`
	PreviousState string       `json:"previous_state"`
	Session       *sessionView `json:"session,omitempty"`
}

func sessionToView(s bfd.SessionSnapshot) *sessionView {
	v := &sessionView{
		PeerAddress:         s.PeerAddr.String(),
		LocalAddress:        s.LocalAddr.String(),
		InterfaceName:       s.Interface,
		Type:                shortSessionType(s.Type),
		LocalState:          shortState(s.State),
		RemoteState:         shortState(s.RemoteState),
		LocalDiagnostic:     shortDiag(s.LocalDiag),
		LocalDiscriminator:  s.LocalDiscr,
		RemoteDiscriminator: s.RemoteDiscr,
		DetectMultiplier:    s.DetectMultiplier,
		DesiredMinTx:        s.DesiredMinTx.String(),
		RequiredMinRx:       s.RequiredMinRx.String(),
		NegotiatedTx:        s.NegotiatedTxInterval.String(),
		DetectionTime:       s.DetectionTime.String(),
	}

	if !s.LastStateChange.IsZero() {
		v.LastStateChange = s.LastStateChange.Format(time.RFC3339)
	}
	if !s.LastPacketReceived.IsZero() {
		v.LastPacketReceived = s.LastPacketReceived.Format(time.RFC3339)
	}

	return v
}

func sessionsToView(sessions []bfd.SessionSnapshot) []*sessionView {
	views := make([]*sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, sessionToView(s))
	}

	return views
}

func eventToView(event bfd.StateChange) *eventView {
	v := &eventView{
		PreviousState: shortState(event.OldState),
	}

	if !event.Timestamp.IsZero() {
		v.Timestamp = event.Timestamp.Format(time.RFC3339)
	}
	v.Session = &sessionView{
		PeerAddress:        event.PeerAddr.String(),
		LocalState:         shortState(event.NewState),
		LocalDiagnostic:    shortDiag(event.Diag),
		LocalDiscriminator: event.LocalDiscr,
	}

	return v
}

// --- Enum short-name helpers ---

func shortState(s bfd.State) string {
	switch s {
	case bfd.StateAdminDown:
		return "AdminDown"
	case bfd.StateDown:
		return "Down"
	case bfd.StateInit:
		return "Init"
	case bfd.StateUp:
		return "Up"
	default:
		return s.String()
	}
}

func shortSessionType(t bfd.SessionType) string {
	switch t {
	case bfd.SessionTypeSingleHop:
		return "single-hop"
	case bfd.SessionTypeMultiHop:
		return "multi-hop"
	default:
		return t.String()
	}
}

func shortDiag(d bfd.Diag) string {
	return d.String()
}
