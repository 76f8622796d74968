package netio

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"
)

// -------------------------------------------------------------------------
// D-Bus Interface Monitor — systemd-networkd link/route signals
// -------------------------------------------------------------------------

// D-Bus names used to watch systemd-networkd: the monitor matches
// PropertiesChanged signals sent by org.freedesktop.network1 for its
// per-link objects.
const (
	networkdDest            = "org.freedesktop.network1"
	networkdPath            = "/org/freedesktop/network1"
	networkdPropsInterface  = "org.freedesktop.DBus.Properties"
	networkdPropsChanged    = "org.freedesktop.DBus.Properties.PropertiesChanged"
	networkdManagerIface    = "org.freedesktop.network1.Manager"
)

// DBusInterfaceMonitor implements InterfaceMonitor by subscribing to
// org.freedesktop.network1's PropertiesChanged signals over the system
// bus, translating carrier-state property updates into InterfaceEvents.
// This avoids a netlink dependency in favor of the D-Bus surface
// systemd-networkd already exposes.
type DBusInterfaceMonitor struct {
	conn   *dbus.Conn
	events chan InterfaceEvent
	logger *slog.Logger
}

// NewDBusInterfaceMonitor dials the system bus and prepares to watch
// systemd-networkd link events. The connection is established lazily on
// Run so construction never blocks on D-Bus availability.
func NewDBusInterfaceMonitor(logger *slog.Logger) *DBusInterfaceMonitor {
	return &DBusInterfaceMonitor{
		events: make(chan InterfaceEvent, 16),
		logger: logger.With(slog.String("component", "ifmon.dbus")),
	}
}

// Run connects to the system bus, subscribes to PropertiesChanged signals
// scoped to org.freedesktop.network1, and translates CarrierState
// updates into InterfaceEvents until ctx is canceled.
func (m *DBusInterfaceMonitor) Run(ctx context.Context) error {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		close(m.events)
		return fmt.Errorf("dbus interface monitor: connect system bus: %w", err)
	}
	m.conn = conn
	defer conn.Close()

	matchRule := fmt.Sprintf("type='signal',interface='%s',member='PropertiesChanged',sender='%s'",
		networkdPropsInterface, networkdDest)
	if err := conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, matchRule).Err; err != nil {
		close(m.events)
		return fmt.Errorf("dbus interface monitor: add match: %w", err)
	}

	signals := make(chan *dbus.Signal, 16)
	conn.Signal(signals)
	defer conn.RemoveSignal(signals)

	m.logger.Info("dbus interface monitor started", slog.String("bus", "system"))

	for {
		select {
		case <-ctx.Done():
			close(m.events)
			m.logger.Info("dbus interface monitor stopped")
			return nil
		case sig, ok := <-signals:
			if !ok {
				close(m.events)
				return nil
			}
			m.handleSignal(sig)
		}
	}
}

// handleSignal decodes a PropertiesChanged body and, if it carries a
// CarrierState string, emits the corresponding InterfaceEvent ("carrier",
// "degraded" and "routable" count as up; any other value as down).
// Unrelated interfaces/properties are ignored. Link name resolution is
// best-effort: systemd-networkd's object path encodes the ifindex, not
// the name, so the event carries IfIndex and leaves IfName for the
// caller to resolve via net.InterfaceByIndex if needed.
func (m *DBusInterfaceMonitor) handleSignal(sig *dbus.Signal) {
	if sig.Name != networkdPropsChanged || len(sig.Body) < 2 {
		return
	}
	ifaceName, ok := sig.Body[0].(string)
	if !ok || ifaceName != "org.freedesktop.network1.Link" {
		return
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return
	}

	carrier, hasCarrier := changed["CarrierState"]
	if !hasCarrier {
		return
	}
	state, _ := carrier.Value().(string)

	ifindex := ifindexFromPath(sig.Path)
	up := state == "carrier" || state == "routable" || state == "degraded"

	select {
	case m.events <- InterfaceEvent{IfIndex: ifindex, Up: up}:
	default:
		m.logger.Warn("interface event dropped, channel full", slog.Int("ifindex", ifindex))
	}
}

// ifindexFromPath extracts the trailing numeric link identifier from a
// systemd-networkd object path of the form
// /org/freedesktop/network1/link/_3N (N is the ifindex, escaped).
func ifindexFromPath(path dbus.ObjectPath) int {
	s := string(path)
	idx := 0
	for i := len(s) - 1; i >= 0; i-- {
		c := s[i]
		if c < '0' || c > '9' {
			break
		}
		idx++
	}
	if idx == 0 {
		return 0
	}
	digits := s[len(s)-idx:]
	n := 0
	for _, c := range digits {
		n = n*10 + int(c-'0')
	}
	return n
}

// Events returns the channel of translated interface state changes.
func (m *DBusInterfaceMonitor) Events() <-chan InterfaceEvent {
	return m.events
}

// Close disconnects from the system bus, if connected.
func (m *DBusInterfaceMonitor) Close() error {
	if m.conn == nil {
		return nil
	}
	return m.conn.Close()
}
