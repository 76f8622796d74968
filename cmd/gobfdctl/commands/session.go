package commands

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/nvayro/gobfd/internal/bfd"
)

// Sentinel errors for CLI validation.
var (
	errPeerRequired       = errors.New("--peer flag is required")
	errUnknownSessionType = errors.New("unknown session type, expected single-hop or multi-hop")
)

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage BFD sessions",
	}

	cmd.AddCommand(sessionListCmd())
	cmd.AddCommand(sessionShowCmd())
	cmd.AddCommand(sessionAddCmd())
	cmd.AddCommand(sessionDeleteCmd())

	return cmd
}

// --- session list ---

func sessionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all BFD sessions",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			sessions, err := client.ListSessions(context.Background())
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}

			out, err := formatSessions(sessions, outputFormat)
			if err != nil {
				return fmt.Errorf("format sessions: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}

// --- session show ---

func sessionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <peer-address-or-discriminator>",
		Short: "Show details of a BFD session",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			snap, err := getSessionByIdentifier(context.Background(), args[0])
			if err != nil {
				return fmt.Errorf("get session: %w", err)
			}

			out, err := formatSession(snap, outputFormat)
			if err != nil {
				return fmt.Errorf("format session: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}

// getSessionByIdentifier parses identifier as either a uint32 discriminator
// or a peer IP address string, and looks it up accordingly.
func getSessionByIdentifier(ctx context.Context, identifier string) (bfd.SessionSnapshot, error) {
	if discr, err := strconv.ParseUint(identifier, 10, 32); err == nil {
		return client.GetSessionByDiscriminator(ctx, uint32(discr))
	}

	addr, err := netip.ParseAddr(identifier)
	if err != nil {
		return bfd.SessionSnapshot{}, fmt.Errorf("parse identifier %q: %w", identifier, err)
	}
	return client.GetSessionByPeerAddress(ctx, addr)
}

// --- session add ---

func sessionAddCmd() *cobra.Command {
	var (
		peer       string
		local      string
		iface      string
		sessType   string
		txInterval time.Duration
		rxInterval time.Duration
		detectMult uint8
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a new BFD session",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if peer == "" {
				return errPeerRequired
			}

			st, err := parseSessionType(sessType)
			if err != nil {
				return fmt.Errorf("parse session type: %w", err)
			}

			peerAddr, err := netip.ParseAddr(peer)
			if err != nil {
				return fmt.Errorf("parse peer address: %w", err)
			}

			var localAddr netip.Addr
			if local != "" {
				localAddr, err = netip.ParseAddr(local)
				if err != nil {
					return fmt.Errorf("parse local address: %w", err)
				}
			}

			cfg := bfd.SessionConfig{
				PeerAddr:              peerAddr,
				LocalAddr:             localAddr,
				Interface:             iface,
				Type:                  st,
				Role:                  bfd.RoleActive,
				DesiredMinTxInterval:  txInterval,
				RequiredMinRxInterval: rxInterval,
				DetectMultiplier:      detectMult,
			}

			snap, err := client.AddSession(context.Background(), cfg)
			if err != nil {
				return fmt.Errorf("add session: %w", err)
			}

			out, err := formatSession(snap, outputFormat)
			if err != nil {
				return fmt.Errorf("format session: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&peer, "peer", "", "peer IP address (required)")
	flags.StringVar(&local, "local", "", "local IP address")
	flags.StringVar(&iface, "interface", "", "network interface name")
	flags.StringVar(&sessType, "type", "single-hop", "session type: single-hop or multi-hop")
	flags.DurationVar(&txInterval, "tx-interval", time.Second, "desired minimum TX interval")
	flags.DurationVar(&rxInterval, "rx-interval", time.Second, "required minimum RX interval")
	flags.Uint8Var(&detectMult, "detect-mult", 3, "detection multiplier (RFC 5880 Section 6.1)")

	return cmd
}

// parseSessionType converts a CLI string to a bfd.SessionType.
func parseSessionType(s string) (bfd.SessionType, error) {
	switch s {
	case "single-hop":
		return bfd.SessionTypeSingleHop, nil
	case "multi-hop":
		return bfd.SessionTypeMultiHop, nil
	default:
		return 0, fmt.Errorf("%w: %q", errUnknownSessionType, s)
	}
}

// --- session delete ---

func sessionDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <discriminator>",
		Short: "Delete a BFD session by local discriminator",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			discr, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil {
				return fmt.Errorf("parse discriminator %q: %w", args[0], err)
			}

			if err := client.DeleteSession(context.Background(), uint32(discr)); err != nil {
				return fmt.Errorf("delete session: %w", err)
			}

			fmt.Printf("Session %d deleted.\n", discr)

			return nil
		},
	}
}
