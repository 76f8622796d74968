// gobfd-exabgp-bridge is an ExaBGP process that announces/withdraws routes
// based on BFD session state from GoBFD.
//
// ExaBGP invokes this binary as a "process". Communication follows ExaBGP
// conventions: STDOUT = commands to ExaBGP, STDERR = logging.
//
// On BFD Up:   writes "announce route <prefix> next-hop self\n" to STDOUT
// On BFD Down: writes "withdraw route <prefix> next-hop self\n" to STDOUT
//
// Configuration via environment variables:
//
//	GOBFD_ADDR      - GoBFD JSON request API address (default: http://127.0.0.1:50052)
//	GOBFD_PEER      - BFD peer address to watch
//	ANYCAST_PREFIX  - route prefix to announce/withdraw (e.g., 198.51.100.1/32)
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nvayro/gobfd/internal/bfd"
	"github.com/nvayro/gobfd/internal/server"
	appversion "github.com/nvayro/gobfd/internal/version"
)

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-version") {
		fmt.Println(appversion.Full("gobfd-exabgp-bridge"))
		return 0
	}

	gobfdAddr := envOrDefault("GOBFD_ADDR", "http://127.0.0.1:50052")
	peer := os.Getenv("GOBFD_PEER")
	prefix := os.Getenv("ANYCAST_PREFIX")

	// ExaBGP convention: log to STDERR, commands to STDOUT.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if peer == "" || prefix == "" {
		logger.Error("GOBFD_PEER and ANYCAST_PREFIX environment variables are required")
		return 1
	}

	logger.Info("gobfd-exabgp-bridge starting",
		slog.String("gobfd_addr", gobfdAddr),
		slog.String("peer", peer),
		slog.String("prefix", prefix),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := watchAndAnnounce(ctx, gobfdAddr, peer, prefix, logger); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("gobfd-exabgp-bridge stopped")
			return 0
		}
		logger.Error("bridge exited with error", slog.String("error", err.Error()))
		return 1
	}

	return 0
}

// watchAndAnnounce connects to GoBFD, watches BFD events for the specified peer,
// and writes ExaBGP route commands to STDOUT. Reconnects on stream errors with
// exponential backoff.
func watchAndAnnounce(
	ctx context.Context,
	gobfdAddr string,
	peer string,
	prefix string,
	logger *slog.Logger,
) error {
	client := server.NewClient(gobfdAddr, nil)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		err := streamEvents(ctx, client, peer, prefix, logger)
		if err == nil || errors.Is(err, context.Canceled) {
			return err
		}

		logger.Warn("stream disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for reconnect: %w", ctx.Err())
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// streamEvents opens a single WatchSessionEvents stream and processes events
// until the channel closes (daemon dropped the connection) or ctx is done.
// A closed stream is reported as an error so that watchAndAnnounce reconnects.
func streamEvents(
	ctx context.Context,
	client *server.Client,
	peer string,
	prefix string,
	logger *slog.Logger,
) error {
	events, err := client.WatchSessionEvents(ctx, true)
	if err != nil {
		return fmt.Errorf("watch session events: %w", err)
	}

	announced := false

	for event := range events {
		if event.PeerAddr.String() != peer {
			continue
		}

		announced = handleStateChange(event.NewState, announced, peer, prefix, logger)
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.New("event stream closed by daemon")
}

// handleStateChange processes a BFD state change and writes ExaBGP commands to STDOUT.
// Returns the updated announced state.
func handleStateChange(
	state bfd.State,
	announced bool,
	peer string,
	prefix string,
	logger *slog.Logger,
) bool {
	switch state {
	case bfd.StateUp:
		if !announced {
			fmt.Fprintf(os.Stdout, "announce route %s next-hop self\n", prefix)
			logger.Info("announced route",
				slog.String("prefix", prefix),
				slog.String("peer", peer),
			)
			return true
		}

	case bfd.StateDown, bfd.StateAdminDown:
		if announced {
			fmt.Fprintf(os.Stdout, "withdraw route %s next-hop self\n", prefix)
			logger.Info("withdrew route",
				slog.String("prefix", prefix),
				slog.String("peer", peer),
			)
			return false
		}

	case bfd.StateInit:
		logger.Debug("ignoring transient BFD state",
			slog.String("state", state.String()),
			slog.String("peer", peer),
		)
	}

	return announced
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
