package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/woble/internal/gatt"
	"github.com/srg/woble/internal/transport"
	"github.com/srg/woble/pkg/woble"
)

// sessionCmd represents the session command
var sessionCmd = &cobra.Command{
	Use:   "session <device-address>",
	Short: "Open a diagnostic transport session",
	Long: `Open a transport session against a peripheral and exercise it end to end:
connect, discover the commissioning endpoints, subscribe to indications, and
optionally write fragments.

Inbound indications are printed as hex lines until Ctrl+C or until the
peripheral drops the link.

Examples:
  # Subscribe and stream indications
  woble session AA:BB:CC:DD:EE:FF

  # Additionally write two fragments after subscribing
  woble session AA:BB:CC:DD:EE:FF --send 6500000a --send c001`,
	Args: cobra.ExactArgs(1),
	RunE: runSession,
}

var (
	sessionSend    []string
	sessionTimeout time.Duration
)

func init() {
	sessionCmd.Flags().StringSliceVar(&sessionSend, "send", nil, "Hex-encoded fragment(s) to write after subscribing")
	sessionCmd.Flags().DurationVar(&sessionTimeout, "timeout", 0, "Connect timeout (defaults to the configured value)")
}

// sessionEvents adapts engine callbacks onto channels the command can select
// on. Sends never block the transport; overflow indications are dropped with
// a warning counter instead.
type sessionEvents struct {
	established chan woble.Handle
	ended       chan string
	failed      chan transport.ErrorKind
	received    chan []byte
}

var _ transport.EngineSink = (*sessionEvents)(nil)

func newSessionEvents() *sessionEvents {
	return &sessionEvents{
		established: make(chan woble.Handle, 1),
		ended:       make(chan string, 1),
		failed:      make(chan transport.ErrorKind, 1),
		received:    make(chan []byte, 64),
	}
}

func (e *sessionEvents) OnSessionEstablished(h gatt.ConnectionHandle) {
	select {
	case e.established <- h:
	default:
	}
}

func (e *sessionEvents) OnSessionEnded(_ gatt.ConnectionHandle, reason string) {
	select {
	case e.ended <- reason:
	default:
	}
}

func (e *sessionEvents) OnBytesReceived(_ gatt.ConnectionHandle, data []byte) {
	select {
	case e.received <- data:
	default:
		color.New(color.FgYellow).Fprintln(os.Stderr, "warning: indication dropped, terminal not keeping up")
	}
}

func (e *sessionEvents) OnTransportError(_ gatt.ConnectionHandle, kind transport.ErrorKind) {
	select {
	case e.failed <- kind:
	default:
	}
}

func runSession(cmd *cobra.Command, args []string) error {
	address := args[0]

	// Decode payloads up front so a typo fails before we touch the radio.
	payloads := make([][]byte, 0, len(sessionSend))
	for _, s := range sessionSend {
		data, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
		if err != nil {
			return fmt.Errorf("invalid --send payload %q: %w", s, err)
		}
		payloads = append(payloads, data)
	}

	logger, err := configureLogger(cmd)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if sessionTimeout > 0 {
		cfg.ConnectTimeout = sessionTimeout
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		cancel()
	}()

	events := newSessionEvents()
	manager := woble.NewManager(cfg, events, logger)
	defer func() { _ = manager.Close() }()

	fmt.Fprintf(os.Stderr, "Connecting to %s...\n", address)
	if _, err := manager.Connect(ctx, address); err != nil {
		return err
	}

	// Establishment is asynchronous: wait for the transport to report it.
	select {
	case <-events.established:
	case kind := <-events.failed:
		return fmt.Errorf("session setup failed: %s", kind)
	case reason := <-events.ended:
		return fmt.Errorf("session ended during setup: %s", reason)
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(cfg.ConnectTimeout):
		return fmt.Errorf("session setup: %w", context.DeadlineExceeded)
	}
	color.New(color.FgGreen).Fprintf(os.Stderr, "Session established (state %s)\n", manager.State())

	if err := manager.Subscribe(); err != nil {
		return err
	}

	for _, data := range payloads {
		if err := manager.Send(data); err != nil {
			return fmt.Errorf("send %x: %w", data, err)
		}
		fmt.Fprintf(os.Stderr, "queued %d byte fragment\n", len(data))
	}

	fmt.Fprintln(os.Stderr, "Streaming indications. Press Ctrl+C to stop...")
	for {
		select {
		case data := <-events.received:
			fmt.Println(hex.EncodeToString(data))
		case reason := <-events.ended:
			if reason == transport.ReasonClosed {
				return nil
			}
			color.New(color.FgRed).Fprintf(os.Stderr, "session ended: %s\n", reason)
			return ErrSessionLost
		case kind := <-events.failed:
			color.New(color.FgRed).Fprintf(os.Stderr, "transport error: %s\n", kind)
			return ErrSessionLost
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "\nClosing session...")
			if err := manager.Close(); err != nil {
				return err
			}
			// Give the orderly teardown a moment to complete.
			select {
			case <-events.ended:
			case <-time.After(2 * time.Second):
			}
			return nil
		}
	}
}
