package main

import (
	"context"
	"errors"

	"github.com/srg/woble/internal/gatt"
	"github.com/srg/woble/internal/transport"
	"github.com/srg/woble/pkg/woble"
)

// ErrSessionLost indicates the session ended while a command was still using it.
var ErrSessionLost = errors.New("session lost")

// FormatUserError rewrites internal errors into actionable one-liners.
// Unrecognized errors pass through unchanged.
func FormatUserError(err error) string {
	switch {
	case errors.Is(err, gatt.ErrStackUnavailable):
		return "Bluetooth is unavailable. Check that the adapter is present and powered on."
	case errors.Is(err, woble.ErrSessionActive):
		return "A session is already active. Close it before opening another."
	case errors.Is(err, transport.ErrFragmentTooLarge):
		return "Payload exceeds the negotiated MTU. Split it into smaller fragments."
	case errors.Is(err, transport.ErrProviderUnavailable):
		return "The platform BLE stack rejected the connection attempt."
	case errors.Is(err, context.DeadlineExceeded):
		return "Timed out. The peripheral may be out of range or not advertising."
	case errors.Is(err, ErrSessionLost):
		return "The peripheral dropped the connection."
	}
	return err.Error()
}
