// Package gatt defines the boundary between the transport bridge and the
// platform GATT stack. A Provider exposes the raw primitives (connect,
// discovery, subscribe, write, disconnect) as submit-only calls; every
// outcome is reported asynchronously through the EventSink the Provider was
// constructed with.
package gatt

import (
	"context"
	"errors"
	"strings"
)

// ErrStackUnavailable marks a platform BLE stack that is disabled or
// unauthorized. Providers wrap connect failures with it so the bridge can
// classify them; nothing below a connect attempt reports it.
var ErrStackUnavailable = errors.New("bluetooth stack unavailable")

// ConnectionHandle identifies one BLE link for the lifetime of a session.
// Zero is never a valid handle.
type ConnectionHandle uint64

// Endpoints is the characteristic pair carrying protocol traffic: the
// central writes fragments to the write characteristic and receives
// fragments as indications on the indicate characteristic. Bound once
// discovery completes and immutable afterwards.
type Endpoints struct {
	Service      string
	WriteChar    string
	IndicateChar string
}

// OpKind tags an in-flight provider request awaiting its callback.
type OpKind int

const (
	OpWrite OpKind = iota
	OpSubscribe
)

func (k OpKind) String() string {
	switch k {
	case OpWrite:
		return "write"
	case OpSubscribe:
		return "subscribe"
	default:
		return "unknown"
	}
}

// EventSink receives Provider completion events. Implementations must
// tolerate being called from a goroutine owned by the platform stack,
// concurrently with caller-issued Provider operations. For a given handle
// notifications are delivered in the order the platform produced them.
type EventSink interface {
	// HandleConnectResult reports the outcome of Connect.
	HandleConnectResult(h ConnectionHandle, err error)

	// HandleDiscoveryResult reports the outcome of DiscoverEndpoints. On
	// success eps is non-nil and mtu is the negotiated ATT MTU (0 when the
	// platform could not report one).
	HandleDiscoveryResult(h ConnectionHandle, eps *Endpoints, mtu int, err error)

	// HandleSubscribeResult reports the outcome of SubscribeCharacteristic
	// for the given correlation token.
	HandleSubscribeResult(h ConnectionHandle, token uint64, err error)

	// HandleWriteResult reports the outcome of WriteCharacteristic for the
	// given correlation token.
	HandleWriteResult(h ConnectionHandle, token uint64, err error)

	// HandleNotification delivers indication payload bytes, unmodified.
	HandleNotification(h ConnectionHandle, data []byte)

	// HandleLinkDrop reports that the platform lost the link without a
	// locally requested disconnect.
	HandleLinkDrop(h ConnectionHandle, reason error)

	// HandleDisconnectComplete reports that a requested Disconnect finished.
	HandleDisconnectComplete(h ConnectionHandle)
}

// Provider is the platform GATT stack. All methods are submissions: they
// never block on radio traffic and report completion through the EventSink.
type Provider interface {
	// Connect opens a link to the peripheral at address. ctx bounds the
	// attempt; cancellation surfaces as a failed HandleConnectResult.
	Connect(ctx context.Context, h ConnectionHandle, address string)

	// DiscoverEndpoints locates the protocol service and its write/indicate
	// characteristic pair on a connected link.
	DiscoverEndpoints(h ConnectionHandle)

	// SubscribeCharacteristic enables indications on the endpoint bound to h.
	SubscribeCharacteristic(h ConnectionHandle, token uint64)

	// WriteCharacteristic submits one fragment to the write endpoint.
	WriteCharacteristic(h ConnectionHandle, token uint64, data []byte)

	// Disconnect tears the link down. Completion arrives as
	// HandleDisconnectComplete; calling it for an unknown handle is a no-op.
	Disconnect(h ConnectionHandle)
}

// NormalizeUUID converts a UUID string to the internal BLE library format
// (lowercase, no dashes). Handles both the dashed standard form and the
// already normalized form.
func NormalizeUUID(uuid string) string {
	return strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
}
