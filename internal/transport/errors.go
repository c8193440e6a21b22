package transport

import (
	"errors"
	"fmt"
)

// ErrorKind classifies transport failures surfaced to the engine.
type ErrorKind string

const (
	// KindInvalidState marks an operation attempted outside its permitted
	// connection state. Misuse by the caller, never retried.
	KindInvalidState ErrorKind = "invalid_state"

	// KindTransportFailed marks a provider-reported failure: connect or
	// discovery failure, write failure after retry exhaustion, or an
	// unexpected link drop. Always session-ending.
	KindTransportFailed ErrorKind = "transport_failed"

	// KindFragmentTooLarge marks a fragment exceeding the negotiated MTU.
	// The engine performs its own fragmentation, so this is an engine bug.
	KindFragmentTooLarge ErrorKind = "fragment_too_large"

	// KindProviderUnavailable marks a platform stack that is disabled or
	// unauthorized. Reported once at connect time.
	KindProviderUnavailable ErrorKind = "provider_unavailable"

	// KindQueueFull marks an outbound queue at capacity. The engine should
	// wait for delivery callbacks before submitting more fragments.
	KindQueueFull ErrorKind = "queue_full"
)

// TransportError is any failure produced by the delegate bridge.
type TransportError struct {
	Kind ErrorKind
	Msg  string
}

// Error implements the error interface
func (e *TransportError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Is allows errors.Is to compare TransportError values by Kind
func (e *TransportError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*TransportError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors for the bridge error taxonomy
var (
	ErrInvalidState        = &TransportError{Kind: KindInvalidState}
	ErrTransportFailed     = &TransportError{Kind: KindTransportFailed}
	ErrFragmentTooLarge    = &TransportError{Kind: KindFragmentTooLarge}
	ErrProviderUnavailable = &TransportError{Kind: KindProviderUnavailable}
	ErrQueueFull           = &TransportError{Kind: KindQueueFull}
)

// ErrUnknownHandle marks an operation referencing a handle that was already
// released or never created.
var ErrUnknownHandle = errors.New("unknown connection handle")

func invalidStateErr(op string, s State) error {
	return &TransportError{Kind: KindInvalidState, Msg: fmt.Sprintf("%s not permitted in state %s", op, s)}
}

// KindOf extracts the ErrorKind from err, or KindTransportFailed when err
// carries no bridge classification.
func KindOf(err error) ErrorKind {
	var terr *TransportError
	if errors.As(err, &terr) {
		return terr.Kind
	}
	return KindTransportFailed
}
