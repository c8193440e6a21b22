package testutils

import (
	"sync"

	"github.com/srg/woble/internal/gatt"
	"github.com/srg/woble/internal/transport"
)

// SessionEnd is one recorded OnSessionEnded callback.
type SessionEnd struct {
	Handle gatt.ConnectionHandle
	Reason string
}

// TransportErrorEvent is one recorded OnTransportError callback.
type TransportErrorEvent struct {
	Handle gatt.ConnectionHandle
	Kind   transport.ErrorKind
}

// InboundPayload is one recorded OnBytesReceived callback.
type InboundPayload struct {
	Handle gatt.ConnectionHandle
	Data   []byte
}

// SinkRecorder captures every engine callback for assertions.
type SinkRecorder struct {
	mu          sync.Mutex
	established []gatt.ConnectionHandle
	ended       []SessionEnd
	received    []InboundPayload
	errors      []TransportErrorEvent
}

var _ transport.EngineSink = (*SinkRecorder)(nil)

func NewSinkRecorder() *SinkRecorder {
	return &SinkRecorder{}
}

func (r *SinkRecorder) OnSessionEstablished(h gatt.ConnectionHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.established = append(r.established, h)
}

func (r *SinkRecorder) OnSessionEnded(h gatt.ConnectionHandle, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = append(r.ended, SessionEnd{Handle: h, Reason: reason})
}

func (r *SinkRecorder) OnBytesReceived(h gatt.ConnectionHandle, data []byte) {
	payload := make([]byte, len(data))
	copy(payload, data)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, InboundPayload{Handle: h, Data: payload})
}

func (r *SinkRecorder) OnTransportError(h gatt.ConnectionHandle, kind transport.ErrorKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, TransportErrorEvent{Handle: h, Kind: kind})
}

// Established returns the recorded session-established handles.
func (r *SinkRecorder) Established() []gatt.ConnectionHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]gatt.ConnectionHandle, len(r.established))
	copy(out, r.established)
	return out
}

// Ended returns the recorded session-ended events.
func (r *SinkRecorder) Ended() []SessionEnd {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SessionEnd, len(r.ended))
	copy(out, r.ended)
	return out
}

// Received returns the recorded inbound payloads in delivery order.
func (r *SinkRecorder) Received() []InboundPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]InboundPayload, len(r.received))
	copy(out, r.received)
	return out
}

// Errors returns the recorded transport-error events.
func (r *SinkRecorder) Errors() []TransportErrorEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TransportErrorEvent, len(r.errors))
	copy(out, r.errors)
	return out
}
