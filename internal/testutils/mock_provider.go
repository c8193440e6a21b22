// Package testutils provides the mock GATT provider and engine-sink
// recorder the bridge tests are built on. The mock never responds on its
// own: tests fire EventSink callbacks explicitly, so every interleaving of
// submissions and completions is deterministic.
package testutils

import (
	"context"
	"sync"

	"github.com/srg/woble/internal/gatt"
)

// Provider operation names as recorded by MockProvider.
const (
	OpConnect    = "connect"
	OpDiscover   = "discover"
	OpSubscribe  = "subscribe"
	OpWrite      = "write"
	OpDisconnect = "disconnect"
)

// ProviderCall is one primitive the bridge issued to the provider.
type ProviderCall struct {
	Op      string
	Handle  gatt.ConnectionHandle
	Token   uint64
	Data    []byte
	Address string
}

// MockProvider records every primitive and lets the test drive completions
// through the bound sink.
type MockProvider struct {
	mu    sync.Mutex
	sink  gatt.EventSink
	calls []ProviderCall
}

var _ gatt.Provider = (*MockProvider)(nil)

func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

// Bind attaches the event sink (normally the bridge under test).
func (p *MockProvider) Bind(sink gatt.EventSink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink = sink
}

// Sink returns the bound event sink for firing completions from tests.
func (p *MockProvider) Sink() gatt.EventSink {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sink
}

func (p *MockProvider) record(call ProviderCall) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
}

func (p *MockProvider) Connect(_ context.Context, h gatt.ConnectionHandle, address string) {
	p.record(ProviderCall{Op: OpConnect, Handle: h, Address: address})
}

func (p *MockProvider) DiscoverEndpoints(h gatt.ConnectionHandle) {
	p.record(ProviderCall{Op: OpDiscover, Handle: h})
}

func (p *MockProvider) SubscribeCharacteristic(h gatt.ConnectionHandle, token uint64) {
	p.record(ProviderCall{Op: OpSubscribe, Handle: h, Token: token})
}

func (p *MockProvider) WriteCharacteristic(h gatt.ConnectionHandle, token uint64, data []byte) {
	frag := make([]byte, len(data))
	copy(frag, data)
	p.record(ProviderCall{Op: OpWrite, Handle: h, Token: token, Data: frag})
}

func (p *MockProvider) Disconnect(h gatt.ConnectionHandle) {
	p.record(ProviderCall{Op: OpDisconnect, Handle: h})
}

// Calls returns a snapshot of every recorded call in issue order.
func (p *MockProvider) Calls() []ProviderCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ProviderCall, len(p.calls))
	copy(out, p.calls)
	return out
}

// CallsOf returns the recorded calls of one operation, in issue order.
func (p *MockProvider) CallsOf(op string) []ProviderCall {
	var out []ProviderCall
	for _, call := range p.Calls() {
		if call.Op == op {
			out = append(out, call)
		}
	}
	return out
}

// LastCall returns the most recent call of op, if any.
func (p *MockProvider) LastCall(op string) (ProviderCall, bool) {
	calls := p.CallsOf(op)
	if len(calls) == 0 {
		return ProviderCall{}, false
	}
	return calls[len(calls)-1], true
}

// Reset drops the recorded call log.
func (p *MockProvider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = nil
}
