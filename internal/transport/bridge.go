// Package transport implements the delegate bridge between a
// device-management protocol engine and the platform GATT stack. The engine
// sees two narrow capability sets — PlatformDelegate for traffic and
// ApplicationDelegate for lifecycle — backed by a single shared
// connection-state object, and receives completions through an EngineSink.
package transport

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/srg/woble/internal/gatt"
)

// PlatformDelegate is the transport contract the protocol engine issues
// traffic through. Calls are submissions: they validate state, hand the
// request to the provider, and return before any radio completion.
type PlatformDelegate interface {
	// Subscribe enables indications on the connection's endpoint pair.
	// Valid only in StateReady.
	Subscribe(h gatt.ConnectionHandle) error

	// SendCharacteristic queues one pre-fragmented payload for delivery.
	// Fragments reach the provider strictly in submission order, one at a
	// time. Valid only in StateReady; payloads above the negotiated MTU
	// fail with ErrFragmentTooLarge.
	SendCharacteristic(h gatt.ConnectionHandle, data []byte) error

	// Close tears the session down. Idempotent: closing an already
	// closing, closed, or released connection is a no-op, never an error.
	Close(h gatt.ConnectionHandle) error
}

// ApplicationDelegate is the lifecycle contract: it opens sessions and
// answers state queries. Session state transitions are reported through the
// EngineSink, not returned from Connect.
type ApplicationDelegate interface {
	// Connect allocates a handle and submits a provider connect. ctx bounds
	// the platform connect attempt.
	Connect(ctx context.Context, address string) (gatt.ConnectionHandle, error)

	// ConnectionState reports the current state of h. Released handles
	// report StateClosed.
	ConnectionState(h gatt.ConnectionHandle) State
}

// EngineSink receives session events from the bridge. Exactly one terminal
// notification is delivered per session: OnSessionEnded after a requested
// close, or OnTransportError after a fatal failure.
type EngineSink interface {
	OnSessionEstablished(h gatt.ConnectionHandle)
	OnSessionEnded(h gatt.ConnectionHandle, reason string)
	OnBytesReceived(h gatt.ConnectionHandle, data []byte)
	OnTransportError(h gatt.ConnectionHandle, kind ErrorKind)
}

// ReasonClosed is the OnSessionEnded reason for a locally requested close.
const ReasonClosed = "closed"

// Options tunes bridge behavior. Zero values fall back to defaults, except
// WriteRetryLimit where zero is meaningful.
type Options struct {
	// WriteRetryLimit is how many times a failed write is reissued before
	// the failure is fatal. Zero disables retries; negative selects the
	// default. No backoff between attempts: write failures on a live link
	// usually mean link loss, not congestion.
	WriteRetryLimit int

	// QueueDepth bounds the outbound fragment queue per connection.
	QueueDepth uint32

	// FallbackMTU is the assumed ATT MTU when the platform cannot report
	// the negotiated value.
	FallbackMTU int
}

const (
	defaultWriteRetryLimit = 2
	defaultQueueDepth      = 64
)

func (o *Options) withDefaults() Options {
	out := Options{WriteRetryLimit: defaultWriteRetryLimit}
	if o != nil {
		out = *o
	}
	if out.WriteRetryLimit < 0 {
		out.WriteRetryLimit = defaultWriteRetryLimit
	}
	if out.QueueDepth == 0 {
		out.QueueDepth = defaultQueueDepth
	}
	if out.FallbackMTU <= 0 {
		out.FallbackMTU = gatt.DefaultATTMTU
	}
	return out
}

// Bridge owns the connection registry and implements both delegate roles
// plus the provider's EventSink.
type Bridge struct {
	provider gatt.Provider
	engine   EngineSink
	reg      *registry
	logger   *logrus.Logger
	opts     Options
	tokens   atomic.Uint64
}

var (
	_ PlatformDelegate    = (*Bridge)(nil)
	_ ApplicationDelegate = (*Bridge)(nil)
	_ gatt.EventSink      = (*Bridge)(nil)
)

// New creates a bridge delivering session events to engine. The provider is
// attached afterwards via BindProvider because the provider itself is
// constructed with the bridge as its event sink.
func New(engine EngineSink, logger *logrus.Logger, opts *Options) *Bridge {
	if logger == nil {
		logger = logrus.New()
	}
	return &Bridge{
		engine: engine,
		reg:    newRegistry(),
		logger: logger,
		opts:   opts.withDefaults(),
	}
}

// BindProvider attaches the platform provider. Must be called once before
// Connect.
func (b *Bridge) BindProvider(p gatt.Provider) {
	b.provider = p
}

// ActiveConnections returns the number of non-terminal connections.
func (b *Bridge) ActiveConnections() int {
	return b.reg.len()
}

func (b *Bridge) nextToken() uint64 {
	return b.tokens.Add(1)
}

// Connect allocates a connection handle and submits the provider connect.
func (b *Bridge) Connect(ctx context.Context, address string) (gatt.ConnectionHandle, error) {
	if b.provider == nil {
		return 0, &TransportError{Kind: KindProviderUnavailable, Msg: "no provider bound"}
	}
	if address == "" {
		return 0, fmt.Errorf("device address is not set")
	}

	c := b.reg.create(b.logger, b.opts.QueueDepth)
	c.mu.Lock()
	c.state = StateConnecting
	c.mu.Unlock()

	c.log.WithField("address", address).Info("Connecting to device")
	b.provider.Connect(ctx, c.handle, address)
	return c.handle, nil
}

// ConnectionState reports the current state of h.
func (b *Bridge) ConnectionState(h gatt.ConnectionHandle) State {
	c, ok := b.reg.lookup(h)
	if !ok {
		return StateClosed
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe enables indications on the connection's endpoint pair.
func (b *Bridge) Subscribe(h gatt.ConnectionHandle) error {
	c, ok := b.reg.lookup(h)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}

	c.mu.Lock()
	if c.state != StateReady {
		defer c.mu.Unlock()
		return invalidStateErr("subscribe", c.state)
	}
	if c.subscribed {
		c.mu.Unlock()
		return nil
	}
	if c.hasPendingLocked(gatt.OpSubscribe) {
		defer c.mu.Unlock()
		return invalidStateErr("subscribe", c.state)
	}
	token := b.nextToken()
	c.pending.Set(token, gatt.OpSubscribe)
	c.mu.Unlock()

	c.log.WithField("token", token).Debug("Submitting subscribe")
	b.provider.SubscribeCharacteristic(h, token)
	return nil
}

// SendCharacteristic queues one fragment and, when no write is in flight,
// issues the head of the queue to the provider.
func (b *Bridge) SendCharacteristic(h gatt.ConnectionHandle, data []byte) error {
	c, ok := b.reg.lookup(h)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}

	c.mu.Lock()
	if c.state != StateReady {
		defer c.mu.Unlock()
		return invalidStateErr("send", c.state)
	}
	if len(data) > c.payloadMTU {
		defer c.mu.Unlock()
		return &TransportError{
			Kind: KindFragmentTooLarge,
			Msg:  fmt.Sprintf("fragment is %d bytes, payload MTU is %d", len(data), c.payloadMTU),
		}
	}
	if err := c.outbound.push(data); err != nil {
		c.mu.Unlock()
		return err
	}

	token, frag, issue := b.advanceWriteLocked(c)
	c.mu.Unlock()

	if issue {
		b.provider.WriteCharacteristic(h, token, frag)
	}
	return nil
}

// advanceWriteLocked moves the head of the outbound queue into flight when
// no write is outstanding. Caller holds c.mu and must issue the returned
// fragment to the provider after unlocking.
func (b *Bridge) advanceWriteLocked(c *conn) (token uint64, frag []byte, issue bool) {
	if c.inflight != nil || c.hasPendingLocked(gatt.OpWrite) {
		return 0, nil, false
	}
	next, ok := c.outbound.pop()
	if !ok {
		return 0, nil, false
	}
	c.inflight = next
	c.writeAttempts = 0
	token = b.nextToken()
	c.pending.Set(token, gatt.OpWrite)
	c.log.WithFields(logrus.Fields{
		"token": token,
		"bytes": len(next),
	}).Debug("Issuing outbound fragment")
	return token, next, true
}

// Close tears the session down. The outbound queue is discarded on the
// transition to Closing; queued fragments never reach the provider and
// never produce delivery callbacks.
func (b *Bridge) Close(h gatt.ConnectionHandle) error {
	c, ok := b.reg.lookup(h)
	if !ok {
		// Already released; close is idempotent.
		return nil
	}

	c.mu.Lock()
	switch c.state {
	case StateClosing, StateClosed, StateError:
		c.mu.Unlock()
		c.log.Debug("Close on finished connection is a no-op")
		return nil
	case StateIdle:
		// Nothing was ever submitted to the provider.
		c.state = StateClosed
		c.releaseLocked()
		c.mu.Unlock()
		b.reg.remove(h)
		return nil
	default:
	}
	c.state = StateClosing
	c.releaseLocked()
	c.mu.Unlock()

	c.log.Info("Disconnecting device")
	b.provider.Disconnect(h)
	return nil
}

// failLocked moves c into StateError and releases its handles. Caller holds
// c.mu, must unlock, and must then report the returned kind through the
// engine sink exactly once.
func (b *Bridge) failLocked(c *conn, kind ErrorKind, cause error) ErrorKind {
	c.log.WithFields(logrus.Fields{
		"kind":  string(kind),
		"state": c.state.String(),
		"error": cause,
	}).Error("Fatal transport failure")
	c.state = StateError
	c.releaseLocked()
	b.reg.remove(c.handle)
	return kind
}
