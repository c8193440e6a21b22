package transport

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/srg/woble/internal/gatt"
)

// Provider callback entry points. These run on goroutines owned by the
// platform stack and may race caller-issued operations; every handler takes
// the per-connection mutex before touching state. Events for released
// handles or stale correlation tokens are logged and dropped — a terminal
// transition is reported to the engine exactly once.

// HandleConnectResult drives Connecting → Discovering, or Connecting →
// Error when the platform could not open the link.
func (b *Bridge) HandleConnectResult(h gatt.ConnectionHandle, err error) {
	c, ok := b.reg.lookup(h)
	if !ok {
		b.logger.WithField("handle", uint64(h)).Debug("Connect result for released handle")
		if err == nil {
			// The dial won the race against a close: the physical link is
			// up but no session owns it. Reap it.
			b.provider.Disconnect(h)
		}
		return
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		state := c.state
		c.mu.Unlock()
		c.log.WithField("state", state.String()).Debug("Ignoring stale connect result")
		if err == nil && state == StateClosing {
			// The close-issued disconnect may have run before the link
			// existed; reissue it for the link that just came up.
			b.provider.Disconnect(h)
		}
		return
	}

	if err != nil {
		kind := KindTransportFailed
		if errors.Is(err, gatt.ErrStackUnavailable) {
			kind = KindProviderUnavailable
		}
		kind = b.failLocked(c, kind, err)
		c.mu.Unlock()
		b.engine.OnTransportError(h, kind)
		return
	}

	c.state = StateDiscovering
	c.mu.Unlock()

	c.log.Info("Link established, discovering endpoints")
	b.provider.DiscoverEndpoints(h)
}

// HandleDiscoveryResult binds the endpoint pair and drives Discovering →
// Ready. Discovery failure, or a device without the expected service, is
// fatal and never retried by this layer.
func (b *Bridge) HandleDiscoveryResult(h gatt.ConnectionHandle, eps *gatt.Endpoints, mtu int, err error) {
	c, ok := b.reg.lookup(h)
	if !ok {
		b.logger.WithField("handle", uint64(h)).Debug("Discovery result for released handle")
		return
	}

	c.mu.Lock()
	if c.state != StateDiscovering {
		defer c.mu.Unlock()
		c.log.WithField("state", c.state.String()).Debug("Ignoring stale discovery result")
		return
	}

	if err == nil && eps == nil {
		err = errors.New("device does not expose the expected endpoint pair")
	}
	if err != nil {
		kind := b.failLocked(c, KindTransportFailed, err)
		c.mu.Unlock()
		b.engine.OnTransportError(h, kind)
		return
	}

	if mtu <= 0 {
		mtu = b.opts.FallbackMTU
	}
	c.endpoints = eps
	c.payloadMTU = gatt.PayloadMTU(mtu)
	c.state = StateReady
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{
		"service":     eps.Service,
		"payload_mtu": c.payloadMTU,
	}).Info("Session established")
	b.engine.OnSessionEstablished(h)
}

// HandleSubscribeResult clears the pending subscribe. A provider-level
// subscribe failure is fatal: without indications the session cannot carry
// inbound traffic.
func (b *Bridge) HandleSubscribeResult(h gatt.ConnectionHandle, token uint64, err error) {
	c, ok := b.reg.lookup(h)
	if !ok {
		b.logger.WithField("handle", uint64(h)).Debug("Subscribe result for released handle")
		return
	}

	c.mu.Lock()
	if _, known := c.pending.Get(token); !known {
		defer c.mu.Unlock()
		c.log.WithField("token", token).Debug("Ignoring stale subscribe result")
		return
	}
	c.pending.Delete(token)

	if err != nil {
		kind := b.failLocked(c, KindTransportFailed, err)
		c.mu.Unlock()
		b.engine.OnTransportError(h, kind)
		return
	}

	c.subscribed = true
	c.mu.Unlock()
	c.log.Debug("Indications enabled")
}

// HandleWriteResult clears the in-flight fragment. Success advances the
// queue; failure retries the same fragment up to the configured bound, then
// escalates to a fatal transport error.
func (b *Bridge) HandleWriteResult(h gatt.ConnectionHandle, token uint64, err error) {
	c, ok := b.reg.lookup(h)
	if !ok {
		b.logger.WithField("handle", uint64(h)).Debug("Write result for released handle")
		return
	}

	c.mu.Lock()
	if _, known := c.pending.Get(token); !known {
		defer c.mu.Unlock()
		c.log.WithField("token", token).Debug("Ignoring stale write result")
		return
	}
	c.pending.Delete(token)

	if c.state != StateReady {
		defer c.mu.Unlock()
		c.log.WithField("state", c.state.String()).Debug("Dropping write result outside ready state")
		return
	}

	if err != nil {
		if c.writeAttempts < b.opts.WriteRetryLimit {
			c.writeAttempts++
			retryToken := b.nextToken()
			c.pending.Set(retryToken, gatt.OpWrite)
			frag := c.inflight
			attempt := c.writeAttempts
			c.mu.Unlock()

			c.log.WithFields(logrus.Fields{
				"token":   retryToken,
				"attempt": attempt,
				"error":   err,
			}).Warn("Write failed, retrying fragment")
			b.provider.WriteCharacteristic(h, retryToken, frag)
			return
		}
		kind := b.failLocked(c, KindTransportFailed, err)
		c.mu.Unlock()
		b.engine.OnTransportError(h, kind)
		return
	}

	c.inflight = nil
	c.writeAttempts = 0
	nextToken, frag, issue := b.advanceWriteLocked(c)
	c.mu.Unlock()

	if issue {
		b.provider.WriteCharacteristic(h, nextToken, frag)
	}
}

// HandleNotification forwards indication bytes to the engine unmodified.
// The provider delivers serially per connection and this handler stays on
// the delivering goroutine, so engine delivery order matches provider
// order. Data arriving outside StateReady is dropped.
func (b *Bridge) HandleNotification(h gatt.ConnectionHandle, data []byte) {
	c, ok := b.reg.lookup(h)
	if !ok {
		b.logger.WithField("handle", uint64(h)).Debug("Notification for released handle")
		return
	}

	c.mu.Lock()
	ready := c.state == StateReady
	c.mu.Unlock()

	if !ready {
		c.log.WithField("bytes", len(data)).Debug("Dropping notification outside ready state")
		return
	}
	b.engine.OnBytesReceived(h, data)
}

// HandleLinkDrop handles an unsolicited loss of the link. During Closing it
// completes the close; in any other live state it is a fatal transport
// error.
func (b *Bridge) HandleLinkDrop(h gatt.ConnectionHandle, reason error) {
	c, ok := b.reg.lookup(h)
	if !ok {
		b.logger.WithField("handle", uint64(h)).Debug("Link drop for released handle")
		return
	}

	c.mu.Lock()
	switch c.state {
	case StateClosed, StateError:
		c.mu.Unlock()
		return
	case StateClosing:
		// The peer went away while we were tearing down; the session still
		// ended the way the caller asked for.
		c.state = StateClosed
		c.releaseLocked()
		b.reg.remove(h)
		c.mu.Unlock()
		b.engine.OnSessionEnded(h, ReasonClosed)
		return
	default:
	}

	kind := b.failLocked(c, KindTransportFailed, reason)
	c.mu.Unlock()
	b.engine.OnTransportError(h, kind)
}

// HandleDisconnectComplete drives Closing → Closed and reports the single
// session-ended event.
func (b *Bridge) HandleDisconnectComplete(h gatt.ConnectionHandle) {
	c, ok := b.reg.lookup(h)
	if !ok {
		b.logger.WithField("handle", uint64(h)).Debug("Disconnect completion for released handle")
		return
	}

	c.mu.Lock()
	if c.state != StateClosing {
		defer c.mu.Unlock()
		c.log.WithField("state", c.state.String()).Debug("Ignoring disconnect completion outside closing state")
		return
	}
	c.state = StateClosed
	c.releaseLocked()
	b.reg.remove(h)
	c.mu.Unlock()

	c.log.Info("Session closed")
	b.engine.OnSessionEnded(h, ReasonClosed)
}
