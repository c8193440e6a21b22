package transport_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/srg/woble/internal/gatt"
	"github.com/srg/woble/internal/testutils"
	"github.com/srg/woble/internal/transport"
)

const testAddress = "AA:BB:CC:DD:EE:FF"

func testEndpoints() *gatt.Endpoints {
	return &gatt.Endpoints{
		Service:      gatt.DefaultServiceUUID,
		WriteChar:    gatt.NormalizeUUID(gatt.DefaultWriteCharUUID),
		IndicateChar: gatt.NormalizeUUID(gatt.DefaultIndicateCharUUID),
	}
}

type BridgeTestSuite struct {
	suite.Suite

	helper   *testutils.TestHelper
	provider *testutils.MockProvider
	sink     *testutils.SinkRecorder
	bridge   *transport.Bridge
}

func TestBridgeTestSuite(t *testing.T) {
	suite.Run(t, new(BridgeTestSuite))
}

func (s *BridgeTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.provider = testutils.NewMockProvider()
	s.sink = testutils.NewSinkRecorder()
	s.bridge = transport.New(s.sink, s.helper.Logger, &transport.Options{
		WriteRetryLimit: 2,
		QueueDepth:      8,
		FallbackMTU:     23,
	})
	s.provider.Bind(s.bridge)
	s.bridge.BindProvider(s.provider)
}

// connectReady walks a connection through connect and discovery into the
// ready state with a 104-byte ATT MTU (101-byte payloads).
func (s *BridgeTestSuite) connectReady() gatt.ConnectionHandle {
	h, err := s.bridge.Connect(context.Background(), testAddress)
	s.Require().NoError(err, "MUST submit connect")

	s.bridge.HandleConnectResult(h, nil)
	s.bridge.HandleDiscoveryResult(h, testEndpoints(), 104, nil)
	s.Require().Equal(transport.StateReady, s.bridge.ConnectionState(h), "connection MUST be ready")
	return h
}

func (s *BridgeTestSuite) TestSessionEstablishment() {
	// GOAL: Verify connect → discovery success → Ready fires exactly one
	// session-established event, with provider primitives in order.

	h := s.connectReady()

	calls := s.provider.Calls()
	s.Require().Len(calls, 2, "provider MUST see connect then discover, nothing else")
	s.Assert().Equal(testutils.OpConnect, calls[0].Op)
	s.Assert().Equal(testAddress, calls[0].Address)
	s.Assert().Equal(testutils.OpDiscover, calls[1].Op)

	s.Assert().Equal([]gatt.ConnectionHandle{h}, s.sink.Established(), "session established MUST fire once")
	s.Assert().Empty(s.sink.Errors())
	s.Assert().Empty(s.sink.Ended())
}

func (s *BridgeTestSuite) TestConnectFailure() {
	// GOAL: Verify a provider connect failure is fatal, reported once, and
	// releases the handle. Connect failures are never retried here.

	h, err := s.bridge.Connect(context.Background(), testAddress)
	s.Require().NoError(err)

	s.bridge.HandleConnectResult(h, errors.New("peripheral unreachable"))

	errs := s.sink.Errors()
	s.Require().Len(errs, 1, "transport error MUST fire exactly once")
	s.Assert().Equal(transport.KindTransportFailed, errs[0].Kind)
	s.Assert().Equal(transport.StateClosed, s.bridge.ConnectionState(h), "released handle MUST report closed")
	s.Assert().Empty(s.provider.CallsOf(testutils.OpDiscover), "no discovery after a failed connect")

	// A duplicate provider callback for the released handle is discarded.
	s.bridge.HandleConnectResult(h, errors.New("peripheral unreachable"))
	s.Assert().Len(s.sink.Errors(), 1, "duplicate callback MUST NOT re-report")
}

func (s *BridgeTestSuite) TestConnectFailureStackUnavailable() {
	// GOAL: Verify a disabled platform stack surfaces as provider_unavailable.

	h, err := s.bridge.Connect(context.Background(), testAddress)
	s.Require().NoError(err)

	s.bridge.HandleConnectResult(h, gatt.ErrStackUnavailable)

	errs := s.sink.Errors()
	s.Require().Len(errs, 1)
	s.Assert().Equal(transport.KindProviderUnavailable, errs[0].Kind)
}

func (s *BridgeTestSuite) TestDiscoveryFailure() {
	// GOAL: Verify discovery failure (incompatible device) is fatal and
	// never produces a session-established event.

	s.Run("discovery error", func() {
		h, err := s.bridge.Connect(context.Background(), testAddress)
		s.Require().NoError(err)
		s.bridge.HandleConnectResult(h, nil)

		s.bridge.HandleDiscoveryResult(h, nil, 0, errors.New("discovery timed out"))

		s.Assert().Empty(s.sink.Established())
		s.Require().Len(s.sink.Errors(), 1)
		s.Assert().Equal(transport.KindTransportFailed, s.sink.Errors()[0].Kind)
	})

	s.Run("endpoints missing", func() {
		h, err := s.bridge.Connect(context.Background(), testAddress)
		s.Require().NoError(err)
		s.bridge.HandleConnectResult(h, nil)

		s.bridge.HandleDiscoveryResult(h, nil, 0, nil)

		s.Assert().Empty(s.sink.Established())
		s.Require().Len(s.sink.Errors(), 2, "one error per failed session")
		s.Assert().Equal(transport.StateClosed, s.bridge.ConnectionState(h))
	})
}

func (s *BridgeTestSuite) TestSendOrderingNoPipelining() {
	// GOAL: Verify fragments reach the provider in exactly submission
	// order, one at a time: with [A,B,C] queued the provider sees only A
	// until A completes, then B, then C.

	h := s.connectReady()

	fragA := []byte("fragment-A")
	fragB := []byte("fragment-B")
	fragC := []byte("fragment-C")
	s.Require().NoError(s.bridge.SendCharacteristic(h, fragA))
	s.Require().NoError(s.bridge.SendCharacteristic(h, fragB))
	s.Require().NoError(s.bridge.SendCharacteristic(h, fragC))

	writes := s.provider.CallsOf(testutils.OpWrite)
	s.Require().Len(writes, 1, "provider MUST see only the head fragment")
	s.Assert().Equal(fragA, writes[0].Data)

	s.bridge.HandleWriteResult(h, writes[0].Token, nil)
	writes = s.provider.CallsOf(testutils.OpWrite)
	s.Require().Len(writes, 2, "completing A MUST release B, not C")
	s.Assert().Equal(fragB, writes[1].Data)

	s.bridge.HandleWriteResult(h, writes[1].Token, nil)
	writes = s.provider.CallsOf(testutils.OpWrite)
	s.Require().Len(writes, 3)
	s.Assert().Equal(fragC, writes[2].Data)

	s.bridge.HandleWriteResult(h, writes[2].Token, nil)
	s.Assert().Len(s.provider.CallsOf(testutils.OpWrite), 3, "drained queue MUST issue nothing")
	s.Assert().Empty(s.sink.Errors())
}

func (s *BridgeTestSuite) TestSubmissionsOutsideReady() {
	// GOAL: Verify subscribe and send outside Ready fail with InvalidState
	// and produce no provider call.

	h, err := s.bridge.Connect(context.Background(), testAddress)
	s.Require().NoError(err)
	s.Require().Equal(transport.StateConnecting, s.bridge.ConnectionState(h))

	err = s.bridge.Subscribe(h)
	s.Assert().ErrorIs(err, transport.ErrInvalidState, "subscribe while connecting MUST fail")

	err = s.bridge.SendCharacteristic(h, []byte("early"))
	s.Assert().ErrorIs(err, transport.ErrInvalidState, "send while connecting MUST fail")

	s.Assert().Empty(s.provider.CallsOf(testutils.OpSubscribe))
	s.Assert().Empty(s.provider.CallsOf(testutils.OpWrite))
}

func (s *BridgeTestSuite) TestFragmentTooLarge() {
	// GOAL: Verify an over-MTU payload is rejected as a contract violation
	// with no provider traffic and no state change.

	h := s.connectReady()

	oversized := make([]byte, 102) // payload MTU is 101 with ATT MTU 104
	err := s.bridge.SendCharacteristic(h, oversized)

	s.Assert().ErrorIs(err, transport.ErrFragmentTooLarge)
	s.Assert().Empty(s.provider.CallsOf(testutils.OpWrite))
	s.Assert().Equal(transport.StateReady, s.bridge.ConnectionState(h), "misuse MUST NOT end the session")
}

func (s *BridgeTestSuite) TestWriteRetryThenSuccess() {
	// GOAL: Verify a transient write failure is retried with the same
	// fragment and recovers without any engine-visible error.

	h := s.connectReady()
	frag := []byte("retry-me")
	s.Require().NoError(s.bridge.SendCharacteristic(h, frag))

	first, ok := s.provider.LastCall(testutils.OpWrite)
	s.Require().True(ok)
	s.bridge.HandleWriteResult(h, first.Token, errors.New("write timed out"))

	retry, ok := s.provider.LastCall(testutils.OpWrite)
	s.Require().True(ok)
	s.Assert().NotEqual(first.Token, retry.Token, "retry MUST carry a fresh token")
	s.Assert().Equal(frag, retry.Data, "retry MUST resend the same fragment")

	s.bridge.HandleWriteResult(h, retry.Token, nil)
	s.Assert().Empty(s.sink.Errors())
	s.Assert().Equal(transport.StateReady, s.bridge.ConnectionState(h))
}

func (s *BridgeTestSuite) TestWriteRetryExhaustion() {
	// GOAL: Verify failures past the retry bound transition to Error
	// exactly once and fire exactly one transport error.

	h := s.connectReady()
	s.Require().NoError(s.bridge.SendCharacteristic(h, []byte("doomed")))

	// Initial attempt plus two retries, all failing.
	for i := 0; i < 3; i++ {
		call, ok := s.provider.LastCall(testutils.OpWrite)
		s.Require().True(ok)
		s.bridge.HandleWriteResult(h, call.Token, errors.New("write failed"))
	}

	s.Assert().Len(s.provider.CallsOf(testutils.OpWrite), 3, "bound MUST cap attempts")
	errs := s.sink.Errors()
	s.Require().Len(errs, 1, "transport error MUST fire exactly once")
	s.Assert().Equal(transport.KindTransportFailed, errs[0].Kind)
	s.Assert().Equal(transport.StateClosed, s.bridge.ConnectionState(h), "handle MUST be released")

	// Sends after the failure are rejected without provider traffic.
	err := s.bridge.SendCharacteristic(h, []byte("after"))
	s.Assert().Error(err)
	s.Assert().Len(s.provider.CallsOf(testutils.OpWrite), 3)
}

func (s *BridgeTestSuite) TestWriteRetryDisabled() {
	// GOAL: Verify an explicit zero retry limit makes the first write
	// failure fatal instead of silently reverting to the default bound.

	bridge := transport.New(s.sink, s.helper.Logger, &transport.Options{
		WriteRetryLimit: 0,
		QueueDepth:      8,
		FallbackMTU:     23,
	})
	provider := testutils.NewMockProvider()
	provider.Bind(bridge)
	bridge.BindProvider(provider)

	h, err := bridge.Connect(context.Background(), testAddress)
	s.Require().NoError(err)
	bridge.HandleConnectResult(h, nil)
	bridge.HandleDiscoveryResult(h, testEndpoints(), 104, nil)
	s.Require().Equal(transport.StateReady, bridge.ConnectionState(h))

	s.Require().NoError(bridge.SendCharacteristic(h, []byte("once")))
	call, ok := provider.LastCall(testutils.OpWrite)
	s.Require().True(ok)
	bridge.HandleWriteResult(h, call.Token, errors.New("write failed"))

	s.Assert().Len(provider.CallsOf(testutils.OpWrite), 1, "zero retries MUST NOT reissue")
	s.Require().Len(s.sink.Errors(), 1)
	s.Assert().Equal(transport.KindTransportFailed, s.sink.Errors()[0].Kind)
}

func (s *BridgeTestSuite) TestCloseIdempotent() {
	// GOAL: Verify close twice produces exactly one provider disconnect
	// and one session-ended notification.

	h := s.connectReady()

	s.Require().NoError(s.bridge.Close(h))
	s.Require().NoError(s.bridge.Close(h), "second close MUST be a no-op, not an error")
	s.Assert().Len(s.provider.CallsOf(testutils.OpDisconnect), 1)

	s.bridge.HandleDisconnectComplete(h)
	ended := s.sink.Ended()
	s.Require().Len(ended, 1, "session ended MUST fire once")
	s.Assert().Equal(transport.ReasonClosed, ended[0].Reason)

	s.Require().NoError(s.bridge.Close(h), "close after completion MUST be a no-op")
	s.Assert().Len(s.provider.CallsOf(testutils.OpDisconnect), 1)
	s.Assert().Len(s.sink.Ended(), 1)
}

func (s *BridgeTestSuite) TestCloseDuringConnecting() {
	// GOAL: Verify a close racing the platform dial reaps a link that
	// materializes after the session was torn down.

	h, err := s.bridge.Connect(context.Background(), testAddress)
	s.Require().NoError(err)
	s.Require().NoError(s.bridge.Close(h))
	s.Require().Len(s.provider.CallsOf(testutils.OpDisconnect), 1)

	// The provider had no link yet, so the disconnect completed right away.
	s.bridge.HandleDisconnectComplete(h)
	s.Require().Len(s.sink.Ended(), 1)

	// The dial still succeeded; the unowned link must be torn down.
	s.bridge.HandleConnectResult(h, nil)
	s.Assert().Len(s.provider.CallsOf(testutils.OpDisconnect), 2, "late link MUST be reaped")
	s.Assert().Empty(s.provider.CallsOf(testutils.OpDiscover), "no discovery on a dead session")
	s.Assert().Len(s.sink.Ended(), 1, "reaping MUST NOT re-report the session end")

	// A late failed dial leaves nothing to reap.
	s.bridge.HandleConnectResult(h, errors.New("peripheral unreachable"))
	s.Assert().Len(s.provider.CallsOf(testutils.OpDisconnect), 2)
	s.Assert().Empty(s.sink.Errors())
}

func (s *BridgeTestSuite) TestConnectResultDuringClosing() {
	// GOAL: Verify a successful dial arriving while the close is still in
	// flight reissues the disconnect for the now-live link.

	h, err := s.bridge.Connect(context.Background(), testAddress)
	s.Require().NoError(err)
	s.Require().NoError(s.bridge.Close(h))
	s.Require().Len(s.provider.CallsOf(testutils.OpDisconnect), 1)

	s.bridge.HandleConnectResult(h, nil)
	s.Assert().Len(s.provider.CallsOf(testutils.OpDisconnect), 2, "live link MUST be reaped")
	s.Assert().Equal(transport.StateClosing, s.bridge.ConnectionState(h))

	s.bridge.HandleDisconnectComplete(h)
	s.Require().Len(s.sink.Ended(), 1)
	s.bridge.HandleDisconnectComplete(h)
	s.Assert().Len(s.sink.Ended(), 1, "duplicate completion MUST be ignored")
}

func (s *BridgeTestSuite) TestCloseDiscardsQueuedFragments() {
	// GOAL: Verify close while a write is in flight discards the queue:
	// no completion callbacks for still-queued fragments, no further
	// provider writes.

	h := s.connectReady()
	s.Require().NoError(s.bridge.SendCharacteristic(h, []byte("in-flight")))
	s.Require().NoError(s.bridge.SendCharacteristic(h, []byte("queued-1")))
	s.Require().NoError(s.bridge.SendCharacteristic(h, []byte("queued-2")))

	inflight, ok := s.provider.LastCall(testutils.OpWrite)
	s.Require().True(ok)
	s.Require().NoError(s.bridge.Close(h))

	// The in-flight completion arrives after close: its token is stale and
	// must not release the discarded queue.
	s.bridge.HandleWriteResult(h, inflight.Token, nil)
	s.Assert().Len(s.provider.CallsOf(testutils.OpWrite), 1, "queued fragments MUST NOT reach the provider")

	s.bridge.HandleDisconnectComplete(h)
	s.Assert().Len(s.sink.Ended(), 1)
	s.Assert().Empty(s.sink.Errors())
}

func (s *BridgeTestSuite) TestLinkDropReleasesConnection() {
	// GOAL: Verify an unsolicited link drop in Ready transitions to Error,
	// releases the handles, and a later close is a no-op.

	h := s.connectReady()

	s.bridge.HandleLinkDrop(h, errors.New("link lost"))

	errs := s.sink.Errors()
	s.Require().Len(errs, 1)
	s.Assert().Equal(transport.KindTransportFailed, errs[0].Kind)
	s.Assert().Equal(transport.StateClosed, s.bridge.ConnectionState(h), "handle MUST be released")

	s.Require().NoError(s.bridge.Close(h), "close after link drop MUST be a no-op")
	s.Assert().Empty(s.provider.CallsOf(testutils.OpDisconnect), "no disconnect for a dead link")
	s.Assert().Len(s.sink.Errors(), 1, "error MUST NOT be re-reported")
}

func (s *BridgeTestSuite) TestLinkDropDuringClosing() {
	// GOAL: Verify a link drop racing a requested close completes the
	// close instead of reporting a second terminal event.

	h := s.connectReady()
	s.Require().NoError(s.bridge.Close(h))

	s.bridge.HandleLinkDrop(h, errors.New("link lost"))

	s.Assert().Len(s.sink.Ended(), 1, "close MUST complete")
	s.Assert().Empty(s.sink.Errors(), "the same root cause MUST NOT surface twice")
}

func (s *BridgeTestSuite) TestSubscribeLifecycle() {
	// GOAL: Verify subscribe issues one provider call, duplicate subscribe
	// submissions are rejected while pending and absorbed once enabled.

	h := s.connectReady()

	s.Require().NoError(s.bridge.Subscribe(h))
	err := s.bridge.Subscribe(h)
	s.Assert().ErrorIs(err, transport.ErrInvalidState, "second subscribe while pending MUST fail")

	call, ok := s.provider.LastCall(testutils.OpSubscribe)
	s.Require().True(ok)
	s.bridge.HandleSubscribeResult(h, call.Token, nil)

	s.Require().NoError(s.bridge.Subscribe(h), "subscribe once enabled is a no-op")
	s.Assert().Len(s.provider.CallsOf(testutils.OpSubscribe), 1)
}

func (s *BridgeTestSuite) TestSubscribeFailureIsFatal() {
	// GOAL: Verify a provider subscribe failure ends the session with one
	// transport error.

	h := s.connectReady()
	s.Require().NoError(s.bridge.Subscribe(h))

	call, ok := s.provider.LastCall(testutils.OpSubscribe)
	s.Require().True(ok)
	s.bridge.HandleSubscribeResult(h, call.Token, errors.New("cccd write rejected"))

	s.Require().Len(s.sink.Errors(), 1)
	s.Assert().Equal(transport.StateClosed, s.bridge.ConnectionState(h))
}

func (s *BridgeTestSuite) TestNotificationOrdering() {
	// GOAL: Verify inbound payloads are forwarded unmodified, in provider
	// delivery order, and dropped once the session is closing.

	h := s.connectReady()

	s.bridge.HandleNotification(h, []byte{0x01})
	s.bridge.HandleNotification(h, []byte{0x02})
	s.bridge.HandleNotification(h, []byte{0x03})

	received := s.sink.Received()
	s.Require().Len(received, 3)
	for i, want := range [][]byte{{0x01}, {0x02}, {0x03}} {
		s.Assert().Equal(want, received[i].Data, "payload order MUST match delivery order")
	}

	s.Require().NoError(s.bridge.Close(h))
	s.bridge.HandleNotification(h, []byte{0x04})
	s.Assert().Len(s.sink.Received(), 3, "notifications after close MUST be dropped")
}

func (s *BridgeTestSuite) TestOutboundQueueBound() {
	// GOAL: Verify the bounded queue rejects overflow without breaking the
	// ordering of accepted fragments.

	h := s.connectReady()

	var accepted int
	var rejected int
	for i := 0; i < 20; i++ {
		err := s.bridge.SendCharacteristic(h, []byte{byte(i)})
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, transport.ErrQueueFull):
			rejected++
		default:
			s.FailNowf("unexpected error", "send %d: %v", i, err)
		}
	}
	s.Assert().Greater(rejected, 0, "queue MUST be bounded")
	s.Assert().Greater(accepted, 1)

	// Drain: every accepted fragment arrives in submission order.
	for len(s.provider.CallsOf(testutils.OpWrite)) < accepted {
		call, ok := s.provider.LastCall(testutils.OpWrite)
		s.Require().True(ok)
		s.bridge.HandleWriteResult(h, call.Token, nil)
	}
	writes := s.provider.CallsOf(testutils.OpWrite)
	s.Require().Len(writes, accepted)
	for i := 1; i < len(writes); i++ {
		s.Assert().Equal(writes[i-1].Data[0]+1, writes[i].Data[0], "accepted fragments MUST stay ordered")
	}
	s.Assert().Empty(s.sink.Errors())
}
