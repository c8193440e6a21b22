// Package woble is the host application surface of the BLE commissioning
// transport. A Manager owns one session at a time: it wires the platform
// provider to the delegate bridge, forwards engine callbacks, and releases
// the active handle when the session reaches a terminal state.
package woble

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/srg/woble/internal/gatt"
	"github.com/srg/woble/internal/gatt/goble"
	"github.com/srg/woble/internal/transport"
	"github.com/srg/woble/pkg/config"
)

// Handle identifies the session's BLE connection.
type Handle = gatt.ConnectionHandle

// ErrSessionActive is returned by Connect while a previous session has not
// reached a terminal state. One session owns at most one connection handle.
var ErrSessionActive = fmt.Errorf("a session is already active")

// ProviderFactory creates the platform provider (can be overridden in tests)
var ProviderFactory = func(sink gatt.EventSink, profile goble.Profile, logger *logrus.Logger) gatt.Provider {
	return goble.NewProvider(sink, profile, logger)
}

// Manager binds the delegate bridge to a host application.
type Manager struct {
	cfg    *config.Config
	logger *logrus.Logger
	bridge *transport.Bridge

	mu            sync.Mutex
	active        Handle
	connectCancel context.CancelFunc
}

// NewManager builds a manager delivering session events to engine. A nil
// engine is allowed for callers that only poll state.
func NewManager(cfg *config.Config, engine transport.EngineSink, logger *logrus.Logger) *Manager {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if logger == nil {
		logger = cfg.NewLogger()
	}

	m := &Manager{cfg: cfg, logger: logger}
	bridge := transport.New(&sessionSink{m: m, next: engine}, logger, &transport.Options{
		WriteRetryLimit: cfg.WriteRetryLimit,
		QueueDepth:      cfg.QueueDepth,
		FallbackMTU:     cfg.FallbackMTU,
	})
	bridge.BindProvider(ProviderFactory(bridge, goble.Profile{
		Service:      cfg.ServiceUUID,
		WriteChar:    cfg.WriteCharUUID,
		IndicateChar: cfg.IndicateCharUUID,
	}, logger))

	m.bridge = bridge
	return m
}

// Connect opens a session to the peripheral at address. The configured
// connect timeout bounds the platform attempt; session establishment is
// reported through the engine sink.
func (m *Manager) Connect(ctx context.Context, address string) (Handle, error) {
	m.mu.Lock()
	if m.active != 0 && !m.bridge.ConnectionState(m.active).Terminal() {
		m.mu.Unlock()
		return 0, fmt.Errorf("%w (handle %d)", ErrSessionActive, m.active)
	}

	connectCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	h, err := m.bridge.Connect(connectCtx, address)
	if err != nil {
		m.mu.Unlock()
		cancel()
		return 0, err
	}
	m.active = h
	m.connectCancel = cancel
	m.mu.Unlock()
	return h, nil
}

// Subscribe enables inbound indications on the active session.
func (m *Manager) Subscribe() error {
	h, err := m.activeHandle()
	if err != nil {
		return err
	}
	return m.bridge.Subscribe(h)
}

// Send submits one pre-fragmented payload on the active session.
func (m *Manager) Send(data []byte) error {
	h, err := m.activeHandle()
	if err != nil {
		return err
	}
	return m.bridge.SendCharacteristic(h, data)
}

// Close tears the active session down. A no-op when nothing is active.
func (m *Manager) Close() error {
	m.mu.Lock()
	h := m.active
	m.mu.Unlock()
	if h == 0 {
		return nil
	}
	return m.bridge.Close(h)
}

// State reports the active session's connection state; StateClosed when no
// session exists.
func (m *Manager) State() transport.State {
	m.mu.Lock()
	h := m.active
	m.mu.Unlock()
	if h == 0 {
		return transport.StateClosed
	}
	return m.bridge.ConnectionState(h)
}

// Bridge exposes the underlying delegate pair for callers that manage
// handles themselves.
func (m *Manager) Bridge() *transport.Bridge {
	return m.bridge
}

func (m *Manager) activeHandle() (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == 0 {
		return 0, fmt.Errorf("no active session")
	}
	return m.active, nil
}

// sessionEnded releases the active handle once its session reached a
// terminal state, making room for the next Connect.
func (m *Manager) sessionEnded(h Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != h {
		return
	}
	m.active = 0
	if m.connectCancel != nil {
		m.connectCancel()
		m.connectCancel = nil
	}
}

// sessionSink observes terminal transitions before forwarding engine
// callbacks to the host.
type sessionSink struct {
	m    *Manager
	next transport.EngineSink
}

var _ transport.EngineSink = (*sessionSink)(nil)

func (s *sessionSink) OnSessionEstablished(h gatt.ConnectionHandle) {
	if s.next != nil {
		s.next.OnSessionEstablished(h)
	}
}

func (s *sessionSink) OnSessionEnded(h gatt.ConnectionHandle, reason string) {
	s.m.sessionEnded(h)
	if s.next != nil {
		s.next.OnSessionEnded(h, reason)
	}
}

func (s *sessionSink) OnBytesReceived(h gatt.ConnectionHandle, data []byte) {
	if s.next != nil {
		s.next.OnBytesReceived(h, data)
	}
}

func (s *sessionSink) OnTransportError(h gatt.ConnectionHandle, kind transport.ErrorKind) {
	s.m.sessionEnded(h)
	if s.next != nil {
		s.next.OnTransportError(h, kind)
	}
}
