// Package goble implements the gatt.Provider contract on top of the go-ble
// host stack. Every primitive is submitted on its own goroutine and reports
// through the bridge's EventSink, matching the submit-then-callback model
// the bridge serializes against.
package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/woble/internal/gatt"
	"github.com/srg/woble/internal/groutine"
)

// Profile is the UUID triplet the provider looks for during discovery.
type Profile struct {
	Service      string
	WriteChar    string
	IndicateChar string
}

// DefaultProfile returns the standard commissioning service triplet.
func DefaultProfile() Profile {
	return Profile{
		Service:      gatt.DefaultServiceUUID,
		WriteChar:    gatt.DefaultWriteCharUUID,
		IndicateChar: gatt.DefaultIndicateCharUUID,
	}
}

// link is the live go-ble state for one connection handle.
type link struct {
	client   ble.Client
	write    *ble.Characteristic
	indicate *ble.Characteristic

	mu      sync.Mutex
	closing bool
}

func (l *link) markClosing() {
	l.mu.Lock()
	l.closing = true
	l.mu.Unlock()
}

func (l *link) isClosing() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closing
}

// Provider adapts go-ble to the gatt.Provider contract.
type Provider struct {
	sink    gatt.EventSink
	profile Profile
	logger  *logrus.Logger
	links   *hashmap.Map[uint64, *link]

	devMu  sync.Mutex
	device ble.Device
}

var _ gatt.Provider = (*Provider)(nil)

// NewProvider creates a provider delivering completions to sink.
func NewProvider(sink gatt.EventSink, profile Profile, logger *logrus.Logger) *Provider {
	if logger == nil {
		logger = logrus.New()
	}
	if profile.Service == "" {
		profile = DefaultProfile()
	}
	return &Provider{
		sink:    sink,
		profile: profile,
		logger:  logger,
		links:   hashmap.New[uint64, *link](),
	}
}

// ensureDevice initializes the platform BLE device once; a failed attempt
// is retried on the next connect rather than cached.
func (p *Provider) ensureDevice() error {
	p.devMu.Lock()
	defer p.devMu.Unlock()
	if p.device != nil {
		return nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		return fmt.Errorf("%w: %v", gatt.ErrStackUnavailable, err)
	}
	ble.SetDefaultDevice(dev)
	p.device = dev
	return nil
}

// Connect dials the peripheral and starts the link-drop watcher.
func (p *Provider) Connect(ctx context.Context, h gatt.ConnectionHandle, address string) {
	groutine.Go(ctx, fmt.Sprintf("ble-connect-%d", h), func(ctx context.Context) {
		if err := p.ensureDevice(); err != nil {
			p.sink.HandleConnectResult(h, err)
			return
		}

		client, err := ble.Dial(ctx, ble.NewAddr(address))
		if err != nil {
			p.sink.HandleConnectResult(h, fmt.Errorf("failed to connect to %q: %w", address, err))
			return
		}

		l := &link{client: client}
		p.links.Set(uint64(h), l)
		groutine.Go(nil, fmt.Sprintf("ble-link-watch-%d", h), func(context.Context) {
			p.watchLink(h, l)
		})

		p.sink.HandleConnectResult(h, nil)
	})
}

// watchLink reports unsolicited link loss. A locally requested disconnect
// marks the link closing first, so the drop event is suppressed for it.
func (p *Provider) watchLink(h gatt.ConnectionHandle, l *link) {
	<-l.client.Disconnected()
	if l.isClosing() {
		return
	}
	p.links.Del(uint64(h))
	p.logger.WithField("handle", uint64(h)).Warn("Link dropped by platform")
	p.sink.HandleLinkDrop(h, errors.New("link lost"))
}

// DiscoverEndpoints walks the GATT profile looking for the configured
// service and its write/indicate pair.
func (p *Provider) DiscoverEndpoints(h gatt.ConnectionHandle) {
	groutine.Go(nil, fmt.Sprintf("ble-discover-%d", h), func(context.Context) {
		l, ok := p.links.Get(uint64(h))
		if !ok {
			p.sink.HandleDiscoveryResult(h, nil, 0, errors.New("no live link for discovery"))
			return
		}

		bleProfile, err := l.client.DiscoverProfile(true)
		if err != nil {
			p.sink.HandleDiscoveryResult(h, nil, 0, fmt.Errorf("failed to discover profile: %w", err))
			return
		}

		write, indicate, err := findEndpoints(bleProfile, p.profile)
		if err != nil {
			p.sink.HandleDiscoveryResult(h, nil, 0, err)
			return
		}

		l.mu.Lock()
		l.write = write
		l.indicate = indicate
		l.mu.Unlock()

		mtu := l.client.Conn().TxMTU()
		p.sink.HandleDiscoveryResult(h, &gatt.Endpoints{
			Service:      gatt.NormalizeUUID(p.profile.Service),
			WriteChar:    gatt.NormalizeUUID(p.profile.WriteChar),
			IndicateChar: gatt.NormalizeUUID(p.profile.IndicateChar),
		}, mtu, nil)
	})
}

// findEndpoints locates the write/indicate characteristic pair in a
// discovered profile. Indications are preferred for inbound traffic, with
// notify accepted for peripherals that only implement the lighter mode.
func findEndpoints(bleProfile *ble.Profile, want Profile) (write, indicate *ble.Characteristic, err error) {
	svcUUID := gatt.NormalizeUUID(want.Service)
	writeUUID := gatt.NormalizeUUID(want.WriteChar)
	indicateUUID := gatt.NormalizeUUID(want.IndicateChar)

	for _, svc := range bleProfile.Services {
		if gatt.NormalizeUUID(svc.UUID.String()) != svcUUID {
			continue
		}
		for _, char := range svc.Characteristics {
			switch gatt.NormalizeUUID(char.UUID.String()) {
			case writeUUID:
				if char.Property&(ble.CharWrite|ble.CharWriteNR) != 0 {
					write = char
				}
			case indicateUUID:
				if char.Property&(ble.CharIndicate|ble.CharNotify) != 0 {
					indicate = char
				}
			}
		}
	}

	if write == nil || indicate == nil {
		return nil, nil, fmt.Errorf("service %q does not expose the expected endpoint pair", want.Service)
	}
	return write, indicate, nil
}

// SubscribeCharacteristic enables indications on the inbound endpoint.
func (p *Provider) SubscribeCharacteristic(h gatt.ConnectionHandle, token uint64) {
	groutine.Go(nil, fmt.Sprintf("ble-subscribe-%d", h), func(context.Context) {
		l, ok := p.links.Get(uint64(h))
		if !ok {
			p.sink.HandleSubscribeResult(h, token, errors.New("no live link for subscribe"))
			return
		}
		l.mu.Lock()
		indicate := l.indicate
		l.mu.Unlock()
		if indicate == nil {
			p.sink.HandleSubscribeResult(h, token, errors.New("endpoints not discovered"))
			return
		}

		err := l.client.Subscribe(indicate, true, func(data []byte) {
			p.sink.HandleNotification(h, data)
		})
		p.sink.HandleSubscribeResult(h, token, err)
	})
}

// WriteCharacteristic submits one fragment as a write-with-response. The
// bridge never pipelines, so per-handle ordering is preserved.
func (p *Provider) WriteCharacteristic(h gatt.ConnectionHandle, token uint64, data []byte) {
	groutine.Go(nil, fmt.Sprintf("ble-write-%d", h), func(context.Context) {
		l, ok := p.links.Get(uint64(h))
		if !ok {
			p.sink.HandleWriteResult(h, token, errors.New("no live link for write"))
			return
		}
		l.mu.Lock()
		write := l.write
		l.mu.Unlock()
		if write == nil {
			p.sink.HandleWriteResult(h, token, errors.New("endpoints not discovered"))
			return
		}

		err := l.client.WriteCharacteristic(write, data, false)
		p.sink.HandleWriteResult(h, token, err)
	})
}

// Disconnect tears the link down; unknown handles complete immediately so
// the call stays idempotent.
func (p *Provider) Disconnect(h gatt.ConnectionHandle) {
	groutine.Go(nil, fmt.Sprintf("ble-disconnect-%d", h), func(context.Context) {
		l, ok := p.links.Get(uint64(h))
		if !ok {
			p.sink.HandleDisconnectComplete(h)
			return
		}
		l.markClosing()
		p.links.Del(uint64(h))

		p.unsubscribe(l)
		if err := l.client.CancelConnection(); err != nil {
			p.logger.WithFields(logrus.Fields{
				"handle": uint64(h),
				"error":  err,
			}).Warn("Device disconnected with errors")
		}
		p.sink.HandleDisconnectComplete(h)
	})
}

// unsubscribe is best effort: tries both indication and notification modes
// and only logs when both fail.
func (p *Provider) unsubscribe(l *link) {
	l.mu.Lock()
	indicate := l.indicate
	l.mu.Unlock()
	if indicate == nil {
		return
	}
	err1 := l.client.Unsubscribe(indicate, true)
	err2 := l.client.Unsubscribe(indicate, false)
	if err1 != nil && err2 != nil {
		p.logger.WithFields(logrus.Fields{
			"indicateErr": err1,
			"notifyErr":   err2,
		}).Debug("Failed to unsubscribe before disconnect")
	}
}
