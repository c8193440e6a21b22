// Package scanner discovers commissionable peripherals: devices advertising
// the commissioning service UUID. Discovery runs before any session is
// opened, so it talks to the platform device directly rather than through
// the delegate bridge.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cornelk/hashmap"
	blelib "github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/woble/internal/gatt"
	"github.com/srg/woble/internal/gatt/goble"
)

// ScanningDevice is the slice of the platform device discovery needs,
// narrow so tests can fake it.
type ScanningDevice interface {
	Scan(ctx context.Context, allowDup bool, h blelib.AdvHandler) error
}

// DeviceFactory creates a ScanningDevice (can be overridden in tests)
var DeviceFactory = func() (ScanningDevice, error) {
	dev, err := goble.DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", gatt.ErrStackUnavailable, err)
	}
	blelib.SetDefaultDevice(dev)
	return dev, nil
}

// DeviceInfo describes one discovered commissionable peripheral.
type DeviceInfo struct {
	Name        string
	Address     string
	RSSI        int
	Connectable bool
	Services    []string
}

// ScanOptions configures scanning behavior
type ScanOptions struct {
	Duration        time.Duration
	DuplicateFilter bool

	// ServiceUUID restricts results to devices advertising it. Empty
	// disables the filter and reports every advertiser.
	ServiceUUID string

	AllowList []string
	BlockList []string
}

// DefaultScanOptions returns default scanning options: ten seconds,
// commissioning service devices only.
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		Duration:        10 * time.Second,
		DuplicateFilter: true,
		ServiceUUID:     gatt.DefaultServiceUUID,
	}
}

// Scanner handles commissionable device discovery
type Scanner struct {
	devices *hashmap.Map[string, DeviceInfo]
	logger  *logrus.Logger

	scanOptions *ScanOptions
}

// NewScanner creates a new scanner
func NewScanner(logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scanner{logger: logger}
}

// Scan performs discovery with the provided options and returns the devices
// seen, keyed by address.
func (s *Scanner) Scan(ctx context.Context, opts *ScanOptions) (map[string]DeviceInfo, error) {
	if opts == nil {
		opts = DefaultScanOptions()
	}
	s.devices = hashmap.New[string, DeviceInfo]()
	s.scanOptions = opts
	defer func() {
		s.scanOptions = nil
	}()

	s.logger.WithFields(logrus.Fields{
		"duration": opts.Duration,
		"service":  opts.ServiceUUID,
	}).Info("Starting commissionable device scan")

	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", err)
	}

	scanCtx := ctx
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	err = dev.Scan(scanCtx, !opts.DuplicateFilter, s.handleAdvertisement)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	s.logger.WithField("device_count", s.devices.Len()).Info("Scan completed")

	devices := make(map[string]DeviceInfo, s.devices.Len())
	s.devices.Range(func(key string, value DeviceInfo) bool {
		devices[key] = value
		return true
	})
	return devices, nil
}

// handleAdvertisement updates existing or adds a new device
func (s *Scanner) handleAdvertisement(adv blelib.Advertisement) {
	opts := s.scanOptions
	if opts == nil {
		return
	}

	address := adv.Addr().String()
	if !addressAllowed(address, opts.AllowList, opts.BlockList) {
		return
	}

	services := make([]string, 0, len(adv.Services()))
	for _, uuid := range adv.Services() {
		services = append(services, gatt.NormalizeUUID(uuid.String()))
	}
	if opts.ServiceUUID != "" && !containsUUID(services, opts.ServiceUUID) {
		return
	}

	info := DeviceInfo{
		Name:        adv.LocalName(),
		Address:     address,
		RSSI:        adv.RSSI(),
		Connectable: adv.Connectable(),
		Services:    services,
	}

	if prev, existing := s.devices.Get(address); existing {
		// Keep the first non-empty name seen; advertisements and scan
		// responses do not all carry it.
		if info.Name == "" {
			info.Name = prev.Name
		}
		s.devices.Set(address, info)
		s.logger.WithField("address", address).Debug("Updated device")
		return
	}

	s.devices.Set(address, info)
	s.logger.WithFields(logrus.Fields{
		"address": address,
		"name":    info.Name,
		"rssi":    info.RSSI,
	}).Debug("Discovered commissionable device")
}

func addressAllowed(address string, allow, block []string) bool {
	for _, blocked := range block {
		if blocked == address {
			return false
		}
	}
	if len(allow) == 0 {
		return true
	}
	for _, allowed := range allow {
		if allowed == address {
			return true
		}
	}
	return false
}

func containsUUID(haystack []string, uuid string) bool {
	want := gatt.NormalizeUUID(uuid)
	for _, have := range haystack {
		if have == want {
			return true
		}
	}
	return false
}
