//go:build !darwin && !linux

package goble

import (
	"errors"

	"github.com/go-ble/ble"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
var DeviceFactory = func() (ble.Device, error) {
	return nil, errors.New("no BLE host stack on this platform")
}
