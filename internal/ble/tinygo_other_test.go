//go:build !darwin && !windows

package ble

import (
	"errors"
	"testing"

	"tinygo.org/x/bluetooth"
)

func TestTinyGoWriteWithResponseUnsupported(t *testing.T) {
	err := writeWithResponse(bluetooth.DeviceCharacteristic{}, []byte("x 1, y: 2"))
	if !errors.Is(err, errWriteWithResponseUnsupported) {
		t.Errorf("writeWithResponse() error = %v, want errWriteWithResponseUnsupported", err)
	}
}

func TestTinyGoCharacteristicsNotOfferedForWrites(t *testing.T) {
	p := characteristicProperties(bluetooth.DeviceCharacteristic{})
	if p.CanWrite() {
		t.Errorf("properties = %s, acknowledged writes should not be offered", p)
	}
	if !p.CanNotify() {
		t.Errorf("properties = %s, want notify", p)
	}
}
