//go:build !darwin && !windows

package ble

import "tinygo.org/x/bluetooth"

// tinygo on BlueZ only offers write commands. Use the bluez backend for
// acknowledged writes on Linux.
func characteristicProperties(bluetooth.DeviceCharacteristic) Property {
	return PropRead | PropWriteWithoutResponse | PropNotify
}

func writeWithResponse(bluetooth.DeviceCharacteristic, []byte) error {
	return errWriteWithResponseUnsupported
}
