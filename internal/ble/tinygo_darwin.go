package ble

import "tinygo.org/x/bluetooth"

// CoreBluetooth does not surface property flags through tinygo, so every
// characteristic is offered for every role. Configure
// session.write_characteristic when the command target is not the first
// characteristic discovered.
func characteristicProperties(bluetooth.DeviceCharacteristic) Property {
	return PropRead | PropWrite | PropNotify
}

func writeWithResponse(c bluetooth.DeviceCharacteristic, data []byte) error {
	_, err := c.Write(data)
	return err
}
