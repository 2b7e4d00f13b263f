package ble

import "tinygo.org/x/bluetooth"

func characteristicProperties(c bluetooth.DeviceCharacteristic) Property {
	return propertiesFromGATT(c.Properties())
}

func writeWithResponse(c bluetooth.DeviceCharacteristic, data []byte) error {
	_, err := c.Write(data)
	return err
}
