package link

import "tinygo.org/x/bluetooth"

// ackWriter uses WinRT's write-with-response.
func ackWriter(_ string, char bluetooth.DeviceCharacteristic) (func([]byte) error, error) {
	return func(data []byte) error {
		_, err := char.Write(data)
		return err
	}, nil
}
