//go:build baremetal || (!linux && !darwin && !windows)

package link

import "tinygo.org/x/bluetooth"

func ackWriter(_ string, _ bluetooth.DeviceCharacteristic) (func([]byte) error, error) {
	return nil, ErrNotSupported
}
