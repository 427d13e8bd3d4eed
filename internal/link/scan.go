package link

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// ScanForDevices enables the adapter and collects peripherals for timeout.
func ScanForDevices(ctx context.Context, adapter Adapter, timeout time.Duration) ([]Device, error) {
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("link: enable adapter: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	devices, err := adapter.Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("link: scan: %w", err)
	}
	return devices, nil
}

// FindDevice scans for timeout and returns the first device named name.
// Every discovered device is logged. ErrDeviceNotFound is returned when
// nothing matches.
func FindDevice(ctx context.Context, adapter Adapter, name string, timeout time.Duration) (Device, error) {
	devices, err := ScanForDevices(ctx, adapter, timeout)
	if err != nil {
		return Device{}, err
	}
	for _, d := range devices {
		slog.Info("[BLE] found device", "name", d.Name, "address", d.Address, "rssi", d.RSSI)
		if d.Name == name {
			return d, nil
		}
	}
	return Device{}, fmt.Errorf("%w: %q", ErrDeviceNotFound, name)
}
