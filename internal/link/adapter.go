// Package link provides the transports an OBD adapter can be reached over.
// It hides Bluetooth Low Energy and wired serial ports behind one small
// GATT-shaped interface: write to a characteristic with acknowledgment,
// subscribe to notifications on another, and report the negotiated MTU.
package link

import (
	"context"
	"errors"
)

var (
	// ErrDeviceNotFound is returned when discovery finds no matching device.
	ErrDeviceNotFound = errors.New("link: device not found")
	// ErrNotSupported is returned by operations a transport cannot perform.
	ErrNotSupported = errors.New("link: not supported")
)

// Characteristic represents a GATT characteristic (or its serial equivalent).
type Characteristic interface {
	// Write sends data and returns once the peer acknowledged it.
	Write(data []byte) error
	// Subscribe registers a callback for notifications on this characteristic.
	// The callback may be invoked from a transport goroutine and must not
	// retain data after returning.
	Subscribe(callback func(data []byte)) error
	// Unsubscribe stops notifications.
	Unsubscribe() error
}

// Device represents a discovered peripheral.
type Device struct {
	Name    string
	Address string
	RSSI    int
}

// Connection represents an active connection to a peripheral.
type Connection interface {
	// DiscoverCharacteristic finds a characteristic by UUID in any service.
	DiscoverCharacteristic(charUUID string) (Characteristic, error)
	// MTU returns the negotiated ATT MTU.
	MTU() (int, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the host-side radio or port for testing.
type Adapter interface {
	// Enable powers on the adapter.
	Enable() error
	// Scan discovers peripherals until ctx is done.
	Scan(ctx context.Context) ([]Device, error)
	// Connect establishes a connection to the device at address.
	Connect(ctx context.Context, address string) (Connection, error)
}
