package link

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"
)

// BluetoothAdapter wraps tinygo-org/bluetooth.
// On macOS, device addresses are CoreBluetooth UUIDs rather than MAC
// addresses; both are carried in Device.Address as strings.
type BluetoothAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects the connections map and enabled.
	mu          sync.Mutex
	connections map[string]*bluetoothConnection // keyed by address
	enabled     bool
}

// NewBluetoothAdapter creates an adapter backed by the default host radio.
func NewBluetoothAdapter() *BluetoothAdapter {
	return &BluetoothAdapter{
		adapter:     bluetooth.DefaultAdapter,
		connections: make(map[string]*bluetoothConnection),
	}
}

// Enable powers on the radio. Later calls are no-ops.
func (a *BluetoothAdapter) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.enabled {
		return nil
	}
	if err := a.adapter.Enable(); err != nil {
		return err
	}
	a.enabled = true

	// tinygo/bluetooth reports peripheral disconnects through the
	// adapter-level connect handler with connected=false.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if !connected {
			a.handleDisconnect(device.Address.String())
		}
	})

	return nil
}

// handleDisconnect notifies the connection registered for addr, if any.
// Connections closed through Disconnect are already unregistered.
func (a *BluetoothAdapter) handleDisconnect(addr string) {
	a.mu.Lock()
	conn, ok := a.connections[addr]
	delete(a.connections, addr)
	a.mu.Unlock()
	if ok {
		conn.fireDisconnect()
	}
}

func (a *BluetoothAdapter) register(conn *bluetoothConnection) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connections[conn.address] = conn
}

func (a *BluetoothAdapter) unregister(conn *bluetoothConnection) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connections[conn.address] == conn {
		delete(a.connections, conn.address)
	}
}

func (a *BluetoothAdapter) Scan(ctx context.Context) ([]Device, error) {
	var mu sync.Mutex
	var devices []Device
	seen := make(map[string]bool)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.adapter.StopScan()
		case <-done:
		}
	}()

	err := a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		addr := result.Address.String()
		mu.Lock()
		defer mu.Unlock()
		if seen[addr] {
			return
		}
		seen[addr] = true
		devices = append(devices, Device{
			Name:    result.LocalName(),
			Address: addr,
			RSSI:    int(result.RSSI),
		})
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("link: scan: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	return devices, nil
}

func (a *BluetoothAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(address)

	// tinygo/bluetooth's Connect blocks with its own timeout; the select
	// lets ctx cancellation return early.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("link: connect to %s: %w", address, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("link: connect to %s: %w", address, result.err)
		}
		conn := &bluetoothConnection{
			adapter: a,
			device:  result.device,
			address: result.device.Address.String(),
		}
		a.register(conn)

		slog.Info("[BLE] connected", "address", address)
		return conn, nil
	}
}

// Compile-time check that BluetoothAdapter implements Adapter.
var _ Adapter = (*BluetoothAdapter)(nil)

type bluetoothConnection struct {
	adapter *BluetoothAdapter
	device  bluetooth.Device
	address string

	mu           sync.Mutex
	chars        []bluetooth.DeviceCharacteristic // populated on first discovery
	disconnectCb func()
}

func (c *bluetoothConnection) DiscoverCharacteristic(charUUID string) (Characteristic, error) {
	want, err := bluetooth.ParseUUID(charUUID)
	if err != nil {
		return nil, fmt.Errorf("link: parse characteristic UUID: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.chars == nil {
		svcs, err := c.device.DiscoverServices(nil)
		if err != nil {
			return nil, fmt.Errorf("link: discover services: %w", err)
		}
		for _, svc := range svcs {
			chars, err := svc.DiscoverCharacteristics(nil)
			if err != nil {
				return nil, fmt.Errorf("link: discover characteristics of %s: %w", svc.UUID(), err)
			}
			c.chars = append(c.chars, chars...)
		}
	}

	for i := range c.chars {
		if c.chars[i].UUID() == want {
			return &bluetoothCharacteristic{char: c.chars[i], address: c.address}, nil
		}
	}
	return nil, fmt.Errorf("link: characteristic %s not found", strings.ToLower(charUUID))
}

func (c *bluetoothConnection) MTU() (int, error) {
	c.mu.Lock()
	chars := c.chars
	c.mu.Unlock()
	if len(chars) == 0 {
		return 0, fmt.Errorf("link: mtu: no characteristics discovered")
	}
	mtu, err := chars[0].GetMTU()
	if err != nil {
		return 0, fmt.Errorf("link: mtu: %w", err)
	}
	return int(mtu), nil
}

// Disconnect closes the link. The disconnect callback is not invoked for
// a disconnect we asked for.
func (c *bluetoothConnection) Disconnect() error {
	c.detach()
	return c.device.Disconnect()
}

func (c *bluetoothConnection) detach() {
	if c.adapter != nil {
		c.adapter.unregister(c)
	}
	c.mu.Lock()
	c.disconnectCb = nil
	c.mu.Unlock()
}

func (c *bluetoothConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *bluetoothConnection) fireDisconnect() {
	c.mu.Lock()
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type bluetoothCharacteristic struct {
	char    bluetooth.DeviceCharacteristic
	address string

	writerOnce sync.Once
	write      func([]byte) error
	writerErr  error
}

// Write performs a GATT write request, which waits for the peer's response.
// The platform write path is resolved on first use.
func (c *bluetoothCharacteristic) Write(data []byte) error {
	c.writerOnce.Do(func() {
		c.write, c.writerErr = ackWriter(c.address, c.char)
	})
	if c.writerErr != nil {
		return c.writerErr
	}
	return c.write(data)
}

func (c *bluetoothCharacteristic) Subscribe(cb func([]byte)) error {
	return c.char.EnableNotifications(func(buf []byte) {
		cb(buf)
	})
}

func (c *bluetoothCharacteristic) Unsubscribe() error {
	return c.char.EnableNotifications(nil)
}
