package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.bug.st/serial"
)

// SerialOptions configures a wired ELM327-style adapter.
type SerialOptions struct {
	BaudRate int // default 38400
	MTU      int // reported MTU; chunk size is MTU minus the link overhead
}

// SerialAdapter exposes USB/RS-232 OBD adapters through the same interface
// as BLE. Scan lists serial ports. Both characteristic UUIDs resolve to the
// port itself: writes go to the port and every read becomes one notification.
type SerialAdapter struct {
	opts SerialOptions
}

// NewSerialAdapter creates a serial adapter. Zero options take defaults.
func NewSerialAdapter(opts SerialOptions) *SerialAdapter {
	if opts.BaudRate <= 0 {
		opts.BaudRate = 38400
	}
	if opts.MTU <= 0 {
		opts.MTU = 64
	}
	return &SerialAdapter{opts: opts}
}

func (a *SerialAdapter) Enable() error { return nil }

func (a *SerialAdapter) Scan(_ context.Context) ([]Device, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("link: list serial ports: %w", err)
	}
	devices := make([]Device, 0, len(ports))
	for _, p := range ports {
		devices = append(devices, Device{Name: p, Address: p})
	}
	return devices, nil
}

func (a *SerialAdapter) Connect(ctx context.Context, address string) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("link: open %s: %w", address, err)
	}
	mode := &serial.Mode{
		BaudRate: a.opts.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(address, mode)
	if err != nil {
		return nil, fmt.Errorf("link: open %s: %w", address, err)
	}
	if err := port.SetReadTimeout(200 * time.Millisecond); err != nil {
		port.Close()
		return nil, fmt.Errorf("link: set read timeout on %s: %w", address, err)
	}
	slog.Info("[SERIAL] opened", "port", address, "baud", a.opts.BaudRate)
	return newSerialConnection(port, a.opts.MTU), nil
}

// Compile-time check that SerialAdapter implements Adapter.
var _ Adapter = (*SerialAdapter)(nil)

// serialPort is the subset of serial.Port the connection uses.
type serialPort interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Drain() error
	Close() error
}

type serialConnection struct {
	port serialPort
	mtu  int

	mu           sync.Mutex
	disconnectCb func()
	stop         chan struct{}
	readDone     chan struct{}
	closed       bool
}

func newSerialConnection(port serialPort, mtu int) *serialConnection {
	return &serialConnection{port: port, mtu: mtu}
}

func (c *serialConnection) DiscoverCharacteristic(_ string) (Characteristic, error) {
	return &serialCharacteristic{conn: c}, nil
}

func (c *serialConnection) MTU() (int, error) { return c.mtu, nil }

func (c *serialConnection) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.stopReading()
	return c.port.Close()
}

func (c *serialConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

// startReading launches the read loop, replacing any previous one.
func (c *serialConnection) startReading(cb func([]byte)) error {
	c.stopReading()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("link: serial port closed")
	}
	c.stop = make(chan struct{})
	c.readDone = make(chan struct{})
	go c.readLoop(cb, c.stop, c.readDone)
	return nil
}

func (c *serialConnection) stopReading() {
	c.mu.Lock()
	stop, done := c.stop, c.readDone
	c.stop, c.readDone = nil, nil
	c.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (c *serialConnection) readLoop(cb func([]byte), stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	buf := make([]byte, 256)
	for {
		select {
		case <-stop:
			return
		default:
		}

		n, err := c.port.Read(buf)
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			dcb := c.disconnectCb
			c.mu.Unlock()
			if !closed {
				slog.Warn("[SERIAL] read failed", "error", err)
				if dcb != nil {
					go dcb()
				}
			}
			return
		}
		// n == 0 is a read timeout
		if n > 0 {
			cb(buf[:n])
		}
	}
}

type serialCharacteristic struct {
	conn *serialConnection
}

// Write sends data and waits for the OS to drain it to the wire.
func (c *serialCharacteristic) Write(data []byte) error {
	if _, err := c.conn.port.Write(data); err != nil {
		return fmt.Errorf("link: serial write: %w", err)
	}
	if err := c.conn.port.Drain(); err != nil {
		return fmt.Errorf("link: serial drain: %w", err)
	}
	return nil
}

func (c *serialCharacteristic) Subscribe(cb func([]byte)) error {
	return c.conn.startReading(cb)
}

func (c *serialCharacteristic) Unsubscribe() error {
	c.conn.stopReading()
	return nil
}
