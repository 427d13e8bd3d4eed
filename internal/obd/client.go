// Package obd runs a command session against an OBD-II adapter: it sends
// AT/OBD command lines in MTU-sized, acknowledged chunks and turns the
// adapter's notification frames back into complete responses.
package obd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/obd-shell/internal/console"
	"github.com/chaz8081/obd-shell/internal/link"
	"github.com/chaz8081/obd-shell/internal/protocol"
)

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("obd: client closed")

// ChunkError reports the chunk at which a command was aborted.
type ChunkError struct {
	Index int // 1-based
	Total int
	Err   error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("obd: write chunk %d/%d: %v", e.Index, e.Total, e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }

// ClientOptions configures the client behavior.
type ClientOptions struct {
	NotifyUUID      string
	WriteUUID       string
	LinkOverhead    int           // bytes subtracted from the MTU per write; 0 means protocol.LinkOverhead
	InterChunkDelay time.Duration // pause between chunks of one command
	ResponseQueue   int           // completed responses buffered for Responses()
}

// DefaultClientOptions returns the OBDLink CX settings.
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		NotifyUUID:      protocol.NotifyCharUUID,
		WriteUUID:       protocol.WriteCharUUID,
		LinkOverhead:    protocol.LinkOverhead,
		InterChunkDelay: 100 * time.Millisecond,
		ResponseQueue:   16,
	}
}

// Command is one outbound command line split for the link.
type Command struct {
	ID      string
	Text    string
	Payload []byte
	Chunks  [][]byte
}

// NewCommand encodes text and splits it into chunks of at most capacity bytes.
func NewCommand(text string, capacity int) Command {
	payload := protocol.EncodeCommand(text)
	return Command{
		ID:      uuid.NewString()[:8],
		Text:    text,
		Payload: payload,
		Chunks:  protocol.Chunk(payload, capacity),
	}
}

// Client drives one adapter connection.
//
// Outbound commands are serialized: a command's chunks are all written, or
// the command aborted, before the next command starts. Inbound frames are
// handled by a single goroutine that owns the reassembly buffer.
type Client struct {
	conn       link.Connection
	writeChar  link.Characteristic
	notifyChar link.Characteristic
	sink       *console.Sink
	opts       ClientOptions

	sendMu   sync.Mutex
	inflight chan struct{} // closed when the last write returns; guarded by sendMu

	frames    chan []byte
	resets    chan struct{}
	responses chan []byte
	loopDone  chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
	teardown  sync.Once
}

// Dial enables the adapter, connects to address and starts a client.
func Dial(ctx context.Context, adapter link.Adapter, address string, sink *console.Sink, opts ClientOptions) (*Client, error) {
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("obd: enable adapter: %w", err)
	}
	conn, err := adapter.Connect(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("obd: connect to %s: %w", address, err)
	}
	c, err := NewClient(conn, sink, opts)
	if err != nil {
		_ = conn.Disconnect()
		return nil, err
	}
	return c, nil
}

// NewClient resolves the adapter characteristics on conn, subscribes to
// notifications and starts the inbound goroutine.
func NewClient(conn link.Connection, sink *console.Sink, opts ClientOptions) (*Client, error) {
	def := DefaultClientOptions()
	if opts.NotifyUUID == "" {
		opts.NotifyUUID = def.NotifyUUID
	}
	if opts.WriteUUID == "" {
		opts.WriteUUID = def.WriteUUID
	}
	if opts.LinkOverhead <= 0 {
		opts.LinkOverhead = def.LinkOverhead
	}
	if opts.InterChunkDelay < 0 {
		opts.InterChunkDelay = 0
	}
	if opts.ResponseQueue <= 0 {
		opts.ResponseQueue = def.ResponseQueue
	}

	writeChar, err := conn.DiscoverCharacteristic(opts.WriteUUID)
	if err != nil {
		return nil, fmt.Errorf("obd: discover write characteristic: %w", err)
	}
	notifyChar, err := conn.DiscoverCharacteristic(opts.NotifyUUID)
	if err != nil {
		return nil, fmt.Errorf("obd: discover notify characteristic: %w", err)
	}

	c := &Client{
		conn:       conn,
		writeChar:  writeChar,
		notifyChar: notifyChar,
		sink:       sink,
		opts:       opts,
		frames:     make(chan []byte, 64),
		resets:     make(chan struct{}, 1),
		responses:  make(chan []byte, opts.ResponseQueue),
		loopDone:   make(chan struct{}),
		closed:     make(chan struct{}),
	}

	if mtu, err := conn.MTU(); err == nil {
		sink.Infof("Negotiated MTU size: %d bytes.", mtu)
	}

	go c.readLoop()

	sink.Infof("Subscribing to notifications on %s...", opts.NotifyUUID)
	if err := notifyChar.Subscribe(c.onNotify); err != nil {
		c.markClosed()
		<-c.loopDone
		return nil, fmt.Errorf("obd: subscribe to notifications: %w", err)
	}
	sink.Infof("Notifications enabled.")

	conn.OnDisconnect(func() {
		select {
		case <-c.closed:
			return // our own Close
		default:
		}
		slog.Warn("[OBD] connection lost")
		sink.Errorf("connection lost")
		c.markClosed()
	})

	return c, nil
}

// onNotify runs on the transport's goroutine. The frame is copied because
// the transport may reuse its buffer.
func (c *Client) onNotify(data []byte) {
	slog.Debug("[BLE] notification", "data", protocol.Hex(data))
	frame := make([]byte, len(data))
	copy(frame, data)
	select {
	case c.frames <- frame:
	case <-c.closed:
	}
}

// readLoop is the only goroutine that touches the reassembly buffer.
func (c *Client) readLoop() {
	defer close(c.loopDone)

	var buf protocol.Buffer
	for {
		select {
		case <-c.closed:
			buf.Reset()
			return
		case <-c.resets:
			buf.Reset()
		case frame := <-c.frames:
			buf.Append(frame)
			if msg, ok := buf.Extract(); ok {
				c.deliver(msg)
				c.sink.Enqueue(console.Event{Kind: console.Response, Text: protocol.DecodeText(msg)})
			}
		}
	}
}

// deliver queues msg for Responses, dropping the oldest entry when full.
func (c *Client) deliver(msg []byte) {
	select {
	case c.responses <- msg:
		return
	default:
	}
	select {
	case <-c.responses:
	default:
	}
	select {
	case c.responses <- msg:
	default:
	}
}

// Responses yields completed adapter responses in arrival order.
func (c *Client) Responses() <-chan []byte {
	return c.responses
}

// AbortResponse discards any partially received response. Callers use it
// when a response did not complete in time.
func (c *Client) AbortResponse() {
	select {
	case c.resets <- struct{}{}:
	default: // a reset is already pending
	}
}

// Closed is closed once the client is shut down or the link drops.
func (c *Client) Closed() <-chan struct{} {
	return c.closed
}

// Send writes one command line, appending the terminator. Chunks are written
// in order, each acknowledged before the next, with InterChunkDelay between
// them. The first failed chunk aborts the rest and is returned as a
// *ChunkError. Safe for concurrent use; commands never interleave.
func (c *Client) Send(ctx context.Context, text string) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	mtu, err := c.conn.MTU()
	if err != nil {
		slog.Debug("[OBD] mtu unavailable, using default", "error", err)
		mtu = protocol.DefaultMTU
	}
	cmd := NewCommand(text, protocol.Capacity(mtu, c.opts.LinkOverhead))
	slog.Debug("[OBD] sending command", "id", cmd.ID, "bytes", len(cmd.Payload), "chunks", len(cmd.Chunks), "mtu", mtu)

	for i, chunk := range cmd.Chunks {
		c.sink.Infof("Writing chunk: %q", chunk)
		if err := c.writeChunk(ctx, chunk); err != nil {
			cerr := &ChunkError{Index: i + 1, Total: len(cmd.Chunks), Err: err}
			slog.Debug("[OBD] command aborted", "id", cmd.ID, "error", err)
			c.sink.Errorf("during write: %v", cerr)
			return cerr
		}
		c.sink.Infof("Write successful: %s", protocol.DecodeText(chunk))

		if i < len(cmd.Chunks)-1 {
			if err := c.pause(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// writeChunk performs an acknowledged write that gives up as soon as ctx is
// done or the client closes. An abandoned write keeps running on its own
// goroutine, and no new write starts on the link until it has returned.
func (c *Client) writeChunk(ctx context.Context, chunk []byte) error {
	if c.inflight != nil {
		select {
		case <-c.inflight:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closed:
			return ErrClosed
		}
	}

	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	done := make(chan struct{})
	c.inflight = done
	result := make(chan error, 1)
	go func() {
		defer close(done)
		result <- c.writeChar.Write(chunk)
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return ErrClosed
	}
}

func (c *Client) pause(ctx context.Context) error {
	if c.opts.InterChunkDelay <= 0 {
		return nil
	}
	t := time.NewTimer(c.opts.InterChunkDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return ErrClosed
	}
}

// Initialize sends commands one at a time. A failed command is reported and
// the next one is still sent. It returns the number of failed commands and
// stops early only when ctx is done or the client is closed.
func (c *Client) Initialize(ctx context.Context, commands []string) int {
	failures := 0
	for _, cmd := range commands {
		c.sink.Infof("Sending initialization command: %s", cmd)
		if err := c.Send(ctx, cmd); err != nil {
			failures++
			c.sink.Errorf("sending command %s: %v", cmd, err)
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return failures
			}
		}
	}
	return failures
}

func (c *Client) markClosed() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// Close stops notifications, fails any in-flight write, discards a partial
// response and disconnects. Safe to call multiple times.
func (c *Client) Close() error {
	var err error
	c.teardown.Do(func() {
		c.markClosed()

		c.sink.Infof("Stopping notifications...")
		if uerr := c.notifyChar.Unsubscribe(); uerr != nil {
			slog.Warn("[OBD] unsubscribe failed", "error", uerr)
		}
		<-c.loopDone

		if derr := c.conn.Disconnect(); derr != nil {
			err = fmt.Errorf("obd: disconnect: %w", derr)
			return
		}
		c.sink.Infof("Notifications stopped. Disconnected.")
	})
	return err
}
