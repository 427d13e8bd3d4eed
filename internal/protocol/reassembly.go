package protocol

import "log/slog"

// Buffer reassembles notification frames into adapter responses.
//
// The adapter gives no length header or message id. The first frame received
// while idle is taken to announce the total message length: its own length.
// Later frames are appended unconditionally until at least that many bytes
// are held. Surplus bytes beyond the announced length are kept until Extract
// and then discarded, never carried into the next message.
//
// Buffer has no timeout. A message that never completes stays pending until
// the owner calls Reset. Buffer is not safe for concurrent use; it is meant
// to be owned by a single inbound goroutine.
type Buffer struct {
	data     []byte
	expected int
	active   bool
}

// Append adds a frame. Empty frames are ignored.
func (b *Buffer) Append(frame []byte) {
	if len(frame) == 0 {
		return
	}

	if !b.active {
		b.active = true
		b.expected = len(frame)
		b.data = append(b.data[:0], frame...)
		slog.Debug("[OBD] single frame detected", "length", b.expected)
		return
	}

	b.data = append(b.data, frame...)
	slog.Debug("[OBD] consecutive frame", "received", len(b.data), "expected", b.expected)
}

// Complete reports whether the pending message has all announced bytes.
func (b *Buffer) Complete() bool {
	return b.active && len(b.data) >= b.expected
}

// Extract returns the completed message, trimmed to the announced length,
// and resets the buffer. It returns false while the message is incomplete.
func (b *Buffer) Extract() ([]byte, bool) {
	if !b.Complete() {
		return nil, false
	}
	msg := make([]byte, b.expected)
	copy(msg, b.data[:b.expected])
	b.Reset()
	return msg, true
}

// Reset discards any partial message and returns to idle.
func (b *Buffer) Reset() {
	if b.active {
		slog.Debug("[OBD] resetting reassembly buffer", "discarded", len(b.data))
	}
	b.data = nil
	b.expected = 0
	b.active = false
}

// Idle reports whether no message is in progress.
func (b *Buffer) Idle() bool { return !b.active }

// Expected returns the announced length of the pending message, or 0 when idle.
func (b *Buffer) Expected() int { return b.expected }

// Received returns the number of bytes held for the pending message.
func (b *Buffer) Received() int { return len(b.data) }
