package obd

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/obd-shell/internal/console"
)

// syncBuffer collects sink output for assertions.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func zeroDelayOpts() ClientOptions {
	opts := DefaultClientOptions()
	opts.InterChunkDelay = 0
	return opts
}

// newTestSink starts a sink consumer that is shut down at test cleanup.
func newTestSink(t *testing.T) (*console.Sink, *syncBuffer) {
	t.Helper()
	out := &syncBuffer{}
	sink := console.NewSink(out, 64)
	go sink.Run(context.Background())
	t.Cleanup(func() {
		sink.Close()
		<-sink.Done()
	})
	return sink, out
}

func mustNewClient(t *testing.T, conn *mockConnection, opts ClientOptions) (*Client, *syncBuffer) {
	t.Helper()
	sink, out := newTestSink(t)
	client, err := NewClient(conn, sink, opts)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client, out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func recvResponse(t *testing.T, c *Client) []byte {
	t.Helper()
	select {
	case msg := <-c.Responses():
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
		return nil
	}
}

func writeSizes(writes [][]byte) []int {
	sizes := make([]int, len(writes))
	for i, w := range writes {
		sizes[i] = len(w)
	}
	return sizes
}

func TestClientSendSingleChunk(t *testing.T) {
	conn := newMockConnection(20) // capacity 17
	client, _ := mustNewClient(t, conn, zeroDelayOpts())

	if err := client.Send(context.Background(), "ATSP7"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	writes := conn.writeChar.written()
	if len(writes) != 1 {
		t.Fatalf("got %d writes, want 1", len(writes))
	}
	if string(writes[0]) != "ATSP7\r" {
		t.Errorf("write[0] = %q, want %q", writes[0], "ATSP7\r")
	}
}

func TestClientSendChunksInOrder(t *testing.T) {
	conn := newMockConnection(7) // capacity 4
	client, _ := mustNewClient(t, conn, zeroDelayOpts())

	if err := client.Send(context.Background(), "010C0D0"); err != nil { // 8 bytes with \r
		t.Fatalf("Send() error = %v", err)
	}
	if err := client.Send(context.Background(), "ATDPN0000"); err != nil { // 10 bytes with \r
		t.Fatalf("Send() error = %v", err)
	}

	writes := conn.writeChar.written()
	got := writeSizes(writes)
	want := []int{4, 4, 4, 4, 2}
	if len(got) != len(want) {
		t.Fatalf("write sizes = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("write sizes = %v, want %v", got, want)
		}
	}
	if joined := string(bytes.Join(writes, nil)); joined != "010C0D0\rATDPN0000\r" {
		t.Errorf("joined writes = %q", joined)
	}
}

func TestClientSendAbortsAfterFailedChunk(t *testing.T) {
	conn := newMockConnection(7) // capacity 4
	conn.writeChar.failAt = 2
	conn.writeChar.failErr = errNotAcked
	client, out := mustNewClient(t, conn, zeroDelayOpts())

	err := client.Send(context.Background(), "ATDPN0000") // 10 bytes: [4 4 2]

	var cerr *ChunkError
	if !errors.As(err, &cerr) {
		t.Fatalf("Send() error = %v, want *ChunkError", err)
	}
	if cerr.Index != 2 || cerr.Total != 3 {
		t.Errorf("ChunkError = %d/%d, want 2/3", cerr.Index, cerr.Total)
	}
	if !errors.Is(err, errNotAcked) {
		t.Errorf("Send() error should wrap the transport error, got %v", err)
	}

	// the third chunk is never attempted
	if writes := conn.writeChar.written(); len(writes) != 2 {
		t.Fatalf("got %d write attempts, want 2", len(writes))
	}

	waitFor(t, "failure event", func() bool {
		return strings.Contains(out.String(), "Error: during write: obd: write chunk 2/3")
	})
}

func TestClientSendWaitsForAck(t *testing.T) {
	conn := newMockConnection(7) // capacity 4
	conn.writeChar.acks = make(chan error)
	client, _ := mustNewClient(t, conn, zeroDelayOpts())

	errCh := make(chan error, 1)
	go func() { errCh <- client.Send(context.Background(), "ATDPN0000") }()

	for want := 1; want <= 3; want++ {
		waitFor(t, "next write", func() bool { return len(conn.writeChar.written()) == want })
		// no further chunk may be attempted until this one is acknowledged
		time.Sleep(20 * time.Millisecond)
		if n := len(conn.writeChar.written()); n != want {
			t.Fatalf("%d writes in flight before ack, want %d", n, want)
		}
		conn.writeChar.acks <- nil
	}

	if err := <-errCh; err != nil {
		t.Fatalf("Send() error = %v", err)
	}
}

func TestClientInterChunkDelay(t *testing.T) {
	conn := newMockConnection(7) // capacity 4
	opts := DefaultClientOptions()
	opts.InterChunkDelay = 30 * time.Millisecond
	client, _ := mustNewClient(t, conn, opts)

	start := time.Now()
	if err := client.Send(context.Background(), "ATDPN0000"); err != nil { // 3 chunks
		t.Fatalf("Send() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Errorf("Send() took %v, want at least two pacing delays", elapsed)
	}
}

func TestClientSendCommandsDoNotInterleave(t *testing.T) {
	conn := newMockConnection(5) // capacity 2
	client, _ := mustNewClient(t, conn, zeroDelayOpts())

	var wg sync.WaitGroup
	for _, cmd := range []string{"AAAAA", "BBBBB", "CCCCC"} {
		wg.Add(1)
		go func(cmd string) {
			defer wg.Done()
			if err := client.Send(context.Background(), cmd); err != nil {
				t.Errorf("Send(%s) error = %v", cmd, err)
			}
		}(cmd)
	}
	wg.Wait()

	joined := string(bytes.Join(conn.writeChar.written(), nil))
	for _, cmd := range []string{"AAAAA\r", "BBBBB\r", "CCCCC\r"} {
		if !strings.Contains(joined, cmd) {
			t.Errorf("writes %q do not contain %q contiguously", joined, cmd)
		}
	}
}

func TestClientMTUFallback(t *testing.T) {
	conn := newMockConnection(0)
	conn.mtuErr = errors.New("mtu unknown")
	client, _ := mustNewClient(t, conn, zeroDelayOpts())

	if err := client.Send(context.Background(), strings.Repeat("1", 24)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	got := writeSizes(conn.writeChar.written())
	if len(got) != 2 || got[0] != 20 || got[1] != 5 {
		t.Errorf("write sizes = %v, want [20 5]", got)
	}
}

func TestClientNotificationBecomesResponse(t *testing.T) {
	conn := newMockConnection(20)
	client, out := mustNewClient(t, conn, zeroDelayOpts())

	conn.notifyChar.SimulateNotification([]byte("41 0C 1A F8\r\r>"))

	if msg := recvResponse(t, client); string(msg) != "41 0C 1A F8\r\r>" {
		t.Errorf("response = %q", msg)
	}
	waitFor(t, "printed response", func() bool {
		return strings.Contains(out.String(), "[Complete Response] 41 0C 1A F8\n")
	})
}

func TestClientFirstFrameDeclaresLength(t *testing.T) {
	conn := newMockConnection(20)
	client, _ := mustNewClient(t, conn, zeroDelayOpts())

	conn.notifyChar.SimulateNotification([]byte{0x41, 0x42, 0x43})
	conn.notifyChar.SimulateNotification([]byte{0x44, 0x45})

	if msg := recvResponse(t, client); string(msg) != "ABC" {
		t.Errorf("first response = %q, want ABC", msg)
	}
	if msg := recvResponse(t, client); string(msg) != "DE" {
		t.Errorf("second response = %q, want DE", msg)
	}
}

func TestClientEmptyNotificationIgnored(t *testing.T) {
	conn := newMockConnection(20)
	client, _ := mustNewClient(t, conn, zeroDelayOpts())

	conn.notifyChar.SimulateNotification(nil)
	conn.notifyChar.SimulateNotification([]byte("OK"))

	if msg := recvResponse(t, client); string(msg) != "OK" {
		t.Errorf("response = %q, want OK", msg)
	}
	select {
	case msg := <-client.Responses():
		t.Errorf("unexpected extra response %q", msg)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestClientNotificationBufferReuse(t *testing.T) {
	conn := newMockConnection(20)
	client, _ := mustNewClient(t, conn, zeroDelayOpts())

	frame := []byte("SEARCHING...")
	conn.notifyChar.SimulateNotification(frame)
	copy(frame, "XXXXXXXXXXXX") // transport reuses its buffer

	if msg := recvResponse(t, client); string(msg) != "SEARCHING..." {
		t.Errorf("response = %q, want SEARCHING...", msg)
	}
}

func TestClientResponsesDropOldest(t *testing.T) {
	conn := newMockConnection(20)
	opts := zeroDelayOpts()
	opts.ResponseQueue = 2
	client, out := mustNewClient(t, conn, opts)

	for _, r := range []string{"R1", "R2", "R3"} {
		conn.notifyChar.SimulateNotification([]byte(r))
	}
	waitFor(t, "all responses printed", func() bool {
		return strings.Contains(out.String(), "[Complete Response] R3")
	})

	if msg := recvResponse(t, client); string(msg) != "R2" {
		t.Errorf("first queued response = %q, want R2", msg)
	}
	if msg := recvResponse(t, client); string(msg) != "R3" {
		t.Errorf("second queued response = %q, want R3", msg)
	}
}

func TestClientAbortResponseNeverBlocks(t *testing.T) {
	conn := newMockConnection(20)
	client, _ := mustNewClient(t, conn, zeroDelayOpts())

	client.AbortResponse()
	client.AbortResponse()
	client.AbortResponse()

	conn.notifyChar.SimulateNotification([]byte("OK"))
	if msg := recvResponse(t, client); string(msg) != "OK" {
		t.Errorf("response after abort = %q, want OK", msg)
	}
}

func TestClientCloseFailsInflightWrite(t *testing.T) {
	conn := newMockConnection(20)
	conn.writeChar.acks = make(chan error) // never acknowledged
	t.Cleanup(func() { close(conn.writeChar.acks) })
	client, _ := mustNewClient(t, conn, zeroDelayOpts())

	errCh := make(chan error, 1)
	go func() { errCh <- client.Send(context.Background(), "ATZ") }()
	waitFor(t, "write in flight", func() bool { return len(conn.writeChar.written()) == 1 })

	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Send() error = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("in-flight Send did not fail fast on Close")
	}
}

func TestClientSendHonorsContext(t *testing.T) {
	conn := newMockConnection(20)
	conn.writeChar.acks = make(chan error)
	t.Cleanup(func() { close(conn.writeChar.acks) })
	client, _ := mustNewClient(t, conn, zeroDelayOpts())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := client.Send(ctx, "ATZ")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Send() error = %v, want deadline exceeded", err)
	}
}

func TestClientClose(t *testing.T) {
	conn := newMockConnection(20)
	client, out := mustNewClient(t, conn, zeroDelayOpts())

	if !conn.notifyChar.subscribed() {
		t.Fatal("NewClient() should subscribe to notifications")
	}
	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	if conn.notifyChar.subscribed() {
		t.Error("Close() should unsubscribe")
	}
	if !conn.isDisconnected() {
		t.Error("Close() should disconnect")
	}
	if err := client.Send(context.Background(), "ATZ"); !errors.Is(err, ErrClosed) {
		t.Errorf("Send() after Close() error = %v, want ErrClosed", err)
	}
	waitFor(t, "teardown messages", func() bool {
		return strings.Contains(out.String(), "Notifications stopped. Disconnected.")
	})
}

func TestClientLinkLossClosesClient(t *testing.T) {
	conn := newMockConnection(20)
	client, out := mustNewClient(t, conn, zeroDelayOpts())

	conn.SimulateDisconnect()

	select {
	case <-client.Closed():
	case <-time.After(time.Second):
		t.Fatal("Closed() not signalled after link loss")
	}
	if err := client.Send(context.Background(), "ATZ"); !errors.Is(err, ErrClosed) {
		t.Errorf("Send() after link loss error = %v, want ErrClosed", err)
	}
	waitFor(t, "connection lost event", func() bool {
		return strings.Contains(out.String(), "Error: connection lost")
	})
}

func TestClientInitializeContinuesAfterFailure(t *testing.T) {
	conn := newMockConnection(20)
	conn.writeChar.failAt = 1
	conn.writeChar.failErr = errNotAcked
	client, out := mustNewClient(t, conn, zeroDelayOpts())

	failures := client.Initialize(context.Background(), []string{"ATZ", "ATE0", "ATSP7"})
	if failures != 1 {
		t.Errorf("Initialize() failures = %d, want 1", failures)
	}

	writes := conn.writeChar.written()
	want := []string{"ATZ\r", "ATE0\r", "ATSP7\r"}
	if len(writes) != len(want) {
		t.Fatalf("got %d writes, want %d", len(writes), len(want))
	}
	for i := range want {
		if string(writes[i]) != want[i] {
			t.Errorf("write[%d] = %q, want %q", i, writes[i], want[i])
		}
	}
	waitFor(t, "init failure event", func() bool {
		return strings.Contains(out.String(), "Error: sending command ATZ:")
	})
}

func TestClientInitializeStopsWhenClosed(t *testing.T) {
	conn := newMockConnection(20)
	client, _ := mustNewClient(t, conn, zeroDelayOpts())
	client.Close()

	if failures := client.Initialize(context.Background(), []string{"ATZ", "ATE0"}); failures != 1 {
		t.Errorf("Initialize() failures = %d, want 1", failures)
	}
	if n := len(conn.writeChar.written()); n != 0 {
		t.Errorf("got %d writes on a closed client, want 0", n)
	}
}

func TestNewClientDiscoverError(t *testing.T) {
	sink, _ := newTestSink(t)
	opts := zeroDelayOpts()
	opts.WriteUUID = "0000ffff-0000-1000-8000-00805f9b34fb"

	if _, err := NewClient(newMockConnection(20), sink, opts); err == nil {
		t.Fatal("NewClient() should fail for an unknown write characteristic")
	}
}

func TestDial(t *testing.T) {
	sink, _ := newTestSink(t)

	t.Run("enable error", func(t *testing.T) {
		adapter := &mockAdapter{enableErr: errors.New("powered off")}
		if _, err := Dial(context.Background(), adapter, "AA:BB:CC:DD:EE:FF", sink, zeroDelayOpts()); err == nil {
			t.Fatal("Dial() should fail when the adapter cannot be enabled")
		}
	})

	t.Run("connect error", func(t *testing.T) {
		adapter := &mockAdapter{connectErr: errors.New("timeout")}
		if _, err := Dial(context.Background(), adapter, "AA:BB:CC:DD:EE:FF", sink, zeroDelayOpts()); err == nil {
			t.Fatal("Dial() should fail when connect fails")
		}
	})

	t.Run("connected", func(t *testing.T) {
		conn := newMockConnection(20)
		adapter := &mockAdapter{conn: conn}
		client, err := Dial(context.Background(), adapter, "AA:BB:CC:DD:EE:FF", sink, zeroDelayOpts())
		if err != nil {
			t.Fatalf("Dial() error = %v", err)
		}
		defer client.Close()
		if !conn.notifyChar.subscribed() {
			t.Error("Dial() should leave notifications enabled")
		}
	})
}

func TestNewCommand(t *testing.T) {
	cmd := NewCommand("ATSP7", 17)
	if len(cmd.ID) != 8 {
		t.Errorf("ID = %q, want 8 characters", cmd.ID)
	}
	if string(cmd.Payload) != "ATSP7\r" {
		t.Errorf("Payload = %q, want %q", cmd.Payload, "ATSP7\r")
	}
	if len(cmd.Chunks) != 1 || len(cmd.Chunks[0]) != 6 {
		t.Errorf("Chunks = %q, want one 6-byte chunk", cmd.Chunks)
	}
	if other := NewCommand("ATSP7", 17); other.ID == cmd.ID {
		t.Error("two commands share an ID")
	}
}

func TestClientCancelledWriteBlocksNextCommand(t *testing.T) {
	conn := newMockConnection(20)
	conn.writeChar.acks = make(chan error)
	client, _ := mustNewClient(t, conn, zeroDelayOpts())

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() { firstErr <- client.Send(ctx, "ATZ") }()
	waitFor(t, "first write", func() bool { return len(conn.writeChar.written()) == 1 })

	cancel()
	if err := <-firstErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("Send(ATZ) error = %v, want context.Canceled", err)
	}

	secondErr := make(chan error, 1)
	go func() { secondErr <- client.Send(context.Background(), "ATI") }()

	// ATZ is still waiting for its ack; ATI must not reach the link yet
	time.Sleep(40 * time.Millisecond)
	if n := len(conn.writeChar.written()); n != 1 {
		t.Fatalf("%d writes issued while the cancelled write was unacknowledged, want 1", n)
	}

	conn.writeChar.acks <- nil // ATZ
	waitFor(t, "second write", func() bool { return len(conn.writeChar.written()) == 2 })
	conn.writeChar.acks <- nil // ATI

	if err := <-secondErr; err != nil {
		t.Fatalf("Send(ATI) error = %v", err)
	}
	writes := conn.writeChar.written()
	if string(writes[0]) != "ATZ\r" || string(writes[1]) != "ATI\r" {
		t.Errorf("writes = %q, want [ATZ\\r ATI\\r]", writes)
	}
}

func TestClientCloseDoesNotReportLinkLoss(t *testing.T) {
	conn := newMockConnection(20)
	client, out := mustNewClient(t, conn, zeroDelayOpts())

	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	// transports report our own disconnect through the same callback
	conn.SimulateDisconnect()

	waitFor(t, "teardown messages", func() bool {
		return strings.Contains(out.String(), "Notifications stopped. Disconnected.")
	})
	time.Sleep(20 * time.Millisecond)
	if strings.Contains(out.String(), "connection lost") {
		t.Errorf("clean Close reported a lost connection:\n%s", out.String())
	}
}

func TestNewClientDefaultsLinkOverhead(t *testing.T) {
	conn := newMockConnection(7)
	client, _ := mustNewClient(t, conn, ClientOptions{})

	if err := client.Send(context.Background(), "ATDPN0000"); err != nil { // 10 bytes with \r
		t.Fatalf("Send() error = %v", err)
	}
	got := writeSizes(conn.writeChar.written())
	if len(got) != 3 || got[0] != 4 || got[1] != 4 || got[2] != 2 {
		t.Errorf("write sizes = %v, want [4 4 2] (MTU 7 minus default overhead)", got)
	}
}
