// Package shell implements the interactive read-send-print loop.
package shell

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/chaz8081/obd-shell/internal/console"
)

// ErrInterrupt is returned by a LineReader when the user presses Ctrl-C.
var ErrInterrupt = errors.New("shell: interrupted")

// ErrConnectionLost is returned by Run when the link drops mid-session.
var ErrConnectionLost = errors.New("shell: connection lost")

// LineReader reads one line of user input at a time.
type LineReader interface {
	Readline() (string, error)
	Close() error
}

// Sender is the command session the shell drives.
type Sender interface {
	Send(ctx context.Context, text string) error
	Responses() <-chan []byte
	AbortResponse()
	Closed() <-chan struct{}
}

// Shell reads commands from a LineReader and sends them to the adapter.
type Shell struct {
	reader  LineReader
	client  Sender
	sink    *console.Sink
	timeout time.Duration
}

// New creates a shell. timeout bounds how long each command waits for
// its response before the partial response is discarded.
func New(reader LineReader, client Sender, sink *console.Sink, timeout time.Duration) *Shell {
	return &Shell{
		reader:  reader,
		client:  client,
		sink:    sink,
		timeout: timeout,
	}
}

type readResult struct {
	line string
	err  error
}

// Run loops until the user types exit, input ends, ctx is cancelled or the
// connection drops. Only the last two return an error.
func (s *Shell) Run(ctx context.Context) error {
	s.sink.Infof("Entering interactive shell. Type 'exit' to quit.")

	for {
		// Readline cannot be interrupted, so each read runs on its own
		// goroutine and the loop stays responsive to ctx and link loss.
		lines := make(chan readResult, 1)
		go func() {
			line, err := s.reader.Readline()
			lines <- readResult{line: line, err: err}
		}()

		var res readResult
		select {
		case res = <-lines:
		case <-ctx.Done():
			return ctx.Err()
		case <-s.client.Closed():
			return ErrConnectionLost
		}

		if res.err != nil {
			switch {
			case errors.Is(res.err, ErrInterrupt):
				s.sink.Infof("Exiting interactive shell...")
			case errors.Is(res.err, io.EOF):
			default:
				slog.Warn("[SHELL] read failed", "error", res.err)
			}
			return nil
		}

		cmd := strings.TrimSpace(res.line)
		if cmd == "" {
			continue
		}
		if strings.EqualFold(cmd, "exit") {
			s.sink.Infof("Exiting interactive shell...")
			return nil
		}

		if err := s.execute(ctx, cmd); err != nil {
			return err
		}
	}
}

// execute sends one command and waits for its response. Send failures are
// already reported by the client, so the loop carries on.
func (s *Shell) execute(ctx context.Context, cmd string) error {
	s.drainStale()

	if err := s.client.Send(ctx, cmd); err != nil {
		slog.Debug("[SHELL] send failed", "command", cmd, "error", err)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return nil
	}
	s.sink.Infof("Sent: %s", cmd)

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case <-s.client.Responses():
		return nil
	case <-timer.C:
		slog.Warn("[SHELL] no complete response", "command", cmd, "timeout", s.timeout)
		s.client.AbortResponse()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.client.Closed():
		return ErrConnectionLost
	}
}

// drainStale drops responses that arrived while nobody was waiting, such
// as replies to init commands, so the next wait matches the next command.
func (s *Shell) drainStale() {
	for {
		select {
		case <-s.client.Responses():
		default:
			return
		}
	}
}
