// Package console serializes everything the terminal prints. Producers on
// any goroutine enqueue events; a single consumer writes them out in the
// order they were enqueued.
package console

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// Kind classifies an output event.
type Kind int

const (
	// Info is a status line.
	Info Kind = iota
	// Error reports a failure that did not end the session.
	Error
	// Response is a complete adapter reply.
	Response
	// Raw is pre-formatted text, such as a slog record.
	Raw

	stop // shutdown sentinel
)

// Event is one unit of output.
type Event struct {
	Kind Kind
	Text string
	At   time.Time
}

// Sink is a FIFO of output events with one consumer.
type Sink struct {
	out    io.Writer
	events chan Event
	done   chan struct{}

	closeOnce sync.Once
	stopped   chan struct{} // closed once the sentinel is queued
}

// NewSink creates a sink that writes to out. size bounds how many events
// may be pending before producers block.
func NewSink(out io.Writer, size int) *Sink {
	if size <= 0 {
		size = 256
	}
	return &Sink{
		out:     out,
		events:  make(chan Event, size),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Enqueue adds an event. Events enqueued after Close are dropped.
func (s *Sink) Enqueue(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case <-s.stopped:
		return
	default:
	}
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// Infof enqueues a formatted Info event.
func (s *Sink) Infof(format string, args ...any) {
	s.Enqueue(Event{Kind: Info, Text: fmt.Sprintf(format, args...)})
}

// Errorf enqueues a formatted Error event.
func (s *Sink) Errorf(format string, args ...any) {
	s.Enqueue(Event{Kind: Error, Text: fmt.Sprintf(format, args...)})
}

// Write implements io.Writer; each call becomes one Raw event. This lets a
// slog handler share the sink's ordering.
func (s *Sink) Write(p []byte) (int, error) {
	s.Enqueue(Event{Kind: Raw, Text: string(p)})
	return len(p), nil
}

// Close queues the shutdown sentinel. Run returns after printing every
// event queued before it. Safe to call multiple times.
func (s *Sink) Close() {
	s.closeOnce.Do(func() {
		select {
		case s.events <- Event{Kind: stop}:
		case <-s.done:
		}
		close(s.stopped)
	})
}

// Done is closed when Run has returned.
func (s *Sink) Done() <-chan struct{} {
	return s.done
}

// Run consumes events until the sentinel arrives or ctx is cancelled.
// It must be called by exactly one goroutine.
func (s *Sink) Run(ctx context.Context) error {
	defer close(s.done)
	for {
		select {
		case ev := <-s.events:
			if ev.Kind == stop {
				return nil
			}
			if err := s.print(ev); err != nil {
				return fmt.Errorf("console: write: %w", err)
			}
		case <-ctx.Done():
			// print what is already queued before giving up
			for {
				select {
				case ev := <-s.events:
					if ev.Kind == stop {
						return nil
					}
					_ = s.print(ev)
				default:
					return ctx.Err()
				}
			}
		}
	}
}

func (s *Sink) print(ev Event) error {
	var err error
	switch ev.Kind {
	case Response:
		_, err = fmt.Fprintf(s.out, "[Complete Response] %s\n", ev.Text)
	case Error:
		_, err = fmt.Fprintf(s.out, "Error: %s\n", ev.Text)
	case Raw:
		text := ev.Text
		if !strings.HasSuffix(text, "\n") {
			text += "\n"
		}
		_, err = io.WriteString(s.out, text)
	default:
		_, err = fmt.Fprintln(s.out, ev.Text)
	}
	return err
}
