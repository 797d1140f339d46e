package provider

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"aigate/internal/domain"
)

// maxLineSize bounds a single stream line
const maxLineSize = 1 << 20

// SSEEvent represents a Server-Sent Event
type SSEEvent struct {
	Event string
	Data  string
}

// SSEReader reads SSE events from a stream
type SSEReader struct {
	scanner *bufio.Scanner
}

// NewSSEReader creates a new SSE reader
func NewSSEReader(r io.Reader) *SSEReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &SSEReader{scanner: sc}
}

// ReadEvent reads the next SSE event. A trailing event without a blank line
// terminator is still returned; io.EOF follows it.
func (r *SSEReader) ReadEvent() (*SSEEvent, error) {
	event := &SSEEvent{}
	hasData := false

	for r.scanner.Scan() {
		line := strings.TrimRight(r.scanner.Text(), "\r")

		if line == "" {
			// Empty line means end of event
			if hasData {
				return event, nil
			}
			event.Event = ""
			continue
		}

		if strings.HasPrefix(line, ":") {
			// Comment, ignore
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			event.Event = value
		case "data":
			if hasData {
				event.Data += "\n"
			}
			event.Data += value
			hasData = true
		}
	}

	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	if hasData {
		return event, nil
	}
	return nil, io.EOF
}

// lineSource yields decoded chunks from a line-oriented body. parse returns the
// chunk for a line, whether to emit it, and whether the line ends the stream.
func lineSource(r io.Reader, parse func(line string) (chunk string, emit, done bool)) func() (string, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	return func() (string, error) {
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			chunk, emit, done := parse(line)
			if done {
				return "", io.EOF
			}
			if emit {
				return chunk, nil
			}
		}
		if err := sc.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
}

// eventSource yields decoded chunks from an SSE body
func eventSource(r io.Reader, parse func(ev *SSEEvent) (chunk string, emit, done bool)) func() (string, error) {
	reader := NewSSEReader(r)

	return func() (string, error) {
		for {
			ev, err := reader.ReadEvent()
			if err != nil {
				return "", err
			}
			chunk, emit, done := parse(ev)
			if done {
				return "", io.EOF
			}
			if emit {
				return chunk, nil
			}
		}
	}
}

// bodyStream implements domain.Stream over an HTTP response body
type bodyStream struct {
	ctx      context.Context
	provider domain.Provider
	body     io.ReadCloser
	next     func() (string, error)

	err         error
	closed      atomic.Bool
	releaseOnce sync.Once
}

func newBodyStream(ctx context.Context, provider domain.Provider, body io.ReadCloser, next func() (string, error)) *bodyStream {
	return &bodyStream{ctx: ctx, provider: provider, body: body, next: next}
}

// Next returns the next chunk, io.EOF at the end, or a terminal error
func (s *bodyStream) Next() (string, error) {
	if s.closed.Load() {
		return "", domain.ErrStreamClosed
	}
	if s.err != nil {
		return "", s.err
	}

	chunk, err := s.next()
	if err == nil {
		return chunk, nil
	}

	switch {
	case s.closed.Load():
		err = domain.ErrStreamClosed
	case errors.Is(err, io.EOF):
		err = io.EOF
	case s.ctx.Err() != nil:
		err = s.ctx.Err()
	default:
		err = domain.NewTransportError(s.provider, "chat_stream", err)
	}
	if err != domain.ErrStreamClosed {
		s.err = err
	}
	s.release()
	return "", err
}

// Close aborts the stream and releases the connection. It is safe to call more than once.
func (s *bodyStream) Close() error {
	s.closed.Store(true)
	s.release()
	return nil
}

func (s *bodyStream) release() {
	s.releaseOnce.Do(func() {
		s.body.Close()
	})
}
