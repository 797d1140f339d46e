package domain

import "errors"

// ErrStreamClosed is returned by Next after Close was called
var ErrStreamClosed = errors.New("stream closed")

// Stream is a pull-based, finite, non-restartable sequence of text chunks.
//
// Next returns the next decoded fragment. It returns io.EOF once the vendor's
// end-of-stream marker (or the end of the body) is reached and keeps returning
// io.EOF afterwards. Any other error is terminal and is returned again on every
// subsequent call. Close releases the underlying connection; cancelling the
// context passed to ChatStream has the same effect.
type Stream interface {
	Next() (string, error)
	Close() error
}
