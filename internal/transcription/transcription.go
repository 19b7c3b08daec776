package transcription

import (
	"context"
	"errors"
	"time"
)

// ErrConnect is wrapped by every failure to open a provider connection
var ErrConnect = errors.New("transcription connect failed")

// ErrClosed is returned when using a closed connection or bridge
var ErrClosed = errors.New("transcription connection closed")

// Event is one transcript result
type Event struct {
	Text       string
	Final      bool
	Confidence float64
	ReceivedAt time.Time
}

// Provider opens streaming transcription connections
type Provider interface {
	// Connect dials the provider and returns once the connection is open.
	// onEvent is called from the connection's read goroutine, in arrival order.
	Connect(ctx context.Context, onEvent func(Event)) (Conn, error)
}

// Conn is one open streaming connection
type Conn interface {
	// Send writes one audio frame
	Send(ctx context.Context, frame []byte) error
	// Done is closed when the connection ends for any reason
	Done() <-chan struct{}
	// Close ends the stream. Safe to call more than once.
	Close() error
}
