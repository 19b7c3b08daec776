package stream

import (
	"errors"
	"fmt"
)

// Kind classifies a session failure by the boundary that contains it
type Kind int

const (
	// KindTransport covers telephony and transcription connection problems.
	// The session continues, without transcription if it cannot recover.
	KindTransport Kind = iota + 1
	// KindCodec covers malformed audio payloads. The frame is dropped.
	KindCodec
	// KindUpstream covers generation and synthesis failures. The turn ends.
	KindUpstream
	// KindResource covers recording file I/O. The recording may be incomplete.
	KindResource
)

// String returns a human-readable kind name
func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindCodec:
		return "codec"
	case KindUpstream:
		return "upstream"
	case KindResource:
		return "resource"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Error is a classified session failure
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s error in %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or 0
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return 0
}

// errSessionGone stops turn work for a session that was destroyed
var errSessionGone = errors.New("session no longer registered")

var errEmptyFrame = errors.New("empty audio frame")
