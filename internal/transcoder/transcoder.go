package transcoder

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// Kinds accepted by Options.Kind
const (
	KindNative  = "native"
	KindProcess = "process"
)

// ErrStopped is returned by Write after Stop
var ErrStopped = errors.New("transcoder stopped")

// Transcoder is a running PCM16 rate converter
type Transcoder interface {
	// Write queues PCM16 little-endian bytes at the input rate
	Write(pcm []byte) error
	// Stop releases the underlying resource. Safe to call more than once.
	Stop() error
}

// Factory starts a new transcoder delivering output to onOutput
type Factory func(onOutput func([]byte)) (Transcoder, error)

// Options selects and configures an implementation
type Options struct {
	Kind       string
	Command    string
	Args       []string
	InputRate  int
	OutputRate int
	// QueueFrames bounds input pending for a process transcoder
	QueueFrames int
}

// NewFactory returns a Factory for the configured implementation
func NewFactory(opts Options, logger *slog.Logger) (Factory, error) {
	if opts.InputRate <= 0 || opts.OutputRate <= 0 {
		return nil, fmt.Errorf("invalid rates %d -> %d", opts.InputRate, opts.OutputRate)
	}
	if logger == nil {
		logger = slog.Default()
	}

	switch opts.Kind {
	case KindNative, "":
		return func(onOutput func([]byte)) (Transcoder, error) {
			return StartResampler(opts.InputRate, opts.OutputRate, onOutput)
		}, nil
	case KindProcess:
		if opts.Command == "" {
			return nil, fmt.Errorf("process transcoder requires a command")
		}
		args := ExpandArgs(opts.Args, opts.InputRate, opts.OutputRate)
		return func(onOutput func([]byte)) (Transcoder, error) {
			return StartProcess(opts.Command, args, opts.QueueFrames, onOutput, logger)
		}, nil
	default:
		return nil, fmt.Errorf("unknown transcoder kind: %s", opts.Kind)
	}
}

// ExpandArgs substitutes {in_rate} and {out_rate} placeholders in args
func ExpandArgs(args []string, inRate, outRate int) []string {
	r := strings.NewReplacer(
		"{in_rate}", strconv.Itoa(inRate),
		"{out_rate}", strconv.Itoa(outRate),
	)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = r.Replace(a)
	}
	return out
}
