package audio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrRecorderClosed is returned by Write after Close
var ErrRecorderClosed = errors.New("recorder is closed")

// Recorder appends PCM-16 audio to a WAV file and finalizes the header on Close.
// Writes from the caller-audio and bot-audio paths are serialized in call order.
type Recorder struct {
	path       string
	sampleRate int

	file     *os.File
	dataSize uint32
	closed   bool

	mu sync.Mutex
}

// OpenRecorder creates the file (and its parent directories) and writes a
// provisional header with zero-filled size fields
func OpenRecorder(path string, sampleRate int) (*Recorder, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create recording directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording file %s: %w", path, err)
	}

	if _, err := file.Write(provisionalWAVHeader(sampleRate).Bytes()); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write provisional WAV header: %w", err)
	}

	return &Recorder{
		path:       path,
		sampleRate: sampleRate,
		file:       file,
	}, nil
}

// Write appends PCM-16 bytes verbatim
func (r *Recorder) Write(pcm []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, ErrRecorderClosed
	}

	n, err := r.file.Write(pcm)
	r.dataSize += uint32(n)
	if err != nil {
		return n, fmt.Errorf("failed to append recording data: %w", err)
	}
	return n, nil
}

// Close rewrites the header with the final sizes and releases the file.
// Calling Close more than once is a no-op.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	if _, err := r.file.WriteAt(newWAVHeader(r.sampleRate, r.dataSize).Bytes(), 0); err != nil {
		errs = append(errs, fmt.Errorf("failed to finalize WAV header: %w", err))
	}
	if err := r.file.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("failed to flush recording: %w", err))
	}
	if err := r.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close recording: %w", err))
	}
	return errors.Join(errs...)
}

// DataSize returns the number of PCM bytes written so far
func (r *Recorder) DataSize() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dataSize
}

// Path returns the recording file path
func (r *Recorder) Path() string {
	return r.path
}
