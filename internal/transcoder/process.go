package transcoder

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/ameerhamza-spec/voxionAIBot/internal/audio"
)

const readChunkSize = 3200

// DefaultQueueFrames bounds the audio waiting for a process's stdin
const DefaultQueueFrames = 256

// Process streams audio through an external command's stdin and stdout.
// Writes are queued and copied to stdin by a single writer goroutine, so a
// slow or stalled process never blocks the caller; when the queue is full the
// oldest frame is dropped.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr bytes.Buffer
	logger *slog.Logger

	queue  *audio.FrameRing
	notify chan struct{}
	quit   chan struct{}

	mu       sync.Mutex
	inputErr error

	stopped    atomic.Bool
	done       chan struct{} // closed when the read loop exits
	writerDone chan struct{}
}

// StartProcess launches command with args and starts delivering its stdout
// to onOutput. queueFrames bounds pending input; zero selects
// DefaultQueueFrames.
func StartProcess(command string, args []string, queueFrames int, onOutput func([]byte), logger *slog.Logger) (*Process, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if queueFrames <= 0 {
		queueFrames = DefaultQueueFrames
	}

	cmd := exec.Command(command, args...)
	p := &Process{
		cmd:        cmd,
		logger:     logger.With(slog.String("transcoder", command)),
		queue:      audio.NewFrameRing(queueFrames),
		notify:     make(chan struct{}, 1),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	cmd.Stderr = &p.stderr

	var err error
	p.stdin, err = cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	p.stdout, err = cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start transcoder: %w", err)
	}

	go p.readLoop(onOutput)
	go p.writeLoop()

	p.logger.Debug("Transcoder process started", slog.Int("pid", cmd.Process.Pid))
	return p, nil
}

// readLoop delivers stdout chunks in order until the process closes it
func (p *Process) readLoop(onOutput func([]byte)) {
	defer close(p.done)

	buf := make([]byte, readChunkSize)
	for {
		n, err := p.stdout.Read(buf)
		if n > 0 && onOutput != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			onOutput(chunk)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				p.logger.Debug("Transcoder read ended", slog.String("error", err.Error()))
			}
			return
		}
	}
}

// writeLoop is the only goroutine writing to stdin
func (p *Process) writeLoop() {
	defer close(p.writerDone)

	for {
		select {
		case <-p.quit:
			return
		case <-p.notify:
		}

		for _, frame := range p.queue.Drain() {
			if _, err := p.stdin.Write(frame); err != nil {
				if !p.stopped.Load() {
					p.logger.Warn("Transcoder input closed", slog.String("error", err.Error()))
				}
				p.mu.Lock()
				p.inputErr = err
				p.mu.Unlock()
				return
			}
		}
	}
}

// Write queues PCM bytes for the process. It does not wait for the process
// to read them.
func (p *Process) Write(pcm []byte) error {
	if p.stopped.Load() {
		return ErrStopped
	}

	p.mu.Lock()
	err := p.inputErr
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("write transcoder: %w", err)
	}

	if len(pcm) == 0 {
		return nil
	}
	p.queue.Push(pcm)
	select {
	case p.notify <- struct{}{}:
	default:
	}
	return nil
}

// Dropped returns how many queued frames were evicted because the process
// fell behind
func (p *Process) Dropped() uint64 {
	return p.queue.Dropped()
}

// Stop closes stdin, kills the process and waits for both loops. Calling Stop
// on a stopped transcoder returns nil.
func (p *Process) Stop() error {
	if !p.stopped.CompareAndSwap(false, true) {
		return nil
	}

	close(p.quit)
	// Closing stdin and killing the process unblock a pending stdin write.
	_ = p.stdin.Close()
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	<-p.writerDone
	<-p.done
	// Killed processes report a non-nil wait status.
	_ = p.cmd.Wait()
	p.queue.Reset()

	if p.stderr.Len() > 0 {
		p.logger.Debug("Transcoder stderr", slog.String("output", p.stderr.String()))
	}
	p.logger.Debug("Transcoder process stopped", slog.Uint64("dropped_frames", p.Dropped()))
	return nil
}
