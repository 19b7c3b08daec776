package transcription

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ameerhamza-spec/voxionAIBot/internal/audio"
	"github.com/ameerhamza-spec/voxionAIBot/internal/metrics"
)

// State of a Bridge
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

// String returns a human-readable state name
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Bridge defaults
const (
	DefaultPendingFrames       = 256
	DefaultKeepaliveInterval   = 5 * time.Second
	DefaultKeepaliveFrameBytes = 8192
	DefaultSendTimeout         = 2 * time.Second
)

// BridgeConfig contains bridge tuning
type BridgeConfig struct {
	PendingFrames       int
	KeepaliveInterval   time.Duration
	KeepaliveFrameBytes int
	SendTimeout         time.Duration
	// Format of forwarded frames. Mu-law keepalives carry encoded silence;
	// any other format gets zero bytes.
	Format audio.Format
}

func (c *BridgeConfig) applyDefaults() {
	if c.PendingFrames <= 0 {
		c.PendingFrames = DefaultPendingFrames
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if c.KeepaliveFrameBytes <= 0 {
		c.KeepaliveFrameBytes = DefaultKeepaliveFrameBytes
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
}

// BridgeStats is a snapshot of bridge counters
type BridgeStats struct {
	State          string `json:"state"`
	Pending        int    `json:"pending"`
	FramesSent     uint64 `json:"frames_sent"`
	FramesDropped  uint64 `json:"frames_dropped"`
	KeepalivesSent uint64 `json:"keepalives_sent"`
}

// Bridge owns one call's streaming transcription connection
type Bridge struct {
	provider Provider
	config   BridgeConfig
	logger   *slog.Logger
	metrics  *metrics.Metrics

	state  atomic.Int32
	ring   *audio.FrameRing
	notify chan struct{}

	mu   sync.Mutex
	conn Conn

	// Serializes audio and keepalive writes on conn
	sendMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	keepaliveCtx    context.Context
	keepaliveCancel context.CancelFunc

	lastAudio      atomic.Int64 // unix nanos of the last audio write
	framesSent     atomic.Uint64
	keepalivesSent atomic.Uint64

	closeOnce sync.Once
	closeErr  error
}

// NewBridge creates a bridge in the Connecting state
func NewBridge(provider Provider, config BridgeConfig, logger *slog.Logger, m *metrics.Metrics) *Bridge {
	config.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	keepaliveCtx, keepaliveCancel := context.WithCancel(ctx)
	b := &Bridge{
		provider: provider,
		config:   config,
		logger:   logger,
		metrics:  m,
		ring:     audio.NewFrameRing(config.PendingFrames),
		notify:   make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,

		keepaliveCtx:    keepaliveCtx,
		keepaliveCancel: keepaliveCancel,
	}
	b.state.Store(int32(StateConnecting))
	return b
}

// State returns the current state
func (b *Bridge) State() State {
	return State(b.state.Load())
}

// Connect opens the provider connection and blocks until it is open or the
// dial fails. Events are delivered to onEvent until the bridge closes. On
// failure the bridge moves to Closed and the error wraps ErrConnect.
func (b *Bridge) Connect(ctx context.Context, onEvent func(Event)) error {
	if b.State() != StateConnecting {
		return fmt.Errorf("%w: bridge is %s", ErrConnect, b.State())
	}

	// Closing the bridge aborts an in-progress dial.
	dialCtx, cancelDial := context.WithCancel(ctx)
	defer cancelDial()
	stop := context.AfterFunc(b.ctx, cancelDial)
	defer stop()

	conn, err := b.provider.Connect(dialCtx, func(ev Event) {
		if b.State() == StateClosed {
			return
		}
		if onEvent != nil {
			onEvent(ev)
		}
	})
	if err != nil {
		b.fail()
		return fmt.Errorf("%w: %w", ErrConnect, err)
	}

	b.mu.Lock()
	if b.State() == StateClosed {
		b.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("%w: %w", ErrConnect, ErrClosed)
	}
	b.conn = conn
	b.lastAudio.Store(time.Now().UnixNano())
	b.state.Store(int32(StateOpen))
	b.wg.Add(2)
	go b.writeLoop(conn)
	go b.keepaliveLoop(conn)
	b.mu.Unlock()

	b.logger.Debug("Transcription bridge open", slog.Int("pending", b.ring.Len()))
	b.signal()
	return nil
}

// Send queues one frame for the provider. It never blocks on I/O. Frames sent
// while Connecting are kept in the bounded ring, oldest evicted first. It
// reports false when the bridge is closed and the frame was discarded.
func (b *Bridge) Send(frame []byte) bool {
	if b.State() == StateClosed {
		b.metrics.RecordFrameDropped(metrics.DropClosed)
		return false
	}
	if len(frame) == 0 {
		return true
	}

	if evicted := b.ring.Push(frame); evicted {
		b.metrics.RecordFrameDropped(metrics.DropRing)
	}
	b.signal()
	return true
}

func (b *Bridge) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// writeLoop is the only goroutine forwarding audio frames
func (b *Bridge) writeLoop(conn Conn) {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-conn.Done():
			b.logger.Warn("Transcription connection ended, continuing without transcription")
			b.fail()
			return
		case <-b.notify:
		}

		for _, frame := range b.ring.Drain() {
			if err := b.write(conn, frame); err != nil {
				if b.ctx.Err() == nil {
					b.logger.Warn("Failed to send audio to transcription provider, continuing without transcription",
						slog.String("error", err.Error()))
				}
				b.fail()
				return
			}
			b.framesSent.Add(1)
			b.lastAudio.Store(time.Now().UnixNano())
		}
	}
}

// keepaliveLoop sends a silent frame whenever a full interval passes with no
// audio or keepalive written, so silence never outlasts the interval
func (b *Bridge) keepaliveLoop(conn Conn) {
	defer b.wg.Done()

	interval := b.config.KeepaliveInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	silence := b.silentFrame()
	var lastKeepalive time.Time
	for {
		select {
		case <-b.keepaliveCtx.Done():
			return
		case <-conn.Done():
			return
		case <-timer.C:
		}

		last := time.Unix(0, b.lastAudio.Load())
		if lastKeepalive.After(last) {
			last = lastKeepalive
		}
		idle := time.Since(last)
		if wait := interval - idle; wait > 0 {
			timer.Reset(wait)
			continue
		}

		if err := b.write(conn, silence); err != nil {
			b.logger.Debug("Keepalive send failed", slog.String("error", err.Error()))
		} else {
			b.keepalivesSent.Add(1)
			b.metrics.RecordKeepalive()
			b.logger.Debug("Keepalive sent", slog.Duration("idle", idle))
		}
		lastKeepalive = time.Now()
		timer.Reset(interval)
	}
}

func (b *Bridge) silentFrame() []byte {
	frame := make([]byte, b.config.KeepaliveFrameBytes)
	if b.config.Format == audio.FormatMulaw {
		silence := audio.EncodeMulaw(0)
		for i := range frame {
			frame[i] = silence
		}
	}
	return frame
}

func (b *Bridge) write(conn Conn, frame []byte) error {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()

	ctx, cancel := context.WithTimeout(b.ctx, b.config.SendTimeout)
	defer cancel()
	return conn.Send(ctx, frame)
}

// StopKeepalive cancels the keepalive timer. Audio keeps flowing until Close.
func (b *Bridge) StopKeepalive() {
	b.keepaliveCancel()
}

// fail moves to Closed without waiting for goroutines; Close releases the rest
func (b *Bridge) fail() {
	b.state.Store(int32(StateClosed))
	b.cancel()
}

// Close stops keepalive and the writer, then closes the provider connection.
// Calling Close more than once is a no-op.
func (b *Bridge) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.state.Store(int32(StateClosed))
		conn := b.conn
		b.conn = nil
		b.mu.Unlock()

		b.cancel()
		b.wg.Wait()

		if conn != nil {
			b.closeErr = conn.Close()
		}
		b.ring.Reset()
	})
	return b.closeErr
}

// Stats returns a snapshot of bridge counters
func (b *Bridge) Stats() BridgeStats {
	return BridgeStats{
		State:          b.State().String(),
		Pending:        b.ring.Len(),
		FramesSent:     b.framesSent.Load(),
		FramesDropped:  b.ring.Dropped(),
		KeepalivesSent: b.keepalivesSent.Load(),
	}
}
