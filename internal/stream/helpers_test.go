package stream

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ameerhamza-spec/voxionAIBot/internal/generation"
	"github.com/ameerhamza-spec/voxionAIBot/internal/protocol"
	"github.com/ameerhamza-spec/voxionAIBot/internal/transcription"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// fakeGenerator returns replies in order, repeating the last one
type fakeGenerator struct {
	mu       sync.Mutex
	replies  []string
	err      error
	gate     chan struct{}
	requests [][]generation.Message
}

func (g *fakeGenerator) Generate(ctx context.Context, messages []generation.Message) (string, error) {
	if g.gate != nil {
		select {
		case <-g.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, messages)
	if g.err != nil {
		return "", g.err
	}
	if len(g.replies) == 0 {
		return "", nil
	}
	i := len(g.requests) - 1
	if i >= len(g.replies) {
		i = len(g.replies) - 1
	}
	return g.replies[i], nil
}

func (g *fakeGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

// fakeSynthesizer returns fixed audio for every text
type fakeSynthesizer struct {
	mu    sync.Mutex
	audio []byte
	err   error
	texts []string
}

func (s *fakeSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	if s.err != nil {
		return nil, s.err
	}
	return append([]byte(nil), s.audio...), nil
}

func (s *fakeSynthesizer) spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

// fakeStreamingSynthesizer streams chunks and optionally fails after some of them
type fakeStreamingSynthesizer struct {
	fakeSynthesizer
	chunks    [][]byte
	failAfter int // -1 never fails
	streams   int
}

func (s *fakeStreamingSynthesizer) SynthesizeStream(ctx context.Context, text string, onChunk func([]byte, bool) error) error {
	s.mu.Lock()
	s.streams++
	s.mu.Unlock()

	for i, chunk := range s.chunks {
		if s.failAfter >= 0 && i == s.failAfter {
			return errors.New("stream reset by peer")
		}
		if err := onChunk(chunk, false); err != nil {
			return err
		}
	}
	return onChunk(nil, true)
}

// fakeTransport collects outbound envelopes
type fakeTransport struct {
	mu       sync.Mutex
	messages [][]byte
	err      error
}

func (t *fakeTransport) Send(msg []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.messages = append(t.messages, append([]byte(nil), msg...))
	return nil
}

func (t *fakeTransport) envelopes(tb testing.TB) []*protocol.Envelope {
	tb.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*protocol.Envelope, 0, len(t.messages))
	for _, msg := range t.messages {
		env, err := protocol.ParseEnvelope(msg)
		if err != nil {
			tb.Fatalf("Transport received invalid envelope %s: %v", msg, err)
		}
		out = append(out, env)
	}
	return out
}

func (t *fakeTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

// fakeConn is an in-memory transcription connection
type fakeConn struct {
	mu       sync.Mutex
	frames   [][]byte
	done     chan struct{}
	doneOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{done: make(chan struct{})}
}

func (c *fakeConn) Send(ctx context.Context, frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, append([]byte(nil), frame...))
	return nil
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }

func (c *fakeConn) Close() error {
	c.doneOnce.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...)
}

// fakeProvider hands out one fakeConn per Connect
type fakeProvider struct {
	mu       sync.Mutex
	conns    []*fakeConn
	handlers []func(transcription.Event)
	err      error
}

func (p *fakeProvider) Connect(ctx context.Context, onEvent func(transcription.Event)) (transcription.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	conn := newFakeConn()
	p.conns = append(p.conns, conn)
	p.handlers = append(p.handlers, onEvent)
	return conn, nil
}

func (p *fakeProvider) connected() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handlers)
}

func (p *fakeProvider) emit(i int, ev transcription.Event) {
	p.mu.Lock()
	fn := p.handlers[i]
	p.mu.Unlock()
	fn(ev)
}

func (p *fakeProvider) conn(i int) *fakeConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns[i]
}

// rejectingPool refuses every task, like a saturated nonblocking ants pool
type rejectingPool struct{}

func (rejectingPool) Submit(func()) error {
	return errors.New("too many goroutines blocked on submit or Nonblocking is set")
}

func finalTranscript(text string) transcription.Event {
	return transcription.Event{Text: text, Final: true, ReceivedAt: time.Now()}
}
