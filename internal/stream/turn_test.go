package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ameerhamza-spec/voxionAIBot/internal/generation"
	"github.com/ameerhamza-spec/voxionAIBot/internal/latency"
	"github.com/ameerhamza-spec/voxionAIBot/internal/metrics"
	"github.com/ameerhamza-spec/voxionAIBot/internal/synthesis"
	"github.com/ameerhamza-spec/voxionAIBot/internal/transcription"
)

// fakeSink records what a turn writes, in order
type fakeSink struct {
	ctx    context.Context
	gone   atomic.Bool
	mu     sync.Mutex
	events []string
	audio  [][]byte
	pcm    int
}

func newFakeSink() *fakeSink {
	return &fakeSink{ctx: context.Background()}
}

func (s *fakeSink) turnContext() context.Context { return s.ctx }
func (s *fakeSink) active() bool                 { return !s.gone.Load() }

func (s *fakeSink) sendAudio(mulaw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, "media")
	s.audio = append(s.audio, append([]byte(nil), mulaw...))
	return nil
}

func (s *fakeSink) sendMark() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, "mark")
	return nil
}

func (s *fakeSink) clearPlayback() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, "clear")
	return nil
}

func (s *fakeSink) record(pcm []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pcm += len(pcm)
}

func (s *fakeSink) sequence() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

func newTestTurns(t *testing.T, config TurnConfig, gen generation.Generator, synth synthesis.Synthesizer,
	pool Submitter, m *metrics.Metrics, sink turnSink) *TurnController {
	t.Helper()
	greeting, err := NewGreetingFilter("")
	if err != nil {
		t.Fatalf("NewGreetingFilter failed: %v", err)
	}
	logger := testLogger()
	return newTurnController(config, gen, synth, greeting, pool, latency.NewRecorder(logger, m), m, logger, sink)
}

func waitIdle(t *testing.T, turns *TurnController) {
	t.Helper()
	if !waitFor(t, 2*time.Second, func() bool { return turns.State() == TurnIdle }) {
		t.Fatal("Turn did not return to idle")
	}
}

func TestGreetingFilterStrip(t *testing.T) {
	filter, err := NewGreetingFilter("")
	if err != nil {
		t.Fatalf("NewGreetingFilter failed: %v", err)
	}

	tests := []struct {
		name  string
		reply string
		want  string
	}{
		{"hello there", "Hello there! How can I help?", "How can I help?"},
		{"hi comma", "hi, what dates are you looking at?", "What dates are you looking at?"},
		{"good morning", "Good morning. Your room is booked.", "Your room is booked."},
		{"stacked", "Hey! Hello, sure thing.", "Sure thing."},
		{"no greeting", "Sure, I can help with that.", "Sure, I can help with that."},
		{"greeting not leading", "I said hello to the desk.", "I said hello to the desk."},
		{"only greeting", "Hello!", ""},
		{"word prefix", "Highly recommended.", "Highly recommended."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := filter.Strip(tt.reply); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestNewGreetingFilterInvalidPattern(t *testing.T) {
	if _, err := NewGreetingFilter("(unclosed"); err == nil {
		t.Error("Expected error for invalid pattern")
	}
}

func TestTurnSingleFlight(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg, "test")

	gen := &fakeGenerator{replies: []string{"One moment."}, gate: make(chan struct{})}
	synth := &fakeSynthesizer{audio: []byte{0xff, 0x7f}}
	sink := newFakeSink()
	turns := newTestTurns(t, TurnConfig{}, gen, synth, nil, m, sink)

	turns.HandleTranscript(finalTranscript("first"))
	if turns.State() != TurnBusy {
		t.Fatalf("Expected busy after first final, got %s", turns.State())
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			turns.HandleTranscript(finalTranscript("while busy"))
		}()
	}
	wg.Wait()

	close(gen.gate)
	waitIdle(t, turns)

	if gen.calls() != 1 {
		t.Errorf("Expected 1 generation, got %d", gen.calls())
	}
	stats := turns.Stats()
	if stats.Started != 1 || stats.Dropped != 5 || stats.Completed != 1 {
		t.Errorf("Expected started=1 dropped=5 completed=1, got %+v", stats)
	}
	if got := testutil.ToFloat64(m.Turns.WithLabelValues(metrics.TurnDropped)); got != 5 {
		t.Errorf("Expected 5 dropped turns in metrics, got %v", got)
	}

	// A final after the turn completes starts a new one
	turns.HandleTranscript(finalTranscript("second"))
	waitIdle(t, turns)
	if gen.calls() != 2 {
		t.Errorf("Expected 2 generations, got %d", gen.calls())
	}
}

func TestTurnIgnoresInterimAndEmpty(t *testing.T) {
	gen := &fakeGenerator{replies: []string{"ok"}}
	turns := newTestTurns(t, TurnConfig{}, gen, &fakeSynthesizer{}, nil, nil, newFakeSink())

	turns.HandleTranscript(transcription.Event{Text: "book a", Final: false})
	turns.HandleTranscript(finalTranscript("   "))

	if turns.State() != TurnIdle {
		t.Errorf("Expected idle, got %s", turns.State())
	}
	if turns.Stats().Started != 0 {
		t.Errorf("Expected no turns started, got %d", turns.Stats().Started)
	}
}

func TestTurnGreetingSuppression(t *testing.T) {
	gen := &fakeGenerator{replies: []string{"Hello there! How can I help?"}}
	synth := &fakeSynthesizer{audio: []byte{0x01}}
	turns := newTestTurns(t, TurnConfig{}, gen, synth, nil, nil, newFakeSink())

	turns.HandleTranscript(finalTranscript("hi"))
	waitIdle(t, turns)
	if !turns.HasGreeted() {
		t.Error("Expected session to be marked as greeted")
	}
	turns.HandleTranscript(finalTranscript("i need a room"))
	waitIdle(t, turns)

	spoken := synth.spoken()
	if len(spoken) != 2 {
		t.Fatalf("Expected 2 synthesized replies, got %d", len(spoken))
	}
	if spoken[0] != "Hello there! How can I help?" {
		t.Errorf("Expected first reply unmodified, got %q", spoken[0])
	}
	if spoken[1] != "How can I help?" {
		t.Errorf("Expected greeting stripped on second reply, got %q", spoken[1])
	}
}

func TestTurnGreetingKeptUntilPlayed(t *testing.T) {
	gen := &fakeGenerator{replies: []string{"Hello there! How can I help?"}}
	synth := &fakeSynthesizer{audio: []byte{0x01}, err: errors.New("voice unavailable")}
	sink := newFakeSink()
	turns := newTestTurns(t, TurnConfig{}, gen, synth, nil, nil, sink)

	turns.HandleTranscript(finalTranscript("hi"))
	waitIdle(t, turns)
	if turns.HasGreeted() {
		t.Error("Expected greeting flag unset when the first reply was never played")
	}

	synth.mu.Lock()
	synth.err = nil
	synth.mu.Unlock()

	turns.HandleTranscript(finalTranscript("hello?"))
	waitIdle(t, turns)

	spoken := synth.spoken()
	if len(spoken) != 2 {
		t.Fatalf("Expected 2 synthesis attempts, got %d", len(spoken))
	}
	if spoken[1] != "Hello there! How can I help?" {
		t.Errorf("Expected greeting kept on the first played reply, got %q", spoken[1])
	}
	if !turns.HasGreeted() {
		t.Error("Expected greeting flag set after the reply was played")
	}
}

func TestTurnSendsMediaThenMark(t *testing.T) {
	gen := &fakeGenerator{replies: []string{"Sure."}}
	synth := &fakeSynthesizer{audio: []byte{0xff, 0xfe, 0xfd}}
	sink := newFakeSink()
	turns := newTestTurns(t, TurnConfig{}, gen, synth, nil, nil, sink)

	turns.HandleTranscript(finalTranscript("hello"))
	waitIdle(t, turns)

	seq := sink.sequence()
	if len(seq) != 2 || seq[0] != "media" || seq[1] != "mark" {
		t.Errorf("Expected [media mark], got %v", seq)
	}
	if sink.pcm != 6 {
		t.Errorf("Expected 6 PCM bytes recorded for 3 mu-law bytes, got %d", sink.pcm)
	}
}

func TestTurnEmptyReplySendsNothing(t *testing.T) {
	gen := &fakeGenerator{replies: []string{"  "}}
	synth := &fakeSynthesizer{audio: []byte{0x01}}
	sink := newFakeSink()
	turns := newTestTurns(t, TurnConfig{}, gen, synth, nil, nil, sink)

	turns.HandleTranscript(finalTranscript("hello"))
	waitIdle(t, turns)

	if len(sink.sequence()) != 0 {
		t.Errorf("Expected no output, got %v", sink.sequence())
	}
	if len(synth.spoken()) != 0 {
		t.Errorf("Expected no synthesis, got %v", synth.spoken())
	}
	if turns.Stats().Completed != 1 {
		t.Errorf("Expected turn completed, got %+v", turns.Stats())
	}
}

func TestTurnGenerationFailure(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("upstream 500")}
	sink := newFakeSink()
	turns := newTestTurns(t, TurnConfig{}, gen, &fakeSynthesizer{}, nil, nil, sink)

	turns.HandleTranscript(finalTranscript("hello"))
	waitIdle(t, turns)

	if turns.Stats().Failed != 1 {
		t.Errorf("Expected 1 failed turn, got %+v", turns.Stats())
	}
	if len(sink.sequence()) != 0 {
		t.Errorf("Expected no output, got %v", sink.sequence())
	}
	if turns.HasGreeted() {
		t.Error("Expected greeting flag unset after failed generation")
	}
}

func TestTurnStreamingFallback(t *testing.T) {
	tests := []struct {
		name      string
		failAfter int
		want      []string
		streamed  int
		fullCalls int
		recorded  int
	}{
		{"stream ok", -1, []string{"media", "media", "mark"}, 2, 0, 8},
		{"fails before audio", 0, []string{"media", "mark"}, 0, 1, 8},
		// The cleared prefix is not recorded, only the full fallback audio.
		{"fails after partial audio", 1, []string{"media", "clear", "media", "mark"}, 1, 1, 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			synth := &fakeStreamingSynthesizer{
				fakeSynthesizer: fakeSynthesizer{audio: []byte{0x10, 0x11, 0x12, 0x13}},
				chunks:          [][]byte{{0x01, 0x02}, {0x03, 0x04}},
				failAfter:       tt.failAfter,
			}
			gen := &fakeGenerator{replies: []string{"Your room is ready."}}
			sink := newFakeSink()
			turns := newTestTurns(t, TurnConfig{Streaming: true}, gen, synth, nil, nil, sink)

			turns.HandleTranscript(finalTranscript("is it ready"))
			waitIdle(t, turns)

			seq := sink.sequence()
			if len(seq) != len(tt.want) {
				t.Fatalf("Expected %v, got %v", tt.want, seq)
			}
			for i := range seq {
				if seq[i] != tt.want[i] {
					t.Errorf("Expected %v, got %v", tt.want, seq)
					break
				}
			}
			if got := len(synth.spoken()); got != tt.fullCalls {
				t.Errorf("Expected %d full syntheses, got %d", tt.fullCalls, got)
			}
			sink.mu.Lock()
			recorded := sink.pcm
			sink.mu.Unlock()
			if recorded != tt.recorded {
				t.Errorf("Expected %d PCM bytes recorded, got %d", tt.recorded, recorded)
			}
			if turns.Stats().Completed != 1 {
				t.Errorf("Expected turn completed, got %+v", turns.Stats())
			}
		})
	}
}

func TestTurnStreamingDisabledUsesFullSynthesis(t *testing.T) {
	synth := &fakeStreamingSynthesizer{
		fakeSynthesizer: fakeSynthesizer{audio: []byte{0x10}},
		chunks:          [][]byte{{0x01}},
		failAfter:       -1,
	}
	gen := &fakeGenerator{replies: []string{"Sure."}}
	turns := newTestTurns(t, TurnConfig{}, gen, synth, nil, nil, newFakeSink())

	turns.HandleTranscript(finalTranscript("hello"))
	waitIdle(t, turns)

	if synth.streams != 0 {
		t.Errorf("Expected no streaming calls, got %d", synth.streams)
	}
	if len(synth.spoken()) != 1 {
		t.Errorf("Expected 1 full synthesis, got %d", len(synth.spoken()))
	}
}

func TestTurnPoolOverload(t *testing.T) {
	gen := &fakeGenerator{replies: []string{"ok"}}
	turns := newTestTurns(t, TurnConfig{}, gen, &fakeSynthesizer{}, rejectingPool{}, nil, newFakeSink())

	turns.HandleTranscript(finalTranscript("hello"))

	if turns.State() != TurnIdle {
		t.Errorf("Expected idle after rejected submit, got %s", turns.State())
	}
	stats := turns.Stats()
	if stats.Started != 1 || stats.Failed != 1 {
		t.Errorf("Expected started=1 failed=1, got %+v", stats)
	}
	if gen.calls() != 0 {
		t.Errorf("Expected no generation, got %d", gen.calls())
	}
}

func TestTurnSessionGoneBeforeAudio(t *testing.T) {
	gen := &fakeGenerator{replies: []string{"Sure."}, gate: make(chan struct{})}
	synth := &fakeSynthesizer{audio: []byte{0x01}}
	sink := newFakeSink()
	turns := newTestTurns(t, TurnConfig{}, gen, synth, nil, nil, sink)

	turns.HandleTranscript(finalTranscript("hello"))
	sink.gone.Store(true)
	close(gen.gate)
	waitIdle(t, turns)

	if len(sink.sequence()) != 0 {
		t.Errorf("Expected no output after session ended, got %v", sink.sequence())
	}
	if turns.Stats().Failed != 1 {
		t.Errorf("Expected abandoned turn counted as failed, got %+v", turns.Stats())
	}
}

func TestTurnHistory(t *testing.T) {
	gen := &fakeGenerator{replies: []string{"first reply", "second reply", "third reply"}}
	config := TurnConfig{SystemPrompt: "You are a hotel concierge.", HistoryTurns: 1}
	turns := newTestTurns(t, config, gen, &fakeSynthesizer{audio: []byte{0x01}}, nil, nil, newFakeSink())

	for _, text := range []string{"one", "two", "three"} {
		turns.HandleTranscript(finalTranscript(text))
		waitIdle(t, turns)
	}

	gen.mu.Lock()
	last := gen.requests[2]
	gen.mu.Unlock()

	// system + one remembered exchange + current utterance
	if len(last) != 4 {
		t.Fatalf("Expected 4 messages, got %d: %+v", len(last), last)
	}
	if last[0].Role != generation.RoleSystem {
		t.Errorf("Expected system prompt first, got %s", last[0].Role)
	}
	if last[1].Content != "two" || last[2].Content != "second reply" {
		t.Errorf("Expected only the latest exchange remembered, got %+v", last[1:3])
	}
	if last[3].Role != generation.RoleUser || last[3].Content != "three" {
		t.Errorf("Expected current utterance last, got %+v", last[3])
	}
}
