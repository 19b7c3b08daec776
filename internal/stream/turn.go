package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"
	"unicode/utf8"

	"github.com/ameerhamza-spec/voxionAIBot/internal/audio"
	"github.com/ameerhamza-spec/voxionAIBot/internal/generation"
	"github.com/ameerhamza-spec/voxionAIBot/internal/latency"
	"github.com/ameerhamza-spec/voxionAIBot/internal/metrics"
	"github.com/ameerhamza-spec/voxionAIBot/internal/synthesis"
	"github.com/ameerhamza-spec/voxionAIBot/internal/transcription"
)

// DefaultGreetingPattern matches leading greeting phrases of a reply
const DefaultGreetingPattern = `(?i)^\s*(?:(?:hi|hello|hey|greetings|good\s+(?:morning|afternoon|evening))\b(?:\s+there)?[\s,!.]*)+`

// TurnState of a session
type TurnState int32

const (
	TurnIdle TurnState = iota
	TurnBusy
)

// String returns a human-readable state name
func (s TurnState) String() string {
	if s == TurnBusy {
		return "busy"
	}
	return "idle"
}

// Submitter runs turn pipelines. *ants.Pool satisfies it.
type Submitter interface {
	Submit(task func()) error
}

// goSubmitter runs every task on its own goroutine
type goSubmitter struct{}

func (goSubmitter) Submit(task func()) error {
	go task()
	return nil
}

// turnSink is the session side a turn writes to
type turnSink interface {
	turnContext() context.Context
	active() bool
	sendAudio(mulaw []byte) error
	sendMark() error
	clearPlayback() error
	record(pcm []byte)
}

// GreetingFilter strips greeting phrases from replies after the first one
type GreetingFilter struct {
	pattern *regexp.Regexp
}

// NewGreetingFilter compiles pattern, or DefaultGreetingPattern when empty
func NewGreetingFilter(pattern string) (*GreetingFilter, error) {
	if pattern == "" {
		pattern = DefaultGreetingPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid greeting pattern: %w", err)
	}
	return &GreetingFilter{pattern: re}, nil
}

// Strip removes a leading greeting and capitalizes what remains
func (g *GreetingFilter) Strip(reply string) string {
	loc := g.pattern.FindStringIndex(reply)
	if loc == nil || loc[0] != 0 {
		return reply
	}
	rest := strings.TrimSpace(reply[loc[1]:])
	if rest == "" {
		return ""
	}
	r, size := utf8.DecodeRuneInString(rest)
	return string(unicode.ToUpper(r)) + rest[size:]
}

// TurnStats counts turn outcomes for a session
type TurnStats struct {
	State     string `json:"state"`
	Started   uint64 `json:"started"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
}

// TurnConfig contains per-session turn settings
type TurnConfig struct {
	SystemPrompt string
	HistoryTurns int
	Streaming    bool
}

// TurnController answers final transcripts one at a time
type TurnController struct {
	config      TurnConfig
	generator   generation.Generator
	synthesizer synthesis.Synthesizer
	greeting    *GreetingFilter
	pool        Submitter
	latency     *latency.Recorder
	metrics     *metrics.Metrics
	logger      *slog.Logger
	sink        turnSink

	state      atomic.Int32
	hasGreeted atomic.Bool

	historyMu sync.Mutex
	history   []generation.Message

	started   atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

func newTurnController(config TurnConfig, gen generation.Generator, synth synthesis.Synthesizer,
	greeting *GreetingFilter, pool Submitter, lat *latency.Recorder, m *metrics.Metrics,
	logger *slog.Logger, sink turnSink) *TurnController {
	if pool == nil {
		pool = goSubmitter{}
	}
	return &TurnController{
		config:      config,
		generator:   gen,
		synthesizer: synth,
		greeting:    greeting,
		pool:        pool,
		latency:     lat,
		metrics:     m,
		logger:      logger,
		sink:        sink,
	}
}

// State returns the current turn state
func (t *TurnController) State() TurnState {
	return TurnState(t.state.Load())
}

// HasGreeted reports whether the first reply has been delivered
func (t *TurnController) HasGreeted() bool {
	return t.hasGreeted.Load()
}

// HandleTranscript starts a turn for a final transcript when Idle. Interim
// results and finals that arrive while a turn is in flight are discarded.
func (t *TurnController) HandleTranscript(ev transcription.Event) {
	if !ev.Final {
		t.logger.Debug("Interim transcript", slog.String("text", ev.Text))
		return
	}

	text := strings.TrimSpace(ev.Text)
	if text == "" {
		t.logger.Debug("Ignoring empty final transcript")
		return
	}

	if !t.state.CompareAndSwap(int32(TurnIdle), int32(TurnBusy)) {
		t.dropped.Add(1)
		t.metrics.RecordTurn(metrics.TurnDropped)
		t.logger.Debug("Turn in progress, dropping final transcript", slog.String("text", text))
		return
	}

	t.started.Add(1)
	t.metrics.RecordTurn(metrics.TurnStarted)
	t.logger.Info("Final transcript", slog.String("text", text))

	if err := t.pool.Submit(func() { t.run(text) }); err != nil {
		t.state.Store(int32(TurnIdle))
		t.failed.Add(1)
		t.metrics.RecordTurn(metrics.TurnFailed)
		t.logger.Warn("Turn pool rejected turn", slog.String("error", err.Error()))
	}
}

func (t *TurnController) run(text string) {
	defer t.state.Store(int32(TurnIdle))

	ctx := t.sink.turnContext()
	err := t.latency.Track(ctx, "turn", func(ctx context.Context) error {
		return t.execute(ctx, text)
	})

	switch {
	case err == nil:
		t.completed.Add(1)
		t.metrics.RecordTurn(metrics.TurnCompleted)
	case errors.Is(err, errSessionGone) || ctx.Err() != nil:
		t.failed.Add(1)
		t.metrics.RecordTurn(metrics.TurnFailed)
		t.logger.Debug("Turn abandoned, session ended")
	default:
		t.failed.Add(1)
		t.metrics.RecordTurn(metrics.TurnFailed)
		t.logger.Warn("Turn failed",
			slog.String("kind", KindOf(err).String()),
			slog.String("error", err.Error()))
	}
}

func (t *TurnController) execute(ctx context.Context, text string) error {
	messages := t.buildMessages(text)

	var reply string
	err := t.latency.Track(ctx, "generate", func(ctx context.Context) error {
		var err error
		reply, err = t.generator.Generate(ctx, messages)
		return err
	})
	if err != nil {
		return newError(KindUpstream, "generate", err)
	}

	reply = t.filterGreeting(strings.TrimSpace(reply))
	if reply == "" {
		t.logger.Debug("Empty reply, ending turn without audio")
		return nil
	}
	t.remember(text, reply)
	t.logger.Info("Reply", slog.String("text", reply))

	if !t.sink.active() {
		return errSessionGone
	}

	firstAudio := t.latency.Start("first_audio")
	var sentAny bool
	// Reply audio is recorded once the turn's playback is settled, so audio
	// withdrawn by a clear never reaches the recording.
	var played []byte
	emit := func(chunk []byte) error {
		if !t.sink.active() {
			return errSessionGone
		}
		if err := t.sink.sendAudio(chunk); err != nil {
			return newError(KindTransport, "send audio", err)
		}
		if !sentAny {
			sentAny = true
			firstAudio.End(nil)
		}
		played = append(played, audio.DecodeMulawBuffer(chunk)...)
		return nil
	}
	withdraw := func() { played = nil }

	err = t.latency.Track(ctx, "synthesize", func(ctx context.Context) error {
		return t.synthesize(ctx, reply, emit, withdraw, &sentAny)
	})
	if len(played) > 0 && t.sink.active() {
		t.sink.record(played)
	}
	if err != nil {
		if !sentAny {
			firstAudio.End(err)
		}
		return err
	}
	if !sentAny {
		return nil
	}

	if err := t.sink.sendMark(); err != nil {
		return newError(KindTransport, "send mark", err)
	}
	t.hasGreeted.Store(true)
	return nil
}

// synthesize streams when possible and falls back to one full synthesis if
// the stream fails partway
func (t *TurnController) synthesize(ctx context.Context, reply string, emit func([]byte) error, withdraw func(), sentAny *bool) error {
	if ss, ok := t.synthesizer.(synthesis.StreamingSynthesizer); ok && t.config.Streaming {
		var emitErr error
		err := ss.SynthesizeStream(ctx, reply, func(chunk []byte, final bool) error {
			if final || len(chunk) == 0 {
				return nil
			}
			if err := emit(chunk); err != nil {
				emitErr = err
				return err
			}
			return nil
		})
		if err == nil {
			return nil
		}
		if emitErr != nil {
			return emitErr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		t.logger.Warn("Streaming synthesis failed, falling back to full synthesis",
			slog.String("error", err.Error()))
		if *sentAny {
			if err := t.sink.clearPlayback(); err != nil {
				t.logger.Debug("Failed to clear partial playback", slog.String("error", err.Error()))
			}
			withdraw()
		}
	}

	data, err := t.synthesizer.Synthesize(ctx, reply)
	if err != nil {
		return newError(KindUpstream, "synthesize", err)
	}
	if len(data) == 0 {
		return nil
	}
	return emit(data)
}

// filterGreeting lets replies through unmodified until one has been played
// to the caller and strips greeting phrases from every later one
func (t *TurnController) filterGreeting(reply string) string {
	if reply == "" || !t.hasGreeted.Load() {
		return reply
	}
	return t.greeting.Strip(reply)
}

func (t *TurnController) buildMessages(text string) []generation.Message {
	t.historyMu.Lock()
	defer t.historyMu.Unlock()

	messages := make([]generation.Message, 0, len(t.history)+2)
	if t.config.SystemPrompt != "" {
		messages = append(messages, generation.Message{Role: generation.RoleSystem, Content: t.config.SystemPrompt})
	}
	messages = append(messages, t.history...)
	return append(messages, generation.Message{Role: generation.RoleUser, Content: text})
}

func (t *TurnController) remember(text, reply string) {
	if t.config.HistoryTurns <= 0 {
		return
	}

	t.historyMu.Lock()
	defer t.historyMu.Unlock()

	t.history = append(t.history,
		generation.Message{Role: generation.RoleUser, Content: text},
		generation.Message{Role: generation.RoleAssistant, Content: reply})
	if limit := t.config.HistoryTurns * 2; len(t.history) > limit {
		t.history = append([]generation.Message(nil), t.history[len(t.history)-limit:]...)
	}
}

// Stats returns a snapshot of turn counters
func (t *TurnController) Stats() TurnStats {
	return TurnStats{
		State:     t.State().String(),
		Started:   t.started.Load(),
		Completed: t.completed.Load(),
		Failed:    t.failed.Load(),
		Dropped:   t.dropped.Load(),
	}
}
