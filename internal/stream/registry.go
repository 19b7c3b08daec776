package stream

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ameerhamza-spec/voxionAIBot/internal/audio"
	"github.com/ameerhamza-spec/voxionAIBot/internal/generation"
	"github.com/ameerhamza-spec/voxionAIBot/internal/latency"
	"github.com/ameerhamza-spec/voxionAIBot/internal/metrics"
	"github.com/ameerhamza-spec/voxionAIBot/internal/storage"
	"github.com/ameerhamza-spec/voxionAIBot/internal/synthesis"
	"github.com/ameerhamza-spec/voxionAIBot/internal/transcoder"
	"github.com/ameerhamza-spec/voxionAIBot/internal/transcription"
)

// Config contains registry and per-session settings
type Config struct {
	InboundRate           int
	TranscriptionRate     int
	TranscriptionEncoding string // "mulaw" or "linear16"
	Bridge                transcription.BridgeConfig
	ConnectTimeout        time.Duration

	Turn            TurnConfig
	GreetingPattern string

	RecordingEnabled bool
	RecordingDir     string
	UploadTimeout    time.Duration

	StreamTimeout time.Duration
	ReapInterval  time.Duration
}

// Dependencies are the collaborators shared by all sessions
type Dependencies struct {
	Transcription transcription.Provider // nil disables transcription
	Generator     generation.Generator
	Synthesizer   synthesis.Synthesizer
	Transcoders   transcoder.Factory // required when rates differ
	Uploader      storage.Uploader   // nil keeps recordings local
	Pool          Submitter          // nil runs turns on plain goroutines
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

// RegistryStats holds registry-wide counters
type RegistryStats struct {
	ActiveSessions int    `json:"active_sessions"`
	Created        uint64 `json:"created"`
	Destroyed      uint64 `json:"destroyed"`
	Mode           string `json:"mode"`
}

// Registry maps connection ids to live sessions
type Registry struct {
	sessions map[string]*Session
	creating map[string]chan struct{} // closed when the id's session is built
	mu       sync.RWMutex

	config   Config
	deps     Dependencies
	logger   *slog.Logger
	greeting *GreetingFilter
	latency  *latency.Recorder
	mode     CodecMode

	created   uint64
	destroyed uint64

	// Recording uploads still in flight
	uploads sync.WaitGroup

	// Cleanup management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// NewRegistry validates the configuration and starts the idle-session reaper
// when StreamTimeout is set
func NewRegistry(config Config, deps Dependencies) (*Registry, error) {
	if deps.Generator == nil {
		return nil, fmt.Errorf("generator is required")
	}
	if deps.Synthesizer == nil {
		return nil, fmt.Errorf("synthesizer is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if config.InboundRate <= 0 {
		config.InboundRate = protocolRate
	}
	if config.TranscriptionRate <= 0 {
		config.TranscriptionRate = config.InboundRate
	}
	if config.TranscriptionEncoding == "" {
		config.TranscriptionEncoding = "mulaw"
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 30 * time.Second
	}
	if config.UploadTimeout <= 0 {
		config.UploadTimeout = 2 * time.Minute
	}
	if config.ReapInterval <= 0 {
		config.ReapInterval = 30 * time.Second
	}

	mode := ModeDirect
	if config.TranscriptionRate != config.InboundRate {
		mode = ModeTranscode
		if deps.Transcription != nil && deps.Transcoders == nil {
			return nil, fmt.Errorf("transcoder required for %d Hz -> %d Hz",
				config.InboundRate, config.TranscriptionRate)
		}
	}

	greeting, err := NewGreetingFilter(config.GreetingPattern)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		sessions: make(map[string]*Session),
		creating: make(map[string]chan struct{}),
		config:   config,
		deps:     deps,
		logger:   deps.Logger,
		greeting: greeting,
		latency:  latency.NewRecorder(deps.Logger, deps.Metrics),
		mode:     mode,
		ctx:      ctx,
		cancel:   cancel,
		cleanup:  make(chan struct{}),
	}

	if config.StreamTimeout > 0 {
		go r.startCleanupRoutine()
	} else {
		close(r.cleanup)
	}

	return r, nil
}

const protocolRate = 8000

// Create registers a session for connID. A duplicate start for a registered
// connection is ignored: the existing session is returned with false. A
// Create racing another for the same id waits for it, so a session's files
// and connections are only ever opened once.
func (r *Registry) Create(connID string, params SessionParams) (*Session, bool) {
	var built chan struct{}
	for built == nil {
		r.mu.Lock()
		if existing, ok := r.sessions[connID]; ok {
			r.mu.Unlock()
			r.logger.Warn("Session already exists, ignoring duplicate start",
				slog.String("conn_id", connID),
				slog.String("stream_sid", params.StreamSid))
			return existing, false
		}
		if pending, ok := r.creating[connID]; ok {
			r.mu.Unlock()
			<-pending
			continue
		}
		built = make(chan struct{})
		r.creating[connID] = built
		r.mu.Unlock()
	}

	// Opening files and connections happens outside the lock.
	s := r.newSession(connID, params)

	r.mu.Lock()
	delete(r.creating, connID)
	close(built)
	r.sessions[connID] = s
	r.created++
	count := len(r.sessions)
	r.mu.Unlock()

	r.deps.Metrics.RecordCallCreated()
	r.deps.Metrics.SetActiveCalls(count)

	if s.bridge != nil {
		go s.connectTranscription(r.config.ConnectTimeout)
	}

	s.logger.Info("Created call session",
		slog.String("call_sid", s.CallSid),
		slog.String("mode", s.mode.String()),
		slog.Bool("transcription", s.bridge != nil),
		slog.Bool("recording", s.recorder != nil))

	return s, true
}

// newSession builds a session and opens its local resources. Failures leave
// the resource absent and the call proceeds without it.
func (r *Registry) newSession(connID string, params SessionParams) *Session {
	ctx, cancel := context.WithCancel(r.ctx)
	now := time.Now()

	s := &Session{
		ConnID:    connID,
		StreamSid: params.StreamSid,
		CallSid:   params.CallSid,
		CreatedAt: now,
		registry:  r,
		transport: params.Transport,
		metrics:   r.deps.Metrics,
		mode:      r.mode,
		forward:   audio.FormatMulaw,
		ctx:       ctx,
		cancel:    cancel,
		logger: r.logger.With(
			slog.String("conn_id", connID),
			slog.String("stream_sid", params.StreamSid)),
	}
	s.touch()
	if r.config.TranscriptionEncoding != "mulaw" {
		s.forward = audio.FormatPCM16
	}

	s.turns = newTurnController(r.config.Turn, r.deps.Generator, r.deps.Synthesizer,
		r.greeting, r.deps.Pool, r.latency, r.deps.Metrics, s.logger, s)

	if r.config.RecordingEnabled {
		path := filepath.Join(r.config.RecordingDir,
			fmt.Sprintf("%s_%s.wav", now.UTC().Format("20060102T150405Z"), connID))
		rec, err := audio.OpenRecorder(path, protocolRate)
		if err != nil {
			err = newError(KindResource, "open recording", err)
			s.logger.Warn("Recording disabled for call", slog.String("error", err.Error()))
		} else {
			s.recorder = rec
		}
	}

	if r.deps.Transcription != nil {
		bridgeConfig := r.config.Bridge
		bridgeConfig.Format = s.forward
		s.bridge = transcription.NewBridge(r.deps.Transcription, bridgeConfig, s.logger, r.deps.Metrics)

		if s.mode == ModeTranscode {
			tc, err := r.deps.Transcoders(s.onTranscodedAudio)
			if err != nil {
				err = newError(KindTransport, "start transcoder", err)
				s.logger.Warn("Continuing call without transcription", slog.String("error", err.Error()))
				_ = s.bridge.Close()
				s.bridge = nil
			} else {
				s.transcoder = tc
			}
		}
	}

	return s
}

// Get retrieves a registered session
func (r *Registry) Get(connID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[connID]
	return s, ok
}

// Destroy removes the session and releases its resources. Unknown ids and
// repeated calls are no-ops; it reports whether a session was removed.
func (r *Registry) Destroy(connID string) bool {
	r.mu.Lock()
	s, ok := r.sessions[connID]
	if ok {
		delete(r.sessions, connID)
		r.destroyed++
	}
	count := len(r.sessions)
	r.mu.Unlock()

	if !ok {
		return false
	}

	recording := s.release()

	duration := time.Since(s.CreatedAt)
	r.deps.Metrics.RecordCallDestroyed(duration.Seconds())
	r.deps.Metrics.SetActiveCalls(count)

	turns := s.turns.Stats()
	s.logger.Info("Call session destroyed",
		slog.Duration("duration", duration),
		slog.Uint64("frames_in", s.framesIn.Load()),
		slog.Uint64("turns_completed", turns.Completed),
		slog.Uint64("turns_failed", turns.Failed),
		slog.Uint64("turns_dropped", turns.Dropped))

	if recording != "" && r.deps.Uploader != nil {
		r.upload(s.logger, recording)
	}
	return true
}

func (r *Registry) upload(logger *slog.Logger, path string) {
	r.uploads.Add(1)
	go func() {
		defer r.uploads.Done()

		ctx, cancel := context.WithTimeout(context.Background(), r.config.UploadTimeout)
		defer cancel()

		key, err := r.deps.Uploader.Upload(ctx, path)
		if err != nil {
			err = newError(KindResource, "upload recording", err)
			logger.Warn("Recording upload failed", slog.String("error", err.Error()))
			return
		}
		logger.Info("Recording uploaded", slog.String("key", key))
	}()
}

// Count returns the number of registered sessions
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// List returns a snapshot of registered sessions, oldest first
func (r *Registry) List() []*Session {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions
}

// Stats returns registry-wide counters
func (r *Registry) Stats() RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return RegistryStats{
		ActiveSessions: len(r.sessions),
		Created:        r.created,
		Destroyed:      r.destroyed,
		Mode:           r.mode.String(),
	}
}

// Shutdown destroys every session concurrently and waits for recording
// uploads, or until ctx is done
func (r *Registry) Shutdown(ctx context.Context) error {
	r.logger.Info("Stopping session registry...")

	r.cancel()
	<-r.cleanup

	var g errgroup.Group
	for _, s := range r.List() {
		connID := s.ConnID
		g.Go(func() error {
			r.Destroy(connID)
			return nil
		})
	}
	_ = g.Wait()

	done := make(chan struct{})
	go func() {
		r.uploads.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("Session registry stopped", slog.Uint64("total_sessions", r.Stats().Created))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for recording uploads: %w", ctx.Err())
	}
}

// startCleanupRoutine destroys sessions that stopped receiving anything
func (r *Registry) startCleanupRoutine() {
	defer close(r.cleanup)

	ticker := time.NewTicker(r.config.ReapInterval)
	defer ticker.Stop()

	r.logger.Info("Session cleanup routine started",
		slog.Duration("timeout", r.config.StreamTimeout),
		slog.Duration("check_interval", r.config.ReapInterval))

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.cleanupExpiredSessions()
		}
	}
}

// cleanupExpiredSessions removes sessions idle for longer than StreamTimeout
func (r *Registry) cleanupExpiredSessions() {
	now := time.Now()
	var expired []string

	r.mu.RLock()
	for id, s := range r.sessions {
		if now.Sub(s.LastActivity()) > r.config.StreamTimeout {
			expired = append(expired, id)
		}
	}
	r.mu.RUnlock()

	if len(expired) == 0 {
		return
	}

	r.logger.Info("Cleaning up expired sessions", slog.Int("expired_count", len(expired)))
	for _, id := range expired {
		r.Destroy(id)
	}
}
