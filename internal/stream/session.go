package stream

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ameerhamza-spec/voxionAIBot/internal/audio"
	"github.com/ameerhamza-spec/voxionAIBot/internal/metrics"
	"github.com/ameerhamza-spec/voxionAIBot/internal/protocol"
	"github.com/ameerhamza-spec/voxionAIBot/internal/transcoder"
	"github.com/ameerhamza-spec/voxionAIBot/internal/transcription"
)

// CodecMode says how inbound audio reaches the transcription provider
type CodecMode int

const (
	// ModeDirect forwards frames without rate conversion
	ModeDirect CodecMode = iota
	// ModeTranscode resamples decoded PCM before forwarding
	ModeTranscode
)

// String returns a human-readable mode name
func (m CodecMode) String() string {
	if m == ModeTranscode {
		return "transcode"
	}
	return "direct"
}

// Transport carries outbound messages to the caller. Implementations must
// be safe for concurrent use.
type Transport interface {
	Send(msg []byte) error
}

// callBridge is the session's view of its transcription bridge
type callBridge interface {
	Connect(ctx context.Context, onEvent func(transcription.Event)) error
	Send(frame []byte) bool
	StopKeepalive()
	Close() error
	Stats() transcription.BridgeStats
}

// callRecorder is the session's view of its recording
type callRecorder interface {
	Write(pcm []byte) (int, error)
	Close() error
	Path() string
	DataSize() uint32
}

// SessionParams describes a call at start
type SessionParams struct {
	StreamSid        string
	CallSid          string
	CustomParameters map[string]string
	Transport        Transport
}

// Session is one live call
type Session struct {
	ConnID    string
	StreamSid string
	CallSid   string
	CreatedAt time.Time

	registry  *Registry
	transport Transport
	logger    *slog.Logger
	metrics   *metrics.Metrics
	mode      CodecMode
	forward   audio.Format

	bridge     callBridge
	transcoder transcoder.Transcoder
	recorder   callRecorder
	turns      *TurnController

	ctx    context.Context
	cancel context.CancelFunc

	lastActivity  atomic.Int64
	framesIn      atomic.Uint64
	framesBad     atomic.Uint64
	recordWarned  atomic.Bool
	forwardWarned atomic.Bool

	releaseOnce sync.Once
}

// SessionInfo represents session information for monitoring and APIs
type SessionInfo struct {
	ConnID        string                     `json:"conn_id"`
	StreamSid     string                     `json:"stream_sid"`
	CallSid       string                     `json:"call_sid,omitempty"`
	Mode          string                     `json:"mode"`
	HasGreeted    bool                       `json:"has_greeted"`
	CreatedAt     time.Time                  `json:"created_at"`
	LastActivity  time.Time                  `json:"last_activity"`
	Duration      time.Duration              `json:"duration"`
	FramesIn      uint64                     `json:"frames_in"`
	FramesBad     uint64                     `json:"frames_bad"`
	Turns         TurnStats                  `json:"turns"`
	Transcription *transcription.BridgeStats `json:"transcription,omitempty"`
	Recording     string                     `json:"recording,omitempty"`
	RecordedBytes uint32                     `json:"recorded_bytes"`
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns when the session last received audio or control
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Mode returns the session's codec mode
func (s *Session) Mode() CodecMode {
	return s.mode
}

// Turns returns the session's turn controller
func (s *Session) Turns() *TurnController {
	return s.turns
}

// HandleAudio ingests one inbound mu-law frame. Frames must be passed in
// arrival order; they are recorded and forwarded to transcription without
// blocking on network I/O.
func (s *Session) HandleAudio(mulaw []byte) {
	s.touch()
	s.framesIn.Add(1)
	s.metrics.RecordFrameReceived()

	if len(mulaw) == 0 {
		s.dropFrame(errEmptyFrame)
		return
	}

	pcm := audio.DecodeMulawBuffer(mulaw)
	s.record(pcm)

	if s.bridge == nil {
		return
	}

	switch s.mode {
	case ModeTranscode:
		if s.transcoder == nil {
			return
		}
		if err := s.transcoder.Write(pcm); err != nil && s.forwardWarned.CompareAndSwap(false, true) {
			err = newError(KindTransport, "transcode", err)
			s.logger.Warn("Transcoder write failed, audio not forwarded", slog.String("error", err.Error()))
		}
	default:
		if s.forward == audio.FormatMulaw {
			s.bridge.Send(mulaw)
		} else {
			s.bridge.Send(pcm)
		}
	}
}

// HandleInvalidFrame counts an inbound frame whose payload could not be decoded
func (s *Session) HandleInvalidFrame(cause error) {
	s.touch()
	s.framesIn.Add(1)
	s.metrics.RecordFrameReceived()
	s.dropFrame(cause)
}

func (s *Session) dropFrame(cause error) {
	s.framesBad.Add(1)
	s.metrics.RecordFrameDropped(metrics.DropCodec)
	err := newError(KindCodec, "ingest", cause)
	s.logger.Debug("Dropping frame", slog.String("error", err.Error()))
}

// HandleBinary ingests a raw binary websocket frame of mu-law audio
func (s *Session) HandleBinary(data []byte) {
	s.HandleAudio(data)
}

// HandleMark records a playback mark echoed back by the telephony provider
func (s *Session) HandleMark(name string) {
	s.touch()
	s.logger.Debug("Playback mark received", slog.String("mark", name))
}

// onTranscodedAudio forwards transcoder output to transcription
func (s *Session) onTranscodedAudio(pcm []byte) {
	if !s.active() {
		return
	}
	s.bridge.Send(pcm)
}

// onTranscript is the bridge callback
func (s *Session) onTranscript(ev transcription.Event) {
	if !s.active() {
		return
	}
	s.metrics.RecordTranscript(ev.Final)
	s.turns.HandleTranscript(ev)
}

// connectTranscription runs the bridge connect off the ingest path
func (s *Session) connectTranscription(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	if err := s.bridge.Connect(ctx, s.onTranscript); err != nil {
		if s.ctx.Err() != nil {
			return
		}
		err = newError(KindTransport, "connect transcription", err)
		s.logger.Warn("Continuing call without transcription", slog.String("error", err.Error()))
		return
	}
	s.logger.Info("Transcription connected")
}

// turnContext is cancelled when the session is destroyed
func (s *Session) turnContext() context.Context {
	return s.ctx
}

// active reports whether the session is still registered and running
func (s *Session) active() bool {
	if s.ctx.Err() != nil {
		return false
	}
	current, ok := s.registry.Get(s.ConnID)
	return ok && current == s
}

func (s *Session) sendAudio(mulaw []byte) error {
	msg, err := protocol.NewMediaMessage(s.StreamSid, mulaw)
	if err != nil {
		return err
	}
	return s.transport.Send(msg)
}

func (s *Session) sendMark() error {
	msg, err := protocol.NewMarkMessage(s.StreamSid, protocol.PlaybackCompletedMark)
	if err != nil {
		return err
	}
	return s.transport.Send(msg)
}

func (s *Session) clearPlayback() error {
	msg, err := protocol.NewClearMessage(s.StreamSid)
	if err != nil {
		return err
	}
	return s.transport.Send(msg)
}

// record appends PCM to the recording. Failures are logged once and the call
// continues.
func (s *Session) record(pcm []byte) {
	if s.recorder == nil {
		return
	}
	n, err := s.recorder.Write(pcm)
	s.metrics.RecordRecordingBytes(n)
	if err != nil && s.recordWarned.CompareAndSwap(false, true) {
		err = newError(KindResource, "record", err)
		s.logger.Warn("Recording write failed, recording may be incomplete", slog.String("error", err.Error()))
	}
}

// release frees every resource the session owns, in dependency order. Safe to
// call on a partially initialized session and more than once.
func (s *Session) release() (recording string) {
	s.releaseOnce.Do(func() {
		s.cancel()

		if s.bridge != nil {
			s.bridge.StopKeepalive()
		}
		if s.transcoder != nil {
			if err := s.transcoder.Stop(); err != nil {
				s.logger.Debug("Transcoder stop failed", slog.String("error", err.Error()))
			}
		}
		if s.bridge != nil {
			if err := s.bridge.Close(); err != nil {
				s.logger.Debug("Transcription close failed", slog.String("error", err.Error()))
			}
		}
		if s.recorder != nil {
			if err := s.recorder.Close(); err != nil {
				err = newError(KindResource, "close recording", err)
				s.logger.Warn("Failed to finalize recording", slog.String("error", err.Error()))
			} else {
				recording = s.recorder.Path()
				s.logger.Info("Recording finalized",
					slog.String("path", recording),
					slog.Uint64("data_bytes", uint64(s.recorder.DataSize())))
			}
		}
	})
	return recording
}

// GetSessionInfo returns a snapshot for monitoring
func (s *Session) GetSessionInfo() SessionInfo {
	info := SessionInfo{
		ConnID:       s.ConnID,
		StreamSid:    s.StreamSid,
		CallSid:      s.CallSid,
		Mode:         s.mode.String(),
		HasGreeted:   s.turns.HasGreeted(),
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity(),
		Duration:     time.Since(s.CreatedAt),
		FramesIn:     s.framesIn.Load(),
		FramesBad:    s.framesBad.Load(),
		Turns:        s.turns.Stats(),
	}
	if s.bridge != nil {
		stats := s.bridge.Stats()
		info.Transcription = &stats
	}
	if s.recorder != nil {
		info.Recording = s.recorder.Path()
		info.RecordedBytes = s.recorder.DataSize()
	}
	return info
}
