package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// Event names
const (
	EventConnected = "connected"
	EventStart     = "start"
	EventMedia     = "media"
	EventMark      = "mark"
	EventStop      = "stop"
	EventClear     = "clear"
)

// PlaybackCompletedMark is sent after each reply's audio
const PlaybackCompletedMark = "playback-completed"

// Media format reported by the provider
const (
	EncodingMulaw    = "audio/x-mulaw"
	DefaultRate      = 8000
	DefaultChannels  = 1
	InboundTrackName = "inbound"
)

// ErrInvalidEnvelope is wrapped by every parse and validation failure
var ErrInvalidEnvelope = errors.New("invalid media envelope")

// Envelope is one JSON message on the media stream
type Envelope struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSid      string        `json:"streamSid,omitempty"`
	Protocol       string        `json:"protocol,omitempty"`
	Version        string        `json:"version,omitempty"`
	Start          *StartPayload `json:"start,omitempty"`
	Media          *MediaPayload `json:"media,omitempty"`
	Mark           *MarkPayload  `json:"mark,omitempty"`
	Stop           *StopPayload  `json:"stop,omitempty"`
}

// StartPayload describes the stream when it begins
type StartPayload struct {
	StreamSid        string            `json:"streamSid"`
	AccountSid       string            `json:"accountSid,omitempty"`
	CallSid          string            `json:"callSid,omitempty"`
	Tracks           []string          `json:"tracks,omitempty"`
	CustomParameters map[string]string `json:"customParameters,omitempty"`
	MediaFormat      MediaFormat       `json:"mediaFormat"`
}

// MediaFormat of inbound audio
type MediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

// MediaPayload carries one base64 audio chunk
type MediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

// MarkPayload names a playback marker
type MarkPayload struct {
	Name string `json:"name"`
}

// StopPayload is sent when the stream ends
type StopPayload struct {
	AccountSid string `json:"accountSid,omitempty"`
	CallSid    string `json:"callSid,omitempty"`
}

// ParseEnvelope decodes and validates a JSON text message
func ParseEnvelope(data []byte) (*Envelope, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrInvalidEnvelope)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	if err := ValidateEnvelope(&env); err != nil {
		return nil, err
	}

	return &env, nil
}

// ValidateEnvelope checks the fields each event requires
func ValidateEnvelope(env *Envelope) error {
	switch env.Event {
	case "":
		return fmt.Errorf("%w: missing event", ErrInvalidEnvelope)
	case EventStart:
		if env.Start == nil {
			return fmt.Errorf("%w: start event without start payload", ErrInvalidEnvelope)
		}
		if env.StreamID() == "" {
			return fmt.Errorf("%w: start event without stream id", ErrInvalidEnvelope)
		}
	case EventMedia:
		if env.Media == nil {
			return fmt.Errorf("%w: media event without media payload", ErrInvalidEnvelope)
		}
	case EventMark:
		if env.Mark == nil {
			return fmt.Errorf("%w: mark event without mark payload", ErrInvalidEnvelope)
		}
	}
	return nil
}

// StreamID returns the stream identifier, preferring the top-level field
func (e *Envelope) StreamID() string {
	if e.StreamSid != "" {
		return e.StreamSid
	}
	if e.Start != nil {
		return e.Start.StreamSid
	}
	return ""
}

// CallID returns the call identifier from start or stop payloads
func (e *Envelope) CallID() string {
	switch {
	case e.Start != nil:
		return e.Start.CallSid
	case e.Stop != nil:
		return e.Stop.CallSid
	}
	return ""
}

// DecodeMedia returns the raw audio bytes of a media envelope
func (e *Envelope) DecodeMedia() ([]byte, error) {
	if e.Media == nil {
		return nil, fmt.Errorf("%w: no media payload", ErrInvalidEnvelope)
	}
	data, err := base64.StdEncoding.DecodeString(e.Media.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: payload is not base64: %v", ErrInvalidEnvelope, err)
	}
	return data, nil
}

// IsInbound reports whether a media envelope carries caller audio. Envelopes
// without a track are treated as inbound.
func (e *Envelope) IsInbound() bool {
	return e.Media != nil && (e.Media.Track == "" || e.Media.Track == InboundTrackName)
}

// NewMediaMessage builds an outbound media envelope with base64 audio
func NewMediaMessage(streamSid string, audio []byte) ([]byte, error) {
	return json.Marshal(&Envelope{
		Event:     EventMedia,
		StreamSid: streamSid,
		Media: &MediaPayload{
			Payload: base64.StdEncoding.EncodeToString(audio),
		},
	})
}

// NewMarkMessage builds an outbound mark envelope
func NewMarkMessage(streamSid, name string) ([]byte, error) {
	return json.Marshal(&Envelope{
		Event:     EventMark,
		StreamSid: streamSid,
		Mark:      &MarkPayload{Name: name},
	})
}

// NewClearMessage builds an envelope that discards audio queued for playback
func NewClearMessage(streamSid string) ([]byte, error) {
	return json.Marshal(&Envelope{
		Event:     EventClear,
		StreamSid: streamSid,
	})
}

// String returns a human-readable representation of the envelope
func (e *Envelope) String() string {
	switch {
	case e.Media != nil:
		return fmt.Sprintf("Envelope{Event:%s, StreamSid:%s, Track:%s, PayloadLen:%d}",
			e.Event, e.StreamID(), e.Media.Track, len(e.Media.Payload))
	case e.Mark != nil:
		return fmt.Sprintf("Envelope{Event:%s, StreamSid:%s, Mark:%s}", e.Event, e.StreamID(), e.Mark.Name)
	default:
		return fmt.Sprintf("Envelope{Event:%s, StreamSid:%s}", e.Event, e.StreamID())
	}
}
