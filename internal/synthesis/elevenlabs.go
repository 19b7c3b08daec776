package synthesis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	providerElevenLabs = "elevenlabs"

	defaultElevenLabsBaseURL = "https://api.elevenlabs.io/v1"
	defaultElevenLabsModel   = "eleven_turbo_v2_5"
	defaultElevenLabsVoice   = "21m00Tcm4TlvDq8ikWAM"
	defaultOutputFormat      = "ulaw_8000"
	defaultTimeout           = 30 * time.Second

	// 100ms of 8 kHz mu-law per streamed chunk
	defaultChunkBytes = 800

	defaultStability       = 0.5
	defaultSimilarityBoost = 0.75
)

// ElevenLabsConfig contains text-to-speech settings
type ElevenLabsConfig struct {
	APIKey          string
	BaseURL         string
	VoiceID         string
	Model           string
	OutputFormat    string
	Stability       float64
	SimilarityBoost float64
	Timeout         time.Duration
	ChunkBytes      int
}

// ElevenLabs implements StreamingSynthesizer over the HTTP API
type ElevenLabs struct {
	config ElevenLabsConfig
	client *http.Client
}

// NewElevenLabs creates a synthesizer
func NewElevenLabs(config ElevenLabsConfig) (*ElevenLabs, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("API key cannot be empty")
	}
	if config.BaseURL == "" {
		config.BaseURL = defaultElevenLabsBaseURL
	}
	if config.VoiceID == "" {
		config.VoiceID = defaultElevenLabsVoice
	}
	if config.Model == "" {
		config.Model = defaultElevenLabsModel
	}
	if config.OutputFormat == "" {
		config.OutputFormat = defaultOutputFormat
	}
	if config.Stability <= 0 {
		config.Stability = defaultStability
	}
	if config.SimilarityBoost <= 0 {
		config.SimilarityBoost = defaultSimilarityBoost
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	if config.ChunkBytes <= 0 {
		config.ChunkBytes = defaultChunkBytes
	}

	// Reject unusable formats up front rather than on the first call.
	conv, err := newConverter(config.OutputFormat)
	if err != nil {
		return nil, err
	}
	conv.close()

	return &ElevenLabs{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}, nil
}

type elevenLabsRequest struct {
	Text          string                  `json:"text"`
	ModelID       string                  `json:"model_id,omitempty"`
	VoiceSettings elevenLabsVoiceSettings `json:"voice_settings"`
}

type elevenLabsVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

type elevenLabsErrorResponse struct {
	Detail struct {
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"detail"`
}

// Synthesize returns the complete utterance as 8 kHz mu-law
func (s *ElevenLabs) Synthesize(ctx context.Context, text string) ([]byte, error) {
	resp, err := s.do(ctx, text, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewError(providerElevenLabs, "", "failed to read audio", err, true)
	}

	conv, err := newConverter(s.config.OutputFormat)
	if err != nil {
		return nil, NewError(providerElevenLabs, "", "invalid output format", err, false)
	}
	defer conv.close()

	out, err := conv.convert(body)
	if err != nil {
		return nil, NewError(providerElevenLabs, "", "failed to convert audio", err, false)
	}
	return out, nil
}

// SynthesizeStream delivers audio chunks as the provider streams them
func (s *ElevenLabs) SynthesizeStream(ctx context.Context, text string, onChunk func([]byte, bool) error) error {
	resp, err := s.do(ctx, text, true)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	conv, err := newConverter(s.config.OutputFormat)
	if err != nil {
		return NewError(providerElevenLabs, "", "invalid output format", err, false)
	}
	defer conv.close()

	buf := make([]byte, s.config.ChunkBytes)
	for {
		n, readErr := io.ReadFull(resp.Body, buf)
		if n > 0 {
			out, err := conv.convert(buf[:n])
			if err != nil {
				return NewError(providerElevenLabs, "", "failed to convert audio", err, false)
			}
			if len(out) > 0 {
				if err := onChunk(out, false); err != nil {
					return err
				}
			}
		}

		switch {
		case readErr == nil:
			continue
		case errors.Is(readErr, io.EOF), errors.Is(readErr, io.ErrUnexpectedEOF):
			return onChunk(nil, true)
		default:
			return NewError(providerElevenLabs, "", "stream interrupted", readErr, true)
		}
	}
}

func (s *ElevenLabs) do(ctx context.Context, text string, stream bool) (*http.Response, error) {
	if text == "" {
		return nil, NewError(providerElevenLabs, "", "empty text", ErrEmptyText, false)
	}

	bodyBytes, err := json.Marshal(elevenLabsRequest{
		Text:    text,
		ModelID: s.config.Model,
		VoiceSettings: elevenLabsVoiceSettings{
			Stability:       s.config.Stability,
			SimilarityBoost: s.config.SimilarityBoost,
		},
	})
	if err != nil {
		return nil, NewError(providerElevenLabs, "", "failed to marshal request", err, false)
	}

	endpoint := fmt.Sprintf("%s/text-to-speech/%s", s.config.BaseURL, url.PathEscape(s.config.VoiceID))
	if stream {
		endpoint += "/stream"
	}
	endpoint += "?output_format=" + url.QueryEscape(s.config.OutputFormat)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, NewError(providerElevenLabs, "", "failed to create request", err, false)
	}
	req.Header.Set("xi-api-key", s.config.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, NewError(providerElevenLabs, "", "request failed", err, true)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, handleError(resp)
	}
	return resp, nil
}

func handleError(resp *http.Response) error {
	code := fmt.Sprintf("%d", resp.StatusCode)
	retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500

	var cause error
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		cause = ErrRateLimited
	case http.StatusNotFound:
		cause = ErrInvalidVoice
	}

	var errResp elevenLabsErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil || errResp.Detail.Message == "" {
		return NewError(providerElevenLabs, code, "HTTP error "+code, cause, retryable)
	}
	return NewError(providerElevenLabs, code, errResp.Detail.Message, cause, retryable)
}
