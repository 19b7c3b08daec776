package synthesis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ameerhamza-spec/voxionAIBot/internal/audio"
)

func newTTSServer(t *testing.T, status int, body []byte, gotPath *string, gotBody *elevenLabsRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("xi-api-key") != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if gotPath != nil {
			*gotPath = r.URL.Path + "?" + r.URL.RawQuery
		}
		if gotBody != nil {
			data, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(data, gotBody)
		}
		w.WriteHeader(status)
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewElevenLabsValidation(t *testing.T) {
	tests := []struct {
		name    string
		config  ElevenLabsConfig
		wantErr bool
	}{
		{"defaults", ElevenLabsConfig{APIKey: "k"}, false},
		{"pcm 8k", ElevenLabsConfig{APIKey: "k", OutputFormat: "pcm_8000"}, false},
		{"pcm 16k", ElevenLabsConfig{APIKey: "k", OutputFormat: "pcm_16000"}, false},
		{"missing key", ElevenLabsConfig{}, true},
		{"mp3", ElevenLabsConfig{APIKey: "k", OutputFormat: "mp3_44100_128"}, true},
		{"ulaw wrong rate", ElevenLabsConfig{APIKey: "k", OutputFormat: "ulaw_16000"}, true},
		{"garbage", ElevenLabsConfig{APIKey: "k", OutputFormat: "ulaw"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewElevenLabs(tt.config)
			if (err != nil) != tt.wantErr {
				t.Errorf("Expected error=%v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestSynthesizeFull(t *testing.T) {
	audioBytes := bytes.Repeat([]byte{0xFF, 0x7E}, 400)
	var path string
	var req elevenLabsRequest
	srv := newTTSServer(t, http.StatusOK, audioBytes, &path, &req)

	s, err := NewElevenLabs(ElevenLabsConfig{APIKey: "test-key", BaseURL: srv.URL, VoiceID: "voice1"})
	if err != nil {
		t.Fatalf("Failed to create synthesizer: %v", err)
	}

	out, err := s.Synthesize(context.Background(), "Hello there")
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if !bytes.Equal(out, audioBytes) {
		t.Errorf("Expected mu-law audio to pass through unchanged")
	}
	if path != "/text-to-speech/voice1?output_format=ulaw_8000" {
		t.Errorf("Unexpected request path: %s", path)
	}
	if req.Text != "Hello there" || req.ModelID != defaultElevenLabsModel {
		t.Errorf("Unexpected request body: %+v", req)
	}
}

func TestSynthesizeFullPCM(t *testing.T) {
	samples := []int16{0, 1000, -1000, 32000}
	srv := newTTSServer(t, http.StatusOK, audio.SamplesToBytes(samples), nil, nil)

	s, err := NewElevenLabs(ElevenLabsConfig{APIKey: "test-key", BaseURL: srv.URL, OutputFormat: "pcm_8000"})
	if err != nil {
		t.Fatalf("Failed to create synthesizer: %v", err)
	}

	out, err := s.Synthesize(context.Background(), "Hello")
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if len(out) != len(samples) {
		t.Fatalf("Expected %d mu-law bytes, got %d", len(samples), len(out))
	}
	for i, sample := range samples {
		if out[i] != audio.EncodeMulaw(sample) {
			t.Errorf("Sample %d: expected 0x%02x, got 0x%02x", i, audio.EncodeMulaw(sample), out[i])
		}
	}
}

func TestSynthesizeStream(t *testing.T) {
	audioBytes := bytes.Repeat([]byte{0x80}, 2000)
	var path string
	srv := newTTSServer(t, http.StatusOK, audioBytes, &path, nil)

	s, err := NewElevenLabs(ElevenLabsConfig{APIKey: "test-key", BaseURL: srv.URL, VoiceID: "v", ChunkBytes: 800})
	if err != nil {
		t.Fatalf("Failed to create synthesizer: %v", err)
	}

	var chunks [][]byte
	var finals int
	err = s.SynthesizeStream(context.Background(), "Hello", func(chunk []byte, final bool) error {
		if final {
			finals++
			return nil
		}
		chunks = append(chunks, append([]byte(nil), chunk...))
		return nil
	})
	if err != nil {
		t.Fatalf("SynthesizeStream failed: %v", err)
	}

	if !strings.HasPrefix(path, "/text-to-speech/v/stream") {
		t.Errorf("Expected stream endpoint, got %s", path)
	}
	if finals != 1 {
		t.Errorf("Expected exactly one final callback, got %d", finals)
	}
	if len(chunks) != 3 {
		t.Fatalf("Expected 3 chunks, got %d", len(chunks))
	}
	if len(chunks[0]) != 800 || len(chunks[2]) != 400 {
		t.Errorf("Unexpected chunk sizes: %d, %d", len(chunks[0]), len(chunks[2]))
	}
}

func TestSynthesizeStreamCallbackAbort(t *testing.T) {
	srv := newTTSServer(t, http.StatusOK, bytes.Repeat([]byte{0x80}, 4000), nil, nil)
	s, err := NewElevenLabs(ElevenLabsConfig{APIKey: "test-key", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("Failed to create synthesizer: %v", err)
	}

	stop := errors.New("session gone")
	calls := 0
	err = s.SynthesizeStream(context.Background(), "Hello", func(chunk []byte, final bool) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) {
		t.Errorf("Expected callback error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected streaming to stop after first callback, got %d calls", calls)
	}
}

func TestSynthesizeErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		cause     error
		retryable bool
	}{
		{"rate limited", http.StatusTooManyRequests, `{"detail":{"status":"too_many","message":"slow down"}}`, ErrRateLimited, true},
		{"unknown voice", http.StatusNotFound, `{"detail":{"status":"voice_not_found","message":"no voice"}}`, ErrInvalidVoice, false},
		{"server error", http.StatusBadGateway, `not json`, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTTSServer(t, tt.status, []byte(tt.body), nil, nil)
			s, err := NewElevenLabs(ElevenLabsConfig{APIKey: "test-key", BaseURL: srv.URL})
			if err != nil {
				t.Fatalf("Failed to create synthesizer: %v", err)
			}

			_, err = s.Synthesize(context.Background(), "Hello")
			if !errors.Is(err, ErrSynthesis) {
				t.Fatalf("Expected ErrSynthesis, got %v", err)
			}
			if tt.cause != nil && !errors.Is(err, tt.cause) {
				t.Errorf("Expected cause %v, got %v", tt.cause, err)
			}
			var se *Error
			if !errors.As(err, &se) {
				t.Fatalf("Expected *Error, got %T", err)
			}
			if se.Retryable != tt.retryable {
				t.Errorf("Expected retryable=%v, got %v", tt.retryable, se.Retryable)
			}
		})
	}
}

func TestSynthesizeEmptyText(t *testing.T) {
	s, err := NewElevenLabs(ElevenLabsConfig{APIKey: "k"})
	if err != nil {
		t.Fatalf("Failed to create synthesizer: %v", err)
	}
	if _, err := s.Synthesize(context.Background(), ""); !errors.Is(err, ErrEmptyText) {
		t.Errorf("Expected ErrEmptyText, got %v", err)
	}
}
