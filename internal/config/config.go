package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	HTTP          HTTPConfig          `yaml:"http"`
	Audio         AudioConfig         `yaml:"audio"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Generation    GenerationConfig    `yaml:"generation"`
	Synthesis     SynthesisConfig     `yaml:"synthesis"`
	Turns         TurnsConfig         `yaml:"turns"`
	Recording     RecordingConfig     `yaml:"recording"`
	Logging       LoggingConfig       `yaml:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics"`
}

// ServerConfig contains media websocket configuration
type ServerConfig struct {
	MediaPath       string `yaml:"media_path"`
	PublicURL       string `yaml:"public_url"` // wss:// URL the telephony provider dials
	ReadBufferSize  int    `yaml:"read_buffer_size"`
	WriteBufferSize int    `yaml:"write_buffer_size"`
	MaxMessageBytes int64  `yaml:"max_message_bytes"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// AudioConfig contains audio processing parameters
type AudioConfig struct {
	SampleRate        int      `yaml:"sample_rate"`
	Transcoder        string   `yaml:"transcoder"` // native or process
	TranscoderCommand string   `yaml:"transcoder_command"`
	TranscoderArgs    []string `yaml:"transcoder_args"`
	PendingFrames     int      `yaml:"pending_frames"`
	StreamTimeout     int      `yaml:"stream_timeout"` // seconds
	ReapInterval      int      `yaml:"reap_interval"`  // seconds
}

// TranscriptionConfig contains streaming transcription configuration
type TranscriptionConfig struct {
	Enabled             bool    `yaml:"enabled"`
	URL                 string  `yaml:"url"`
	APIKey              string  `yaml:"api_key"`
	Model               string  `yaml:"model"`
	Language            string  `yaml:"language"`
	Encoding            string  `yaml:"encoding"` // mulaw or linear16
	SampleRate          int     `yaml:"sample_rate"`
	InterimResults      bool    `yaml:"interim_results"`
	Endpointing         int     `yaml:"endpointing"`     // milliseconds
	ConnectTimeout      int     `yaml:"connect_timeout"` // seconds
	MaxRetries          int     `yaml:"max_retries"`
	KeepaliveInterval   float64 `yaml:"keepalive_interval"` // seconds
	KeepaliveFrameBytes int     `yaml:"keepalive_frame_bytes"`
	SendTimeout         float64 `yaml:"send_timeout"` // seconds
}

// GenerationConfig contains reply generation configuration
type GenerationConfig struct {
	APIKey       string  `yaml:"api_key"`
	BaseURL      string  `yaml:"base_url"`
	Model        string  `yaml:"model"`
	SystemPrompt string  `yaml:"system_prompt"`
	MaxTokens    int     `yaml:"max_tokens"`
	Temperature  float64 `yaml:"temperature"`
	Timeout      int     `yaml:"timeout"` // seconds
	MaxRetries   int     `yaml:"max_retries"`
	HistoryTurns int     `yaml:"history_turns"`
}

// SynthesisConfig contains speech synthesis configuration
type SynthesisConfig struct {
	APIKey          string  `yaml:"api_key"`
	BaseURL         string  `yaml:"base_url"`
	VoiceID         string  `yaml:"voice_id"`
	Model           string  `yaml:"model"`
	OutputFormat    string  `yaml:"output_format"`
	Stability       float64 `yaml:"stability"`
	SimilarityBoost float64 `yaml:"similarity_boost"`
	Streaming       bool    `yaml:"streaming"`
	ChunkBytes      int     `yaml:"chunk_bytes"`
	Timeout         int     `yaml:"timeout"` // seconds
}

// TurnsConfig contains turn pipeline configuration
type TurnsConfig struct {
	PoolSize        int    `yaml:"pool_size"`
	GreetingPattern string `yaml:"greeting_pattern"`
}

// RecordingConfig contains call recording configuration
type RecordingConfig struct {
	Enabled bool         `yaml:"enabled"`
	Dir     string       `yaml:"dir"`
	Upload  UploadConfig `yaml:"upload"`
}

// UploadConfig contains recording upload configuration
type UploadConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Bucket      string `yaml:"bucket"`
	Prefix      string `yaml:"prefix"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"` // S3-compatible endpoint, empty for AWS
	DeleteLocal bool   `yaml:"delete_local"`
	Timeout     int    `yaml:"timeout"` // seconds
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// MetricsConfig contains Prometheus configuration
type MetricsConfig struct {
	Namespace string `yaml:"namespace"`
}

// Load reads the configuration file, expands ${VAR} references from the
// environment and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Default returns a configuration with every optional field populated
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			MediaPath:       "/media",
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			MaxMessageBytes: 1 << 20,
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "0.0.0.0",
			Enabled: true,
		},
		Audio: AudioConfig{
			SampleRate:    8000,
			Transcoder:    "native",
			PendingFrames: 256,
			StreamTimeout: 300,
			ReapInterval:  30,
		},
		Transcription: TranscriptionConfig{
			Enabled:             true,
			URL:                 "wss://api.deepgram.com/v1/listen",
			Model:               "nova-2-phonecall",
			Language:            "en-US",
			Encoding:            "mulaw",
			SampleRate:          8000,
			InterimResults:      true,
			Endpointing:         300,
			ConnectTimeout:      10,
			MaxRetries:          3,
			KeepaliveInterval:   5,
			KeepaliveFrameBytes: 8192,
			SendTimeout:         2,
		},
		Generation: GenerationConfig{
			Model:       "gpt-4o-mini",
			MaxTokens:   150,
			Temperature: 0.7,
			Timeout:     30,
			MaxRetries:  2,
		},
		Synthesis: SynthesisConfig{
			BaseURL:         "https://api.elevenlabs.io/v1",
			Model:           "eleven_turbo_v2_5",
			OutputFormat:    "ulaw_8000",
			Stability:       0.5,
			SimilarityBoost: 0.75,
			Streaming:       true,
			ChunkBytes:      800,
			Timeout:         30,
		},
		Turns: TurnsConfig{
			PoolSize: 256,
		},
		Recording: RecordingConfig{
			Dir: "./recordings",
			Upload: UploadConfig{
				Region:  "us-east-1",
				Prefix:  "recordings",
				Timeout: 120,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Namespace: "voxion",
		},
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}

	if err := c.Generation.Validate(); err != nil {
		return fmt.Errorf("generation config: %w", err)
	}

	if err := c.Synthesis.Validate(); err != nil {
		return fmt.Errorf("synthesis config: %w", err)
	}

	if err := c.Turns.Validate(); err != nil {
		return fmt.Errorf("turns config: %w", err)
	}

	if err := c.Recording.Validate(); err != nil {
		return fmt.Errorf("recording config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}

	return nil
}

// Validate validates media server configuration
func (s *ServerConfig) Validate() error {
	if !strings.HasPrefix(s.MediaPath, "/") {
		return fmt.Errorf("media_path must start with '/', got '%s'", s.MediaPath)
	}

	if s.PublicURL != "" {
		u, err := url.Parse(s.PublicURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return fmt.Errorf("public_url must be a ws:// or wss:// URL, got '%s'", s.PublicURL)
		}
	}

	if s.ReadBufferSize < 1024 {
		return fmt.Errorf("read_buffer_size must be at least 1024 bytes, got %d", s.ReadBufferSize)
	}

	if s.WriteBufferSize < 1024 {
		return fmt.Errorf("write_buffer_size must be at least 1024 bytes, got %d", s.WriteBufferSize)
	}

	if s.MaxMessageBytes < 1024 {
		return fmt.Errorf("max_message_bytes must be at least 1024, got %d", s.MaxMessageBytes)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Port < 1 || h.Port > 65535 {
		return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
	}

	if h.Address == "" {
		return fmt.Errorf("http address cannot be empty")
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate != 8000 {
		return fmt.Errorf("sample_rate must be 8000 Hz for telephony media streams, got %d", a.SampleRate)
	}

	switch a.Transcoder {
	case "native":
	case "process":
		if a.TranscoderCommand == "" {
			return fmt.Errorf("transcoder_command cannot be empty for the process transcoder")
		}
	default:
		return fmt.Errorf("transcoder must be 'native' or 'process', got '%s'", a.Transcoder)
	}

	if a.PendingFrames < 1 {
		return fmt.Errorf("pending_frames must be at least 1, got %d", a.PendingFrames)
	}

	if a.StreamTimeout < 0 {
		return fmt.Errorf("stream_timeout cannot be negative, got %d", a.StreamTimeout)
	}

	if a.ReapInterval < 1 {
		return fmt.Errorf("reap_interval must be at least 1 second, got %d", a.ReapInterval)
	}

	return nil
}

// Validate validates transcription configuration
func (t *TranscriptionConfig) Validate() error {
	if !t.Enabled {
		return nil
	}

	u, err := url.Parse(t.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("url must be a ws:// or wss:// URL, got '%s'", t.URL)
	}

	if t.APIKey == "" {
		return fmt.Errorf("api_key cannot be empty")
	}

	validEncodings := map[string]bool{"mulaw": true, "linear16": true}
	if !validEncodings[t.Encoding] {
		return fmt.Errorf("encoding must be 'mulaw' or 'linear16', got '%s'", t.Encoding)
	}

	if t.Encoding == "mulaw" && t.SampleRate != 8000 {
		return fmt.Errorf("mulaw encoding requires sample_rate 8000, got %d", t.SampleRate)
	}

	if t.SampleRate < 8000 || t.SampleRate > 48000 {
		return fmt.Errorf("sample_rate must be between 8000 and 48000 Hz, got %d", t.SampleRate)
	}

	if t.Endpointing < 0 {
		return fmt.Errorf("endpointing cannot be negative, got %d", t.Endpointing)
	}

	if t.ConnectTimeout < 1 {
		return fmt.Errorf("connect_timeout must be at least 1 second, got %d", t.ConnectTimeout)
	}

	if t.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", t.MaxRetries)
	}

	if t.KeepaliveInterval <= 0 {
		return fmt.Errorf("keepalive_interval must be positive, got %f", t.KeepaliveInterval)
	}

	if t.KeepaliveFrameBytes < 2 || t.KeepaliveFrameBytes%2 != 0 {
		return fmt.Errorf("keepalive_frame_bytes must be a positive even number, got %d", t.KeepaliveFrameBytes)
	}

	if t.SendTimeout <= 0 {
		return fmt.Errorf("send_timeout must be positive, got %f", t.SendTimeout)
	}

	return nil
}

// Validate validates generation configuration
func (g *GenerationConfig) Validate() error {
	if g.APIKey == "" {
		return fmt.Errorf("api_key cannot be empty")
	}

	if g.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}

	if g.MaxTokens < 1 {
		return fmt.Errorf("max_tokens must be at least 1, got %d", g.MaxTokens)
	}

	if g.Temperature < 0 || g.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", g.Temperature)
	}

	if g.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", g.Timeout)
	}

	if g.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", g.MaxRetries)
	}

	if g.HistoryTurns < 0 {
		return fmt.Errorf("history_turns cannot be negative, got %d", g.HistoryTurns)
	}

	return nil
}

// Validate validates synthesis configuration
func (s *SynthesisConfig) Validate() error {
	if s.APIKey == "" {
		return fmt.Errorf("api_key cannot be empty")
	}

	if s.VoiceID == "" {
		return fmt.Errorf("voice_id cannot be empty")
	}

	if s.OutputFormat != "ulaw_8000" && !strings.HasPrefix(s.OutputFormat, "pcm_") {
		return fmt.Errorf("output_format must be 'ulaw_8000' or 'pcm_<rate>', got '%s'", s.OutputFormat)
	}

	if s.Stability < 0 || s.Stability > 1 {
		return fmt.Errorf("stability must be between 0 and 1, got %f", s.Stability)
	}

	if s.SimilarityBoost < 0 || s.SimilarityBoost > 1 {
		return fmt.Errorf("similarity_boost must be between 0 and 1, got %f", s.SimilarityBoost)
	}

	if s.ChunkBytes < 0 {
		return fmt.Errorf("chunk_bytes cannot be negative, got %d", s.ChunkBytes)
	}

	if s.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", s.Timeout)
	}

	return nil
}

// Validate validates turn configuration
func (t *TurnsConfig) Validate() error {
	if t.PoolSize < 1 {
		return fmt.Errorf("pool_size must be at least 1, got %d", t.PoolSize)
	}

	if t.GreetingPattern != "" {
		if _, err := regexp.Compile(t.GreetingPattern); err != nil {
			return fmt.Errorf("greeting_pattern is not a valid regular expression: %w", err)
		}
	}

	return nil
}

// Validate validates recording configuration
func (r *RecordingConfig) Validate() error {
	if r.Enabled && r.Dir == "" {
		return fmt.Errorf("dir cannot be empty when recording is enabled")
	}

	if r.Upload.Enabled {
		if !r.Enabled {
			return fmt.Errorf("upload requires recording to be enabled")
		}
		if r.Upload.Bucket == "" {
			return fmt.Errorf("upload bucket cannot be empty")
		}
		if r.Upload.Timeout < 1 {
			return fmt.Errorf("upload timeout must be at least 1 second, got %d", r.Upload.Timeout)
		}
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Anything other than stdout or stderr is treated as a file path
	if l.Output == "" {
		return fmt.Errorf("output cannot be empty")
	}

	return nil
}

// Validate validates metrics configuration
func (m *MetricsConfig) Validate() error {
	if m.Namespace == "" {
		return fmt.Errorf("namespace cannot be empty")
	}
	return nil
}

// GetStreamTimeoutDuration returns the idle stream timeout as a time.Duration
func (a *AudioConfig) GetStreamTimeoutDuration() time.Duration {
	return time.Duration(a.StreamTimeout) * time.Second
}

// GetReapIntervalDuration returns the idle check interval as a time.Duration
func (a *AudioConfig) GetReapIntervalDuration() time.Duration {
	return time.Duration(a.ReapInterval) * time.Second
}

// GetConnectTimeoutDuration returns the transcription connect timeout as a time.Duration
func (t *TranscriptionConfig) GetConnectTimeoutDuration() time.Duration {
	return time.Duration(t.ConnectTimeout) * time.Second
}

// GetKeepaliveIntervalDuration returns the keepalive interval as a time.Duration
func (t *TranscriptionConfig) GetKeepaliveIntervalDuration() time.Duration {
	return time.Duration(t.KeepaliveInterval * float64(time.Second))
}

// GetSendTimeoutDuration returns the per-frame send timeout as a time.Duration
func (t *TranscriptionConfig) GetSendTimeoutDuration() time.Duration {
	return time.Duration(t.SendTimeout * float64(time.Second))
}

// GetEndpointingDuration returns the provider endpointing window as a time.Duration
func (t *TranscriptionConfig) GetEndpointingDuration() time.Duration {
	return time.Duration(t.Endpointing) * time.Millisecond
}

// GetTimeoutDuration returns the generation timeout as a time.Duration
func (g *GenerationConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(g.Timeout) * time.Second
}

// GetTimeoutDuration returns the synthesis timeout as a time.Duration
func (s *SynthesisConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(s.Timeout) * time.Second
}

// GetTimeoutDuration returns the upload timeout as a time.Duration
func (u *UploadConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(u.Timeout) * time.Second
}
