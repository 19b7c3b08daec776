package transcription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DeepgramConfig contains streaming client configuration
type DeepgramConfig struct {
	URL            string
	APIKey         string
	Model          string
	Language       string
	Encoding       string // "mulaw" or "linear16"
	SampleRate     int
	InterimResults bool
	Endpointing    time.Duration
	ConnectTimeout time.Duration
	MaxRetries     int
}

// ClientStats represents client statistics
type ClientStats struct {
	TotalConnects   uint64        `json:"total_connects"`
	SuccessConnects uint64        `json:"success_connects"`
	FailedConnects  uint64        `json:"failed_connects"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgConnectTime  time.Duration `json:"avg_connect_time"`
	OpenConnections int64         `json:"open_connections"`
}

// DeepgramClient dials streaming transcription websockets
type DeepgramClient struct {
	config DeepgramConfig
	dialer *websocket.Dialer
	logger *slog.Logger

	// Statistics
	totalConnects   uint64
	successConnects uint64
	failedConnects  uint64
	totalRetries    uint64
	avgConnectTime  time.Duration
	openConns       int64

	mu sync.RWMutex
}

// NewDeepgramClient creates a streaming transcription client
func NewDeepgramClient(config DeepgramConfig, logger *slog.Logger) (*DeepgramClient, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("url cannot be empty")
	}
	if config.APIKey == "" {
		return nil, fmt.Errorf("API key cannot be empty")
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 3
	}
	if config.Encoding == "" {
		config.Encoding = "mulaw"
	}
	if config.SampleRate <= 0 {
		config.SampleRate = 8000
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &DeepgramClient{
		config: config,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.ConnectTimeout,
		},
		logger: logger,
	}, nil
}

// StreamURL builds the listen URL with the configured query parameters
func (c *DeepgramClient) StreamURL() (string, error) {
	u, err := url.Parse(c.config.URL)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}

	q := u.Query()
	q.Set("encoding", c.config.Encoding)
	q.Set("sample_rate", strconv.Itoa(c.config.SampleRate))
	q.Set("channels", "1")
	q.Set("interim_results", strconv.FormatBool(c.config.InterimResults))
	if c.config.Model != "" {
		q.Set("model", c.config.Model)
	}
	if c.config.Language != "" {
		q.Set("language", c.config.Language)
	}
	if c.config.Endpointing > 0 {
		q.Set("endpointing", strconv.FormatInt(c.config.Endpointing.Milliseconds(), 10))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the provider with exponential backoff between attempts
func (c *DeepgramClient) Connect(ctx context.Context, onEvent func(Event)) (Conn, error) {
	target, err := c.StreamURL()
	if err != nil {
		return nil, err
	}

	startTime := time.Now()
	c.incrementTotalConnects()

	var lastErr error

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.incrementTotalRetries()

			backoffTime := time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
			if backoffTime > 30*time.Second {
				backoffTime = 30 * time.Second
			}

			select {
			case <-time.After(backoffTime):
			case <-ctx.Done():
				c.incrementFailedConnects()
				return nil, ctx.Err()
			}
		}

		ws, err := c.dial(ctx, target)
		if err == nil {
			c.incrementSuccessConnects()
			c.updateAvgConnectTime(time.Since(startTime))
			return c.newConn(ws, onEvent), nil
		}

		lastErr = err
		c.logger.Debug("Transcription dial failed",
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))

		if !isRetryableDialError(err) || ctx.Err() != nil {
			break
		}
	}

	c.incrementFailedConnects()
	return nil, fmt.Errorf("dial failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

// dialError carries the HTTP status of a rejected handshake
type dialError struct {
	status int
	err    error
}

func (e *dialError) Error() string {
	if e.status != 0 {
		return fmt.Sprintf("handshake status %d: %v", e.status, e.err)
	}
	return e.err.Error()
}

func (e *dialError) Unwrap() error { return e.err }

func (c *DeepgramClient) dial(ctx context.Context, target string) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Token "+c.config.APIKey)
	header.Set("User-Agent", "voxion-voice-agent/1.0")

	ws, resp, err := c.dialer.DialContext(ctx, target, header)
	if err != nil {
		de := &dialError{err: err}
		if resp != nil {
			de.status = resp.StatusCode
			resp.Body.Close()
		}
		return nil, de
	}
	return ws, nil
}

// isRetryableDialError treats auth and request errors as permanent
func isRetryableDialError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var de *dialError
	if errors.As(err, &de) && de.status != 0 {
		return de.status == http.StatusTooManyRequests || de.status >= 500
	}
	return true
}

// Statistics methods
func (c *DeepgramClient) incrementTotalConnects() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalConnects++
}

func (c *DeepgramClient) incrementSuccessConnects() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successConnects++
	c.openConns++
}

func (c *DeepgramClient) incrementFailedConnects() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedConnects++
}

func (c *DeepgramClient) incrementTotalRetries() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRetries++
}

func (c *DeepgramClient) decrementOpenConns() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openConns--
}

func (c *DeepgramClient) updateAvgConnectTime(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Simple moving average
	if c.avgConnectTime == 0 {
		c.avgConnectTime = d
	} else {
		c.avgConnectTime = (c.avgConnectTime + d) / 2
	}
}

// GetStats returns current client statistics
func (c *DeepgramClient) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return ClientStats{
		TotalConnects:   c.totalConnects,
		SuccessConnects: c.successConnects,
		FailedConnects:  c.failedConnects,
		TotalRetries:    c.totalRetries,
		AvgConnectTime:  c.avgConnectTime,
		OpenConnections: c.openConns,
	}
}

// deepgramResult is the subset of a streaming result message we consume
type deepgramResult struct {
	Type    string `json:"type"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	IsFinal     bool `json:"is_final"`
	SpeechFinal bool `json:"speech_final"`
}

// ParseResult converts one provider message into an Event. It reports false
// for messages that carry no transcript.
func ParseResult(data []byte) (Event, bool, error) {
	var res deepgramResult
	if err := json.Unmarshal(data, &res); err != nil {
		return Event{}, false, fmt.Errorf("failed to parse result JSON: %w", err)
	}
	if res.Type != "" && res.Type != "Results" {
		return Event{}, false, nil
	}
	if len(res.Channel.Alternatives) == 0 {
		return Event{}, false, nil
	}

	alt := res.Channel.Alternatives[0]
	return Event{
		Text:       alt.Transcript,
		Final:      res.IsFinal,
		Confidence: alt.Confidence,
		ReceivedAt: time.Now(),
	}, true, nil
}

// deepgramConn is one open stream
type deepgramConn struct {
	client *DeepgramClient
	ws     *websocket.Conn
	logger *slog.Logger

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func (c *DeepgramClient) newConn(ws *websocket.Conn, onEvent func(Event)) *deepgramConn {
	conn := &deepgramConn{
		client: c,
		ws:     ws,
		logger: c.logger,
		done:   make(chan struct{}),
	}
	go conn.readLoop(onEvent)
	return conn
}

func (d *deepgramConn) readLoop(onEvent func(Event)) {
	defer close(d.done)
	defer d.client.decrementOpenConns()

	for {
		msgType, data, err := d.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				d.logger.Debug("Transcription read ended", slog.String("error", err.Error()))
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		ev, ok, err := ParseResult(data)
		if err != nil {
			d.logger.Debug("Ignoring malformed transcription message", slog.String("error", err.Error()))
			continue
		}
		if ok && onEvent != nil {
			onEvent(ev)
		}
	}
}

// Send writes one binary audio frame
func (d *deepgramConn) Send(ctx context.Context, frame []byte) error {
	select {
	case <-d.done:
		return ErrClosed
	default:
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = d.ws.SetWriteDeadline(deadline)
	} else {
		_ = d.ws.SetWriteDeadline(time.Time{})
	}
	if err := d.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("write audio: %w", err)
	}
	return nil
}

// Done is closed when the read loop ends
func (d *deepgramConn) Done() <-chan struct{} {
	return d.done
}

// Close asks the provider to flush and close, then closes the socket
func (d *deepgramConn) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.writeMu.Lock()
		_ = d.ws.SetWriteDeadline(time.Now().Add(time.Second))
		_ = d.ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
		_ = d.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		d.writeMu.Unlock()

		err = d.ws.Close()
		<-d.done
	})
	return err
}
