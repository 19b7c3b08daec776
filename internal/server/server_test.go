package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ameerhamza-spec/voxionAIBot/internal/config"
	"github.com/ameerhamza-spec/voxionAIBot/internal/generation"
	"github.com/ameerhamza-spec/voxionAIBot/internal/metrics"
	"github.com/ameerhamza-spec/voxionAIBot/internal/protocol"
	"github.com/ameerhamza-spec/voxionAIBot/internal/stream"
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

type staticGenerator struct{ reply string }

func (g staticGenerator) Generate(ctx context.Context, messages []generation.Message) (string, error) {
	return g.reply, nil
}

type staticSynthesizer struct{ audio []byte }

func (s staticSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return s.audio, nil
}

type nopConn struct {
	done chan struct{}
	once sync.Once
}

func (c *nopConn) Send(ctx context.Context, frame []byte) error { return nil }
func (c *nopConn) Done() <-chan struct{}                        { return c.done }
func (c *nopConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// captureProvider keeps the latest event handler so tests can inject transcripts
type captureProvider struct {
	mu      sync.Mutex
	onEvent func(transcription.Event)
}

func (p *captureProvider) Connect(ctx context.Context, onEvent func(transcription.Event)) (transcription.Conn, error) {
	p.mu.Lock()
	p.onEvent = onEvent
	p.mu.Unlock()
	return &nopConn{done: make(chan struct{})}, nil
}

func (p *captureProvider) handler() func(transcription.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onEvent
}

type testServer struct {
	http     *HTTPServer
	media    *MediaServer
	registry *stream.Registry
	provider *captureProvider
	srv      *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	cfg := config.Default()
	logger := testLogger()
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg, "test")
	provider := &captureProvider{}

	registry, err := stream.NewRegistry(stream.Config{
		Bridge:         transcription.BridgeConfig{KeepaliveInterval: time.Hour},
		ConnectTimeout: time.Second,
	}, stream.Dependencies{
		Transcription: provider,
		Generator:     staticGenerator{reply: "Sure, I can help with that."},
		Synthesizer:   staticSynthesizer{audio: []byte{0xff, 0xfe, 0xfd, 0xfc}},
		Metrics:       m,
		Logger:        logger,
	})
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	media := NewMediaServer(MediaServerConfig{MaxMessageBytes: 1 << 16}, registry, logger)
	h := NewHTTPServer(cfg, logger, registry, media, m, reg)
	srv := httptest.NewServer(h.Handler())

	t.Cleanup(func() {
		media.Close()
		srv.Close()
		_ = registry.Shutdown(context.Background())
	})

	return &testServer{http: h, media: media, registry: registry, provider: provider, srv: srv}
}

func (s *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/media"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial media websocket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}
}

func startEnvelope(streamSid string) map[string]any {
	return map[string]any{
		"event":     "start",
		"streamSid": streamSid,
		"start": map[string]any{
			"streamSid":   streamSid,
			"callSid":     "CA123",
			"tracks":      []string{"inbound"},
			"mediaFormat": map[string]any{"encoding": "audio/x-mulaw", "sampleRate": 8000, "channels": 1},
		},
	}
}

func mediaEnvelope(streamSid string, audio []byte) map[string]any {
	return map[string]any{
		"event":     "media",
		"streamSid": streamSid,
		"media":     map[string]any{"track": "inbound", "payload": base64.StdEncoding.EncodeToString(audio)},
	}
}

func TestMediaServerCallLifecycle(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)

	sendJSON(t, conn, map[string]any{"event": "connected", "protocol": "Call", "version": "1.0.0"})
	sendJSON(t, conn, startEnvelope("MZ1"))

	if !waitFor(t, 2*time.Second, func() bool { return ts.registry.Count() == 1 }) {
		t.Fatal("Expected a session after start")
	}
	session := ts.registry.List()[0]
	if session.StreamSid != "MZ1" || session.CallSid != "CA123" {
		t.Errorf("Expected MZ1/CA123, got %s/%s", session.StreamSid, session.CallSid)
	}

	sendJSON(t, conn, mediaEnvelope("MZ1", []byte{0xff, 0xff, 0xff, 0xff}))
	sendJSON(t, conn, map[string]any{"event": "media", "streamSid": "MZ1", "media": map[string]any{"payload": "!!not base64"}})
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0x7f, 0x7f}); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	if !waitFor(t, 2*time.Second, func() bool { return session.GetSessionInfo().FramesIn == 3 }) {
		t.Fatalf("Expected 3 frames, got %d", session.GetSessionInfo().FramesIn)
	}
	if session.GetSessionInfo().FramesBad != 1 {
		t.Errorf("Expected 1 bad frame, got %d", session.GetSessionInfo().FramesBad)
	}

	sendJSON(t, conn, map[string]any{"event": "stop", "streamSid": "MZ1", "stop": map[string]any{"callSid": "CA123"}})
	if !waitFor(t, 2*time.Second, func() bool { return ts.registry.Count() == 0 }) {
		t.Error("Expected session destroyed after stop")
	}
}

func TestMediaServerSendsReply(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)

	sendJSON(t, conn, startEnvelope("MZ2"))
	if !waitFor(t, 2*time.Second, func() bool { return ts.provider.handler() != nil }) {
		t.Fatal("Transcription never connected")
	}

	ts.provider.handler()(transcription.Event{Text: "book a room for tonight", Final: true})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var events []*protocol.Envelope
	for len(events) < 2 {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("Failed to read outbound envelope: %v", err)
		}
		env, err := protocol.ParseEnvelope(data)
		if err != nil {
			t.Fatalf("Invalid outbound envelope: %v", err)
		}
		events = append(events, env)
	}

	if events[0].Event != protocol.EventMedia || events[0].StreamSid != "MZ2" {
		t.Errorf("Expected media for MZ2 first, got %s", events[0])
	}
	payload, err := events[0].DecodeMedia()
	if err != nil || len(payload) != 4 {
		t.Errorf("Expected 4 bytes of audio, got %d (%v)", len(payload), err)
	}
	if events[1].Event != protocol.EventMark || events[1].Mark.Name != protocol.PlaybackCompletedMark {
		t.Errorf("Expected playback mark second, got %s", events[1])
	}
}

func TestMediaServerDisconnectDestroysSession(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)

	sendJSON(t, conn, startEnvelope("MZ3"))
	if !waitFor(t, 2*time.Second, func() bool { return ts.registry.Count() == 1 }) {
		t.Fatal("Expected a session after start")
	}

	conn.Close()
	if !waitFor(t, 2*time.Second, func() bool { return ts.registry.Count() == 0 }) {
		t.Error("Expected session destroyed after disconnect")
	}
}

func TestMediaServerInvalidEnvelopes(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	sendJSON(t, conn, map[string]any{"event": "start"})
	sendJSON(t, conn, mediaEnvelope("MZ4", []byte{0xff}))

	if !waitFor(t, 2*time.Second, func() bool {
		stats := ts.media.GetStatistics()
		return stats.ParseErrors == 2 && stats.OrphanFrames == 1
	}) {
		t.Errorf("Expected 2 parse errors and 1 orphan frame, got %+v", ts.media.GetStatistics())
	}
	if ts.registry.Count() != 0 {
		t.Errorf("Expected no sessions, got %d", ts.registry.Count())
	}
}

func TestHTTPEndpoints(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name        string
		method      string
		path        string
		status      int
		contentType string
		contains    string
	}{
		{"health", http.MethodGet, "/health", http.StatusOK, "application/json", `"status":"healthy"`},
		{"calls", http.MethodGet, "/calls", http.StatusOK, "application/json", `"total_calls":0`},
		{"unknown call", http.MethodGet, "/calls/missing", http.StatusNotFound, "", "Call not found"},
		{"delete unknown call", http.MethodDelete, "/calls/missing", http.StatusNotFound, "", "Call not found"},
		{"stats", http.MethodGet, "/stats", http.StatusOK, "application/json", `"active_sessions":0`},
		{"twiml", http.MethodPost, "/twiml", http.StatusOK, "text/xml", "<Stream url=\"ws://"},
		{"root", http.MethodGet, "/", http.StatusOK, "application/json", "Voxion Voice Bot"},
		{"not found", http.MethodGet, "/nope", http.StatusNotFound, "", ""},
		{"method not allowed", http.MethodPost, "/health", http.StatusMethodNotAllowed, "", ""},
		{"metrics", http.MethodGet, "/metrics", http.StatusOK, "", "test_http_requests_total"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, ts.srv.URL+tt.path, nil)
			if err != nil {
				t.Fatalf("NewRequest failed: %v", err)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("Request failed: %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.status {
				t.Errorf("Expected status %d, got %d", tt.status, resp.StatusCode)
			}
			if tt.contentType != "" && !strings.HasPrefix(resp.Header.Get("Content-Type"), tt.contentType) {
				t.Errorf("Expected content type %s, got %s", tt.contentType, resp.Header.Get("Content-Type"))
			}

			var body strings.Builder
			buf := make([]byte, 4096)
			for {
				n, err := resp.Body.Read(buf)
				body.Write(buf[:n])
				if err != nil {
					break
				}
			}
			if tt.contains != "" && !strings.Contains(body.String(), tt.contains) {
				t.Errorf("Expected body to contain %q, got %s", tt.contains, body.String())
			}
		})
	}
}

func TestHTTPCallDetailAndDelete(t *testing.T) {
	ts := newTestServer(t)
	conn := ts.dial(t)

	sendJSON(t, conn, startEnvelope("MZ5"))
	if !waitFor(t, 2*time.Second, func() bool { return ts.registry.Count() == 1 }) {
		t.Fatal("Expected a session after start")
	}
	connID := ts.registry.List()[0].ConnID

	resp, err := http.Get(ts.srv.URL + "/calls/" + connID)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	var info stream.SessionInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatalf("Failed to decode call info: %v", err)
	}
	resp.Body.Close()
	if info.ConnID != connID || info.StreamSid != "MZ5" {
		t.Errorf("Expected call %s for MZ5, got %+v", connID, info)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.srv.URL+"/calls/"+connID, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("Expected 204, got %d", resp.StatusCode)
	}
	if ts.registry.Count() != 0 {
		t.Errorf("Expected call removed, got %d", ts.registry.Count())
	}
}

func TestHTTPTwiMLUsesPublicURL(t *testing.T) {
	ts := newTestServer(t)
	ts.http.config.Server.PublicURL = "wss://voice.example.com/media"

	resp, err := http.PostForm(ts.srv.URL+"/twiml", map[string][]string{"CallSid": {"CA999"}})
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, 4096)
	n, _ := resp.Body.Read(buf)
	body := string(buf[:n])
	if !strings.Contains(body, `url="wss://voice.example.com/media"`) {
		t.Errorf("Expected public url in document, got %s", body)
	}
	if !strings.Contains(body, `name="callsid" value="CA999"`) {
		t.Errorf("Expected call sid parameter, got %s", body)
	}
}
