package server

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ameerhamza-spec/voxionAIBot/internal/protocol"
	"github.com/ameerhamza-spec/voxionAIBot/internal/stream"
)

var errTransportClosed = errors.New("media connection closed")

// MediaServerConfig contains media websocket settings
type MediaServerConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
	MaxMessageBytes int64
	WriteTimeout    time.Duration
}

// MediaServer accepts telephony media-stream websockets and routes their
// events to call sessions
type MediaServer struct {
	config   MediaServerConfig
	upgrader websocket.Upgrader
	registry *stream.Registry
	logger   *slog.Logger

	conns map[string]*websocket.Conn
	mu    sync.Mutex
	wg    sync.WaitGroup

	// Statistics
	connectionsAccepted atomic.Uint64
	messagesReceived    atomic.Uint64
	parseErrors         atomic.Uint64
	orphanFrames        atomic.Uint64
}

// MediaStatistics holds media server statistics
type MediaStatistics struct {
	ConnectionsAccepted uint64 `json:"connections_accepted"`
	OpenConnections     int    `json:"open_connections"`
	MessagesReceived    uint64 `json:"messages_received"`
	ParseErrors         uint64 `json:"parse_errors"`
	OrphanFrames        uint64 `json:"orphan_frames"`
	ActiveCalls         int    `json:"active_calls"`
}

// NewMediaServer creates a media websocket handler
func NewMediaServer(cfg MediaServerConfig, registry *stream.Registry, logger *slog.Logger) *MediaServer {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}

	return &MediaServer{
		config: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		registry: registry,
		logger:   logger,
		conns:    make(map[string]*websocket.Conn),
	}
}

// ServeHTTP upgrades the request and runs the connection's read loop until
// the stream stops or the socket closes
func (m *MediaServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("Media websocket upgrade failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}

	connID := uuid.NewString()
	m.track(connID, conn)
	defer m.untrack(connID)

	m.connectionsAccepted.Add(1)
	logger := m.logger.With(slog.String("conn_id", connID))
	logger.Info("Media connection opened", slog.String("remote_addr", r.RemoteAddr))

	if m.config.MaxMessageBytes > 0 {
		conn.SetReadLimit(m.config.MaxMessageBytes)
	}

	transport := &connTransport{conn: conn, writeTimeout: m.config.WriteTimeout}
	defer func() {
		m.registry.Destroy(connID)
		transport.close()
		logger.Info("Media connection closed")
	}()

	m.readLoop(connID, transport, logger)
}

func (m *MediaServer) readLoop(connID string, transport *connTransport, logger *slog.Logger) {
	var session *stream.Session

	for {
		messageType, data, err := transport.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("Media connection read failed", slog.String("error", err.Error()))
			}
			return
		}
		m.messagesReceived.Add(1)

		switch messageType {
		case websocket.BinaryMessage:
			if session == nil {
				m.orphanFrames.Add(1)
				continue
			}
			session.HandleBinary(data)

		case websocket.TextMessage:
			env, err := protocol.ParseEnvelope(data)
			if err != nil {
				m.parseErrors.Add(1)
				logger.Debug("Ignoring invalid envelope", slog.String("error", err.Error()))
				continue
			}
			if stop := m.handleEnvelope(connID, env, transport, &session, logger); stop {
				return
			}
		}
	}
}

// handleEnvelope dispatches one control or media envelope. It reports
// whether the stream has ended.
func (m *MediaServer) handleEnvelope(connID string, env *protocol.Envelope, transport *connTransport,
	session **stream.Session, logger *slog.Logger) bool {
	switch env.Event {
	case protocol.EventConnected:
		logger.Debug("Media stream connected", slog.String("protocol", env.Protocol))

	case protocol.EventStart:
		s, created := m.registry.Create(connID, stream.SessionParams{
			StreamSid:        env.StreamID(),
			CallSid:          env.CallID(),
			CustomParameters: env.Start.CustomParameters,
			Transport:        transport,
		})
		if created {
			logger.Info("Media stream started",
				slog.String("stream_sid", env.StreamID()),
				slog.String("encoding", env.Start.MediaFormat.Encoding),
				slog.Int("sample_rate", env.Start.MediaFormat.SampleRate))
		}
		*session = s

	case protocol.EventMedia:
		if *session == nil {
			m.orphanFrames.Add(1)
			return false
		}
		if !env.IsInbound() {
			return false
		}
		payload, err := env.DecodeMedia()
		if err != nil {
			(*session).HandleInvalidFrame(err)
			return false
		}
		(*session).HandleAudio(payload)

	case protocol.EventMark:
		if *session != nil {
			(*session).HandleMark(env.Mark.Name)
		}

	case protocol.EventStop:
		logger.Info("Media stream stopped", slog.String("stream_sid", env.StreamID()))
		return true

	default:
		logger.Debug("Ignoring envelope", slog.String("event", env.Event))
	}
	return false
}

func (m *MediaServer) track(connID string, conn *websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[connID] = conn
	m.wg.Add(1)
}

func (m *MediaServer) untrack(connID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conns[connID]; ok {
		delete(m.conns, connID)
		m.wg.Done()
	}
}

// Close closes every open media connection and waits for their read loops
func (m *MediaServer) Close() error {
	m.logger.Info("Stopping media server...")

	m.mu.Lock()
	for _, conn := range m.conns {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
		_ = conn.Close()
	}
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("Media server stopped", slog.Uint64("connections_accepted", m.connectionsAccepted.Load()))
	return nil
}

// GetStatistics returns current media server statistics
func (m *MediaServer) GetStatistics() MediaStatistics {
	m.mu.Lock()
	open := len(m.conns)
	m.mu.Unlock()

	return MediaStatistics{
		ConnectionsAccepted: m.connectionsAccepted.Load(),
		OpenConnections:     open,
		MessagesReceived:    m.messagesReceived.Load(),
		ParseErrors:         m.parseErrors.Load(),
		OrphanFrames:        m.orphanFrames.Load(),
		ActiveCalls:         m.registry.Count(),
	}
}

// connTransport serializes outbound writes on one websocket
type connTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

func (t *connTransport) Send(msg []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return errTransportClosed
	}
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, msg)
}

func (t *connTransport) close() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}
	t.closed = true
	_ = t.conn.Close()
}
