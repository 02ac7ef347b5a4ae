package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/ksuid"

	"github.com/mlukyanov/tradecore/internal/bus"
	"github.com/mlukyanov/tradecore/internal/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Auth is token-based; browser origin carries no trust here.
		return true
	},
}

// Server terminates WebSocket connections for the fan-out layer.
type Server struct {
	cfg        Config
	bus        Bus
	verifier   TokenVerifier
	hub        *Hub
	httpServer *http.Server
	recorder   *metrics.Recorder
	logger     *slog.Logger
}

// NewServer wires the gateway endpoint. The bus carries presence, limits and
// broadcasts; the verifier guards the door.
func NewServer(cfg Config, b Bus, verifier TokenVerifier, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()

	s := &Server{
		cfg:      cfg,
		bus:      b,
		verifier: verifier,
		hub:      NewHub(logger),
		recorder: metrics.NewRecorder(),
		logger:   logger.With("component", "gateway"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

// Hub exposes the local socket registry.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the HTTP handler serving /ws.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins accepting connections. It does not block.
func (s *Server) Start() error {
	s.logger.Info("starting gateway server",
		"addr", s.httpServer.Addr,
		"instance_id", s.cfg.InstanceID)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("gateway server error", "err", err)
		}
	}()

	return nil
}

// Run consumes the bus broadcast stream and fans it out to local sockets.
// It blocks until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	broadcasts, err := s.bus.Broadcasts(ctx)
	if err != nil {
		return fmt.Errorf("subscribe broadcast stream: %w", err)
	}
	s.hub.Run(ctx, broadcasts)
	return nil
}

// Shutdown drops the listener and every open socket. Graceful HTTP shutdown
// is no use here: hijacked WebSocket connections only unblock on Close.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down gateway server",
		"connections", s.hub.ConnectionCount())
	return s.httpServer.Close()
}

// handleWS runs the full lifecycle of one connection. It blocks until the
// socket dies so the request context stays live for the pumps.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	ctx := r.Context()
	ip := clientIP(r)

	allowed, err := s.bus.AllowConnection(ctx, ip, s.cfg.MaxConnectionsPerIP)
	if err != nil {
		s.logger.Error("connection rate check failed", "err", err)
		closeRaw(conn, websocket.CloseInternalServerErr, "")
		return
	}
	if !allowed {
		s.logger.Warn("connection limit exceeded", "ip", ip)
		closeRaw(conn, CloseRateLimited, "connection limit exceeded")
		return
	}

	token := r.URL.Query().Get("token")
	fingerprint := r.URL.Query().Get("fingerprint")
	if token == "" {
		closeRaw(conn, CloseUnauthorized, "missing token")
		return
	}
	claims, err := s.verifier.VerifyToken(ctx, token, fingerprint)
	if err != nil {
		s.logger.Warn("connection rejected", "ip", ip, "err", err)
		closeRaw(conn, CloseUnauthorized, "unauthorized")
		return
	}

	now := time.Now().UTC()
	connectionID := ksuid.New().String()
	meta := bus.ConnectionMeta{
		UserID:        claims.Subject,
		SessionID:     claims.ID,
		ConnectionID:  connectionID,
		ConnectedAt:   now,
		LastHeartbeat: now,
		InstanceID:    s.cfg.InstanceID,
	}
	if err := s.bus.RegisterConnection(ctx, meta); err != nil {
		s.logger.Error("presence registration failed", "err", err)
		closeRaw(conn, websocket.CloseInternalServerErr, "")
		return
	}

	client := &Client{
		id:          connectionID,
		userID:      claims.Subject,
		sessionID:   claims.ID,
		token:       token,
		fingerprint: fingerprint,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
		cfg:         s.cfg,
		bus:         s.bus,
		verifier:    s.verifier,
		recorder:    s.recorder,
		logger: s.logger.With(
			"connection_id", connectionID,
			"user_id", claims.Subject,
		),
	}

	s.hub.Attach(client)
	s.recorder.RecordWSConnected()
	s.logger.Info("connection established",
		"connection_id", connectionID,
		"user_id", claims.Subject,
		"ip", ip)

	client.run(ctx)

	s.hub.Detach(client)
	if err := s.bus.DeregisterConnection(context.WithoutCancel(ctx), connectionID); err != nil {
		s.logger.Warn("presence cleanup failed",
			"connection_id", connectionID,
			"err", err)
	}
	s.recorder.RecordWSDisconnected()
	s.logger.Info("connection closed",
		"connection_id", connectionID,
		"user_id", claims.Subject)
}

// closeRaw closes a connection that never became a Client.
func closeRaw(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	frame := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, frame, deadline)
	_ = conn.Close()
}

// clientIP resolves the peer address, honouring the first hop of
// X-Forwarded-For when a proxy sits in front.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
