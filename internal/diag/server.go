package diag

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/camerarecorder/multicam-hal/internal/config"
	"github.com/camerarecorder/multicam-hal/internal/logging"
)

// Server exposes a read-only HTTP+WebSocket diagnostics surface: bearer-
// token-authenticated session/pipeline snapshots plus a one-way tee of the
// live notify/result stream. It never accepts a capture request and can be
// disabled entirely via config.DiagConfig.Enabled.
type Server struct {
	cfg       config.DiagConfig
	logger    *logging.Logger
	validator *TokenValidator
	hub       *Hub

	upgrader   websocket.Upgrader
	httpServer *http.Server
	wg         sync.WaitGroup
	running    int32
}

// NewServer builds the diagnostics server. When cfg.Enabled is false the
// returned Server is inert: Start is a no-op so callers can construct and
// wire it unconditionally.
func NewServer(cfg config.DiagConfig, hub *Hub, logger *logging.Logger) (*Server, error) {
	if logger == nil {
		logger = logging.GetLogger("diag-server")
	}
	if hub == nil {
		hub = NewHub(logger)
	}

	s := &Server{cfg: cfg, logger: logger, hub: hub}

	if !cfg.Enabled {
		return s, nil
	}

	validator, err := NewTokenValidator(cfg.JWTSecret, logger)
	if err != nil {
		return nil, err
	}
	s.validator = validator
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	return s, nil
}

// Hub returns the underlying Hub so callers can register status providers
// and feed it the live notify/result stream.
func (s *Server) Hub() *Hub { return s.hub }

// Start begins serving HTTP in the background. A no-op when the surface is
// disabled.
func (s *Server) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return fmt.Errorf("diag: server already running")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/sessions", s.validator.requireBearer(s.handleSessions))
	mux.HandleFunc("/pipelines", s.validator.requireBearer(s.handlePipelines))
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.httpServer = &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: mux,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("diagnostics server failed")
		}
	}()

	s.logger.WithField("listen_addr", s.cfg.ListenAddr).Info("diagnostics server started")
	return nil
}

// Stop gracefully shuts the server down. A no-op when the surface is
// disabled or was never started.
func (s *Server) Stop() error {
	if !s.cfg.Enabled || atomic.LoadInt32(&s.running) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.httpServer.Shutdown(ctx)
	s.wg.Wait()
	atomic.StoreInt32(&s.running, 0)
	return err
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.hub.sessionSnapshot()); err != nil {
		s.logger.WithError(err).Error("failed to encode session snapshot")
	}
}

func (s *Server) handlePipelines(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.hub.pipelineSnapshot()); err != nil {
		s.logger.WithError(err).Error("failed to encode pipeline snapshot")
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if err := s.validator.Validate(bearerToken(r)); err != nil {
		s.logger.WithError(err).Warn("rejected unauthenticated diagnostics websocket")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Error("failed to upgrade diagnostics websocket")
		return
	}

	client := s.hub.addClient(conn)
	s.wg.Add(2)
	go s.writeLoop(client)
	go s.readLoop(client)
}

// readLoop's only job is to drive the pong handler and notice the client
// going away; the tee is one-way, so any inbound payload is discarded.
func (s *Server) readLoop(c *wsClient) {
	defer s.wg.Done()
	defer s.disconnect(c)

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writeLoop(c *wsClient) {
	defer s.wg.Done()
	defer s.disconnect(c)
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case env, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteJSON(env); err != nil {
				s.logger.WithField("client_id", c.id).WithError(err).Debug("diagnostics websocket write failed")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (s *Server) disconnect(c *wsClient) {
	s.hub.removeClient(c)
	_ = c.conn.Close()
}
