// File: internal/server/server.go
// Description: HTTP control surface. REST routes drive sessions; a WebSocket
// route streams their progress events.

package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoqa-cli/api/schemas"
	"github.com/xkilldash9x/autoqa-cli/internal/config"
)

// Constants for WebSocket timeouts and limits.
const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Maximum message size allowed from peer. Clients only send control frames.
	maxMessageSize = 512

	defaultShutdownTimeout = 15 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The server binds to loopback by default; any local origin may watch.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server hosts the control surface.
type Server struct {
	cfg      config.ServerConfig
	logger   *zap.Logger
	svc      Controller
	handlers *Handlers

	// closing is closed when shutdown begins so open streams end.
	closing   chan struct{}
	closeOnce sync.Once
	streams   sync.WaitGroup
}

// New creates a server around svc.
func New(cfg config.ServerConfig, svc Controller, logger *zap.Logger) *Server {
	return &Server{
		cfg:      cfg,
		logger:   logger.Named("server"),
		svc:      svc,
		handlers: NewHandlers(logger, svc),
		closing:  make(chan struct{}),
	}
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// WebSocket routes sit outside the timeout and logging middleware.
	r.Get("/ws/v1/events", s.handleEventStream())
	r.Get("/ws/v1/sessions/{sessionID}/events", s.handleEventStream())

	r.Group(func(r chi.Router) {
		r.Use(middleware.Logger)
		r.Use(middleware.Timeout(60 * time.Second))
		s.handlers.RegisterRoutes(r)
	})
	return r
}

// Serve accepts connections on ln until ctx is canceled, then shuts down
// gracefully within the configured timeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Control server listening.", zap.String("address", ln.Addr().String()))
		errCh <- httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.logger.Info("Shutting down control server.")
	s.close()
	err := httpServer.Shutdown(shutdownCtx)
	<-errCh
	s.streams.Wait()
	if err != nil {
		return err
	}
	s.logger.Info("Control server stopped.")
	return nil
}

// ListenAndServe listens on the configured address and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) close() {
	s.closeOnce.Do(func() { close(s.closing) })
}

// -- Event Stream --

// handleEventStream upgrades the connection and relays events for one
// session, or for every session when no id is in the path.
func (s *Server) handleEventStream() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "sessionID")

		// Subscribe before reading the snapshot so no event falls in between.
		events, unsubscribe := s.svc.Subscribe(id)
		defer unsubscribe()

		// An unknown session is rejected before the upgrade.
		var initial *WSMessage
		if id != "" {
			sess, err := s.svc.GetStatus(r.Context(), id)
			if err != nil {
				s.handlers.respondWithServiceError(w, err)
				return
			}
			msg := newMessage(MsgTypeSnapshot)
			msg.Session = &sess
			initial = &msg
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already written an HTTP error.
			s.logger.Warn("Failed to upgrade connection to WebSocket", zap.Error(err))
			return
		}
		s.streams.Add(1)
		defer s.streams.Done()

		client := &wsClient{server: s, conn: conn, done: make(chan struct{})}

		go client.readPump()
		client.writePump(initial, events)
		<-client.done
		s.logger.Debug("Event stream finished.", zap.String("session_id", id), zap.String("remote_addr", r.RemoteAddr))
	}
}

// wsClient is one streaming connection. The write pump is the only writer.
type wsClient struct {
	server *Server
	conn   *websocket.Conn
	// done is closed when the read pump exits.
	done chan struct{}
}

// readPump discards client frames and notices when the peer goes away.
func (c *wsClient) readPump() {
	defer close(c.done)
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.NextReader(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Debug("WebSocket closed unexpectedly", zap.Error(err))
			}
			return
		}
	}
}

// writePump sends the optional snapshot, then every event, with periodic pings.
func (c *wsClient) writePump(initial *WSMessage, events <-chan schemas.Event) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	if initial != nil && !c.write(*initial) {
		return
	}
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				c.closeNormally()
				return
			}
			msg := newMessage(MsgTypeEvent)
			msg.Event = &ev
			if !c.write(msg) {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.server.closing:
			c.closeNormally()
			return
		case <-c.done:
			return
		}
	}
}

func (c *wsClient) write(msg WSMessage) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return false
	}
	if err := c.conn.WriteJSON(msg); err != nil {
		c.server.logger.Debug("Error writing to WebSocket", zap.Error(err))
		return false
	}
	return true
}

func (c *wsClient) closeNormally() {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
