package gateway

import (
	"context"
	"net"
	"time"

	"github.com/Iron-Ham/branchyard/internal/bridge"
	"github.com/Iron-Ham/branchyard/internal/logging"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// Server exposes a Gateway over HTTP:
//
//	GET /sessions         live sessions as JSON
//	GET /sessions/:id/ws  websocket stream of one session
type Server struct {
	app    *fiber.App
	gw     *Gateway
	logger *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// SessionList is the body of GET /sessions.
type SessionList struct {
	Sessions []bridge.Info `json:"sessions"`
}

// NewServer creates the HTTP server for gw.
func NewServer(gw *Gateway, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.NopLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		app: fiber.New(fiber.Config{
			AppName:               "branchyard",
			DisableStartupMessage: true,
		}),
		gw:     gw,
		logger: logger.WithComponent("gateway-http"),
		ctx:    ctx,
		cancel: cancel,
	}

	s.app.Use(s.logRequests)
	s.app.Get("/sessions", s.listSessions)
	s.app.Use("/sessions/:id/ws", requireUpgrade)
	s.app.Get("/sessions/:id/ws", websocket.New(s.stream))
	return s
}

// App returns the underlying fiber app.
func (s *Server) App() *fiber.App { return s.app }

// Listen serves on addr until Shutdown.
func (s *Server) Listen(addr string) error {
	s.logger.Info("gateway listening", "addr", addr)
	return s.app.Listen(addr)
}

// Serve serves on an existing listener until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("gateway listening", "addr", ln.Addr().String())
	return s.app.Listener(ln)
}

// Shutdown detaches every remote consumer and stops the server. Sessions
// keep running.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) listSessions(c *fiber.Ctx) error {
	infos := s.gw.Directory().Infos()
	if infos == nil {
		infos = []bridge.Info{}
	}
	return c.JSON(SessionList{Sessions: infos})
}

func requireUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

func (s *Server) stream(conn *websocket.Conn) {
	id := conn.Params("id")
	if err := s.gw.Serve(s.ctx, conn, id); err != nil {
		s.logger.Debug("stream refused", "session_id", id, "error", err)
	}
}

func (s *Server) logRequests(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	s.logger.Debug("request",
		"method", c.Method(),
		"path", c.Path(),
		"status", c.Response().StatusCode(),
		"duration", time.Since(start).String(),
	)
	return err
}
