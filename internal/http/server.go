// Package http provides the gateway's HTTP surfaces: the internal
// operations server and the synchronous chat endpoints.
package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/leviwheeling/ResearchSync/internal/conversation"
	"github.com/leviwheeling/ResearchSync/internal/hub"
)

// TurnLog reads persisted conversation turns.
type TurnLog interface {
	Turns(ctx context.Context, key string, limit int) ([]conversation.Turn, error)
}

// Server is the internal HTTP server.
type Server struct {
	echo   *echo.Echo
	hub    *hub.Hub
	turns  TurnLog
	logger *zap.Logger
}

// NewServer creates a new internal HTTP server. turns and gatherer may be nil.
func NewServer(h *hub.Hub, turns TurnLog, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	s := &Server{
		echo:   e,
		hub:    h,
		turns:  turns,
		logger: logger.Named("internal_http"),
	}

	// Register routes
	e.GET("/health", s.handleHealth)
	if gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	e.GET("/internal/sessions", s.handleSessions)
	e.POST("/internal/send", s.handleInternalSend)
	e.GET("/internal/conversations/:key/turns", s.handleConversationTurns)

	return s
}

// Echo exposes the router for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":   "healthy",
		"sessions": s.hub.Count(),
	})
}

func (s *Server) handleSessions(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"sessions": s.hub.Snapshot(),
	})
}

// SendRequest represents the request body for POST /internal/send.
type SendRequest struct {
	SessionID string         `json:"session_id"`
	Event     map[string]any `json:"event"`
}

// SendResponse represents the response for POST /internal/send.
type SendResponse struct {
	OK        bool `json:"ok"`
	Delivered bool `json:"delivered"`
}

// handleInternalSend pushes a server-originated envelope to a live session.
func (s *Server) handleInternalSend(c echo.Context) error {
	var req SendRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	if req.SessionID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "session_id is required"})
	}

	if req.Event == nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "event is required"})
	}
	if typ, _ := req.Event["type"].(string); typ == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "event.type is required"})
	}

	// Add timestamp if not present
	if _, ok := req.Event["ts"]; !ok {
		req.Event["ts"] = time.Now().UnixMilli()
	}

	err := s.hub.SendJSON(req.SessionID, req.Event)
	switch {
	case errors.Is(err, hub.ErrSessionNotFound), errors.Is(err, hub.ErrClosed):
		return c.JSON(http.StatusOK, SendResponse{OK: true, Delivered: false})
	case err != nil:
		s.logger.Error("failed to send event", zap.String("session_id", req.SessionID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to send event"})
	}

	s.logger.Info("event sent", zap.String("session_id", req.SessionID), zap.Any("type", req.Event["type"]))
	return c.JSON(http.StatusOK, SendResponse{OK: true, Delivered: true})
}

func (s *Server) handleConversationTurns(c echo.Context) error {
	if s.turns == nil {
		return c.JSON(http.StatusNotImplemented, map[string]string{"error": "turn log is not configured"})
	}
	limit := 100
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
		}
		limit = n
	}

	key := c.Param("key")
	turns, err := s.turns.Turns(c.Request().Context(), key, limit)
	if err != nil {
		s.logger.Error("failed to read turns", zap.String("conversation_key", key), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to read turns"})
	}
	if turns == nil {
		turns = []conversation.Turn{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"conversation_key": key,
		"turns":            turns,
	})
}
