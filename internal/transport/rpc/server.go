// Package rpc exposes a JSON-RPC endpoint for pushing server-originated
// events to live voice sessions.
package rpc

import (
	"context"
	"errors"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/leviwheeling/ResearchSync/internal/hub"
)

// ServiceName is the name the handler is registered under.
const ServiceName = "Sessions"

// Server accepts JSON-RPC connections over TCP.
type Server struct {
	rpcServer *rpc.Server
	logger    *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	done     chan struct{}
}

// NewServer creates a new RPC server backed by h.
func NewServer(h *hub.Hub, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("rpc")
	rpcServer := rpc.NewServer()
	if err := rpcServer.RegisterName(ServiceName, &Handler{hub: h, logger: logger}); err != nil {
		return nil, err
	}

	return &Server{
		rpcServer: rpcServer,
		logger:    logger,
		done:      make(chan struct{}),
	}, nil
}

// Start listens on addr and serves connections until Shutdown.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until it is closed.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				close(s.done)
				return nil
			}
			s.logger.Warn("accept failed", zap.Error(err))
			continue
		}

		go s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// Shutdown stops accepting new RPC connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return nil
	}

	if err := ln.Close(); err != nil {
		return err
	}

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler implements the RPC methods.
type Handler struct {
	hub    *hub.Hub
	logger *zap.Logger
}

// PushRequest carries one event for one session.
type PushRequest struct {
	SessionID string         `json:"session_id"`
	Event     map[string]any `json:"event"`
}

// PushResponse reports whether the event reached a live socket.
type PushResponse struct {
	OK        bool `json:"ok"`
	Delivered bool `json:"delivered"`
}

// Push forwards an event to a WebSocket client. An unknown or closed
// session is not an error; Delivered is false.
func (h *Handler) Push(req *PushRequest, resp *PushResponse) error {
	if req == nil {
		return errors.New("push request is required")
	}
	if req.SessionID == "" {
		return errors.New("session_id is required")
	}
	if req.Event == nil {
		return errors.New("event is required")
	}
	if typ, _ := req.Event["type"].(string); typ == "" {
		return errors.New("event.type is required")
	}

	if _, ok := req.Event["ts"]; !ok {
		req.Event["ts"] = time.Now().UnixMilli()
	}

	delivered := true
	err := h.hub.SendJSON(req.SessionID, req.Event)
	switch {
	case errors.Is(err, hub.ErrSessionNotFound), errors.Is(err, hub.ErrClosed):
		delivered = false
	case err != nil:
		return err
	}

	h.logger.Info("event pushed",
		zap.String("session_id", req.SessionID),
		zap.Any("type", req.Event["type"]),
		zap.Bool("delivered", delivered))

	resp.OK = true
	resp.Delivered = delivered
	return nil
}

// ListRequest is the (empty) argument of List.
type ListRequest struct{}

// ListResponse lists the live sessions.
type ListResponse struct {
	Sessions []hub.SessionInfo `json:"sessions"`
}

// List returns a snapshot of the live sessions.
func (h *Handler) List(req *ListRequest, resp *ListResponse) error {
	resp.Sessions = h.hub.Snapshot()
	return nil
}
