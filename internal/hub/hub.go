// Package hub owns the live WebSocket sessions: their connections and the
// per-session audio and turn state.
package hub

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/leviwheeling/ResearchSync/internal/logging"
	"github.com/leviwheeling/ResearchSync/internal/metrics"
)

// ErrSessionNotFound is returned for an id that is not registered.
var ErrSessionNotFound = errors.New("session not found")

// SessionInfo is a point-in-time view of a session.
type SessionInfo struct {
	ID              string    `json:"session_id"`
	State           string    `json:"state"`
	ConversationKey string    `json:"conversation_key"`
	BufferedBytes   int       `json:"buffered_bytes"`
	ConnectedAt     time.Time `json:"connected_at"`
}

// Hub is the registry of sessions. It is the only place sessions are
// created and destroyed.
type Hub struct {
	opts    SessionOptions
	metrics *metrics.Metrics
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewHub creates a new Hub.
func NewHub(opts SessionOptions, m *metrics.Metrics, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		opts:     opts,
		metrics:  m,
		logger:   logger.Named("hub"),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}
}

// Register creates a session for conn under a fresh id.
func (h *Hub) Register(conn *Connection) *Session {
	h.mu.Lock()
	id := "sess_" + uuid.NewString()
	for h.sessions[id] != nil {
		id = "sess_" + uuid.NewString()
	}
	s := newSession(h.ctx, id, conn, h.opts, &h.wg, logging.Session(h.logger, id))
	h.sessions[id] = s
	count := len(h.sessions)
	h.mu.Unlock()

	h.metrics.SessionOpened()
	h.logger.Info("session registered", zap.String("session_id", id), zap.Int("sessions", count))
	return s
}

// Unregister removes the session, cancels its context and closes its
// connection. It reports whether the id was registered.
func (h *Hub) Unregister(id string) bool {
	h.mu.Lock()
	s, ok := h.sessions[id]
	if ok {
		delete(h.sessions, id)
	}
	count := len(h.sessions)
	h.mu.Unlock()

	if !ok {
		return false
	}
	s.cancel()
	s.Conn.Close()
	s.releaseConversation()
	h.metrics.SessionClosed()
	h.logger.Info("session unregistered", zap.String("session_id", id), zap.Int("sessions", count))
	return true
}

// Get returns the session with the given id.
func (h *Hub) Get(id string) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[id]
	return s, ok
}

// Count returns the number of registered sessions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// IDs returns the registered session ids in sorted order.
func (h *Hub) IDs() []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Snapshot describes every registered session, sorted by id.
func (h *Hub) Snapshot() []SessionInfo {
	h.mu.RLock()
	list := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		list = append(list, s)
	}
	h.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		infos = append(infos, SessionInfo{
			ID:              s.ID,
			State:           s.Turn.State().String(),
			ConversationKey: s.Conversation().Key(),
			BufferedBytes:   s.Buffer.Len(),
			ConnectedAt:     s.ConnectedAt,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// SendJSON pushes a server-originated envelope to one session.
func (h *Hub) SendJSON(id string, v any) error {
	s, ok := h.Get(id)
	if !ok {
		return ErrSessionNotFound
	}
	return s.Conn.SendJSON(v)
}

// CloseAll unregisters every session.
func (h *Hub) CloseAll() {
	for _, id := range h.IDs() {
		h.Unregister(id)
	}
	h.cancel()
}

// Wait blocks until every goroutine started with Session.Go has returned or
// ctx ends.
func (h *Hub) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
