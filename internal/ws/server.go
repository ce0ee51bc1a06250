// Package ws serves the duplex voice protocol: binary microphone audio in,
// turn envelopes and synthesized audio out.
package ws

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/leviwheeling/ResearchSync/internal/audio"
	"github.com/leviwheeling/ResearchSync/internal/config"
	"github.com/leviwheeling/ResearchSync/internal/conversation"
	"github.com/leviwheeling/ResearchSync/internal/hub"
	"github.com/leviwheeling/ResearchSync/internal/metrics"
	"github.com/leviwheeling/ResearchSync/internal/protocol"
	"github.com/leviwheeling/ResearchSync/internal/turn"
	"github.com/leviwheeling/ResearchSync/internal/vad"
)

// Server handles WebSocket connections.
type Server struct {
	cfg       *config.Config
	hub       *hub.Hub
	orch      *turn.Orchestrator
	directory *conversation.Directory
	metrics   *metrics.Metrics
	logger    *zap.Logger
	upgrader  websocket.Upgrader
}

// NewServer creates a new WebSocket server. directory may be nil, in which
// case hello keys are not shared with other sockets or uploads.
func NewServer(cfg *config.Config, h *hub.Hub, orch *turn.Orchestrator, directory *conversation.Directory, m *metrics.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:       cfg,
		hub:       h,
		orch:      orch,
		directory: directory,
		metrics:   m,
		logger:    logger.Named("ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// SessionOptions derives the per-session pipeline settings from cfg.
func SessionOptions(cfg *config.Config) hub.SessionOptions {
	return hub.SessionOptions{
		BufferLimit:         cfg.MaxAudioBytes,
		FrameBytes:          cfg.FrameBytes(),
		FrameSamples:        cfg.FrameSamples(),
		Threshold:           cfg.VADThreshold(),
		WindowFrames:        cfg.VADWindowFrames,
		StartRatio:          cfg.VADStartRatio,
		AudioBytesPerSecond: cfg.AudioBytesPerSecond,
	}
}

// HandleWebSocket upgrades the request and serves the session until the
// client disconnects.
func (s *Server) HandleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("failed to upgrade WebSocket", zap.Error(err))
		return err
	}

	conn := hub.NewConnection(ws, hub.ConnectionOptions{
		WriteTimeout:   s.cfg.WriteTimeout,
		ReadTimeout:    s.cfg.ReadTimeout,
		MaxMessageSize: s.cfg.MaxMessageSize,
	})
	sess := s.hub.Register(conn)
	sess.Go(func(ctx context.Context) { s.serve(ctx, sess) })
	return nil
}

// capture is the utterance bookkeeping of one receive loop. It is only
// touched by that loop.
type capture struct {
	capturing bool // the current utterance will become a turn
	dropping  bool // the current utterance is discarded at its end
	limited   bool // a rate_limited error was sent and not yet cleared
}

func (s *Server) serve(ctx context.Context, sess *hub.Session) {
	defer s.hub.Unregister(sess.ID)
	sess.Go(func(ctx context.Context) { sess.Conn.KeepAlive(ctx, s.cfg.PingInterval) })

	connected := protocol.NewDebug(protocol.DebugCodeConnected, "Connected to voice gateway")
	connected.SessionID = sess.ID
	if err := sess.Conn.SendJSON(connected); err != nil {
		return
	}

	var st capture
	for {
		frame, err := sess.Conn.Receive(s.cfg.ReceiveTimeout)
		if errors.Is(err, hub.ErrReceiveTimeout) {
			if err := sess.Conn.SendJSON(protocol.NewPing()); err != nil {
				return
			}
			continue
		}
		if err != nil || ctx.Err() != nil {
			sess.Logger.Debug("receive loop finished", zap.Error(err))
			return
		}

		if frame.Binary() {
			s.handleAudio(sess, &st, frame.Data)
		} else {
			s.handleMessage(ctx, sess, frame.Data)
		}
	}
}

// handleAudio buffers one binary message and feeds its frames to the
// activity tracker.
func (s *Server) handleAudio(sess *hub.Session, st *capture, data []byte) {
	if !sess.AllowAudio(len(data)) {
		if !st.limited {
			st.limited = true
			s.sendError(sess, protocol.ErrorCodeRateLimited, "audio is arriving faster than real time")
		}
		return
	}
	st.limited = false

	if err := sess.Buffer.Append(data); errors.Is(err, audio.ErrBufferFull) {
		if st.capturing {
			s.overflow(sess, st)
		} else {
			sess.Buffer.TakeAndClear()
			if err := sess.Buffer.Append(data); err != nil {
				// A single message larger than the whole buffer; its frames
				// still reach the tracker but the audio cannot be kept.
				sess.Logger.Warn("audio message exceeds the audio buffer",
					zap.Int("message_bytes", len(data)), zap.Int("limit", s.cfg.MaxAudioBytes))
			}
		}
	}

	for _, f := range sess.Framer.Push(data) {
		switch sess.VAD.Observe(f) {
		case vad.UtteranceStart:
			s.utteranceStart(sess, st)
		case vad.UtteranceEnd:
			s.utteranceEnd(sess, st)
		}
	}

	switch {
	case st.dropping:
		sess.Buffer.TakeAndClear()
	case !st.capturing:
		sess.Buffer.Retain(s.cfg.PreRollBytes())
	}
}

func (s *Server) utteranceStart(sess *hub.Session, st *capture) {
	if st.dropping {
		return
	}
	if !sess.Turn.Listen() {
		st.dropping = true
		s.metrics.Utterance(metrics.UtteranceDropped)
		sess.Logger.Debug("utterance dropped, turn in progress", zap.String("state", sess.Turn.State().String()))
		sess.Conn.SendJSON(protocol.NewDebug(protocol.DebugCodeTurnInProgress, "Still answering the previous question"))
		return
	}
	st.capturing = true
	sess.Conn.SendJSON(protocol.NewVADStatus(protocol.VADSpeaking))
}

func (s *Server) utteranceEnd(sess *hub.Session, st *capture) {
	if st.dropping {
		st.dropping = false
		sess.Buffer.TakeAndClear()
		return
	}
	if !st.capturing {
		return
	}
	st.capturing = false

	pcm := sess.Buffer.TakeAndClear()
	in := turn.Input{}
	if len(pcm) > 0 {
		in = turn.Input{Audio: audio.EncodeWAV(pcm, s.cfg.SampleRate, 1), Format: "wav"}
	}
	s.metrics.Utterance(metrics.UtteranceDispatched)
	sess.MarkTurnStarted()

	sess.Go(func(ctx context.Context) {
		out := s.orch.Run(ctx, sess.Turn, in, sess.Conversation(), sess.Conn)
		if out.Canceled {
			return
		}
		if errors.Is(out.Err, turn.ErrBusy) {
			s.metrics.Utterance(metrics.UtteranceDropped)
			sess.Conn.SendJSON(protocol.NewDebug(protocol.DebugCodeTurnInProgress, "Still answering the previous question"))
		}
		sess.Conn.SendJSON(protocol.NewVADStatus(protocol.VADWaiting))
	})
}

// overflow abandons an utterance that outgrew the buffer.
func (s *Server) overflow(sess *hub.Session, st *capture) {
	st.capturing = false
	st.dropping = true
	sess.Buffer.TakeAndClear()
	sess.Turn.Cancel()
	s.metrics.Utterance(metrics.UtteranceOverflow)
	sess.Logger.Warn("utterance exceeded the audio buffer", zap.Int("limit", s.cfg.MaxAudioBytes))
	s.sendError(sess, protocol.ErrorCodeCapacityExceeded, "utterance is too long")
	sess.Conn.SendJSON(protocol.NewVADStatus(protocol.VADWaiting))
}

// handleMessage dispatches a text frame.
func (s *Server) handleMessage(ctx context.Context, sess *hub.Session, data []byte) {
	msg, err := protocol.DecodeClientMessage(data)
	if err != nil {
		var te *protocol.TransportError
		if errors.As(err, &te) {
			s.sendError(sess, te.Code, te.Message)
		} else {
			s.sendError(sess, protocol.ErrorCodeInvalidMessage, err.Error())
		}
		return
	}

	switch m := msg.(type) {
	case *protocol.HelloMessage:
		s.handleHello(ctx, sess, m)
	case *protocol.TextInputMessage:
		s.handleTextInput(sess, m)
	}
}

// handleHello binds the socket to a persistent conversation key.
func (s *Server) handleHello(ctx context.Context, sess *hub.Session, msg *protocol.HelloMessage) {
	key := msg.SessionID
	if key != "" {
		var (
			conv    *conversation.State
			release func()
		)
		if s.directory != nil {
			c, r, err := s.directory.Acquire(ctx, key)
			if err != nil {
				sess.Logger.Error("failed to load conversation", zap.String("conversation_key", key), zap.Error(err))
				s.sendError(sess, protocol.ErrorCodeInternalError, "failed to load conversation")
				return
			}
			conv, release = c, r
		} else {
			conv = conversation.NewState(key, nil, sess.Logger)
		}
		if !sess.BindConversation(conv, release) {
			s.sendError(sess, protocol.ErrorCodeInvalidMessage, "hello must precede the first turn")
			return
		}
	}

	conv := sess.Conversation()
	ack := protocol.NewDebug(protocol.DebugCodeHelloAck, "conversation "+conv.Key())
	ack.SessionID = sess.ID
	sess.Conn.SendJSON(ack)
	sess.Logger.Info("hello handshake completed", zap.String("conversation_key", conv.Key()))
}

func (s *Server) handleTextInput(sess *hub.Session, msg *protocol.TextInputMessage) {
	sess.MarkTurnStarted()
	sess.Go(func(ctx context.Context) {
		out := s.orch.RunText(ctx, sess.Turn, msg.Content, sess.Conversation(), sess.Conn)
		if errors.Is(out.Err, turn.ErrBusy) {
			sess.Conn.SendJSON(protocol.NewDebug(protocol.DebugCodeTurnInProgress, "Still answering the previous question"))
		}
	})
}

func (s *Server) sendError(sess *hub.Session, code, message string) {
	if err := sess.Conn.SendJSON(protocol.NewError(code, message)); err != nil {
		sess.Logger.Debug("failed to send error", zap.Error(err))
	}
}
