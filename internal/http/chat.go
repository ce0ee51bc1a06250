package http

import (
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/leviwheeling/ResearchSync/internal/conversation"
	"github.com/leviwheeling/ResearchSync/internal/protocol"
	"github.com/leviwheeling/ResearchSync/internal/turn"
)

// ChatOptions configures the synchronous chat endpoints.
type ChatOptions struct {
	MaxUploadBytes int64
	FallbackFormat string // used when the upload has no file extension
	AudioMIME      string
}

// ChatHandler serves one-shot turns over HTTP using the same orchestrator as
// the WebSocket path. Overlapping turns on one conversation, from uploads or
// from a socket bound to the same key, are refused by the conversation.
type ChatHandler struct {
	orch      *turn.Orchestrator
	directory *conversation.Directory
	opts      ChatOptions
	logger    *zap.Logger
}

// NewChatHandler creates a chat handler.
func NewChatHandler(orch *turn.Orchestrator, directory *conversation.Directory, opts ChatOptions, logger *zap.Logger) *ChatHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.FallbackFormat == "" {
		opts.FallbackFormat = "webm"
	}
	if opts.AudioMIME == "" {
		opts.AudioMIME = "audio/mpeg"
	}
	return &ChatHandler{
		orch:      orch,
		directory: directory,
		opts:      opts,
		logger:    logger.Named("chat"),
	}
}

// Register mounts the chat routes on e.
func (h *ChatHandler) Register(e *echo.Echo) {
	e.POST("/chat/audio", h.ChatAudio)
	e.POST("/chat/text", h.ChatText)
}

// collectSink swallows the streamed envelopes; the HTTP response is built
// from the turn outcome.
type collectSink struct {
	partials int
}

func (s *collectSink) SendJSON(v any) error {
	if m, ok := v.(protocol.ContentMessage); ok && m.Type == protocol.TypePartialResponse {
		s.partials++
	}
	return nil
}

func (s *collectSink) SendBinary(payload []byte) error {
	return nil
}

// ChatAudio handles POST /chat/audio: a multipart "file" and "session_id".
// The reply audio is the body; transcripts travel in headers.
func (h *ChatHandler) ChatAudio(c echo.Context) error {
	key := strings.TrimSpace(c.FormValue("session_id"))
	if key == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "session_id is required"})
	}
	fh, err := c.FormFile("file")
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "file is required"})
	}
	if h.opts.MaxUploadBytes > 0 && fh.Size > h.opts.MaxUploadBytes {
		return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{
			"error": "audio file is too large",
			"code":  protocol.ErrorCodeCapacityExceeded,
		})
	}
	f, err := fh.Open()
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "failed to read file"})
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "failed to read file"})
	}
	if len(data) == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "file is empty"})
	}

	ctx := c.Request().Context()
	conv, release, err := h.directory.Acquire(ctx, key)
	if err != nil {
		h.logger.Error("failed to load conversation", zap.String("conversation_key", key), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to load conversation"})
	}
	defer release()

	sink := &collectSink{}
	in := turn.Input{Audio: data, Format: h.format(fh.Filename)}
	out := h.orch.Run(ctx, turn.NewMachine(), in, conv, sink)
	if out.Err != nil {
		return h.fail(c, out)
	}
	if out.Skipped == turn.SkipNoSpeech {
		return c.JSON(http.StatusUnprocessableEntity, map[string]string{
			"error": "no speech detected",
			"code":  protocol.DebugCodeNoSpeech,
		})
	}

	h.logger.Info("chat audio turn completed",
		zap.String("conversation_key", key),
		zap.Int("partials", sink.partials),
		zap.Int("audio_bytes", len(out.Audio)))

	c.Response().Header().Set("X-Transcript", headerSafe(out.Reply))
	c.Response().Header().Set("X-User-Transcript", headerSafe(out.Transcript))
	return c.Blob(http.StatusOK, h.opts.AudioMIME, out.Audio)
}

// TextRequest is the body of POST /chat/text.
type TextRequest struct {
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
}

// ChatText handles POST /chat/text.
func (h *ChatHandler) ChatText(c echo.Context) error {
	var req TextRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.SessionID == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "session_id is required"})
	}
	if strings.TrimSpace(req.Content) == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "content is required"})
	}

	ctx := c.Request().Context()
	conv, release, err := h.directory.Acquire(ctx, req.SessionID)
	if err != nil {
		h.logger.Error("failed to load conversation", zap.String("conversation_key", req.SessionID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to load conversation"})
	}
	defer release()

	out := h.orch.RunText(ctx, turn.NewMachine(), req.Content, conv, &collectSink{})
	if out.Err != nil {
		return h.fail(c, out)
	}
	return c.JSON(http.StatusOK, map[string]string{
		"session_id": req.SessionID,
		"reply":      out.Reply,
	})
}

// fail writes the response for a turn that did not complete.
func (h *ChatHandler) fail(c echo.Context, out turn.Outcome) error {
	if errors.Is(out.Err, turn.ErrBusy) {
		return c.JSON(http.StatusConflict, map[string]string{
			"error": "a turn for this session is already in progress",
			"code":  protocol.DebugCodeTurnInProgress,
		})
	}
	if out.Canceled {
		return c.NoContent(http.StatusServiceUnavailable)
	}

	code := turn.ErrorCode(out.Err)
	status := http.StatusBadGateway
	switch code {
	case protocol.ErrorCodeCapacityExceeded:
		status = http.StatusRequestEntityTooLarge
	case protocol.ErrorCodeInternalError:
		status = http.StatusInternalServerError
	}
	return c.JSON(status, map[string]string{"error": out.Err.Error(), "code": code})
}

func (h *ChatHandler) format(filename string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), "."))
	if ext == "" {
		return h.opts.FallbackFormat
	}
	return ext
}

// headerSafe flattens text into a single header line.
func headerSafe(s string) string {
	return strings.Join(strings.FieldsFunc(s, func(r rune) bool {
		return r < 0x20 || r == 0x7f
	}), " ")
}
