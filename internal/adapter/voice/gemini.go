package voice

import (
	"context"
	"errors"
	"io"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

// DefaultChatIdleTTL is how long an unused Gemini chat is kept in memory.
const DefaultChatIdleTTL = 30 * time.Minute

// GeminiReasoner implements Reasoner with Gemini chat sessions. Handles are
// local UUIDs mapped to in-process chats; a handle unknown to this process
// (for example after a restart or an idle eviction) starts a fresh chat under
// the same handle.
type GeminiReasoner struct {
	client      *genai.Client
	model       string
	instruction string
	logger      *zap.Logger

	idleTTL time.Duration
	now     func() time.Time

	mu    sync.Mutex
	chats map[string]*geminiChat
}

type geminiChat struct {
	chat     *genai.Chat
	lastUsed time.Time
}

// Ensure GeminiReasoner implements Reasoner.
var _ Reasoner = (*GeminiReasoner)(nil)

// NewGeminiReasoner creates a reasoner backed by the Gemini API.
func NewGeminiReasoner(ctx context.Context, apiKey, model, instruction string, logger *zap.Logger) (*GeminiReasoner, error) {
	if apiKey == "" {
		return nil, ErrNoAPIKey
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GeminiReasoner{
		client:      client,
		model:       model,
		instruction: instruction,
		logger:      logger.Named("gemini"),
		idleTTL:     DefaultChatIdleTTL,
		now:         time.Now,
		chats:       make(map[string]*geminiChat),
	}, nil
}

// SetIdleTTL changes how long unused chats are kept. Zero or less disables
// eviction.
func (g *GeminiReasoner) SetIdleTTL(ttl time.Duration) {
	g.mu.Lock()
	g.idleTTL = ttl
	g.mu.Unlock()
}

// prune drops chats idle for longer than idleTTL. Must be called with g.mu held.
func (g *GeminiReasoner) prune(now time.Time) {
	if g.idleTTL <= 0 {
		return
	}
	for handle, c := range g.chats {
		if now.Sub(c.lastUsed) > g.idleTTL {
			delete(g.chats, handle)
			g.logger.Debug("evicted idle chat", zap.String("handle", handle))
		}
	}
}

func (g *GeminiReasoner) newChat(ctx context.Context) (*genai.Chat, error) {
	var cfg *genai.GenerateContentConfig
	if g.instruction != "" {
		cfg = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(g.instruction, genai.RoleUser),
		}
	}
	return g.client.Chats.Create(ctx, g.model, cfg, nil)
}

// CreateConversation starts a chat and returns its handle.
func (g *GeminiReasoner) CreateConversation(ctx context.Context) (string, error) {
	chat, err := g.newChat(ctx)
	if err != nil {
		return "", &ReasoningError{Err: err}
	}
	handle := "gem_" + uuid.NewString()

	g.mu.Lock()
	now := g.now()
	g.prune(now)
	g.chats[handle] = &geminiChat{chat: chat, lastUsed: now}
	g.mu.Unlock()
	return handle, nil
}

func (g *GeminiReasoner) chat(ctx context.Context, handle string) (*genai.Chat, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if c, ok := g.chats[handle]; ok {
		c.lastUsed = now
		g.prune(now)
		return c.chat, nil
	}
	g.prune(now)
	g.logger.Info("starting fresh chat for unknown handle", zap.String("handle", handle))
	chat, err := g.newChat(ctx)
	if err != nil {
		return nil, err
	}
	g.chats[handle] = &geminiChat{chat: chat, lastUsed: now}
	return chat, nil
}

// StartTurn streams the model's reply to text.
func (g *GeminiReasoner) StartTurn(ctx context.Context, handle, text string) (ChunkStream, error) {
	chat, err := g.chat(ctx, handle)
	if err != nil {
		return nil, &ReasoningError{Err: err}
	}
	return newSeqStream(chat.SendMessageStream(ctx, genai.Part{Text: text})), nil
}

// seqStream adapts a push iterator of responses to ChunkStream.
type seqStream struct {
	next func() (*genai.GenerateContentResponse, error, bool)
	stop func()
	err  error
}

func newSeqStream(seq iter.Seq2[*genai.GenerateContentResponse, error]) *seqStream {
	next, stop := iter.Pull2(seq)
	return &seqStream{next: next, stop: stop}
}

func (s *seqStream) Recv() (string, error) {
	for s.err == nil {
		resp, err, ok := s.next()
		switch {
		case !ok:
			s.err = io.EOF
		case err != nil:
			if errors.Is(err, io.EOF) {
				s.err = io.EOF
			} else {
				s.err = &ReasoningError{Err: err}
			}
		case resp != nil:
			if text := resp.Text(); text != "" {
				return text, nil
			}
		}
	}
	s.stop()
	return "", s.err
}

func (s *seqStream) Close() error {
	s.stop()
	return nil
}
