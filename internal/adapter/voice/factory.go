package voice

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Reasoner providers
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// Options selects and configures the collaborators.
type Options struct {
	Mock     bool
	Provider string

	OpenAI OpenAIConfig

	GeminiAPIKey      string
	GeminiModel       string
	GeminiInstruction string
	// GeminiIdleTTL overrides DefaultChatIdleTTL when positive.
	GeminiIdleTTL     time.Duration
}

// Clients groups the three collaborators of a turn.
type Clients struct {
	Transcriber Transcriber
	Reasoner    Reasoner
	Synthesizer Synthesizer
}

// NewClients builds collaborators from opts. Mock mode returns a MockClient
// for all three.
func NewClients(ctx context.Context, opts Options, logger *zap.Logger) (*Clients, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Mock {
		logger.Info("mock mode detected, using mock voice clients")
		m := NewMockClient()
		return &Clients{Transcriber: m, Reasoner: m, Synthesizer: m}, nil
	}

	if opts.OpenAI.APIKey == "" {
		return nil, fmt.Errorf("openai: %w", ErrNoAPIKey)
	}
	if opts.OpenAI.MaxRetries == 0 {
		opts.OpenAI.MaxRetries = 2
	}
	if opts.OpenAI.RetryBase == 0 {
		opts.OpenAI.RetryBase = 250 * time.Millisecond
	}
	oa := NewOpenAIClient(opts.OpenAI, logger)
	clients := &Clients{Transcriber: oa, Reasoner: oa, Synthesizer: oa}

	switch opts.Provider {
	case "", ProviderOpenAI:
	case ProviderGemini:
		g, err := NewGeminiReasoner(ctx, opts.GeminiAPIKey, opts.GeminiModel, opts.GeminiInstruction, logger)
		if err != nil {
			return nil, fmt.Errorf("gemini: %w", err)
		}
		if opts.GeminiIdleTTL > 0 {
			g.SetIdleTTL(opts.GeminiIdleTTL)
		}
		clients.Reasoner = g
	default:
		return nil, fmt.Errorf("unknown reasoner provider %q", opts.Provider)
	}
	return clients, nil
}
