package voice

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
)

// MockClient is a deterministic Transcriber, Reasoner and Synthesizer for
// local development and tests.
type MockClient struct {
	// Transcript, when set, is returned for every non-empty audio input.
	Transcript string

	mu    sync.Mutex
	turns map[string]int
}

// NewMockClient creates a new mock client.
func NewMockClient() *MockClient {
	return &MockClient{turns: make(map[string]int)}
}

// Ensure MockClient implements the collaborator interfaces.
var (
	_ Transcriber = (*MockClient)(nil)
	_ Reasoner    = (*MockClient)(nil)
	_ Synthesizer = (*MockClient)(nil)
)

// Transcribe returns a fixed transcript describing the audio length.
func (m *MockClient) Transcribe(ctx context.Context, audio []byte, format string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &TranscriptionError{Err: err}
	}
	if len(audio) == 0 {
		return "", &TranscriptionError{Err: ErrEmptyAudio}
	}
	if m.Transcript != "" {
		return m.Transcript, nil
	}
	return fmt.Sprintf("[MOCK] %d bytes of %s audio", len(audio), format), nil
}

// CreateConversation returns a fresh mock handle.
func (m *MockClient) CreateConversation(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &ReasoningError{Err: err}
	}
	return "mock_" + uuid.NewString(), nil
}

// StartTurn streams a mock reply in 10-character chunks.
func (m *MockClient) StartTurn(ctx context.Context, handle, text string) (ChunkStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ReasoningError{Err: err}
	}
	m.mu.Lock()
	if m.turns == nil {
		m.turns = make(map[string]int)
	}
	m.turns[handle]++
	n := m.turns[handle]
	m.mu.Unlock()

	reply := fmt.Sprintf("[MOCK] Turn %d. Received your message: %q. This is a mock response.", n, truncate(text, 100))
	return NewSliceStream(ctx, splitIntoChunks(reply, 10)), nil
}

// Synthesize returns the text bytes as stand-in audio.
func (m *MockClient) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &SynthesisError{Err: err}
	}
	return []byte("MOCKAUDIO:" + voice + ":" + text), nil
}

// SliceStream is a ChunkStream over a fixed list of chunks.
type SliceStream struct {
	ctx    context.Context
	chunks []string
	pos    int
}

// NewSliceStream creates a stream yielding chunks in order, then io.EOF.
func NewSliceStream(ctx context.Context, chunks []string) *SliceStream {
	return &SliceStream{ctx: ctx, chunks: chunks}
}

func (s *SliceStream) Recv() (string, error) {
	if err := s.ctx.Err(); err != nil {
		return "", &ReasoningError{Err: err}
	}
	if s.pos >= len(s.chunks) {
		return "", io.EOF
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, nil
}

func (s *SliceStream) Close() error {
	s.pos = len(s.chunks)
	return nil
}

// splitIntoChunks splits a string into chunks of approximately the given size.
func splitIntoChunks(s string, chunkSize int) []string {
	var chunks []string
	runes := []rune(s)
	for i := 0; i < len(runes); i += chunkSize {
		end := i + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
	}
	return chunks
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
