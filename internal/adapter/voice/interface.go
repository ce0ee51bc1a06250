// Package voice provides the transcription, reasoning and speech synthesis
// collaborators used by a voice turn.
package voice

import "context"

// Transcriber converts recorded speech into text.
type Transcriber interface {
	// Transcribe returns the transcript of audio encoded as format (e.g. "wav", "webm").
	Transcribe(ctx context.Context, audio []byte, format string) (string, error)
}

// Reasoner runs a multi-turn conversation with a remote assistant.
type Reasoner interface {
	// CreateConversation creates a remote conversation and returns its handle.
	CreateConversation(ctx context.Context) (string, error)

	// StartTurn sends text as the next user turn of the conversation and
	// returns the streamed reply.
	StartTurn(ctx context.Context, handle, text string) (ChunkStream, error)
}

// ChunkStream is a finite, ordered sequence of reply text chunks.
type ChunkStream interface {
	// Recv returns the next chunk, or io.EOF once the reply is complete.
	Recv() (string, error)

	// Close releases the stream. It is safe to call more than once.
	Close() error
}

// Synthesizer converts reply text into spoken audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) ([]byte, error)
}
