package voice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestOpenAI(t *testing.T, handler http.HandlerFunc) *OpenAIClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewOpenAIClient(OpenAIConfig{
		BaseURL:     server.URL,
		APIKey:      "sk-test",
		AssistantID: "asst_1",
		MaxRetries:  2,
		RetryBase:   time.Millisecond,
	}, nil)
}

func collect(t *testing.T, s ChunkStream) ([]string, error) {
	t.Helper()
	defer s.Close()
	var chunks []string
	for {
		c, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return chunks, nil
		}
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, c)
	}
}

func TestOpenAITranscribe(t *testing.T) {
	client := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/transcriptions" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Fatalf("unexpected auth header: %q", got)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		if r.FormValue("model") != "whisper-1" {
			t.Fatalf("unexpected model: %q", r.FormValue("model"))
		}
		_, header, err := r.FormFile("file")
		if err != nil || header.Filename != "audio.wav" {
			t.Fatalf("unexpected file: %v %+v", err, header)
		}
		fmt.Fprint(w, `{"text":"what is the latest result?"}`)
	})

	text, err := client.Transcribe(context.Background(), []byte("RIFF...."), "wav")
	if err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}
	if text != "what is the latest result?" {
		t.Fatalf("unexpected transcript: %q", text)
	}
}

func TestOpenAITranscribeEmptyAudio(t *testing.T) {
	client := NewOpenAIClient(OpenAIConfig{BaseURL: "http://unused"}, nil)
	_, err := client.Transcribe(context.Background(), nil, "wav")
	var te *TranscriptionError
	if !errors.As(err, &te) || !errors.Is(err, ErrEmptyAudio) {
		t.Fatalf("expected TranscriptionError wrapping ErrEmptyAudio, got %v", err)
	}
}

func TestOpenAIRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"error":{"message":"overloaded","type":"server_error"}}`)
			return
		}
		fmt.Fprint(w, `{"id":"thread_abc"}`)
	})

	handle, err := client.CreateConversation(context.Background())
	if err != nil {
		t.Fatalf("CreateConversation failed: %v", err)
	}
	if handle != "thread_abc" || calls.Load() != 3 {
		t.Fatalf("unexpected handle %q after %d calls", handle, calls.Load())
	}
}

func TestOpenAIDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"bad voice","type":"invalid_request_error"}}`)
	})

	_, err := client.Synthesize(context.Background(), "hello", "nova")
	var se *SynthesisError
	if !errors.As(err, &se) {
		t.Fatalf("expected SynthesisError, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest || apiErr.Type != "invalid_request_error" {
		t.Fatalf("expected APIError 400, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("client errors must not be retried, got %d calls", calls.Load())
	}
}

func TestOpenAISynthesize(t *testing.T) {
	client := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/speech" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), `"voice":"nova"`) || !strings.Contains(string(body), `"model":"tts-1"`) {
			t.Fatalf("unexpected body: %s", body)
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write([]byte{0xff, 0xfb, 0x90})
	})

	audio, err := client.Synthesize(context.Background(), "hello", "nova")
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if len(audio) != 3 {
		t.Fatalf("unexpected audio: %v", audio)
	}
}

const runStreamOK = "event: thread.run.created\n" +
	"data: {\"id\":\"run_1\",\"status\":\"queued\"}\n\n" +
	"event: thread.message.delta\n" +
	"data: {\"delta\":{\"content\":[{\"index\":0,\"type\":\"text\",\"text\":{\"value\":\"Result \"}}]}}\n\n" +
	"event: thread.message.delta\n" +
	"data: {\"delta\":{\"content\":[{\"index\":0,\"type\":\"text\",\"text\":{\"value\":\"【12】 confirmed\"}}]}}\n\n" +
	"event: thread.run.completed\n" +
	"data: {\"id\":\"run_1\",\"status\":\"completed\"}\n\n" +
	"event: done\n" +
	"data: [DONE]\n\n"

func TestOpenAIStartTurnStreamsChunks(t *testing.T) {
	client := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("OpenAI-Beta") != "assistants=v2" {
			t.Fatalf("missing assistants beta header")
		}
		switch r.URL.Path {
		case "/threads/thread_1/messages":
			fmt.Fprint(w, `{"id":"msg_1"}`)
		case "/threads/thread_1/runs":
			body, _ := io.ReadAll(r.Body)
			if !strings.Contains(string(body), `"assistant_id":"asst_1"`) || !strings.Contains(string(body), `"stream":true`) {
				t.Fatalf("unexpected run body: %s", body)
			}
			w.Header().Set("Content-Type", "text/event-stream")
			fmt.Fprint(w, runStreamOK)
		default:
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
	})

	stream, err := client.StartTurn(context.Background(), "thread_1", "what happened?")
	if err != nil {
		t.Fatalf("StartTurn failed: %v", err)
	}
	chunks, err := collect(t, stream)
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}
	if len(chunks) != 2 || chunks[0] != "Result " || chunks[1] != "【12】 confirmed" {
		t.Fatalf("unexpected chunks: %q", chunks)
	}
}

func TestOpenAIStartTurnRunFailed(t *testing.T) {
	client := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/messages") {
			fmt.Fprint(w, `{"id":"msg_1"}`)
			return
		}
		fmt.Fprint(w, "event: thread.message.delta\n"+
			"data: {\"delta\":{\"content\":[{\"type\":\"text\",\"text\":{\"value\":\"Partial\"}}]}}\n\n"+
			"event: thread.run.failed\n"+
			"data: {\"status\":\"failed\",\"last_error\":{\"code\":\"server_error\",\"message\":\"model crashed\"}}\n\n")
	})

	stream, err := client.StartTurn(context.Background(), "thread_1", "hi")
	if err != nil {
		t.Fatalf("StartTurn failed: %v", err)
	}
	chunks, err := collect(t, stream)
	var re *ReasoningError
	if !errors.As(err, &re) || !strings.Contains(err.Error(), "model crashed") {
		t.Fatalf("expected ReasoningError mentioning the failure, got %v", err)
	}
	if len(chunks) != 1 || chunks[0] != "Partial" {
		t.Fatalf("chunks before failure should be delivered, got %q", chunks)
	}
}

func TestOpenAIStartTurnTruncatedStream(t *testing.T) {
	client := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/messages") {
			fmt.Fprint(w, `{"id":"msg_1"}`)
			return
		}
		fmt.Fprint(w, "event: thread.message.delta\n"+
			"data: {\"delta\":{\"content\":[{\"type\":\"text\",\"text\":{\"value\":\"Half\"}}]}}\n\n")
	})

	stream, err := client.StartTurn(context.Background(), "thread_1", "hi")
	if err != nil {
		t.Fatalf("StartTurn failed: %v", err)
	}
	_, err = collect(t, stream)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected unexpected EOF, got %v", err)
	}
}

func TestOpenAIStartTurnRejected(t *testing.T) {
	client := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"message":"No thread found","type":"invalid_request_error"}}`)
	})

	_, err := client.StartTurn(context.Background(), "thread_missing", "hi")
	var re *ReasoningError
	if !errors.As(err, &re) {
		t.Fatalf("expected ReasoningError, got %v", err)
	}
}
