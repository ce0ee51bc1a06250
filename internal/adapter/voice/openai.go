package voice

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const providerOpenAI = "openai"

// OpenAIConfig configures the OpenAI client.
type OpenAIConfig struct {
	BaseURL            string
	APIKey             string
	AssistantID        string
	TranscriptionModel string
	SpeechModel        string
	SpeechFormat       string

	// HTTPClient defaults to a client without a global timeout; calls are
	// bounded by their context.
	HTTPClient *http.Client
	MaxRetries uint64
	RetryBase  time.Duration
}

// OpenAIClient implements Transcriber, Reasoner and Synthesizer on the
// OpenAI audio and assistants APIs.
type OpenAIClient struct {
	cfg        OpenAIConfig
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// Ensure OpenAIClient implements the collaborator interfaces.
var (
	_ Transcriber = (*OpenAIClient)(nil)
	_ Reasoner    = (*OpenAIClient)(nil)
	_ Synthesizer = (*OpenAIClient)(nil)
)

// NewOpenAIClient creates a new OpenAI client.
func NewOpenAIClient(cfg OpenAIConfig, logger *zap.Logger) *OpenAIClient {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 250 * time.Millisecond
	}
	if cfg.TranscriptionModel == "" {
		cfg.TranscriptionModel = "whisper-1"
	}
	if cfg.SpeechModel == "" {
		cfg.SpeechModel = "tts-1"
	}
	if cfg.SpeechFormat == "" {
		cfg.SpeechFormat = "mp3"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAIClient{
		cfg:        cfg,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: cfg.HTTPClient,
		logger:     logger.Named("openai"),
	}
}

type errorResponse struct {
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func parseAPIError(status int, body []byte) *APIError {
	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Error != nil {
		return &APIError{StatusCode: status, Message: er.Error.Message, Type: er.Error.Type, Provider: providerOpenAI}
	}
	return &APIError{StatusCode: status, Message: strings.TrimSpace(string(body)), Provider: providerOpenAI}
}

func (c *OpenAIClient) newRequest(ctx context.Context, method, path, contentType string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if strings.HasPrefix(path, "/threads") {
		req.Header.Set("OpenAI-Beta", "assistants=v2")
	}
	return req, nil
}

// do sends a non-streaming request, retrying rate limits and server errors.
func (c *OpenAIClient) do(ctx context.Context, method, path, contentType string, body []byte) ([]byte, error) {
	var out []byte
	backoff := retry.WithMaxRetries(c.cfg.MaxRetries, retry.NewExponential(c.cfg.RetryBase))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := c.newRequest(ctx, method, path, contentType, body)
		if err != nil {
			return err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return retry.RetryableError(fmt.Errorf("failed to send request: %w", err))
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("failed to read response: %w", err))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			apiErr := parseAPIError(resp.StatusCode, data)
			if apiErr.IsRetryable() {
				c.logger.Warn("retryable API error", zap.String("path", path), zap.Int("status", resp.StatusCode))
				return retry.RetryableError(apiErr)
			}
			return apiErr
		}
		out = data
		return nil
	})
	return out, err
}

func (c *OpenAIClient) doJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	data, err := c.do(ctx, http.MethodPost, path, "application/json", body)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

// Transcribe sends audio to the transcription endpoint.
func (c *OpenAIClient) Transcribe(ctx context.Context, audio []byte, format string) (string, error) {
	if len(audio) == 0 {
		return "", &TranscriptionError{Err: ErrEmptyAudio}
	}
	if format == "" {
		format = "wav"
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "audio."+format)
	if err != nil {
		return "", &TranscriptionError{Err: err}
	}
	if _, err := part.Write(audio); err != nil {
		return "", &TranscriptionError{Err: err}
	}
	mw.WriteField("model", c.cfg.TranscriptionModel)
	mw.WriteField("response_format", "json")
	if err := mw.Close(); err != nil {
		return "", &TranscriptionError{Err: err}
	}

	data, err := c.do(ctx, http.MethodPost, "/audio/transcriptions", mw.FormDataContentType(), buf.Bytes())
	if err != nil {
		return "", &TranscriptionError{Err: err}
	}
	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", &TranscriptionError{Err: fmt.Errorf("failed to unmarshal response: %w", err)}
	}
	return out.Text, nil
}

// CreateConversation creates an assistants thread.
func (c *OpenAIClient) CreateConversation(ctx context.Context) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.doJSON(ctx, "/threads", struct{}{}, &out); err != nil {
		return "", &ReasoningError{Err: err}
	}
	if out.ID == "" {
		return "", &ReasoningError{Err: errors.New("thread id missing from response")}
	}
	return out.ID, nil
}

// StartTurn appends text to the thread and starts a streamed assistant run.
func (c *OpenAIClient) StartTurn(ctx context.Context, handle, text string) (ChunkStream, error) {
	if c.cfg.AssistantID == "" {
		return nil, &ReasoningError{Err: errors.New("assistant id is not configured")}
	}

	msg := map[string]string{"role": "user", "content": text}
	if err := c.doJSON(ctx, "/threads/"+handle+"/messages", msg, nil); err != nil {
		return nil, &ReasoningError{Err: err}
	}

	body, err := json.Marshal(map[string]any{"assistant_id": c.cfg.AssistantID, "stream": true})
	if err != nil {
		return nil, &ReasoningError{Err: err}
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/threads/"+handle+"/runs", "application/json", body)
	if err != nil {
		return nil, &ReasoningError{Err: err}
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ReasoningError{Err: fmt.Errorf("failed to send request: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &ReasoningError{Err: parseAPIError(resp.StatusCode, data)}
	}
	return newRunStream(resp.Body), nil
}

// Synthesize converts text to speech with the configured model.
func (c *OpenAIClient) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	req := map[string]string{
		"model":           c.cfg.SpeechModel,
		"input":           text,
		"voice":           voice,
		"response_format": c.cfg.SpeechFormat,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &SynthesisError{Err: err}
	}
	audio, err := c.do(ctx, http.MethodPost, "/audio/speech", "application/json", body)
	if err != nil {
		return nil, &SynthesisError{Err: err}
	}
	if len(audio) == 0 {
		return nil, &SynthesisError{Err: errors.New("empty audio response")}
	}
	return audio, nil
}

// runStream reads assistant run events from a server-sent event stream.
type runStream struct {
	body   io.ReadCloser
	reader *bufio.Reader
	event  string
	err    error

	closeOnce sync.Once
}

func newRunStream(body io.ReadCloser) *runStream {
	return &runStream{body: body, reader: bufio.NewReader(body)}
}

type messageDelta struct {
	Delta struct {
		Content []struct {
			Type string `json:"type"`
			Text *struct {
				Value string `json:"value"`
			} `json:"text"`
		} `json:"content"`
	} `json:"delta"`
}

type runStatus struct {
	Status    string `json:"status"`
	LastError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_error"`
}

func (s *runStream) Recv() (string, error) {
	if s.err != nil {
		return "", s.err
	}
	for {
		line, readErr := s.reader.ReadString('\n')
		if readErr != nil && !(errors.Is(readErr, io.EOF) && line != "") {
			return s.fail(&ReasoningError{Err: fmt.Errorf("reply stream interrupted: %w", unexpected(readErr))})
		}

		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			s.event = ""
		case strings.HasPrefix(line, "event:"):
			s.event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			chunk, err := s.handle(data)
			if err != nil {
				return s.fail(err)
			}
			if chunk != "" {
				return chunk, nil
			}
		}

		if readErr != nil {
			return s.fail(&ReasoningError{Err: fmt.Errorf("reply stream interrupted: %w", unexpected(readErr))})
		}
	}
}

// unexpected maps a clean EOF to io.ErrUnexpectedEOF; a reply stream must
// end with an explicit done event.
func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

func (s *runStream) handle(data string) (string, error) {
	if data == "[DONE]" || s.event == "done" {
		return "", io.EOF
	}
	switch s.event {
	case "thread.message.delta":
		var d messageDelta
		if err := json.Unmarshal([]byte(data), &d); err != nil {
			return "", &ReasoningError{Err: fmt.Errorf("failed to unmarshal delta: %w", err)}
		}
		var sb strings.Builder
		for _, c := range d.Delta.Content {
			if c.Type == "text" && c.Text != nil {
				sb.WriteString(c.Text.Value)
			}
		}
		return sb.String(), nil
	case "thread.run.failed", "thread.run.cancelled", "thread.run.expired", "thread.run.incomplete":
		var rs runStatus
		json.Unmarshal([]byte(data), &rs)
		msg := "run ended with status " + strings.TrimPrefix(s.event, "thread.run.")
		if rs.LastError != nil && rs.LastError.Message != "" {
			msg += ": " + rs.LastError.Message
		}
		return "", &ReasoningError{Err: errors.New(msg)}
	case "thread.run.requires_action":
		return "", &ReasoningError{Err: errors.New("run requires tool outputs, which are not supported")}
	case "error":
		var er struct {
			Message string `json:"message"`
		}
		json.Unmarshal([]byte(data), &er)
		if er.Message == "" {
			er.Message = data
		}
		return "", &ReasoningError{Err: errors.New(er.Message)}
	}
	return "", nil
}

func (s *runStream) fail(err error) (string, error) {
	s.err = err
	s.Close()
	return "", err
}

func (s *runStream) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.body.Close() })
	return err
}
