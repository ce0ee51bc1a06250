package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leviwheeling/ResearchSync/internal/adapter/voice"
	"github.com/leviwheeling/ResearchSync/internal/conversation"
	"github.com/leviwheeling/ResearchSync/internal/policy"
	"github.com/leviwheeling/ResearchSync/internal/turn"
)

type stubTranscriber struct {
	text string
	err  error
}

func (s stubTranscriber) Transcribe(ctx context.Context, audio []byte, format string) (string, error) {
	return s.text, s.err
}

// gateReasoner blocks turns for the text block until release is closed.
type gateReasoner struct {
	block   string
	entered chan struct{}
	release chan struct{}
}

func (g *gateReasoner) CreateConversation(ctx context.Context) (string, error) {
	return "h", nil
}

func (g *gateReasoner) StartTurn(ctx context.Context, handle, text string) (voice.ChunkStream, error) {
	if text == g.block {
		close(g.entered)
		<-g.release
	}
	return voice.NewSliceStream(ctx, []string{"done"}), nil
}

type chatEnv struct {
	handler *ChatHandler
	orch    *turn.Orchestrator
	dir     *conversation.Directory
}

func newChatEnv(t *testing.T, tr voice.Transcriber, rs voice.Reasoner, engine *policy.Engine) *chatEnv {
	t.Helper()
	mock := voice.NewMockClient()
	if tr == nil {
		tr = stubTranscriber{text: "what is new"}
	}
	if rs == nil {
		rs = mock
	}
	orch := turn.New(turn.Options{Transcriber: tr, Reasoner: rs, Synthesizer: mock, Policy: engine})
	dir := conversation.NewDirectory(nil, nil)
	return &chatEnv{handler: NewChatHandler(orch, dir, ChatOptions{}, nil), orch: orch, dir: dir}
}

func uploadRequest(t *testing.T, sessionID, filename string, audio []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if sessionID != "" {
		require.NoError(t, mw.WriteField("session_id", sessionID))
	}
	if filename != "" {
		part, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = part.Write(audio)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/chat/audio", &body)
	req.Header.Set(echo.HeaderContentType, mw.FormDataContentType())
	return req
}

func serve(h echo.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if err := h(c); err != nil {
		e.HTTPErrorHandler(err, c)
	}
	return rec
}

func TestChatAudioSuccess(t *testing.T) {
	env := newChatEnv(t, nil, nil, nil)

	rec := serve(env.handler.ChatAudio, uploadRequest(t, "user-1", "clip.webm", []byte("fake-audio")))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "audio/mpeg", rec.Header().Get(echo.HeaderContentType))
	assert.Equal(t, "what is new", rec.Header().Get("X-User-Transcript"))
	reply := rec.Header().Get("X-Transcript")
	assert.Contains(t, reply, "Turn 1")
	assert.NotContains(t, reply, "\n")
	assert.True(t, strings.HasPrefix(rec.Body.String(), "MOCKAUDIO:nova:"))

	conv, err := env.dir.Get(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Len(t, conv.Turns(), 2)

	rec = serve(env.handler.ChatAudio, uploadRequest(t, "user-1", "clip.webm", []byte("more")))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("X-Transcript"), "Turn 2", "same key continues the conversation")
}

func TestChatAudioValidation(t *testing.T) {
	env := newChatEnv(t, nil, nil, nil)

	rec := serve(env.handler.ChatAudio, uploadRequest(t, "", "clip.webm", []byte("x")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(env.handler.ChatAudio, uploadRequest(t, "user-1", "", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(env.handler.ChatAudio, uploadRequest(t, "user-1", "clip.webm", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatAudioNoSpeech(t *testing.T) {
	env := newChatEnv(t, stubTranscriber{text: "  "}, nil, nil)

	rec := serve(env.handler.ChatAudio, uploadRequest(t, "user-1", "clip.wav", []byte("x")))

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestChatAudioTranscriptionFailure(t *testing.T) {
	env := newChatEnv(t, stubTranscriber{err: errors.New("boom")}, nil, nil)

	rec := serve(env.handler.ChatAudio, uploadRequest(t, "user-1", "clip.wav", []byte("x")))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "transcription_failed", body["code"])
}

func TestChatAudioCapacity(t *testing.T) {
	engine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy, policy.Limits{MaxAudioBytes: 4, MaxTextChars: 100})
	require.NoError(t, err)
	env := newChatEnv(t, nil, nil, engine)

	rec := serve(env.handler.ChatAudio, uploadRequest(t, "user-1", "clip.wav", []byte("too long")))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestChatAudioBusy(t *testing.T) {
	gate := &gateReasoner{block: "what is new", entered: make(chan struct{}), release: make(chan struct{})}
	env := newChatEnv(t, nil, gate, nil)

	first := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		first <- serve(env.handler.ChatAudio, uploadRequest(t, "user-1", "a.wav", []byte("x")))
	}()
	select {
	case <-gate.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("first turn never reached the reasoner")
	}

	rec := serve(env.handler.ChatAudio, uploadRequest(t, "user-1", "b.wav", []byte("y")))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = serve(env.handler.ChatText, jsonRequest(`{"session_id":"user-2","content":"hi"}`))
	assert.Equal(t, http.StatusOK, rec.Code, "other conversations are independent")

	close(gate.release)
	assert.Equal(t, http.StatusOK, (<-first).Code)
}

func TestChatBusyWhileSocketTurnRuns(t *testing.T) {
	gate := &gateReasoner{block: "spoken question", entered: make(chan struct{}), release: make(chan struct{})}
	env := newChatEnv(t, nil, gate, nil)

	// a socket bound to "k" with hello is mid-turn on its own machine
	conv, release, err := env.dir.Acquire(context.Background(), "k")
	require.NoError(t, err)
	defer release()
	socketMachine := turn.NewMachine()
	done := make(chan turn.Outcome, 1)
	go func() {
		done <- env.orch.RunText(context.Background(), socketMachine, "spoken question", conv, &collectSink{})
	}()
	select {
	case <-gate.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("socket turn never reached the reasoner")
	}

	rec := serve(env.handler.ChatText, jsonRequest(`{"session_id":"k","content":"typed"}`))
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	rec = serve(env.handler.ChatAudio, uploadRequest(t, "k", "a.wav", []byte("x")))
	assert.Equal(t, http.StatusConflict, rec.Code)

	close(gate.release)
	require.NoError(t, (<-done).Err)
	rec = serve(env.handler.ChatText, jsonRequest(`{"session_id":"k","content":"typed"}`))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestChatReleasesConversation(t *testing.T) {
	env := newChatEnv(t, nil, nil, nil)

	rec := serve(env.handler.ChatText, jsonRequest(`{"session_id":"user-1","content":"hello"}`))
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, 1, env.dir.Evict(0), "nothing holds the conversation after the request")
}

func jsonRequest(body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/chat/text", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	return req
}

func TestChatText(t *testing.T) {
	env := newChatEnv(t, nil, nil, nil)

	rec := serve(env.handler.ChatText, jsonRequest(`{"session_id":"user-1","content":"hello"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body["reply"], `"hello"`)

	rec = serve(env.handler.ChatText, jsonRequest(`{"session_id":"user-1","content":"  "}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(env.handler.ChatText, jsonRequest(`{"content":"hello"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHeaderSafe(t *testing.T) {
	assert.Equal(t, "line one line two", headerSafe("line one\r\nline two"))
	assert.Equal(t, "tab separated", headerSafe("tab\tseparated"))
	assert.Equal(t, "Résumé [1]", headerSafe("Résumé [1]"))
}

func TestFormatFromFilename(t *testing.T) {
	h := NewChatHandler(nil, nil, ChatOptions{}, nil)
	assert.Equal(t, "wav", h.format("clip.WAV"))
	assert.Equal(t, "webm", h.format("blob"))
}
