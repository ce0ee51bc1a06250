package turn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/leviwheeling/ResearchSync/internal/adapter/voice"
	"github.com/leviwheeling/ResearchSync/internal/conversation"
	"github.com/leviwheeling/ResearchSync/internal/metrics"
	"github.com/leviwheeling/ResearchSync/internal/policy"
	"github.com/leviwheeling/ResearchSync/internal/protocol"
)

// Skip reasons
const (
	SkipEmptyAudio = "empty_audio"
	SkipNoSpeech   = "no_speech"
)

// ErrEmptyReply is returned when the reasoner streams nothing but whitespace.
var ErrEmptyReply = errors.New("turn: reasoner returned an empty reply")

// Sink receives the envelopes and audio of a turn. hub.Connection is the
// WebSocket sink; the HTTP surface collects into memory.
type Sink interface {
	SendJSON(v any) error
	SendBinary(payload []byte) error
}

// Input is the audio of one utterance.
type Input struct {
	Audio  []byte
	Format string
}

// Outcome summarizes a finished turn.
type Outcome struct {
	Transcript string
	Reply      string
	Audio      []byte
	Skipped    string // non-empty when the turn ended without reasoning
	Canceled   bool   // the session went away; nothing was reported
	Err        error
}

// Options configures an Orchestrator.
type Options struct {
	Transcriber voice.Transcriber
	Reasoner    voice.Reasoner
	Synthesizer voice.Synthesizer
	Policy      *policy.Engine // optional
	Voice       string

	TranscribeTimeout time.Duration
	ReasonTimeout     time.Duration
	SynthesizeTimeout time.Duration

	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Orchestrator executes turns. It holds no per-session state and is shared
// by all sessions; the caller supplies the Machine, conversation and sink.
type Orchestrator struct {
	opts    Options
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New creates an orchestrator.
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Voice == "" {
		opts.Voice = "nova"
	}
	return &Orchestrator{opts: opts, metrics: opts.Metrics, logger: logger.Named("turn")}
}

// sendError marks a failure to deliver to the sink. The sink is gone, so the
// turn is abandoned silently.
type sendError struct{ err error }

func (e *sendError) Error() string { return "send failed: " + e.err.Error() }
func (e *sendError) Unwrap() error { return e.err }

func send(sink Sink, v any) error {
	if err := sink.SendJSON(v); err != nil {
		return &sendError{err: err}
	}
	return nil
}

// Run executes a voice turn for an utterance. m must be Idle or Listening,
// and no other turn may hold conv; otherwise ErrBusy is returned.
// Envelopes go to sink in order: partial_response chunks, final_response,
// then the reply audio as one binary message.
func (o *Orchestrator) Run(ctx context.Context, m *Machine, in Input, conv *conversation.State, sink Sink) Outcome {
	if err := o.begin(m, Transcribing, conv); err != nil {
		return Outcome{Err: err}
	}
	defer conv.EndTurn()
	logger := o.logger.With(zap.String("conversation_key", conv.Key()))

	if len(in.Audio) == 0 {
		m.set(Idle)
		o.metrics.Turn(metrics.OutcomeSkipped)
		return Outcome{Skipped: SkipEmptyAudio}
	}

	var out Outcome
	if err := o.admit(ctx, policy.KindAudio, len(in.Audio)); err != nil {
		return o.fail(ctx, m, sink, logger, out, err)
	}

	transcript, err := o.transcribe(ctx, in)
	if err != nil {
		return o.fail(ctx, m, sink, logger, out, err)
	}
	out.Transcript = transcript
	if strings.TrimSpace(transcript) == "" {
		logger.Debug("no speech in utterance", zap.Int("audio_bytes", len(in.Audio)))
		out.Skipped = SkipNoSpeech
		if err := send(sink, protocol.NewDebug(protocol.DebugCodeNoSpeech, "No speech detected")); err != nil {
			return o.fail(ctx, m, sink, logger, out, err)
		}
		m.set(Idle)
		o.metrics.Turn(metrics.OutcomeSkipped)
		return out
	}

	if err := m.advance(Reasoning); err != nil {
		return o.fail(ctx, m, sink, logger, out, err)
	}
	return o.reason(ctx, m, transcript, conv, sink, logger, out, true)
}

// RunText executes a typed turn: Idle, Reasoning, Idle. The reply is sent as
// text_response and is not synthesized.
func (o *Orchestrator) RunText(ctx context.Context, m *Machine, text string, conv *conversation.State, sink Sink) Outcome {
	if err := o.begin(m, Reasoning, conv); err != nil {
		return Outcome{Err: err}
	}
	defer conv.EndTurn()
	logger := o.logger.With(zap.String("conversation_key", conv.Key()))
	return o.reason(ctx, m, text, conv, sink, logger, Outcome{Transcript: text}, false)
}

// begin moves m into the first working state and claims conv. A
// conversation shared with another socket or upload that is mid-turn makes
// this turn busy too.
func (o *Orchestrator) begin(m *Machine, to State, conv *conversation.State) error {
	if err := m.begin(to); err != nil {
		return err
	}
	if !conv.BeginTurn() {
		m.set(Idle)
		return ErrBusy
	}
	return nil
}

func (o *Orchestrator) admit(ctx context.Context, kind string, size int) error {
	if o.opts.Policy == nil {
		return nil
	}
	return o.opts.Policy.Admit(ctx, kind, size)
}

func (o *Orchestrator) transcribe(ctx context.Context, in Input) (string, error) {
	ctx, cancel := withTimeout(ctx, o.opts.TranscribeTimeout)
	defer cancel()
	start := time.Now()
	defer o.metrics.Stage("transcribe", start)

	text, err := o.opts.Transcriber.Transcribe(ctx, in.Audio, in.Format)
	return text, voice.AsTranscriptionError(err)
}

func (o *Orchestrator) reason(ctx context.Context, m *Machine, text string, conv *conversation.State, sink Sink, logger *zap.Logger, out Outcome, speak bool) Outcome {
	if err := o.admit(ctx, policy.KindText, utf8.RuneCountInString(text)); err != nil {
		return o.fail(ctx, m, sink, logger, out, err)
	}

	reply, err := o.stream(ctx, text, conv, sink)
	if err != nil {
		return o.fail(ctx, m, sink, logger, out, err)
	}
	if strings.TrimSpace(reply) == "" {
		return o.fail(ctx, m, sink, logger, out, ErrEmptyReply)
	}
	reply = Sanitize(reply)
	out.Reply = reply
	conv.Append(ctx, conversation.RoleAssistant, reply)

	if !speak {
		if err := send(sink, protocol.NewTextResponse(reply)); err != nil {
			return o.fail(ctx, m, sink, logger, out, err)
		}
		m.set(Idle)
		o.metrics.Turn(metrics.OutcomeCompleted)
		return out
	}

	if err := send(sink, protocol.NewFinal(reply)); err != nil {
		return o.fail(ctx, m, sink, logger, out, err)
	}
	if err := m.advance(Synthesizing); err != nil {
		return o.fail(ctx, m, sink, logger, out, err)
	}
	audio, err := o.synthesize(ctx, reply)
	if err != nil {
		return o.fail(ctx, m, sink, logger, out, err)
	}
	out.Audio = audio
	if err := sink.SendBinary(audio); err != nil {
		return o.fail(ctx, m, sink, logger, out, &sendError{err: err})
	}

	m.set(Idle)
	o.metrics.Turn(metrics.OutcomeCompleted)
	logger.Info("turn completed",
		zap.Int("transcript_chars", utf8.RuneCountInString(out.Transcript)),
		zap.Int("reply_chars", utf8.RuneCountInString(reply)),
		zap.Int("audio_bytes", len(audio)))
	return out
}

// stream runs the reasoning stage and forwards each chunk as a partial.
func (o *Orchestrator) stream(ctx context.Context, text string, conv *conversation.State, sink Sink) (string, error) {
	ctx, cancel := withTimeout(ctx, o.opts.ReasonTimeout)
	defer cancel()
	start := time.Now()
	defer o.metrics.Stage("reason", start)

	handle, err := conv.Handle(ctx, o.opts.Reasoner.CreateConversation)
	if err != nil {
		return "", voice.AsReasoningError(err)
	}
	conv.Append(ctx, conversation.RoleUser, text)

	chunks, err := o.opts.Reasoner.StartTurn(ctx, handle, text)
	if err != nil {
		return "", voice.AsReasoningError(err)
	}
	defer chunks.Close()

	var sb strings.Builder
	for {
		chunk, err := chunks.Recv()
		if errors.Is(err, io.EOF) {
			return sb.String(), nil
		}
		if err != nil {
			return "", voice.AsReasoningError(err)
		}
		if chunk == "" {
			continue
		}
		sb.WriteString(chunk)
		if err := send(sink, protocol.NewPartial(Sanitize(chunk))); err != nil {
			return "", err
		}
		o.metrics.Chunk()
	}
}

func (o *Orchestrator) synthesize(ctx context.Context, text string) ([]byte, error) {
	ctx, cancel := withTimeout(ctx, o.opts.SynthesizeTimeout)
	defer cancel()
	start := time.Now()
	defer o.metrics.Stage("synthesize", start)

	audio, err := o.opts.Synthesizer.Synthesize(ctx, text, o.opts.Voice)
	return audio, voice.AsSynthesisError(err)
}

// fail ends the turn through Failed. One error envelope is sent unless the
// session is gone.
func (o *Orchestrator) fail(ctx context.Context, m *Machine, sink Sink, logger *zap.Logger, out Outcome, err error) Outcome {
	m.set(Failed)
	defer m.set(Idle)
	out.Err = err

	var se *sendError
	if ctx.Err() != nil || errors.As(err, &se) {
		out.Canceled = true
		o.metrics.Turn(metrics.OutcomeCanceled)
		logger.Debug("turn abandoned", zap.Error(err))
		return out
	}

	o.metrics.Turn(metrics.OutcomeFailed)
	logger.Warn("turn failed", zap.Error(err))
	if sendErr := sink.SendJSON(protocol.NewError(ErrorCode(err), err.Error())); sendErr != nil {
		logger.Debug("failed to report turn error", zap.Error(sendErr))
	}
	return out
}

// ErrorCode maps a turn failure to its wire error code.
func ErrorCode(err error) string {
	var (
		ce *policy.CapacityError
		te *voice.TranscriptionError
		re *voice.ReasoningError
		se *voice.SynthesisError
	)
	switch {
	case errors.As(err, &ce):
		return protocol.ErrorCodeCapacityExceeded
	case errors.Is(err, ErrEmptyReply):
		return protocol.ErrorCodeEmptyReply
	case errors.As(err, &te):
		return protocol.ErrorCodeTranscriptionFailed
	case errors.As(err, &re):
		return protocol.ErrorCodeReasoningFailed
	case errors.As(err, &se):
		return protocol.ErrorCodeSynthesisFailed
	default:
		return protocol.ErrorCodeInternalError
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func (o Outcome) String() string {
	switch {
	case o.Canceled:
		return "canceled"
	case o.Err != nil:
		return fmt.Sprintf("failed: %v", o.Err)
	case o.Skipped != "":
		return "skipped: " + o.Skipped
	default:
		return "completed"
	}
}
