package hub

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/leviwheeling/ResearchSync/internal/audio"
	"github.com/leviwheeling/ResearchSync/internal/conversation"
	"github.com/leviwheeling/ResearchSync/internal/turn"
	"github.com/leviwheeling/ResearchSync/internal/vad"
)

// SessionOptions sizes the per-session audio pipeline.
type SessionOptions struct {
	BufferLimit  int     // bytes of audio held for one utterance
	FrameBytes   int     // VAD frame size in bytes
	FrameSamples int     // VAD frame size in samples
	Threshold    float64 // RMS threshold of a voiced frame
	WindowFrames int
	StartRatio   float64

	// AudioBytesPerSecond bounds inbound audio; zero disables the limiter.
	AudioBytesPerSecond int
}

// Session is the state of one connected client. Only the Hub creates
// sessions.
type Session struct {
	ID          string
	Conn        *Connection
	Buffer      *audio.Buffer
	Framer      *audio.Framer
	VAD         *vad.Tracker
	Turn        *turn.Machine
	Limiter     *rate.Limiter
	Logger      *zap.Logger
	ConnectedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     *sync.WaitGroup

	mu      sync.Mutex
	conv    *conversation.State
	release func() // drops the hold on a bound conversation
	started bool
}

func newSession(parent context.Context, id string, conn *Connection, opts SessionOptions, wg *sync.WaitGroup, logger *zap.Logger) *Session {
	ctx, cancel := context.WithCancel(parent)

	var limiter *rate.Limiter
	if opts.AudioBytesPerSecond > 0 {
		burst := opts.AudioBytesPerSecond
		if burst < opts.FrameBytes {
			burst = opts.FrameBytes
		}
		limiter = rate.NewLimiter(rate.Limit(opts.AudioBytesPerSecond), burst)
	}

	return &Session{
		ID:          id,
		Conn:        conn,
		Buffer:      audio.NewBuffer(opts.BufferLimit),
		Framer:      audio.NewFramer(opts.FrameBytes),
		VAD:         vad.NewTracker(vad.NewClassifier(opts.Threshold, opts.FrameSamples), opts.WindowFrames, opts.StartRatio),
		Turn:        turn.NewMachine(),
		Limiter:     limiter,
		Logger:      logger,
		ConnectedAt: time.Now(),
		ctx:         ctx,
		cancel:      cancel,
		wg:          wg,
		conv:        conversation.NewState(id, nil, logger),
	}
}

// Context is canceled when the session is unregistered.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Go runs f in a goroutine tracked by the Hub's Wait.
func (s *Session) Go(f func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		f(s.ctx)
	}()
}

// Conversation returns the conversation turns of this session run in.
func (s *Session) Conversation() *conversation.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv
}

// BindConversation replaces the session's private conversation with c. It
// reports false once a turn has started. release, when not nil, is called
// when the session is unregistered or rebound, or at once if binding fails.
func (s *Session) BindConversation(c *conversation.State, release func()) bool {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		if release != nil {
			release()
		}
		return false
	}
	prev := s.release
	s.conv = c
	s.release = release
	s.mu.Unlock()

	if prev != nil {
		prev()
	}
	return true
}

// releaseConversation drops the hold on a bound conversation.
func (s *Session) releaseConversation() {
	s.mu.Lock()
	release := s.release
	s.release = nil
	s.mu.Unlock()
	if release != nil {
		release()
	}
}

// MarkTurnStarted freezes the conversation binding.
func (s *Session) MarkTurnStarted() {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
}

// AllowAudio reports whether n more inbound audio bytes fit the rate limit.
func (s *Session) AllowAudio(n int) bool {
	if s.Limiter == nil {
		return true
	}
	return s.Limiter.AllowN(time.Now(), n)
}
