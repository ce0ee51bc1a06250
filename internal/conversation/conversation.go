// Package conversation tracks the remote conversation handle and turn history
// of a voice session.
package conversation

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Role identifies the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry of the conversation history.
type Turn struct {
	Role    Role      `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// Recorder persists conversation handles and turns.
type Recorder interface {
	SaveConversation(ctx context.Context, key, handle string) error
	LookupConversation(ctx context.Context, key string) (string, error)
	AppendTurn(ctx context.Context, handle string, turn Turn) error
}

// CreateFunc creates a remote conversation and returns its handle.
type CreateFunc func(ctx context.Context) (string, error)

// State holds one conversation. The remote handle is created lazily on first
// use, at most once, and never changes afterwards. Turns are append-only.
type State struct {
	key      string
	recorder Recorder
	logger   *zap.Logger

	createMu sync.Mutex

	mu     sync.RWMutex
	handle string
	turns  []Turn
	active bool // a turn holds the conversation
}

// NewState creates an empty conversation identified by key. recorder may be nil.
func NewState(key string, recorder Recorder, logger *zap.Logger) *State {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &State{key: key, recorder: recorder, logger: logger}
}

// Key returns the conversation key.
func (s *State) Key() string {
	return s.key
}

// Handle returns the remote handle, calling create the first time. A failed
// creation is not cached, so a later call may retry it.
func (s *State) Handle(ctx context.Context, create CreateFunc) (string, error) {
	if h := s.CurrentHandle(); h != "" {
		return h, nil
	}

	s.createMu.Lock()
	defer s.createMu.Unlock()

	if h := s.CurrentHandle(); h != "" {
		return h, nil
	}
	if create == nil {
		return "", errors.New("conversation: no handle and no creator")
	}
	h, err := create(ctx)
	if err != nil {
		return "", err
	}
	if h == "" {
		return "", errors.New("conversation: creator returned an empty handle")
	}

	s.mu.Lock()
	s.handle = h
	s.mu.Unlock()

	if s.recorder != nil {
		if err := s.recorder.SaveConversation(ctx, s.key, h); err != nil {
			s.logger.Warn("failed to persist conversation handle",
				zap.String("conversation_key", s.key), zap.Error(err))
		}
	}
	return h, nil
}

// BeginTurn claims the conversation for one turn. It reports false while
// another turn holds it, whichever socket or upload started that turn.
func (s *State) BeginTurn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return false
	}
	s.active = true
	return true
}

// EndTurn releases the claim taken by BeginTurn.
func (s *State) EndTurn() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

// Busy reports whether a turn holds the conversation.
func (s *State) Busy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// CurrentHandle returns the handle, or "" before it has been created.
func (s *State) CurrentHandle() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handle
}

// Append records a turn.
func (s *State) Append(ctx context.Context, role Role, content string) Turn {
	t := Turn{Role: role, Content: content, At: time.Now()}

	s.mu.Lock()
	s.turns = append(s.turns, t)
	handle := s.handle
	s.mu.Unlock()

	if s.recorder != nil && handle != "" {
		if err := s.recorder.AppendTurn(ctx, handle, t); err != nil {
			s.logger.Warn("failed to persist turn",
				zap.String("conversation_key", s.key), zap.Error(err))
		}
	}
	return t
}

// Turns returns a copy of the history.
func (s *State) Turns() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// Directory maps client-chosen conversation keys to conversations so the
// same conversation can be continued across sockets and uploads. Entries that
// nobody references are evicted once idle; the next Get restores the handle
// from the recorder.
type Directory struct {
	recorder Recorder
	logger   *zap.Logger
	now      func() time.Time

	mu     sync.Mutex
	states map[string]*entry
}

type entry struct {
	state    *State
	refs     int
	lastUsed time.Time
}

// NewDirectory creates a directory. recorder may be nil.
func NewDirectory(recorder Recorder, logger *zap.Logger) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
		states:   make(map[string]*entry),
	}
}

// Get returns the conversation for key, restoring a persisted handle when one exists.
func (d *Directory) Get(ctx context.Context, key string) (*State, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, err := d.load(ctx, key)
	if err != nil {
		return nil, err
	}
	return e.state, nil
}

// Acquire is Get for callers that keep the conversation across a turn or a
// socket lifetime. The conversation is not evicted until release is called.
// release is safe to call more than once.
func (d *Directory) Acquire(ctx context.Context, key string) (*State, func(), error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, err := d.load(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	e.refs++

	var once sync.Once
	release := func() {
		once.Do(func() {
			d.mu.Lock()
			e.refs--
			e.lastUsed = d.now()
			d.mu.Unlock()
		})
	}
	return e.state, release, nil
}

// load returns the entry for key, creating it if needed. d.mu must be held.
func (d *Directory) load(ctx context.Context, key string) (*entry, error) {
	if key == "" {
		return nil, errors.New("conversation: key is required")
	}
	if e, ok := d.states[key]; ok {
		e.lastUsed = d.now()
		return e, nil
	}

	s := NewState(key, d.recorder, d.logger)
	if d.recorder != nil {
		handle, err := d.recorder.LookupConversation(ctx, key)
		switch {
		case err == nil:
			s.handle = handle
		case errors.Is(err, ErrUnknownKey):
		default:
			return nil, err
		}
	}
	e := &entry{state: s, lastUsed: d.now()}
	d.states[key] = e
	return e, nil
}

// Evict drops conversations that are unreferenced, not in a turn, and unused
// for at least idle. It returns how many were dropped.
func (d *Directory) Evict(idle time.Duration) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	n := 0
	for key, e := range d.states {
		if e.refs > 0 || e.state.Busy() || now.Sub(e.lastUsed) < idle {
			continue
		}
		delete(d.states, key)
		n++
	}
	return n
}

// Janitor calls Evict every interval until ctx ends.
func (d *Directory) Janitor(ctx context.Context, interval, idle time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := d.Evict(idle); n > 0 {
				d.logger.Debug("evicted idle conversations", zap.Int("evicted", n), zap.Int("remaining", d.Len()))
			}
		}
	}
}

// Len returns the number of conversations held in memory.
func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.states)
}

// ErrUnknownKey is returned by recorders when a key has no stored handle.
var ErrUnknownKey = errors.New("conversation: unknown key")
